// Package pass implements the statically ordered pass manager that drives
// per-function code generation hooks.
//
// Passes are registered once, in dependency order. For every function and
// for every control, instruction and machine-instruction event the manager
// calls the matching hook of each active pass in registration order. A
// pass reaches another pass's state only through Context.State.
package pass

import (
	"github.com/wippyai/enclave-jit/wasm"
)

// ControlKind identifies the structured construct of a control event.
type ControlKind uint8

const (
	KindFunction ControlKind = iota
	KindBlock
	KindLoop
	KindIf
	KindElse
)

func (k ControlKind) String() string {
	switch k {
	case KindFunction:
		return "function"
	case KindBlock:
		return "block"
	case KindLoop:
		return "loop"
	case KindIf:
		return "if"
	case KindElse:
		return "else"
	}
	return "unknown"
}

// ControlEvent describes a control-structure boundary. Depth is the
// nesting depth of the code that follows the boundary; the function body
// is depth 1.
type ControlEvent struct {
	Kind  ControlKind
	Depth int
}

// MachineKind classifies a machine-level instruction of interest.
type MachineKind uint8

const (
	// CondBranch is a jcc whose target is a wasm label.
	CondBranch MachineKind = iota
	// Branch is an unconditional jmp whose target is a wasm label.
	Branch
	// Return is the function epilogue.
	Return
	// Call is a direct call to a compiled function.
	Call
	// CallHost is a call leaving compiled code for a host function.
	CallHost
	// CallIndirect is a call through the function table.
	CallIndirect
)

func (k MachineKind) String() string {
	switch k {
	case CondBranch:
		return "jcc"
	case Branch:
		return "jmp"
	case Return:
		return "ret"
	case Call:
		return "call"
	case CallHost:
		return "call-host"
	case CallIndirect:
		return "call-indirect"
	}
	return "unknown"
}

// IsBranch reports whether the event ends in a branch to a wasm label.
func (k MachineKind) IsBranch() bool {
	return k == CondBranch || k == Branch
}

// MachineEvent describes one machine-level instruction. For branches,
// Opcode is the wasm opcode that produced it (if, else, br, br_if,
// br_table) and RelDepth the wasm label depth; an if branch targets the
// else arm and an else branch targets the end of the construct.
type MachineEvent struct {
	Kind     MachineKind
	Opcode   byte
	RelDepth uint32
}

// Placement is a code unit at its final address. Offset is where the
// unit starts in the function's code.
type Placement struct {
	Code   []byte
	Addr   uint64
	Func   uint32
	Unit   int
	Offset int
}

// HelperBlock is a module-wide code block built once by a pass. Symbols
// maps names to offsets inside Code.
type HelperBlock struct {
	Symbols map[string]int
	Code    []byte
}

// Pass is the hook set every pass implements. Embed Base to get no-op
// defaults.
type Pass interface {
	Name() string
	Deps() []string
	Active() bool

	Initialize(ctx *Context) error
	Finish(ctx *Context) error

	FunctionStart(ctx *Context) error
	FunctionEnd(ctx *Context) error

	ControlStart(ctx *Context, ev ControlEvent) error
	ControlEnd(ctx *Context, ev ControlEvent) error

	InstructionStart(ctx *Context, in *wasm.Instruction) error
	InstructionEnd(ctx *Context, in *wasm.Instruction) error

	MachineStart(ctx *Context, ev MachineEvent) error
	MachineEnd(ctx *Context, ev MachineEvent) error

	Validate(ctx *Context, p Placement) error
}

// HelperProvider is implemented by passes that contribute a module-wide
// helper block.
type HelperProvider interface {
	Helper(ctx *Context) (*HelperBlock, error)
}

// Base provides no-op hooks and the diagnostic active flag.
type Base struct {
	inactive bool
}

func (b *Base) Deps() []string { return nil }

// Active reports whether the manager should dispatch to the pass.
func (b *Base) Active() bool { return !b.inactive }

// SetActive toggles dispatch for diagnostics.
func (b *Base) SetActive(v bool) { b.inactive = !v }

func (b *Base) Initialize(*Context) error                          { return nil }
func (b *Base) Finish(*Context) error                              { return nil }
func (b *Base) FunctionStart(*Context) error                       { return nil }
func (b *Base) FunctionEnd(*Context) error                         { return nil }
func (b *Base) ControlStart(*Context, ControlEvent) error          { return nil }
func (b *Base) ControlEnd(*Context, ControlEvent) error            { return nil }
func (b *Base) InstructionStart(*Context, *wasm.Instruction) error { return nil }
func (b *Base) InstructionEnd(*Context, *wasm.Instruction) error   { return nil }
func (b *Base) MachineStart(*Context, MachineEvent) error          { return nil }
func (b *Base) MachineEnd(*Context, MachineEvent) error            { return nil }
func (b *Base) Validate(*Context, Placement) error                 { return nil }
