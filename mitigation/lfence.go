package mitigation

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/wippyai/enclave-jit/amd64"
	"github.com/wippyai/enclave-jit/cfg"
	"github.com/wippyai/enclave-jit/pass"
	"github.com/wippyai/enclave-jit/wasm"
)

// LfenceName is the registered name of the speculation barrier pass.
const LfenceName = "lfence"

// Lfence bounds speculative execution across wasm branches. Every
// conditional branch is followed by an lfence on its not-taken path, and
// every node opened at a control boundary starts with one, so a
// mispredicted branch stalls at the first instruction of either side.
// Nodes opened by splitting are not branch targets and stay unfenced.
type Lfence struct {
	pass.Base

	cfg    *cfg.Builder
	fenced int
	// fences holds the code offset of every emitted fence, per function.
	fences map[uint32][]int
}

// NewLfence creates the speculation barrier pass.
func NewLfence() *Lfence {
	return &Lfence{fences: make(map[uint32][]int)}
}

func (l *Lfence) Name() string   { return LfenceName }
func (l *Lfence) Deps() []string { return []string{cfg.Name} }

func (l *Lfence) Initialize(ctx *pass.Context) error {
	l.cfg = pass.Lookup[*cfg.Builder](ctx, cfg.Name)
	ctx.SetState(LfenceName, l)
	return nil
}

// FunctionStart leaves the entry node alone; it is only reached by call.
func (l *Lfence) FunctionStart(ctx *pass.Context) error {
	l.fenced = l.cfg.Current()
	delete(l.fences, ctx.Func)
	return nil
}

// InstructionStart fences the first instruction of a freshly opened
// node. The cfg pass has settled the node's offset by now.
func (l *Lfence) InstructionStart(ctx *pass.Context, _ *wasm.Instruction) error {
	cur := l.cfg.Current()
	if cur == l.fenced {
		return nil
	}
	l.fenced = cur
	switch l.cfg.Graph().Nodes[cur].State {
	case cfg.ControlStart, cfg.ControlEnd:
		l.fence(ctx)
	}
	return nil
}

func (l *Lfence) MachineEnd(ctx *pass.Context, ev pass.MachineEvent) error {
	if ev.Kind == pass.CondBranch {
		l.fence(ctx)
	}
	return nil
}

func (l *Lfence) fence(ctx *pass.Context) {
	l.fences[ctx.Func] = append(l.fences[ctx.Func], ctx.Buf.Len())
	ctx.Buf.Lfence()
}

// Fences returns the code offsets of the fences emitted into function
// fn, in emission order.
func (l *Lfence) Fences(fn uint32) []int {
	return l.fences[fn]
}

// Validate checks that every fence emitted into the unit decodes as an
// lfence at its placed address.
func (l *Lfence) Validate(_ *pass.Context, pl pass.Placement) error {
	var want []uint64
	for _, off := range l.fences[pl.Func] {
		if off >= pl.Offset && off < pl.Offset+len(pl.Code) {
			want = append(want, pl.Addr+uint64(off-pl.Offset))
		}
	}
	if len(want) == 0 {
		return nil
	}
	lines, err := amd64.Disassemble(pl.Code, pl.Addr)
	if err != nil {
		return err
	}
	fences := make(map[uint64]bool, len(want))
	for _, ln := range lines {
		if ln.Inst.Op == x86asm.LFENCE {
			fences[ln.Addr] = true
		}
	}
	for _, addr := range want {
		if !fences[addr] {
			return fmt.Errorf("fence at %#x is missing", addr)
		}
	}
	return nil
}
