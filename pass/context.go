package pass

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/wippyai/enclave-jit/amd64"
	"github.com/wippyai/enclave-jit/errors"
	"github.com/wippyai/enclave-jit/reloc"
	"github.com/wippyai/enclave-jit/wasm"
)

// Env carries the host-provided addresses helper blocks may embed.
type Env struct {
	// ExitMarker is the address of the host-visible exit-type word.
	ExitMarker uint64
}

// Context is the state shared by all passes while one module compiles.
// The per-function fields are reset by BeginFunction.
type Context struct {
	Module *wasm.Module
	Log    *zap.Logger
	Env    Env
	// Symbols holds final helper and object addresses once the module
	// is placed. Validation hooks read it.
	Symbols *reloc.Symbols

	Buf    *amd64.Buffer
	Ledger *reloc.Ledger
	Type   *wasm.FuncType
	Func   uint32
	// Exported is set for functions the host can enter: exports and the
	// start function.
	Exported bool

	states map[string]any
}

// NewContext creates a context for compiling m.
func NewContext(m *wasm.Module, log *zap.Logger) *Context {
	if log == nil {
		log = zap.NewNop()
	}
	return &Context{
		Module: m,
		Log:    log,
		states: make(map[string]any),
	}
}

// BeginFunction resets the per-function output for function idx.
func (c *Context) BeginFunction(idx uint32, ft *wasm.FuncType, exported bool) {
	c.Func = idx
	c.Type = ft
	c.Exported = exported
	c.Buf = amd64.NewBuffer()
	c.Ledger = reloc.NewLedger(idx)
}

// SetState publishes a pass's state under name.
func (c *Context) SetState(name string, v any) {
	c.states[name] = v
}

// State returns the state a pass published under name, or nil.
func (c *Context) State(name string) any {
	return c.states[name]
}

// Lookup returns the state published under name as T. A missing or
// mistyped state is a programming error and aborts compilation.
func Lookup[T any](c *Context, name string) T {
	v, ok := c.states[name].(T)
	if !ok {
		errors.Fatal(errors.Invariant(errors.PhasePass, []string{name},
			fmt.Sprintf("state %q not published or has type %T", name, c.states[name])))
	}
	return v
}

// Path returns an error location path rooted at the current function.
func (c *Context) Path(extra ...string) []string {
	return append([]string{errors.FuncPath(c.Func)}, extra...)
}
