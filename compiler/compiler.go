package compiler

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/wippyai/enclave-jit/cfg"
	"github.com/wippyai/enclave-jit/errors"
	"github.com/wippyai/enclave-jit/pass"
	"github.com/wippyai/enclave-jit/reloc"
	"github.com/wippyai/enclave-jit/wasm"
)

// Function is the output for one compiled function.
type Function struct {
	Code   []byte
	Ledger *reloc.Ledger
	// Units has one entry per CFG node and tiles Code exactly.
	Units []reloc.Unit
	Graph *cfg.Graph
	Index uint32
	// Exported is set for functions the host may enter directly.
	Exported bool
}

// Compiler lowers the defined functions of one module.
type Compiler struct {
	mod *wasm.Module
	mgr *pass.Manager
	ctx *pass.Context
	cfg *cfg.Builder
}

// New initializes every pass and prepares to compile mod. The manager
// must include the CFG builder.
func New(mod *wasm.Module, mgr *pass.Manager, ctx *pass.Context) (c *Compiler, err error) {
	defer errors.Recover(&err)

	if err := Supported(mod); err != nil {
		return nil, err
	}
	if _, ok := mgr.Lookup(cfg.Name); !ok {
		return nil, errors.NotFound(errors.PhaseCompile, "pass", cfg.Name)
	}
	if err := mgr.Initialize(ctx); err != nil {
		return nil, err
	}
	return &Compiler{
		mod: mod,
		mgr: mgr,
		ctx: ctx,
		cfg: pass.Lookup[*cfg.Builder](ctx, cfg.Name),
	}, nil
}

// Supported rejects module features the selector does not lower.
func Supported(mod *wasm.Module) error {
	for _, imp := range mod.Imports {
		if imp.Desc.Kind != wasm.KindFunc {
			return errors.Unsupported(errors.PhaseCompile,
				fmt.Sprintf("import %s.%s: only function imports are supported", imp.Module, imp.Name))
		}
	}
	for i, ft := range mod.Types {
		if err := checkSignature(ft); err != nil {
			return errors.New(errors.PhaseCompile, errors.KindUnsupported).
				Path(fmt.Sprintf("type[%d]", i)).
				Cause(err).
				Detail("signature").
				Build()
		}
	}
	for i, g := range mod.Globals {
		if !integer(g.Type.ValType) {
			return errors.Unsupported(errors.PhaseCompile, fmt.Sprintf("global %d of type %s", i, g.Type.ValType))
		}
	}
	for i, body := range mod.Code {
		for _, l := range body.Locals {
			if !integer(l.ValType) {
				return errors.Unsupported(errors.PhaseCompile,
					fmt.Sprintf("%s local of type %s", errors.FuncPath(uint32(mod.NumImportedFuncs()+i)), l.ValType))
			}
		}
	}
	return nil
}

func integer(t wasm.ValType) bool {
	return t == wasm.ValI32 || t == wasm.ValI64
}

func checkSignature(ft wasm.FuncType) error {
	if len(ft.Results) > 1 {
		return fmt.Errorf("multi-value results")
	}
	for _, t := range ft.Params {
		if !integer(t) {
			return fmt.Errorf("parameter of type %s", t)
		}
	}
	for _, t := range ft.Results {
		if !integer(t) {
			return fmt.Errorf("result of type %s", t)
		}
	}
	return nil
}

// Context returns the pass context shared by every function.
func (c *Compiler) Context() *pass.Context {
	return c.ctx
}

// All compiles every defined function in index order and finishes the
// passes.
func (c *Compiler) All() ([]*Function, error) {
	nimp := uint32(c.mod.NumImportedFuncs())
	out := make([]*Function, 0, len(c.mod.Funcs))
	for i := range c.mod.Funcs {
		fn, err := c.Compile(nimp + uint32(i))
		if err != nil {
			return nil, err
		}
		out = append(out, fn)
	}
	if err := c.finish(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Compiler) finish() (err error) {
	defer errors.Recover(&err)
	return c.mgr.Finish(c.ctx)
}

// Compile lowers function idx. Invariant failures raised by passes are
// returned as errors.
func (c *Compiler) Compile(idx uint32) (fn *Function, err error) {
	defer errors.Recover(&err)

	nimp := uint32(c.mod.NumImportedFuncs())
	if idx < nimp {
		return nil, errors.InvalidInput(errors.PhaseCompile, fmt.Sprintf("function %d is imported", idx))
	}
	if int(idx-nimp) >= len(c.mod.Code) {
		return nil, errors.NotFound(errors.PhaseCompile, "function", fmt.Sprint(idx))
	}
	body := &c.mod.Code[idx-nimp]
	ft := c.mod.GetFuncType(idx)
	if ft == nil {
		return nil, errors.InvalidData(errors.PhaseCompile, []string{errors.FuncPath(idx)}, "function has no type")
	}
	instrs, err := wasm.DecodeInstructions(body.Code)
	if err != nil {
		return nil, errors.New(errors.PhaseDecode, errors.KindInvalidData).
			Path(errors.FuncPath(idx)).
			Cause(err).
			Detail("decoding body").
			Build()
	}

	exported := c.mod.IsExported(idx) || (c.mod.Start != nil && *c.mod.Start == idx)
	c.ctx.BeginFunction(idx, ft, exported)

	f := newFuncCompiler(c, idx, ft, body)
	f.event(c.mgr.FunctionStart(c.ctx))
	f.prologue()
	f.run(instrs)
	f.event(c.mgr.FunctionEnd(c.ctx))

	g := c.cfg.Graph()
	fn = &Function{
		Code:     c.ctx.Buf.Bytes(),
		Ledger:   c.ctx.Ledger,
		Units:    g.Units(),
		Graph:    g,
		Index:    idx,
		Exported: exported,
	}
	c.ctx.Log.Debug("compiled function",
		zap.Uint32("func", idx),
		zap.Int("bytes", len(fn.Code)),
		zap.Int("nodes", len(g.Nodes)),
		zap.Int("relocs", fn.Ledger.Len()))
	return fn, nil
}
