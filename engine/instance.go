package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/enclave-jit/compiler"
	"github.com/wippyai/enclave-jit/emu"
	"github.com/wippyai/enclave-jit/errors"
	"github.com/wippyai/enclave-jit/layout"
	"github.com/wippyai/enclave-jit/mitigation"
	"github.com/wippyai/enclave-jit/pass"
	"github.com/wippyai/enclave-jit/region"
	"github.com/wippyai/enclave-jit/reloc"
	"github.com/wippyai/enclave-jit/runtime"
	"github.com/wippyai/enclave-jit/wasm"
)

// ExitType is what a simulated asynchronous exit writes to the exit
// marker. Anything other than runtime.Magic counts as an exit.
const ExitType = 0

// thunk is the body of a host function's address in the code region.
// Executors intercept the address before the ud2 runs.
var thunk = []byte{0x0F, 0x0B}

// Function is a compiled function and where its units were placed.
type Function struct {
	*compiler.Function
	Placement *layout.Placement
}

// Helper is a placed module-wide helper block.
type Helper struct {
	Symbols map[string]int
	Pass    string
	Code    []byte
	Addr    uint64
}

// Instance is a placed, resolved and committed module.
type Instance struct {
	module *Module
	log    *zap.Logger

	Memory  *runtime.Memory
	Globals *runtime.Globals
	Table   *runtime.Table
	Marker  *runtime.ExitMarker
	stack   *runtime.Stack
	region  *region.Region

	funcs    []*Function
	helpers  []Helper
	syms     *reloc.Symbols
	exec     emu.Executor
	resolved reloc.Stats
	stats    emu.Stats

	ID uuid.UUID
}

// Instantiate compiles, places and resolves the module and runs its start
// function. On error nothing of the module remains installed.
func (m *Module) Instantiate(ctx context.Context) (*Instance, error) {
	e := m.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	id := uuid.New()
	ctx, span := startSpan(ctx, "engine.instantiate",
		attribute.String("module.id", m.ID.String()),
		attribute.String("instance.id", id.String()))
	defer span.End()

	inst := &Instance{
		module: m,
		ID:     id,
		log:    e.log.With(zap.Stringer("module", m.ID), zap.Stringer("instance", id)),
	}
	if err := inst.build(ctx, e.cfg, e.feat, e.hosts); err != nil {
		_ = inst.Close()
		return nil, recordError(span, err)
	}

	span.SetAttributes(
		attribute.Int("code.funcs", len(inst.funcs)),
		attribute.Int("code.bytes", inst.region.Used()),
		attribute.Int("reloc.patched", inst.resolved.Patched))
	return inst, nil
}

func (inst *Instance) build(ctx context.Context, cfg Config, feat emu.Features, reg *runtime.HostRegistry) error {
	hosts, err := inst.allocate(cfg, reg)
	if err != nil {
		return err
	}

	w := inst.module.Wasm
	pc := pass.NewContext(w, inst.log.Named("pass"))
	pc.Env.ExitMarker = inst.Marker.Addr()
	mgr, err := pass.New(cfg.passes(feat)...)
	if err != nil {
		return err
	}
	c, err := compiler.New(w, mgr, pc)
	if err != nil {
		return err
	}
	fns, err := c.All()
	if err != nil {
		return err
	}

	if err := inst.place(cfg, mgr, pc, fns, len(hosts)); err != nil {
		return err
	}
	if err := inst.resolve(); err != nil {
		return err
	}
	if err := inst.region.Commit(); err != nil {
		return err
	}
	if err := inst.validate(mgr, pc); err != nil {
		return err
	}
	if err := inst.open(cfg, hosts); err != nil {
		return err
	}
	inst.log.Debug("instantiated",
		zap.Int("funcs", len(inst.funcs)),
		zap.Stringer("region", inst.region),
		zap.Int("patched", inst.resolved.Patched))

	if start := w.Start; start != nil {
		if _, err := inst.call(ctx, *start, nil); err != nil {
			return errors.New(errors.PhaseRuntime, errors.KindTrap).
				Path(errors.FuncPath(*start)).
				Cause(err).
				Detail("start function failed").
				Build()
		}
	}
	return nil
}

// allocate creates the runtime objects so their addresses are final
// before anything is compiled, and resolves every import.
func (inst *Instance) allocate(cfg Config, reg *runtime.HostRegistry) ([]*runtime.HostFunc, error) {
	w := inst.module.Wasm

	var pages uint32
	if len(w.Memories) > 0 {
		pages = w.Memories[0].Limits.Min
	}
	mem, err := runtime.NewMemory(pages)
	if err != nil {
		return nil, err
	}
	inst.Memory = mem
	for i, d := range w.Data {
		if d.Offset.Opcode != wasm.OpI32Const {
			return nil, errors.Unsupported(errors.PhaseRuntime, "data offset "+wasm.OpcodeName(d.Offset.Opcode))
		}
		if err := mem.Init(uint32(d.Offset.Value), d.Init); err != nil {
			return nil, errors.New(errors.PhaseRuntime, errors.KindOutOfBounds).
				Path(fmt.Sprintf("data[%d]", i)).
				Cause(err).
				Detail("data segment does not fit").
				Build()
		}
	}

	types := make([]wasm.GlobalType, len(w.Globals))
	for i, g := range w.Globals {
		types[i] = g.Type
	}
	inst.Globals = runtime.NewGlobals(types)
	if err := inst.Globals.Init(w); err != nil {
		return nil, err
	}

	var slots uint32
	if len(w.Tables) > 0 {
		slots = w.Tables[0].Limits.Min
	}
	inst.Table = runtime.NewTable(slots)
	inst.Marker = runtime.NewExitMarker()
	inst.stack = runtime.NewStack(cfg.StackSize)

	hosts := make([]*runtime.HostFunc, w.NumImportedFuncs())
	for i := range hosts {
		imp, _ := w.ImportedFunc(uint32(i))
		hf, err := reg.Resolve(imp, w.GetFuncType(uint32(i)))
		if err != nil {
			return nil, err
		}
		hosts[i] = hf
	}
	return hosts, nil
}

// place writes helpers, host thunks and functions into a fresh region and
// fills in every symbol. All functions are placed before anything is
// resolved.
func (inst *Instance) place(cfg Config, mgr *pass.Manager, pc *pass.Context, fns []*compiler.Function, nhosts int) error {
	r, err := region.New(region.Config{
		Backing:  cfg.Backing,
		Size:     cfg.RegionSize,
		UnitSize: cfg.UnitSize,
		Seed:     cfg.Seed,
	})
	if err != nil {
		return err
	}
	inst.region = r

	w := inst.module.Wasm
	syms := &reloc.Symbols{
		Funcs: make([]uint64, w.NumFuncs()),
		Hosts: make([]uint64, nhosts),
	}

	helpers, err := mgr.Helpers(pc)
	if err != nil {
		return err
	}
	for _, h := range helpers {
		addr, err := r.Alloc(len(h.Block.Code))
		if err != nil {
			return err
		}
		if err := r.Write(addr, h.Block.Code); err != nil {
			return err
		}
		at := func(sym string) uint64 {
			return addr + uint64(h.Block.Symbols[sym])
		}
		switch h.Pass {
		case mitigation.SpringboardName:
			syms.Springboard = reloc.Springboard{
				Begin: at(mitigation.SymbolBegin),
				Next:  at(mitigation.SymbolNext),
				End:   at(mitigation.SymbolEnd),
			}
		case mitigation.ExitPollName:
			syms.ExitPoll = at(mitigation.SymbolPoll)
		}
		inst.helpers = append(inst.helpers, Helper{Pass: h.Pass, Addr: addr, Code: h.Block.Code, Symbols: h.Block.Symbols})
	}

	for i := range syms.Hosts {
		addr, err := r.Alloc(len(thunk))
		if err != nil {
			return err
		}
		if err := r.Write(addr, thunk); err != nil {
			return err
		}
		syms.Hosts[i] = addr
		syms.Funcs[i] = addr
	}

	scatter := cfg.has(mitigation.ScatterName)
	for _, fn := range fns {
		var p *layout.Placement
		if scatter {
			if err := fn.Ledger.ToUnitRelative(fn.Units); err != nil {
				return err
			}
			p, err = layout.Place(r, fn.Index, fn.Code, fn.Units, cfg.Randomize)
		} else {
			p, err = layout.PlaceFlat(r, fn.Index, fn.Code, fn.Units)
		}
		if err != nil {
			return err
		}
		syms.Funcs[fn.Index] = p.Entry
		inst.funcs = append(inst.funcs, &Function{Function: fn, Placement: p})
		debugf("placed func %d at %#x in %d units", fn.Index, p.Entry, len(p.Units))
	}

	syms.Memory = inst.Memory.Base()
	syms.Globals = inst.Globals.Addrs()
	syms.TableRefs = inst.Table.RefsAddr()
	syms.TableSigs = inst.Table.SigsAddr()
	syms.TableSize = inst.Table.SizeAddr()
	inst.syms = syms
	pc.Symbols = syms

	return inst.Table.Init(w, syms.Funcs)
}

func (inst *Instance) resolve() error {
	rfns := make([]*reloc.Function, len(inst.funcs))
	for i, f := range inst.funcs {
		rfns[i] = f.Placement.Function(f.Ledger)
	}
	res := reloc.NewResolver(inst.region, inst.syms, inst.log.Named("reloc"))
	stats, err := res.Resolve(rfns)
	inst.resolved = stats
	return err
}

// validate runs every pass's check on every placed unit as it sits in
// the committed region.
func (inst *Instance) validate(mgr *pass.Manager, pc *pass.Context) error {
	var err error
	base := inst.region.Base()
	img := inst.region.Bytes()
	for _, f := range inst.funcs {
		err = multierr.Append(err, f.Placement.Each(f.Code, func(unit int, addr uint64, code []byte) error {
			placed := img[addr-base : addr-base+uint64(len(code))]
			err = multierr.Append(err, mgr.Validate(pc, pass.Placement{
				Code:   placed,
				Addr:   addr,
				Func:   f.Index,
				Unit:   unit,
				Offset: f.Placement.Units[unit].Offset,
			}))
			return nil
		}))
	}
	return err
}

// open maps the region and every runtime object into an executor.
func (inst *Instance) open(cfg Config, hosts []*runtime.HostFunc) error {
	ex, err := emu.Open(cfg.Executor, emu.Config{
		Stack:     segment(inst.stack.Span()),
		StepLimit: cfg.StepLimit,
		ExitEvery: cfg.ExitEvery,
		MaxExits:  cfg.MaxExits,
		OnExit:    func() { inst.Marker.Store(ExitType) },
		Trace:     cfg.Trace,
		Log:       inst.log,
	})
	if err != nil {
		return err
	}
	inst.exec = ex

	if err := ex.Map(emu.Segment{Name: "code", Data: inst.region.Bytes(), Addr: inst.region.Base(), Exec: true}); err != nil {
		return err
	}
	spans := []runtime.Span{inst.Memory.Span(), inst.Globals.Span(), inst.Marker.Span()}
	spans = append(spans, inst.Table.Spans()...)
	for _, s := range spans {
		if err := ex.Map(segment(s)); err != nil {
			return err
		}
	}
	for i, hf := range hosts {
		ex.Host(inst.syms.Hosts[i], len(hf.Type.Params), emu.HostFunc(hf.Handler))
	}
	return nil
}

func segment(s runtime.Span) emu.Segment {
	return emu.Segment{Name: s.Name, Data: s.Data, Addr: s.Addr()}
}

// Call invokes an exported function. i32 results are zero-extended.
func (inst *Instance) Call(ctx context.Context, name string, args ...uint64) (uint64, error) {
	idx, ok := inst.module.Wasm.ExportedFunc(name)
	if !ok {
		return 0, errors.NotFound(errors.PhaseRuntime, "export", name)
	}
	ctx, span := startSpan(ctx, "engine.call",
		attribute.String("instance.id", inst.ID.String()),
		attribute.String("export", name))
	defer span.End()

	res, err := inst.call(ctx, idx, args)
	span.SetAttributes(
		attribute.Int64("emu.steps", int64(inst.stats.Steps)),
		attribute.Int("emu.exits", inst.stats.Exits),
		attribute.Int64("emu.aborts", int64(inst.stats.Aborts)))
	if err != nil {
		return 0, recordError(span, err)
	}
	return res, nil
}

func (inst *Instance) call(ctx context.Context, idx uint32, args []uint64) (uint64, error) {
	if inst.exec == nil {
		return 0, errors.NotInitialized(errors.PhaseRuntime, "instance")
	}
	ft := inst.module.Wasm.GetFuncType(idx)
	if len(args) != len(ft.Params) {
		return 0, errors.New(errors.PhaseRuntime, errors.KindInvalidInput).
			Path(errors.FuncPath(idx)).
			Detail("got %d arguments, function takes %d", len(args), len(ft.Params)).
			Build()
	}
	inst.Marker.Reset()
	res, err := inst.exec.Call(ctx, inst.syms.Funcs[idx], args...)
	inst.stats = inst.exec.Stats()
	debugf("func %d: %d steps, %d exits, %d aborts", idx, inst.stats.Steps, inst.stats.Exits, inst.stats.Aborts)
	if err != nil {
		return 0, err
	}
	if len(ft.Results) == 0 {
		return 0, nil
	}
	if ft.Results[0] == wasm.ValI32 {
		res = uint64(uint32(res))
	}
	return res, nil
}

// Module returns the module the instance was created from.
func (inst *Instance) Module() *Module { return inst.module }

// Functions returns the defined functions in index order.
func (inst *Instance) Functions() []*Function { return inst.funcs }

// Helpers returns the placed helper blocks.
func (inst *Instance) Helpers() []Helper { return inst.helpers }

// Symbols returns the addresses relocations resolved against.
func (inst *Instance) Symbols() *reloc.Symbols { return inst.syms }

// Region returns the committed code region.
func (inst *Instance) Region() *region.Region { return inst.region }

// Resolution reports what the resolver patched.
func (inst *Instance) Resolution() reloc.Stats { return inst.resolved }

// LastStats reports the executor counters of the most recent call.
func (inst *Instance) LastStats() emu.Stats { return inst.stats }

// Close releases the executor and the code region.
func (inst *Instance) Close() error {
	var err error
	if inst.exec != nil {
		err = multierr.Append(err, inst.exec.Close())
		inst.exec = nil
	}
	if inst.region != nil {
		err = multierr.Append(err, inst.region.Close())
		inst.region = nil
	}
	return err
}
