package engine

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wippyai/enclave-jit/emu"
	"github.com/wippyai/enclave-jit/errors"
	"github.com/wippyai/enclave-jit/mitigation"
	"github.com/wippyai/enclave-jit/reloc"
	"github.com/wippyai/enclave-jit/wasm"
)

var (
	i32    = wasm.ValI32
	i32i32 = wasm.FuncType{Params: []wasm.ValType{i32}, Results: []wasm.ValType{i32}}
)

func in(op byte, imm any) wasm.Instruction { return wasm.Instruction{Opcode: op, Imm: imm} }

func op(o byte) wasm.Instruction { return wasm.Instruction{Opcode: o} }

func void() wasm.BlockImm { return wasm.BlockImm{Type: -64} }

func get(i uint32) wasm.Instruction { return in(wasm.OpLocalGet, wasm.LocalImm{LocalIdx: i}) }

func set(i uint32) wasm.Instruction { return in(wasm.OpLocalSet, wasm.LocalImm{LocalIdx: i}) }

func i32c(v int32) wasm.Instruction { return in(wasm.OpI32Const, wasm.I32Imm{Value: v}) }

func single(ft wasm.FuncType, locals []wasm.LocalEntry, body ...wasm.Instruction) *wasm.Module {
	return &wasm.Module{
		Types:   []wasm.FuncType{ft},
		Funcs:   []uint32{0},
		Exports: []wasm.Export{{Name: "run", Kind: wasm.KindFunc, Idx: 0}},
		Code:    []wasm.FuncBody{{Locals: locals, Code: wasm.EncodeInstructions(body)}},
	}
}

// ifElseModule returns 1 for a non-zero argument and 2 otherwise.
func ifElseModule() *wasm.Module {
	return single(i32i32, nil,
		get(0),
		in(wasm.OpIf, wasm.BlockImm{Type: -1}),
		i32c(1),
		op(wasm.OpElse),
		i32c(2),
		op(wasm.OpEnd),
		op(wasm.OpEnd),
	)
}

// sumModule returns 1+2+...+n.
func sumModule() *wasm.Module {
	return single(i32i32, []wasm.LocalEntry{{Count: 1, ValType: i32}},
		in(wasm.OpBlock, void()),
		in(wasm.OpLoop, void()),
		get(0),
		op(wasm.OpI32Eqz),
		in(wasm.OpBrIf, wasm.BranchImm{LabelIdx: 1}),
		get(1),
		get(0),
		op(wasm.OpI32Add),
		set(1),
		get(0),
		i32c(1),
		op(wasm.OpI32Sub),
		set(0),
		in(wasm.OpBr, wasm.BranchImm{LabelIdx: 0}),
		op(wasm.OpEnd),
		op(wasm.OpEnd),
		get(1),
		op(wasm.OpEnd),
	)
}

// brTableModule maps 0 and 2 to 10, 1 to 11 and everything else to 12.
func brTableModule() *wasm.Module {
	return single(i32i32, nil,
		in(wasm.OpBlock, void()),
		in(wasm.OpBlock, void()),
		in(wasm.OpBlock, void()),
		get(0),
		in(wasm.OpBrTable, wasm.BrTableImm{Labels: []uint32{0, 1, 0}, Default: 2}),
		op(wasm.OpEnd),
		i32c(10),
		op(wasm.OpReturn),
		op(wasm.OpEnd),
		i32c(11),
		op(wasm.OpReturn),
		op(wasm.OpEnd),
		i32c(12),
		op(wasm.OpEnd),
	)
}

// callModule imports env.add and computes add(n, n)+1 through an
// internal call.
func callModule() *wasm.Module {
	binop := wasm.FuncType{Params: []wasm.ValType{i32, i32}, Results: []wasm.ValType{i32}}
	return &wasm.Module{
		Types:   []wasm.FuncType{binop, i32i32},
		Imports: []wasm.Import{{Module: "env", Name: "add", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 0}}},
		Funcs:   []uint32{1, 1},
		Exports: []wasm.Export{{Name: "run", Kind: wasm.KindFunc, Idx: 2}},
		Code: []wasm.FuncBody{
			{Code: wasm.EncodeInstructions([]wasm.Instruction{
				get(0), get(0), in(wasm.OpCall, wasm.CallImm{FuncIdx: 0}), op(wasm.OpEnd),
			})},
			{Code: wasm.EncodeInstructions([]wasm.Instruction{
				get(0), in(wasm.OpCall, wasm.CallImm{FuncIdx: 1}), i32c(1), op(wasm.OpI32Add), op(wasm.OpEnd),
			})},
		},
	}
}

// memoryModule stores 42 at the argument address, loads it back and
// adds global 0.
func memoryModule() *wasm.Module {
	mod := single(i32i32, nil,
		get(0),
		i32c(42),
		in(wasm.OpI32Store, wasm.MemoryImm{Align: 2}),
		get(0),
		in(wasm.OpI32Load, wasm.MemoryImm{Align: 2}),
		in(wasm.OpGlobalGet, wasm.GlobalImm{GlobalIdx: 0}),
		op(wasm.OpI32Add),
		op(wasm.OpEnd),
	)
	mod.Memories = []wasm.MemoryType{{Limits: wasm.Limits{Min: 1}}}
	mod.Globals = []wasm.Global{{
		Type: wasm.GlobalType{ValType: i32, Mutable: true},
		Init: wasm.ConstExpr{Opcode: wasm.OpI32Const, Value: 5},
	}}
	return mod
}

func testConfig(passes ...string) Config {
	cfg := DefaultConfig()
	cfg.RegionSize = 1 << 20
	cfg.StackSize = 64 << 10
	cfg.Seed = 1
	cfg.Passes = passes
	return cfg
}

func instantiate(t *testing.T, cfg Config, mod *wasm.Module) *Instance {
	t.Helper()
	e, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, e.Hosts().RegisterFunc("env", "add", func(a, b int32) int32 { return a + b }))
	m, err := e.LoadModule(context.Background(), mod)
	require.NoError(t, err)
	inst, err := m.Instantiate(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Close() })
	return inst
}

type mode struct {
	name   string
	passes []string
	random bool
}

var modes = []mode{
	{name: "flat"},
	{name: "scattered", passes: []string{mitigation.ScatterName}},
	{name: "randomized", passes: []string{mitigation.ScatterName}, random: true},
	{name: "springboard", passes: []string{mitigation.ScatterName, mitigation.SpringboardName}, random: true},
	{name: "lfence-flat", passes: []string{mitigation.LfenceName}},
	{name: "lfence", passes: []string{mitigation.ScatterName, mitigation.LfenceName}, random: true},
	{name: "all", passes: PassNames, random: true},
}

func TestExecutionMatchesReference(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		mod  func() *wasm.Module
		name string
		args []uint64
	}{
		{name: "if-else", mod: ifElseModule, args: []uint64{0, 1, 7}},
		{name: "loop", mod: sumModule, args: []uint64{0, 1, 10, 100}},
		{name: "br_table", mod: brTableModule, args: []uint64{0, 1, 2, 3, 9, 0xFFFFFFFF}},
		{name: "calls", mod: callModule, args: []uint64{0, 20}},
		{name: "memory", mod: memoryModule, args: []uint64{0, 128}},
	}
	for _, tc := range cases {
		for _, md := range modes {
			t.Run(tc.name+"/"+md.name, func(t *testing.T) {
				cfg := testConfig(md.passes...)
				cfg.Randomize = md.random
				inst := instantiate(t, cfg, tc.mod())
				for _, arg := range tc.args {
					want, err := inst.Module().Reference(ctx, "run", arg)
					require.NoError(t, err)
					got, err := inst.Call(ctx, "run", arg)
					require.NoError(t, err, "arg %d", arg)
					assert.Equal(t, want, got, "arg %d", arg)
				}
			})
		}
	}
}

func TestIfElse(t *testing.T) {
	inst := instantiate(t, testConfig(PassNames...), ifElseModule())
	ctx := context.Background()

	got, err := inst.Call(ctx, "run", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got)

	got, err = inst.Call(ctx, "run", 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got)

	require.Len(t, inst.Functions(), 1)
	assert.Empty(t, inst.Functions()[0].Graph.Unresolved())
}

func TestBrTableDefault(t *testing.T) {
	inst := instantiate(t, testConfig(mitigation.ScatterName), brTableModule())
	for _, arg := range []uint64{3, 1000, 0x80000000} {
		got, err := inst.Call(context.Background(), "run", arg)
		require.NoError(t, err)
		assert.Equal(t, uint64(12), got, "arg %d", arg)
	}
}

func TestResolverPatchesEveryEntryOnce(t *testing.T) {
	inst := instantiate(t, testConfig(PassNames...), callModule())

	var patches, markers int
	for _, f := range inst.Functions() {
		assert.True(t, f.Ledger.Relative())
		for _, e := range f.Ledger.Entries {
			if e.Kind.Marker() {
				markers++
			} else {
				patches++
			}
		}
	}
	st := inst.Resolution()
	assert.Equal(t, patches, st.Patched)
	assert.Equal(t, markers, st.Markers)
	assert.Zero(t, st.Skipped)
}

func TestScatteredUnitsAreSeparate(t *testing.T) {
	inst := instantiate(t, testConfig(mitigation.ScatterName), sumModule())
	r := inst.Region()
	for _, f := range inst.Functions() {
		p := f.Placement
		assert.False(t, p.Flat)
		for i, u := range p.Units {
			if u.Size == 0 {
				continue
			}
			assert.True(t, r.Contains(p.Addrs[i], u.Size))
			assert.Zero(t, (p.Addrs[i]-r.Base())%uint64(r.UnitSize()), "unit %d is not slot aligned", i)
		}
	}
}

func TestSpringboardSurvivesExits(t *testing.T) {
	cfg := testConfig(mitigation.ScatterName, mitigation.SpringboardName)
	cfg.ExitEvery = 37
	cfg.MaxExits = 20
	inst := instantiate(t, cfg, sumModule())

	got, err := inst.Call(context.Background(), "run", 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(5050), got)

	st := inst.LastStats()
	assert.Equal(t, 20, st.Exits)
	assert.NotZero(t, st.Aborts)
	assert.NotZero(t, st.Transactions)
}

func TestExitPollRearmsMarker(t *testing.T) {
	cfg := testConfig(mitigation.ExitPollName)
	cfg.PollThreshold = 1
	cfg.ExitEvery = 50
	cfg.MaxExits = 1
	inst := instantiate(t, cfg, sumModule())

	got, err := inst.Call(context.Background(), "run", 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(5050), got)
	assert.Equal(t, 1, inst.LastStats().Exits)
	assert.False(t, inst.Marker.Exited())
}

func TestExitPollAbortsOnExit(t *testing.T) {
	cfg := testConfig(mitigation.ExitPollName)
	cfg.PollThreshold = 1
	cfg.AbortOnExit = true
	cfg.ExitEvery = 50
	cfg.MaxExits = 1
	inst := instantiate(t, cfg, sumModule())

	_, err := inst.Call(context.Background(), "run", 100)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, &errors.Error{Phase: errors.PhaseEmulate, Kind: errors.KindTrap}))
	assert.True(t, inst.Marker.Exited())

	// without exits the same code runs to completion
	cfg.ExitEvery = 0
	inst = instantiate(t, cfg, sumModule())
	got, err := inst.Call(context.Background(), "run", 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(5050), got)
}

func TestOutOfBoundsAccessTraps(t *testing.T) {
	inst := instantiate(t, testConfig(PassNames...), memoryModule())
	_, err := inst.Call(context.Background(), "run", 65534)
	assert.True(t, stderrors.Is(err, &errors.Error{Phase: errors.PhaseEmulate, Kind: errors.KindTrap}))

	got, err := inst.Call(context.Background(), "run", 65532)
	require.NoError(t, err)
	assert.Equal(t, uint64(47), got)
}

func TestCallErrors(t *testing.T) {
	inst := instantiate(t, testConfig(), ifElseModule())
	ctx := context.Background()

	_, err := inst.Call(ctx, "missing")
	assert.True(t, stderrors.Is(err, &errors.Error{Phase: errors.PhaseRuntime, Kind: errors.KindNotFound}))

	_, err = inst.Call(ctx, "run")
	assert.True(t, stderrors.Is(err, &errors.Error{Phase: errors.PhaseRuntime, Kind: errors.KindInvalidInput}))
}

func TestMissingHostFunction(t *testing.T) {
	e, err := New(testConfig())
	require.NoError(t, err)
	m, err := e.LoadModule(context.Background(), callModule())
	require.NoError(t, err)
	_, err = m.Instantiate(context.Background())
	assert.True(t, stderrors.Is(err, &errors.Error{Phase: errors.PhaseRuntime, Kind: errors.KindNotFound}))
}

func TestConfigRejectsUnknownPass(t *testing.T) {
	_, err := New(testConfig("aslr"))
	assert.True(t, stderrors.Is(err, &errors.Error{Phase: errors.PhasePass, Kind: errors.KindInvalidInput}))

	cfg := testConfig()
	cfg.Executor = "no-such-executor"
	_, err = New(cfg)
	require.Error(t, err)
}

func TestLoadRejectsUnsupported(t *testing.T) {
	e, err := New(testConfig())
	require.NoError(t, err)
	mod := single(wasm.FuncType{Params: []wasm.ValType{wasm.ValF32}}, nil, op(wasm.OpEnd))
	_, err = e.LoadModule(context.Background(), mod)
	assert.True(t, stderrors.Is(err, &errors.Error{Phase: errors.PhaseCompile, Kind: errors.KindUnsupported}))
}

func TestLoadBinary(t *testing.T) {
	e, err := New(testConfig())
	require.NoError(t, err)
	m, err := e.Load(context.Background(), sumModule().Encode())
	require.NoError(t, err)
	assert.Equal(t, []string{"run"}, m.Exports())

	ft, err := m.Signature("run")
	require.NoError(t, err)
	assert.True(t, ft.Equal(i32i32))

	_, err = e.Load(context.Background(), []byte("not wasm"))
	require.Error(t, err)
}

func TestSymbolsAreFilled(t *testing.T) {
	inst := instantiate(t, testConfig(PassNames...), callModule())
	syms := inst.Symbols()
	require.Len(t, syms.Funcs, 3)
	for i, a := range syms.Funcs {
		assert.True(t, inst.Region().Contains(a, 1), "func %d", i)
	}
	assert.Equal(t, syms.Funcs[0], syms.Hosts[0])
	assert.NotZero(t, syms.ExitPoll)
	assert.NotEqual(t, reloc.Springboard{}, syms.Springboard)
	assert.Len(t, inst.Helpers(), 2)
}

func TestSetLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(nil) })

	e, err := New(testConfig())
	require.NoError(t, err)
	_, err = e.LoadModule(context.Background(), sumModule())
	require.NoError(t, err)

	entries := logs.FilterMessage("module loaded").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "engine", entries[0].LoggerName)
	assert.Equal(t, int64(1), entries[0].ContextMap()["funcs"])
}

// noRTM runs the interpreter but reports no transactional memory, like
// an enclave CPU with TSX disabled.
const noRTM = "interp-no-rtm"

func init() {
	emu.Register(noRTM, emu.Features{}, func(cfg emu.Config) (emu.Executor, error) {
		return emu.NewInterpreter(cfg)
	})
}

func helperPasses(inst *Instance) []string {
	var names []string
	for _, h := range inst.Helpers() {
		names = append(names, h.Pass)
	}
	return names
}

func TestSpringboardFallsBackWithoutRTM(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(nil) })

	cfg := testConfig(mitigation.ScatterName, mitigation.SpringboardName)
	cfg.Executor = noRTM
	cfg.PollThreshold = 1
	cfg.ExitEvery = 50
	cfg.MaxExits = 1
	inst := instantiate(t, cfg, sumModule())

	assert.False(t, inst.module.engine.Features().RTM)
	assert.Equal(t, []string{mitigation.ExitPollName}, helperPasses(inst))
	assert.Equal(t, reloc.Springboard{}, inst.Symbols().Springboard)
	assert.NotZero(t, inst.Symbols().ExitPoll)
	require.Len(t, logs.FilterMessage("executor has no transactional memory, exit polling replaces the springboard").All(), 1)

	got, err := inst.Call(context.Background(), "run", 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(5050), got)
	st := inst.LastStats()
	assert.Zero(t, st.Transactions)
	assert.Equal(t, 1, st.Exits)
	assert.False(t, inst.Marker.Exited())
}

func TestSpringboardKeptWithRTM(t *testing.T) {
	inst := instantiate(t, testConfig(mitigation.ScatterName, mitigation.SpringboardName), sumModule())
	assert.True(t, inst.module.engine.Features().RTM)
	assert.Equal(t, []string{mitigation.SpringboardName}, helperPasses(inst))
}

func TestLfenceRunsBehindBranches(t *testing.T) {
	inst := instantiate(t, testConfig(mitigation.ScatterName, mitigation.LfenceName), sumModule())
	got, err := inst.Call(context.Background(), "run", 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(55), got)
	// one fence per loop iteration at least
	assert.GreaterOrEqual(t, inst.LastStats().Fences, uint64(10))
	assert.Empty(t, helperPasses(inst))
}

func TestDefaultPassesExcludeLfence(t *testing.T) {
	cfg := DefaultConfig()
	assert.NotContains(t, cfg.Passes, mitigation.LfenceName)
	for _, name := range cfg.Passes {
		assert.Contains(t, PassNames, name)
	}
}
