package runtime

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/enclave-jit/errors"
	"github.com/wippyai/enclave-jit/wasm"
)

func TestMemory(t *testing.T) {
	m, err := NewMemory(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(wasm.PageSize), m.Size())
	assert.NotZero(t, m.Base())
	assert.Equal(t, m.Base(), m.Span().Addr())

	require.NoError(t, m.Init(16, []byte{1, 2, 3, 4}))
	v, ok := m.ReadUint32(16)
	require.True(t, ok)
	assert.Equal(t, uint32(0x04030201), v)

	_, ok = m.ReadUint32(wasm.PageSize - 2)
	assert.False(t, ok)
	assert.False(t, m.WriteUint32(wasm.PageSize-3, 1))

	err = m.Init(wasm.PageSize-1, []byte{1, 2})
	assert.True(t, stderrors.Is(err, &errors.Error{Phase: errors.PhaseRuntime, Kind: errors.KindOutOfBounds}))
}

func TestMemoryLimit(t *testing.T) {
	_, err := NewMemory(MaxPages + 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds the limit")
}

func TestEmptyMemoryHasAddress(t *testing.T) {
	m, err := NewMemory(0)
	require.NoError(t, err)
	assert.NotZero(t, m.Base())
	assert.Empty(t, m.Bytes())
}

func TestGlobals(t *testing.T) {
	mod := &wasm.Module{Globals: []wasm.Global{
		{Type: wasm.GlobalType{ValType: wasm.ValI32, Mutable: true}, Init: wasm.ConstExpr{Opcode: wasm.OpI32Const, Value: -1}},
		{Type: wasm.GlobalType{ValType: wasm.ValI64}, Init: wasm.ConstExpr{Opcode: wasm.OpI64Const, Value: -1}},
		{Type: wasm.GlobalType{ValType: wasm.ValI32}, Init: wasm.ConstExpr{Opcode: wasm.OpGlobalGet, Index: 0}},
	}}
	types := []wasm.GlobalType{mod.Globals[0].Type, mod.Globals[1].Type, mod.Globals[2].Type}
	g := NewGlobals(types)
	require.NoError(t, g.Init(mod))

	v, err := g.Get(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xFFFFFFFF), v)
	v, _ = g.Get(1)
	assert.Equal(t, ^uint64(0), v)
	v, _ = g.Get(2)
	assert.Equal(t, uint64(0xFFFFFFFF), v)

	addrs := g.Addrs()
	require.Len(t, addrs, 3)
	assert.Equal(t, addrs[0]+8, addrs[1])
	assert.Equal(t, addrs[0], g.Span().Addr())

	_, err = g.Get(3)
	assert.Error(t, err)
}

func TestGlobalsForwardReference(t *testing.T) {
	mod := &wasm.Module{Globals: []wasm.Global{
		{Type: wasm.GlobalType{ValType: wasm.ValI32}, Init: wasm.ConstExpr{Opcode: wasm.OpGlobalGet, Index: 0}},
	}}
	g := NewGlobals([]wasm.GlobalType{mod.Globals[0].Type})
	assert.Error(t, g.Init(mod))
}

func TestTable(t *testing.T) {
	mod := &wasm.Module{
		Types: []wasm.FuncType{
			{Params: []wasm.ValType{wasm.ValI32}},
			{},
			{Params: []wasm.ValType{wasm.ValI32}},
		},
		Funcs:    []uint32{0, 1, 2},
		Elements: []wasm.Element{{Offset: wasm.ConstExpr{Opcode: wasm.OpI32Const, Value: 1}, FuncIdxs: []uint32{2, 1}}},
	}
	tab := NewTable(4)
	require.NoError(t, tab.Init(mod, []uint64{0x100, 0x200, 0x300}))

	refs, sigs := tab.Spans()[0].Data, tab.Spans()[1].Data
	assert.Equal(t, uint64(0x300), word(refs, 8))
	assert.Equal(t, uint64(0), word(sigs, 8), "type 2 canonicalizes to type 0")
	assert.Equal(t, uint64(1), word(sigs, 16))
	assert.Equal(t, NullSig, word(sigs, 0))
	assert.Equal(t, NullSig, word(sigs, 24))
	assert.Equal(t, uint64(4), word(tab.Spans()[2].Data, 0))

	fn, ok := tab.Func(1)
	require.True(t, ok)
	assert.Equal(t, 2, fn)
	_, ok = tab.Func(0)
	assert.False(t, ok)

	assert.Error(t, tab.Set(4, 0, 0, 0))
}

func TestExitMarker(t *testing.T) {
	m := NewExitMarker()
	assert.Equal(t, uint32(Magic), m.Load())
	assert.False(t, m.Exited())
	m.Store(3)
	assert.True(t, m.Exited())
	m.Reset()
	assert.False(t, m.Exited())
	assert.Equal(t, m.Addr(), m.Span().Addr())
}

func TestStack(t *testing.T) {
	s := NewStack(4096)
	assert.Equal(t, 4096, s.Size())
	assert.Zero(t, s.Top()%16)
	sp := s.Span()
	assert.LessOrEqual(t, s.Top(), sp.Addr()+uint64(len(sp.Data)))
	assert.GreaterOrEqual(t, s.Top(), sp.Addr()+4096)

	assert.Equal(t, DefaultStackSize, NewStack(0).Size())
}

type mathHost struct{}

func (mathHost) Namespace() string { return "math" }

func (mathHost) AddTwo(a, b int32) int32 { return a + b }

func (mathHost) Widen(a uint32) uint64 { return uint64(a) << 32 }

func (mathHost) Fail(ctx context.Context) error { return stderrors.New("boom") }

func TestRegisterHost(t *testing.T) {
	r := NewHostRegistry()
	require.NoError(t, r.RegisterHost(mathHost{}))

	hf, ok := r.Lookup("math", "add_two")
	require.True(t, ok)
	assert.Equal(t, []wasm.ValType{wasm.ValI32, wasm.ValI32}, hf.Type.Params)
	assert.Equal(t, []wasm.ValType{wasm.ValI32}, hf.Type.Results)

	res, err := hf.Handler(context.Background(), []uint64{0xFFFFFFFF, 3})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res)

	hf, ok = r.Lookup("math", "widen")
	require.True(t, ok)
	res, err = hf.Handler(context.Background(), []uint64{1})
	require.NoError(t, err)
	assert.Equal(t, uint64(1)<<32, res)

	hf, ok = r.Lookup("math", "fail")
	require.True(t, ok)
	assert.Empty(t, hf.Type.Params)
	_, err = hf.Handler(context.Background(), nil)
	assert.EqualError(t, err, "boom")
}

func TestRegisterFunc(t *testing.T) {
	r := NewHostRegistry()
	require.NoError(t, r.RegisterFunc("env", "neg", func(v int64) int64 { return -v }))
	assert.Error(t, r.RegisterFunc("", "x", func() {}))
	assert.Error(t, r.RegisterFunc("env", "x", 42))
	assert.Error(t, r.RegisterFunc("env", "x", func(string) {}))
	assert.Error(t, r.RegisterFunc("env", "x", func() (int32, int32) { return 0, 0 }))

	imp := &wasm.Import{Module: "env", Name: "neg"}
	_, err := r.Resolve(imp, &wasm.FuncType{Params: []wasm.ValType{wasm.ValI64}, Results: []wasm.ValType{wasm.ValI64}})
	require.NoError(t, err)
	_, err = r.Resolve(imp, &wasm.FuncType{Params: []wasm.ValType{wasm.ValI32}})
	assert.Error(t, err)
	_, err = r.Resolve(&wasm.Import{Module: "env", Name: "missing"}, nil)
	assert.True(t, stderrors.Is(err, &errors.Error{Phase: errors.PhaseRuntime, Kind: errors.KindNotFound}))
}

func TestToSnakeCase(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Log", "log"},
		{"LogValue", "log_value"},
		{"GetHTTPStatus", "get_http_status"},
		{"ID", "id"},
	}
	for _, tt := range tests {
		if got := toSnakeCase(tt.in); got != tt.want {
			t.Errorf("toSnakeCase(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
