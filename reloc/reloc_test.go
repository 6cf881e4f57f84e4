package reloc

import (
	"encoding/binary"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/enclave-jit/errors"
)

type testImage struct {
	buf  []byte
	base uint64
}

func (t *testImage) Base() uint64  { return t.base }
func (t *testImage) Bytes() []byte { return t.buf }

func newImage(size int) *testImage {
	return &testImage{base: 0x10000, buf: make([]byte, size)}
}

func rel32At(img *testImage, addr uint64) int32 {
	return int32(binary.LittleEndian.Uint32(img.buf[addr-img.base:]))
}

func TestLedger_Truncate(t *testing.T) {
	l := NewLedger(0)
	l.Add(Entry{Kind: KindCall, Offset: 2})
	l.Add(Entry{Kind: KindBrCaseTarget, Offset: 10})
	l.Add(Entry{Kind: KindJump, Offset: 11})
	l.Add(Entry{Kind: KindLea, Offset: 10})

	l.Truncate(10)

	require.Len(t, l.Entries, 2)
	assert.Equal(t, KindCall, l.Entries[0].Kind)
	assert.Equal(t, KindBrCaseTarget, l.Entries[1].Kind)
}

func TestLedger_Bind(t *testing.T) {
	l := NewLedger(3)
	l.Add(Entry{Kind: KindJump, Offset: 1, Target: 7, Pending: true})
	l.Add(Entry{Kind: KindCall, Offset: 8, Target: 2})

	err := l.Bind(func(ref int) (int, error) {
		if ref != 7 {
			return 0, stderrors.New("unexpected ref")
		}
		return 4, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4, l.Entries[0].Target)
	assert.False(t, l.Entries[0].Pending)
	assert.Equal(t, 2, l.Entries[1].Target)
}

func TestLedger_ToUnitRelative(t *testing.T) {
	units := []Unit{{0, 16}, {16, 0}, {16, 8}, {24, 12}}
	l := NewLedger(0)
	l.Add(Entry{Kind: KindJump, Offset: 12})
	l.Add(Entry{Kind: KindJump, Offset: 17})
	l.Add(Entry{Kind: KindBrCaseTarget, Offset: 24})
	l.Add(Entry{Kind: KindCall, Offset: 26})

	require.NoError(t, l.ToUnitRelative(units))
	assert.True(t, l.Relative())

	want := []struct{ unit, off int }{{0, 12}, {2, 1}, {3, 0}, {3, 2}}
	for i, w := range want {
		assert.Equal(t, w.unit, l.Entries[i].Unit, "entry %d unit", i)
		assert.Equal(t, w.off, l.Entries[i].Offset, "entry %d offset", i)
	}

	// converting twice is a no-op
	require.NoError(t, l.ToUnitRelative(units))
	assert.Equal(t, 1, l.Entries[1].Offset)
}

func TestLedger_ToUnitRelativeOutside(t *testing.T) {
	l := NewLedger(0)
	l.Add(Entry{Kind: KindJump, Offset: 14})
	err := l.ToUnitRelative([]Unit{{0, 16}})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, &errors.Error{Phase: errors.PhaseRelocate, Kind: errors.KindInvariant}))
}

func TestResolve_Flat(t *testing.T) {
	img := newImage(256)
	l := NewLedger(0)
	l.Add(Entry{Kind: KindCall, Offset: 2, Target: 1})
	l.Add(Entry{Kind: KindJump, Offset: 20, Target: 1})
	l.Add(Entry{Kind: KindMemory, Offset: 30})

	fn := &Function{
		Ledger: l,
		Units:  []Unit{{0, 24}, {24, 40}},
		Base:   img.base,
		Addrs:  []uint64{img.base, img.base + 24},
	}
	syms := &Symbols{Funcs: []uint64{img.base, 0xdeadbeef}, Memory: 0x7000}

	stats, err := NewResolver(img, syms, nil).Resolve([]*Function{fn})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Patched)

	assert.Equal(t, uint64(0xdeadbeef), binary.LittleEndian.Uint64(img.buf[2:]))
	assert.Equal(t, int32(24-24), rel32At(img, img.base+20))
	assert.Equal(t, uint64(0x7000), binary.LittleEndian.Uint64(img.buf[30:]))
}

func TestResolve_UnitRelativeSkipsEmptyUnits(t *testing.T) {
	img := newImage(512)
	units := []Unit{{0, 16}, {16, 0}, {16, 8}}
	l := NewLedger(0)
	l.Add(Entry{Kind: KindJump, Offset: 11, Target: 1})
	require.NoError(t, l.ToUnitRelative(units))

	// unit 2 scattered far above unit 0
	fn := &Function{
		Ledger: l,
		Units:  units,
		Addrs:  []uint64{img.base + 64, img.base + 64, img.base + 320},
	}
	_, err := NewResolver(img, &Symbols{}, nil).Resolve([]*Function{fn})
	require.NoError(t, err)

	site := img.base + 64 + 11
	assert.Equal(t, int32(320-(64+11+4)), rel32At(img, site))
}

func TestResolve_DoublePatch(t *testing.T) {
	img := newImage(64)
	l := NewLedger(0)
	l.Add(Entry{Kind: KindMemory, Offset: 0})
	l.Add(Entry{Kind: KindJump, Offset: 4, Target: 0})

	fn := &Function{Ledger: l, Units: []Unit{{0, 64}}, Base: img.base, Addrs: []uint64{img.base}}
	_, err := NewResolver(img, &Symbols{}, nil).Resolve([]*Function{fn})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overlaps")
}

func TestResolve_BrTablePairs(t *testing.T) {
	img := newImage(128)
	key := BrTableKey(0, 0, 2)
	caseKey := BrCaseKey(0, 3, 1)
	l := NewLedger(2)
	l.Add(Entry{Kind: KindBrTableJump, Offset: 6, Key: key})
	l.Add(Entry{Kind: KindBrCaseJump, Offset: 20, Key: caseKey})
	l.Add(Entry{Kind: KindBrTableTarget, Offset: 40, Key: key})
	l.Add(Entry{Kind: KindBrCaseTarget, Offset: 60, Key: caseKey})

	fn := &Function{Ledger: l, Units: []Unit{{0, 128}}, Base: img.base, Addrs: []uint64{img.base}}
	stats, err := NewResolver(img, &Symbols{}, nil).Resolve([]*Function{fn})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Patched)
	assert.Equal(t, 2, stats.Markers)
	assert.Equal(t, int32(40-10), rel32At(img, img.base+6))
	assert.Equal(t, int32(60-24), rel32At(img, img.base+20))
}

func TestResolve_BrTableMissingTarget(t *testing.T) {
	img := newImage(64)
	l := NewLedger(0)
	l.Add(Entry{Kind: KindBrTableJump, Offset: 2, Key: BrTableKey(0, 1, 3)})

	fn := &Function{Ledger: l, Units: []Unit{{0, 64}}, Base: img.base, Addrs: []uint64{img.base}}
	_, err := NewResolver(img, &Symbols{}, nil).Resolve([]*Function{fn})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, &errors.Error{Phase: errors.PhaseRelocate, Kind: errors.KindUnresolved}))
}

func TestResolve_KeysAreScopedPerFunction(t *testing.T) {
	img := newImage(128)
	key := BrTableKey(0, 0, 1)
	a := NewLedger(0)
	a.Add(Entry{Kind: KindBrTableTarget, Offset: 8, Key: key})
	b := NewLedger(1)
	b.Add(Entry{Kind: KindBrTableJump, Offset: 2, Key: key})

	fns := []*Function{
		{Ledger: a, Units: []Unit{{0, 64}}, Base: img.base, Addrs: []uint64{img.base}},
		{Ledger: b, Units: []Unit{{0, 64}}, Base: img.base + 64, Addrs: []uint64{img.base + 64}},
	}
	_, err := NewResolver(img, &Symbols{}, nil).Resolve(fns)
	require.Error(t, err)
}

func TestResolve_UnknownKindSkipped(t *testing.T) {
	img := newImage(32)
	l := NewLedger(0)
	l.Add(Entry{Kind: Kind(200), Offset: 0})

	fn := &Function{Ledger: l, Units: []Unit{{0, 32}}, Base: img.base, Addrs: []uint64{img.base}}
	stats, err := NewResolver(img, &Symbols{}, nil).Resolve([]*Function{fn})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, make([]byte, 32), img.buf)
}

func TestResolve_UnitOutOfRange(t *testing.T) {
	img := newImage(32)
	l := NewLedger(0)
	l.Add(Entry{Kind: KindMemory, Offset: 0})
	require.NoError(t, l.ToUnitRelative([]Unit{{0, 32}}))
	l.Entries[0].Unit = 5

	fn := &Function{Ledger: l, Units: []Unit{{0, 32}}, Addrs: []uint64{img.base}}
	_, err := NewResolver(img, &Symbols{}, nil).Resolve([]*Function{fn})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestResolve_HelperNotPlaced(t *testing.T) {
	img := newImage(32)
	l := NewLedger(0)
	l.Add(Entry{Kind: KindSpringboardNext, Offset: 1})

	fn := &Function{Ledger: l, Units: []Unit{{0, 32}}, Base: img.base, Addrs: []uint64{img.base}}
	_, err := NewResolver(img, &Symbols{}, nil).Resolve([]*Function{fn})
	require.Error(t, err)
}

func TestKind_Width(t *testing.T) {
	assert.Equal(t, 8, KindCall.Width())
	assert.Equal(t, 8, KindExitPoll.Width())
	assert.Equal(t, 4, KindSpringboardBegin.Width())
	assert.Equal(t, 4, KindBrCaseJump.Width())
	assert.Equal(t, 0, KindBrTableTarget.Width())
	assert.Equal(t, "unknown", Kind(99).String())
}
