package region

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/enclave-jit/errors"
)

type span struct{ start, end uint64 }

func requireDisjoint(t *testing.T, spans []span) {
	t.Helper()
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	for i := 1; i < len(spans); i++ {
		require.LessOrEqual(t, spans[i-1].end, spans[i].start, "allocations %d and %d overlap", i-1, i)
	}
}

func TestDefaults(t *testing.T) {
	r, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, 32<<20, r.Capacity())
	assert.Equal(t, 64, r.UnitSize())
	assert.Equal(t, r.Capacity()/64, r.FreeUnits())
	assert.Contains(t, r.String(), "heap region")
}

func TestAllocSequentialRoundsToUnits(t *testing.T) {
	r, err := New(Config{Size: 1024, UnitSize: 64})
	require.NoError(t, err)

	a, err := r.Alloc(1)
	require.NoError(t, err)
	b, err := r.Alloc(65)
	require.NoError(t, err)
	c, err := r.Alloc(64)
	require.NoError(t, err)

	assert.Equal(t, r.Base(), a)
	assert.Equal(t, a+64, b)
	assert.Equal(t, b+128, c)
	assert.Equal(t, 256, r.Used())
}

func TestAllocSequentialExhaustion(t *testing.T) {
	r, err := New(Config{Size: 256, UnitSize: 64})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := r.Alloc(10)
		require.NoError(t, err)
	}
	_, err = r.Alloc(1)
	require.Error(t, err)
	assert.ErrorIs(t, err, &errors.Error{Phase: errors.PhaseAllocate, Kind: errors.KindExhausted})
}

func TestAllocWrapsToHoleBelowCursor(t *testing.T) {
	r, err := New(Config{Size: 5 * 64, UnitSize: 64})
	require.NoError(t, err)

	a, err := r.Alloc(64)
	require.NoError(t, err)
	assert.Equal(t, r.Base(), a)

	r.mark(2, 1)
	b, err := r.Alloc(128)
	require.NoError(t, err)
	assert.Equal(t, r.Base()+3*64, b, "two-unit request skips the single free unit")

	c, err := r.Alloc(64)
	require.NoError(t, err)
	assert.Equal(t, r.Base()+64, c)
	assert.Zero(t, r.FreeUnits())

	_, err = r.Alloc(1)
	assert.ErrorIs(t, err, &errors.Error{Phase: errors.PhaseAllocate, Kind: errors.KindExhausted})
}

func TestAllocRandomFillsRegionWithoutOverlap(t *testing.T) {
	r, err := New(Config{Size: 64 * 64, UnitSize: 64, Seed: 42, MaxProbes: 8})
	require.NoError(t, err)

	var spans []span
	// 32 two-unit requests exactly fill 64 units
	for i := 0; i < 32; i++ {
		addr, err := r.AllocRandom(100)
		if err != nil {
			// random placement can fragment the region; the remaining
			// capacity must then be smaller than what was requested
			assert.ErrorIs(t, err, &errors.Error{Phase: errors.PhaseAllocate, Kind: errors.KindExhausted})
			break
		}
		require.True(t, r.Contains(addr, 100))
		require.Zero(t, (addr-r.Base())%64)
		spans = append(spans, span{addr, addr + 128})
	}
	requireDisjoint(t, spans)
	assert.Equal(t, len(spans)*2, r.Capacity()/64-r.FreeUnits())
}

func TestAllocRandomSingleUnitsAlwaysFit(t *testing.T) {
	r, err := New(Config{Size: 64 * 200, UnitSize: 64, Seed: 7})
	require.NoError(t, err)

	var spans []span
	for i := 0; i < 200; i++ {
		addr, err := r.AllocRandom(64)
		require.NoError(t, err, "request %d", i)
		spans = append(spans, span{addr, addr + 64})
	}
	requireDisjoint(t, spans)
	assert.Zero(t, r.FreeUnits())

	_, err = r.AllocRandom(1)
	assert.ErrorIs(t, err, &errors.Error{Phase: errors.PhaseAllocate, Kind: errors.KindExhausted})
}

func TestAllocRandomIsSeeded(t *testing.T) {
	place := func(seed uint64) []uint64 {
		r, err := New(Config{Size: 1 << 16, Seed: seed})
		require.NoError(t, err)
		var out []uint64
		for i := 0; i < 16; i++ {
			addr, err := r.AllocRandom(64)
			require.NoError(t, err)
			out = append(out, addr-r.Base())
		}
		return out
	}
	assert.Equal(t, place(9), place(9))
	assert.NotEqual(t, place(9), place(10))
}

func TestMixedPoliciesDoNotOverlap(t *testing.T) {
	r, err := New(Config{Size: 64 * 128, Seed: 3})
	require.NoError(t, err)

	var spans []span
	for i := 0; i < 20; i++ {
		addr, err := r.AllocRandom(64 * 2)
		require.NoError(t, err)
		spans = append(spans, span{addr, addr + 128})
		addr, err = r.Alloc(64)
		require.NoError(t, err)
		spans = append(spans, span{addr, addr + 64})
	}
	requireDisjoint(t, spans)
}

func TestCommitIsOneShot(t *testing.T) {
	r, err := New(Config{Size: 4096})
	require.NoError(t, err)

	addr, err := r.Alloc(3)
	require.NoError(t, err)
	require.NoError(t, r.Write(addr, []byte{0x90, 0x90, 0xC3}))
	assert.Equal(t, []byte{0x90, 0x90, 0xC3}, r.Bytes()[:3])

	require.NoError(t, r.Commit())
	assert.True(t, r.Committed())

	assert.Error(t, r.Commit())
	assert.Error(t, r.Write(addr, []byte{0xCC}))
	_, err = r.Alloc(1)
	assert.Error(t, err)
}

func TestWriteOutOfBounds(t *testing.T) {
	r, err := New(Config{Size: 128})
	require.NoError(t, err)
	err = r.Write(r.Base()+120, make([]byte, 16))
	assert.ErrorIs(t, err, &errors.Error{Phase: errors.PhaseAllocate, Kind: errors.KindOutOfBounds})
}

func TestInvalidConfig(t *testing.T) {
	_, err := New(Config{UnitSize: 48})
	assert.Error(t, err)
	_, err = New(Config{Backing: "tape"})
	assert.Error(t, err)
}

func TestMmapBacking(t *testing.T) {
	r, err := New(Config{Size: 1 << 16, Backing: BackingMmap})
	if err != nil {
		t.Skipf("mmap backing unavailable: %v", err)
	}
	defer r.Close()

	addr, err := r.Alloc(1)
	require.NoError(t, err)
	require.NoError(t, r.Write(addr, []byte{0xC3}))
	require.NoError(t, r.Commit())
	assert.Equal(t, byte(0xC3), r.Bytes()[0])
}
