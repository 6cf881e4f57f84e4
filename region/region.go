// Package region manages the fixed code region compiled functions are
// placed in.
//
// The region is one pre-reserved range split into equal units tracked by
// an occupancy bitmap. Requests are served either by a sequential bump
// cursor or by uniformly sampled unit-aligned slots. The region is
// written while compiling and becomes executable exactly once through
// Commit.
package region

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/bits"
	"math/rand/v2"

	units "github.com/docker/go-units"

	"github.com/wippyai/enclave-jit/errors"
)

const (
	DefaultSize      = 32 * units.MiB
	DefaultUnitSize  = 64
	DefaultMaxProbes = 256
)

// Backing selects where region memory comes from.
type Backing string

const (
	// BackingHeap uses a Go byte slice. Commit only flips the state.
	BackingHeap Backing = "heap"
	// BackingMmap uses an anonymous mapping that Commit turns read+exec.
	BackingMmap Backing = "mmap"
)

// Config configures a region. Zero fields take defaults.
type Config struct {
	Backing Backing
	// Size is the total capacity in bytes, rounded up to UnitSize.
	Size int
	// UnitSize is the allocation granule. Must be a power of two.
	UnitSize int
	// MaxProbes bounds random sampling before falling back to a linear
	// first-fit scan.
	MaxProbes int
	// Seed seeds random placement. Zero draws a seed from crypto/rand.
	Seed uint64
}

func (c Config) withDefaults() Config {
	if c.Backing == "" {
		c.Backing = BackingHeap
	}
	if c.Size <= 0 {
		c.Size = DefaultSize
	}
	if c.UnitSize <= 0 {
		c.UnitSize = DefaultUnitSize
	}
	if c.MaxProbes <= 0 {
		c.MaxProbes = DefaultMaxProbes
	}
	return c
}

type memory interface {
	bytes() []byte
	protect() error
	release() error
}

// Region is a bitmap-backed pool of fixed-size units. It is owned by a
// single compiling goroutine.
type Region struct {
	mem       memory
	rng       *rand.Rand
	bitmap    []uint64
	base      uint64
	units     int
	unitSize  int
	cursor    int
	used      int
	maxProbes int
	backing   Backing
	committed bool
}

// New reserves a region.
func New(cfg Config) (*Region, error) {
	cfg = cfg.withDefaults()
	if cfg.UnitSize&(cfg.UnitSize-1) != 0 {
		return nil, errors.InvalidInput(errors.PhaseAllocate,
			fmt.Sprintf("unit size %d is not a power of two", cfg.UnitSize))
	}
	n := (cfg.Size + cfg.UnitSize - 1) / cfg.UnitSize
	size := n * cfg.UnitSize

	var mem memory
	var err error
	switch cfg.Backing {
	case BackingHeap:
		mem = newHeap(size)
	case BackingMmap:
		mem, err = newMmap(size)
	default:
		return nil, errors.InvalidInput(errors.PhaseAllocate, fmt.Sprintf("unknown backing %q", cfg.Backing))
	}
	if err != nil {
		return nil, errors.Wrap(errors.PhaseAllocate, errors.KindUnsupported, err, "reserving code region")
	}

	seed := cfg.Seed
	if seed == 0 {
		var b [8]byte
		if _, err := crand.Read(b[:]); err != nil {
			return nil, errors.Wrap(errors.PhaseAllocate, errors.KindInvalidInput, err, "seeding placement")
		}
		seed = binary.LittleEndian.Uint64(b[:])
	}
	var key [32]byte
	binary.LittleEndian.PutUint64(key[:], seed)

	return &Region{
		mem:       mem,
		rng:       rand.New(rand.NewChaCha8(key)),
		bitmap:    make([]uint64, (n+63)/64),
		base:      addressOf(mem.bytes()),
		units:     n,
		unitSize:  cfg.UnitSize,
		maxProbes: cfg.MaxProbes,
		backing:   cfg.Backing,
	}, nil
}

// Base returns the address of the first byte of the region.
func (r *Region) Base() uint64 { return r.base }

// Bytes returns the region's memory. It is writable until Commit.
func (r *Region) Bytes() []byte { return r.mem.bytes() }

// Capacity returns the region size in bytes.
func (r *Region) Capacity() int { return r.units * r.unitSize }

// UnitSize returns the allocation granule.
func (r *Region) UnitSize() int { return r.unitSize }

// Used returns the number of bytes covered by allocations.
func (r *Region) Used() int { return r.used * r.unitSize }

// Committed reports whether the region has been made executable.
func (r *Region) Committed() bool { return r.committed }

func (r *Region) String() string {
	return fmt.Sprintf("%s region at %#x: %s of %s used",
		r.backing, r.base, units.BytesSize(float64(r.Used())), units.BytesSize(float64(r.Capacity())))
}

// Contains reports whether [addr, addr+n) lies inside the region.
func (r *Region) Contains(addr uint64, n int) bool {
	return addr >= r.base && addr+uint64(n) <= r.base+uint64(r.Capacity())
}

// Alloc reserves size bytes at the next free position after the cursor,
// wrapping to the start of the region when nothing past it fits.
func (r *Region) Alloc(size int) (uint64, error) {
	need, err := r.need(size)
	if err != nil {
		return 0, err
	}
	idx, ok := r.scan(r.cursor, need)
	if !ok && r.cursor > 0 {
		idx, ok = r.scan(0, need)
	}
	if !ok {
		return 0, errors.Exhausted(errors.PhaseAllocate, uint64(size), uint64(r.unitSize))
	}
	r.mark(idx, need)
	r.cursor = idx + need
	return r.addr(idx), nil
}

// AllocRandom reserves size bytes at a uniformly sampled unit-aligned
// position.
func (r *Region) AllocRandom(size int) (uint64, error) {
	need, err := r.need(size)
	if err != nil {
		return 0, err
	}
	if need > r.units {
		return 0, errors.Exhausted(errors.PhaseAllocate, uint64(size), uint64(r.unitSize))
	}
	span := r.units - need + 1
	for i := 0; i < r.maxProbes; i++ {
		idx := r.rng.IntN(span)
		if r.free(idx, need) {
			r.mark(idx, need)
			return r.addr(idx), nil
		}
	}
	idx, ok := r.scan(r.rng.IntN(span), need)
	if !ok {
		idx, ok = r.scan(0, need)
	}
	if !ok {
		return 0, errors.Exhausted(errors.PhaseAllocate, uint64(size), uint64(r.unitSize))
	}
	r.mark(idx, need)
	return r.addr(idx), nil
}

// Write copies code to addr. It fails once the region is committed.
func (r *Region) Write(addr uint64, code []byte) error {
	if r.committed {
		return errors.Invariant(errors.PhaseAllocate, nil, "write to committed region")
	}
	if !r.Contains(addr, len(code)) {
		return errors.New(errors.PhaseAllocate, errors.KindOutOfBounds).
			Detail("write of %d bytes at %#x outside region", len(code), addr).
			Value(addr).
			Build()
	}
	copy(r.mem.bytes()[addr-r.base:], code)
	return nil
}

// Commit makes the region executable. It may run only once.
func (r *Region) Commit() error {
	if r.committed {
		return errors.Invariant(errors.PhaseAllocate, nil, "region committed twice")
	}
	if err := r.mem.protect(); err != nil {
		return errors.Wrap(errors.PhaseAllocate, errors.KindInvariant, err, "committing code region")
	}
	r.committed = true
	return nil
}

// Close releases the region memory.
func (r *Region) Close() error {
	return r.mem.release()
}

func (r *Region) need(size int) (int, error) {
	if size <= 0 {
		return 0, errors.InvalidInput(errors.PhaseAllocate, fmt.Sprintf("allocation of %d bytes", size))
	}
	if r.committed {
		return 0, errors.Invariant(errors.PhaseAllocate, nil, "allocation from committed region")
	}
	return (size + r.unitSize - 1) / r.unitSize, nil
}

func (r *Region) addr(idx int) uint64 {
	return r.base + uint64(idx*r.unitSize)
}

func (r *Region) bit(i int) bool {
	return r.bitmap[i>>6]&(1<<(uint(i)&63)) != 0
}

func (r *Region) free(idx, n int) bool {
	for i := idx; i < idx+n; i++ {
		if r.bit(i) {
			return false
		}
	}
	return true
}

func (r *Region) mark(idx, n int) {
	for i := idx; i < idx+n; i++ {
		r.bitmap[i>>6] |= 1 << (uint(i) & 63)
	}
	r.used += n
}

// scan finds the first run of n free units at or after from.
func (r *Region) scan(from, n int) (int, bool) {
	run := 0
	for i := from; i < r.units; i++ {
		w := r.bitmap[i>>6]
		if run == 0 && i&63 == 0 && w == ^uint64(0) {
			i += 63
			continue
		}
		if w&(1<<(uint(i)&63)) != 0 {
			run = 0
			continue
		}
		run++
		if run == n {
			return i - n + 1, true
		}
	}
	return 0, false
}

// FreeUnits returns the number of unallocated units.
func (r *Region) FreeUnits() int {
	set := 0
	for _, w := range r.bitmap {
		set += bits.OnesCount64(w)
	}
	return r.units - set
}
