package reloc

import (
	"encoding/binary"
	"fmt"

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/wippyai/enclave-jit/errors"
)

// Image is the writable view of the code region patches land in.
type Image interface {
	Base() uint64
	Bytes() []byte
}

// Springboard holds the absolute addresses of the three trampoline entry
// points.
type Springboard struct {
	Begin uint64
	Next  uint64
	End   uint64
}

// Symbols are the finalized addresses pointer and helper kinds resolve to.
type Symbols struct {
	// Funcs is indexed by function index. Imported functions map to their
	// host thunk.
	Funcs   []uint64
	Hosts   []uint64
	Globals []uint64

	Memory    uint64
	TableRefs uint64
	TableSigs uint64
	TableSize uint64

	Springboard Springboard
	ExitPoll    uint64
}

// Function is one placed function as seen by the resolver.
type Function struct {
	Ledger *Ledger
	Units  []Unit
	// Addrs holds the final address of every unit.
	Addrs []uint64
	// Base is the final address of the contiguous function body. It is
	// only used for flat ledgers.
	Base uint64
}

// Stats counts what a resolution did.
type Stats struct {
	Patched int
	Markers int
	Skipped int
}

// Resolver patches every ledger entry into the image.
type Resolver struct {
	Log *zap.Logger

	img     Image
	syms    *Symbols
	patched *btree.BTreeG[span]
	stats   Stats
}

type span struct {
	start, end uint64
}

// NewResolver creates a resolver writing into img.
func NewResolver(img Image, syms *Symbols, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		Log:  log,
		img:  img,
		syms: syms,
		patched: btree.NewG(16, func(a, b span) bool {
			return a.start < b.start
		}),
	}
}

// Resolve patches the entries of every function. It must run only after
// all functions are placed since call entries reference other functions'
// final addresses.
func (r *Resolver) Resolve(fns []*Function) (Stats, error) {
	for _, fn := range fns {
		if err := r.resolveFunction(fn); err != nil {
			return r.stats, err
		}
	}
	return r.stats, nil
}

func (r *Resolver) resolveFunction(fn *Function) error {
	l := fn.Ledger
	sites := make(map[Kind]map[uint64]uint64)
	for i, e := range l.Entries {
		if !e.Kind.Marker() {
			continue
		}
		addr, err := r.site(fn, i, e)
		if err != nil {
			return err
		}
		byKey := sites[e.Kind]
		if byKey == nil {
			byKey = make(map[uint64]uint64)
			sites[e.Kind] = byKey
		}
		if _, dup := byKey[e.Key]; dup {
			return errors.Invariant(errors.PhaseRelocate, r.path(l, i),
				fmt.Sprintf("duplicate %s key %#x", e.Kind, e.Key))
		}
		byKey[e.Key] = addr
		r.stats.Markers++
	}

	for i, e := range l.Entries {
		if e.Kind.Marker() {
			continue
		}
		if e.Pending {
			return errors.Unresolved(errors.PhaseRelocate, r.path(l, i), "pending branch target")
		}
		addr, err := r.site(fn, i, e)
		if err != nil {
			return err
		}
		var value uint64
		switch e.Kind {
		case KindCall:
			value, err = r.pick(r.syms.Funcs, e.Target, l, i)
		case KindHostCall:
			value, err = r.pick(r.syms.Hosts, e.Target, l, i)
		case KindGlobal:
			value, err = r.pick(r.syms.Globals, e.Target, l, i)
		case KindMemory:
			value = r.syms.Memory
		case KindTableRefs:
			value = r.syms.TableRefs
		case KindTableSigs:
			value = r.syms.TableSigs
		case KindTableSize:
			value = r.syms.TableSize
		case KindExitPoll:
			value, err = r.helper(r.syms.ExitPoll, e, l, i)
		case KindSpringboardBegin:
			value, err = r.helper(r.syms.Springboard.Begin, e, l, i)
		case KindSpringboardNext:
			value, err = r.helper(r.syms.Springboard.Next, e, l, i)
		case KindSpringboardEnd:
			value, err = r.helper(r.syms.Springboard.End, e, l, i)
		case KindJump, KindLea, KindUnitJump:
			value, err = r.unitAddr(fn, e.Target, l, i)
		case KindBrTableJump:
			value, err = r.pair(sites[KindBrTableTarget], e, l, i)
		case KindBrCaseJump:
			value, err = r.pair(sites[KindBrCaseTarget], e, l, i)
		default:
			r.Log.Debug("skipping unknown relocation kind",
				zap.Uint32("func", l.Func), zap.Int("entry", i), zap.Uint8("kind", uint8(e.Kind)))
			r.stats.Skipped++
			continue
		}
		if err != nil {
			return err
		}
		if err := r.write(addr, e.Kind, value, l, i); err != nil {
			return err
		}
	}
	return nil
}

// site returns the absolute address of an entry's patch position.
func (r *Resolver) site(fn *Function, i int, e Entry) (uint64, error) {
	if !fn.Ledger.relative {
		return fn.Base + uint64(e.Offset), nil
	}
	if e.Unit < 0 || e.Unit >= len(fn.Addrs) {
		return 0, errors.Invariant(errors.PhaseRelocate, r.path(fn.Ledger, i),
			fmt.Sprintf("unit index %d out of range [0,%d)", e.Unit, len(fn.Addrs)))
	}
	return fn.Addrs[e.Unit] + uint64(e.Offset), nil
}

// unitAddr returns the final address of unit u, skipping forward over
// zero-size placeholders.
func (r *Resolver) unitAddr(fn *Function, u int, l *Ledger, i int) (uint64, error) {
	for u >= 0 && u < len(fn.Units) && fn.Units[u].Size == 0 {
		u++
	}
	if u < 0 || u >= len(fn.Units) || u >= len(fn.Addrs) {
		return 0, errors.Invariant(errors.PhaseRelocate, r.path(l, i),
			fmt.Sprintf("jump target unit %d has no non-empty successor", u))
	}
	return fn.Addrs[u], nil
}

func (r *Resolver) pick(table []uint64, idx int, l *Ledger, i int) (uint64, error) {
	if idx < 0 || idx >= len(table) {
		return 0, errors.Invariant(errors.PhaseRelocate, r.path(l, i),
			fmt.Sprintf("symbol index %d out of range [0,%d)", idx, len(table)))
	}
	return table[idx], nil
}

func (r *Resolver) helper(addr uint64, e Entry, l *Ledger, i int) (uint64, error) {
	if addr == 0 {
		return 0, errors.Unresolved(errors.PhaseRelocate, r.path(l, i), e.Kind.String()+" helper not placed")
	}
	return addr, nil
}

func (r *Resolver) pair(targets map[uint64]uint64, e Entry, l *Ledger, i int) (uint64, error) {
	addr, ok := targets[e.Key]
	if !ok {
		return 0, errors.Unresolved(errors.PhaseRelocate, r.path(l, i),
			fmt.Sprintf("%s key %#x has no target site", e.Kind, e.Key))
	}
	return addr, nil
}

func (r *Resolver) write(addr uint64, k Kind, value uint64, l *Ledger, i int) error {
	width := uint64(k.Width())
	s := span{start: addr, end: addr + width}
	if r.overlaps(s) {
		return errors.Invariant(errors.PhaseRelocate, r.path(l, i),
			fmt.Sprintf("%s at %#x overlaps an earlier patch", k, addr))
	}

	buf := r.img.Bytes()
	base := r.img.Base()
	if addr < base || addr+width > base+uint64(len(buf)) {
		return errors.Invariant(errors.PhaseRelocate, r.path(l, i),
			fmt.Sprintf("%s at %#x is outside the code region", k, addr))
	}
	off := addr - base
	if k.Abs64() {
		binary.LittleEndian.PutUint64(buf[off:], value)
	} else {
		disp := int64(value) - int64(addr+4)
		if disp != int64(int32(disp)) {
			return errors.Invariant(errors.PhaseRelocate, r.path(l, i),
				fmt.Sprintf("%s displacement %#x exceeds rel32", k, disp))
		}
		binary.LittleEndian.PutUint32(buf[off:], uint32(int32(disp)))
	}
	r.patched.ReplaceOrInsert(s)
	r.stats.Patched++
	return nil
}

func (r *Resolver) overlaps(s span) bool {
	hit := false
	r.patched.DescendLessOrEqual(s, func(prev span) bool {
		hit = prev.end > s.start
		return false
	})
	if hit {
		return true
	}
	r.patched.AscendGreaterOrEqual(s, func(next span) bool {
		hit = next.start < s.end
		return false
	})
	return hit
}

func (r *Resolver) path(l *Ledger, i int) []string {
	return []string{errors.FuncPath(l.Func), fmt.Sprintf("entry[%d]", i)}
}
