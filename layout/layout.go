// Package layout places a compiled function into the code region, either
// contiguously or with every code unit in its own independently
// allocated slot.
package layout

import (
	"fmt"

	"github.com/wippyai/enclave-jit/errors"
	"github.com/wippyai/enclave-jit/reloc"
)

// Allocator is the region surface placement needs.
type Allocator interface {
	Alloc(size int) (uint64, error)
	AllocRandom(size int) (uint64, error)
	Write(addr uint64, code []byte) error
}

// Placement records where a function's units landed.
type Placement struct {
	Units []reloc.Unit
	// Addrs holds the final address of every unit. A zero-size unit
	// shares the address of the next non-empty one.
	Addrs []uint64
	// Entry is the final address of unit 0, the function's entry point.
	Entry uint64
	// Base is the start of the contiguous body. Only set for flat
	// placement.
	Base uint64
	Func uint32
	Flat bool
}

// PlaceFlat copies the whole function into one contiguous allocation.
func PlaceFlat(a Allocator, fn uint32, code []byte, units []reloc.Unit) (*Placement, error) {
	if err := checkUnits(fn, code, units); err != nil {
		return nil, err
	}
	base, err := a.Alloc(len(code))
	if err != nil {
		return nil, err
	}
	if err := a.Write(base, code); err != nil {
		return nil, err
	}
	p := &Placement{Func: fn, Units: units, Base: base, Flat: true, Addrs: make([]uint64, len(units))}
	for i, u := range units {
		p.Addrs[i] = base + uint64(u.Offset)
	}
	p.Entry = p.Addrs[0]
	return p, nil
}

// Place copies every non-empty unit into its own slot. With random set
// the slots are sampled uniformly; otherwise they are bump allocated.
func Place(a Allocator, fn uint32, code []byte, units []reloc.Unit, random bool) (*Placement, error) {
	if err := checkUnits(fn, code, units); err != nil {
		return nil, err
	}
	p := &Placement{Func: fn, Units: units, Addrs: make([]uint64, len(units))}
	alloc := a.Alloc
	if random {
		alloc = a.AllocRandom
	}
	for i, u := range units {
		if u.Size == 0 {
			continue
		}
		addr, err := alloc(u.Size)
		if err != nil {
			return nil, err
		}
		if err := a.Write(addr, code[u.Offset:u.Offset+u.Size]); err != nil {
			return nil, err
		}
		p.Addrs[i] = addr
	}
	// zero-size units alias their next non-empty successor
	var next uint64
	for i := len(units) - 1; i >= 0; i-- {
		if units[i].Size == 0 {
			p.Addrs[i] = next
			continue
		}
		next = p.Addrs[i]
	}
	p.Entry = p.Addrs[0]
	return p, nil
}

// Function adapts the placement for the resolver.
func (p *Placement) Function(l *reloc.Ledger) *reloc.Function {
	return &reloc.Function{Ledger: l, Units: p.Units, Addrs: p.Addrs, Base: p.Base}
}

// Each calls fn for every non-empty unit with its final address and the
// bytes it was placed from.
func (p *Placement) Each(code []byte, fn func(unit int, addr uint64, code []byte) error) error {
	for i, u := range p.Units {
		if u.Size == 0 {
			continue
		}
		if err := fn(i, p.Addrs[i], code[u.Offset:u.Offset+u.Size]); err != nil {
			return err
		}
	}
	return nil
}

// checkUnits verifies that the units tile code exactly.
func checkUnits(fn uint32, code []byte, units []reloc.Unit) error {
	if len(units) == 0 {
		return errors.Invariant(errors.PhaseLayout, []string{errors.FuncPath(fn)}, "function has no code units")
	}
	pos := 0
	for i, u := range units {
		if u.Offset != pos || u.Size < 0 {
			return errors.Invariant(errors.PhaseLayout,
				[]string{errors.FuncPath(fn), fmt.Sprintf("unit[%d]", i)},
				fmt.Sprintf("unit [%#x,+%d) does not continue at %#x", u.Offset, u.Size, pos))
		}
		pos += u.Size
	}
	if pos != len(code) {
		return errors.Invariant(errors.PhaseLayout, []string{errors.FuncPath(fn)},
			fmt.Sprintf("units cover %d bytes, code has %d", pos, len(code)))
	}
	if units[0].Size == 0 {
		return errors.Invariant(errors.PhaseLayout, []string{errors.FuncPath(fn)}, "entry unit is empty")
	}
	return nil
}
