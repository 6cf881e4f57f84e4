package runtime

import (
	"fmt"

	"github.com/wippyai/enclave-jit/errors"
	"github.com/wippyai/enclave-jit/wasm"
)

// NullSig marks an empty table slot. No canonical type index matches it.
const NullSig = ^uint64(0)

// Table is a funcref table laid out for call_indirect: parallel refs and
// sigs slabs indexed by slot, plus a size word.
type Table struct {
	refs []byte
	sigs []byte
	size []byte
	n    int
	// funcs records the function index behind each slot, -1 when null.
	funcs []int
}

// NewTable creates a table of n null slots.
func NewTable(n uint32) *Table {
	t := &Table{
		refs:  slab(8 * int(n)),
		sigs:  slab(8 * int(n)),
		size:  slab(8),
		n:     int(n),
		funcs: make([]int, n),
	}
	for i := range t.funcs {
		putWord(t.sigs, 8*i, NullSig)
		t.funcs[i] = -1
	}
	putWord(t.size, 0, uint64(n))
	return t
}

// Len returns the number of slots.
func (t *Table) Len() int {
	return t.n
}

// Set stores the code address and canonical signature of function fn in
// slot i.
func (t *Table) Set(i int, fn int, addr uint64, sig uint32) error {
	if i < 0 || i >= t.n {
		return errors.OutOfBounds(errors.PhaseRuntime, []string{"table"}, i, t.n)
	}
	putWord(t.refs, 8*i, addr)
	putWord(t.sigs, 8*i, uint64(sig))
	t.funcs[i] = fn
	return nil
}

// Func returns the function index stored in slot i.
func (t *Table) Func(i int) (int, bool) {
	if i < 0 || i >= t.n || t.funcs[i] < 0 {
		return 0, false
	}
	return t.funcs[i], true
}

// Init fills slots from the module's element segments. addrs maps a
// function index to its entry address.
func (t *Table) Init(m *wasm.Module, addrs []uint64) error {
	for si, el := range m.Elements {
		if el.Offset.Opcode != wasm.OpI32Const {
			return errors.Unsupported(errors.PhaseRuntime, "element offset "+wasm.OpcodeName(el.Offset.Opcode))
		}
		base := int(int32(el.Offset.Value))
		for j, fn := range el.FuncIdxs {
			if int(fn) >= len(addrs) {
				return errors.OutOfBounds(errors.PhaseRuntime,
					[]string{fmt.Sprintf("elem[%d]", si)}, int(fn), len(addrs))
			}
			ti, ok := m.FuncTypeIdx(fn)
			if !ok {
				return errors.NotFound(errors.PhaseRuntime, "function", fmt.Sprint(fn))
			}
			if err := t.Set(base+j, int(fn), addrs[fn], m.CanonicalTypeIdx(ti)); err != nil {
				return err
			}
		}
	}
	return nil
}

// RefsAddr returns the address of slot 0's code pointer.
func (t *Table) RefsAddr() uint64 { return addressOf(t.refs) }

// SigsAddr returns the address of slot 0's signature.
func (t *Table) SigsAddr() uint64 { return addressOf(t.sigs) }

// SizeAddr returns the address of the size word.
func (t *Table) SizeAddr() uint64 { return addressOf(t.size) }

// Spans returns the three backing slabs.
func (t *Table) Spans() []Span {
	return []Span{
		{Name: "table.refs", Data: t.refs},
		{Name: "table.sigs", Data: t.sigs},
		{Name: "table.size", Data: t.size},
	}
}
