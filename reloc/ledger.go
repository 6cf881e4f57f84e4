package reloc

import (
	"fmt"

	"github.com/wippyai/enclave-jit/errors"
)

// Entry is one deferred patch request.
type Entry struct {
	Kind Kind
	// Offset is the patch position: function-relative in a flat ledger,
	// relative to Unit once converted.
	Offset int
	Unit   int
	// Target names the referenced object: a function, global or host
	// import for pointer kinds, a code unit for jump kinds. While Pending
	// it is a CFG target reference that Bind replaces.
	Target int
	// Depth is the wasm relative depth of a branch entry.
	Depth   uint32
	Key     uint64
	Pending bool
}

func (e Entry) String() string {
	s := fmt.Sprintf("%-17s unit=%d off=%#x target=%d", e.Kind, e.Unit, e.Offset, e.Target)
	if e.Kind >= KindBrTableJump && e.Kind <= KindBrCaseTarget {
		s += fmt.Sprintf(" key=%#x", e.Key)
	}
	if e.Pending {
		s += " pending"
	}
	return s
}

// Unit is a relocatable chunk of a compiled function.
type Unit struct {
	Offset int
	Size   int
}

// Ledger is the append-only entry list of one function.
type Ledger struct {
	Entries  []Entry
	Func     uint32
	relative bool
}

// NewLedger creates an empty flat ledger for function fn.
func NewLedger(fn uint32) *Ledger {
	return &Ledger{Func: fn}
}

// Add appends e and returns its index.
func (l *Ledger) Add(e Entry) int {
	l.Entries = append(l.Entries, e)
	return len(l.Entries) - 1
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	return len(l.Entries)
}

// Relative reports whether offsets are unit-relative.
func (l *Ledger) Relative() bool {
	return l.relative
}

// Truncate drops the entries whose patch site lies in code discarded from
// offset n onward. Position markers at exactly n survive because the code
// re-emitted at n still starts there.
func (l *Ledger) Truncate(n int) {
	kept := l.Entries[:0]
	for _, e := range l.Entries {
		if e.Offset > n || (e.Offset == n && !e.Kind.Marker()) {
			continue
		}
		kept = append(kept, e)
	}
	l.Entries = kept
}

// Bind replaces every pending target reference with the node it resolved
// to.
func (l *Ledger) Bind(resolve func(ref int) (int, error)) error {
	for i := range l.Entries {
		e := &l.Entries[i]
		if !e.Pending {
			continue
		}
		node, err := resolve(e.Target)
		if err != nil {
			return err
		}
		e.Target = node
		e.Pending = false
	}
	return nil
}

// ToUnitRelative rewrites every function-relative offset into an owning
// unit and an offset within it. The owner is the last unit starting at or
// before the recorded offset.
func (l *Ledger) ToUnitRelative(units []Unit) error {
	if l.relative {
		return nil
	}
	for i := range l.Entries {
		e := &l.Entries[i]
		u := len(units) - 1
		for u >= 0 && units[u].Offset > e.Offset {
			u--
		}
		if u < 0 || e.Offset+e.Kind.Width() > units[u].Offset+units[u].Size {
			return errors.Invariant(errors.PhaseRelocate,
				[]string{errors.FuncPath(l.Func), fmt.Sprintf("entry[%d]", i)},
				fmt.Sprintf("%s at %#x is outside every code unit", e.Kind, e.Offset))
		}
		e.Unit = u
		e.Offset -= units[u].Offset
	}
	l.relative = true
	return nil
}
