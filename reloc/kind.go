package reloc

// Kind selects how an entry is patched.
type Kind uint8

const (
	KindNone Kind = iota

	// Absolute 64-bit pointers.
	KindCall
	KindHostCall
	KindGlobal
	KindMemory
	KindTableRefs
	KindTableSigs
	KindTableSize
	KindExitPoll

	// 32-bit displacements into the shared springboard block.
	KindSpringboardBegin
	KindSpringboardNext
	KindSpringboardEnd

	// 32-bit displacements to the start of a code unit.
	KindJump
	KindLea
	KindUnitJump

	// br_table dispatch. Jump kinds are patched with the displacement to
	// the target site sharing their key; target kinds only mark positions.
	KindBrTableJump
	KindBrTableTarget
	KindBrCaseJump
	KindBrCaseTarget

	kindCount
)

var kindNames = [...]string{
	KindNone:             "none",
	KindCall:             "call",
	KindHostCall:         "host-call",
	KindGlobal:           "global",
	KindMemory:           "memory-base",
	KindTableRefs:        "table-refs",
	KindTableSigs:        "table-sigs",
	KindTableSize:        "table-size",
	KindExitPoll:         "exit-poll",
	KindSpringboardBegin: "springboard-begin",
	KindSpringboardNext:  "springboard-next",
	KindSpringboardEnd:   "springboard-end",
	KindJump:             "jump",
	KindLea:              "lea",
	KindUnitJump:         "unit-jump",
	KindBrTableJump:      "br_table-jump",
	KindBrTableTarget:    "br_table-target",
	KindBrCaseJump:       "br_case-jump",
	KindBrCaseTarget:     "br_case-target",
}

func (k Kind) String() string {
	if k < kindCount {
		return kindNames[k]
	}
	return "unknown"
}

// Abs64 reports whether the entry is an 8-byte absolute address.
func (k Kind) Abs64() bool {
	return k >= KindCall && k <= KindExitPoll
}

// Rel32 reports whether the entry is a 4-byte displacement.
func (k Kind) Rel32() bool {
	switch k {
	case KindSpringboardBegin, KindSpringboardNext, KindSpringboardEnd,
		KindJump, KindLea, KindUnitJump, KindBrTableJump, KindBrCaseJump:
		return true
	}
	return false
}

// Marker reports whether the entry only records a position.
func (k Kind) Marker() bool {
	return k == KindBrTableTarget || k == KindBrCaseTarget
}

// UnitTarget reports whether Target names a code unit of the same
// function.
func (k Kind) UnitTarget() bool {
	return k == KindJump || k == KindLea || k == KindUnitJump
}

// Width returns the number of bytes patched, 0 for markers.
func (k Kind) Width() int {
	switch {
	case k.Abs64():
		return 8
	case k.Rel32():
		return 4
	}
	return 0
}

// BrTableKey packs a dispatch comparison site. The key is scoped to one
// function.
func BrTableKey(table, lo, hi uint32) uint64 {
	return uint64(table)<<40 | uint64(hi&0xFFFFF)<<20 | uint64(lo&0xFFFFF)
}

// BrCaseKey packs a case block site. The key is scoped to one function.
func BrCaseKey(table, firstCase, depth uint32) uint64 {
	return uint64(table)<<40 | uint64(firstCase&0xFFFFF)<<20 | uint64(depth&0xFFFFF)
}
