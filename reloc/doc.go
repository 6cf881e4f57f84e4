// Package reloc implements the per-function relocation ledger and the
// global resolver that patches every ledger entry once final placement
// is known.
//
// Entries are recorded against function-relative offsets while code is
// emitted. When a function is split into code units the ledger is
// converted to unit-relative form with ToUnitRelative; otherwise it stays
// flat and the function base is used. The resolver runs after every
// function has been placed and consumes each entry exactly once.
package reloc
