package amd64

import "encoding/binary"

// BranchForm identifies a recognised branch encoding.
type BranchForm uint8

const (
	FormNone     BranchForm = iota
	FormJmp32               // E9 rel32
	FormJmp8                // EB rel8
	FormJcc32               // 0F 80+cc rel32
	FormJmpReg              // FF /4 (register)
)

// Branch describes the branch instruction found at the tail of a buffer.
type Branch struct {
	Form   BranchForm
	Cond   Cond
	Offset int   // start of the instruction
	Len    int   // encoded length
	Disp   int32 // displacement, for relative forms
}

// Target returns the buffer offset a relative branch jumps to.
func (br Branch) Target() int {
	return br.Offset + br.Len + int(br.Disp)
}

// Unconditional reports whether the branch always transfers control.
func (br Branch) Unconditional() bool {
	return br.Form == FormJmp32 || br.Form == FormJmp8 || br.Form == FormJmpReg
}

// ClassifyBranch pattern-matches a single instruction encoding.
func ClassifyBranch(inst []byte) (Branch, bool) {
	switch {
	case len(inst) == 5 && inst[0] == 0xE9:
		return Branch{Form: FormJmp32, Len: 5, Disp: int32(binary.LittleEndian.Uint32(inst[1:]))}, true
	case len(inst) == 2 && inst[0] == 0xEB:
		return Branch{Form: FormJmp8, Len: 2, Disp: int32(int8(inst[1]))}, true
	case len(inst) == 6 && inst[0] == 0x0F && inst[1]&0xF0 == 0x80:
		return Branch{Form: FormJcc32, Cond: Cond(inst[1] & 0x0F), Len: 6, Disp: int32(binary.LittleEndian.Uint32(inst[2:]))}, true
	case len(inst) == 2 && inst[0] == 0xFF && inst[1]&0xF8 == 0xE0:
		return Branch{Form: FormJmpReg, Len: 2}, true
	case len(inst) == 3 && inst[0] == 0x41 && inst[1] == 0xFF && inst[2]&0xF8 == 0xE0:
		return Branch{Form: FormJmpReg, Len: 3}, true
	}
	return Branch{}, false
}

// Tail returns the last emitted instruction's bytes.
func (b *Buffer) Tail() []byte {
	start := b.LastInst()
	if start < 0 {
		return nil
	}
	return b.code[start:]
}

// TailBranch classifies the last emitted instruction as a branch.
func (b *Buffer) TailBranch() (Branch, bool) {
	start := b.LastInst()
	if start < 0 {
		return Branch{}, false
	}
	br, ok := ClassifyBranch(b.code[start:])
	br.Offset = start
	return br, ok
}

// PrecedingInst returns the bytes of the instruction emitted before the
// one starting at off.
func (b *Buffer) PrecedingInst(off int) []byte {
	for i := len(b.starts) - 1; i > 0; i-- {
		if b.starts[i] == off {
			return b.code[b.starts[i-1]:off]
		}
	}
	return nil
}
