package amd64

import "encoding/binary"

// Label names a code position that may be bound after it is referenced.
type Label int

type fixup struct {
	site  int // offset of the rel32 field
	label Label
}

// Buffer accumulates machine code for one function or helper block.
type Buffer struct {
	code   []byte
	labels []int
	fixups []fixup
	starts []int // start offset of every emitted instruction
	// lastJmp is set when the most recent instruction is an unconditional
	// transfer (jmp, ret, ud2) and no label has been bound since.
	lastJmp bool
}

// NewBuffer creates an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Len returns the current position.
func (b *Buffer) Len() int {
	return len(b.code)
}

// Bytes returns the emitted code. Unbound fixups hold zero displacements.
func (b *Buffer) Bytes() []byte {
	return b.code
}

// Insts returns the number of instructions emitted so far.
func (b *Buffer) Insts() int {
	return len(b.starts)
}

// LastInst returns the start offset of the most recent instruction, or -1.
func (b *Buffer) LastInst() int {
	if len(b.starts) == 0 {
		return -1
	}
	return b.starts[len(b.starts)-1]
}

// EndsWithJump reports whether control cannot fall off the end of the
// buffer: the last instruction is an unconditional jmp, ret or ud2 and
// nothing has been bound after it.
func (b *Buffer) EndsWithJump() bool {
	return b.lastJmp
}

// NewLabel allocates an unbound label.
func (b *Buffer) NewLabel() Label {
	b.labels = append(b.labels, -1)
	return Label(len(b.labels) - 1)
}

// Bind binds l to the current position and patches pending references.
func (b *Buffer) Bind(l Label) {
	b.labels[l] = len(b.code)
	b.lastJmp = false
	kept := b.fixups[:0]
	for _, f := range b.fixups {
		if f.label == l {
			b.patchRel(f.site, len(b.code))
			continue
		}
		kept = append(kept, f)
	}
	b.fixups = kept
}

// Bound returns the position of l if it has been bound.
func (b *Buffer) Bound(l Label) (int, bool) {
	pos := b.labels[l]
	return pos, pos >= 0
}

// PendingFixups returns the number of label references not yet resolved.
func (b *Buffer) PendingFixups() int {
	return len(b.fixups)
}

// Truncate discards code from offset n onward, together with the
// instructions and fixups that started there.
func (b *Buffer) Truncate(n int) {
	b.code = b.code[:n]
	for len(b.starts) > 0 && b.starts[len(b.starts)-1] >= n {
		b.starts = b.starts[:len(b.starts)-1]
	}
	kept := b.fixups[:0]
	for _, f := range b.fixups {
		if f.site < n {
			kept = append(kept, f)
		}
	}
	b.fixups = kept
	b.lastJmp = false
}

// Raw emits bytes as a single instruction.
func (b *Buffer) Raw(bs ...byte) {
	b.begin()
	b.code = append(b.code, bs...)
}

// PutUint32 overwrites four bytes at off.
func (b *Buffer) PutUint32(off int, v uint32) {
	binary.LittleEndian.PutUint32(b.code[off:], v)
}

// PutUint64 overwrites eight bytes at off.
func (b *Buffer) PutUint64(off int, v uint64) {
	binary.LittleEndian.PutUint64(b.code[off:], v)
}

func (b *Buffer) begin() {
	b.starts = append(b.starts, len(b.code))
	b.lastJmp = false
}

func (b *Buffer) byte1(v byte) {
	b.code = append(b.code, v)
}

func (b *Buffer) imm32(v uint32) int {
	off := len(b.code)
	b.code = binary.LittleEndian.AppendUint32(b.code, v)
	return off
}

func (b *Buffer) imm64(v uint64) int {
	off := len(b.code)
	b.code = binary.LittleEndian.AppendUint64(b.code, v)
	return off
}

// rel32 emits a displacement field referencing l.
func (b *Buffer) rel32(l Label) {
	site := b.imm32(0)
	if pos, ok := b.Bound(l); ok {
		b.patchRel(site, pos)
		return
	}
	b.fixups = append(b.fixups, fixup{site: site, label: l})
}

func (b *Buffer) patchRel(site, target int) {
	b.PutUint32(site, uint32(int32(target-(site+4))))
}
