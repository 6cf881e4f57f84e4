package amd64

// Reg is a general purpose register in hardware encoding order.
type Reg uint8

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// Cond is a condition code as encoded in the low nibble of jcc/setcc/cmovcc.
type Cond uint8

const (
	CondO  Cond = 0x0
	CondNO Cond = 0x1
	CondB  Cond = 0x2
	CondAE Cond = 0x3
	CondE  Cond = 0x4
	CondNE Cond = 0x5
	CondBE Cond = 0x6
	CondA  Cond = 0x7
	CondS  Cond = 0x8
	CondNS Cond = 0x9
	CondL  Cond = 0xC
	CondGE Cond = 0xD
	CondLE Cond = 0xE
	CondG  Cond = 0xF
)

// Invert returns the negated condition.
func (c Cond) Invert() Cond {
	return c ^ 1
}

// AluOp selects the /digit of the 0x81 group and the matching
// register-register opcode.
type AluOp uint8

const (
	Add AluOp = 0
	Or  AluOp = 1
	And AluOp = 4
	Sub AluOp = 5
	Xor AluOp = 6
	Cmp AluOp = 7
)

// ShiftOp selects the /digit of the 0xD3 group.
type ShiftOp uint8

const (
	Rol ShiftOp = 0
	Ror ShiftOp = 1
	Shl ShiftOp = 4
	Shr ShiftOp = 5
	Sar ShiftOp = 7
)

// Mem is a [Base + Index*Scale + Disp] operand. Scale 0 means no index.
type Mem struct {
	Base  Reg
	Index Reg
	Scale uint8
	Disp  int32
}

// RBPSlot addresses a frame slot.
func RBPSlot(disp int32) Mem {
	return Mem{Base: RBP, Disp: disp}
}

func (b *Buffer) rex(w bool, reg, index, base Reg) {
	var p byte
	if w {
		p |= 0x08
	}
	if reg >= 8 {
		p |= 0x04
	}
	if index >= 8 {
		p |= 0x02
	}
	if base >= 8 {
		p |= 0x01
	}
	if p != 0 {
		b.byte1(0x40 | p)
	}
}

func (b *Buffer) modrmReg(reg, rm Reg) {
	b.byte1(0xC0 | byte(reg&7)<<3 | byte(rm&7))
}

func (b *Buffer) modrmMem(reg Reg, m Mem) {
	var mod byte
	switch {
	case m.Disp == 0 && m.Base&7 != RBP:
		mod = 0
	case m.Disp >= -128 && m.Disp <= 127:
		mod = 1
	default:
		mod = 2
	}
	if m.Scale == 0 && m.Base&7 != RSP {
		b.byte1(mod<<6 | byte(reg&7)<<3 | byte(m.Base&7))
	} else {
		b.byte1(mod<<6 | byte(reg&7)<<3 | 4)
		index := RSP // no index
		var ss byte
		if m.Scale != 0 {
			index = m.Index
			switch m.Scale {
			case 2:
				ss = 1
			case 4:
				ss = 2
			case 8:
				ss = 3
			}
		}
		b.byte1(ss<<6 | byte(index&7)<<3 | byte(m.Base&7))
	}
	switch mod {
	case 1:
		b.byte1(byte(int8(m.Disp)))
	case 2:
		b.imm32(uint32(m.Disp))
	}
}

func (b *Buffer) memIndex(m Mem) Reg {
	if m.Scale == 0 {
		return 0
	}
	return m.Index
}

// opRR emits a register-register instruction with opcode bytes op.
func (b *Buffer) opRR(w bool, reg, rm Reg, op ...byte) {
	b.begin()
	b.rex(w, reg, 0, rm)
	b.code = append(b.code, op...)
	b.modrmReg(reg, rm)
}

// opRM emits a register-memory instruction with opcode bytes op.
func (b *Buffer) opRM(w bool, reg Reg, m Mem, op ...byte) {
	b.begin()
	b.rex(w, reg, b.memIndex(m), m.Base)
	b.code = append(b.code, op...)
	b.modrmMem(reg, m)
}

// Push emits push r.
func (b *Buffer) Push(r Reg) {
	b.begin()
	b.rex(false, 0, 0, r)
	b.byte1(0x50 + byte(r&7))
}

// Pop emits pop r.
func (b *Buffer) Pop(r Reg) {
	b.begin()
	b.rex(false, 0, 0, r)
	b.byte1(0x58 + byte(r&7))
}

// Mov emits mov dst, src (64-bit).
func (b *Buffer) Mov(dst, src Reg) {
	b.opRR(true, src, dst, 0x89)
}

// Mov32 emits mov dst32, src32, zero-extending into dst.
func (b *Buffer) Mov32(dst, src Reg) {
	b.opRR(false, src, dst, 0x89)
}

// MovImm32 emits mov r32, imm32 (zero-extends).
func (b *Buffer) MovImm32(r Reg, v uint32) {
	b.begin()
	b.rex(false, 0, 0, r)
	b.byte1(0xB8 + byte(r&7))
	b.imm32(v)
}

// MovImm64 emits mov r64, imm64 and returns the offset of the immediate.
func (b *Buffer) MovImm64(r Reg, v uint64) int {
	b.begin()
	b.rex(true, 0, 0, r)
	b.byte1(0xB8 + byte(r&7))
	return b.imm64(v)
}

// Load emits mov r, [m] with operand width 32 or 64.
func (b *Buffer) Load(r Reg, m Mem, wide bool) {
	b.opRM(wide, r, m, 0x8B)
}

// Store emits mov [m], r with operand width 32 or 64.
func (b *Buffer) Store(m Mem, r Reg, wide bool) {
	b.opRM(wide, r, m, 0x89)
}

// Store8 emits mov byte [m], r8. r must be RAX, RCX, RDX or RBX.
func (b *Buffer) Store8(m Mem, r Reg) {
	b.opRM(false, r, m, 0x88)
}

// Store16 emits mov word [m], r16.
func (b *Buffer) Store16(m Mem, r Reg) {
	b.begin()
	b.byte1(0x66)
	b.rex(false, r, b.memIndex(m), m.Base)
	b.byte1(0x89)
	b.modrmMem(r, m)
}

// StoreImm32 emits mov qword [m], imm32 (sign-extended).
func (b *Buffer) StoreImm32(m Mem, v int32) {
	b.opRM(true, 0, m, 0xC7)
	b.imm32(uint32(v))
}

// LoadExt emits a zero or sign extending load of size 1, 2 or 4 bytes.
func (b *Buffer) LoadExt(r Reg, m Mem, size int, signed, wide bool) {
	switch {
	case size == 4 && signed:
		b.opRM(true, r, m, 0x63) // movsxd
	case size == 4:
		b.opRM(false, r, m, 0x8B)
	case size == 1 && signed:
		b.opRM(wide, r, m, 0x0F, 0xBE)
	case size == 1:
		b.opRM(wide, r, m, 0x0F, 0xB6)
	case size == 2 && signed:
		b.opRM(wide, r, m, 0x0F, 0xBF)
	default:
		b.opRM(wide, r, m, 0x0F, 0xB7)
	}
}

// Extend emits an in-register sign extension of the low size bytes of r.
func (b *Buffer) Extend(r Reg, size int, wide bool) {
	switch size {
	case 1:
		b.opRR(wide, r, r, 0x0F, 0xBE)
	case 2:
		b.opRR(wide, r, r, 0x0F, 0xBF)
	default:
		b.opRR(true, r, r, 0x63)
	}
}

// Lea emits lea r, [m].
func (b *Buffer) Lea(r Reg, m Mem) {
	b.opRM(true, r, m, 0x8D)
}

// LeaRIP emits lea r, [rip+disp] and returns the offset of the displacement.
func (b *Buffer) LeaRIP(r Reg, disp int32) int {
	b.begin()
	b.rex(true, r, 0, 0)
	b.byte1(0x8D)
	b.byte1(byte(r&7)<<3 | 5)
	return b.imm32(uint32(disp))
}

// Alu emits op dst, src.
func (b *Buffer) Alu(op AluOp, dst, src Reg, wide bool) {
	b.opRR(wide, src, dst, byte(op)<<3|1)
}

// AluImm emits op r, imm32.
func (b *Buffer) AluImm(op AluOp, r Reg, v int32, wide bool) {
	b.opRR(wide, Reg(op), r, 0x81)
	b.imm32(uint32(v))
}

// Test emits test a, b.
func (b *Buffer) Test(a, c Reg, wide bool) {
	b.opRR(wide, c, a, 0x85)
}

// Imul emits imul dst, src.
func (b *Buffer) Imul(dst, src Reg, wide bool) {
	b.opRR(wide, dst, src, 0x0F, 0xAF)
}

// Shift emits op r, cl.
func (b *Buffer) Shift(op ShiftOp, r Reg, wide bool) {
	b.opRR(wide, Reg(op), r, 0xD3)
}

// Div emits div/idiv src over rdx:rax.
func (b *Buffer) Div(src Reg, signed, wide bool) {
	digit := Reg(6)
	if signed {
		digit = 7
	}
	b.opRR(wide, digit, src, 0xF7)
}

// SignExtendAcc emits cdq (32-bit) or cqo (64-bit).
func (b *Buffer) SignExtendAcc(wide bool) {
	b.begin()
	b.rex(wide, 0, 0, 0)
	b.byte1(0x99)
}

// Setcc emits setcc r8.
func (b *Buffer) Setcc(c Cond, r Reg) {
	b.opRR(false, 0, r, 0x0F, 0x90|byte(c))
}

// Movzx8 emits movzx dst32, src8.
func (b *Buffer) Movzx8(dst, src Reg) {
	b.opRR(false, dst, src, 0x0F, 0xB6)
}

// Cmov emits cmovcc dst, src (64-bit).
func (b *Buffer) Cmov(c Cond, dst, src Reg) {
	b.opRR(true, dst, src, 0x0F, 0x40|byte(c))
}

// Jmp emits jmp rel32 to l.
func (b *Buffer) Jmp(l Label) {
	b.begin()
	b.byte1(0xE9)
	b.rel32(l)
	b.lastJmp = true
}

// Jcc emits jcc rel32 to l.
func (b *Buffer) Jcc(c Cond, l Label) {
	b.begin()
	b.byte1(0x0F)
	b.byte1(0x80 | byte(c))
	b.rel32(l)
}

// JmpRel emits jmp rel32 with a raw displacement and returns the offset
// of the displacement field.
func (b *Buffer) JmpRel(disp int32) int {
	b.begin()
	b.byte1(0xE9)
	off := b.imm32(uint32(disp))
	b.lastJmp = true
	return off
}

// JccRel emits jcc rel32 with a raw displacement and returns the offset
// of the displacement field.
func (b *Buffer) JccRel(c Cond, disp int32) int {
	b.begin()
	b.byte1(0x0F)
	b.byte1(0x80 | byte(c))
	return b.imm32(uint32(disp))
}

// JmpReg emits jmp r.
func (b *Buffer) JmpReg(r Reg) {
	b.opRR(false, 4, r, 0xFF)
	b.lastJmp = true
}

// CallReg emits call r.
func (b *Buffer) CallReg(r Reg) {
	b.opRR(false, 2, r, 0xFF)
}

// Ret emits ret.
func (b *Buffer) Ret() {
	b.Raw(0xC3)
	b.lastJmp = true
}

// Ud2 emits ud2.
func (b *Buffer) Ud2() {
	b.Raw(0x0F, 0x0B)
	b.lastJmp = true
}

// Pushfq emits pushfq.
func (b *Buffer) Pushfq() {
	b.Raw(0x9C)
}

// Popfq emits popfq.
func (b *Buffer) Popfq() {
	b.Raw(0x9D)
}

// Xbegin emits xbegin rel32 with fallback l.
func (b *Buffer) Xbegin(l Label) {
	b.begin()
	b.byte1(0xC7)
	b.byte1(0xF8)
	b.rel32(l)
}

// Xend emits xend.
func (b *Buffer) Xend() {
	b.Raw(0x0F, 0x01, 0xD5)
}

// LfenceLen is the encoded size of lfence.
const LfenceLen = 3

// Lfence emits lfence.
func (b *Buffer) Lfence() {
	b.Raw(0x0F, 0xAE, 0xE8)
}

// BitOp selects lzcnt, tzcnt or popcnt.
type BitOp uint8

const (
	Popcnt BitOp = 0xB8
	Tzcnt  BitOp = 0xBC
	Lzcnt  BitOp = 0xBD
)

// BitCount emits op dst, src with the mandatory F3 prefix.
func (b *Buffer) BitCount(op BitOp, dst, src Reg, wide bool) {
	b.begin()
	b.byte1(0xF3)
	b.rex(wide, dst, 0, src)
	b.byte1(0x0F)
	b.byte1(byte(op))
	b.modrmReg(dst, src)
}
