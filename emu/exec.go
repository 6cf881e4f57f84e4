package emu

import (
	"math"
	"math/bits"

	"golang.org/x/arch/x86/x86asm"

	"github.com/wippyai/enclave-jit/amd64"
)

const (
	rax = 0
	rcx = 1
	rdx = 2
	rsp = 4
)

// regInfo maps a decoded register to its slot, width in bytes and
// whether it is one of ah, ch, dh, bh.
func regInfo(r x86asm.Reg) (idx, size int, high, ok bool) {
	switch {
	case r >= x86asm.AL && r <= x86asm.R15B:
		i := int(r - x86asm.AL)
		switch {
		case i < 4:
			return i, 1, false, true
		case i < 8:
			return i - 4, 1, true, true
		default:
			return i - 4, 1, false, true
		}
	case r >= x86asm.AX && r <= x86asm.R15W:
		return int(r - x86asm.AX), 2, false, true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return int(r - x86asm.EAX), 4, false, true
	case r >= x86asm.RAX && r <= x86asm.R15:
		return int(r - x86asm.RAX), 8, false, true
	}
	return 0, 0, false, false
}

func mask(size int) uint64 {
	if size >= 8 {
		return math.MaxUint64
	}
	return 1<<(8*size) - 1
}

func signBit(size int) uint64 {
	return 1 << (8*size - 1)
}

func signExtend(v uint64, size int) int64 {
	shift := 64 - 8*size
	return int64(v<<shift) >> shift
}

func (m *Interpreter) getReg(r x86asm.Reg) (uint64, int, bool) {
	idx, size, high, ok := regInfo(r)
	if !ok {
		return 0, 0, false
	}
	v := m.r[idx]
	if high {
		v >>= 8
	}
	return v & mask(size), size, true
}

// setReg writes v with x86-64 width rules: 32-bit writes zero the upper
// half, 8 and 16-bit writes merge.
func (m *Interpreter) setReg(r x86asm.Reg, v uint64) bool {
	idx, size, high, ok := regInfo(r)
	if !ok {
		return false
	}
	switch {
	case size == 8:
		m.r[idx] = v
	case size == 4:
		m.r[idx] = v & math.MaxUint32
	case high:
		m.r[idx] = m.r[idx]&^0xFF00 | (v&0xFF)<<8
	default:
		mk := mask(size)
		m.r[idx] = m.r[idx]&^mk | v&mk
	}
	return true
}

// opSize is the operand width of inst: its first register operand, or
// the memory operand width.
func opSize(inst x86asm.Inst) int {
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		if r, ok := a.(x86asm.Reg); ok {
			if _, size, _, ok := regInfo(r); ok {
				return size
			}
		}
	}
	if inst.MemBytes > 0 {
		return inst.MemBytes
	}
	return inst.DataSize / 8
}

func (m *Interpreter) addr(x x86asm.Mem, next uint64) uint64 {
	var a uint64
	switch x.Base {
	case 0:
	case x86asm.RIP:
		a = next
	default:
		a, _, _ = m.getReg(x.Base)
	}
	if x.Index != 0 {
		idx, _, _ := m.getReg(x.Index)
		a += idx * uint64(x.Scale)
	}
	// x86asm reports some disp32 values zero-extended.
	return a + uint64(int64(int32(x.Disp)))
}

// read evaluates an operand at width size.
func (m *Interpreter) read(inst x86asm.Inst, a x86asm.Arg, size int, next uint64) (uint64, error) {
	switch a := a.(type) {
	case x86asm.Reg:
		v, _, ok := m.getReg(a)
		if !ok {
			return 0, fault(m.rip, "unsupported register %s", a)
		}
		return v, nil
	case x86asm.Mem:
		return m.load(m.addr(a, next), size)
	case x86asm.Imm:
		// Only movabs carries a full 64-bit immediate; every other form
		// is sign-extended from at most 32 bits.
		if inst.Op == x86asm.MOV && size == 8 && inst.Len >= 10 {
			return uint64(a), nil
		}
		return uint64(int64(int32(a))) & mask(size), nil
	}
	return 0, fault(m.rip, "unsupported operand %v", a)
}

func (m *Interpreter) write(a x86asm.Arg, size int, v uint64, next uint64) error {
	switch a := a.(type) {
	case x86asm.Reg:
		if !m.setReg(a, v) {
			return fault(m.rip, "unsupported register %s", a)
		}
		return nil
	case x86asm.Mem:
		return m.store(m.addr(a, next), size, v)
	}
	return fault(m.rip, "unsupported destination %v", a)
}

// srcSize is the width of a movzx/movsx source.
func srcSize(inst x86asm.Inst) int {
	if r, ok := inst.Args[1].(x86asm.Reg); ok {
		_, size, _, _ := regInfo(r)
		return size
	}
	return inst.MemBytes
}

var conds = map[x86asm.Op]amd64.Cond{
	x86asm.JO: amd64.CondO, x86asm.JNO: amd64.CondNO, x86asm.JB: amd64.CondB, x86asm.JAE: amd64.CondAE,
	x86asm.JE: amd64.CondE, x86asm.JNE: amd64.CondNE, x86asm.JBE: amd64.CondBE, x86asm.JA: amd64.CondA,
	x86asm.JS: amd64.CondS, x86asm.JNS: amd64.CondNS, x86asm.JL: amd64.CondL, x86asm.JGE: amd64.CondGE,
	x86asm.JLE: amd64.CondLE, x86asm.JG: amd64.CondG,

	x86asm.SETO: amd64.CondO, x86asm.SETNO: amd64.CondNO, x86asm.SETB: amd64.CondB, x86asm.SETAE: amd64.CondAE,
	x86asm.SETE: amd64.CondE, x86asm.SETNE: amd64.CondNE, x86asm.SETBE: amd64.CondBE, x86asm.SETA: amd64.CondA,
	x86asm.SETS: amd64.CondS, x86asm.SETNS: amd64.CondNS, x86asm.SETL: amd64.CondL, x86asm.SETGE: amd64.CondGE,
	x86asm.SETLE: amd64.CondLE, x86asm.SETG: amd64.CondG,

	x86asm.CMOVO: amd64.CondO, x86asm.CMOVNO: amd64.CondNO, x86asm.CMOVB: amd64.CondB, x86asm.CMOVAE: amd64.CondAE,
	x86asm.CMOVE: amd64.CondE, x86asm.CMOVNE: amd64.CondNE, x86asm.CMOVBE: amd64.CondBE, x86asm.CMOVA: amd64.CondA,
	x86asm.CMOVS: amd64.CondS, x86asm.CMOVNS: amd64.CondNS, x86asm.CMOVL: amd64.CondL, x86asm.CMOVGE: amd64.CondGE,
	x86asm.CMOVLE: amd64.CondLE, x86asm.CMOVG: amd64.CondG,
}

var (
	jumps = map[x86asm.Op]bool{
		x86asm.JO: true, x86asm.JNO: true, x86asm.JB: true, x86asm.JAE: true, x86asm.JE: true,
		x86asm.JNE: true, x86asm.JBE: true, x86asm.JA: true, x86asm.JS: true, x86asm.JNS: true,
		x86asm.JL: true, x86asm.JGE: true, x86asm.JLE: true, x86asm.JG: true,
	}
	sets = map[x86asm.Op]bool{
		x86asm.SETO: true, x86asm.SETNO: true, x86asm.SETB: true, x86asm.SETAE: true, x86asm.SETE: true,
		x86asm.SETNE: true, x86asm.SETBE: true, x86asm.SETA: true, x86asm.SETS: true, x86asm.SETNS: true,
		x86asm.SETL: true, x86asm.SETGE: true, x86asm.SETLE: true, x86asm.SETG: true,
	}
)

func (m *Interpreter) holds(c amd64.Cond) bool {
	f := m.fl
	switch c {
	case amd64.CondO:
		return f.of
	case amd64.CondNO:
		return !f.of
	case amd64.CondB:
		return f.cf
	case amd64.CondAE:
		return !f.cf
	case amd64.CondE:
		return f.zf
	case amd64.CondNE:
		return !f.zf
	case amd64.CondBE:
		return f.cf || f.zf
	case amd64.CondA:
		return !f.cf && !f.zf
	case amd64.CondS:
		return f.sf
	case amd64.CondNS:
		return !f.sf
	case amd64.CondL:
		return f.sf != f.of
	case amd64.CondGE:
		return f.sf == f.of
	case amd64.CondLE:
		return f.zf || f.sf != f.of
	default:
		return !f.zf && f.sf == f.of
	}
}

// rflags packs the modelled flags; bit 1 is always set.
func (m *Interpreter) rflags() uint64 {
	v := uint64(2)
	if m.fl.cf {
		v |= 1 << 0
	}
	if m.fl.zf {
		v |= 1 << 6
	}
	if m.fl.sf {
		v |= 1 << 7
	}
	if m.fl.of {
		v |= 1 << 11
	}
	return v
}

func (m *Interpreter) setRflags(v uint64) {
	m.fl = flags{
		cf: v&(1<<0) != 0,
		zf: v&(1<<6) != 0,
		sf: v&(1<<7) != 0,
		of: v&(1<<11) != 0,
	}
}

func (m *Interpreter) result(r uint64, size int) {
	m.fl.zf = r&mask(size) == 0
	m.fl.sf = r&signBit(size) != 0
}

func (m *Interpreter) arith(op x86asm.Op, a, b uint64, size int) uint64 {
	mk := mask(size)
	a, b = a&mk, b&mk
	var r uint64
	switch op {
	case x86asm.ADD:
		r = (a + b) & mk
		m.fl.cf = r < a
		m.fl.of = (a^r)&(b^r)&signBit(size) != 0
	case x86asm.SUB, x86asm.CMP:
		r = (a - b) & mk
		m.fl.cf = a < b
		m.fl.of = (a^b)&(a^r)&signBit(size) != 0
	case x86asm.AND, x86asm.TEST:
		r = a & b
		m.fl.cf, m.fl.of = false, false
	case x86asm.OR:
		r = a | b
		m.fl.cf, m.fl.of = false, false
	case x86asm.XOR:
		r = a ^ b
		m.fl.cf, m.fl.of = false, false
	}
	m.result(r, size)
	return r
}

func (m *Interpreter) shift(op x86asm.Op, a, count uint64, size int) uint64 {
	width := uint64(8 * size)
	if size == 8 {
		count &= 63
	} else {
		count &= 31
	}
	if count == 0 {
		return a
	}
	mk := mask(size)
	a &= mk
	var r uint64
	switch op {
	case x86asm.SHL:
		if count < width {
			r = (a << count) & mk
			m.fl.cf = (a>>(width-count))&1 != 0
		}
	case x86asm.SHR:
		r = a >> count
		m.fl.cf = (a>>(count-1))&1 != 0
	case x86asm.SAR:
		r = uint64(signExtend(a, size)>>count) & mk
		m.fl.cf = (uint64(signExtend(a, size))>>(count-1))&1 != 0
	case x86asm.ROL:
		c := count % width
		r = (a<<c | a>>((width-c)%width)) & mk
		m.fl.cf = r&1 != 0
		return r
	case x86asm.ROR:
		c := count % width
		r = (a>>c | a<<((width-c)%width)) & mk
		m.fl.cf = r&signBit(size) != 0
		return r
	}
	m.result(r, size)
	return r
}

func (m *Interpreter) imul(a, b uint64, size int) uint64 {
	if size == 8 {
		hi, lo := bits.Mul64(a, b)
		if int64(a) < 0 {
			hi -= b
		}
		if int64(b) < 0 {
			hi -= a
		}
		over := hi != uint64(int64(lo)>>63)
		m.fl.cf, m.fl.of = over, over
		return lo
	}
	full := signExtend(a, size) * signExtend(b, size)
	r := uint64(full) & mask(size)
	over := signExtend(r, size) != full
	m.fl.cf, m.fl.of = over, over
	return r
}

func (m *Interpreter) divide(signed bool, d uint64, size int) error {
	if d == 0 {
		return fault(m.rip, "divide error")
	}
	if size == 8 {
		if signed {
			a, dv := int64(m.r[rax]), int64(d)
			if m.r[rdx] != uint64(a>>63) {
				return fault(m.rip, "idiv with a dividend wider than 64 bits")
			}
			if a == math.MinInt64 && dv == -1 {
				return fault(m.rip, "divide error")
			}
			m.r[rax], m.r[rdx] = uint64(a/dv), uint64(a%dv)
			return nil
		}
		if m.r[rdx] >= d {
			return fault(m.rip, "divide error")
		}
		m.r[rax], m.r[rdx] = bits.Div64(m.r[rdx], m.r[rax], d)
		return nil
	}

	n := m.r[rdx]&math.MaxUint32<<32 | m.r[rax]&math.MaxUint32
	if signed {
		sn, sd := int64(n), int64(int32(d))
		q := sn / sd
		if sn == math.MinInt64 || q > math.MaxInt32 || q < math.MinInt32 {
			return fault(m.rip, "divide error")
		}
		m.r[rax], m.r[rdx] = uint64(uint32(q)), uint64(uint32(sn%sd))
		return nil
	}
	d &= math.MaxUint32
	q := n / d
	if q > math.MaxUint32 {
		return fault(m.rip, "divide error")
	}
	m.r[rax], m.r[rdx] = q, n%d
	return nil
}

func (m *Interpreter) jump(inst x86asm.Inst, next uint64) (uint64, error) {
	switch a := inst.Args[0].(type) {
	case x86asm.Rel:
		return next + uint64(int64(a)), nil
	default:
		return m.read(inst, a, 8, next)
	}
}

// exec runs one instruction and advances rip.
func (m *Interpreter) exec(inst x86asm.Inst) error {
	next := m.rip + uint64(inst.Len)
	args := inst.Args
	size := opSize(inst)

	switch op := inst.Op; {
	case op == x86asm.NOP:
	case op == x86asm.LFENCE:
		m.stats.Fences++

	case op == x86asm.PUSH:
		v, err := m.read(inst, args[0], 8, next)
		if err != nil {
			return err
		}
		if err := m.push(v); err != nil {
			return err
		}
	case op == x86asm.POP:
		v, err := m.pop()
		if err != nil {
			return err
		}
		if err := m.write(args[0], 8, v, next); err != nil {
			return err
		}
	case op == x86asm.PUSHFQ:
		if err := m.push(m.rflags()); err != nil {
			return err
		}
	case op == x86asm.POPFQ:
		v, err := m.pop()
		if err != nil {
			return err
		}
		m.setRflags(v)

	case op == x86asm.MOV:
		v, err := m.read(inst, args[1], size, next)
		if err != nil {
			return err
		}
		if err := m.write(args[0], size, v, next); err != nil {
			return err
		}
	case op == x86asm.MOVZX, op == x86asm.MOVSX, op == x86asm.MOVSXD:
		from := srcSize(inst)
		if op == x86asm.MOVSXD {
			from = 4
		}
		v, err := m.read(inst, args[1], from, next)
		if err != nil {
			return err
		}
		if op != x86asm.MOVZX {
			v = uint64(signExtend(v, from)) & mask(size)
		}
		if err := m.write(args[0], size, v, next); err != nil {
			return err
		}
	case op == x86asm.LEA:
		mem, ok := args[1].(x86asm.Mem)
		if !ok {
			return fault(m.rip, "lea without a memory operand")
		}
		if err := m.write(args[0], size, m.addr(mem, next)&mask(size), next); err != nil {
			return err
		}

	case op == x86asm.ADD, op == x86asm.SUB, op == x86asm.AND, op == x86asm.OR, op == x86asm.XOR,
		op == x86asm.CMP, op == x86asm.TEST:
		a, err := m.read(inst, args[0], size, next)
		if err != nil {
			return err
		}
		b, err := m.read(inst, args[1], size, next)
		if err != nil {
			return err
		}
		r := m.arith(op, a, b, size)
		if op != x86asm.CMP && op != x86asm.TEST {
			if err := m.write(args[0], size, r, next); err != nil {
				return err
			}
		}
	case op == x86asm.IMUL:
		if args[2] != nil {
			return fault(m.rip, "three-operand imul")
		}
		a, err := m.read(inst, args[0], size, next)
		if err != nil {
			return err
		}
		b, err := m.read(inst, args[1], size, next)
		if err != nil {
			return err
		}
		if err := m.write(args[0], size, m.imul(a, b, size), next); err != nil {
			return err
		}
	case op == x86asm.SHL, op == x86asm.SHR, op == x86asm.SAR, op == x86asm.ROL, op == x86asm.ROR:
		a, err := m.read(inst, args[0], size, next)
		if err != nil {
			return err
		}
		c, err := m.read(inst, args[1], 1, next)
		if err != nil {
			return err
		}
		if err := m.write(args[0], size, m.shift(op, a, c, size), next); err != nil {
			return err
		}
	case op == x86asm.DIV, op == x86asm.IDIV:
		d, err := m.read(inst, args[0], size, next)
		if err != nil {
			return err
		}
		if err := m.divide(op == x86asm.IDIV, d, size); err != nil {
			return err
		}
	case op == x86asm.CDQ:
		m.r[rdx] = uint64(uint32(int32(m.r[rax]) >> 31))
	case op == x86asm.CQO:
		m.r[rdx] = uint64(int64(m.r[rax]) >> 63)

	case op == x86asm.LZCNT, op == x86asm.TZCNT, op == x86asm.POPCNT:
		v, err := m.read(inst, args[1], size, next)
		if err != nil {
			return err
		}
		width := 8 * size
		var r uint64
		switch op {
		case x86asm.LZCNT:
			r = uint64(bits.LeadingZeros64(v) - (64 - width))
			m.fl.cf, m.fl.zf = v == 0, r == 0
		case x86asm.TZCNT:
			r = uint64(width)
			if v != 0 {
				r = uint64(bits.TrailingZeros64(v))
			}
			m.fl.cf, m.fl.zf = v == 0, r == 0
		default:
			r = uint64(bits.OnesCount64(v))
			m.fl = flags{zf: v == 0}
		}
		if err := m.write(args[0], size, r, next); err != nil {
			return err
		}

	case sets[op]:
		var v uint64
		if m.holds(conds[op]) {
			v = 1
		}
		if err := m.write(args[0], 1, v, next); err != nil {
			return err
		}
	case jumps[op]:
		if m.holds(conds[op]) {
			t, err := m.jump(inst, next)
			if err != nil {
				return err
			}
			next = t
		}
	case conds[op] != 0 || op == x86asm.CMOVO:
		v, err := m.read(inst, args[0], size, next)
		if err != nil {
			return err
		}
		if m.holds(conds[op]) {
			if v, err = m.read(inst, args[1], size, next); err != nil {
				return err
			}
		}
		if err := m.write(args[0], size, v, next); err != nil {
			return err
		}

	case op == x86asm.JMP:
		t, err := m.jump(inst, next)
		if err != nil {
			return err
		}
		next = t
	case op == x86asm.CALL:
		t, err := m.jump(inst, next)
		if err != nil {
			return err
		}
		if err := m.push(next); err != nil {
			return err
		}
		next = t
	case op == x86asm.RET:
		t, err := m.pop()
		if err != nil {
			return err
		}
		next = t

	case op == x86asm.UD2:
		return fault(m.rip, "ud2")
	case op == x86asm.XBEGIN:
		rel, ok := args[0].(x86asm.Rel)
		if !ok {
			return fault(m.rip, "xbegin without a relative target")
		}
		m.rip = next
		m.xbegin(next + uint64(int64(rel)))
		return nil
	case op == x86asm.XEND:
		if err := m.xend(); err != nil {
			return err
		}

	default:
		return fault(m.rip, "unsupported instruction %s", inst.Op)
	}
	m.rip = next
	return nil
}
