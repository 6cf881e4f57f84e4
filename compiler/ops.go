package compiler

import (
	"math"

	"github.com/wippyai/enclave-jit/amd64"
	"github.com/wippyai/enclave-jit/errors"
	"github.com/wippyai/enclave-jit/reloc"
	"github.com/wippyai/enclave-jit/wasm"
)

var compares = map[byte]amd64.Cond{
	wasm.OpI32Eq: amd64.CondE, wasm.OpI32Ne: amd64.CondNE,
	wasm.OpI32LtS: amd64.CondL, wasm.OpI32LtU: amd64.CondB,
	wasm.OpI32GtS: amd64.CondG, wasm.OpI32GtU: amd64.CondA,
	wasm.OpI32LeS: amd64.CondLE, wasm.OpI32LeU: amd64.CondBE,
	wasm.OpI32GeS: amd64.CondGE, wasm.OpI32GeU: amd64.CondAE,

	wasm.OpI64Eq: amd64.CondE, wasm.OpI64Ne: amd64.CondNE,
	wasm.OpI64LtS: amd64.CondL, wasm.OpI64LtU: amd64.CondB,
	wasm.OpI64GtS: amd64.CondG, wasm.OpI64GtU: amd64.CondA,
	wasm.OpI64LeS: amd64.CondLE, wasm.OpI64LeU: amd64.CondBE,
	wasm.OpI64GeS: amd64.CondGE, wasm.OpI64GeU: amd64.CondAE,
}

var alus = map[byte]amd64.AluOp{
	wasm.OpI32Add: amd64.Add, wasm.OpI32Sub: amd64.Sub,
	wasm.OpI32And: amd64.And, wasm.OpI32Or: amd64.Or, wasm.OpI32Xor: amd64.Xor,
	wasm.OpI64Add: amd64.Add, wasm.OpI64Sub: amd64.Sub,
	wasm.OpI64And: amd64.And, wasm.OpI64Or: amd64.Or, wasm.OpI64Xor: amd64.Xor,
}

var shifts = map[byte]amd64.ShiftOp{
	wasm.OpI32Shl: amd64.Shl, wasm.OpI32ShrS: amd64.Sar, wasm.OpI32ShrU: amd64.Shr,
	wasm.OpI32Rotl: amd64.Rol, wasm.OpI32Rotr: amd64.Ror,
	wasm.OpI64Shl: amd64.Shl, wasm.OpI64ShrS: amd64.Sar, wasm.OpI64ShrU: amd64.Shr,
	wasm.OpI64Rotl: amd64.Rol, wasm.OpI64Rotr: amd64.Ror,
}

var bitOps = map[byte]amd64.BitOp{
	wasm.OpI32Clz: amd64.Lzcnt, wasm.OpI32Ctz: amd64.Tzcnt, wasm.OpI32Popcnt: amd64.Popcnt,
	wasm.OpI64Clz: amd64.Lzcnt, wasm.OpI64Ctz: amd64.Tzcnt, wasm.OpI64Popcnt: amd64.Popcnt,
}

type access struct {
	size   int
	signed bool
	wide   bool
	store  bool
}

var accesses = map[byte]access{
	wasm.OpI32Load:    {size: 4},
	wasm.OpI64Load:    {size: 8, wide: true},
	wasm.OpI32Load8S:  {size: 1, signed: true},
	wasm.OpI32Load8U:  {size: 1},
	wasm.OpI32Load16S: {size: 2, signed: true},
	wasm.OpI32Load16U: {size: 2},
	wasm.OpI64Load8S:  {size: 1, signed: true, wide: true},
	wasm.OpI64Load8U:  {size: 1, wide: true},
	wasm.OpI64Load16S: {size: 2, signed: true, wide: true},
	wasm.OpI64Load16U: {size: 2, wide: true},
	wasm.OpI64Load32S: {size: 4, signed: true, wide: true},
	wasm.OpI64Load32U: {size: 4, wide: true},
	wasm.OpI32Store:   {size: 4, store: true},
	wasm.OpI64Store:   {size: 8, wide: true, store: true},
	wasm.OpI32Store8:  {size: 1, store: true},
	wasm.OpI32Store16: {size: 2, store: true},
	wasm.OpI64Store8:  {size: 1, wide: true, store: true},
	wasm.OpI64Store16: {size: 2, wide: true, store: true},
	wasm.OpI64Store32: {size: 4, wide: true, store: true},
}

// wide64 reports whether an i64-typed numeric opcode operates on 64 bits.
func wide64(op byte) bool {
	switch {
	case op >= wasm.OpI64Eqz && op <= wasm.OpI64GeU:
		return true
	case op >= wasm.OpI64Clz && op <= wasm.OpI64Rotr:
		return true
	}
	return false
}

func (f *funcCompiler) op(in *wasm.Instruction) {
	op := in.Opcode
	b := f.buf
	wide := wide64(op)

	if cc, ok := compares[op]; ok {
		f.pop(amd64.RCX)
		f.pop(amd64.RAX)
		b.Alu(amd64.Cmp, amd64.RAX, amd64.RCX, wide)
		f.setcc(cc)
		return
	}
	if alu, ok := alus[op]; ok {
		f.pop(amd64.RCX)
		f.pop(amd64.RAX)
		b.Alu(alu, amd64.RAX, amd64.RCX, wide)
		f.push(amd64.RAX)
		return
	}
	if sh, ok := shifts[op]; ok {
		f.pop(amd64.RCX)
		f.pop(amd64.RAX)
		b.Shift(sh, amd64.RAX, wide)
		f.push(amd64.RAX)
		return
	}
	if bo, ok := bitOps[op]; ok {
		f.pop(amd64.RAX)
		b.BitCount(bo, amd64.RAX, amd64.RAX, wide)
		f.push(amd64.RAX)
		return
	}
	if a, ok := accesses[op]; ok {
		imm := in.Imm.(wasm.MemoryImm)
		if a.store {
			f.store(imm, a)
		} else {
			f.load(imm, a)
		}
		return
	}

	switch op {
	case wasm.OpDrop:
		f.pop(amd64.RCX)
	case wasm.OpSelect:
		// pop cond, val2, val1 ; test edx, edx ; cmove rax, rcx
		f.pop(amd64.RDX)
		f.pop(amd64.RCX)
		f.pop(amd64.RAX)
		b.Test(amd64.RDX, amd64.RDX, false)
		b.Cmov(amd64.CondE, amd64.RAX, amd64.RCX)
		f.push(amd64.RAX)

	case wasm.OpLocalGet:
		b.Load(amd64.RAX, f.slot(in.Imm.(wasm.LocalImm).LocalIdx), true)
		f.push(amd64.RAX)
	case wasm.OpLocalSet:
		s := f.slot(in.Imm.(wasm.LocalImm).LocalIdx)
		f.pop(amd64.RAX)
		b.Store(s, amd64.RAX, true)
	case wasm.OpLocalTee:
		s := f.slot(in.Imm.(wasm.LocalImm).LocalIdx)
		if f.height <= f.frames[len(f.frames)-1].height {
			f.fatal(errors.KindInvalidData, "operand stack underflow")
		}
		b.Load(amd64.RAX, amd64.Mem{Base: amd64.RSP}, true)
		b.Store(s, amd64.RAX, true)
	case wasm.OpGlobalGet:
		idx, w := f.global(in.Imm.(wasm.GlobalImm).GlobalIdx)
		f.objectAddr(reloc.KindGlobal, int(idx))
		b.Load(amd64.RAX, amd64.Mem{Base: amd64.RDX}, w)
		f.push(amd64.RAX)
	case wasm.OpGlobalSet:
		idx, w := f.global(in.Imm.(wasm.GlobalImm).GlobalIdx)
		f.pop(amd64.RAX)
		f.objectAddr(reloc.KindGlobal, int(idx))
		b.Store(amd64.Mem{Base: amd64.RDX}, amd64.RAX, w)

	case wasm.OpMemorySize:
		f.requireMemory()
		b.MovImm32(amd64.RAX, f.c.mod.Memories[0].Limits.Min)
		f.push(amd64.RAX)
	case wasm.OpMemoryGrow:
		// Memory is fixed at its minimum size; growing always fails.
		f.requireMemory()
		f.pop(amd64.RAX)
		b.MovImm32(amd64.RAX, math.MaxUint32)
		f.push(amd64.RAX)

	case wasm.OpI32Const:
		b.MovImm32(amd64.RAX, uint32(in.Imm.(wasm.I32Imm).Value))
		f.push(amd64.RAX)
	case wasm.OpI64Const:
		v := in.Imm.(wasm.I64Imm).Value
		if v >= 0 && v <= math.MaxUint32 {
			b.MovImm32(amd64.RAX, uint32(v))
		} else {
			b.MovImm64(amd64.RAX, uint64(v))
		}
		f.push(amd64.RAX)

	case wasm.OpI32Eqz, wasm.OpI64Eqz:
		f.pop(amd64.RAX)
		b.Test(amd64.RAX, amd64.RAX, op == wasm.OpI64Eqz)
		f.setcc(amd64.CondE)
	case wasm.OpI32Mul, wasm.OpI64Mul:
		f.pop(amd64.RCX)
		f.pop(amd64.RAX)
		b.Imul(amd64.RAX, amd64.RCX, wide)
		f.push(amd64.RAX)
	case wasm.OpI32DivS, wasm.OpI64DivS:
		f.divide(true, false, wide)
	case wasm.OpI32DivU, wasm.OpI64DivU:
		f.divide(false, false, wide)
	case wasm.OpI32RemS, wasm.OpI64RemS:
		f.divide(true, true, wide)
	case wasm.OpI32RemU, wasm.OpI64RemU:
		f.divide(false, true, wide)

	case wasm.OpI32WrapI64, wasm.OpI64ExtendI32U:
		f.pop(amd64.RAX)
		b.Mov32(amd64.RAX, amd64.RAX)
		f.push(amd64.RAX)
	case wasm.OpI64ExtendI32S, wasm.OpI64Extend32S:
		f.extend(4, true)
	case wasm.OpI32Extend8S:
		f.extend(1, false)
	case wasm.OpI32Extend16S:
		f.extend(2, false)
	case wasm.OpI64Extend8S:
		f.extend(1, true)
	case wasm.OpI64Extend16S:
		f.extend(2, true)

	default:
		errors.Fatal(errors.New(errors.PhaseCompile, errors.KindUnsupported).
			Path(errors.FuncPath(f.idx)).
			Value(wasm.OpcodeName(op)).
			Detail("instruction").
			Build())
	}
}

// setcc materializes the flags as a 0/1 operand.
func (f *funcCompiler) setcc(c amd64.Cond) {
	f.buf.Setcc(c, amd64.RAX)
	f.buf.Movzx8(amd64.RAX, amd64.RAX)
	f.push(amd64.RAX)
}

func (f *funcCompiler) extend(size int, wide bool) {
	f.pop(amd64.RAX)
	f.buf.Extend(amd64.RAX, size, wide)
	f.push(amd64.RAX)
}

// divide lowers div and rem. Division by zero traps; signed overflow
// traps for div and yields 0 for rem.
func (f *funcCompiler) divide(signed, rem, wide bool) {
	b := f.buf
	f.pop(amd64.RCX)
	f.pop(amd64.RAX)
	b.Test(amd64.RCX, amd64.RCX, wide)
	f.trapUnless(amd64.CondNE)

	done := b.NewLabel()
	if signed {
		do := b.NewLabel()
		b.AluImm(amd64.Cmp, amd64.RCX, -1, wide)
		b.Jcc(amd64.CondNE, do)
		if rem {
			b.Alu(amd64.Xor, amd64.RDX, amd64.RDX, false)
			b.Jmp(done)
		} else {
			if wide {
				b.MovImm64(amd64.RDX, 1<<63)
				b.Alu(amd64.Cmp, amd64.RAX, amd64.RDX, true)
			} else {
				b.AluImm(amd64.Cmp, amd64.RAX, math.MinInt32, false)
			}
			f.trapUnless(amd64.CondNE)
		}
		b.Bind(do)
		b.SignExtendAcc(wide)
		b.Div(amd64.RCX, true, wide)
	} else {
		b.Alu(amd64.Xor, amd64.RDX, amd64.RDX, false)
		b.Div(amd64.RCX, false, wide)
	}
	b.Bind(done)
	if rem {
		b.Mov(amd64.RAX, amd64.RDX)
	}
	f.push(amd64.RAX)
}

func (f *funcCompiler) requireMemory() {
	if len(f.c.mod.Memories) == 0 {
		f.fatal(errors.KindInvalidData, "memory access without a memory")
	}
}

func (f *funcCompiler) global(idx uint32) (uint32, bool) {
	if int(idx) >= len(f.c.mod.Globals) {
		f.fatal(errors.KindOutOfBounds, "global %d out of %d", idx, len(f.c.mod.Globals))
	}
	return idx, f.c.mod.Globals[idx].Type.ValType == wasm.ValI64
}

// address bounds-checks the address in rax for an access of size bytes
// and returns the operand that reaches it. Memory never grows, so the
// limit is a constant.
//
//	mov eax, eax
//	cmp rax, size-offset-n ; jbe 1f ; ud2
//	1: mov rdx, memory
func (f *funcCompiler) address(imm wasm.MemoryImm, size int) amd64.Mem {
	f.requireMemory()
	b := f.buf
	b.Mov32(amd64.RAX, amd64.RAX)
	limit := int64(f.c.mod.Memories[0].Limits.Min)*wasm.PageSize - int64(imm.Offset) - int64(size)
	if limit < 0 || imm.Offset > math.MaxInt32 {
		// Every execution is out of bounds.
		b.Ud2()
		return amd64.Mem{Base: amd64.RDX, Index: amd64.RAX, Scale: 1}
	}
	b.AluImm(amd64.Cmp, amd64.RAX, int32(limit), true)
	f.trapUnless(amd64.CondBE)
	f.objectAddr(reloc.KindMemory, 0)
	return amd64.Mem{Base: amd64.RDX, Index: amd64.RAX, Scale: 1, Disp: int32(imm.Offset)}
}

func (f *funcCompiler) load(imm wasm.MemoryImm, a access) {
	f.pop(amd64.RAX)
	m := f.address(imm, a.size)
	switch {
	case a.size == 8:
		f.buf.Load(amd64.RAX, m, true)
	case a.size == 4 && !a.wide:
		f.buf.Load(amd64.RAX, m, false)
	default:
		f.buf.LoadExt(amd64.RAX, m, a.size, a.signed, a.wide)
	}
	f.push(amd64.RAX)
}

func (f *funcCompiler) store(imm wasm.MemoryImm, a access) {
	f.pop(amd64.RCX)
	f.pop(amd64.RAX)
	m := f.address(imm, a.size)
	switch a.size {
	case 1:
		f.buf.Store8(m, amd64.RCX)
	case 2:
		f.buf.Store16(m, amd64.RCX)
	case 4:
		f.buf.Store(m, amd64.RCX, false)
	default:
		f.buf.Store(m, amd64.RCX, true)
	}
}
