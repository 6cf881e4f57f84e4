package amd64

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

func TestLabelsForwardAndBackward(t *testing.T) {
	b := NewBuffer()
	top := b.NewLabel()
	end := b.NewLabel()

	b.Bind(top)
	b.Jcc(CondE, end)
	require.Equal(t, 1, b.PendingFixups())
	b.Jmp(top)
	assert.True(t, b.EndsWithJump())
	b.Bind(end)
	assert.False(t, b.EndsWithJump())
	assert.Zero(t, b.PendingFixups())

	lines, err := Disassemble(b.Bytes(), 0x1000)
	require.NoError(t, err)
	require.Len(t, lines, 2)

	target, ok := lines[0].RelTarget()
	require.True(t, ok)
	assert.Equal(t, uint64(0x1000+11), target)

	target, ok = lines[1].RelTarget()
	require.True(t, ok)
	assert.Equal(t, uint64(0x1000), target)
}

func TestTruncateDropsFixupsAndInstructions(t *testing.T) {
	b := NewBuffer()
	l := b.NewLabel()
	b.Push(RAX)
	b.Jmp(l)
	require.Equal(t, 2, b.Insts())

	b.Truncate(1)
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, 1, b.Insts())
	assert.Zero(t, b.PendingFixups())
	assert.False(t, b.EndsWithJump())
}

func TestTailBranch(t *testing.T) {
	b := NewBuffer()
	l := b.NewLabel()
	b.Push(RAX)
	b.Jcc(CondNE, l)

	br, ok := b.TailBranch()
	require.True(t, ok)
	assert.Equal(t, FormJcc32, br.Form)
	assert.Equal(t, CondNE, br.Cond)
	assert.Equal(t, 1, br.Offset)
	assert.False(t, br.Unconditional())
	assert.Equal(t, []byte{0x50}, b.PrecedingInst(br.Offset))

	b.Raw(0xEB, 0x10)
	br, ok = b.TailBranch()
	require.True(t, ok)
	assert.Equal(t, FormJmp8, br.Form)
	assert.Equal(t, br.Offset+2+0x10, br.Target())

	b.JmpReg(R15)
	br, ok = b.TailBranch()
	require.True(t, ok)
	assert.Equal(t, FormJmpReg, br.Form)

	b.Ret()
	_, ok = b.TailBranch()
	assert.False(t, ok)
}

func TestEncodingsDecode(t *testing.T) {
	tests := []struct {
		name string
		emit func(b *Buffer)
		op   x86asm.Op
		args []x86asm.Arg
	}{
		{"push r13", func(b *Buffer) { b.Push(R13) }, x86asm.PUSH, []x86asm.Arg{x86asm.R13}},
		{"pop rdx", func(b *Buffer) { b.Pop(RDX) }, x86asm.POP, []x86asm.Arg{x86asm.RDX}},
		{"mov rbp, rsp", func(b *Buffer) { b.Mov(RBP, RSP) }, x86asm.MOV, []x86asm.Arg{x86asm.RBP, x86asm.RSP}},
		{"mov r13, rax", func(b *Buffer) { b.Mov(R13, RAX) }, x86asm.MOV, []x86asm.Arg{x86asm.R13, x86asm.RAX}},
		{"mov eax, eax", func(b *Buffer) { b.Mov32(RAX, RAX) }, x86asm.MOV, []x86asm.Arg{x86asm.EAX, x86asm.EAX}},
		{"mov eax, imm", func(b *Buffer) { b.MovImm32(RAX, 7) }, x86asm.MOV, []x86asm.Arg{x86asm.EAX, x86asm.Imm(7)}},
		{"mov r14d, imm", func(b *Buffer) { b.MovImm32(R14, 7) }, x86asm.MOV, []x86asm.Arg{x86asm.R14L, x86asm.Imm(7)}},
		{"mov rcx, imm64", func(b *Buffer) { b.MovImm64(RCX, 1<<40) }, x86asm.MOV, []x86asm.Arg{x86asm.RCX, x86asm.Imm(1 << 40)}},
		{"load local", func(b *Buffer) { b.Load(RAX, RBPSlot(-16), true) }, x86asm.MOV,
			[]x86asm.Arg{x86asm.RAX, x86asm.Mem{Base: x86asm.RBP, Disp: -16}}},
		{"load param", func(b *Buffer) { b.Load(RAX, RBPSlot(16), true) }, x86asm.MOV,
			[]x86asm.Arg{x86asm.RAX, x86asm.Mem{Base: x86asm.RBP, Disp: 16}}},
		{"load indexed", func(b *Buffer) { b.Load(RCX, Mem{Base: RCX, Index: RAX, Scale: 8}, true) }, x86asm.MOV,
			[]x86asm.Arg{x86asm.RCX, x86asm.Mem{Base: x86asm.RCX, Index: x86asm.RAX, Scale: 8}}},
		{"store byte", func(b *Buffer) { b.Store8(Mem{Base: RCX, Index: RAX, Scale: 1}, RDX) }, x86asm.MOV,
			[]x86asm.Arg{x86asm.Mem{Base: x86asm.RCX, Index: x86asm.RAX, Scale: 1}, x86asm.DL}},
		{"store word", func(b *Buffer) { b.Store16(Mem{Base: RCX, Index: RAX, Scale: 1}, RDX) }, x86asm.MOV,
			[]x86asm.Arg{x86asm.Mem{Base: x86asm.RCX, Index: x86asm.RAX, Scale: 1}, x86asm.DX}},
		{"store r14d", func(b *Buffer) { b.Store(Mem{Base: R15}, R14, false) }, x86asm.MOV,
			[]x86asm.Arg{x86asm.Mem{Base: x86asm.R15}, x86asm.R14L}},
		{"movzx byte", func(b *Buffer) { b.LoadExt(RAX, Mem{Base: RCX, Index: RAX, Scale: 1}, 1, false, false) }, x86asm.MOVZX,
			[]x86asm.Arg{x86asm.EAX, x86asm.Mem{Base: x86asm.RCX, Index: x86asm.RAX, Scale: 1}}},
		{"movsxd mem", func(b *Buffer) { b.LoadExt(RAX, Mem{Base: RCX, Index: RAX, Scale: 1}, 4, true, true) }, x86asm.MOVSXD,
			[]x86asm.Arg{x86asm.RAX, x86asm.Mem{Base: x86asm.RCX, Index: x86asm.RAX, Scale: 1}}},
		{"add", func(b *Buffer) { b.Alu(Add, RAX, RCX, false) }, x86asm.ADD, []x86asm.Arg{x86asm.EAX, x86asm.ECX}},
		{"cmp imm", func(b *Buffer) { b.AluImm(Cmp, R14, 1000, false) }, x86asm.CMP, []x86asm.Arg{x86asm.R14L, x86asm.Imm(1000)}},
		{"sub rsp", func(b *Buffer) { b.AluImm(Sub, RSP, 32, true) }, x86asm.SUB, []x86asm.Arg{x86asm.RSP, x86asm.Imm(32)}},
		{"test", func(b *Buffer) { b.Test(RAX, RAX, false) }, x86asm.TEST, []x86asm.Arg{x86asm.EAX, x86asm.EAX}},
		{"imul", func(b *Buffer) { b.Imul(RAX, RCX, true) }, x86asm.IMUL, []x86asm.Arg{x86asm.RAX, x86asm.RCX}},
		{"shl", func(b *Buffer) { b.Shift(Shl, RAX, false) }, x86asm.SHL, []x86asm.Arg{x86asm.EAX, x86asm.CL}},
		{"idiv", func(b *Buffer) { b.Div(RCX, true, true) }, x86asm.IDIV, []x86asm.Arg{x86asm.RCX}},
		{"cqo", func(b *Buffer) { b.SignExtendAcc(true) }, x86asm.CQO, nil},
		{"cdq", func(b *Buffer) { b.SignExtendAcc(false) }, x86asm.CDQ, nil},
		{"setl", func(b *Buffer) { b.Setcc(CondL, RAX) }, x86asm.SETL, []x86asm.Arg{x86asm.AL}},
		{"movzx", func(b *Buffer) { b.Movzx8(RAX, RAX) }, x86asm.MOVZX, []x86asm.Arg{x86asm.EAX, x86asm.AL}},
		{"cmovne", func(b *Buffer) { b.Cmov(CondNE, RAX, RDX) }, x86asm.CMOVNE, []x86asm.Arg{x86asm.RAX, x86asm.RDX}},
		{"movsxd", func(b *Buffer) { b.Extend(RAX, 4, true) }, x86asm.MOVSXD, []x86asm.Arg{x86asm.RAX, x86asm.EAX}},
		{"lea rsp", func(b *Buffer) { b.Lea(RSP, RBPSlot(-24)) }, x86asm.LEA,
			[]x86asm.Arg{x86asm.RSP, x86asm.Mem{Base: x86asm.RBP, Disp: -24}}},
		{"lea rip", func(b *Buffer) { b.LeaRIP(R15, 5) }, x86asm.LEA,
			[]x86asm.Arg{x86asm.R15, x86asm.Mem{Base: x86asm.RIP, Disp: 5}}},
		{"call r15", func(b *Buffer) { b.CallReg(R15) }, x86asm.CALL, []x86asm.Arg{x86asm.R15}},
		{"jmp r15", func(b *Buffer) { b.JmpReg(R15) }, x86asm.JMP, []x86asm.Arg{x86asm.R15}},
		{"pushfq", func(b *Buffer) { b.Pushfq() }, x86asm.PUSHFQ, nil},
		{"popfq", func(b *Buffer) { b.Popfq() }, x86asm.POPFQ, nil},
		{"xend", func(b *Buffer) { b.Xend() }, x86asm.XEND, nil},
		{"lfence", func(b *Buffer) { b.Lfence() }, x86asm.LFENCE, nil},
		{"ud2", func(b *Buffer) { b.Ud2() }, x86asm.UD2, nil},
		{"ret", func(b *Buffer) { b.Ret() }, x86asm.RET, nil},
		{"popcnt", func(b *Buffer) { b.BitCount(Popcnt, RAX, RCX, true) }, x86asm.POPCNT, []x86asm.Arg{x86asm.RAX, x86asm.RCX}},
		{"lzcnt", func(b *Buffer) { b.BitCount(Lzcnt, RAX, RCX, false) }, x86asm.LZCNT, []x86asm.Arg{x86asm.EAX, x86asm.ECX}},
		{"tzcnt", func(b *Buffer) { b.BitCount(Tzcnt, RAX, RAX, false) }, x86asm.TZCNT, []x86asm.Arg{x86asm.EAX, x86asm.EAX}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuffer()
			tt.emit(b)
			inst, err := Decode(b.Bytes())
			require.NoError(t, err)
			assert.Equal(t, tt.op, inst.Op)
			assert.Equal(t, b.Len(), inst.Len)
			for i, want := range tt.args {
				got := inst.Args[i]
				if m, ok := got.(x86asm.Mem); ok {
					m.Disp = int64(int32(m.Disp))
					got = m
				}
				assert.Equal(t, want, got, "arg %d", i)
			}
		})
	}
}

func TestXbeginFallback(t *testing.T) {
	b := NewBuffer()
	l := b.NewLabel()
	b.Bind(l)
	b.Xbegin(l)

	inst, err := Decode(b.Bytes())
	require.NoError(t, err)
	assert.Equal(t, x86asm.XBEGIN, inst.Op)
	assert.Equal(t, x86asm.Rel(-6), inst.Args[0])
}

func TestEndsWithJumpTerminators(t *testing.T) {
	b := NewBuffer()
	b.Ret()
	assert.True(t, b.EndsWithJump())
	b.Push(RAX)
	assert.False(t, b.EndsWithJump())
	b.Ud2()
	assert.True(t, b.EndsWithJump())
	l := b.NewLabel()
	b.Jcc(CondE, l)
	assert.False(t, b.EndsWithJump())
}
