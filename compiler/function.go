package compiler

import (
	stderrors "errors"

	"github.com/wippyai/enclave-jit/amd64"
	"github.com/wippyai/enclave-jit/errors"
	"github.com/wippyai/enclave-jit/pass"
	"github.com/wippyai/enclave-jit/reloc"
	"github.com/wippyai/enclave-jit/wasm"
)

// frame is one open control construct. The function body is frames[0].
type frame struct {
	kind  pass.ControlKind
	label amd64.Label
	// elseL is the start of the else arm of an if.
	elseL amd64.Label
	// height is the operand stack height at entry.
	height    int
	arity     int
	reachable bool
	hasElse   bool
}

// branchArity is the number of values a branch to this frame carries.
func (fr *frame) branchArity() int {
	if fr.kind == pass.KindLoop {
		return 0
	}
	return fr.arity
}

type funcCompiler struct {
	c   *Compiler
	ctx *pass.Context
	buf *amd64.Buffer
	ft  *wasm.FuncType

	locals  []wasm.ValType
	params  int
	nlocals int

	frames []frame
	height int
	dead   bool
	tables uint32
	idx    uint32
}

func newFuncCompiler(c *Compiler, idx uint32, ft *wasm.FuncType, body *wasm.FuncBody) *funcCompiler {
	f := &funcCompiler{
		c:      c,
		ctx:    c.ctx,
		buf:    c.ctx.Buf,
		ft:     ft,
		params: len(ft.Params),
		idx:    idx,
	}
	f.locals = append(f.locals, ft.Params...)
	for _, l := range body.Locals {
		for j := uint32(0); j < l.Count; j++ {
			f.locals = append(f.locals, l.ValType)
		}
	}
	f.nlocals = len(f.locals) - f.params
	return f
}

// fatal aborts compilation of the current function.
func (f *funcCompiler) fatal(kind errors.Kind, format string, args ...any) {
	errors.Fatal(errors.New(errors.PhaseCompile, kind).
		Path(errors.FuncPath(f.idx)).
		Detail(format, args...).
		Build())
}

// event turns a hook failure into a fatal compile error.
func (f *funcCompiler) event(err error) {
	if err == nil {
		return
	}
	var e *errors.Error
	if stderrors.As(err, &e) {
		errors.Fatal(e)
	}
	errors.Fatal(errors.Wrap(errors.PhasePass, errors.KindInvariant, err, "pass hook failed"))
}

func (f *funcCompiler) control(start bool, kind pass.ControlKind) {
	ev := pass.ControlEvent{Kind: kind, Depth: len(f.frames)}
	if start {
		f.event(f.c.mgr.ControlStart(f.ctx, ev))
	} else {
		f.event(f.c.mgr.ControlEnd(f.ctx, ev))
	}
}

func (f *funcCompiler) machineStart(kind pass.MachineKind, op byte) {
	f.event(f.c.mgr.MachineStart(f.ctx, pass.MachineEvent{Kind: kind, Opcode: op}))
}

func (f *funcCompiler) machineEnd(kind pass.MachineKind, op byte, rel uint32) {
	f.event(f.c.mgr.MachineEnd(f.ctx, pass.MachineEvent{Kind: kind, Opcode: op, RelDepth: rel}))
}

func (f *funcCompiler) push(r amd64.Reg) {
	f.buf.Push(r)
	f.height++
}

func (f *funcCompiler) pop(r amd64.Reg) {
	if f.height <= f.frames[len(f.frames)-1].height {
		f.fatal(errors.KindInvalidData, "operand stack underflow")
	}
	f.buf.Pop(r)
	f.height--
}

// slot addresses local i.
func (f *funcCompiler) slot(i uint32) amd64.Mem {
	if int(i) >= len(f.locals) {
		f.fatal(errors.KindOutOfBounds, "local %d out of %d", i, len(f.locals))
	}
	if int(i) < f.params {
		return amd64.RBPSlot(int32(16 + 8*(f.params-1-int(i))))
	}
	return amd64.RBPSlot(int32(-8 * (int(i) - f.params + 1)))
}

// stackTop addresses the operand slot below height values.
func (f *funcCompiler) stackTop(height int) amd64.Mem {
	return amd64.RBPSlot(int32(-8 * (f.nlocals + height)))
}

// prologue emits
//
//	push rbp
//	mov rbp, rsp
//	xor eax, eax     ; with declared locals
//	push rax         ; once per declared local
func (f *funcCompiler) prologue() {
	f.buf.Push(amd64.RBP)
	f.buf.Mov(amd64.RBP, amd64.RSP)
	if f.nlocals > 0 {
		f.buf.Alu(amd64.Xor, amd64.RAX, amd64.RAX, false)
		for i := 0; i < f.nlocals; i++ {
			f.buf.Push(amd64.RAX)
		}
	}
	f.frames = append(f.frames, frame{
		kind:      pass.KindFunction,
		label:     f.buf.NewLabel(),
		arity:     len(f.ft.Results),
		reachable: true,
	})
}

// epilogue emits the return sequence bracketed by its machine events.
func (f *funcCompiler) epilogue(op byte) {
	f.machineStart(pass.Return, op)
	f.buf.Mov(amd64.RSP, amd64.RBP)
	f.buf.Pop(amd64.RBP)
	f.buf.Ret()
	f.machineEnd(pass.Return, op, 0)
}

// returnFrom leaves the function from any height; the result, if any,
// is on top of the operand stack.
func (f *funcCompiler) returnFrom(op byte) {
	if len(f.ft.Results) > 0 {
		f.buf.Pop(amd64.RAX)
	}
	f.epilogue(op)
}

func (f *funcCompiler) run(instrs []wasm.Instruction) {
	for i := range instrs {
		if len(f.frames) == 0 {
			f.fatal(errors.KindInvalidData, "instructions after the final end")
		}
		in := &instrs[i]
		if f.dead && !in.IsControl() {
			continue
		}
		f.event(f.c.mgr.InstructionStart(f.ctx, in))
		f.emit(in)
		f.event(f.c.mgr.InstructionEnd(f.ctx, in))
	}
	if len(f.frames) != 0 {
		f.fatal(errors.KindInvalidData, "missing end")
	}
}

func (f *funcCompiler) emit(in *wasm.Instruction) {
	switch op := in.Opcode; op {
	case wasm.OpUnreachable:
		f.buf.Ud2()
		f.dead = true
	case wasm.OpNop:
	case wasm.OpBlock, wasm.OpLoop:
		f.block(op, in.Imm.(wasm.BlockImm))
	case wasm.OpIf:
		f.ifOp(in.Imm.(wasm.BlockImm))
	case wasm.OpElse:
		f.elseOp()
	case wasm.OpEnd:
		f.end()
	case wasm.OpBr:
		f.br(in.Imm.(wasm.BranchImm).LabelIdx)
	case wasm.OpBrIf:
		f.brIf(in.Imm.(wasm.BranchImm).LabelIdx)
	case wasm.OpBrTable:
		f.brTable(in.Imm.(wasm.BrTableImm))
	case wasm.OpReturn:
		f.returnFrom(op)
		f.dead = true
	case wasm.OpCall:
		f.call(in.Imm.(wasm.CallImm).FuncIdx)
	case wasm.OpCallIndirect:
		f.callIndirect(in.Imm.(wasm.CallIndirectImm))
	default:
		f.op(in)
	}
}

func (f *funcCompiler) blockArity(imm wasm.BlockImm) int {
	switch imm.Type {
	case -64:
		return 0
	case -1, -2:
		return 1
	}
	if imm.Type < 0 {
		f.fatal(errors.KindUnsupported, "block type %d", imm.Type)
	}
	if int(imm.Type) >= len(f.c.mod.Types) {
		f.fatal(errors.KindOutOfBounds, "block type index %d out of %d", imm.Type, len(f.c.mod.Types))
	}
	ft := f.c.mod.Types[imm.Type]
	if len(ft.Params) > 0 {
		f.fatal(errors.KindUnsupported, "block parameters")
	}
	return len(ft.Results)
}

func (f *funcCompiler) block(op byte, imm wasm.BlockImm) {
	kind := pass.KindBlock
	if op == wasm.OpLoop {
		kind = pass.KindLoop
	}
	f.frames = append(f.frames, frame{
		kind:      kind,
		label:     f.buf.NewLabel(),
		height:    f.height,
		arity:     f.blockArity(imm),
		reachable: !f.dead,
	})
	f.control(true, kind)
	if kind == pass.KindLoop {
		f.buf.Bind(f.frames[len(f.frames)-1].label)
	}
}

// ifOp emits
//
//	pop rax
//	test eax, eax
//	jz else
func (f *funcCompiler) ifOp(imm wasm.BlockImm) {
	arity := f.blockArity(imm)
	if !f.dead {
		f.pop(amd64.RAX)
	}
	fr := frame{
		kind:      pass.KindIf,
		label:     f.buf.NewLabel(),
		elseL:     f.buf.NewLabel(),
		height:    f.height,
		arity:     arity,
		reachable: !f.dead,
	}
	if !f.dead {
		f.buf.Test(amd64.RAX, amd64.RAX, false)
		f.buf.Jcc(amd64.CondE, fr.elseL)
		f.machineEnd(pass.CondBranch, wasm.OpIf, 0)
	}
	f.frames = append(f.frames, fr)
	f.control(true, pass.KindIf)
}

func (f *funcCompiler) elseOp() {
	fr := &f.frames[len(f.frames)-1]
	if fr.kind != pass.KindIf || fr.hasElse {
		f.fatal(errors.KindInvalidData, "else without if")
	}
	if !f.dead {
		f.checkHeight(fr)
		f.buf.Jmp(fr.label)
		f.machineEnd(pass.Branch, wasm.OpElse, 0)
	}
	fr.hasElse = true
	f.control(true, pass.KindElse)
	f.buf.Bind(fr.elseL)
	f.height = fr.height
	f.dead = !fr.reachable
}

func (f *funcCompiler) checkHeight(fr *frame) {
	if want := fr.height + fr.arity; f.height != want {
		f.fatal(errors.KindInvalidData, "operand stack height %d at end of %s, want %d", f.height, fr.kind, want)
	}
}

func (f *funcCompiler) end() {
	fr := f.frames[len(f.frames)-1]
	if !f.dead {
		f.checkHeight(&fr)
	}
	if len(f.frames) == 1 {
		// The final end always carries an epilogue so the function never
		// runs off its last unit.
		if !f.dead && fr.arity > 0 {
			f.pop(amd64.RAX)
		}
		f.epilogue(wasm.OpEnd)
		f.frames = f.frames[:0]
		return
	}
	if fr.kind == pass.KindIf && !fr.hasElse {
		// An if without else still gets an (empty) else arm so both arms
		// have a node.
		f.control(true, pass.KindElse)
		f.buf.Bind(fr.elseL)
	}
	f.frames = f.frames[:len(f.frames)-1]
	f.control(false, fr.kind)
	if fr.kind != pass.KindLoop {
		f.buf.Bind(fr.label)
	}
	f.height = fr.height + fr.arity
	f.dead = !fr.reachable
}

func (f *funcCompiler) target(rel uint32) *frame {
	if int(rel) >= len(f.frames) {
		f.fatal(errors.KindOutOfBounds, "branch depth %d out of %d", rel, len(f.frames))
	}
	return &f.frames[len(f.frames)-1-int(rel)]
}

// adjust drops the operands between a branch target's entry height and
// the values it carries. The static height is unchanged; the caller
// decides what follows.
//
//	pop rax                        ; when a value is carried
//	lea rsp, [rbp-8(locals+h)]
//	push rax
func (f *funcCompiler) adjust(t *frame) {
	arity := t.branchArity()
	if f.height == t.height+arity {
		return
	}
	if f.height < t.height+arity {
		f.fatal(errors.KindInvalidData, "branch carries %d values from height %d", arity, f.height)
	}
	if arity > 0 {
		f.buf.Pop(amd64.RAX)
	}
	f.buf.Lea(amd64.RSP, f.stackTop(t.height))
	if arity > 0 {
		f.buf.Push(amd64.RAX)
	}
}

func (f *funcCompiler) br(rel uint32) {
	t := f.target(rel)
	if t.kind == pass.KindFunction {
		f.returnFrom(wasm.OpBr)
	} else {
		f.adjust(t)
		f.buf.Jmp(t.label)
		f.machineEnd(pass.Branch, wasm.OpBr, rel)
	}
	f.dead = true
}

// brIf emits jnz to the target when the operand stack already has the
// target's shape, and a guarded adjust and jmp otherwise.
func (f *funcCompiler) brIf(rel uint32) {
	f.pop(amd64.RAX)
	f.buf.Test(amd64.RAX, amd64.RAX, false)
	t := f.target(rel)

	if t.kind != pass.KindFunction && f.height == t.height+t.branchArity() {
		f.buf.Jcc(amd64.CondNE, t.label)
		f.machineEnd(pass.CondBranch, wasm.OpBrIf, rel)
		return
	}

	skip := f.buf.NewLabel()
	f.buf.Jcc(amd64.CondE, skip)
	if t.kind == pass.KindFunction {
		f.returnFrom(wasm.OpBrIf)
	} else {
		f.adjust(t)
		f.buf.Jmp(t.label)
		f.machineEnd(pass.Branch, wasm.OpBrIf, rel)
	}
	f.buf.Bind(skip)
}

// brTable lowers to a binary search over the clamped index. Every
// internal node is a cmp and jae whose target pairs with a marker in
// front of the right subtree; every leaf jumps to the case block of its
// depth. Case blocks are shared by all indices with the same depth.
func (f *funcCompiler) brTable(imm wasm.BrTableImm) {
	f.pop(amd64.RAX)
	n := uint32(len(imm.Labels))
	table := f.tables
	f.tables++

	depthOf := func(i uint32) uint32 {
		if i == n {
			return imm.Default
		}
		return imm.Labels[i]
	}
	first := make(map[uint32]uint32)
	var order []uint32
	for i := uint32(0); i <= n; i++ {
		d := depthOf(i)
		f.target(d)
		if _, ok := first[d]; !ok {
			first[d] = i
			order = append(order, d)
		}
	}

	// mov ecx, n ; cmp eax, ecx ; cmova rax, rcx
	f.buf.MovImm32(amd64.RCX, n)
	f.buf.Alu(amd64.Cmp, amd64.RAX, amd64.RCX, false)
	f.buf.Cmov(amd64.CondA, amd64.RAX, amd64.RCX)
	f.dispatch(table, 0, n+1, depthOf, first)

	for _, d := range order {
		f.ctx.Ledger.Add(reloc.Entry{
			Kind:   reloc.KindBrCaseTarget,
			Offset: f.buf.Len(),
			Depth:  d,
			Key:    reloc.BrCaseKey(table, first[d], d),
		})
		t := f.target(d)
		if t.kind == pass.KindFunction {
			f.returnFrom(wasm.OpBrTable)
			continue
		}
		f.adjust(t)
		f.buf.Jmp(t.label)
		f.machineEnd(pass.Branch, wasm.OpBrTable, d)
	}
	f.dead = true
}

func (f *funcCompiler) dispatch(table, lo, hi uint32, depthOf func(uint32) uint32, first map[uint32]uint32) {
	if hi-lo == 1 {
		d := depthOf(lo)
		off := f.buf.JmpRel(0)
		f.ctx.Ledger.Add(reloc.Entry{
			Kind:   reloc.KindBrCaseJump,
			Offset: off,
			Depth:  d,
			Key:    reloc.BrCaseKey(table, first[d], d),
		})
		return
	}
	mid := lo + (hi-lo)/2
	key := reloc.BrTableKey(table, mid, hi)
	f.buf.AluImm(amd64.Cmp, amd64.RAX, int32(mid), false)
	off := f.buf.JccRel(amd64.CondAE, 0)
	f.ctx.Ledger.Add(reloc.Entry{Kind: reloc.KindBrTableJump, Offset: off, Key: key})
	f.dispatch(table, lo, mid, depthOf, first)
	f.ctx.Ledger.Add(reloc.Entry{Kind: reloc.KindBrTableTarget, Offset: f.buf.Len(), Key: key})
	f.dispatch(table, mid, hi, depthOf, first)
}

// call emits
//
//	mov rax, target
//	call rax
//	add rsp, 8*params
//	push rax          ; with a result
func (f *funcCompiler) call(idx uint32) {
	ft := f.c.mod.GetFuncType(idx)
	if ft == nil {
		f.fatal(errors.KindOutOfBounds, "call to unknown function %d", idx)
	}
	kind, rk := pass.Call, reloc.KindCall
	if int(idx) < f.c.mod.NumImportedFuncs() {
		kind, rk = pass.CallHost, reloc.KindHostCall
	}
	f.machineStart(kind, wasm.OpCall)
	off := f.buf.MovImm64(amd64.RAX, 0)
	f.ctx.Ledger.Add(reloc.Entry{Kind: rk, Offset: off, Target: int(idx)})
	f.buf.CallReg(amd64.RAX)
	f.machineEnd(kind, wasm.OpCall, 0)
	f.afterCall(ft)
}

func (f *funcCompiler) afterCall(ft *wasm.FuncType) {
	n := len(ft.Params)
	if f.height-n < f.frames[len(f.frames)-1].height {
		f.fatal(errors.KindInvalidData, "call takes %d arguments from height %d", n, f.height)
	}
	if n > 0 {
		f.buf.AluImm(amd64.Add, amd64.RSP, int32(8*n), true)
	}
	f.height -= n
	if len(ft.Results) > 0 {
		f.push(amd64.RAX)
	}
}

// callIndirect checks the index against the table size and the entry's
// canonical signature before calling through the refs array.
//
//	pop rax
//	mov eax, eax
//	mov rdx, size ; mov edx, [rdx] ; cmp eax, edx ; jb 1f ; ud2
//	1: mov rdx, sigs ; mov rdx, [rdx+rax*8] ; cmp rdx, sig ; je 2f ; ud2
//	2: mov rdx, refs ; mov rax, [rdx+rax*8] ; call rax
func (f *funcCompiler) callIndirect(imm wasm.CallIndirectImm) {
	if int(imm.TableIdx) >= len(f.c.mod.Tables) {
		f.fatal(errors.KindOutOfBounds, "call_indirect through missing table %d", imm.TableIdx)
	}
	if int(imm.TypeIdx) >= len(f.c.mod.Types) {
		f.fatal(errors.KindOutOfBounds, "call_indirect type %d out of %d", imm.TypeIdx, len(f.c.mod.Types))
	}
	ft := &f.c.mod.Types[imm.TypeIdx]
	sig := f.c.mod.CanonicalTypeIdx(imm.TypeIdx)

	f.pop(amd64.RAX)
	f.buf.Mov32(amd64.RAX, amd64.RAX)

	f.objectAddr(reloc.KindTableSize, 0)
	f.buf.Load(amd64.RDX, amd64.Mem{Base: amd64.RDX}, false)
	f.buf.Alu(amd64.Cmp, amd64.RAX, amd64.RDX, false)
	f.trapUnless(amd64.CondB)

	f.objectAddr(reloc.KindTableSigs, 0)
	f.buf.Load(amd64.RDX, amd64.Mem{Base: amd64.RDX, Index: amd64.RAX, Scale: 8}, true)
	f.buf.AluImm(amd64.Cmp, amd64.RDX, int32(sig), true)
	f.trapUnless(amd64.CondE)

	f.objectAddr(reloc.KindTableRefs, 0)
	f.buf.Load(amd64.RAX, amd64.Mem{Base: amd64.RDX, Index: amd64.RAX, Scale: 8}, true)
	f.machineStart(pass.CallIndirect, wasm.OpCallIndirect)
	f.buf.CallReg(amd64.RAX)
	f.machineEnd(pass.CallIndirect, wasm.OpCallIndirect, 0)
	f.afterCall(ft)
}

// objectAddr loads the address of a runtime object into rdx.
func (f *funcCompiler) objectAddr(k reloc.Kind, target int) {
	off := f.buf.MovImm64(amd64.RDX, 0)
	f.ctx.Ledger.Add(reloc.Entry{Kind: k, Offset: off, Target: target})
}

// trapUnless emits jcc over a ud2.
func (f *funcCompiler) trapUnless(c amd64.Cond) {
	ok := f.buf.NewLabel()
	f.buf.Jcc(c, ok)
	f.buf.Ud2()
	f.buf.Bind(ok)
}
