package mitigation

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/wippyai/enclave-jit/amd64"
	"github.com/wippyai/enclave-jit/cfg"
	"github.com/wippyai/enclave-jit/errors"
	"github.com/wippyai/enclave-jit/pass"
	"github.com/wippyai/enclave-jit/reloc"
	"github.com/wippyai/enclave-jit/wasm"
)

// SpringboardName is the registered name of the springboard pass.
const SpringboardName = "springboard"

// Springboard helper symbols.
const (
	SymbolBegin = "begin"
	SymbolNext  = "next"
	SymbolEnd   = "end"
)

// Springboard wraps every block in a hardware transaction. Each block
// transition loads its destination into r15 and jumps to the shared
// trampoline, which commits the running transaction and opens the next
// one. A forced exit aborts the open transaction and execution restarts
// at the start of the block.
//
// r13 carries rax across the trampoline since an abort clobbers eax.
type Springboard struct {
	pass.Base
	rw  rewriter
	cfg *cfg.Builder
}

// NewSpringboard creates the springboard pass.
func NewSpringboard(strict bool) *Springboard {
	return &Springboard{rw: rewriter{name: SpringboardName, strict: strict}}
}

func (s *Springboard) Name() string   { return SpringboardName }
func (s *Springboard) Deps() []string { return []string{cfg.Name} }

func (s *Springboard) Initialize(ctx *pass.Context) error {
	s.cfg = pass.Lookup[*cfg.Builder](ctx, cfg.Name)
	ctx.SetState(SpringboardName, s)
	return nil
}

// FunctionStart opens the first transaction of a host-callable function.
func (s *Springboard) FunctionStart(ctx *pass.Context) error {
	if ctx.Exported {
		s.enter(ctx)
	}
	return nil
}

func (s *Springboard) MachineStart(ctx *pass.Context, ev pass.MachineEvent) error {
	switch {
	case ev.Kind == pass.Return && ctx.Exported:
		s.leave(ctx)
	case ev.Kind == pass.CallHost:
		s.leave(ctx)
	}
	return nil
}

func (s *Springboard) MachineEnd(ctx *pass.Context, ev pass.MachineEvent) error {
	switch {
	case ev.Kind == pass.CallHost:
		s.enter(ctx)
	case ev.Kind.IsBranch():
		ref, ok := s.cfg.LastBranch()
		if !ok {
			errors.Fatal(errors.Invariant(errors.PhasePass, ctx.Path(SpringboardName), "branch without a CFG target"))
		}
		br, ok := s.rw.branch(ctx)
		if !ok {
			return nil
		}
		cut(ctx, br.Offset)
		s.transition(ctx, br, reloc.Entry{Kind: reloc.KindLea, Target: ref, Depth: ev.RelDepth, Pending: true})
	}
	return nil
}

func (s *Springboard) ControlStart(ctx *pass.Context, _ pass.ControlEvent) error {
	s.closeFallthrough(ctx)
	return nil
}

func (s *Springboard) ControlEnd(ctx *pass.Context, _ pass.ControlEvent) error {
	s.closeFallthrough(ctx)
	return nil
}

func (s *Springboard) InstructionEnd(ctx *pass.Context, _ *wasm.Instruction) error {
	s.closeFallthrough(ctx)
	return nil
}

// closeFallthrough routes an explicit unit jump appended at a node boundary
// through the trampoline. Implicit fallthroughs stay inside the running
// transaction.
func (s *Springboard) closeFallthrough(ctx *pass.Context) {
	bd, ok := s.cfg.Boundary()
	if !ok || bd.Fallthrough < 0 {
		return
	}
	br, ok := ctx.Buf.TailBranch()
	if !ok || !br.Unconditional() || br.Form == amd64.FormJmpReg {
		return
	}
	e, ok := tailEntry(ctx, br)
	if !ok || e.Kind != reloc.KindUnitJump {
		return
	}
	cut(ctx, br.Offset)
	s.transition(ctx, br, reloc.Entry{Kind: reloc.KindLea, Target: e.Target})
}

// transition emits lea r15,[rip+target] followed by br's form aimed at
// the trampoline's next entry.
func (s *Springboard) transition(ctx *pass.Context, br amd64.Branch, lea reloc.Entry) {
	lea.Offset = ctx.Buf.LeaRIP(amd64.R15, 0)
	ctx.Ledger.Add(lea)
	emitBranch(ctx, br, reloc.Entry{Kind: reloc.KindSpringboardNext})
}

// enter opens a transaction and continues right after the sequence.
func (s *Springboard) enter(ctx *pass.Context) {
	ctx.Buf.Mov(amd64.R13, amd64.RAX)
	ctx.Buf.LeaRIP(amd64.R15, 5)
	off := ctx.Buf.JmpRel(0)
	ctx.Ledger.Add(reloc.Entry{Kind: reloc.KindSpringboardBegin, Offset: off})
}

// leave commits the running transaction and continues right after the
// sequence.
func (s *Springboard) leave(ctx *pass.Context) {
	ctx.Buf.LeaRIP(amd64.R15, 5)
	off := ctx.Buf.JmpRel(0)
	ctx.Ledger.Add(reloc.Entry{Kind: reloc.KindSpringboardEnd, Offset: off})
}

// Helper builds the shared trampoline:
//
//	next:  mov r13, rax
//	       xend
//	begin: xbegin begin
//	       mov rax, r13
//	       jmp r15
//	end:   xend
//	       jmp r15
func (s *Springboard) Helper(*pass.Context) (*pass.HelperBlock, error) {
	b := amd64.NewBuffer()
	syms := make(map[string]int, 3)

	syms[SymbolNext] = b.Len()
	b.Mov(amd64.R13, amd64.RAX)
	b.Xend()

	begin := b.NewLabel()
	b.Bind(begin)
	syms[SymbolBegin] = b.Len()
	b.Xbegin(begin)
	b.Mov(amd64.RAX, amd64.R13)
	b.JmpReg(amd64.R15)

	syms[SymbolEnd] = b.Len()
	b.Xend()
	b.JmpReg(amd64.R15)

	return &pass.HelperBlock{Code: b.Bytes(), Symbols: syms}, nil
}

// Validate checks that every jump into the trampoline has its
// destination loaded into r15 by the instruction before it.
func (s *Springboard) Validate(ctx *pass.Context, pl pass.Placement) error {
	if ctx.Symbols == nil {
		return errors.NotInitialized(errors.PhaseValidate, "springboard symbols")
	}
	sb := ctx.Symbols.Springboard
	lines, err := amd64.Disassemble(pl.Code, pl.Addr)
	if err != nil {
		return err
	}
	for i, l := range lines {
		target, ok := l.RelTarget()
		if !ok || (target != sb.Begin && target != sb.Next && target != sb.End) {
			continue
		}
		if i == 0 || !loadsR15(lines[i-1].Inst) {
			return fmt.Errorf("jump at %#x enters the springboard without loading r15", l.Addr)
		}
	}
	return nil
}

func loadsR15(in x86asm.Inst) bool {
	if in.Op != x86asm.LEA {
		return false
	}
	reg, ok := in.Args[0].(x86asm.Reg)
	return ok && reg == x86asm.R15
}
