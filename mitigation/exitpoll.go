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

const (
	// ExitPollName is the registered name of the exit-poll pass.
	ExitPollName = "exitpoll"
	// SymbolPoll is the helper entry point.
	SymbolPoll = "poll"

	// MarkerMagic is the value the exit marker holds while no forced
	// exit has been observed.
	MarkerMagic = 7
	// DefaultThreshold is the instruction budget between marker checks.
	DefaultThreshold = 1_000_000
)

// ExitPoll keeps a running count of executed machine instructions in
// r14d. Checks at loop headers, and every Interval wasm instructions,
// add the statically counted instructions of the code they guard and
// call the shared helper once the count passes Threshold. The helper
// compares the host-visible exit marker with MarkerMagic.
type ExitPoll struct {
	pass.Base

	Threshold uint32
	// Interval inserts a check after this many wasm instructions without
	// one. Zero checks at loop headers only.
	Interval int
	// AbortOnExit makes the helper trap on a changed marker instead of
	// re-arming it.
	AbortOnExit bool

	cfg      *cfg.Builder
	loopHead bool
	since    int
	// imm is the offset of the previous check's increment, patched with
	// the instruction count once the next check or the function end is
	// reached. -1 when there is none.
	imm       int
	immInsts  int
	instStart int
}

// NewExitPoll creates the exit-poll pass.
func NewExitPoll(threshold uint32, interval int, abort bool) *ExitPoll {
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	return &ExitPoll{Threshold: threshold, Interval: interval, AbortOnExit: abort, imm: -1}
}

func (p *ExitPoll) Name() string   { return ExitPollName }
func (p *ExitPoll) Deps() []string { return []string{cfg.Name} }

func (p *ExitPoll) Initialize(ctx *pass.Context) error {
	p.cfg = pass.Lookup[*cfg.Builder](ctx, cfg.Name)
	ctx.SetState(ExitPollName, p)
	return nil
}

func (p *ExitPoll) FunctionStart(ctx *pass.Context) error {
	p.loopHead = false
	p.since = 0
	p.imm = -1
	// the entry always gets a check
	p.check(ctx)
	return nil
}

func (p *ExitPoll) ControlStart(_ *pass.Context, ev pass.ControlEvent) error {
	if ev.Kind == pass.KindLoop {
		p.loopHead = true
	}
	return nil
}

func (p *ExitPoll) InstructionStart(ctx *pass.Context, _ *wasm.Instruction) error {
	if p.loopHead || (p.Interval > 0 && p.since >= p.Interval) {
		p.check(ctx)
	}
	p.since++
	return nil
}

func (p *ExitPoll) FunctionEnd(ctx *pass.Context) error {
	p.settle(ctx)
	return nil
}

// check emits
//
//	pushfq
//	add r14d, n
//	cmp r14d, threshold
//	jbe 1f
//	mov r15, poll
//	call r15
//	1: popfq
func (p *ExitPoll) check(ctx *pass.Context) {
	p.settle(ctx)
	b := ctx.Buf
	skip := b.NewLabel()

	b.Pushfq()
	b.AluImm(amd64.Add, amd64.R14, 1, false)
	p.imm = b.Len() - 4
	b.AluImm(amd64.Cmp, amd64.R14, int32(p.Threshold), false)
	b.Jcc(amd64.CondBE, skip)
	off := b.MovImm64(amd64.R15, 0)
	ctx.Ledger.Add(reloc.Entry{Kind: reloc.KindExitPoll, Offset: off})
	b.CallReg(amd64.R15)
	b.Bind(skip)
	b.Popfq()

	p.immInsts = b.Insts()
	p.loopHead = false
	p.since = 0
}

// settle patches the previous check's increment with the number of
// instructions emitted since it.
func (p *ExitPoll) settle(ctx *pass.Context) {
	if p.imm < 0 {
		return
	}
	n := ctx.Buf.Insts() - p.immInsts
	if n < 1 {
		n = 1
	}
	ctx.Buf.PutUint32(p.imm, uint32(n))
	p.imm = -1
}

// Helper builds the shared polling routine:
//
//	mov r15, marker
//	mov r14d, [r15]
//	cmp r14d, magic
//	je 1f            ; only with AbortOnExit
//	ud2              ; only with AbortOnExit
//	1: mov r14d, magic
//	mov [r15], r14d
//	xor r14d, r14d
//	ret
func (p *ExitPoll) Helper(ctx *pass.Context) (*pass.HelperBlock, error) {
	if ctx.Env.ExitMarker == 0 {
		return nil, errors.NotInitialized(errors.PhasePass, "exit marker")
	}
	b := amd64.NewBuffer()
	marker := amd64.Mem{Base: amd64.R15}

	b.MovImm64(amd64.R15, ctx.Env.ExitMarker)
	b.Load(amd64.R14, marker, false)
	if p.AbortOnExit {
		ok := b.NewLabel()
		b.AluImm(amd64.Cmp, amd64.R14, MarkerMagic, false)
		b.Jcc(amd64.CondE, ok)
		b.Ud2()
		b.Bind(ok)
	}
	b.MovImm32(amd64.R14, MarkerMagic)
	b.Store(marker, amd64.R14, false)
	b.Alu(amd64.Xor, amd64.R14, amd64.R14, false)
	b.Ret()

	return &pass.HelperBlock{Code: b.Bytes(), Symbols: map[string]int{SymbolPoll: 0}}, nil
}

// Validate checks that every helper call sits inside a pushfq/popfq
// bracket and that brackets are balanced within the unit.
func (p *ExitPoll) Validate(_ *pass.Context, pl pass.Placement) error {
	lines, err := amd64.Disassemble(pl.Code, pl.Addr)
	if err != nil {
		return err
	}
	open := 0
	for _, l := range lines {
		switch l.Inst.Op {
		case x86asm.PUSHFQ:
			open++
		case x86asm.POPFQ:
			open--
			if open < 0 {
				return fmt.Errorf("popfq at %#x without pushfq", l.Addr)
			}
		case x86asm.CALL:
			if reg, ok := l.Inst.Args[0].(x86asm.Reg); ok && reg == x86asm.R15 && open == 0 {
				return fmt.Errorf("poll call at %#x outside a flags bracket", l.Addr)
			}
		}
	}
	if open != 0 {
		return fmt.Errorf("unit at %#x leaves %d flags brackets open", pl.Addr, open)
	}
	return nil
}
