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

// ScatterName is the registered name of the scatter pass.
const ScatterName = "scatter"

// Scatter makes every CFG node a self-contained code unit. Branches are
// redirected through ledger jumps to their target node, and a node that
// falls through gets an explicit jump to its successor.
type Scatter struct {
	pass.Base
	rw  rewriter
	cfg *cfg.Builder
}

// NewScatter creates the scatter pass.
func NewScatter(strict bool) *Scatter {
	return &Scatter{rw: rewriter{name: ScatterName, strict: strict}}
}

func (s *Scatter) Name() string   { return ScatterName }
func (s *Scatter) Deps() []string { return []string{cfg.Name} }

func (s *Scatter) Initialize(ctx *pass.Context) error {
	s.cfg = pass.Lookup[*cfg.Builder](ctx, cfg.Name)
	ctx.SetState(ScatterName, s)
	return nil
}

func (s *Scatter) MachineEnd(ctx *pass.Context, ev pass.MachineEvent) error {
	if !ev.Kind.IsBranch() {
		return nil
	}
	ref, ok := s.cfg.LastBranch()
	if !ok {
		errors.Fatal(errors.Invariant(errors.PhasePass, ctx.Path(ScatterName), "branch without a CFG target"))
	}
	br, ok := s.rw.branch(ctx)
	if !ok {
		return nil
	}
	cut(ctx, br.Offset)
	emitBranch(ctx, br, reloc.Entry{Kind: reloc.KindJump, Target: ref, Depth: ev.RelDepth, Pending: true})
	return nil
}

func (s *Scatter) ControlStart(ctx *pass.Context, _ pass.ControlEvent) error {
	s.closeFallthrough(ctx)
	return nil
}

func (s *Scatter) ControlEnd(ctx *pass.Context, _ pass.ControlEvent) error {
	s.closeFallthrough(ctx)
	return nil
}

func (s *Scatter) InstructionEnd(ctx *pass.Context, _ *wasm.Instruction) error {
	s.closeFallthrough(ctx)
	return nil
}

// closeFallthrough closes a node that can fall into its successor with an
// explicit unit jump.
func (s *Scatter) closeFallthrough(ctx *pass.Context) {
	bd, ok := s.cfg.Boundary()
	if !ok || bd.Fallthrough < 0 {
		return
	}
	off := ctx.Buf.JmpRel(0)
	ctx.Ledger.Add(reloc.Entry{Kind: reloc.KindUnitJump, Offset: off, Target: bd.Opened})
}

// Validate checks that a placed unit cannot run off its end.
func (s *Scatter) Validate(_ *pass.Context, pl pass.Placement) error {
	lines, err := amd64.Disassemble(pl.Code, pl.Addr)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return fmt.Errorf("unit at %#x is empty", pl.Addr)
	}
	switch last := lines[len(lines)-1].Inst; last.Op {
	case x86asm.JMP, x86asm.RET, x86asm.UD2:
		return nil
	default:
		return fmt.Errorf("unit at %#x ends in %s", pl.Addr, last.Op)
	}
}
