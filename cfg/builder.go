package cfg

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/wippyai/enclave-jit/errors"
	"github.com/wippyai/enclave-jit/pass"
	"github.com/wippyai/enclave-jit/wasm"
)

// Name is the pass name dependents declare and look the builder up by.
const Name = "cfg"

// Boundary describes the node transition made during the current event.
type Boundary struct {
	Closed int
	Opened int
	// Fallthrough is the target index of the implicit edge from Closed
	// to Opened, or -1 when the closed node cannot fall through.
	Fallthrough int
}

// Builder is the CFG pass.
type Builder struct {
	pass.Base

	// SplitSize closes a node once it grows to this many bytes at an
	// instruction boundary without unresolved label references. Zero
	// disables splitting.
	SplitSize int

	g         *Graph
	pending   []int
	depth     int
	unsettled bool

	boundary    Boundary
	hasBoundary bool
	branch      int
}

// NewBuilder creates the CFG pass.
func NewBuilder(splitSize int) *Builder {
	return &Builder{SplitSize: splitSize, branch: -1}
}

func (b *Builder) Name() string { return Name }

// Graph returns the graph of the function being compiled.
func (b *Builder) Graph() *Graph { return b.g }

// Depth returns the nesting depth of the code being emitted.
func (b *Builder) Depth() int { return b.depth }

// Boundary reports the node transition made by the current event.
func (b *Builder) Boundary() (Boundary, bool) {
	return b.boundary, b.hasBoundary
}

// LastBranch returns the target index recorded for the branch of the
// current machine event.
func (b *Builder) LastBranch() (int, bool) {
	return b.branch, b.branch >= 0
}

// Target returns target ref.
func (b *Builder) Target(ref int) Target {
	return b.g.Targets[ref]
}

// Current returns the id of the node code is being emitted into.
func (b *Builder) Current() int {
	return len(b.g.Nodes) - 1
}

func (b *Builder) Initialize(ctx *pass.Context) error {
	ctx.SetState(Name, b)
	return nil
}

func (b *Builder) FunctionStart(ctx *pass.Context) error {
	b.reset()
	b.g = &Graph{Func: ctx.Func}
	b.g.Nodes = append(b.g.Nodes, Node{
		ID:     0,
		Offset: ctx.Buf.Len(),
		Depth:  1,
		Kind:   pass.KindFunction,
		State:  FunctionStart,
	})
	b.depth = 1
	b.pending = b.pending[:0]
	b.unsettled = false
	return nil
}

func (b *Builder) ControlStart(ctx *pass.Context, ev pass.ControlEvent) error {
	b.reset()
	b.open(ctx, ControlStart, ev.Kind, ev.Depth)
	b.depth = ev.Depth
	return nil
}

func (b *Builder) ControlEnd(ctx *pass.Context, ev pass.ControlEvent) error {
	b.reset()
	b.open(ctx, ControlEnd, ev.Kind, ev.Depth)
	b.depth = ev.Depth
	return nil
}

func (b *Builder) InstructionStart(ctx *pass.Context, _ *wasm.Instruction) error {
	b.reset()
	b.settle(ctx)
	return nil
}

func (b *Builder) InstructionEnd(ctx *pass.Context, _ *wasm.Instruction) error {
	b.reset()
	if b.SplitSize <= 0 || b.unsettled || ctx.Buf.PendingFixups() > 0 {
		return nil
	}
	cur := b.g.Nodes[b.Current()]
	if ctx.Buf.Len()-cur.Offset >= b.SplitSize {
		b.open(ctx, ControlSplit, cur.Kind, b.depth)
	}
	return nil
}

func (b *Builder) MachineStart(*pass.Context, pass.MachineEvent) error {
	b.reset()
	return nil
}

func (b *Builder) MachineEnd(ctx *pass.Context, ev pass.MachineEvent) error {
	b.reset()
	if !ev.Kind.IsBranch() {
		return nil
	}
	cur := b.Current()
	t := Target{Depth: ev.RelDepth}
	switch ev.Opcode {
	case wasm.OpIf:
		t.State, t.Frame = IfUnknown, b.depth+1
	case wasm.OpElse:
		t.State, t.Frame = ElseUnknown, b.depth
	default:
		frame := b.depth - int(ev.RelDepth)
		if frame < 2 {
			errors.Fatal(errors.Invariant(errors.PhaseCompile, ctx.Path(fmt.Sprintf("node[%d]", cur)),
				fmt.Sprintf("%s to depth %d leaves the function body", wasm.OpcodeName(ev.Opcode), ev.RelDepth)))
		}
		t.Frame = frame
		// Branches to a loop are backward edges to the loop header.
		if s, ok := b.g.nearestStart(cur, frame); ok && b.g.Nodes[s].Kind == pass.KindLoop {
			t.State, t.Node = Known, s
		} else {
			t.State = BrUnknown
		}
	}
	b.branch = b.addTarget(cur, t)
	if t.State != Known {
		b.pending = append(b.pending, b.branch)
	}
	return nil
}

func (b *Builder) FunctionEnd(ctx *pass.Context) error {
	b.reset()
	b.settle(ctx)
	last := &b.g.Nodes[b.Current()]
	last.Size = ctx.Buf.Len() - last.Offset

	if len(b.pending) > 0 {
		var desc []string
		for _, ti := range b.pending {
			t := b.g.Targets[ti]
			desc = append(desc, fmt.Sprintf("%s(frame=%d)", t.State, t.Frame))
		}
		errors.Fatal(errors.Unresolved(errors.PhaseCompile, ctx.Path(),
			"branch targets "+strings.Join(desc, ", ")))
	}

	err := ctx.Ledger.Bind(func(ref int) (int, error) {
		if ref < 0 || ref >= len(b.g.Targets) || b.g.Targets[ref].State != Known {
			return 0, errors.Unresolved(errors.PhaseCompile, ctx.Path(), fmt.Sprintf("ledger target ref %d", ref))
		}
		return b.g.Targets[ref].Node, nil
	})
	if err != nil {
		errors.Fatal(errors.Wrap(errors.PhaseCompile, errors.KindUnresolved, err, "binding ledger"))
	}

	ctx.Log.Debug("cfg built",
		zap.Uint32("func", ctx.Func),
		zap.Int("nodes", len(b.g.Nodes)),
		zap.Int("targets", len(b.g.Targets)))
	return nil
}

func (b *Builder) reset() {
	b.hasBoundary = false
	b.branch = -1
}

// settle fixes the offset of a freshly opened node and with it the size
// of its predecessor. Bytes emitted between a boundary and the next event
// belong to the closed node.
func (b *Builder) settle(ctx *pass.Context) {
	if !b.unsettled {
		return
	}
	cur := b.Current()
	pos := ctx.Buf.Len()
	b.g.Nodes[cur].Offset = pos
	b.g.Nodes[cur-1].Size = pos - b.g.Nodes[cur-1].Offset
	b.unsettled = false
}

// open closes the current node and starts a new one.
func (b *Builder) open(ctx *pass.Context, state State, kind pass.ControlKind, depth int) {
	b.settle(ctx)
	closed := b.Current()
	id := closed + 1

	ft := -1
	if !ctx.Buf.EndsWithJump() {
		ft = b.addTarget(closed, Target{State: Known, Node: id, Fallthrough: true})
	}
	b.g.Nodes = append(b.g.Nodes, Node{
		ID:     id,
		Offset: -1,
		Depth:  depth,
		Kind:   kind,
		State:  state,
	})
	b.unsettled = true
	b.patch(id)

	b.boundary = Boundary{Closed: closed, Opened: id, Fallthrough: ft}
	b.hasBoundary = true
}

// patch resolves every pending target that lands on node id.
func (b *Builder) patch(id int) {
	n := b.g.Nodes[id]
	kept := b.pending[:0]
	for _, ti := range b.pending {
		t := &b.g.Targets[ti]
		if matches(*t, n) {
			t.State = Known
			t.Node = id
			continue
		}
		kept = append(kept, ti)
	}
	b.pending = kept
}

func (b *Builder) addTarget(node int, t Target) int {
	b.g.Targets = append(b.g.Targets, t)
	ti := len(b.g.Targets) - 1
	b.g.Nodes[node].Targets = append(b.g.Nodes[node].Targets, ti)
	return ti
}
