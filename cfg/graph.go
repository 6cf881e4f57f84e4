// Package cfg builds the per-function control-flow graph while code is
// emitted.
//
// The builder is a pass. It runs first, splits the emitted code into
// nodes at every structured control boundary and resolves the target of
// every machine-level branch. Other passes read the graph through
// pass.Lookup and never modify it.
package cfg

import (
	"fmt"

	"github.com/xlab/treeprint"

	"github.com/wippyai/enclave-jit/pass"
	"github.com/wippyai/enclave-jit/reloc"
)

// State records which boundary opened a node.
type State uint8

const (
	FunctionStart State = iota
	ControlStart
	ControlEnd
	ControlSplit
)

func (s State) String() string {
	switch s {
	case FunctionStart:
		return "function-start"
	case ControlStart:
		return "control-start"
	case ControlEnd:
		return "control-end"
	case ControlSplit:
		return "split"
	}
	return "unknown"
}

// TargetState is the resolution state of a branch target.
type TargetState uint8

const (
	None TargetState = iota
	Known
	IfUnknown
	ElseUnknown
	BrUnknown
)

func (s TargetState) String() string {
	switch s {
	case None:
		return "none"
	case Known:
		return "known"
	case IfUnknown:
		return "if-unknown"
	case ElseUnknown:
		return "else-unknown"
	case BrUnknown:
		return "br-unknown"
	}
	return "unknown"
}

// Target is one outgoing edge of a node. Node is meaningful only once
// the state is Known.
type Target struct {
	Node  int
	State TargetState
	// Depth is the wasm relative depth at the branch site.
	Depth uint32
	// Frame is the absolute body depth of the construct the branch
	// leaves through.
	Frame int
	// Fallthrough marks the implicit edge to the next node.
	Fallthrough bool
}

// Node is a contiguous span of code between two control boundaries.
// Targets index into Graph.Targets.
type Node struct {
	Targets []int
	ID      int
	Offset  int
	Size    int
	Depth   int
	Kind    pass.ControlKind
	State   State
}

// Graph is the node arena of one function. Nodes and targets are only
// ever addressed by index.
type Graph struct {
	Nodes   []Node
	Targets []Target
	Func    uint32
}

// Units returns one code unit per node, in node order.
func (g *Graph) Units() []reloc.Unit {
	units := make([]reloc.Unit, len(g.Nodes))
	for i, n := range g.Nodes {
		units[i] = reloc.Unit{Offset: n.Offset, Size: n.Size}
	}
	return units
}

// Unresolved returns the indexes of targets that are not Known.
func (g *Graph) Unresolved() []int {
	var out []int
	for i, t := range g.Targets {
		if t.State != Known {
			out = append(out, i)
		}
	}
	return out
}

// Edges returns the resolved successor node ids of node id.
func (g *Graph) Edges(id int) []int {
	n := g.Nodes[id]
	out := make([]int, 0, len(n.Targets))
	for _, ti := range n.Targets {
		if t := g.Targets[ti]; t.State == Known {
			out = append(out, t.Node)
		}
	}
	return out
}

// nearestStart returns the closest node at or before from that opened a
// construct with body depth frame.
func (g *Graph) nearestStart(from, frame int) (int, bool) {
	for i := from; i >= 0; i-- {
		n := g.Nodes[i]
		if n.State == ControlStart && n.Depth == frame {
			return i, true
		}
	}
	return 0, false
}

// matches reports whether node n is where an unresolved target lands.
func matches(t Target, n Node) bool {
	switch t.State {
	case IfUnknown:
		if n.State == ControlStart && n.Kind == pass.KindElse && n.Depth == t.Frame {
			return true
		}
		return n.State == ControlEnd && n.Kind == pass.KindIf && n.Depth == t.Frame-1
	case ElseUnknown, BrUnknown:
		return n.State == ControlEnd && n.Depth == t.Frame-1
	}
	return false
}

// Dump renders the graph as a tree of nodes and their edges.
func (g *Graph) Dump() string {
	tree := treeprint.NewWithRoot(fmt.Sprintf("func[%d] %d nodes", g.Func, len(g.Nodes)))
	for _, n := range g.Nodes {
		br := tree.AddBranch(fmt.Sprintf("node %d %s %s depth=%d [%#x,+%d)",
			n.ID, n.State, n.Kind, n.Depth, n.Offset, n.Size))
		for _, ti := range n.Targets {
			t := g.Targets[ti]
			label := "br"
			if t.Fallthrough {
				label = "fall"
			}
			if t.State == Known {
				br.AddNode(fmt.Sprintf("%s -> %d", label, t.Node))
			} else {
				br.AddNode(fmt.Sprintf("%s -> ? (%s frame=%d)", label, t.State, t.Frame))
			}
		}
	}
	return tree.String()
}
