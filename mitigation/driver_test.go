package mitigation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wippyai/enclave-jit/amd64"
	"github.com/wippyai/enclave-jit/cfg"
	"github.com/wippyai/enclave-jit/pass"
	"github.com/wippyai/enclave-jit/reloc"
	"github.com/wippyai/enclave-jit/wasm"
)

// driver replays compiler events against a pass list.
type driver struct {
	t   *testing.T
	ctx *pass.Context
	m   *pass.Manager
	cfg *cfg.Builder
}

func newDriver(t *testing.T, exported bool, passes ...pass.Pass) *driver {
	b := cfg.NewBuilder(0)
	m, err := pass.New(append([]pass.Pass{b}, passes...)...)
	require.NoError(t, err)
	ctx := pass.NewContext(&wasm.Module{}, nil)
	ctx.Env.ExitMarker = 0x1000
	require.NoError(t, m.Initialize(ctx))
	ctx.BeginFunction(0, &wasm.FuncType{}, exported)
	require.NoError(t, m.FunctionStart(ctx))
	return &driver{t: t, ctx: ctx, m: m, cfg: b}
}

func (d *driver) buf() *amd64.Buffer { return d.ctx.Buf }

func (d *driver) inst(op byte, emit func()) {
	in := &wasm.Instruction{Opcode: op}
	require.NoError(d.t, d.m.InstructionStart(d.ctx, in))
	if emit != nil {
		emit()
	}
	require.NoError(d.t, d.m.InstructionEnd(d.ctx, in))
}

func (d *driver) control(start bool, kind pass.ControlKind, depth int) {
	ev := pass.ControlEvent{Kind: kind, Depth: depth}
	if start {
		require.NoError(d.t, d.m.ControlStart(d.ctx, ev))
	} else {
		require.NoError(d.t, d.m.ControlEnd(d.ctx, ev))
	}
}

func (d *driver) machine(start bool, kind pass.MachineKind, op byte, rel uint32) {
	ev := pass.MachineEvent{Kind: kind, Opcode: op, RelDepth: rel}
	if start {
		require.NoError(d.t, d.m.MachineStart(d.ctx, ev))
	} else {
		require.NoError(d.t, d.m.MachineEnd(d.ctx, ev))
	}
}

// ifElse emits (if (local.get 0) (then 1) (else 2)) and the epilogue.
func (d *driver) ifElse() *cfg.Graph {
	buf := d.buf()
	elseL, endL := buf.NewLabel(), buf.NewLabel()

	d.inst(wasm.OpLocalGet, func() { buf.Push(amd64.RAX) })
	d.inst(wasm.OpIf, func() {
		buf.Pop(amd64.RAX)
		buf.Test(amd64.RAX, amd64.RAX, false)
		buf.Jcc(amd64.CondE, elseL)
		d.machine(false, pass.CondBranch, wasm.OpIf, 0)
		d.control(true, pass.KindIf, 2)
	})
	d.inst(wasm.OpI32Const, func() { buf.MovImm32(amd64.RAX, 1); buf.Push(amd64.RAX) })
	d.inst(wasm.OpElse, func() {
		buf.Jmp(endL)
		d.machine(false, pass.Branch, wasm.OpElse, 0)
		d.control(true, pass.KindElse, 2)
		buf.Bind(elseL)
	})
	d.inst(wasm.OpI32Const, func() { buf.MovImm32(amd64.RAX, 2); buf.Push(amd64.RAX) })
	d.inst(wasm.OpEnd, func() {
		d.control(false, pass.KindIf, 1)
		buf.Bind(endL)
	})
	d.inst(wasm.OpEnd, func() {
		buf.Pop(amd64.RAX)
		d.machine(true, pass.Return, wasm.OpEnd, 0)
		buf.Ret()
		d.machine(false, pass.Return, wasm.OpEnd, 0)
	})
	require.NoError(d.t, d.m.FunctionEnd(d.ctx))
	return d.cfg.Graph()
}

func entriesOf(l *reloc.Ledger, k reloc.Kind) []reloc.Entry {
	var out []reloc.Entry
	for _, e := range l.Entries {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

func nodeCode(g *cfg.Graph, code []byte, id int) []byte {
	n := g.Nodes[id]
	return code[n.Offset : n.Offset+n.Size]
}
