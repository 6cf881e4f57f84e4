package mitigation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"

	"github.com/wippyai/enclave-jit/amd64"
	"github.com/wippyai/enclave-jit/pass"
	"github.com/wippyai/enclave-jit/wasm"
)

var lfence = []byte{0x0F, 0xAE, 0xE8}

func TestLfenceIfElse(t *testing.T) {
	l := NewLfence()
	d := newDriver(t, false, l)
	g := d.ifElse()
	code := d.buf().Bytes()

	require.Len(t, g.Nodes, 4)
	fences := l.Fences(0)
	require.Len(t, fences, 4, "one behind the if branch and one per control node")

	for i := 1; i < len(g.Nodes); i++ {
		assert.Equal(t, lfence, nodeCode(g, code, i)[:amd64.LfenceLen], "node %d", i)
	}

	lines, err := amd64.Disassemble(nodeCode(g, code, 0), 0)
	require.NoError(t, err)
	var after []x86asm.Op
	for i := 1; i < len(lines); i++ {
		if lines[i].Inst.Op == x86asm.LFENCE {
			after = append(after, lines[i-1].Inst.Op)
		}
	}
	assert.Equal(t, []x86asm.Op{x86asm.JE}, after)

	for i, n := range g.Nodes {
		err := l.Validate(d.ctx, pass.Placement{Code: nodeCode(g, code, i), Addr: 0x4000, Func: 0, Unit: i, Offset: n.Offset})
		assert.NoError(t, err, "node %d", i)
	}
}

func TestLfenceWithScatter(t *testing.T) {
	s, l := NewScatter(true), NewLfence()
	d := newDriver(t, false, s, l)
	g := d.ifElse()
	code := d.buf().Bytes()

	for i, n := range g.Nodes {
		pl := pass.Placement{Code: nodeCode(g, code, i), Addr: 0x4000, Unit: i, Offset: n.Offset}
		assert.NoError(t, s.Validate(d.ctx, pl), "node %d", i)
		assert.NoError(t, l.Validate(d.ctx, pl), "node %d", i)
	}

	// the fence follows the rewritten rel32 branch
	first := l.Fences(0)[0]
	assert.Equal(t, []byte{0x0F, 0x84}, code[first-6:first-4])
}

func TestLfenceSkipsSplitNodes(t *testing.T) {
	l := NewLfence()
	d := newDriver(t, false, l)
	d.cfg.SplitSize = 4
	buf := d.buf()

	for i := 0; i < 4; i++ {
		d.inst(wasm.OpI32Const, func() { buf.MovImm32(amd64.RAX, 1); buf.Push(amd64.RAX) })
	}
	require.NoError(t, d.m.FunctionEnd(d.ctx))
	assert.Greater(t, len(d.cfg.Graph().Nodes), 1)
	assert.Empty(t, l.Fences(0))
}

func TestLfenceValidateDetectsMissingFence(t *testing.T) {
	l := NewLfence()
	d := newDriver(t, false, l)
	g := d.ifElse()
	code := append([]byte(nil), d.buf().Bytes()...)

	n := g.Nodes[2]
	copy(code[n.Offset:], []byte{0x90, 0x90, 0x90})
	err := l.Validate(d.ctx, pass.Placement{Code: nodeCode(g, code, 2), Addr: 0x4000, Unit: 2, Offset: n.Offset})
	assert.ErrorContains(t, err, "fence at 0x4000 is missing")
}

func TestLfenceFencesResetPerFunction(t *testing.T) {
	l := NewLfence()
	d := newDriver(t, false, l)
	d.ifElse()
	require.NotEmpty(t, l.Fences(0))

	d.ctx.BeginFunction(0, &wasm.FuncType{}, false)
	require.NoError(t, d.m.FunctionStart(d.ctx))
	assert.Empty(t, l.Fences(0))
}
