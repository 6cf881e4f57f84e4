package mitigation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/enclave-jit/amd64"
	"github.com/wippyai/enclave-jit/errors"
	"github.com/wippyai/enclave-jit/pass"
	"github.com/wippyai/enclave-jit/reloc"
	"github.com/wippyai/enclave-jit/wasm"
)

func TestScatterIfElse(t *testing.T) {
	d := newDriver(t, false, NewScatter(true))
	g := d.ifElse()
	code := d.buf().Bytes()

	require.Len(t, g.Nodes, 4)
	require.Empty(t, d.buf().PendingFixups())

	jumps := entriesOf(d.ctx.Ledger, reloc.KindJump)
	require.Len(t, jumps, 2)
	// conditional jump to the else node
	assert.Equal(t, 2, jumps[0].Target)
	assert.Equal(t, []byte{0x0F, 0x84}, code[jumps[0].Offset-2:jumps[0].Offset])
	// unconditional jump to the end node
	assert.Equal(t, 3, jumps[1].Target)
	assert.Equal(t, byte(0xE9), code[jumps[1].Offset-1])

	units := entriesOf(d.ctx.Ledger, reloc.KindUnitJump)
	require.Len(t, units, 2)
	assert.Equal(t, 1, units[0].Target)
	assert.Equal(t, 3, units[1].Target)

	s := NewScatter(true)
	for i := range g.Nodes {
		err := s.Validate(d.ctx, pass.Placement{Code: nodeCode(g, code, i), Addr: 0x4000, Unit: i})
		assert.NoError(t, err, "node %d", i)
	}
}

func TestScatterPromotesShortJump(t *testing.T) {
	d := newDriver(t, false, NewScatter(true))
	buf := d.buf()

	d.inst(wasm.OpBlock, func() { d.control(true, pass.KindBlock, 2) })
	d.inst(wasm.OpBr, func() {
		buf.Raw(0xEB, 0x00)
		d.machine(false, pass.Branch, wasm.OpBr, 0)
	})
	tail := buf.Tail()
	require.Len(t, tail, 5)
	assert.Equal(t, byte(0xE9), tail[0])
	assert.True(t, buf.EndsWithJump())
}

func TestScatterUnrecognizedTail(t *testing.T) {
	setup := func(strict bool) *driver {
		d := newDriver(t, false, NewScatter(strict))
		d.inst(wasm.OpBlock, func() { d.control(true, pass.KindBlock, 2) })
		return d
	}

	d := setup(true)
	var err error
	func() {
		defer errors.Recover(&err)
		d.buf().JmpReg(amd64.RAX)
		d.machine(false, pass.Branch, wasm.OpBr, 0)
	}()
	assert.ErrorIs(t, err, &errors.Error{Phase: errors.PhasePass, Kind: errors.KindUnrecognizedPattern})

	d = setup(false)
	d.buf().JmpReg(amd64.RAX)
	d.machine(false, pass.Branch, wasm.OpBr, 0)
	assert.Equal(t, []byte{0xFF, 0xE0}, d.buf().Tail())
	assert.Empty(t, entriesOf(d.ctx.Ledger, reloc.KindJump))
}

func TestScatterValidateRejectsOpenUnit(t *testing.T) {
	s := NewScatter(true)
	err := s.Validate(nil, pass.Placement{Code: []byte{0x50, 0x58}, Addr: 0x1000})
	assert.Error(t, err)
}
