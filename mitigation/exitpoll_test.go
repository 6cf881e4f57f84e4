package mitigation

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/enclave-jit/amd64"
	"github.com/wippyai/enclave-jit/pass"
	"github.com/wippyai/enclave-jit/reloc"
	"github.com/wippyai/enclave-jit/wasm"
)

func TestExitPollHelper(t *testing.T) {
	ctx := pass.NewContext(&wasm.Module{}, nil)
	ctx.Env.ExitMarker = 0x1122334455667788

	hb, err := NewExitPoll(0, 0, true).Helper(ctx)
	require.NoError(t, err)

	want := []byte{0x49, 0xBF}
	want = binary.LittleEndian.AppendUint64(want, 0x1122334455667788)
	want = append(want,
		0x45, 0x8B, 0x37, // mov r14d, [r15]
		0x41, 0x81, 0xFE, 7, 0, 0, 0, // cmp r14d, 7
		0x0F, 0x84, 2, 0, 0, 0, // je +2
		0x0F, 0x0B, // ud2
		0x41, 0xBE, 7, 0, 0, 0, // mov r14d, 7
		0x45, 0x89, 0x37, // mov [r15], r14d
		0x45, 0x31, 0xF6, // xor r14d, r14d
		0xC3,
	)
	assert.Equal(t, want, hb.Code)

	lenient, err := NewExitPoll(0, 0, false).Helper(ctx)
	require.NoError(t, err)
	assert.Len(t, lenient.Code, len(want)-7-6-2)

	_, err = NewExitPoll(0, 0, false).Helper(pass.NewContext(&wasm.Module{}, nil))
	assert.Error(t, err)
}

func TestExitPollLoopHeaderCheck(t *testing.T) {
	p := NewExitPoll(100, 0, true)
	d := newDriver(t, false, p)
	buf := d.buf()
	top := buf.NewLabel()

	// one check at entry
	require.Len(t, entriesOf(d.ctx.Ledger, reloc.KindExitPoll), 1)

	d.inst(wasm.OpLoop, func() {
		d.control(true, pass.KindLoop, 2)
		buf.Bind(top)
	})
	loopStart, _ := buf.Bound(top)
	d.inst(wasm.OpI32Const, func() { buf.Push(amd64.RAX) })
	d.inst(wasm.OpBr, func() {
		buf.Jmp(top)
		d.machine(false, pass.Branch, wasm.OpBr, 0)
	})
	d.inst(wasm.OpEnd, func() { d.control(false, pass.KindLoop, 1) })
	d.inst(wasm.OpEnd, func() { buf.Ret() })
	require.NoError(t, d.m.FunctionEnd(d.ctx))

	polls := entriesOf(d.ctx.Ledger, reloc.KindExitPoll)
	require.Len(t, polls, 2)
	code := buf.Bytes()

	// the loop check sits right at the header, the target of br 0
	assert.Equal(t, byte(0x9C), code[loopStart])
	// its increment covers everything emitted after it: push, jmp, ret
	inc := binary.LittleEndian.Uint32(code[loopStart+4:])
	assert.Equal(t, uint32(3), inc)
	assert.Equal(t, uint32(100), binary.LittleEndian.Uint32(code[loopStart+11:]))

	g := d.cfg.Graph()
	for i, n := range g.Nodes {
		pl := pass.Placement{Code: code[n.Offset : n.Offset+n.Size], Addr: 0x8000, Unit: i}
		assert.NoError(t, p.Validate(d.ctx, pl), "node %d", i)
	}
}

func TestExitPollInterval(t *testing.T) {
	p := NewExitPoll(0, 3, false)
	d := newDriver(t, false, p)
	for i := 0; i < 7; i++ {
		d.inst(wasm.OpNop, func() { d.buf().Push(amd64.RAX) })
	}
	// entry, after 3, after 6
	assert.Len(t, entriesOf(d.ctx.Ledger, reloc.KindExitPoll), 3)
}

func TestExitPollValidate(t *testing.T) {
	p := NewExitPoll(0, 0, false)

	b := amd64.NewBuffer()
	b.Pushfq()
	b.CallReg(amd64.R15)
	assert.Error(t, p.Validate(nil, pass.Placement{Code: b.Bytes()}))

	b = amd64.NewBuffer()
	b.CallReg(amd64.R15)
	assert.Error(t, p.Validate(nil, pass.Placement{Code: b.Bytes()}))

	b = amd64.NewBuffer()
	b.Pushfq()
	b.CallReg(amd64.R15)
	b.Popfq()
	b.CallReg(amd64.RAX)
	assert.NoError(t, p.Validate(nil, pass.Placement{Code: b.Bytes()}))
}
