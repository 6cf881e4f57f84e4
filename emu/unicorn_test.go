//go:build unicorn
// +build unicorn

package emu

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/wippyai/enclave-jit/amd64"
	"github.com/wippyai/enclave-jit/errors"
)

type flakyRegs struct {
	written []int
	reject  int
}

func (f *flakyRegs) RegWrite(reg int, value uint64) error {
	if reg == f.reject {
		return stderrors.New("register rejected")
	}
	f.written = append(f.written, reg)
	return nil
}

func TestWriteRegsStopsAtFirstRejection(t *testing.T) {
	w := &flakyRegs{reject: uc.X86_REG_RSP}
	err := writeRegs(w,
		uc.X86_REG_RAX, 1,
		uc.X86_REG_RSP, 2,
		uc.X86_REG_RIP, 3,
	)
	var e *errors.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errors.KindInvariant, e.Kind)
	assert.Equal(t, []int{uc.X86_REG_RAX}, w.written)

	require.NoError(t, writeRegs(&flakyRegs{reject: -1}, uc.X86_REG_RAX, 1))
}

func TestUnicornKeepsFirstFailure(t *testing.T) {
	u, err := NewUnicorn(Config{
		Stack:     Segment{Name: "stack", Data: make([]byte, 4096), Addr: stackAddr},
		StepLimit: 1000,
	})
	require.NoError(t, err)
	defer u.Close()

	first := errors.Trap(codeAddr, "first")
	u.fail(first)
	u.fail(errors.Trap(codeAddr+1, "second"))
	assert.Same(t, first, u.err)
}

func TestUnicornHostFailureSurfaces(t *testing.T) {
	b := amd64.NewBuffer()
	b.MovImm64(amd64.RAX, thunkAddr)
	b.CallReg(amd64.RAX)
	b.Ret()

	u, err := NewUnicorn(Config{
		Stack:     Segment{Name: "stack", Data: make([]byte, 4096), Addr: stackAddr},
		StepLimit: 1000,
	})
	require.NoError(t, err)
	defer u.Close()
	require.NoError(t, u.Map(Segment{Name: "code", Data: b.Bytes(), Addr: codeAddr, Exec: true}))
	require.NoError(t, u.Map(Segment{Name: "thunk", Data: []byte{0xC3}, Addr: thunkAddr, Exec: true}))

	boom := stderrors.New("host refused")
	u.Host(thunkAddr, 0, func(ctx context.Context, args []uint64) (uint64, error) {
		return 0, boom
	})
	_, err = u.Call(context.Background(), codeAddr)
	require.ErrorIs(t, err, boom)
}

func TestUnicornHasNoRTM(t *testing.T) {
	feat, err := Sense(UnicornName)
	require.NoError(t, err)
	assert.False(t, feat.RTM)
}
