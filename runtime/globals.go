package runtime

import (
	"fmt"

	"github.com/wippyai/enclave-jit/errors"
	"github.com/wippyai/enclave-jit/wasm"
)

// Globals holds every global of an instance in one slab, 8 bytes each.
type Globals struct {
	buf   []byte
	types []wasm.GlobalType
}

// NewGlobals allocates zeroed storage for the given globals.
func NewGlobals(types []wasm.GlobalType) *Globals {
	return &Globals{buf: slab(8 * len(types)), types: types}
}

// Len returns the number of globals.
func (g *Globals) Len() int {
	return len(g.types)
}

// Addr returns the address of global i.
func (g *Globals) Addr(i int) uint64 {
	return addressOf(g.buf) + 8*uint64(i)
}

// Addrs returns the address of every global in index order.
func (g *Globals) Addrs() []uint64 {
	out := make([]uint64, len(g.types))
	for i := range out {
		out[i] = g.Addr(i)
	}
	return out
}

// Get returns the raw bits of global i. i32 globals are zero-extended.
func (g *Globals) Get(i int) (uint64, error) {
	if err := g.check(i); err != nil {
		return 0, err
	}
	v := word(g.buf, 8*i)
	if g.types[i].ValType == wasm.ValI32 {
		v = uint64(uint32(v))
	}
	return v, nil
}

// Set stores v into global i.
func (g *Globals) Set(i int, v uint64) error {
	if err := g.check(i); err != nil {
		return err
	}
	if g.types[i].ValType == wasm.ValI32 {
		v = uint64(uint32(v))
	}
	putWord(g.buf, 8*i, v)
	return nil
}

// Init evaluates the module's initializers in order.
func (g *Globals) Init(m *wasm.Module) error {
	for i, gl := range m.Globals {
		var v uint64
		switch gl.Init.Opcode {
		case wasm.OpI32Const, wasm.OpI64Const:
			v = uint64(gl.Init.Value)
		case wasm.OpGlobalGet:
			if int(gl.Init.Index) >= i {
				return errors.InvalidData(errors.PhaseRuntime, []string{fmt.Sprintf("global[%d]", i)},
					fmt.Sprintf("initializer reads global %d before it is defined", gl.Init.Index))
			}
			v = word(g.buf, 8*int(gl.Init.Index))
		default:
			return errors.Unsupported(errors.PhaseRuntime, "global initializer "+wasm.OpcodeName(gl.Init.Opcode))
		}
		if err := g.Set(i, v); err != nil {
			return err
		}
	}
	return nil
}

// Span returns the backing slab.
func (g *Globals) Span() Span {
	return Span{Name: "globals", Data: g.buf}
}

func (g *Globals) check(i int) error {
	if i < 0 || i >= len(g.types) {
		return errors.OutOfBounds(errors.PhaseRuntime, []string{"globals"}, i, len(g.types))
	}
	return nil
}
