package runtime

import (
	"encoding/binary"
	"fmt"

	"github.com/docker/go-units"

	"github.com/wippyai/enclave-jit/errors"
	"github.com/wippyai/enclave-jit/wasm"
)

// MaxPages bounds a memory declaration. Compiled code never grows
// memory, so the whole declared minimum is reserved up front.
const MaxPages = 1 << 14

// Memory is a linear memory with a fixed base address.
type Memory struct {
	buf   []byte
	pages uint32
}

// NewMemory reserves pages pages of zeroed memory.
func NewMemory(pages uint32) (*Memory, error) {
	if pages > MaxPages {
		return nil, errors.New(errors.PhaseRuntime, errors.KindExhausted).
			Path("memory").
			Value(pages).
			Detail("memory of %d pages exceeds the limit of %d", pages, MaxPages).
			Build()
	}
	return &Memory{buf: slab(int(pages) * wasm.PageSize), pages: pages}, nil
}

// Pages returns the memory size in wasm pages.
func (m *Memory) Pages() uint32 {
	return m.pages
}

// Size returns the accessible size in bytes.
func (m *Memory) Size() uint64 {
	return uint64(m.pages) * wasm.PageSize
}

// Base returns the address compiled code uses for offset 0.
func (m *Memory) Base() uint64 {
	return addressOf(m.buf)
}

// Bytes returns the accessible memory.
func (m *Memory) Bytes() []byte {
	return m.buf[:m.Size()]
}

// Span returns the backing slab.
func (m *Memory) Span() Span {
	return Span{Name: "memory", Data: m.buf}
}

func (m *Memory) String() string {
	return fmt.Sprintf("memory{pages=%d size=%s}", m.pages, units.BytesSize(float64(m.Size())))
}

// Init copies a data segment to offset.
func (m *Memory) Init(offset uint32, data []byte) error {
	end := uint64(offset) + uint64(len(data))
	if end > m.Size() {
		return errors.OutOfBounds(errors.PhaseRuntime, []string{"memory", "data"}, int(end), int(m.Size()))
	}
	copy(m.buf[offset:], data)
	return nil
}

// ReadUint32 reads a little-endian word at off.
func (m *Memory) ReadUint32(off uint32) (uint32, bool) {
	if uint64(off)+4 > m.Size() {
		return 0, false
	}
	return binary.LittleEndian.Uint32(m.buf[off:]), true
}

// WriteUint32 writes a little-endian word at off.
func (m *Memory) WriteUint32(off uint32, v uint32) bool {
	if uint64(off)+4 > m.Size() {
		return false
	}
	binary.LittleEndian.PutUint32(m.buf[off:], v)
	return true
}
