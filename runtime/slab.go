package runtime

import (
	"encoding/binary"
	"unsafe"
)

// Span is a named object slab mapped at its own address.
type Span struct {
	Name string
	Data []byte
}

// Addr returns the address of the first byte of the span.
func (s Span) Addr() uint64 {
	return addressOf(s.Data)
}

// slab allocates n zeroed bytes, padded so empty objects still have a
// distinct address.
func slab(n int) []byte {
	if n < 8 {
		n = 8
	}
	return make([]byte, n)
}

func addressOf(b []byte) uint64 {
	if cap(b) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(unsafe.SliceData(b))))
}

func putWord(b []byte, off int, v uint64) {
	binary.LittleEndian.PutUint64(b[off:], v)
}

func word(b []byte, off int) uint64 {
	return binary.LittleEndian.Uint64(b[off:])
}
