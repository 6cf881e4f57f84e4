package region

import "unsafe"

type heapMemory struct {
	buf []byte
}

func newHeap(size int) *heapMemory {
	return &heapMemory{buf: make([]byte, size)}
}

func (h *heapMemory) bytes() []byte  { return h.buf }
func (h *heapMemory) protect() error { return nil }
func (h *heapMemory) release() error { return nil }

// addressOf returns the address of the first byte of b. This is the only
// place region memory is viewed as an address.
func addressOf(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(unsafe.SliceData(b))))
}
