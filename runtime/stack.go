package runtime

// DefaultStackSize is the native stack given to each instance.
const DefaultStackSize = 1 << 20

// Stack is the native stack compiled code runs on.
type Stack struct {
	buf []byte
}

// NewStack allocates a stack of size bytes, DefaultStackSize when size
// is not positive.
func NewStack(size int) *Stack {
	if size <= 0 {
		size = DefaultStackSize
	}
	return &Stack{buf: slab(size + 16)}
}

// Top returns the 16-byte aligned initial stack pointer.
func (s *Stack) Top() uint64 {
	return (addressOf(s.buf) + uint64(len(s.buf))) &^ 15
}

// Size returns the usable size in bytes.
func (s *Stack) Size() int {
	return len(s.buf) - 16
}

// Span returns the backing slab.
func (s *Stack) Span() Span {
	return Span{Name: "stack", Data: s.buf}
}
