package runtime

import "encoding/binary"

// Magic is the exit-marker value meaning "no asynchronous exit since the
// last poll". The enclave exit handler writes anything else.
const Magic = 7

// ExitMarker is the host-visible exit-type word the exit poll helper
// reads and re-arms.
type ExitMarker struct {
	buf []byte
}

// NewExitMarker allocates a marker holding Magic.
func NewExitMarker() *ExitMarker {
	m := &ExitMarker{buf: slab(8)}
	m.Reset()
	return m
}

// Addr returns the marker's address.
func (m *ExitMarker) Addr() uint64 {
	return addressOf(m.buf)
}

// Load returns the current exit type.
func (m *ExitMarker) Load() uint32 {
	return binary.LittleEndian.Uint32(m.buf)
}

// Store records an exit type.
func (m *ExitMarker) Store(v uint32) {
	binary.LittleEndian.PutUint32(m.buf, v)
}

// Reset re-arms the marker.
func (m *ExitMarker) Reset() {
	m.Store(Magic)
}

// Exited reports whether an exit was recorded since the last reset.
func (m *ExitMarker) Exited() bool {
	return m.Load() != Magic
}

// Span returns the backing slab.
func (m *ExitMarker) Span() Span {
	return Span{Name: "exit-marker", Data: m.buf}
}
