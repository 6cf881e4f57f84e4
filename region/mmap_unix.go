//go:build unix

package region

import "golang.org/x/sys/unix"

type mmapMemory struct {
	buf []byte
}

func newMmap(size int) (memory, error) {
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	return &mmapMemory{buf: buf}, nil
}

func (m *mmapMemory) bytes() []byte { return m.buf }

func (m *mmapMemory) protect() error {
	return unix.Mprotect(m.buf, unix.PROT_READ|unix.PROT_EXEC)
}

func (m *mmapMemory) release() error {
	if m.buf == nil {
		return nil
	}
	err := unix.Munmap(m.buf)
	m.buf = nil
	return err
}
