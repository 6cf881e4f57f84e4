//go:build !unix

package region

import "github.com/wippyai/enclave-jit/errors"

func newMmap(int) (memory, error) {
	return nil, errors.Unsupported(errors.PhaseAllocate, "mmap backing on this platform")
}
