// Package amd64 provides the code buffer and instruction encoder shared by
// the compiler and the mitigation passes.
//
// A Buffer is a growable byte sink with labels, rel32 fixups, an
// instruction counter and enough bookkeeping to let a pass inspect and
// rewrite the branch at the tail of the buffer. Only the encodings the
// compiler emits are provided; Disassemble decodes anything x86asm
// understands.
package amd64
