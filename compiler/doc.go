// Package compiler is the instruction selector. It lowers the integer
// WebAssembly MVP to x86-64 one instruction at a time and reports every
// function, control, instruction and machine event to the pass manager,
// which lets the CFG builder and the mitigation passes shape the output.
//
// Code is a stack machine over the native stack:
//
//	[rbp+16+8(n-1-i)]  parameter i of n, pushed by the caller
//	[rbp+8]            return address
//	[rbp]              saved rbp
//	[rbp-8(j+1)]       declared local j
//	below              operand stack, one 8-byte slot per value
//
// Only rax, rcx and rdx are used as scratch. r13, r14 and r15 belong to
// the mitigation passes. Results return in rax; the caller pops the
// arguments.
package compiler
