// Package errors provides structured error types for the enclave JIT.
//
// Errors are categorized by Phase (which pipeline stage failed) and Kind
// (error category). The Error type carries a location path such as
// "func[3].node[7]", the offending value and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseRelocate, errors.KindInvariant).
//		Path("func[2]", "unit[9]").
//		Value(9).
//		Detail("unit index out of range (have %d)", n).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.Exhausted(errors.PhaseAllocate, 4096, 64)
//	err := errors.Unresolved(errors.PhaseCompile, path, "br 2")
//
// Fatal conditions (exhaustion, invariant violations) are raised with
// panic(*Error) inside the pipeline and recovered by Recover at the module
// boundary, so callers only ever see returned errors.
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
