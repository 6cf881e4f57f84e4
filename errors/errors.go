package errors

import (
	"fmt"
	"strings"
)

// Phase indicates which pipeline stage produced the error
type Phase string

const (
	PhaseDecode   Phase = "decode"   // wasm binary parsing
	PhaseCompile  Phase = "compile"  // instruction selection and CFG construction
	PhasePass     Phase = "pass"     // pass registration and dispatch
	PhaseAllocate Phase = "allocate" // code region allocation
	PhaseLayout   Phase = "layout"   // unit placement
	PhaseRelocate Phase = "relocate" // ledger resolution
	PhaseValidate Phase = "validate" // post-placement validation hooks
	PhaseRuntime  Phase = "runtime"  // instance and object model
	PhaseEmulate  Phase = "emulate"  // machine code execution
)

// Kind categorizes the error
type Kind string

const (
	KindInvalidData         Kind = "invalid_data"
	KindUnsupported         Kind = "unsupported"
	KindOutOfBounds         Kind = "out_of_bounds"
	KindNotFound            Kind = "not_found"
	KindInvalidInput        Kind = "invalid_input"
	KindExhausted           Kind = "exhausted"
	KindInvariant           Kind = "invariant"
	KindUnresolved          Kind = "unresolved"
	KindUnrecognizedPattern Kind = "unrecognized_pattern"
	KindTrap                Kind = "trap"
	KindNotInitialized      Kind = "not_initialized"
)

// Error is the structured error type used throughout the JIT
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Detail string
	Path   []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the location path
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// FuncPath formats a function location path element
func FuncPath(idx uint32) string {
	return fmt.Sprintf("func[%d]", idx)
}

// Convenience constructors for common error patterns

// Exhausted creates a resource exhaustion error
func Exhausted(phase Phase, size, unit uint64) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindExhausted,
		Detail: fmt.Sprintf("no room for %d bytes (unit %d)", size, unit),
		Value:  size,
	}
}

// Invariant creates an invariant violation error
func Invariant(phase Phase, path []string, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvariant,
		Path:   path,
		Detail: detail,
	}
}

// Unresolved creates an unresolved target error
func Unresolved(phase Phase, path []string, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnresolved,
		Path:   path,
		Detail: fmt.Sprintf("%s has no resolved target", what),
	}
}

// UnrecognizedPattern creates an error for a byte pattern a rewrite cannot handle
func UnrecognizedPattern(phase Phase, path []string, tail []byte) *Error {
	preview := tail
	if len(preview) > 16 {
		preview = preview[len(preview)-16:]
	}
	return &Error{
		Phase:  phase,
		Kind:   KindUnrecognizedPattern,
		Path:   path,
		Detail: fmt.Sprintf("unrecognized branch tail % x", preview),
		Value:  preview,
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// OutOfBounds creates an out of bounds error
func OutOfBounds(phase Phase, path []string, index, length int) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Path:   path,
		Detail: fmt.Sprintf("index %d out of bounds (length %d)", index, length),
		Value:  index,
	}
}

// InvalidData creates an invalid data error
func InvalidData(phase Phase, path []string, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Path:   path,
		Detail: detail,
	}
}

// Trap creates an execution trap error
func Trap(addr uint64, detail string) *Error {
	return &Error{
		Phase:  PhaseEmulate,
		Kind:   KindTrap,
		Detail: fmt.Sprintf("%s at %#x", detail, addr),
		Value:  addr,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// NotInitialized creates a not-initialized error for missing module/instance
func NotInitialized(phase Phase, component string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotInitialized,
		Detail: fmt.Sprintf("%s not initialized", component),
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Fatal raises err as a pipeline abort. It never returns.
func Fatal(err *Error) {
	panic(err)
}

// Recover converts a pipeline abort raised with Fatal into a returned error.
// Panics carrying anything other than *Error are re-raised.
//
//	defer errors.Recover(&err)
func Recover(err *error) {
	r := recover()
	if r == nil {
		return
	}
	if e, ok := r.(*Error); ok {
		*err = e
		return
	}
	panic(r)
}
