package emu

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/enclave-jit/errors"
)

// HaltAddr is the return address pushed for the outermost frame.
// Reaching it ends a call. Page zero is never mapped.
const HaltAddr = 0x10

// DefaultStepLimit bounds a single call.
const DefaultStepLimit = 200_000_000

// Segment is a range of host memory made visible to executed code at
// Addr.
type Segment struct {
	Name string
	Data []byte
	Addr uint64
	// Exec marks code. Executable segments are read-only to the code.
	Exec bool
}

// End returns the first address past the segment.
func (s Segment) End() uint64 {
	return s.Addr + uint64(len(s.Data))
}

// HostFunc handles a call that reached a host thunk.
type HostFunc func(ctx context.Context, args []uint64) (uint64, error)

// Config configures an executor.
type Config struct {
	// Stack is the segment rsp starts at the top of. Required.
	Stack Segment
	// StepLimit bounds the instructions one call may execute. Zero means
	// DefaultStepLimit.
	StepLimit uint64
	// ExitEvery injects an asynchronous exit every N instructions.
	// Zero disables injection.
	ExitEvery uint64
	// MaxExits caps the injected exits per call. Zero means no cap.
	MaxExits int
	// OnExit runs after every injected exit.
	OnExit func()
	// Trace logs every executed instruction at debug level.
	Trace bool
	Log   *zap.Logger
}

// Stats counts what one call did.
type Stats struct {
	Steps        uint64
	Fences       uint64
	Transactions uint64
	Aborts       uint64
	Exits        int
	HostCalls    int
}

// Executor runs placed code.
type Executor interface {
	// Map makes a segment visible. Segments may not overlap.
	Map(seg Segment) error
	// Host registers a thunk address taking nargs stack arguments.
	Host(addr uint64, nargs int, fn HostFunc)
	// Call runs the function at entry with args pushed in order and
	// returns rax.
	Call(ctx context.Context, entry uint64, args ...uint64) (uint64, error)
	// Stats reports the most recent call.
	Stats() Stats
	Close() error
}

// Factory creates an executor.
type Factory func(cfg Config) (Executor, error)

// Features is what a backend models of the enclave CPU.
type Features struct {
	// RTM is set when xbegin, xend and asynchronous aborts behave as on
	// hardware with restricted transactional memory.
	RTM bool
}

type backend struct {
	open Factory
	feat Features
}

var (
	factoriesMu sync.RWMutex
	factories   = map[string]backend{}
)

// Register makes an executor available by name.
func Register(name string, feat Features, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, dup := factories[name]; dup {
		panic("emu: Register called twice for " + name)
	}
	factories[name] = backend{open: f, feat: feat}
}

// Sense reports the features of the backend registered under name. An
// empty name selects the interpreter.
func Sense(name string) (Features, error) {
	if name == "" {
		name = InterpreterName
	}
	factoriesMu.RLock()
	b, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return Features{}, errors.NotFound(errors.PhaseEmulate, "executor", name)
	}
	return b.feat, nil
}

// Backends lists the registered executor names.
func Backends() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Open creates the executor registered under name. An empty name
// selects the interpreter.
func Open(name string, cfg Config) (Executor, error) {
	if name == "" {
		name = InterpreterName
	}
	factoriesMu.RLock()
	b, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, errors.NotFound(errors.PhaseEmulate, "executor", name)
	}
	if len(cfg.Stack.Data) < 64 {
		return nil, errors.InvalidInput(errors.PhaseEmulate, "executor needs a stack segment")
	}
	if cfg.StepLimit == 0 {
		cfg.StepLimit = DefaultStepLimit
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return b.open(cfg)
}

func fault(addr uint64, format string, args ...any) *errors.Error {
	return errors.Trap(addr, fmt.Sprintf(format, args...))
}
