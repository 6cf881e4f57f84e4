package engine

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/wippyai/enclave-jit/compiler"
	"github.com/wippyai/enclave-jit/emu"
	"github.com/wippyai/enclave-jit/errors"
	"github.com/wippyai/enclave-jit/runtime"
	"github.com/wippyai/enclave-jit/wasm"
)

// Engine compiles and instantiates modules under one configuration.
type Engine struct {
	hosts *runtime.HostRegistry
	log   *zap.Logger
	cfg   Config
	feat  emu.Features
	// mu serializes instantiation; one module compiles at a time.
	mu sync.Mutex
}

// New creates an engine. Host functions registered through Hosts() are
// visible to every module instantiated afterwards.
func New(cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	feat, err := emu.Sense(cfg.Executor)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		hosts: runtime.NewHostRegistry(),
		log:   Logger().Named("engine"),
		cfg:   cfg,
		feat:  feat,
	}
	if cfg.fallback(feat) {
		e.log.Warn("executor has no transactional memory, exit polling replaces the springboard",
			zap.String("executor", cfg.Executor))
	}
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Features returns what the configured executor models.
func (e *Engine) Features() emu.Features {
	return e.feat
}

// Hosts returns the registry imports resolve against.
func (e *Engine) Hosts() *runtime.HostRegistry {
	return e.hosts
}

// Module is a parsed module the compiler supports.
type Module struct {
	engine *Engine
	Wasm   *wasm.Module
	// Binary is the encoded module, used for reference execution.
	Binary []byte
	ID     uuid.UUID
}

// Load parses and validates a binary module.
func (e *Engine) Load(ctx context.Context, data []byte) (*Module, error) {
	_, span := startSpan(ctx, "engine.load", attribute.Int("wasm.bytes", len(data)))
	defer span.End()

	m, err := wasm.ParseModuleValidate(data)
	if err != nil {
		return nil, recordError(span, err)
	}
	mod, err := e.load(m, data)
	if err != nil {
		return nil, recordError(span, err)
	}
	span.SetAttributes(attribute.String("module.id", mod.ID.String()))
	return mod, nil
}

// LoadModule accepts an already decoded module.
func (e *Engine) LoadModule(ctx context.Context, m *wasm.Module) (*Module, error) {
	_, span := startSpan(ctx, "engine.load")
	defer span.End()

	if err := m.Validate(); err != nil {
		return nil, recordError(span, errors.Wrap(errors.PhaseDecode, errors.KindInvalidData, err, "validating module"))
	}
	mod, err := e.load(m, m.Encode())
	if err != nil {
		return nil, recordError(span, err)
	}
	return mod, nil
}

func (e *Engine) load(m *wasm.Module, data []byte) (*Module, error) {
	if err := compiler.Supported(m); err != nil {
		return nil, err
	}
	mod := &Module{engine: e, Wasm: m, Binary: data, ID: uuid.New()}
	e.log.Debug("module loaded",
		zap.Stringer("module", mod.ID),
		zap.Int("funcs", m.NumFuncs()),
		zap.Int("imports", m.NumImportedFuncs()))
	return mod, nil
}

// Exports lists the exported function names.
func (m *Module) Exports() []string {
	var names []string
	for _, ex := range m.Wasm.Exports {
		if ex.Kind == wasm.KindFunc {
			names = append(names, ex.Name)
		}
	}
	return names
}

// Signature returns the type of an exported function.
func (m *Module) Signature(name string) (*wasm.FuncType, error) {
	idx, ok := m.Wasm.ExportedFunc(name)
	if !ok {
		return nil, errors.NotFound(errors.PhaseRuntime, "export", name)
	}
	return m.Wasm.GetFuncType(idx), nil
}
