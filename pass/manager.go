package pass

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/wippyai/enclave-jit/errors"
	"github.com/wippyai/enclave-jit/wasm"
)

// Manager dispatches hooks to a fixed, ordered list of passes.
type Manager struct {
	passes []Pass
	deps   [][]int
	index  map[string]int
	ran    []bool
}

// NamedHelper pairs a helper block with the pass that built it.
type NamedHelper struct {
	Block *HelperBlock
	Pass  string
}

// New validates the registration order and builds a manager. Every
// dependency must be registered before its dependents.
func New(passes ...Pass) (*Manager, error) {
	m := &Manager{
		passes: passes,
		deps:   make([][]int, len(passes)),
		index:  make(map[string]int, len(passes)),
		ran:    make([]bool, len(passes)),
	}
	for i, p := range passes {
		if _, dup := m.index[p.Name()]; dup {
			return nil, errors.New(errors.PhasePass, errors.KindInvalidInput).
				Path(p.Name()).Detail("pass registered twice").Build()
		}
		for _, dep := range p.Deps() {
			j, ok := m.index[dep]
			if !ok {
				return nil, errors.New(errors.PhasePass, errors.KindInvalidInput).
					Path(p.Name()).
					Detail("dependency %q must be registered before %q", dep, p.Name()).
					Build()
			}
			m.deps[i] = append(m.deps[i], j)
		}
		m.index[p.Name()] = i
	}
	return m, nil
}

// Passes returns the registered passes in order.
func (m *Manager) Passes() []Pass {
	return m.passes
}

// Lookup returns the pass registered under name.
func (m *Manager) Lookup(name string) (Pass, bool) {
	i, ok := m.index[name]
	if !ok {
		return nil, false
	}
	return m.passes[i], true
}

func (m *Manager) dispatch(hook string, call func(Pass) error) error {
	for i := range m.ran {
		m.ran[i] = false
	}
	for i, p := range m.passes {
		if !p.Active() {
			continue
		}
		for _, d := range m.deps[i] {
			if !m.ran[d] {
				errors.Fatal(errors.Invariant(errors.PhasePass, []string{p.Name(), hook},
					fmt.Sprintf("dependency %q did not run", m.passes[d].Name())))
			}
		}
		if err := call(p); err != nil {
			return err
		}
		m.ran[i] = true
	}
	return nil
}

func (m *Manager) Initialize(ctx *Context) error {
	return m.dispatch("initialize", func(p Pass) error { return p.Initialize(ctx) })
}

func (m *Manager) Finish(ctx *Context) error {
	return m.dispatch("finish", func(p Pass) error { return p.Finish(ctx) })
}

func (m *Manager) FunctionStart(ctx *Context) error {
	return m.dispatch("function-start", func(p Pass) error { return p.FunctionStart(ctx) })
}

func (m *Manager) FunctionEnd(ctx *Context) error {
	return m.dispatch("function-end", func(p Pass) error { return p.FunctionEnd(ctx) })
}

func (m *Manager) ControlStart(ctx *Context, ev ControlEvent) error {
	return m.dispatch("control-start", func(p Pass) error { return p.ControlStart(ctx, ev) })
}

func (m *Manager) ControlEnd(ctx *Context, ev ControlEvent) error {
	return m.dispatch("control-end", func(p Pass) error { return p.ControlEnd(ctx, ev) })
}

func (m *Manager) InstructionStart(ctx *Context, in *wasm.Instruction) error {
	return m.dispatch("instruction-start", func(p Pass) error { return p.InstructionStart(ctx, in) })
}

func (m *Manager) InstructionEnd(ctx *Context, in *wasm.Instruction) error {
	return m.dispatch("instruction-end", func(p Pass) error { return p.InstructionEnd(ctx, in) })
}

func (m *Manager) MachineStart(ctx *Context, ev MachineEvent) error {
	return m.dispatch("machine-start", func(p Pass) error { return p.MachineStart(ctx, ev) })
}

func (m *Manager) MachineEnd(ctx *Context, ev MachineEvent) error {
	return m.dispatch("machine-end", func(p Pass) error { return p.MachineEnd(ctx, ev) })
}

// Validate runs every active pass's validation hook on one placed unit
// and returns all failures combined.
func (m *Manager) Validate(ctx *Context, pl Placement) error {
	var err error
	for _, p := range m.passes {
		if !p.Active() {
			continue
		}
		if verr := p.Validate(ctx, pl); verr != nil {
			err = multierr.Append(err, errors.New(errors.PhaseValidate, errors.KindInvariant).
				Path(errors.FuncPath(pl.Func), fmt.Sprintf("unit[%d]", pl.Unit), p.Name()).
				Cause(verr).
				Build())
		}
	}
	return err
}

// Helpers builds the module-wide helper block of every active pass that
// provides one, in registration order.
func (m *Manager) Helpers(ctx *Context) ([]NamedHelper, error) {
	var out []NamedHelper
	for _, p := range m.passes {
		hp, ok := p.(HelperProvider)
		if !ok || !p.Active() {
			continue
		}
		blk, err := hp.Helper(ctx)
		if err != nil {
			return nil, err
		}
		if blk != nil {
			out = append(out, NamedHelper{Pass: p.Name(), Block: blk})
		}
	}
	return out, nil
}
