package engine

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wippyai/enclave-jit/errors"
	"github.com/wippyai/enclave-jit/runtime"
	"github.com/wippyai/enclave-jit/wasm"
)

// Reference runs an export on wazero's interpreter with the engine's host
// functions, in a fresh runtime. The result uses the same encoding as
// Instance.Call so the two can be compared directly.
func (m *Module) Reference(ctx context.Context, name string, args ...uint64) (uint64, error) {
	ctx, span := startSpan(ctx, "engine.reference", attribute.String("export", name))
	defer span.End()

	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter())
	defer rt.Close(ctx)

	if err := defineHosts(ctx, rt, m.Wasm, m.engine.hosts); err != nil {
		return 0, recordError(span, err)
	}
	mod, err := rt.Instantiate(ctx, m.Binary)
	if err != nil {
		return 0, recordError(span, errors.Wrap(errors.PhaseRuntime, errors.KindTrap, err, "reference instantiation"))
	}
	fn := mod.ExportedFunction(name)
	if fn == nil {
		return 0, recordError(span, errors.NotFound(errors.PhaseRuntime, "export", name))
	}
	res, err := fn.Call(ctx, args...)
	if err != nil {
		return 0, recordError(span, errors.Wrap(errors.PhaseRuntime, errors.KindTrap, err, "reference call "+name))
	}
	if len(res) == 0 {
		return 0, nil
	}
	if fn.Definition().ResultTypes()[0] == api.ValueTypeI32 {
		return uint64(uint32(res[0])), nil
	}
	return res[0], nil
}

// defineHosts exposes every import the module needs as a wazero host
// module function backed by the same handler the executor calls.
func defineHosts(ctx context.Context, rt wazero.Runtime, w *wasm.Module, reg *runtime.HostRegistry) error {
	builders := make(map[string]wazero.HostModuleBuilder)
	var order []string
	for i := 0; i < w.NumImportedFuncs(); i++ {
		imp, _ := w.ImportedFunc(uint32(i))
		hf, err := reg.Resolve(imp, w.GetFuncType(uint32(i)))
		if err != nil {
			return err
		}
		b, ok := builders[imp.Module]
		if !ok {
			b = rt.NewHostModuleBuilder(imp.Module)
			builders[imp.Module] = b
			order = append(order, imp.Module)
		}

		h := hf.Handler
		nparams := len(hf.Type.Params)
		hasResult := len(hf.Type.Results) > 0
		b.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, _ api.Module, stack []uint64) {
				res, err := h(ctx, append([]uint64(nil), stack[:nparams]...))
				if err != nil {
					panic(err)
				}
				if hasResult {
					stack[0] = res
				}
			}), valueTypes(hf.Type.Params), valueTypes(hf.Type.Results)).
			Export(imp.Name)
	}
	for _, ns := range order {
		if _, err := builders[ns].Instantiate(ctx); err != nil {
			return errors.Wrap(errors.PhaseRuntime, errors.KindInvalidInput, err, "reference host module "+ns)
		}
	}
	return nil
}

func valueTypes(ts []wasm.ValType) []api.ValueType {
	out := make([]api.ValueType, len(ts))
	for i, t := range ts {
		if t == wasm.ValI64 {
			out[i] = api.ValueTypeI64
		} else {
			out[i] = api.ValueTypeI32
		}
	}
	return out
}
