package runtime

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"unicode"

	"github.com/wippyai/enclave-jit/errors"
	"github.com/wippyai/enclave-jit/wasm"
)

// Handler is the uniform calling convention of host functions. Arguments
// and the result are raw wasm integer bits.
type Handler func(ctx context.Context, args []uint64) (uint64, error)

// HostFunc is a registered host function.
type HostFunc struct {
	Handler Handler
	Type    wasm.FuncType
	// Receiver is set for functions registered through RegisterHost.
	Receiver reflect.Value
}

// Host provides a namespace of host functions. Every exported method
// other than Namespace is registered under its snake_case name.
type Host interface {
	Namespace() string
}

// HostRegistry resolves function imports.
type HostRegistry struct {
	funcs map[string]map[string]*HostFunc
	mu    sync.RWMutex
}

func NewHostRegistry() *HostRegistry {
	return &HostRegistry{
		funcs: make(map[string]map[string]*HostFunc),
	}
}

// RegisterHost registers all exported methods of h.
func (r *HostRegistry) RegisterHost(h Host) error {
	ns := h.Namespace()
	if ns == "" {
		return errors.InvalidInput(errors.PhaseRuntime, "host namespace cannot be empty")
	}

	rv := reflect.ValueOf(h)
	rt := rv.Type()
	for i := 0; i < rt.NumMethod(); i++ {
		method := rt.Method(i)
		if !method.IsExported() || method.Name == "Namespace" {
			continue
		}
		hf, err := adapt(rv.Method(i))
		if err != nil {
			return errors.New(errors.PhaseRuntime, errors.KindInvalidInput).
				Path(ns, method.Name).
				Cause(err).
				Detail("cannot register method").
				Build()
		}
		hf.Receiver = rv
		r.put(ns, toSnakeCase(method.Name), hf)
	}
	return nil
}

// RegisterFunc registers a Go function. Parameters and results must be
// int32, uint32, int64 or uint64; a leading context.Context and a
// trailing error result are allowed.
func (r *HostRegistry) RegisterFunc(namespace, name string, fn any) error {
	if namespace == "" {
		return errors.InvalidInput(errors.PhaseRuntime, "namespace cannot be empty")
	}
	if name == "" {
		return errors.InvalidInput(errors.PhaseRuntime, "function name cannot be empty")
	}
	rv := reflect.ValueOf(fn)
	if rv.Kind() != reflect.Func {
		return errors.New(errors.PhaseRuntime, errors.KindInvalidInput).
			Path(namespace, name).
			Value(fmt.Sprintf("%T", fn)).
			Detail("handler must be a function").
			Build()
	}
	hf, err := adapt(rv)
	if err != nil {
		return err
	}
	r.put(namespace, name, hf)
	return nil
}

// RegisterHandler registers a raw handler with an explicit signature.
func (r *HostRegistry) RegisterHandler(namespace, name string, ft wasm.FuncType, h Handler) error {
	if namespace == "" || name == "" {
		return errors.InvalidInput(errors.PhaseRuntime, "namespace and name cannot be empty")
	}
	if len(ft.Results) > 1 {
		return errors.Unsupported(errors.PhaseRuntime, "multi-value host function "+namespace+"."+name)
	}
	r.put(namespace, name, &HostFunc{Handler: h, Type: ft})
	return nil
}

// Lookup returns the function registered for namespace.name.
func (r *HostRegistry) Lookup(namespace, name string) (*HostFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hf, ok := r.funcs[namespace][name]
	return hf, ok
}

// Resolve returns the host function for an import and checks its
// signature.
func (r *HostRegistry) Resolve(imp *wasm.Import, want *wasm.FuncType) (*HostFunc, error) {
	hf, ok := r.Lookup(imp.Module, imp.Name)
	if !ok {
		return nil, errors.NotFound(errors.PhaseRuntime, "host function", imp.Module+"."+imp.Name)
	}
	if want != nil && !hf.Type.Equal(*want) {
		return nil, errors.New(errors.PhaseRuntime, errors.KindInvalidInput).
			Path(imp.Module, imp.Name).
			Detail("host signature %v does not match import %v", hf.Type, *want).
			Build()
	}
	return hf, nil
}

func (r *HostRegistry) put(namespace, name string, hf *HostFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.funcs[namespace] == nil {
		r.funcs[namespace] = make(map[string]*HostFunc)
	}
	r.funcs[namespace][name] = hf
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

func valType(t reflect.Type) (wasm.ValType, bool) {
	switch t.Kind() {
	case reflect.Int32, reflect.Uint32:
		return wasm.ValI32, true
	case reflect.Int64, reflect.Uint64:
		return wasm.ValI64, true
	}
	return 0, false
}

// adapt wraps a typed Go function in the uniform Handler convention.
func adapt(fn reflect.Value) (*HostFunc, error) {
	ft := fn.Type()
	withCtx := ft.NumIn() > 0 && ft.In(0) == contextType

	var sig wasm.FuncType
	var params []reflect.Type
	for i := 0; i < ft.NumIn(); i++ {
		if i == 0 && withCtx {
			continue
		}
		vt, ok := valType(ft.In(i))
		if !ok {
			return nil, errors.Unsupported(errors.PhaseRuntime, "host parameter type "+ft.In(i).String())
		}
		sig.Params = append(sig.Params, vt)
		params = append(params, ft.In(i))
	}

	withErr := ft.NumOut() > 0 && ft.Out(ft.NumOut()-1) == errorType
	nres := ft.NumOut()
	if withErr {
		nres--
	}
	if nres > 1 {
		return nil, errors.Unsupported(errors.PhaseRuntime, "multi-value host function "+ft.String())
	}
	if nres == 1 {
		vt, ok := valType(ft.Out(0))
		if !ok {
			return nil, errors.Unsupported(errors.PhaseRuntime, "host result type "+ft.Out(0).String())
		}
		sig.Results = []wasm.ValType{vt}
	}

	h := func(ctx context.Context, args []uint64) (uint64, error) {
		if len(args) != len(params) {
			return 0, errors.New(errors.PhaseRuntime, errors.KindInvalidInput).
				Detail("host function takes %d arguments, got %d", len(params), len(args)).
				Build()
		}
		in := make([]reflect.Value, 0, ft.NumIn())
		if withCtx {
			in = append(in, reflect.ValueOf(ctx))
		}
		for i, t := range params {
			v := reflect.New(t).Elem()
			switch t.Kind() {
			case reflect.Int32:
				v.SetInt(int64(int32(args[i])))
			case reflect.Int64:
				v.SetInt(int64(args[i]))
			case reflect.Uint32:
				v.SetUint(uint64(uint32(args[i])))
			default:
				v.SetUint(args[i])
			}
			in = append(in, v)
		}
		out := fn.Call(in)
		if withErr {
			if e := out[len(out)-1]; !e.IsNil() {
				return 0, e.Interface().(error)
			}
		}
		if nres == 0 {
			return 0, nil
		}
		switch r := out[0]; r.Kind() {
		case reflect.Int32:
			return uint64(uint32(r.Int())), nil
		case reflect.Int64:
			return uint64(r.Int()), nil
		case reflect.Uint32:
			return uint64(uint32(r.Uint())), nil
		default:
			return r.Uint(), nil
		}
	}
	return &HostFunc{Handler: h, Type: sig}, nil
}

// toSnakeCase converts PascalCase to snake_case.
// Handles acronyms: GetHTTPStatus -> get_http_status
func toSnakeCase(s string) string {
	runes := []rune(s)
	var result strings.Builder

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if !unicode.IsUpper(r) {
			result.WriteRune(r)
			continue
		}
		acronymEnd := i + 1
		for acronymEnd < len(runes) && unicode.IsUpper(runes[acronymEnd]) {
			acronymEnd++
		}
		// Last uppercase before lowercase starts next word, not part of acronym
		if acronymEnd > i+1 && acronymEnd < len(runes) && unicode.IsLower(runes[acronymEnd]) {
			acronymEnd--
		}
		if i > 0 {
			result.WriteByte('_')
		}
		for j := i; j < acronymEnd; j++ {
			result.WriteRune(unicode.ToLower(runes[j]))
		}
		i = acronymEnd - 1
	}
	return result.String()
}
