package wasm

import "fmt"

// Validate checks the module for structural validity: index spaces,
// code/function count agreement and export targets.
func (m *Module) Validate() error {
	numTypes := uint32(len(m.Types))
	for i, ti := range m.Funcs {
		if ti >= numTypes {
			return fmt.Errorf("function %d references invalid type index %d", i, ti)
		}
	}
	for i, imp := range m.Imports {
		if imp.Desc.Kind == KindFunc && imp.Desc.TypeIdx >= numTypes {
			return fmt.Errorf("import %d (%s.%s) references invalid type index %d", i, imp.Module, imp.Name, imp.Desc.TypeIdx)
		}
	}
	if len(m.Code) != len(m.Funcs) {
		return fmt.Errorf("code section has %d bodies for %d functions", len(m.Code), len(m.Funcs))
	}
	if len(m.Tables) > 1 || len(m.Memories) > 1 {
		return fmt.Errorf("at most one table and one memory are supported")
	}

	numFuncs := uint32(m.NumFuncs())
	numGlobals := uint32(len(m.Globals))
	for _, imp := range m.Imports {
		if imp.Desc.Kind == KindGlobal {
			numGlobals++
		}
	}

	seen := make(map[string]bool, len(m.Exports))
	for _, e := range m.Exports {
		if seen[e.Name] {
			return fmt.Errorf("duplicate export %q", e.Name)
		}
		seen[e.Name] = true
		var limit uint32
		switch e.Kind {
		case KindFunc:
			limit = numFuncs
		case KindGlobal:
			limit = numGlobals
		case KindTable:
			limit = uint32(len(m.Tables))
		case KindMemory:
			limit = uint32(len(m.Memories))
		}
		if e.Idx >= limit {
			return fmt.Errorf("export %q references invalid index %d", e.Name, e.Idx)
		}
	}

	if m.Start != nil && *m.Start >= numFuncs {
		return fmt.Errorf("start function %d out of range", *m.Start)
	}
	for i, el := range m.Elements {
		if el.TableIdx >= uint32(len(m.Tables)) {
			return fmt.Errorf("element segment %d references missing table", i)
		}
		for _, f := range el.FuncIdxs {
			if f >= numFuncs {
				return fmt.Errorf("element segment %d references invalid function %d", i, f)
			}
		}
	}
	for i, d := range m.Data {
		if d.MemIdx >= uint32(len(m.Memories)) {
			return fmt.Errorf("data segment %d references missing memory", i)
		}
	}
	return nil
}

// ParseModuleValidate parses a WebAssembly binary and validates it.
func ParseModuleValidate(data []byte) (*Module, error) {
	m, err := ParseModule(data)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
