package wasm

// Module represents a parsed WebAssembly module
type Module struct {
	Types          []FuncType
	Imports        []Import
	Funcs          []uint32 // Type indices for declared functions
	Tables         []TableType
	Memories       []MemoryType
	Globals        []Global
	Exports        []Export
	Start          *uint32
	Elements       []Element
	Code           []FuncBody
	Data           []DataSegment
	CustomSections []CustomSection
}

// FuncType represents a WebAssembly function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Equal reports whether two signatures are structurally identical.
func (f FuncType) Equal(o FuncType) bool {
	if len(f.Params) != len(o.Params) || len(f.Results) != len(o.Results) {
		return false
	}
	for i := range f.Params {
		if f.Params[i] != o.Params[i] {
			return false
		}
	}
	for i := range f.Results {
		if f.Results[i] != o.Results[i] {
			return false
		}
	}
	return true
}

// ValType represents a WebAssembly value type.
type ValType byte

func (v ValType) String() string {
	switch v {
	case ValI32:
		return "i32"
	case ValI64:
		return "i64"
	case ValF32:
		return "f32"
	case ValF64:
		return "f64"
	case ValFuncRef:
		return "funcref"
	default:
		return "unknown"
	}
}

// Limits describes the size bounds of a table or memory.
type Limits struct {
	Max *uint32
	Min uint32
}

// TableType describes a table.
type TableType struct {
	Limits   Limits
	ElemType ValType
}

// MemoryType describes a linear memory.
type MemoryType struct {
	Limits Limits
}

// GlobalType describes a global's value type and mutability.
type GlobalType struct {
	ValType ValType
	Mutable bool
}

// ConstExpr is a single-instruction constant initializer.
type ConstExpr struct {
	Value  int64  // i32.const / i64.const value
	Index  uint32 // global.get index
	Opcode byte
}

// Global is a module-defined global.
type Global struct {
	Init ConstExpr
	Type GlobalType
}

// Import describes a single import.
type Import struct {
	Module string
	Name   string
	Desc   ImportDesc
}

// ImportDesc describes what an import provides.
type ImportDesc struct {
	Table   *TableType
	Memory  *MemoryType
	Global  *GlobalType
	TypeIdx uint32
	Kind    byte
}

// Export describes a single export.
type Export struct {
	Name string
	Idx  uint32
	Kind byte
}

// Element is an active element segment initializing a table with functions.
type Element struct {
	FuncIdxs []uint32
	Offset   ConstExpr
	TableIdx uint32
}

// DataSegment is an active data segment initializing linear memory.
type DataSegment struct {
	Init   []byte
	Offset ConstExpr
	MemIdx uint32
}

// FuncBody holds a function's locals and raw instruction bytes.
type FuncBody struct {
	Locals []LocalEntry
	Code   []byte
}

// LocalEntry declares Count locals of one type.
type LocalEntry struct {
	Count   uint32
	ValType ValType
}

// NumLocals returns the total number of declared locals.
func (b FuncBody) NumLocals() int {
	n := 0
	for _, l := range b.Locals {
		n += int(l.Count)
	}
	return n
}

// CustomSection is an uninterpreted custom section.
type CustomSection struct {
	Name string
	Data []byte
}

// NumImportedFuncs counts function imports, which occupy the first
// indices of the function index space.
func (m *Module) NumImportedFuncs() int {
	n := 0
	for _, imp := range m.Imports {
		if imp.Desc.Kind == KindFunc {
			n++
		}
	}
	return n
}

// NumFuncs returns the size of the function index space.
func (m *Module) NumFuncs() int {
	return m.NumImportedFuncs() + len(m.Funcs)
}

// FuncTypeIdx returns the type index of function idx in the function index space.
func (m *Module) FuncTypeIdx(idx uint32) (uint32, bool) {
	n := uint32(0)
	for _, imp := range m.Imports {
		if imp.Desc.Kind != KindFunc {
			continue
		}
		if n == idx {
			return imp.Desc.TypeIdx, true
		}
		n++
	}
	local := idx - n
	if idx < n || int(local) >= len(m.Funcs) {
		return 0, false
	}
	return m.Funcs[local], true
}

// GetFuncType returns the signature of function idx, or nil if out of range.
func (m *Module) GetFuncType(idx uint32) *FuncType {
	ti, ok := m.FuncTypeIdx(idx)
	if !ok || int(ti) >= len(m.Types) {
		return nil
	}
	return &m.Types[ti]
}

// ImportedFunc returns the import describing function idx, if it is imported.
func (m *Module) ImportedFunc(idx uint32) (*Import, bool) {
	n := uint32(0)
	for i := range m.Imports {
		if m.Imports[i].Desc.Kind != KindFunc {
			continue
		}
		if n == idx {
			return &m.Imports[i], true
		}
		n++
	}
	return nil, false
}

// ExportedFunc looks up a function export by name.
func (m *Module) ExportedFunc(name string) (uint32, bool) {
	for _, e := range m.Exports {
		if e.Kind == KindFunc && e.Name == name {
			return e.Idx, true
		}
	}
	return 0, false
}

// IsExported reports whether function idx is exported under any name.
func (m *Module) IsExported(idx uint32) bool {
	for _, e := range m.Exports {
		if e.Kind == KindFunc && e.Idx == idx {
			return true
		}
	}
	return false
}

// CanonicalTypeIdx returns the lowest type index with a signature equal to
// Types[idx]. call_indirect compares canonical indices.
func (m *Module) CanonicalTypeIdx(idx uint32) uint32 {
	for i := uint32(0); i < idx; i++ {
		if m.Types[i].Equal(m.Types[idx]) {
			return i
		}
	}
	return idx
}
