// Package wasm provides WebAssembly binary parsing and encoding for the
// subset of the MVP the JIT compiles.
//
// # Supported Features
//
//	  - Integer value types (i32, i64); float types are parsed but rejected
//	    by the compiler
//	  - Functions, one table, one memory, globals
//	  - Structured control flow, calls and call_indirect
//	  - Active element and data segments with constant offsets
//	  - Import/export of functions
//
// # Parsing
//
//	data, _ := os.ReadFile("module.wasm")
//	module, err := wasm.ParseModule(data)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Building
//
// Tests and tools build modules programmatically and encode them:
//
//	body := wasm.EncodeInstructions([]wasm.Instruction{
//	    {Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: 0}},
//	    {Opcode: wasm.OpEnd},
//	})
//	m := &wasm.Module{
//	    Types: []wasm.FuncType{{Params: []wasm.ValType{wasm.ValI32}, Results: []wasm.ValType{wasm.ValI32}}},
//	    Funcs: []uint32{0},
//	    Code:  []wasm.FuncBody{{Code: body}},
//	}
//	bin := m.Encode()
package wasm
