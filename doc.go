// Package enclavejit compiles WebAssembly modules to x86-64 machine code
// hardened for execution inside an SGX-style enclave.
//
// Compilation runs as a pipeline of passes over each function. A CFG
// builder splits the emitted code into units at every control transfer,
// and mitigation passes then rewrite those units. The relocation ledger
// records every address the code depends on so that units can be placed
// anywhere in the code region and patched afterwards.
//
// # Architecture Overview
//
//	enclavejit/
//	├── engine/      Load, instantiate and call modules (public API)
//	├── compiler/    Instruction selection from wasm to amd64
//	├── cfg/         CFG construction from emission events
//	├── pass/        Pass manager, events and the per-function context
//	├── mitigation/  scatter, springboard and exitpoll passes
//	├── reloc/       Relocation ledger and resolver
//	├── layout/      Unit placement, sequential or randomized
//	├── region/      Fixed-size code region allocator
//	├── amd64/       Machine code encoder and disassembly helpers
//	├── runtime/     Linear memory, globals, tables, exit marker, host functions
//	├── emu/         Reference executors for placed code
//	├── wasm/        Core wasm binary decoding, encoding and validation
//	└── errors/      Structured error types
//
// # Quick Start
//
//	e, err := engine.New(engine.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	mod, err := e.Load(ctx, wasmBytes)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	inst, err := mod.Instantiate(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inst.Close()
//
//	res, err := inst.Call(ctx, "run", 10)
//
// # Mitigations
//
//   - scatter places every code unit at its own slot in the region,
//     optionally at random.
//   - springboard wraps each unit in a hardware transaction, so an
//     asynchronous exit aborts the unit instead of leaking its progress.
//   - exitpoll counts executed instructions and checks the exit marker
//     before the budget runs out.
//
// # Thread Safety
//
// Engine and Module are safe for concurrent use. Instance is not and
// should be confined to one goroutine.
package enclavejit
