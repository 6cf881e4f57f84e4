// Package engine ties the pipeline together: it compiles a WebAssembly
// module with the configured mitigation passes, places the result in a
// code region, resolves every relocation and runs exports on an emu
// executor.
//
// # Architecture
//
// The engine package provides three main types:
//
//	Engine   - Holds the configuration and the host function registry
//	Module   - A parsed and validated module, can create instances
//	Instance - A placed, resolved and committed module with exports
//
// # Instantiation Flow
//
//  1. Engine.Load() parses the binary and rejects what the compiler cannot handle
//  2. Module.Instantiate() allocates memory, globals, the table, the exit
//     marker and the stack, so every object has its final address
//  3. Every defined function is compiled through the pass manager
//  4. Helper blocks and host thunks are written into a fresh code region
//  5. Functions are placed flat, or unit by unit when scatter is active
//  6. One resolver pass patches every ledger entry, then the region is
//     committed and each placed unit is validated by every pass
//  7. Instance.Call() runs an export on the configured executor
//
// Nothing of a module is installed until every step succeeded. Fatal
// errors raised inside pass hooks come back as *errors.Error values.
//
// # Passes
//
// Config.Passes selects the mitigations by name. The CFG builder always
// runs first; the mitigations follow in the fixed order scatter,
// springboard, lfence, exitpoll regardless of the order they are listed
// in.
//
// New senses the executor's features. A backend without restricted
// transactional memory cannot run the springboard, so the engine keeps
// that pass inactive, adds exit polling if it was not requested and logs
// a warning.
//
// # Asynchronous Exits
//
// With Config.ExitEvery set the executor simulates enclave exits. Every
// exit overwrites the instance's exit marker, which the exit poll helper
// notices on its next check.
//
// # Reference Execution
//
// Reference runs the same binary on wazero. Tests use it to check that
// the placed code computes what the module means.
//
// # Thread Safety
//
// Engine is safe for concurrent use; it instantiates one module at a
// time. Instance is NOT thread-safe and should be used by a single
// goroutine.
package engine
