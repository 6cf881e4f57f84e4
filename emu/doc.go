// Package emu executes placed x86-64 code without running it natively.
//
// Enclave hardware is not available to the pipeline's tests or the CLI,
// so compiled modules run on an Executor instead. The default executor
// is an interpreter over golang.org/x/arch/x86/x86asm decoding that
// covers the instruction subset the compiler, the mitigation passes and
// their helpers emit. It maps every runtime slab at its real address,
// so the absolute pointers written by the relocation resolver work as
// they are.
//
// The interpreter models the enclave features the mitigations target:
//
//   - Restricted transactional memory. xbegin snapshots registers and
//     starts an undo log for memory writes; xend commits; an abort rolls
//     back to the outermost transaction and resumes at its fallback with
//     the status in eax. Nested transactions flatten into the outermost.
//   - Asynchronous enclave exits. Config.ExitEvery injects an exit every
//     N instructions: a running transaction aborts and Config.OnExit runs
//     so the host can overwrite the exit marker.
//
// Host functions are reached through thunk addresses. When execution
// arrives at a registered thunk, the executor reads the arguments the
// caller pushed, runs the Go handler, places the result in rax and
// returns to the caller.
//
// Backends register the Features they model, and Sense reports them
// before anything is compiled for the backend.
//
// With the unicorn build tag, Open("unicorn", ...) provides a second
// executor backed by the Unicorn engine. It has no RTM model and says so:
// xbegin and xend are stepped over if they are met, and the engine swaps
// the springboard for exit polling when it targets this backend.
package emu
