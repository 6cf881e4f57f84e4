// Package mitigation implements the side-channel hardening passes that
// ride on the CFG builder.
//
// Every pass here depends on the cfg pass and only reads its graph. A
// pass may rewrite the branch at the tail of the code buffer, append
// auxiliary code at node boundaries and contribute one module-wide helper
// block. All addresses it embeds go through the relocation ledger, so the
// result is correct for flat and scattered placement alike.
//
//   - Scatter turns every branch and fallthrough into a unit-relative
//     jump so code units can be placed independently.
//   - Springboard funnels every block transition through a shared
//     trampoline that closes and reopens a hardware transaction.
//   - Lfence places a speculation barrier behind every conditional
//     branch and at the head of every node a branch can reach.
//   - ExitPoll counts executed instructions and periodically checks the
//     host-visible exit marker for forced enclave exits.
package mitigation
