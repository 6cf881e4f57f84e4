package mitigation

import (
	"go.uber.org/zap"

	"github.com/wippyai/enclave-jit/amd64"
	"github.com/wippyai/enclave-jit/errors"
	"github.com/wippyai/enclave-jit/pass"
	"github.com/wippyai/enclave-jit/reloc"
)

// rewriter holds the tail handling shared by passes that redirect
// branches.
type rewriter struct {
	name   string
	strict bool
}

// branch classifies the tail instruction. An unrecognised tail is fatal
// in strict mode and skipped with a warning otherwise.
func (rw rewriter) branch(ctx *pass.Context) (amd64.Branch, bool) {
	br, ok := ctx.Buf.TailBranch()
	if ok && br.Form != amd64.FormJmpReg {
		return br, true
	}
	tail := ctx.Buf.Tail()
	if rw.strict {
		errors.Fatal(errors.UnrecognizedPattern(errors.PhasePass, ctx.Path(rw.name), tail))
	}
	ctx.Log.Warn("unrecognized branch tail, leaving it in place",
		zap.String("pass", rw.name),
		zap.Uint32("func", ctx.Func),
		zap.Binary("tail", tail))
	return br, false
}

// cut discards the tail instruction at off together with its ledger
// entries.
func cut(ctx *pass.Context, off int) {
	ctx.Buf.Truncate(off)
	ctx.Ledger.Truncate(off)
}

// emitBranch re-emits br's form as a rel32 branch whose displacement is
// recorded in the ledger. Short jumps are promoted.
func emitBranch(ctx *pass.Context, br amd64.Branch, e reloc.Entry) {
	if br.Unconditional() {
		e.Offset = ctx.Buf.JmpRel(0)
	} else {
		e.Offset = ctx.Buf.JccRel(br.Cond, 0)
	}
	ctx.Ledger.Add(e)
}

// tailEntry returns the ledger entry patching the tail branch at off.
func tailEntry(ctx *pass.Context, br amd64.Branch) (reloc.Entry, bool) {
	site := br.Offset + br.Len - 4
	entries := ctx.Ledger.Entries
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Offset == site && !entries[i].Kind.Marker() {
			return entries[i], true
		}
		if entries[i].Offset < br.Offset {
			break
		}
	}
	return reloc.Entry{}, false
}
