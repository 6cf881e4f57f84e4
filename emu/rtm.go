package emu

import "go.uber.org/zap"

// MaxNesting is the transaction depth past which xbegin aborts.
const MaxNesting = 7

// Abort status bits reported in eax at the fallback.
const (
	AbortExplicit = 1 << 0
	AbortRetry    = 1 << 1
	AbortConflict = 1 << 2
	AbortCapacity = 1 << 3
	AbortNested   = 1 << 5
)

type txFrame struct {
	regs     [16]uint64
	fl       flags
	fallback uint64
	undo     int
}

type undoEntry struct {
	seg *Segment
	off uint64
	old []byte
}

// xbegin opens a transaction whose abort path resumes at fallback. rip
// already points past the xbegin.
func (m *Interpreter) xbegin(fallback uint64) {
	m.stats.Transactions++
	m.tx = append(m.tx, txFrame{
		regs:     m.r,
		fl:       m.fl,
		fallback: fallback,
		undo:     len(m.undo),
	})
	if len(m.tx) > MaxNesting {
		m.abort(AbortNested)
	}
}

func (m *Interpreter) xend() error {
	if len(m.tx) == 0 {
		return fault(m.rip, "xend outside a transaction")
	}
	m.tx = m.tx[:len(m.tx)-1]
	if len(m.tx) == 0 {
		m.undo = m.undo[:0]
	}
	return nil
}

// abort rolls back to the outermost transaction. Nested transactions
// are flattened, so an abort anywhere discards all of them.
func (m *Interpreter) abort(status uint64) {
	if len(m.tx) == 0 {
		return
	}
	outer := m.tx[0]
	for i := len(m.undo) - 1; i >= outer.undo; i-- {
		u := m.undo[i]
		copy(u.seg.Data[u.off:], u.old)
	}
	m.undo = m.undo[:outer.undo]
	m.tx = m.tx[:0]

	m.r = outer.regs
	m.fl = outer.fl
	m.r[rax] = status
	m.rip = outer.fallback
	m.stats.Aborts++
	m.log.Debug("transaction aborted",
		zap.Uint64("status", status),
		zap.Uint64("fallback", outer.fallback))
}

// inject delivers an asynchronous exit when one is due.
func (m *Interpreter) inject() {
	every := m.cfg.ExitEvery
	if every == 0 || m.stats.Steps%every != 0 {
		return
	}
	if m.cfg.MaxExits > 0 && m.stats.Exits >= m.cfg.MaxExits {
		return
	}
	m.stats.Exits++
	m.abort(0)
	if m.cfg.OnExit != nil {
		m.cfg.OnExit()
	}
}
