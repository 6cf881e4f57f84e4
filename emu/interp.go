package emu

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/google/btree"
	"go.uber.org/zap"
	"golang.org/x/arch/x86/x86asm"

	"github.com/wippyai/enclave-jit/errors"
)

// InterpreterName is the registered name of the built-in interpreter.
const InterpreterName = "interp"

func init() {
	Register(InterpreterName, Features{RTM: true}, func(cfg Config) (Executor, error) {
		return NewInterpreter(cfg)
	})
}

type host struct {
	fn    HostFunc
	nargs int
}

// flags holds the status flags the compiled code reads.
type flags struct {
	cf, zf, sf, of bool
}

// Interpreter is the pure Go executor. It is not safe for concurrent
// use.
type Interpreter struct {
	cfg  Config
	log  *zap.Logger
	segs *btree.BTreeG[*Segment]
	last *Segment

	hosts map[uint64]host
	insts map[uint64]x86asm.Inst

	r   [16]uint64
	fl  flags
	rip uint64

	tx   []txFrame
	undo []undoEntry

	stats Stats
	ctx   context.Context
}

// NewInterpreter creates an interpreter with cfg.Stack mapped.
func NewInterpreter(cfg Config) (*Interpreter, error) {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.StepLimit == 0 {
		cfg.StepLimit = DefaultStepLimit
	}
	m := &Interpreter{
		cfg: cfg,
		log: cfg.Log.Named("emu"),
		segs: btree.NewG(8, func(a, b *Segment) bool {
			return a.Addr < b.Addr
		}),
		hosts: make(map[uint64]host),
		insts: make(map[uint64]x86asm.Inst),
	}
	if err := m.Map(cfg.Stack); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Interpreter) Map(seg Segment) error {
	if len(seg.Data) == 0 {
		return errors.InvalidInput(errors.PhaseEmulate, "empty segment "+seg.Name)
	}
	s := &seg
	var clash *Segment
	m.segs.DescendLessOrEqual(&Segment{Addr: s.End() - 1}, func(o *Segment) bool {
		if o.End() > s.Addr {
			clash = o
		}
		return false
	})
	if clash != nil {
		return errors.New(errors.PhaseEmulate, errors.KindInvalidInput).
			Path(seg.Name).
			Detail("segment [%#x,%#x) overlaps %s [%#x,%#x)", s.Addr, s.End(), clash.Name, clash.Addr, clash.End()).
			Build()
	}
	m.segs.ReplaceOrInsert(s)
	return nil
}

func (m *Interpreter) Host(addr uint64, nargs int, fn HostFunc) {
	m.hosts[addr] = host{fn: fn, nargs: nargs}
}

func (m *Interpreter) Stats() Stats {
	return m.stats
}

func (m *Interpreter) Close() error {
	m.segs.Clear(false)
	m.insts = nil
	return nil
}

// segment returns the segment holding [addr, addr+n).
func (m *Interpreter) segment(addr uint64, n int) (*Segment, bool) {
	if s := m.last; s != nil && addr >= s.Addr && addr+uint64(n) <= s.End() {
		return s, true
	}
	var found *Segment
	m.segs.DescendLessOrEqual(&Segment{Addr: addr}, func(s *Segment) bool {
		found = s
		return false
	})
	if found == nil || addr+uint64(n) > found.End() {
		return nil, false
	}
	m.last = found
	return found, true
}

func (m *Interpreter) load(addr uint64, n int) (uint64, error) {
	s, ok := m.segment(addr, n)
	if !ok {
		return 0, fault(m.rip, "read of %d bytes from unmapped %#x", n, addr)
	}
	b := s.Data[addr-s.Addr:]
	switch n {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(b)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(b)), nil
	default:
		return binary.LittleEndian.Uint64(b), nil
	}
}

func (m *Interpreter) store(addr uint64, n int, v uint64) error {
	s, ok := m.segment(addr, n)
	if !ok {
		return fault(m.rip, "write of %d bytes to unmapped %#x", n, addr)
	}
	if s.Exec {
		return fault(m.rip, "write to code segment %s at %#x", s.Name, addr)
	}
	b := s.Data[addr-s.Addr : addr-s.Addr+uint64(n)]
	if len(m.tx) > 0 {
		m.undo = append(m.undo, undoEntry{seg: s, off: addr - s.Addr, old: append([]byte(nil), b...)})
	}
	switch n {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, v)
	}
	return nil
}

func (m *Interpreter) push(v uint64) error {
	m.r[rsp] -= 8
	return m.store(m.r[rsp], 8, v)
}

func (m *Interpreter) pop() (uint64, error) {
	v, err := m.load(m.r[rsp], 8)
	if err != nil {
		return 0, err
	}
	m.r[rsp] += 8
	return v, nil
}

// fetch decodes the instruction at addr. Code segments never change
// after they are mapped, so decodes are cached.
func (m *Interpreter) fetch(addr uint64) (x86asm.Inst, error) {
	if inst, ok := m.insts[addr]; ok {
		return inst, nil
	}
	s, ok := m.segment(addr, 1)
	if !ok {
		return x86asm.Inst{}, fault(addr, "fetch from unmapped address")
	}
	if !s.Exec {
		return x86asm.Inst{}, fault(addr, "fetch from non-executable segment %s", s.Name)
	}
	inst, err := x86asm.Decode(s.Data[addr-s.Addr:], 64)
	if err != nil {
		return x86asm.Inst{}, errors.New(errors.PhaseEmulate, errors.KindTrap).
			Value(addr).
			Cause(err).
			Detail("undecodable instruction at %#x", addr).
			Build()
	}
	m.insts[addr] = inst
	return inst, nil
}

func (m *Interpreter) Call(ctx context.Context, entry uint64, args ...uint64) (uint64, error) {
	m.r = [16]uint64{}
	m.fl = flags{}
	m.tx = m.tx[:0]
	m.undo = m.undo[:0]
	m.stats = Stats{}
	m.ctx = ctx

	m.r[rsp] = (m.cfg.Stack.End()) &^ 15
	for _, a := range args {
		if err := m.push(a); err != nil {
			return 0, err
		}
	}
	if err := m.push(HaltAddr); err != nil {
		return 0, err
	}
	m.rip = entry

	if err := m.run(); err != nil {
		return 0, err
	}
	if len(m.tx) > 0 {
		return 0, fault(m.rip, "returned with %d open transactions", len(m.tx))
	}
	return m.r[rax], nil
}

func (m *Interpreter) run() error {
	trace := m.cfg.Trace && m.log.Core().Enabled(zap.DebugLevel)
	for m.rip != HaltAddr {
		if m.stats.Steps >= m.cfg.StepLimit {
			return errors.New(errors.PhaseEmulate, errors.KindExhausted).
				Value(m.rip).
				Detail("step limit of %d instructions reached", m.cfg.StepLimit).
				Build()
		}
		if m.stats.Steps&0xFFFF == 0 {
			if err := m.ctx.Err(); err != nil {
				return err
			}
		}
		if h, ok := m.hosts[m.rip]; ok {
			if err := m.callHost(h); err != nil {
				return err
			}
			continue
		}

		inst, err := m.fetch(m.rip)
		if err != nil {
			return err
		}
		if trace {
			m.log.Debug("step", zap.String("rip", fmt.Sprintf("%#x", m.rip)), zap.String("inst", x86asm.IntelSyntax(inst, m.rip, nil)))
		}
		m.stats.Steps++
		if err := m.exec(inst); err != nil {
			return err
		}
		m.inject()
	}
	return nil
}

// callHost runs a host thunk. Argument i of n sits at [rsp+8(n-i)]
// above the return address.
func (m *Interpreter) callHost(h host) error {
	at := m.rip
	if len(m.tx) > 0 {
		return fault(at, "host call inside a transaction")
	}
	args := make([]uint64, h.nargs)
	for i := range args {
		v, err := m.load(m.r[rsp]+uint64(8*(h.nargs-i)), 8)
		if err != nil {
			return err
		}
		args[i] = v
	}
	m.stats.HostCalls++
	res, err := h.fn(m.ctx, args)
	if err != nil {
		return errors.New(errors.PhaseEmulate, errors.KindTrap).
			Value(at).
			Cause(err).
			Detail("host function failed").
			Build()
	}
	m.r[rax] = res
	ret, err := m.pop()
	if err != nil {
		return err
	}
	m.rip = ret
	return nil
}
