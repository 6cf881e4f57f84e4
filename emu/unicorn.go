//go:build unicorn
// +build unicorn

package emu

import (
	"context"
	"encoding/binary"
	"sort"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
	"go.uber.org/zap"

	"github.com/wippyai/enclave-jit/errors"
)

// UnicornName is the registered name of the Unicorn backed executor.
const UnicornName = "unicorn"

const ucPageSize = 0x1000

func init() {
	Register(UnicornName, Features{}, func(cfg Config) (Executor, error) {
		return NewUnicorn(cfg)
	})
}

var ucGPRs = []int{
	uc.X86_REG_RAX, uc.X86_REG_RCX, uc.X86_REG_RDX, uc.X86_REG_RBX,
	uc.X86_REG_RSP, uc.X86_REG_RBP, uc.X86_REG_RSI, uc.X86_REG_RDI,
	uc.X86_REG_R8, uc.X86_REG_R9, uc.X86_REG_R10, uc.X86_REG_R11,
	uc.X86_REG_R12, uc.X86_REG_R13, uc.X86_REG_R14, uc.X86_REG_R15,
}

// Unicorn runs code on the Unicorn CPU emulator. Segments keep their
// addresses; the pages covering them are mapped on first use and
// writable segments are copied back after every call.
type Unicorn struct {
	cfg   Config
	log   *zap.Logger
	mu    uc.Unicorn
	segs  []Segment
	pages map[uint64]bool
	hosts map[uint64]host

	stats Stats
	ctx   context.Context
	err   error
}

// NewUnicorn creates a Unicorn executor with cfg.Stack mapped.
func NewUnicorn(cfg Config) (*Unicorn, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_64)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseEmulate, errors.KindNotInitialized, err, "create unicorn")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	u := &Unicorn{
		cfg:   cfg,
		log:   cfg.Log.Named("unicorn"),
		mu:    mu,
		pages: make(map[uint64]bool),
		hosts: make(map[uint64]host),
	}
	if _, err := mu.HookAdd(uc.HOOK_CODE, u.onCode, 1, 0); err != nil {
		mu.Close()
		return nil, errors.Wrap(errors.PhaseEmulate, errors.KindNotInitialized, err, "install code hook")
	}
	if err := u.Map(cfg.Stack); err != nil {
		mu.Close()
		return nil, err
	}
	return u, nil
}

func (u *Unicorn) Map(seg Segment) error {
	if len(seg.Data) == 0 {
		return errors.InvalidInput(errors.PhaseEmulate, "empty segment "+seg.Name)
	}
	for _, o := range u.segs {
		if seg.Addr < o.End() && o.Addr < seg.End() {
			return errors.New(errors.PhaseEmulate, errors.KindInvalidInput).
				Path(seg.Name).
				Detail("segment overlaps %s", o.Name).
				Build()
		}
	}
	first := seg.Addr &^ (ucPageSize - 1)
	last := (seg.End() + ucPageSize - 1) &^ (ucPageSize - 1)
	for p := first; p < last; p += ucPageSize {
		if u.pages[p] {
			continue
		}
		if err := u.mu.MemMapProt(p, ucPageSize, uc.PROT_ALL); err != nil {
			return errors.Wrap(errors.PhaseEmulate, errors.KindInvalidInput, err, "map "+seg.Name)
		}
		u.pages[p] = true
	}
	u.segs = append(u.segs, seg)
	sort.Slice(u.segs, func(i, j int) bool { return u.segs[i].Addr < u.segs[j].Addr })
	return nil
}

func (u *Unicorn) Host(addr uint64, nargs int, fn HostFunc) {
	u.hosts[addr] = host{fn: fn, nargs: nargs}
}

func (u *Unicorn) Stats() Stats {
	return u.stats
}

func (u *Unicorn) Close() error {
	return u.mu.Close()
}

func (u *Unicorn) Call(ctx context.Context, entry uint64, args ...uint64) (uint64, error) {
	u.stats = Stats{}
	u.ctx = ctx
	u.err = nil

	for _, s := range u.segs {
		if err := u.mu.MemWrite(s.Addr, s.Data); err != nil {
			return 0, errors.Wrap(errors.PhaseEmulate, errors.KindInvalidInput, err, "load "+s.Name)
		}
	}
	for _, r := range ucGPRs {
		if err := u.mu.RegWrite(r, 0); err != nil {
			return 0, errors.Wrap(errors.PhaseEmulate, errors.KindInvariant, err, "reset registers")
		}
	}

	sp := u.cfg.Stack.End() &^ 15
	frame := make([]byte, 8*(len(args)+1))
	binary.LittleEndian.PutUint64(frame, HaltAddr)
	for i, a := range args {
		binary.LittleEndian.PutUint64(frame[8*(len(args)-i):], a)
	}
	sp -= uint64(len(frame))
	if err := u.mu.MemWrite(sp, frame); err != nil {
		return 0, errors.Wrap(errors.PhaseEmulate, errors.KindInvalidInput, err, "write call frame")
	}
	if err := u.mu.RegWrite(uc.X86_REG_RSP, sp); err != nil {
		return 0, errors.Wrap(errors.PhaseEmulate, errors.KindInvariant, err, "set rsp")
	}

	runErr := u.mu.Start(entry, HaltAddr)
	if err := u.sync(); err != nil {
		return 0, err
	}
	if u.err != nil {
		return 0, u.err
	}
	if runErr != nil {
		rip, _ := u.mu.RegRead(uc.X86_REG_RIP)
		return 0, errors.New(errors.PhaseEmulate, errors.KindTrap).
			Value(rip).
			Cause(runErr).
			Detail("emulation stopped at %#x", rip).
			Build()
	}
	return u.mu.RegRead(uc.X86_REG_RAX)
}

// sync copies writable segments back to host memory.
func (u *Unicorn) sync() error {
	for _, s := range u.segs {
		if s.Exec {
			continue
		}
		b, err := u.mu.MemRead(s.Addr, uint64(len(s.Data)))
		if err != nil {
			return errors.Wrap(errors.PhaseEmulate, errors.KindInvariant, err, "read back "+s.Name)
		}
		copy(s.Data, b)
	}
	return nil
}

// fail records the first error of a call and stops emulation.
func (u *Unicorn) fail(err error) {
	if u.err == nil {
		u.err = err
	}
	_ = u.mu.Stop()
}

type regWriter interface {
	RegWrite(reg int, value uint64) error
}

// writeRegs applies pairs of (register, value) in order and stops at the
// first rejected write.
func writeRegs(w regWriter, pairs ...uint64) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if err := w.RegWrite(int(pairs[i]), pairs[i+1]); err != nil {
			return errors.Wrap(errors.PhaseEmulate, errors.KindInvariant, err, "write register")
		}
	}
	return nil
}

func (u *Unicorn) onCode(mu uc.Unicorn, addr uint64, size uint32) {
	if u.err != nil {
		return
	}
	u.stats.Steps++
	if u.stats.Steps > u.cfg.StepLimit {
		u.fail(errors.New(errors.PhaseEmulate, errors.KindExhausted).
			Value(addr).
			Detail("step limit of %d instructions reached", u.cfg.StepLimit).
			Build())
		return
	}
	if u.stats.Steps&0xFFFF == 0 {
		if err := u.ctx.Err(); err != nil {
			u.fail(err)
			return
		}
	}
	if every := u.cfg.ExitEvery; every > 0 && u.stats.Steps%every == 0 &&
		(u.cfg.MaxExits == 0 || u.stats.Exits < u.cfg.MaxExits) {
		u.stats.Exits++
		if u.cfg.OnExit != nil {
			u.cfg.OnExit()
		}
	}

	if h, ok := u.hosts[addr]; ok {
		u.callHost(mu, h)
		return
	}

	// No RTM model: transactions always commit.
	code, err := mu.MemRead(addr, 3)
	if err != nil {
		return
	}
	switch {
	case code[0] == 0x0F && code[1] == 0xAE && code[2] == 0xE8:
		u.stats.Fences++
	case code[0] == 0xC7 && code[1] == 0xF8:
		u.stats.Transactions++
		err = writeRegs(mu, uc.X86_REG_RIP, addr+6)
	case code[0] == 0x0F && code[1] == 0x01 && code[2] == 0xD5:
		err = writeRegs(mu, uc.X86_REG_RIP, addr+3)
	}
	if err != nil {
		u.fail(err)
	}
}

func (u *Unicorn) callHost(mu uc.Unicorn, h host) {
	sp, err := mu.RegRead(uc.X86_REG_RSP)
	if err != nil {
		u.fail(err)
		return
	}
	frame, err := mu.MemRead(sp, uint64(8*(h.nargs+1)))
	if err != nil {
		u.fail(fault(sp, "host call frame unreadable"))
		return
	}
	args := make([]uint64, h.nargs)
	for i := range args {
		args[i] = binary.LittleEndian.Uint64(frame[8*(h.nargs-i):])
	}
	u.stats.HostCalls++
	res, err := h.fn(u.ctx, args)
	if err != nil {
		u.fail(errors.New(errors.PhaseEmulate, errors.KindTrap).Cause(err).Detail("host function failed").Build())
		return
	}
	if err := writeRegs(mu,
		uc.X86_REG_RAX, res,
		uc.X86_REG_RSP, sp+8,
		uc.X86_REG_RIP, binary.LittleEndian.Uint64(frame),
	); err != nil {
		u.fail(err)
	}
}
