package engine

import (
	"fmt"
	"slices"

	units "github.com/docker/go-units"

	"github.com/wippyai/enclave-jit/cfg"
	"github.com/wippyai/enclave-jit/emu"
	"github.com/wippyai/enclave-jit/errors"
	"github.com/wippyai/enclave-jit/mitigation"
	"github.com/wippyai/enclave-jit/pass"
	"github.com/wippyai/enclave-jit/region"
	"github.com/wippyai/enclave-jit/runtime"
)

// PassNames lists the mitigations Config.Passes accepts, in the order
// they run.
var PassNames = []string{
	mitigation.ScatterName,
	mitigation.SpringboardName,
	mitigation.LfenceName,
	mitigation.ExitPollName,
}

// DefaultPasses is the mitigation set DefaultConfig enables. The lfence
// pass is opt-in since transactions already bound speculation between
// springboard transitions.
var DefaultPasses = []string{
	mitigation.ScatterName,
	mitigation.SpringboardName,
	mitigation.ExitPollName,
}

// Config holds configuration for engine creation. Zero numeric fields
// take their defaults.
type Config struct {
	// RegionSize is the capacity of each instance's code region in bytes.
	// 0 means 32 MiB.
	RegionSize int

	// UnitSize is the region allocation granule. Must be a power of two.
	// 0 means 64 bytes.
	UnitSize int

	// SplitSize closes a CFG node once it reaches this many bytes, so
	// long straight-line code is scattered in smaller pieces.
	// 0 disables splitting; 64 to 256 is typical.
	SplitSize int

	// PollThreshold is the machine instruction budget between exit
	// marker checks. 0 means 1,000,000.
	PollThreshold uint32

	// PollInterval adds an exit check after this many wasm instructions
	// without one. 0 checks at function entry and loop headers only.
	PollInterval int

	// Randomize places every code unit at a uniformly sampled slot.
	// Only has an effect when scatter runs.
	Randomize bool

	// Seed makes random placement reproducible. 0 seeds from crypto/rand.
	Seed uint64

	// Strict makes an unrecognised branch tail fatal instead of a
	// logged warning.
	Strict bool

	// AbortOnExit makes the exit poll helper trap once it observes an
	// exit instead of re-arming the marker.
	AbortOnExit bool

	// Backing selects heap or mmap memory for code regions.
	Backing region.Backing

	// Passes names the mitigations to run, see PassNames. Nil runs only
	// the CFG builder. On an executor without RTM the springboard is
	// kept inactive and exit polling runs in its place.
	Passes []string

	// Executor names the emu backend. Empty selects the interpreter.
	Executor string

	// StackSize is the size of the native stack calls run on.
	// 0 means 1 MiB.
	StackSize int

	// StepLimit bounds the instructions one call may execute.
	// 0 means emu.DefaultStepLimit.
	StepLimit uint64

	// ExitEvery simulates an asynchronous enclave exit every N
	// instructions. 0 disables exits.
	ExitEvery uint64

	// MaxExits caps the simulated exits per call. 0 means no cap.
	MaxExits int

	// Trace logs every executed instruction at debug level.
	Trace bool
}

// DefaultConfig returns the configuration the CLI starts from: the
// default mitigations, randomized placement and strict tail matching.
func DefaultConfig() Config {
	return Config{
		RegionSize:    region.DefaultSize,
		UnitSize:      region.DefaultUnitSize,
		PollThreshold: mitigation.DefaultThreshold,
		Randomize:     true,
		Strict:        true,
		Backing:       region.BackingHeap,
		Passes:        slices.Clone(DefaultPasses),
		StackSize:     runtime.DefaultStackSize,
	}
}

func (c Config) withDefaults() Config {
	if c.RegionSize <= 0 {
		c.RegionSize = region.DefaultSize
	}
	if c.UnitSize <= 0 {
		c.UnitSize = region.DefaultUnitSize
	}
	if c.PollThreshold == 0 {
		c.PollThreshold = mitigation.DefaultThreshold
	}
	if c.Backing == "" {
		c.Backing = region.BackingHeap
	}
	if c.StackSize <= 0 {
		c.StackSize = runtime.DefaultStackSize
	}
	if c.StepLimit == 0 {
		c.StepLimit = emu.DefaultStepLimit
	}
	return c
}

// validate checks the pass names and the executor.
func (c Config) validate() error {
	for _, name := range c.Passes {
		if !slices.Contains(PassNames, name) {
			return errors.New(errors.PhasePass, errors.KindInvalidInput).
				Path("passes").
				Value(name).
				Detail("unknown pass %q, want one of %v", name, PassNames).
				Build()
		}
	}
	if c.Executor != "" && !slices.Contains(emu.Backends(), c.Executor) {
		return errors.NotFound(errors.PhaseEmulate, "executor", c.Executor)
	}
	return nil
}

func (c Config) has(name string) bool {
	return slices.Contains(c.Passes, name)
}

// fallback reports whether the springboard was requested for an executor
// that cannot run it.
func (c Config) fallback(feat emu.Features) bool {
	return c.has(mitigation.SpringboardName) && !feat.RTM
}

// passes builds a fresh pass list for an executor with feat. Pass state
// is per compilation, so every instance gets its own.
func (c Config) passes(feat emu.Features) []pass.Pass {
	ps := []pass.Pass{cfg.NewBuilder(c.SplitSize)}
	if c.has(mitigation.ScatterName) {
		ps = append(ps, mitigation.NewScatter(c.Strict))
	}
	if c.has(mitigation.SpringboardName) {
		sb := mitigation.NewSpringboard(c.Strict)
		sb.SetActive(feat.RTM)
		ps = append(ps, sb)
	}
	if c.has(mitigation.LfenceName) {
		ps = append(ps, mitigation.NewLfence())
	}
	if c.has(mitigation.ExitPollName) || c.fallback(feat) {
		ps = append(ps, mitigation.NewExitPoll(c.PollThreshold, c.PollInterval, c.AbortOnExit))
	}
	return ps
}

func (c Config) String() string {
	return fmt.Sprintf("region=%s unit=%dB passes=%v randomize=%v",
		units.BytesSize(float64(c.RegionSize)), c.UnitSize, c.Passes, c.Randomize)
}
