// Command enclavejit compiles WebAssembly modules through the enclave
// mitigation pipeline and runs the result on the reference executor.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wippyai/enclave-jit/engine"
	"github.com/wippyai/enclave-jit/region"
)

var (
	Version = "dev"
	Commit  = "none"
)

// options are the flags shared by every command.
type options struct {
	regionSize    string
	stackSize     string
	passes        string
	executor      string
	traceEndpoint string
	unitSize      int
	splitSize     int
	pollInterval  int
	maxExits      int
	pollThreshold uint32
	seed          uint64
	exitEvery     uint64
	stepLimit     uint64
	mmap          bool
	sequential    bool
	lenient       bool
	abortOnExit   bool
	verbose       bool
	traceInsts    bool
}

func main() {
	opts := &options{}
	root := &cobra.Command{
		Use:           "enclavejit",
		Short:         "Compile and run WebAssembly under enclave code layout mitigations",
		Version:       Version + " (" + Commit + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	f := root.PersistentFlags()
	f.StringVar(&opts.regionSize, "region-size", "32MiB", "code region capacity")
	f.StringVar(&opts.stackSize, "stack-size", "1MiB", "native stack size")
	f.IntVar(&opts.unitSize, "unit-size", region.DefaultUnitSize, "region allocation granule in bytes")
	f.IntVar(&opts.splitSize, "split", 0, "split CFG nodes at this many bytes (0 disables)")
	f.StringVar(&opts.passes, "passes", strings.Join(engine.DefaultPasses, ","),
		"comma-separated mitigations to run ("+strings.Join(engine.PassNames, ", ")+"), or none")
	f.Uint64Var(&opts.seed, "seed", 0, "placement seed (0 picks one at random)")
	f.BoolVar(&opts.sequential, "sequential", false, "scatter units in order instead of at random slots")
	f.BoolVar(&opts.lenient, "lenient", false, "log unrecognised branch tails instead of failing")
	f.BoolVar(&opts.mmap, "mmap", false, "back the code region with an executable mapping")
	f.Uint32Var(&opts.pollThreshold, "poll-threshold", 0, "instructions between exit marker polls")
	f.IntVar(&opts.pollInterval, "poll-interval", 0, "extra exit checks every N wasm instructions")
	f.BoolVar(&opts.abortOnExit, "abort-on-exit", false, "trap when a poll observes an exit")
	f.StringVar(&opts.executor, "executor", "", "emulator backend")
	f.Uint64Var(&opts.exitEvery, "exit-every", 0, "simulate an enclave exit every N instructions")
	f.IntVar(&opts.maxExits, "max-exits", 0, "cap simulated exits per call")
	f.Uint64Var(&opts.stepLimit, "step-limit", 0, "instruction budget per call")
	f.BoolVar(&opts.traceInsts, "trace-insts", false, "log every executed instruction (needs --verbose)")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	f.StringVar(&opts.traceEndpoint, "trace-endpoint", "", "OTLP/HTTP collector for engine spans (host:port)")

	var shutdown func(context.Context) error
	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if opts.verbose {
			l, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			engine.SetLogger(l)
		}
		var err error
		shutdown, err = setupTracing(cmd.Context(), opts.traceEndpoint)
		return err
	}
	root.PersistentPostRunE = func(cmd *cobra.Command, _ []string) error {
		_ = engine.Logger().Sync()
		if shutdown == nil {
			return nil
		}
		return shutdown(context.WithoutCancel(cmd.Context()))
	}

	root.AddCommand(
		compileCmd(opts),
		inspectCmd(opts),
		runCmd(opts),
		tuiCmd(opts),
	)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// config turns the flags into an engine configuration.
func (o *options) config() (engine.Config, error) {
	cfg := engine.DefaultConfig()
	regionSize, err := units.RAMInBytes(o.regionSize)
	if err != nil {
		return cfg, fmt.Errorf("--region-size: %w", err)
	}
	stackSize, err := units.RAMInBytes(o.stackSize)
	if err != nil {
		return cfg, fmt.Errorf("--stack-size: %w", err)
	}
	cfg.RegionSize = int(regionSize)
	cfg.StackSize = int(stackSize)
	cfg.UnitSize = o.unitSize
	cfg.SplitSize = o.splitSize
	cfg.Passes = nil
	if o.passes != "none" {
		for _, p := range strings.Split(o.passes, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.Passes = append(cfg.Passes, p)
			}
		}
	}
	cfg.Seed = o.seed
	cfg.Randomize = !o.sequential
	cfg.Strict = !o.lenient
	if o.mmap {
		cfg.Backing = region.BackingMmap
	}
	if o.pollThreshold != 0 {
		cfg.PollThreshold = o.pollThreshold
	}
	cfg.PollInterval = o.pollInterval
	cfg.AbortOnExit = o.abortOnExit
	cfg.Executor = o.executor
	cfg.ExitEvery = o.exitEvery
	cfg.MaxExits = o.maxExits
	cfg.StepLimit = o.stepLimit
	cfg.Trace = o.traceInsts
	return cfg, nil
}

// load reads a module file and prepares it under the flag configuration.
func (o *options) load(ctx context.Context, path string) (*engine.Engine, *engine.Module, error) {
	cfg, err := o.config()
	if err != nil {
		return nil, nil, err
	}
	e, err := engine.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	registerHosts(e)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read file: %w", err)
	}
	m, err := e.Load(ctx, data)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", path, err)
	}
	return e, m, nil
}

// registerHosts provides the small env namespace test modules import.
func registerHosts(e *engine.Engine) {
	h := e.Hosts()
	_ = h.RegisterFunc("env", "print_i32", func(v int32) { fmt.Println(v) })
	_ = h.RegisterFunc("env", "print_i64", func(v int64) { fmt.Println(v) })
	_ = h.RegisterFunc("env", "abort", func(code int32) error {
		return fmt.Errorf("module aborted with code %d", code)
	})
}
