package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	units "github.com/docker/go-units"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/wippyai/enclave-jit/amd64"
	"github.com/wippyai/enclave-jit/engine"
	"github.com/wippyai/enclave-jit/wasm"
)

func compileCmd(opts *options) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "compile <file.wasm>",
		Short: "Compile, place and resolve a module and report the layout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, m, err := opts.load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			inst, err := m.Instantiate(cmd.Context())
			if err != nil {
				return fmt.Errorf("instantiate: %w", err)
			}
			defer inst.Close()

			r := inst.Region()
			res := inst.Resolution()
			fmt.Printf("Module:      %s (%s)\n", args[0], m.ID)
			fmt.Printf("Config:      %s\n", e.Config())
			fmt.Printf("Executor:    rtm=%t\n", e.Features().RTM)
			fmt.Printf("Region:      %s\n", r)
			fmt.Printf("Functions:   %d\n", len(inst.Functions()))
			fmt.Printf("Helpers:     %d\n", len(inst.Helpers()))
			fmt.Printf("Relocations: %d patched, %d markers, %d skipped\n", res.Patched, res.Markers, res.Skipped)

			if out != "" {
				if err := os.WriteFile(out, r.Bytes(), 0o644); err != nil {
					return fmt.Errorf("write image: %w", err)
				}
				fmt.Printf("Image:       %s (%s at %#x)\n", out, units.BytesSize(float64(len(r.Bytes()))), r.Base())
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "write the committed region image to this file")
	return cmd
}

func inspectCmd(opts *options) *cobra.Command {
	var (
		fn       int
		noGraph  bool
		noLedger bool
		noDisasm bool
	)
	cmd := &cobra.Command{
		Use:   "inspect <file.wasm>",
		Short: "Print the control flow graph and placed machine code of each function",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, m, err := opts.load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			inst, err := m.Instantiate(cmd.Context())
			if err != nil {
				return fmt.Errorf("instantiate: %w", err)
			}
			defer inst.Close()

			p := newPrinter()
			code := inst.Region().Bytes()
			base := inst.Region().Base()
			for _, h := range inst.Helpers() {
				p.header(fmt.Sprintf("helper %s at %#x", h.Pass, h.Addr))
				if !noDisasm {
					lines, err := amd64.Disassemble(h.Code, h.Addr)
					p.listing(lines, err)
				}
			}
			for _, f := range inst.Functions() {
				if fn >= 0 && int(f.Index) != fn {
					continue
				}
				p.header(fmt.Sprintf("func[%d] entry %#x, %d units", f.Index, f.Placement.Entry, len(f.Placement.Units)))
				if !noGraph {
					fmt.Println(f.Graph.Dump())
				}
				if !noLedger {
					p.sub(fmt.Sprintf("ledger: %d entries", f.Ledger.Len()))
					for i, e := range f.Ledger.Entries {
						fmt.Printf("  %3d %s\n", i, e)
					}
				}
				if noDisasm {
					continue
				}
				err := f.Placement.Each(f.Code, func(unit int, addr uint64, _ []byte) error {
					size := f.Placement.Units[unit].Size
					p.sub(fmt.Sprintf("unit %d at %#x", unit, addr))
					lines, err := amd64.Disassemble(code[addr-base:addr-base+uint64(size)], addr)
					p.listing(lines, err)
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&fn, "func", "f", -1, "only this function index")
	cmd.Flags().BoolVar(&noGraph, "no-graph", false, "skip the CFG dump")
	cmd.Flags().BoolVar(&noLedger, "no-ledger", false, "skip the relocation ledger")
	cmd.Flags().BoolVar(&noDisasm, "no-disasm", false, "skip disassembly")
	return cmd
}

func runCmd(opts *options) *cobra.Command {
	var (
		export    string
		reference bool
		repeat    int
	)
	cmd := &cobra.Command{
		Use:   "run <file.wasm> [args...]",
		Short: "Call an exported function on the emulator",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, m, err := opts.load(ctx, args[0])
			if err != nil {
				return err
			}
			if export == "" {
				export, err = pickExport(m)
				if err != nil {
					return err
				}
			}
			ft, err := m.Signature(export)
			if err != nil {
				return err
			}
			vals, err := parseArgs(args[1:], ft)
			if err != nil {
				return err
			}

			inst, err := m.Instantiate(ctx)
			if err != nil {
				return fmt.Errorf("instantiate: %w", err)
			}
			defer inst.Close()

			for i := 0; i < repeat; i++ {
				res, err := inst.Call(ctx, export, vals...)
				if err != nil {
					return fmt.Errorf("call %s: %w", export, err)
				}
				st := inst.LastStats()
				fmt.Printf("%s = %s\n", export, formatResult(res, ft))
				fmt.Printf("  steps=%d fences=%d transactions=%d aborts=%d exits=%d host-calls=%d exited=%t\n",
					st.Steps, st.Fences, st.Transactions, st.Aborts, st.Exits, st.HostCalls, inst.Marker.Exited())
				if !reference {
					continue
				}
				want, err := m.Reference(ctx, export, vals...)
				if err != nil {
					return fmt.Errorf("reference %s: %w", export, err)
				}
				if want != res {
					return fmt.Errorf("result %s differs from reference %s", formatResult(res, ft), formatResult(want, ft))
				}
				fmt.Println("  matches reference")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&export, "func", "f", "", "export to call (default: _start, run, main or the only export)")
	cmd.Flags().BoolVar(&reference, "reference", false, "compare against wazero's interpreter")
	cmd.Flags().IntVarP(&repeat, "repeat", "n", 1, "number of calls")
	return cmd
}

func tuiCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "tui <file.wasm>",
		Short: "Interactively call exports and watch layout and executor statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInteractive(cmd.Context(), opts, args[0])
		},
	}
}

func pickExport(m *engine.Module) (string, error) {
	exports := m.Exports()
	for _, name := range []string{"_start", "run", "main"} {
		for _, e := range exports {
			if e == name {
				return name, nil
			}
		}
	}
	if len(exports) == 1 {
		return exports[0], nil
	}
	return "", fmt.Errorf("no common entry point among %v, use --func", exports)
}

// parseArgs reads decimal or 0x-prefixed integers, signed or not.
func parseArgs(args []string, ft *wasm.FuncType) ([]uint64, error) {
	if len(args) != len(ft.Params) {
		return nil, fmt.Errorf("function takes %d arguments, got %d", len(ft.Params), len(args))
	}
	vals := make([]uint64, len(args))
	for i, a := range args {
		v, err := parseValue(a, ft.Params[i])
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		vals[i] = v
	}
	return vals, nil
}

func parseValue(s string, t wasm.ValType) (uint64, error) {
	bits := 64
	if t == wasm.ValI32 {
		bits = 32
	}
	if strings.HasPrefix(s, "-") {
		v, err := strconv.ParseInt(s, 0, bits)
		if err != nil {
			return 0, err
		}
		if bits == 32 {
			return uint64(uint32(int32(v))), nil
		}
		return uint64(v), nil
	}
	return strconv.ParseUint(s, 0, bits)
}

func formatResult(v uint64, ft *wasm.FuncType) string {
	if len(ft.Results) == 0 {
		return "()"
	}
	if ft.Results[0] == wasm.ValI32 {
		return fmt.Sprintf("%d (%#x)", int32(uint32(v)), uint32(v))
	}
	return fmt.Sprintf("%d (%#x)", int64(v), v)
}

// printer styles headers when stdout is a terminal and clips listing
// lines to its width.
type printer struct {
	headStyle lipgloss.Style
	subStyle  lipgloss.Style
	errStyle  lipgloss.Style
	width     int
	color     bool
}

func newPrinter() *printer {
	p := &printer{
		headStyle: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FAFAFA")).Background(lipgloss.Color("#7D56F4")).Padding(0, 1),
		subStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("#87CEEB")),
		errStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")),
	}
	fd := int(os.Stdout.Fd())
	if term.IsTerminal(fd) {
		p.color = true
		if w, _, err := term.GetSize(fd); err == nil {
			p.width = w
		}
	}
	return p
}

func (p *printer) header(s string) {
	fmt.Println()
	if p.color {
		s = p.headStyle.Render(s)
	}
	fmt.Println(s)
}

func (p *printer) sub(s string) {
	if p.color {
		s = p.subStyle.Render(s)
	}
	fmt.Println(s)
}

func (p *printer) listing(lines []amd64.Line, err error) {
	for _, l := range strings.Split(strings.TrimRight(amd64.Format(lines), "\n"), "\n") {
		if p.width > 0 && len(l) > p.width {
			l = l[:p.width]
		}
		fmt.Println(l)
	}
	if err != nil {
		msg := "  " + err.Error()
		if p.color {
			msg = p.errStyle.Render(msg)
		}
		fmt.Println(msg)
	}
}
