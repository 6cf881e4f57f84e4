package amd64

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Line is one disassembled instruction.
type Line struct {
	Inst  x86asm.Inst
	Text  string
	Bytes []byte
	Addr  uint64
}

// Decode decodes one 64-bit mode instruction.
func Decode(code []byte) (x86asm.Inst, error) {
	return x86asm.Decode(code, 64)
}

// Disassemble decodes code that will run at addr. Decoding stops at the
// first invalid encoding, which is reported as an error.
func Disassemble(code []byte, addr uint64) ([]Line, error) {
	var lines []Line
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			return lines, fmt.Errorf("decode at +%#x: %w", off, err)
		}
		pc := addr + uint64(off)
		lines = append(lines, Line{
			Inst:  inst,
			Text:  x86asm.IntelSyntax(inst, pc, nil),
			Bytes: code[off : off+inst.Len],
			Addr:  pc,
		})
		off += inst.Len
	}
	return lines, nil
}

// Format renders lines as an objdump-style listing.
func Format(lines []Line) string {
	var sb strings.Builder
	for _, l := range lines {
		fmt.Fprintf(&sb, "%#012x  %-24x %s\n", l.Addr, l.Bytes, strings.ToLower(l.Text))
	}
	return sb.String()
}

// RelTarget returns the absolute target of a relative branch line.
func (l Line) RelTarget() (uint64, bool) {
	rel, ok := l.Inst.Args[0].(x86asm.Rel)
	if !ok {
		return 0, false
	}
	return l.Addr + uint64(l.Inst.Len) + uint64(int64(rel)), true
}
