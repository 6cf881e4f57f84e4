package wasm

import (
	"fmt"

	"github.com/wippyai/enclave-jit/wasm/internal/binary"
)

// Instruction represents a decoded WebAssembly instruction
type Instruction struct {
	Imm    interface{}
	Opcode byte
}

// BlockImm holds the block type for block, loop and if.
type BlockImm struct {
	Type int32 // -64=void, -1=i32, -2=i64, >=0=type index
}

// BranchImm holds the label index for br and br_if instructions.
type BranchImm struct {
	LabelIdx uint32
}

// BrTableImm holds the label table for br_table instruction.
type BrTableImm struct {
	Labels  []uint32
	Default uint32
}

// CallImm holds the function index for call instruction.
type CallImm struct {
	FuncIdx uint32
}

// CallIndirectImm holds type and table indices for call_indirect instruction.
type CallIndirectImm struct {
	TypeIdx  uint32
	TableIdx uint32
}

// LocalImm holds the local index for local.get, local.set, local.tee.
type LocalImm struct {
	LocalIdx uint32
}

// GlobalImm holds the global index for global.get and global.set.
type GlobalImm struct {
	GlobalIdx uint32
}

// MemoryImm holds memory access parameters for load and store instructions.
type MemoryImm struct {
	Offset uint64
	Align  uint32
}

// MemoryIdxImm holds memory index for memory.size, memory.grow
type MemoryIdxImm struct {
	MemIdx uint32
}

// I32Imm holds the constant value for i32.const instruction.
type I32Imm struct {
	Value int32
}

// I64Imm holds the constant value for i64.const instruction.
type I64Imm struct {
	Value int64
}

// FloatImm holds the raw bits of an f32.const or f64.const.
type FloatImm struct {
	Bits uint64
}

// IsBranch reports whether the instruction transfers control to a label.
func (i Instruction) IsBranch() bool {
	switch i.Opcode {
	case OpBr, OpBrIf, OpBrTable:
		return true
	}
	return false
}

// IsControl reports whether the instruction opens, splits or closes a
// structured control construct.
func (i Instruction) IsControl() bool {
	switch i.Opcode {
	case OpBlock, OpLoop, OpIf, OpElse, OpEnd:
		return true
	}
	return false
}

// DecodeInstructions decodes a function body's instruction bytes.
func DecodeInstructions(code []byte) ([]Instruction, error) {
	r := binary.NewReader(code)
	var out []Instruction
	for r.Len() > 0 {
		pos := r.Position()
		op, _ := r.ReadByte()
		instr := Instruction{Opcode: op}
		imm, err := decodeImmediate(r, op)
		if err != nil {
			return nil, &binary.ParseError{Section: OpcodeName(op), Position: pos, Err: err}
		}
		instr.Imm = imm
		out = append(out, instr)
	}
	return out, nil
}

func decodeImmediate(r *binary.Reader, op byte) (interface{}, error) {
	switch {
	case op == OpBlock || op == OpLoop || op == OpIf:
		t, err := r.ReadS64()
		if err != nil {
			return nil, err
		}
		return BlockImm{Type: int32(t)}, nil

	case op == OpBr || op == OpBrIf:
		l, err := r.ReadU32()
		return BranchImm{LabelIdx: l}, err

	case op == OpBrTable:
		n, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		if int(n) > r.Len() {
			return nil, fmt.Errorf("br_table with %d labels exceeds body", n)
		}
		labels := make([]uint32, n)
		for i := range labels {
			if labels[i], err = r.ReadU32(); err != nil {
				return nil, err
			}
		}
		def, err := r.ReadU32()
		return BrTableImm{Labels: labels, Default: def}, err

	case op == OpCall:
		f, err := r.ReadU32()
		return CallImm{FuncIdx: f}, err

	case op == OpCallIndirect:
		t, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		tbl, err := r.ReadU32()
		return CallIndirectImm{TypeIdx: t, TableIdx: tbl}, err

	case op >= OpLocalGet && op <= OpLocalTee:
		l, err := r.ReadU32()
		return LocalImm{LocalIdx: l}, err

	case op == OpGlobalGet || op == OpGlobalSet:
		g, err := r.ReadU32()
		return GlobalImm{GlobalIdx: g}, err

	case op >= OpI32Load && op <= OpI64Store32:
		align, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		off, err := r.ReadU64()
		return MemoryImm{Align: align, Offset: off}, err

	case op == OpMemorySize || op == OpMemoryGrow:
		m, err := r.ReadU32()
		return MemoryIdxImm{MemIdx: m}, err

	case op == OpI32Const:
		v, err := r.ReadS32()
		return I32Imm{Value: v}, err

	case op == OpI64Const:
		v, err := r.ReadS64()
		return I64Imm{Value: v}, err

	case op == OpF32Const:
		v, err := r.ReadU32LE()
		return FloatImm{Bits: uint64(v)}, err

	case op == OpF64Const:
		lo, err := r.ReadU32LE()
		if err != nil {
			return nil, err
		}
		hi, err := r.ReadU32LE()
		return FloatImm{Bits: uint64(hi)<<32 | uint64(lo)}, err

	case op == OpSelectType || op == OpPrefixMisc || op > OpLastSingleByte:
		return nil, fmt.Errorf("unsupported opcode 0x%02x", op)

	case op >= 0x06 && op <= 0x0A, op >= 0x12 && op <= 0x19, op >= 0x1D && op <= 0x1F, op >= 0x25 && op <= 0x27:
		return nil, fmt.Errorf("unsupported opcode 0x%02x", op)
	}
	return nil, nil
}

// EncodeInstructions encodes instructions back into body bytes.
func EncodeInstructions(instrs []Instruction) []byte {
	w := binary.NewWriter()
	for i := range instrs {
		encodeInstruction(w, &instrs[i])
	}
	return w.Bytes()
}

func encodeInstruction(w *binary.Writer, instr *Instruction) {
	w.Byte(instr.Opcode)
	switch imm := instr.Imm.(type) {
	case BlockImm:
		w.WriteS64(int64(imm.Type))
	case BranchImm:
		w.WriteU32(imm.LabelIdx)
	case BrTableImm:
		w.WriteU32(uint32(len(imm.Labels)))
		for _, l := range imm.Labels {
			w.WriteU32(l)
		}
		w.WriteU32(imm.Default)
	case CallImm:
		w.WriteU32(imm.FuncIdx)
	case CallIndirectImm:
		w.WriteU32(imm.TypeIdx)
		w.WriteU32(imm.TableIdx)
	case LocalImm:
		w.WriteU32(imm.LocalIdx)
	case GlobalImm:
		w.WriteU32(imm.GlobalIdx)
	case MemoryImm:
		w.WriteU32(imm.Align)
		w.WriteU64(imm.Offset)
	case MemoryIdxImm:
		w.WriteU32(imm.MemIdx)
	case I32Imm:
		w.WriteS32(imm.Value)
	case I64Imm:
		w.WriteS64(imm.Value)
	case FloatImm:
		w.WriteU32LE(uint32(imm.Bits))
		if instr.Opcode == OpF64Const {
			w.WriteU32LE(uint32(imm.Bits >> 32))
		}
	}
}

var opcodeNames = map[byte]string{
	OpUnreachable: "unreachable", OpNop: "nop", OpBlock: "block", OpLoop: "loop",
	OpIf: "if", OpElse: "else", OpEnd: "end", OpBr: "br", OpBrIf: "br_if",
	OpBrTable: "br_table", OpReturn: "return", OpCall: "call",
	OpCallIndirect: "call_indirect", OpDrop: "drop", OpSelect: "select",
	OpLocalGet: "local.get", OpLocalSet: "local.set", OpLocalTee: "local.tee",
	OpGlobalGet: "global.get", OpGlobalSet: "global.set",
	OpI32Load: "i32.load", OpI64Load: "i64.load",
	OpI32Load8S: "i32.load8_s", OpI32Load8U: "i32.load8_u",
	OpI32Load16S: "i32.load16_s", OpI32Load16U: "i32.load16_u",
	OpI64Load8S: "i64.load8_s", OpI64Load8U: "i64.load8_u",
	OpI64Load16S: "i64.load16_s", OpI64Load16U: "i64.load16_u",
	OpI64Load32S: "i64.load32_s", OpI64Load32U: "i64.load32_u",
	OpI32Store: "i32.store", OpI64Store: "i64.store",
	OpI32Store8: "i32.store8", OpI32Store16: "i32.store16",
	OpI64Store8: "i64.store8", OpI64Store16: "i64.store16", OpI64Store32: "i64.store32",
	OpMemorySize: "memory.size", OpMemoryGrow: "memory.grow",
	OpI32Const: "i32.const", OpI64Const: "i64.const",
	OpF32Const: "f32.const", OpF64Const: "f64.const",
	OpI32Eqz: "i32.eqz", OpI32Eq: "i32.eq", OpI32Ne: "i32.ne",
	OpI32LtS: "i32.lt_s", OpI32LtU: "i32.lt_u", OpI32GtS: "i32.gt_s", OpI32GtU: "i32.gt_u",
	OpI32LeS: "i32.le_s", OpI32LeU: "i32.le_u", OpI32GeS: "i32.ge_s", OpI32GeU: "i32.ge_u",
	OpI64Eqz: "i64.eqz", OpI64Eq: "i64.eq", OpI64Ne: "i64.ne",
	OpI64LtS: "i64.lt_s", OpI64LtU: "i64.lt_u", OpI64GtS: "i64.gt_s", OpI64GtU: "i64.gt_u",
	OpI64LeS: "i64.le_s", OpI64LeU: "i64.le_u", OpI64GeS: "i64.ge_s", OpI64GeU: "i64.ge_u",
	OpI32Clz: "i32.clz", OpI32Ctz: "i32.ctz", OpI32Popcnt: "i32.popcnt",
	OpI32Add: "i32.add", OpI32Sub: "i32.sub", OpI32Mul: "i32.mul",
	OpI32DivS: "i32.div_s", OpI32DivU: "i32.div_u", OpI32RemS: "i32.rem_s", OpI32RemU: "i32.rem_u",
	OpI32And: "i32.and", OpI32Or: "i32.or", OpI32Xor: "i32.xor",
	OpI32Shl: "i32.shl", OpI32ShrS: "i32.shr_s", OpI32ShrU: "i32.shr_u",
	OpI32Rotl: "i32.rotl", OpI32Rotr: "i32.rotr",
	OpI64Clz: "i64.clz", OpI64Ctz: "i64.ctz", OpI64Popcnt: "i64.popcnt",
	OpI64Add: "i64.add", OpI64Sub: "i64.sub", OpI64Mul: "i64.mul",
	OpI64DivS: "i64.div_s", OpI64DivU: "i64.div_u", OpI64RemS: "i64.rem_s", OpI64RemU: "i64.rem_u",
	OpI64And: "i64.and", OpI64Or: "i64.or", OpI64Xor: "i64.xor",
	OpI64Shl: "i64.shl", OpI64ShrS: "i64.shr_s", OpI64ShrU: "i64.shr_u",
	OpI64Rotl: "i64.rotl", OpI64Rotr: "i64.rotr",
	OpI32WrapI64: "i32.wrap_i64", OpI64ExtendI32S: "i64.extend_i32_s", OpI64ExtendI32U: "i64.extend_i32_u",
	OpI32Extend8S: "i32.extend8_s", OpI32Extend16S: "i32.extend16_s",
	OpI64Extend8S: "i64.extend8_s", OpI64Extend16S: "i64.extend16_s", OpI64Extend32S: "i64.extend32_s",
}

// OpcodeName returns the text-format mnemonic of op.
func OpcodeName(op byte) string {
	if n, ok := opcodeNames[op]; ok {
		return n
	}
	return fmt.Sprintf("op(0x%02x)", op)
}

// String renders the instruction in text-format style.
func (i Instruction) String() string {
	name := OpcodeName(i.Opcode)
	switch imm := i.Imm.(type) {
	case BranchImm:
		return fmt.Sprintf("%s %d", name, imm.LabelIdx)
	case BrTableImm:
		return fmt.Sprintf("%s %v %d", name, imm.Labels, imm.Default)
	case CallImm:
		return fmt.Sprintf("%s %d", name, imm.FuncIdx)
	case CallIndirectImm:
		return fmt.Sprintf("%s (type %d)", name, imm.TypeIdx)
	case LocalImm:
		return fmt.Sprintf("%s %d", name, imm.LocalIdx)
	case GlobalImm:
		return fmt.Sprintf("%s %d", name, imm.GlobalIdx)
	case MemoryImm:
		if imm.Offset != 0 {
			return fmt.Sprintf("%s offset=%d", name, imm.Offset)
		}
	case I32Imm:
		return fmt.Sprintf("%s %d", name, imm.Value)
	case I64Imm:
		return fmt.Sprintf("%s %d", name, imm.Value)
	}
	return name
}
