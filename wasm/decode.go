package wasm

import (
	"errors"
	"fmt"

	"github.com/wippyai/enclave-jit/wasm/internal/binary"
)

// Parsing errors returned by ParseModule.
var (
	ErrInvalidMagic   = errors.New("invalid wasm magic number")
	ErrInvalidVersion = errors.New("invalid wasm version")
)

// ParseModule parses a WebAssembly binary module
func ParseModule(data []byte) (*Module, error) {
	r := binary.NewReader(data)

	magic, err := r.ReadU32LE()
	if err != nil {
		return nil, r.WrapError("header", err)
	}
	if magic != Magic {
		return nil, ErrInvalidMagic
	}

	version, err := r.ReadU32LE()
	if err != nil {
		return nil, r.WrapError("header", err)
	}
	if version != Version {
		return nil, ErrInvalidVersion
	}

	m := &Module{}
	var lastSectionOrder int

	for r.Len() > 0 {
		sectionID, _ := r.ReadByte()

		// custom sections can appear anywhere
		if sectionID != SectionCustom {
			order := sectionOrder(sectionID)
			if order <= lastSectionOrder {
				return nil, fmt.Errorf("section %d appears out of order", sectionID)
			}
			lastSectionOrder = order
		}

		sectionSize, err := r.ReadU32()
		if err != nil {
			return nil, r.WrapError("section size", err)
		}
		sr, err := r.Sub(int(sectionSize))
		if err != nil {
			return nil, r.WrapError("section data", err)
		}

		parse, name := sectionParser(sectionID)
		if parse == nil {
			return nil, fmt.Errorf("unknown section ID: 0x%02x", sectionID)
		}
		if err := parse(sr, m); err != nil {
			return nil, fmt.Errorf("%s section: %w", name, err)
		}
	}

	return m, nil
}

type sectionFunc func(*binary.Reader, *Module) error

func sectionParser(id byte) (sectionFunc, string) {
	switch id {
	case SectionCustom:
		return parseCustomSection, "custom"
	case SectionType:
		return parseTypeSection, "type"
	case SectionImport:
		return parseImportSection, "import"
	case SectionFunction:
		return parseFunctionSection, "function"
	case SectionTable:
		return parseTableSection, "table"
	case SectionMemory:
		return parseMemorySection, "memory"
	case SectionGlobal:
		return parseGlobalSection, "global"
	case SectionExport:
		return parseExportSection, "export"
	case SectionStart:
		return parseStartSection, "start"
	case SectionElement:
		return parseElementSection, "element"
	case SectionCode:
		return parseCodeSection, "code"
	case SectionData:
		return parseDataSection, "data"
	case SectionDataCount:
		return func(r *binary.Reader, _ *Module) error {
			_, err := r.ReadU32()
			return err
		}, "data count"
	}
	return nil, ""
}

// sectionOrder returns the canonical ordering for a section ID.
func sectionOrder(id byte) int {
	switch id {
	case SectionDataCount:
		return 10 // DataCount must come before Code
	case SectionCode:
		return 11
	case SectionData:
		return 12
	default:
		return int(id)
	}
}

func parseCustomSection(r *binary.Reader, m *Module) error {
	name, err := r.ReadName()
	if err != nil {
		return err
	}
	rest, _ := r.ReadBytes(r.Len())
	m.CustomSections = append(m.CustomSections, CustomSection{Name: name, Data: rest})
	return nil
}

// readVec reads a count followed by count items.
func readVec(r *binary.Reader, fn func(i uint32) error) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	if int(count) > r.Len() {
		return fmt.Errorf("vector length %d exceeds section", count)
	}
	for i := uint32(0); i < count; i++ {
		if err := fn(i); err != nil {
			return err
		}
	}
	return nil
}

func parseTypeSection(r *binary.Reader, m *Module) error {
	return readVec(r, func(uint32) error {
		form, err := r.ReadByte()
		if err != nil {
			return err
		}
		if form != FuncTypeByte {
			return fmt.Errorf("unsupported type form 0x%02x", form)
		}
		params, err := readValTypes(r)
		if err != nil {
			return err
		}
		results, err := readValTypes(r)
		if err != nil {
			return err
		}
		m.Types = append(m.Types, FuncType{Params: params, Results: results})
		return nil
	})
}

func readValTypes(r *binary.Reader) ([]ValType, error) {
	var out []ValType
	err := readVec(r, func(uint32) error {
		b, err := r.ReadByte()
		out = append(out, ValType(b))
		return err
	})
	return out, err
}

func parseImportSection(r *binary.Reader, m *Module) error {
	return readVec(r, func(uint32) error {
		mod, err := r.ReadName()
		if err != nil {
			return err
		}
		name, err := r.ReadName()
		if err != nil {
			return err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}
		imp := Import{Module: mod, Name: name, Desc: ImportDesc{Kind: kind}}
		switch kind {
		case KindFunc:
			imp.Desc.TypeIdx, err = r.ReadU32()
		case KindTable:
			var t TableType
			t, err = readTableType(r)
			imp.Desc.Table = &t
		case KindMemory:
			var l Limits
			l, err = readLimits(r)
			imp.Desc.Memory = &MemoryType{Limits: l}
		case KindGlobal:
			var g GlobalType
			g, err = readGlobalType(r)
			imp.Desc.Global = &g
		default:
			err = fmt.Errorf("unknown import kind 0x%02x", kind)
		}
		if err != nil {
			return err
		}
		m.Imports = append(m.Imports, imp)
		return nil
	})
}

func parseFunctionSection(r *binary.Reader, m *Module) error {
	return readVec(r, func(uint32) error {
		idx, err := r.ReadU32()
		m.Funcs = append(m.Funcs, idx)
		return err
	})
}

func parseTableSection(r *binary.Reader, m *Module) error {
	return readVec(r, func(uint32) error {
		t, err := readTableType(r)
		m.Tables = append(m.Tables, t)
		return err
	})
}

func parseMemorySection(r *binary.Reader, m *Module) error {
	return readVec(r, func(uint32) error {
		l, err := readLimits(r)
		m.Memories = append(m.Memories, MemoryType{Limits: l})
		return err
	})
}

func parseGlobalSection(r *binary.Reader, m *Module) error {
	return readVec(r, func(uint32) error {
		gt, err := readGlobalType(r)
		if err != nil {
			return err
		}
		init, err := readConstExpr(r)
		if err != nil {
			return err
		}
		m.Globals = append(m.Globals, Global{Type: gt, Init: init})
		return nil
	})
}

func parseExportSection(r *binary.Reader, m *Module) error {
	return readVec(r, func(uint32) error {
		name, err := r.ReadName()
		if err != nil {
			return err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}
		idx, err := r.ReadU32()
		if err != nil {
			return err
		}
		m.Exports = append(m.Exports, Export{Name: name, Kind: kind, Idx: idx})
		return nil
	})
}

func parseStartSection(r *binary.Reader, m *Module) error {
	idx, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Start = &idx
	return nil
}

func parseElementSection(r *binary.Reader, m *Module) error {
	return readVec(r, func(uint32) error {
		flags, err := r.ReadU32()
		if err != nil {
			return err
		}
		if flags != 0 {
			return fmt.Errorf("unsupported element segment flags %d", flags)
		}
		offset, err := readConstExpr(r)
		if err != nil {
			return err
		}
		var funcs []uint32
		err = readVec(r, func(uint32) error {
			f, err := r.ReadU32()
			funcs = append(funcs, f)
			return err
		})
		if err != nil {
			return err
		}
		m.Elements = append(m.Elements, Element{Offset: offset, FuncIdxs: funcs})
		return nil
	})
}

func parseCodeSection(r *binary.Reader, m *Module) error {
	return readVec(r, func(uint32) error {
		bodySize, err := r.ReadU32()
		if err != nil {
			return err
		}
		br, err := r.Sub(int(bodySize))
		if err != nil {
			return err
		}

		var locals []LocalEntry
		err = readVec(br, func(uint32) error {
			n, err := br.ReadU32()
			if err != nil {
				return err
			}
			t, err := br.ReadByte()
			locals = append(locals, LocalEntry{Count: n, ValType: ValType(t)})
			return err
		})
		if err != nil {
			return err
		}

		code, _ := br.ReadBytes(br.Len())
		m.Code = append(m.Code, FuncBody{Locals: locals, Code: code})
		return nil
	})
}

func parseDataSection(r *binary.Reader, m *Module) error {
	return readVec(r, func(uint32) error {
		flags, err := r.ReadU32()
		if err != nil {
			return err
		}
		if flags != 0 {
			return fmt.Errorf("unsupported data segment flags %d", flags)
		}
		offset, err := readConstExpr(r)
		if err != nil {
			return err
		}
		n, err := r.ReadU32()
		if err != nil {
			return err
		}
		init, err := r.ReadBytes(int(n))
		if err != nil {
			return err
		}
		m.Data = append(m.Data, DataSegment{Offset: offset, Init: init})
		return nil
	})
}

func readLimits(r *binary.Reader) (Limits, error) {
	flag, err := r.ReadByte()
	if err != nil {
		return Limits{}, err
	}
	min, err := r.ReadU32()
	if err != nil {
		return Limits{}, err
	}
	l := Limits{Min: min}
	switch flag {
	case 0x00:
	case 0x01:
		max, err := r.ReadU32()
		if err != nil {
			return Limits{}, err
		}
		l.Max = &max
	default:
		return Limits{}, fmt.Errorf("unsupported limits flag 0x%02x", flag)
	}
	return l, nil
}

func readTableType(r *binary.Reader) (TableType, error) {
	et, err := r.ReadByte()
	if err != nil {
		return TableType{}, err
	}
	if ValType(et) != ValFuncRef {
		return TableType{}, fmt.Errorf("unsupported table element type 0x%02x", et)
	}
	l, err := readLimits(r)
	return TableType{ElemType: ValType(et), Limits: l}, err
}

func readGlobalType(r *binary.Reader) (GlobalType, error) {
	vt, err := r.ReadByte()
	if err != nil {
		return GlobalType{}, err
	}
	mut, err := r.ReadByte()
	if err != nil {
		return GlobalType{}, err
	}
	if mut > 1 {
		return GlobalType{}, fmt.Errorf("invalid mutability 0x%02x", mut)
	}
	return GlobalType{ValType: ValType(vt), Mutable: mut == 1}, nil
}

func readConstExpr(r *binary.Reader) (ConstExpr, error) {
	op, err := r.ReadByte()
	if err != nil {
		return ConstExpr{}, err
	}
	e := ConstExpr{Opcode: op}
	switch op {
	case OpI32Const:
		var v int32
		v, err = r.ReadS32()
		e.Value = int64(v)
	case OpI64Const:
		e.Value, err = r.ReadS64()
	case OpGlobalGet:
		e.Index, err = r.ReadU32()
	default:
		return ConstExpr{}, fmt.Errorf("unsupported constant expression opcode 0x%02x", op)
	}
	if err != nil {
		return ConstExpr{}, err
	}
	end, err := r.ReadByte()
	if err != nil {
		return ConstExpr{}, err
	}
	if end != OpEnd {
		return ConstExpr{}, errors.New("constant expression not terminated by end")
	}
	return e, nil
}

