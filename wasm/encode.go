package wasm

import "github.com/wippyai/enclave-jit/wasm/internal/binary"

// Encode serializes the module to the binary format.
func (m *Module) Encode() []byte {
	w := binary.NewWriter()
	w.WriteU32LE(Magic)
	w.WriteU32LE(Version)

	if len(m.Types) > 0 {
		writeSection(w, SectionType, func(s *binary.Writer) {
			s.WriteU32(uint32(len(m.Types)))
			for _, t := range m.Types {
				s.Byte(FuncTypeByte)
				writeValTypes(s, t.Params)
				writeValTypes(s, t.Results)
			}
		})
	}

	if len(m.Imports) > 0 {
		writeSection(w, SectionImport, func(s *binary.Writer) {
			s.WriteU32(uint32(len(m.Imports)))
			for _, imp := range m.Imports {
				s.WriteName(imp.Module)
				s.WriteName(imp.Name)
				s.Byte(imp.Desc.Kind)
				switch imp.Desc.Kind {
				case KindFunc:
					s.WriteU32(imp.Desc.TypeIdx)
				case KindTable:
					writeTableType(s, *imp.Desc.Table)
				case KindMemory:
					writeLimits(s, imp.Desc.Memory.Limits)
				case KindGlobal:
					writeGlobalType(s, *imp.Desc.Global)
				}
			}
		})
	}

	if len(m.Funcs) > 0 {
		writeSection(w, SectionFunction, func(s *binary.Writer) {
			s.WriteU32(uint32(len(m.Funcs)))
			for _, f := range m.Funcs {
				s.WriteU32(f)
			}
		})
	}

	if len(m.Tables) > 0 {
		writeSection(w, SectionTable, func(s *binary.Writer) {
			s.WriteU32(uint32(len(m.Tables)))
			for _, t := range m.Tables {
				writeTableType(s, t)
			}
		})
	}

	if len(m.Memories) > 0 {
		writeSection(w, SectionMemory, func(s *binary.Writer) {
			s.WriteU32(uint32(len(m.Memories)))
			for _, mem := range m.Memories {
				writeLimits(s, mem.Limits)
			}
		})
	}

	if len(m.Globals) > 0 {
		writeSection(w, SectionGlobal, func(s *binary.Writer) {
			s.WriteU32(uint32(len(m.Globals)))
			for _, g := range m.Globals {
				writeGlobalType(s, g.Type)
				writeConstExpr(s, g.Init)
			}
		})
	}

	if len(m.Exports) > 0 {
		writeSection(w, SectionExport, func(s *binary.Writer) {
			s.WriteU32(uint32(len(m.Exports)))
			for _, e := range m.Exports {
				s.WriteName(e.Name)
				s.Byte(e.Kind)
				s.WriteU32(e.Idx)
			}
		})
	}

	if m.Start != nil {
		writeSection(w, SectionStart, func(s *binary.Writer) {
			s.WriteU32(*m.Start)
		})
	}

	if len(m.Elements) > 0 {
		writeSection(w, SectionElement, func(s *binary.Writer) {
			s.WriteU32(uint32(len(m.Elements)))
			for _, e := range m.Elements {
				s.WriteU32(0)
				writeConstExpr(s, e.Offset)
				s.WriteU32(uint32(len(e.FuncIdxs)))
				for _, f := range e.FuncIdxs {
					s.WriteU32(f)
				}
			}
		})
	}

	if len(m.Code) > 0 {
		writeSection(w, SectionCode, func(s *binary.Writer) {
			s.WriteU32(uint32(len(m.Code)))
			for _, body := range m.Code {
				s.WriteVec(func(b *binary.Writer) {
					b.WriteU32(uint32(len(body.Locals)))
					for _, l := range body.Locals {
						b.WriteU32(l.Count)
						b.Byte(byte(l.ValType))
					}
					b.WriteBytes(body.Code)
				})
			}
		})
	}

	if len(m.Data) > 0 {
		writeSection(w, SectionData, func(s *binary.Writer) {
			s.WriteU32(uint32(len(m.Data)))
			for _, d := range m.Data {
				s.WriteU32(0)
				writeConstExpr(s, d.Offset)
				s.WriteU32(uint32(len(d.Init)))
				s.WriteBytes(d.Init)
			}
		})
	}

	for _, cs := range m.CustomSections {
		writeSection(w, SectionCustom, func(s *binary.Writer) {
			s.WriteName(cs.Name)
			s.WriteBytes(cs.Data)
		})
	}

	return w.Bytes()
}

func writeSection(w *binary.Writer, id byte, fn func(*binary.Writer)) {
	w.Byte(id)
	w.WriteVec(fn)
}

func writeValTypes(w *binary.Writer, types []ValType) {
	w.WriteU32(uint32(len(types)))
	for _, t := range types {
		w.Byte(byte(t))
	}
}

func writeLimits(w *binary.Writer, l Limits) {
	if l.Max != nil {
		w.Byte(0x01)
		w.WriteU32(l.Min)
		w.WriteU32(*l.Max)
		return
	}
	w.Byte(0x00)
	w.WriteU32(l.Min)
}

func writeTableType(w *binary.Writer, t TableType) {
	et := t.ElemType
	if et == 0 {
		et = ValFuncRef
	}
	w.Byte(byte(et))
	writeLimits(w, t.Limits)
}

func writeGlobalType(w *binary.Writer, g GlobalType) {
	w.Byte(byte(g.ValType))
	if g.Mutable {
		w.Byte(1)
	} else {
		w.Byte(0)
	}
}

func writeConstExpr(w *binary.Writer, e ConstExpr) {
	w.Byte(e.Opcode)
	switch e.Opcode {
	case OpI32Const:
		w.WriteS32(int32(e.Value))
	case OpI64Const:
		w.WriteS64(e.Value)
	case OpGlobalGet:
		w.WriteU32(e.Index)
	}
	w.Byte(OpEnd)
}
