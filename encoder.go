package wasm

import (
	"encoding/binary"
	"math"
)

type (
	LowEncoder struct{}

	// Encoder serializes a Module back into the WASM binary format. The
	// teacher only ever needed to read modules (for dumping); a rewriter
	// needs the other direction too.
	Encoder struct {
		LowEncoder
	}
)

func (e *LowEncoder) Int(b []byte, v int) []byte {
	return e.Uint64(b, uint64(v))
}

func (e *LowEncoder) Uint64(b []byte, v uint64) []byte {
	for {
		x := byte(v) & 0x7f
		v >>= 7

		if v != 0 {
			x |= 0x80
		}

		b = append(b, x)

		if x&0x80 == 0 {
			break
		}
	}

	return b
}

func (e *LowEncoder) Int64(b []byte, v int64) []byte {
	for {
		x := byte(v) & 0x7f
		s := byte(v) & 0x40
		v >>= 7

		if s == 0 && v != 0 || s != 0 && v != -1 {
			x |= 0x80
		}

		b = append(b, x)

		if x&0x80 == 0 {
			break
		}
	}

	return b
}

func (e *LowEncoder) Float64(b []byte, v float64) []byte {
	x := math.Float64bits(v)

	return append(b, byte(x), byte(x>>8), byte(x>>16), byte(x>>24), byte(x>>32), byte(x>>40), byte(x>>48), byte(x>>56))
}

func (e *LowEncoder) Name(b []byte, v string) []byte {
	b = e.Int(b, len(v))
	b = append(b, v...)

	return b
}

func (e *LowEncoder) BasicType(b []byte, tp byte) []byte {
	return append(b, tp)
}

func (e *LowEncoder) ResultType(b []byte, tp ...Type) []byte {
	b = e.Int(b, len(tp))

	for _, t := range tp {
		b = append(b, byte(t))
	}

	return b
}

func (e *LowEncoder) FuncType(b []byte, params, result ResultType) []byte {
	b = append(b, FuncTypeHeader)
	b = e.ResultType(b, params...)
	b = e.ResultType(b, result...)

	return b
}

func (e *LowEncoder) Limits(b []byte, lo, hi int) []byte {
	if hi < 0 {
		b = append(b, LimitLo)
		return e.Int(b, lo)
	}

	b = append(b, LimitLoHi)
	b = e.Int(b, lo)
	b = e.Int(b, hi)

	return b
}

func (e *LowEncoder) TableType(b []byte, tp byte, lo, hi int) []byte {
	b = append(b, tp)
	b = e.Limits(b, lo, hi)
	return b
}

func (e *LowEncoder) GlobalType(b []byte, tp, mut byte) []byte {
	return append(b, tp, mut)
}

func (e *LowEncoder) Section(b []byte, id byte, data []byte) []byte {
	b = append(b, id)
	b = e.Int(b, len(data))
	b = append(b, data...)

	return b
}

// Module serializes m into a complete WASM binary, including the magic
// number and version header. Sections are emitted in the canonical order
// required by the spec; custom sections are emitted last, which validators
// accept since custom sections carry no ordering constraint of their own.
func (e *Encoder) Module(m *Module) []byte {
	var b []byte

	b = append(b, Magic...)
	b = binary.LittleEndian.AppendUint32(b, uint32(m.Version))

	if len(m.Type) != 0 {
		b = e.Section(b, TypeSection, e.TypeSection(nil, m))
	}

	if len(m.Import) != 0 {
		b = e.Section(b, ImportSection, e.ImportSection(nil, m))
	}

	if len(m.Function) != 0 {
		b = e.Section(b, FunctionSection, e.FunctionSection(nil, m))
	}

	if len(m.Table) != 0 {
		b = e.Section(b, TableSection, e.TableSection(nil, m))
	}

	if len(m.Memory) != 0 {
		b = e.Section(b, MemorySection, e.MemorySection(nil, m))
	}

	if len(m.Global) != 0 {
		b = e.Section(b, GlobalSection, e.GlobalSection(nil, m))
	}

	if len(m.Export) != 0 {
		b = e.Section(b, ExportSection, e.ExportSection(nil, m))
	}

	if m.Start >= 0 {
		b = e.Section(b, StartSection, e.Int(nil, int(m.Start)))
	}

	if len(m.Element) != 0 {
		b = e.Section(b, ElementSection, e.ElementSection(nil, m))
	}

	if m.DataCount != 0 {
		b = e.Section(b, DataCountSection, e.Int(nil, m.DataCount))
	}

	if len(m.Code) != 0 {
		b = e.Section(b, CodeSection, e.CodeSection(nil, m))
	}

	if len(m.Data) != 0 {
		b = e.Section(b, DataSection, e.DataSection(nil, m))
	}

	for _, c := range m.Custom {
		data := e.Name(nil, string(c.Name))
		data = append(data, c.Data...)

		b = e.Section(b, CustomSection, data)
	}

	return b
}

func (e *Encoder) TypeSection(b []byte, m *Module) []byte {
	b = e.Int(b, len(m.Type))

	for _, t := range m.Type {
		b = e.FuncType(b, t.Params, t.Result)
	}

	return b
}

func (e *Encoder) ImportSection(b []byte, m *Module) []byte {
	b = e.Int(b, len(m.Import))

	for _, im := range m.Import {
		b = e.Import(b, im)
	}

	return b
}

func (e *Encoder) Import(b []byte, im Import) []byte {
	b = e.Name(b, string(im.Module))
	b = e.Name(b, string(im.Name))

	b = append(b, im.tp)

	switch im.tp {
	case 0:
		b = e.Int(b, im.rawi[0])
	case 1:
		b = e.TableType(b, im.rawb[0], im.rawi[0], im.rawi[1])
	case 2:
		b = e.Limits(b, im.rawi[0], im.rawi[1])
	case 3:
		b = e.GlobalType(b, im.rawb[0], im.rawb[1])
	default:
		panic("unsupported import description type")
	}

	return b
}

func (e *Encoder) FunctionSection(b []byte, m *Module) []byte {
	b = e.Int(b, len(m.Function))

	for _, idx := range m.Function {
		b = e.Int(b, int(idx))
	}

	return b
}

func (e *Encoder) TableSection(b []byte, m *Module) []byte {
	b = e.Int(b, len(m.Table))

	for _, t := range m.Table {
		b = e.TableType(b, byte(t.Type), t.Limits.Lo, t.Limits.Hi)
	}

	return b
}

func (e *Encoder) MemorySection(b []byte, m *Module) []byte {
	b = e.Int(b, len(m.Memory))

	for _, l := range m.Memory {
		b = e.Limits(b, l.Lo, l.Hi)
	}

	return b
}

func (e *Encoder) GlobalSection(b []byte, m *Module) []byte {
	b = e.Int(b, len(m.Global))

	for _, g := range m.Global {
		b = e.GlobalType(b, byte(g.Type), g.Mut)
		b = append(b, g.Expr...)
	}

	return b
}

func (e *Encoder) ExportSection(b []byte, m *Module) []byte {
	b = e.Int(b, len(m.Export))

	for _, ex := range m.Export {
		b = e.Export(b, ex)
	}

	return b
}

func (e *Encoder) Export(b []byte, ex Export) []byte {
	b = e.Name(b, string(ex.Name))
	b = append(b, ex.ExportType)
	b = e.Int(b, int(ex.Index))

	return b
}

func (e *Encoder) ElementSection(b []byte, m *Module) []byte {
	b = e.Int(b, len(m.Element))

	for _, el := range m.Element {
		b = e.Element(b, el)
	}

	return b
}

func (e *Encoder) Element(b []byte, el Element) []byte {
	b = append(b, 0) // active, table 0, expr + func indices; the only kind the decoder supports

	b = append(b, el.Expr...)

	b = e.Int(b, len(el.Funcs))

	for _, f := range el.Funcs {
		b = e.Int(b, int(f))
	}

	return b
}

func (e *Encoder) CodeSection(b []byte, m *Module) []byte {
	b = e.Int(b, len(m.Code))

	for _, c := range m.Code {
		b = e.Int(b, len(c))
		b = append(b, c...)
	}

	return b
}

func (e *Encoder) DataSection(b []byte, m *Module) []byte {
	b = e.Int(b, len(m.Data))

	for _, d := range m.Data {
		b = append(b, 0) // active, memory 0
		b = append(b, d.Expr...)
		b = e.Int(b, len(d.Init))
		b = append(b, d.Init...)
	}

	return b
}

// FuncCode serializes a decoded function body (locals + expr) into the raw
// Code-section entry content, run-length-encoding consecutive identical
// local types the way every real producer does.
func (e *Encoder) FuncCode(buf FuncCode) []byte {
	var b []byte

	type run struct {
		tp  Type
		cnt int
	}

	var runs []run

	for _, t := range buf.Locals {
		if len(runs) > 0 && runs[len(runs)-1].tp == t {
			runs[len(runs)-1].cnt++
			continue
		}

		runs = append(runs, run{tp: t, cnt: 1})
	}

	b = e.Int(b, len(runs))

	for _, r := range runs {
		b = e.Int(b, r.cnt)
		b = e.BasicType(b, byte(r.tp))
	}

	b = append(b, buf.Expr...)

	return b
}
