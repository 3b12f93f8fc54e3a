package wasm

import "tlog.app/go/tlog/tlwire"

type (
	Module struct {
		Version int

		DataCount int
		Start     Index

		Type     []FuncType
		Import   []Import
		Function []Index
		Table    []Table
		Memory   []Limits
		Global   []Global
		Export   []Export
		Element  []Element
		Code     []Code
		Data     []Data

		Custom []Custom

		Sections []byte
	}

	Index int
	Type  byte
	Code  []byte

	ResultType []Type

	FuncType struct {
		Params ResultType
		Result ResultType
	}

	Import struct {
		Module, Name []byte

		// raw storage for import description
		// tp 0 => typeidx at rawi[0]
		// tp 1 => refype  at rawb[0], lo, hi limits at rawi
		// tp 2 => memtype at rawi
		// tp 3 => valtype at rawb[0], mut at rawb[1]
		tp   byte
		rawb [2]byte
		rawi [2]int
	}

	Export struct {
		Name []byte

		ExportType byte

		Index Index
	}

	Table struct {
		Type   Type
		Limits Limits
	}

	Limits struct {
		Lo, Hi int
	}

	Global struct {
		Type Type
		Mut  byte
		Expr Code
	}

	Element struct {
		Type Type
		Expr Code

		Funcs []Index
	}

	Data struct {
		Expr Code
		Init []byte
	}

	Custom struct {
		Name []byte
		Data []byte
	}

	FuncCode struct {
		Locals ResultType
		Expr   Code
	}
)

// Import description kinds (the tp discriminator).
const (
	ImportFunc = iota
	ImportTable
	ImportMemory
	ImportGlobal
)

// Kind reports which of the four import description forms this import uses.
func (im Import) Kind() byte { return im.tp }

// FuncTypeIndex returns the type index of a function import. Valid only when
// Kind() == ImportFunc.
func (im Import) FuncTypeIndex() Index { return Index(im.rawi[0]) }

// SetFuncTypeIndex updates the type index of a function import in place, for
// rewriters that redirect an import to a new or reused FuncType.
func (im *Import) SetFuncTypeIndex(idx Index) { im.rawi[0] = int(idx) }

// TableType returns the element type and limits of a table import. Valid
// only when Kind() == ImportTable.
func (im Import) TableType() (Type, Limits) {
	return Type(im.rawb[0]), Limits{Lo: im.rawi[0], Hi: im.rawi[1]}
}

// MemType returns the limits of a memory import. Valid only when Kind() ==
// ImportMemory.
func (im Import) MemType() Limits {
	return Limits{Lo: im.rawi[0], Hi: im.rawi[1]}
}

// GlobalType returns the value type and mutability of a global import.
// Valid only when Kind() == ImportGlobal.
func (im Import) GlobalType() (Type, byte) {
	return Type(im.rawb[0]), im.rawb[1]
}

// NewFuncImport builds a function import description.
func NewFuncImport(module, name string, typeidx Index) Import {
	return Import{
		Module: []byte(module),
		Name:   []byte(name),
		tp:     ImportFunc,
		rawi:   [2]int{int(typeidx), 0},
	}
}

// NewTableImport builds a table import description, used in tests that need
// to exercise the distinction between an import's position in the Import
// section and its ordinal in the function index space.
func NewTableImport(module, name string, reftype Type, lo, hi int) Import {
	return Import{
		Module: []byte(module),
		Name:   []byte(name),
		tp:     ImportTable,
		rawb:   [2]byte{byte(reftype), 0},
		rawi:   [2]int{lo, hi},
	}
}

// Export kinds.
const (
	ExportFunc = iota
	ExportTable
	ExportMemory
	ExportGlobal
)

// Equal reports whether two function types have identical params and
// results, used to decide whether a new type can reuse an existing slot.
func (ft FuncType) Equal(other FuncType) bool {
	return resultTypeEqual(ft.Params, other.Params) && resultTypeEqual(ft.Result, other.Result)
}

func resultTypeEqual(a, b ResultType) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

// AddType returns the index of an existing FuncType identical to ft, or
// appends ft as a new type and returns its fresh index.
func (m *Module) AddType(ft FuncType) Index {
	for i, t := range m.Type {
		if t.Equal(ft) {
			return Index(i)
		}
	}

	m.Type = append(m.Type, ft)

	return Index(len(m.Type) - 1)
}

// NumFuncImports reports how many entries of the Import section are
// functions, i.e. the size of the imported prefix of the function index
// space.
func (m *Module) NumFuncImports() int {
	n := 0

	for _, im := range m.Import {
		if im.Kind() == ImportFunc {
			n++
		}
	}

	return n
}

// importFuncOrdinal maps a function-index-space ordinal (counting only func
// imports) back to its position in the full, mixed-kind Import slice.
func (m *Module) importFuncOrdinal(ordinal int) int {
	n := 0

	for i, im := range m.Import {
		if im.Kind() != ImportFunc {
			continue
		}

		if n == ordinal {
			return i
		}

		n++
	}

	return -1
}

// FuncType returns the current signature of the function at idx, whether it
// is an imported or local function.
func (m *Module) FuncType(idx Index) (FuncType, error) {
	nImp := m.NumFuncImports()

	if int(idx) < nImp {
		return m.Type[m.Import[m.importFuncOrdinal(int(idx))].FuncTypeIndex()], nil
	}

	li := int(idx) - nImp
	if li < 0 || li >= len(m.Function) {
		return FuncType{}, errNoSuchFunc(idx)
	}

	return m.Type[m.Function[li]], nil
}

// SetFuncType redirects the function at idx to typeIdx, whether it is an
// imported or local function.
func (m *Module) SetFuncType(idx, typeIdx Index) {
	nImp := m.NumFuncImports()

	if int(idx) < nImp {
		m.Import[m.importFuncOrdinal(int(idx))].SetFuncTypeIndex(typeIdx)
		return
	}

	m.Function[int(idx)-nImp] = typeIdx
}

type errNoSuchFunc Index

func (e errNoSuchFunc) Error() string {
	return "function index out of range"
}

// NextFuncIndex returns the index a freshly appended local function would
// receive, in the shared function index space (imports then locals).
func (m *Module) NextFuncIndex() Index {
	n := 0

	for _, im := range m.Import {
		if im.Kind() == ImportFunc {
			n++
		}
	}

	return Index(n + len(m.Function))
}

// NextTableIndex returns the index a freshly appended table would receive.
func (m *Module) NextTableIndex() Index {
	n := 0

	for _, im := range m.Import {
		if im.Kind() == ImportTable {
			n++
		}
	}

	return Index(n + len(m.Table))
}

// AppendFunc appends a new local function with the given signature, locals,
// and already-encoded expr bytes (including the trailing end opcode),
// reusing an existing identical FuncType where possible, and returns its
// function index.
func (m *Module) AppendFunc(ft FuncType, locals ResultType, expr []byte) Index {
	var e Encoder

	typeIdx := m.AddType(ft)

	m.Function = append(m.Function, typeIdx)
	m.Code = append(m.Code, Code(e.FuncCode(FuncCode{Locals: locals, Expr: expr})))

	return m.NextFuncIndex() - 1
}

// AppendTable appends a new table of the given element type and limits and
// returns its table index.
func (m *Module) AppendTable(tp Type, lo, hi int) Index {
	m.Table = append(m.Table, Table{Type: tp, Limits: Limits{Lo: lo, Hi: hi}})

	return m.NextTableIndex() - 1
}

// Basic types.
const (
	I32 = 0x7f
	I64 = 0x7e
	F32 = 0x7d
	F64 = 0x7c

	V128 = 0x7b

	FuncRef   = 0x70
	ExternRef = 0x6f

	FuncTypeHeader = 0x60

	LimitLo   = 0x00
	LimitLoHi = 0x01
)

// Section ids.
const (
	CustomSection = iota
	TypeSection
	ImportSection
	FunctionSection
	TableSection
	MemorySection
	GlobalSection
	ExportSection
	StartSection
	ElementSection
	CodeSection
	DataSection
	DataCountSection

	sectionNext
)

func init() {
	if sectionNext != 13 {
		panic(sectionNext)
	}
}

func (c Code) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	b = e.AppendSemantic(b, tlwire.Hex)

	return e.AppendBytes(b, c)
}

func (tp ResultType) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	b = e.AppendSemantic(b, tlwire.Hex)
	b = e.AppendArray(b, len(tp))

	for _, t := range tp {
		b = e.AppendInt(b, int(t))
	}

	return b
}
