// Package reftable allocates (or reuses) the reference-type table that backs
// the externref surrogate ABI, and builds the three bridge functions
// (insert, get, drop) that replace the externref::* imports with real table
// manipulation.
package reftable

import (
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	wasm "github.com/nikandfor/wasmxref"
)

// DefaultTableName is used when Options.TableName is empty.
const DefaultTableName = "externrefs"

const emptyBlockType = 0x40

// Options configures table allocation and bridge construction.
type Options struct {
	// TableName names the exported reference table to reuse, or to
	// create when no such export exists. Empty means DefaultTableName.
	TableName string

	// DropNotify, if set, names an import function of signature
	// (externref)->() that the drop bridge calls with the dropped value
	// before releasing its table slot.
	DropNotify *wasm.Index
}

// Bridges holds the function indices the call-site rewriter retargets
// surrogate calls to, and the table they operate on.
type Bridges struct {
	Table  wasm.Index
	Insert wasm.Index
	Get    wasm.Index
	Drop   wasm.Index
}

// Build resolves the reference table per opts and appends the three bridge
// functions to m, returning their indices.
func Build(m *wasm.Module, opts Options) (Bridges, error) {
	name := opts.TableName
	if name == "" {
		name = DefaultTableName
	}

	tableIdx, err := resolveTable(m, name)
	if err != nil {
		return Bridges{}, err
	}

	insertIdx := m.AppendFunc(
		wasm.FuncType{Params: wasm.ResultType{wasm.ExternRef}, Result: wasm.ResultType{wasm.I32}},
		wasm.ResultType{wasm.I32},
		insertExpr(tableIdx),
	)

	getIdx := m.AppendFunc(
		wasm.FuncType{Params: wasm.ResultType{wasm.I32}, Result: wasm.ResultType{wasm.ExternRef}},
		nil,
		getExpr(tableIdx),
	)

	dropIdx := m.AppendFunc(
		wasm.FuncType{Params: wasm.ResultType{wasm.I32}},
		nil,
		dropExpr(tableIdx, opts.DropNotify),
	)

	tlog.V("reftable").Printw("bridges built", "table", tableIdx, "insert", insertIdx, "get", getIdx, "drop", dropIdx)

	return Bridges{Table: tableIdx, Insert: insertIdx, Get: getIdx, Drop: dropIdx}, nil
}

// resolveTable reuses an existing exported externref table named name, or
// allocates and exports a fresh one (min 0, unbounded) when none exists.
func resolveTable(m *wasm.Module, name string) (wasm.Index, error) {
	for _, ex := range m.Export {
		if ex.ExportType != wasm.ExportTable || string(ex.Name) != name {
			continue
		}

		tp, err := tableElemType(m, ex.Index)
		if err != nil {
			return 0, err
		}

		if tp != wasm.ExternRef {
			return 0, errors.New("export %q is a table but not externref-typed", name)
		}

		return ex.Index, nil
	}

	idx := m.AppendTable(wasm.ExternRef, 0, -1)
	m.Export = append(m.Export, wasm.Export{Name: []byte(name), ExportType: wasm.ExportTable, Index: idx})

	return idx, nil
}

func tableElemType(m *wasm.Module, idx wasm.Index) (wasm.Type, error) {
	n := 0

	for _, im := range m.Import {
		if im.Kind() != wasm.ImportTable {
			continue
		}

		if wasm.Index(n) == idx {
			tp, _ := im.TableType()
			return tp, nil
		}

		n++
	}

	li := int(idx) - n
	if li < 0 || li >= len(m.Table) {
		return 0, errors.New("table index %d out of range", idx)
	}

	return m.Table[li].Type, nil
}

// asm is a minimal append-only instruction byte-builder, enough for the
// fixed bridge bodies below; the rewriter's own editing goes through
// Instr/Splice instead.
type asm struct {
	e wasm.Encoder
	b []byte
}

func (a *asm) op(code byte) *asm          { a.b = append(a.b, code); return a }
func (a *asm) idx(code byte, v int64) *asm { a.b = append(a.b, code); a.b = a.e.Int64(a.b, v); return a }
func (a *asm) constI32(v int64) *asm       { return a.idx(wasm.I32Const, v) }
func (a *asm) blockEmpty(code byte) *asm   { a.b = append(a.b, code, emptyBlockType); return a }
func (a *asm) blockType(code byte, tp byte) *asm {
	a.b = append(a.b, code, tp)
	return a
}
func (a *asm) end() *asm  { return a.op(wasm.End) }
func (a *asm) els() *asm  { return a.op(wasm.Else) }
func (a *asm) br(depth int64) *asm { return a.idx(wasm.Br, depth) }

func (a *asm) fc(sub byte, args ...int64) *asm {
	a.b = append(a.b, wasm.FCExt, sub)
	for _, v := range args {
		a.b = a.e.Int64(a.b, v)
	}
	return a
}

// insertExpr builds the body of the insert bridge: (externref)->i32, local 0
// is the value, local 1 is the scratch free-slot index. It reuses a freed
// (null) slot before growing the table, matching the slot-reuse-before-growth
// search a real table-backed resource arena needs.
func insertExpr(table wasm.Index) []byte {
	t := int64(table)

	a := &asm{}
	a.idx(wasm.LocalGet, 0)
	a.op(wasm.RefIsNull)
	a.blockEmpty(wasm.If)
	a.constI32(-1)
	a.op(wasm.Ret)
	a.end()

	a.fc(wasm.FCTableSize, t)
	a.blockEmpty(wasm.If)
	{
		a.fc(wasm.FCTableSize, t)
		a.constI32(1)
		a.op(wasm.I32Sub)
		a.idx(wasm.LocalSet, 1)

		a.blockEmpty(wasm.Block)
		a.blockEmpty(wasm.Loop)
		{
			a.idx(wasm.LocalGet, 1)
			a.idx(wasm.TableGet, t)
			a.op(wasm.RefIsNull)
			a.blockEmpty(wasm.If)
			a.br(2) // -> enclosing block: slot free, stop searching
			a.els()
			{
				a.idx(wasm.LocalGet, 1)
				a.blockEmpty(wasm.If)
				{
					a.idx(wasm.LocalGet, 1)
					a.constI32(1)
					a.op(wasm.I32Sub)
					a.idx(wasm.LocalSet, 1)
					a.br(2) // -> loop: keep searching
				}
				a.els()
				{
					a.fc(wasm.FCTableSize, t)
					a.idx(wasm.LocalSet, 1)
					a.br(3) // -> enclosing block: wrapped around, grow
				}
				a.end()
			}
			a.end()
		}
		a.end() // loop
		a.end() // block
	}
	a.end() // table_is_not_empty if

	a.idx(wasm.LocalGet, 1)
	a.fc(wasm.FCTableSize, t)
	a.op(wasm.I32Eq)
	a.blockEmpty(wasm.If)
	{
		a.idx(wasm.LocalGet, 0)
		a.constI32(1)
		a.fc(wasm.FCTableGrow, t)
		a.constI32(-1)
		a.op(wasm.I32Eq)
		a.blockEmpty(wasm.If)
		a.op(wasm.Unreachable)
		a.end()
	}
	a.els()
	{
		a.idx(wasm.LocalGet, 1)
		a.idx(wasm.LocalGet, 0)
		a.idx(wasm.TableSet, t)
	}
	a.end()

	a.idx(wasm.LocalGet, 1)
	a.end() // function

	return a.b
}

// getExpr builds the body of the get bridge: (i32)->externref. Slot -1 is
// the reserved null sentinel, matching insertExpr's early return.
func getExpr(table wasm.Index) []byte {
	a := &asm{}
	a.idx(wasm.LocalGet, 0)
	a.constI32(-1)
	a.op(wasm.I32Eq)
	a.blockType(wasm.If, wasm.ExternRef)
	a.op(wasm.RefNull)
	a.b = append(a.b, wasm.ExternRef)
	a.els()
	{
		a.idx(wasm.LocalGet, 0)
		a.idx(wasm.TableGet, int64(table))
	}
	a.end()
	a.end() // function

	return a.b
}

// dropExpr builds the body of the drop bridge: (i32)->(). When notify is
// set, it calls that import with the about-to-be-released value first.
func dropExpr(table wasm.Index, notify *wasm.Index) []byte {
	a := &asm{}

	if notify != nil {
		a.idx(wasm.LocalGet, 0)
		a.idx(wasm.TableGet, int64(table))
		a.idx(wasm.Call, int64(*notify))
	}

	a.idx(wasm.LocalGet, 0)
	a.op(wasm.RefNull)
	a.b = append(a.b, wasm.ExternRef)
	a.idx(wasm.TableSet, int64(table))
	a.end() // function

	return a.b
}
