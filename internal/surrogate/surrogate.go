// Package surrogate locates and validates the externref::{insert,get,drop,guard}
// imports a front end emits in place of native reference-type support, and
// resolves them to concrete function indices for the rest of the processor.
package surrogate

import (
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	wasm "github.com/nikandfor/wasmxref"
)

const ModuleName = "externref"

const (
	FieldInsert = "insert"
	FieldGet    = "get"
	FieldDrop   = "drop"
	FieldGuard  = "guard"
)

// Set holds the resolved import function indices for the surrogate ABI.
// Guard is optional: pre-0.2 front ends never emit it, and HasGuard reports
// whether it was found.
type Set struct {
	Insert wasm.Index
	Get    wasm.Index
	Drop   wasm.Index
	Guard  wasm.Index

	HasGuard bool
}

// MissingSurrogate is returned when a required externref::* import is absent.
type MissingSurrogate struct {
	Field string
}

func (e MissingSurrogate) Error() string {
	return "missing surrogate import externref::" + e.Field
}

// WrongSurrogateSignature is returned when an externref::* import exists but
// its function type doesn't match the fixed ABI.
type WrongSurrogateSignature struct {
	Field string
	Want  string
	Got   string
}

func (e WrongSurrogateSignature) Error() string {
	return "surrogate import externref::" + e.Field + " has wrong signature: want " + e.Want + ", got " + e.Got
}

// Find scans m's imports for the externref module's insert/get/drop/guard
// functions, validating each one's signature against the fixed surrogate
// ABI: insert (i32)->i32, get (i32)->i32, drop (i32)->(), guard ()->().
func Find(m *wasm.Module) (Set, error) {
	var set Set
	var foundInsert, foundGet, foundDrop bool

	var funcIdx wasm.Index

	for _, im := range m.Import {
		if im.Kind() != wasm.ImportFunc {
			continue
		}

		idx := funcIdx
		funcIdx++

		if string(im.Module) != ModuleName {
			continue
		}

		ft, err := funcType(m, im.FuncTypeIndex())
		if err != nil {
			return Set{}, err
		}

		switch string(im.Name) {
		case FieldInsert:
			if !isSig(ft, []wasm.Type{wasm.I32}, []wasm.Type{wasm.I32}) {
				return Set{}, WrongSurrogateSignature{Field: FieldInsert, Want: "(i32)->i32", Got: sigString(ft)}
			}
			set.Insert = idx
			foundInsert = true
		case FieldGet:
			if !isSig(ft, []wasm.Type{wasm.I32}, []wasm.Type{wasm.I32}) {
				return Set{}, WrongSurrogateSignature{Field: FieldGet, Want: "(i32)->i32", Got: sigString(ft)}
			}
			set.Get = idx
			foundGet = true
		case FieldDrop:
			if !isSig(ft, []wasm.Type{wasm.I32}, nil) {
				return Set{}, WrongSurrogateSignature{Field: FieldDrop, Want: "(i32)->()", Got: sigString(ft)}
			}
			set.Drop = idx
			foundDrop = true
		case FieldGuard:
			if !isSig(ft, nil, nil) {
				return Set{}, WrongSurrogateSignature{Field: FieldGuard, Want: "()->()", Got: sigString(ft)}
			}
			set.Guard = idx
			set.HasGuard = true
		}
	}

	if !foundInsert {
		return Set{}, MissingSurrogate{Field: FieldInsert}
	}
	if !foundGet {
		return Set{}, MissingSurrogate{Field: FieldGet}
	}
	if !foundDrop {
		return Set{}, MissingSurrogate{Field: FieldDrop}
	}

	tlog.V("surrogate").Printw("surrogates resolved", "insert", set.Insert, "get", set.Get, "drop", set.Drop, "guard", set.Guard, "has_guard", set.HasGuard)

	return set, nil
}

func funcType(m *wasm.Module, idx wasm.Index) (wasm.FuncType, error) {
	if int(idx) < 0 || int(idx) >= len(m.Type) {
		return wasm.FuncType{}, errors.New("type index %d out of range", idx)
	}

	return m.Type[idx], nil
}

func isSig(ft wasm.FuncType, params, result []wasm.Type) bool {
	return sameTypes(ft.Params, params) && sameTypes(ft.Result, result)
}

func sameTypes(a wasm.ResultType, b []wasm.Type) bool {
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

func sigString(ft wasm.FuncType) string {
	s := "("

	for i, t := range ft.Params {
		if i > 0 {
			s += ","
		}
		s += typeName(t)
	}

	s += ")->"

	if len(ft.Result) == 0 {
		return s + "()"
	}

	for i, t := range ft.Result {
		if i > 0 {
			s += ","
		}
		s += typeName(t)
	}

	return s
}

func typeName(t wasm.Type) string {
	switch t {
	case wasm.I32:
		return "i32"
	case wasm.I64:
		return "i64"
	case wasm.F32:
		return "f32"
	case wasm.F64:
		return "f64"
	case wasm.ExternRef:
		return "externref"
	case wasm.FuncRef:
		return "funcref"
	default:
		return "?"
	}
}
