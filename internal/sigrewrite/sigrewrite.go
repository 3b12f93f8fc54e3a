// Package sigrewrite retargets the FuncType of every declared import/export
// so that its reference-carrying parameters and return value use the real
// reference type instead of the i32 handle the surrogate ABI used.
package sigrewrite

import (
	"fmt"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	wasm "github.com/nikandfor/wasmxref"
	"github.com/nikandfor/wasmxref/internal/declspec"
)

// Result records one rewritten function: where it lives, and its type
// before and after rewriting.
type Result struct {
	FuncIndex wasm.Index
	Decl      declspec.Declaration
	OldType   wasm.FuncType
	NewType   wasm.FuncType
}

// UnresolvedDeclaration is returned when a declaration names an import or
// export that doesn't exist in the module.
type UnresolvedDeclaration struct {
	Decl declspec.Declaration
}

func (e UnresolvedDeclaration) Error() string {
	if e.Decl.Kind == declspec.KindImport {
		return "declaration names unresolved import " + e.Decl.Module + "::" + e.Decl.Field
	}

	return "declaration names unresolved export " + e.Decl.Field
}

// ArityMismatch is returned when a declaration's bitmap names a parameter
// slot beyond the function's actual arity.
type ArityMismatch struct {
	Decl  declspec.Declaration
	Arity int
}

func (e ArityMismatch) Error() string {
	return fmt.Sprintf("declaration for %s references a parameter slot beyond its arity of %d", e.Decl.Field, e.Arity)
}

// ResolveFuncIndices resolves every declaration to the function index it
// names, without mutating the module. The guard check runs over this list,
// before signatures (and therefore types) are rewritten.
func ResolveFuncIndices(m *wasm.Module, decls []declspec.Declaration) ([]wasm.Index, error) {
	out := make([]wasm.Index, 0, len(decls))

	for _, d := range decls {
		idx, _, err := resolve(m, d)
		if err != nil {
			return nil, err
		}

		out = append(out, idx)
	}

	return out, nil
}

// Rewrite applies every declaration in decls to m's Type section, reusing an
// identical existing FuncType where one exists, and returns the resolved
// per-declaration results in input order.
func Rewrite(m *wasm.Module, decls []declspec.Declaration) ([]Result, error) {
	results := make([]Result, 0, len(decls))

	for _, d := range decls {
		funcIdx, oldType, err := resolve(m, d)
		if err != nil {
			return nil, err
		}

		maxSlot := -1
		for slot := range d.ArgSlots {
			if slot > maxSlot {
				maxSlot = slot
			}
		}

		if maxSlot >= len(oldType.Params) {
			return nil, ArityMismatch{Decl: d, Arity: len(oldType.Params)}
		}

		newType := apply(oldType, d)
		typeIdx := m.AddType(newType)

		m.SetFuncType(funcIdx, typeIdx)

		results = append(results, Result{FuncIndex: funcIdx, Decl: d, OldType: oldType, NewType: newType})

		tlog.V("sigrewrite").Printw("signature rewritten", "func", funcIdx, "field", d.Field, "type", typeIdx)
	}

	return results, nil
}

func apply(old wasm.FuncType, d declspec.Declaration) wasm.FuncType {
	params := make(wasm.ResultType, len(old.Params))
	copy(params, old.Params)

	for slot := range d.ArgSlots {
		params[slot] = wasm.ExternRef
	}

	result := make(wasm.ResultType, len(old.Result))
	copy(result, old.Result)

	if d.ReturnRef {
		if len(result) == 0 {
			result = wasm.ResultType{wasm.ExternRef}
		} else {
			result[0] = wasm.ExternRef
		}
	}

	return wasm.FuncType{Params: params, Result: result}
}

func resolve(m *wasm.Module, d declspec.Declaration) (wasm.Index, wasm.FuncType, error) {
	switch d.Kind {
	case declspec.KindImport:
		idx := 0

		for _, im := range m.Import {
			if im.Kind() != wasm.ImportFunc {
				continue
			}

			if string(im.Module) == d.Module && string(im.Name) == d.Field {
				ft, err := m.FuncType(wasm.Index(idx))
				return wasm.Index(idx), ft, err
			}

			idx++
		}

		return 0, wasm.FuncType{}, UnresolvedDeclaration{Decl: d}
	case declspec.KindExport:
		for _, ex := range m.Export {
			if ex.ExportType != wasm.ExportFunc || string(ex.Name) != d.Field {
				continue
			}

			ft, err := m.FuncType(ex.Index)
			return ex.Index, ft, err
		}

		return 0, wasm.FuncType{}, UnresolvedDeclaration{Decl: d}
	default:
		return 0, wasm.FuncType{}, errors.New("unknown declaration kind %d", d.Kind)
	}
}

