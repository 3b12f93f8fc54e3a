// Package processor drives the full externref rewrite end to end: decode,
// find the __externrefs declarations, resolve the surrogate imports, check
// guards, rewrite signatures and bodies, and finalize the module for
// re-encoding. It is the one place that knows the phase order; every other
// package only knows how to do its own phase.
package processor

import (
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	wasm "github.com/nikandfor/wasmxref"
	"github.com/nikandfor/wasmxref/internal/declspec"
	"github.com/nikandfor/wasmxref/internal/reftable"
	"github.com/nikandfor/wasmxref/internal/rewrite"
	"github.com/nikandfor/wasmxref/internal/sigrewrite"
	"github.com/nikandfor/wasmxref/internal/surrogate"
)

// Options configures a single Process call.
type Options struct {
	// TableName names the reference table to reuse or create. Empty means
	// reftable.DefaultTableName.
	TableName string

	// DropNotifyModule and DropNotifyName, when both set, name an import
	// the drop bridge calls with the value before releasing its slot.
	DropNotifyModule, DropNotifyName string
}

// Phase names a step of the state machine, recorded on errors so a caller
// can tell which stage failed without parsing the error chain.
type Phase string

const (
	Loaded              Phase = "loaded"
	DeclarationsParsed  Phase = "declarations_parsed"
	SurrogatesResolved  Phase = "surrogates_resolved"
	GuardsChecked       Phase = "guards_checked"
	SignaturesRewritten Phase = "signatures_rewritten"
	BodiesRewritten     Phase = "bodies_rewritten"
	Finalized           Phase = "finalized"
)

// PhaseError wraps an underlying error with the phase it occurred in.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e PhaseError) Error() string { return string(e.Phase) + ": " + e.Err.Error() }
func (e PhaseError) Unwrap() error { return e.Err }

// Process decodes a complete wasm binary, rewrites its externref surrogate
// ABI per the __externrefs custom section, and re-encodes it. A module with
// no __externrefs section passes through re-encoded but otherwise untouched,
// so running the tool twice on its own output is a no-op.
func Process(data []byte, opts Options) ([]byte, error) {
	m := &wasm.Module{}

	var dec wasm.Decoder

	if err := dec.Module(data, m); err != nil {
		return nil, PhaseError{Loaded, err}
	}

	decls, found, err := extractDeclarations(m)
	if err != nil {
		return nil, PhaseError{DeclarationsParsed, err}
	}

	if !found {
		tlog.Printw("no __externrefs section, passing module through unchanged")

		var enc wasm.Encoder

		return enc.Module(m), nil
	}

	surr, err := surrogate.Find(m)
	if err != nil {
		return nil, PhaseError{SurrogatesResolved, err}
	}

	var dropNotify *wasm.Index
	if opts.DropNotifyModule != "" {
		idx, err := resolveImport(m, opts.DropNotifyModule, opts.DropNotifyName)
		if err != nil {
			return nil, PhaseError{SurrogatesResolved, err}
		}

		dropNotify = &idx
	}

	affected, err := sigrewrite.ResolveFuncIndices(m, decls)
	if err != nil {
		return nil, PhaseError{SurrogatesResolved, err}
	}

	if err := rewrite.CheckGuards(m, affected, surr); err != nil {
		return nil, PhaseError{GuardsChecked, err}
	}

	origFuncCount := len(m.Function)

	bridges, err := reftable.Build(m, reftable.Options{
		TableName:  opts.TableName,
		DropNotify: dropNotify,
	})
	if err != nil {
		return nil, PhaseError{SignaturesRewritten, err}
	}

	results, err := sigrewrite.Rewrite(m, decls)
	if err != nil {
		return nil, PhaseError{SignaturesRewritten, err}
	}

	if err := rewrite.RewriteBodies(m, surr, bridges, origFuncCount); err != nil {
		return nil, PhaseError{BodiesRewritten, err}
	}

	finalize(m, surr)

	var enc wasm.Encoder

	out := enc.Module(m)

	tlog.Printw("module processed", "declarations", len(decls), "affected_funcs", len(results), "size", len(out))

	return out, nil
}

// extractDeclarations finds and decodes the __externrefs custom section, if
// present, reporting false when the module carries none (the passthrough
// case).
func extractDeclarations(m *wasm.Module) ([]declspec.Declaration, bool, error) {
	for _, c := range m.Custom {
		if string(c.Name) != declspec.SectionName {
			continue
		}

		decls, err := declspec.Decode(c.Data)
		if err != nil {
			return nil, true, err
		}

		return decls, true, nil
	}

	return nil, false, nil
}

func resolveImport(m *wasm.Module, mod, name string) (wasm.Index, error) {
	idx := 0

	for _, im := range m.Import {
		if im.Kind() != wasm.ImportFunc {
			continue
		}

		if string(im.Module) == mod && string(im.Name) == name {
			return wasm.Index(idx), nil
		}

		idx++
	}

	return 0, errors.New("drop-notify import %s::%s not found", mod, name)
}

// finalize removes the surrogate imports and the __externrefs custom
// section, since both are build-time-only artifacts that have no meaning
// (and, for the imports, no valid call sites left) in the rewritten module,
// then sweeps any function type the removed imports left unreferenced.
func finalize(m *wasm.Module, surr surrogate.Set) {
	remove := map[wasm.Index]bool{surr.Insert: true, surr.Get: true, surr.Drop: true}
	if surr.HasGuard {
		remove[surr.Guard] = true
	}

	removeFuncImports(m, remove)
	removeCustomSection(m, declspec.SectionName)
	gcDeadTypes(m)
}

// gcDeadTypes drops any Type-section entry no import or local function
// references anymore, which after removeFuncImports always includes the
// surrogate ABI's own function types. It is a narrow mark-sweep scoped to
// exactly the types finalization itself can orphan, not a general WASM
// optimization pass.
func gcDeadTypes(m *wasm.Module) {
	used := make([]bool, len(m.Type))

	for _, im := range m.Import {
		if im.Kind() == wasm.ImportFunc {
			used[im.FuncTypeIndex()] = true
		}
	}

	for _, t := range m.Function {
		used[t] = true
	}

	live := 0
	for _, u := range used {
		if u {
			live++
		}
	}

	if live == len(m.Type) {
		return
	}

	oldToNew := make([]wasm.Index, len(m.Type))
	newTypes := make([]wasm.FuncType, 0, live)

	for i, u := range used {
		if !u {
			continue
		}

		oldToNew[i] = wasm.Index(len(newTypes))
		newTypes = append(newTypes, m.Type[i])
	}

	m.Type = newTypes

	for i := range m.Import {
		if m.Import[i].Kind() == wasm.ImportFunc {
			m.Import[i].SetFuncTypeIndex(oldToNew[m.Import[i].FuncTypeIndex()])
		}
	}

	for i := range m.Function {
		m.Function[i] = oldToNew[m.Function[i]]
	}
}

// removeFuncImports drops the named-by-index function imports and shifts
// every remaining function reference (imports, Function, Export, Element,
// Start, and call operands in every function body) down to match, since the
// function index space is contiguous and import removal is a renumbering,
// not just a deletion.
func removeFuncImports(m *wasm.Module, remove map[wasm.Index]bool) {
	if len(remove) == 0 {
		return
	}

	nImp := m.NumFuncImports()

	oldToNew := make([]wasm.Index, nImp+len(m.Function))
	kept := make([]wasm.Import, 0, len(m.Import))

	var funcOrdinal wasm.Index
	var newOrdinal wasm.Index

	for _, im := range m.Import {
		if im.Kind() != wasm.ImportFunc {
			kept = append(kept, im)
			continue
		}

		if remove[funcOrdinal] {
			funcOrdinal++
			continue
		}

		oldToNew[funcOrdinal] = newOrdinal
		newOrdinal++
		funcOrdinal++

		kept = append(kept, im)
	}

	for li := range m.Function {
		oldIdx := wasm.Index(nImp + li)
		oldToNew[oldIdx] = newOrdinal
		newOrdinal++
	}

	m.Import = kept

	remap := func(idx wasm.Index) wasm.Index {
		if int(idx) < len(oldToNew) {
			return oldToNew[idx]
		}

		return idx
	}

	if m.Start >= 0 {
		m.Start = remap(m.Start)
	}

	for i := range m.Export {
		if m.Export[i].ExportType == wasm.ExportFunc {
			m.Export[i].Index = remap(m.Export[i].Index)
		}
	}

	for i := range m.Element {
		for j := range m.Element[i].Funcs {
			m.Element[i].Funcs[j] = remap(m.Element[i].Funcs[j])
		}
	}

	for i := range m.Code {
		m.Code[i] = remapCalls(m.Code[i], remap)
	}
}

func remapCalls(code wasm.Code, remap func(wasm.Index) wasm.Index) wasm.Code {
	var dec wasm.InstructionsDecoder

	fc, err := dec.Func(code, wasm.FuncCode{})
	if err != nil {
		return code
	}

	instrs, err := dec.Scan(fc.Expr)
	if err != nil {
		return code
	}

	var edits []wasm.Edit
	var enc wasm.Encoder

	for _, in := range instrs {
		if in.Op != wasm.Call {
			continue
		}

		nv := remap(wasm.Index(in.Arg))
		if int64(nv) == in.Arg {
			continue
		}

		var repl []byte
		repl = append(repl, wasm.Call)
		repl = enc.Int64(repl, int64(nv))

		edits = append(edits, wasm.Edit{Start: in.Start, End: in.End, Repl: repl})
	}

	newExpr := wasm.Splice(fc.Expr, edits)

	return wasm.Code(enc.FuncCode(wasm.FuncCode{Locals: fc.Locals, Expr: newExpr}))
}

func removeCustomSection(m *wasm.Module, name string) {
	out := m.Custom[:0]

	for _, c := range m.Custom {
		if string(c.Name) == name {
			continue
		}

		out = append(out, c)
	}

	m.Custom = out
}
