package processor_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wasm "github.com/nikandfor/wasmxref"
	"github.com/nikandfor/wasmxref/internal/declspec"
	"github.com/nikandfor/wasmxref/internal/processor"
	"github.com/nikandfor/wasmxref/internal/reftable"
	"github.com/nikandfor/wasmxref/internal/surrogate"
)

func TestProcessPassthroughWithoutDeclarations(t *testing.T) {
	m := &wasm.Module{
		Version: 1,
		Start:   -1,
		Type:    []wasm.FuncType{{}},
		Function: []wasm.Index{0},
		Code:    []wasm.Code{{0x00, 0x0b}},
	}

	var enc wasm.Encoder
	data := enc.Module(m)

	out, err := processor.Process(data, processor.Options{})
	require.NoError(t, err)

	var m2 wasm.Module

	var dec wasm.Decoder
	require.NoError(t, dec.Module(out, &m2))

	assert.Empty(t, m2.Import)
	require.Len(t, m2.Function, 1)
	require.Len(t, m2.Code, 1)
}

func TestProcessLoadErrorReportsPhase(t *testing.T) {
	_, err := processor.Process([]byte("not a wasm module"), processor.Options{})
	require.Error(t, err)

	var perr processor.PhaseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, processor.Loaded, perr.Phase)
}

// externrefsModule builds a module with the surrogate insert/get/drop
// imports, one more import (env::callback) declared to take a reference in
// its first parameter, and one exported local function ("caller") that
// pushes its own reference-typed param through externref::insert before
// calling callback — the pattern the body rewriter is supposed to collapse
// back down to a direct call once callback's signature is retyped.
func externrefsModule(t *testing.T) []byte {
	t.Helper()

	m := &wasm.Module{
		Version: 1,
		Start:   -1,
		Type: []wasm.FuncType{
			{Params: wasm.ResultType{wasm.I32}, Result: wasm.ResultType{wasm.I32}},     // 0: old insert/get sig
			{Params: wasm.ResultType{wasm.I32}},                                        // 1: old drop sig
			{Params: wasm.ResultType{wasm.I32}},                                        // 2: callback's old (handle) sig
			{Params: wasm.ResultType{wasm.ExternRef}, Result: wasm.ResultType{wasm.I32}}, // 3: caller's sig
		},
		Import: []wasm.Import{
			wasm.NewFuncImport(surrogate.ModuleName, surrogate.FieldInsert, 0),
			wasm.NewFuncImport(surrogate.ModuleName, surrogate.FieldGet, 0),
			wasm.NewFuncImport(surrogate.ModuleName, surrogate.FieldDrop, 1),
			wasm.NewFuncImport("env", "callback", 2),
		},
		Function: []wasm.Index{3},
		Code: []wasm.Code{
			{
				0x00,       // 0 local groups
				0x20, 0x00, // local.get 0 (externref param)
				0x10, 0x00, // call 0 (externref::insert)
				0x10, 0x03, // call 3 (env::callback)
				0x41, 0x07, // i32.const 7
				0x0b, // end
			},
		},
		Export: []wasm.Export{
			{Name: []byte("caller"), ExportType: wasm.ExportFunc, Index: 4},
		},
	}

	decls := []declspec.Declaration{
		{Kind: declspec.KindImport, Module: "env", Field: "callback", ArgSlots: map[int]bool{0: true}},
	}

	m.Custom = []wasm.Custom{
		{Name: []byte(declspec.SectionName), Data: declspec.Encode(decls)},
	}

	var enc wasm.Encoder

	return enc.Module(m)
}

func TestProcessFullPipeline(t *testing.T) {
	data := externrefsModule(t)

	out, err := processor.Process(data, processor.Options{})
	require.NoError(t, err)

	var m2 wasm.Module

	var dec wasm.Decoder
	require.NoError(t, dec.Module(out, &m2))

	// the three surrogate imports are gone; only callback survives.
	require.Len(t, m2.Import, 1)
	assert.Equal(t, "env", string(m2.Import[0].Module))
	assert.Equal(t, "callback", string(m2.Import[0].Name))

	cbType := m2.Type[m2.Import[0].FuncTypeIndex()]
	require.Len(t, cbType.Params, 1)
	assert.Equal(t, wasm.Type(wasm.ExternRef), cbType.Params[0])
	assert.Empty(t, cbType.Result)

	// the __externrefs custom section is consumed, not carried forward.
	for _, c := range m2.Custom {
		assert.NotEqual(t, declspec.SectionName, string(c.Name))
	}

	// the reference table is allocated and exported under the default name.
	var sawTable bool
	var callerIdx wasm.Index
	var sawCaller bool

	for _, ex := range m2.Export {
		switch {
		case ex.ExportType == wasm.ExportTable && string(ex.Name) == reftable.DefaultTableName:
			sawTable = true
		case ex.ExportType == wasm.ExportFunc && string(ex.Name) == "caller":
			sawCaller = true
			callerIdx = ex.Index
		}
	}
	assert.True(t, sawTable, "expected the reference table to be exported")
	require.True(t, sawCaller, "expected the caller export to survive renumbering")

	// the only surviving import is callback, so after renumbering it is
	// function index 0 -- and that's what caller's call site must now read,
	// with the redundant insert/get round trip peepholed away entirely.
	nImp := m2.NumFuncImports()
	require.Greater(t, int(callerIdx), nImp-1)

	code := m2.Code[int(callerIdx)-nImp]

	var idec wasm.InstructionsDecoder

	fc, err := idec.Func(code, wasm.FuncCode{})
	require.NoError(t, err)

	instrs, err := idec.Scan(fc.Expr)
	require.NoError(t, err)

	require.Len(t, instrs, 4)
	assert.Equal(t, wasm.Opcode(wasm.LocalGet), instrs[0].Op)
	assert.Equal(t, wasm.Opcode(wasm.Call), instrs[1].Op)
	assert.Equal(t, int64(0), instrs[1].Arg) // callback, renumbered to func index 0
	assert.Equal(t, wasm.Opcode(wasm.I32Const), instrs[2].Op)
	assert.Equal(t, wasm.Opcode(wasm.End), instrs[3].Op)
}

func TestProcessGuardMissingFails(t *testing.T) {
	// the declaration names an exported *local* function, so the guard check
	// actually has a body to scan (a declaration resolving to an import has
	// no body, and is skipped by design -- see CheckGuards).
	m := &wasm.Module{
		Version: 1,
		Start:   -1,
		Type: []wasm.FuncType{
			{},                                  // 0: guard sig ()->()
			{Params: wasm.ResultType{wasm.I32}, Result: wasm.ResultType{wasm.I32}}, // 1: insert/get sig
			{Params: wasm.ResultType{wasm.I32}}, // 2: drop sig
			{Params: wasm.ResultType{wasm.I32}}, // 3: make's sig
		},
		Import: []wasm.Import{
			wasm.NewFuncImport(surrogate.ModuleName, surrogate.FieldInsert, 1),
			wasm.NewFuncImport(surrogate.ModuleName, surrogate.FieldGet, 1),
			wasm.NewFuncImport(surrogate.ModuleName, surrogate.FieldDrop, 2),
			wasm.NewFuncImport(surrogate.ModuleName, surrogate.FieldGuard, 0),
		},
		Function: []wasm.Index{3},
		Code: []wasm.Code{
			{
				0x00,       // 0 local groups, no guard call -- inlining destroyed it
				0x41, 0x00, // i32.const 0
				0x0b, // end
			},
		},
		Export: []wasm.Export{
			{Name: []byte("make"), ExportType: wasm.ExportFunc, Index: 4},
		},
	}

	decls := []declspec.Declaration{
		{Kind: declspec.KindExport, Field: "make", ArgSlots: map[int]bool{0: true}},
	}

	m.Custom = []wasm.Custom{
		{Name: []byte(declspec.SectionName), Data: declspec.Encode(decls)},
	}

	var enc wasm.Encoder
	data := enc.Module(m)

	_, err := processor.Process(data, processor.Options{})
	require.Error(t, err)

	var perr processor.PhaseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, processor.GuardsChecked, perr.Phase)
}
