package sigrewrite_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wasm "github.com/nikandfor/wasmxref"
	"github.com/nikandfor/wasmxref/internal/declspec"
	"github.com/nikandfor/wasmxref/internal/sigrewrite"
)

func TestRewriteImportParamAndReturn(t *testing.T) {
	m := &wasm.Module{
		Type: []wasm.FuncType{
			{Params: wasm.ResultType{wasm.I32, wasm.I32}, Result: wasm.ResultType{wasm.I32}},
		},
		Import: []wasm.Import{
			wasm.NewFuncImport("env", "callback", 0),
		},
	}

	decls := []declspec.Declaration{
		{Kind: declspec.KindImport, Module: "env", Field: "callback", ArgSlots: map[int]bool{0: true}, ReturnRef: true},
	}

	res, err := sigrewrite.Rewrite(m, decls)
	require.NoError(t, err)
	require.Len(t, res, 1)

	newType := m.Type[m.Import[0].FuncTypeIndex()]
	assert.Equal(t, wasm.Type(wasm.ExternRef), newType.Params[0])
	assert.Equal(t, wasm.Type(wasm.I32), newType.Params[1])
	require.Len(t, newType.Result, 1)
	assert.Equal(t, wasm.Type(wasm.ExternRef), newType.Result[0])
}

func TestRewriteReusesIdenticalType(t *testing.T) {
	m := &wasm.Module{
		Type: []wasm.FuncType{
			{Params: wasm.ResultType{wasm.I32}},
			{Params: wasm.ResultType{wasm.ExternRef}}, // already exists
		},
		Export: []wasm.Export{
			{Name: []byte("make"), ExportType: wasm.ExportFunc, Index: 0},
		},
		Function: []wasm.Index{0},
		Code:     []wasm.Code{{0x0b}},
	}

	decls := []declspec.Declaration{
		{Kind: declspec.KindExport, Field: "make", ArgSlots: map[int]bool{0: true}},
	}

	_, err := sigrewrite.Rewrite(m, decls)
	require.NoError(t, err)

	assert.Len(t, m.Type, 2) // no new type appended, reused index 1
	assert.Equal(t, wasm.Index(1), m.Function[0])
}

func TestRewriteUnresolvedDeclaration(t *testing.T) {
	m := &wasm.Module{}

	decls := []declspec.Declaration{
		{Kind: declspec.KindExport, Field: "missing", ArgSlots: map[int]bool{}},
	}

	_, err := sigrewrite.Rewrite(m, decls)
	require.Error(t, err)

	var uerr sigrewrite.UnresolvedDeclaration
	require.ErrorAs(t, err, &uerr)
}

func TestRewriteArityMismatch(t *testing.T) {
	m := &wasm.Module{
		Type: []wasm.FuncType{{}},
		Import: []wasm.Import{
			wasm.NewFuncImport("env", "noargs", 0),
		},
	}

	decls := []declspec.Declaration{
		{Kind: declspec.KindImport, Module: "env", Field: "noargs", ArgSlots: map[int]bool{0: true}},
	}

	_, err := sigrewrite.Rewrite(m, decls)
	require.Error(t, err)

	var aerr sigrewrite.ArityMismatch
	require.ErrorAs(t, err, &aerr)
}
