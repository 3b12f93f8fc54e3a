package reftable_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wasm "github.com/nikandfor/wasmxref"
	"github.com/nikandfor/wasmxref/internal/reftable"
)

func TestBuildAllocatesFreshTable(t *testing.T) {
	m := &wasm.Module{}

	br, err := reftable.Build(m, reftable.Options{})
	require.NoError(t, err)

	require.Len(t, m.Table, 1)
	assert.Equal(t, wasm.Type(wasm.ExternRef), m.Table[0].Type)
	assert.Equal(t, 0, m.Table[0].Limits.Lo)
	assert.Equal(t, -1, m.Table[0].Limits.Hi)

	require.Len(t, m.Export, 1)
	assert.Equal(t, reftable.DefaultTableName, string(m.Export[0].Name))
	assert.Equal(t, byte(wasm.ExportTable), m.Export[0].ExportType)
	assert.Equal(t, br.Table, m.Export[0].Index)

	require.Len(t, m.Function, 3)
	require.Len(t, m.Code, 3)
}

func TestBuildReusesExistingExportedTable(t *testing.T) {
	m := &wasm.Module{
		Table:  []wasm.Table{{Type: wasm.ExternRef, Limits: wasm.Limits{Lo: 0, Hi: -1}}},
		Export: []wasm.Export{{Name: []byte("mytable"), ExportType: wasm.ExportTable, Index: 0}},
	}

	br, err := reftable.Build(m, reftable.Options{TableName: "mytable"})
	require.NoError(t, err)

	assert.Equal(t, wasm.Index(0), br.Table)
	assert.Len(t, m.Table, 1) // no new table allocated
	assert.Len(t, m.Export, 1)
}

func TestBuildRejectsNonExternrefTableWithSameName(t *testing.T) {
	m := &wasm.Module{
		Table:  []wasm.Table{{Type: wasm.FuncRef, Limits: wasm.Limits{Lo: 0, Hi: -1}}},
		Export: []wasm.Export{{Name: []byte("externrefs"), ExportType: wasm.ExportTable, Index: 0}},
	}

	_, err := reftable.Build(m, reftable.Options{})
	require.Error(t, err)
}

func TestBridgeBodiesDecodeCleanly(t *testing.T) {
	m := &wasm.Module{}

	br, err := reftable.Build(m, reftable.Options{})
	require.NoError(t, err)

	var dec wasm.InstructionsDecoder

	for _, idx := range []wasm.Index{br.Insert, br.Get, br.Drop} {
		fc, err := dec.Func(m.Code[idx], wasm.FuncCode{})
		require.NoError(t, err)

		instrs, err := dec.Scan(fc.Expr)
		require.NoError(t, err)
		assert.NotEmpty(t, instrs)
		assert.Equal(t, wasm.End, int(instrs[len(instrs)-1].Op))
	}
}

func TestDropNotifyEmitsCall(t *testing.T) {
	m := &wasm.Module{
		Type:   []wasm.FuncType{{Params: wasm.ResultType{wasm.ExternRef}}},
		Import: []wasm.Import{wasm.NewFuncImport("env", "on_drop", 0)},
	}

	notify := wasm.Index(0)

	br, err := reftable.Build(m, reftable.Options{DropNotify: &notify})
	require.NoError(t, err)

	var dec wasm.InstructionsDecoder

	fc, err := dec.Func(m.Code[int(br.Drop)-m.NumFuncImports()], wasm.FuncCode{})
	require.NoError(t, err)

	instrs, err := dec.Scan(fc.Expr)
	require.NoError(t, err)

	var sawCall bool
	for _, in := range instrs {
		if in.Op == wasm.Call && in.Arg == int64(notify) {
			sawCall = true
		}
	}
	assert.True(t, sawCall, "expected drop bridge to call the notify import")
}
