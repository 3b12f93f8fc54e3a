package surrogate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wasm "github.com/nikandfor/wasmxref"
	"github.com/nikandfor/wasmxref/internal/surrogate"
)

func moduleWith(imports ...wasm.Import) *wasm.Module {
	return &wasm.Module{
		Type: []wasm.FuncType{
			{Params: wasm.ResultType{wasm.I32}, Result: wasm.ResultType{wasm.I32}}, // 0: (i32)->i32
			{Params: wasm.ResultType{wasm.I32}},                                    // 1: (i32)->()
			{},                                                                     // 2: ()->()
			{Result: wasm.ResultType{wasm.I32}},                                    // 3: ()->i32
		},
		Import: imports,
	}
}

func TestFindSucceedsWithoutGuard(t *testing.T) {
	m := moduleWith(
		wasm.NewFuncImport(surrogate.ModuleName, surrogate.FieldInsert, 0),
		wasm.NewFuncImport(surrogate.ModuleName, surrogate.FieldGet, 0),
		wasm.NewFuncImport(surrogate.ModuleName, surrogate.FieldDrop, 1),
	)

	set, err := surrogate.Find(m)
	require.NoError(t, err)
	assert.False(t, set.HasGuard)
	assert.Equal(t, wasm.Index(0), set.Insert)
	assert.Equal(t, wasm.Index(1), set.Get)
	assert.Equal(t, wasm.Index(2), set.Drop)
}

func TestFindSucceedsWithGuard(t *testing.T) {
	m := moduleWith(
		wasm.NewFuncImport(surrogate.ModuleName, surrogate.FieldInsert, 0),
		wasm.NewFuncImport(surrogate.ModuleName, surrogate.FieldGet, 0),
		wasm.NewFuncImport(surrogate.ModuleName, surrogate.FieldDrop, 1),
		wasm.NewFuncImport(surrogate.ModuleName, surrogate.FieldGuard, 2),
	)

	set, err := surrogate.Find(m)
	require.NoError(t, err)
	require.True(t, set.HasGuard)
	assert.Equal(t, wasm.Index(3), set.Guard)
}

func TestFindMissing(t *testing.T) {
	m := moduleWith(
		wasm.NewFuncImport(surrogate.ModuleName, surrogate.FieldInsert, 0),
		wasm.NewFuncImport(surrogate.ModuleName, surrogate.FieldGet, 0),
	)

	_, err := surrogate.Find(m)
	require.Error(t, err)

	var merr surrogate.MissingSurrogate
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, surrogate.FieldDrop, merr.Field)
}

func TestFindWrongSignature(t *testing.T) {
	m := moduleWith(
		wasm.NewFuncImport(surrogate.ModuleName, surrogate.FieldInsert, 3), // wrong: ()->i32
		wasm.NewFuncImport(surrogate.ModuleName, surrogate.FieldGet, 0),
		wasm.NewFuncImport(surrogate.ModuleName, surrogate.FieldDrop, 1),
	)

	_, err := surrogate.Find(m)
	require.Error(t, err)

	var serr surrogate.WrongSurrogateSignature
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, surrogate.FieldInsert, serr.Field)
}

func TestFindCountsOnlyFuncImports(t *testing.T) {
	m := moduleWith(
		wasm.NewTableImport("env", "table", wasm.FuncRef, 0, -1),
		wasm.NewFuncImport(surrogate.ModuleName, surrogate.FieldInsert, 0),
		wasm.NewFuncImport(surrogate.ModuleName, surrogate.FieldGet, 0),
		wasm.NewFuncImport(surrogate.ModuleName, surrogate.FieldDrop, 1),
	)

	set, err := surrogate.Find(m)
	require.NoError(t, err)

	// the table import takes no function index, so insert is still function
	// index 0, not 1.
	assert.Equal(t, wasm.Index(0), set.Insert)
	assert.Equal(t, wasm.Index(1), set.Get)
	assert.Equal(t, wasm.Index(2), set.Drop)
}

func TestFindIgnoresOtherModules(t *testing.T) {
	m := moduleWith(
		wasm.NewFuncImport("env", "memory", 2),
		wasm.NewFuncImport(surrogate.ModuleName, surrogate.FieldInsert, 0),
		wasm.NewFuncImport(surrogate.ModuleName, surrogate.FieldGet, 0),
		wasm.NewFuncImport(surrogate.ModuleName, surrogate.FieldDrop, 1),
	)

	_, err := surrogate.Find(m)
	require.NoError(t, err)
}
