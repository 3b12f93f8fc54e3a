package rewrite_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wasm "github.com/nikandfor/wasmxref"
	"github.com/nikandfor/wasmxref/internal/rewrite"
	"github.com/nikandfor/wasmxref/internal/surrogate"
)

// guardModule builds a module with one externref::guard import at index 0
// and a single local function (func index 1) whose body is body.
func guardModule(body []byte) *wasm.Module {
	return &wasm.Module{
		Type: []wasm.FuncType{
			{},                              // 0: ()->() guard sig
			{Result: wasm.ResultType{wasm.I32}}, // 1: ()->i32
		},
		Import: []wasm.Import{
			wasm.NewFuncImport(surrogate.ModuleName, surrogate.FieldGuard, 0),
		},
		Function: []wasm.Index{1},
		Code:     []wasm.Code{append([]byte{0x00}, body...)}, // 0 local groups
	}
}

func TestCheckGuardsPassesWithLeadingGuardCall(t *testing.T) {
	// call 0 (guard); i32.const 1; end
	body := []byte{0x10, 0x00, 0x41, 0x01, 0x0b}
	m := guardModule(body)

	surr := surrogate.Set{Guard: 0, HasGuard: true}

	err := rewrite.CheckGuards(m, []wasm.Index{1}, surr)
	require.NoError(t, err)
}

func TestCheckGuardsFailsWithoutGuardCall(t *testing.T) {
	// i32.const 1; end -- no guard call at all
	body := []byte{0x41, 0x01, 0x0b}
	m := guardModule(body)

	surr := surrogate.Set{Guard: 0, HasGuard: true}

	err := rewrite.CheckGuards(m, []wasm.Index{1}, surr)
	require.Error(t, err)

	var gerr rewrite.GuardMissing
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, wasm.Index(1), gerr.FuncIndex)
}

func TestCheckGuardsSkippedWithoutSurrogateGuard(t *testing.T) {
	// a pre-0.2 front end never emits externref::guard; CheckGuards must be a
	// no-op rather than failing every declared function.
	body := []byte{0x41, 0x01, 0x0b}
	m := guardModule(body)

	surr := surrogate.Set{HasGuard: false}

	err := rewrite.CheckGuards(m, []wasm.Index{1}, surr)
	require.NoError(t, err)
}

func TestCheckGuardsIgnoresImportIndices(t *testing.T) {
	// a declaration resolving to an import (not a local function) has no
	// body to scan and must not be treated as a guard failure.
	body := []byte{0x10, 0x00, 0x41, 0x01, 0x0b}
	m := guardModule(body)

	surr := surrogate.Set{Guard: 0, HasGuard: true}

	err := rewrite.CheckGuards(m, []wasm.Index{0}, surr)
	require.NoError(t, err)
}

func TestCheckGuardsPassesWithShadowStackPrologue(t *testing.T) {
	// global.get 0; i32.const 16; i32.sub; local.tee 0; global.set 0; call 0 (guard)
	body := []byte{
		0x23, 0x00, // global.get 0
		0x41, 0x10, // i32.const 16
		0x6b,       // i32.sub
		0x22, 0x00, // local.tee 0
		0x24, 0x00, // global.set 0
		0x10, 0x00, // call 0 (guard)
		0x41, 0x01, // i32.const 1
		0x0b, // end
	}
	m := guardModule(body)

	surr := surrogate.Set{Guard: 0, HasGuard: true}

	err := rewrite.CheckGuards(m, []wasm.Index{1}, surr)
	require.NoError(t, err)
}
