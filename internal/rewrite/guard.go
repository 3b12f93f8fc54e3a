package rewrite

import (
	"fmt"

	wasm "github.com/nikandfor/wasmxref"
)

// GuardMissing is returned when an affected local function's body does not
// open with a guard call, which means an optimizer has inlined the
// surrogate wrappers and destroyed the call-site pattern the rewriter
// depends on.
type GuardMissing struct {
	FuncIndex wasm.Index
}

func (e GuardMissing) Error() string {
	return fmt.Sprintf("function %d is missing its externref::guard call; this usually means the module was optimized (e.g. by wasm-opt) before processing — raise the front end's debug-info level, or run this tool earlier in the build, before inlining can happen", e.FuncIndex)
}

// checkGuard reports whether instrs opens with a direct call to guardIdx,
// either as the first instruction or immediately after a recognized
// shadow-stack-pointer prologue (global.set $sp (local.tee $n (i32.sub
// (global.get $sp) (i32.const K)))).
func checkGuard(instrs []wasm.Instr, guardIdx wasm.Index) bool {
	if len(instrs) == 0 {
		return false
	}

	if isGuardCall(instrs[0], guardIdx) {
		return true
	}

	if len(instrs) < 6 {
		return false
	}

	sp := instrs[0]
	k := instrs[1]
	sub := instrs[2]
	tee := instrs[3]
	set := instrs[4]
	guard := instrs[5]

	if sp.Op != wasm.GlobalGet || k.Op != wasm.I32Const || sub.Op != wasm.I32Sub ||
		tee.Op != wasm.LocalTee || set.Op != wasm.GlobalSet {
		return false
	}

	if sp.Arg != set.Arg {
		return false
	}

	return isGuardCall(guard, guardIdx)
}

func isGuardCall(in wasm.Instr, guardIdx wasm.Index) bool {
	return in.Op == wasm.Call && in.Arg == int64(guardIdx)
}
