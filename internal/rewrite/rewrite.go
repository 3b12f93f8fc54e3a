// Package rewrite walks every local function body, retargets surrogate
// calls to the reference-table bridges, retypes locals that now carry
// reference values, and inserts table bridges wherever a reference and a
// plain i32 slot meet at a boundary that can't be elided.
package rewrite

import (
	"fmt"
	"sort"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	wasm "github.com/nikandfor/wasmxref"
	"github.com/nikandfor/wasmxref/internal/reftable"
	"github.com/nikandfor/wasmxref/internal/surrogate"
)

// UnsupportedPattern is returned when a function body uses a structural
// shape the rewriter does not attempt to reconcile — a reference value
// whose lifetime crosses a non-empty block boundary, or a call through
// call_indirect to an affected signature.
type UnsupportedPattern struct {
	FuncIndex wasm.Index
	Reason    string
}

func (e UnsupportedPattern) Error() string {
	return fmt.Sprintf("function %d uses an unsupported pattern: %s", e.FuncIndex, e.Reason)
}

var emptyBlockArg = blockArg(0x40)

func blockArg(tp byte) int64 {
	var d wasm.LowDecoder

	v, _, err := d.Int64([]byte{tp}, 0)
	if err != nil {
		panic(err)
	}

	return v
}

// CheckGuards verifies that every declared local function in affected (a
// function index a declaration resolved to) opens with a call to the
// surrogate guard, when surr.HasGuard is true. It runs before any signature
// or body rewriting, so it always sees the function's original bytecode.
func CheckGuards(m *wasm.Module, affected []wasm.Index, surr surrogate.Set) error {
	if !surr.HasGuard {
		return nil
	}

	nImp := m.NumFuncImports()

	for _, idx := range affected {
		if int(idx) < nImp {
			continue // declared boundary is itself an import; nothing to scan
		}

		li := int(idx) - nImp

		var dec wasm.InstructionsDecoder

		fc, err := dec.Func(m.Code[li], wasm.FuncCode{})
		if err != nil {
			return errors.Wrap(err, "function %d", idx)
		}

		instrs, err := dec.Scan(fc.Expr)
		if err != nil {
			return errors.Wrap(err, "function %d", idx)
		}

		if !checkGuard(instrs, surr.Guard) {
			return GuardMissing{FuncIndex: idx}
		}
	}

	return nil
}

// RewriteBodies rewrites the first origFuncCount local function bodies in m,
// retargeting surrogate calls to bridges and reconciling reference/plain
// mismatches. It runs over every front-end-emitted local function, not just
// the ones a declaration named, since reference flow passes through
// undeclared helper functions too — but it deliberately excludes any
// function appended after origFuncCount, since those are the reftable
// bridges themselves, hand-built already-correct wasm rather than something
// that needs analyzing (the get bridge's own non-empty-typed if would trip
// the UnsupportedPattern refusal otherwise).
func RewriteBodies(m *wasm.Module, surr surrogate.Set, bridges reftable.Bridges, origFuncCount int) error {
	nImp := m.NumFuncImports()

	for li := 0; li < origFuncCount && li < len(m.Function); li++ {
		funcIdx := wasm.Index(nImp + li)

		if err := rewriteFunc(m, funcIdx, surr, bridges); err != nil {
			return err
		}
	}

	return nil
}

func rewriteFunc(m *wasm.Module, funcIdx wasm.Index, surr surrogate.Set, bridges reftable.Bridges) error {
	li := int(funcIdx) - m.NumFuncImports()

	var dec wasm.InstructionsDecoder

	fc, err := dec.Func(m.Code[li], wasm.FuncCode{})
	if err != nil {
		return errors.Wrap(err, "function %d", funcIdx)
	}

	instrs, err := dec.Scan(fc.Expr)
	if err != nil {
		return errors.Wrap(err, "function %d", funcIdx)
	}

	ft, err := m.FuncType(funcIdx)
	if err != nil {
		return err
	}

	paramRef := make([]bool, len(ft.Params))
	for i, t := range ft.Params {
		paramRef[i] = t == wasm.ExternRef
	}

	rw := &funcRewriter{
		m:         m,
		funcIdx:   funcIdx,
		surr:      surr,
		bridges:   bridges,
		paramRef:  paramRef,
		numParams: len(ft.Params),
	}

	rw.classifyLocals(instrs)

	edits, err := rw.reconcile(instrs)
	if err != nil {
		return err
	}

	// Splice wants edits ordered by position; compensation edits are
	// appended when a value is consumed, which can be after edits further on.
	sort.SliceStable(edits, func(a, b int) bool {
		if edits[a].Start != edits[b].Start {
			return edits[a].Start < edits[b].Start
		}

		return edits[a].End < edits[b].End
	})

	newExpr := wasm.Splice(fc.Expr, edits)
	newExpr = peephole(newExpr, bridges)

	locals := retypeLocals(fc.Locals, rw.numParams, rw.localRef)

	var e wasm.Encoder
	m.Code[li] = wasm.Code(e.FuncCode(wasm.FuncCode{Locals: locals, Expr: newExpr}))

	tlog.V("rewrite").Printw("function body rewritten", "func", funcIdx, "edits", len(edits))

	return nil
}

// retypeLocals rewrites the declared (non-param) local types to Externref
// for every local classified as reference-carrying.
func retypeLocals(locals wasm.ResultType, numParams int, ref map[int]bool) wasm.ResultType {
	out := make(wasm.ResultType, len(locals))
	copy(out, locals)

	for idx := range ref {
		li := idx - numParams
		if li < 0 || li >= len(out) {
			continue
		}

		out[li] = wasm.ExternRef
	}

	return out
}

type funcRewriter struct {
	m       *wasm.Module
	funcIdx wasm.Index
	surr    surrogate.Set
	bridges reftable.Bridges

	paramRef  []bool
	numParams int
	localRef  map[int]bool // non-param local index -> classified as reference-carrying
}

func (rw *funcRewriter) isParamRef(idx int) bool {
	if idx < 0 || idx >= len(rw.paramRef) {
		return false
	}

	return rw.paramRef[idx]
}

func (rw *funcRewriter) localIsRef(idx int) bool {
	if idx < rw.numParams {
		return rw.isParamRef(idx)
	}

	return rw.localRef[idx]
}

// classifyLocals promotes a non-param local to reference type iff every
// local.set/local.tee targeting it is immediately fed, with nothing
// intervening, by an unconditional reference producer: a param local.get
// already reference-typed, or a call to a function whose current return
// type is a single reference. Locals fed by a mix of reference and plain
// producers are left as i32 and reconciled at the mismatch site instead, so
// misclassification here never produces invalid bytecode, only a less
// elided one.
func (rw *funcRewriter) classifyLocals(instrs []wasm.Instr) {
	rw.localRef = map[int]bool{}

	candidates := map[int]bool{}
	for _, in := range instrs {
		if (in.Op == wasm.LocalSet || in.Op == wasm.LocalTee) && int(in.Arg) >= rw.numParams {
			candidates[int(in.Arg)] = true
		}
	}

	for loc := range candidates {
		ok, any := true, false

		for i, in := range instrs {
			if (in.Op != wasm.LocalSet && in.Op != wasm.LocalTee) || int(in.Arg) != loc {
				continue
			}

			any = true

			if i == 0 || instrs[i-1].Depth != in.Depth {
				ok = false
				break
			}

			if !rw.producesRef(instrs[i-1]) {
				ok = false
				break
			}
		}

		if any && ok {
			rw.localRef[loc] = true
		}
	}
}

// producesRef reports whether in unconditionally leaves a reference value
// on top of the stack. A local.get of another (non-param) local is
// deliberately not treated as a producer here, to avoid a circular
// dependency between two locals' classifications.
func (rw *funcRewriter) producesRef(in wasm.Instr) bool {
	switch in.Op {
	case wasm.LocalGet:
		return int(in.Arg) < rw.numParams && rw.isParamRef(int(in.Arg))
	case wasm.Call:
		return rw.calleeReturnsRef(in.Arg)
	default:
		return false
	}
}

// retargetCallee maps a call's raw operand to the index whose current
// signature should govern ref-tracking: a surrogate import is mapped to its
// bridge, since the bridge's signature is what the call will actually
// target after rewriting.
func (rw *funcRewriter) retargetCallee(raw int64) wasm.Index {
	idx := wasm.Index(raw)

	switch idx {
	case rw.surr.Insert:
		return rw.bridges.Insert
	case rw.surr.Get:
		return rw.bridges.Get
	case rw.surr.Drop:
		return rw.bridges.Drop
	default:
		return idx
	}
}

func (rw *funcRewriter) calleeReturnsRef(raw int64) bool {
	ft, err := rw.m.FuncType(rw.retargetCallee(raw))
	if err != nil {
		return false
	}

	return len(ft.Result) == 1 && ft.Result[0] == wasm.ExternRef
}

func (rw *funcRewriter) calleeParamsRef(raw int64) []bool {
	ft, err := rw.m.FuncType(rw.retargetCallee(raw))
	if err != nil {
		return nil
	}

	out := make([]bool, len(ft.Params))
	for i, t := range ft.Params {
		out[i] = t == wasm.ExternRef
	}

	return out
}

type stackItem struct {
	ref     bool
	prodEnd int
}

// reconcile performs the single forward scan that retargets surrogate
// calls, deletes guard calls, and inserts table bridges wherever a tracked
// value's type doesn't match what its consumer requires. Reference tracking
// resets at every block/loop/if/else/end/br/br_if/br_table/unreachable/
// return boundary: WASM's structured control flow guarantees nothing below
// the current construct's own value stack is reachable from inside it, so
// resetting there never hides a real mismatch — it only means a reference
// value is never tracked across such a boundary, which the function
// refuses outright (UnsupportedPattern) rather than risk.
func (rw *funcRewriter) reconcile(instrs []wasm.Instr) ([]wasm.Edit, error) {
	var edits []wasm.Edit
	var stack []stackItem
	var blockTypes []int64

	var enc wasm.Encoder

	compensate := func(item stackItem, want bool) stackItem {
		if item.ref == want {
			return item
		}

		var callee wasm.Index
		if want {
			callee = rw.bridges.Get
		} else {
			callee = rw.bridges.Insert
		}

		var repl []byte
		repl = append(repl, wasm.Call)
		repl = enc.Int64(repl, int64(callee))

		edits = append(edits, wasm.Edit{Start: item.prodEnd, End: item.prodEnd, Repl: repl})

		return stackItem{ref: want, prodEnd: item.prodEnd}
	}

	reset := func() { stack = nil }

	for i, in := range instrs {
		switch in.Op {
		case wasm.Block, wasm.Loop, wasm.If:
			if in.Arg != emptyBlockArg {
				return nil, UnsupportedPattern{FuncIndex: rw.funcIdx, Reason: "a block, loop, or if carries a non-empty result or multi-value type; reference flow across it is not analyzed"}
			}

			blockTypes = append(blockTypes, in.Arg)
			reset()
		case wasm.Else:
			reset()
		case wasm.End:
			if len(blockTypes) > 0 {
				blockTypes = blockTypes[:len(blockTypes)-1]
			}

			reset()
		case wasm.Br, wasm.BrIf, wasm.BrTable, wasm.Unreachable, wasm.Ret:
			reset()
		case wasm.LocalGet:
			stack = append(stack, stackItem{ref: rw.localIsRef(int(in.Arg)), prodEnd: in.End})
		case wasm.LocalSet, wasm.LocalTee:
			if len(stack) == 0 {
				reset()
				continue
			}

			item := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			want := rw.localIsRef(int(in.Arg))
			item = compensate(item, want)

			if in.Op == wasm.LocalTee {
				stack = append(stack, stackItem{ref: want, prodEnd: in.End})
			}
		case wasm.Call:
			if err := rw.reconcileCall(i, instrs, &stack, compensate, &edits); err != nil {
				return nil, err
			}
		case wasm.CallIndir:
			reset() // indirect calls through an affected signature are out of scope
		case wasm.RefNull:
			stack = append(stack, stackItem{ref: true, prodEnd: in.End})
		default:
			pop, push := genericArity(in.Op)

			if pop > len(stack) {
				stack = nil
			} else if pop > 0 {
				stack = stack[:len(stack)-pop]
			}

			for p := 0; p < push; p++ {
				stack = append(stack, stackItem{ref: false, prodEnd: in.End})
			}
		}
	}

	return edits, nil
}

func (rw *funcRewriter) reconcileCall(i int, instrs []wasm.Instr, stack *[]stackItem, compensate func(stackItem, bool) stackItem, edits *[]wasm.Edit) error {
	in := instrs[i]
	raw := in.Arg

	if rw.surr.HasGuard && wasm.Index(raw) == rw.surr.Guard {
		*edits = append(*edits, wasm.Edit{Start: in.Start, End: in.End, Repl: nil})
		return nil
	}

	params := rw.calleeParamsRef(raw)

	if len(params) > 0 {
		if len(params) > len(*stack) {
			*stack = nil
		} else {
			args := (*stack)[len(*stack)-len(params):]
			*stack = (*stack)[:len(*stack)-len(params)]

			for k, item := range args {
				compensate(item, params[k])
			}
		}
	}

	target := rw.retargetCallee(raw)
	if target != wasm.Index(raw) {
		var enc wasm.Encoder

		var repl []byte
		repl = append(repl, wasm.Call)
		repl = enc.Int64(repl, int64(target))

		*edits = append(*edits, wasm.Edit{Start: in.Start, End: in.End, Repl: repl})
	}

	retRef := rw.calleeReturnsRef(raw)

	ft, err := rw.m.FuncType(rw.retargetCallee(raw))
	if err != nil {
		return err
	}

	if len(ft.Result) == 1 {
		*stack = append(*stack, stackItem{ref: retRef, prodEnd: in.End})
	} else if len(ft.Result) > 1 {
		return UnsupportedPattern{FuncIndex: rw.funcIdx, Reason: "multi-value call results are not analyzed"}
	}

	return nil
}

// genericArity gives the push/pop counts of numeric and memory instructions
// that never carry a reference value, which is everything not handled
// explicitly in reconcile's main switch.
func genericArity(op wasm.Opcode) (pop, push int) {
	switch {
	case op >= wasm.I32Const && op <= wasm.F64Const:
		return 0, 1
	case op == wasm.GlobalGet:
		return 0, 1
	case op == wasm.GlobalSet:
		return 1, 0
	case op == wasm.RefIsNull:
		return 1, 1
	case op == wasm.RefFunc:
		return 0, 1
	case op == wasm.TableGet:
		return 1, 1
	case op == wasm.TableSet:
		return 2, 0
	case op == wasm.Drop:
		return 1, 0
	case op == wasm.Select:
		return 3, 1
	case op >= wasm.I32Load && op <= wasm.I64Load32U:
		return 1, 1
	case op >= wasm.I32Store && op <= wasm.I64Store32:
		return 2, 0
	case op == wasm.MemorySize:
		return 0, 1
	case op == wasm.MemoryGrow:
		return 1, 1
	case op == wasm.I32EqZ || op == wasm.I64EqZ:
		return 1, 1
	case op >= wasm.I32Eq && op <= wasm.I32GeU:
		return 2, 1
	case op >= wasm.I64Eq && op <= wasm.I64GeU:
		return 2, 1
	case op >= wasm.F32Eq && op <= wasm.F32Ge:
		return 2, 1
	case op >= wasm.F64Eq && op <= wasm.F64Ge:
		return 2, 1
	case op >= wasm.I32Clz && op <= wasm.I32Popcnt:
		return 1, 1
	case op >= wasm.I32Add && op <= wasm.I32RotR:
		return 2, 1
	case op >= wasm.I64Clz && op <= wasm.I64Popcnt:
		return 1, 1
	case op >= wasm.I64Add && op <= wasm.I64RotR:
		return 2, 1
	case op >= wasm.F32Abs && op <= wasm.F32Sqrt:
		return 1, 1
	case op >= wasm.F32Add && op <= wasm.F32CopySign:
		return 2, 1
	case op >= wasm.F64Abs && op <= wasm.F64Sqrt:
		return 1, 1
	case op >= wasm.F64Add && op <= wasm.F64CopySign:
		return 2, 1
	default:
		return 0, 0
	}
}

// peephole collapses a retargeted insert call immediately followed by a
// retargeted get call (zero gap) into nothing: the value goes reference to
// slot and straight back to the same reference with nothing else touching
// the table in between, so the round trip is always faithful. The reverse
// order is never collapsed, since insert's free-slot search may legitimately
// return a different slot than the one a preceding get read from.
func peephole(expr []byte, bridges reftable.Bridges) []byte {
	var dec wasm.InstructionsDecoder

	instrs, err := dec.Scan(expr)
	if err != nil {
		return expr
	}

	var edits []wasm.Edit

	for i := 0; i+1 < len(instrs); i++ {
		a, b := instrs[i], instrs[i+1]

		if a.Op != wasm.Call || b.Op != wasm.Call {
			continue
		}

		if wasm.Index(a.Arg) != bridges.Insert || wasm.Index(b.Arg) != bridges.Get {
			continue
		}

		if a.End != b.Start {
			continue
		}

		edits = append(edits, wasm.Edit{Start: a.Start, End: b.End, Repl: nil})
	}

	return wasm.Splice(expr, edits)
}
