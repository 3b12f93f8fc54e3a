package wasm

import (
	"tlog.app/go/errors"
	"tlog.app/go/tlog"
)

// Instr is a single decoded instruction within a function body (or any other
// Expr: global initializer, element/data offset). It records only the byte
// span and the (single, most common) integer immediate, which is all the
// rewriter needs to locate and retarget call/local/global/table operands
// without rebuilding a full instruction tree.
type (
	Instr struct {
		Op    Opcode
		Start int // offset of the opcode byte within the Expr
		End   int // exclusive, past the last immediate byte
		Arg   int64
		Depth int // block nesting depth this instruction executes at; 0 is the function's outermost sequence
	}

	// Edit describes a byte range of an Expr to be replaced (or removed, when
	// Repl is empty) when rebuilding a rewritten function body.
	Edit struct {
		Start, End int
		Repl       []byte
	}
)

// Scan decodes b (a complete Expr, as produced by InstructionsDecoder.Expr or
// InstructionsDecoder.Func) into a flat instruction list, tagging each
// instruction with its block nesting depth. It duplicates Expr's opcode
// table so that the rewriter gets an operand out of every instruction it
// cares about, instead of only a validated byte span.
func (d *InstructionsDecoder) Scan(b []byte) (instrs []Instr, err error) {
	i := 0
	depth := 0

	for i < len(b) {
		st := i
		op := Opcode(b[i])
		i++

		in := Instr{Op: op, Start: st, Depth: depth}

		switch {
		case op <= Nop || op == Else || op == Ret:
		case op == Block || op == Loop || op == If:
			in.Arg, i, err = d.Int64(b, i)
			depth++
		case op == End:
			depth--
		case op == Br || op == BrIf:
			in.Arg, i, err = d.Int64(b, i)
		case op == BrTable:
			var l int
			l, i, err = d.Int(b, i)
			if err != nil {
				return nil, errors.Wrap(err, "at 0x%x", st)
			}

			for j := 0; j < l+1; j++ {
				_, i, err = d.Int(b, i)
				if err != nil {
					return nil, errors.Wrap(err, "at 0x%x", st)
				}
			}
		case op == Call:
			in.Arg, i, err = d.Int64(b, i)
		case op == CallIndir:
			in.Arg, i, err = d.Int64(b, i)
			if err != nil {
				break
			}
			i++ // table index, always a single byte (0x00) in practice
		case op == Drop || op == Select:
		case op == RefIsNull:
		case op == RefNull:
			in.Arg, i, err = d.Int64(b, i)
		case op == RefFunc:
			in.Arg, i, err = d.Int64(b, i)
		case op >= LocalGet && op <= GlobalSet:
			in.Arg, i, err = d.Int64(b, i)
		case op == TableGet || op == TableSet:
			in.Arg, i, err = d.Int64(b, i)
		case op >= I32Load && op <= I64Store32:
			_, i, err = d.Int64(b, i) // align
			if err != nil {
				break
			}
			in.Arg, i, err = d.Int64(b, i) // offset
		case op == MemorySize || op == MemoryGrow:
			i++ // reserved memidx byte
		case op >= I32Const && op <= F64Const:
			in.Arg, i, err = d.Int64(b, i)
		case op >= I32EqZ && op <= F64CopySign:
		case op == FCExt:
			i, err = d.fcExt(b, st)
		default:
			err = errors.Wrap(UnsupportedOpcodeError{Opcode: op}, "at 0x%x", st)
		}

		if err != nil {
			return nil, err
		}

		in.End = i
		instrs = append(instrs, in)

		tlog.V("rewrite").Printw("instr", "op", op, "start", tlog.NextAsHex, st, "end", tlog.NextAsHex, i, "arg", in.Arg, "depth", in.Depth)
	}

	return instrs, nil
}

// Splice rebuilds an Expr, applying non-overlapping edits (sorted by Start)
// over the original bytes. Edits with an empty Repl delete that span.
func Splice(orig []byte, edits []Edit) []byte {
	if len(edits) == 0 {
		return orig
	}

	out := make([]byte, 0, len(orig))
	pos := 0

	for _, e := range edits {
		if e.Start < pos {
			panic("wasm: overlapping edits")
		}

		out = append(out, orig[pos:e.Start]...)
		out = append(out, e.Repl...)
		pos = e.End
	}

	out = append(out, orig[pos:]...)

	return out
}

func (in Instr) IsLocalRef() bool {
	return in.Op == LocalGet || in.Op == LocalSet || in.Op == LocalTee
}
