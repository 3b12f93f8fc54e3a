// Package declspec decodes and encodes the __externrefs custom section: the
// compact declaration list a front-end macro leaves behind to tell the
// processor which parameters and returns of which imports/exports should be
// retyped from i32 handles to a real reference type.
package declspec

import (
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	wasm "github.com/nikandfor/wasmxref"
)

type (
	Kind byte

	// Declaration is one front-end-emitted record naming an affected
	// import or export, the parameter positions that carry a reference,
	// and whether its return value does too.
	Declaration struct {
		Kind      Kind
		Module    string // import only
		Field     string
		ArgSlots  map[int]bool
		ReturnRef bool
	}
)

const (
	KindImport Kind = 0
	KindExport Kind = 1
)

const SectionName = "__externrefs"

// MalformedDeclarations is returned for any structural problem with the
// section content: truncation, an unknown kind byte, or a duplicate
// (kind, module, field) triple.
type MalformedDeclarations struct {
	Reason string
}

func (e MalformedDeclarations) Error() string {
	return "malformed __externrefs declarations: " + e.Reason
}

// Decode parses the content of a __externrefs custom section (the payload
// after the section's name, not including it) into the declaration list.
// Decoding is total: on success every byte of b has been consumed.
func Decode(b []byte) ([]Declaration, error) {
	var d wasm.LowDecoder

	count, i, err := d.Int(b, 0)
	if err != nil {
		return nil, errors.Wrap(MalformedDeclarations{"truncated count"}, "%v", err)
	}

	decls := make([]Declaration, 0, count)
	seen := map[[3]string]bool{}

	for n := 0; n < count; n++ {
		var dec Declaration

		kb, j, err := d.Byte(b, i)
		if err != nil {
			return nil, MalformedDeclarations{"truncated kind"}
		}
		i = j

		dec.Kind = Kind(kb)

		switch dec.Kind {
		case KindImport:
			dec.Module, i, err = d.NameString(b, i)
			if err != nil {
				return nil, MalformedDeclarations{"truncated module name"}
			}
		case KindExport:
		default:
			return nil, MalformedDeclarations{"unknown kind byte"}
		}

		dec.Field, i, err = d.NameString(b, i)
		if err != nil {
			return nil, MalformedDeclarations{"truncated field name"}
		}

		nbits, j, err := d.Int(b, i)
		if err != nil {
			return nil, MalformedDeclarations{"truncated bitmap length"}
		}
		i = j

		nbytes := (nbits + 7) / 8
		if i+nbytes > len(b) {
			return nil, MalformedDeclarations{"truncated bitmap"}
		}

		dec.ArgSlots = map[int]bool{}

		for bit := 0; bit < nbits; bit++ {
			byt := b[i+bit/8]
			if byt&(1<<(uint(bit)%8)) != 0 {
				dec.ArgSlots[bit] = true
			}
		}

		i += nbytes

		retb, j, err := d.Byte(b, i)
		if err != nil {
			return nil, MalformedDeclarations{"truncated return flag"}
		}
		i = j

		dec.ReturnRef = retb != 0

		key := [3]string{string(rune(dec.Kind)), dec.Module, dec.Field}
		if seen[key] {
			return nil, MalformedDeclarations{"duplicate declaration"}
		}
		seen[key] = true

		decls = append(decls, dec)

		tlog.V("decl").Printw("declaration", "n", n, "kind", dec.Kind, "module", dec.Module, "field", dec.Field, "args", len(dec.ArgSlots), "return_ref", dec.ReturnRef)
	}

	if i != len(b) {
		return nil, MalformedDeclarations{"trailing bytes"}
	}

	return decls, nil
}

// Encode is the inverse of Decode: it serializes declarations back into the
// __externrefs section payload.
func Encode(decls []Declaration) []byte {
	var e wasm.LowEncoder

	var b []byte

	b = e.Int(b, len(decls))

	for _, dec := range decls {
		b = append(b, byte(dec.Kind))

		if dec.Kind == KindImport {
			b = e.Name(b, dec.Module)
		}

		b = e.Name(b, dec.Field)

		nbits := 0
		for idx := range dec.ArgSlots {
			if idx+1 > nbits {
				nbits = idx + 1
			}
		}

		b = e.Int(b, nbits)

		bm := make([]byte, (nbits+7)/8)
		for idx := range dec.ArgSlots {
			bm[idx/8] |= 1 << (uint(idx) % 8)
		}

		b = append(b, bm...)

		if dec.ReturnRef {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
	}

	return b
}
