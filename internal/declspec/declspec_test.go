package declspec_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikandfor/wasmxref/internal/declspec"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		decls []declspec.Declaration
	}{
		{
			name:  "empty",
			decls: nil,
		},
		{
			name: "single import no args",
			decls: []declspec.Declaration{
				{Kind: declspec.KindImport, Module: "externref", Field: "insert", ArgSlots: map[int]bool{}, ReturnRef: false},
			},
		},
		{
			name: "export with ref args and ref return",
			decls: []declspec.Declaration{
				{Kind: declspec.KindExport, Field: "process", ArgSlots: map[int]bool{0: true, 2: true}, ReturnRef: true},
			},
		},
		{
			name: "mixed multiple",
			decls: []declspec.Declaration{
				{Kind: declspec.KindImport, Module: "env", Field: "cb", ArgSlots: map[int]bool{1: true}, ReturnRef: false},
				{Kind: declspec.KindExport, Field: "make", ArgSlots: map[int]bool{}, ReturnRef: true},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			enc := declspec.Encode(tc.decls)

			dec, err := declspec.Decode(enc)
			require.NoError(t, err)

			if len(tc.decls) == 0 {
				assert.Empty(t, dec)
				return
			}

			require.Len(t, dec, len(tc.decls))

			for i, want := range tc.decls {
				got := dec[i]
				assert.Equal(t, want.Kind, got.Kind)
				assert.Equal(t, want.Module, got.Module)
				assert.Equal(t, want.Field, got.Field)
				assert.Equal(t, want.ReturnRef, got.ReturnRef)

				for idx := range want.ArgSlots {
					assert.True(t, got.ArgSlots[idx], "expected arg slot %d set", idx)
				}
				for idx := range got.ArgSlots {
					assert.True(t, want.ArgSlots[idx], "unexpected arg slot %d set", idx)
				}
			}
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
	}{
		{"truncated count", []byte{0x80}},
		{"zero decls trailing byte", []byte{0x00, 0xff}},
		{"bad kind byte", []byte{0x01, 0x02, 0x04, 'n', 'a', 'm', 'e', 0x00}},
		{"truncated module name", []byte{0x01, 0x00, 0x05, 'a', 'b'}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := declspec.Decode(tc.in)
			require.Error(t, err)
		})
	}
}

func TestDecodeDuplicateRejected(t *testing.T) {
	dup := declspec.Declaration{Kind: declspec.KindExport, Field: "dup", ArgSlots: map[int]bool{}}

	twice := declspec.Encode([]declspec.Declaration{dup, dup})

	_, err := declspec.Decode(twice)
	require.Error(t, err)

	var merr declspec.MalformedDeclarations
	require.ErrorAs(t, err, &merr)
}
