// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package descriptor

import (
	"reflect"
	"testing"
)

func TestNew(t *testing.T) {
	raw := "wsh(andor(pk([aabbccdd/48'/0'/0'/2']xpub6Eri/<0;1>/*),older(52596),pk([11223344/48'/0'/0'/2']xpub6Bha/<0;1>/*)))"

	desc, err := New(raw)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if desc.String() != raw {
		t.Fatalf("wrong canonical form %q", desc.String())
	}

	// The checksum is stripped: both forms are the same descriptor.
	withChecksum, err := New(raw + "#u3c5kyp2")
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if withChecksum != desc {
		t.Fatalf("checksummed form compares different: %q != %q", withChecksum.String(), desc.String())
	}

	// Surrounding whitespace is not significant.
	padded, err := New("  " + raw + "\n")
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if padded != desc {
		t.Fatalf("padded form compares different: %q != %q", padded.String(), desc.String())
	}

	if _, err = New("   "); err == nil {
		t.Fatalf("no error for empty descriptor")
	}
}

func TestFingerprints(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{{
		name: "multisig with origins",
		raw:  "wsh(multi(2,[AABBCCDD/48'/0'/0']xpubA/<0;1>/*,[11223344/48h/0h/1h]xpubB/<0;1>/*))",
		want: []string{"aabbccdd", "11223344"},
	}, {
		name: "repeated key",
		raw:  "wsh(andor(pk([aabbccdd/84'/0'/0']xpubA/*),older(100),pk([aabbccdd/49'/0'/0']xpubA/*)))",
		want: []string{"aabbccdd"},
	}, {
		name: "no origin info",
		raw:  "wpkh(xpubNoOrigin/84'/0'/0'/0/*)",
		want: []string{},
	}}

	for _, test := range tests {
		desc, err := New(test.raw)
		if err != nil {
			t.Fatalf("%s: New error: %v", test.name, err)
		}
		got := desc.Fingerprints()
		if !reflect.DeepEqual(got, test.want) {
			t.Fatalf("%s: wrong fingerprints %v, wanted %v", test.name, got, test.want)
		}
	}
}
