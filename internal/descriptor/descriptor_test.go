package descriptor

import (
	"strings"
	"testing"

	"github.com/nekoguntai/sanctuary/internal/chain"
)

const (
	// BIP-32 published test vectors 1 and 2, master public keys.
	xpubA = "xpub661MyMwAqRbcFtXgS5sYJABqqG9YLmC4Q1Rdap9gSE8NqtwybGhePY2gZ29ESFjqJoCu1Rupje8YtGqsefD265TMg7usUDFdp6W1EGMcet8"
	xpubB = "xpub661MyMwAqRbcFW31YEwpkMuc5THy2PSt5bDMsktWQcFF8syAmRUapSCGu8ED9W6oDMSgv6Zz8idoc4a6mr8BDzTJY47LJhkJ8UB7WEGuduB"

	// BIP-84 test vector account key.
	zpub84 = "zpub6rFR7y4Q2AijBEqTUquhVz398htDFrtymD9xYYfG1m4wAcvPhXNfE3EfH1r1ADqtfSdVCToUG868RvUUkgDKf31mGDtKsAYz2oz2AGutZYs"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		script  Script
		keys    int
		m       int
		sorted  bool
		wantErr bool
	}{
		{"wpkh(" + xpubA + "/0/*)", ScriptWPKH, 1, 0, false, false},
		{"wpkh([f00dbabe/84h/0h/0h]" + xpubA + "/<0;1>/*)", ScriptWPKH, 1, 0, false, false},
		{"pkh(" + xpubA + ")", ScriptPKH, 1, 0, false, false},
		{"sh(wpkh(" + xpubA + "/0/*))", ScriptSHWPKH, 1, 0, false, false},
		{"tr(" + xpubA + "/0/*)#abcdefgh", ScriptTR, 1, 0, false, false},
		{"wsh(sortedmulti(2," + xpubA + "/0/*," + xpubB + "/0/*))", ScriptWSH, 2, 2, true, false},
		{"wsh(multi(1," + xpubA + "," + xpubB + "))", ScriptWSH, 2, 1, false, false},
		{"", "", 0, 0, false, true},
		{"combo(" + xpubA + ")", "", 0, 0, false, true},
		{"sh(multi(1," + xpubA + "," + xpubB + "))", "", 0, 0, false, true},
		{"wsh(multi(3," + xpubA + "," + xpubB + "))", "", 0, 0, false, true},
		{"wpkh([badorigin" + xpubA + ")", "", 0, 0, false, true},
		{"wpkh(" + xpubA + "/2/*)", "", 0, 0, false, true},
	}

	for _, tc := range tests {
		d, err := Parse(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("Parse(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q) error = %v", tc.in, err)
			continue
		}
		if d.Script != tc.script || len(d.Keys) != tc.keys || d.Threshold != tc.m || d.Sorted != tc.sorted {
			t.Errorf("Parse(%q) = %+v", tc.in, d)
		}
	}
}

func TestParseKeyOrigin(t *testing.T) {
	d, err := Parse("wpkh([f00dbabe/84h/0h/0h]" + xpubA + "/0/*)")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if d.Keys[0].Origin != "f00dbabe/84h/0h/0h" {
		t.Errorf("origin = %q", d.Keys[0].Origin)
	}
	if d.Keys[0].Suffix != "/0/*" {
		t.Errorf("suffix = %q", d.Keys[0].Suffix)
	}
	if got := d.Keys[0].BasePath(); got != "m/84'/0'/0'" {
		t.Errorf("BasePath = %q", got)
	}
}

func TestDeriveWPKHVector(t *testing.T) {
	// BIP-84 first receive addresses for the test vector account key.
	d, err := Parse("wpkh(" + zpub84 + "/0/*)")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	deriver := NewDeriver(d, chain.Mainnet)

	addr, path, err := deriver.Derive(0, 0)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if addr != "bc1qcr8te4kr609gcawutmrza0j4xv80jy8z306fyu" {
		t.Errorf("address 0/0 = %s", addr)
	}
	if path != "m/0/0" {
		t.Errorf("path = %s", path)
	}

	addr, _, err = deriver.Derive(0, 1)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if addr != "bc1qnjg0jd8228aq7egyzacy8cys3knf9xvrerkf9g" {
		t.Errorf("address 0/1 = %s", addr)
	}

	// Change chain address from the same vector set.
	addr, path, err = deriver.Derive(1, 0)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if addr != "bc1q8c6fshw2dlwun7ekn9qwf37cu2rn755upcp6el" {
		t.Errorf("address 1/0 = %s", addr)
	}
	if path != "m/1/0" {
		t.Errorf("change path = %s", path)
	}
}

func TestDeriveDeterministic(t *testing.T) {
	d, _ := Parse("wpkh(" + xpubA + "/0/*)")
	deriver := NewDeriver(d, chain.Mainnet)

	a1, _, err := deriver.Derive(0, 5)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	a2, _, _ := deriver.Derive(0, 5)
	if a1 != a2 {
		t.Error("derivation must be deterministic")
	}
	a3, _, _ := deriver.Derive(0, 6)
	if a1 == a3 {
		t.Error("distinct indices must yield distinct addresses")
	}
}

func TestDeriveScriptFamilies(t *testing.T) {
	tests := []struct {
		desc   string
		prefix string
	}{
		{"pkh(" + xpubA + "/0/*)", "1"},
		{"sh(wpkh(" + xpubA + "/0/*))", "3"},
		{"wpkh(" + xpubA + "/0/*)", "bc1q"},
		{"tr(" + xpubA + "/0/*)", "bc1p"},
	}

	for _, tc := range tests {
		d, err := Parse(tc.desc)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.desc, err)
		}
		addr, _, err := NewDeriver(d, chain.Mainnet).Derive(0, 0)
		if err != nil {
			t.Fatalf("Derive(%q): %v", tc.desc, err)
		}
		if !strings.HasPrefix(addr, tc.prefix) {
			t.Errorf("%s address = %s, want prefix %s", d.Script, addr, tc.prefix)
		}
	}
}

func TestDeriveSortedMultisig(t *testing.T) {
	ab, _ := Parse("wsh(sortedmulti(2," + xpubA + "/0/*," + xpubB + "/0/*))")
	ba, _ := Parse("wsh(sortedmulti(2," + xpubB + "/0/*," + xpubA + "/0/*))")

	addrAB, _, err := NewDeriver(ab, chain.Mainnet).Derive(0, 0)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	addrBA, _, err := NewDeriver(ba, chain.Mainnet).Derive(0, 0)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}

	// sortedmulti is key-order independent.
	if addrAB != addrBA {
		t.Errorf("sortedmulti order dependent: %s vs %s", addrAB, addrBA)
	}
	if !strings.HasPrefix(addrAB, "bc1q") || len(addrAB) != 62 {
		t.Errorf("not a P2WSH address: %s", addrAB)
	}

	// Plain multi is order dependent in general.
	mAB, _ := Parse("wsh(multi(2," + xpubA + "/0/*," + xpubB + "/0/*))")
	mAddr, _, err := NewDeriver(mAB, chain.Mainnet).Derive(0, 0)
	if err != nil {
		t.Fatalf("Derive multi: %v", err)
	}
	if len(mAddr) != 62 {
		t.Errorf("multi address malformed: %s", mAddr)
	}
}
