package chain

import "testing"

func TestParseNetwork(t *testing.T) {
	tests := []struct {
		in      string
		want    Network
		wantErr bool
	}{
		{"mainnet", Mainnet, false},
		{"testnet", Testnet, false},
		{"signet", Signet, false},
		{"regtest", Regtest, false},
		{"", Mainnet, false},
		{"litecoin", "", true},
	}

	for _, tc := range tests {
		got, err := ParseNetwork(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseNetwork(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseNetwork(%q) error = %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseNetwork(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestParams(t *testing.T) {
	if Mainnet.Params().Name != "mainnet" {
		t.Errorf("mainnet params = %s", Mainnet.Params().Name)
	}
	if Testnet.Params().Bech32HRPSegwit != "tb" {
		t.Errorf("testnet bech32 hrp = %s", Testnet.Params().Bech32HRPSegwit)
	}
	if !Signet.Valid() {
		t.Error("signet should be valid")
	}
	if Network("doge").Valid() {
		t.Error("doge should not be valid")
	}
}
