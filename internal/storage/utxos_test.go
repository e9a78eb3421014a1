package storage

import (
	"testing"
)

func TestUTXOLifecycle(t *testing.T) {
	s := newTestStorage(t)
	w := newTestWallet(t, s)

	utxos := []*UTXO{
		{WalletID: w.ID, Txid: "u1", Vout: 0, Address: "a1", Amount: 10_000, BlockHeight: int64p(100), Confirmations: 5},
		{WalletID: w.ID, Txid: "u1", Vout: 1, Address: "a1", Amount: 20_000},
	}
	created, err := s.CreateUTXOs(utxos, true)
	if err != nil || created != 2 {
		t.Fatalf("CreateUTXOs = %d, %v", created, err)
	}

	// Duplicate key is skipped.
	created, err = s.CreateUTXOs([]*UTXO{
		{WalletID: w.ID, Txid: "u1", Vout: 0, Address: "a1", Amount: 10_000},
	}, true)
	if err != nil || created != 0 {
		t.Errorf("duplicate CreateUTXOs = %d, %v; want 0", created, err)
	}

	balance, err := s.UnspentBalance(w.ID)
	if err != nil || balance != 30_000 {
		t.Errorf("UnspentBalance = %d, %v; want 30000", balance, err)
	}

	all, _ := s.GetWalletUTXOs(w.ID)
	if len(all) != 2 {
		t.Fatalf("GetWalletUTXOs = %d", len(all))
	}

	var first *UTXO
	for _, u := range all {
		if u.Vout == 0 {
			first = u
		}
	}
	if first.Key() != "u1:0" {
		t.Errorf("key = %s", first.Key())
	}

	changed, err := s.MarkUTXOsSpent([]string{first.ID})
	if err != nil || changed != 1 {
		t.Fatalf("MarkUTXOsSpent = %d, %v", changed, err)
	}
	// Spent flip is monotonic; repeating changes nothing.
	changed, _ = s.MarkUTXOsSpent([]string{first.ID})
	if changed != 0 {
		t.Errorf("second MarkUTXOsSpent = %d, want 0", changed)
	}

	balance, _ = s.UnspentBalance(w.ID)
	if balance != 20_000 {
		t.Errorf("balance after spend = %d, want 20000", balance)
	}

	unspent, _ := s.GetUnspentUTXOs(w.ID)
	if len(unspent) != 1 || unspent[0].Vout != 1 {
		t.Errorf("unspent = %+v", unspent)
	}
}

func TestUTXOReorgReappearance(t *testing.T) {
	s := newTestStorage(t)
	w := newTestWallet(t, s)

	u := &UTXO{WalletID: w.ID, Txid: "rr", Vout: 0, Address: "a1", Amount: 1, BlockHeight: int64p(799_995), Confirmations: 6}
	s.CreateUTXOs([]*UTXO{u}, false)

	// Reorg: node reports the UTXO back at height 0. Height goes null,
	// confirmations to zero, spent untouched.
	if err := s.UpdateUTXOChainState(u.ID, nil, 0); err != nil {
		t.Fatalf("UpdateUTXOChainState: %v", err)
	}

	all, _ := s.GetWalletUTXOs(w.ID)
	got := all[0]
	if got.BlockHeight != nil {
		t.Errorf("block height = %v, want nil", got.BlockHeight)
	}
	if got.Confirmations != 0 {
		t.Errorf("confirmations = %d, want 0", got.Confirmations)
	}
	if got.Spent {
		t.Error("spent must be unchanged")
	}
}
