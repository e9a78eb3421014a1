package storage

import (
	"testing"
)

func TestDraftLockInvalidation(t *testing.T) {
	s := newTestStorage(t)
	w := newTestWallet(t, s)

	u := &UTXO{WalletID: w.ID, Txid: "lk", Vout: 0, Address: "a1", Amount: 5_000}
	s.CreateUTXOs([]*UTXO{u}, false)

	d := &Draft{WalletID: w.ID, Label: "rent payment"}
	if err := s.CreateDraft(d, []string{u.ID}); err != nil {
		t.Fatalf("CreateDraft: %v", err)
	}

	locks, err := s.GetLocksByUTXOIDs([]string{u.ID})
	if err != nil || len(locks) != 1 {
		t.Fatalf("GetLocksByUTXOIDs = %d, %v", len(locks), err)
	}
	if locks[0].DraftLabel != "rent payment" {
		t.Errorf("label = %q", locks[0].DraftLabel)
	}

	// Deleting the draft cascades its locks.
	if err := s.DeleteDraft(d.ID); err != nil {
		t.Fatalf("DeleteDraft: %v", err)
	}
	locks, _ = s.GetLocksByUTXOIDs([]string{u.ID})
	if len(locks) != 0 {
		t.Errorf("locks after delete = %d, want 0", len(locks))
	}

	drafts, _ := s.ListDrafts(w.ID)
	if len(drafts) != 0 {
		t.Errorf("drafts after delete = %d", len(drafts))
	}
}

func TestLabelJoins(t *testing.T) {
	s := newTestStorage(t)
	w := newTestWallet(t, s)

	s.CreateAddresses([]*Address{
		{ID: "addr1", WalletID: w.ID, Address: "bcrt1qlbl", Chain: ChainExternal, AddressIndex: 0},
	}, false)
	s.CreateTransactions([]*Transaction{
		{ID: "txl", WalletID: w.ID, Txid: "txl", TxType: TxReceived, Amount: 1, AddressID: "addr1"},
	}, false)

	l := &Label{WalletID: w.ID, Name: "savings"}
	if err := s.CreateLabel(l); err != nil {
		t.Fatalf("CreateLabel: %v", err)
	}
	if err := s.AttachAddressLabel("addr1", l.ID); err != nil {
		t.Fatalf("AttachAddressLabel: %v", err)
	}

	byAddr, err := s.GetAddressLabelIDs([]string{"addr1"})
	if err != nil || len(byAddr["addr1"]) != 1 {
		t.Fatalf("GetAddressLabelIDs = %+v, %v", byAddr, err)
	}

	// Auto-label join: transaction inherits the address labels.
	if err := s.AttachTransactionLabels("txl", byAddr["addr1"]); err != nil {
		t.Fatalf("AttachTransactionLabels: %v", err)
	}
	// Re-attach is ignored, not an error.
	if err := s.AttachTransactionLabels("txl", byAddr["addr1"]); err != nil {
		t.Errorf("duplicate attach: %v", err)
	}

	ids, err := s.GetTransactionLabelIDs("txl")
	if err != nil || len(ids) != 1 || ids[0] != l.ID {
		t.Errorf("GetTransactionLabelIDs = %v, %v", ids, err)
	}
}
