package storage

import (
	"testing"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	s, err := New(&Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestWallet(t *testing.T, s *Storage) *Wallet {
	t.Helper()

	w := &Wallet{
		Name:       "test",
		Network:    "regtest",
		Descriptor: "wpkh(xpub.../0/*)",
	}
	if err := s.CreateWallet(w); err != nil {
		t.Fatalf("failed to create wallet: %v", err)
	}
	return w
}

func TestWalletCRUD(t *testing.T) {
	s := newTestStorage(t)

	m := int64(2)
	n := int64(3)
	w := &Wallet{
		Name:       "vault",
		Network:    "mainnet",
		Descriptor: "wsh(sortedmulti(2,xpubA/0/*,xpubB/0/*,xpubC/0/*))",
		WalletType: WalletMultiSig,
		ScriptType: ScriptNativeSegwit,
		QuorumM:    &m,
		QuorumN:    &n,
	}
	if err := s.CreateWallet(w); err != nil {
		t.Fatalf("CreateWallet: %v", err)
	}
	if w.ID == "" {
		t.Fatal("wallet id not assigned")
	}

	got, err := s.GetWallet(w.ID)
	if err != nil {
		t.Fatalf("GetWallet: %v", err)
	}
	if got == nil || got.Name != "vault" || got.WalletType != WalletMultiSig {
		t.Errorf("wallet = %+v", got)
	}
	if got.QuorumM == nil || *got.QuorumM != 2 || got.QuorumN == nil || *got.QuorumN != 3 {
		t.Errorf("quorum = %v of %v", got.QuorumM, got.QuorumN)
	}

	if err := s.UpdateWalletLastSynced(w.ID, 1700000000); err != nil {
		t.Fatalf("UpdateWalletLastSynced: %v", err)
	}
	got, _ = s.GetWallet(w.ID)
	if got.LastSyncedAt != 1700000000 {
		t.Errorf("last synced = %d", got.LastSyncedAt)
	}

	wallets, err := s.ListWallets()
	if err != nil || len(wallets) != 1 {
		t.Errorf("ListWallets = %d wallets, %v", len(wallets), err)
	}

	if err := s.DeleteWallet(w.ID); err != nil {
		t.Fatalf("DeleteWallet: %v", err)
	}
	got, err = s.GetWallet(w.ID)
	if err != nil || got != nil {
		t.Errorf("deleted wallet still present: %+v, %v", got, err)
	}
}

func TestAddressUniqueness(t *testing.T) {
	s := newTestStorage(t)
	w := newTestWallet(t, s)

	addrs := []*Address{
		{WalletID: w.ID, Address: "bcrt1qaaa", DerivationPath: "m/84'/1'/0'/0/0", Chain: ChainExternal, AddressIndex: 0},
		{WalletID: w.ID, Address: "bcrt1qbbb", DerivationPath: "m/84'/1'/0'/0/1", Chain: ChainExternal, AddressIndex: 1},
	}
	created, err := s.CreateAddresses(addrs, false)
	if err != nil || created != 2 {
		t.Fatalf("CreateAddresses = %d, %v", created, err)
	}

	// Duplicate (chain, index) must be silently skipped with skipDuplicates.
	dup := []*Address{
		{WalletID: w.ID, Address: "bcrt1qccc", Chain: ChainExternal, AddressIndex: 0},
		{WalletID: w.ID, Address: "bcrt1qddd", Chain: ChainInternal, AddressIndex: 0},
	}
	created, err = s.CreateAddresses(dup, true)
	if err != nil {
		t.Fatalf("CreateAddresses skipDuplicates: %v", err)
	}
	if created != 1 {
		t.Errorf("created = %d, want 1", created)
	}

	// Without skipDuplicates the constraint must surface.
	if _, err := s.CreateAddresses([]*Address{
		{WalletID: w.ID, Address: "bcrt1qaaa", Chain: ChainInternal, AddressIndex: 5},
	}, false); err == nil {
		t.Error("expected unique violation on address string")
	}

	all, err := s.GetWalletAddresses(w.ID)
	if err != nil || len(all) != 3 {
		t.Fatalf("GetWalletAddresses = %d, %v", len(all), err)
	}
	// Ordered by chain then index.
	if all[0].Address != "bcrt1qaaa" || all[2].Chain != ChainInternal {
		t.Errorf("ordering wrong: %+v", all)
	}
}

func TestMarkAddressesUsed(t *testing.T) {
	s := newTestStorage(t)
	w := newTestWallet(t, s)

	s.CreateAddresses([]*Address{
		{WalletID: w.ID, Address: "a1", Chain: ChainExternal, AddressIndex: 0},
		{WalletID: w.ID, Address: "a2", Chain: ChainExternal, AddressIndex: 1},
		{WalletID: w.ID, Address: "a3", Chain: ChainExternal, AddressIndex: 2},
	}, false)

	changed, err := s.MarkAddressesUsed(w.ID, []string{"a1", "a2"})
	if err != nil || changed != 2 {
		t.Fatalf("MarkAddressesUsed = %d, %v; want 2", changed, err)
	}

	// Already used rows must not count again.
	changed, err = s.MarkAddressesUsed(w.ID, []string{"a1", "a3"})
	if err != nil || changed != 1 {
		t.Errorf("MarkAddressesUsed second pass = %d, %v; want 1", changed, err)
	}

	changed, err = s.MarkAddressesUsed(w.ID, nil)
	if err != nil || changed != 0 {
		t.Errorf("MarkAddressesUsed(empty) = %d, %v", changed, err)
	}
}
