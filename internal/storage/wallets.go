package storage

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// WalletType distinguishes single-sig and multi-sig wallets.
type WalletType string

const (
	WalletSingleSig WalletType = "single_sig"
	WalletMultiSig  WalletType = "multi_sig"
)

// ScriptType is the address script family of a wallet.
type ScriptType string

const (
	ScriptLegacy       ScriptType = "legacy"
	ScriptNestedSegwit ScriptType = "nested_segwit"
	ScriptNativeSegwit ScriptType = "native_segwit"
	ScriptTaproot      ScriptType = "taproot"
)

// Wallet is a watch-only wallet described by an output descriptor.
type Wallet struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Network    string     `json:"network"`
	Descriptor string     `json:"descriptor"`
	WalletType WalletType `json:"wallet_type"`
	ScriptType ScriptType `json:"script_type"`

	// m-of-n quorum, nil for single-sig
	QuorumM *int64 `json:"quorum_m,omitempty"`
	QuorumN *int64 `json:"quorum_n,omitempty"`

	CreatedAt    int64 `json:"created_at"`
	LastSyncedAt int64 `json:"last_synced_at,omitempty"`
}

// CreateWallet inserts a wallet, assigning an id when empty.
func (s *Storage) CreateWallet(w *Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.CreatedAt == 0 {
		w.CreatedAt = time.Now().Unix()
	}
	if w.WalletType == "" {
		w.WalletType = WalletSingleSig
	}
	if w.ScriptType == "" {
		w.ScriptType = ScriptNativeSegwit
	}

	query := `
		INSERT INTO wallets (
			id, name, network, descriptor, wallet_type, script_type,
			quorum_m, quorum_n, created_at, last_synced_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var lastSynced interface{}
	if w.LastSyncedAt > 0 {
		lastSynced = w.LastSyncedAt
	}

	_, err := s.db.Exec(query,
		w.ID, w.Name, w.Network, w.Descriptor, w.WalletType, w.ScriptType,
		w.QuorumM, w.QuorumN, w.CreatedAt, lastSynced,
	)
	return err
}

// GetWallet retrieves a wallet by id. Returns nil when not found.
func (s *Storage) GetWallet(id string) (*Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, name, network, descriptor, wallet_type, script_type,
			   quorum_m, quorum_n, created_at, last_synced_at
		FROM wallets WHERE id = ?
	`

	return scanWallet(s.db.QueryRow(query, id))
}

// ListWallets returns all wallets ordered by creation time.
func (s *Storage) ListWallets() ([]*Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, name, network, descriptor, wallet_type, script_type,
			   quorum_m, quorum_n, created_at, last_synced_at
		FROM wallets ORDER BY created_at
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wallets []*Wallet
	for rows.Next() {
		w, err := scanWalletRows(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// DeleteWallet removes a wallet; dependent rows cascade.
func (s *Storage) DeleteWallet(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM wallets WHERE id = ?`, id)
	return err
}

// UpdateWalletLastSynced records a completed sync run.
func (s *Storage) UpdateWalletLastSynced(id string, at int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE wallets SET last_synced_at = ? WHERE id = ?`, at, id)
	return err
}

func scanWallet(row *sql.Row) (*Wallet, error) {
	var w Wallet
	var quorumM, quorumN, lastSynced sql.NullInt64

	err := row.Scan(
		&w.ID, &w.Name, &w.Network, &w.Descriptor, &w.WalletType, &w.ScriptType,
		&quorumM, &quorumN, &w.CreatedAt, &lastSynced,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if quorumM.Valid {
		w.QuorumM = &quorumM.Int64
	}
	if quorumN.Valid {
		w.QuorumN = &quorumN.Int64
	}
	if lastSynced.Valid {
		w.LastSyncedAt = lastSynced.Int64
	}
	return &w, nil
}

func scanWalletRows(rows *sql.Rows) (*Wallet, error) {
	var w Wallet
	var quorumM, quorumN, lastSynced sql.NullInt64

	err := rows.Scan(
		&w.ID, &w.Name, &w.Network, &w.Descriptor, &w.WalletType, &w.ScriptType,
		&quorumM, &quorumN, &w.CreatedAt, &lastSynced,
	)
	if err != nil {
		return nil, err
	}

	if quorumM.Valid {
		w.QuorumM = &quorumM.Int64
	}
	if quorumN.Valid {
		w.QuorumN = &quorumN.Int64
	}
	if lastSynced.Valid {
		w.LastSyncedAt = lastSynced.Int64
	}
	return &w, nil
}
