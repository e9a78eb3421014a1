package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Draft is a prospective outgoing transaction holding soft UTXO
// reservations. When one of its locked UTXOs is spent externally, the
// draft is invalidated and deleted.
type Draft struct {
	ID        string `json:"id"`
	WalletID  string `json:"wallet_id"`
	Label     string `json:"label"`
	CreatedAt int64  `json:"created_at"`
}

// DraftLock reserves one UTXO for a draft.
type DraftLock struct {
	ID         string `json:"id"`
	DraftID    string `json:"draft_id"`
	UTXOID     string `json:"utxo_id"`
	DraftLabel string `json:"draft_label"`
	CreatedAt  int64  `json:"created_at"`
}

// CreateDraft inserts a draft together with locks on the given UTXO rows.
func (s *Storage) CreateDraft(d *Draft, utxoIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt == 0 {
		d.CreatedAt = time.Now().Unix()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO drafts (id, wallet_id, label, created_at) VALUES (?, ?, ?, ?)`,
		d.ID, d.WalletID, d.Label, d.CreatedAt,
	); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`INSERT INTO draft_locks (id, draft_id, utxo_id, created_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, utxoID := range utxoIDs {
		if _, err := stmt.Exec(uuid.NewString(), d.ID, utxoID, d.CreatedAt); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetLocksByUTXOIDs returns the locks referencing any of the given UTXO
// rows, carrying the owning draft's label for logging.
func (s *Storage) GetLocksByUTXOIDs(utxoIDs []string) ([]*DraftLock, error) {
	if len(utxoIDs) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(utxoIDs)), ",")
	query := fmt.Sprintf(`
		SELECT dl.id, dl.draft_id, dl.utxo_id, d.label, dl.created_at
		FROM draft_locks dl
		JOIN drafts d ON d.id = dl.draft_id
		WHERE dl.utxo_id IN (%s)`, placeholders)

	args := make([]interface{}, len(utxoIDs))
	for i, id := range utxoIDs {
		args[i] = id
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locks []*DraftLock
	for rows.Next() {
		var l DraftLock
		if err := rows.Scan(&l.ID, &l.DraftID, &l.UTXOID, &l.DraftLabel, &l.CreatedAt); err != nil {
			return nil, err
		}
		locks = append(locks, &l)
	}
	return locks, rows.Err()
}

// DeleteDraft removes a draft; its locks cascade.
func (s *Storage) DeleteDraft(draftID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM drafts WHERE id = ?`, draftID)
	return err
}

// ListDrafts returns the drafts of a wallet.
func (s *Storage) ListDrafts(walletID string) ([]*Draft, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, wallet_id, label, created_at FROM drafts WHERE wallet_id = ? ORDER BY created_at`,
		walletID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var drafts []*Draft
	for rows.Next() {
		var d Draft
		if err := rows.Scan(&d.ID, &d.WalletID, &d.Label, &d.CreatedAt); err != nil {
			return nil, err
		}
		drafts = append(drafts, &d)
	}
	return drafts, rows.Err()
}
