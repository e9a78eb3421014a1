package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Label is a user-defined tag scoped to a wallet.
type Label struct {
	ID        string `json:"id"`
	WalletID  string `json:"wallet_id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"created_at"`
}

// CreateLabel inserts a label, assigning an id when empty.
func (s *Storage) CreateLabel(l *Label) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt == 0 {
		l.CreatedAt = time.Now().Unix()
	}

	_, err := s.db.Exec(
		`INSERT INTO labels (id, wallet_id, name, created_at) VALUES (?, ?, ?, ?)`,
		l.ID, l.WalletID, l.Name, l.CreatedAt,
	)
	return err
}

// AttachAddressLabel links a label to an address, ignoring duplicates.
func (s *Storage) AttachAddressLabel(addressID, labelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO address_labels (address_id, label_id) VALUES (?, ?)`,
		addressID, labelID,
	)
	return err
}

// GetAddressLabelIDs returns label ids attached to the given addresses,
// grouped by address id.
func (s *Storage) GetAddressLabelIDs(addressIDs []string) (map[string][]string, error) {
	out := make(map[string][]string)
	if len(addressIDs) == 0 {
		return out, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(addressIDs)), ",")
	query := fmt.Sprintf(
		`SELECT address_id, label_id FROM address_labels WHERE address_id IN (%s)`,
		placeholders,
	)

	args := make([]interface{}, len(addressIDs))
	for i, id := range addressIDs {
		args[i] = id
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var addressID, labelID string
		if err := rows.Scan(&addressID, &labelID); err != nil {
			return nil, err
		}
		out[addressID] = append(out[addressID], labelID)
	}
	return out, rows.Err()
}

// AttachTransactionLabels links labels to a transaction, ignoring
// duplicates.
func (s *Storage) AttachTransactionLabels(transactionID string, labelIDs []string) error {
	if len(labelIDs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO transaction_labels (transaction_id, label_id) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, labelID := range labelIDs {
		if _, err := stmt.Exec(transactionID, labelID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetTransactionLabelIDs returns the label ids attached to a transaction.
func (s *Storage) GetTransactionLabelIDs(transactionID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT label_id FROM transaction_labels WHERE transaction_id = ?`,
		transactionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
