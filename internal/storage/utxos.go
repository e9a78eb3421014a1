package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UTXO is one unspent output tracked for a wallet.
type UTXO struct {
	ID           string `json:"id"`
	WalletID     string `json:"wallet_id"`
	Txid         string `json:"txid"`
	Vout         uint32 `json:"vout"`
	Address      string `json:"address"`
	Amount       int64  `json:"amount"`
	ScriptPubKey string `json:"script_pubkey,omitempty"`

	// nil while unconfirmed or after a reorg reappearance
	BlockHeight   *int64 `json:"block_height,omitempty"`
	Confirmations int64  `json:"confirmations"`

	Spent bool `json:"spent"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// Key returns the "txid:vout" identity used during reconciliation.
func (u *UTXO) Key() string {
	return fmt.Sprintf("%s:%d", u.Txid, u.Vout)
}

// CreateUTXOs bulk-inserts UTXO rows. Returns the number actually inserted.
func (s *Storage) CreateUTXOs(utxos []*UTXO, skipDuplicates bool) (int64, error) {
	if len(utxos) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	verb := "INSERT"
	if skipDuplicates {
		verb = "INSERT OR IGNORE"
	}
	query := verb + ` INTO utxos (
		id, wallet_id, txid, vout, address, amount, script_pubkey,
		block_height, confirmations, spent, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	stmt, err := tx.Prepare(query)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	now := time.Now().Unix()
	var created int64
	for _, u := range utxos {
		if u.ID == "" {
			u.ID = uuid.NewString()
		}
		if u.CreatedAt == 0 {
			u.CreatedAt = now
		}
		u.UpdatedAt = now
		result, err := stmt.Exec(
			u.ID, u.WalletID, u.Txid, u.Vout, u.Address, u.Amount, u.ScriptPubKey,
			u.BlockHeight, u.Confirmations, u.Spent, u.CreatedAt, u.UpdatedAt,
		)
		if err != nil {
			return 0, err
		}
		n, _ := result.RowsAffected()
		created += n
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return created, nil
}

// GetWalletUTXOs returns every UTXO of a wallet, spent included.
func (s *Storage) GetWalletUTXOs(walletID string) ([]*UTXO, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, wallet_id, txid, vout, address, amount, script_pubkey,
			   block_height, confirmations, spent, created_at, updated_at
		FROM utxos WHERE wallet_id = ?
		ORDER BY created_at
	`
	return s.queryUTXOs(query, walletID)
}

// GetUnspentUTXOs returns the wallet's unspent outputs.
func (s *Storage) GetUnspentUTXOs(walletID string) ([]*UTXO, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, wallet_id, txid, vout, address, amount, script_pubkey,
			   block_height, confirmations, spent, created_at, updated_at
		FROM utxos WHERE wallet_id = ? AND spent = 0
		ORDER BY amount DESC
	`
	return s.queryUTXOs(query, walletID)
}

// MarkUTXOsSpent flips spent=true for the given row ids in one statement.
// Returns the number of rows changed.
func (s *Storage) MarkUTXOsSpent(ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	query := fmt.Sprintf(
		`UPDATE utxos SET spent = 1, updated_at = ? WHERE id IN (%s) AND spent = 0`,
		placeholders,
	)

	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, time.Now().Unix())
	for _, id := range ids {
		args = append(args, id)
	}

	result, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// UpdateUTXOChainState rewrites block height and confirmations. A nil
// height marks reorg reappearance: the row returns to the unconfirmed
// state without touching spent.
func (s *Storage) UpdateUTXOChainState(id string, blockHeight *int64, confirmations int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE utxos SET block_height = ?, confirmations = ?, updated_at = ? WHERE id = ?`,
		blockHeight, confirmations, time.Now().Unix(), id,
	)
	return err
}

// UnspentBalance returns the sum of unspent UTXO amounts for a wallet.
func (s *Storage) UnspentBalance(walletID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	err := s.db.QueryRow(
		`SELECT COALESCE(SUM(amount), 0) FROM utxos WHERE wallet_id = ? AND spent = 0`,
		walletID,
	).Scan(&total)
	return total, err
}

func (s *Storage) queryUTXOs(query string, args ...interface{}) ([]*UTXO, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var utxos []*UTXO
	for rows.Next() {
		var u UTXO
		var blockHeight sql.NullInt64
		var spent int
		err := rows.Scan(
			&u.ID, &u.WalletID, &u.Txid, &u.Vout, &u.Address, &u.Amount, &u.ScriptPubKey,
			&blockHeight, &u.Confirmations, &spent, &u.CreatedAt, &u.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		if blockHeight.Valid {
			u.BlockHeight = &blockHeight.Int64
		}
		u.Spent = spent != 0
		utxos = append(utxos, &u)
	}
	return utxos, rows.Err()
}
