package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BIP-44 chain values.
const (
	ChainExternal = 0
	ChainInternal = 1
)

// Address is one derived wallet address.
type Address struct {
	ID             string `json:"id"`
	WalletID       string `json:"wallet_id"`
	Address        string `json:"address"`
	DerivationPath string `json:"derivation_path"`
	Chain          int    `json:"chain"`
	AddressIndex   uint32 `json:"address_index"`
	Used           bool   `json:"used"`
	CreatedAt      int64  `json:"created_at"`
}

// CreateAddresses bulk-inserts addresses. With skipDuplicates, rows hitting
// a unique constraint are silently ignored. Returns the number actually
// inserted.
func (s *Storage) CreateAddresses(addrs []*Address, skipDuplicates bool) (int64, error) {
	if len(addrs) == 0 {
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
	query := verb + ` INTO addresses (
		id, wallet_id, address, derivation_path, chain, address_index, used, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	stmt, err := tx.Prepare(query)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	now := time.Now().Unix()
	var created int64
	for _, a := range addrs {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		if a.CreatedAt == 0 {
			a.CreatedAt = now
		}
		result, err := stmt.Exec(a.ID, a.WalletID, a.Address, a.DerivationPath, a.Chain, a.AddressIndex, a.Used, a.CreatedAt)
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

// GetWalletAddresses returns every address of a wallet, ordered by chain
// then index.
func (s *Storage) GetWalletAddresses(walletID string) ([]*Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, wallet_id, address, derivation_path, chain, address_index, used, created_at
		FROM addresses
		WHERE wallet_id = ?
		ORDER BY chain, address_index
	`

	return s.queryAddresses(query, walletID)
}

// GetAddressesByChain returns a wallet's addresses on one BIP-44 chain,
// ordered by index.
func (s *Storage) GetAddressesByChain(walletID string, chain int) ([]*Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, wallet_id, address, derivation_path, chain, address_index, used, created_at
		FROM addresses
		WHERE wallet_id = ? AND chain = ?
		ORDER BY address_index
	`

	return s.queryAddresses(query, walletID, chain)
}

// MarkAddressesUsed flips used=true for the given address strings in one
// statement. Returns the number of rows that actually changed.
func (s *Storage) MarkAddressesUsed(walletID string, addresses []string) (int64, error) {
	if len(addresses) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := strings.Repeat("?,", len(addresses))
	placeholders = placeholders[:len(placeholders)-1]

	query := fmt.Sprintf(
		`UPDATE addresses SET used = 1 WHERE wallet_id = ? AND used = 0 AND address IN (%s)`,
		placeholders,
	)

	args := make([]interface{}, 0, len(addresses)+1)
	args = append(args, walletID)
	for _, a := range addresses {
		args = append(args, a)
	}

	result, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *Storage) queryAddresses(query string, args ...interface{}) ([]*Address, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var addrs []*Address
	for rows.Next() {
		var a Address
		var used int
		if err := rows.Scan(&a.ID, &a.WalletID, &a.Address, &a.DerivationPath, &a.Chain, &a.AddressIndex, &used, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Used = used != 0
		addrs = append(addrs, &a)
	}
	return addrs, rows.Err()
}
