package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TxType is the three-valued transaction classification.
type TxType string

const (
	TxReceived      TxType = "received"
	TxSent          TxType = "sent"
	TxConsolidation TxType = "consolidation"
)

// RBFStatus tracks Replace-By-Fee state. Transitions: active -> confirmed,
// active -> replaced; replaced later gains replaced_by_txid; confirmed is
// terminal.
type RBFStatus string

const (
	RBFActive    RBFStatus = "active"
	RBFReplaced  RBFStatus = "replaced"
	RBFConfirmed RBFStatus = "confirmed"
)

// OutputType classifies a transaction output relative to the wallet.
type OutputType string

const (
	OutputRecipient     OutputType = "recipient"
	OutputChange        OutputType = "change"
	OutputConsolidation OutputType = "consolidation"
	OutputUnknown       OutputType = "unknown"
)

// Transaction is one wallet transaction. Amounts are signed satoshis;
// nullable columns are pointers.
type Transaction struct {
	ID       string `json:"id"`
	WalletID string `json:"wallet_id"`
	Txid     string `json:"txid"`
	TxType   TxType `json:"tx_type"`
	Amount   int64  `json:"amount"`

	Fee         *int64 `json:"fee,omitempty"`
	BlockHeight *int64 `json:"block_height,omitempty"`
	BlockTime   *int64 `json:"block_time,omitempty"`

	Confirmations  int64     `json:"confirmations"`
	RBFStatus      RBFStatus `json:"rbf_status"`
	ReplacedByTxid string    `json:"replaced_by_txid,omitempty"`

	AddressID           string `json:"address_id,omitempty"`
	CounterpartyAddress string `json:"counterparty_address,omitempty"`

	BalanceAfter *int64 `json:"balance_after,omitempty"`

	CreatedAt int64 `json:"created_at"`
}

// TransactionInput is one input of a persisted transaction.
type TransactionInput struct {
	ID             string `json:"id"`
	TransactionID  string `json:"transaction_id"`
	InputIndex     int    `json:"input_index"`
	PrevTxid       string `json:"prev_txid"`
	PrevVout       uint32 `json:"prev_vout"`
	Address        string `json:"address,omitempty"`
	Amount         int64  `json:"amount"`
	DerivationPath string `json:"derivation_path,omitempty"`
}

// TransactionOutput is one output of a persisted transaction.
type TransactionOutput struct {
	ID            string     `json:"id"`
	TransactionID string     `json:"transaction_id"`
	OutputIndex   int        `json:"output_index"`
	Address       string     `json:"address"`
	Amount        int64      `json:"amount"`
	ScriptPubKey  string     `json:"script_pubkey"`
	OutputType    OutputType `json:"output_type"`
	IsOurs        bool       `json:"is_ours"`
}

const transactionColumns = `id, wallet_id, txid, tx_type, amount, fee,
	block_height, block_time, confirmations, rbf_status, replaced_by_txid,
	address_id, counterparty_address, balance_after, created_at`

// CreateTransactions bulk-inserts transaction rows. Returns the number
// actually inserted.
func (s *Storage) CreateTransactions(txs []*Transaction, skipDuplicates bool) (int64, error) {
	if len(txs) == 0 {
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
	query := verb + ` INTO transactions (` + transactionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	stmt, err := tx.Prepare(query)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	now := time.Now().Unix()
	var created int64
	for _, t := range txs {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if t.CreatedAt == 0 {
			t.CreatedAt = now
		}
		if t.RBFStatus == "" {
			t.RBFStatus = RBFActive
		}
		result, err := stmt.Exec(
			t.ID, t.WalletID, t.Txid, t.TxType, t.Amount, t.Fee,
			t.BlockHeight, t.BlockTime, t.Confirmations, t.RBFStatus,
			nullString(t.ReplacedByTxid), nullString(t.AddressID),
			nullString(t.CounterpartyAddress), t.BalanceAfter, t.CreatedAt,
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

// GetTransactionsByTxids returns the wallet's rows for the given txids.
func (s *Storage) GetTransactionsByTxids(walletID string, txids []string) ([]*Transaction, error) {
	if len(txids) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(txids)), ",")
	query := fmt.Sprintf(
		`SELECT %s FROM transactions WHERE wallet_id = ? AND txid IN (%s)`,
		transactionColumns, placeholders,
	)

	args := make([]interface{}, 0, len(txids)+1)
	args = append(args, walletID)
	for _, t := range txids {
		args = append(args, t)
	}

	return s.queryTransactions(query, args...)
}

// GetWalletTransactions returns all transactions of a wallet.
func (s *Storage) GetWalletTransactions(walletID string) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := fmt.Sprintf(
		`SELECT %s FROM transactions WHERE wallet_id = ? ORDER BY created_at`,
		transactionColumns,
	)
	return s.queryTransactions(query, walletID)
}

// GetTransactionsForBalance returns the wallet's transactions in running
// balance order: block time ascending with NULLs last, then creation time,
// then id as the final deterministic tie-breaker.
func (s *Storage) GetTransactionsForBalance(walletID string) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := fmt.Sprintf(
		`SELECT %s FROM transactions WHERE wallet_id = ?
		 ORDER BY block_time IS NULL, block_time, created_at, id`,
		transactionColumns,
	)
	return s.queryTransactions(query, walletID)
}

// GetActiveUnconfirmedTransactions returns rows with confirmations=0 and
// rbf_status=active.
func (s *Storage) GetActiveUnconfirmedTransactions(walletID string) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := fmt.Sprintf(
		`SELECT %s FROM transactions
		 WHERE wallet_id = ? AND confirmations = 0 AND rbf_status = ?`,
		transactionColumns,
	)
	return s.queryTransactions(query, walletID, RBFActive)
}

// GetReplacedWithoutLink returns replaced rows still missing their
// replacement txid.
func (s *Storage) GetReplacedWithoutLink(walletID string) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := fmt.Sprintf(
		`SELECT %s FROM transactions
		 WHERE wallet_id = ? AND rbf_status = ? AND replaced_by_txid IS NULL`,
		transactionColumns,
	)
	return s.queryTransactions(query, walletID, RBFReplaced)
}

// GetConfirmedTransactions returns rows with confirmations above zero.
func (s *Storage) GetConfirmedTransactions(walletID string) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := fmt.Sprintf(
		`SELECT %s FROM transactions WHERE wallet_id = ? AND confirmations > 0`,
		transactionColumns,
	)
	return s.queryTransactions(query, walletID)
}

// GetShallowConfirmedTransactions returns rows below the deep-confirmation
// threshold that have a known block height.
func (s *Storage) GetShallowConfirmedTransactions(walletID string, threshold int64) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := fmt.Sprintf(
		`SELECT %s FROM transactions
		 WHERE wallet_id = ? AND confirmations < ? AND block_height IS NOT NULL`,
		transactionColumns,
	)
	return s.queryTransactions(query, walletID, threshold)
}

// GetTransactionsByType returns the wallet's rows of one classification.
func (s *Storage) GetTransactionsByType(walletID string, txType TxType) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := fmt.Sprintf(
		`SELECT %s FROM transactions WHERE wallet_id = ? AND tx_type = ?`,
		transactionColumns,
	)
	return s.queryTransactions(query, walletID, txType)
}

// MarkTransactionReplaced flips a row to replaced with its replacement txid.
func (s *Storage) MarkTransactionReplaced(id, replacedByTxid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE transactions SET rbf_status = ?, replaced_by_txid = ? WHERE id = ?`,
		RBFReplaced, replacedByTxid, id,
	)
	return err
}

// ConfirmationUpdate carries one row's recomputed confirmation state.
type ConfirmationUpdate struct {
	ID            string
	Confirmations int64
	// SetConfirmed marks the 0 -> >0 transition, which also flips rbf_status.
	SetConfirmed bool
}

// UpdateConfirmationsBulk applies confirmation updates inside one
// transaction.
func (s *Storage) UpdateConfirmationsBulk(updates []ConfirmationUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	plain, err := tx.Prepare(`UPDATE transactions SET confirmations = ? WHERE id = ?`)
	if err != nil {
		return err
	}
	defer plain.Close()

	confirm, err := tx.Prepare(`UPDATE transactions SET confirmations = ?, rbf_status = ? WHERE id = ?`)
	if err != nil {
		return err
	}
	defer confirm.Close()

	for _, u := range updates {
		if u.SetConfirmed {
			_, err = confirm.Exec(u.Confirmations, RBFConfirmed, u.ID)
		} else {
			_, err = plain.Exec(u.Confirmations, u.ID)
		}
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// BalanceUpdate carries one row's recomputed running balance.
type BalanceUpdate struct {
	ID           string
	BalanceAfter int64
}

// UpdateBalancesChunk applies one chunk of balance updates inside a single
// transaction.
func (s *Storage) UpdateBalancesChunk(updates []BalanceUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`UPDATE transactions SET balance_after = ? WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, u := range updates {
		if _, err := stmt.Exec(u.BalanceAfter, u.ID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ReclassifyTransaction rewrites type and amount, used when a sent row
// turns out to be a consolidation.
func (s *Storage) ReclassifyTransaction(id string, txType TxType, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE transactions SET tx_type = ?, amount = ? WHERE id = ?`,
		txType, amount, id,
	)
	return err
}

// TransactionPatch carries backfill values; nil fields are left untouched.
type TransactionPatch struct {
	Fee                 *int64
	BlockHeight         *int64
	BlockTime           *int64
	Confirmations       *int64
	CounterpartyAddress *string
	AddressID           *string
}

// PatchTransaction updates only the fields the patch carries.
func (s *Storage) PatchTransaction(id string, patch *TransactionPatch) error {
	sets := make([]string, 0, 6)
	args := make([]interface{}, 0, 7)

	if patch.Fee != nil {
		sets = append(sets, "fee = ?")
		args = append(args, *patch.Fee)
	}
	if patch.BlockHeight != nil {
		sets = append(sets, "block_height = ?")
		args = append(args, *patch.BlockHeight)
	}
	if patch.BlockTime != nil {
		sets = append(sets, "block_time = ?")
		args = append(args, *patch.BlockTime)
	}
	if patch.Confirmations != nil {
		sets = append(sets, "confirmations = ?")
		args = append(args, *patch.Confirmations)
	}
	if patch.CounterpartyAddress != nil {
		sets = append(sets, "counterparty_address = ?")
		args = append(args, *patch.CounterpartyAddress)
	}
	if patch.AddressID != nil {
		sets = append(sets, "address_id = ?")
		args = append(args, *patch.AddressID)
	}
	if len(sets) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := fmt.Sprintf(`UPDATE transactions SET %s WHERE id = ?`, strings.Join(sets, ", "))
	args = append(args, id)

	_, err := s.db.Exec(query, args...)
	return err
}

// CreateTransactionInputs bulk-inserts input rows.
func (s *Storage) CreateTransactionInputs(inputs []*TransactionInput) error {
	if len(inputs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO transaction_inputs (
		id, transaction_id, input_index, prev_txid, prev_vout, address, amount, derivation_path
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, in := range inputs {
		if in.ID == "" {
			in.ID = uuid.NewString()
		}
		if _, err := stmt.Exec(
			in.ID, in.TransactionID, in.InputIndex, in.PrevTxid, in.PrevVout,
			nullString(in.Address), in.Amount, nullString(in.DerivationPath),
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// CreateTransactionOutputs bulk-inserts output rows.
func (s *Storage) CreateTransactionOutputs(outputs []*TransactionOutput) error {
	if len(outputs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO transaction_outputs (
		id, transaction_id, output_index, address, amount, script_pubkey, output_type, is_ours
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, out := range outputs {
		if out.ID == "" {
			out.ID = uuid.NewString()
		}
		if out.OutputType == "" {
			out.OutputType = OutputUnknown
		}
		if _, err := stmt.Exec(
			out.ID, out.TransactionID, out.OutputIndex, out.Address, out.Amount,
			out.ScriptPubKey, out.OutputType, out.IsOurs,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetInputsForTransactions returns input rows grouped by transaction id.
func (s *Storage) GetInputsForTransactions(transactionIDs []string) (map[string][]*TransactionInput, error) {
	out := make(map[string][]*TransactionInput)
	if len(transactionIDs) == 0 {
		return out, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(transactionIDs)), ",")
	query := fmt.Sprintf(`
		SELECT id, transaction_id, input_index, prev_txid, prev_vout, address, amount, derivation_path
		FROM transaction_inputs
		WHERE transaction_id IN (%s)
		ORDER BY transaction_id, input_index`, placeholders)

	args := make([]interface{}, len(transactionIDs))
	for i, id := range transactionIDs {
		args[i] = id
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var in TransactionInput
		var address, path sql.NullString
		var amount sql.NullInt64
		if err := rows.Scan(&in.ID, &in.TransactionID, &in.InputIndex, &in.PrevTxid, &in.PrevVout, &address, &amount, &path); err != nil {
			return nil, err
		}
		in.Address = address.String
		in.Amount = amount.Int64
		in.DerivationPath = path.String
		out[in.TransactionID] = append(out[in.TransactionID], &in)
	}
	return out, rows.Err()
}

// GetOutputsForTransactions returns output rows grouped by transaction id.
func (s *Storage) GetOutputsForTransactions(transactionIDs []string) (map[string][]*TransactionOutput, error) {
	out := make(map[string][]*TransactionOutput)
	if len(transactionIDs) == 0 {
		return out, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(transactionIDs)), ",")
	query := fmt.Sprintf(`
		SELECT id, transaction_id, output_index, address, amount, script_pubkey, output_type, is_ours
		FROM transaction_outputs
		WHERE transaction_id IN (%s)
		ORDER BY transaction_id, output_index`, placeholders)

	args := make([]interface{}, len(transactionIDs))
	for i, id := range transactionIDs {
		args[i] = id
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var o TransactionOutput
		var isOurs int
		if err := rows.Scan(&o.ID, &o.TransactionID, &o.OutputIndex, &o.Address, &o.Amount, &o.ScriptPubKey, &o.OutputType, &isOurs); err != nil {
			return nil, err
		}
		o.IsOurs = isOurs != 0
		out[o.TransactionID] = append(out[o.TransactionID], &o)
	}
	return out, rows.Err()
}

// UpdateOutputOwnership rewrites an output's classification.
func (s *Storage) UpdateOutputOwnership(outputID string, isOurs bool, outputType OutputType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE transaction_outputs SET is_ours = ?, output_type = ? WHERE id = ?`,
		isOurs, outputType, outputID,
	)
	return err
}

func (s *Storage) queryTransactions(query string, args ...interface{}) ([]*Transaction, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []*Transaction
	for rows.Next() {
		var t Transaction
		var fee, blockHeight, blockTime, balanceAfter sql.NullInt64
		var replacedBy, addressID, counterparty sql.NullString

		err := rows.Scan(
			&t.ID, &t.WalletID, &t.Txid, &t.TxType, &t.Amount, &fee,
			&blockHeight, &blockTime, &t.Confirmations, &t.RBFStatus, &replacedBy,
			&addressID, &counterparty, &balanceAfter, &t.CreatedAt,
		)
		if err != nil {
			return nil, err
		}

		if fee.Valid {
			t.Fee = &fee.Int64
		}
		if blockHeight.Valid {
			t.BlockHeight = &blockHeight.Int64
		}
		if blockTime.Valid {
			t.BlockTime = &blockTime.Int64
		}
		if balanceAfter.Valid {
			t.BalanceAfter = &balanceAfter.Int64
		}
		t.ReplacedByTxid = replacedBy.String
		t.AddressID = addressID.String
		t.CounterpartyAddress = counterparty.String

		txs = append(txs, &t)
	}
	return txs, rows.Err()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
