// Package storage provides persistent wallet storage using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage provides persistent storage for the wallet server.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	// Ensure directory exists
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "sanctuary.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Watch-only wallets
	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		network TEXT NOT NULL,
		descriptor TEXT NOT NULL,

		-- single_sig or multi_sig
		wallet_type TEXT NOT NULL DEFAULT 'single_sig',

		-- legacy, nested_segwit, native_segwit, taproot
		script_type TEXT NOT NULL DEFAULT 'native_segwit',

		-- m-of-n quorum, NULL for single-sig
		quorum_m INTEGER,
		quorum_n INTEGER,

		created_at INTEGER NOT NULL,
		last_synced_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_wallets_network ON wallets(network);

	-- Derived addresses, never deleted
	CREATE TABLE IF NOT EXISTS addresses (
		id TEXT PRIMARY KEY,
		wallet_id TEXT NOT NULL,
		address TEXT NOT NULL,
		derivation_path TEXT NOT NULL DEFAULT '',

		-- BIP-44 chain: 0=external, 1=internal
		chain INTEGER NOT NULL DEFAULT 0,
		address_index INTEGER NOT NULL,

		-- flips false -> true, never back
		used INTEGER NOT NULL DEFAULT 0,

		created_at INTEGER NOT NULL,

		UNIQUE(wallet_id, chain, address_index),
		UNIQUE(address),
		FOREIGN KEY (wallet_id) REFERENCES wallets(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_addresses_wallet ON addresses(wallet_id);
	CREATE INDEX IF NOT EXISTS idx_addresses_wallet_chain ON addresses(wallet_id, chain, address_index);

	-- Wallet transactions
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		wallet_id TEXT NOT NULL,
		txid TEXT NOT NULL,

		-- received, sent, consolidation
		tx_type TEXT NOT NULL,

		-- signed satoshis; sign must match tx_type
		amount INTEGER NOT NULL,

		-- NULL when unknown
		fee INTEGER,

		block_height INTEGER,
		block_time INTEGER,
		confirmations INTEGER NOT NULL DEFAULT 0,

		-- active, replaced, confirmed
		rbf_status TEXT NOT NULL DEFAULT 'active',
		replaced_by_txid TEXT,

		-- principal wallet address touched
		address_id TEXT,
		counterparty_address TEXT,

		balance_after INTEGER,

		created_at INTEGER NOT NULL,

		UNIQUE(wallet_id, txid),
		FOREIGN KEY (wallet_id) REFERENCES wallets(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_wallet ON transactions(wallet_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_txid ON transactions(txid);
	CREATE INDEX IF NOT EXISTS idx_transactions_rbf ON transactions(wallet_id, rbf_status, confirmations);

	-- Transaction inputs (coinbase omitted)
	CREATE TABLE IF NOT EXISTS transaction_inputs (
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL,
		input_index INTEGER NOT NULL,
		prev_txid TEXT NOT NULL,
		prev_vout INTEGER NOT NULL,
		address TEXT,
		amount INTEGER,
		derivation_path TEXT,

		UNIQUE(transaction_id, input_index),
		FOREIGN KEY (transaction_id) REFERENCES transactions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_inputs_transaction ON transaction_inputs(transaction_id);
	CREATE INDEX IF NOT EXISTS idx_inputs_prev ON transaction_inputs(prev_txid, prev_vout);

	-- Transaction outputs (OP_RETURN omitted)
	CREATE TABLE IF NOT EXISTS transaction_outputs (
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL,
		output_index INTEGER NOT NULL,
		address TEXT NOT NULL,
		amount INTEGER NOT NULL,
		script_pubkey TEXT NOT NULL DEFAULT '',

		-- recipient, change, consolidation, unknown
		output_type TEXT NOT NULL DEFAULT 'unknown',
		is_ours INTEGER NOT NULL DEFAULT 0,

		UNIQUE(transaction_id, output_index),
		FOREIGN KEY (transaction_id) REFERENCES transactions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_outputs_transaction ON transaction_outputs(transaction_id);

	-- Unspent outputs
	CREATE TABLE IF NOT EXISTS utxos (
		id TEXT PRIMARY KEY,
		wallet_id TEXT NOT NULL,
		txid TEXT NOT NULL,
		vout INTEGER NOT NULL,
		address TEXT NOT NULL,
		amount INTEGER NOT NULL,
		script_pubkey TEXT NOT NULL DEFAULT '',

		-- NULL while unconfirmed or after reorg reappearance
		block_height INTEGER,
		confirmations INTEGER NOT NULL DEFAULT 0,

		-- flips false -> true except reorg reappearance
		spent INTEGER NOT NULL DEFAULT 0,

		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,

		UNIQUE(wallet_id, txid, vout),
		FOREIGN KEY (wallet_id) REFERENCES wallets(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_utxos_wallet ON utxos(wallet_id);
	CREATE INDEX IF NOT EXISTS idx_utxos_wallet_spent ON utxos(wallet_id, spent);
	CREATE INDEX IF NOT EXISTS idx_utxos_address ON utxos(address);

	-- Labels
	CREATE TABLE IF NOT EXISTS labels (
		id TEXT PRIMARY KEY,
		wallet_id TEXT NOT NULL,
		name TEXT NOT NULL,
		created_at INTEGER NOT NULL,

		UNIQUE(wallet_id, name),
		FOREIGN KEY (wallet_id) REFERENCES wallets(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS address_labels (
		address_id TEXT NOT NULL,
		label_id TEXT NOT NULL,

		PRIMARY KEY (address_id, label_id),
		FOREIGN KEY (address_id) REFERENCES addresses(id) ON DELETE CASCADE,
		FOREIGN KEY (label_id) REFERENCES labels(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS transaction_labels (
		transaction_id TEXT NOT NULL,
		label_id TEXT NOT NULL,

		PRIMARY KEY (transaction_id, label_id),
		FOREIGN KEY (transaction_id) REFERENCES transactions(id) ON DELETE CASCADE,
		FOREIGN KEY (label_id) REFERENCES labels(id) ON DELETE CASCADE
	);

	-- Prospective outgoing transactions holding soft UTXO reservations
	CREATE TABLE IF NOT EXISTS drafts (
		id TEXT PRIMARY KEY,
		wallet_id TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,

		FOREIGN KEY (wallet_id) REFERENCES wallets(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS draft_locks (
		id TEXT PRIMARY KEY,
		draft_id TEXT NOT NULL,
		utxo_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,

		UNIQUE(draft_id, utxo_id),
		FOREIGN KEY (draft_id) REFERENCES drafts(id) ON DELETE CASCADE,
		FOREIGN KEY (utxo_id) REFERENCES utxos(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_draft_locks_utxo ON draft_locks(utxo_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
