// Package sync implements the staged wallet synchronization pipeline: an
// idempotent reconciliation engine keeping the local store coherent with a
// remote Bitcoin node.
package sync

import (
	"fmt"
	"time"

	"github.com/nekoguntai/sanctuary/internal/chain"
	"github.com/nekoguntai/sanctuary/internal/node"
	"github.com/nekoguntai/sanctuary/internal/storage"
	"github.com/nekoguntai/sanctuary/pkg/logging"
)

// Stats counts the work one pipeline run performed.
type Stats struct {
	HistoriesFetched        int `json:"histories_fetched"`
	TransactionsProcessed   int `json:"transactions_processed"`
	NewTransactionsCreated  int `json:"new_transactions_created"`
	UtxosFetched            int `json:"utxos_fetched"`
	UtxosCreated            int `json:"utxos_created"`
	UtxosMarkedSpent        int `json:"utxos_marked_spent"`
	AddressesUpdated        int `json:"addresses_updated"`
	NewAddressesGenerated   int `json:"new_addresses_generated"`
	CorrectedConsolidations int `json:"corrected_consolidations"`
}

// Result is the aggregate outcome of a sync run.
type Result struct {
	Addresses    int           `json:"addresses"`
	Transactions int           `json:"transactions"`
	UTXOs        int           `json:"utxos"`
	Elapsed      time.Duration `json:"elapsed"`
	Stats        Stats         `json:"stats"`
}

// utxoEntry ties a live UTXO to the wallet address it pays.
type utxoEntry struct {
	address string
	utxo    node.UTXO
}

// Context carries the mutable state one pipeline run threads through its
// phases. Each phase reads it, talks to the node and the store, and
// extends it.
type Context struct {
	Wallet  *storage.Wallet
	Network chain.Network
	Client  node.Client

	// Address lookups built at run start and extended by gap-limit
	// expansion.
	Addresses   []*storage.Address
	AddressSet  map[string]bool   // address string -> owned
	AddressIDs  map[string]string // address string -> row id
	AddressPath map[string]string // address string -> derivation path

	TipHeight int64

	// Stage outputs.
	HistoryResults   map[string][]node.HistoryItem
	HistoryHeights   map[string]int64 // txid -> best known height
	AllTxids         map[string]bool
	ExistingTxMap    map[string]*storage.Transaction
	ExistingTxids    map[string]bool
	NewTxids         []string
	TxDetails        map[string]*node.TxDetail
	UtxoData         map[string]utxoEntry // "txid:vout" -> entry
	UtxoKeys         map[string]bool
	FetchedAddresses map[string]bool // spent detection trusts only these
	NewTransactions  []*storage.Transaction
	NewAddresses     []*storage.Address

	Stats           Stats
	StartedAt       time.Time
	CompletedPhases []string

	log *logging.Logger
}

// Owns reports whether the wallet owns an address.
func (c *Context) Owns(address string) bool {
	return address != "" && c.AddressSet[address]
}

// addAddress extends the lookup structures with a freshly derived address.
func (c *Context) addAddress(a *storage.Address) {
	c.Addresses = append(c.Addresses, a)
	c.AddressSet[a.Address] = true
	c.AddressIDs[a.Address] = a.ID
	c.AddressPath[a.Address] = a.DerivationPath
	c.NewAddresses = append(c.NewAddresses, a)
}

// PipelineError wraps a phase failure with the run's progress so callers
// can implement resume semantics.
type PipelineError struct {
	FailedPhase     string
	CompletedPhases []string
	Cause           error
	Context         *Context
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("sync pipeline failed at %s (completed: %d phases): %v",
		e.FailedPhase, len(e.CompletedPhases), e.Cause)
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}
