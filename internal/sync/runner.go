package sync

import (
	"context"
	"fmt"
	"sort"
	stdsync "sync"
	"time"

	"github.com/nekoguntai/sanctuary/internal/chain"
	"github.com/nekoguntai/sanctuary/internal/config"
	"github.com/nekoguntai/sanctuary/internal/node"
	"github.com/nekoguntai/sanctuary/internal/notify"
	"github.com/nekoguntai/sanctuary/internal/storage"
	"github.com/nekoguntai/sanctuary/pkg/logging"
)

// Phase names in execution order.
const (
	PhaseRBFCleanup          = "rbfCleanup"
	PhaseFetchHistories      = "fetchHistories"
	PhaseCheckExisting       = "checkExisting"
	PhaseProcessTransactions = "processTransactions"
	PhaseFetchUtxos          = "fetchUtxos"
	PhaseReconcileUtxos      = "reconcileUtxos"
	PhaseInsertUtxos         = "insertUtxos"
	PhaseUpdateAddresses     = "updateAddresses"
	PhaseGapLimit            = "gapLimit"
	PhaseFixConsolidations   = "fixConsolidations"
)

// DefaultPhases is the full pipeline ordering.
var DefaultPhases = []string{
	PhaseRBFCleanup,
	PhaseFetchHistories,
	PhaseCheckExisting,
	PhaseProcessTransactions,
	PhaseFetchUtxos,
	PhaseReconcileUtxos,
	PhaseInsertUtxos,
	PhaseUpdateAddresses,
	PhaseGapLimit,
	PhaseFixConsolidations,
}

// QuickPhases is the cheap polling ordering.
var QuickPhases = []string{
	PhaseFetchHistories,
	PhaseCheckExisting,
	PhaseProcessTransactions,
	PhaseFetchUtxos,
	PhaseReconcileUtxos,
	PhaseInsertUtxos,
	PhaseUpdateAddresses,
}

// Options tunes one sync run.
type Options struct {
	// Phases is the ordering to run; nil means DefaultPhases.
	Phases []string
	// SkipPhases excludes phases from the ordering.
	SkipPhases []string
	// OnlyPhases, when non-empty, restricts the ordering to these phases.
	OnlyPhases []string
	// OnPhaseComplete is invoked after each phase.
	OnPhaseComplete func(phase string, sc *Context)
}

// Runner executes sync pipelines. Runs for the same wallet are serialized;
// distinct wallets may sync in parallel.
type Runner struct {
	store    *storage.Storage
	pool     *node.Pool
	heights  *node.Heights
	notifier *notify.Broadcaster
	cfg      config.SyncConfig
	log      *logging.Logger

	mu          stdsync.Mutex
	walletLocks map[string]*stdsync.Mutex
}

// NewRunner creates a pipeline runner. The notifier may be nil.
func NewRunner(store *storage.Storage, pool *node.Pool, heights *node.Heights, notifier *notify.Broadcaster, cfg config.SyncConfig, log *logging.Logger) *Runner {
	if cfg.AddressGapLimit <= 0 {
		cfg.AddressGapLimit = 20
	}
	if cfg.HistoryBatchSize <= 0 {
		cfg.HistoryBatchSize = 10
	}
	if cfg.TxBatchSize <= 0 {
		cfg.TxBatchSize = 25
	}
	if cfg.BackfillTxBatchSize <= 0 {
		cfg.BackfillTxBatchSize = 5
	}
	if cfg.DeepConfirmationThreshold <= 0 {
		cfg.DeepConfirmationThreshold = 100
	}
	if cfg.TransactionBatchSize <= 0 {
		cfg.TransactionBatchSize = 500
	}
	return &Runner{
		store:       store,
		pool:        pool,
		heights:     heights,
		notifier:    notifier,
		cfg:         cfg,
		log:         log,
		walletLocks: make(map[string]*stdsync.Mutex),
	}
}

// walletLock returns the mutex serializing runs for one wallet.
func (r *Runner) walletLock(walletID string) *stdsync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.walletLocks[walletID]
	if !ok {
		lock = &stdsync.Mutex{}
		r.walletLocks[walletID] = lock
	}
	return lock
}

// Sync runs the pipeline for one wallet.
func (r *Runner) Sync(ctx context.Context, walletID string, opts *Options) (*Result, error) {
	lock := r.walletLock(walletID)
	lock.Lock()
	defer lock.Unlock()

	if opts == nil {
		opts = &Options{}
	}

	sc, err := r.buildContext(ctx, walletID)
	if err != nil {
		return nil, err
	}

	ordering := opts.Phases
	if ordering == nil {
		ordering = DefaultPhases
	}

	skip := make(map[string]bool, len(opts.SkipPhases))
	for _, p := range opts.SkipPhases {
		skip[p] = true
	}
	only := make(map[string]bool, len(opts.OnlyPhases))
	for _, p := range opts.OnlyPhases {
		only[p] = true
	}

	for _, phase := range ordering {
		if skip[phase] {
			continue
		}
		if len(only) > 0 && !only[phase] {
			continue
		}

		if err := ctx.Err(); err != nil {
			return nil, &PipelineError{FailedPhase: phase, CompletedPhases: sc.CompletedPhases, Cause: err, Context: sc}
		}

		sc.log.Debug("running phase", "phase", phase)
		if err := r.runPhase(ctx, phase, sc); err != nil {
			return nil, &PipelineError{FailedPhase: phase, CompletedPhases: sc.CompletedPhases, Cause: err, Context: sc}
		}
		sc.CompletedPhases = append(sc.CompletedPhases, phase)
		if opts.OnPhaseComplete != nil {
			opts.OnPhaseComplete(phase, sc)
		}
	}

	if err := r.store.UpdateWalletLastSynced(walletID, time.Now().Unix()); err != nil {
		sc.log.Warn("failed to record sync time", "error", err)
	}

	result := &Result{
		Addresses:    len(sc.Addresses),
		Transactions: sc.Stats.NewTransactionsCreated,
		UTXOs:        sc.Stats.UtxosCreated,
		Elapsed:      time.Since(sc.StartedAt),
		Stats:        sc.Stats,
	}
	sc.log.Info("sync complete",
		"elapsed", result.Elapsed,
		"new_txs", result.Transactions,
		"new_utxos", result.UTXOs,
		"new_addresses", sc.Stats.NewAddressesGenerated,
	)
	return result, nil
}

func (r *Runner) runPhase(ctx context.Context, phase string, sc *Context) error {
	switch phase {
	case PhaseRBFCleanup:
		return r.rbfCleanupPhase(ctx, sc)
	case PhaseFetchHistories:
		return r.fetchHistoriesPhase(ctx, sc)
	case PhaseCheckExisting:
		return r.checkExistingPhase(ctx, sc)
	case PhaseProcessTransactions:
		return r.processTransactionsPhase(ctx, sc)
	case PhaseFetchUtxos:
		return r.fetchUtxosPhase(ctx, sc)
	case PhaseReconcileUtxos:
		return r.reconcileUtxosPhase(ctx, sc)
	case PhaseInsertUtxos:
		return r.insertUtxosPhase(ctx, sc)
	case PhaseUpdateAddresses:
		return r.updateAddressesPhase(ctx, sc)
	case PhaseGapLimit:
		return r.gapLimitPhase(ctx, sc)
	case PhaseFixConsolidations:
		return r.fixConsolidationsPhase(ctx, sc)
	default:
		return fmt.Errorf("unknown phase %q", phase)
	}
}

// buildContext loads the wallet and constructs a fresh Context.
func (r *Runner) buildContext(ctx context.Context, walletID string) (*Context, error) {
	wallet, err := r.store.GetWallet(walletID)
	if err != nil {
		return nil, fmt.Errorf("load wallet: %w", err)
	}
	if wallet == nil {
		return nil, fmt.Errorf("wallet %s not found", walletID)
	}

	network, err := chain.ParseNetwork(wallet.Network)
	if err != nil {
		return nil, err
	}

	client, err := r.pool.Get(ctx, network)
	if err != nil {
		return nil, fmt.Errorf("acquire node client: %w", err)
	}

	tip, err := r.heights.Tip(ctx, network)
	if err != nil {
		return nil, err
	}

	addresses, err := r.store.GetWalletAddresses(walletID)
	if err != nil {
		return nil, fmt.Errorf("load addresses: %w", err)
	}

	sc := &Context{
		Wallet:           wallet,
		Network:          network,
		Client:           client,
		Addresses:        addresses,
		AddressSet:       make(map[string]bool, len(addresses)),
		AddressIDs:       make(map[string]string, len(addresses)),
		AddressPath:      make(map[string]string, len(addresses)),
		TipHeight:        tip,
		HistoryResults:   make(map[string][]node.HistoryItem),
		HistoryHeights:   make(map[string]int64),
		AllTxids:         make(map[string]bool),
		ExistingTxMap:    make(map[string]*storage.Transaction),
		ExistingTxids:    make(map[string]bool),
		TxDetails:        make(map[string]*node.TxDetail),
		UtxoData:         make(map[string]utxoEntry),
		UtxoKeys:         make(map[string]bool),
		FetchedAddresses: make(map[string]bool),
		StartedAt:        time.Now(),
		log:              r.log.With("wallet", walletID),
	}
	for _, a := range addresses {
		sc.AddressSet[a.Address] = true
		sc.AddressIDs[a.Address] = a.ID
		sc.AddressPath[a.Address] = a.DerivationPath
	}
	return sc, nil
}

// sortedTxids returns map keys in a stable order.
func sortedTxids(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for txid := range set {
		out = append(out, txid)
	}
	sort.Strings(out)
	return out
}
