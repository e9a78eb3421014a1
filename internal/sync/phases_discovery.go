package sync

import (
	"context"
	"fmt"

	"github.com/nekoguntai/sanctuary/internal/node"
	"github.com/nekoguntai/sanctuary/internal/storage"
	"github.com/nekoguntai/sanctuary/pkg/helpers"
)

// rbfCleanupPhase resolves RBF ambiguity left by previous runs: active
// unconfirmed rows and replaced rows missing their replacement link are
// matched against confirmed transactions sharing an input. No node calls
// happen here.
func (r *Runner) rbfCleanupPhase(ctx context.Context, sc *Context) error {
	active, err := r.store.GetActiveUnconfirmedTransactions(sc.Wallet.ID)
	if err != nil {
		return fmt.Errorf("load active transactions: %w", err)
	}
	unlinked, err := r.store.GetReplacedWithoutLink(sc.Wallet.ID)
	if err != nil {
		return fmt.Errorf("load replaced transactions: %w", err)
	}
	candidates := append(active, unlinked...)
	if len(candidates) == 0 {
		return nil
	}

	confirmed, err := r.store.GetConfirmedTransactions(sc.Wallet.ID)
	if err != nil {
		return fmt.Errorf("load confirmed transactions: %w", err)
	}
	if len(confirmed) == 0 {
		return nil
	}

	ids := make([]string, 0, len(candidates)+len(confirmed))
	for _, tx := range candidates {
		ids = append(ids, tx.ID)
	}
	for _, tx := range confirmed {
		ids = append(ids, tx.ID)
	}

	inputs, err := r.store.GetInputsForTransactions(ids)
	if err != nil {
		return fmt.Errorf("load inputs: %w", err)
	}

	// Input identity -> the confirmed transaction consuming it.
	confirmedInputs := make(map[string]*storage.Transaction)
	for _, tx := range confirmed {
		for _, in := range inputs[tx.ID] {
			key := fmt.Sprintf("%s:%d", in.PrevTxid, in.PrevVout)
			if _, ok := confirmedInputs[key]; !ok {
				confirmedInputs[key] = tx
			}
		}
	}

	for _, candidate := range candidates {
		for _, in := range inputs[candidate.ID] {
			key := fmt.Sprintf("%s:%d", in.PrevTxid, in.PrevVout)
			winner, ok := confirmedInputs[key]
			if !ok || winner.Txid == candidate.Txid {
				continue
			}
			if err := r.store.MarkTransactionReplaced(candidate.ID, winner.Txid); err != nil {
				return err
			}
			sc.log.Info("transaction replaced", "txid", candidate.Txid, "replaced_by", winner.Txid)
			break
		}
	}
	return nil
}

// fetchHistoriesPhase pulls every address history from the node in batches,
// falling back to per-address requests when a batch fails. Per-address
// failures record an empty history.
func (r *Runner) fetchHistoriesPhase(ctx context.Context, sc *Context) error {
	addresses := make([]string, len(sc.Addresses))
	for i, a := range sc.Addresses {
		addresses[i] = a.Address
	}

	for _, batch := range helpers.Chunk(addresses, r.cfg.HistoryBatchSize) {
		results, err := sc.Client.AddressHistoryBatch(ctx, batch)
		if err != nil {
			sc.log.Warn("history batch failed, falling back", "size", len(batch), "error", err)
			results = make(map[string][]node.HistoryItem, len(batch))
			for _, addr := range batch {
				history, err := sc.Client.AddressHistory(ctx, addr)
				if err != nil {
					sc.log.Debug("history fetch failed", "address", addr, "error", err)
					results[addr] = nil
					continue
				}
				results[addr] = history
			}
		}

		for _, addr := range batch {
			history := results[addr]
			sc.HistoryResults[addr] = history
			sc.Stats.HistoriesFetched++
			for _, item := range history {
				sc.AllTxids[item.Txid] = true
				if item.Height > sc.HistoryHeights[item.Txid] {
					sc.HistoryHeights[item.Txid] = item.Height
				}
			}
		}
	}
	return nil
}

// checkExistingPhase partitions the discovered txids into known and new.
func (r *Runner) checkExistingPhase(ctx context.Context, sc *Context) error {
	txids := sortedTxids(sc.AllTxids)
	if len(txids) == 0 {
		return nil
	}

	existing, err := r.store.GetTransactionsByTxids(sc.Wallet.ID, txids)
	if err != nil {
		return fmt.Errorf("load existing transactions: %w", err)
	}

	for _, tx := range existing {
		sc.ExistingTxMap[tx.Txid] = tx
		sc.ExistingTxids[tx.Txid] = true
	}
	for _, txid := range txids {
		if !sc.ExistingTxids[txid] {
			sc.NewTxids = append(sc.NewTxids, txid)
		}
	}
	return nil
}
