package sync

import (
	"context"
	"fmt"

	"github.com/nekoguntai/sanctuary/internal/node"
	"github.com/nekoguntai/sanctuary/internal/storage"
	"github.com/nekoguntai/sanctuary/pkg/helpers"
)

// fetchUtxosPhase asks the node for the live unspent set of every wallet
// address. Addresses whose fetch failed are excluded from FetchedAddresses
// so the reconcile phase never marks their coins spent on missing data.
func (r *Runner) fetchUtxosPhase(ctx context.Context, sc *Context) error {
	addresses := make([]string, len(sc.Addresses))
	for i, a := range sc.Addresses {
		addresses[i] = a.Address
	}

	for _, batch := range helpers.Chunk(addresses, r.cfg.HistoryBatchSize) {
		results, err := sc.Client.AddressUTXOsBatch(ctx, batch)
		if err != nil {
			sc.log.Warn("utxo batch failed, falling back", "size", len(batch), "error", err)
			results = make(map[string][]node.UTXO, len(batch))
			for _, addr := range batch {
				utxos, err := sc.Client.AddressUTXOs(ctx, addr)
				if err != nil {
					sc.log.Debug("utxo fetch failed", "address", addr, "error", err)
					continue
				}
				results[addr] = utxos
			}
		}

		for addr, utxos := range results {
			sc.FetchedAddresses[addr] = true
			for _, u := range utxos {
				key := fmt.Sprintf("%s:%d", u.Txid, u.Vout)
				sc.UtxoData[key] = utxoEntry{address: addr, utxo: u}
				sc.UtxoKeys[key] = true
				sc.Stats.UtxosFetched++
			}
		}
	}
	return nil
}

// reconcileUtxosPhase compares stored unspent rows against the node's live
// set: rows the node no longer reports are marked spent (invalidating any
// draft locks holding them), rows still live get their chain state
// refreshed, including the reorg case where a confirmed coin drops back to
// the mempool.
func (r *Runner) reconcileUtxosPhase(ctx context.Context, sc *Context) error {
	stored, err := r.store.GetUnspentUTXOs(sc.Wallet.ID)
	if err != nil {
		return fmt.Errorf("load unspent utxos: %w", err)
	}
	if len(stored) == 0 {
		return nil
	}

	var spentIDs []string
	for _, u := range stored {
		if sc.UtxoKeys[u.Key()] {
			r.refreshUtxoChainState(sc, u)
			continue
		}
		// Only trust absence when the address actually answered.
		if !sc.FetchedAddresses[u.Address] {
			continue
		}
		spentIDs = append(spentIDs, u.ID)
	}

	if len(spentIDs) == 0 {
		return nil
	}

	marked, err := r.store.MarkUTXOsSpent(spentIDs)
	if err != nil {
		return fmt.Errorf("mark utxos spent: %w", err)
	}
	sc.Stats.UtxosMarkedSpent += int(marked)

	locks, err := r.store.GetLocksByUTXOIDs(spentIDs)
	if err != nil {
		return fmt.Errorf("load draft locks: %w", err)
	}
	invalidated := make(map[string]string, len(locks))
	for _, lock := range locks {
		invalidated[lock.DraftID] = lock.DraftLabel
	}
	for draftID, label := range invalidated {
		if err := r.store.DeleteDraft(draftID); err != nil {
			return fmt.Errorf("invalidate draft %s: %w", draftID, err)
		}
		sc.log.Info("draft invalidated, locked utxo spent", "draft", draftID, "label", label)
	}
	return nil
}

// refreshUtxoChainState reconciles one still-live row against the node's
// view of its height.
func (r *Runner) refreshUtxoChainState(sc *Context, u *storage.UTXO) {
	live := sc.UtxoData[u.Key()].utxo

	switch {
	case live.Height > 0:
		confirmations := sc.TipHeight - live.Height + 1
		if confirmations < 0 {
			confirmations = 0
		}
		changed := u.BlockHeight == nil || *u.BlockHeight != live.Height || u.Confirmations != confirmations
		if !changed {
			return
		}
		h := live.Height
		if err := r.store.UpdateUTXOChainState(u.ID, &h, confirmations); err != nil {
			sc.log.Warn("utxo update failed", "utxo", u.Key(), "error", err)
		}
	case u.BlockHeight != nil:
		// Reorg: a previously confirmed coin is back in the mempool.
		if err := r.store.UpdateUTXOChainState(u.ID, nil, 0); err != nil {
			sc.log.Warn("utxo reorg update failed", "utxo", u.Key(), "error", err)
			return
		}
		sc.log.Warn("utxo returned to mempool", "utxo", u.Key(), "previous_height", *u.BlockHeight)
	}
}

// insertUtxosPhase persists live UTXOs the store does not know yet. The
// script pubkey comes from the transaction detail cache; a miss triggers a
// single tolerant fetch.
func (r *Runner) insertUtxosPhase(ctx context.Context, sc *Context) error {
	if len(sc.UtxoData) == 0 {
		return nil
	}

	stored, err := r.store.GetWalletUTXOs(sc.Wallet.ID)
	if err != nil {
		return fmt.Errorf("load utxos: %w", err)
	}
	known := make(map[string]bool, len(stored))
	for _, u := range stored {
		known[u.Key()] = true
	}

	var rows []*storage.UTXO
	for _, key := range sortedTxids(sc.UtxoKeys) {
		if known[key] {
			continue
		}
		entry := sc.UtxoData[key]
		live := entry.utxo

		row := &storage.UTXO{
			WalletID:     sc.Wallet.ID,
			Txid:         live.Txid,
			Vout:         live.Vout,
			Address:      entry.address,
			Amount:       live.Value,
			ScriptPubKey: r.utxoScriptPubKey(ctx, sc, live),
		}
		if live.Height > 0 {
			h := live.Height
			row.BlockHeight = &h
			if conf := sc.TipHeight - live.Height + 1; conf > 0 {
				row.Confirmations = conf
			}
		}
		rows = append(rows, row)
	}

	created, err := r.store.CreateUTXOs(rows, true)
	if err != nil {
		return fmt.Errorf("persist utxos: %w", err)
	}
	sc.Stats.UtxosCreated += int(created)
	return nil
}

// utxoScriptPubKey resolves the locking script of a live UTXO from the
// detail cache, fetching the funding transaction once when absent. Failure
// is tolerated: the row is still usable without its script.
func (r *Runner) utxoScriptPubKey(ctx context.Context, sc *Context, live node.UTXO) string {
	detail, ok := sc.TxDetails[live.Txid]
	if !ok {
		fetched, err := sc.Client.Transaction(ctx, live.Txid, true)
		if err != nil {
			sc.log.Debug("script pubkey unavailable", "txid", live.Txid, "error", err)
			return ""
		}
		sc.TxDetails[live.Txid] = fetched
		detail = fetched
	}
	if detail == nil || int(live.Vout) >= len(detail.Vout) {
		return ""
	}
	return detail.Vout[live.Vout].ScriptPubKey
}
