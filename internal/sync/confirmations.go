package sync

import (
	"context"
	"fmt"

	"github.com/nekoguntai/sanctuary/internal/chain"
	"github.com/nekoguntai/sanctuary/internal/node"
	"github.com/nekoguntai/sanctuary/internal/storage"
	"github.com/nekoguntai/sanctuary/pkg/helpers"
)

// UpdateTransactionConfirmations refreshes confirmation counts for a
// wallet's shallow transactions from the current tip. Rows at or past the
// deep threshold are left alone, so the work stays bounded as history
// grows. Returns the number of rows updated.
func (r *Runner) UpdateTransactionConfirmations(ctx context.Context, walletID string) (int, error) {
	wallet, err := r.store.GetWallet(walletID)
	if err != nil {
		return 0, fmt.Errorf("load wallet: %w", err)
	}
	if wallet == nil {
		return 0, fmt.Errorf("wallet %s not found", walletID)
	}
	network, err := chain.ParseNetwork(wallet.Network)
	if err != nil {
		return 0, err
	}
	tip, err := r.heights.Tip(ctx, network)
	if err != nil {
		return 0, err
	}

	txs, err := r.store.GetShallowConfirmedTransactions(walletID, r.cfg.DeepConfirmationThreshold)
	if err != nil {
		return 0, fmt.Errorf("load shallow transactions: %w", err)
	}

	var updates []storage.ConfirmationUpdate
	for _, tx := range txs {
		if tx.BlockHeight == nil {
			continue
		}
		confirmations := tip - *tx.BlockHeight + 1
		if confirmations < 0 {
			confirmations = 0
		}
		if confirmations == tx.Confirmations {
			continue
		}
		updates = append(updates, storage.ConfirmationUpdate{
			ID:            tx.ID,
			Confirmations: confirmations,
			SetConfirmed:  tx.Confirmations == 0 && confirmations > 0,
		})
	}

	for start := 0; start < len(updates); start += r.cfg.TransactionBatchSize {
		end := start + r.cfg.TransactionBatchSize
		if end > len(updates) {
			end = len(updates)
		}
		if err := r.store.UpdateConfirmationsBulk(updates[start:end]); err != nil {
			return 0, fmt.Errorf("write confirmations: %w", err)
		}
	}
	return len(updates), nil
}

// PopulateMissingTransactionFields backfills fee, block height, block time,
// counterparty and principal address on rows persisted before those values
// were known. Fully populated rows cost nothing; the pass is idempotent.
// Returns the number of rows patched.
func (r *Runner) PopulateMissingTransactionFields(ctx context.Context, walletID string) (int, error) {
	sc, err := r.buildContext(ctx, walletID)
	if err != nil {
		return 0, err
	}

	txs, err := r.store.GetWalletTransactions(walletID)
	if err != nil {
		return 0, fmt.Errorf("load transactions: %w", err)
	}

	var incomplete []*storage.Transaction
	for _, tx := range txs {
		if tx.RBFStatus == storage.RBFReplaced {
			continue
		}
		if r.txNeedsBackfill(tx) {
			incomplete = append(incomplete, tx)
		}
	}
	if len(incomplete) == 0 {
		return 0, nil
	}

	// History heights cover transactions whose detail omits the height.
	if err := r.fetchHistoriesPhase(ctx, sc); err != nil {
		return 0, err
	}

	// The resolver prefetches previous transactions referenced by NewTxids;
	// point it at the rows being backfilled.
	sc.NewTxids = make([]string, len(incomplete))
	for i, tx := range incomplete {
		sc.NewTxids[i] = tx.Txid
	}

	resolver := r.buildPrevoutResolver(ctx, sc)
	patched := 0

	for _, group := range helpers.Chunk(incomplete, r.cfg.BackfillTxBatchSize) {
		txids := make([]string, len(group))
		for i, tx := range group {
			txids[i] = tx.Txid
		}
		if err := r.fetchTxDetails(ctx, sc, txids); err != nil {
			return patched, err
		}

		for _, tx := range group {
			detail := sc.TxDetails[tx.Txid]
			if detail == nil {
				sc.log.Debug("backfill detail unavailable", "txid", tx.Txid)
				continue
			}
			patch := r.buildBackfillPatch(ctx, sc, tx, detail, resolver)
			if patch == nil {
				continue
			}
			if err := r.store.PatchTransaction(tx.ID, patch); err != nil {
				return patched, fmt.Errorf("patch %s: %w", tx.Txid, err)
			}
			patched++
		}
	}
	if patched > 0 {
		r.log.Info("backfilled transaction fields", "wallet", walletID, "patched", patched)
	}
	return patched, nil
}

// txNeedsBackfill reports whether any backfillable field is missing.
// Received rows never carry a fee and consolidations never have a
// counterparty, so their absence there is not a gap.
func (r *Runner) txNeedsBackfill(tx *storage.Transaction) bool {
	if tx.Fee == nil && tx.TxType != storage.TxReceived {
		return true
	}
	if tx.BlockHeight == nil || tx.BlockTime == nil {
		return true
	}
	if tx.CounterpartyAddress == "" && tx.TxType != storage.TxConsolidation {
		return true
	}
	return tx.AddressID == ""
}

// buildBackfillPatch computes the patch for one incomplete row. Only
// missing fields are set; nil means nothing to do.
func (r *Runner) buildBackfillPatch(ctx context.Context, sc *Context, tx *storage.Transaction, detail *node.TxDetail, resolve inputResolver) *storage.TransactionPatch {
	c := classifyTx(detail, sc.AddressSet, sc.AddressIDs, resolve)

	patch := &storage.TransactionPatch{}
	dirty := false

	if tx.Fee == nil && c.Fee != nil && tx.TxType != storage.TxReceived {
		patch.Fee = c.Fee
		dirty = true
	}

	height := detail.BlockHeight
	if height <= 0 {
		height = sc.HistoryHeights[tx.Txid]
	}
	if tx.BlockHeight == nil && height > 0 {
		h := height
		patch.BlockHeight = &h
		if conf := sc.TipHeight - height + 1; conf > 0 {
			patch.Confirmations = &conf
		}
		dirty = true
	}

	if tx.BlockTime == nil {
		bt := detail.BlockTime
		if bt <= 0 && height > 0 {
			if ts, err := r.heights.BlockTime(ctx, sc.Network, height); err == nil {
				bt = ts.Unix()
			}
		}
		if bt > 0 {
			patch.BlockTime = &bt
			dirty = true
		}
	}

	if tx.CounterpartyAddress == "" && c.Counterparty != "" {
		patch.CounterpartyAddress = &c.Counterparty
		dirty = true
	}
	if tx.AddressID == "" && c.AddressID != "" {
		patch.AddressID = &c.AddressID
		dirty = true
	}

	if !dirty {
		return nil
	}
	return patch
}
