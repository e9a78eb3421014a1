package sync

import (
	"fmt"

	"github.com/nekoguntai/sanctuary/internal/storage"
)

// RecalculateWalletBalances rebuilds the running balance_after column from
// scratch: transactions are walked in canonical order and the cumulative
// amount is written back in chunks.
func (r *Runner) RecalculateWalletBalances(walletID string) error {
	txs, err := r.store.GetTransactionsForBalance(walletID)
	if err != nil {
		return fmt.Errorf("load transactions for balance: %w", err)
	}
	if len(txs) == 0 {
		return nil
	}

	var running int64
	updates := make([]storage.BalanceUpdate, 0, len(txs))
	for _, tx := range txs {
		running += tx.Amount
		if tx.BalanceAfter != nil && *tx.BalanceAfter == running {
			continue
		}
		updates = append(updates, storage.BalanceUpdate{ID: tx.ID, BalanceAfter: running})
	}

	for start := 0; start < len(updates); start += r.cfg.TransactionBatchSize {
		end := start + r.cfg.TransactionBatchSize
		if end > len(updates) {
			end = len(updates)
		}
		if err := r.store.UpdateBalancesChunk(updates[start:end]); err != nil {
			return fmt.Errorf("write balances: %w", err)
		}
	}
	return nil
}

// CorrectMisclassifiedConsolidations finds sent transactions whose outputs
// all pay wallet addresses and reclassifies them as consolidations. This
// happens when gap-limit expansion reveals that a supposed recipient was a
// wallet address all along. Returns the number corrected.
func (r *Runner) CorrectMisclassifiedConsolidations(walletID string, ownerSet map[string]bool) (int, error) {
	sent, err := r.store.GetTransactionsByType(walletID, storage.TxSent)
	if err != nil {
		return 0, fmt.Errorf("load sent transactions: %w", err)
	}
	if len(sent) == 0 {
		return 0, nil
	}

	ids := make([]string, len(sent))
	for i, tx := range sent {
		ids[i] = tx.ID
	}
	outputs, err := r.store.GetOutputsForTransactions(ids)
	if err != nil {
		return 0, fmt.Errorf("load outputs: %w", err)
	}

	corrected := 0
	for _, tx := range sent {
		outs := outputs[tx.ID]
		if len(outs) == 0 {
			continue
		}
		allOurs := true
		for _, out := range outs {
			if !ownerSet[out.Address] {
				allOurs = false
				break
			}
		}
		if !allOurs {
			continue
		}

		// Consolidations cost only the fee.
		amount := int64(0)
		if tx.Fee != nil {
			amount = -*tx.Fee
		}
		if err := r.store.ReclassifyTransaction(tx.ID, storage.TxConsolidation, amount); err != nil {
			return corrected, fmt.Errorf("reclassify %s: %w", tx.Txid, err)
		}
		for _, out := range outs {
			if out.IsOurs && out.OutputType == storage.OutputConsolidation {
				continue
			}
			if err := r.store.UpdateOutputOwnership(out.ID, true, storage.OutputConsolidation); err != nil {
				return corrected, fmt.Errorf("update output ownership: %w", err)
			}
		}
		corrected++
		r.log.Info("corrected consolidation", "wallet", walletID, "txid", tx.Txid)
	}
	return corrected, nil
}
