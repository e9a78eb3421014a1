package sync

import (
	"context"
	"fmt"

	"github.com/nekoguntai/sanctuary/internal/node"
	"github.com/nekoguntai/sanctuary/internal/storage"
	"github.com/nekoguntai/sanctuary/pkg/helpers"
)

// processTransactionsPhase turns every new txid into a classified, persisted
// transaction row with its inputs and outputs. This is the heaviest phase:
// it fetches transaction details in batches, resolves missing prevouts,
// detects intra-batch RBF replacements and attaches address labels.
func (r *Runner) processTransactionsPhase(ctx context.Context, sc *Context) error {
	if len(sc.NewTxids) == 0 {
		return nil
	}

	if err := r.fetchTxDetails(ctx, sc, sc.NewTxids); err != nil {
		return err
	}

	resolver := r.buildPrevoutResolver(ctx, sc)

	rows := make([]*storage.Transaction, 0, len(sc.NewTxids))
	rowDetails := make(map[string]*node.TxDetail, len(sc.NewTxids))
	for _, txid := range sc.NewTxids {
		detail, ok := sc.TxDetails[txid]
		if !ok || detail == nil {
			sc.log.Warn("transaction detail unavailable, skipping", "txid", txid)
			continue
		}

		c := classifyTx(detail, sc.AddressSet, sc.AddressIDs, resolver)

		row := &storage.Transaction{
			WalletID:            sc.Wallet.ID,
			Txid:                txid,
			TxType:              c.TxType,
			Amount:              c.Amount,
			Fee:                 c.Fee,
			AddressID:           c.AddressID,
			CounterpartyAddress: c.Counterparty,
			RBFStatus:           storage.RBFActive,
		}

		height := detail.BlockHeight
		if height <= 0 {
			height = sc.HistoryHeights[txid]
		}
		if height > 0 {
			h := height
			row.BlockHeight = &h
			if conf := sc.TipHeight - height + 1; conf > 0 {
				row.Confirmations = conf
				row.RBFStatus = storage.RBFConfirmed
			}
		}

		if detail.BlockTime > 0 {
			bt := detail.BlockTime
			row.BlockTime = &bt
		} else if height > 0 {
			if ts, err := r.heights.BlockTime(ctx, sc.Network, height); err == nil {
				bt := ts.Unix()
				row.BlockTime = &bt
			}
		}

		rows = append(rows, row)
		rowDetails[txid] = detail
		sc.Stats.TransactionsProcessed++
	}

	if len(rows) == 0 {
		return nil
	}

	created, err := r.store.CreateTransactions(rows, true)
	if err != nil {
		return fmt.Errorf("persist transactions: %w", err)
	}
	sc.Stats.NewTransactionsCreated += int(created)

	// Re-read to pick up row ids, including rows a concurrent run inserted.
	txids := make([]string, len(rows))
	for i, row := range rows {
		txids[i] = row.Txid
	}
	persisted, err := r.store.GetTransactionsByTxids(sc.Wallet.ID, txids)
	if err != nil {
		return err
	}
	for _, tx := range persisted {
		sc.NewTransactions = append(sc.NewTransactions, tx)
	}

	for _, tx := range persisted {
		detail := rowDetails[tx.Txid]
		if detail == nil {
			continue
		}
		if err := r.persistTxIO(sc, tx, detail, resolver); err != nil {
			return err
		}
	}

	if err := r.linkIntraBatchReplacements(sc, persisted, rowDetails); err != nil {
		return err
	}
	if err := r.attachAddressLabels(persisted); err != nil {
		sc.log.Warn("label propagation failed", "error", err)
	}

	if r.notifier != nil {
		r.notifier.Publish(sc.Wallet.ID, persisted)
	}
	return nil
}

// fetchTxDetails populates the detail cache for the given txids, chunked
// with a per-txid fallback when a batch fails.
func (r *Runner) fetchTxDetails(ctx context.Context, sc *Context, txids []string) error {
	missing := make([]string, 0, len(txids))
	for _, txid := range txids {
		if _, ok := sc.TxDetails[txid]; !ok {
			missing = append(missing, txid)
		}
	}

	for _, batch := range helpers.Chunk(missing, r.cfg.TxBatchSize) {
		results, err := sc.Client.TransactionsBatch(ctx, batch)
		if err != nil {
			sc.log.Warn("transaction batch failed, falling back", "size", len(batch), "error", err)
			results = make(map[string]*node.TxDetail, len(batch))
			for _, txid := range batch {
				detail, err := sc.Client.Transaction(ctx, txid, true)
				if err != nil {
					sc.log.Debug("transaction fetch failed", "txid", txid, "error", err)
					continue
				}
				results[txid] = detail
			}
		}
		for txid, detail := range results {
			if detail != nil {
				sc.TxDetails[txid] = detail
			}
		}
	}
	return nil
}

// buildPrevoutResolver returns an inputResolver backed by the detail cache.
// Inputs whose previous transaction is unknown trigger a prefetch of every
// referenced previous transaction still missing from the cache, then
// on-demand single fetches as a last resort.
func (r *Runner) buildPrevoutResolver(ctx context.Context, sc *Context) inputResolver {
	prefetched := false

	prefetch := func() {
		if prefetched {
			return
		}
		prefetched = true

		wanted := make(map[string]bool)
		for _, txid := range sc.NewTxids {
			detail := sc.TxDetails[txid]
			if detail == nil {
				continue
			}
			for _, in := range detail.Vin {
				if in.Coinbase || in.Prevout != nil || in.Txid == "" {
					continue
				}
				if _, ok := sc.TxDetails[in.Txid]; !ok {
					wanted[in.Txid] = true
				}
			}
		}
		if len(wanted) == 0 {
			return
		}
		if err := r.fetchTxDetails(ctx, sc, sortedTxids(wanted)); err != nil {
			sc.log.Warn("prevout prefetch failed", "error", err)
		}
	}

	return func(in node.TxIn) (*node.Prevout, bool) {
		if in.Txid == "" {
			return nil, false
		}
		prev, ok := sc.TxDetails[in.Txid]
		if !ok {
			prefetch()
			prev, ok = sc.TxDetails[in.Txid]
		}
		if !ok {
			detail, err := sc.Client.Transaction(ctx, in.Txid, true)
			if err != nil {
				return nil, false
			}
			sc.TxDetails[in.Txid] = detail
			prev = detail
		}
		if prev == nil || int(in.Vout) >= len(prev.Vout) {
			return nil, false
		}
		out := prev.Vout[in.Vout]
		return &node.Prevout{Value: out.Value, Address: out.Address}, true
	}
}

// persistTxIO writes the input and output rows for one transaction.
// Coinbase and unresolvable inputs are skipped; outputs without a decodable
// address are skipped too.
func (r *Runner) persistTxIO(sc *Context, tx *storage.Transaction, detail *node.TxDetail, resolve inputResolver) error {
	var inputs []*storage.TransactionInput
	for i, in := range detail.Vin {
		if in.Coinbase {
			continue
		}
		prev := in.Prevout
		if prev == nil {
			if p, ok := resolve(in); ok {
				prev = p
			}
		}
		if prev == nil {
			continue
		}
		row := &storage.TransactionInput{
			TransactionID: tx.ID,
			InputIndex:    i,
			PrevTxid:      in.Txid,
			PrevVout:      in.Vout,
			Address:       prev.Address,
			Amount:        prev.Value,
		}
		if sc.Owns(prev.Address) {
			row.DerivationPath = sc.AddressPath[prev.Address]
		}
		inputs = append(inputs, row)
	}
	if err := r.store.CreateTransactionInputs(inputs); err != nil {
		return fmt.Errorf("persist inputs for %s: %w", tx.Txid, err)
	}

	var outputs []*storage.TransactionOutput
	for _, out := range detail.Vout {
		if out.Address == "" {
			continue
		}
		ours := sc.Owns(out.Address)
		outputs = append(outputs, &storage.TransactionOutput{
			TransactionID: tx.ID,
			OutputIndex:   int(out.N),
			Address:       out.Address,
			Amount:        out.Value,
			ScriptPubKey:  out.ScriptPubKey,
			OutputType:    outputType(tx.TxType, ours),
			IsOurs:        ours,
		})
	}
	if err := r.store.CreateTransactionOutputs(outputs); err != nil {
		return fmt.Errorf("persist outputs for %s: %w", tx.Txid, err)
	}
	return nil
}

// linkIntraBatchReplacements reacts to fresh confirmations: when the batch
// introduced confirmed transactions, every still-active unconfirmed row
// sharing an input with one of them is marked replaced.
func (r *Runner) linkIntraBatchReplacements(sc *Context, txs []*storage.Transaction, details map[string]*node.TxDetail) error {
	// Input identity -> the confirmed transaction from this batch.
	confirmedInputs := make(map[string]*storage.Transaction)
	for _, tx := range txs {
		detail := details[tx.Txid]
		if detail == nil || tx.Confirmations == 0 {
			continue
		}
		for _, in := range detail.Vin {
			if in.Coinbase || in.Txid == "" {
				continue
			}
			key := fmt.Sprintf("%s:%d", in.Txid, in.Vout)
			if _, ok := confirmedInputs[key]; !ok {
				confirmedInputs[key] = tx
			}
		}
	}
	if len(confirmedInputs) == 0 {
		return nil
	}

	active, err := r.store.GetActiveUnconfirmedTransactions(sc.Wallet.ID)
	if err != nil {
		return err
	}
	if len(active) == 0 {
		return nil
	}
	ids := make([]string, len(active))
	for i, tx := range active {
		ids[i] = tx.ID
	}
	inputs, err := r.store.GetInputsForTransactions(ids)
	if err != nil {
		return err
	}

	for _, candidate := range active {
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

// attachAddressLabels propagates labels from each transaction's principal
// address onto the transaction itself.
func (r *Runner) attachAddressLabels(txs []*storage.Transaction) error {
	var addressIDs []string
	seen := make(map[string]bool)
	for _, tx := range txs {
		if tx.AddressID != "" && !seen[tx.AddressID] {
			seen[tx.AddressID] = true
			addressIDs = append(addressIDs, tx.AddressID)
		}
	}
	if len(addressIDs) == 0 {
		return nil
	}

	labels, err := r.store.GetAddressLabelIDs(addressIDs)
	if err != nil {
		return err
	}
	if len(labels) == 0 {
		return nil
	}

	for _, tx := range txs {
		labelIDs := labels[tx.AddressID]
		if len(labelIDs) == 0 {
			continue
		}
		if err := r.store.AttachTransactionLabels(tx.ID, labelIDs); err != nil {
			return err
		}
	}
	return nil
}
