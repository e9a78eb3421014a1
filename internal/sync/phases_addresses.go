package sync

import (
	"context"
	"fmt"

	"github.com/nekoguntai/sanctuary/internal/descriptor"
	"github.com/nekoguntai/sanctuary/internal/storage"
)

// updateAddressesPhase marks addresses with on-chain history as used. The
// flag only ever flips forward, so rerunning is a no-op.
func (r *Runner) updateAddressesPhase(ctx context.Context, sc *Context) error {
	var used []string
	for _, a := range sc.Addresses {
		if a.Used {
			continue
		}
		if len(sc.HistoryResults[a.Address]) > 0 {
			used = append(used, a.Address)
		}
	}
	if len(used) == 0 {
		return nil
	}

	updated, err := r.store.MarkAddressesUsed(sc.Wallet.ID, used)
	if err != nil {
		return fmt.Errorf("mark addresses used: %w", err)
	}
	sc.Stats.AddressesUpdated += int(updated)

	// Keep the in-memory view consistent so gap-limit sees fresh flags.
	usedSet := make(map[string]bool, len(used))
	for _, addr := range used {
		usedSet[addr] = true
	}
	for _, a := range sc.Addresses {
		if usedSet[a.Address] {
			a.Used = true
		}
	}
	return nil
}

// gapLimitPhase keeps a runway of unused addresses at the tail of each
// derivation chain. When fewer than the configured gap remain unused after
// the highest used index, new addresses are derived from the wallet
// descriptor to restore it.
func (r *Runner) gapLimitPhase(ctx context.Context, sc *Context) error {
	desc, err := descriptor.Parse(sc.Wallet.Descriptor)
	if err != nil {
		return fmt.Errorf("parse descriptor: %w", err)
	}
	deriver := descriptor.NewDeriver(desc, sc.Network)
	gap := int64(r.cfg.AddressGapLimit)

	for _, branch := range []int{storage.ChainExternal, storage.ChainInternal} {
		var (
			maxIndex     int64 = -1
			maxUsedIndex int64 = -1
		)
		for _, a := range sc.Addresses {
			if a.Chain != branch {
				continue
			}
			index := int64(a.AddressIndex)
			if index > maxIndex {
				maxIndex = index
			}
			if a.Used && index > maxUsedIndex {
				maxUsedIndex = index
			}
		}

		unusedTail := maxIndex - maxUsedIndex
		if unusedTail >= gap {
			continue
		}
		need := gap - unusedTail

		var fresh []*storage.Address
		for i := int64(1); i <= need; i++ {
			index := maxIndex + i
			address, path, err := deriver.Derive(uint32(branch), uint32(index))
			if err != nil {
				sc.log.Warn("address derivation failed", "chain", branch, "index", index, "error", err)
				continue
			}
			fresh = append(fresh, &storage.Address{
				WalletID:       sc.Wallet.ID,
				Address:        address,
				DerivationPath: path,
				Chain:          branch,
				AddressIndex:   uint32(index),
			})
		}
		if len(fresh) == 0 {
			continue
		}

		created, err := r.store.CreateAddresses(fresh, true)
		if err != nil {
			return fmt.Errorf("persist addresses: %w", err)
		}
		sc.Stats.NewAddressesGenerated += int(created)
		for _, a := range fresh {
			sc.addAddress(a)
		}
		sc.log.Info("extended address chain", "chain", branch, "count", len(fresh))
	}
	return nil
}

// fixConsolidationsPhase retroactively reclassifies sent transactions whose
// outputs all turned out to belong to the wallet. Balances are recalculated
// when anything changed.
func (r *Runner) fixConsolidationsPhase(ctx context.Context, sc *Context) error {
	corrected, err := r.CorrectMisclassifiedConsolidations(sc.Wallet.ID, sc.AddressSet)
	if err != nil {
		return err
	}
	sc.Stats.CorrectedConsolidations += corrected
	if corrected == 0 {
		return nil
	}
	return r.RecalculateWalletBalances(sc.Wallet.ID)
}
