package sync

import (
	"github.com/nekoguntai/sanctuary/internal/node"
	"github.com/nekoguntai/sanctuary/internal/storage"
	"github.com/nekoguntai/sanctuary/pkg/helpers"
)

// maxSaneFee rejects semantically impossible fees.
const maxSaneFee = helpers.SatsPerBTC

// inputResolver resolves an input's previous output. The second return is
// false when the prevout cannot be determined.
type inputResolver func(in node.TxIn) (*node.Prevout, bool)

// classified is the outcome of the three-valued classification plus the
// derived row fields shared by the pipeline and the backfiller.
type classified struct {
	TxType       storage.TxType
	Amount       int64
	Fee          *int64
	Counterparty string
	AddressID    string
}

// classifyTx applies the classification rules to one normalized
// transaction. ownerSet maps wallet addresses, addressIDs maps them to row
// ids, resolve supplies prevouts the server did not inline.
func classifyTx(detail *node.TxDetail, ownerSet map[string]bool, addressIDs map[string]string, resolve inputResolver) classified {
	var (
		walletInputs    int
		externalOutputs int
		inputSum        int64
		outputSum       int64
		walletOutSum    int64
		externalOutSum  int64

		firstSenderAddr    string
		firstWalletInAddr  string
		firstWalletOutAddr string
		firstExternalOut   string
		resolvedAllInputs  = true
	)

	for _, in := range detail.Vin {
		if in.Coinbase {
			continue
		}
		prev := in.Prevout
		if prev == nil {
			if resolve != nil {
				if p, ok := resolve(in); ok {
					prev = p
				}
			}
		}
		if prev == nil {
			resolvedAllInputs = false
			continue
		}
		inputSum += prev.Value
		if firstSenderAddr == "" && prev.Address != "" {
			firstSenderAddr = prev.Address
		}
		if prev.Address != "" && ownerSet[prev.Address] {
			walletInputs++
			if firstWalletInAddr == "" {
				firstWalletInAddr = prev.Address
			}
		}
	}

	for _, out := range detail.Vout {
		outputSum += out.Value
		if out.Address == "" {
			// OP_RETURN and non-standard outputs never count as external.
			continue
		}
		if ownerSet[out.Address] {
			walletOutSum += out.Value
			if firstWalletOutAddr == "" {
				firstWalletOutAddr = out.Address
			}
		} else {
			externalOutputs++
			externalOutSum += out.Value
			if firstExternalOut == "" {
				firstExternalOut = out.Address
			}
		}
	}

	var c classified
	switch {
	case walletInputs == 0:
		c.TxType = storage.TxReceived
	case externalOutputs == 0:
		c.TxType = storage.TxConsolidation
	default:
		c.TxType = storage.TxSent
	}

	// Fee: the server's value wins when sane; otherwise derive it from the
	// input/output delta when every input resolved.
	var fee *int64
	if detail.Fee != node.FeeUnknown && detail.Fee > 0 && detail.Fee < maxSaneFee {
		f := detail.Fee
		fee = &f
	} else if resolvedAllInputs && inputSum > 0 && inputSum >= outputSum {
		if delta := inputSum - outputSum; delta > 0 && delta < maxSaneFee {
			fee = &delta
		}
	}

	switch c.TxType {
	case storage.TxReceived:
		c.Amount = walletOutSum
		c.Counterparty = firstSenderAddr
		c.AddressID = addressIDs[firstWalletOutAddr]
		// Received rows never carry a fee.
	case storage.TxSent:
		feeAmount := int64(0)
		if fee != nil {
			feeAmount = *fee
		}
		c.Amount = -(externalOutSum + feeAmount)
		c.Fee = fee
		c.Counterparty = firstExternalOut
		c.AddressID = addressIDs[firstWalletInAddr]
	case storage.TxConsolidation:
		if fee != nil {
			c.Amount = -*fee
		}
		c.Fee = fee
		c.AddressID = addressIDs[firstWalletInAddr]
	}

	return c
}

// outputType classifies one output given the owning transaction's type.
func outputType(txType storage.TxType, ours bool) storage.OutputType {
	switch txType {
	case storage.TxConsolidation:
		return storage.OutputConsolidation
	case storage.TxSent:
		if ours {
			return storage.OutputChange
		}
		return storage.OutputRecipient
	default: // received
		if ours {
			return storage.OutputRecipient
		}
		return storage.OutputUnknown
	}
}
