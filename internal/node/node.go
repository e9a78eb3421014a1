// Package node provides Bitcoin node clients for fetching chain data and
// broadcasting transactions. Two transports are supported: the Electrum
// stratum protocol over TCP/TLS and Bitcoin Core JSON-RPC over HTTP.
package node

import (
	"context"
	"errors"

	"github.com/nekoguntai/sanctuary/pkg/helpers"
)

// Common errors
var (
	ErrNotConnected    = errors.New("node not connected")
	ErrTxNotFound      = errors.New("transaction not found")
	ErrBroadcastFailed = errors.New("broadcast failed")
	ErrUnsupported     = errors.New("operation not supported by this node")
)

// Type represents the node transport type.
type Type string

const (
	TypeElectrum Type = "electrum" // Electrum protocol over TCP/SSL
	TypeCore     Type = "core"     // Bitcoin Core JSON-RPC over HTTP
)

// FeeUnknown marks a transaction whose fee the server did not report.
const FeeUnknown int64 = -1

// HistoryItem is one entry of an address history.
// Height 0 or below means the transaction is still in the mempool.
type HistoryItem struct {
	Txid   string `json:"txid"`
	Height int64  `json:"height"`
}

// UTXO is an unspent output as reported by the node.
type UTXO struct {
	Txid   string `json:"txid"`
	Vout   uint32 `json:"vout"`
	Value  int64  `json:"value"` // satoshis
	Height int64  `json:"height"`
}

// Prevout carries the resolved previous output of an input.
// Only present when the server supports verbose responses.
type Prevout struct {
	Value   int64  `json:"value"` // satoshis
	Address string `json:"address,omitempty"`
}

// TxIn is a transaction input.
type TxIn struct {
	Txid     string   `json:"txid,omitempty"`
	Vout     uint32   `json:"vout"`
	Coinbase bool     `json:"coinbase,omitempty"`
	Prevout  *Prevout `json:"prevout,omitempty"`
}

// TxOut is a transaction output. Address is empty for outputs with no
// decodable address (OP_RETURN and non-standard scripts).
type TxOut struct {
	N            uint32 `json:"n"`
	Value        int64  `json:"value"` // satoshis
	Address      string `json:"address,omitempty"`
	ScriptPubKey string `json:"script_pubkey,omitempty"`
}

// TxDetail is the normalized transaction record the sync pipeline consumes.
// All amounts are satoshis; the BTC/satoshi heuristic is applied exactly once
// while decoding the server response.
type TxDetail struct {
	Txid          string  `json:"txid"`
	Hex           string  `json:"hex,omitempty"`
	BlockHash     string  `json:"block_hash,omitempty"`
	BlockHeight   int64   `json:"block_height,omitempty"` // 0 when unknown
	BlockTime     int64   `json:"block_time,omitempty"`
	Confirmations int64   `json:"confirmations"`
	Fee           int64   `json:"fee"` // FeeUnknown when not reported
	Vin           []TxIn  `json:"vin"`
	Vout          []TxOut `json:"vout"`
}

// Client is the capability surface the sync pipeline consumes.
// Implementations must be safe for concurrent use.
type Client interface {
	// Type returns the transport type.
	Type() Type

	// Connect establishes the connection. Safe to call when connected.
	Connect(ctx context.Context) error

	// Close tears down the connection.
	Close() error

	// IsConnected reports whether the client is connected.
	IsConnected() bool

	// BlockHeight returns the node's current tip height.
	BlockHeight(ctx context.Context) (int64, error)

	// BlockHeader returns the raw 80-byte block header at height, hex encoded.
	BlockHeader(ctx context.Context, height int64) (string, error)

	// AddressHistory returns the ordered history of an address.
	AddressHistory(ctx context.Context, address string) ([]HistoryItem, error)

	// AddressHistoryBatch fetches histories for several addresses. The result
	// map may be partial; callers fall back to per-address requests on error.
	AddressHistoryBatch(ctx context.Context, addresses []string) (map[string][]HistoryItem, error)

	// AddressUTXOs returns the unspent outputs of an address.
	AddressUTXOs(ctx context.Context, address string) ([]UTXO, error)

	// AddressUTXOsBatch fetches UTXOs for several addresses.
	AddressUTXOsBatch(ctx context.Context, addresses []string) (map[string][]UTXO, error)

	// Transaction fetches one transaction. With verbose=false, or when the
	// server cannot produce verbose responses, the record carries only the
	// raw hex and txid.
	Transaction(ctx context.Context, txid string, verbose bool) (*TxDetail, error)

	// TransactionsBatch fetches several transactions; partial maps are
	// permitted.
	TransactionsBatch(ctx context.Context, txids []string) (map[string]*TxDetail, error)

	// Broadcast submits a raw transaction and returns its txid.
	Broadcast(ctx context.Context, rawHex string) (string, error)

	// EstimateFee returns the estimated fee rate in sat/vByte for
	// confirmation within the given number of blocks.
	EstimateFee(ctx context.Context, blocks int) (float64, error)
}

// normalizeTx converts a loosely typed verbose transaction response into a
// TxDetail. Both transports produce the same shape here, so every reader
// downstream sees one record format.
func normalizeTx(txid string, raw map[string]interface{}) *TxDetail {
	tx := &TxDetail{
		Txid: txid,
		Fee:  FeeUnknown,
	}

	if s, ok := raw["txid"].(string); ok && s != "" {
		tx.Txid = s
	}
	if s, ok := raw["hex"].(string); ok {
		tx.Hex = s
	}
	if s, ok := raw["blockhash"].(string); ok {
		tx.BlockHash = s
	}
	if v, ok := raw["confirmations"].(float64); ok {
		tx.Confirmations = int64(v)
	}
	if v, ok := raw["blocktime"].(float64); ok {
		tx.BlockTime = int64(v)
	} else if v, ok := raw["time"].(float64); ok {
		tx.BlockTime = int64(v)
	}
	// Some servers inline the height; most do not, in which case heights
	// flow from the address history instead.
	for _, key := range []string{"height", "blockheight", "block_height"} {
		if v, ok := raw[key].(float64); ok && v > 0 {
			tx.BlockHeight = int64(v)
			break
		}
	}
	if v, ok := raw["fee"].(float64); ok {
		if v < 0 {
			v = -v // Core wallet responses report fees as negative deltas
		}
		tx.Fee = helpers.NormalizeToSats(v)
	}

	if vins, ok := raw["vin"].([]interface{}); ok {
		tx.Vin = make([]TxIn, 0, len(vins))
		for _, item := range vins {
			vin, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			in := TxIn{}
			if _, ok := vin["coinbase"]; ok {
				in.Coinbase = true
			}
			if s, ok := vin["txid"].(string); ok {
				in.Txid = s
			}
			if v, ok := vin["vout"].(float64); ok {
				in.Vout = uint32(v)
			}
			if prev, ok := vin["prevout"].(map[string]interface{}); ok {
				in.Prevout = normalizePrevout(prev)
			}
			tx.Vin = append(tx.Vin, in)
		}
	}

	if vouts, ok := raw["vout"].([]interface{}); ok {
		tx.Vout = make([]TxOut, 0, len(vouts))
		for i, item := range vouts {
			vout, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			out := TxOut{N: uint32(i)}
			if v, ok := vout["n"].(float64); ok {
				out.N = uint32(v)
			}
			if v, ok := vout["value"].(float64); ok {
				out.Value = helpers.NormalizeToSats(v)
			}
			if spk, ok := vout["scriptPubKey"].(map[string]interface{}); ok {
				out.Address = scriptPubKeyAddress(spk)
				if h, ok := spk["hex"].(string); ok {
					out.ScriptPubKey = h
				}
			}
			tx.Vout = append(tx.Vout, out)
		}
	}

	return tx
}

func normalizePrevout(raw map[string]interface{}) *Prevout {
	prev := &Prevout{}
	if v, ok := raw["value"].(float64); ok {
		prev.Value = helpers.NormalizeToSats(v)
	}
	if spk, ok := raw["scriptPubKey"].(map[string]interface{}); ok {
		prev.Address = scriptPubKeyAddress(spk)
	} else if s, ok := raw["address"].(string); ok {
		prev.Address = s
	}
	return prev
}

// scriptPubKeyAddress extracts the output address, tolerating both the
// singular `address` field and the older `addresses` array.
func scriptPubKeyAddress(spk map[string]interface{}) string {
	if s, ok := spk["address"].(string); ok {
		return s
	}
	if arr, ok := spk["addresses"].([]interface{}); ok && len(arr) > 0 {
		if s, ok := arr[0].(string); ok {
			return s
		}
	}
	return ""
}
