package node

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nekoguntai/sanctuary/internal/chain"
)

// rpcServer fakes a Bitcoin Core JSON-RPC endpoint with canned per-method
// results, answering both single requests and batch arrays.
func rpcServer(t *testing.T, results map[string]interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "rpcuser" || pass != "rpcpass" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		body, _ := io.ReadAll(r.Body)

		answer := func(req coreRequest) coreResponse {
			result, ok := results[req.Method]
			if !ok {
				msg := "Method not found"
				return coreResponse{ID: req.ID, Error: &struct {
					Code    int    `json:"code"`
					Message string `json:"message"`
				}{Code: -32601, Message: msg}}
			}
			return coreResponse{ID: req.ID, Result: result}
		}

		if len(body) > 0 && body[0] == '[' {
			var reqs []coreRequest
			if err := json.Unmarshal(body, &reqs); err != nil {
				t.Errorf("bad batch request: %v", err)
				return
			}
			resps := make([]coreResponse, len(reqs))
			for i, req := range reqs {
				resps[i] = answer(req)
			}
			json.NewEncoder(w).Encode(resps)
			return
		}

		var req coreRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("bad request: %v", err)
			return
		}
		json.NewEncoder(w).Encode(answer(req))
	}))
}

func newTestCoreClient(t *testing.T, results map[string]interface{}) *CoreClient {
	t.Helper()
	srv := rpcServer(t, results)
	t.Cleanup(srv.Close)
	return NewCoreClient(srv.URL, "rpcuser", "rpcpass", chain.Regtest, 5*time.Second)
}

func TestCoreBlockHeight(t *testing.T) {
	client := newTestCoreClient(t, map[string]interface{}{
		"getblockcount": float64(123456),
	})

	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !client.IsConnected() {
		t.Error("expected connected after probe")
	}

	height, err := client.BlockHeight(ctx)
	if err != nil || height != 123456 {
		t.Errorf("BlockHeight = %d, %v; want 123456", height, err)
	}
}

func TestCoreBadAuth(t *testing.T) {
	srv := rpcServer(t, map[string]interface{}{"getblockcount": float64(1)})
	defer srv.Close()

	client := NewCoreClient(srv.URL, "rpcuser", "wrong", chain.Regtest, 5*time.Second)
	if err := client.Connect(context.Background()); err == nil {
		t.Error("expected auth failure")
	}
}

func TestCoreTransactionVerbose(t *testing.T) {
	client := newTestCoreClient(t, map[string]interface{}{
		"getrawtransaction": map[string]interface{}{
			"txid":          "tx1",
			"confirmations": float64(3),
			"vout": []interface{}{
				map[string]interface{}{
					"n":     float64(0),
					"value": 0.001,
					"scriptPubKey": map[string]interface{}{
						"address": "bcrt1qdest",
					},
				},
			},
		},
	})

	tx, err := client.Transaction(context.Background(), "tx1", true)
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	if tx.Confirmations != 3 {
		t.Errorf("confirmations = %d", tx.Confirmations)
	}
	if len(tx.Vout) != 1 || tx.Vout[0].Value != 100_000 {
		t.Errorf("vout = %+v, want value 100000", tx.Vout)
	}
	if tx.Fee != FeeUnknown {
		t.Errorf("fee = %d, want FeeUnknown", tx.Fee)
	}
}

func TestCoreTransactionsBatch(t *testing.T) {
	client := newTestCoreClient(t, map[string]interface{}{
		"getrawtransaction": map[string]interface{}{
			"confirmations": float64(1),
		},
	})

	out, err := client.TransactionsBatch(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("TransactionsBatch: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("batch size = %d, want 2", len(out))
	}
	if out["a"].Txid != "a" || out["b"].Txid != "b" {
		t.Errorf("txids not preserved: %+v", out)
	}
}

func TestCoreScanTxOutSet(t *testing.T) {
	client := newTestCoreClient(t, map[string]interface{}{
		"scantxoutset": map[string]interface{}{
			"success": true,
			"unspents": []interface{}{
				map[string]interface{}{
					"txid":   "u1",
					"vout":   float64(1),
					"desc":   "addr(bcrt1qaddr)#abcd",
					"amount": 0.5,
					"height": float64(99),
				},
			},
		},
	})

	utxos, err := client.AddressUTXOs(context.Background(), "bcrt1qaddr")
	if err != nil {
		t.Fatalf("AddressUTXOs: %v", err)
	}
	if len(utxos) != 1 {
		t.Fatalf("utxo count = %d, want 1", len(utxos))
	}
	u := utxos[0]
	if u.Txid != "u1" || u.Vout != 1 || u.Value != 50_000_000 || u.Height != 99 {
		t.Errorf("utxo = %+v", u)
	}
}

func TestCoreScanTxOutSetEmptyAddress(t *testing.T) {
	client := newTestCoreClient(t, map[string]interface{}{
		"scantxoutset": map[string]interface{}{
			"success": true,
			"unspents": []interface{}{
				map[string]interface{}{
					"txid":   "aa",
					"vout":   float64(0),
					"desc":   "addr(bcrt1qfunded)#abcd",
					"amount": 0.0003,
					"height": float64(995),
				},
			},
		},
	})

	out, err := client.AddressUTXOsBatch(context.Background(), []string{"bcrt1qfunded", "bcrt1qemptied"})
	if err != nil {
		t.Fatalf("AddressUTXOsBatch: %v", err)
	}
	// A scanned address with no unspent outputs still gets a map entry.
	// Callers treat a missing key as a failed scan and skip spent detection.
	utxos, ok := out["bcrt1qemptied"]
	if !ok {
		t.Fatal("scanned address with no coins missing from result map")
	}
	if len(utxos) != 0 {
		t.Errorf("utxos for emptied address = %+v, want none", utxos)
	}
	if len(out["bcrt1qfunded"]) != 1 {
		t.Errorf("funded address utxos = %+v, want 1", out["bcrt1qfunded"])
	}
}

func TestCoreEstimateFee(t *testing.T) {
	client := newTestCoreClient(t, map[string]interface{}{
		"estimatesmartfee": map[string]interface{}{
			"feerate": 0.00002, // BTC/kvB
			"blocks":  float64(6),
		},
	})

	rate, err := client.EstimateFee(context.Background(), 6)
	if err != nil {
		t.Fatalf("EstimateFee: %v", err)
	}
	if rate != 2.0 {
		t.Errorf("fee rate = %v sat/vB, want 2", rate)
	}
}

func TestCoreBroadcast(t *testing.T) {
	client := newTestCoreClient(t, map[string]interface{}{
		"sendrawtransaction": "broadcasttxid",
	})

	txid, err := client.Broadcast(context.Background(), "0200ff")
	if err != nil || txid != "broadcasttxid" {
		t.Errorf("Broadcast = %q, %v", txid, err)
	}

	failing := newTestCoreClient(t, map[string]interface{}{})
	if _, err := failing.Broadcast(context.Background(), "0200ff"); err == nil {
		t.Error("expected broadcast error")
	}
}
