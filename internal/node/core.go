package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nekoguntai/sanctuary/internal/chain"
	"github.com/nekoguntai/sanctuary/pkg/helpers"
)

// CoreClient implements Client against Bitcoin Core's HTTP JSON-RPC
// interface with basic auth. Core has no native address index, so address
// history is served by watch-only imports plus listreceivedbyaddress, and
// UTXOs by scantxoutset.
type CoreClient struct {
	url       string
	user      string
	password  string
	network   chain.Network
	http      *http.Client
	requestID atomic.Uint64
	connected atomic.Bool
}

// NewCoreClient creates a Bitcoin Core RPC client.
func NewCoreClient(url, user, password string, network chain.Network, timeout time.Duration) *CoreClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CoreClient{
		url:      url,
		user:     user,
		password: password,
		network:  network,
		http:     &http.Client{Timeout: timeout},
	}
}

// Type returns TypeCore.
func (c *CoreClient) Type() Type {
	return TypeCore
}

// Connect verifies the node is reachable with a getblockcount probe.
func (c *CoreClient) Connect(ctx context.Context) error {
	if _, err := c.call(ctx, "getblockcount", []interface{}{}); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	c.connected.Store(true)
	return nil
}

// Close marks the client disconnected. HTTP connections are pooled by the
// transport and need no explicit teardown.
func (c *CoreClient) Close() error {
	c.connected.Store(false)
	return nil
}

// IsConnected reports whether the last probe succeeded.
func (c *CoreClient) IsConnected() bool {
	return c.connected.Load()
}

// BlockHeight returns the current tip height.
func (c *CoreClient) BlockHeight(ctx context.Context) (int64, error) {
	result, err := c.call(ctx, "getblockcount", []interface{}{})
	if err != nil {
		return 0, err
	}
	height, ok := result.(float64)
	if !ok {
		return 0, fmt.Errorf("unexpected getblockcount response format")
	}
	return int64(height), nil
}

// BlockHeader returns the raw 80-byte header at height as hex, resolving
// the hash first since Core keys headers by hash.
func (c *CoreClient) BlockHeader(ctx context.Context, height int64) (string, error) {
	result, err := c.call(ctx, "getblockhash", []interface{}{height})
	if err != nil {
		return "", err
	}
	hash, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("unexpected getblockhash response format")
	}

	result, err = c.call(ctx, "getblockheader", []interface{}{hash, false})
	if err != nil {
		return "", err
	}
	headerHex, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("unexpected getblockheader response format")
	}
	return headerHex, nil
}

// AddressHistory returns the history of an address. The address is imported
// watch-only without rescan on first sight; transactions that predate the
// import are invisible until a manual rescan.
func (c *CoreClient) AddressHistory(ctx context.Context, address string) ([]HistoryItem, error) {
	if err := c.ensureWatched(ctx, address); err != nil {
		return nil, err
	}

	result, err := c.call(ctx, "listreceivedbyaddress", []interface{}{0, true, true, address})
	if err != nil {
		return nil, err
	}

	list, ok := result.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected listreceivedbyaddress response format")
	}

	tip, err := c.BlockHeight(ctx)
	if err != nil {
		return nil, err
	}

	var history []HistoryItem
	seen := make(map[string]bool)
	for _, item := range list {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		txids, ok := entry["txids"].([]interface{})
		if !ok {
			continue
		}
		for _, t := range txids {
			txid, ok := t.(string)
			if !ok || seen[txid] {
				continue
			}
			seen[txid] = true
			height := int64(0)
			if tx, err := c.Transaction(ctx, txid, true); err == nil && tx.Confirmations > 0 {
				height = tip - tx.Confirmations + 1
			}
			history = append(history, HistoryItem{Txid: txid, Height: height})
		}
	}
	return history, nil
}

// AddressHistoryBatch fetches histories per address. Core offers no batched
// history call, so this loops and tolerates individual failures.
func (c *CoreClient) AddressHistoryBatch(ctx context.Context, addresses []string) (map[string][]HistoryItem, error) {
	out := make(map[string][]HistoryItem, len(addresses))
	for _, addr := range addresses {
		history, err := c.AddressHistory(ctx, addr)
		if err != nil {
			continue
		}
		out[addr] = history
	}
	return out, nil
}

// AddressUTXOs scans the UTXO set for outputs paying the address.
func (c *CoreClient) AddressUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	utxos, err := c.scanTxOutSet(ctx, []string{address})
	if err != nil {
		return nil, err
	}
	return utxos[address], nil
}

// AddressUTXOsBatch scans the UTXO set once for all addresses.
func (c *CoreClient) AddressUTXOsBatch(ctx context.Context, addresses []string) (map[string][]UTXO, error) {
	return c.scanTxOutSet(ctx, addresses)
}

func (c *CoreClient) scanTxOutSet(ctx context.Context, addresses []string) (map[string][]UTXO, error) {
	descriptors := make([]string, len(addresses))
	for i, addr := range addresses {
		descriptors[i] = "addr(" + addr + ")"
	}

	result, err := c.call(ctx, "scantxoutset", []interface{}{"start", descriptors})
	if err != nil {
		return nil, err
	}

	scan, ok := result.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected scantxoutset response format")
	}

	// Every scanned address gets an entry, empty or not. A missing key means
	// the scan failed for that address, not that it holds no coins.
	out := make(map[string][]UTXO, len(addresses))
	for _, addr := range addresses {
		out[addr] = []UTXO{}
	}

	unspents, ok := scan["unspents"].([]interface{})
	if !ok {
		return out, nil
	}

	for _, item := range unspents {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		desc, _ := entry["desc"].(string)
		addr := addressFromDescriptor(desc)
		if addr == "" {
			continue
		}
		utxo := UTXO{}
		if s, ok := entry["txid"].(string); ok {
			utxo.Txid = s
		}
		if v, ok := entry["vout"].(float64); ok {
			utxo.Vout = uint32(v)
		}
		if v, ok := entry["amount"].(float64); ok {
			utxo.Value = helpers.NormalizeToSats(v)
		}
		if v, ok := entry["height"].(float64); ok {
			utxo.Height = int64(v)
		}
		out[addr] = append(out[addr], utxo)
	}
	return out, nil
}

// Transaction fetches one transaction with getrawtransaction.
func (c *CoreClient) Transaction(ctx context.Context, txid string, verbose bool) (*TxDetail, error) {
	result, err := c.call(ctx, "getrawtransaction", []interface{}{txid, verbose})
	if err != nil {
		if strings.Contains(err.Error(), "No such mempool or blockchain transaction") {
			return nil, fmt.Errorf("%w: %s", ErrTxNotFound, txid)
		}
		return nil, err
	}

	if !verbose {
		rawHex, ok := result.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected getrawtransaction response format")
		}
		return &TxDetail{Txid: txid, Hex: rawHex, Fee: FeeUnknown}, nil
	}

	txMap, ok := result.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected getrawtransaction response format")
	}
	return normalizeTx(txid, txMap), nil
}

// TransactionsBatch fetches several transactions in one HTTP round trip
// using a JSON-RPC batch array. Failed entries are omitted.
func (c *CoreClient) TransactionsBatch(ctx context.Context, txids []string) (map[string]*TxDetail, error) {
	if len(txids) == 0 {
		return map[string]*TxDetail{}, nil
	}

	paramsList := make([][]interface{}, len(txids))
	for i, txid := range txids {
		paramsList[i] = []interface{}{txid, true}
	}

	results, err := c.callBatch(ctx, "getrawtransaction", paramsList)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*TxDetail, len(txids))
	for i, result := range results {
		if result == nil {
			continue
		}
		txMap, ok := result.(map[string]interface{})
		if !ok {
			continue
		}
		out[txids[i]] = normalizeTx(txids[i], txMap)
	}
	return out, nil
}

// Broadcast submits a raw transaction.
func (c *CoreClient) Broadcast(ctx context.Context, rawHex string) (string, error) {
	result, err := c.call(ctx, "sendrawtransaction", []interface{}{rawHex})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	txid, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("unexpected sendrawtransaction response format")
	}
	return txid, nil
}

// EstimateFee returns the fee rate in sat/vByte. Core reports BTC/kvB.
func (c *CoreClient) EstimateFee(ctx context.Context, blocks int) (float64, error) {
	result, err := c.call(ctx, "estimatesmartfee", []interface{}{blocks})
	if err != nil {
		return 0, err
	}
	estimate, ok := result.(map[string]interface{})
	if !ok {
		return 0, fmt.Errorf("unexpected estimatesmartfee response format")
	}
	feeRate, ok := estimate["feerate"].(float64)
	if !ok || feeRate <= 0 {
		return 0, fmt.Errorf("fee estimate unavailable")
	}
	return feeRate * helpers.SatsPerBTC / 1000, nil
}

// ensureWatched imports the address watch-only without triggering a rescan.
// Importing an already imported address is a no-op on the node.
func (c *CoreClient) ensureWatched(ctx context.Context, address string) error {
	_, err := c.call(ctx, "importaddress", []interface{}{address, "", false})
	if err != nil && !strings.Contains(err.Error(), "already") {
		return err
	}
	return nil
}

type coreRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type coreResponse struct {
	ID     uint64      `json:"id"`
	Result interface{} `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *CoreClient) call(ctx context.Context, method string, params []interface{}) (interface{}, error) {
	request := coreRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	}

	body, err := c.post(ctx, request)
	if err != nil {
		return nil, err
	}

	var response coreResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, err
	}
	if response.Error != nil {
		return nil, fmt.Errorf("core rpc error %d: %s", response.Error.Code, response.Error.Message)
	}
	return response.Result, nil
}

// callBatch posts a JSON-RPC array and aligns the unordered responses back
// to input order by id. Per-item errors become nil entries.
func (c *CoreClient) callBatch(ctx context.Context, method string, paramsList [][]interface{}) ([]interface{}, error) {
	requests := make([]coreRequest, len(paramsList))
	idToIndex := make(map[uint64]int, len(paramsList))
	for i, params := range paramsList {
		id := c.requestID.Add(1)
		idToIndex[id] = i
		requests[i] = coreRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	}

	body, err := c.post(ctx, requests)
	if err != nil {
		return nil, err
	}

	var responses []coreResponse
	if err := json.Unmarshal(body, &responses); err != nil {
		return nil, fmt.Errorf("unexpected batch response: %w", err)
	}

	results := make([]interface{}, len(paramsList))
	for _, resp := range responses {
		idx, ok := idToIndex[resp.ID]
		if !ok || resp.Error != nil {
			continue
		}
		results[idx] = resp.Result
	}
	return results, nil
}

func (c *CoreClient) post(ctx context.Context, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.user, c.password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.connected.Store(false)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("core rpc: unauthorized")
	}
	return body, nil
}

// addressFromDescriptor pulls the address back out of an addr(...) scan
// descriptor, tolerating a #checksum suffix.
func addressFromDescriptor(desc string) string {
	start := strings.Index(desc, "addr(")
	if start < 0 {
		return ""
	}
	rest := desc[start+len("addr("):]
	end := strings.Index(rest, ")")
	if end < 0 {
		return ""
	}
	return rest[:end]
}

// Ensure CoreClient implements Client
var _ Client = (*CoreClient)(nil)
