package node

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"

	"github.com/nekoguntai/sanctuary/internal/chain"
	"github.com/nekoguntai/sanctuary/pkg/helpers"
)

// ElectrumClient implements Client over the Electrum stratum protocol:
// newline-delimited JSON-RPC 2.0 with numeric ids over TCP or TLS.
type ElectrumClient struct {
	servers   []string // host:port candidates, tried in order
	useTLS    bool
	network   chain.Network
	timeout   time.Duration
	mu        sync.Mutex
	conn      net.Conn
	reader    *bufio.Reader
	connected bool
	requestID atomic.Uint64
}

// NewElectrumClient creates an Electrum client for the given network.
// Servers are "host:port" strings tried in order on connect.
func NewElectrumClient(servers []string, useTLS bool, network chain.Network, timeout time.Duration) *ElectrumClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ElectrumClient{
		servers: servers,
		useTLS:  useTLS,
		network: network,
		timeout: timeout,
	}
}

// Type returns TypeElectrum.
func (e *ElectrumClient) Type() Type {
	return TypeElectrum
}

// Connect establishes a connection to the first reachable server.
func (e *ElectrumClient) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.connected {
		return nil
	}

	var lastErr error
	for _, server := range e.servers {
		var conn net.Conn
		var err error

		dialer := &net.Dialer{Timeout: e.timeout}

		if e.useTLS {
			conn, err = tls.DialWithDialer(dialer, "tcp", server, &tls.Config{
				MinVersion: tls.VersionTLS12,
			})
		} else {
			conn, err = dialer.DialContext(ctx, "tcp", server)
		}

		if err != nil {
			lastErr = err
			continue
		}

		e.conn = conn
		e.reader = bufio.NewReader(conn)

		if _, err = e.callLocked("server.version", []interface{}{"sanctuary", "1.4"}); err != nil {
			conn.Close()
			lastErr = err
			continue
		}

		e.connected = true
		return nil
	}

	return fmt.Errorf("%w: %v", ErrNotConnected, lastErr)
}

// Close closes the connection.
func (e *ElectrumClient) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
	e.connected = false
	return nil
}

// IsConnected reports whether the client is connected.
func (e *ElectrumClient) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// BlockHeight returns the current tip height via headers.subscribe.
func (e *ElectrumClient) BlockHeight(ctx context.Context) (int64, error) {
	result, err := e.call("blockchain.headers.subscribe", []interface{}{})
	if err != nil {
		return 0, err
	}

	header, ok := result.(map[string]interface{})
	if !ok {
		return 0, fmt.Errorf("unexpected headers response format")
	}

	height, ok := header["height"].(float64)
	if !ok {
		return 0, fmt.Errorf("height not found in headers response")
	}

	return int64(height), nil
}

// BlockHeader returns the 80-byte header at height as hex.
func (e *ElectrumClient) BlockHeader(ctx context.Context, height int64) (string, error) {
	result, err := e.call("blockchain.block.header", []interface{}{height})
	if err != nil {
		return "", err
	}

	headerHex, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("unexpected block header response format")
	}

	return headerHex, nil
}

// AddressHistory returns the address history, oldest first. Height 0 marks
// mempool transactions.
func (e *ElectrumClient) AddressHistory(ctx context.Context, address string) ([]HistoryItem, error) {
	scriptHash, err := e.scriptHash(address)
	if err != nil {
		return nil, err
	}

	result, err := e.call("blockchain.scripthash.get_history", []interface{}{scriptHash})
	if err != nil {
		return nil, err
	}

	return decodeHistory(result)
}

// AddressHistoryBatch issues one protocol-level batch request for several
// addresses. Failed entries are omitted from the result.
func (e *ElectrumClient) AddressHistoryBatch(ctx context.Context, addresses []string) (map[string][]HistoryItem, error) {
	paramsList := make([][]interface{}, 0, len(addresses))
	valid := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		scriptHash, err := e.scriptHash(addr)
		if err != nil {
			continue
		}
		paramsList = append(paramsList, []interface{}{scriptHash})
		valid = append(valid, addr)
	}

	results, err := e.callBatch("blockchain.scripthash.get_history", paramsList)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]HistoryItem, len(valid))
	for i, result := range results {
		if result == nil {
			continue
		}
		history, err := decodeHistory(result)
		if err != nil {
			continue
		}
		out[valid[i]] = history
	}
	return out, nil
}

// AddressUTXOs returns the unspent outputs of an address. Electrum reports
// listunspent values in satoshis already.
func (e *ElectrumClient) AddressUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	scriptHash, err := e.scriptHash(address)
	if err != nil {
		return nil, err
	}

	result, err := e.call("blockchain.scripthash.listunspent", []interface{}{scriptHash})
	if err != nil {
		return nil, err
	}

	return decodeUnspent(result)
}

// AddressUTXOsBatch issues one batch listunspent request.
func (e *ElectrumClient) AddressUTXOsBatch(ctx context.Context, addresses []string) (map[string][]UTXO, error) {
	paramsList := make([][]interface{}, 0, len(addresses))
	valid := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		scriptHash, err := e.scriptHash(addr)
		if err != nil {
			continue
		}
		paramsList = append(paramsList, []interface{}{scriptHash})
		valid = append(valid, addr)
	}

	results, err := e.callBatch("blockchain.scripthash.listunspent", paramsList)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]UTXO, len(valid))
	for i, result := range results {
		if result == nil {
			continue
		}
		utxos, err := decodeUnspent(result)
		if err != nil {
			continue
		}
		out[valid[i]] = utxos
	}
	return out, nil
}

// Transaction fetches one transaction. Servers that cannot produce verbose
// responses (Blockstream-class) yield a minimal record with raw hex only.
func (e *ElectrumClient) Transaction(ctx context.Context, txid string, verbose bool) (*TxDetail, error) {
	if !verbose {
		result, err := e.call("blockchain.transaction.get", []interface{}{txid, false})
		if err != nil {
			return nil, err
		}
		rawHex, ok := result.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected transaction response format")
		}
		return &TxDetail{Txid: txid, Hex: rawHex, Fee: FeeUnknown}, nil
	}

	result, err := e.call("blockchain.transaction.get", []interface{}{txid, true})
	if err != nil {
		// Degrade to the raw form when the server rejects verbose mode.
		return e.Transaction(ctx, txid, false)
	}

	txMap, ok := result.(map[string]interface{})
	if !ok {
		if rawHex, ok := result.(string); ok {
			return &TxDetail{Txid: txid, Hex: rawHex, Fee: FeeUnknown}, nil
		}
		return nil, fmt.Errorf("unexpected transaction response format")
	}

	return normalizeTx(txid, txMap), nil
}

// TransactionsBatch fetches several transactions in one batch request.
// Failed entries are omitted.
func (e *ElectrumClient) TransactionsBatch(ctx context.Context, txids []string) (map[string]*TxDetail, error) {
	paramsList := make([][]interface{}, len(txids))
	for i, txid := range txids {
		paramsList[i] = []interface{}{txid, true}
	}

	results, err := e.callBatch("blockchain.transaction.get", paramsList)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*TxDetail, len(txids))
	for i, result := range results {
		if result == nil {
			continue
		}
		switch v := result.(type) {
		case map[string]interface{}:
			out[txids[i]] = normalizeTx(txids[i], v)
		case string:
			out[txids[i]] = &TxDetail{Txid: txids[i], Hex: v, Fee: FeeUnknown}
		}
	}
	return out, nil
}

// Broadcast submits a raw transaction.
func (e *ElectrumClient) Broadcast(ctx context.Context, rawHex string) (string, error) {
	result, err := e.call("blockchain.transaction.broadcast", []interface{}{rawHex})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}

	txid, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("unexpected broadcast response format")
	}
	return txid, nil
}

// EstimateFee returns the fee rate in sat/vByte. Electrum reports BTC/kB.
func (e *ElectrumClient) EstimateFee(ctx context.Context, blocks int) (float64, error) {
	result, err := e.call("blockchain.estimatefee", []interface{}{blocks})
	if err != nil {
		return 0, err
	}

	btcPerKB, ok := result.(float64)
	if !ok || btcPerKB <= 0 {
		return 0, fmt.Errorf("fee estimate unavailable")
	}

	return btcPerKB * helpers.SatsPerBTC / 1000, nil
}

// call makes one Electrum request and waits for the response.
func (e *ElectrumClient) call(method string, params []interface{}) (interface{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.callLocked(method, params)
}

func (e *ElectrumClient) callLocked(method string, params []interface{}) (interface{}, error) {
	if e.conn == nil {
		return nil, ErrNotConnected
	}

	id := e.requestID.Add(1)
	request := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}

	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	e.conn.SetDeadline(time.Now().Add(e.timeout))

	if _, err := e.conn.Write(append(data, '\n')); err != nil {
		e.connected = false
		return nil, err
	}

	response, err := e.readResponseLocked(id)
	if err != nil {
		return nil, err
	}
	if response.Error != nil {
		return nil, fmt.Errorf("electrum error %d: %s", response.Error.Code, response.Error.Message)
	}

	return response.Result, nil
}

// readResponseLocked reads frames until the reply carrying the expected id
// arrives. Subscribed servers push notification frames (headers.subscribe)
// at any time; those carry a method and no id we issued, and are dropped.
func (e *ElectrumClient) readResponseLocked(id uint64) (*electrumResponse, error) {
	for {
		line, err := e.reader.ReadBytes('\n')
		if err != nil {
			e.connected = false
			return nil, err
		}

		var response electrumResponse
		if err := json.Unmarshal(line, &response); err != nil {
			return nil, err
		}
		if response.Method != "" || response.ID != id {
			continue
		}
		return &response, nil
	}
}

// callBatch sends one JSON-RPC batch frame: a single write of an array of
// requests answered by an array of responses in arbitrary order. Per-item
// errors become nil entries; the caller decides whether to re-fetch.
func (e *ElectrumClient) callBatch(method string, paramsList [][]interface{}) ([]interface{}, error) {
	if len(paramsList) == 0 {
		return nil, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		return nil, ErrNotConnected
	}

	requests := make([]map[string]interface{}, len(paramsList))
	idToIndex := make(map[uint64]int, len(paramsList))
	for i, params := range paramsList {
		id := e.requestID.Add(1)
		idToIndex[id] = i
		requests[i] = map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      id,
			"method":  method,
			"params":  params,
		}
	}

	data, err := json.Marshal(requests)
	if err != nil {
		return nil, err
	}

	e.conn.SetDeadline(time.Now().Add(e.timeout))

	if _, err := e.conn.Write(append(data, '\n')); err != nil {
		e.connected = false
		return nil, err
	}

	responses, err := e.readBatchLocked()
	if err != nil {
		return nil, err
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

// readBatchLocked reads frames until the batch response array arrives,
// dropping interleaved subscription notifications.
func (e *ElectrumClient) readBatchLocked() ([]electrumResponse, error) {
	for {
		line, err := e.reader.ReadBytes('\n')
		if err != nil {
			e.connected = false
			return nil, err
		}

		trimmed := bytes.TrimLeft(line, " \t\r\n")
		if len(trimmed) == 0 {
			continue
		}
		if trimmed[0] != '[' {
			var note electrumResponse
			if json.Unmarshal(line, &note) == nil && note.Method != "" {
				continue
			}
			return nil, fmt.Errorf("unexpected batch response frame")
		}

		var responses []electrumResponse
		if err := json.Unmarshal(line, &responses); err != nil {
			return nil, fmt.Errorf("unexpected batch response: %w", err)
		}
		return responses, nil
	}
}

type electrumResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      uint64      `json:"id"`
	Method  string      `json:"method"`
	Result  interface{} `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// scriptHash converts an address to Electrum's script-hash identifier:
// SHA-256 of the scriptPubKey, byte-reversed, hex encoded.
func (e *ElectrumClient) scriptHash(address string) (string, error) {
	params := e.network.Params()

	decoded, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return "", fmt.Errorf("failed to decode address %s: %w", address, err)
	}

	script, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return "", fmt.Errorf("failed to build scriptPubKey: %w", err)
	}

	hash := sha256.Sum256(script)
	return hex.EncodeToString(helpers.ReverseBytes(hash[:])), nil
}

func decodeHistory(result interface{}) ([]HistoryItem, error) {
	list, ok := result.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected history response format")
	}

	history := make([]HistoryItem, 0, len(list))
	for _, item := range list {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		txid, _ := entry["tx_hash"].(string)
		if txid == "" {
			continue
		}
		height := int64(0)
		if h, ok := entry["height"].(float64); ok {
			height = int64(h)
		}
		history = append(history, HistoryItem{Txid: txid, Height: height})
	}
	return history, nil
}

func decodeUnspent(result interface{}) ([]UTXO, error) {
	list, ok := result.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected listunspent response format")
	}

	utxos := make([]UTXO, 0, len(list))
	for _, item := range list {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		txid, _ := entry["tx_hash"].(string)
		if txid == "" {
			continue
		}
		utxo := UTXO{Txid: txid}
		if v, ok := entry["tx_pos"].(float64); ok {
			utxo.Vout = uint32(v)
		}
		if v, ok := entry["value"].(float64); ok {
			utxo.Value = int64(v)
		}
		if v, ok := entry["height"].(float64); ok {
			utxo.Height = int64(v)
		}
		utxos = append(utxos, utxo)
	}
	return utxos, nil
}

// Ensure ElectrumClient implements Client
var _ Client = (*ElectrumClient)(nil)
