package node

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/nekoguntai/sanctuary/internal/chain"
)

func TestNormalizeTxAmounts(t *testing.T) {
	raw := map[string]interface{}{
		"txid":          "abc123",
		"confirmations": float64(6),
		"blocktime":     float64(1700000000),
		"fee":           float64(-0.00001), // Core wallet style negative delta
		"vout": []interface{}{
			map[string]interface{}{
				"n":     float64(0),
				"value": float64(0.002), // BTC decimal
				"scriptPubKey": map[string]interface{}{
					"address": "bc1qexample",
					"hex":     "0014abcd",
				},
			},
			map[string]interface{}{
				"n":     float64(1),
				"value": float64(2_000_000), // already satoshis
				"scriptPubKey": map[string]interface{}{
					"addresses": []interface{}{"1Legacy"},
				},
			},
		},
	}

	tx := normalizeTx("abc123", raw)

	if tx.Fee != 1000 {
		t.Errorf("fee = %d, want 1000", tx.Fee)
	}
	if tx.Confirmations != 6 {
		t.Errorf("confirmations = %d, want 6", tx.Confirmations)
	}
	if tx.BlockTime != 1700000000 {
		t.Errorf("blocktime = %d", tx.BlockTime)
	}
	if len(tx.Vout) != 2 {
		t.Fatalf("vout count = %d, want 2", len(tx.Vout))
	}
	if tx.Vout[0].Value != 200_000 {
		t.Errorf("vout[0].Value = %d, want 200000", tx.Vout[0].Value)
	}
	if tx.Vout[0].Address != "bc1qexample" {
		t.Errorf("vout[0].Address = %s", tx.Vout[0].Address)
	}
	if tx.Vout[1].Value != 2_000_000 {
		t.Errorf("vout[1].Value = %d, want 2000000", tx.Vout[1].Value)
	}
	if tx.Vout[1].Address != "1Legacy" {
		t.Errorf("vout[1].Address = %s, want 1Legacy", tx.Vout[1].Address)
	}
}

func TestNormalizeTxMissingFee(t *testing.T) {
	tx := normalizeTx("def456", map[string]interface{}{
		"txid": "def456",
	})
	if tx.Fee != FeeUnknown {
		t.Errorf("fee = %d, want FeeUnknown", tx.Fee)
	}
}

func TestNormalizeTxCoinbase(t *testing.T) {
	tx := normalizeTx("cb", map[string]interface{}{
		"vin": []interface{}{
			map[string]interface{}{"coinbase": "04ffff001d"},
		},
	})
	if len(tx.Vin) != 1 || !tx.Vin[0].Coinbase {
		t.Error("coinbase input not detected")
	}
}

func TestNormalizeTxPrevout(t *testing.T) {
	tx := normalizeTx("p", map[string]interface{}{
		"vin": []interface{}{
			map[string]interface{}{
				"txid": "parent",
				"vout": float64(1),
				"prevout": map[string]interface{}{
					"value": float64(0.5),
					"scriptPubKey": map[string]interface{}{
						"address": "bc1qprev",
					},
				},
			},
		},
	})
	if len(tx.Vin) != 1 || tx.Vin[0].Prevout == nil {
		t.Fatal("prevout not decoded")
	}
	if tx.Vin[0].Prevout.Value != 50_000_000 {
		t.Errorf("prevout value = %d, want 50000000", tx.Vin[0].Prevout.Value)
	}
	if tx.Vin[0].Prevout.Address != "bc1qprev" {
		t.Errorf("prevout address = %s", tx.Vin[0].Prevout.Address)
	}
}

func TestParseHeaderTimestamp(t *testing.T) {
	header := make([]byte, 80)
	binary.LittleEndian.PutUint32(header[68:72], 1231006505) // genesis
	ts, err := ParseHeaderTimestamp(hex.EncodeToString(header))
	if err != nil {
		t.Fatalf("ParseHeaderTimestamp: %v", err)
	}
	if ts.Unix() != 1231006505 {
		t.Errorf("timestamp = %d, want 1231006505", ts.Unix())
	}

	if _, err := ParseHeaderTimestamp("deadbeef"); err == nil {
		t.Error("expected error for short header")
	}
	if _, err := ParseHeaderTimestamp("zz"); err == nil {
		t.Error("expected error for invalid hex")
	}
}

func TestAddressFromDescriptor(t *testing.T) {
	tests := []struct {
		desc string
		want string
	}{
		{"addr(bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4)#checksum", "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"},
		{"addr(1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa)", "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"},
		{"wpkh([fp/84h/0h/0h]xpub...)", ""},
		{"", ""},
	}
	for _, tc := range tests {
		if got := addressFromDescriptor(tc.desc); got != tc.want {
			t.Errorf("addressFromDescriptor(%q) = %q, want %q", tc.desc, got, tc.want)
		}
	}
}

func TestElectrumScriptHash(t *testing.T) {
	// Electrum protocol docs example: the genesis coinbase P2PK equivalent
	// address hashes to a known value for mainnet P2PKH.
	client := NewElectrumClient(nil, false, chain.Mainnet, 0)

	got, err := client.scriptHash("1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa")
	if err != nil {
		t.Fatalf("scriptHash: %v", err)
	}
	if len(got) != 64 {
		t.Errorf("scripthash length = %d, want 64", len(got))
	}

	if _, err := client.scriptHash("notanaddress"); err == nil {
		t.Error("expected error for invalid address")
	}

	// Testnet client must reject a mainnet address.
	tclient := NewElectrumClient(nil, false, chain.Testnet, 0)
	if _, err := tclient.scriptHash("1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"); err == nil {
		t.Error("expected error for wrong-network address")
	}
}

// TestElectrumSkipsNotifications verifies responses are matched by request
// id. After headers.subscribe the server pushes a notification frame on
// every new block; replies must not be consumed off by one.
func TestElectrumSkipsNotifications(t *testing.T) {
	srv, cli := net.Pipe()
	defer srv.Close()
	defer cli.Close()

	e := NewElectrumClient(nil, false, chain.Mainnet, 2*time.Second)
	e.conn = cli
	e.reader = bufio.NewReader(cli)
	e.connected = true

	raw := make([]byte, 80)
	binary.LittleEndian.PutUint32(raw[68:72], 1600000000)
	headerHex := hex.EncodeToString(raw)

	notification := []byte(`{"jsonrpc":"2.0","method":"blockchain.headers.subscribe","params":[{"height":801001}]}` + "\n")

	go func() {
		r := bufio.NewReader(srv)

		line, err := r.ReadBytes('\n')
		if err != nil {
			return
		}
		var req map[string]interface{}
		if err := json.Unmarshal(line, &req); err != nil {
			return
		}
		srv.Write(notification)
		resp, _ := json.Marshal(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req["id"],
			"result":  headerHex,
		})
		srv.Write(append(resp, '\n'))

		line, err = r.ReadBytes('\n')
		if err != nil {
			return
		}
		var reqs []map[string]interface{}
		if err := json.Unmarshal(line, &reqs); err != nil {
			return
		}
		srv.Write(notification)
		resps := make([]map[string]interface{}, len(reqs))
		for i, rq := range reqs {
			resps[i] = map[string]interface{}{
				"jsonrpc": "2.0",
				"id":      rq["id"],
				"result":  []interface{}{},
			}
		}
		out, _ := json.Marshal(resps)
		srv.Write(append(out, '\n'))
	}()

	got, err := e.BlockHeader(context.Background(), 500)
	if err != nil {
		t.Fatalf("BlockHeader: %v", err)
	}
	if got != headerHex {
		t.Errorf("header = %q, want %q", got, headerHex)
	}

	results, err := e.callBatch("blockchain.scripthash.get_history", [][]interface{}{{"aa"}, {"bb"}})
	if err != nil {
		t.Fatalf("callBatch: %v", err)
	}
	if len(results) != 2 || results[0] == nil || results[1] == nil {
		t.Errorf("batch results = %+v, want two non-nil entries", results)
	}
}

// fakeClient serves canned responses for pool and heights tests.
type fakeClient struct {
	height    int64
	heightErr error
	headers   map[int64]string
	connected bool
}

func (f *fakeClient) Type() Type { return TypeElectrum }
func (f *fakeClient) Connect(ctx context.Context) error {
	f.connected = true
	return nil
}
func (f *fakeClient) Close() error      { f.connected = false; return nil }
func (f *fakeClient) IsConnected() bool { return f.connected }

func (f *fakeClient) BlockHeight(ctx context.Context) (int64, error) {
	return f.height, f.heightErr
}

func (f *fakeClient) BlockHeader(ctx context.Context, height int64) (string, error) {
	h, ok := f.headers[height]
	if !ok {
		return "", ErrTxNotFound
	}
	return h, nil
}

func (f *fakeClient) AddressHistory(ctx context.Context, address string) ([]HistoryItem, error) {
	return nil, nil
}
func (f *fakeClient) AddressHistoryBatch(ctx context.Context, addresses []string) (map[string][]HistoryItem, error) {
	return nil, nil
}
func (f *fakeClient) AddressUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	return nil, nil
}
func (f *fakeClient) AddressUTXOsBatch(ctx context.Context, addresses []string) (map[string][]UTXO, error) {
	return nil, nil
}
func (f *fakeClient) Transaction(ctx context.Context, txid string, verbose bool) (*TxDetail, error) {
	return nil, ErrTxNotFound
}
func (f *fakeClient) TransactionsBatch(ctx context.Context, txids []string) (map[string]*TxDetail, error) {
	return nil, nil
}
func (f *fakeClient) Broadcast(ctx context.Context, rawHex string) (string, error) {
	return "", ErrUnsupported
}
func (f *fakeClient) EstimateFee(ctx context.Context, blocks int) (float64, error) {
	return 0, ErrUnsupported
}

func TestPoolLazyConnect(t *testing.T) {
	pool := NewPool()
	fake := &fakeClient{height: 100}
	pool.Register(chain.Regtest, fake)

	if fake.connected {
		t.Fatal("client should not connect before first Get")
	}

	client, err := pool.Get(context.Background(), chain.Regtest)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !client.IsConnected() {
		t.Error("client should be connected after Get")
	}

	if _, err := pool.Get(context.Background(), chain.Signet); err == nil {
		t.Error("expected error for unconfigured network")
	}
}

func TestHeightsMonotonic(t *testing.T) {
	pool := NewPool()
	fake := &fakeClient{height: 800_000}
	pool.Register(chain.Mainnet, fake)
	heights := NewHeights(pool)

	ctx := context.Background()

	tip, err := heights.Tip(ctx, chain.Mainnet)
	if err != nil || tip != 800_000 {
		t.Fatalf("Tip = %d, %v; want 800000", tip, err)
	}

	// A lower reading from the node must not move the cached tip backward.
	fake.height = 799_990
	tip, err = heights.Tip(ctx, chain.Mainnet)
	if err != nil || tip != 800_000 {
		t.Errorf("Tip after regression = %d, %v; want 800000", tip, err)
	}

	// Node failure falls back to the cached tip.
	fake.heightErr = ErrNotConnected
	tip, err = heights.Tip(ctx, chain.Mainnet)
	if err != nil || tip != 800_000 {
		t.Errorf("Tip during outage = %d, %v; want 800000", tip, err)
	}
}

func TestHeightsTipUnavailable(t *testing.T) {
	pool := NewPool()
	pool.Register(chain.Testnet, &fakeClient{heightErr: ErrNotConnected})
	heights := NewHeights(pool)

	if _, err := heights.Tip(context.Background(), chain.Testnet); err == nil {
		t.Error("expected error with no cached tip")
	}
}

func TestHeightsBlockTimeCached(t *testing.T) {
	header := make([]byte, 80)
	binary.LittleEndian.PutUint32(header[68:72], 1600000000)

	pool := NewPool()
	fake := &fakeClient{headers: map[int64]string{500: hex.EncodeToString(header)}}
	pool.Register(chain.Mainnet, fake)
	heights := NewHeights(pool)

	ctx := context.Background()

	ts, err := heights.BlockTime(ctx, chain.Mainnet, 500)
	if err != nil {
		t.Fatalf("BlockTime: %v", err)
	}
	if ts.Unix() != 1600000000 {
		t.Errorf("timestamp = %d, want 1600000000", ts.Unix())
	}

	// Second call must be served from cache even when the node forgets.
	fake.headers = nil
	ts, err = heights.BlockTime(ctx, chain.Mainnet, 500)
	if err != nil || ts.Unix() != 1600000000 {
		t.Errorf("cached BlockTime = %v, %v", ts, err)
	}

	if _, err := heights.BlockTime(ctx, chain.Mainnet, 501); err == nil {
		t.Error("expected error for unknown header")
	}
}

func TestHeightsTimestampEviction(t *testing.T) {
	headers := make(map[int64]string, timestampCacheSize+1)
	for h := int64(1); h <= timestampCacheSize+1; h++ {
		raw := make([]byte, 80)
		binary.LittleEndian.PutUint32(raw[68:72], uint32(1600000000+h))
		headers[h] = hex.EncodeToString(raw)
	}

	pool := NewPool()
	fake := &fakeClient{headers: headers}
	pool.Register(chain.Mainnet, fake)
	heights := NewHeights(pool)

	ctx := context.Background()
	for h := int64(1); h <= timestampCacheSize+1; h++ {
		if _, err := heights.BlockTime(ctx, chain.Mainnet, h); err != nil {
			t.Fatalf("BlockTime(%d): %v", h, err)
		}
	}

	if got := heights.timestamps.Len(); got != timestampCacheSize {
		t.Errorf("cache size = %d, want %d", got, timestampCacheSize)
	}
	// The oldest entry was evicted to make room for the newest.
	if _, ok := heights.timestamps.Get(heightKey{network: chain.Mainnet, height: 1}); ok {
		t.Error("height 1 should have been evicted")
	}
	if _, ok := heights.timestamps.Get(heightKey{network: chain.Mainnet, height: timestampCacheSize + 1}); !ok {
		t.Error("newest height missing from cache")
	}
}
