package node

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nekoguntai/sanctuary/internal/chain"
)

// timestampCacheSize bounds the header timestamp cache. Block timestamps
// are immutable, so entries never need invalidation, only eviction.
const timestampCacheSize = 1000

type heightKey struct {
	network chain.Network
	height  int64
}

// Heights caches the chain tip per network and block header timestamps.
// Tips only ever move forward: a fetch that reports a lower height than a
// previous one is treated as a transient node glitch and ignored.
type Heights struct {
	pool       *Pool
	mu         sync.RWMutex
	tips       map[chain.Network]int64
	timestamps *lru.Cache[heightKey, time.Time]
}

// NewHeights creates the height service backed by a node pool.
func NewHeights(pool *Pool) *Heights {
	cache, _ := lru.New[heightKey, time.Time](timestampCacheSize)
	return &Heights{
		pool:       pool,
		tips:       make(map[chain.Network]int64),
		timestamps: cache,
	}
}

// Tip returns the current tip height for a network. When the node is
// unreachable the last known value is served instead, so callers keep a
// usable height across transient outages.
func (h *Heights) Tip(ctx context.Context, network chain.Network) (int64, error) {
	client, err := h.pool.Get(ctx, network)
	if err != nil {
		return h.cachedTip(network, err)
	}

	height, err := client.BlockHeight(ctx)
	if err != nil {
		return h.cachedTip(network, err)
	}

	h.mu.Lock()
	if height > h.tips[network] {
		h.tips[network] = height
	} else {
		height = h.tips[network]
	}
	h.mu.Unlock()

	return height, nil
}

func (h *Heights) cachedTip(network chain.Network, cause error) (int64, error) {
	h.mu.RLock()
	tip, ok := h.tips[network]
	h.mu.RUnlock()
	if ok && tip > 0 {
		return tip, nil
	}
	return 0, fmt.Errorf("block height unavailable for %s: %w", network, cause)
}

// CachedTip returns the last known tip without touching the node.
func (h *Heights) CachedTip(network chain.Network) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.tips[network]
}

// BlockTime returns the timestamp of the block at height, consulting the
// LRU cache before fetching the raw header from the node.
func (h *Heights) BlockTime(ctx context.Context, network chain.Network, height int64) (time.Time, error) {
	key := heightKey{network: network, height: height}
	if ts, ok := h.timestamps.Get(key); ok {
		return ts, nil
	}

	client, err := h.pool.Get(ctx, network)
	if err != nil {
		return time.Time{}, err
	}

	headerHex, err := client.BlockHeader(ctx, height)
	if err != nil {
		return time.Time{}, err
	}

	ts, err := ParseHeaderTimestamp(headerHex)
	if err != nil {
		return time.Time{}, err
	}

	h.timestamps.Add(key, ts)
	return ts, nil
}

// ParseHeaderTimestamp extracts the timestamp from a hex-encoded 80-byte
// block header. The field sits at byte offset 68, little endian.
func ParseHeaderTimestamp(headerHex string) (time.Time, error) {
	raw, err := hex.DecodeString(headerHex)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid block header hex: %w", err)
	}
	if len(raw) < 72 {
		return time.Time{}, fmt.Errorf("block header too short: %d bytes", len(raw))
	}
	ts := binary.LittleEndian.Uint32(raw[68:72])
	return time.Unix(int64(ts), 0).UTC(), nil
}
