package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/nekoguntai/sanctuary/internal/chain"
)

// Pool hands out one shared node client per network, connecting lazily on
// first use. Clients are registered at startup from configuration.
type Pool struct {
	mu      sync.RWMutex
	clients map[chain.Network]Client
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{clients: make(map[chain.Network]Client)}
}

// Register installs the client serving a network, replacing any previous
// one. The replaced client is closed.
func (p *Pool) Register(network chain.Network, client Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.clients[network]; ok {
		old.Close()
	}
	p.clients[network] = client
}

// Get returns a connected client for the network.
func (p *Pool) Get(ctx context.Context, network chain.Network) (Client, error) {
	p.mu.RLock()
	client, ok := p.clients[network]
	p.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("no node configured for network %s", network)
	}

	if !client.IsConnected() {
		if err := client.Connect(ctx); err != nil {
			return nil, err
		}
	}
	return client, nil
}

// Networks lists the networks with a registered client.
func (p *Pool) Networks() []chain.Network {
	p.mu.RLock()
	defer p.mu.RUnlock()
	networks := make([]chain.Network, 0, len(p.clients))
	for n := range p.clients {
		networks = append(networks, n)
	}
	return networks
}

// Close closes every registered client.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, client := range p.clients {
		client.Close()
	}
}
