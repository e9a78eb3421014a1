// Package config loads the server configuration from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nekoguntai/sanctuary/internal/chain"
	"github.com/nekoguntai/sanctuary/internal/node"
)

// NodeConfig describes one node endpoint.
type NodeConfig struct {
	// Type is "electrum" or "core".
	Type string `yaml:"type"`

	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// SSL enables TLS for Electrum connections.
	SSL bool `yaml:"ssl"`

	// Basic auth credentials for Bitcoin Core RPC.
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Address returns the host:port endpoint.
func (n *NodeConfig) Address() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// URL returns the HTTP endpoint for Core RPC.
func (n *NodeConfig) URL() string {
	scheme := "http"
	if n.SSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, n.Host, n.Port)
}

// SyncConfig holds pipeline tuning knobs.
type SyncConfig struct {
	// AddressGapLimit is the BIP-44 gap limit per chain.
	AddressGapLimit int `yaml:"address_gap_limit"`

	// HistoryBatchSize is the chunk width for address history and UTXO
	// queries.
	HistoryBatchSize int `yaml:"history_batch_size"`

	// TxBatchSize is the chunk width for transaction detail fetches in the
	// main pipeline.
	TxBatchSize int `yaml:"tx_batch_size"`

	// BackfillTxBatchSize is the chunk width used by the field backfiller.
	BackfillTxBatchSize int `yaml:"backfill_tx_batch_size"`

	// DeepConfirmationThreshold stops confirmation maintenance for rows at
	// or above this depth.
	DeepConfirmationThreshold int64 `yaml:"deep_confirmation_threshold"`

	// TransactionBatchSize is the chunked store transaction width used by
	// balance recomputation.
	TransactionBatchSize int `yaml:"transaction_batch_size"`

	// QuickInterval is the polling cadence for the quick pipeline.
	QuickInterval time.Duration `yaml:"quick_interval"`

	// FullInterval is the cadence for the full pipeline.
	FullInterval time.Duration `yaml:"full_interval"`

	// ConfirmationInterval is the cadence of the confirmation updater.
	ConfirmationInterval time.Duration `yaml:"confirmation_interval"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`
}

// NotifyConfig holds notification settings.
type NotifyConfig struct {
	// Buffer is the queued event capacity before drops.
	Buffer int `yaml:"buffer"`
}

// Config holds all configuration for the wallet server.
type Config struct {
	// Nodes maps network name to its node endpoint.
	Nodes map[string]*NodeConfig `yaml:"nodes"`

	// RequestTimeout bounds every outbound node request.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	Sync    SyncConfig    `yaml:"sync"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	Notify  NotifyConfig  `yaml:"notify"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Nodes: map[string]*NodeConfig{
			string(chain.Mainnet): {
				Type: string(node.TypeElectrum),
				Host: "electrum.blockstream.info",
				Port: 50002,
				SSL:  true,
			},
		},
		RequestTimeout: 30 * time.Second,
		Sync: SyncConfig{
			AddressGapLimit:           20,
			HistoryBatchSize:          10,
			TxBatchSize:               25,
			BackfillTxBatchSize:       5,
			DeepConfirmationThreshold: 100,
			TransactionBatchSize:      500,
			QuickInterval:             time.Minute,
			FullInterval:              15 * time.Minute,
			ConfirmationInterval:      5 * time.Minute,
		},
		Storage: StorageConfig{
			DataDir: "~/.sanctuary",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Notify: NotifyConfig{
			Buffer: 64,
		},
	}
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// Load loads configuration from a YAML file in dataDir, creating a default
// one when missing.
func Load(dataDir string) (*Config, error) {
	expandedDir := expandPath(dataDir)
	configPath := filepath.Join(expandedDir, ConfigFileName)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0600)
}

// BuildPool constructs the per-network node pool from the configured
// endpoints. Unknown networks and types are rejected.
func (c *Config) BuildPool() (*node.Pool, error) {
	pool := node.NewPool()
	for name, nc := range c.Nodes {
		network, err := chain.ParseNetwork(name)
		if err != nil {
			return nil, err
		}
		switch node.Type(nc.Type) {
		case node.TypeElectrum:
			pool.Register(network, node.NewElectrumClient(
				[]string{nc.Address()}, nc.SSL, network, c.RequestTimeout))
		case node.TypeCore:
			pool.Register(network, node.NewCoreClient(
				nc.URL(), nc.User, nc.Password, network, c.RequestTimeout))
		default:
			return nil, fmt.Errorf("unknown node type %q for network %s", nc.Type, name)
		}
	}
	return pool, nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
