package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nekoguntai/sanctuary/internal/node"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Sync.AddressGapLimit != 20 {
		t.Errorf("gap limit = %d, want 20", cfg.Sync.AddressGapLimit)
	}
	if cfg.Sync.HistoryBatchSize != 10 {
		t.Errorf("history batch = %d, want 10", cfg.Sync.HistoryBatchSize)
	}
	if cfg.Sync.TxBatchSize != 25 {
		t.Errorf("tx batch = %d, want 25", cfg.Sync.TxBatchSize)
	}
	if cfg.Sync.BackfillTxBatchSize != 5 {
		t.Errorf("backfill batch = %d, want 5", cfg.Sync.BackfillTxBatchSize)
	}
	if cfg.Sync.DeepConfirmationThreshold != 100 {
		t.Errorf("deep threshold = %d, want 100", cfg.Sync.DeepConfirmationThreshold)
	}
	if cfg.Sync.TransactionBatchSize != 500 {
		t.Errorf("transaction batch = %d, want 500", cfg.Sync.TransactionBatchSize)
	}
	if cfg.RequestTimeout != 30*time.Second {
		t.Errorf("request timeout = %v", cfg.RequestTimeout)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("log level = %s", cfg.Logging.Level)
	}
}

func TestLoadCreatesDefault(t *testing.T) {
	tmpDir := t.TempDir()

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if _, err := os.Stat(filepath.Join(tmpDir, ConfigFileName)); os.IsNotExist(err) {
		t.Error("config file was not created")
	}
	if cfg.Storage.DataDir != tmpDir {
		t.Errorf("data dir = %s, want %s", cfg.Storage.DataDir, tmpDir)
	}
}

func TestLoadReadsExisting(t *testing.T) {
	tmpDir := t.TempDir()

	custom := `
nodes:
  regtest:
    type: core
    host: 127.0.0.1
    port: 18443
    user: rpcuser
    password: rpcpass
sync:
  address_gap_limit: 5
logging:
  level: debug
`
	if err := os.WriteFile(filepath.Join(tmpDir, ConfigFileName), []byte(custom), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Sync.AddressGapLimit != 5 {
		t.Errorf("gap limit = %d, want 5", cfg.Sync.AddressGapLimit)
	}
	// Unset keys keep defaults.
	if cfg.Sync.HistoryBatchSize != 10 {
		t.Errorf("history batch = %d, want default 10", cfg.Sync.HistoryBatchSize)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %s", cfg.Logging.Level)
	}

	nc, ok := cfg.Nodes["regtest"]
	if !ok {
		t.Fatal("regtest node missing")
	}
	if nc.URL() != "http://127.0.0.1:18443" {
		t.Errorf("url = %s", nc.URL())
	}
	if nc.Address() != "127.0.0.1:18443" {
		t.Errorf("address = %s", nc.Address())
	}
}

func TestBuildPool(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Nodes["regtest"] = &NodeConfig{Type: string(node.TypeCore), Host: "localhost", Port: 18443}

	pool, err := cfg.BuildPool()
	if err != nil {
		t.Fatalf("BuildPool: %v", err)
	}
	if len(pool.Networks()) != 2 {
		t.Errorf("networks = %d, want 2", len(pool.Networks()))
	}

	cfg.Nodes["regtest"].Type = "carrier-pigeon"
	if _, err := cfg.BuildPool(); err == nil {
		t.Error("expected error for unknown node type")
	}

	cfg.Nodes["regtest"].Type = string(node.TypeCore)
	cfg.Nodes["litecoin"] = &NodeConfig{Type: string(node.TypeCore)}
	if _, err := cfg.BuildPool(); err == nil {
		t.Error("expected error for unknown network")
	}
}
