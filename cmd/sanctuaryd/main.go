// Package main provides the sanctuaryd daemon - a watch-only Bitcoin wallet server.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	stdsync "sync"
	"syscall"
	"time"

	"github.com/nekoguntai/sanctuary/internal/config"
	"github.com/nekoguntai/sanctuary/internal/node"
	"github.com/nekoguntai/sanctuary/internal/notify"
	"github.com/nekoguntai/sanctuary/internal/storage"
	"github.com/nekoguntai/sanctuary/internal/sync"
	"github.com/nekoguntai/sanctuary/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	// Parse flags
	var (
		dataDir     = flag.String("data-dir", "~/.sanctuary", "Data directory")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		syncOnce    = flag.Bool("sync-once", false, "Run one full sync across all wallets and exit")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("sanctuaryd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	// Load or create config file
	cfg, err := config.Load(*dataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	cfg.Storage.DataDir = *dataDir

	// Update logging with config level
	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	store, err := storage.New(&storage.Config{DataDir: cfg.Storage.DataDir})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", expandPath(cfg.Storage.DataDir))

	// Build the node pool from the configured endpoints
	pool, err := cfg.BuildPool()
	if err != nil {
		log.Fatal("Failed to build node pool", "error", err)
	}
	defer pool.Close()
	heights := node.NewHeights(pool)

	// Event fan-out for new transactions
	sink := notify.NewLogSink(log.Component("events"))
	notifier := notify.NewBroadcaster(sink, cfg.Notify.Buffer, log.Component("notify"))
	defer notifier.Close()

	runner := sync.NewRunner(store, pool, heights, notifier, cfg.Sync, log.Component("sync"))

	printBanner(log, cfg)

	if *syncOnce {
		syncAllWallets(ctx, log, store, runner, nil)
		log.Info("Goodbye!")
		return
	}

	// Quick sync cadence: cheap polling for new activity
	go runLoop(ctx, cfg.Sync.QuickInterval, func() {
		syncAllWallets(ctx, log, store, runner, &sync.Options{Phases: sync.QuickPhases})
	})

	// Full sync cadence: the complete pipeline including RBF cleanup,
	// gap-limit expansion and consolidation correction
	go runLoop(ctx, cfg.Sync.FullInterval, func() {
		syncAllWallets(ctx, log, store, runner, nil)
	})

	// Confirmation maintenance and field backfill
	go runLoop(ctx, cfg.Sync.ConfirmationInterval, func() {
		forEachWallet(ctx, log, store, func(walletID string) {
			if _, err := runner.UpdateTransactionConfirmations(ctx, walletID); err != nil {
				log.Warn("Confirmation update failed", "wallet", walletID, "error", err)
			}
			if _, err := runner.PopulateMissingTransactionFields(ctx, walletID); err != nil {
				log.Warn("Field backfill failed", "wallet", walletID, "error", err)
			}
		})
	})

	// Run an initial full sync right away
	go syncAllWallets(ctx, log, store, runner, nil)

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")
	cancel()
	log.Info("Goodbye!")
}

// runLoop invokes fn on every tick until the context ends.
func runLoop(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// syncAllWallets runs the pipeline for every wallet. Wallets sync in
// parallel; the runner serializes runs per wallet.
func syncAllWallets(ctx context.Context, log *logging.Logger, store *storage.Storage, runner *sync.Runner, opts *sync.Options) {
	forEachWallet(ctx, log, store, func(walletID string) {
		if _, err := runner.Sync(ctx, walletID, opts); err != nil {
			log.Warn("Sync failed", "wallet", walletID, "error", err)
		}
	})
}

func forEachWallet(ctx context.Context, log *logging.Logger, store *storage.Storage, fn func(walletID string)) {
	wallets, err := store.ListWallets()
	if err != nil {
		log.Error("Failed to list wallets", "error", err)
		return
	}

	var wg stdsync.WaitGroup
	for _, w := range wallets {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			fn(id)
		}(w.ID)
	}
	wg.Wait()
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func printBanner(log *logging.Logger, cfg *config.Config) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  Sanctuary Wallet Server")
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	for name, nc := range cfg.Nodes {
		log.Infof("  Node: %s -> %s (%s)", name, nc.Address(), nc.Type)
	}
	log.Info("")
	log.Infof("  Quick sync: every %s", cfg.Sync.QuickInterval)
	log.Infof("  Full sync:  every %s", cfg.Sync.FullInterval)
	log.Infof("  Data dir:   %s", expandPath(cfg.Storage.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
