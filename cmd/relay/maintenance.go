package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/tradescout/relay/internal/chain"
	"github.com/tradescout/relay/internal/config"
	"github.com/tradescout/relay/internal/hyperliquid"
	"github.com/tradescout/relay/internal/metrics"
	"github.com/tradescout/relay/internal/ring"
	"github.com/tradescout/relay/internal/store"
	"github.com/tradescout/relay/internal/tracker"
)

// maintenance is the minimal component set for offline chain commands: no
// websocket, no bus, no HTTP.
type maintenance struct {
	db      *store.Manager
	checker *chain.Checker
}

type noAddresses struct{}

func (noAddresses) Addresses() []string { return nil }

func withMaintenance(ctx context.Context, args []string, fn func(context.Context, *maintenance, string, string) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	address, ok := config.NormalizeAddress(args[0])
	if !ok {
		return fmt.Errorf("invalid address %q", args[0])
	}
	asset := strings.ToUpper(strings.TrimSpace(args[1]))
	if !cfg.AssetAllowed(asset) {
		return fmt.Errorf("asset %q is not in the configured universe %v", asset, cfg.Assets)
	}

	dbCfg := store.DefaultConfig()
	dbCfg.DSN = cfg.PostgresDSN
	db, err := store.NewManager(dbCfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer db.Close()
	if !db.IsEnabled() {
		return fmt.Errorf("PG_DSN is required for chain maintenance")
	}

	reg := metrics.NewRegistry()
	client := hyperliquid.NewClient(cfg.HLAPIURL)
	ingest := tracker.New(tracker.Config{Assets: cfg.Assets},
		nil, client, db.Fills(), ring.New(1), reg, nil)

	m := &maintenance{
		db: db,
		checker: chain.NewChecker(chain.Config{Assets: cfg.Assets},
			db.Fills(), client, ingest, noAddresses{}, reg),
	}
	return fn(ctx, m, address, asset)
}
