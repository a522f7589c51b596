// Package chain validates stored position chains and repairs broken ones by
// re-ingesting exchange history.
package chain

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tradescout/relay/internal/hyperliquid"
	"github.com/tradescout/relay/internal/metrics"
	"github.com/tradescout/relay/internal/store"
)

// Store is the persistence slice the checker needs.
type Store interface {
	ValidatePositionChain(ctx context.Context, address, asset string) (store.ChainReport, error)
	ClearFills(ctx context.Context, address, asset string) (int64, error)
}

// History fetches exchange fill history for a repair backfill.
type History interface {
	FetchUserFills(ctx context.Context, address string, q hyperliquid.FillQuery) ([]hyperliquid.Fill, error)
}

// Ingestor writes historical fills through the normal classify-and-insert
// path, bypassing the ring and the bus.
type Ingestor interface {
	IngestBackfill(ctx context.Context, address string, fills []hyperliquid.Fill) (int, error)
}

// AddressSource yields the current watchlist.
type AddressSource interface {
	Addresses() []string
}

// Config tunes the checker loop.
type Config struct {
	Assets     []string
	Interval   time.Duration
	AutoRepair bool
}

// RepairResult summarizes one (address, asset) repair.
type RepairResult struct {
	Address  string            `json:"address"`
	Asset    string            `json:"asset"`
	Cleared  int64             `json:"cleared"`
	Ingested int               `json:"ingested"`
	Report   store.ChainReport `json:"report"`
}

// Checker runs chain validation on a schedule and on demand.
type Checker struct {
	cfg       Config
	store     Store
	client    History
	ingest    Ingestor
	addresses AddressSource
	reg       *metrics.Registry

	running atomic.Bool
}

// NewChecker creates a chain checker.
func NewChecker(cfg Config, st Store, client History, ingest Ingestor, addresses AddressSource, reg *metrics.Registry) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &Checker{cfg: cfg, store: st, client: client, ingest: ingest, addresses: addresses, reg: reg}
}

// ErrNoStore is returned when chain operations run without persistence.
var ErrNoStore = errors.New("chain operations require persistence")

// Validate walks one stored chain.
func (c *Checker) Validate(ctx context.Context, address, asset string) (store.ChainReport, error) {
	if c.store == nil {
		return store.ChainReport{}, ErrNoStore
	}
	report, err := c.store.ValidatePositionChain(ctx, address, asset)
	if err != nil {
		return store.ChainReport{}, err
	}
	if !report.Valid {
		c.reg.ChainGapsFound.Add(float64(len(report.Gaps)))
		log.Warn().Str("address", address).Str("asset", asset).
			Int("gaps", len(report.Gaps)).Int("fills", report.Count).
			Msg("Position chain has gaps")
	}
	return report, nil
}

// Repair rebuilds one (address, asset) chain: clear stored fills, re-fetch
// the full exchange history, re-ingest it through the normal insert path,
// then re-validate. The result reports the post-repair chain state.
func (c *Checker) Repair(ctx context.Context, address, asset string) (RepairResult, error) {
	result := RepairResult{Address: address, Asset: asset}
	if c.store == nil {
		return result, ErrNoStore
	}

	fills, err := c.client.FetchUserFills(ctx, address, hyperliquid.FillQuery{
		Symbols:         []string{asset},
		AggregateByTime: true,
	})
	if err != nil {
		c.reg.ChainRepairFails.Inc()
		return result, fmt.Errorf("failed to fetch repair history: %w", err)
	}

	cleared, err := c.store.ClearFills(ctx, address, asset)
	if err != nil {
		c.reg.ChainRepairFails.Inc()
		return result, fmt.Errorf("failed to clear chain: %w", err)
	}
	result.Cleared = cleared

	ingested, err := c.ingest.IngestBackfill(ctx, address, fills)
	result.Ingested = ingested
	if err != nil {
		c.reg.ChainRepairFails.Inc()
		return result, fmt.Errorf("failed to re-ingest history: %w", err)
	}

	report, err := c.store.ValidatePositionChain(ctx, address, asset)
	if err != nil {
		return result, err
	}
	result.Report = report
	c.reg.ChainRepairs.Inc()

	log.Info().Str("address", address).Str("asset", asset).
		Int64("cleared", cleared).Int("ingested", ingested).Bool("valid", report.Valid).
		Msg("Chain repaired")
	return result, nil
}

// RepairAll repairs every (watchlist address, tracked asset) pair whose chain
// is broken. Pairs failing repair are reported but do not stop the sweep.
func (c *Checker) RepairAll(ctx context.Context) ([]RepairResult, error) {
	var results []RepairResult
	var firstErr error
	for _, address := range c.addresses.Addresses() {
		for _, asset := range c.cfg.Assets {
			report, err := c.Validate(ctx, address, asset)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if report.Valid {
				continue
			}
			res, err := c.Repair(ctx, address, asset)
			if err != nil {
				log.Error().Err(err).Str("address", address).Str("asset", asset).Msg("Chain repair failed")
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			results = append(results, res)
		}
	}
	return results, firstErr
}

// sweep is one scheduled validation pass. Overlapping passes are skipped.
func (c *Checker) sweep(ctx context.Context) {
	if !c.running.CompareAndSwap(false, true) {
		log.Debug().Msg("Chain sweep still running, skipping tick")
		return
	}
	defer c.running.Store(false)

	for _, address := range c.addresses.Addresses() {
		for _, asset := range c.cfg.Assets {
			report, err := c.Validate(ctx, address, asset)
			if err != nil {
				log.Warn().Err(err).Str("address", address).Str("asset", asset).Msg("Chain validation failed")
				continue
			}
			if report.Valid || !c.cfg.AutoRepair {
				continue
			}
			if _, err := c.Repair(ctx, address, asset); err != nil {
				log.Error().Err(err).Str("address", address).Str("asset", asset).Msg("Auto-repair failed")
			}
		}
	}
}

// Run drives scheduled validation until ctx ends.
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}
