// Package watchlist recomputes the tracked address universe from the scout
// leaderboard plus pinned accounts and reconciles the tracker against it.
package watchlist

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/tradescout/relay/internal/config"
	"github.com/tradescout/relay/internal/metrics"
)

// lastGoodKey caches the most recent successfully fetched leaderboard so the
// relay can boot while the scout is down.
const lastGoodKey = "relay:watchlist:lastgood"

const lastGoodTTL = 7 * 24 * time.Hour

// Source yields the current leaderboard addresses.
type Source interface {
	TopAddresses(ctx context.Context, period string, limit int) ([]string, error)
}

// ApplyFunc pushes a recomputed watchlist into the tracker.
type ApplyFunc func(ctx context.Context, addresses []string) error

// Config tunes the orchestrator.
type Config struct {
	Period   string
	Limit    int
	Pinned   []string
	Interval time.Duration
}

// Manager owns the watchlist reconcile loop. A failed recompute keeps the
// previous list; subscriptions only change on a successful cycle.
type Manager struct {
	cfg   Config
	scout Source
	cache *redis.Client // nil disables the last-good cache
	reg   *metrics.Registry
	apply ApplyFunc

	mu      sync.Mutex
	current []string
}

// NewManager creates a watchlist orchestrator.
func NewManager(cfg Config, scout Source, cache *redis.Client, reg *metrics.Registry, apply ApplyFunc) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Manager{cfg: cfg, scout: scout, cache: cache, reg: reg, apply: apply}
}

// Current returns the active watchlist.
func (m *Manager) Current() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.current...)
}

// Size returns the active watchlist length.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.current)
}

// Addresses implements the address-source contract used by the chain checker.
func (m *Manager) Addresses() []string {
	return m.Current()
}

// Compute builds the next watchlist: leaderboard top-K (falling back to the
// cached last-good list when the scout is unreachable) unioned with pinned
// accounts, deduplicated preserving first-seen order.
func (m *Manager) Compute(ctx context.Context) ([]string, error) {
	leaders, err := m.scout.TopAddresses(ctx, m.cfg.Period, m.cfg.Limit)
	if err != nil {
		cached, cacheErr := m.loadLastGood(ctx)
		if cacheErr != nil {
			return nil, fmt.Errorf("scout unavailable and no cached leaderboard: %w", err)
		}
		log.Warn().Err(err).Int("cached", len(cached)).Msg("Scout unavailable, using cached leaderboard")
		leaders = cached
	} else {
		m.storeLastGood(ctx, leaders)
	}

	seen := make(map[string]bool)
	var out []string
	add := func(raw string) {
		addr, ok := config.NormalizeAddress(raw)
		if !ok {
			log.Warn().Str("address", raw).Msg("Dropping malformed watchlist address")
			return
		}
		if seen[addr] {
			return
		}
		seen[addr] = true
		out = append(out, addr)
	}
	for _, a := range leaders {
		add(a)
	}
	for _, a := range m.cfg.Pinned {
		add(a)
	}
	return out, nil
}

// Reconcile recomputes the watchlist and applies it. A failed apply can leave
// the tracker holding only part of the new list, so it is retried once right
// away; if the retry also fails the previous list stays current and the next
// cycle re-applies the diff (the tracker rolls back failed additions, so a
// later apply picks them up again).
func (m *Manager) Reconcile(ctx context.Context) error {
	next, err := m.Compute(ctx)
	if err != nil {
		m.reg.ReconcileFailures.Inc()
		return err
	}

	if err := m.apply(ctx, next); err != nil {
		log.Warn().Err(err).Msg("Watchlist apply failed, retrying")
		if err := m.apply(ctx, next); err != nil {
			m.reg.ReconcileFailures.Inc()
			return fmt.Errorf("failed to apply watchlist: %w", err)
		}
	}

	m.mu.Lock()
	changed := !equalLists(m.current, next)
	m.current = next
	m.mu.Unlock()

	m.reg.WatchlistSize.Set(float64(len(next)))
	if changed {
		log.Info().Int("size", len(next)).Msg("Watchlist updated")
	}
	return nil
}

// Run drives reconciliation every interval until ctx ends.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Reconcile(ctx); err != nil {
				log.Warn().Err(err).Msg("Watchlist reconcile failed, keeping previous list")
			}
		}
	}
}

func (m *Manager) loadLastGood(ctx context.Context) ([]string, error) {
	if m.cache == nil {
		return nil, fmt.Errorf("cache disabled")
	}
	raw, err := m.cache.Get(ctx, lastGoodKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read cached leaderboard: %w", err)
	}
	var addrs []string
	if err := json.Unmarshal([]byte(raw), &addrs); err != nil {
		return nil, fmt.Errorf("corrupt cached leaderboard: %w", err)
	}
	return addrs, nil
}

func (m *Manager) storeLastGood(ctx context.Context, addrs []string) {
	if m.cache == nil {
		return
	}
	raw, err := json.Marshal(addrs)
	if err != nil {
		return
	}
	if err := m.cache.Set(ctx, lastGoodKey, raw, lastGoodTTL).Err(); err != nil {
		log.Warn().Err(err).Msg("Failed to cache leaderboard")
	}
}

func equalLists(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
