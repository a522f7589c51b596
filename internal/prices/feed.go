// Package prices maintains last-known mid prices for the tracked assets.
package prices

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Quote is a last-known mid price with its update time.
type Quote struct {
	Price     float64   `json:"price"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ChangeHandler is invoked whenever a tracked asset's mid moves.
type ChangeHandler func(asset string, q Quote)

// SnapshotStore persists periodic price samples for downstream regime
// detection. Nil disables persistence.
type SnapshotStore interface {
	InsertPriceSnapshot(ctx context.Context, asset string, price float64) error
}

// Feed holds a copy-on-update price table fed by the allMids channel.
type Feed struct {
	assets   map[string]bool
	store    SnapshotStore
	interval time.Duration

	mu       sync.RWMutex
	table    map[string]Quote
	handlers []ChangeHandler

	now func() time.Time
}

// NewFeed creates a feed for the configured asset universe.
func NewFeed(assets []string, store SnapshotStore, snapshotInterval time.Duration) *Feed {
	set := make(map[string]bool, len(assets))
	for _, a := range assets {
		set[strings.ToUpper(a)] = true
	}
	if snapshotInterval <= 0 {
		snapshotInterval = time.Minute
	}
	return &Feed{
		assets:   set,
		store:    store,
		interval: snapshotInterval,
		table:    make(map[string]Quote),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// OnChange registers a change handler.
func (f *Feed) OnChange(h ChangeHandler) {
	f.mu.Lock()
	f.handlers = append(f.handlers, h)
	f.mu.Unlock()
}

// HandleMids ingests one allMids tick. Untracked coins are ignored; a price
// equal to the last-known one refreshes nothing.
func (f *Feed) HandleMids(mids map[string]float64) {
	type change struct {
		asset string
		quote Quote
	}
	var changes []change

	f.mu.Lock()
	for asset, mid := range mids {
		if !f.assets[asset] || !isFinite(mid) || mid <= 0 {
			continue
		}
		prev, ok := f.table[asset]
		if ok && prev.Price == mid {
			continue
		}
		q := Quote{Price: mid, UpdatedAt: f.now()}

		// Copy-on-update keeps Current() readers race-free.
		next := make(map[string]Quote, len(f.table)+1)
		for k, v := range f.table {
			next[k] = v
		}
		next[asset] = q
		f.table = next

		changes = append(changes, change{asset: asset, quote: q})
	}
	handlers := append([]ChangeHandler(nil), f.handlers...)
	f.mu.Unlock()

	for _, c := range changes {
		for _, h := range handlers {
			h(c.asset, c.quote)
		}
	}
}

// Current returns the price table snapshot.
func (f *Feed) Current() map[string]Quote {
	f.mu.RLock()
	table := f.table
	f.mu.RUnlock()

	out := make(map[string]Quote, len(table))
	for k, v := range table {
		out[k] = v
	}
	return out
}

// Get returns the quote for one asset.
func (f *Feed) Get(asset string) (Quote, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	q, ok := f.table[strings.ToUpper(asset)]
	return q, ok
}

// RunSnapshots persists the table every interval until ctx ends.
func (f *Feed) RunSnapshots(ctx context.Context) {
	if f.store == nil {
		return
	}
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.snapshotOnce(ctx)
		}
	}
}

func (f *Feed) snapshotOnce(ctx context.Context) {
	for asset, q := range f.Current() {
		if !isFinite(q.Price) || q.Price <= 0 {
			continue
		}
		if err := f.store.InsertPriceSnapshot(ctx, asset, q.Price); err != nil {
			log.Warn().Err(err).Str("asset", asset).Msg("Failed to persist price snapshot")
		}
	}
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
