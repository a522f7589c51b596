// Package tracker owns the per-address subscription state machines and the
// per-trade pipeline: classify, persist-if-new, ring push, publish callback.
package tracker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tradescout/relay/internal/hyperliquid"
	"github.com/tradescout/relay/internal/lifecycle"
	"github.com/tradescout/relay/internal/metrics"
	"github.com/tradescout/relay/internal/ring"
	"github.com/tradescout/relay/internal/store"
)

// Upstream is the realtime slice of the exchange client.
type Upstream interface {
	SubscribeFills(address string, h hyperliquid.FillHandler) error
	SubscribePositions(address string, h hyperliquid.PositionHandler) error
	Unsubscribe(address string) error
	OnState(h hyperliquid.StateHandler)
}

// History is the request/response slice of the exchange client.
type History interface {
	FetchUserFills(ctx context.Context, address string, q hyperliquid.FillQuery) ([]hyperliquid.Fill, error)
	CurrentPositions(ctx context.Context, address string) ([]hyperliquid.Position, error)
}

// FillStore is the persistence slice the pipeline needs.
type FillStore interface {
	InsertFillIfNew(ctx context.Context, fill store.Fill) (bool, error)
}

// TradeEvent is handed to the trade callback for every classified fill,
// including duplicates (at-least-once toward the bus).
type TradeEvent struct {
	Fill store.Fill
	Side lifecycle.Side
}

// TradeHandler receives classified trades. It must not block; the publisher
// behind it dispatches asynchronously.
type TradeHandler func(TradeEvent)

// Config tunes the tracker.
type Config struct {
	Assets          []string
	PositionTimeout time.Duration // per-address priming timeout
	StaleThreshold  time.Duration // snapshot age that triggers a refresh
	MailboxSize     int
}

// StartOpts controls Start and Refresh.
type StartOpts struct {
	AwaitPositions bool
}

// Tracker coordinates per-address workers. Fills for one address are
// processed strictly in upstream order; addresses proceed independently.
type Tracker struct {
	cfg     Config
	stream  Upstream
	client  History
	fills   FillStore // nil when persistence is disabled
	ring    *ring.Ring
	reg     *metrics.Registry
	onTrade TradeHandler

	mu             sync.Mutex
	workers        map[string]*worker
	positions      map[string]map[string]hyperliquid.Position // address -> coin
	lastSnapshot   map[string]time.Time
	positionsReady bool

	runCtx context.Context
}

// New creates a tracker. onTrade may be nil.
func New(cfg Config, stream Upstream, client History, fills FillStore, rb *ring.Ring, reg *metrics.Registry, onTrade TradeHandler) *Tracker {
	if cfg.PositionTimeout <= 0 {
		cfg.PositionTimeout = 10 * time.Second
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 2 * time.Minute
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 256
	}
	for i, a := range cfg.Assets {
		cfg.Assets[i] = strings.ToUpper(a)
	}
	return &Tracker{
		cfg:          cfg,
		stream:       stream,
		client:       client,
		fills:        fills,
		ring:         rb,
		reg:          reg,
		onTrade:      onTrade,
		workers:      make(map[string]*worker),
		positions:    make(map[string]map[string]hyperliquid.Position),
		lastSnapshot: make(map[string]time.Time),
	}
}

// Start subscribes every address and optionally primes positions before
// returning. A re-established upstream connection triggers a full re-prime.
func (t *Tracker) Start(ctx context.Context, addrs []string, opts StartOpts) error {
	t.runCtx = ctx
	t.stream.OnState(func(connected bool) {
		if connected {
			go t.ForceRefreshAllPositions(t.runCtx)
		}
	})
	return t.Refresh(ctx, addrs, opts)
}

// Refresh diffs the new watchlist against the active subscription set:
// removed addresses are unsubscribed, added ones subscribed and optionally
// primed. Adds that fail to subscribe are rolled back and reported, so a
// later Refresh with the same list retries them; everything else converges
// on addrs.
func (t *Tracker) Refresh(ctx context.Context, addrs []string, opts StartOpts) error {
	want := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		want[a] = true
	}

	t.mu.Lock()
	var removed, added []string
	for addr := range t.workers {
		if !want[addr] {
			removed = append(removed, addr)
		}
	}
	for addr := range want {
		if _, ok := t.workers[addr]; !ok {
			added = append(added, addr)
		}
	}
	for _, addr := range removed {
		t.workers[addr].stop()
		delete(t.workers, addr)
		delete(t.positions, addr)
		delete(t.lastSnapshot, addr)
	}
	for _, addr := range added {
		w := newWorker(addr, t.cfg.MailboxSize, t.processFills)
		if t.fills == nil {
			w.seen = newHashWindow(0)
		}
		t.workers[addr] = w
		go w.run()
	}
	t.mu.Unlock()

	for _, addr := range removed {
		if err := t.stream.Unsubscribe(addr); err != nil {
			log.Warn().Err(err).Str("address", addr).Msg("Failed to unsubscribe removed address")
		}
	}

	// A failed subscription rolls the address back out of the worker set so
	// the next reconcile re-attempts it; leaving a worker with no upstream
	// feed would silently diverge from the watchlist forever.
	var firstErr error
	var subscribed []string
	for _, addr := range added {
		addr := addr
		if err := t.stream.SubscribeFills(addr, func(a string, fills []hyperliquid.Fill, snapshot bool) {
			t.enqueueFills(a, fills, snapshot)
		}); err != nil {
			t.reg.SubscriptionErrors.WithLabelValues("userFills").Inc()
			t.rollbackAdd(addr)
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to subscribe fills for %s: %w", addr, err)
			}
			continue
		}
		if err := t.stream.SubscribePositions(addr, func(a string, positions []hyperliquid.Position) {
			t.applyPositions(a, positions)
		}); err != nil {
			t.reg.SubscriptionErrors.WithLabelValues("webData2").Inc()
			t.rollbackAdd(addr)
			if uerr := t.stream.Unsubscribe(addr); uerr != nil {
				log.Warn().Err(uerr).Str("address", addr).Msg("Failed to unwind fills subscription")
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to subscribe positions for %s: %w", addr, err)
			}
			continue
		}
		subscribed = append(subscribed, addr)
	}

	if opts.AwaitPositions {
		t.primePositions(ctx, subscribed)
	}

	t.mu.Lock()
	t.positionsReady = true
	t.mu.Unlock()
	return firstErr
}

func (t *Tracker) rollbackAdd(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if w, ok := t.workers[addr]; ok {
		w.stop()
		delete(t.workers, addr)
		delete(t.positions, addr)
		delete(t.lastSnapshot, addr)
	}
}

// primePositions fetches a snapshot for each address with a per-address
// timeout. Expiry leaves partial data; the missing addresses are logged and
// readiness is reported anyway.
func (t *Tracker) primePositions(ctx context.Context, addrs []string) {
	var missing []string
	for _, addr := range addrs {
		reqCtx, cancel := context.WithTimeout(ctx, t.cfg.PositionTimeout)
		positions, err := t.client.CurrentPositions(reqCtx, addr)
		cancel()
		if err != nil {
			missing = append(missing, addr)
			continue
		}
		t.applyPositions(addr, positions)
	}
	if len(missing) > 0 {
		log.Warn().Strs("addresses", missing).Msg("Position priming incomplete, continuing with partial data")
	}
}

// ForceRefreshAllPositions re-requests a snapshot for every tracked address.
func (t *Tracker) ForceRefreshAllPositions(ctx context.Context) {
	for _, addr := range t.Addresses() {
		reqCtx, cancel := context.WithTimeout(ctx, t.cfg.PositionTimeout)
		positions, err := t.client.CurrentPositions(reqCtx, addr)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("address", addr).Msg("Position refresh failed")
			continue
		}
		t.applyPositions(addr, positions)
	}
}

// EnsureFreshSnapshots requests a snapshot for any address whose last
// position update is older than the stale threshold.
func (t *Tracker) EnsureFreshSnapshots(ctx context.Context) {
	cutoff := time.Now().Add(-t.cfg.StaleThreshold)

	t.mu.Lock()
	var stale []string
	for addr := range t.workers {
		if t.lastSnapshot[addr].Before(cutoff) {
			stale = append(stale, addr)
		}
	}
	t.mu.Unlock()

	for _, addr := range stale {
		reqCtx, cancel := context.WithTimeout(ctx, t.cfg.PositionTimeout)
		positions, err := t.client.CurrentPositions(reqCtx, addr)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("address", addr).Msg("Stale snapshot refresh failed")
			continue
		}
		t.applyPositions(addr, positions)
	}
}

// RunFreshness drives EnsureFreshSnapshots every interval.
func (t *Tracker) RunFreshness(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.EnsureFreshSnapshots(ctx)
		}
	}
}

// Addresses returns the currently tracked addresses.
func (t *Tracker) Addresses() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.workers))
	for addr := range t.workers {
		out = append(out, addr)
	}
	return out
}

// PositionsReady reports whether startup priming has completed.
func (t *Tracker) PositionsReady() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.positionsReady
}

// Positions returns a copy of every tracked position snapshot.
func (t *Tracker) Positions() map[string][]hyperliquid.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string][]hyperliquid.Position, len(t.positions))
	for addr, byCoin := range t.positions {
		list := make([]hyperliquid.Position, 0, len(byCoin))
		for _, p := range byCoin {
			list = append(list, p)
		}
		out[addr] = list
	}
	return out
}

// LastSnapshotTimes returns per-address snapshot ages for status reporting.
func (t *Tracker) LastSnapshotTimes() map[string]time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]time.Time, len(t.lastSnapshot))
	for k, v := range t.lastSnapshot {
		out[k] = v
	}
	return out
}

// Stop terminates all workers.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for addr, w := range t.workers {
		w.stop()
		delete(t.workers, addr)
	}
}

func (t *Tracker) enqueueFills(address string, fills []hyperliquid.Fill, snapshot bool) {
	t.mu.Lock()
	w := t.workers[address]
	t.mu.Unlock()
	if w == nil {
		return
	}
	w.enqueue(fillBatch{fills: fills, snapshot: snapshot})
}

// applyPositions updates the snapshot table and pushes a position ring event
// for each materially changed position.
func (t *Tracker) applyPositions(address string, positions []hyperliquid.Position) {
	now := time.Now().UTC()

	t.mu.Lock()
	if _, tracked := t.workers[address]; !tracked {
		t.mu.Unlock()
		return
	}
	prev := t.positions[address]
	next := make(map[string]hyperliquid.Position, len(positions))
	var changed []hyperliquid.Position
	for _, p := range positions {
		if !t.assetAllowed(p.Coin) {
			continue
		}
		next[p.Coin] = p
		old, ok := prev[p.Coin]
		if !ok || old.Size != p.Size || old.EntryPrice != p.EntryPrice {
			changed = append(changed, p)
		}
	}
	t.positions[address] = next
	t.lastSnapshot[address] = now
	t.mu.Unlock()

	for _, p := range changed {
		t.ring.Push(ring.KindPosition, ring.PositionPayload{
			At:               p.UpdatedAt.Format(time.RFC3339Nano),
			Address:          address,
			Symbol:           p.Coin,
			Size:             p.Size,
			EntryPrice:       p.EntryPrice,
			LiquidationPrice: p.LiquidationPrice,
			Leverage:         p.Leverage,
		})
	}
}

// IngestBackfill classifies and inserts historical fills without touching the
// ring or the trade callback; those events already flowed live. Used by chain
// repair and history fetches.
func (t *Tracker) IngestBackfill(ctx context.Context, address string, fills []hyperliquid.Fill) (int, error) {
	if t.fills == nil {
		return 0, fmt.Errorf("persistence is disabled")
	}
	inserted := 0
	for _, f := range fills {
		asset := strings.ToUpper(f.Coin)
		if !t.assetAllowed(asset) {
			continue
		}
		size := f.Sz.Float64()
		if size <= 0 {
			continue
		}
		res := lifecycle.Classify(f.StartPosition.Float64(), lifecycle.ParseSide(f.Side), size)
		ok, err := t.fills.InsertFillIfNew(ctx, toStoredFill(address, asset, f, res.Action, size))
		if err != nil {
			return inserted, fmt.Errorf("failed to ingest historical fill %s: %w", f.Hash, err)
		}
		if ok {
			inserted++
		}
	}
	return inserted, nil
}

func (t *Tracker) assetAllowed(coin string) bool {
	for _, a := range t.cfg.Assets {
		if a == coin {
			return true
		}
	}
	return false
}
