// Package engine wires the relay's components together and owns startup
// order and graceful shutdown.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/tradescout/relay/internal/bus"
	"github.com/tradescout/relay/internal/chain"
	"github.com/tradescout/relay/internal/config"
	"github.com/tradescout/relay/internal/httpapi"
	"github.com/tradescout/relay/internal/hyperliquid"
	"github.com/tradescout/relay/internal/lifecycle"
	"github.com/tradescout/relay/internal/metrics"
	"github.com/tradescout/relay/internal/prices"
	"github.com/tradescout/relay/internal/ring"
	"github.com/tradescout/relay/internal/store"
	"github.com/tradescout/relay/internal/stream"
	"github.com/tradescout/relay/internal/telemetry/latency"
	"github.com/tradescout/relay/internal/tracker"
	"github.com/tradescout/relay/internal/watchlist"
)

const publisherDrainDeadline = 10 * time.Second

// Engine owns every long-lived component of the relay process.
type Engine struct {
	cfg *config.Config
	reg *metrics.Registry
	lat *latency.StageTracker

	db        *store.Manager
	natsConn  *nats.Conn
	publisher *bus.Publisher
	redis     *redis.Client

	client   *hyperliquid.Client
	upstream *hyperliquid.Stream

	ring    *ring.Ring
	feed    *prices.Feed
	tracker *tracker.Tracker
	checker *chain.Checker
	wl      *watchlist.Manager
	hub     *stream.Hub
	httpSrv *httpapi.Server
}

// New builds the full component graph from configuration. Collaborators that
// must exist at boot (database when configured, the bus) fail construction.
func New(cfg *config.Config) (*Engine, error) {
	e := &Engine{
		cfg:  cfg,
		reg:  metrics.NewRegistry(),
		lat:  latency.NewStageTracker(),
		ring: ring.New(cfg.RingCapacity),
	}

	dbCfg := store.DefaultConfig()
	dbCfg.DSN = cfg.PostgresDSN
	db, err := store.NewManager(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	e.db = db
	if !db.IsEnabled() {
		log.Warn().Msg("PG_DSN not set, running without persistence")
	}

	nc, js, err := bus.Connect(cfg.NATSURL)
	if err != nil {
		db.Close()
		return nil, err
	}
	e.natsConn = nc
	e.publisher = bus.NewPublisher(js, e.reg, e.lat.Stage(latency.StagePublish), bus.PublisherOpts{})

	if cfg.RedisAddr != "" {
		e.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}

	e.client = hyperliquid.NewClient(cfg.HLAPIURL)
	e.upstream = hyperliquid.NewStream(hyperliquid.StreamConfig{URL: cfg.HLWebsocketURL})
	e.upstream.OnReconnect(func() {
		e.reg.UpstreamReconnects.Inc()
	})

	var snapshots prices.SnapshotStore
	var fills tracker.FillStore
	if repo := db.Fills(); repo != nil {
		snapshots = repo
		fills = repo
	}
	e.feed = prices.NewFeed(cfg.Assets, snapshots, cfg.PriceSnapshotInterval)

	e.tracker = tracker.New(tracker.Config{
		Assets: cfg.Assets,
	}, e.upstream, e.client, fills, e.ring, e.reg, e.publishTrade)

	pinned, err := config.LoadPinned(cfg.PinnedFile)
	if err != nil {
		log.Warn().Err(err).Str("file", cfg.PinnedFile).Msg("No pinned accounts loaded")
	}
	e.wl = watchlist.NewManager(watchlist.Config{
		Period:   cfg.LeaderboardPeriod,
		Limit:    cfg.LeaderboardCount,
		Pinned:   pinned,
		Interval: cfg.WatchlistInterval,
	}, watchlist.NewScoutClient(cfg.ScoutURL, 10*time.Second), e.redis, e.reg, e.applyWatchlist)

	var chainStore chain.Store
	if repo := db.Fills(); repo != nil {
		chainStore = repo
	}
	e.checker = chain.NewChecker(chain.Config{
		Assets:     cfg.Assets,
		Interval:   cfg.ValidationInterval,
		AutoRepair: cfg.AutoRepairEnabled,
	}, chainStore, e.client, e.tracker, e.wl, e.reg)

	e.hub = stream.NewHub(stream.Config{Assets: cfg.Assets}, e.ring, e.feed, e.reg)

	e.httpSrv = httpapi.NewServer(httpapi.ServerConfig{
		Port:       cfg.Port,
		OwnerToken: cfg.OwnerToken,
	}, httpapi.Deps{
		Watchlist: e.wl,
		Chain:     e.checker,
		Tracker:   e.tracker,
		History:   e.client,
		Latency:   e.lat,
		Metrics:   e.reg.Handler(),
		ServeWS:   e.hub.ServeWS,
		Assets:    cfg.Assets,
	})

	return e, nil
}

// publishTrade maps a classified trade onto the canonical bus event. It runs
// for every trade, duplicates included; downstream dedups by fill_id.
func (e *Engine) publishTrade(evt tracker.TradeEvent) {
	side := "sell"
	if evt.Side == lifecycle.Buy {
		side = "buy"
	}
	start := evt.Fill.StartPosition
	action := evt.Fill.Action
	out := bus.FillEvent{
		FillID:        evt.Fill.Hash,
		Source:        bus.Source,
		Address:       evt.Fill.Address,
		Asset:         evt.Fill.Asset,
		Side:          side,
		Size:          evt.Fill.Size,
		Price:         evt.Fill.PriceUsd,
		StartPosition: &start,
		RealizedPnl:   evt.Fill.RealizedPnlUsd,
		TS:            evt.Fill.At.UTC().Format(time.RFC3339Nano),
		Meta:          bus.Meta{Action: &action},
	}
	if err := e.publisher.Publish(out); err != nil {
		log.Warn().Err(err).Str("fill_id", out.FillID).Msg("Bus publish rejected")
	}
}

// applyWatchlist is the reconcile sink: push the recomputed list into the
// tracker's subscription set.
func (e *Engine) applyWatchlist(ctx context.Context, addresses []string) error {
	return e.tracker.Refresh(ctx, addresses, tracker.StartOpts{})
}

// Run starts every loop, blocks until ctx is cancelled, then shuts down in
// dependency order.
func (e *Engine) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := e.upstream.Start(runCtx); err != nil {
		return fmt.Errorf("failed to connect upstream: %w", err)
	}
	if err := e.upstream.SubscribeMids(e.feed.HandleMids); err != nil {
		return fmt.Errorf("failed to subscribe mids: %w", err)
	}

	// First watchlist before serving; a dead scout with a cold cache is fatal
	// at boot, later failures keep the previous list.
	initial, err := e.wl.Compute(runCtx)
	if err != nil {
		return fmt.Errorf("failed to compute initial watchlist: %w", err)
	}
	if err := e.tracker.Start(runCtx, initial, tracker.StartOpts{AwaitPositions: true}); err != nil {
		log.Warn().Err(err).Msg("Partial subscription failure at startup")
	}
	if err := e.wl.Reconcile(runCtx); err != nil {
		log.Warn().Err(err).Msg("Initial reconcile failed")
	}

	go e.feed.RunSnapshots(runCtx)
	go e.tracker.RunFreshness(runCtx, 30*time.Second)
	go e.wl.Run(runCtx)
	go e.hub.Run(runCtx)
	if e.db.IsEnabled() {
		go e.checker.Run(runCtx)
	}

	httpErr := make(chan error, 1)
	go func() { httpErr <- e.httpSrv.Start() }()

	log.Info().Int("port", e.cfg.Port).Int("watchlist", e.wl.Size()).
		Strs("assets", e.cfg.Assets).Msg("Relay running")

	select {
	case <-ctx.Done():
	case err := <-httpErr:
		if err != nil {
			return err
		}
	}

	e.shutdown()
	return nil
}

// shutdown stops intake first, then drains outbound paths, then closes
// connections.
func (e *Engine) shutdown() {
	log.Info().Msg("Shutting down")

	e.upstream.Close()
	e.tracker.Stop()
	e.hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.httpSrv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
		log.Warn().Err(err).Msg("HTTP shutdown failed")
	}

	e.publisher.Close(publisherDrainDeadline)
	e.natsConn.Close()
	if e.redis != nil {
		e.redis.Close()
	}
	if err := e.db.Close(); err != nil {
		log.Warn().Err(err).Msg("Database close failed")
	}
	log.Info().Msg("Shutdown complete")
}
