// Package httpapi exposes the admin HTTP surface: health, metrics, the
// websocket fan-out endpoint, and owner-gated maintenance operations.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/tradescout/relay/internal/chain"
	"github.com/tradescout/relay/internal/hyperliquid"
	"github.com/tradescout/relay/internal/store"
	"github.com/tradescout/relay/internal/telemetry/latency"
)

// WatchlistService is the watchlist slice the admin API drives.
type WatchlistService interface {
	Reconcile(ctx context.Context) error
	Size() int
}

// ChainService is the chain validation and repair slice.
type ChainService interface {
	Validate(ctx context.Context, address, asset string) (store.ChainReport, error)
	Repair(ctx context.Context, address, asset string) (chain.RepairResult, error)
	RepairAll(ctx context.Context) ([]chain.RepairResult, error)
}

// TrackerService is the tracker slice for status and history ingestion.
type TrackerService interface {
	PositionsReady() bool
	Addresses() []string
	LastSnapshotTimes() map[string]time.Time
	IngestBackfill(ctx context.Context, address string, fills []hyperliquid.Fill) (int, error)
}

// HistoryService fetches exchange history for manual backfills.
type HistoryService interface {
	FetchUserFills(ctx context.Context, address string, q hyperliquid.FillQuery) ([]hyperliquid.Fill, error)
}

// LatencyStats reads the in-process publish latency percentiles.
type LatencyStats interface {
	Snapshot() []latency.Metrics
}

// Deps carries the collaborators the server routes to.
type Deps struct {
	Watchlist WatchlistService
	Chain     ChainService
	Tracker   TrackerService
	History   HistoryService
	Latency   LatencyStats
	Metrics   http.Handler
	ServeWS   http.HandlerFunc

	Assets []string
}

// ServerConfig holds listener configuration.
type ServerConfig struct {
	Host         string
	Port         int
	OwnerToken   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Server is the admin HTTP server.
type Server struct {
	router *mux.Router
	server *http.Server
	config ServerConfig
	deps   Deps
	start  time.Time
}

// NewServer creates the admin server and wires its routes.
func NewServer(config ServerConfig, deps Deps) *Server {
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 10 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 30 * time.Second
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 60 * time.Second
	}

	s := &Server{
		router: mux.NewRouter(),
		config: config,
		deps:   deps,
		start:  time.Now(),
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/positions/status", s.handlePositionsStatus).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.deps.Metrics).Methods(http.MethodGet)
	if s.deps.ServeWS != nil {
		s.router.HandleFunc("/ws", s.deps.ServeWS)
	}

	owner := s.router.NewRoute().Subrouter()
	owner.Use(s.ownerAuth)
	owner.HandleFunc("/watchlist/refresh", s.handleWatchlistRefresh).Methods(http.MethodPost)
	owner.HandleFunc("/fills/fetch-history", s.handleFetchHistory).Methods(http.MethodPost)
	owner.HandleFunc("/fills/validate", s.handleValidate).Methods(http.MethodPost)
	owner.HandleFunc("/fills/repair", s.handleRepair).Methods(http.MethodPost)
	owner.HandleFunc("/fills/repair-all", s.handleRepairAll).Methods(http.MethodPost)
}

// ownerAuth gates mutating routes behind the shared owner token.
func (s *Server) ownerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.OwnerToken == "" || r.Header.Get("x-owner-key") != s.config.OwnerToken {
			writeError(w, http.StatusForbidden, "invalid owner key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Router exposes the handler for tests and embedding.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("Admin HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
