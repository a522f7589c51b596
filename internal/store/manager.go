// Package store is the relational persistence adapter: idempotent fill
// inserts, chain validation queries, and price snapshots on PostgreSQL.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// Config holds database connection configuration
type Config struct {
	DSN             string        `env:"PG_DSN"`
	MaxOpenConns    int           `env:"PG_MAX_OPEN_CONNS" envDefault:"10"`
	MaxIdleConns    int           `env:"PG_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"PG_CONN_MAX_LIFETIME" envDefault:"30m"`
	QueryTimeout    time.Duration `env:"PG_QUERY_TIMEOUT" envDefault:"30s"`
}

// DefaultConfig returns reasonable defaults for database connections
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		QueryTimeout:    30 * time.Second,
	}
}

// Manager manages the database connection and repository instances. With an
// empty DSN persistence is disabled and Fills() returns nil; callers treat a
// nil repository as "store unavailable" and keep relaying.
type Manager struct {
	db     *sqlx.DB
	config Config
	fills  *FillsRepo
}

// NewManager opens the connection pool and pings the database.
func NewManager(config Config) (*Manager, error) {
	if config.DSN == "" {
		return &Manager{config: config}, nil
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = 30 * time.Second
	}

	db, err := sqlx.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Manager{
		db:     db,
		config: config,
		fills:  NewFillsRepo(db, config.QueryTimeout),
	}, nil
}

// Fills returns the fills repository, or nil when persistence is disabled.
func (m *Manager) Fills() *FillsRepo {
	return m.fills
}

// IsEnabled returns whether database persistence is enabled
func (m *Manager) IsEnabled() bool {
	return m.db != nil
}

// Ping tests basic connectivity to the database.
func (m *Manager) Ping(ctx context.Context) error {
	if m.db == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.config.QueryTimeout)
	defer cancel()
	return m.db.PingContext(ctx)
}

// Stats returns connection pool statistics for health reporting.
func (m *Manager) Stats() map[string]interface{} {
	if m.db == nil {
		return map[string]interface{}{"enabled": false}
	}
	stats := m.db.Stats()
	return map[string]interface{}{
		"enabled":          true,
		"open_connections": stats.OpenConnections,
		"in_use":           stats.InUse,
		"idle":             stats.Idle,
		"wait_count":       stats.WaitCount,
		"wait_duration_ms": stats.WaitDuration.Milliseconds(),
	}
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}
