// Package config loads relay configuration from the environment and the
// pinned-accounts file.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

var addressRe = regexp.MustCompile(`^0x[0-9a-f]{40}$`)

// Config holds every tunable of the relay process.
type Config struct {
	Port       int    `env:"PORT" envDefault:"8080"`
	OwnerToken string `env:"OWNER_TOKEN"`

	// Upstream endpoints
	HLWebsocketURL string `env:"HL_WS_URL" envDefault:"wss://api.hyperliquid.xyz/ws"`
	HLAPIURL       string `env:"HL_API_URL" envDefault:"https://api.hyperliquid.xyz"`

	// Collaborators
	PostgresDSN string `env:"PG_DSN"`
	NATSURL     string `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	RedisAddr   string `env:"REDIS_ADDR"`
	ScoutURL    string `env:"SCOUT_URL"`

	// Watchlist
	LeaderboardPeriod string `env:"LEADERBOARD_PERIOD" envDefault:"7d"`
	LeaderboardCount  int    `env:"LEADERBOARD_SELECT_COUNT" envDefault:"10"`
	PinnedFile        string `env:"PINNED_FILE" envDefault:"config/pinned.yaml"`

	// Intervals
	PriceSnapshotInterval time.Duration `env:"PRICE_SNAPSHOT_INTERVAL_MS" envDefault:"60000ms"`
	ValidationInterval    time.Duration `env:"VALIDATION_INTERVAL_MS" envDefault:"300000ms"`
	WatchlistInterval     time.Duration `env:"WATCHLIST_INTERVAL_MS" envDefault:"60000ms"`
	AutoRepairEnabled     bool          `env:"AUTO_REPAIR_ENABLED" envDefault:"false"`

	RingCapacity int      `env:"RING_CAPACITY" envDefault:"5000"`
	Assets       []string `env:"ASSETS" envDefault:"BTC,ETH"`
}

// Load parses the environment into a Config and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the relay cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.RingCapacity <= 0 {
		return fmt.Errorf("ring capacity must be positive, got %d", c.RingCapacity)
	}
	if len(c.Assets) == 0 {
		return fmt.Errorf("at least one asset is required")
	}
	for i, a := range c.Assets {
		c.Assets[i] = strings.ToUpper(strings.TrimSpace(a))
	}
	return nil
}

// AssetAllowed reports whether symbol is part of the configured universe.
func (c *Config) AssetAllowed(symbol string) bool {
	symbol = strings.ToUpper(symbol)
	for _, a := range c.Assets {
		if a == symbol {
			return true
		}
	}
	return false
}

// PinnedAccounts is the YAML shape of the pinned-accounts file.
type PinnedAccounts struct {
	Addresses []string `yaml:"addresses"`
}

// LoadPinned reads the pinned-accounts file. A missing file is not an error;
// pinning is optional.
func LoadPinned(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read pinned accounts file: %w", err)
	}
	var pinned PinnedAccounts
	if err := yaml.Unmarshal(data, &pinned); err != nil {
		return nil, fmt.Errorf("failed to parse pinned accounts file: %w", err)
	}
	out := make([]string, 0, len(pinned.Addresses))
	for _, addr := range pinned.Addresses {
		norm, ok := NormalizeAddress(addr)
		if !ok {
			continue
		}
		out = append(out, norm)
	}
	return out, nil
}

// NormalizeAddress lowercases an address and reports whether it is a valid
// 0x-prefixed 40-hex identifier.
func NormalizeAddress(addr string) (string, bool) {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if !addressRe.MatchString(addr) {
		return "", false
	}
	return addr, true
}
