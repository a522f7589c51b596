package watchlist

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// LeaderboardEntry is one scout leaderboard row. The scout returns more
// columns; only the address matters here.
type LeaderboardEntry struct {
	Address string `json:"address"`
}

// ScoutClient talks to the external trader-scout service that ranks
// addresses by recent performance.
type ScoutClient struct {
	baseURL string
	httpc   *http.Client
}

// NewScoutClient creates a leaderboard client.
func NewScoutClient(baseURL string, timeout time.Duration) *ScoutClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ScoutClient{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: timeout},
	}
}

// TopAddresses fetches the top-K leaderboard addresses for the given period.
func (c *ScoutClient) TopAddresses(ctx context.Context, period string, limit int) ([]string, error) {
	u, err := url.Parse(c.baseURL + "/leaderboard/top")
	if err != nil {
		return nil, fmt.Errorf("invalid scout url: %w", err)
	}
	q := u.Query()
	q.Set("period", period)
	q.Set("limit", strconv.Itoa(limit))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build scout request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scout request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("scout returned status %d: %s", resp.StatusCode, string(body))
	}

	var entries []LeaderboardEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("failed to decode leaderboard: %w", err)
	}

	addresses := make([]string, 0, len(entries))
	for _, e := range entries {
		addresses = append(addresses, e.Address)
	}
	return addresses, nil
}
