package hyperliquid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const (
	defaultRequestTimeout = 15 * time.Second
	infoPath              = "/info"
)

// APIError is a non-2xx response from the info endpoint.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hyperliquid info request failed: status %d: %s", e.Status, e.Body)
}

// Permanent reports whether retrying cannot help (4xx except rate limiting).
func (e *APIError) Permanent() bool {
	return e.Status >= 400 && e.Status < 500 && e.Status != http.StatusTooManyRequests
}

// Client is the REST info client. Calls are rate limited and routed through
// a circuit breaker so a degraded upstream cannot pile up requests.
type Client struct {
	apiURL  string
	httpc   *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewClient creates an info client for the given API base URL.
func NewClient(apiURL string) *Client {
	st := gobreaker.Settings{Name: "hyperliquid-info"}
	st.Interval = 60 * time.Second
	st.Timeout = 30 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		if counts.ConsecutiveFailures >= 5 {
			return true
		}
		total := counts.Requests
		if total < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(total) > 0.25
	}

	return &Client{
		apiURL:  strings.TrimSuffix(apiURL, "/"),
		httpc:   &http.Client{Timeout: defaultRequestTimeout},
		limiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 10),
		breaker: gobreaker.NewCircuitBreaker(st),
	}
}

// info posts a typed request body to /info and decodes the response into out.
func (c *Client) info(ctx context.Context, body interface{}, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait failed: %w", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal info request: %w", err)
	}

	raw, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+infoPath, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpc.Do(req)
		if err != nil {
			return nil, fmt.Errorf("info request failed: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			return nil, fmt.Errorf("failed to read info response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
		}
		return data, nil
	})
	if err != nil {
		return err
	}

	if err := json.Unmarshal(raw.([]byte), out); err != nil {
		return fmt.Errorf("failed to decode info response: %w", err)
	}
	return nil
}

// FillQuery narrows FetchUserFills.
type FillQuery struct {
	Symbols         []string // empty means all
	StartTime       int64    // ms epoch, 0 means from the beginning
	AggregateByTime bool
}

type userFillsRequest struct {
	Type            string `json:"type"`
	User            string `json:"user"`
	StartTime       int64  `json:"startTime"`
	AggregateByTime bool   `json:"aggregateByTime"`
}

// FetchUserFills pulls historical fills for an address, oldest first. With
// AggregateByTime set, fills sharing (time, coin, side, px) collapse into a
// single economic event.
func (c *Client) FetchUserFills(ctx context.Context, address string, q FillQuery) ([]Fill, error) {
	var fills []Fill
	req := userFillsRequest{
		Type:            "userFillsByTime",
		User:            address,
		StartTime:       q.StartTime,
		AggregateByTime: q.AggregateByTime,
	}
	if err := c.info(ctx, req, &fills); err != nil {
		return nil, fmt.Errorf("failed to fetch user fills for %s: %w", address, err)
	}

	if len(q.Symbols) > 0 {
		allowed := make(map[string]bool, len(q.Symbols))
		for _, s := range q.Symbols {
			allowed[strings.ToUpper(s)] = true
		}
		filtered := fills[:0]
		for _, f := range fills {
			if allowed[strings.ToUpper(f.Coin)] {
				filtered = append(filtered, f)
			}
		}
		fills = filtered
	}

	sortFillsOldestFirst(fills)
	if q.AggregateByTime {
		fills = aggregateFills(fills)
	}
	return fills, nil
}

type clearinghouseRequest struct {
	Type string `json:"type"`
	User string `json:"user"`
}

type clearinghouseState struct {
	AssetPositions []struct {
		Position struct {
			Coin          string `json:"coin"`
			Szi           Number `json:"szi"`
			EntryPx       Number `json:"entryPx"`
			LiquidationPx Number `json:"liquidationPx"`
			Leverage      struct {
				Value Number `json:"value"`
			} `json:"leverage"`
		} `json:"position"`
	} `json:"assetPositions"`
	Time int64 `json:"time"`
}

// CurrentPositions fetches the current position snapshots for an address.
// Flat assets are omitted.
func (c *Client) CurrentPositions(ctx context.Context, address string) ([]Position, error) {
	var state clearinghouseState
	req := clearinghouseRequest{Type: "clearinghouseState", User: address}
	if err := c.info(ctx, req, &state); err != nil {
		return nil, fmt.Errorf("failed to fetch positions for %s: %w", address, err)
	}

	at := time.Now().UTC()
	if state.Time > 0 {
		at = time.UnixMilli(state.Time).UTC()
	}

	out := make([]Position, 0, len(state.AssetPositions))
	for _, ap := range state.AssetPositions {
		p := ap.Position
		if p.Szi == 0 {
			continue
		}
		pos := Position{
			Coin:       strings.ToUpper(p.Coin),
			Size:       p.Szi.Float64(),
			EntryPrice: p.EntryPx.Float64(),
			UpdatedAt:  at,
		}
		if p.LiquidationPx != 0 {
			liq := p.LiquidationPx.Float64()
			pos.LiquidationPrice = &liq
		}
		if p.Leverage.Value != 0 {
			lev := p.Leverage.Value.Float64()
			pos.Leverage = &lev
		}
		out = append(out, pos)
	}
	return out, nil
}

type allMidsRequest struct {
	Type string `json:"type"`
}

// AllMids fetches the current mid price for every listed coin.
func (c *Client) AllMids(ctx context.Context) (map[string]float64, error) {
	var mids map[string]Number
	if err := c.info(ctx, allMidsRequest{Type: "allMids"}, &mids); err != nil {
		return nil, fmt.Errorf("failed to fetch mids: %w", err)
	}

	out := make(map[string]float64, len(mids))
	for coin, mid := range mids {
		out[strings.ToUpper(coin)] = mid.Float64()
	}
	return out, nil
}
