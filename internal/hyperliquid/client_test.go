package hyperliquid

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func infoServer(t *testing.T, respond func(reqType string, body map[string]interface{}) interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/info", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		reqType, _ := body["type"].(string)

		resp := respond(reqType, body)
		if code, ok := resp.(int); ok {
			w.WriteHeader(code)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestFetchUserFillsAggregatesAndFilters(t *testing.T) {
	srv := infoServer(t, func(reqType string, body map[string]interface{}) interface{} {
		require.Equal(t, "userFillsByTime", reqType)
		require.Equal(t, "0xabc", body["user"])
		return []map[string]interface{}{
			{"coin": "ETH", "px": "3000", "sz": "1", "side": "B", "time": 2000, "startPosition": "0", "hash": "0xe1"},
			{"coin": "BTC", "px": "60000", "sz": "0.5", "side": "B", "time": 1000, "startPosition": "0", "hash": "0xb1"},
			{"coin": "BTC", "px": "60000", "sz": "0.5", "side": "B", "time": 1000, "startPosition": "0.5", "hash": "0xb2"},
		}
	})
	defer srv.Close()

	c := NewClient(srv.URL)
	fills, err := c.FetchUserFills(context.Background(), "0xabc", FillQuery{
		Symbols:         []string{"BTC"},
		AggregateByTime: true,
	})
	require.NoError(t, err)

	require.Len(t, fills, 1)
	assert.Equal(t, "BTC", fills[0].Coin)
	assert.Equal(t, 1.0, fills[0].Sz.Float64())
	assert.Equal(t, "0xb1", fills[0].Hash)
}

func TestCurrentPositions(t *testing.T) {
	srv := infoServer(t, func(reqType string, body map[string]interface{}) interface{} {
		require.Equal(t, "clearinghouseState", reqType)
		return map[string]interface{}{
			"time": 1700000000000,
			"assetPositions": []map[string]interface{}{
				{"position": map[string]interface{}{
					"coin": "btc", "szi": "-1.5", "entryPx": "61000",
					"liquidationPx": "72000",
					"leverage":      map[string]interface{}{"type": "cross", "value": 10},
				}},
				{"position": map[string]interface{}{
					"coin": "ETH", "szi": "0", "entryPx": "0",
				}},
			},
		}
	})
	defer srv.Close()

	c := NewClient(srv.URL)
	positions, err := c.CurrentPositions(context.Background(), "0xabc")
	require.NoError(t, err)

	require.Len(t, positions, 1)
	p := positions[0]
	assert.Equal(t, "BTC", p.Coin)
	assert.Equal(t, -1.5, p.Size)
	assert.Equal(t, 61000.0, p.EntryPrice)
	require.NotNil(t, p.LiquidationPrice)
	assert.Equal(t, 72000.0, *p.LiquidationPrice)
	require.NotNil(t, p.Leverage)
	assert.Equal(t, 10.0, *p.Leverage)
	assert.Equal(t, int64(1700000000000), p.UpdatedAt.UnixMilli())
}

func TestAllMids(t *testing.T) {
	srv := infoServer(t, func(reqType string, body map[string]interface{}) interface{} {
		require.Equal(t, "allMids", reqType)
		return map[string]string{"btc": "60123.5", "ETH": "3001.25"}
	})
	defer srv.Close()

	c := NewClient(srv.URL)
	mids, err := c.AllMids(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 60123.5, mids["BTC"])
	assert.Equal(t, 3001.25, mids["ETH"])
}

func TestAPIErrorPermanent(t *testing.T) {
	srv := infoServer(t, func(reqType string, body map[string]interface{}) interface{} {
		return http.StatusUnprocessableEntity
	})
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.FetchUserFills(context.Background(), "0xbad", FillQuery{})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.Permanent())

	rateLimited := &APIError{Status: http.StatusTooManyRequests}
	assert.False(t, rateLimited.Permanent())
}
