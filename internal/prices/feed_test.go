package prices

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu        sync.Mutex
	snapshots map[string][]float64
}

func (m *memStore) InsertPriceSnapshot(_ context.Context, asset string, price float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshots == nil {
		m.snapshots = make(map[string][]float64)
	}
	m.snapshots[asset] = append(m.snapshots[asset], price)
	return nil
}

func TestHandleMidsUpdatesTrackedAssets(t *testing.T) {
	f := NewFeed([]string{"BTC", "ETH"}, nil, time.Minute)

	f.HandleMids(map[string]float64{"BTC": 60000, "SOL": 150})

	q, ok := f.Get("BTC")
	require.True(t, ok)
	assert.Equal(t, 60000.0, q.Price)

	_, ok = f.Get("SOL")
	assert.False(t, ok)
}

func TestHandleMidsFiresChangeHandlersOnlyOnMovement(t *testing.T) {
	f := NewFeed([]string{"BTC"}, nil, time.Minute)

	var calls []float64
	f.OnChange(func(asset string, q Quote) {
		assert.Equal(t, "BTC", asset)
		calls = append(calls, q.Price)
	})

	f.HandleMids(map[string]float64{"BTC": 60000})
	f.HandleMids(map[string]float64{"BTC": 60000}) // unchanged, no callback
	f.HandleMids(map[string]float64{"BTC": 60001})

	assert.Equal(t, []float64{60000, 60001}, calls)
}

func TestHandleMidsRejectsNonFinite(t *testing.T) {
	f := NewFeed([]string{"BTC"}, nil, time.Minute)

	f.HandleMids(map[string]float64{"BTC": math.NaN()})
	f.HandleMids(map[string]float64{"BTC": math.Inf(1)})
	f.HandleMids(map[string]float64{"BTC": -5})

	_, ok := f.Get("BTC")
	assert.False(t, ok)
}

func TestCurrentIsACopy(t *testing.T) {
	f := NewFeed([]string{"BTC"}, nil, time.Minute)
	f.HandleMids(map[string]float64{"BTC": 60000})

	snap := f.Current()
	snap["BTC"] = Quote{Price: 1}

	q, _ := f.Get("BTC")
	assert.Equal(t, 60000.0, q.Price)
}

func TestSnapshotOncePersistsFinitePrices(t *testing.T) {
	st := &memStore{}
	f := NewFeed([]string{"BTC", "ETH"}, st, time.Minute)
	f.HandleMids(map[string]float64{"BTC": 60000, "ETH": 3000})

	f.snapshotOnce(context.Background())

	assert.Equal(t, []float64{60000}, st.snapshots["BTC"])
	assert.Equal(t, []float64{3000}, st.snapshots["ETH"])
}
