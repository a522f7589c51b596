package watchlist

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradescout/relay/internal/metrics"
)

const (
	leaderA = "0x1111111111111111111111111111111111111111"
	leaderB = "0x2222222222222222222222222222222222222222"
	pinnedC = "0x3333333333333333333333333333333333333333"
)

type stubSource struct {
	mu    sync.Mutex
	addrs []string
	err   error
	calls int
}

func (s *stubSource) TopAddresses(_ context.Context, _ string, _ int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.addrs, s.err
}

type applyRecorder struct {
	mu       sync.Mutex
	applied  [][]string
	attempts int
	failN    int // fail this many calls before succeeding
	err      error
}

func (a *applyRecorder) apply(_ context.Context, addrs []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attempts++
	if a.failN > 0 {
		a.failN--
		return errors.New("subscribe failed")
	}
	if a.err != nil {
		return a.err
	}
	a.applied = append(a.applied, addrs)
	return nil
}

func (a *applyRecorder) attemptCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempts
}

func TestScoutClientFetchesLeaderboard(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/leaderboard/top", r.URL.Path)
		assert.Equal(t, "7d", r.URL.Query().Get("period"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		json.NewEncoder(w).Encode([]LeaderboardEntry{{Address: leaderA}, {Address: leaderB}})
	}))
	defer srv.Close()

	c := NewScoutClient(srv.URL, time.Second)
	addrs, err := c.TopAddresses(context.Background(), "7d", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{leaderA, leaderB}, addrs)
}

func TestScoutClientSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewScoutClient(srv.URL, time.Second)
	_, err := c.TopAddresses(context.Background(), "7d", 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestComputeUnionsAndNormalizes(t *testing.T) {
	scout := &stubSource{addrs: []string{
		"0x1111111111111111111111111111111111111111",
		"0X2222222222222222222222222222222222222222", // mixed case, normalized
		"not-an-address",                             // dropped
		leaderA,                                      // duplicate, dropped
	}}
	m := NewManager(Config{
		Period: "7d", Limit: 10,
		Pinned: []string{pinnedC, leaderB}, // leaderB already present via leaderboard
	}, scout, nil, metrics.NewRegistry(), nil)

	addrs, err := m.Compute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{leaderA, leaderB, pinnedC}, addrs)
}

func TestComputeFallsBackToCachedLeaderboard(t *testing.T) {
	cache, mock := redismock.NewClientMock()
	cached, _ := json.Marshal([]string{leaderA})
	mock.ExpectGet(lastGoodKey).SetVal(string(cached))

	scout := &stubSource{err: errors.New("scout down")}
	m := NewManager(Config{Period: "7d", Limit: 10, Pinned: []string{pinnedC}},
		scout, cache, metrics.NewRegistry(), nil)

	addrs, err := m.Compute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{leaderA, pinnedC}, addrs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestComputeFailsWithoutScoutOrCache(t *testing.T) {
	scout := &stubSource{err: errors.New("scout down")}
	m := NewManager(Config{}, scout, nil, metrics.NewRegistry(), nil)

	_, err := m.Compute(context.Background())
	assert.Error(t, err)
}

func TestComputeCachesSuccessfulFetch(t *testing.T) {
	cache, mock := redismock.NewClientMock()
	payload, _ := json.Marshal([]string{leaderA})
	mock.ExpectSet(lastGoodKey, payload, lastGoodTTL).SetVal("OK")

	scout := &stubSource{addrs: []string{leaderA}}
	m := NewManager(Config{}, scout, cache, metrics.NewRegistry(), nil)

	_, err := m.Compute(context.Background())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcileAppliesAndUpdatesCurrent(t *testing.T) {
	scout := &stubSource{addrs: []string{leaderA}}
	rec := &applyRecorder{}
	m := NewManager(Config{Pinned: []string{pinnedC}}, scout, nil, metrics.NewRegistry(), rec.apply)

	require.NoError(t, m.Reconcile(context.Background()))
	assert.Equal(t, []string{leaderA, pinnedC}, m.Current())
	require.Len(t, rec.applied, 1)
	assert.Equal(t, []string{leaderA, pinnedC}, rec.applied[0])
}

func TestReconcileKeepsPreviousListOnScoutFailure(t *testing.T) {
	scout := &stubSource{addrs: []string{leaderA}}
	rec := &applyRecorder{}
	m := NewManager(Config{}, scout, nil, metrics.NewRegistry(), rec.apply)

	require.NoError(t, m.Reconcile(context.Background()))
	require.Equal(t, []string{leaderA}, m.Current())

	scout.mu.Lock()
	scout.err = errors.New("scout down")
	scout.mu.Unlock()

	assert.Error(t, m.Reconcile(context.Background()))
	assert.Equal(t, []string{leaderA}, m.Current(), "failed cycle must not change the list")
	assert.Len(t, rec.applied, 1, "failed cycle must not touch subscriptions")
}

func TestReconcileKeepsPreviousListOnApplyFailure(t *testing.T) {
	scout := &stubSource{addrs: []string{leaderA}}
	rec := &applyRecorder{err: errors.New("subscribe failed")}
	m := NewManager(Config{}, scout, nil, metrics.NewRegistry(), rec.apply)

	assert.Error(t, m.Reconcile(context.Background()))
	assert.Empty(t, m.Current())
	assert.Equal(t, 2, rec.attemptCount(), "a failed apply gets one immediate retry")
}

func TestReconcileRetriesApplyAfterPartialFailure(t *testing.T) {
	scout := &stubSource{addrs: []string{leaderA}}
	rec := &applyRecorder{failN: 1}
	m := NewManager(Config{}, scout, nil, metrics.NewRegistry(), rec.apply)

	require.NoError(t, m.Reconcile(context.Background()))
	assert.Equal(t, []string{leaderA}, m.Current())
	require.Len(t, rec.applied, 1)
	assert.Equal(t, []string{leaderA}, rec.applied[0])
}
