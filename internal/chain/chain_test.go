package chain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradescout/relay/internal/hyperliquid"
	"github.com/tradescout/relay/internal/metrics"
	"github.com/tradescout/relay/internal/store"
)

const addr = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

type fakeStore struct {
	reports   map[string]store.ChainReport // keyed address|asset, consumed in order per key
	reportSeq map[string][]store.ChainReport
	cleared   []string
	clearErr  error
}

func key(address, asset string) string { return address + "|" + asset }

func (f *fakeStore) ValidatePositionChain(_ context.Context, address, asset string) (store.ChainReport, error) {
	k := key(address, asset)
	if seq := f.reportSeq[k]; len(seq) > 0 {
		report := seq[0]
		f.reportSeq[k] = seq[1:]
		return report, nil
	}
	if report, ok := f.reports[k]; ok {
		return report, nil
	}
	return store.ChainReport{Valid: true}, nil
}

func (f *fakeStore) ClearFills(_ context.Context, address, asset string) (int64, error) {
	if f.clearErr != nil {
		return 0, f.clearErr
	}
	f.cleared = append(f.cleared, key(address, asset))
	return 3, nil
}

type fakeHistory struct {
	fills []hyperliquid.Fill
	err   error
	calls int
}

func (f *fakeHistory) FetchUserFills(_ context.Context, _ string, _ hyperliquid.FillQuery) ([]hyperliquid.Fill, error) {
	f.calls++
	return f.fills, f.err
}

type fakeIngestor struct {
	ingested int
	err      error
	calls    int
}

func (f *fakeIngestor) IngestBackfill(_ context.Context, _ string, fills []hyperliquid.Fill) (int, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	f.ingested += len(fills)
	return len(fills), nil
}

type fixedAddrs []string

func (f fixedAddrs) Addresses() []string { return f }

func gapReport() store.ChainReport {
	return store.ChainReport{
		Valid: false,
		Gaps:  []store.ChainGap{{Time: time.Now(), Expected: 1, Actual: 2}},
		Count: 4,
	}
}

func newChecker(st *fakeStore, hist *fakeHistory, ing *fakeIngestor, addrs []string, auto bool) *Checker {
	return NewChecker(Config{
		Assets:     []string{"BTC"},
		Interval:   time.Minute,
		AutoRepair: auto,
	}, st, hist, ing, fixedAddrs(addrs), metrics.NewRegistry())
}

func TestValidateReportsGaps(t *testing.T) {
	st := &fakeStore{reports: map[string]store.ChainReport{key(addr, "BTC"): gapReport()}}
	c := newChecker(st, &fakeHistory{}, &fakeIngestor{}, []string{addr}, false)

	report, err := c.Validate(context.Background(), addr, "BTC")
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Len(t, report.Gaps, 1)
}

func TestRepairClearsFetchesAndReingests(t *testing.T) {
	st := &fakeStore{reportSeq: map[string][]store.ChainReport{
		key(addr, "BTC"): {{Valid: true, Count: 2}},
	}}
	hist := &fakeHistory{fills: []hyperliquid.Fill{
		{Coin: "BTC", Sz: 1, Side: "B", Time: 1000, Hash: "0x1"},
		{Coin: "BTC", Sz: 1, Side: "A", Time: 2000, Hash: "0x2", StartPosition: 1},
	}}
	ing := &fakeIngestor{}
	c := newChecker(st, hist, ing, []string{addr}, false)

	res, err := c.Repair(context.Background(), addr, "BTC")
	require.NoError(t, err)
	assert.Equal(t, []string{key(addr, "BTC")}, st.cleared)
	assert.Equal(t, int64(3), res.Cleared)
	assert.Equal(t, 2, res.Ingested)
	assert.True(t, res.Report.Valid)
}

func TestRepairFetchesBeforeClearing(t *testing.T) {
	// A failed history fetch must leave the stored chain untouched.
	st := &fakeStore{}
	hist := &fakeHistory{err: errors.New("upstream down")}
	c := newChecker(st, hist, &fakeIngestor{}, []string{addr}, false)

	_, err := c.Repair(context.Background(), addr, "BTC")
	require.Error(t, err)
	assert.Empty(t, st.cleared)
}

func TestRepairAllSkipsValidChains(t *testing.T) {
	st := &fakeStore{
		reports: map[string]store.ChainReport{key(addr, "BTC"): {Valid: true}},
	}
	hist := &fakeHistory{}
	ing := &fakeIngestor{}
	c := newChecker(st, hist, ing, []string{addr}, false)

	results, err := c.RepairAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, hist.calls)
}

func TestRepairAllRepairsBrokenChains(t *testing.T) {
	st := &fakeStore{reportSeq: map[string][]store.ChainReport{
		key(addr, "BTC"): {gapReport(), {Valid: true, Count: 1}},
	}}
	hist := &fakeHistory{fills: []hyperliquid.Fill{{Coin: "BTC", Sz: 1, Side: "B", Time: 1000, Hash: "0x1"}}}
	ing := &fakeIngestor{}
	c := newChecker(st, hist, ing, []string{addr}, false)

	results, err := c.RepairAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Report.Valid)
	assert.Equal(t, 1, ing.calls)
}

func TestSweepAutoRepairsWhenEnabled(t *testing.T) {
	st := &fakeStore{reportSeq: map[string][]store.ChainReport{
		key(addr, "BTC"): {gapReport(), {Valid: true}},
	}}
	hist := &fakeHistory{fills: []hyperliquid.Fill{{Coin: "BTC", Sz: 1, Side: "B", Time: 1000, Hash: "0x1"}}}
	ing := &fakeIngestor{}
	c := newChecker(st, hist, ing, []string{addr}, true)

	c.sweep(context.Background())
	assert.Equal(t, 1, ing.calls)
}

func TestSweepOnlyValidatesWhenAutoRepairDisabled(t *testing.T) {
	st := &fakeStore{reports: map[string]store.ChainReport{key(addr, "BTC"): gapReport()}}
	hist := &fakeHistory{}
	ing := &fakeIngestor{}
	c := newChecker(st, hist, ing, []string{addr}, false)

	c.sweep(context.Background())
	assert.Zero(t, hist.calls)
	assert.Zero(t, ing.calls)
}

func TestSweepSkipsWhenAlreadyRunning(t *testing.T) {
	st := &fakeStore{reports: map[string]store.ChainReport{key(addr, "BTC"): gapReport()}}
	c := newChecker(st, &fakeHistory{}, &fakeIngestor{}, []string{addr}, false)

	c.running.Store(true)
	c.sweep(context.Background()) // must return immediately without validating
	c.running.Store(false)

	report, err := c.Validate(context.Background(), addr, "BTC")
	require.NoError(t, err)
	assert.False(t, report.Valid)
}
