package backfill

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/perpdata/candle-feeder/feed/types"
	"github.com/perpdata/candle-feeder/refdata"
	"github.com/perpdata/candle-feeder/store"
)

type fakeLoader struct{ rows []store.ReferenceRow }

func (f *fakeLoader) LoadReference(context.Context) ([]store.ReferenceRow, error) {
	return f.rows, nil
}

func newTestResolver(t *testing.T) *refdata.Resolver {
	t.Helper()
	r, err := refdata.NewResolver(context.Background(), zerolog.Nop(), &fakeLoader{rows: []store.ReferenceRow{
		{
			SeriesID: 1, MarketID: 10,
			Exchange: "hyperliquid", Base: "BTC", Quote: "USD", MarketType: "perp",
			Interval: "1m", IntervalSeconds: 60, Active: true,
		},
	}}, nil)
	require.NoError(t, err)
	return r
}

type fakeEngineStore struct {
	mtx          sync.Mutex
	candles      map[int64][]types.Candle
	funding      map[int64][]types.FundingPoint
	latestCandle map[int64]time.Time
	latestPoints map[types.DataKind]map[int64]time.Time
}

func newFakeEngineStore() *fakeEngineStore {
	return &fakeEngineStore{
		candles:      make(map[int64][]types.Candle),
		funding:      make(map[int64][]types.FundingPoint),
		latestCandle: make(map[int64]time.Time),
		latestPoints: make(map[types.DataKind]map[int64]time.Time),
	}
}

func (f *fakeEngineStore) UpsertCandles(_ context.Context, seriesID int64, rows []types.Candle) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.candles[seriesID] = append(f.candles[seriesID], rows...)
	return nil
}

func (f *fakeEngineStore) UpsertFundingPoints(_ context.Context, marketID int64, rows []types.FundingPoint) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.funding[marketID] = append(f.funding[marketID], rows...)
	return nil
}

func (f *fakeEngineStore) UpsertOpenInterestPoints(context.Context, int64, []types.OpenInterestPoint) error {
	return nil
}

func (f *fakeEngineStore) LatestCandleTimes(_ context.Context, seriesIDs []int64) (map[int64]time.Time, error) {
	return f.latestCandle, nil
}

func (f *fakeEngineStore) LatestPointTimes(_ context.Context, kind types.DataKind, _ []int64) (map[int64]time.Time, error) {
	return f.latestPoints[kind], nil
}

// chunkSource serves a fixed candle history in fixed-size chunks, newest
// portion of the requested window first, the way a capped REST endpoint
// behaves.
type chunkSource struct {
	chunkSize   int
	history     []types.Candle
	fundingHist []types.FundingPoint
	calls       int
	rateLimits  int
}

func (s *chunkSource) Name() types.ExchangeName          { return "hyperliquid" }
func (s *chunkSource) Symbol(key types.MarketKey) string { return key.Base }

func (s *chunkSource) Candles(_ context.Context, _, _ string, start, end time.Time) ([]types.Candle, error) {
	s.calls++
	if s.rateLimits > 0 {
		s.rateLimits--
		return nil, ErrRateLimited
	}
	var window []types.Candle
	for _, c := range s.history {
		if !c.Time.Before(start) && !c.Time.After(end) {
			window = append(window, c)
		}
	}
	if len(window) > s.chunkSize {
		window = window[len(window)-s.chunkSize:]
	}
	return window, nil
}

func (s *chunkSource) FundingHistory(_ context.Context, _ string, start, end time.Time) ([]types.FundingPoint, error) {
	var window []types.FundingPoint
	for _, p := range s.fundingHist {
		if !p.Time.Before(start) && !p.Time.After(end) {
			window = append(window, p)
		}
	}
	return window, nil
}

func (s *chunkSource) OpenInterestHistory(context.Context, string, time.Time, time.Time) ([]types.OpenInterestPoint, error) {
	return nil, types.ErrNotRecoverable
}

func minuteCandles(t *testing.T, start time.Time, n int) []types.Candle {
	t.Helper()
	out := make([]types.Candle, 0, n)
	for i := 0; i < n; i++ {
		c, err := types.NewCandle(start.Add(time.Duration(i)*time.Minute).UnixMilli(),
			"100", "110", "90", "105", "1")
		require.NoError(t, err)
		out = append(out, c)
	}
	return out
}

func TestBackfillCandlesChunkedWalk(t *testing.T) {
	start := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	src := &chunkSource{chunkSize: 4, history: minuteCandles(t, start, 10)}
	st := newFakeEngineStore()
	e := NewEngine(zerolog.Nop(), st, newTestResolver(t), src)

	err := e.BackfillCandles(context.Background(), refdata.Filter{}, start, start.Add(10*time.Minute))
	require.NoError(t, err)

	got := st.candles[1]
	require.Len(t, got, 10)
	seen := make(map[time.Time]bool)
	for _, c := range got {
		require.Equal(t, int64(1), c.SeriesID)
		seen[c.Time] = true
	}
	// every minute of the window was recovered exactly once
	require.Len(t, seen, 10)
	require.True(t, seen[start])
	require.True(t, seen[start.Add(9*time.Minute)])
}

func TestBackfillCandlesEmptyWindow(t *testing.T) {
	start := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	src := &chunkSource{chunkSize: 4}
	st := newFakeEngineStore()
	e := NewEngine(zerolog.Nop(), st, newTestResolver(t), src)

	require.NoError(t, e.BackfillCandles(context.Background(), refdata.Filter{}, start, start.Add(time.Hour)))
	require.Empty(t, st.candles)
	require.Equal(t, 1, src.calls)
}

func TestBackfillCandlesRejectsInvertedWindow(t *testing.T) {
	start := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	e := NewEngine(zerolog.Nop(), newFakeEngineStore(), newTestResolver(t), &chunkSource{})

	err := e.BackfillCandles(context.Background(), refdata.Filter{}, start, start)
	require.ErrorIs(t, err, types.ErrValidation)
}

func TestBackfillRateLimitHalvesRate(t *testing.T) {
	start := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	src := &chunkSource{chunkSize: 10, history: minuteCandles(t, start, 5), rateLimits: 2}
	st := newFakeEngineStore()
	e := NewEngine(zerolog.Nop(), st, newTestResolver(t), src)

	before := e.limiters["hyperliquid"].Limit()
	err := e.BackfillCandles(context.Background(), refdata.Filter{}, start, start.Add(5*time.Minute))
	require.NoError(t, err)
	require.Len(t, st.candles[1], 5)
	require.Equal(t, before/4, e.limiters["hyperliquid"].Limit())
}

func TestBackfillFundingAlignsRows(t *testing.T) {
	start := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	rate := decimal.RequireFromString("0.0000125")
	src := &chunkSource{fundingHist: []types.FundingPoint{
		{Time: start.Add(30*time.Minute + 15*time.Second), FundingRate: &rate},
	}}
	st := newFakeEngineStore()
	e := NewEngine(zerolog.Nop(), st, newTestResolver(t), src)

	err := e.BackfillFunding(context.Background(), refdata.Filter{}, start, start.Add(time.Hour))
	require.NoError(t, err)

	require.Len(t, st.funding[10], 1)
	row := st.funding[10][0]
	require.Equal(t, int64(10), row.MarketID)
	require.Equal(t, start.Add(30*time.Minute), row.Time)
}

func TestDetectDowntime(t *testing.T) {
	st := newFakeEngineStore()
	now := time.Now().UTC()
	st.latestCandle[1] = now.Add(-2 * time.Minute)
	st.latestPoints[types.KindFunding] = map[int64]time.Time{10: now.Add(-45 * time.Minute)}
	st.latestPoints[types.KindOpenInterest] = map[int64]time.Time{}

	e := NewEngine(zerolog.Nop(), st, newTestResolver(t), &chunkSource{})
	report, err := e.DetectDowntime(context.Background(), refdata.Filter{}, 10*time.Minute)
	require.NoError(t, err)

	require.Len(t, report.Series, 1)
	require.False(t, report.Series[0].Stale)

	require.Len(t, report.Markets, 2)
	staleSeries, staleMarkets := report.Stale()
	require.Empty(t, staleSeries)
	require.Len(t, staleMarkets, 2)
	require.Equal(t, types.KindFunding, staleMarkets[0].Kind)
	// a market with no rows at all is stale with a zero Latest
	require.True(t, staleMarkets[1].Latest.IsZero())
}
