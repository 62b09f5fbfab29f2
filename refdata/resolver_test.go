package refdata

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/perpdata/candle-feeder/config"
	"github.com/perpdata/candle-feeder/feed/types"
	"github.com/perpdata/candle-feeder/store"
)

type fakeLoader struct {
	rows []store.ReferenceRow
	err  error
}

func (f *fakeLoader) LoadReference(context.Context) ([]store.ReferenceRow, error) {
	return f.rows, f.err
}

func testRows() []store.ReferenceRow {
	return []store.ReferenceRow{
		{
			SeriesID: 1, MarketID: 10,
			Exchange: "hyperliquid", Base: "BTC", Quote: "USD", MarketType: "perp",
			Interval: "1m", IntervalSeconds: 60, Active: true,
		},
		{
			SeriesID: 2, MarketID: 10,
			Exchange: "hyperliquid", Base: "BTC", Quote: "USD", MarketType: "perp",
			Interval: "1h", IntervalSeconds: 3600, Active: true,
		},
		{
			SeriesID: 3, MarketID: 11,
			Exchange: "binance", Base: "ETH", Quote: "USDT", MarketType: "perp",
			Interval: "1m", IntervalSeconds: 60, Active: false,
		},
	}
}

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := NewResolver(
		context.Background(),
		zerolog.Nop(),
		&fakeLoader{rows: testRows()},
		map[types.ExchangeName]map[string]string{
			"binance": {"USD": "USDT"},
		},
	)
	require.NoError(t, err)
	return r
}

func TestResolveSeries(t *testing.T) {
	r := newTestResolver(t)

	key := types.SeriesKey{
		MarketKey: types.MarketKey{
			Exchange: "hyperliquid", Base: "BTC", Quote: "USD", MarketType: "perp",
		},
		Interval: "1m",
	}
	id, err := r.ResolveSeries(key)
	require.NoError(t, err)
	require.Equal(t, int64(1), id)

	key.Interval = "1h"
	id, err = r.ResolveSeries(key)
	require.NoError(t, err)
	require.Equal(t, int64(2), id)

	key.Interval = "4h"
	_, err = r.ResolveSeries(key)
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestResolveSeriesAppliesQuoteAlias(t *testing.T) {
	r := newTestResolver(t)

	// Binance quotes in USDT; a USD lookup resolves through the alias.
	id, err := r.ResolveSeries(types.SeriesKey{
		MarketKey: types.MarketKey{
			Exchange: "binance", Base: "ETH", Quote: "USD", MarketType: "perp",
		},
		Interval: "1m",
	})
	require.NoError(t, err)
	require.Equal(t, int64(3), id)
}

func TestResolveMarket(t *testing.T) {
	r := newTestResolver(t)

	id, err := r.ResolveMarket(types.MarketKey{
		Exchange: "hyperliquid", Base: "BTC", Quote: "USD", MarketType: "perp",
	})
	require.NoError(t, err)
	require.Equal(t, int64(10), id)

	_, err = r.ResolveMarket(types.MarketKey{
		Exchange: "hyperliquid", Base: "SOL", Quote: "USD", MarketType: "perp",
	})
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestLookupByID(t *testing.T) {
	r := newTestResolver(t)

	info, ok := r.SeriesByID(2)
	require.True(t, ok)
	require.Equal(t, "1h", info.Key.Interval)
	require.Equal(t, int64(3600), info.IntervalSeconds)
	require.Equal(t, int64(10), info.MarketID)

	_, ok = r.SeriesByID(99)
	require.False(t, ok)

	market, ok := r.MarketByID(11)
	require.True(t, ok)
	require.Equal(t, "ETH", market.Key.Base)
	require.False(t, market.Active)
}

func TestActiveSeriesFilter(t *testing.T) {
	r := newTestResolver(t)

	all := r.ActiveSeries(Filter{})
	require.Len(t, all, 2)
	require.Equal(t, int64(1), all[0].ID)
	require.Equal(t, int64(2), all[1].ID)

	// Inactive series are excluded even when the filter matches them.
	require.Empty(t, r.ActiveSeries(Filter{Exchange: "binance"}))
	require.Len(t, r.ActiveSeries(Filter{Exchange: "hyperliquid", Base: "BTC"}), 2)
	require.Empty(t, r.ActiveSeries(Filter{Base: "DOGE"}))

	markets := r.ActiveMarkets(Filter{})
	require.Len(t, markets, 1)
	require.Equal(t, int64(10), markets[0].ID)
}

func TestRefreshSwapsSnapshot(t *testing.T) {
	loader := &fakeLoader{rows: testRows()}
	r, err := NewResolver(context.Background(), zerolog.Nop(), loader, nil)
	require.NoError(t, err)

	key := types.SeriesKey{
		MarketKey: types.MarketKey{
			Exchange: "hyperliquid", Base: "BTC", Quote: "USD", MarketType: "perp",
		},
		Interval: "1m",
	}
	_, err = r.ResolveSeries(key)
	require.NoError(t, err)

	loader.rows = testRows()[1:]
	require.NoError(t, r.Refresh(context.Background()))
	_, err = r.ResolveSeries(key)
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestConfigRecords(t *testing.T) {
	cfg := config.Config{
		Exchanges: []config.Exchange{
			{Name: "hyperliquid", DisplayName: "Hyperliquid", Active: true},
			{Name: "binance", Active: false},
		},
		Assets:      []config.Asset{{Name: "BTC", Active: true}},
		Quotes:      []config.Asset{{Name: "USD", DisplayName: "US Dollar", Active: true}},
		MarketTypes: []config.Asset{{Name: "perp", Active: true}},
		Intervals:   []config.Interval{{Name: "1m", Seconds: 60}},
		Series: []config.Series{
			{Exchange: "hyperliquid", Base: "BTC", Quote: "USD", MarketType: "perp", Intervals: []string{"1m"}},
		},
	}

	rec := ConfigRecords(cfg)
	require.Equal(t, "Hyperliquid", rec.Exchanges[0].DisplayName)
	require.Equal(t, "binance", rec.Exchanges[1].DisplayName)
	require.Equal(t, "BTC", rec.Assets[0].DisplayName)
	require.Equal(t, "US Dollar", rec.Quotes[0].DisplayName)
	require.Equal(t, int64(60), rec.Intervals[0].Seconds)
	require.Equal(t, []string{"1m"}, rec.Series[0].Intervals)
}

func TestQuoteAliases(t *testing.T) {
	cfg := config.Config{
		Exchanges: []config.Exchange{
			{Name: "hyperliquid"},
			{Name: "binance", QuoteAliases: map[string]string{"USD": "USDT"}},
		},
	}
	aliases := QuoteAliases(cfg)
	require.Len(t, aliases, 1)
	require.Equal(t, "USDT", aliases["binance"]["USD"])
}
