package feed

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/perpdata/candle-feeder/config"
	"github.com/perpdata/candle-feeder/feed/collector"
	"github.com/perpdata/candle-feeder/feed/types"
	"github.com/perpdata/candle-feeder/refdata"
)

func TestBuildCollectorHyperliquid(t *testing.T) {
	c, err := buildCollector(
		zerolog.Nop(),
		config.Exchange{Name: "hyperliquid", Active: true},
		NewAggregator(zerolog.Nop(), newFakePointStore()),
		time.Minute,
		[]refdata.SeriesInfo{{
			ID: 1, MarketID: 10,
			Key: types.SeriesKey{
				MarketKey: types.MarketKey{Exchange: "hyperliquid", Base: "BTC", Quote: "USD", MarketType: "perp"},
				Interval:  "1m",
			},
			IntervalSeconds: 60, Active: true,
		}},
		[]refdata.MarketInfo{{
			ID:  10,
			Key: types.MarketKey{Exchange: "hyperliquid", Base: "BTC", Quote: "USD", MarketType: "perp"},
		}},
	)
	require.NoError(t, err)
	require.Equal(t, types.ExchangeName("hyperliquid"), c.Name())
	require.IsType(t, &collector.HyperliquidCollector{}, c)
}

func TestBuildCollectorBinance(t *testing.T) {
	c, err := buildCollector(
		zerolog.Nop(),
		config.Exchange{Name: "binance", Active: true},
		NewAggregator(zerolog.Nop(), newFakePointStore()),
		time.Minute,
		[]refdata.SeriesInfo{{
			ID: 2, MarketID: 11,
			Key: types.SeriesKey{
				MarketKey: types.MarketKey{Exchange: "binance", Base: "ETH", Quote: "USDT", MarketType: "perp"},
				Interval:  "1m",
			},
			IntervalSeconds: 60, Active: true,
		}},
		nil,
	)
	require.NoError(t, err)
	require.IsType(t, &collector.BinanceCollector{}, c)
}

func TestBuildCollectorUnknownExchange(t *testing.T) {
	_, err := buildCollector(
		zerolog.Nop(),
		config.Exchange{Name: "kraken", Active: true},
		NewAggregator(zerolog.Nop(), newFakePointStore()),
		time.Minute, nil, nil,
	)
	require.Error(t, err)
}

type stubCollector struct {
	name    types.ExchangeName
	state   collector.State
	stopped bool
}

func (s *stubCollector) Name() types.ExchangeName { return s.name }
func (s *stubCollector) Start(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
func (s *stubCollector) Stop()                  { s.stopped = true }
func (s *stubCollector) Healthy() bool          { return s.state == collector.StateRunning }
func (s *stubCollector) State() collector.State { return s.state }

func TestSupervisorStates(t *testing.T) {
	s := &Supervisor{
		logger:     zerolog.Nop(),
		aggregator: NewAggregator(zerolog.Nop(), newFakePointStore()),
		collectors: []collector.Collector{
			&stubCollector{name: "hyperliquid", state: collector.StateRunning},
			&stubCollector{name: "binance", state: collector.StateConnecting},
		},
		restartDelay: time.Millisecond,
	}

	states := s.States()
	require.Equal(t, "running", states["hyperliquid"])
	require.Equal(t, "connecting", states["binance"])
	require.False(t, s.Healthy())

	s.collectors[1].(*stubCollector).state = collector.StateRunning
	require.True(t, s.Healthy())
}

func TestSupervisorStartStopsOnCancel(t *testing.T) {
	stub := &stubCollector{name: "hyperliquid", state: collector.StateRunning}
	s := &Supervisor{
		logger:       zerolog.Nop(),
		aggregator:   NewAggregator(zerolog.Nop(), newFakePointStore()),
		collectors:   []collector.Collector{stub},
		restartDelay: time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}
