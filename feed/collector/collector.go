package collector

import (
	"context"
	"time"

	"github.com/perpdata/candle-feeder/feed/types"
)

const (
	defaultPingDuration    = 15 * time.Second
	defaultReadIdleTimeout = 60 * time.Second

	ExchangeHyperliquid types.ExchangeName = "hyperliquid"
	ExchangeBinance     types.ExchangeName = "binance"
)

type (
	// Collector defines an interface an exchange data collector must
	// implement. Start blocks until ctx is cancelled or Stop is called,
	// reconnecting internally on connection loss.
	Collector interface {
		// Name returns the exchange this collector feeds from.
		Name() types.ExchangeName

		// Start dials the exchange and runs the receive loop.
		Start(ctx context.Context) error

		// Stop tears down the connection and unblocks Start.
		Stop()

		// Healthy reports whether the collector is in its running state.
		Healthy() bool

		// State returns the connection state for health reporting.
		State() State
	}

	// Sink receives everything a collector produces. Candles are written
	// through immediately; funding and open-interest ticks land in the
	// minute buckets and are persisted on the boundary flush.
	Sink interface {
		UpsertCandle(ctx context.Context, seriesID int64, candle types.Candle) error
		PutFunding(marketID int64, point types.FundingPoint)
		PutOpenInterest(marketID int64, point types.OpenInterestPoint)
	}

	// Endpoint defines an override setting in our config for the
	// hardcoded rest and websocket api endpoints.
	Endpoint struct {
		// Name of the exchange, ex. "hyperliquid"
		Name types.ExchangeName

		// Rest endpoint for the exchange, ex. "https://api.hyperliquid.xyz"
		Rest string

		// Websocket endpoint for the exchange, ex. "api.hyperliquid.xyz"
		Websocket string
	}

	// SeriesSub is one candle series a collector subscribes to, with the
	// exchange-native coin symbol already resolved.
	SeriesSub struct {
		ID         int64
		Coin       string
		Interval   string
		BarSeconds int64
	}

	// MarketSub is one market a collector tracks funding and open
	// interest for.
	MarketSub struct {
		ID   int64
		Coin string
	}
)
