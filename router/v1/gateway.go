package v1

import (
	"context"
	"time"

	"github.com/perpdata/candle-feeder/feed/types"
	"github.com/perpdata/candle-feeder/refdata"
)

// Gateway defines the storage contract the v1 router depends on. Reads
// return rows newest first; the handlers reverse them so responses are
// ascending. *store.Store satisfies it.
type Gateway interface {
	Ping(ctx context.Context) error
	Candles(ctx context.Context, seriesID int64, start, end time.Time, limit int) ([]types.Candle, error)
	FundingPoints(ctx context.Context, marketID int64, start, end time.Time, limit int) ([]types.FundingPoint, error)
	OpenInterestPoints(ctx context.Context, marketID int64, start, end time.Time, limit int) ([]types.OpenInterestPoint, error)
}

// Resolver defines the reference-resolution contract the v1 router
// depends on. *refdata.Resolver satisfies it.
type Resolver interface {
	ResolveSeries(key types.SeriesKey) (int64, error)
	ResolveMarket(key types.MarketKey) (int64, error)
	ActiveSeries(filter refdata.Filter) []refdata.SeriesInfo
	ActiveMarkets(filter refdata.Filter) []refdata.MarketInfo
}

// Collectors reports live collector health for the healthz endpoint.
// *feed.Supervisor satisfies it; the API process, which runs no
// collectors, passes nil.
type Collectors interface {
	States() map[types.ExchangeName]string
	Healthy() bool
}
