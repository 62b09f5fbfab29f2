package feed

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/perpdata/candle-feeder/feed/collector"
	"github.com/perpdata/candle-feeder/feed/types"
)

type (
	// PointStore is the slice of the storage gateway the aggregator
	// writes through. *store.Store satisfies it.
	PointStore interface {
		UpsertCandles(ctx context.Context, seriesID int64, rows []types.Candle) error
		UpsertFundingPoints(ctx context.Context, marketID int64, rows []types.FundingPoint) error
		UpsertOpenInterestPoints(ctx context.Context, marketID int64, rows []types.OpenInterestPoint) error
	}

	// FundingBuffer keeps the newest funding tick per market within the
	// current minute bucket. Ticks with an older exchange timestamp than
	// the buffered one are discarded.
	FundingBuffer struct {
		mtx    sync.Mutex
		latest map[int64]types.FundingPoint
	}

	// OIBuffer is the open-interest counterpart of FundingBuffer.
	OIBuffer struct {
		mtx    sync.Mutex
		latest map[int64]types.OpenInterestPoint
	}

	// Aggregator turns the sub-minute funding and open-interest tick
	// streams into one minute-aligned row per market. Candles pass
	// through to the gateway untouched; they are already bar-keyed.
	//
	// Aggregator is the Sink every collector writes into.
	Aggregator struct {
		logger  zerolog.Logger
		store   PointStore
		funding *FundingBuffer
		oi      *OIBuffer
	}
)

var _ collector.Sink = (*Aggregator)(nil)

// NewFundingBuffer returns an empty funding minute bucket.
func NewFundingBuffer() *FundingBuffer {
	return &FundingBuffer{latest: make(map[int64]types.FundingPoint)}
}

// Put buffers the tick unless a newer one for the market is already held.
func (b *FundingBuffer) Put(marketID int64, point types.FundingPoint) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if held, ok := b.latest[marketID]; ok && held.Time.After(point.Time) {
		return
	}
	b.latest[marketID] = point
}

// Drain snapshots and resets the bucket.
func (b *FundingBuffer) Drain() map[int64]types.FundingPoint {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	out := b.latest
	b.latest = make(map[int64]types.FundingPoint)
	return out
}

// NewOIBuffer returns an empty open-interest minute bucket.
func NewOIBuffer() *OIBuffer {
	return &OIBuffer{latest: make(map[int64]types.OpenInterestPoint)}
}

// Put buffers the tick unless a newer one for the market is already held.
func (b *OIBuffer) Put(marketID int64, point types.OpenInterestPoint) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if held, ok := b.latest[marketID]; ok && held.Time.After(point.Time) {
		return
	}
	b.latest[marketID] = point
}

// Drain snapshots and resets the bucket.
func (b *OIBuffer) Drain() map[int64]types.OpenInterestPoint {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	out := b.latest
	b.latest = make(map[int64]types.OpenInterestPoint)
	return out
}

// NewAggregator creates an Aggregator writing through the given store.
func NewAggregator(logger zerolog.Logger, store PointStore) *Aggregator {
	return &Aggregator{
		logger:  logger.With().Str("module", "aggregator").Logger(),
		store:   store,
		funding: NewFundingBuffer(),
		oi:      NewOIBuffer(),
	}
}

// UpsertCandle implements collector.Sink.
func (a *Aggregator) UpsertCandle(ctx context.Context, seriesID int64, candle types.Candle) error {
	return a.store.UpsertCandles(ctx, seriesID, []types.Candle{candle})
}

// PutFunding implements collector.Sink.
func (a *Aggregator) PutFunding(marketID int64, point types.FundingPoint) {
	a.funding.Put(marketID, point)
}

// PutOpenInterest implements collector.Sink.
func (a *Aggregator) PutOpenInterest(marketID int64, point types.OpenInterestPoint) {
	a.oi.Put(marketID, point)
}

// Run flushes both buckets at every UTC minute boundary until ctx is
// cancelled, then performs one final synchronous flush so ticks received
// during shutdown are not lost. Flushes run sequentially on this one
// goroutine; a flush that outlasts its minute delays the next boundary
// rather than stacking a second flush.
func (a *Aggregator) Run(ctx context.Context, shutdownGrace time.Duration) error {
	for {
		next := time.Now().UTC().Truncate(time.Minute).Add(time.Minute)
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			a.Flush(flushCtx, types.MinuteAlign(time.Now().UTC()))
			return ctx.Err()
		case <-time.After(time.Until(next)):
			a.Flush(ctx, types.MinuteAlign(time.Now().UTC()))
		}
	}
}

// Flush drains both buckets and writes one row per market, every row
// stamped with boundary, the minute at which the flush begins. Rows of
// both kinds flushed together share one timestamp, so columns join
// cleanly across kinds no matter when within the minute each tick
// arrived.
func (a *Aggregator) Flush(ctx context.Context, boundary time.Time) {
	for marketID, point := range a.funding.Drain() {
		point.Time = boundary
		if err := a.store.UpsertFundingPoints(ctx, marketID, []types.FundingPoint{point}); err != nil {
			a.logger.Error().Err(err).Int64("market_id", marketID).Msg("failed to flush funding bucket")
		}
	}
	for marketID, point := range a.oi.Drain() {
		point.Time = boundary
		if err := a.store.UpsertOpenInterestPoints(ctx, marketID, []types.OpenInterestPoint{point}); err != nil {
			a.logger.Error().Err(err).Int64("market_id", marketID).Msg("failed to flush open-interest bucket")
		}
	}
}
