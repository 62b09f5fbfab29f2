package backfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/perpdata/candle-feeder/feed/types"
	"github.com/perpdata/candle-feeder/refdata"
)

const (
	// sourceAttempts bounds retries of one chunk fetch against rate
	// limiting before the series is given up on.
	sourceAttempts = 5

	defaultSourceRate  = rate.Limit(4)
	defaultSourceBurst = 2
)

// ErrRateLimited marks a source fetch rejected by the exchange's rate
// limiter. The engine halves its request rate and retries.
var ErrRateLimited = errors.New("source rate limited")

type (
	// Source fetches historical rows from one exchange's REST API.
	Source interface {
		// Name returns the exchange this source reads from.
		Name() types.ExchangeName

		// Symbol maps a market key to the exchange-native coin symbol.
		Symbol(key types.MarketKey) string

		// Candles returns bars of the interval inside [start, end],
		// oldest first. An empty result means the window holds nothing.
		Candles(ctx context.Context, coin, interval string, start, end time.Time) ([]types.Candle, error)

		// FundingHistory returns historical funding rows inside
		// [start, end], oldest first.
		FundingHistory(ctx context.Context, coin string, start, end time.Time) ([]types.FundingPoint, error)

		// OpenInterestHistory returns historical open-interest rows
		// inside [start, end]. Exchanges without such an endpoint return
		// a types.ErrNotRecoverable wrap.
		OpenInterestHistory(ctx context.Context, coin string, start, end time.Time) ([]types.OpenInterestPoint, error)
	}

	// EngineStore is the slice of the storage gateway the engine writes
	// through. *store.Store satisfies it.
	EngineStore interface {
		UpsertCandles(ctx context.Context, seriesID int64, rows []types.Candle) error
		UpsertFundingPoints(ctx context.Context, marketID int64, rows []types.FundingPoint) error
		UpsertOpenInterestPoints(ctx context.Context, marketID int64, rows []types.OpenInterestPoint) error
		LatestCandleTimes(ctx context.Context, seriesIDs []int64) (map[int64]time.Time, error)
		LatestPointTimes(ctx context.Context, kind types.DataKind, marketIDs []int64) (map[int64]time.Time, error)
	}

	// Engine replays historical windows through the same upsert contract
	// the live path uses, so a backfill can run beside live collection
	// without clobbering it.
	Engine struct {
		logger   zerolog.Logger
		store    EngineStore
		resolver *refdata.Resolver
		sources  map[types.ExchangeName]Source
		limiters map[types.ExchangeName]*rate.Limiter
	}
)

// NewEngine creates an Engine over the given sources.
func NewEngine(logger zerolog.Logger, store EngineStore, resolver *refdata.Resolver, sources ...Source) *Engine {
	e := &Engine{
		logger:   logger.With().Str("module", "backfill").Logger(),
		store:    store,
		resolver: resolver,
		sources:  make(map[types.ExchangeName]Source, len(sources)),
		limiters: make(map[types.ExchangeName]*rate.Limiter, len(sources)),
	}
	for _, s := range sources {
		e.sources[s.Name()] = s
		e.limiters[s.Name()] = rate.NewLimiter(defaultSourceRate, defaultSourceBurst)
	}
	return e
}

// BackfillCandles replays [start, end] for every active series matching
// the filter. Series on exchanges without a source are skipped with a
// warning; a failing series does not stop the rest.
func (e *Engine) BackfillCandles(ctx context.Context, filter refdata.Filter, start, end time.Time) error {
	start, end = types.MinuteAlign(start), types.MinuteAlign(end)
	if !end.After(start) {
		return fmt.Errorf("%w: backfill window end %s is not after start %s", types.ErrValidation, end, start)
	}

	var failed int
	for _, info := range e.resolver.ActiveSeries(filter) {
		source, ok := e.sources[info.Key.Exchange]
		if !ok {
			e.logger.Warn().Str("exchange", string(info.Key.Exchange)).
				Msg("no backfill source for exchange, skipping series")
			continue
		}
		if err := e.backfillSeries(ctx, source, info, start, end); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failed++
			e.logger.Error().Err(err).Str("series", info.Key.String()).Msg("series backfill failed")
		}
	}
	if failed > 0 {
		return fmt.Errorf("backfill finished with %d failed series", failed)
	}
	return nil
}

func (e *Engine) backfillSeries(ctx context.Context, source Source, info refdata.SeriesInfo, start, end time.Time) error {
	coin := source.Symbol(info.Key.MarketKey)
	cursor := end
	total := 0

	for cursor.After(start) {
		rows, err := e.fetchCandles(ctx, source, coin, info.Key.Interval, start, cursor)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			break
		}

		oldest := rows[0].Time
		for i := range rows {
			rows[i].SeriesID = info.ID
			rows[i] = rows[i].AlignTo(info.IntervalSeconds)
			if rows[i].Time.Before(oldest) {
				oldest = rows[i].Time
			}
		}
		if err := e.store.UpsertCandles(ctx, info.ID, rows); err != nil {
			return fmt.Errorf("failed to store candle chunk: %w", err)
		}
		total += len(rows)

		if !oldest.After(start) {
			break
		}
		cursor = oldest.Add(-time.Millisecond)
	}

	e.logger.Info().Str("series", info.Key.String()).Int("rows", total).Msg("series backfill complete")
	return nil
}

// BackfillFunding replays historical funding for every active market
// matching the filter.
func (e *Engine) BackfillFunding(ctx context.Context, filter refdata.Filter, start, end time.Time) error {
	start, end = types.MinuteAlign(start), types.MinuteAlign(end)
	if !end.After(start) {
		return fmt.Errorf("%w: backfill window end %s is not after start %s", types.ErrValidation, end, start)
	}

	var failed int
	for _, info := range e.resolver.ActiveMarkets(filter) {
		source, ok := e.sources[info.Key.Exchange]
		if !ok {
			e.logger.Warn().Str("exchange", string(info.Key.Exchange)).
				Msg("no backfill source for exchange, skipping market")
			continue
		}
		if err := e.backfillMarketFunding(ctx, source, info, start, end); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failed++
			e.logger.Error().Err(err).Str("market", info.Key.String()).Msg("market funding backfill failed")
		}
	}
	if failed > 0 {
		return fmt.Errorf("funding backfill finished with %d failed markets", failed)
	}
	return nil
}

func (e *Engine) backfillMarketFunding(ctx context.Context, source Source, info refdata.MarketInfo, start, end time.Time) error {
	coin := source.Symbol(info.Key)
	cursor := end
	total := 0

	for cursor.After(start) {
		rows, err := e.fetchFunding(ctx, source, coin, start, cursor)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			break
		}

		oldest := rows[0].Time
		for i := range rows {
			rows[i].MarketID = info.ID
			rows[i].Time = types.MinuteAlign(rows[i].Time)
			if rows[i].Time.Before(oldest) {
				oldest = rows[i].Time
			}
		}
		if err := e.store.UpsertFundingPoints(ctx, info.ID, rows); err != nil {
			return fmt.Errorf("failed to store funding chunk: %w", err)
		}
		total += len(rows)

		if !oldest.After(start) {
			break
		}
		cursor = oldest.Add(-time.Millisecond)
	}

	e.logger.Info().Str("market", info.Key.String()).Int("rows", total).Msg("market funding backfill complete")
	return nil
}

func (e *Engine) fetchCandles(ctx context.Context, source Source, coin, interval string, start, end time.Time) ([]types.Candle, error) {
	var rows []types.Candle
	err := e.fetch(ctx, source.Name(), func(ctx context.Context) error {
		var err error
		rows, err = source.Candles(ctx, coin, interval, start, end)
		return err
	})
	return rows, err
}

func (e *Engine) fetchFunding(ctx context.Context, source Source, coin string, start, end time.Time) ([]types.FundingPoint, error) {
	var rows []types.FundingPoint
	err := e.fetch(ctx, source.Name(), func(ctx context.Context) error {
		var err error
		rows, err = source.FundingHistory(ctx, coin, start, end)
		return err
	})
	return rows, err
}

// fetch runs one source call under the exchange's token bucket. A rate
// limit rejection halves the bucket's rate and retries up to
// sourceAttempts times.
func (e *Engine) fetch(ctx context.Context, exchange types.ExchangeName, op func(ctx context.Context) error) error {
	limiter := e.limiters[exchange]

	var err error
	for attempt := 0; attempt < sourceAttempts; attempt++ {
		if limiter != nil {
			if waitErr := limiter.Wait(ctx); waitErr != nil {
				return waitErr
			}
		}
		if err = op(ctx); err == nil {
			return nil
		}
		if !errors.Is(err, ErrRateLimited) {
			return err
		}
		if limiter != nil {
			halved := limiter.Limit() / 2
			limiter.SetLimit(halved)
			e.logger.Warn().Str("exchange", string(exchange)).Float64("rate", float64(halved)).
				Msg("rate limited, halving source request rate")
		}
	}
	return fmt.Errorf("%w: %v", types.ErrTransient, err)
}
