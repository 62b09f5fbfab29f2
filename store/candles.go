package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/perpdata/candle-feeder/feed/types"
)

const candleColumns = `time, series_id, open::text, high::text, low::text, close::text, volume::text, trade_count`

// UpsertCandles writes a batch of candles for one series. Candles are
// authoritative per source, so on conflict every present column is taken
// from the incoming row; only the optional trade count coalesces. The
// batch is atomic: a single invalid row aborts the whole write before it
// reaches the database.
func (s *Store) UpsertCandles(ctx context.Context, seriesID int64, rows []types.Candle) error {
	if len(rows) == 0 {
		return nil
	}

	times := make([]time.Time, len(rows))
	opens := make([]string, len(rows))
	highs := make([]string, len(rows))
	lows := make([]string, len(rows))
	closes := make([]string, len(rows))
	volumes := make([]string, len(rows))
	tradeCounts := make([]*int64, len(rows))

	for i, c := range rows {
		if err := c.Validate(); err != nil {
			return err
		}
		if !c.Time.Equal(types.MinuteAlign(c.Time)) {
			return fmt.Errorf("%w: candle time %s is not minute aligned", types.ErrValidation, c.Time)
		}
		times[i] = c.Time
		opens[i] = c.Open.String()
		highs[i] = c.High.String()
		lows[i] = c.Low.String()
		closes[i] = c.Close.String()
		volumes[i] = c.Volume.String()
		tradeCounts[i] = c.TradeCount
	}

	return s.withRetry(ctx, "upsert_candles", func(ctx context.Context) error {
		if err := s.ensurePartitions(ctx, "candles", times); err != nil {
			return err
		}
		_, err := s.pool.Exec(ctx, `
			INSERT INTO candles (time, series_id, open, high, low, close, volume, trade_count)
			SELECT u.t, $1, u.o, u.h, u.l, u.c, u.v, u.n
			FROM unnest(
				$2::timestamptz[], $3::numeric[], $4::numeric[], $5::numeric[],
				$6::numeric[], $7::numeric[], $8::bigint[]
			) AS u(t, o, h, l, c, v, n)
			ON CONFLICT (series_id, time) DO UPDATE SET
				open        = EXCLUDED.open,
				high        = EXCLUDED.high,
				low         = EXCLUDED.low,
				close       = EXCLUDED.close,
				volume      = EXCLUDED.volume,
				trade_count = COALESCE(EXCLUDED.trade_count, candles.trade_count)`,
			seriesID, times, opens, highs, lows, closes, volumes, tradeCounts,
		)
		return err
	})
}

// Candles returns candle rows for the series whose time lies in
// [start, end], newest first, truncated to limit (default 1000, cap 5000).
func (s *Store) Candles(ctx context.Context, seriesID int64, start, end time.Time, limit int) ([]types.Candle, error) {
	var out []types.Candle
	err := s.withRetry(ctx, "read_candles", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT `+candleColumns+`
			FROM candles
			WHERE series_id = $1 AND time >= $2 AND time <= $3
			ORDER BY time DESC
			LIMIT $4`,
			seriesID, start, end, clampLimit(limit),
		)
		if err != nil {
			return err
		}
		out, err = scanCandles(rows)
		return err
	})
	return out, err
}

// CandleAt returns the single candle at the primary key (seriesID, ts),
// used by the fan-out listener to reify notification payloads.
func (s *Store) CandleAt(ctx context.Context, seriesID int64, ts time.Time) (types.Candle, error) {
	var out types.Candle
	err := s.withRetry(ctx, "read_candle_at", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT `+candleColumns+`
			FROM candles
			WHERE series_id = $1 AND time = $2`,
			seriesID, ts,
		)
		if err != nil {
			return err
		}
		candles, err := scanCandles(rows)
		if err != nil {
			return err
		}
		if len(candles) == 0 {
			return fmt.Errorf("%w: candle %d@%s", types.ErrNotFound, seriesID, ts)
		}
		out = candles[0]
		return nil
	})
	return out, err
}

// LatestCandleTimes returns the newest stored candle time per series for
// the given series ids. Series with no rows at all are absent from the map.
func (s *Store) LatestCandleTimes(ctx context.Context, seriesIDs []int64) (map[int64]time.Time, error) {
	out := make(map[int64]time.Time, len(seriesIDs))
	err := s.withRetry(ctx, "latest_candle_times", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT series_id, max(time)
			FROM candles
			WHERE series_id = ANY($1)
			GROUP BY series_id`,
			seriesIDs,
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			var ts time.Time
			if err := rows.Scan(&id, &ts); err != nil {
				return err
			}
			out[id] = ts.UTC()
		}
		return rows.Err()
	})
	return out, err
}

func scanCandles(rows pgx.Rows) ([]types.Candle, error) {
	defer rows.Close()

	var out []types.Candle
	for rows.Next() {
		var (
			c                        types.Candle
			open, high, low, closePx string
			volume                   string
		)
		if err := rows.Scan(&c.Time, &c.SeriesID, &open, &high, &low, &closePx, &volume, &c.TradeCount); err != nil {
			return nil, err
		}
		var err error
		if c.Open, err = types.ParseDec(open); err != nil {
			return nil, err
		}
		if c.High, err = types.ParseDec(high); err != nil {
			return nil, err
		}
		if c.Low, err = types.ParseDec(low); err != nil {
			return nil, err
		}
		if c.Close, err = types.ParseDec(closePx); err != nil {
			return nil, err
		}
		if c.Volume, err = types.ParseDec(volume); err != nil {
			return nil, err
		}
		c.Time = c.Time.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}
