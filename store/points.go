package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/perpdata/candle-feeder/feed/types"
)

// decStr renders an optional decimal for the wire, keeping nil as SQL NULL.
func decStr(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func scanDec(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	return types.ParseOptionalDec(*s)
}

// UpsertFundingPoints writes a batch of funding points for one market.
// On conflict every column coalesces: a present incoming value wins, an
// absent one never clobbers what is already stored. This is what lets
// price-less historical backfill replay beside the complete live stream.
func (s *Store) UpsertFundingPoints(ctx context.Context, marketID int64, rows []types.FundingPoint) error {
	if len(rows) == 0 {
		return nil
	}

	times := make([]time.Time, len(rows))
	rates := make([]*string, len(rows))
	premiums := make([]*string, len(rows))
	marks := make([]*string, len(rows))
	indexes := make([]*string, len(rows))
	oracles := make([]*string, len(rows))
	mids := make([]*string, len(rows))
	nextFundings := make([]*time.Time, len(rows))

	for i, p := range rows {
		if !p.Time.Equal(types.MinuteAlign(p.Time)) {
			return fmt.Errorf("%w: funding time %s is not minute aligned", types.ErrValidation, p.Time)
		}
		times[i] = p.Time
		rates[i] = decStr(p.FundingRate)
		premiums[i] = decStr(p.Premium)
		marks[i] = decStr(p.MarkPrice)
		indexes[i] = decStr(p.IndexPrice)
		oracles[i] = decStr(p.OraclePrice)
		mids[i] = decStr(p.MidPrice)
		nextFundings[i] = p.NextFundingTime
	}

	return s.withRetry(ctx, "upsert_funding", func(ctx context.Context) error {
		if err := s.ensurePartitions(ctx, "funding", times); err != nil {
			return err
		}
		_, err := s.pool.Exec(ctx, `
			INSERT INTO funding (time, market_id, funding_rate, premium, mark_price,
				index_price, oracle_price, mid_price, next_funding_time)
			SELECT u.t, $1, u.r, u.p, u.mk, u.ix, u.oc, u.md, u.nf
			FROM unnest(
				$2::timestamptz[], $3::numeric[], $4::numeric[], $5::numeric[],
				$6::numeric[], $7::numeric[], $8::numeric[], $9::timestamptz[]
			) AS u(t, r, p, mk, ix, oc, md, nf)
			ON CONFLICT (market_id, time) DO UPDATE SET
				funding_rate      = COALESCE(EXCLUDED.funding_rate, funding.funding_rate),
				premium           = COALESCE(EXCLUDED.premium, funding.premium),
				mark_price        = COALESCE(EXCLUDED.mark_price, funding.mark_price),
				index_price       = COALESCE(EXCLUDED.index_price, funding.index_price),
				oracle_price      = COALESCE(EXCLUDED.oracle_price, funding.oracle_price),
				mid_price         = COALESCE(EXCLUDED.mid_price, funding.mid_price),
				next_funding_time = COALESCE(EXCLUDED.next_funding_time, funding.next_funding_time)`,
			marketID, times, rates, premiums, marks, indexes, oracles, mids, nextFundings,
		)
		return err
	})
}

// UpsertOpenInterestPoints writes a batch of open-interest points for one
// market with the same coalesce contract as funding.
func (s *Store) UpsertOpenInterestPoints(ctx context.Context, marketID int64, rows []types.OpenInterestPoint) error {
	if len(rows) == 0 {
		return nil
	}

	times := make([]time.Time, len(rows))
	ois := make([]*string, len(rows))
	notionals := make([]*string, len(rows))
	dayBases := make([]*string, len(rows))
	dayNotionals := make([]*string, len(rows))

	for i, p := range rows {
		if !p.Time.Equal(types.MinuteAlign(p.Time)) {
			return fmt.Errorf("%w: open-interest time %s is not minute aligned", types.ErrValidation, p.Time)
		}
		times[i] = p.Time
		ois[i] = decStr(p.OpenInterest)
		notionals[i] = decStr(p.NotionalValue)
		dayBases[i] = decStr(p.DayBaseVolume)
		dayNotionals[i] = decStr(p.DayNotionalVolume)
	}

	return s.withRetry(ctx, "upsert_open_interest", func(ctx context.Context) error {
		if err := s.ensurePartitions(ctx, "open_interest", times); err != nil {
			return err
		}
		_, err := s.pool.Exec(ctx, `
			INSERT INTO open_interest (time, market_id, open_interest, notional_value,
				day_base_volume, day_notional_volume)
			SELECT u.t, $1, u.oi, u.nv, u.db, u.dn
			FROM unnest(
				$2::timestamptz[], $3::numeric[], $4::numeric[], $5::numeric[], $6::numeric[]
			) AS u(t, oi, nv, db, dn)
			ON CONFLICT (market_id, time) DO UPDATE SET
				open_interest       = COALESCE(EXCLUDED.open_interest, open_interest.open_interest),
				notional_value      = COALESCE(EXCLUDED.notional_value, open_interest.notional_value),
				day_base_volume     = COALESCE(EXCLUDED.day_base_volume, open_interest.day_base_volume),
				day_notional_volume = COALESCE(EXCLUDED.day_notional_volume, open_interest.day_notional_volume)`,
			marketID, times, ois, notionals, dayBases, dayNotionals,
		)
		return err
	})
}

const fundingColumns = `time, market_id, funding_rate::text, premium::text, mark_price::text,
	index_price::text, oracle_price::text, mid_price::text, next_funding_time`

// FundingPoints returns funding rows for the market in [start, end],
// newest first, truncated to limit.
func (s *Store) FundingPoints(ctx context.Context, marketID int64, start, end time.Time, limit int) ([]types.FundingPoint, error) {
	var out []types.FundingPoint
	err := s.withRetry(ctx, "read_funding", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT `+fundingColumns+`
			FROM funding
			WHERE market_id = $1 AND time >= $2 AND time <= $3
			ORDER BY time DESC
			LIMIT $4`,
			marketID, start, end, clampLimit(limit),
		)
		if err != nil {
			return err
		}
		out, err = scanFundingPoints(rows)
		return err
	})
	return out, err
}

// FundingPointAt returns the funding row at the primary key (marketID, ts).
func (s *Store) FundingPointAt(ctx context.Context, marketID int64, ts time.Time) (types.FundingPoint, error) {
	var out types.FundingPoint
	err := s.withRetry(ctx, "read_funding_at", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT `+fundingColumns+`
			FROM funding
			WHERE market_id = $1 AND time = $2`,
			marketID, ts,
		)
		if err != nil {
			return err
		}
		points, err := scanFundingPoints(rows)
		if err != nil {
			return err
		}
		if len(points) == 0 {
			return fmt.Errorf("%w: funding %d@%s", types.ErrNotFound, marketID, ts)
		}
		out = points[0]
		return nil
	})
	return out, err
}

const oiColumns = `time, market_id, open_interest::text, notional_value::text,
	day_base_volume::text, day_notional_volume::text`

// OpenInterestPoints returns open-interest rows for the market in
// [start, end], newest first, truncated to limit.
func (s *Store) OpenInterestPoints(ctx context.Context, marketID int64, start, end time.Time, limit int) ([]types.OpenInterestPoint, error) {
	var out []types.OpenInterestPoint
	err := s.withRetry(ctx, "read_open_interest", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT `+oiColumns+`
			FROM open_interest
			WHERE market_id = $1 AND time >= $2 AND time <= $3
			ORDER BY time DESC
			LIMIT $4`,
			marketID, start, end, clampLimit(limit),
		)
		if err != nil {
			return err
		}
		out, err = scanOpenInterestPoints(rows)
		return err
	})
	return out, err
}

// OpenInterestPointAt returns the open-interest row at (marketID, ts).
func (s *Store) OpenInterestPointAt(ctx context.Context, marketID int64, ts time.Time) (types.OpenInterestPoint, error) {
	var out types.OpenInterestPoint
	err := s.withRetry(ctx, "read_open_interest_at", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT `+oiColumns+`
			FROM open_interest
			WHERE market_id = $1 AND time = $2`,
			marketID, ts,
		)
		if err != nil {
			return err
		}
		points, err := scanOpenInterestPoints(rows)
		if err != nil {
			return err
		}
		if len(points) == 0 {
			return fmt.Errorf("%w: open interest %d@%s", types.ErrNotFound, marketID, ts)
		}
		out = points[0]
		return nil
	})
	return out, err
}

// LatestPointTimes returns the newest stored time per market for funding
// or open interest, depending on kind.
func (s *Store) LatestPointTimes(ctx context.Context, kind types.DataKind, marketIDs []int64) (map[int64]time.Time, error) {
	table := "funding"
	if kind == types.KindOpenInterest {
		table = "open_interest"
	} else if kind != types.KindFunding {
		return nil, fmt.Errorf("%w: latest times for kind %s", types.ErrValidation, kind)
	}

	out := make(map[int64]time.Time, len(marketIDs))
	err := s.withRetry(ctx, "latest_point_times", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx,
			`SELECT market_id, max(time) FROM `+table+` WHERE market_id = ANY($1) GROUP BY market_id`,
			marketIDs,
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

func scanFundingPoints(rows pgx.Rows) ([]types.FundingPoint, error) {
	defer rows.Close()

	var out []types.FundingPoint
	for rows.Next() {
		var (
			p                                  types.FundingPoint
			rate, premium, mark, index, oracle *string
			mid                                *string
		)
		if err := rows.Scan(&p.Time, &p.MarketID, &rate, &premium, &mark, &index, &oracle, &mid, &p.NextFundingTime); err != nil {
			return nil, err
		}
		var err error
		if p.FundingRate, err = scanDec(rate); err != nil {
			return nil, err
		}
		if p.Premium, err = scanDec(premium); err != nil {
			return nil, err
		}
		if p.MarkPrice, err = scanDec(mark); err != nil {
			return nil, err
		}
		if p.IndexPrice, err = scanDec(index); err != nil {
			return nil, err
		}
		if p.OraclePrice, err = scanDec(oracle); err != nil {
			return nil, err
		}
		if p.MidPrice, err = scanDec(mid); err != nil {
			return nil, err
		}
		p.Time = p.Time.UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanOpenInterestPoints(rows pgx.Rows) ([]types.OpenInterestPoint, error) {
	defer rows.Close()

	var out []types.OpenInterestPoint
	for rows.Next() {
		var (
			p                        types.OpenInterestPoint
			oi, notional, dayB, dayN *string
		)
		if err := rows.Scan(&p.Time, &p.MarketID, &oi, &notional, &dayB, &dayN); err != nil {
			return nil, err
		}
		var err error
		if p.OpenInterest, err = scanDec(oi); err != nil {
			return nil, err
		}
		if p.NotionalValue, err = scanDec(notional); err != nil {
			return nil, err
		}
		if p.DayBaseVolume, err = scanDec(dayB); err != nil {
			return nil, err
		}
		if p.DayNotionalVolume, err = scanDec(dayN); err != nil {
			return nil, err
		}
		p.Time = p.Time.UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}
