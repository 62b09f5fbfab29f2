package store

import (
	"context"
	"fmt"
)

type (
	// RefExchange is one exchange record for reference sync.
	RefExchange struct {
		Name        string
		DisplayName string
		Active      bool
	}

	// RefRecord is one base asset, quote, or market type record.
	RefRecord struct {
		Name        string
		DisplayName string
		Active      bool
	}

	// RefInterval is one candle interval record.
	RefInterval struct {
		Name    string
		Seconds int64
	}

	// RefSeries declares one market and the intervals to track for it.
	RefSeries struct {
		Exchange   string
		Base       string
		Quote      string
		MarketType string
		Intervals  []string
	}

	// ReferenceRow is one fully joined series row used to build the
	// resolver snapshot.
	ReferenceRow struct {
		SeriesID        int64
		MarketID        int64
		Exchange        string
		Base            string
		Quote           string
		MarketType      string
		Interval        string
		IntervalSeconds int64
		Active          bool
	}
)

// SyncReference upserts the declarative configuration into the reference
// tables. Records are created or reactivated, never deleted; identifiers
// assigned once are stable for the life of the database.
func (s *Store) SyncReference(
	ctx context.Context,
	exchanges []RefExchange,
	assets, quotes, marketTypes []RefRecord,
	intervals []RefInterval,
	series []RefSeries,
) error {
	return s.withRetry(ctx, "sync_reference", func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		for _, e := range exchanges {
			if _, err := tx.Exec(ctx, `
				INSERT INTO exchanges (name, display_name, active) VALUES ($1, $2, $3)
				ON CONFLICT (name) DO UPDATE SET display_name = EXCLUDED.display_name, active = EXCLUDED.active`,
				e.Name, e.DisplayName, e.Active,
			); err != nil {
				return fmt.Errorf("failed to sync exchange %s: %w", e.Name, err)
			}
		}
		for table, records := range map[string][]RefRecord{
			"assets": assets, "quotes": quotes, "market_types": marketTypes,
		} {
			for _, r := range records {
				if _, err := tx.Exec(ctx, `
					INSERT INTO `+table+` (name, display_name, active) VALUES ($1, $2, $3)
					ON CONFLICT (name) DO UPDATE SET display_name = EXCLUDED.display_name, active = EXCLUDED.active`,
					r.Name, r.DisplayName, r.Active,
				); err != nil {
					return fmt.Errorf("failed to sync %s record %s: %w", table, r.Name, err)
				}
			}
		}
		for _, i := range intervals {
			if _, err := tx.Exec(ctx, `
				INSERT INTO intervals (name, seconds) VALUES ($1, $2)
				ON CONFLICT (name) DO UPDATE SET seconds = EXCLUDED.seconds`,
				i.Name, i.Seconds,
			); err != nil {
				return fmt.Errorf("failed to sync interval %s: %w", i.Name, err)
			}
		}

		for _, sr := range series {
			var marketID int64
			if err := tx.QueryRow(ctx, `
				INSERT INTO markets (exchange_id, base_id, quote_id, market_type_id)
				SELECT e.id, a.id, q.id, mt.id
				FROM exchanges e, assets a, quotes q, market_types mt
				WHERE e.name = $1 AND a.name = $2 AND q.name = $3 AND mt.name = $4
				ON CONFLICT (exchange_id, base_id, quote_id, market_type_id)
					DO UPDATE SET exchange_id = EXCLUDED.exchange_id
				RETURNING id`,
				sr.Exchange, sr.Base, sr.Quote, sr.MarketType,
			).Scan(&marketID); err != nil {
				return fmt.Errorf("failed to sync market %s:%s/%s:%s: %w",
					sr.Exchange, sr.Base, sr.Quote, sr.MarketType, err)
			}

			for _, interval := range sr.Intervals {
				if _, err := tx.Exec(ctx, `
					INSERT INTO series (market_id, interval_id)
					SELECT $1, i.id FROM intervals i WHERE i.name = $2
					ON CONFLICT (market_id, interval_id) DO NOTHING`,
					marketID, interval,
				); err != nil {
					return fmt.Errorf("failed to sync series for market %d interval %s: %w",
						marketID, interval, err)
				}
			}
		}

		return tx.Commit(ctx)
	})
}

// LoadReference returns every series row joined against its reference
// records, for the resolver snapshot.
func (s *Store) LoadReference(ctx context.Context) ([]ReferenceRow, error) {
	var out []ReferenceRow
	err := s.withRetry(ctx, "load_reference", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT sr.id, m.id, e.name, a.name, q.name, mt.name, i.name, i.seconds,
				e.active AND a.active AND q.active AND mt.active
			FROM series sr
			JOIN markets m ON m.id = sr.market_id
			JOIN exchanges e ON e.id = m.exchange_id
			JOIN assets a ON a.id = m.base_id
			JOIN quotes q ON q.id = m.quote_id
			JOIN market_types mt ON mt.id = m.market_type_id
			JOIN intervals i ON i.id = sr.interval_id
			ORDER BY sr.id`,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var r ReferenceRow
			if err := rows.Scan(
				&r.SeriesID, &r.MarketID, &r.Exchange, &r.Base, &r.Quote,
				&r.MarketType, &r.Interval, &r.IntervalSeconds, &r.Active,
			); err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}
