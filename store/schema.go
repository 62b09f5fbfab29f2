package store

import (
	"context"
	"fmt"
	"time"
)

// The three time-series tables are partitioned by day. Partitions are
// created lazily before each write batch, so a fresh database needs no
// pre-provisioning beyond Migrate.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS exchanges (
		id           SMALLSERIAL PRIMARY KEY,
		name         TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		active       BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS assets (
		id           SMALLSERIAL PRIMARY KEY,
		name         TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		active       BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS quotes (
		id           SMALLSERIAL PRIMARY KEY,
		name         TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		active       BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS market_types (
		id           SMALLSERIAL PRIMARY KEY,
		name         TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		active       BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS intervals (
		id      SMALLSERIAL PRIMARY KEY,
		name    TEXT NOT NULL UNIQUE,
		seconds BIGINT NOT NULL CHECK (seconds > 0)
	)`,
	`CREATE TABLE IF NOT EXISTS markets (
		id             BIGSERIAL PRIMARY KEY,
		exchange_id    SMALLINT NOT NULL REFERENCES exchanges (id),
		base_id        SMALLINT NOT NULL REFERENCES assets (id),
		quote_id       SMALLINT NOT NULL REFERENCES quotes (id),
		market_type_id SMALLINT NOT NULL REFERENCES market_types (id),
		UNIQUE (exchange_id, base_id, quote_id, market_type_id)
	)`,
	`CREATE TABLE IF NOT EXISTS series (
		id          BIGSERIAL PRIMARY KEY,
		market_id   BIGINT NOT NULL REFERENCES markets (id),
		interval_id SMALLINT NOT NULL REFERENCES intervals (id),
		UNIQUE (market_id, interval_id)
	)`,
	`CREATE TABLE IF NOT EXISTS candles (
		time        TIMESTAMPTZ NOT NULL,
		series_id   BIGINT NOT NULL,
		open        NUMERIC(30,18) NOT NULL CHECK (open > 0),
		high        NUMERIC(30,18) NOT NULL CHECK (high > 0),
		low         NUMERIC(30,18) NOT NULL CHECK (low > 0),
		close       NUMERIC(30,18) NOT NULL CHECK (close > 0),
		volume      NUMERIC(40,18) NOT NULL CHECK (volume >= 0),
		trade_count BIGINT,
		PRIMARY KEY (series_id, time),
		CHECK (high >= open AND high >= close AND high >= low),
		CHECK (low <= open AND low <= close)
	) PARTITION BY RANGE (time)`,
	`CREATE TABLE IF NOT EXISTS funding (
		time              TIMESTAMPTZ NOT NULL,
		market_id         BIGINT NOT NULL,
		funding_rate      NUMERIC(20,18),
		premium           NUMERIC(20,18),
		mark_price        NUMERIC(30,18),
		index_price       NUMERIC(30,18),
		oracle_price      NUMERIC(30,18),
		mid_price         NUMERIC(30,18),
		next_funding_time TIMESTAMPTZ,
		PRIMARY KEY (market_id, time)
	) PARTITION BY RANGE (time)`,
	`CREATE TABLE IF NOT EXISTS open_interest (
		time                TIMESTAMPTZ NOT NULL,
		market_id           BIGINT NOT NULL,
		open_interest       NUMERIC(40,18),
		notional_value      NUMERIC(40,18),
		day_base_volume     NUMERIC(40,18),
		day_notional_volume NUMERIC(40,18),
		PRIMARY KEY (market_id, time)
	) PARTITION BY RANGE (time)`,
	`CREATE INDEX IF NOT EXISTS candles_time_brin ON candles USING BRIN (time)`,
	`CREATE INDEX IF NOT EXISTS funding_time_brin ON funding USING BRIN (time)`,
	`CREATE INDEX IF NOT EXISTS open_interest_time_brin ON open_interest USING BRIN (time)`,
	`CREATE INDEX IF NOT EXISTS candles_series_time ON candles (series_id, time DESC)`,
	`CREATE INDEX IF NOT EXISTS funding_market_time ON funding (market_id, time DESC)`,
	`CREATE INDEX IF NOT EXISTS open_interest_market_time ON open_interest (market_id, time DESC)`,
}

// Change-notify triggers. The payload is deliberately minimal and stable:
// {"key":<series or market id>,"time":<unix seconds>}. The channel name
// carries the kind, keeping every notification constant-size.
var triggerStatements = []string{
	`CREATE OR REPLACE FUNCTION notify_candle_change() RETURNS trigger AS $$
	BEGIN
		PERFORM pg_notify('candle_changes',
			json_build_object('key', NEW.series_id, 'time', extract(epoch FROM NEW.time)::bigint)::text);
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,
	`CREATE OR REPLACE FUNCTION notify_funding_change() RETURNS trigger AS $$
	BEGIN
		PERFORM pg_notify('funding_changes',
			json_build_object('key', NEW.market_id, 'time', extract(epoch FROM NEW.time)::bigint)::text);
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,
	`CREATE OR REPLACE FUNCTION notify_oi_change() RETURNS trigger AS $$
	BEGIN
		PERFORM pg_notify('oi_changes',
			json_build_object('key', NEW.market_id, 'time', extract(epoch FROM NEW.time)::bigint)::text);
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS candles_notify ON candles`,
	`CREATE TRIGGER candles_notify AFTER INSERT OR UPDATE ON candles
		FOR EACH ROW EXECUTE FUNCTION notify_candle_change()`,
	`DROP TRIGGER IF EXISTS funding_notify ON funding`,
	`CREATE TRIGGER funding_notify AFTER INSERT OR UPDATE ON funding
		FOR EACH ROW EXECUTE FUNCTION notify_funding_change()`,
	`DROP TRIGGER IF EXISTS open_interest_notify ON open_interest`,
	`CREATE TRIGGER open_interest_notify AFTER INSERT OR UPDATE ON open_interest
		FOR EACH ROW EXECUTE FUNCTION notify_oi_change()`,
}

// Migrate applies the schema. Every statement is idempotent so re-running
// against an initialized database is a no-op.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	for _, stmt := range triggerStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to install change triggers: %w", err)
		}
	}
	s.logger.Info().Msg("schema migration applied")
	return nil
}

// ensurePartitions creates the daily partitions covering the given
// timestamps before a write batch lands in them.
func (s *Store) ensurePartitions(ctx context.Context, table string, times []time.Time) error {
	days := make(map[time.Time]struct{}, 1)
	for _, t := range times {
		days[t.UTC().Truncate(24*time.Hour)] = struct{}{}
	}
	for day := range days {
		name := fmt.Sprintf("%s_p%s", table, day.Format("20060102"))
		stmt := fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')`,
			name, table,
			day.Format(time.RFC3339),
			day.Add(24*time.Hour).Format(time.RFC3339),
		)
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure partition %s: %w", name, err)
		}
	}
	return nil
}
