package refdata

import (
	"context"
	"fmt"

	"github.com/perpdata/candle-feeder/config"
	"github.com/perpdata/candle-feeder/feed/types"
	"github.com/perpdata/candle-feeder/store"
)

// Records is the declarative reference set extracted from configuration,
// in the shape SyncReference consumes.
type Records struct {
	Exchanges   []store.RefExchange
	Assets      []store.RefRecord
	Quotes      []store.RefRecord
	MarketTypes []store.RefRecord
	Intervals   []store.RefInterval
	Series      []store.RefSeries
}

// ConfigRecords maps the configuration into reference records.
func ConfigRecords(cfg config.Config) Records {
	rec := Records{
		Exchanges:   make([]store.RefExchange, 0, len(cfg.Exchanges)),
		Assets:      assetRecords(cfg.Assets),
		Quotes:      assetRecords(cfg.Quotes),
		MarketTypes: assetRecords(cfg.MarketTypes),
		Intervals:   make([]store.RefInterval, 0, len(cfg.Intervals)),
		Series:      make([]store.RefSeries, 0, len(cfg.Series)),
	}
	for _, e := range cfg.Exchanges {
		rec.Exchanges = append(rec.Exchanges, store.RefExchange{
			Name:        string(e.Name),
			DisplayName: displayName(e.DisplayName, string(e.Name)),
			Active:      e.Active,
		})
	}
	for _, i := range cfg.Intervals {
		rec.Intervals = append(rec.Intervals, store.RefInterval{Name: i.Name, Seconds: i.Seconds})
	}
	for _, s := range cfg.Series {
		rec.Series = append(rec.Series, store.RefSeries{
			Exchange:   string(s.Exchange),
			Base:       s.Base,
			Quote:      s.Quote,
			MarketType: s.MarketType,
			Intervals:  s.Intervals,
		})
	}
	return rec
}

// QuoteAliases collects the per-exchange stablecoin aliases for the
// resolver.
func QuoteAliases(cfg config.Config) map[types.ExchangeName]map[string]string {
	out := make(map[types.ExchangeName]map[string]string)
	for _, e := range cfg.Exchanges {
		if len(e.QuoteAliases) > 0 {
			out[e.Name] = e.QuoteAliases
		}
	}
	return out
}

// Sync pushes the configured reference set into the database. Records
// are created or updated in place; nothing is ever deleted, so
// identifiers stay stable across restarts and config edits.
func Sync(ctx context.Context, st *store.Store, cfg config.Config) error {
	rec := ConfigRecords(cfg)
	if err := st.SyncReference(
		ctx, rec.Exchanges, rec.Assets, rec.Quotes, rec.MarketTypes, rec.Intervals, rec.Series,
	); err != nil {
		return fmt.Errorf("failed to sync reference tables: %w", err)
	}
	return nil
}

func assetRecords(assets []config.Asset) []store.RefRecord {
	out := make([]store.RefRecord, 0, len(assets))
	for _, a := range assets {
		out = append(out, store.RefRecord{
			Name:        a.Name,
			DisplayName: displayName(a.DisplayName, a.Name),
			Active:      a.Active,
		})
	}
	return out
}

func displayName(display, name string) string {
	if display != "" {
		return display
	}
	return name
}
