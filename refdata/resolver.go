package refdata

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/perpdata/candle-feeder/feed/types"
	"github.com/perpdata/candle-feeder/store"
)

type (
	// SeriesInfo is the resolved view of one candle series.
	SeriesInfo struct {
		ID              int64
		MarketID        int64
		Key             types.SeriesKey
		IntervalSeconds int64
		Active          bool
	}

	// MarketInfo is the resolved view of one market.
	MarketInfo struct {
		ID     int64
		Key    types.MarketKey
		Active bool
	}

	// Filter narrows ActiveSeries. Zero-value fields match everything.
	Filter struct {
		Exchange types.ExchangeName
		Base     string
	}

	// snapshot is one immutable view of the reference tables. Readers see
	// either the previous snapshot or the next one in whole.
	snapshot struct {
		seriesByKey map[types.SeriesKey]*SeriesInfo
		marketByKey map[types.MarketKey]*MarketInfo
		seriesByID  map[int64]*SeriesInfo
		marketByID  map[int64]*MarketInfo
		ordered     []*SeriesInfo
	}

	// ReferenceLoader reads the joined reference rows the snapshot is
	// built from. *store.Store satisfies it.
	ReferenceLoader interface {
		LoadReference(ctx context.Context) ([]store.ReferenceRow, error)
	}

	// Resolver maps (exchange, coin, quote, market type[, interval])
	// tuples to their database identifiers from an in-process
	// copy-on-write cache of the reference tables.
	Resolver struct {
		loader  ReferenceLoader
		logger  zerolog.Logger
		aliases map[types.ExchangeName]map[string]string
		snap    atomic.Pointer[snapshot]
	}
)

// NewResolver builds a Resolver and loads its first snapshot.
func NewResolver(
	ctx context.Context,
	logger zerolog.Logger,
	loader ReferenceLoader,
	quoteAliases map[types.ExchangeName]map[string]string,
) (*Resolver, error) {
	r := &Resolver{
		loader:  loader,
		logger:  logger.With().Str("module", "refdata").Logger(),
		aliases: quoteAliases,
	}
	if err := r.Refresh(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Refresh rebuilds the snapshot from the reference tables. It is
// idempotent and race-free with concurrent reads; a reader observes the
// old snapshot or the new one, never a mix.
func (r *Resolver) Refresh(ctx context.Context) error {
	rows, err := r.loader.LoadReference(ctx)
	if err != nil {
		return fmt.Errorf("failed to load reference tables: %w", err)
	}

	snap := &snapshot{
		seriesByKey: make(map[types.SeriesKey]*SeriesInfo, len(rows)),
		marketByKey: make(map[types.MarketKey]*MarketInfo),
		seriesByID:  make(map[int64]*SeriesInfo, len(rows)),
		marketByID:  make(map[int64]*MarketInfo),
	}
	for _, row := range rows {
		mk := types.MarketKey{
			Exchange:   types.ExchangeName(row.Exchange),
			Base:       row.Base,
			Quote:      row.Quote,
			MarketType: row.MarketType,
		}
		if _, ok := snap.marketByID[row.MarketID]; !ok {
			market := &MarketInfo{ID: row.MarketID, Key: mk, Active: row.Active}
			snap.marketByID[row.MarketID] = market
			snap.marketByKey[mk] = market
		}
		info := &SeriesInfo{
			ID:              row.SeriesID,
			MarketID:        row.MarketID,
			Key:             types.SeriesKey{MarketKey: mk, Interval: row.Interval},
			IntervalSeconds: row.IntervalSeconds,
			Active:          row.Active,
		}
		snap.seriesByKey[info.Key] = info
		snap.seriesByID[row.SeriesID] = info
		snap.ordered = append(snap.ordered, info)
	}

	r.snap.Store(snap)
	r.logger.Debug().Int("series", len(snap.ordered)).Int("markets", len(snap.marketByID)).
		Msg("reference snapshot refreshed")
	return nil
}

// normalize applies the per-exchange stablecoin quote alias.
func (r *Resolver) normalize(key types.MarketKey) types.MarketKey {
	if aliases, ok := r.aliases[key.Exchange]; ok {
		key.Quote = types.NormalizeQuote(key.Quote, aliases)
	}
	return key
}

// ResolveSeries returns the series identifier for the tuple, or a
// resolution error when the tuple is unknown. Callers must not invent
// identifiers for unknown tuples.
func (r *Resolver) ResolveSeries(key types.SeriesKey) (int64, error) {
	key.MarketKey = r.normalize(key.MarketKey)
	if info, ok := r.snap.Load().seriesByKey[key]; ok {
		return info.ID, nil
	}
	return 0, fmt.Errorf("%w: series %s", types.ErrNotFound, key)
}

// ResolveMarket returns the market identifier for the tuple.
func (r *Resolver) ResolveMarket(key types.MarketKey) (int64, error) {
	key = r.normalize(key)
	if info, ok := r.snap.Load().marketByKey[key]; ok {
		return info.ID, nil
	}
	return 0, fmt.Errorf("%w: market %s", types.ErrNotFound, key)
}

// SeriesByID returns the resolved view of a series identifier.
func (r *Resolver) SeriesByID(id int64) (SeriesInfo, bool) {
	if info, ok := r.snap.Load().seriesByID[id]; ok {
		return *info, true
	}
	return SeriesInfo{}, false
}

// MarketByID returns the resolved view of a market identifier.
func (r *Resolver) MarketByID(id int64) (MarketInfo, bool) {
	if info, ok := r.snap.Load().marketByID[id]; ok {
		return *info, true
	}
	return MarketInfo{}, false
}

// ActiveSeries returns every active series matching the filter, in stable
// reference order.
func (r *Resolver) ActiveSeries(filter Filter) []SeriesInfo {
	snap := r.snap.Load()
	out := make([]SeriesInfo, 0, len(snap.ordered))
	for _, info := range snap.ordered {
		if !info.Active {
			continue
		}
		if filter.Exchange != "" && info.Key.Exchange != filter.Exchange {
			continue
		}
		if filter.Base != "" && info.Key.Base != filter.Base {
			continue
		}
		out = append(out, *info)
	}
	return out
}

// ActiveMarkets returns every active market matching the filter.
func (r *Resolver) ActiveMarkets(filter Filter) []MarketInfo {
	snap := r.snap.Load()
	seen := make(map[int64]struct{}, len(snap.marketByID))
	out := make([]MarketInfo, 0, len(snap.marketByID))
	for _, info := range snap.ordered {
		if !info.Active {
			continue
		}
		if filter.Exchange != "" && info.Key.Exchange != filter.Exchange {
			continue
		}
		if filter.Base != "" && info.Key.Base != filter.Base {
			continue
		}
		if _, ok := seen[info.MarketID]; ok {
			continue
		}
		seen[info.MarketID] = struct{}{}
		out = append(out, *snap.marketByID[info.MarketID])
	}
	return out
}
