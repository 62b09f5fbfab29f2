package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/perpdata/candle-feeder/feed/types"
	"github.com/perpdata/candle-feeder/refdata"
)

type (
	// SeriesAge is the freshness of one candle series.
	SeriesAge struct {
		Series refdata.SeriesInfo
		Latest time.Time // zero when the series holds no rows
		Age    time.Duration
		Stale  bool
	}

	// MarketAge is the freshness of one market's funding or
	// open-interest stream.
	MarketAge struct {
		Market refdata.MarketInfo
		Kind   types.DataKind
		Latest time.Time
		Age    time.Duration
		Stale  bool
	}

	// DowntimeReport lists the newest stored row per active series and
	// market, flagging everything older than the threshold. It names
	// gaps; recovering them is the backfill commands' job.
	DowntimeReport struct {
		GeneratedAt time.Time
		Series      []SeriesAge
		Markets     []MarketAge
	}
)

// Stale returns only the flagged entries of the report.
func (r DowntimeReport) Stale() (series []SeriesAge, markets []MarketAge) {
	for _, s := range r.Series {
		if s.Stale {
			series = append(series, s)
		}
	}
	for _, m := range r.Markets {
		if m.Stale {
			markets = append(markets, m)
		}
	}
	return series, markets
}

// DetectDowntime reports the age of the newest stored row for every
// active series and market matching the filter. An empty series is
// reported with a zero Latest and flagged stale.
func (e *Engine) DetectDowntime(ctx context.Context, filter refdata.Filter, threshold time.Duration) (DowntimeReport, error) {
	now := time.Now().UTC()
	report := DowntimeReport{GeneratedAt: now}

	series := e.resolver.ActiveSeries(filter)
	seriesIDs := make([]int64, 0, len(series))
	for _, info := range series {
		seriesIDs = append(seriesIDs, info.ID)
	}
	latestCandles, err := e.store.LatestCandleTimes(ctx, seriesIDs)
	if err != nil {
		return report, fmt.Errorf("failed to read latest candle times: %w", err)
	}
	for _, info := range series {
		report.Series = append(report.Series, seriesAge(info, latestCandles[info.ID], now, threshold))
	}

	markets := e.resolver.ActiveMarkets(filter)
	marketIDs := make([]int64, 0, len(markets))
	for _, info := range markets {
		marketIDs = append(marketIDs, info.ID)
	}
	for _, kind := range []types.DataKind{types.KindFunding, types.KindOpenInterest} {
		latest, err := e.store.LatestPointTimes(ctx, kind, marketIDs)
		if err != nil {
			return report, fmt.Errorf("failed to read latest %s times: %w", kind, err)
		}
		for _, info := range markets {
			report.Markets = append(report.Markets, marketAge(info, kind, latest[info.ID], now, threshold))
		}
	}

	return report, nil
}

func seriesAge(info refdata.SeriesInfo, latest, now time.Time, threshold time.Duration) SeriesAge {
	age := now.Sub(latest)
	if latest.IsZero() {
		return SeriesAge{Series: info, Stale: true}
	}
	return SeriesAge{Series: info, Latest: latest, Age: age, Stale: age > threshold}
}

func marketAge(info refdata.MarketInfo, kind types.DataKind, latest, now time.Time, threshold time.Duration) MarketAge {
	age := now.Sub(latest)
	if latest.IsZero() {
		return MarketAge{Market: info, Kind: kind, Stale: true}
	}
	return MarketAge{Market: info, Kind: kind, Latest: latest, Age: age, Stale: age > threshold}
}
