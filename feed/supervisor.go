package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/perpdata/candle-feeder/config"
	"github.com/perpdata/candle-feeder/feed/collector"
	"github.com/perpdata/candle-feeder/feed/types"
	"github.com/perpdata/candle-feeder/refdata"
)

const shutdownGrace = 10 * time.Second

// Supervisor owns the collector set and the aggregator: it builds one
// collector per active exchange from configuration, runs everything under
// one errgroup, restarts a collector that dies with a cooldown, and
// drains the minute buckets on shutdown.
type Supervisor struct {
	logger     zerolog.Logger
	aggregator *Aggregator
	collectors []collector.Collector

	restartDelay time.Duration
}

// NewSupervisor resolves the configured series and markets and builds the
// collectors for every active exchange that has series declared.
func NewSupervisor(
	logger zerolog.Logger,
	cfg config.Config,
	store PointStore,
	resolver *refdata.Resolver,
) (*Supervisor, error) {
	s := &Supervisor{
		logger:       logger.With().Str("module", "supervisor").Logger(),
		aggregator:   NewAggregator(logger, store),
		restartDelay: cfg.Collector.RestartDelay,
	}

	for _, exchange := range cfg.ActiveExchanges() {
		series := resolver.ActiveSeries(refdata.Filter{Exchange: exchange.Name})
		markets := resolver.ActiveMarkets(refdata.Filter{Exchange: exchange.Name})
		if len(series) == 0 && len(markets) == 0 {
			s.logger.Warn().Str("exchange", string(exchange.Name)).
				Msg("active exchange has no active series, skipping")
			continue
		}

		c, err := buildCollector(
			logger, exchange, s.aggregator, cfg.Collector.ReadIdleTimeout, series, markets,
		)
		if err != nil {
			return nil, err
		}
		s.collectors = append(s.collectors, c)
	}
	if len(s.collectors) == 0 {
		return nil, fmt.Errorf("no collectors could be built from configuration")
	}
	return s, nil
}

// buildCollector maps resolved series and markets into the exchange's
// native coin symbols and constructs its collector.
func buildCollector(
	logger zerolog.Logger,
	exchange config.Exchange,
	sink collector.Sink,
	readIdleTimeout time.Duration,
	series []refdata.SeriesInfo,
	markets []refdata.MarketInfo,
) (collector.Collector, error) {
	endpoint := collector.Endpoint{
		Name:      exchange.Name,
		Rest:      exchange.Rest,
		Websocket: exchange.Websocket,
	}

	switch exchange.Name {
	case collector.ExchangeHyperliquid:
		// Hyperliquid keys every stream by bare coin, ex. "BTC"
		subs := make([]collector.SeriesSub, 0, len(series))
		for _, info := range series {
			subs = append(subs, collector.SeriesSub{
				ID:         info.ID,
				Coin:       info.Key.Base,
				Interval:   info.Key.Interval,
				BarSeconds: info.IntervalSeconds,
			})
		}
		marketSubs := make([]collector.MarketSub, 0, len(markets))
		for _, info := range markets {
			marketSubs = append(marketSubs, collector.MarketSub{ID: info.ID, Coin: info.Key.Base})
		}
		return collector.NewHyperliquidCollector(logger, endpoint, sink, readIdleTimeout, subs, marketSubs), nil

	case collector.ExchangeBinance:
		// Binance streams are keyed by concatenated symbol, ex. "BTCUSDT"
		subs := make([]collector.SeriesSub, 0, len(series))
		for _, info := range series {
			subs = append(subs, collector.SeriesSub{
				ID:         info.ID,
				Coin:       info.Key.Base + info.Key.Quote,
				Interval:   info.Key.Interval,
				BarSeconds: info.IntervalSeconds,
			})
		}
		marketSubs := make([]collector.MarketSub, 0, len(markets))
		for _, info := range markets {
			marketSubs = append(marketSubs, collector.MarketSub{ID: info.ID, Coin: info.Key.Base + info.Key.Quote})
		}
		return collector.NewBinanceCollector(logger, endpoint, sink, readIdleTimeout, subs, marketSubs), nil

	default:
		return nil, fmt.Errorf("no collector implemented for exchange %s", exchange.Name)
	}
}

// Start runs the aggregator flush loop and every collector until ctx is
// cancelled. A collector that returns without the context being done is
// restarted after the cooldown.
func (s *Supervisor) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.aggregator.Run(gctx, shutdownGrace)
	})

	for _, c := range s.collectors {
		c := c
		g.Go(func() error {
			return s.runCollector(gctx, c)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Supervisor) runCollector(ctx context.Context, c collector.Collector) error {
	for {
		err := c.Start(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Err(err).Str("exchange", string(c.Name())).
			Dur("restart_delay", s.restartDelay).Msg("collector stopped, restarting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.restartDelay):
		}
	}
}

// Stop tears down every collector connection.
func (s *Supervisor) Stop() {
	for _, c := range s.collectors {
		c.Stop()
	}
}

// States reports the connection state of every collector, for health
// reporting.
func (s *Supervisor) States() map[types.ExchangeName]string {
	states := make(map[types.ExchangeName]string, len(s.collectors))
	for _, c := range s.collectors {
		states[c.Name()] = c.State().String()
	}
	return states
}

// Healthy reports whether every collector is in its running state.
func (s *Supervisor) Healthy() bool {
	for _, c := range s.collectors {
		if !c.Healthy() {
			return false
		}
	}
	return len(s.collectors) > 0
}
