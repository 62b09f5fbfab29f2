package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/perpdata/candle-feeder/backfill"
	"github.com/perpdata/candle-feeder/config"
	"github.com/perpdata/candle-feeder/feed/collector"
	"github.com/perpdata/candle-feeder/feed/types"
	"github.com/perpdata/candle-feeder/refdata"
	"github.com/perpdata/candle-feeder/store"
)

const (
	flagStart    = "start"
	flagEnd      = "end"
	flagExchange = "exchange"
	flagCoin     = "coin"
)

func getBackfillCandlesCmd() *cobra.Command {
	backfillCmd := &cobra.Command{
		Use:   "backfill-candles [config-file]",
		Args:  cobra.ExactArgs(1),
		Short: "Recovers historical candles through the same upsert path as live collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackfill(cmd, args[0], func(ctx context.Context, engine *backfill.Engine, filter refdata.Filter, start, end time.Time) error {
				return engine.BackfillCandles(ctx, filter, start, end)
			})
		},
	}

	addBackfillFlags(backfillCmd)
	return backfillCmd
}

func getBackfillFundingCmd() *cobra.Command {
	backfillCmd := &cobra.Command{
		Use:   "backfill-funding [config-file]",
		Args:  cobra.ExactArgs(1),
		Short: "Recovers historical funding rates through the same upsert path as live collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackfill(cmd, args[0], func(ctx context.Context, engine *backfill.Engine, filter refdata.Filter, start, end time.Time) error {
				return engine.BackfillFunding(ctx, filter, start, end)
			})
		},
	}

	addBackfillFlags(backfillCmd)
	return backfillCmd
}

func addBackfillFlags(cmd *cobra.Command) {
	cmd.Flags().String(flagStart, "", "window start; RFC3339 or unix seconds (required)")
	cmd.Flags().String(flagEnd, "", "window end; RFC3339 or unix seconds (defaults to now)")
	cmd.Flags().String(flagExchange, "", "restrict the run to one exchange")
	cmd.Flags().String(flagCoin, "", "restrict the run to one base asset")
	_ = cmd.MarkFlagRequired(flagStart)
}

func runBackfill(
	cmd *cobra.Command,
	configPath string,
	run func(ctx context.Context, engine *backfill.Engine, filter refdata.Filter, start, end time.Time) error,
) error {
	logger, err := getCmdLogger(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	start, end, filter, err := parseBackfillFlags(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// listen for and trap any OS signal to gracefully shutdown and exit
	trapSignal(cancel, logger)

	st, err := store.New(ctx, logger, cfg.Database.URL, cfg.Database.PoolSize, cfg.Database.Timeout)
	if err != nil {
		return err
	}
	defer st.Close()

	resolver, err := refdata.NewResolver(ctx, logger, st, refdata.QuoteAliases(cfg))
	if err != nil {
		return err
	}

	engine := backfill.NewEngine(logger, st, resolver, buildSources(logger, cfg)...)
	return run(ctx, engine, filter, start, end)
}

func parseBackfillFlags(cmd *cobra.Command) (start, end time.Time, filter refdata.Filter, err error) {
	startStr, err := cmd.Flags().GetString(flagStart)
	if err != nil {
		return
	}
	if start, err = parseTimeFlag(startStr); err != nil {
		return
	}

	end = time.Now().UTC()
	endStr, err := cmd.Flags().GetString(flagEnd)
	if err != nil {
		return
	}
	if endStr != "" {
		if end, err = parseTimeFlag(endStr); err != nil {
			return
		}
	}

	exchange, err := cmd.Flags().GetString(flagExchange)
	if err != nil {
		return
	}
	coin, err := cmd.Flags().GetString(flagCoin)
	if err != nil {
		return
	}
	filter = refdata.Filter{Exchange: types.ExchangeName(exchange), Base: coin}
	return
}

func parseTimeFlag(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("time must be RFC3339 or unix seconds: %s", s)
}

// buildSources constructs one historical source per active exchange that
// has one. Exchanges without a history API are simply skipped by the
// engine.
func buildSources(logger zerolog.Logger, cfg config.Config) []backfill.Source {
	var sources []backfill.Source
	for _, exchange := range cfg.ActiveExchanges() {
		switch exchange.Name {
		case collector.ExchangeHyperliquid:
			// an empty rest host falls back to the public API host
			sources = append(sources, backfill.NewHyperliquidSource(logger, exchange.Rest))
		}
	}
	return sources
}
