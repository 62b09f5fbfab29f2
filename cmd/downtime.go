package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/perpdata/candle-feeder/backfill"
	"github.com/perpdata/candle-feeder/refdata"
	"github.com/perpdata/candle-feeder/store"
)

const flagThreshold = "threshold"

func getDowntimeCmd() *cobra.Command {
	downtimeCmd := &cobra.Command{
		Use:   "downtime [config-file]",
		Args:  cobra.ExactArgs(1),
		Short: "Produces a list of series and markets which currently have downtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := getCmdLogger(cmd)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(args[0])
			if err != nil {
				return err
			}
			threshold, err := cmd.Flags().GetDuration(flagThreshold)
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

			engine := backfill.NewEngine(logger, st, resolver)
			report, err := engine.DetectDowntime(ctx, refdata.Filter{}, threshold)
			if err != nil {
				return err
			}

			staleSeries, staleMarkets := report.Stale()
			if len(staleSeries) == 0 && len(staleMarkets) == 0 {
				fmt.Println("No downtime detected")
				return nil
			}

			for _, s := range staleSeries {
				if s.Latest.IsZero() {
					fmt.Printf("series %s: no rows stored\n", s.Series.Key)
					continue
				}
				fmt.Printf("series %s: newest row %s (%s old)\n",
					s.Series.Key, s.Latest.Format(time.RFC3339), s.Age.Round(time.Second))
			}
			for _, m := range staleMarkets {
				if m.Latest.IsZero() {
					fmt.Printf("market %s (%s): no rows stored\n", m.Market.Key, m.Kind)
					continue
				}
				fmt.Printf("market %s (%s): newest row %s (%s old)\n",
					m.Market.Key, m.Kind, m.Latest.Format(time.RFC3339), m.Age.Round(time.Second))
			}
			return nil
		},
	}

	downtimeCmd.Flags().Duration(flagThreshold, 10*time.Minute, "age beyond which a series or market counts as down")
	return downtimeCmd
}
