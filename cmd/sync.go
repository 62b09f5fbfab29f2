package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/perpdata/candle-feeder/refdata"
	"github.com/perpdata/candle-feeder/store"
)

const flagDryRun = "dry-run"

func getSyncConfigCmd() *cobra.Command {
	syncCmd := &cobra.Command{
		Use:   "sync-config [config-file]",
		Args:  cobra.ExactArgs(1),
		Short: "Upserts the configured exchanges, assets, intervals, and series into the reference tables",
		Long: `sync-config reconciles the reference tables with the configuration
file. Records are inserted or updated, never deleted; a record absent
from the file is left as is. To retire a record, keep it in the file
with active = false.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := getCmdLogger(cmd)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(args[0])
			if err != nil {
				return err
			}
			dryRun, err := cmd.Flags().GetBool(flagDryRun)
			if err != nil {
				return err
			}

			if dryRun {
				bz, err := json.MarshalIndent(refdata.ConfigRecords(cfg), "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(bz))
				return nil
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

			if err := refdata.Sync(ctx, st, cfg); err != nil {
				return err
			}
			logger.Info().Msg("reference tables synced")
			return nil
		},
	}

	syncCmd.Flags().Bool(flagDryRun, false, "print the resolved reference records without writing")
	return syncCmd
}
