package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/perpdata/candle-feeder/store"
)

func getMigrateCmd() *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate [config-file]",
		Args:  cobra.ExactArgs(1),
		Short: "Creates or updates the database schema, partitions, and triggers",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := getCmdLogger(cmd)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(args[0])
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

			if err := st.Migrate(ctx); err != nil {
				return err
			}
			logger.Info().Msg("schema migrated")
			return nil
		},
	}

	return migrateCmd
}
