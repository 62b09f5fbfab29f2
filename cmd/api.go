package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/perpdata/candle-feeder/fanout"
	"github.com/perpdata/candle-feeder/refdata"
	v1 "github.com/perpdata/candle-feeder/router/v1"
	"github.com/perpdata/candle-feeder/store"
)

const serverShutdownGrace = 10 * time.Second

func getAPICmd() *cobra.Command {
	apiCmd := &cobra.Command{
		Use:   "api [config-file]",
		Args:  cobra.ExactArgs(1),
		Short: "Serves the REST API and the live websocket fan-out endpoint",
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

			resolver, err := refdata.NewResolver(ctx, logger, st, refdata.QuoteAliases(cfg))
			if err != nil {
				return err
			}

			registry := fanout.NewRegistry(logger, resolver, st, fanout.Limits{
				MaxConnections:    cfg.Websocket.MaxConnections,
				MaxSubscriptions:  cfg.Websocket.MaxSubscriptions,
				SendQueueSize:     cfg.Websocket.SendQueueSize,
				MessageSizeLimit:  cfg.Websocket.MessageSizeLimit,
				HeartbeatInterval: cfg.Websocket.HeartbeatInterval,
				HistoryReadLimit:  cfg.Websocket.HistoryReadLimit,
				AuthSecret:        cfg.Websocket.AuthSecret,
			})
			listener := fanout.NewListener(logger, st, resolver, registry)

			rtr := mux.NewRouter()
			v1.New(logger, cfg, st, resolver, nil, registry.ServeWS).
				RegisterRoutes(rtr, v1.APIPathPrefix)

			srv := &http.Server{
				Addr:         cfg.Server.ListenAddr,
				Handler:      rtr,
				WriteTimeout: cfg.Server.WriteTimeout,
				ReadTimeout:  cfg.Server.ReadTimeout,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return listener.Run(gctx)
			})
			g.Go(func() error {
				return registry.RunHeartbeat(gctx)
			})
			g.Go(func() error {
				logger.Info().Str("listen_addr", cfg.Server.ListenAddr).Msg("starting api server")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serverShutdownGrace)
				defer shutdownCancel()
				return srv.Shutdown(shutdownCtx)
			})

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	return apiCmd
}
