package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/perpdata/candle-feeder/config"
)

const (
	flagLogLevel  = "log-level"
	flagLogFormat = "log-format"

	logLevelJSON = "json"
	logLevelText = "text"
)

// NewRootCmd returns the root command with every subcommand attached.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "candle-feeder",
		Short: "candle-feeder collects, stores, and fans out exchange market data",
		Long: `candle-feeder ingests candles, funding rates, and open interest from
exchange websocket feeds, persists them in PostgreSQL, and serves them
back over REST and a live websocket endpoint.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String(flagLogLevel, zerolog.InfoLevel.String(), "logging level")
	rootCmd.PersistentFlags().String(flagLogFormat, logLevelText, "logging format; must be either json or text")

	rootCmd.AddCommand(
		getAPICmd(),
		getCollectorCmd(),
		getBackfillCandlesCmd(),
		getBackfillFundingCmd(),
		getDowntimeCmd(),
		getSyncConfigCmd(),
		getMigrateCmd(),
	)
	return rootCmd
}

// configError marks a failure to load or validate configuration, which
// exits with its own status so operators can tell bad config from a
// runtime fault.
type configError struct{ err error }

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }

// exitCodeInterrupt is the conventional 128+SIGINT status, so process
// managers can tell a signal-driven shutdown from a clean exit.
const exitCodeInterrupt = 130

// interrupted records that an OS signal triggered the shutdown.
var interrupted atomic.Bool

// Execute runs the root command and exits non-zero on failure: 2 for
// configuration errors, 130 when an OS signal drove the shutdown, 1 for
// everything else.
func Execute() {
	err := NewRootCmd().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	if code := exitCode(err); code != 0 {
		os.Exit(code)
	}
}

func exitCode(err error) int {
	var cfgErr configError
	switch {
	case errors.As(err, &cfgErr):
		return 2
	case err != nil:
		return 1
	case interrupted.Load():
		return exitCodeInterrupt
	default:
		return 0
	}
}

// getCmdLogger builds the zerolog logger from the persistent logging
// flags.
func getCmdLogger(cmd *cobra.Command) (zerolog.Logger, error) {
	logLvlStr, err := cmd.Flags().GetString(flagLogLevel)
	if err != nil {
		return zerolog.Logger{}, err
	}

	logLvl, err := zerolog.ParseLevel(logLvlStr)
	if err != nil {
		return zerolog.Logger{}, err
	}

	logFormatStr, err := cmd.Flags().GetString(flagLogFormat)
	if err != nil {
		return zerolog.Logger{}, err
	}

	var logWriter io.Writer
	switch strings.ToLower(logFormatStr) {
	case logLevelJSON:
		logWriter = os.Stderr

	case logLevelText:
		logWriter = zerolog.ConsoleWriter{Out: os.Stderr}

	default:
		return zerolog.Logger{}, fmt.Errorf("invalid logging format: %s", logFormatStr)
	}

	return zerolog.New(logWriter).Level(logLvl).With().Timestamp().Logger(), nil
}

// loadConfig parses and validates the configuration file named by the
// positional argument.
func loadConfig(path string) (config.Config, error) {
	cfg, err := config.ParseConfig(path)
	if err != nil {
		return config.Config{}, configError{fmt.Errorf("failed to parse config %s: %w", path, err)}
	}
	return cfg, nil
}

// trapSignal listens for and traps any OS signal to gracefully shutdown
// and exit.
func trapSignal(cancel context.CancelFunc, logger zerolog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("received signal; shutting down...")
		interrupted.Store(true)
		cancel()
	}()
}
