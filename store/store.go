package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/perpdata/candle-feeder/feed/types"
)

const (
	defaultReadLimit = 1000
	maxReadLimit     = 5000

	retryInitialInterval = 250 * time.Millisecond
	retryMaxElapsed      = 15 * time.Second
)

// Store is the single storage gateway. It owns the database connection
// pool; every other component borrows a connection per operation through
// its methods and nothing else opens connections.
type Store struct {
	pool    *pgxpool.Pool
	logger  zerolog.Logger
	timeout time.Duration
}

// New connects a pool of size poolSize against the given database URL.
func New(ctx context.Context, logger zerolog.Logger, url string, poolSize int32, timeout time.Duration) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	cfg.MaxConns = poolSize

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &Store{
		pool:    pool,
		logger:  logger.With().Str("module", "store").Logger(),
		timeout: timeout,
	}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies database reachability, used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.pool.Ping(ctx)
}

// withRetry runs op, retrying transient database failures with jittered
// exponential backoff until retryMaxElapsed. Non-transient failures
// surface immediately; exhaustion surfaces as types.ErrTransient.
func (s *Store) withRetry(ctx context.Context, name string, op func(context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryInitialInterval
	policy.MaxElapsedTime = retryMaxElapsed

	attempt := 0
	err := backoff.Retry(func() error {
		opCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		err := op(opCtx)
		if err == nil {
			return nil
		}
		attempt++
		if isTransient(err) {
			s.logger.Warn().Err(err).Str("op", name).Int("attempt", attempt).Msg("retrying transient database failure")
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(policy, ctx))

	if err == nil {
		return nil
	}
	if isConstraint(err) {
		return fmt.Errorf("%w: %v", types.ErrValidation, err)
	}
	if isTransient(err) {
		return fmt.Errorf("%w: %s: %v", types.ErrTransient, name, err)
	}
	return err
}

// isTransient reports whether err is worth retrying: connection-class
// failures, deadlocks, serialization aborts, and admin shutdowns.
func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"08000", "08003", "08006", // connection failures
			"57P03": // cannot_connect_now
			return true
		}
	}
	return false
}

// isConstraint reports whether err is an integrity violation, which is a
// caller bug and never retried.
func isConstraint(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return len(pgErr.Code) >= 2 && pgErr.Code[:2] == "23"
	}
	return false
}

// clampLimit applies the range-read default and ceiling.
func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultReadLimit
	}
	if limit > maxReadLimit {
		return maxReadLimit
	}
	return limit
}
