package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/perpdata/candle-feeder/feed/types"
)

func TestClampLimit(t *testing.T) {
	require.Equal(t, defaultReadLimit, clampLimit(0))
	require.Equal(t, defaultReadLimit, clampLimit(-5))
	require.Equal(t, 10, clampLimit(10))
	require.Equal(t, maxReadLimit, clampLimit(maxReadLimit))
	require.Equal(t, maxReadLimit, clampLimit(maxReadLimit+1))
}

func TestIsTransient(t *testing.T) {
	require.True(t, isTransient(&pgconn.PgError{Code: "40001"}))
	require.True(t, isTransient(&pgconn.PgError{Code: "40P01"}))
	require.True(t, isTransient(&pgconn.PgError{Code: "08006"}))
	require.True(t, isTransient(&pgconn.PgError{Code: "57P03"}))
	require.False(t, isTransient(&pgconn.PgError{Code: "23514"}))
	require.False(t, isTransient(errors.New("boom")))
}

func TestIsConstraint(t *testing.T) {
	require.True(t, isConstraint(&pgconn.PgError{Code: "23514"}))
	require.True(t, isConstraint(&pgconn.PgError{Code: "23505"}))
	require.False(t, isConstraint(&pgconn.PgError{Code: "40001"}))
	require.False(t, isConstraint(errors.New("boom")))
}

func TestUpsertCandlesRejectsBadBatch(t *testing.T) {
	s := &Store{}

	good, err := types.NewCandle(time.Date(2026, 1, 2, 12, 34, 0, 0, time.UTC).UnixMilli(),
		"100", "110", "90", "105", "1")
	require.NoError(t, err)
	good.SeriesID = 42

	t.Run("misaligned_time", func(t *testing.T) {
		bad := good
		bad.Time = bad.Time.Add(17 * time.Second)
		err := s.UpsertCandles(context.Background(), 42, []types.Candle{bad})
		require.ErrorIs(t, err, types.ErrValidation)
	})

	t.Run("ohlc_violation", func(t *testing.T) {
		bad := good
		bad.High = bad.Low.Div(decimal.NewFromInt(2))
		err := s.UpsertCandles(context.Background(), 42, []types.Candle{bad})
		require.ErrorIs(t, err, types.ErrValidation)
	})

	t.Run("empty_batch_is_noop", func(t *testing.T) {
		require.NoError(t, s.UpsertCandles(context.Background(), 42, nil))
	})
}

func TestUpsertPointsRejectMisalignedTimes(t *testing.T) {
	s := &Store{}
	rate := decimal.RequireFromString("0.0001")
	ts := time.Date(2026, 1, 2, 12, 34, 5, 0, time.UTC)

	err := s.UpsertFundingPoints(context.Background(), 7, []types.FundingPoint{
		{Time: ts, MarketID: 7, FundingRate: &rate},
	})
	require.ErrorIs(t, err, types.ErrValidation)

	err = s.UpsertOpenInterestPoints(context.Background(), 7, []types.OpenInterestPoint{
		{Time: ts, MarketID: 7, OpenInterest: &rate},
	})
	require.ErrorIs(t, err, types.ErrValidation)
}

func TestDecStr(t *testing.T) {
	require.Nil(t, decStr(nil))

	d := decimal.RequireFromString("67508.75")
	require.Equal(t, "67508.75", *decStr(&d))

	back, err := scanDec(decStr(&d))
	require.NoError(t, err)
	require.True(t, d.Equal(*back))

	back, err = scanDec(nil)
	require.NoError(t, err)
	require.Nil(t, back)
}
