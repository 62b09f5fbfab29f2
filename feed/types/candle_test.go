package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewCandle(t *testing.T) {
	candle, err := NewCandle(1721988240000, "67500.0", "67510.25", "67498.1", "67508.75", "12.5")
	require.NoError(t, err)
	require.Equal(t, int64(1721988240), candle.Time.Unix())
	require.Equal(t, time.UTC, candle.Time.Location())
	require.Equal(t, "67510.25", candle.High.String())
	require.NoError(t, candle.Validate())

	_, err = NewCandle(1721988240000, "", "1", "1", "1", "0")
	require.ErrorIs(t, err, ErrValidation)

	_, err = NewCandle(1721988240000, "abc", "1", "1", "1", "0")
	require.ErrorIs(t, err, ErrValidation)
}

func TestCandleValidate(t *testing.T) {
	base, err := NewCandle(1721988240000, "100", "110", "90", "105", "3")
	require.NoError(t, err)

	t.Run("high_below_close", func(t *testing.T) {
		c := base
		c.High, c.Close = c.Close, c.High
		require.ErrorIs(t, c.Validate(), ErrValidation)
	})

	t.Run("low_above_open", func(t *testing.T) {
		c := base
		c.Low = c.Open.Add(c.Open)
		require.ErrorIs(t, c.Validate(), ErrValidation)
	})

	t.Run("negative_volume", func(t *testing.T) {
		c := base
		c.Volume = c.Volume.Neg()
		require.ErrorIs(t, c.Validate(), ErrValidation)
	})

	t.Run("zero_price", func(t *testing.T) {
		c := base
		c.Open = c.Open.Sub(c.Open)
		require.ErrorIs(t, c.Validate(), ErrValidation)
	})
}

func TestCandleAlignTo(t *testing.T) {
	c, err := NewCandle(time.Date(2026, 3, 4, 13, 42, 17, 0, time.UTC).UnixMilli(), "1", "1", "1", "1", "0")
	require.NoError(t, err)

	aligned := c.AlignTo(3600)
	require.Equal(t, time.Date(2026, 3, 4, 13, 0, 0, 0, time.UTC), aligned.Time)

	aligned = c.AlignTo(60)
	require.Equal(t, time.Date(2026, 3, 4, 13, 42, 0, 0, time.UTC), aligned.Time)
}

func TestParseOptionalDec(t *testing.T) {
	d, err := ParseOptionalDec("")
	require.NoError(t, err)
	require.Nil(t, d)

	d, err = ParseOptionalDec("0.0001")
	require.NoError(t, err)
	require.Equal(t, "0.0001", d.String())
}
