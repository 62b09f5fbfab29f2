package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseInterval(t *testing.T) {
	cases := map[string]int64{
		"1m":  60,
		"5m":  300,
		"15m": 900,
		"1h":  3600,
		"4h":  14400,
		"1d":  86400,
	}
	for name, want := range cases {
		got, err := ParseInterval(name)
		require.NoError(t, err, name)
		require.Equal(t, want, got, name)
	}

	for _, bad := range []string{"", "m", "0m", "1x", "h1", "1.5h"} {
		_, err := ParseInterval(bad)
		require.ErrorIs(t, err, ErrValidation, bad)
	}
}

func TestKeyStrings(t *testing.T) {
	mk := MarketKey{Exchange: "hyperliquid", Base: "BTC", Quote: "USD", MarketType: "perp"}
	require.Equal(t, "hyperliquid:BTC/USD:perp", mk.String())

	sk := SeriesKey{MarketKey: mk, Interval: "1m"}
	require.Equal(t, "hyperliquid:BTC/USD:perp:1m", sk.String())
}

func TestMinuteAlign(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 03:04:05 EST is 08:04:05 UTC.
	in := time.Date(2026, 1, 2, 3, 4, 5, 600_000_000, loc)
	out := MinuteAlign(in)
	require.Equal(t, time.UTC, out.Location())
	require.Equal(t, time.Date(2026, 1, 2, 8, 4, 0, 0, time.UTC), out)
}

func TestNormalizeQuote(t *testing.T) {
	aliases := map[string]string{"USDC": "USD"}
	require.Equal(t, "USD", NormalizeQuote("USDC", aliases))
	require.Equal(t, "USDT", NormalizeQuote("USDT", aliases))
	require.Equal(t, "USD", NormalizeQuote("usdc", map[string]string{"USDC": "USD"}))
}
