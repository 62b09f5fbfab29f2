package types

import (
	"fmt"
	"strings"
	"time"
)

// ExchangeName identifies a supported exchange, ex. "hyperliquid".
type ExchangeName string

// String cast ExchangeName to string.
func (n ExchangeName) String() string {
	return string(n)
}

// DataKind discriminates the three persisted time-series kinds.
type DataKind string

const (
	KindCandle       DataKind = "candle"
	KindFunding      DataKind = "funding"
	KindOpenInterest DataKind = "oi"
)

// String cast DataKind to string.
func (k DataKind) String() string {
	return string(k)
}

// MarketKey identifies one stream of per-market data (funding, open
// interest) independent of candle interval.
type MarketKey struct {
	Exchange   ExchangeName
	Base       string
	Quote      string
	MarketType string
}

// String implements the Stringer interface, ex. "hyperliquid:BTC/USD:perp".
func (k MarketKey) String() string {
	return fmt.Sprintf("%s:%s/%s:%s", k.Exchange, k.Base, k.Quote, k.MarketType)
}

// SeriesKey identifies one candle stream: a market key plus an interval
// name, ex. "1m".
type SeriesKey struct {
	MarketKey
	Interval string
}

// String implements the Stringer interface, ex. "hyperliquid:BTC/USD:perp:1m".
func (k SeriesKey) String() string {
	return k.MarketKey.String() + ":" + k.Interval
}

// ParseInterval converts an interval name like "1m", "4h", or "1d" into its
// bar duration in seconds.
func ParseInterval(name string) (int64, error) {
	if len(name) < 2 {
		return 0, fmt.Errorf("%w: malformed interval %q", ErrValidation, name)
	}
	unit := name[len(name)-1]
	n := int64(0)
	for _, ch := range name[:len(name)-1] {
		if ch < '0' || ch > '9' {
			return 0, fmt.Errorf("%w: malformed interval %q", ErrValidation, name)
		}
		n = n*10 + int64(ch-'0')
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: zero interval %q", ErrValidation, name)
	}
	switch unit {
	case 'm':
		return n * 60, nil
	case 'h':
		return n * 3600, nil
	case 'd':
		return n * 86400, nil
	default:
		return 0, fmt.Errorf("%w: unknown interval unit %q", ErrValidation, name)
	}
}

// MinuteAlign truncates t to the start of its UTC minute.
func MinuteAlign(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

// BarStart truncates t to the start of the bar that contains it for a bar
// of barSeconds duration. One-minute alignment is a special case of this.
func BarStart(t time.Time, barSeconds int64) time.Time {
	return t.UTC().Truncate(time.Duration(barSeconds) * time.Second)
}

// NormalizeQuote applies a fixed per-exchange stablecoin alias so that a
// pair an exchange labels in one stablecoin resolves under the quote our
// reference tables carry. It is a naming adapter, not a conversion.
func NormalizeQuote(quote string, aliases map[string]string) string {
	if alias, ok := aliases[strings.ToUpper(quote)]; ok {
		return alias
	}
	return quote
}
