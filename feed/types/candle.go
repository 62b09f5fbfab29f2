package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Candle defines one OHLCV bar. Time is the start of the bar, aligned to
// the bar duration of its series.
type Candle struct {
	Time       time.Time
	SeriesID   int64
	Open       decimal.Decimal
	High       decimal.Decimal
	Low        decimal.Decimal
	Close      decimal.Decimal
	Volume     decimal.Decimal
	TradeCount *int64
}

// NewCandle parses the exchange-reported string prices and volume into a
// Candle. openMillis is the bar open time as a unix millisecond timestamp.
func NewCandle(openMillis int64, open, high, low, closePx, volume string) (Candle, error) {
	o, err := ParseDec(open)
	if err != nil {
		return Candle{}, fmt.Errorf("failed to parse candle open (%s): %w", open, err)
	}
	h, err := ParseDec(high)
	if err != nil {
		return Candle{}, fmt.Errorf("failed to parse candle high (%s): %w", high, err)
	}
	l, err := ParseDec(low)
	if err != nil {
		return Candle{}, fmt.Errorf("failed to parse candle low (%s): %w", low, err)
	}
	c, err := ParseDec(closePx)
	if err != nil {
		return Candle{}, fmt.Errorf("failed to parse candle close (%s): %w", closePx, err)
	}
	v, err := ParseDec(volume)
	if err != nil {
		return Candle{}, fmt.Errorf("failed to parse candle volume (%s): %w", volume, err)
	}

	return Candle{
		Time:   time.UnixMilli(openMillis).UTC(),
		Open:   o,
		High:   h,
		Low:    l,
		Close:  c,
		Volume: v,
	}, nil
}

// Validate checks the OHLC invariants. A violation is a caller bug, not an
// exchange condition, and aborts the whole batch it arrived in.
func (c Candle) Validate() error {
	if !c.Open.IsPositive() || !c.High.IsPositive() || !c.Low.IsPositive() || !c.Close.IsPositive() {
		return fmt.Errorf("%w: non-positive ohlc in candle at %s", ErrValidation, c.Time)
	}
	if c.Volume.IsNegative() {
		return fmt.Errorf("%w: negative volume in candle at %s", ErrValidation, c.Time)
	}
	if c.High.LessThan(c.Open) || c.High.LessThan(c.Close) || c.High.LessThan(c.Low) {
		return fmt.Errorf("%w: high below open/close/low in candle at %s", ErrValidation, c.Time)
	}
	if c.Low.GreaterThan(c.Open) || c.Low.GreaterThan(c.Close) {
		return fmt.Errorf("%w: low above open/close in candle at %s", ErrValidation, c.Time)
	}
	return nil
}

// AlignTo truncates the candle's time to the start of its containing bar.
// Sub-hour bars arrive aligned from every supported exchange; bars of one
// hour and up need the truncation.
func (c Candle) AlignTo(barSeconds int64) Candle {
	c.Time = BarStart(c.Time, barSeconds)
	return c
}

// ParseDec parses a decimal string, rejecting empty input.
func ParseDec(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Decimal{}, fmt.Errorf("%w: empty decimal", ErrValidation)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return d, nil
}

// ParseOptionalDec parses a decimal string, mapping empty input to nil
// rather than an error. Exchange payloads routinely omit optional columns.
func ParseOptionalDec(s string) (*decimal.Decimal, error) {
	if s == "" {
		return nil, nil
	}
	d, err := ParseDec(s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
