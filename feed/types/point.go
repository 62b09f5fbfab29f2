package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// FundingPoint defines one minute-bucket funding record for a market.
// Every column except Time and MarketID may be absent: historical sources
// supply only rate and premium, the live stream supplies the full row, and
// the storage gateway coalesces the two.
type FundingPoint struct {
	Time            time.Time
	MarketID        int64
	FundingRate     *decimal.Decimal
	Premium         *decimal.Decimal
	MarkPrice       *decimal.Decimal
	IndexPrice      *decimal.Decimal
	OraclePrice     *decimal.Decimal
	MidPrice        *decimal.Decimal
	NextFundingTime *time.Time
}

// OpenInterestPoint defines one minute-bucket open-interest record for a
// market. Every column except Time and MarketID may be absent.
type OpenInterestPoint struct {
	Time              time.Time
	MarketID          int64
	OpenInterest      *decimal.Decimal
	NotionalValue     *decimal.Decimal
	DayBaseVolume     *decimal.Decimal
	DayNotionalVolume *decimal.Decimal
}
