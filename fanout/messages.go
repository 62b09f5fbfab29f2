package fanout

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpdata/candle-feeder/feed/types"
)

// Close codes sent when the server terminates a session.
const (
	CloseUnauthorized = 4001
	CloseLagging      = 4008
)

// Error codes carried in error frames.
const (
	CodeBadRequest    = 400
	CodeUnknownKey    = 404
	CodeLimitExceeded = 429
	CodeInternalError = 500
)

type (
	// KeyRef names one series or market in a client request. Interval is
	// set for candle keys only.
	KeyRef struct {
		Exchange   string `json:"exchange"`
		Coin       string `json:"coin"`
		Quote      string `json:"quote"`
		MarketType string `json:"market_type"`
		Interval   string `json:"interval,omitempty"`
	}

	// ClientRequest is one inbound frame.
	ClientRequest struct {
		Action  string   `json:"action"` // subscribe | unsubscribe | ping
		ID      string   `json:"id,omitempty"`
		Kind    string   `json:"kind,omitempty"` // candle | funding | oi
		Keys    []KeyRef `json:"keys,omitempty"`
		History int      `json:"history,omitempty"` // candle rows to replay before live
	}

	// SuccessMsg acknowledges a subscribe or unsubscribe.
	SuccessMsg struct {
		Type   string `json:"type"` // always "success"
		ID     string `json:"id,omitempty"`
		Action string `json:"action"`
	}

	// ErrorMsg reports a rejected request.
	ErrorMsg struct {
		Type    string `json:"type"` // always "error"
		ID      string `json:"id,omitempty"`
		Code    int    `json:"code"`
		Message string `json:"message"`
	}

	// HistoricalMsg replays stored candles, oldest first, before live
	// updates for the key begin.
	HistoricalMsg struct {
		Type string       `json:"type"` // always "historical"
		Kind string       `json:"kind"`
		Key  KeyRef       `json:"key"`
		Rows []CandleView `json:"rows"`
	}

	// UpdateMsg carries one changed row.
	UpdateMsg struct {
		Type string      `json:"type"` // always "update"
		Kind string      `json:"kind"`
		Key  KeyRef      `json:"key"`
		Row  interface{} `json:"row"`
	}

	// PongMsg answers an application-level ping, echoing its id.
	PongMsg struct {
		Type string `json:"type"` // always "pong"
		ID   string `json:"id,omitempty"`
	}

	// CandleView is the wire rendering of one candle. Numbers travel as
	// strings to keep decimal precision out of float hands.
	CandleView struct {
		Time       string `json:"time"`
		Open       string `json:"open"`
		High       string `json:"high"`
		Low        string `json:"low"`
		Close      string `json:"close"`
		Volume     string `json:"volume"`
		TradeCount *int64 `json:"trade_count,omitempty"`
	}

	// FundingView is the wire rendering of one funding row.
	FundingView struct {
		Time            string  `json:"time"`
		FundingRate     *string `json:"funding_rate,omitempty"`
		Premium         *string `json:"premium,omitempty"`
		MarkPrice       *string `json:"mark_price,omitempty"`
		IndexPrice      *string `json:"index_price,omitempty"`
		OraclePrice     *string `json:"oracle_price,omitempty"`
		MidPrice        *string `json:"mid_price,omitempty"`
		NextFundingTime *string `json:"next_funding_time,omitempty"`
	}

	// OpenInterestView is the wire rendering of one open-interest row.
	OpenInterestView struct {
		Time              string  `json:"time"`
		OpenInterest      *string `json:"open_interest,omitempty"`
		NotionalValue     *string `json:"notional_value,omitempty"`
		DayBaseVolume     *string `json:"day_base_volume,omitempty"`
		DayNotionalVolume *string `json:"day_notional_volume,omitempty"`
	}
)

// SeriesKey converts the reference to a resolver series key.
func (k KeyRef) SeriesKey() (types.SeriesKey, error) {
	if k.Interval == "" {
		return types.SeriesKey{}, fmt.Errorf("%w: candle key requires an interval", types.ErrValidation)
	}
	return types.SeriesKey{MarketKey: k.MarketKey(), Interval: k.Interval}, nil
}

// MarketKey converts the reference to a resolver market key.
func (k KeyRef) MarketKey() types.MarketKey {
	return types.MarketKey{
		Exchange:   types.ExchangeName(k.Exchange),
		Base:       k.Coin,
		Quote:      k.Quote,
		MarketType: k.MarketType,
	}
}

func wireTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func wireDec(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

// NewCandleView renders a candle for the wire.
func NewCandleView(c types.Candle) CandleView {
	return CandleView{
		Time:       wireTime(c.Time),
		Open:       c.Open.String(),
		High:       c.High.String(),
		Low:        c.Low.String(),
		Close:      c.Close.String(),
		Volume:     c.Volume.String(),
		TradeCount: c.TradeCount,
	}
}

// NewFundingView renders a funding row for the wire.
func NewFundingView(p types.FundingPoint) FundingView {
	view := FundingView{
		Time:        wireTime(p.Time),
		FundingRate: wireDec(p.FundingRate),
		Premium:     wireDec(p.Premium),
		MarkPrice:   wireDec(p.MarkPrice),
		IndexPrice:  wireDec(p.IndexPrice),
		OraclePrice: wireDec(p.OraclePrice),
		MidPrice:    wireDec(p.MidPrice),
	}
	if p.NextFundingTime != nil {
		s := wireTime(*p.NextFundingTime)
		view.NextFundingTime = &s
	}
	return view
}

// NewOpenInterestView renders an open-interest row for the wire.
func NewOpenInterestView(p types.OpenInterestPoint) OpenInterestView {
	return OpenInterestView{
		Time:              wireTime(p.Time),
		OpenInterest:      wireDec(p.OpenInterest),
		NotionalValue:     wireDec(p.NotionalValue),
		DayBaseVolume:     wireDec(p.DayBaseVolume),
		DayNotionalVolume: wireDec(p.DayNotionalVolume),
	}
}
