package collector

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/perpdata/candle-feeder/feed/types"
)

const (
	hyperliquidWSHost = "api.hyperliquid.xyz"
	hyperliquidWSPath = "/ws"

	// Hyperliquid settles funding on the hour, every hour.
	hyperliquidFundingPeriod = time.Hour
)

var _ Collector = (*HyperliquidCollector)(nil)

type (
	// HyperliquidCollector collects candles, funding, and open interest
	// from the Hyperliquid websocket API.
	//
	// REF: https://hyperliquid.gitbook.io/hyperliquid-docs/for-developers/api/websocket
	HyperliquidCollector struct {
		wsc    *WebsocketController
		logger zerolog.Logger
		sink   Sink

		seriesByCoinInterval map[string]map[string]SeriesSub
		marketsByCoin        map[string]MarketSub

		runCtx context.Context
	}

	// HyperliquidSubscription is the inner subscription descriptor.
	HyperliquidSubscription struct {
		Type     string `json:"type"`               // ex.: candle
		Coin     string `json:"coin,omitempty"`     // ex.: BTC
		Interval string `json:"interval,omitempty"` // ex.: 1m
	}

	// HyperliquidSubscriptionMsg is one subscribe request.
	HyperliquidSubscriptionMsg struct {
		Method       string                  `json:"method"` // always "subscribe"
		Subscription HyperliquidSubscription `json:"subscription"`
	}

	// HyperliquidCandle is one candle frame payload.
	HyperliquidCandle struct {
		OpenMillis  int64  `json:"t"`
		CloseMillis int64  `json:"T"`
		Coin        string `json:"s"`
		Interval    string `json:"i"`
		Open        string `json:"o"`
		Close       string `json:"c"`
		High        string `json:"h"`
		Low         string `json:"l"`
		Volume      string `json:"v"`
		TradeCount  int64  `json:"n"`
	}

	// HyperliquidAssetCtx is the perp market context inside an
	// activeAssetCtx frame. Everything is optional on the wire.
	HyperliquidAssetCtx struct {
		Funding      string `json:"funding"`
		OpenInterest string `json:"openInterest"`
		Premium      string `json:"premium"`
		OraclePx     string `json:"oraclePx"`
		MarkPx       string `json:"markPx"`
		MidPx        string `json:"midPx"`
		DayNtlVlm    string `json:"dayNtlVlm"`
		DayBaseVlm   string `json:"dayBaseVlm"`
	}

	// HyperliquidActiveAssetCtx is one activeAssetCtx frame payload.
	HyperliquidActiveAssetCtx struct {
		Coin string              `json:"coin"`
		Ctx  HyperliquidAssetCtx `json:"ctx"`
	}

	// HyperliquidFrame is the channel envelope every message arrives in.
	HyperliquidFrame struct {
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	}
)

// NewHyperliquidCollector creates a new HyperliquidCollector subscribed to
// the given series and markets.
func NewHyperliquidCollector(
	logger zerolog.Logger,
	endpoint Endpoint,
	sink Sink,
	readIdleTimeout time.Duration,
	series []SeriesSub,
	markets []MarketSub,
) *HyperliquidCollector {
	if endpoint.Websocket == "" {
		endpoint.Websocket = hyperliquidWSHost
	}
	wsURL := url.URL{Scheme: "wss", Host: endpoint.Websocket, Path: hyperliquidWSPath}

	hlLogger := logger.With().Str("collector", string(ExchangeHyperliquid)).Logger()

	c := &HyperliquidCollector{
		logger:               hlLogger,
		sink:                 sink,
		seriesByCoinInterval: make(map[string]map[string]SeriesSub),
		marketsByCoin:        make(map[string]MarketSub, len(markets)),
	}
	for _, s := range series {
		if c.seriesByCoinInterval[s.Coin] == nil {
			c.seriesByCoinInterval[s.Coin] = make(map[string]SeriesSub)
		}
		c.seriesByCoinInterval[s.Coin][s.Interval] = s
	}
	for _, m := range markets {
		c.marketsByCoin[m.Coin] = m
	}

	c.wsc = NewWebsocketController(
		ExchangeHyperliquid,
		wsURL,
		c.getSubscriptionMsgs(series, markets),
		c.messageReceived,
		defaultPingDuration,
		nil,
		readIdleTimeout,
		hlLogger,
	)
	return c
}

// Name implements Collector.
func (c *HyperliquidCollector) Name() types.ExchangeName {
	return ExchangeHyperliquid
}

// Start implements Collector.
func (c *HyperliquidCollector) Start(ctx context.Context) error {
	c.runCtx = ctx
	return c.wsc.Start(ctx)
}

// Stop implements Collector.
func (c *HyperliquidCollector) Stop() {
	c.wsc.Close()
}

// Healthy implements Collector.
func (c *HyperliquidCollector) Healthy() bool {
	return c.wsc.State() == StateRunning
}

// State implements Collector.
func (c *HyperliquidCollector) State() State {
	return c.wsc.State()
}

func (c *HyperliquidCollector) getSubscriptionMsgs(series []SeriesSub, markets []MarketSub) []interface{} {
	msgs := make([]interface{}, 0, len(series)+len(markets))
	for _, s := range series {
		msgs = append(msgs, HyperliquidSubscriptionMsg{
			Method: "subscribe",
			Subscription: HyperliquidSubscription{
				Type:     "candle",
				Coin:     s.Coin,
				Interval: s.Interval,
			},
		})
	}
	for _, m := range markets {
		msgs = append(msgs, HyperliquidSubscriptionMsg{
			Method: "subscribe",
			Subscription: HyperliquidSubscription{
				Type: "activeAssetCtx",
				Coin: m.Coin,
			},
		})
	}
	return msgs
}

func (c *HyperliquidCollector) messageReceived(_ int, bz []byte) {
	var frame HyperliquidFrame
	if err := json.Unmarshal(bz, &frame); err != nil {
		telemetryMessageFailure(ExchangeHyperliquid)
		c.logger.Error().Err(err).Int("length", len(bz)).Msg("error on receive message")
		return
	}

	switch frame.Channel {
	case "candle":
		c.candleReceived(frame.Data)
	case "activeAssetCtx":
		c.assetCtxReceived(frame.Data)
	case "subscriptionResponse", "pong":
		// acknowledgements carry no data
	default:
		c.logger.Debug().Str("channel", frame.Channel).Msg("ignoring unknown channel")
	}
}

func (c *HyperliquidCollector) candleReceived(bz []byte) {
	var wire HyperliquidCandle
	if err := json.Unmarshal(bz, &wire); err != nil {
		telemetryMessageFailure(ExchangeHyperliquid)
		c.logger.Error().Err(err).Msg("error on parse candle")
		return
	}

	sub, ok := c.seriesByCoinInterval[wire.Coin][wire.Interval]
	if !ok {
		c.logger.Debug().Str("coin", wire.Coin).Str("interval", wire.Interval).
			Msg("candle for unsubscribed series")
		return
	}

	candle, err := types.NewCandle(wire.OpenMillis, wire.Open, wire.High, wire.Low, wire.Close, wire.Volume)
	if err != nil {
		telemetryMessageFailure(ExchangeHyperliquid)
		c.logger.Error().Err(err).Str("coin", wire.Coin).Msg("error on parse candle prices")
		return
	}
	if wire.TradeCount > 0 {
		n := wire.TradeCount
		candle.TradeCount = &n
	}
	candle.SeriesID = sub.ID
	candle = candle.AlignTo(sub.BarSeconds)

	if err := c.sink.UpsertCandle(c.runCtx, sub.ID, candle); err != nil {
		telemetryMessageFailure(ExchangeHyperliquid)
		c.logger.Error().Err(err).Int64("series_id", sub.ID).Msg("error on upsert candle")
		return
	}
	telemetryWebsocketMessage(ExchangeHyperliquid, MessageTypeCandle)
}

func (c *HyperliquidCollector) assetCtxReceived(bz []byte) {
	var wire HyperliquidActiveAssetCtx
	if err := json.Unmarshal(bz, &wire); err != nil {
		telemetryMessageFailure(ExchangeHyperliquid)
		c.logger.Error().Err(err).Msg("error on parse asset context")
		return
	}

	market, ok := c.marketsByCoin[wire.Coin]
	if !ok {
		c.logger.Debug().Str("coin", wire.Coin).Msg("asset context for untracked market")
		return
	}

	now := time.Now().UTC()
	funding, oi, err := wire.Ctx.toPoints(market.ID, now)
	if err != nil {
		telemetryMessageFailure(ExchangeHyperliquid)
		c.logger.Error().Err(err).Str("coin", wire.Coin).Msg("error on parse asset context values")
		return
	}

	c.sink.PutFunding(market.ID, funding)
	telemetryWebsocketMessage(ExchangeHyperliquid, MessageTypeFunding)

	c.sink.PutOpenInterest(market.ID, oi)
	telemetryWebsocketMessage(ExchangeHyperliquid, MessageTypeOpenInterest)
}

// toPoints splits one asset context into its funding and open-interest
// ticks. Absent wire fields stay nil so the storage coalesce never
// overwrites a stored value with nothing.
func (ctx HyperliquidAssetCtx) toPoints(marketID int64, ts time.Time) (types.FundingPoint, types.OpenInterestPoint, error) {
	funding := types.FundingPoint{Time: ts, MarketID: marketID}
	oi := types.OpenInterestPoint{Time: ts, MarketID: marketID}

	var err error
	if funding.FundingRate, err = types.ParseOptionalDec(ctx.Funding); err != nil {
		return funding, oi, err
	}
	if funding.Premium, err = types.ParseOptionalDec(ctx.Premium); err != nil {
		return funding, oi, err
	}
	if funding.MarkPrice, err = types.ParseOptionalDec(ctx.MarkPx); err != nil {
		return funding, oi, err
	}
	if funding.OraclePrice, err = types.ParseOptionalDec(ctx.OraclePx); err != nil {
		return funding, oi, err
	}
	if funding.MidPrice, err = types.ParseOptionalDec(ctx.MidPx); err != nil {
		return funding, oi, err
	}
	next := ts.Truncate(hyperliquidFundingPeriod).Add(hyperliquidFundingPeriod)
	funding.NextFundingTime = &next

	if oi.OpenInterest, err = types.ParseOptionalDec(ctx.OpenInterest); err != nil {
		return funding, oi, err
	}
	if oi.DayBaseVolume, err = types.ParseOptionalDec(ctx.DayBaseVlm); err != nil {
		return funding, oi, err
	}
	if oi.DayNotionalVolume, err = types.ParseOptionalDec(ctx.DayNtlVlm); err != nil {
		return funding, oi, err
	}
	if oi.OpenInterest != nil && funding.MarkPrice != nil {
		notional := oi.OpenInterest.Mul(*funding.MarkPrice)
		oi.NotionalValue = &notional
	}

	return funding, oi, nil
}
