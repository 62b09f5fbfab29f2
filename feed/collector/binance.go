package collector

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/perpdata/candle-feeder/feed/types"
)

const (
	binanceWSHost = "fstream.binance.com"
	binanceWSPath = "/stream"
)

var _ Collector = (*BinanceCollector)(nil)

type (
	// BinanceCollector collects perpetual klines and mark-price funding
	// updates from the Binance USDⓈ-M futures websocket API. Binance has
	// no open-interest stream, so this collector produces no
	// open-interest ticks.
	//
	// REF: https://binance-docs.github.io/apidocs/futures/en/#websocket-market-streams
	BinanceCollector struct {
		wsc    *WebsocketController
		logger zerolog.Logger
		sink   Sink

		seriesBySymbolInterval map[string]map[string]SeriesSub
		marketsBySymbol        map[string]MarketSub

		runCtx context.Context
	}

	// BinanceSubscriptionMsg Message to subscribe/unsubscribe with N streams.
	BinanceSubscriptionMsg struct {
		Method string   `json:"method"` // ex.: SUBSCRIBE
		Params []string `json:"params"` // streams, ex.: btcusdt@kline_1m
		ID     uint16   `json:"id"`
	}

	// BinanceKline is the nested kline payload of a kline event.
	BinanceKline struct {
		OpenMillis  int64  `json:"t"`
		CloseMillis int64  `json:"T"`
		Symbol      string `json:"s"`
		Interval    string `json:"i"`
		Open        string `json:"o"`
		Close       string `json:"c"`
		High        string `json:"h"`
		Low         string `json:"l"`
		Volume      string `json:"v"`
		TradeCount  int64  `json:"n"`
		Closed      bool   `json:"x"`
	}

	// BinanceKlineEvent is one kline stream event.
	BinanceKlineEvent struct {
		EventType string       `json:"e"` // ex.: kline
		Symbol    string       `json:"s"`
		Kline     BinanceKline `json:"k"`
	}

	// BinanceMarkPriceEvent is one markPrice stream event.
	BinanceMarkPriceEvent struct {
		EventType       string `json:"e"` // ex.: markPriceUpdate
		Symbol          string `json:"s"`
		MarkPrice       string `json:"p"`
		IndexPrice      string `json:"i"`
		FundingRate     string `json:"r"`
		NextFundingTime int64  `json:"T"` // unix millis
	}

	// BinanceStreamFrame is the combined-stream envelope.
	BinanceStreamFrame struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
)

// NewBinanceCollector creates a new BinanceCollector subscribed to the
// given series and markets.
func NewBinanceCollector(
	logger zerolog.Logger,
	endpoint Endpoint,
	sink Sink,
	readIdleTimeout time.Duration,
	series []SeriesSub,
	markets []MarketSub,
) *BinanceCollector {
	if endpoint.Websocket == "" {
		endpoint.Websocket = binanceWSHost
	}
	wsURL := url.URL{Scheme: "wss", Host: endpoint.Websocket, Path: binanceWSPath}

	bLogger := logger.With().Str("collector", string(ExchangeBinance)).Logger()

	c := &BinanceCollector{
		logger:                 bLogger,
		sink:                   sink,
		seriesBySymbolInterval: make(map[string]map[string]SeriesSub),
		marketsBySymbol:        make(map[string]MarketSub, len(markets)),
	}
	for _, s := range series {
		sym := strings.ToUpper(s.Coin)
		if c.seriesBySymbolInterval[sym] == nil {
			c.seriesBySymbolInterval[sym] = make(map[string]SeriesSub)
		}
		c.seriesBySymbolInterval[sym][s.Interval] = s
	}
	for _, m := range markets {
		c.marketsBySymbol[strings.ToUpper(m.Coin)] = m
	}

	c.wsc = NewWebsocketController(
		ExchangeBinance,
		wsURL,
		c.getSubscriptionMsgs(series, markets),
		c.messageReceived,
		defaultPingDuration,
		nil,
		readIdleTimeout,
		bLogger,
	)
	return c
}

// Name implements Collector.
func (c *BinanceCollector) Name() types.ExchangeName {
	return ExchangeBinance
}

// Start implements Collector.
func (c *BinanceCollector) Start(ctx context.Context) error {
	c.runCtx = ctx
	return c.wsc.Start(ctx)
}

// Stop implements Collector.
func (c *BinanceCollector) Stop() {
	c.wsc.Close()
}

// Healthy implements Collector.
func (c *BinanceCollector) Healthy() bool {
	return c.wsc.State() == StateRunning
}

// State implements Collector.
func (c *BinanceCollector) State() State {
	return c.wsc.State()
}

func (c *BinanceCollector) getSubscriptionMsgs(series []SeriesSub, markets []MarketSub) []interface{} {
	streams := make([]string, 0, len(series)+len(markets))
	for _, s := range series {
		streams = append(streams, strings.ToLower(s.Coin)+"@kline_"+s.Interval)
	}
	for _, m := range markets {
		streams = append(streams, strings.ToLower(m.Coin)+"@markPrice@1s")
	}
	return []interface{}{BinanceSubscriptionMsg{
		Method: "SUBSCRIBE",
		Params: streams,
		ID:     1,
	}}
}

func (c *BinanceCollector) messageReceived(_ int, bz []byte) {
	var frame BinanceStreamFrame
	if err := json.Unmarshal(bz, &frame); err != nil || len(frame.Data) == 0 {
		// subscription acks arrive outside the stream envelope
		return
	}

	switch {
	case strings.Contains(frame.Stream, "@kline_"):
		c.klineReceived(frame.Data)
	case strings.Contains(frame.Stream, "@markPrice"):
		c.markPriceReceived(frame.Data)
	default:
		c.logger.Debug().Str("stream", frame.Stream).Msg("ignoring unknown stream")
	}
}

func (c *BinanceCollector) klineReceived(bz []byte) {
	var event BinanceKlineEvent
	if err := json.Unmarshal(bz, &event); err != nil {
		telemetryMessageFailure(ExchangeBinance)
		c.logger.Error().Err(err).Msg("error on parse kline")
		return
	}

	sub, ok := c.seriesBySymbolInterval[event.Symbol][event.Kline.Interval]
	if !ok {
		c.logger.Debug().Str("symbol", event.Symbol).Str("interval", event.Kline.Interval).
			Msg("kline for unsubscribed series")
		return
	}

	k := event.Kline
	candle, err := types.NewCandle(k.OpenMillis, k.Open, k.High, k.Low, k.Close, k.Volume)
	if err != nil {
		telemetryMessageFailure(ExchangeBinance)
		c.logger.Error().Err(err).Str("symbol", event.Symbol).Msg("error on parse kline prices")
		return
	}
	if k.TradeCount > 0 {
		n := k.TradeCount
		candle.TradeCount = &n
	}
	candle.SeriesID = sub.ID
	candle = candle.AlignTo(sub.BarSeconds)

	if err := c.sink.UpsertCandle(c.runCtx, sub.ID, candle); err != nil {
		telemetryMessageFailure(ExchangeBinance)
		c.logger.Error().Err(err).Int64("series_id", sub.ID).Msg("error on upsert candle")
		return
	}
	telemetryWebsocketMessage(ExchangeBinance, MessageTypeCandle)
}

func (c *BinanceCollector) markPriceReceived(bz []byte) {
	var event BinanceMarkPriceEvent
	if err := json.Unmarshal(bz, &event); err != nil {
		telemetryMessageFailure(ExchangeBinance)
		c.logger.Error().Err(err).Msg("error on parse mark price")
		return
	}

	market, ok := c.marketsBySymbol[event.Symbol]
	if !ok {
		c.logger.Debug().Str("symbol", event.Symbol).Msg("mark price for untracked market")
		return
	}

	point := types.FundingPoint{Time: time.Now().UTC(), MarketID: market.ID}
	var err error
	if point.FundingRate, err = types.ParseOptionalDec(event.FundingRate); err == nil {
		if point.MarkPrice, err = types.ParseOptionalDec(event.MarkPrice); err == nil {
			point.IndexPrice, err = types.ParseOptionalDec(event.IndexPrice)
		}
	}
	if err != nil {
		telemetryMessageFailure(ExchangeBinance)
		c.logger.Error().Err(err).Str("symbol", event.Symbol).Msg("error on parse mark price values")
		return
	}
	if event.NextFundingTime > 0 {
		next := time.UnixMilli(event.NextFundingTime).UTC()
		point.NextFundingTime = &next
	}

	c.sink.PutFunding(market.ID, point)
	telemetryWebsocketMessage(ExchangeBinance, MessageTypeFunding)
}
