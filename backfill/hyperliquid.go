package backfill

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/perpdata/candle-feeder/feed/types"
)

const (
	hyperliquidRestHost = "https://api.hyperliquid.xyz"
	hyperliquidInfoPath = "/info"

	defaultHTTPTimeout = 10 * time.Second

	// responseBodyLimit guards against a misbehaving endpoint; the
	// largest legitimate candleSnapshot response is well under this.
	responseBodyLimit = 16 << 20
)

var _ Source = (*HyperliquidSource)(nil)

type (
	// HyperliquidSource fetches historical candles and funding from the
	// Hyperliquid info API. Hyperliquid keeps no open-interest history,
	// so those gaps are not recoverable.
	//
	// REF: https://hyperliquid.gitbook.io/hyperliquid-docs/for-developers/api/info-endpoint
	HyperliquidSource struct {
		logger  zerolog.Logger
		client  *http.Client
		infoURL string
	}

	// HyperliquidInfoRequest is the envelope for info endpoint requests.
	HyperliquidInfoRequest struct {
		Type      string                        `json:"type"`
		Coin      string                        `json:"coin,omitempty"`
		StartTime int64                         `json:"startTime,omitempty"`
		EndTime   int64                         `json:"endTime,omitempty"`
		Req       *HyperliquidCandleSnapshotReq `json:"req,omitempty"`
	}

	// HyperliquidCandleSnapshotReq carries candleSnapshot parameters.
	HyperliquidCandleSnapshotReq struct {
		Coin      string `json:"coin"`
		Interval  string `json:"interval"`
		StartTime int64  `json:"startTime"`
		EndTime   int64  `json:"endTime"`
	}

	// HyperliquidRestCandle is one candleSnapshot response row.
	HyperliquidRestCandle struct {
		OpenMillis int64  `json:"t"`
		Coin       string `json:"s"`
		Interval   string `json:"i"`
		Open       string `json:"o"`
		Close      string `json:"c"`
		High       string `json:"h"`
		Low        string `json:"l"`
		Volume     string `json:"v"`
		TradeCount int64  `json:"n"`
	}

	// HyperliquidFundingHistory is one fundingHistory response row.
	HyperliquidFundingHistory struct {
		Coin        string `json:"coin"`
		FundingRate string `json:"fundingRate"`
		Premium     string `json:"premium"`
		TimeMillis  int64  `json:"time"`
	}
)

// NewHyperliquidSource creates a HyperliquidSource against the given REST
// host, falling back to the public API host. Config hosts are commonly
// written without a scheme; https is assumed for those.
func NewHyperliquidSource(logger zerolog.Logger, restHost string) *HyperliquidSource {
	if restHost == "" {
		restHost = hyperliquidRestHost
	}
	if !strings.Contains(restHost, "://") {
		restHost = "https://" + restHost
	}
	return &HyperliquidSource{
		logger:  logger.With().Str("source", "hyperliquid").Logger(),
		client:  &http.Client{Timeout: defaultHTTPTimeout},
		infoURL: restHost + hyperliquidInfoPath,
	}
}

// Name implements Source.
func (s *HyperliquidSource) Name() types.ExchangeName {
	return "hyperliquid"
}

// Symbol implements Source. Hyperliquid keys everything by bare coin.
func (s *HyperliquidSource) Symbol(key types.MarketKey) string {
	return key.Base
}

// Candles implements Source via the candleSnapshot info request. The
// endpoint serves at most 5000 bars per call; the engine's chunked walk
// absorbs that cap.
func (s *HyperliquidSource) Candles(ctx context.Context, coin, interval string, start, end time.Time) ([]types.Candle, error) {
	var wire []HyperliquidRestCandle
	err := s.post(ctx, HyperliquidInfoRequest{
		Type: "candleSnapshot",
		Req: &HyperliquidCandleSnapshotReq{
			Coin:      coin,
			Interval:  interval,
			StartTime: start.UnixMilli(),
			EndTime:   end.UnixMilli(),
		},
	}, &wire)
	if err != nil {
		return nil, err
	}

	out := make([]types.Candle, 0, len(wire))
	for _, w := range wire {
		candle, err := types.NewCandle(w.OpenMillis, w.Open, w.High, w.Low, w.Close, w.Volume)
		if err != nil {
			s.logger.Error().Err(err).Str("coin", coin).Int64("t", w.OpenMillis).
				Msg("skipping unparseable historical candle")
			continue
		}
		if w.TradeCount > 0 {
			n := w.TradeCount
			candle.TradeCount = &n
		}
		out = append(out, candle)
	}
	return out, nil
}

// FundingHistory implements Source. Hyperliquid's history carries rate
// and premium only; no prices are synthesized, the storage coalesce
// merges these rows beside whatever the live stream captured.
func (s *HyperliquidSource) FundingHistory(ctx context.Context, coin string, start, end time.Time) ([]types.FundingPoint, error) {
	var wire []HyperliquidFundingHistory
	err := s.post(ctx, HyperliquidInfoRequest{
		Type:      "fundingHistory",
		Coin:      coin,
		StartTime: start.UnixMilli(),
		EndTime:   end.UnixMilli(),
	}, &wire)
	if err != nil {
		return nil, err
	}

	out := make([]types.FundingPoint, 0, len(wire))
	for _, w := range wire {
		point := types.FundingPoint{Time: time.UnixMilli(w.TimeMillis).UTC()}
		if point.FundingRate, err = types.ParseOptionalDec(w.FundingRate); err != nil {
			s.logger.Error().Err(err).Str("coin", coin).Msg("skipping unparseable funding row")
			continue
		}
		if point.Premium, err = types.ParseOptionalDec(w.Premium); err != nil {
			s.logger.Error().Err(err).Str("coin", coin).Msg("skipping unparseable funding row")
			continue
		}
		out = append(out, point)
	}
	return out, nil
}

// OpenInterestHistory implements Source. Hyperliquid serves only the
// current open interest; a gap in that series cannot be recovered.
func (s *HyperliquidSource) OpenInterestHistory(context.Context, string, time.Time, time.Time) ([]types.OpenInterestPoint, error) {
	return nil, fmt.Errorf("%w: hyperliquid keeps no open-interest history", types.ErrNotRecoverable)
}

func (s *HyperliquidSource) post(ctx context.Context, reqBody HyperliquidInfoRequest, out interface{}) error {
	bz, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.infoURL, bytes.NewReader(bz))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, reqBody.Type)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("info request %s returned status %d", reqBody.Type, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrTransient, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", reqBody.Type, err)
	}
	return nil
}
