package fanout

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/perpdata/candle-feeder/feed/types"
)

type fakeNotificationStore struct {
	candle  types.Candle
	funding types.FundingPoint
	oi      types.OpenInterestPoint

	candleReads [][2]int64 // (id, unix)
}

func (f *fakeNotificationStore) Listen(ctx context.Context, _ []string, _ func(channel, payload string)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeNotificationStore) CandleAt(_ context.Context, seriesID int64, ts time.Time) (types.Candle, error) {
	f.candleReads = append(f.candleReads, [2]int64{seriesID, ts.Unix()})
	if f.candle.SeriesID != seriesID {
		return types.Candle{}, types.ErrNotFound
	}
	return f.candle, nil
}

func (f *fakeNotificationStore) FundingPointAt(_ context.Context, marketID int64, _ time.Time) (types.FundingPoint, error) {
	if f.funding.MarketID != marketID {
		return types.FundingPoint{}, types.ErrNotFound
	}
	return f.funding, nil
}

func (f *fakeNotificationStore) OpenInterestPointAt(_ context.Context, marketID int64, _ time.Time) (types.OpenInterestPoint, error) {
	if f.oi.MarketID != marketID {
		return types.OpenInterestPoint{}, types.ErrNotFound
	}
	return f.oi, nil
}

func TestListenerBroadcastsOnNotification(t *testing.T) {
	registry, resolver := newTestRegistry(t, testLimits())

	candle, err := types.NewCandle(time.Date(2026, 1, 2, 12, 34, 0, 0, time.UTC).UnixMilli(),
		"100", "110", "90", "105", "1")
	require.NoError(t, err)
	candle.SeriesID = 1

	rate := decimal.RequireFromString("0.0000125")
	st := &fakeNotificationStore{
		candle:  candle,
		funding: types.FundingPoint{Time: candle.Time, MarketID: 10, FundingRate: &rate},
	}
	listener := NewListener(zerolog.Nop(), st, resolver, registry)

	conn, server := dialTestServer(t, registry, nil)
	defer server.Close()
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(ClientRequest{
		Action: "subscribe", Kind: "candle", Keys: []KeyRef{btcKeyRef()},
	}))
	require.Equal(t, "success", readMessage(t, conn)["type"])

	fundingRef := btcKeyRef()
	fundingRef.Interval = ""
	require.NoError(t, conn.WriteJSON(ClientRequest{
		Action: "subscribe", Kind: "funding", Keys: []KeyRef{fundingRef},
	}))
	require.Equal(t, "success", readMessage(t, conn)["type"])

	listener.handleNotification(ChannelCandles, `{"key":1,"time":1767357240}`)
	update := readMessage(t, conn)
	require.Equal(t, "update", update["type"])
	require.Equal(t, "candle", update["kind"])
	row := update["row"].(map[string]interface{})
	require.Equal(t, "105", row["close"])
	// the readback hits the primary key named by the notification
	require.Equal(t, [2]int64{1, 1767357240}, st.candleReads[0])

	listener.handleNotification(ChannelFunding, `{"key":10,"time":1767357240}`)
	update = readMessage(t, conn)
	require.Equal(t, "funding", update["kind"])
	row = update["row"].(map[string]interface{})
	require.Equal(t, "0.0000125", row["funding_rate"])
}

func TestListenerIgnoresMalformedPayload(t *testing.T) {
	registry, resolver := newTestRegistry(t, testLimits())
	st := &fakeNotificationStore{}
	listener := NewListener(zerolog.Nop(), st, resolver, registry)

	listener.handleNotification(ChannelCandles, `not json`)
	listener.handleNotification("mystery_channel", `{"key":1,"time":1}`)
	require.Empty(t, st.candleReads)
}

func TestListenerSkipsUnknownKeys(t *testing.T) {
	registry, resolver := newTestRegistry(t, testLimits())
	st := &fakeNotificationStore{}
	listener := NewListener(zerolog.Nop(), st, resolver, registry)

	// series 99 is not in the reference snapshot; no readback happens
	listener.handleNotification(ChannelCandles, `{"key":99,"time":1767357240}`)
	require.Empty(t, st.candleReads)
}

func TestListenerRunStopsOnCancel(t *testing.T) {
	registry, resolver := newTestRegistry(t, testLimits())
	listener := NewListener(zerolog.Nop(), &fakeNotificationStore{}, resolver, registry)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- listener.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}
