package fanout

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/perpdata/candle-feeder/feed/types"
	"github.com/perpdata/candle-feeder/refdata"
)

type fakeResolver struct {
	series  map[types.SeriesKey]int64
	markets map[types.MarketKey]int64
	byID    map[int64]refdata.SeriesInfo
	mktByID map[int64]refdata.MarketInfo
}

func (f *fakeResolver) ResolveSeries(key types.SeriesKey) (int64, error) {
	if id, ok := f.series[key]; ok {
		return id, nil
	}
	return 0, types.ErrNotFound
}

func (f *fakeResolver) ResolveMarket(key types.MarketKey) (int64, error) {
	if id, ok := f.markets[key]; ok {
		return id, nil
	}
	return 0, types.ErrNotFound
}

func (f *fakeResolver) SeriesByID(id int64) (refdata.SeriesInfo, bool) {
	info, ok := f.byID[id]
	return info, ok
}

func (f *fakeResolver) MarketByID(id int64) (refdata.MarketInfo, bool) {
	info, ok := f.mktByID[id]
	return info, ok
}

type fakeHistory struct {
	rows []types.Candle
}

func (f *fakeHistory) Candles(_ context.Context, _ int64, _, _ time.Time, limit int) ([]types.Candle, error) {
	if limit < len(f.rows) {
		return f.rows[:limit], nil
	}
	return f.rows, nil
}

func btcSeriesKey() types.SeriesKey {
	return types.SeriesKey{
		MarketKey: types.MarketKey{Exchange: "hyperliquid", Base: "BTC", Quote: "USD", MarketType: "perp"},
		Interval:  "1m",
	}
}

func btcKeyRef() KeyRef {
	return KeyRef{Exchange: "hyperliquid", Coin: "BTC", Quote: "USD", MarketType: "perp", Interval: "1m"}
}

func testLimits() Limits {
	return Limits{
		MaxConnections:    4,
		MaxSubscriptions:  8,
		SendQueueSize:     32,
		MessageSizeLimit:  1 << 16,
		HeartbeatInterval: 30 * time.Second,
		HistoryReadLimit:  100,
	}
}

func testHistoryRows(t *testing.T, n int) []types.Candle {
	t.Helper()
	base := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	// newest first, the way the gateway reads
	rows := make([]types.Candle, 0, n)
	for i := n - 1; i >= 0; i-- {
		c, err := types.NewCandle(base.Add(time.Duration(i)*time.Minute).UnixMilli(),
			"100", "110", "90", "105", "1")
		require.NoError(t, err)
		rows = append(rows, c)
	}
	return rows
}

func newTestRegistry(t *testing.T, limits Limits) (*Registry, *fakeResolver) {
	t.Helper()
	resolver := &fakeResolver{
		series:  map[types.SeriesKey]int64{btcSeriesKey(): 1},
		markets: map[types.MarketKey]int64{btcSeriesKey().MarketKey: 10},
		byID:    map[int64]refdata.SeriesInfo{1: {ID: 1, MarketID: 10, Key: btcSeriesKey()}},
		mktByID: map[int64]refdata.MarketInfo{10: {ID: 10, Key: btcSeriesKey().MarketKey}},
	}
	return NewRegistry(zerolog.Nop(), resolver, &fakeHistory{rows: testHistoryRows(t, 3)}, limits), resolver
}

func dialTestServer(t *testing.T, registry *Registry, header http.Header) (*websocket.Conn, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(registry.ServeWS))
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	return conn, server
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestSubscribeWithHistoryThenLive(t *testing.T) {
	registry, _ := newTestRegistry(t, testLimits())
	conn, server := dialTestServer(t, registry, nil)
	defer server.Close()
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(ClientRequest{
		Action: "subscribe", ID: "req-1", Kind: "candle",
		Keys: []KeyRef{btcKeyRef()}, History: 10,
	}))

	historical := readMessage(t, conn)
	require.Equal(t, "historical", historical["type"])
	rows := historical["rows"].([]interface{})
	require.Len(t, rows, 3)
	// replayed oldest first
	first := rows[0].(map[string]interface{})
	last := rows[2].(map[string]interface{})
	require.Less(t, first["time"].(string), last["time"].(string))

	success := readMessage(t, conn)
	require.Equal(t, "success", success["type"])
	require.Equal(t, "req-1", success["id"])

	// a broadcast for the subscribed series now reaches the session
	candle, err := types.NewCandle(time.Date(2026, 1, 2, 13, 0, 0, 0, time.UTC).UnixMilli(),
		"100", "110", "90", "105", "1")
	require.NoError(t, err)
	registry.Broadcast(types.KindCandle, 1, UpdateMsg{
		Type: "update", Kind: "candle", Key: btcKeyRef(), Row: NewCandleView(candle),
	})

	update := readMessage(t, conn)
	require.Equal(t, "update", update["type"])
	require.Equal(t, "candle", update["kind"])

	// a broadcast for an unsubscribed key does not
	registry.Broadcast(types.KindFunding, 10, UpdateMsg{Type: "update", Kind: "funding"})
	require.NoError(t, conn.WriteJSON(ClientRequest{Action: "ping", ID: "p1"}))
	pong := readMessage(t, conn)
	require.Equal(t, "pong", pong["type"])
	require.Equal(t, "p1", pong["id"])
}

func TestSubscribeUnknownKeyRejected(t *testing.T) {
	registry, _ := newTestRegistry(t, testLimits())
	conn, server := dialTestServer(t, registry, nil)
	defer server.Close()
	defer conn.Close()

	ref := btcKeyRef()
	ref.Coin = "DOGE"
	require.NoError(t, conn.WriteJSON(ClientRequest{
		Action: "subscribe", ID: "req-2", Kind: "candle", Keys: []KeyRef{ref},
	}))

	msg := readMessage(t, conn)
	require.Equal(t, "error", msg["type"])
	require.Equal(t, float64(CodeUnknownKey), msg["code"])
}

func TestSubscribeLimitExceeded(t *testing.T) {
	limits := testLimits()
	limits.MaxSubscriptions = 0
	registry, _ := newTestRegistry(t, limits)
	conn, server := dialTestServer(t, registry, nil)
	defer server.Close()
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(ClientRequest{
		Action: "subscribe", Kind: "candle", Keys: []KeyRef{btcKeyRef()},
	}))
	msg := readMessage(t, conn)
	require.Equal(t, "error", msg["type"])
	require.Equal(t, float64(CodeLimitExceeded), msg["code"])
}

func TestUnsubscribeStopsUpdates(t *testing.T) {
	registry, _ := newTestRegistry(t, testLimits())
	conn, server := dialTestServer(t, registry, nil)
	defer server.Close()
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(ClientRequest{
		Action: "subscribe", Kind: "candle", Keys: []KeyRef{btcKeyRef()},
	}))
	require.Equal(t, "success", readMessage(t, conn)["type"])

	require.NoError(t, conn.WriteJSON(ClientRequest{
		Action: "unsubscribe", Kind: "candle", Keys: []KeyRef{btcKeyRef()},
	}))
	require.Equal(t, "success", readMessage(t, conn)["type"])

	registry.Broadcast(types.KindCandle, 1, UpdateMsg{Type: "update", Kind: "candle"})
	require.NoError(t, conn.WriteJSON(ClientRequest{Action: "ping", ID: "after"}))
	msg := readMessage(t, conn)
	// the ping answer arrives without any update in between
	require.Equal(t, "pong", msg["type"])
}

func TestConnectionCeiling(t *testing.T) {
	limits := testLimits()
	limits.MaxConnections = 1
	registry, _ := newTestRegistry(t, limits)
	conn, server := dialTestServer(t, registry, nil)
	defer server.Close()
	defer conn.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), types.ErrConnectionLimit.Error())
}

func TestAuthRejectedWithCloseCode(t *testing.T) {
	limits := testLimits()
	limits.AuthSecret = "test-secret"
	registry, _ := newTestRegistry(t, limits)
	conn, server := dialTestServer(t, registry, nil)
	defer server.Close()
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, CloseUnauthorized, closeErr.Code)
}

func TestAuthAcceptsValidToken(t *testing.T) {
	limits := testLimits()
	limits.AuthSecret = "test-secret"
	registry, _ := newTestRegistry(t, limits)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "reader",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, server := dialTestServer(t, registry, header)
	defer server.Close()
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(ClientRequest{Action: "ping", ID: "authed"}))
	require.Equal(t, "pong", readMessage(t, conn)["type"])
}

// newStallHarness serves raw websocket upgrades so tests can register
// sessions whose write pump never runs; their queues fill and stay full.
func newStallHarness(t *testing.T) (*httptest.Server, chan *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	serverConns := make(chan *websocket.Conn, 64)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err == nil {
			serverConns <- conn
		}
	}))
	return server, serverConns
}

// dialStalledClient registers a pumpless session subscribed to the BTC
// candle series and returns it with the dialer side of its connection.
func dialStalledClient(t *testing.T, registry *Registry, server *httptest.Server, serverConns chan *websocket.Conn) (*Client, *websocket.Conn) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	dialer, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	c := newClient(registry, <-serverConns)
	require.True(t, registry.add(c))
	c.subMtx.Lock()
	c.subs[subKey{kind: types.KindCandle, id: 1}] = struct{}{}
	c.subMtx.Unlock()
	return c, dialer
}

func TestBroadcastEvictsLaggingClient(t *testing.T) {
	limits := testLimits()
	registry, _ := newTestRegistry(t, limits)

	healthy, healthyServer := dialTestServer(t, registry, nil)
	defer healthyServer.Close()
	defer healthy.Close()
	require.NoError(t, healthy.WriteJSON(ClientRequest{
		Action: "subscribe", Kind: "candle", Keys: []KeyRef{btcKeyRef()},
	}))
	require.Equal(t, "success", readMessage(t, healthy)["type"])

	stallServer, serverConns := newStallHarness(t)
	defer stallServer.Close()
	slow, slowDialer := dialStalledClient(t, registry, stallServer, serverConns)
	defer slowDialer.Close()
	for i := 0; i < limits.SendQueueSize; i++ {
		require.True(t, slow.enqueue([]byte("fill")))
	}
	require.Equal(t, 2, registry.ClientCount())

	for i := 0; i < laggingEvictionCount; i++ {
		registry.Broadcast(types.KindCandle, 1, UpdateMsg{Type: "update", Kind: "candle", Key: btcKeyRef()})
	}

	// the stalled session is gone, closed with the lagging code
	require.Equal(t, 1, registry.ClientCount())
	slowDialer.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := slowDialer.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, CloseLagging, closeErr.Code)

	// the healthy session received every update the slow one missed
	for i := 0; i < laggingEvictionCount; i++ {
		require.Equal(t, "update", readMessage(t, healthy)["type"])
	}
}

func TestBroadcastSurvivesDisconnectChurn(t *testing.T) {
	limits := testLimits()
	limits.MaxConnections = 64
	registry, _ := newTestRegistry(t, limits)

	stallServer, serverConns := newStallHarness(t)
	defer stallServer.Close()

	clients := make([]*Client, 0, 16)
	for i := 0; i < cap(clients); i++ {
		c, dialer := dialStalledClient(t, registry, stallServer, serverConns)
		defer dialer.Close()
		clients = append(clients, c)
	}

	// evictions racing broadcasts must not take the broadcaster down;
	// an update for a session already on its way out is just dropped
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, c := range clients {
			c.evict(websocket.CloseNormalClosure, "")
		}
	}()
	for i := 0; i < 100; i++ {
		registry.Broadcast(types.KindCandle, 1, UpdateMsg{Type: "update", Kind: "candle"})
	}
	wg.Wait()

	require.Zero(t, registry.ClientCount())
}
