package fanout

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/perpdata/candle-feeder/feed/types"
)

const (
	writeDeadline  = 10 * time.Second
	historyTimeout = 10 * time.Second
)

// Client is one fan-out session. The read pump owns subscription
// changes, the write pump owns the connection's data frames, and the
// bounded send queue between registry and write pump is what isolates
// everyone else from a slow consumer. The send queue is never closed;
// done is what ends the write pump, so an enqueue racing a disconnect
// is a silent drop rather than a panic.
type Client struct {
	registry *Registry
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}

	subMtx sync.RWMutex
	subs   map[subKey]struct{}

	lagging   atomic.Int32
	pongNanos atomic.Int64
	evicted   sync.Once
}

func newClient(r *Registry, conn *websocket.Conn) *Client {
	c := &Client{
		registry: r,
		conn:     conn,
		send:     make(chan []byte, r.limits.SendQueueSize),
		done:     make(chan struct{}),
		subs:     make(map[subKey]struct{}),
	}
	c.pongNanos.Store(time.Now().UnixNano())
	return c
}

func (c *Client) subscribed(key subKey) bool {
	c.subMtx.RLock()
	defer c.subMtx.RUnlock()
	_, ok := c.subs[key]
	return ok
}

func (c *Client) subscriptionCount() int {
	c.subMtx.RLock()
	defer c.subMtx.RUnlock()
	return len(c.subs)
}

// enqueue offers a frame to the send queue without blocking. A taken
// frame also clears the lagging strike counter. Frames for an evicted
// session are dropped and reported as taken so the caller does not
// count strikes against a session that is already gone.
func (c *Client) enqueue(bz []byte) bool {
	select {
	case <-c.done:
		return true
	case c.send <- bz:
		c.lagging.Store(0)
		return true
	default:
		return false
	}
}

// markLagging records one over-full broadcast and returns the strike
// count.
func (c *Client) markLagging() int32 {
	return c.lagging.Add(1)
}

func (c *Client) lastPong() time.Time {
	return time.Unix(0, c.pongNanos.Load())
}

// ping sends a protocol-level ping. WriteControl is safe to call
// concurrently with the write pump.
func (c *Client) ping() {
	c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline))
}

// evict closes the session with the given close code. Idempotent.
func (c *Client) evict(code int, reason string) {
	c.evicted.Do(func() {
		closeWith(c.conn, code, reason)
		close(c.done)
		c.registry.remove(c)
		c.conn.Close()
	})
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for {
		select {
		case <-c.done:
			return
		case bz := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, bz); err != nil {
				c.evict(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer c.evict(websocket.CloseNormalClosure, "")

	readIdle := 2 * c.registry.limits.HeartbeatInterval
	c.conn.SetReadLimit(c.registry.limits.MessageSizeLimit)
	c.conn.SetReadDeadline(time.Now().Add(readIdle))
	c.conn.SetPongHandler(func(string) error {
		c.pongNanos.Store(time.Now().UnixNano())
		return c.conn.SetReadDeadline(time.Now().Add(readIdle))
	})

	for {
		_, bz, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readIdle))

		var req ClientRequest
		if err := json.Unmarshal(bz, &req); err != nil {
			c.sendError(ErrorMsg{Type: "error", Code: CodeBadRequest, Message: "malformed request"})
			continue
		}
		c.handleRequest(req)
	}
}

func (c *Client) handleRequest(req ClientRequest) {
	switch req.Action {
	case "subscribe":
		c.handleSubscribe(req)
	case "unsubscribe":
		c.handleUnsubscribe(req)
	case "ping":
		c.sendJSON(PongMsg{Type: "pong", ID: req.ID})
	default:
		c.sendError(ErrorMsg{Type: "error", ID: req.ID, Code: CodeBadRequest,
			Message: "unknown action " + req.Action})
	}
}

// handleSubscribe validates every requested key before touching the
// subscription set, so a bad request subscribes to nothing. For candle
// keys with history requested, stored rows are queued oldest first ahead
// of the subscription activating, which is what makes replay-then-live
// seamless for the client.
func (c *Client) handleSubscribe(req ClientRequest) {
	kind, ok := parseKind(req.Kind)
	if !ok {
		c.sendError(ErrorMsg{Type: "error", ID: req.ID, Code: CodeBadRequest,
			Message: "unknown kind " + req.Kind})
		return
	}
	if len(req.Keys) == 0 {
		c.sendError(ErrorMsg{Type: "error", ID: req.ID, Code: CodeBadRequest, Message: "no keys"})
		return
	}

	resolved := make([]subKey, 0, len(req.Keys))
	for _, ref := range req.Keys {
		id, err := c.resolveKey(kind, ref)
		if err != nil {
			c.sendError(ErrorMsg{Type: "error", ID: req.ID, Code: CodeUnknownKey,
				Message: "unknown key " + ref.MarketKey().String()})
			return
		}
		resolved = append(resolved, subKey{kind: kind, id: id})
	}

	if c.subscriptionCount()+len(resolved) > c.registry.limits.MaxSubscriptions {
		c.sendError(ErrorMsg{Type: "error", ID: req.ID, Code: CodeLimitExceeded,
			Message: "subscription limit exceeded"})
		return
	}

	if kind == types.KindCandle && req.History > 0 {
		for i, key := range resolved {
			if err := c.sendHistory(req.Keys[i], key.id, req.History); err != nil {
				c.sendError(ErrorMsg{Type: "error", ID: req.ID, Code: CodeInternalError,
					Message: "history read failed"})
				return
			}
		}
	}

	c.subMtx.Lock()
	for _, key := range resolved {
		c.subs[key] = struct{}{}
	}
	c.subMtx.Unlock()

	c.sendJSON(SuccessMsg{Type: "success", ID: req.ID, Action: "subscribe"})
}

func (c *Client) handleUnsubscribe(req ClientRequest) {
	kind, ok := parseKind(req.Kind)
	if !ok {
		c.sendError(ErrorMsg{Type: "error", ID: req.ID, Code: CodeBadRequest,
			Message: "unknown kind " + req.Kind})
		return
	}

	c.subMtx.Lock()
	for _, ref := range req.Keys {
		if id, err := c.resolveKey(kind, ref); err == nil {
			delete(c.subs, subKey{kind: kind, id: id})
		}
	}
	c.subMtx.Unlock()

	c.sendJSON(SuccessMsg{Type: "success", ID: req.ID, Action: "unsubscribe"})
}

func (c *Client) resolveKey(kind types.DataKind, ref KeyRef) (int64, error) {
	if kind == types.KindCandle {
		seriesKey, err := ref.SeriesKey()
		if err != nil {
			return 0, err
		}
		return c.registry.resolver.ResolveSeries(seriesKey)
	}
	return c.registry.resolver.ResolveMarket(ref.MarketKey())
}

// sendHistory queues up to limit stored candles for the series, oldest
// first.
func (c *Client) sendHistory(ref KeyRef, seriesID int64, limit int) error {
	if max := c.registry.limits.HistoryReadLimit; limit > max {
		limit = max
	}

	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()

	rows, err := c.registry.history.Candles(ctx, seriesID, time.Unix(0, 0), time.Now().UTC(), limit)
	if err != nil {
		return err
	}

	// the gateway reads newest first
	views := make([]CandleView, len(rows))
	for i, row := range rows {
		views[len(rows)-1-i] = NewCandleView(row)
	}
	c.sendJSON(HistoricalMsg{
		Type: "historical",
		Kind: types.KindCandle.String(),
		Key:  ref,
		Rows: views,
	})
	return nil
}

func (c *Client) sendJSON(msg interface{}) {
	bz, err := json.Marshal(msg)
	if err != nil {
		c.registry.logger.Error().Err(err).Msg("failed to marshal client frame")
		return
	}
	if !c.enqueue(bz) {
		c.registry.logger.Warn().Msg("dropping frame for client with full send queue")
	}
}

func (c *Client) sendError(msg ErrorMsg) {
	c.sendJSON(msg)
}

func parseKind(s string) (types.DataKind, bool) {
	switch types.DataKind(s) {
	case types.KindCandle, types.KindFunding, types.KindOpenInterest:
		return types.DataKind(s), true
	default:
		return "", false
	}
}
