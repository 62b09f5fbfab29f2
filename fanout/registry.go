package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/perpdata/candle-feeder/feed/types"
	"github.com/perpdata/candle-feeder/refdata"
)

// laggingEvictionCount is how many consecutive over-full broadcasts a
// session survives before it is evicted.
const laggingEvictionCount = 3

type (
	// subKey identifies one live subscription inside the registry.
	subKey struct {
		kind types.DataKind
		id   int64 // series id for candles, market id otherwise
	}

	// KeyResolver is the slice of the reference resolver the fan-out
	// needs. *refdata.Resolver satisfies it.
	KeyResolver interface {
		ResolveSeries(key types.SeriesKey) (int64, error)
		ResolveMarket(key types.MarketKey) (int64, error)
		SeriesByID(id int64) (refdata.SeriesInfo, bool)
		MarketByID(id int64) (refdata.MarketInfo, bool)
	}

	// HistoryStore is the slice of the storage gateway the fan-out
	// needs. *store.Store satisfies it.
	HistoryStore interface {
		Candles(ctx context.Context, seriesID int64, start, end time.Time, limit int) ([]types.Candle, error)
	}

	// Limits carries the client-facing websocket limits from config.
	Limits struct {
		MaxConnections    int
		MaxSubscriptions  int
		SendQueueSize     int
		MessageSizeLimit  int64
		HeartbeatInterval time.Duration
		HistoryReadLimit  int
		AuthSecret        string
	}

	// Registry tracks every client session and fans updates out to the
	// sessions subscribed to the changed key. Broadcast never blocks on
	// a slow client: its queue either takes the frame or the client is
	// marked lagging, and repeated lag evicts it.
	Registry struct {
		logger   zerolog.Logger
		resolver KeyResolver
		history  HistoryStore
		limits   Limits
		upgrader websocket.Upgrader

		mtx     sync.RWMutex
		clients map[*Client]struct{}
	}
)

// NewRegistry creates a Registry enforcing the given limits.
func NewRegistry(logger zerolog.Logger, resolver KeyResolver, history HistoryStore, limits Limits) *Registry {
	return &Registry{
		logger:   logger.With().Str("module", "fanout").Logger(),
		resolver: resolver,
		history:  history,
		limits:   limits,
		clients:  make(map[*Client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeWS upgrades the request into a client session. The connection
// ceiling is enforced before the upgrade; the optional bearer token is
// checked right after it so the refusal reaches the client as a close
// frame rather than a bare HTTP error.
func (r *Registry) ServeWS(w http.ResponseWriter, req *http.Request) {
	if !r.hasCapacity() {
		http.Error(w, types.ErrConnectionLimit.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	if err := r.authorize(req); err != nil {
		r.logger.Debug().Err(err).Str("remote", req.RemoteAddr).Msg("websocket auth failed")
		closeWith(conn, CloseUnauthorized, "unauthorized")
		conn.Close()
		return
	}

	client := newClient(r, conn)
	if !r.add(client) {
		closeWith(conn, websocket.ClosePolicyViolation, types.ErrConnectionLimit.Error())
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// authorize verifies the bearer token when an auth secret is configured.
func (r *Registry) authorize(req *http.Request) error {
	if r.limits.AuthSecret == "" {
		return nil
	}

	raw := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
	if raw == "" {
		raw = req.URL.Query().Get("token")
	}
	if raw == "" {
		return fmt.Errorf("missing bearer token")
	}

	_, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(r.limits.AuthSecret), nil
	})
	if err != nil {
		return fmt.Errorf("invalid bearer token: %w", err)
	}
	return nil
}

func (r *Registry) hasCapacity() bool {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return len(r.clients) < r.limits.MaxConnections
}

// add registers the client, re-checking the ceiling under the lock.
func (r *Registry) add(c *Client) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if len(r.clients) >= r.limits.MaxConnections {
		return false
	}
	r.clients[c] = struct{}{}
	r.logger.Debug().Int("clients", len(r.clients)).Msg("websocket client connected")
	return true
}

// remove deregisters the client. The send queue is left open; a
// broadcast that snapshotted the client before removal may still
// enqueue, and closing the queue under it would panic the listener
// goroutine. Safe to call more than once.
func (r *Registry) remove(c *Client) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if _, ok := r.clients[c]; !ok {
		return
	}
	delete(r.clients, c)
	r.logger.Debug().Int("clients", len(r.clients)).Msg("websocket client disconnected")
}

// ClientCount returns the number of connected sessions.
func (r *Registry) ClientCount() int {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return len(r.clients)
}

// Broadcast fans one update out to every session subscribed to the key.
// It is called from the single listener goroutine, which is what keeps
// per-key delivery in arrival order.
func (r *Registry) Broadcast(kind types.DataKind, id int64, msg UpdateMsg) {
	bz, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to marshal update")
		return
	}
	key := subKey{kind: kind, id: id}

	r.mtx.RLock()
	targets := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		if c.subscribed(key) {
			targets = append(targets, c)
		}
	}
	r.mtx.RUnlock()

	for _, c := range targets {
		if c.enqueue(bz) {
			continue
		}
		if lagging := c.markLagging(); lagging >= laggingEvictionCount {
			r.logger.Warn().Msg("evicting lagging websocket client")
			c.evict(CloseLagging, "client not keeping up")
		}
	}
}

// RunHeartbeat pings every session on the configured cadence and evicts
// sessions whose last pong is older than two intervals.
func (r *Registry) RunHeartbeat(ctx context.Context) error {
	interval := r.limits.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			stale := time.Now().Add(-2 * interval)
			r.mtx.RLock()
			clients := make([]*Client, 0, len(r.clients))
			for c := range r.clients {
				clients = append(clients, c)
			}
			r.mtx.RUnlock()

			for _, c := range clients {
				if c.lastPong().Before(stale) {
					r.logger.Debug().Msg("evicting unresponsive websocket client")
					c.evict(websocket.CloseGoingAway, "heartbeat timeout")
					continue
				}
				c.ping()
			}
		}
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(5 * time.Second)
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}
