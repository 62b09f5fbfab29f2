package collector

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/perpdata/candle-feeder/feed/types"
)

const (
	reconnectBaseDelay   = 500 * time.Millisecond
	reconnectMaxDelay    = 30 * time.Second
	reconnectMaxMult     = 64
	stableRunReset       = 60 * time.Second
	defaultWriteDeadline = 10 * time.Second
)

// State is the connection lifecycle state of a controller.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateSubscribing
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribing:
		return "subscribing"
	case StateRunning:
		return "running"
	default:
		return "idle"
	}
}

type (
	// MessageHandler defines a callback function for a provider to receive
	// and process websocket messages.
	MessageHandler func(messageType int, payload []byte)

	// WebsocketController manages one exchange websocket connection:
	// dial, subscribe, receive, and reconnect with jittered exponential
	// backoff. The attempt counter resets once a connection has stayed up
	// past stableRunReset, so a flap after a long healthy run starts from
	// the base delay again.
	WebsocketController struct {
		name             types.ExchangeName
		websocketURL     url.URL
		subscriptionMsgs []interface{}
		messageHandler   MessageHandler
		pingDuration     time.Duration
		pingMessage      []byte
		readIdleTimeout  time.Duration
		logger           zerolog.Logger

		mtx    sync.Mutex
		client *websocket.Conn
		state  atomic.Int32
	}
)

// NewWebsocketController returns a controller ready to Start.
func NewWebsocketController(
	name types.ExchangeName,
	websocketURL url.URL,
	subscriptionMsgs []interface{},
	messageHandler MessageHandler,
	pingDuration time.Duration,
	pingMessage []byte,
	readIdleTimeout time.Duration,
	logger zerolog.Logger,
) *WebsocketController {
	if readIdleTimeout == 0 {
		readIdleTimeout = defaultReadIdleTimeout
	}
	return &WebsocketController{
		name:             name,
		websocketURL:     websocketURL,
		subscriptionMsgs: subscriptionMsgs,
		messageHandler:   messageHandler,
		pingDuration:     pingDuration,
		pingMessage:      pingMessage,
		readIdleTimeout:  readIdleTimeout,
		logger:           logger,
	}
}

// Start runs the connect-subscribe-receive loop until ctx is cancelled or
// Close is called while disconnected.
func (wsc *WebsocketController) Start(ctx context.Context) error {
	defer wsc.setState(StateIdle)

	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		startedAt := time.Now()
		if err := wsc.runOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wsc.logger.Err(err).Msg("websocket connection lost")
		}

		if time.Since(startedAt) >= stableRunReset {
			attempt = 0
		}
		attempt++
		telemetryWebsocketReconnect(wsc.name)

		delay := reconnectDelay(attempt)
		wsc.logger.Info().Dur("delay", delay).Int("attempt", attempt).Msg("reconnecting websocket")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (wsc *WebsocketController) runOnce(ctx context.Context) error {
	wsc.setState(StateConnecting)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsc.websocketURL.String(), nil)
	if err != nil {
		return fmt.Errorf("error connecting to %s websocket: %w", wsc.name, err)
	}
	wsc.setClient(conn)
	defer func() {
		wsc.setClient(nil)
		conn.Close()
	}()

	wsc.setState(StateSubscribing)
	for _, msg := range wsc.subscriptionMsgs {
		if err := wsc.SendJSON(msg); err != nil {
			return fmt.Errorf("error subscribing to %s websocket: %w", wsc.name, err)
		}
	}

	wsc.setState(StateRunning)
	wsc.logger.Info().Str("url", wsc.websocketURL.String()).Msg("websocket connected")

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go wsc.pingLoop(pingCtx, conn)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsc.readIdleTimeout))
	})

	for {
		if err := conn.SetReadDeadline(time.Now().Add(wsc.readIdleTimeout)); err != nil {
			return err
		}
		messageType, bz, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("error reading from %s websocket: %w", wsc.name, err)
		}
		if len(bz) == 0 {
			continue
		}
		wsc.messageHandler(messageType, bz)
	}
}

func (wsc *WebsocketController) pingLoop(ctx context.Context, conn *websocket.Conn) {
	if wsc.pingDuration == 0 {
		return
	}
	ticker := time.NewTicker(wsc.pingDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wsc.mtx.Lock()
			err := conn.WriteControl(websocket.PingMessage, wsc.pingMessage, time.Now().Add(defaultWriteDeadline))
			wsc.mtx.Unlock()
			if err != nil {
				wsc.logger.Err(err).Msg("error sending websocket ping")
				return
			}
		}
	}
}

// SendJSON marshals and writes one message, serialized against the ping
// writer.
func (wsc *WebsocketController) SendJSON(msg interface{}) error {
	wsc.mtx.Lock()
	defer wsc.mtx.Unlock()

	if wsc.client == nil {
		return fmt.Errorf("%s websocket is not connected", wsc.name)
	}
	wsc.logger.Debug().Interface("msg", msg).Msg("sending websocket message")
	if err := wsc.client.WriteJSON(msg); err != nil {
		return fmt.Errorf("error sending websocket message: %w", err)
	}
	return nil
}

// Close tears down the current connection, unblocking the read loop.
func (wsc *WebsocketController) Close() {
	wsc.mtx.Lock()
	defer wsc.mtx.Unlock()
	if wsc.client != nil {
		wsc.client.Close()
	}
}

// State returns the current connection state.
func (wsc *WebsocketController) State() State {
	return State(wsc.state.Load())
}

func (wsc *WebsocketController) setState(s State) {
	wsc.state.Store(int32(s))
}

func (wsc *WebsocketController) setClient(conn *websocket.Conn) {
	wsc.mtx.Lock()
	wsc.client = conn
	wsc.mtx.Unlock()
}

// reconnectDelay returns the backoff for the given attempt: the base delay
// doubled per attempt up to a multiplier ceiling, jittered to half of
// itself either way, and never above reconnectMaxDelay.
func reconnectDelay(attempt int) time.Duration {
	mult := 1
	for i := 0; i < attempt-1 && mult < reconnectMaxMult; i++ {
		mult *= 2
	}
	delay := time.Duration(float64(reconnectBaseDelay) * float64(mult) * (0.5 + rand.Float64()))
	if delay > reconnectMaxDelay {
		delay = reconnectMaxDelay
	}
	return delay
}
