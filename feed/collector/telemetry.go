package collector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/perpdata/candle-feeder/feed/types"
)

// MessageType defines the data type a websocket message carried, used as
// a metric label.
type MessageType string

const (
	MessageTypeCandle       MessageType = "candle"
	MessageTypeFunding      MessageType = "funding"
	MessageTypeOpenInterest MessageType = "open_interest"
)

var (
	websocketMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "candle_feeder",
		Subsystem: "collector",
		Name:      "websocket_messages_total",
		Help:      "Data messages received over exchange websockets.",
	}, []string{"exchange", "type"})

	websocketReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "candle_feeder",
		Subsystem: "collector",
		Name:      "websocket_reconnects_total",
		Help:      "Websocket reconnect attempts per exchange.",
	}, []string{"exchange"})

	websocketFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "candle_feeder",
		Subsystem: "collector",
		Name:      "message_failures_total",
		Help:      "Messages dropped due to parse or write failures.",
	}, []string{"exchange"})
)

// telemetryWebsocketMessage gives an standard way to add one
// collector_websocket_messages_total metric reading.
func telemetryWebsocketMessage(exchange types.ExchangeName, messageType MessageType) {
	websocketMessages.WithLabelValues(string(exchange), string(messageType)).Inc()
}

// telemetryWebsocketReconnect gives an standard way to add one
// collector_websocket_reconnects_total metric reading.
func telemetryWebsocketReconnect(exchange types.ExchangeName) {
	websocketReconnects.WithLabelValues(string(exchange)).Inc()
}

// telemetryMessageFailure gives an standard way to add one
// collector_message_failures_total metric reading.
func telemetryMessageFailure(exchange types.ExchangeName) {
	websocketFailures.WithLabelValues(string(exchange)).Inc()
}
