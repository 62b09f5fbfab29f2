package fanout

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/perpdata/candle-feeder/feed/types"
	"github.com/perpdata/candle-feeder/refdata"
)

// Notification channel names, matching the database triggers.
const (
	ChannelCandles      = "candle_changes"
	ChannelFunding      = "funding_changes"
	ChannelOpenInterest = "oi_changes"
)

const (
	listenReconnectDelay = time.Second
	readbackTimeout      = 5 * time.Second
)

type (
	// NotificationStore is the slice of the storage gateway the listener
	// needs: the LISTEN loop plus the primary-key readbacks that turn a
	// change notification into the row it announced. *store.Store
	// satisfies it.
	NotificationStore interface {
		Listen(ctx context.Context, channels []string, handle func(channel, payload string)) error
		CandleAt(ctx context.Context, seriesID int64, ts time.Time) (types.Candle, error)
		FundingPointAt(ctx context.Context, marketID int64, ts time.Time) (types.FundingPoint, error)
		OpenInterestPointAt(ctx context.Context, marketID int64, ts time.Time) (types.OpenInterestPoint, error)
	}

	// changePayload is the trigger's notification body.
	changePayload struct {
		Key  int64 `json:"key"`
		Time int64 `json:"time"` // unix seconds
	}

	// Listener bridges database change notifications into registry
	// broadcasts. The notification carries only the primary key; the row
	// itself is read back so subscribers always see committed state.
	// Notifications missed while the listen connection is down are gone,
	// which is why gap recovery runs through backfill instead.
	Listener struct {
		logger   zerolog.Logger
		store    NotificationStore
		resolver KeyResolver
		registry *Registry
	}
)

// NewListener creates a Listener feeding the registry.
func NewListener(logger zerolog.Logger, store NotificationStore, resolver KeyResolver, registry *Registry) *Listener {
	return &Listener{
		logger:   logger.With().Str("module", "listener").Logger(),
		store:    store,
		resolver: resolver,
		registry: registry,
	}
}

// Run listens until ctx is cancelled, re-acquiring the connection after
// a delay when it drops.
func (l *Listener) Run(ctx context.Context) error {
	channels := []string{ChannelCandles, ChannelFunding, ChannelOpenInterest}
	for {
		err := l.store.Listen(ctx, channels, l.handleNotification)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Err(err).Dur("delay", listenReconnectDelay).Msg("listen connection lost, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(listenReconnectDelay):
		}
	}
}

func (l *Listener) handleNotification(channel, payload string) {
	var change changePayload
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		l.logger.Error().Err(err).Str("channel", channel).Msg("malformed change notification")
		return
	}
	ts := time.Unix(change.Time, 0).UTC()

	ctx, cancel := context.WithTimeout(context.Background(), readbackTimeout)
	defer cancel()

	switch channel {
	case ChannelCandles:
		l.broadcastCandle(ctx, change.Key, ts)
	case ChannelFunding:
		l.broadcastFunding(ctx, change.Key, ts)
	case ChannelOpenInterest:
		l.broadcastOpenInterest(ctx, change.Key, ts)
	default:
		l.logger.Debug().Str("channel", channel).Msg("notification on unknown channel")
	}
}

func (l *Listener) broadcastCandle(ctx context.Context, seriesID int64, ts time.Time) {
	info, ok := l.resolver.SeriesByID(seriesID)
	if !ok {
		l.logger.Debug().Int64("series_id", seriesID).Msg("change for unknown series")
		return
	}
	row, err := l.store.CandleAt(ctx, seriesID, ts)
	if err != nil {
		l.logger.Error().Err(err).Int64("series_id", seriesID).Msg("candle readback failed")
		return
	}

	l.registry.Broadcast(types.KindCandle, seriesID, UpdateMsg{
		Type: "update",
		Kind: types.KindCandle.String(),
		Key:  seriesKeyRef(info),
		Row:  NewCandleView(row),
	})
}

func (l *Listener) broadcastFunding(ctx context.Context, marketID int64, ts time.Time) {
	info, ok := l.resolver.MarketByID(marketID)
	if !ok {
		l.logger.Debug().Int64("market_id", marketID).Msg("change for unknown market")
		return
	}
	row, err := l.store.FundingPointAt(ctx, marketID, ts)
	if err != nil {
		l.logger.Error().Err(err).Int64("market_id", marketID).Msg("funding readback failed")
		return
	}

	l.registry.Broadcast(types.KindFunding, marketID, UpdateMsg{
		Type: "update",
		Kind: types.KindFunding.String(),
		Key:  marketKeyRef(info),
		Row:  NewFundingView(row),
	})
}

func (l *Listener) broadcastOpenInterest(ctx context.Context, marketID int64, ts time.Time) {
	info, ok := l.resolver.MarketByID(marketID)
	if !ok {
		l.logger.Debug().Int64("market_id", marketID).Msg("change for unknown market")
		return
	}
	row, err := l.store.OpenInterestPointAt(ctx, marketID, ts)
	if err != nil {
		l.logger.Error().Err(err).Int64("market_id", marketID).Msg("open-interest readback failed")
		return
	}

	l.registry.Broadcast(types.KindOpenInterest, marketID, UpdateMsg{
		Type: "update",
		Kind: types.KindOpenInterest.String(),
		Key:  marketKeyRef(info),
		Row:  NewOpenInterestView(row),
	})
}

func seriesKeyRef(info refdata.SeriesInfo) KeyRef {
	return KeyRef{
		Exchange:   string(info.Key.Exchange),
		Coin:       info.Key.Base,
		Quote:      info.Key.Quote,
		MarketType: info.Key.MarketType,
		Interval:   info.Key.Interval,
	}
}

func marketKeyRef(info refdata.MarketInfo) KeyRef {
	return KeyRef{
		Exchange:   string(info.Key.Exchange),
		Coin:       info.Key.Base,
		Quote:      info.Key.Quote,
		MarketType: info.Key.MarketType,
	}
}
