package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/perpdata/candle-feeder/feed/types"
)

const (
	defaultListenAddr        = "0.0.0.0:7171"
	defaultSrvWriteTimeout   = 15 * time.Second
	defaultSrvReadTimeout    = 15 * time.Second
	defaultDatabasePoolSize  = 20
	defaultDatabaseTimeout   = 10 * time.Second
	defaultMaxConnections    = 100
	defaultHeartbeatInterval = 30 * time.Second
	defaultMessageSizeLimit  = 1 << 16
	defaultSendQueueSize     = 256
	defaultMaxSubscriptions  = 100
	defaultHistoryReadLimit  = 1000
	defaultRestartDelay      = 5 * time.Second
	defaultReadIdleTimeout   = 60 * time.Second

	SampleConfigPath = "candle-feeder.example.toml"
)

var (
	validate = validator.New()

	// ErrEmptyConfigPath defines a sentinel error for an empty config path.
	ErrEmptyConfigPath = errors.New("empty configuration file path")
)

type (
	// Config defines all necessary candle-feeder configuration parameters.
	Config struct {
		Environment string     `mapstructure:"environment"`
		Server      Server     `mapstructure:"server"`
		Database    Database   `mapstructure:"database" validate:"required"`
		Websocket   Websocket  `mapstructure:"websocket"`
		Collector   Collector  `mapstructure:"collector"`
		Exchanges   []Exchange `mapstructure:"exchanges" validate:"required,gt=0,dive"`
		Assets      []Asset    `mapstructure:"assets" validate:"required,gt=0,dive"`
		Quotes      []Asset    `mapstructure:"quotes" validate:"required,gt=0,dive"`
		MarketTypes []Asset    `mapstructure:"market_types" validate:"required,gt=0,dive"`
		Intervals   []Interval `mapstructure:"intervals" validate:"required,gt=0,dive"`
		Series      []Series   `mapstructure:"series" validate:"required,gt=0,dive"`
	}

	// Server defines the API server configuration.
	Server struct {
		ListenAddr     string        `mapstructure:"listen_addr"`
		WriteTimeout   time.Duration `mapstructure:"write_timeout"`
		ReadTimeout    time.Duration `mapstructure:"read_timeout"`
		VerboseCORS    bool          `mapstructure:"verbose_cors"`
		AllowedOrigins []string      `mapstructure:"allowed_origins"`
	}

	// Database defines the PostgreSQL connection configuration.
	Database struct {
		URL      string        `mapstructure:"url" validate:"required"`
		PoolSize int32         `mapstructure:"pool_size"`
		Timeout  time.Duration `mapstructure:"timeout"`
	}

	// Websocket defines limits for the client-facing fan-out endpoint.
	Websocket struct {
		MaxConnections    int           `mapstructure:"max_connections"`
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
		MessageSizeLimit  int64         `mapstructure:"message_size_limit"`
		SendQueueSize     int           `mapstructure:"send_queue_size"`
		MaxSubscriptions  int           `mapstructure:"max_subscriptions"`
		HistoryReadLimit  int           `mapstructure:"history_read_limit"`
		AuthSecret        string        `mapstructure:"auth_secret"`
	}

	// Collector defines exchange collector supervision parameters.
	Collector struct {
		MaxRetries      int           `mapstructure:"max_retries"`
		RestartDelay    time.Duration `mapstructure:"restart_delay"`
		ReadIdleTimeout time.Duration `mapstructure:"read_idle_timeout"`
	}

	// Exchange defines one exchange record plus its endpoints and the
	// stablecoin quote aliases applied when resolving series for it.
	Exchange struct {
		Name         types.ExchangeName `mapstructure:"name" validate:"required"`
		DisplayName  string             `mapstructure:"display_name"`
		Active       bool               `mapstructure:"active"`
		Websocket    string             `mapstructure:"websocket"`
		Rest         string             `mapstructure:"rest"`
		QuoteAliases map[string]string  `mapstructure:"quote_aliases"`
	}

	// Asset defines a base asset, quote asset, or market type record.
	Asset struct {
		Name        string `mapstructure:"name" validate:"required"`
		DisplayName string `mapstructure:"display_name"`
		Active      bool   `mapstructure:"active"`
	}

	// Interval defines a candle interval record.
	Interval struct {
		Name    string `mapstructure:"name" validate:"required"`
		Seconds int64  `mapstructure:"seconds" validate:"required,gt=0"`
	}

	// Series declares the candle series to collect for one market across
	// a set of intervals.
	Series struct {
		Exchange   types.ExchangeName `mapstructure:"exchange" validate:"required"`
		Base       string             `mapstructure:"base" validate:"required"`
		Quote      string             `mapstructure:"quote" validate:"required"`
		MarketType string             `mapstructure:"market_type" validate:"required"`
		Intervals  []string           `mapstructure:"intervals" validate:"required,gt=0,dive,required"`
	}
)

// Validate returns an error if the Config object is invalid.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	return c.validateSeries()
}

// validateSeries checks every declared series against the enumerated
// reference records. A series naming an unknown exchange, asset, quote,
// market type, or interval is a configuration error at boot.
func (c Config) validateSeries() error {
	exchanges := make(map[types.ExchangeName]struct{}, len(c.Exchanges))
	for _, e := range c.Exchanges {
		exchanges[e.Name] = struct{}{}
	}
	assets := nameSet(c.Assets)
	quotes := nameSet(c.Quotes)
	marketTypes := nameSet(c.MarketTypes)
	intervals := make(map[string]struct{}, len(c.Intervals))
	for _, i := range c.Intervals {
		if secs, err := types.ParseInterval(i.Name); err != nil || secs != i.Seconds {
			return fmt.Errorf("interval %s does not match its declared seconds (%d)", i.Name, i.Seconds)
		}
		intervals[i.Name] = struct{}{}
	}

	for _, s := range c.Series {
		if s.Base == s.Quote {
			return fmt.Errorf("series base and quote cannot be the same: %s", s.Base)
		}
		if _, ok := exchanges[s.Exchange]; !ok {
			return fmt.Errorf("series references unknown exchange: %s", s.Exchange)
		}
		if _, ok := assets[s.Base]; !ok {
			return fmt.Errorf("series references unknown base asset: %s", s.Base)
		}
		if _, ok := quotes[s.Quote]; !ok {
			return fmt.Errorf("series references unknown quote: %s", s.Quote)
		}
		if _, ok := marketTypes[s.MarketType]; !ok {
			return fmt.Errorf("series references unknown market type: %s", s.MarketType)
		}
		for _, in := range s.Intervals {
			if _, ok := intervals[in]; !ok {
				return fmt.Errorf("series references unknown interval: %s", in)
			}
		}
	}
	return nil
}

func nameSet(assets []Asset) map[string]struct{} {
	set := make(map[string]struct{}, len(assets))
	for _, a := range assets {
		set[a.Name] = struct{}{}
	}
	return set
}

func (c *Config) setDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = defaultListenAddr
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = defaultSrvWriteTimeout
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = defaultSrvReadTimeout
	}
	if c.Database.PoolSize == 0 {
		c.Database.PoolSize = defaultDatabasePoolSize
	}
	if c.Database.Timeout == 0 {
		c.Database.Timeout = defaultDatabaseTimeout
	}
	if c.Websocket.MaxConnections == 0 {
		c.Websocket.MaxConnections = defaultMaxConnections
	}
	if c.Websocket.HeartbeatInterval == 0 {
		c.Websocket.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.Websocket.MessageSizeLimit == 0 {
		c.Websocket.MessageSizeLimit = defaultMessageSizeLimit
	}
	if c.Websocket.SendQueueSize == 0 {
		c.Websocket.SendQueueSize = defaultSendQueueSize
	}
	if c.Websocket.MaxSubscriptions == 0 {
		c.Websocket.MaxSubscriptions = defaultMaxSubscriptions
	}
	if c.Websocket.HistoryReadLimit == 0 {
		c.Websocket.HistoryReadLimit = defaultHistoryReadLimit
	}
	if c.Collector.RestartDelay == 0 {
		c.Collector.RestartDelay = defaultRestartDelay
	}
	if c.Collector.ReadIdleTimeout == 0 {
		c.Collector.ReadIdleTimeout = defaultReadIdleTimeout
	}
}

// ActiveExchanges returns the exchanges flagged active in config order.
func (c Config) ActiveExchanges() []Exchange {
	active := make([]Exchange, 0, len(c.Exchanges))
	for _, e := range c.Exchanges {
		if e.Active {
			active = append(active, e)
		}
	}
	return active
}

// ExchangeByName returns the exchange record for the given name.
func (c Config) ExchangeByName(name types.ExchangeName) (Exchange, bool) {
	for _, e := range c.Exchanges {
		if e.Name == name {
			return e, true
		}
	}
	return Exchange{}, false
}

// SeriesKeys expands the declared series into one SeriesKey per interval,
// grouped by exchange.
func (c Config) SeriesKeys() map[types.ExchangeName][]types.SeriesKey {
	keys := make(map[types.ExchangeName][]types.SeriesKey)
	for _, s := range c.Series {
		for _, interval := range s.Intervals {
			keys[s.Exchange] = append(keys[s.Exchange], types.SeriesKey{
				MarketKey: types.MarketKey{
					Exchange:   s.Exchange,
					Base:       s.Base,
					Quote:      s.Quote,
					MarketType: s.MarketType,
				},
				Interval: interval,
			})
		}
	}
	return keys
}

// MarketKeys returns the unique interval-independent market keys declared
// in the series list, grouped by exchange.
func (c Config) MarketKeys() map[types.ExchangeName][]types.MarketKey {
	seen := make(map[types.MarketKey]struct{})
	keys := make(map[types.ExchangeName][]types.MarketKey)
	for _, s := range c.Series {
		mk := types.MarketKey{
			Exchange:   s.Exchange,
			Base:       s.Base,
			Quote:      s.Quote,
			MarketType: s.MarketType,
		}
		if _, ok := seen[mk]; ok {
			continue
		}
		seen[mk] = struct{}{}
		keys[s.Exchange] = append(keys[s.Exchange], mk)
	}
	return keys
}

// IntervalSeconds returns the interval name to bar-duration mapping.
func (c Config) IntervalSeconds() map[string]int64 {
	out := make(map[string]int64, len(c.Intervals))
	for _, i := range c.Intervals {
		out[i.Name] = i.Seconds
	}
	return out
}
