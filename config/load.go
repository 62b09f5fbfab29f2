package config

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// ParseConfig attempts to read and parse configuration from the given file
// path. An error is returned if reading or parsing the config fails.
func ParseConfig(configPath string) (Config, error) {
	var cfg Config

	if configPath == "" {
		return cfg, ErrEmptyConfigPath
	}

	v := viper.New()
	v.AutomaticEnv()
	// Allow nested env vars to be read with underscore separators,
	// ex. DATABASE_URL overrides database.url.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return cfg, fmt.Errorf("failed to decode config: %w", err)
	}

	// viper lowercases map keys on read; alias lookups are by uppercase
	// quote symbol, so restore the canonical form here.
	for i, exchange := range cfg.Exchanges {
		if len(exchange.QuoteAliases) == 0 {
			continue
		}
		aliases := make(map[string]string, len(exchange.QuoteAliases))
		for quote, alias := range exchange.QuoteAliases {
			aliases[strings.ToUpper(quote)] = alias
		}
		cfg.Exchanges[i].QuoteAliases = aliases
	}

	cfg.setDefaults()

	return cfg, cfg.Validate()
}

// decodeHook lets duration fields be written as "30s" style strings in the
// config file and environment.
func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}
