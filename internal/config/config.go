// Package config loads the feed configuration from the environment.
// Every recognized field is enumerated here with an explicit default; a
// .env file in the working directory is honored when present.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"chartfeed/internal/market"
)

// Config is the full feed configuration.
type Config struct {
	Symbol   string   `env:"CHARTFEED_SYMBOL" envDefault:"BTCUSDT"`
	Interval string   `env:"CHARTFEED_INTERVAL" envDefault:"1m"`
	Enabled  []string `env:"CHARTFEED_ENABLED" envSeparator:"," envDefault:"1m,5m,15m,1h"`

	RESTBase   string `env:"CHARTFEED_REST_BASE" envDefault:"https://api.binance.com"`
	StreamBase string `env:"CHARTFEED_STREAM_BASE" envDefault:"wss://stream.binance.com:9443/ws"`

	HistoryDepth      int           `env:"CHARTFEED_HISTORY_DEPTH" envDefault:"500"`
	MaxSeriesLength   int           `env:"CHARTFEED_MAX_SERIES_LENGTH" envDefault:"1000"`
	RequestsPerMinute int           `env:"CHARTFEED_REQUESTS_PER_MINUTE" envDefault:"1200"`
	CacheTTL          time.Duration `env:"CHARTFEED_CACHE_TTL" envDefault:"5m"`
	Debounce          time.Duration `env:"CHARTFEED_DEBOUNCE" envDefault:"100ms"`

	// Optional durable tier; exactly one DSN may be set. Empty means
	// memory-only caching.
	PostgresDSN   string `env:"CHARTFEED_POSTGRES_DSN"`
	ClickhouseDSN string `env:"CHARTFEED_CLICKHOUSE_DSN"`

	WithTrades bool `env:"CHARTFEED_WITH_TRADES" envDefault:"false"`
	WithDepth  bool `env:"CHARTFEED_WITH_DEPTH" envDefault:"false"`
	WithTicker bool `env:"CHARTFEED_WITH_TICKER" envDefault:"false"`

	MetricsAddr string `env:"CHARTFEED_METRICS_ADDR" envDefault:":9090"`
	LogLevel    string `env:"CHARTFEED_LOG_LEVEL" envDefault:"info"`
}

// Load reads a .env file if one exists, then parses the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if _, err := market.ParseInterval(c.Interval); err != nil {
		return fmt.Errorf("CHARTFEED_INTERVAL: %w", err)
	}
	for _, iv := range c.Enabled {
		if _, err := market.ParseInterval(iv); err != nil {
			return fmt.Errorf("CHARTFEED_ENABLED: %w", err)
		}
	}
	if c.PostgresDSN != "" && c.ClickhouseDSN != "" {
		return fmt.Errorf("config: set at most one of CHARTFEED_POSTGRES_DSN and CHARTFEED_CLICKHOUSE_DSN")
	}
	return nil
}

// ActiveInterval returns the parsed active resolution.
func (c *Config) ActiveInterval() market.Interval {
	return market.Interval(c.Interval)
}

// EnabledIntervals returns the parsed enabled resolutions.
func (c *Config) EnabledIntervals() []market.Interval {
	out := make([]market.Interval, 0, len(c.Enabled))
	for _, iv := range c.Enabled {
		out = append(out, market.Interval(iv))
	}
	return out
}
