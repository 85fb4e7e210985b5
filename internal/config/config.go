// Package config defines all configuration for the portfolio-analysis server.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// overrides via PORTFOLIO_* environment variables. A missing file is not an
// error: the shipped defaults apply.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"portfolio-analyzer/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Session  SessionConfig  `mapstructure:"session"`
	Analysis AnalysisConfig `mapstructure:"analysis"`
	Market   MarketConfig   `mapstructure:"market"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds the HTTP/WebSocket listen settings.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// RedisConfig points at the document store. OpTimeout bounds every single
// store operation; on expiry the caller fails (transport error).
type RedisConfig struct {
	URL       string        `mapstructure:"url"`
	OpTimeout time.Duration `mapstructure:"op_timeout"`
}

// SessionConfig controls session lifecycle and the initial document.
//
//   - TTL: key expiry, refreshed by every mutation (default 24h).
//   - IdleTimeout: controller teardown threshold. A connection with no
//     inbound message for this long is closed.
//   - DefaultHoldings / InitialTotalValue: the document created on first
//     activity for a session id.
type SessionConfig struct {
	TTL               time.Duration    `mapstructure:"ttl"`
	IdleTimeout       time.Duration    `mapstructure:"idle_timeout"`
	DefaultHoldings   map[string]int64 `mapstructure:"default_holdings"`
	InitialTotalValue float64          `mapstructure:"initial_total_value"`
}

// AnalysisConfig tunes the metric engine. DelayMin/DelayMax bound the
// simulated per-metric computation time.
type AnalysisConfig struct {
	Metrics  []string      `mapstructure:"metrics"`
	DelayMin time.Duration `mapstructure:"delay_min"`
	DelayMax time.Duration `mapstructure:"delay_max"`
}

// MarketConfig tunes the background market updater.
//
//   - UpdateInterval: period of the updater tick.
//   - Volatility: max fractional step of the price random walk (0.02 = ±2%).
//   - BasePrices: starting price per known ticker; DefaultPrice seeds any
//     ticker not listed.
type MarketConfig struct {
	UpdateInterval time.Duration      `mapstructure:"update_interval"`
	Volatility     float64            `mapstructure:"volatility"`
	DefaultPrice   float64            `mapstructure:"default_price"`
	BasePrices     map[string]float64 `mapstructure:"base_prices"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.op_timeout", "5s")
	v.SetDefault("session.ttl", "24h")
	v.SetDefault("session.idle_timeout", "60s")
	v.SetDefault("session.default_holdings", map[string]int64{
		"AAPL": 100, "GOOGL": 50, "MSFT": 75,
	})
	v.SetDefault("session.initial_total_value", 125000.00)
	v.SetDefault("analysis.metrics", types.DefaultMetrics())
	v.SetDefault("analysis.delay_min", "2s")
	v.SetDefault("analysis.delay_max", "5s")
	v.SetDefault("market.update_interval", "30s")
	v.SetDefault("market.volatility", 0.02)
	v.SetDefault("market.default_price", 100.0)
	v.SetDefault("market.base_prices", map[string]float64{
		"AAPL": 185.0, "GOOGL": 140.0, "MSFT": 375.0,
		"AMZN": 155.0, "TSLA": 200.0, "META": 390.0, "NVDA": 650.0,
	})
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load reads config from a YAML file with PORTFOLIO_* env var overrides,
// e.g. PORTFOLIO_REDIS_URL, PORTFOLIO_SERVER_PORT. A nonexistent file falls
// back to defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("PORTFOLIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in (0, 65535]")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}
	if c.Redis.OpTimeout <= 0 {
		return fmt.Errorf("redis.op_timeout must be > 0")
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be > 0")
	}
	if c.Session.IdleTimeout <= 0 {
		return fmt.Errorf("session.idle_timeout must be > 0")
	}
	for ticker, shares := range c.Session.DefaultHoldings {
		if shares < 0 {
			return fmt.Errorf("session.default_holdings[%s] must be >= 0", ticker)
		}
	}
	if c.Session.InitialTotalValue < 0 {
		return fmt.Errorf("session.initial_total_value must be >= 0")
	}
	if len(c.Analysis.Metrics) == 0 {
		return fmt.Errorf("analysis.metrics must not be empty")
	}
	if c.Analysis.DelayMin < 0 || c.Analysis.DelayMax < c.Analysis.DelayMin {
		return fmt.Errorf("analysis delay range invalid: [%s, %s]", c.Analysis.DelayMin, c.Analysis.DelayMax)
	}
	if c.Market.UpdateInterval < time.Second {
		return fmt.Errorf("market.update_interval must be >= 1s")
	}
	if c.Market.Volatility <= 0 || c.Market.Volatility >= 1 {
		return fmt.Errorf("market.volatility must be in (0, 1)")
	}
	if c.Market.DefaultPrice <= 0 {
		return fmt.Errorf("market.default_price must be > 0")
	}
	return nil
}
