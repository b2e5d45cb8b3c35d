// Package config loads server configuration from an optional YAML file and
// SPORTFOLIO_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	Store   StoreConfig   `mapstructure:"store"`
	Trading TradingConfig `mapstructure:"trading"`
	Pricing PricingConfig `mapstructure:"pricing"`
	Reprice RepriceConfig `mapstructure:"reprice"`
	Seed    SeedConfig    `mapstructure:"seed"`
}

type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type StoreConfig struct {
	Driver      string        `mapstructure:"driver"`
	DatabaseURL string        `mapstructure:"database_url"`
	SQLitePath  string        `mapstructure:"sqlite_path"`
	RedisURL    string        `mapstructure:"redis_url"` // empty disables the cache
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
}

type TradingConfig struct {
	StartingCash     string  `mapstructure:"starting_cash"`
	MaxPerInstrument string  `mapstructure:"max_per_instrument"` // "0" disables
	MaxPerTeam       string  `mapstructure:"max_per_team"`       // "0" disables
	RateLimit        float64 `mapstructure:"rate_limit"`         // trades per second per user, 0 disables
	RateBurst        int     `mapstructure:"rate_burst"`
}

type PricingConfig struct {
	FundamentalWeight float64 `mapstructure:"fundamental_weight"`
}

type RepriceConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

type SeedConfig struct {
	Demo     bool   `mapstructure:"demo"`
	DemoUser string `mapstructure:"demo_user"`
}

// Load reads configuration. An empty path reads only defaults and the
// environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SPORTFOLIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "5s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
	v.SetDefault("log.development", false)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.sqlite_path", "sportfolio.db")
	v.SetDefault("store.redis_url", "")
	v.SetDefault("store.cache_ttl", "30s")
	v.SetDefault("trading.starting_cash", "10000.00")
	v.SetDefault("trading.max_per_instrument", "0")
	v.SetDefault("trading.max_per_team", "0")
	v.SetDefault("trading.rate_limit", 0)
	v.SetDefault("trading.rate_burst", 5)
	v.SetDefault("pricing.fundamental_weight", 0.0)
	v.SetDefault("reprice.enabled", true)
	v.SetDefault("reprice.schedule", "0 */5 * * * *")
	v.SetDefault("seed.demo", true)
	v.SetDefault("seed.demo_user", "demo_user")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that cannot be caught by decoding.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("config: store.database_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	if w := c.Pricing.FundamentalWeight; w < 0 || w > 1 {
		return fmt.Errorf("config: pricing.fundamental_weight %v outside [0, 1]", w)
	}
	if c.Trading.RateLimit < 0 {
		return fmt.Errorf("config: trading.rate_limit must not be negative")
	}
	for key, raw := range map[string]string{
		"trading.starting_cash":      c.Trading.StartingCash,
		"trading.max_per_instrument": c.Trading.MaxPerInstrument,
		"trading.max_per_team":       c.Trading.MaxPerTeam,
	} {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		if d.IsNegative() {
			return fmt.Errorf("config: %s must not be negative", key)
		}
	}
	return nil
}

// StartingCashDecimal returns trading.starting_cash. Validate has already checked
// it parses.
func (t TradingConfig) StartingCashDecimal() decimal.Decimal {
	return decimal.RequireFromString(t.StartingCash)
}

// Limits returns the per-instrument and per-team position limits.
func (t TradingConfig) Limits() (perInstrument, perTeam decimal.Decimal) {
	return decimal.RequireFromString(t.MaxPerInstrument), decimal.RequireFromString(t.MaxPerTeam)
}
