// Package config loads the engine configuration from TOML, .env and
// environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/asset"
	"github.com/atmx/settlement-engine/internal/settlement"
)

// Config is the root configuration.
type Config struct {
	LogLevel string         `toml:"log_level"`
	Server   ServerConfig   `toml:"server"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	Engine   EngineConfig   `toml:"engine"`
	Risk     RiskConfig     `toml:"risk"`
	Oracle   OracleConfig   `toml:"oracle"`
	Assets   []asset.Asset  `toml:"assets"`
	Dev      DevConfig      `toml:"dev"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	APIKey          string   `toml:"api_key"` // empty disables the check
	ReadTimeout     duration `toml:"read_timeout"`
	WriteTimeout    duration `toml:"write_timeout"`
	IdleTimeout     duration `toml:"idle_timeout"`
	RequestTimeout  duration `toml:"request_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
	// Trade placements per user per window; 0 disables. Needs Redis.
	RateLimit       int      `toml:"rate_limit"`
	RateLimitWindow duration `toml:"rate_limit_window"`
}

// PostgresConfig selects the durable store. An empty DSN runs the engine on
// the in-memory store.
type PostgresConfig struct {
	DSN      string `toml:"dsn"`
	MaxConns int    `toml:"max_conns"`
}

// RedisConfig enables the read cache, the Redis price source and the
// rate limiter.
type RedisConfig struct {
	URL      string   `toml:"url"`
	CacheTTL duration `toml:"cache_ttl"`
}

// EngineConfig tunes admission and settlement.
type EngineConfig struct {
	MinDuration        duration `toml:"min_duration"`
	MaxDuration        duration `toml:"max_duration"`
	TiePolicy          string   `toml:"tie_policy"` // "loss" or "refund"
	Workers            int      `toml:"workers"`
	PollInterval       duration `toml:"poll_interval"`
	SweepInterval      duration `toml:"sweep_interval"`
	GracePeriod        duration `toml:"grace_period"`
	StaleClaimAfter    duration `toml:"stale_claim_after"`
	PriceRetryAttempts int      `toml:"price_retry_attempts"`
	PriceRetryBackoff  duration `toml:"price_retry_backoff"`
	PriceRetryDeadline duration `toml:"price_retry_deadline"`
}

// RiskConfig caps a user's open stake. Zero disables a cap.
type RiskConfig struct {
	MaxStakePerSymbol decimal.Decimal `toml:"max_stake_per_symbol"`
	MaxStakePerBase   decimal.Decimal `toml:"max_stake_per_base"`
}

// OracleConfig configures the price source. With Redis configured prices
// are read from the feed's hashes; otherwise StaticPrices are served.
type OracleConfig struct {
	MaxAge       duration                   `toml:"max_age"`
	StaticPrices map[string]decimal.Decimal `toml:"static_prices"`
}

// DevConfig seeds the in-memory store for local runs. Ignored with Postgres.
type DevConfig struct {
	Wallets []DevWallet `toml:"wallets"`
}

// DevWallet is an opening balance.
type DevWallet struct {
	UserID    string          `toml:"user_id"`
	Currency  string          `toml:"currency"`
	Available decimal.Decimal `toml:"available"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config with every field at its default.
func Defaults() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     duration{10 * time.Second},
			WriteTimeout:    duration{10 * time.Second},
			IdleTimeout:     duration{60 * time.Second},
			RequestTimeout:  duration{30 * time.Second},
			ShutdownTimeout: duration{15 * time.Second},
			RateLimitWindow: duration{time.Minute},
		},
		Postgres: PostgresConfig{MaxConns: 10},
		Redis:    RedisConfig{CacheTTL: duration{30 * time.Second}},
		Engine: EngineConfig{
			MinDuration:        duration{30 * time.Second},
			MaxDuration:        duration{24 * time.Hour},
			TiePolicy:          string(settlement.TieLoss),
			Workers:            8,
			PollInterval:       duration{time.Second},
			SweepInterval:      duration{15 * time.Second},
			GracePeriod:        duration{time.Minute},
			StaleClaimAfter:    duration{time.Minute},
			PriceRetryAttempts: 3,
			PriceRetryBackoff:  duration{time.Second},
			PriceRetryDeadline: duration{10 * time.Second},
		},
		Risk: RiskConfig{
			MaxStakePerSymbol: decimal.NewFromInt(1000),
			MaxStakePerBase:   decimal.NewFromInt(5000),
		},
		Oracle: OracleConfig{MaxAge: duration{5 * time.Second}},
		Assets: []asset.Asset{
			{Symbol: "BTC-USD", PayoutRate: decimal.RequireFromString("0.85"), Tradable: true},
			{Symbol: "ETH-USD", PayoutRate: decimal.RequireFromString("0.85"), Tradable: true},
		},
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, "server.rate_limit must not be negative")
	}
	if c.Server.RateLimit > 0 && c.Server.RateLimitWindow.Duration <= 0 {
		errs = append(errs, "server.rate_limit_window must be positive")
	}

	e := c.Engine
	if e.MinDuration.Duration < time.Second {
		errs = append(errs, "engine.min_duration must be at least 1s")
	}
	if e.MaxDuration.Duration < e.MinDuration.Duration {
		errs = append(errs, "engine.max_duration must not be below engine.min_duration")
	}
	if _, err := settlement.ParseTiePolicy(e.TiePolicy); err != nil {
		errs = append(errs, "engine.tie_policy: "+err.Error())
	}
	if e.Workers <= 0 {
		errs = append(errs, "engine.workers must be positive")
	}
	if e.PollInterval.Duration <= 0 || e.PollInterval.Duration > time.Second {
		errs = append(errs, "engine.poll_interval must be in (0, 1s]")
	}
	for name, d := range map[string]duration{
		"sweep_interval":       e.SweepInterval,
		"grace_period":         e.GracePeriod,
		"stale_claim_after":    e.StaleClaimAfter,
		"price_retry_deadline": e.PriceRetryDeadline,
	} {
		if d.Duration <= 0 {
			errs = append(errs, "engine."+name+" must be positive")
		}
	}
	// A claim younger than one full settlement attempt may still be in
	// flight; recovery must not take it over.
	if e.StaleClaimAfter.Duration <= e.PriceRetryDeadline.Duration {
		errs = append(errs, "engine.stale_claim_after must exceed engine.price_retry_deadline")
	}
	if e.StaleClaimAfter.Duration <= c.Server.RequestTimeout.Duration {
		errs = append(errs, "engine.stale_claim_after must exceed server.request_timeout")
	}
	if e.PriceRetryAttempts < 1 {
		errs = append(errs, "engine.price_retry_attempts must be at least 1")
	}
	if e.PriceRetryBackoff.Duration < 0 {
		errs = append(errs, "engine.price_retry_backoff must not be negative")
	}

	if c.Risk.MaxStakePerSymbol.IsNegative() || c.Risk.MaxStakePerBase.IsNegative() {
		errs = append(errs, "risk caps must not be negative")
	}

	if len(c.Assets) == 0 {
		errs = append(errs, "at least one [[assets]] entry is required")
	} else if _, err := asset.NewCatalog(c.Assets); err != nil {
		errs = append(errs, "assets: "+err.Error())
	}

	for i, w := range c.Dev.Wallets {
		if w.UserID == "" || w.Currency == "" || !w.Available.IsPositive() {
			errs = append(errs, fmt.Sprintf("dev.wallets[%d] needs user_id, currency and a positive balance", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}
