package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path (skipped when path is
// empty), merges it on top of the built-in defaults and applies environment
// overrides. The returned Config has NOT been validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		// [[assets]] replaces the default list rather than merging into it.
		defaultAssets := cfg.Assets
		cfg.Assets = nil
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
		if len(cfg.Assets) == 0 {
			cfg.Assets = defaultAssets
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides reads ENGINE_* variables, plus the PORT, DATABASE_URL
// and REDIS_URL conventions of the deployment platform.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.LogLevel, "ENGINE_LOG_LEVEL")

	// ── Server ──
	setInt(&cfg.Server.Port, "PORT")
	setInt(&cfg.Server.Port, "ENGINE_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "ENGINE_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "ENGINE_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateLimitWindow, "ENGINE_SERVER_RATE_LIMIT_WINDOW")

	// ── Storage ──
	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setStr(&cfg.Postgres.DSN, "ENGINE_POSTGRES_DSN")
	setInt(&cfg.Postgres.MaxConns, "ENGINE_POSTGRES_MAX_CONNS")
	setStr(&cfg.Redis.URL, "REDIS_URL")
	setStr(&cfg.Redis.URL, "ENGINE_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "ENGINE_REDIS_CACHE_TTL")

	// ── Engine ──
	setDuration(&cfg.Engine.MinDuration, "ENGINE_MIN_DURATION")
	setDuration(&cfg.Engine.MaxDuration, "ENGINE_MAX_DURATION")
	setStr(&cfg.Engine.TiePolicy, "ENGINE_TIE_POLICY")
	setInt(&cfg.Engine.Workers, "ENGINE_WORKERS")
	setDuration(&cfg.Engine.PollInterval, "ENGINE_POLL_INTERVAL")
	setDuration(&cfg.Engine.SweepInterval, "ENGINE_SWEEP_INTERVAL")
	setDuration(&cfg.Engine.GracePeriod, "ENGINE_GRACE_PERIOD")
	setDuration(&cfg.Engine.StaleClaimAfter, "ENGINE_STALE_CLAIM_AFTER")
	setInt(&cfg.Engine.PriceRetryAttempts, "ENGINE_PRICE_RETRY_ATTEMPTS")
	setDuration(&cfg.Engine.PriceRetryBackoff, "ENGINE_PRICE_RETRY_BACKOFF")
	setDuration(&cfg.Engine.PriceRetryDeadline, "ENGINE_PRICE_RETRY_DEADLINE")

	// ── Oracle ──
	setDuration(&cfg.Oracle.MaxAge, "ENGINE_ORACLE_MAX_AGE")
}

// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
