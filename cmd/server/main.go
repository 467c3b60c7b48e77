// Command server runs the trade settlement engine: the HTTP/WebSocket API,
// the expiry scheduler and its recovery sweep.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/settlement-engine/internal/admin"
	"github.com/atmx/settlement-engine/internal/api"
	"github.com/atmx/settlement-engine/internal/asset"
	"github.com/atmx/settlement-engine/internal/config"
	"github.com/atmx/settlement-engine/internal/intake"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/oracle"
	"github.com/atmx/settlement-engine/internal/risk"
	"github.com/atmx/settlement-engine/internal/scheduler"
	"github.com/atmx/settlement-engine/internal/settlement"
	"github.com/atmx/settlement-engine/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to TOML configuration file (optional)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "path", *configPath, "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("settlement-engine exited with error", "err", err)
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	logger.Info("settlement-engine stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (optional) ---
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		logger.Info("connected to Redis")
	}

	// --- Store ---
	var st store.Store
	if cfg.Postgres.DSN != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("invalid postgres dsn: %w", err)
		}
		if cfg.Postgres.MaxConns > 0 {
			poolCfg.MaxConns = int32(cfg.Postgres.MaxConns)
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("database ping: %w", err)
		}
		st = store.NewPostgresStore(pool)
		logger.Info("connected to PostgreSQL")

		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
			logger.Info("Redis cache enabled")
		}
	} else {
		logger.Warn("no postgres dsn set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
		dev := ledger.New(st, nil)
		for _, w := range cfg.Dev.Wallets {
			if _, err := dev.Credit(ctx, w.UserID, w.Currency, "", w.Available); err != nil {
				return fmt.Errorf("seed wallet %s/%s: %w", w.UserID, w.Currency, err)
			}
		}
	}

	// --- Price source ---
	var feed oracle.Oracle
	if rdb != nil {
		feed = oracle.NewRedis(rdb, cfg.Oracle.MaxAge.Duration)
		logger.Info("reading prices from Redis", "max_age", cfg.Oracle.MaxAge.Duration)
	} else {
		feed = oracle.NewStatic(cfg.Oracle.StaticPrices)
		logger.Warn("no redis configured, serving static prices", "symbols", len(cfg.Oracle.StaticPrices))
	}

	// --- Engine ---
	catalog, err := asset.NewCatalog(cfg.Assets)
	if err != nil {
		return err
	}
	tie, err := settlement.ParseTiePolicy(cfg.Engine.TiePolicy)
	if err != nil {
		return err
	}

	hub := api.NewWSHub(logger)

	proc := settlement.NewProcessor(st, feed, settlement.Config{
		Retry: oracle.RetryPolicy{
			Attempts:       cfg.Engine.PriceRetryAttempts,
			InitialBackoff: cfg.Engine.PriceRetryBackoff.Duration,
			Deadline:       cfg.Engine.PriceRetryDeadline.Duration,
		},
		TiePolicy: tie,
	}, hub, logger)

	sched := scheduler.New(st, proc, scheduler.Config{
		Workers:         cfg.Engine.Workers,
		PollInterval:    cfg.Engine.PollInterval.Duration,
		SweepInterval:   cfg.Engine.SweepInterval.Duration,
		StaleClaimAfter: cfg.Engine.StaleClaimAfter.Duration,
		GracePeriod:     cfg.Engine.GracePeriod.Duration,
	}, logger)

	intakeSvc := intake.NewService(st, feed, sched, intake.Config{
		Catalog:     catalog,
		MinDuration: cfg.Engine.MinDuration.Duration,
		MaxDuration: cfg.Engine.MaxDuration.Duration,
		Limiter:     risk.NewStakeLimiter(cfg.Risk.MaxStakePerSymbol, cfg.Risk.MaxStakePerBase),
	}, logger)

	adminSvc := admin.NewService(st, proc, sched, logger)

	// --- HTTP ---
	routerCfg := api.RouterConfig{
		Handler:        api.NewHandler(intakeSvc, adminSvc, st, logger),
		Hub:            hub,
		APIKey:         cfg.Server.APIKey,
		RequestTimeout: cfg.Server.RequestTimeout.Duration,
		Logger:         logger,
	}
	if rdb != nil && cfg.Server.RateLimit > 0 {
		routerCfg.Limiter = api.NewRedisRateLimiter(rdb)
		routerCfg.RateLimit = cfg.Server.RateLimit
		routerCfg.RateLimitWindow = cfg.Server.RateLimitWindow.Duration
	}

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      api.NewRouter(routerCfg),
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return sched.Run(ctx) })
	g.Go(func() error {
		logger.Info("settlement-engine listening", "port", cfg.Server.Port, "assets", catalog.Symbols())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down settlement-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
