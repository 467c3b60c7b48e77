package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/settlement-engine/internal/metrics"
)

// RouterConfig carries everything NewRouter wires together.
type RouterConfig struct {
	Handler *Handler
	Hub     *WSHub

	APIKey         string
	RequestTimeout time.Duration

	// Trade placement limit per user; zero Limit disables it.
	Limiter         RateLimiter
	RateLimit       int
	RateLimitWindow time.Duration

	Logger *slog.Logger
}

// NewRouter builds the engine's HTTP routes.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	h := cfg.Handler

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"settlement-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(APIKey(cfg.APIKey))
		r.Use(Principal)

		// WebSocket feed of settlement events. Long-lived, so no timeout.
		if cfg.Hub != nil {
			r.With(RequireUser).Get("/ws", cfg.Hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.RequestTimeout))
			r.Use(RequireUser)

			r.With(RateLimit(cfg.Limiter, cfg.RateLimit, cfg.RateLimitWindow, logger)).
				Post("/trades", h.PlaceTrade)
			r.Get("/trades/{tradeID}", h.GetTrade)

			r.Get("/users/{userID}/trades/open", h.ListOpenTrades)
			r.Get("/users/{userID}/trades/history", h.ListTradeHistory)
			r.Get("/users/{userID}/wallets/{currency}", h.GetWallet)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.RequestTimeout))
			r.Use(RequireAdmin)

			r.Get("/settlements", h.ListSettlements)
			r.Post("/trades/{tradeID}/force-settle", h.ForceSettle)
			r.Post("/trades/{tradeID}/void", h.VoidTrade)
			r.Get("/trades/{tradeID}/audit", h.ReAudit)
		})
	})

	return r
}
