// Package intake admits new trades: it validates the order against the
// asset catalog and risk limits, captures the strike price, reserves the
// stake and records the trade in one transaction, then hands the expiry to
// the scheduler.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/asset"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/oracle"
	"github.com/atmx/settlement-engine/internal/risk"
	"github.com/atmx/settlement-engine/internal/store"
)

// Scheduler is the part of the expiry scheduler intake needs.
type Scheduler interface {
	Schedule(tradeID string, expiresAt time.Time)
}

// Config is the admission snapshot. It is passed in explicitly so tests can
// supply deterministic settings.
type Config struct {
	Catalog     *asset.Catalog
	MinDuration time.Duration
	MaxDuration time.Duration
	Limiter     *risk.StakeLimiter // nil disables risk limits
}

// PlaceRequest is the input to PlaceTrade. UserID comes from the
// authenticated principal, not from the request body.
type PlaceRequest struct {
	UserID          string
	Symbol          string
	Direction       model.Direction
	Stake           decimal.Decimal
	DurationSeconds int64
	// PayoutRate must be in (0,1] and not above the asset's configured
	// rate. Zero means "use the configured rate".
	PayoutRate decimal.Decimal
}

// Service handles trade admission.
type Service struct {
	store     store.Store
	oracle    oracle.Oracle
	scheduler Scheduler
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates an intake service.
func NewService(st store.Store, o oracle.Oracle, sched Scheduler, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     st,
		oracle:    o,
		scheduler: sched,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "intake")),
		now:       time.Now,
	}
}

// WithClock replaces the service's time source. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// PlaceTrade validates and admits a trade.
//
// Errors: model.ErrInvalidInput and model.ErrAssetDisabled for bad
// parameters, model.ErrRiskLimit, model.ErrPriceUnavailable if no strike
// price could be read, model.ErrInsufficientFunds if the stake cannot be
// reserved. In every error case nothing is reserved and no trade exists.
func (s *Service) PlaceTrade(ctx context.Context, req PlaceRequest) (*model.Trade, error) {
	t, err := s.place(ctx, req)
	if err != nil {
		metrics.PlacementRejections.WithLabelValues(rejectReason(err)).Inc()
		s.logger.InfoContext(ctx, "trade rejected",
			"user", req.UserID, "symbol", req.Symbol, "stake", req.Stake.String(), "err", err)
		return nil, err
	}
	return t, nil
}

func (s *Service) place(ctx context.Context, req PlaceRequest) (*model.Trade, error) {
	// --- Input validation ---
	if strings.TrimSpace(req.UserID) == "" {
		return nil, fmt.Errorf("%w: user is required", model.ErrInvalidInput)
	}
	dir := model.Direction(strings.ToUpper(string(req.Direction)))
	if !dir.Valid() {
		return nil, fmt.Errorf("%w: direction must be UP or DOWN", model.ErrInvalidInput)
	}
	if !req.Stake.IsPositive() {
		return nil, fmt.Errorf("%w: stake must be positive", model.ErrInvalidInput)
	}
	duration := time.Duration(req.DurationSeconds) * time.Second
	if req.DurationSeconds <= 0 || duration < s.cfg.MinDuration || (s.cfg.MaxDuration > 0 && duration > s.cfg.MaxDuration) {
		return nil, fmt.Errorf("%w: duration %ds outside [%s, %s]",
			model.ErrInvalidInput, req.DurationSeconds, s.cfg.MinDuration, s.cfg.MaxDuration)
	}

	a, err := s.cfg.Catalog.Lookup(req.Symbol)
	if err != nil {
		return nil, err
	}

	rate := req.PayoutRate
	if rate.IsZero() {
		rate = a.PayoutRate
	}
	if !rate.IsPositive() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: payout rate must be in (0, 1]", model.ErrInvalidInput)
	}
	if rate.GreaterThan(a.PayoutRate) {
		return nil, fmt.Errorf("%w: payout rate %s above configured %s for %s",
			model.ErrInvalidInput, rate, a.PayoutRate, a.Symbol)
	}

	// --- Risk limits (early rejection; re-checked under lock below) ---
	if s.cfg.Limiter != nil {
		open, err := s.store.ListUserTrades(ctx, req.UserID, model.StatusOpen, model.StatusSettling)
		if err != nil {
			return nil, fmt.Errorf("load open trades: %w", err)
		}
		if err := s.cfg.Limiter.CheckLimit(a.Symbol, req.Stake, risk.OpenStakes(open)); err != nil {
			return nil, err
		}
	}

	// --- Strike price (before any reservation) ---
	quote, err := s.oracle.GetPrice(ctx, a.Symbol)
	if err != nil {
		if !errors.Is(err, model.ErrPriceUnavailable) {
			err = fmt.Errorf("%w: %v", model.ErrPriceUnavailable, err)
		}
		return nil, err
	}

	now := s.now().UTC()
	t := &model.Trade{
		ID:              uuid.New().String(),
		UserID:          req.UserID,
		Symbol:          a.Symbol,
		Currency:        a.Currency,
		Direction:       dir,
		Stake:           req.Stake,
		StrikePrice:     quote.Price,
		PayoutRate:      rate,
		DurationSeconds: req.DurationSeconds,
		CreatedAt:       now,
		ExpiresAt:       now.Add(duration),
		Status:          model.StatusOpen,
		SettlementPrice: decimal.Zero,
		Payout:          decimal.Zero,
	}

	// --- Limit check, reserve and record, atomically ---
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		if s.cfg.Limiter != nil {
			open, err := tx.LockUserTrades(ctx, t.UserID)
			if err != nil {
				return err
			}
			if err := s.cfg.Limiter.CheckLimit(t.Symbol, t.Stake, risk.OpenStakes(open)); err != nil {
				return err
			}
		}
		op := ledger.Op{UserID: t.UserID, Currency: t.Currency, TradeID: t.ID, Amount: t.Stake, At: now}
		if _, err := ledger.Reserve(ctx, tx, op); err != nil {
			return err
		}
		return tx.InsertTrade(ctx, t)
	})
	if err != nil {
		return nil, err
	}

	// A crash before this line is covered by the scheduler's startup sweep.
	s.scheduler.Schedule(t.ID, t.ExpiresAt)

	metrics.TradesPlaced.WithLabelValues(string(t.Direction)).Inc()
	s.logger.InfoContext(ctx, "trade placed",
		"trade_id", t.ID,
		"user", t.UserID,
		"symbol", t.Symbol,
		"direction", string(t.Direction),
		"stake", t.Stake.String(),
		"strike", t.StrikePrice.String(),
		"payout_rate", t.PayoutRate.String(),
		"expires_at", t.ExpiresAt,
	)
	return t, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, model.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, model.ErrAssetDisabled):
		return "asset_disabled"
	case errors.Is(err, model.ErrRiskLimit):
		return "risk_limit"
	case errors.Is(err, model.ErrPriceUnavailable):
		return "price_unavailable"
	case errors.Is(err, model.ErrInsufficientFunds):
		return "insufficient_funds"
	}
	return "internal"
}
