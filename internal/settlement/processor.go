// Package settlement resolves claimed trades: it fetches the settlement
// price, decides the outcome, and commits the balance change, the trade's
// terminal fields and the audit entry as one transaction.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/oracle"
	"github.com/atmx/settlement-engine/internal/store"
)

// Event types published after a commit.
const (
	EventSettled = "trade_settled"
	EventVoided  = "trade_voided"
)

// Event is broadcast to live subscribers after a terminal transition.
type Event struct {
	Type  string      `json:"type"`
	Trade model.Trade `json:"trade"`
}

// Publisher receives settlement events. Implementations must not block.
type Publisher interface {
	Publish(ev Event)
}

// Config controls price retries and the tie rule.
type Config struct {
	Retry     oracle.RetryPolicy
	TiePolicy TiePolicy
}

// Processor is the only writer of a trade's terminal fields.
type Processor struct {
	store     store.Store
	oracle    oracle.Oracle
	cfg       Config
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewProcessor creates a settlement processor. publisher may be nil.
func NewProcessor(st store.Store, o oracle.Oracle, cfg Config, publisher Publisher, logger *slog.Logger) *Processor {
	if cfg.TiePolicy == "" {
		cfg.TiePolicy = TieLoss
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:     st,
		oracle:    o,
		cfg:       cfg,
		publisher: publisher,
		logger:    logger.With(slog.String("component", "settlement")),
		now:       time.Now,
	}
}

// WithClock replaces the processor's time source. Used by tests.
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// Settle resolves a trade the caller has already claimed (status SETTLING).
//
// A trade that is already terminal is a no-op: the result has Applied=false
// and no ledger or audit write happens. If the price stays unavailable past
// the retry policy the trade is voided with reason price_unavailable. A
// commit failure leaves the trade SETTLING for the recovery sweep and
// returns model.ErrPersistence.
func (p *Processor) Settle(ctx context.Context, tradeID, actor string) (*model.SettlementResult, error) {
	t, done, err := p.load(ctx, tradeID)
	if err != nil || done != nil {
		return done, err
	}

	quote, err := oracle.FetchWithRetry(ctx, p.oracle, t.Symbol, p.cfg.Retry, func(attempt int, err error) {
		metrics.PriceRetries.Inc()
		p.logger.WarnContext(ctx, "price fetch failed, retrying",
			"trade_id", t.ID, "symbol", t.Symbol, "attempt", attempt, "err", err)
	})
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down: leave the claim for recovery instead of voiding.
			return nil, ctx.Err()
		}
		p.logger.ErrorContext(ctx, "price unavailable at settlement, voiding",
			"trade_id", t.ID, "symbol", t.Symbol, "err", err)
		return p.commitVoid(ctx, t, actor, model.ReasonPriceUnavailable)
	}

	outcome, tie := Decide(*t, quote.Price)
	if tie && p.cfg.TiePolicy == TieRefund {
		return p.commitVoidAt(ctx, t, actor, model.ReasonTie, quote.Price)
	}
	return p.commitOutcome(ctx, t, actor, outcome, quote.Price)
}

// Void resolves a claimed trade without an outcome: the stake goes back to
// available and a VOID audit entry records reason.
func (p *Processor) Void(ctx context.Context, tradeID, actor, reason string) (*model.SettlementResult, error) {
	t, done, err := p.load(ctx, tradeID)
	if err != nil || done != nil {
		return done, err
	}
	return p.commitVoid(ctx, t, actor, reason)
}

// load returns the claimed trade, or a no-op result if it is already terminal.
func (p *Processor) load(ctx context.Context, tradeID string) (*model.Trade, *model.SettlementResult, error) {
	t, err := p.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, nil, err
	}
	switch {
	case t.Status.Terminal():
		metrics.ClaimsLost.Inc()
		return nil, &model.SettlementResult{Trade: *t, Outcome: t.Outcome, Payout: t.Payout}, nil
	case t.Status != model.StatusSettling:
		return nil, nil, fmt.Errorf("%w: trade %s is %s, not claimed", model.ErrInvalidInput, t.ID, t.Status)
	}
	return t, nil, nil
}

func (p *Processor) commitOutcome(ctx context.Context, t *model.Trade, actor string, outcome model.Outcome, price decimal.Decimal) (*model.SettlementResult, error) {
	now := p.now().UTC()
	payout := Payout(*t, outcome)

	final := *t
	final.Status = model.StatusSettled
	final.Outcome = outcome
	final.SettlementPrice = price
	final.Payout = payout
	final.SettledAt = &now
	final.SettledBy = actor

	entry := &model.AuditEntry{
		ID:              uuid.New().String(),
		TradeID:         t.ID,
		UserID:          t.UserID,
		Outcome:         outcome,
		SettlementPrice: price,
		Payout:          payout,
		Actor:           actor,
		Timestamp:       now,
	}

	// Finalize first: a concurrent settler fails the status guard here,
	// before touching the wallet.
	err := p.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.FinalizeTrade(ctx, &final); err != nil {
			return err
		}
		op := ledger.Op{UserID: t.UserID, Currency: t.Currency, TradeID: t.ID, Amount: t.Stake, At: now}
		if _, err := ledger.Settle(ctx, tx, op); err != nil {
			return err
		}
		if outcome == model.OutcomeWin {
			op.Amount = payout
			if _, err := ledger.Credit(ctx, tx, op); err != nil {
				return err
			}
		}
		return tx.InsertAuditEntry(ctx, entry)
	})
	if res, handled, err := p.commitErr(ctx, t, err); handled {
		return res, err
	}

	p.logger.InfoContext(ctx, "trade settled",
		"trade_id", t.ID,
		"user", t.UserID,
		"symbol", t.Symbol,
		"direction", string(t.Direction),
		"actor", actor,
		"outcome", string(outcome),
		"strike", t.StrikePrice.String(),
		"price", price.String(),
		"payout", payout.String(),
	)
	p.finish(final, EventSettled, now)
	return &model.SettlementResult{Trade: final, Outcome: outcome, Payout: payout, Applied: true}, nil
}

func (p *Processor) commitVoid(ctx context.Context, t *model.Trade, actor, reason string) (*model.SettlementResult, error) {
	return p.commitVoidAt(ctx, t, actor, reason, decimal.Zero)
}

func (p *Processor) commitVoidAt(ctx context.Context, t *model.Trade, actor, reason string, price decimal.Decimal) (*model.SettlementResult, error) {
	now := p.now().UTC()

	final := *t
	final.Status = model.StatusVoid
	final.Outcome = model.OutcomeVoid
	final.SettlementPrice = price
	final.Payout = decimal.Zero
	final.SettledAt = &now
	final.SettledBy = actor
	final.VoidReason = reason

	entry := &model.AuditEntry{
		ID:              uuid.New().String(),
		TradeID:         t.ID,
		UserID:          t.UserID,
		Outcome:         model.OutcomeVoid,
		SettlementPrice: price,
		Payout:          decimal.Zero,
		Reason:          reason,
		Actor:           actor,
		Timestamp:       now,
	}

	err := p.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.FinalizeTrade(ctx, &final); err != nil {
			return err
		}
		op := ledger.Op{UserID: t.UserID, Currency: t.Currency, TradeID: t.ID, Amount: t.Stake, At: now}
		if _, err := ledger.Release(ctx, tx, op); err != nil {
			return err
		}
		return tx.InsertAuditEntry(ctx, entry)
	})
	if res, handled, err := p.commitErr(ctx, t, err); handled {
		return res, err
	}

	p.logger.InfoContext(ctx, "trade voided",
		"trade_id", t.ID,
		"user", t.UserID,
		"symbol", t.Symbol,
		"actor", actor,
		"reason", reason,
		"refund", t.Stake.String(),
	)
	p.finish(final, EventVoided, now)
	return &model.SettlementResult{Trade: final, Outcome: model.OutcomeVoid, Payout: decimal.Zero, Applied: true}, nil
}

// commitErr classifies a failed commit. Losing the finalize race to a
// concurrent settler is a no-op; anything else stays SETTLING for recovery.
func (p *Processor) commitErr(ctx context.Context, t *model.Trade, err error) (*model.SettlementResult, bool, error) {
	if err == nil {
		return nil, false, nil
	}
	if errors.Is(err, model.ErrClaimLost) {
		metrics.ClaimsLost.Inc()
		current, getErr := p.store.GetTrade(ctx, t.ID)
		if getErr != nil {
			return nil, true, getErr
		}
		return &model.SettlementResult{Trade: *current, Outcome: current.Outcome, Payout: current.Payout}, true, nil
	}

	metrics.PersistenceFailures.Inc()
	p.logger.ErrorContext(ctx, "settlement commit failed, trade left settling",
		"trade_id", t.ID, "err", err)
	if !errors.Is(err, model.ErrPersistence) {
		err = fmt.Errorf("%w: %w", model.ErrPersistence, err)
	}
	return nil, true, err
}

func (p *Processor) finish(t model.Trade, eventType string, now time.Time) {
	metrics.Settlements.WithLabelValues(string(t.Outcome), metrics.ActorKind(t.SettledBy)).Inc()
	if t.SettledBy == model.ActorSystem {
		metrics.SettlementLag.Observe(now.Sub(t.ExpiresAt).Seconds())
	}
	if p.publisher != nil {
		p.publisher.Publish(Event{Type: eventType, Trade: t})
	}
}
