// Package admin implements privileged overrides. Every override takes the
// same OPEN → SETTLING claim as the scheduler and then goes through the
// settlement processor, so an admin racing a natural expiry still yields a
// single settlement.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

// Processor is the settlement entry point used by overrides.
type Processor interface {
	Settle(ctx context.Context, tradeID, actor string) (*model.SettlementResult, error)
	Void(ctx context.Context, tradeID, actor, reason string) (*model.SettlementResult, error)
}

// Canceller drops a trade from the expiry index once an override resolved it.
type Canceller interface {
	Cancel(tradeID string)
}

// Service handles admin overrides. Callers must have verified that adminID
// belongs to an authorized admin.
type Service struct {
	store     store.Store
	processor Processor
	scheduler Canceller
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates an admin service. scheduler may be nil.
func NewService(st store.Store, p Processor, scheduler Canceller, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     st,
		processor: p,
		scheduler: scheduler,
		logger:    logger.With(slog.String("component", "admin")),
		now:       time.Now,
	}
}

// WithClock replaces the service's time source. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// ForceSettle settles a trade now, at the current price, regardless of its
// expiry. If the trade was already claimed the current state is returned
// with Applied=false.
func (s *Service) ForceSettle(ctx context.Context, tradeID, adminID string) (*model.SettlementResult, error) {
	if err := checkAdmin(adminID); err != nil {
		return nil, err
	}
	if res, err := s.claim(ctx, tradeID, model.Claim{Action: model.ClaimForce, By: adminID}); res != nil || err != nil {
		return res, err
	}

	res, err := s.processor.Settle(ctx, tradeID, adminID)
	if err != nil {
		return nil, err
	}
	s.cancel(tradeID)
	return res, nil
}

// VoidTrade cancels a trade and returns its stake. reason is recorded on
// the trade and in the audit log.
func (s *Service) VoidTrade(ctx context.Context, tradeID, adminID, reason string) (*model.SettlementResult, error) {
	if err := checkAdmin(adminID); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: void reason is required", model.ErrInvalidInput)
	}
	if res, err := s.claim(ctx, tradeID, model.Claim{Action: model.ClaimVoid, By: adminID, Reason: reason}); res != nil || err != nil {
		return res, err
	}

	res, err := s.processor.Void(ctx, tradeID, adminID, reason)
	if err != nil {
		return nil, err
	}
	s.cancel(tradeID)
	return res, nil
}

// claim records the override's intent with the claim, so recovery can
// finish it the same way if this call dies before committing. It returns a
// non-nil result when the override lost the race.
func (s *Service) claim(ctx context.Context, tradeID string, c model.Claim) (*model.SettlementResult, error) {
	c.At = s.now().UTC()
	_, err := s.store.ClaimTrade(ctx, tradeID, c)
	if err == nil {
		s.logger.InfoContext(ctx, "admin override claimed trade",
			"trade_id", tradeID, "actor", c.By, "action", string(c.Action))
		return nil, nil
	}
	if !errors.Is(err, model.ErrClaimLost) {
		return nil, err
	}

	current, getErr := s.store.GetTrade(ctx, tradeID)
	if getErr != nil {
		return nil, getErr
	}
	s.logger.InfoContext(ctx, "admin override found trade already claimed",
		"trade_id", tradeID, "actor", c.By, "action", string(c.Action), "status", string(current.Status))
	return &model.SettlementResult{Trade: *current, Outcome: current.Outcome, Payout: current.Payout}, nil
}

func (s *Service) cancel(tradeID string) {
	if s.scheduler != nil {
		s.scheduler.Cancel(tradeID)
	}
}

func checkAdmin(adminID string) error {
	if strings.TrimSpace(adminID) == "" || adminID == model.ActorSystem {
		return fmt.Errorf("%w: admin identity is required", model.ErrInvalidInput)
	}
	return nil
}

// Report is the result of a re-audit.
type Report struct {
	Trade      model.Trade         `json:"trade"`
	Audit      []model.AuditEntry  `json:"audit"`
	Journal    []model.LedgerEntry `json:"journal"`
	Findings   []string            `json:"findings"`
	Consistent bool                `json:"consistent"`
}

// ReAudit reconstructs a trade's history from the audit log and ledger
// journal and checks that they agree with the trade's state. Disagreements
// are reported as findings; only lookup failures are errors.
func (s *Service) ReAudit(ctx context.Context, tradeID string) (*Report, error) {
	t, err := s.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.ListAudit(ctx, model.AuditFilter{TradeID: tradeID})
	if err != nil {
		return nil, fmt.Errorf("load audit: %w", err)
	}
	journal, err := s.store.ListLedgerEntries(ctx, tradeID)
	if err != nil {
		return nil, fmt.Errorf("load journal: %w", err)
	}

	r := &Report{Trade: *t, Audit: entries, Journal: journal, Findings: []string{}}
	r.checkAudit()
	r.checkJournal()
	r.Consistent = len(r.Findings) == 0
	return r, nil
}

func (r *Report) addf(format string, args ...any) {
	r.Findings = append(r.Findings, fmt.Sprintf(format, args...))
}

func (r *Report) checkAudit() {
	t := r.Trade
	if !t.Status.Terminal() {
		if len(r.Audit) != 0 {
			r.addf("trade is %s but has %d audit entries", t.Status, len(r.Audit))
		}
		return
	}
	if len(r.Audit) != 1 {
		r.addf("terminal trade has %d audit entries, want 1", len(r.Audit))
		if len(r.Audit) == 0 {
			return
		}
	}

	e := r.Audit[len(r.Audit)-1]
	if e.Outcome != t.Outcome {
		r.addf("audit outcome %s does not match trade outcome %s", e.Outcome, t.Outcome)
	}
	if !e.Payout.Equal(t.Payout) {
		r.addf("audit payout %s does not match trade payout %s", e.Payout, t.Payout)
	}
	if e.Actor != t.SettledBy {
		r.addf("audit actor %q does not match settled_by %q", e.Actor, t.SettledBy)
	}
	if t.SettledAt != nil && t.SettledBy == model.ActorSystem && t.SettledAt.Before(t.ExpiresAt) {
		r.addf("system settlement at %s precedes expiry %s", t.SettledAt.Format(time.RFC3339Nano), t.ExpiresAt.Format(time.RFC3339Nano))
	}
}

func (r *Report) checkJournal() {
	t := r.Trade
	sums := make(map[model.LedgerKind]decimal.Decimal)
	for _, e := range r.Journal {
		sums[e.Kind] = sums[e.Kind].Add(e.Amount)
	}

	expect := map[model.LedgerKind]decimal.Decimal{model.LedgerReserve: t.Stake}
	switch t.Status {
	case model.StatusSettled:
		expect[model.LedgerSettle] = t.Stake
		if t.Outcome == model.OutcomeWin {
			expect[model.LedgerCredit] = t.Payout
		}
	case model.StatusVoid:
		expect[model.LedgerRelease] = t.Stake
	}

	for _, kind := range []model.LedgerKind{model.LedgerReserve, model.LedgerRelease, model.LedgerSettle, model.LedgerCredit} {
		if got, want := sums[kind], expect[kind]; !got.Equal(want) {
			r.addf("journal %s total %s, want %s", kind, got, want)
		}
	}
}
