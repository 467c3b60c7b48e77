package admin_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/admin"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/oracle"
	"github.com/atmx/settlement-engine/internal/scheduler"
	"github.com/atmx/settlement-engine/internal/settlement"
	"github.com/atmx/settlement-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type cancelRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (c *cancelRecorder) Cancel(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, id)
}

type env struct {
	store *store.MemoryStore
	feed  *oracle.Static
	proc  *settlement.Processor
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ms := store.NewMemoryStore()
	ms.PutWallet(model.Wallet{UserID: "u1", Currency: "USD", Available: d(100), Locked: decimal.Zero})
	feed := oracle.NewStatic(map[string]decimal.Decimal{"BTC-USD": d(50000)})
	proc := settlement.NewProcessor(ms, feed, settlement.Config{
		Retry: oracle.RetryPolicy{Attempts: 1, Deadline: 100 * time.Millisecond},
	}, nil, nil)
	return &env{store: ms, feed: feed, proc: proc}
}

func (e *env) seed(t *testing.T, id string, expiresAt time.Time) {
	t.Helper()
	ctx := context.Background()
	tr := &model.Trade{
		ID:          id,
		UserID:      "u1",
		Symbol:      "BTC-USD",
		Currency:    "USD",
		Direction:   model.DirectionUp,
		Stake:       d(20),
		StrikePrice: d(50000),
		PayoutRate:  d(0.85),
		CreatedAt:   time.Now(),
		ExpiresAt:   expiresAt,
		Status:      model.StatusOpen,
	}
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		op := ledger.Op{UserID: "u1", Currency: "USD", TradeID: id, Amount: tr.Stake, At: tr.CreatedAt}
		if _, err := ledger.Reserve(ctx, tx, op); err != nil {
			return err
		}
		return tx.InsertTrade(ctx, tr)
	})
	require.NoError(t, err)
}

func (e *env) wallet(t *testing.T) *model.Wallet {
	t.Helper()
	w, err := e.store.GetWallet(context.Background(), "u1", "USD")
	require.NoError(t, err)
	return w
}

func (e *env) auditCount(t *testing.T, id string) int {
	t.Helper()
	entries, err := e.store.ListAudit(context.Background(), model.AuditFilter{TradeID: id})
	require.NoError(t, err)
	return len(entries)
}

func TestForceSettle_BeforeExpiryThenNaturalExpiryIsNoOp(t *testing.T) {
	e := newEnv(t)
	expiry := time.Now().Add(300 * time.Millisecond)
	e.seed(t, "t1", expiry)

	// No canceller: the index keeps the entry so the natural trigger fires.
	sched := scheduler.New(e.store, e.proc, scheduler.Config{PollInterval: 20 * time.Millisecond}, nil)
	svc := admin.NewService(e.store, e.proc, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sched.Run(ctx) }()

	e.feed.Set("BTC-USD", d(50100))
	res, err := svc.ForceSettle(context.Background(), "t1", "admin-7")
	require.NoError(t, err)
	require.True(t, res.Applied)
	assert.Equal(t, model.OutcomeWin, res.Outcome)
	assert.True(t, res.Trade.SettlementPrice.Equal(d(50100)), "uses the price at force time")
	assert.Equal(t, "admin-7", res.Trade.SettledBy)

	// The price moves against the trade before the natural expiry fires.
	e.feed.Set("BTC-USD", d(1))
	require.Eventually(t, func() bool { return sched.Pending() == 0 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	tr, err := e.store.GetTrade(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSettled, tr.Status)
	assert.Equal(t, model.OutcomeWin, tr.Outcome)
	assert.Equal(t, "admin-7", tr.SettledBy)
	assert.Equal(t, 1, e.auditCount(t, "t1"))
	assert.True(t, e.wallet(t).Available.Equal(d(117)))
}

func TestForceSettle_CancelsScheduledExpiry(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "t1", time.Now().Add(time.Hour))
	rec := &cancelRecorder{}

	_, err := admin.NewService(e.store, e.proc, rec, nil).ForceSettle(context.Background(), "t1", "admin-7")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, rec.ids)
}

func TestForceSettle_AlreadySettledIsNoOp(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "t1", time.Now().Add(time.Hour))
	svc := admin.NewService(e.store, e.proc, nil, nil)

	_, err := svc.VoidTrade(context.Background(), "t1", "admin-1", "duplicate order")
	require.NoError(t, err)

	res, err := svc.ForceSettle(context.Background(), "t1", "admin-2")
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, model.StatusVoid, res.Trade.Status)
	assert.Equal(t, "admin-1", res.Trade.SettledBy)
	assert.Equal(t, 1, e.auditCount(t, "t1"))
}

func TestForceSettle_ConcurrentWithExpiryClaim(t *testing.T) {
	for i := 0; i < 20; i++ {
		e := newEnv(t)
		e.seed(t, "t1", time.Now())
		svc := admin.NewService(e.store, e.proc, nil, nil)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = svc.ForceSettle(context.Background(), "t1", "admin-1")
		}()
		go func() {
			defer wg.Done()
			if _, err := e.store.ClaimTrade(context.Background(), "t1",
				model.Claim{Action: model.ClaimExpire, By: model.ActorSystem, At: time.Now()}); err == nil {
				_, _ = e.proc.Settle(context.Background(), "t1", model.ActorSystem)
			}
		}()
		wg.Wait()

		assert.Equal(t, 1, e.auditCount(t, "t1"))
		w := e.wallet(t)
		assert.True(t, w.Locked.IsZero())
		assert.True(t, w.Available.Equal(d(80)), "tie at strike is a loss, available=%s", w.Available)
	}
}

func TestVoidTrade_RefundsStake(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "t1", time.Now().Add(time.Hour))
	svc := admin.NewService(e.store, e.proc, nil, nil)

	res, err := svc.VoidTrade(context.Background(), "t1", "admin-1", "  fat finger ")
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, model.OutcomeVoid, res.Outcome)
	assert.Equal(t, "fat finger", res.Trade.VoidReason)

	w := e.wallet(t)
	assert.True(t, w.Available.Equal(d(100)))
	assert.True(t, w.Locked.IsZero())

	entries, err := e.store.ListAudit(context.Background(), model.AuditFilter{TradeID: "t1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "admin-1", entries[0].Actor)
	assert.Equal(t, "fat finger", entries[0].Reason)
}

// brokenProcessor claims succeed but every commit fails.
type brokenProcessor struct{}

func (brokenProcessor) Settle(context.Context, string, string) (*model.SettlementResult, error) {
	return nil, model.ErrPersistence
}

func (brokenProcessor) Void(context.Context, string, string, string) (*model.SettlementResult, error) {
	return nil, model.ErrPersistence
}

func TestOverrides_RecordClaimIntent(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "t1", time.Now().Add(time.Hour))
	e.seed(t, "t2", time.Now().Add(time.Hour))
	svc := admin.NewService(e.store, brokenProcessor{}, nil, nil)

	_, err := svc.VoidTrade(context.Background(), "t1", "admin-1", " fraud ")
	require.ErrorIs(t, err, model.ErrPersistence)
	_, err = svc.ForceSettle(context.Background(), "t2", "admin-2")
	require.ErrorIs(t, err, model.ErrPersistence)

	t1, err := e.store.GetTrade(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSettling, t1.Status)
	assert.Equal(t, model.ClaimVoid, t1.ClaimAction)
	assert.Equal(t, "admin-1", t1.ClaimedBy)
	assert.Equal(t, "fraud", t1.ClaimReason)

	t2, err := e.store.GetTrade(context.Background(), "t2")
	require.NoError(t, err)
	assert.Equal(t, model.ClaimForce, t2.ClaimAction)
	assert.Equal(t, "admin-2", t2.ClaimedBy)
}

func TestOverrides_Validation(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "t1", time.Now().Add(time.Hour))
	svc := admin.NewService(e.store, e.proc, nil, nil)
	ctx := context.Background()

	_, err := svc.ForceSettle(ctx, "t1", "")
	assert.ErrorIs(t, err, model.ErrInvalidInput)
	_, err = svc.ForceSettle(ctx, "t1", model.ActorSystem)
	assert.ErrorIs(t, err, model.ErrInvalidInput)
	_, err = svc.VoidTrade(ctx, "t1", "admin-1", " ")
	assert.ErrorIs(t, err, model.ErrInvalidInput)
	_, err = svc.ForceSettle(ctx, "missing", "admin-1")
	assert.ErrorIs(t, err, model.ErrNotFound)

	tr, err := e.store.GetTrade(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, tr.Status, "rejected overrides must not claim")
}

func TestReAudit_ConsistentHistory(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "open", time.Now().Add(time.Hour))
	e.seed(t, "won", time.Now().Add(time.Hour))
	e.seed(t, "void", time.Now().Add(time.Hour))
	svc := admin.NewService(e.store, e.proc, nil, nil)
	ctx := context.Background()

	e.feed.Set("BTC-USD", d(50100))
	_, err := svc.ForceSettle(ctx, "won", "admin-1")
	require.NoError(t, err)
	_, err = svc.VoidTrade(ctx, "void", "admin-1", "test")
	require.NoError(t, err)

	for _, id := range []string{"open", "won", "void"} {
		r, err := svc.ReAudit(ctx, id)
		require.NoError(t, err)
		assert.True(t, r.Consistent, "%s: %v", id, r.Findings)
		assert.Empty(t, r.Findings)
	}

	r, err := svc.ReAudit(ctx, "won")
	require.NoError(t, err)
	require.Len(t, r.Audit, 1)
	kinds := make([]model.LedgerKind, 0, len(r.Journal))
	for _, j := range r.Journal {
		kinds = append(kinds, j.Kind)
	}
	assert.ElementsMatch(t, []model.LedgerKind{model.LedgerReserve, model.LedgerSettle, model.LedgerCredit}, kinds)
}

func TestReAudit_ReportsMissingAudit(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "t1", time.Now().Add(-time.Hour))
	ctx := context.Background()

	// Finalize the trade behind the ledger's back.
	_, err := e.store.ClaimTrade(ctx, "t1",
		model.Claim{Action: model.ClaimExpire, By: model.ActorSystem, At: time.Now()})
	require.NoError(t, err)
	tr, err := e.store.GetTrade(ctx, "t1")
	require.NoError(t, err)
	now := time.Now()
	tr.Status = model.StatusSettled
	tr.Outcome = model.OutcomeLoss
	tr.SettledAt = &now
	tr.SettledBy = model.ActorSystem
	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.FinalizeTrade(ctx, tr)
	})
	require.NoError(t, err)

	r, err := admin.NewService(e.store, e.proc, nil, nil).ReAudit(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, r.Consistent)
	assert.Len(t, r.Findings, 2, "missing audit entry and missing settle journal line: %v", r.Findings)
}

func TestReAudit_NotFound(t *testing.T) {
	e := newEnv(t)
	_, err := admin.NewService(e.store, e.proc, nil, nil).ReAudit(context.Background(), "nope")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
