package store_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

// Behaviour every Store implementation must share. Run by the memory and
// postgres tests.

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func fund(t *testing.T, st store.Store, userID, currency, amount string) {
	t.Helper()
	ctx := context.Background()
	err := st.WithTx(ctx, func(tx store.Tx) error {
		w, err := tx.LockWallet(ctx, userID, currency)
		if err != nil {
			return err
		}
		w.Available = w.Available.Add(d(amount))
		w.UpdatedAt = base
		return tx.SaveWallet(ctx, w)
	})
	require.NoError(t, err)
}

func expiryClaim(at time.Time) model.Claim {
	return model.Claim{Action: model.ClaimExpire, By: model.ActorSystem, At: at}
}

func newTrade(id, userID string, expiresIn time.Duration) *model.Trade {
	return &model.Trade{
		ID:              id,
		UserID:          userID,
		Symbol:          "BTC-USD",
		Currency:        "USD",
		Direction:       model.DirectionUp,
		Stake:           d("20"),
		StrikePrice:     d("50000.12345678"),
		PayoutRate:      d("0.85"),
		DurationSeconds: int64(expiresIn / time.Second),
		CreatedAt:       base,
		ExpiresAt:       base.Add(expiresIn),
		Status:          model.StatusOpen,
		SettlementPrice: decimal.Zero,
		Payout:          decimal.Zero,
	}
}

// open reserves the stake and inserts the trade in one transaction, the
// way intake does.
func open(t *testing.T, st store.Store, tr *model.Trade) {
	t.Helper()
	ctx := context.Background()
	err := st.WithTx(ctx, func(tx store.Tx) error {
		op := ledger.Op{UserID: tr.UserID, Currency: tr.Currency, TradeID: tr.ID, Amount: tr.Stake, At: tr.CreatedAt}
		if _, err := ledger.Reserve(ctx, tx, op); err != nil {
			return err
		}
		return tx.InsertTrade(ctx, tr)
	})
	require.NoError(t, err)
}

func finalize(ctx context.Context, st store.Store, tr *model.Trade, outcome model.Outcome) error {
	at := base.Add(2 * time.Minute)
	final := *tr
	final.Status = model.StatusSettled
	final.Outcome = outcome
	final.SettlementPrice = d("50100")
	final.SettledAt = &at
	final.SettledBy = model.ActorSystem
	return st.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.FinalizeTrade(ctx, &final); err != nil {
			return err
		}
		op := ledger.Op{UserID: tr.UserID, Currency: tr.Currency, TradeID: tr.ID, Amount: tr.Stake, At: at}
		if _, err := ledger.Settle(ctx, tx, op); err != nil {
			return err
		}
		return tx.InsertAuditEntry(ctx, &model.AuditEntry{
			ID: "audit-" + tr.ID, TradeID: tr.ID, UserID: tr.UserID, Outcome: outcome,
			SettlementPrice: final.SettlementPrice, Payout: decimal.Zero,
			Actor: model.ActorSystem, Timestamp: at,
		})
	})
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("TradeRoundTrip", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		fund(t, st, "u1", "USD", "100")
		tr := newTrade("t1", "u1", time.Minute)
		open(t, st, tr)

		got, err := st.GetTrade(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusOpen, got.Status)
		assert.True(t, got.StrikePrice.Equal(d("50000.12345678")), "strike=%s", got.StrikePrice)
		assert.True(t, got.ExpiresAt.Equal(tr.ExpiresAt))
		assert.Nil(t, got.ClaimedAt)
		assert.Nil(t, got.SettledAt)

		w, err := st.GetWallet(ctx, "u1", "USD")
		require.NoError(t, err)
		assert.True(t, w.Available.Equal(d("80")))
		assert.True(t, w.Locked.Equal(d("20")))

		_, err = st.GetTrade(ctx, "missing")
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("MissingWalletIsZero", func(t *testing.T) {
		st := newStore(t)
		w, err := st.GetWallet(context.Background(), "nobody", "USD")
		require.NoError(t, err)
		assert.True(t, w.Available.IsZero())
		assert.True(t, w.Locked.IsZero())
	})

	t.Run("FailedTxLeavesNoTrace", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		fund(t, st, "u1", "USD", "100")

		boom := errors.New("boom")
		err := st.WithTx(ctx, func(tx store.Tx) error {
			op := ledger.Op{UserID: "u1", Currency: "USD", TradeID: "t1", Amount: d("20"), At: base}
			if _, err := ledger.Reserve(ctx, tx, op); err != nil {
				return err
			}
			if err := tx.InsertTrade(ctx, newTrade("t1", "u1", time.Minute)); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		_, err = st.GetTrade(ctx, "t1")
		assert.ErrorIs(t, err, model.ErrNotFound)
		w, err := st.GetWallet(ctx, "u1", "USD")
		require.NoError(t, err)
		assert.True(t, w.Available.Equal(d("100")))
		entries, err := st.ListLedgerEntries(ctx, "t1")
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("ClaimIsExclusive", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		fund(t, st, "u1", "USD", "100")
		open(t, st, newTrade("t1", "u1", time.Minute))

		const n = 10
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins, lost := 0, 0
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := st.ClaimTrade(ctx, "t1", expiryClaim(base.Add(time.Minute)))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, model.ErrClaimLost):
					lost++
				default:
					t.Errorf("unexpected claim error: %v", err)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
		assert.Equal(t, n-1, lost)

		got, err := st.GetTrade(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusSettling, got.Status)
		require.NotNil(t, got.ClaimedAt)
		assert.True(t, got.ClaimedAt.Equal(base.Add(time.Minute)))

		_, err = st.ClaimTrade(ctx, "missing", expiryClaim(base))
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("FinalizeRequiresClaim", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		fund(t, st, "u1", "USD", "100")
		tr := newTrade("t1", "u1", time.Minute)
		open(t, st, tr)

		// Not claimed yet.
		require.ErrorIs(t, finalize(ctx, st, tr, model.OutcomeLoss), model.ErrClaimLost)

		_, err := st.ClaimTrade(ctx, "t1", expiryClaim(base.Add(time.Minute)))
		require.NoError(t, err)
		require.NoError(t, finalize(ctx, st, tr, model.OutcomeLoss))

		// A second finalize loses and rolls back its wallet change.
		require.ErrorIs(t, finalize(ctx, st, tr, model.OutcomeLoss), model.ErrClaimLost)

		got, err := st.GetTrade(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusSettled, got.Status)
		assert.Equal(t, model.OutcomeLoss, got.Outcome)
		assert.True(t, got.SettlementPrice.Equal(d("50100")))
		require.NotNil(t, got.SettledAt)

		w, err := st.GetWallet(ctx, "u1", "USD")
		require.NoError(t, err)
		assert.True(t, w.Available.Equal(d("80")))
		assert.True(t, w.Locked.IsZero())

		audit, err := st.ListAudit(ctx, model.AuditFilter{TradeID: "t1"})
		require.NoError(t, err)
		assert.Len(t, audit, 1)

		journal, err := st.ListLedgerEntries(ctx, "t1")
		require.NoError(t, err)
		require.Len(t, journal, 2)
		assert.Equal(t, model.LedgerReserve, journal[0].Kind)
		assert.Equal(t, model.LedgerSettle, journal[1].Kind)
		assert.True(t, journal[1].Locked.IsZero())
	})

	t.Run("ClaimKeepsIntent", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		fund(t, st, "u1", "USD", "100")
		open(t, st, newTrade("t1", "u1", time.Minute))

		claimedAt := base.Add(10 * time.Second)
		got, err := st.ClaimTrade(ctx, "t1", model.Claim{
			Action: model.ClaimVoid, By: "admin-1", Reason: "fraud", At: claimedAt,
		})
		require.NoError(t, err)
		assert.Equal(t, model.ClaimVoid, got.ClaimAction)

		// Taking over a stale claim keeps who claimed it and why.
		got, err = st.ReclaimStale(ctx, "t1", claimedAt.Add(time.Second), base.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, model.ClaimVoid, got.ClaimAction)
		assert.Equal(t, "admin-1", got.ClaimedBy)
		assert.Equal(t, "fraud", got.ClaimReason)

		stored, err := st.GetTrade(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, model.ClaimVoid, stored.ClaimAction)
		assert.Equal(t, "admin-1", stored.ClaimedBy)
		assert.Equal(t, "fraud", stored.ClaimReason)
	})

	t.Run("LockUserTradesSeesOpenStake", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		fund(t, st, "u1", "USD", "100")
		fund(t, st, "u2", "USD", "100")
		open(t, st, newTrade("t1", "u1", time.Minute))
		open(t, st, newTrade("t2", "u1", time.Minute))
		open(t, st, newTrade("t3", "u2", time.Minute))
		_, err := st.ClaimTrade(ctx, "t2", expiryClaim(base))
		require.NoError(t, err)

		var ids []string
		err = st.WithTx(ctx, func(tx store.Tx) error {
			require.NoError(t, tx.InsertTrade(ctx, newTrade("t4", "u1", time.Minute)))
			trades, err := tx.LockUserTrades(ctx, "u1")
			for _, tr := range trades {
				ids = append(ids, tr.ID)
			}
			return err
		})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"t1", "t2", "t4"}, ids, "OPEN, SETTLING and staged trades of u1")
	})

	t.Run("ReclaimStale", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		fund(t, st, "u1", "USD", "100")
		open(t, st, newTrade("t1", "u1", time.Minute))

		_, err := st.ReclaimStale(ctx, "t1", base.Add(time.Hour), base.Add(time.Hour))
		assert.ErrorIs(t, err, model.ErrClaimLost, "OPEN trades cannot be reclaimed")

		claimedAt := base.Add(time.Minute)
		_, err = st.ClaimTrade(ctx, "t1", expiryClaim(claimedAt))
		require.NoError(t, err)

		_, err = st.ReclaimStale(ctx, "t1", claimedAt, base.Add(time.Hour))
		assert.ErrorIs(t, err, model.ErrClaimLost, "claim is not older than the cutoff")

		got, err := st.ReclaimStale(ctx, "t1", claimedAt.Add(time.Second), base.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, model.StatusSettling, got.Status)
		assert.True(t, got.ClaimedAt.Equal(base.Add(time.Hour)))

		// The refreshed claim is no longer stale for the same cutoff.
		_, err = st.ReclaimStale(ctx, "t1", claimedAt.Add(time.Second), base.Add(2*time.Hour))
		assert.ErrorIs(t, err, model.ErrClaimLost)
	})

	t.Run("Listings", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		fund(t, st, "u1", "USD", "1000")
		fund(t, st, "u2", "USD", "1000")

		for i, exp := range []time.Duration{3 * time.Minute, time.Minute, 2 * time.Minute} {
			tr := newTrade(fmt.Sprintf("a%d", i), "u1", exp)
			tr.CreatedAt = base.Add(time.Duration(i) * time.Second)
			tr.ExpiresAt = tr.CreatedAt.Add(exp)
			open(t, st, tr)
		}
		open(t, st, newTrade("b0", "u2", time.Minute))

		_, err := st.ClaimTrade(ctx, "a1", expiryClaim(base))
		require.NoError(t, err)
		a1, err := st.GetTrade(ctx, "a1")
		require.NoError(t, err)
		require.NoError(t, finalize(ctx, st, a1, model.OutcomeLoss))

		openTrades, err := st.ListTradesByStatus(ctx, model.StatusOpen)
		require.NoError(t, err)
		var ids []string
		for _, tr := range openTrades {
			ids = append(ids, tr.ID)
		}
		assert.Equal(t, []string{"b0", "a2", "a0"}, ids, "ordered by expiry")

		mine, err := st.ListUserTrades(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, mine, 3)
		assert.Equal(t, "a2", mine[0].ID, "newest first")

		hist, err := st.ListUserTrades(ctx, "u1", model.StatusSettled, model.StatusVoid)
		require.NoError(t, err)
		require.Len(t, hist, 1)
		assert.Equal(t, "a1", hist[0].ID)

		audit, err := st.ListAudit(ctx, model.AuditFilter{Outcome: model.OutcomeLoss, Limit: 10})
		require.NoError(t, err)
		require.Len(t, audit, 1)
		audit, err = st.ListAudit(ctx, model.AuditFilter{Outcome: model.OutcomeWin})
		require.NoError(t, err)
		assert.Empty(t, audit)
		audit, err = st.ListAudit(ctx, model.AuditFilter{UserID: "u2"})
		require.NoError(t, err)
		assert.Empty(t, audit)
	})

	t.Run("ConcurrentReservesNeverOverdraw", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		fund(t, st, "u1", "USD", "100")

		const n = 10
		var wg sync.WaitGroup
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				op := ledger.Op{UserID: "u1", Currency: "USD", TradeID: fmt.Sprintf("r%d", i), Amount: d("30"), At: base}
				errs[i] = st.WithTx(ctx, func(tx store.Tx) error {
					_, err := ledger.Reserve(ctx, tx, op)
					return err
				})
			}(i)
		}
		wg.Wait()

		ok := 0
		for _, err := range errs {
			if err == nil {
				ok++
			} else {
				assert.ErrorIs(t, err, model.ErrInsufficientFunds)
			}
		}
		assert.Equal(t, 3, ok)

		w, err := st.GetWallet(ctx, "u1", "USD")
		require.NoError(t, err)
		assert.True(t, w.Available.Equal(d("10")), "available=%s", w.Available)
		assert.True(t, w.Locked.Equal(d("90")), "locked=%s", w.Locked)
	})
}
