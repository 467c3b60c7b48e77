package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newLedger(t *testing.T, available float64) (*ledger.Ledger, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	ms.PutWallet(model.Wallet{UserID: "user1", Currency: "USD", Available: d(available), Locked: decimal.Zero})
	return ledger.New(ms, nil), ms
}

func TestReserve_MovesAvailableToLocked(t *testing.T) {
	l, _ := newLedger(t, 100)

	w, err := l.Reserve(context.Background(), "user1", "USD", "t1", d(20))
	require.NoError(t, err)
	assert.True(t, w.Available.Equal(d(80)), "available=%s", w.Available)
	assert.True(t, w.Locked.Equal(d(20)), "locked=%s", w.Locked)
}

func TestReserve_InsufficientFunds(t *testing.T) {
	l, ms := newLedger(t, 10)

	_, err := l.Reserve(context.Background(), "user1", "USD", "t1", d(20))
	require.ErrorIs(t, err, model.ErrInsufficientFunds)

	w, _ := ms.GetWallet(context.Background(), "user1", "USD")
	assert.True(t, w.Available.Equal(d(10)), "failed reserve must not change balance")
	assert.True(t, w.Locked.IsZero())

	entries, _ := ms.ListLedgerEntries(context.Background(), "t1")
	assert.Empty(t, entries, "failed reserve must not write a journal line")
}

func TestOperations_InvalidAmount(t *testing.T) {
	l, _ := newLedger(t, 100)
	ctx := context.Background()

	for _, amt := range []decimal.Decimal{decimal.Zero, d(-5)} {
		_, err := l.Reserve(ctx, "user1", "USD", "t1", amt)
		assert.ErrorIs(t, err, model.ErrInvalidAmount)
		_, err = l.Release(ctx, "user1", "USD", "t1", amt)
		assert.ErrorIs(t, err, model.ErrInvalidAmount)
		_, err = l.Credit(ctx, "user1", "USD", "t1", amt)
		assert.ErrorIs(t, err, model.ErrInvalidAmount)
	}
}

func TestRelease_ReturnsStake(t *testing.T) {
	l, _ := newLedger(t, 100)
	ctx := context.Background()

	_, err := l.Reserve(ctx, "user1", "USD", "t1", d(20))
	require.NoError(t, err)

	w, err := l.Release(ctx, "user1", "USD", "t1", d(20))
	require.NoError(t, err)
	assert.True(t, w.Available.Equal(d(100)))
	assert.True(t, w.Locked.IsZero())
}

func TestRelease_MoreThanLocked(t *testing.T) {
	l, _ := newLedger(t, 100)

	_, err := l.Release(context.Background(), "user1", "USD", "t1", d(1))
	assert.ErrorIs(t, err, model.ErrInsufficientFunds)
}

func TestCredit_CreatesWallet(t *testing.T) {
	l, _ := newLedger(t, 0)

	w, err := l.Credit(context.Background(), "user2", "EUR", "t9", d(37))
	require.NoError(t, err)
	assert.Equal(t, "user2", w.UserID)
	assert.True(t, w.Available.Equal(d(37)))
}

func TestJournal_RecordsPostBalances(t *testing.T) {
	l, ms := newLedger(t, 100)
	ctx := context.Background()

	_, err := l.Reserve(ctx, "user1", "USD", "t1", d(20))
	require.NoError(t, err)
	_, err = l.Release(ctx, "user1", "USD", "t1", d(20))
	require.NoError(t, err)

	entries, err := ms.ListLedgerEntries(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, model.LedgerReserve, entries[0].Kind)
	assert.True(t, entries[0].Available.Equal(d(80)))
	assert.True(t, entries[0].Locked.Equal(d(20)))
	assert.Equal(t, model.LedgerRelease, entries[1].Kind)
	assert.True(t, entries[1].Available.Equal(d(100)))
}

func TestSettle_ConsumesLockedOnly(t *testing.T) {
	_, ms := newLedger(t, 100)
	ctx := context.Background()

	err := ms.WithTx(ctx, func(tx store.Tx) error {
		op := ledger.Op{UserID: "user1", Currency: "USD", TradeID: "t1", Amount: d(20)}
		if _, err := ledger.Reserve(ctx, tx, op); err != nil {
			return err
		}
		_, err := ledger.Settle(ctx, tx, op)
		return err
	})
	require.NoError(t, err)

	w, _ := ms.GetWallet(ctx, "user1", "USD")
	assert.True(t, w.Available.Equal(d(80)))
	assert.True(t, w.Locked.IsZero())
}

func TestTx_RollsBackOnError(t *testing.T) {
	_, ms := newLedger(t, 100)
	ctx := context.Background()
	boom := errors.New("boom")

	err := ms.WithTx(ctx, func(tx store.Tx) error {
		op := ledger.Op{UserID: "user1", Currency: "USD", TradeID: "t1", Amount: d(20)}
		if _, err := ledger.Reserve(ctx, tx, op); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	w, _ := ms.GetWallet(ctx, "user1", "USD")
	assert.True(t, w.Available.Equal(d(100)))
	assert.True(t, w.Locked.IsZero())
}

func TestReserve_ConcurrentDoesNotOverdraw(t *testing.T) {
	l, ms := newLedger(t, 100)
	ctx := context.Background()

	const n = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Reserve(ctx, "user1", "USD", "t", d(30)); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded, "only three 30-unit reservations fit in 100")
	w, _ := ms.GetWallet(ctx, "user1", "USD")
	assert.True(t, w.Available.Equal(d(10)), "available=%s", w.Available)
	assert.True(t, w.Locked.Equal(d(90)), "locked=%s", w.Locked)
}
