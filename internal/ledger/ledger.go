// Package ledger implements the atomic balance primitives. Every balance
// change in the engine goes through this package, and every change writes
// an immutable journal line in the same transaction.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

// Ledger runs single balance operations in their own transaction.
// Intake and settlement compose the *Tx forms into larger units instead.
type Ledger struct {
	store store.Store
	now   func() time.Time
}

// New creates a Ledger over st. now defaults to time.Now.
func New(st store.Store, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{store: st, now: now}
}

// Reserve moves amount from available to locked.
func (l *Ledger) Reserve(ctx context.Context, userID, currency, tradeID string, amount decimal.Decimal) (*model.Wallet, error) {
	return l.run(ctx, func(tx store.Tx) (*model.Wallet, error) {
		return Reserve(ctx, tx, Op{UserID: userID, Currency: currency, TradeID: tradeID, Amount: amount, At: l.now().UTC()})
	})
}

// Release moves amount from locked back to available.
func (l *Ledger) Release(ctx context.Context, userID, currency, tradeID string, amount decimal.Decimal) (*model.Wallet, error) {
	return l.run(ctx, func(tx store.Tx) (*model.Wallet, error) {
		return Release(ctx, tx, Op{UserID: userID, Currency: currency, TradeID: tradeID, Amount: amount, At: l.now().UTC()})
	})
}

// Credit adds amount to available.
func (l *Ledger) Credit(ctx context.Context, userID, currency, tradeID string, amount decimal.Decimal) (*model.Wallet, error) {
	return l.run(ctx, func(tx store.Tx) (*model.Wallet, error) {
		return Credit(ctx, tx, Op{UserID: userID, Currency: currency, TradeID: tradeID, Amount: amount, At: l.now().UTC()})
	})
}

func (l *Ledger) run(ctx context.Context, fn func(tx store.Tx) (*model.Wallet, error)) (*model.Wallet, error) {
	var w *model.Wallet
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		w, err = fn(tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Op describes one balance movement.
type Op struct {
	UserID   string
	Currency string
	TradeID  string
	Amount   decimal.Decimal
	At       time.Time
}

// Reserve moves op.Amount from available to locked inside tx.
// Fails with model.ErrInsufficientFunds if available < amount.
func Reserve(ctx context.Context, tx store.Tx, op Op) (*model.Wallet, error) {
	return apply(ctx, tx, op, model.LedgerReserve, func(w *model.Wallet) error {
		if w.Available.LessThan(op.Amount) {
			return fmt.Errorf("%w: available %s < %s %s",
				model.ErrInsufficientFunds, w.Available, op.Amount, op.Currency)
		}
		w.Available = w.Available.Sub(op.Amount)
		w.Locked = w.Locked.Add(op.Amount)
		return nil
	})
}

// Release moves op.Amount from locked back to available inside tx.
func Release(ctx context.Context, tx store.Tx, op Op) (*model.Wallet, error) {
	return apply(ctx, tx, op, model.LedgerRelease, func(w *model.Wallet) error {
		if err := checkLocked(w, op); err != nil {
			return err
		}
		w.Locked = w.Locked.Sub(op.Amount)
		w.Available = w.Available.Add(op.Amount)
		return nil
	})
}

// Settle removes op.Amount from locked without returning it to available.
// The stake is consumed; a win pays it back through Credit.
func Settle(ctx context.Context, tx store.Tx, op Op) (*model.Wallet, error) {
	return apply(ctx, tx, op, model.LedgerSettle, func(w *model.Wallet) error {
		if err := checkLocked(w, op); err != nil {
			return err
		}
		w.Locked = w.Locked.Sub(op.Amount)
		return nil
	})
}

// Credit adds op.Amount to available inside tx.
func Credit(ctx context.Context, tx store.Tx, op Op) (*model.Wallet, error) {
	return apply(ctx, tx, op, model.LedgerCredit, func(w *model.Wallet) error {
		w.Available = w.Available.Add(op.Amount)
		return nil
	})
}

func apply(ctx context.Context, tx store.Tx, op Op, kind model.LedgerKind, mutate func(w *model.Wallet) error) (*model.Wallet, error) {
	if !op.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s %s", model.ErrInvalidAmount, kind, op.Amount)
	}
	if op.UserID == "" || op.Currency == "" {
		return nil, fmt.Errorf("%w: user and currency are required", model.ErrInvalidInput)
	}

	w, err := tx.LockWallet(ctx, op.UserID, op.Currency)
	if err != nil {
		return nil, err
	}
	if err := mutate(w); err != nil {
		return nil, err
	}
	w.UpdatedAt = op.At
	if err := tx.SaveWallet(ctx, w); err != nil {
		return nil, err
	}

	entry := &model.LedgerEntry{
		ID:        uuid.New().String(),
		UserID:    op.UserID,
		Currency:  op.Currency,
		TradeID:   op.TradeID,
		Kind:      kind,
		Amount:    op.Amount,
		Available: w.Available,
		Locked:    w.Locked,
		Timestamp: op.At,
	}
	if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
		return nil, err
	}
	return w, nil
}

func checkLocked(w *model.Wallet, op Op) error {
	if w.Locked.LessThan(op.Amount) {
		return fmt.Errorf("%w: locked %s < %s %s",
			model.ErrInsufficientFunds, w.Locked, op.Amount, op.Currency)
	}
	return nil
}
