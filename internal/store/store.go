// Package store defines the persistence interface for the settlement engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache of immutable rows), and in-memory (for testing).
package store

import (
	"context"
	"time"

	"github.com/atmx/settlement-engine/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// WithTx runs fn as one atomic unit. If fn returns an error none of
	// its writes become visible. fn must not perform external I/O.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// --- Trade lifecycle ---

	// GetTrade retrieves a trade by ID.
	GetTrade(ctx context.Context, id string) (*model.Trade, error)

	// ListTradesByStatus returns every trade in one of the given statuses,
	// oldest expiry first.
	ListTradesByStatus(ctx context.Context, statuses ...model.Status) ([]model.Trade, error)

	// ListUserTrades returns a user's trades in the given statuses, newest
	// first. No statuses means all.
	ListUserTrades(ctx context.Context, userID string, statuses ...model.Status) ([]model.Trade, error)

	// ClaimTrade atomically moves a trade from OPEN to SETTLING, recording
	// the claim's action, actor, reason and time. Returns
	// model.ErrClaimLost if the trade is not OPEN.
	ClaimTrade(ctx context.Context, id string, c model.Claim) (*model.Trade, error)

	// ReclaimStale re-stamps claimed_at on a SETTLING trade whose claim is
	// older than staleBefore, keeping the recorded intent.
	// Returns model.ErrClaimLost otherwise.
	ReclaimStale(ctx context.Context, id string, staleBefore, at time.Time) (*model.Trade, error)

	// --- Balances ---

	// GetWallet returns a wallet; a missing wallet is returned with zero
	// balances.
	GetWallet(ctx context.Context, userID, currency string) (*model.Wallet, error)

	// --- Immutable logs ---

	// ListAudit returns audit entries matching the filter, newest first.
	ListAudit(ctx context.Context, filter model.AuditFilter) ([]model.AuditEntry, error)

	// ListLedgerEntries returns the balance journal for a trade in order.
	ListLedgerEntries(ctx context.Context, tradeID string) ([]model.LedgerEntry, error)
}

// Tx is the write surface available inside Store.WithTx.
type Tx interface {
	// LockWallet reads a wallet for update. A missing wallet is returned
	// with zero balances and is created on SaveWallet.
	LockWallet(ctx context.Context, userID, currency string) (*model.Wallet, error)

	// SaveWallet persists balances previously read with LockWallet.
	SaveWallet(ctx context.Context, w *model.Wallet) error

	// LockUserTrades returns the user's OPEN and SETTLING trades and holds
	// a per-user lock until the transaction ends, so concurrent admissions
	// for one user check their limits one at a time.
	LockUserTrades(ctx context.Context, userID string) ([]model.Trade, error)

	// InsertTrade persists a newly admitted trade.
	InsertTrade(ctx context.Context, t *model.Trade) error

	// FinalizeTrade writes the terminal fields of a trade. It only succeeds
	// if the stored trade is SETTLING; otherwise model.ErrClaimLost.
	FinalizeTrade(ctx context.Context, t *model.Trade) error

	// InsertAuditEntry appends an immutable audit record.
	InsertAuditEntry(ctx context.Context, e *model.AuditEntry) error

	// InsertLedgerEntry appends an immutable balance journal line.
	InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error
}
