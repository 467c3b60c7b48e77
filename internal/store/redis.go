package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/settlement-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Only immutable or invalidation-tracked reads are cached: terminal
// trades never change again, and a user's settlement history is keyed by a
// per-user generation that is bumped after every finalize commit. A history
// read that raced a commit can only fill a superseded generation's key.
// Claims, wallets and open trades always go to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Writes (primary, then invalidate) ---

func (s *CachedStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	var finalized []string
	err := s.primary.WithTx(ctx, func(tx Tx) error {
		finalized = finalized[:0]
		return fn(&cachedTx{Tx: tx, onFinalize: func(t *model.Trade) {
			finalized = append(finalized, t.UserID)
		}})
	})
	if err != nil {
		return err
	}
	for _, userID := range finalized {
		s.rdb.Incr(ctx, historyGenKey(userID))
	}
	return nil
}

func (s *CachedStore) ClaimTrade(ctx context.Context, id string, c model.Claim) (*model.Trade, error) {
	return s.primary.ClaimTrade(ctx, id, c)
}

func (s *CachedStore) ReclaimStale(ctx context.Context, id string, staleBefore, at time.Time) (*model.Trade, error) {
	return s.primary.ReclaimStale(ctx, id, staleBefore, at)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	data, err := s.rdb.Get(ctx, tradeKey(id)).Bytes()
	if err == nil {
		var t model.Trade
		if json.Unmarshal(data, &t) == nil {
			return &t, nil
		}
	}

	t, err := s.primary.GetTrade(ctx, id)
	if err != nil {
		return nil, err
	}

	// Only terminal trades are immutable and safe to cache.
	if t.Status.Terminal() {
		if data, err := json.Marshal(t); err == nil {
			s.rdb.Set(ctx, tradeKey(id), data, s.ttl)
		}
	}
	return t, nil
}

func (s *CachedStore) ListUserTrades(ctx context.Context, userID string, statuses ...model.Status) ([]model.Trade, error) {
	if !isHistoryQuery(statuses) {
		return s.primary.ListUserTrades(ctx, userID, statuses...)
	}

	// The generation must be read before the primary.
	gen, err := s.rdb.Get(ctx, historyGenKey(userID)).Int64()
	if err != nil && err != redis.Nil {
		return s.primary.ListUserTrades(ctx, userID, statuses...)
	}
	key := historyKey(userID, gen)

	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var trades []model.Trade
		if json.Unmarshal(data, &trades) == nil {
			return trades, nil
		}
	}

	trades, err := s.primary.ListUserTrades(ctx, userID, statuses...)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(trades); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return trades, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListTradesByStatus(ctx context.Context, statuses ...model.Status) ([]model.Trade, error) {
	return s.primary.ListTradesByStatus(ctx, statuses...)
}

func (s *CachedStore) GetWallet(ctx context.Context, userID, currency string) (*model.Wallet, error) {
	return s.primary.GetWallet(ctx, userID, currency)
}

func (s *CachedStore) ListAudit(ctx context.Context, f model.AuditFilter) ([]model.AuditEntry, error) {
	return s.primary.ListAudit(ctx, f)
}

func (s *CachedStore) ListLedgerEntries(ctx context.Context, tradeID string) ([]model.LedgerEntry, error) {
	return s.primary.ListLedgerEntries(ctx, tradeID)
}

// cachedTx records which users' history must be invalidated on commit.
type cachedTx struct {
	Tx
	onFinalize func(t *model.Trade)
}

func (t *cachedTx) FinalizeTrade(ctx context.Context, tr *model.Trade) error {
	if err := t.Tx.FinalizeTrade(ctx, tr); err != nil {
		return err
	}
	t.onFinalize(tr)
	return nil
}

// --- Cache helpers ---

// isHistoryQuery reports whether statuses is exactly the terminal set.
func isHistoryQuery(statuses []model.Status) bool {
	if len(statuses) != 2 {
		return false
	}
	return hasStatus(model.StatusSettled, statuses) && hasStatus(model.StatusVoid, statuses)
}

func tradeKey(id string) string               { return fmt.Sprintf("trade:%s", id) }
func historyGenKey(uid string) string         { return fmt.Sprintf("history-gen:%s", uid) }
func historyKey(uid string, gen int64) string { return fmt.Sprintf("history:%s:%d", uid, gen) }
