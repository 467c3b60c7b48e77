package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions take the write lock for their whole duration and stage
// changes on copies, so a failed transaction leaves no trace.
type MemoryStore struct {
	mu      sync.RWMutex
	trades  map[string]*model.Trade
	wallets map[walletKey]*model.Wallet
	audit   []model.AuditEntry
	ledger  []model.LedgerEntry
}

type walletKey struct {
	userID   string
	currency string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades:  make(map[string]*model.Trade),
		wallets: make(map[walletKey]*model.Wallet),
	}
}

// PutWallet overwrites a wallet. Deposits are handled outside the engine,
// so this exists to seed balances in tests and local development.
func (s *MemoryStore) PutWallet(w model.Wallet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[walletKey{w.UserID, w.Currency}] = &w
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:       s,
		wallets: make(map[walletKey]*model.Wallet),
		trades:  make(map[string]*model.Trade),
	}
	if err := fn(tx); err != nil {
		return err
	}

	// Commit staged changes.
	for k, w := range tx.wallets {
		s.wallets[k] = w
	}
	for id, t := range tx.trades {
		s.trades[id] = t
	}
	s.audit = append(s.audit, tx.audit...)
	s.ledger = append(s.ledger, tx.ledger...)
	return nil
}

func (s *MemoryStore) GetTrade(_ context.Context, id string) (*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", id, model.ErrNotFound)
	}
	copy := *t
	return &copy, nil
}

func (s *MemoryStore) ListTradesByStatus(_ context.Context, statuses ...model.Status) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if hasStatus(t.Status, statuses) {
			result = append(result, *t)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].ExpiresAt.Equal(result[j].ExpiresAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].ExpiresAt.Before(result[j].ExpiresAt)
	})
	return result, nil
}

func (s *MemoryStore) ListUserTrades(_ context.Context, userID string, statuses ...model.Status) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.UserID != userID {
			continue
		}
		if len(statuses) > 0 && !hasStatus(t.Status, statuses) {
			continue
		}
		result = append(result, *t)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) ClaimTrade(_ context.Context, id string, c model.Claim) (*model.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", id, model.ErrNotFound)
	}
	if t.Status != model.StatusOpen {
		return nil, fmt.Errorf("trade %s is %s: %w", id, t.Status, model.ErrClaimLost)
	}
	claimed := c.At
	t.Status = model.StatusSettling
	t.ClaimedAt = &claimed
	t.ClaimAction = c.Action
	t.ClaimedBy = c.By
	t.ClaimReason = c.Reason
	copy := *t
	return &copy, nil
}

func (s *MemoryStore) ReclaimStale(_ context.Context, id string, staleBefore, at time.Time) (*model.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", id, model.ErrNotFound)
	}
	if t.Status != model.StatusSettling || t.ClaimedAt == nil || !t.ClaimedAt.Before(staleBefore) {
		return nil, fmt.Errorf("trade %s has no stale claim: %w", id, model.ErrClaimLost)
	}
	claimed := at
	t.ClaimedAt = &claimed
	copy := *t
	return &copy, nil
}

func (s *MemoryStore) GetWallet(_ context.Context, userID, currency string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if w, ok := s.wallets[walletKey{userID, currency}]; ok {
		copy := *w
		return &copy, nil
	}
	return &model.Wallet{UserID: userID, Currency: currency}, nil
}

func (s *MemoryStore) ListAudit(_ context.Context, f model.AuditFilter) ([]model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if f.Outcome != "" && e.Outcome != f.Outcome {
			continue
		}
		if f.TradeID != "" && e.TradeID != f.TradeID {
			continue
		}
		if f.UserID != "" && e.UserID != f.UserID {
			continue
		}
		result = append(result, e)
		if f.Limit > 0 && len(result) == f.Limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) ListLedgerEntries(_ context.Context, tradeID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.TradeID == tradeID {
			result = append(result, e)
		}
	}
	return result, nil
}

// memTx stages writes on copies. It runs with MemoryStore.mu held.
type memTx struct {
	s       *MemoryStore
	wallets map[walletKey]*model.Wallet
	trades  map[string]*model.Trade
	audit   []model.AuditEntry
	ledger  []model.LedgerEntry
}

func (tx *memTx) LockWallet(_ context.Context, userID, currency string) (*model.Wallet, error) {
	k := walletKey{userID, currency}
	if w, ok := tx.wallets[k]; ok {
		copy := *w
		return &copy, nil
	}
	if w, ok := tx.s.wallets[k]; ok {
		copy := *w
		return &copy, nil
	}
	return &model.Wallet{UserID: userID, Currency: currency, Available: decimal.Zero, Locked: decimal.Zero}, nil
}

func (tx *memTx) SaveWallet(_ context.Context, w *model.Wallet) error {
	copy := *w
	tx.wallets[walletKey{w.UserID, w.Currency}] = &copy
	return nil
}

// LockUserTrades reads committed and staged trades. The store's write lock
// is already held for the whole transaction.
func (tx *memTx) LockUserTrades(_ context.Context, userID string) ([]model.Trade, error) {
	var result []model.Trade
	for id, t := range tx.s.trades {
		if _, staged := tx.trades[id]; staged {
			continue
		}
		if t.UserID == userID && !t.Status.Terminal() {
			result = append(result, *t)
		}
	}
	for _, t := range tx.trades {
		if t.UserID == userID && !t.Status.Terminal() {
			result = append(result, *t)
		}
	}
	return result, nil
}

func (tx *memTx) InsertTrade(_ context.Context, t *model.Trade) error {
	if _, ok := tx.s.trades[t.ID]; ok {
		return fmt.Errorf("trade %s already exists", t.ID)
	}
	if _, ok := tx.trades[t.ID]; ok {
		return fmt.Errorf("trade %s already exists", t.ID)
	}
	copy := *t
	tx.trades[t.ID] = &copy
	return nil
}

func (tx *memTx) FinalizeTrade(_ context.Context, t *model.Trade) error {
	current, ok := tx.trades[t.ID]
	if !ok {
		current, ok = tx.s.trades[t.ID]
	}
	if !ok {
		return fmt.Errorf("trade %s: %w", t.ID, model.ErrNotFound)
	}
	if current.Status != model.StatusSettling {
		return fmt.Errorf("trade %s is %s: %w", t.ID, current.Status, model.ErrClaimLost)
	}
	copy := *t
	tx.trades[t.ID] = &copy
	return nil
}

func (tx *memTx) InsertAuditEntry(_ context.Context, e *model.AuditEntry) error {
	tx.audit = append(tx.audit, *e)
	return nil
}

func (tx *memTx) InsertLedgerEntry(_ context.Context, e *model.LedgerEntry) error {
	tx.ledger = append(tx.ledger, *e)
	return nil
}

func hasStatus(s model.Status, statuses []model.Status) bool {
	for _, want := range statuses {
		if s == want {
			return true
		}
	}
	return false
}
