package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// The OPEN → SETTLING claim is a conditional UPDATE; wallet rows are
// locked with SELECT ... FOR UPDATE inside WithTx, so two reservations for
// the same (user, currency) serialize on the row, not on a global lock.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const tradeColumns = `id, user_id, symbol, currency, direction,
	stake::TEXT, strike_price::TEXT, payout_rate::TEXT, duration_seconds,
	created_at, expires_at, status, claimed_at, claim_action, claimed_by, claim_reason,
	outcome, settlement_price::TEXT, payout::TEXT, settled_at, settled_by, void_reason`

func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("postgres: begin: %w: %w", model.ErrPersistence, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w: %w", model.ErrPersistence, err)
	}
	return nil
}

func (s *PostgresStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)
	t, err := scanTrade(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("trade %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get trade %s: %w", id, err)
	}
	return t, nil
}

func (s *PostgresStore) ListTradesByStatus(ctx context.Context, statuses ...model.Status) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE status = ANY($1) ORDER BY expires_at, id`, statusStrings(statuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) ListUserTrades(ctx context.Context, userID string, statuses ...model.Status) ([]model.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE user_id = $1`
	args := []any{userID}
	if len(statuses) > 0 {
		query += ` AND status = ANY($2)`
		args = append(args, statusStrings(statuses))
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) ClaimTrade(ctx context.Context, id string, c model.Claim) (*model.Trade, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE trades SET status = 'SETTLING', claimed_at = $2,
		                   claim_action = $3, claimed_by = $4, claim_reason = $5
		 WHERE id = $1 AND status = 'OPEN'
		 RETURNING `+tradeColumns, id, c.At, string(c.Action), c.By, c.Reason)
	t, err := scanTrade(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.claimMiss(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("claim trade %s: %w: %w", id, model.ErrPersistence, err)
	}
	return t, nil
}

func (s *PostgresStore) ReclaimStale(ctx context.Context, id string, staleBefore, at time.Time) (*model.Trade, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE trades SET claimed_at = $3
		 WHERE id = $1 AND status = 'SETTLING' AND claimed_at < $2
		 RETURNING `+tradeColumns, id, staleBefore, at)
	t, err := scanTrade(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.claimMiss(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("reclaim trade %s: %w: %w", id, model.ErrPersistence, err)
	}
	return t, nil
}

// claimMiss distinguishes a missing trade from one that lost the claim race.
func (s *PostgresStore) claimMiss(ctx context.Context, id string) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM trades WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("trade %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("trade %s: %w: %w", id, model.ErrPersistence, err)
	}
	return fmt.Errorf("trade %s is %s: %w", id, status, model.ErrClaimLost)
}

func (s *PostgresStore) GetWallet(ctx context.Context, userID, currency string) (*model.Wallet, error) {
	w := &model.Wallet{UserID: userID, Currency: currency}
	var available, locked string

	err := s.pool.QueryRow(ctx,
		`SELECT available::TEXT, locked::TEXT, updated_at
		 FROM wallets WHERE user_id = $1 AND currency = $2`, userID, currency).
		Scan(&available, &locked, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return w, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet %s/%s: %w", userID, currency, err)
	}

	w.Available, _ = decimal.NewFromString(available)
	w.Locked, _ = decimal.NewFromString(locked)
	return w, nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, f model.AuditFilter) ([]model.AuditEntry, error) {
	query := `SELECT id, trade_id, user_id, outcome, settlement_price::TEXT, payout::TEXT,
	                 reason, actor, timestamp
	          FROM audit_log WHERE 1=1`
	args := []any{}
	argIdx := 1

	if f.Outcome != "" {
		query += fmt.Sprintf(" AND outcome = $%d", argIdx)
		args = append(args, string(f.Outcome))
		argIdx++
	}
	if f.TradeID != "" {
		query += fmt.Sprintf(" AND trade_id = $%d", argIdx)
		args = append(args, f.TradeID)
		argIdx++
	}
	if f.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argIdx)
		args = append(args, f.UserID)
		argIdx++
	}

	query += " ORDER BY seq DESC"

	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var outcome, priceS, payoutS string
		if err := rows.Scan(&e.ID, &e.TradeID, &e.UserID, &outcome, &priceS, &payoutS,
			&e.Reason, &e.Actor, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan audit entry: %w", err)
		}
		e.Outcome = model.Outcome(outcome)
		e.SettlementPrice, _ = decimal.NewFromString(priceS)
		e.Payout, _ = decimal.NewFromString(payoutS)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, tradeID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, currency, trade_id, kind,
		        amount::TEXT, available::TEXT, locked::TEXT, timestamp
		 FROM ledger_entries WHERE trade_id = $1 ORDER BY seq`, tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var kind, amountS, availS, lockedS string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Currency, &e.TradeID, &kind,
			&amountS, &availS, &lockedS, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Kind = model.LedgerKind(kind)
		e.Amount, _ = decimal.NewFromString(amountS)
		e.Available, _ = decimal.NewFromString(availS)
		e.Locked, _ = decimal.NewFromString(lockedS)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// pgTx implements Tx on a single pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockWallet(ctx context.Context, userID, currency string) (*model.Wallet, error) {
	// Make sure the row exists so FOR UPDATE has something to lock.
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO wallets (user_id, currency) VALUES ($1, $2)
		 ON CONFLICT (user_id, currency) DO NOTHING`, userID, currency); err != nil {
		return nil, fmt.Errorf("postgres: ensure wallet: %w: %w", model.ErrPersistence, err)
	}

	w := &model.Wallet{UserID: userID, Currency: currency}
	var available, locked string
	err := t.tx.QueryRow(ctx,
		`SELECT available::TEXT, locked::TEXT, updated_at
		 FROM wallets WHERE user_id = $1 AND currency = $2 FOR UPDATE`, userID, currency).
		Scan(&available, &locked, &w.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("postgres: lock wallet: %w: %w", model.ErrPersistence, err)
	}
	w.Available, _ = decimal.NewFromString(available)
	w.Locked, _ = decimal.NewFromString(locked)
	return w, nil
}

func (t *pgTx) SaveWallet(ctx context.Context, w *model.Wallet) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE wallets SET available = $3::NUMERIC, locked = $4::NUMERIC, updated_at = $5
		 WHERE user_id = $1 AND currency = $2`,
		w.UserID, w.Currency, w.Available.String(), w.Locked.String(), w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: save wallet: %w: %w", model.ErrPersistence, err)
	}
	return nil
}

func (t *pgTx) LockUserTrades(ctx context.Context, userID string) ([]model.Trade, error) {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, userID); err != nil {
		return nil, fmt.Errorf("postgres: lock user trades: %w: %w", model.ErrPersistence, err)
	}
	rows, err := t.tx.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE user_id = $1 AND status IN ('OPEN', 'SETTLING')`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: open trades: %w: %w", model.ErrPersistence, err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, user_id, symbol, currency, direction,
		                     stake, strike_price, payout_rate, duration_seconds,
		                     created_at, expires_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11, $12)`,
		tr.ID, tr.UserID, tr.Symbol, tr.Currency, string(tr.Direction),
		tr.Stake.String(), tr.StrikePrice.String(), tr.PayoutRate.String(), tr.DurationSeconds,
		tr.CreatedAt, tr.ExpiresAt, string(tr.Status),
	)
	if err != nil {
		return fmt.Errorf("postgres: insert trade: %w: %w", model.ErrPersistence, err)
	}
	return nil
}

func (t *pgTx) FinalizeTrade(ctx context.Context, tr *model.Trade) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE trades
		 SET status = $2, outcome = $3, settlement_price = $4::NUMERIC, payout = $5::NUMERIC,
		     settled_at = $6, settled_by = $7, void_reason = $8
		 WHERE id = $1 AND status = 'SETTLING'`,
		tr.ID, string(tr.Status), string(tr.Outcome),
		tr.SettlementPrice.String(), tr.Payout.String(),
		tr.SettledAt, tr.SettledBy, tr.VoidReason,
	)
	if err != nil {
		return fmt.Errorf("postgres: finalize trade: %w: %w", model.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trade %s is no longer settling: %w", tr.ID, model.ErrClaimLost)
	}
	return nil
}

func (t *pgTx) InsertAuditEntry(ctx context.Context, e *model.AuditEntry) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO audit_log (id, trade_id, user_id, outcome, settlement_price, payout, reason, actor, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9)`,
		e.ID, e.TradeID, e.UserID, string(e.Outcome),
		e.SettlementPrice.String(), e.Payout.String(), e.Reason, e.Actor, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert audit entry: %w: %w", model.ErrPersistence, err)
	}
	return nil
}

func (t *pgTx) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, currency, trade_id, kind, amount, available, locked, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
		e.ID, e.UserID, e.Currency, e.TradeID, string(e.Kind),
		e.Amount.String(), e.Available.String(), e.Locked.String(), e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert ledger entry: %w: %w", model.ErrPersistence, err)
	}
	return nil
}

// scanTrade reads one trade row selected with tradeColumns.
func scanTrade(row pgx.Row) (*model.Trade, error) {
	var t model.Trade
	var direction, status, claimAction, outcome string
	var stakeS, strikeS, rateS, priceS, payoutS string

	if err := row.Scan(&t.ID, &t.UserID, &t.Symbol, &t.Currency, &direction,
		&stakeS, &strikeS, &rateS, &t.DurationSeconds,
		&t.CreatedAt, &t.ExpiresAt, &status, &t.ClaimedAt, &claimAction, &t.ClaimedBy, &t.ClaimReason,
		&outcome, &priceS, &payoutS, &t.SettledAt, &t.SettledBy, &t.VoidReason); err != nil {
		return nil, err
	}

	t.Direction = model.Direction(direction)
	t.Status = model.Status(status)
	t.ClaimAction = model.ClaimAction(claimAction)
	t.Outcome = model.Outcome(outcome)
	t.Stake, _ = decimal.NewFromString(stakeS)
	t.StrikePrice, _ = decimal.NewFromString(strikeS)
	t.PayoutRate, _ = decimal.NewFromString(rateS)
	t.SettlementPrice, _ = decimal.NewFromString(priceS)
	t.Payout, _ = decimal.NewFromString(payoutS)
	return &t, nil
}

func scanTrades(rows pgx.Rows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

func statusStrings(statuses []model.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = strings.ToUpper(string(s))
	}
	return out
}
