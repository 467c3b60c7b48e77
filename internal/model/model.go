// Package model defines the core domain types shared across the settlement engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side a trade bets on relative to the strike price.
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
)

// Valid reports whether d is one of the known directions.
func (d Direction) Valid() bool {
	return d == DirectionUp || d == DirectionDown
}

// Status is the lifecycle state of a trade. The only legal transitions are
// OPEN → SETTLING → SETTLED|VOID.
type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusSettling Status = "SETTLING"
	StatusSettled  Status = "SETTLED"
	StatusVoid     Status = "VOID"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusVoid
}

// Outcome is the result recorded on a settled trade and on every audit entry.
type Outcome string

const (
	OutcomeWin  Outcome = "WIN"
	OutcomeLoss Outcome = "LOSS"
	OutcomeVoid Outcome = "VOID"
)

// ActorSystem identifies settlements triggered by the expiry scheduler.
const ActorSystem = "system"

// Void reasons written by the engine itself. Admin voids carry free text.
const (
	ReasonPriceUnavailable = "price_unavailable"
	ReasonTie              = "tie"
)

// ClaimAction records why a trade was moved to SETTLING. Recovery resumes
// a stale claim with the same action and actor.
type ClaimAction string

const (
	ClaimExpire ClaimAction = "expire"
	ClaimForce  ClaimAction = "force"
	ClaimVoid   ClaimAction = "void"
)

// Claim is the intent stored with the OPEN → SETTLING transition.
type Claim struct {
	Action ClaimAction
	By     string
	Reason string // void reason; empty for expire and force
	At     time.Time
}

// Trade is a single binary option. Terms are fixed at admission; the
// terminal fields are written exactly once by the settlement processor.
type Trade struct {
	ID              string          `json:"id" db:"id"`
	UserID          string          `json:"user_id" db:"user_id"`
	Symbol          string          `json:"symbol" db:"symbol"`
	Currency        string          `json:"currency" db:"currency"`
	Direction       Direction       `json:"direction" db:"direction"`
	Stake           decimal.Decimal `json:"stake" db:"stake"`
	StrikePrice     decimal.Decimal `json:"strike_price" db:"strike_price"`
	PayoutRate      decimal.Decimal `json:"payout_rate" db:"payout_rate"`
	DurationSeconds int64           `json:"duration_seconds" db:"duration_seconds"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	ExpiresAt       time.Time       `json:"expires_at" db:"expires_at"`

	Status      Status      `json:"status" db:"status"`
	ClaimedAt   *time.Time  `json:"claimed_at,omitempty" db:"claimed_at"`
	ClaimAction ClaimAction `json:"claim_action,omitempty" db:"claim_action"`
	ClaimedBy   string      `json:"claimed_by,omitempty" db:"claimed_by"`
	ClaimReason string      `json:"claim_reason,omitempty" db:"claim_reason"`

	Outcome         Outcome         `json:"outcome,omitempty" db:"outcome"`
	SettlementPrice decimal.Decimal `json:"settlement_price" db:"settlement_price"`
	Payout          decimal.Decimal `json:"payout" db:"payout"`
	SettledAt       *time.Time      `json:"settled_at,omitempty" db:"settled_at"`
	SettledBy       string          `json:"settled_by,omitempty" db:"settled_by"`
	VoidReason      string          `json:"void_reason,omitempty" db:"void_reason"`
}

// Wallet holds one user's balance in one currency.
// Available never drops below zero; Locked covers the stakes of open trades.
type Wallet struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Currency  string          `json:"currency" db:"currency"`
	Available decimal.Decimal `json:"available" db:"available"`
	Locked    decimal.Decimal `json:"locked" db:"locked"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Total is available + locked.
func (w Wallet) Total() decimal.Decimal {
	return w.Available.Add(w.Locked)
}

// AuditEntry is an immutable record of a settlement or void.
// Once created, these are never modified or deleted.
type AuditEntry struct {
	ID              string          `json:"id" db:"id"`
	TradeID         string          `json:"trade_id" db:"trade_id"`
	UserID          string          `json:"user_id" db:"user_id"`
	Outcome         Outcome         `json:"outcome" db:"outcome"`
	SettlementPrice decimal.Decimal `json:"settlement_price" db:"settlement_price"`
	Payout          decimal.Decimal `json:"payout" db:"payout"`
	Reason          string          `json:"reason,omitempty" db:"reason"`
	Actor           string          `json:"actor" db:"actor"`
	Timestamp       time.Time       `json:"timestamp" db:"timestamp"`
}

// LedgerKind names a balance movement.
type LedgerKind string

const (
	LedgerReserve LedgerKind = "reserve" // available → locked
	LedgerRelease LedgerKind = "release" // locked → available
	LedgerSettle  LedgerKind = "settle"  // locked → consumed by settlement
	LedgerCredit  LedgerKind = "credit"  // + available
)

// LedgerEntry is an immutable journal line written in the same transaction
// as the balance change it describes. Available/Locked are post-change.
type LedgerEntry struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Currency  string          `json:"currency" db:"currency"`
	TradeID   string          `json:"trade_id" db:"trade_id"`
	Kind      LedgerKind      `json:"kind" db:"kind"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Available decimal.Decimal `json:"available" db:"available"`
	Locked    decimal.Decimal `json:"locked" db:"locked"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// AuditFilter narrows the settlement log feed. Zero values match everything.
type AuditFilter struct {
	Outcome Outcome
	TradeID string
	UserID  string
	Limit   int
}

// SettlementResult is returned by settlement and admin operations.
// Applied is false when another actor had already claimed the trade.
type SettlementResult struct {
	Trade   Trade           `json:"trade"`
	Outcome Outcome         `json:"outcome,omitempty"`
	Payout  decimal.Decimal `json:"payout"`
	Applied bool            `json:"applied"`
}
