// Package risk implements open-stake limits that account for correlation
// between symbols sharing a base asset.
//
// A user staking on BTC-USD and BTC-EUR at the same time carries correlated
// risk: both resolve on the same underlying move. The limiter groups symbols
// by base asset and enforces an aggregate cap on top of the per-symbol cap.
package risk

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// StakeLimiter enforces open-stake limits with base-asset correlation.
// A zero limit disables that check.
type StakeLimiter struct {
	// MaxPerSymbol is the maximum total open stake on a single symbol.
	MaxPerSymbol decimal.Decimal

	// MaxCorrelated is the maximum total open stake across all symbols
	// that share the same base asset.
	MaxCorrelated decimal.Decimal
}

// NewStakeLimiter creates a limiter with the given per-symbol and
// correlated caps.
func NewStakeLimiter(maxPerSymbol, maxCorrelated decimal.Decimal) *StakeLimiter {
	return &StakeLimiter{
		MaxPerSymbol:  maxPerSymbol,
		MaxCorrelated: maxCorrelated,
	}
}

// CheckLimit validates whether adding stake on symbol keeps the user within
// limits. openStakes maps symbol → the user's current total open stake.
func (l *StakeLimiter) CheckLimit(symbol string, stake decimal.Decimal, openStakes map[string]decimal.Decimal) error {
	if l == nil {
		return nil
	}

	newOnSymbol := openStakes[symbol].Add(stake)
	if l.MaxPerSymbol.IsPositive() && newOnSymbol.GreaterThan(l.MaxPerSymbol) {
		return fmt.Errorf("%w: open stake on %s would be %s (max %s)",
			model.ErrRiskLimit, symbol, newOnSymbol, l.MaxPerSymbol)
	}

	if !l.MaxCorrelated.IsPositive() {
		return nil
	}

	base := baseAsset(symbol)
	total := newOnSymbol
	for sym, open := range openStakes {
		if sym == symbol {
			continue // already counted via newOnSymbol above
		}
		if baseAsset(sym) == base {
			total = total.Add(open)
		}
	}

	if total.GreaterThan(l.MaxCorrelated) {
		return fmt.Errorf("%w: open stake on %s-* would be %s (max %s)",
			model.ErrRiskLimit, base, total, l.MaxCorrelated)
	}
	return nil
}

// OpenStakes sums the stake of the given trades per symbol, counting only
// trades that still hold locked funds.
func OpenStakes(trades []model.Trade) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, t := range trades {
		if t.Status.Terminal() {
			continue
		}
		out[t.Symbol] = out[t.Symbol].Add(t.Stake)
	}
	return out
}

// baseAsset returns the part of the symbol before the dash.
func baseAsset(symbol string) string {
	if i := strings.IndexByte(symbol, '-'); i >= 0 {
		return symbol[:i]
	}
	return symbol
}
