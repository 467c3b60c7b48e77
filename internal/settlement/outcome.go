package settlement

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// TiePolicy decides what happens when the settlement price equals the
// strike price.
type TiePolicy string

const (
	// TieLoss resolves a tie as a loss for both directions.
	TieLoss TiePolicy = "loss"
	// TieRefund voids the trade and returns the stake.
	TieRefund TiePolicy = "refund"
)

// ParseTiePolicy accepts "loss" or "refund"; empty means TieLoss.
func ParseTiePolicy(s string) (TiePolicy, error) {
	switch TiePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", TieLoss:
		return TieLoss, nil
	case TieRefund:
		return TieRefund, nil
	}
	return "", fmt.Errorf("unknown tie policy %q", s)
}

// Decide compares the settlement price with the strike. UP wins strictly
// above the strike, DOWN strictly below. tie is true when they are equal,
// in which case outcome is LOSS.
func Decide(t model.Trade, price decimal.Decimal) (outcome model.Outcome, tie bool) {
	cmp := price.Cmp(t.StrikePrice)
	switch {
	case cmp == 0:
		return model.OutcomeLoss, true
	case t.Direction == model.DirectionUp && cmp > 0:
		return model.OutcomeWin, false
	case t.Direction == model.DirectionDown && cmp < 0:
		return model.OutcomeWin, false
	}
	return model.OutcomeLoss, false
}

// Payout is stake × (1 + payoutRate) on a win and zero otherwise.
func Payout(t model.Trade, outcome model.Outcome) decimal.Decimal {
	if outcome != model.OutcomeWin {
		return decimal.Zero
	}
	return t.Stake.Mul(decimal.NewFromInt(1).Add(t.PayoutRate))
}
