// Package asset handles tradable symbol parsing and the immutable asset
// catalog snapshot consumed by order intake.
package asset

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// symbolRegex matches: {BASE}-{QUOTE}
// Example: BTC-USD
var symbolRegex = regexp.MustCompile(`^([A-Z0-9]{2,10})-([A-Z]{3,5})$`)

var (
	ErrInvalidSymbol     = errors.New("asset: invalid symbol format")
	ErrInvalidPayoutRate = errors.New("asset: payout rate must be in (0, 1]")
)

// Symbol is a parsed trading pair.
type Symbol struct {
	Raw   string `json:"raw"`
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// ParseSymbol parses and validates a symbol string. Input is upper-cased
// and trimmed first, so "btc-usd" is accepted.
func ParseSymbol(s string) (Symbol, error) {
	raw := strings.ToUpper(strings.TrimSpace(s))
	matches := symbolRegex.FindStringSubmatch(raw)
	if matches == nil {
		return Symbol{}, fmt.Errorf("%w: %q (expected BASE-QUOTE)", ErrInvalidSymbol, s)
	}
	return Symbol{Raw: raw, Base: matches[1], Quote: matches[2]}, nil
}

// Asset is the configuration for one tradable symbol.
type Asset struct {
	Symbol     string          `json:"symbol" toml:"symbol"`
	Currency   string          `json:"currency" toml:"currency"` // wallet currency stakes are drawn from
	PayoutRate decimal.Decimal `json:"payout_rate" toml:"payout_rate"`
	Tradable   bool            `json:"tradable" toml:"tradable"`
}

// Catalog is an immutable snapshot of the asset configuration.
type Catalog struct {
	assets map[string]Asset
}

// NewCatalog validates assets and builds a snapshot. The currency defaults
// to the symbol's quote currency.
func NewCatalog(assets []Asset) (*Catalog, error) {
	c := &Catalog{assets: make(map[string]Asset, len(assets))}
	for _, a := range assets {
		sym, err := ParseSymbol(a.Symbol)
		if err != nil {
			return nil, err
		}
		if a.PayoutRate.LessThanOrEqual(decimal.Zero) || a.PayoutRate.GreaterThan(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("%w: %s has %s", ErrInvalidPayoutRate, sym.Raw, a.PayoutRate)
		}
		if _, dup := c.assets[sym.Raw]; dup {
			return nil, fmt.Errorf("asset: duplicate symbol %s", sym.Raw)
		}
		a.Symbol = sym.Raw
		a.Currency = strings.ToUpper(strings.TrimSpace(a.Currency))
		if a.Currency == "" {
			a.Currency = sym.Quote
		}
		c.assets[sym.Raw] = a
	}
	return c, nil
}

// Lookup returns the asset for a tradable symbol. Unknown and disabled
// symbols both yield model.ErrAssetDisabled.
func (c *Catalog) Lookup(symbol string) (Asset, error) {
	sym, err := ParseSymbol(symbol)
	if err != nil {
		return Asset{}, fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}
	a, ok := c.assets[sym.Raw]
	if !ok || !a.Tradable {
		return Asset{}, fmt.Errorf("%w: %s", model.ErrAssetDisabled, sym.Raw)
	}
	return a, nil
}

// Symbols returns every configured symbol, tradable or not, sorted.
func (c *Catalog) Symbols() []string {
	out := make([]string, 0, len(c.assets))
	for s := range c.assets {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
