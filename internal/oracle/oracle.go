// Package oracle supplies current market prices to the engine. The price
// feed itself is external; this package only reads what it publishes.
package oracle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// Quote is a price observation for one symbol.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// Oracle returns the current price of a symbol. Any failure to produce a
// usable price is reported as model.ErrPriceUnavailable.
type Oracle interface {
	GetPrice(ctx context.Context, symbol string) (Quote, error)
}

// Static is an in-process Oracle with prices set by hand. It backs tests
// and local development without a price feed.
type Static struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	down   map[string]bool
	calls  map[string]int
	now    func() time.Time
}

// NewStatic creates a Static oracle seeded with prices.
func NewStatic(prices map[string]decimal.Decimal) *Static {
	s := &Static{
		prices: make(map[string]decimal.Decimal, len(prices)),
		down:   make(map[string]bool),
		calls:  make(map[string]int),
		now:    time.Now,
	}
	for sym, p := range prices {
		s.prices[strings.ToUpper(sym)] = p
	}
	return s
}

// Set updates the price of a symbol and marks it available.
func (s *Static) Set(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	symbol = strings.ToUpper(symbol)
	s.prices[symbol] = price
	delete(s.down, symbol)
}

// SetUnavailable makes every lookup of symbol fail until Set is called.
func (s *Static) SetUnavailable(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down[strings.ToUpper(symbol)] = true
}

// Calls returns how many lookups were made for symbol.
func (s *Static) Calls(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[strings.ToUpper(symbol)]
}

func (s *Static) GetPrice(ctx context.Context, symbol string) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, fmt.Errorf("%w: %v", model.ErrPriceUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	symbol = strings.ToUpper(symbol)
	s.calls[symbol]++
	if s.down[symbol] {
		return Quote{}, fmt.Errorf("%w: %s feed down", model.ErrPriceUnavailable, symbol)
	}
	p, ok := s.prices[symbol]
	if !ok {
		return Quote{}, fmt.Errorf("%w: no price for %s", model.ErrPriceUnavailable, symbol)
	}
	return Quote{Symbol: symbol, Price: p, Timestamp: s.now().UTC()}, nil
}

var _ Oracle = (*Static)(nil)
