package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atmx/settlement-engine/internal/model"
)

// RetryPolicy bounds how long settlement keeps asking for a price.
// Delays double after each failed attempt; the whole sequence is cut off
// at Deadline regardless of attempts left.
type RetryPolicy struct {
	Attempts       int
	InitialBackoff time.Duration
	Deadline       time.Duration
}

// DefaultRetryPolicy is 3 attempts over at most 10 seconds.
var DefaultRetryPolicy = RetryPolicy{
	Attempts:       3,
	InitialBackoff: time.Second,
	Deadline:       10 * time.Second,
}

// FetchWithRetry asks o for a price until it succeeds, attempts run out or
// the deadline passes. onRetry, if set, is called before each wait.
func FetchWithRetry(ctx context.Context, o Oracle, symbol string, p RetryPolicy, onRetry func(attempt int, err error)) (Quote, error) {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Deadline)
		defer cancel()
	}

	backoff := p.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		q, err := o.GetPrice(ctx, symbol)
		if err == nil {
			return q, nil
		}
		lastErr = err
		if attempt == p.Attempts {
			break
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Quote{}, unavailable(symbol, lastErr)
		case <-timer.C:
		}
		backoff *= 2
	}
	return Quote{}, unavailable(symbol, lastErr)
}

func unavailable(symbol string, err error) error {
	if errors.Is(err, model.ErrPriceUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", model.ErrPriceUnavailable, symbol, err)
}
