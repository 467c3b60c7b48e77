package oracle

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/atmx/settlement-engine/internal/model"
)

// Redis reads prices published by the quote service. Each symbol is a hash
// at key "price:{symbol}" with fields "price" (decimal string) and "ts"
// (Unix nanoseconds). Quotes older than maxAge are treated as unavailable.
//
// Concurrent lookups of the same symbol share one round trip. The shared
// round trip runs detached from any single caller's context, bounded by
// fetchTimeout, so one cancelled caller does not fail the others.
type Redis struct {
	rdb    *redis.Client
	maxAge time.Duration
	group  singleflight.Group
	now    func() time.Time
	load   func(ctx context.Context, symbol string) (Quote, error)
}

const fetchTimeout = 2 * time.Second

// NewRedis creates a Redis-backed oracle. A zero maxAge disables the
// staleness check.
func NewRedis(rdb *redis.Client, maxAge time.Duration) *Redis {
	r := &Redis{rdb: rdb, maxAge: maxAge, now: time.Now}
	r.load = r.fetch
	return r
}

func priceKey(symbol string) string {
	return "price:" + strings.ToUpper(symbol)
}

// SetPrice publishes a price. The engine never calls this itself; it is
// used by feeders and tests.
func (r *Redis) SetPrice(ctx context.Context, symbol string, price decimal.Decimal, ts time.Time) error {
	fields := map[string]interface{}{
		"price": price.String(),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := r.rdb.HSet(ctx, priceKey(symbol), fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", symbol, err)
	}
	return nil
}

func (r *Redis) GetPrice(ctx context.Context, symbol string) (Quote, error) {
	symbol = strings.ToUpper(symbol)
	ch := r.group.DoChan(symbol, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		return r.load(fetchCtx, symbol)
	})
	select {
	case <-ctx.Done():
		return Quote{}, fmt.Errorf("%w: %s: %w", model.ErrPriceUnavailable, symbol, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Quote{}, res.Err
		}
		return res.Val.(Quote), nil
	}
}

func (r *Redis) fetch(ctx context.Context, symbol string) (Quote, error) {
	vals, err := r.rdb.HGetAll(ctx, priceKey(symbol)).Result()
	if err != nil {
		return Quote{}, fmt.Errorf("%w: redis: get price %s: %v", model.ErrPriceUnavailable, symbol, err)
	}
	if len(vals) == 0 {
		return Quote{}, fmt.Errorf("%w: no price for %s", model.ErrPriceUnavailable, symbol)
	}

	price, err := decimal.NewFromString(vals["price"])
	if err != nil || !price.IsPositive() {
		return Quote{}, fmt.Errorf("%w: bad price %q for %s", model.ErrPriceUnavailable, vals["price"], symbol)
	}

	nanos, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: bad timestamp %q for %s", model.ErrPriceUnavailable, vals["ts"], symbol)
	}
	ts := time.Unix(0, nanos).UTC()

	if r.maxAge > 0 && r.now().Sub(ts) > r.maxAge {
		return Quote{}, fmt.Errorf("%w: %s quote is %s old", model.ErrPriceUnavailable, symbol, r.now().Sub(ts).Round(time.Millisecond))
	}

	return Quote{Symbol: symbol, Price: price, Timestamp: ts}, nil
}

var _ Oracle = (*Redis)(nil)
