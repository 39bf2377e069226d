package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradekit/internal/domain"
)

// PriceCache implements domain.PriceCache on Redis hashes. Each ticker lives
// at "price:{ticker}" with fields "price" (decimal string) and "ts" (Unix
// nanoseconds).
type PriceCache struct {
	c *Client
}

var _ domain.PriceCache = (*PriceCache)(nil)

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{c: c}
}

// SetPrice stores the latest price and observation time for ticker.
func (pc *PriceCache) SetPrice(ctx context.Context, ticker string, price decimal.Decimal, ts time.Time) error {
	fields := map[string]any{
		"price": price.String(),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := pc.c.rdb.HSet(ctx, pc.c.key("price", ticker), fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", ticker, err)
	}
	return nil
}

// GetPrice returns domain.ErrNotFound when no price was ever stored.
func (pc *PriceCache) GetPrice(ctx context.Context, ticker string) (decimal.Decimal, time.Time, error) {
	vals, err := pc.c.rdb.HGetAll(ctx, pc.c.key("price", ticker)).Result()
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: get price %s: %w", ticker, err)
	}
	price, ts, err := parsePriceHash(vals)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: get price %s: %w", ticker, err)
	}
	return price, ts, nil
}

// GetPrices pipelines one HGETALL per ticker. Missing or malformed entries
// are left out of the result.
func (pc *PriceCache) GetPrices(ctx context.Context, tickers []string) (map[string]decimal.Decimal, error) {
	if len(tickers) == 0 {
		return map[string]decimal.Decimal{}, nil
	}

	pipe := pc.c.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(tickers))
	for _, t := range tickers {
		cmds[t] = pipe.HGetAll(ctx, pc.c.key("price", t))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}

	out := make(map[string]decimal.Decimal, len(tickers))
	for t, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		price, _, err := parsePriceHash(vals)
		if err != nil {
			continue
		}
		out[t] = price
	}
	return out, nil
}

func parsePriceHash(vals map[string]string) (decimal.Decimal, time.Time, error) {
	priceStr, ok := vals["price"]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("parse price %q: %w", priceStr, err)
	}
	tsStr, ok := vals["ts"]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	nanos, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("parse ts %q: %w", tsStr, err)
	}
	return price, time.Unix(0, nanos).UTC(), nil
}
