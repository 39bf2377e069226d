package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PriceCache provides fast access to the latest prices.
type PriceCache interface {
	SetPrice(ctx context.Context, ticker string, price decimal.Decimal, ts time.Time) error
	GetPrice(ctx context.Context, ticker string) (decimal.Decimal, time.Time, error)
	GetPrices(ctx context.Context, tickers []string) (map[string]decimal.Decimal, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// RateLimiter admits at most limit requests per key within window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// PositionEvent is published on the positions channel after every fill.
type PositionEvent struct {
	Event    string          `json:"event"`
	Bot      string          `json:"bot"`
	Ticker   string          `json:"ticker"`
	Action   Action          `json:"action"`
	Quantity int64           `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Status   PositionStatus  `json:"status"`
	At       time.Time       `json:"at"`
}
