// Package sizing turns account state and a configured aggressiveness level
// into an order quantity.
package sizing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradekit/internal/domain"
)

var (
	ErrInvalidRatios = errors.New("sizing: ratios must lie in [0,1] with max >= moderate >= conservative")
	ErrInvalidLevel  = errors.New("sizing: unknown aggressiveness level")
	ErrInvalidPolicy = errors.New("sizing: unknown insufficient resources policy")
)

// Level names one of the three aggressiveness ratios.
type Level string

const (
	LevelMax          Level = "max"
	LevelModerate     Level = "moderate"
	LevelConservative Level = "conservative"
)

// ResourcePolicy decides what happens when a computed quantity is not positive.
type ResourcePolicy string

const (
	PolicyAdjust ResourcePolicy = "adjust"
	PolicySkip   ResourcePolicy = "skip"
	PolicyHalt   ResourcePolicy = "halt"
)

func (p ResourcePolicy) Valid() bool {
	return p == PolicyAdjust || p == PolicySkip || p == PolicyHalt
}

// Levels maps each aggressiveness level to the fraction of available cash or
// shares committed to one order.
type Levels struct {
	Max          float64 `json:"max"`
	Moderate     float64 `json:"moderate"`
	Conservative float64 `json:"conservative"`
}

// DefaultLevels is {max: 1.0, moderate: 0.6, conservative: 0.4}.
func DefaultLevels() Levels {
	return Levels{Max: 1.0, Moderate: 0.6, Conservative: 0.4}
}

func (l Levels) Validate() error {
	for _, r := range []float64{l.Max, l.Moderate, l.Conservative} {
		if r < 0 || r > 1 {
			return fmt.Errorf("%w: ratio %v out of range", ErrInvalidRatios, r)
		}
	}
	if l.Max < l.Moderate || l.Moderate < l.Conservative {
		return fmt.Errorf("%w: got max=%v moderate=%v conservative=%v",
			ErrInvalidRatios, l.Max, l.Moderate, l.Conservative)
	}
	return nil
}

// Ratio returns the ratio configured for level.
func (l Levels) Ratio(level Level) (float64, error) {
	switch level {
	case LevelMax:
		return l.Max, nil
	case LevelModerate:
		return l.Moderate, nil
	case LevelConservative:
		return l.Conservative, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidLevel, level)
}

// Config is an immutable sizing configuration. The With* methods return
// validated copies.
type Config struct {
	Buy            Levels
	Sell           Levels
	BuyLevel       Level
	SellLevel      Level
	OnInsufficient ResourcePolicy
}

// DefaultConfig buys at moderate, sells at max and adjusts on zero quantity.
func DefaultConfig() Config {
	return Config{
		Buy:            DefaultLevels(),
		Sell:           DefaultLevels(),
		BuyLevel:       LevelModerate,
		SellLevel:      LevelMax,
		OnInsufficient: PolicyAdjust,
	}
}

func (c Config) Validate() error {
	if err := c.Buy.Validate(); err != nil {
		return fmt.Errorf("buy levels: %w", err)
	}
	if err := c.Sell.Validate(); err != nil {
		return fmt.Errorf("sell levels: %w", err)
	}
	if _, err := c.Buy.Ratio(c.BuyLevel); err != nil {
		return fmt.Errorf("buy level: %w", err)
	}
	if _, err := c.Sell.Ratio(c.SellLevel); err != nil {
		return fmt.Errorf("sell level: %w", err)
	}
	if !c.OnInsufficient.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPolicy, c.OnInsufficient)
	}
	return nil
}

func (c Config) WithBuyLevel(level Level) (Config, error) {
	c.BuyLevel = level
	return c, c.Validate()
}

func (c Config) WithSellLevel(level Level) (Config, error) {
	c.SellLevel = level
	return c, c.Validate()
}

func (c Config) WithBuyLevels(l Levels) (Config, error) {
	c.Buy = l
	return c, c.Validate()
}

func (c Config) WithSellLevels(l Levels) (Config, error) {
	c.Sell = l
	return c, c.Validate()
}

func (c Config) WithPolicy(p ResourcePolicy) (Config, error) {
	c.OnInsufficient = p
	return c, c.Validate()
}

// Policy computes order quantities from a validated Config. It holds no
// mutable state.
type Policy struct {
	cfg       Config
	buyRatio  decimal.Decimal
	sellRatio decimal.Decimal
}

// NewPolicy validates cfg and resolves the active ratios.
func NewPolicy(cfg Config) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	buy, _ := cfg.Buy.Ratio(cfg.BuyLevel)
	sell, _ := cfg.Sell.Ratio(cfg.SellLevel)
	return &Policy{
		cfg:       cfg,
		buyRatio:  decimal.NewFromFloat(buy),
		sellRatio: decimal.NewFromFloat(sell),
	}, nil
}

// Config returns the configuration the policy was built from.
func (p *Policy) Config() Config { return p.cfg }

// OnInsufficient is the active insufficient resources policy.
func (p *Policy) OnInsufficient() ResourcePolicy { return p.cfg.OnInsufficient }

// BuyQuantity is floor(cash * ratio * (1 - commission) / price), clamped to
// zero and passed through Enforce.
func (p *Policy) BuyQuantity(cash, commission, price decimal.Decimal) (int64, error) {
	if !price.IsPositive() {
		return 0, fmt.Errorf("sizing: buy quantity: %w", domain.ErrInvalidPrice)
	}
	budget := cash.Mul(p.buyRatio).Mul(decimal.NewFromInt(1).Sub(commission))
	q := budget.Div(price).Floor()
	if q.IsNegative() {
		q = decimal.Zero
	}
	return p.Enforce(q.IntPart(), domain.TradeBuy)
}

// SellQuantity is floor(available * ratio) passed through Enforce.
func (p *Policy) SellQuantity(available int64) (int64, error) {
	if available <= 0 {
		return 0, fmt.Errorf("sizing: sell quantity: %w", domain.ErrNoOpenPosition)
	}
	q := decimal.NewFromInt(available).Mul(p.sellRatio).Floor()
	return p.Enforce(q.IntPart(), domain.TradeSell)
}

// Enforce returns q unchanged when positive. Otherwise adjust and skip yield
// zero and halt fails with *domain.InsufficientResourcesError.
func (p *Policy) Enforce(q int64, kind domain.TradeKind) (int64, error) {
	if q > 0 {
		return q, nil
	}
	if p.cfg.OnInsufficient == PolicyHalt {
		return 0, &domain.InsufficientResourcesError{Kind: kind}
	}
	return 0, nil
}
