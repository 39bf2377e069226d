package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradekit/internal/domain"
	"github.com/alanyoungcy/tradekit/internal/service"
)

// ThresholdName is the registry key of the threshold strategy.
const ThresholdName = "threshold"

// Threshold opens a LONG position when the latest price is at or below
// buy_below and closes it at or above sell_above, or earlier when the
// position's stop-loss or take-profit triggers.
type Threshold struct {
	buyBelow   decimal.Decimal
	sellAbove  decimal.Decimal
	static     *decimal.Decimal
	stopLoss   *decimal.Decimal
	takeProfit *decimal.Decimal

	prices domain.PriceCache
	now    func() time.Time
	logger *slog.Logger
}

// NewThreshold builds a Threshold strategy. Params:
//
//   - "buy_below", "sell_above" (required): price levels, buy_below < sell_above.
//   - "price" (optional): static price used instead of the price cache.
//   - "stop_loss_pct", "take_profit_pct" (optional): fractions of the entry
//     price attached to a new position.
func NewThreshold(cfg Config, deps Deps) (service.Strategy, error) {
	buyBelow, err := requireDecimal(cfg.Params, "buy_below")
	if err != nil {
		return nil, err
	}
	sellAbove, err := requireDecimal(cfg.Params, "sell_above")
	if err != nil {
		return nil, err
	}
	if !buyBelow.LessThan(sellAbove) {
		return nil, fmt.Errorf("buy_below %s must be below sell_above %s", buyBelow, sellAbove)
	}
	static, err := paramDecimal(cfg.Params, "price")
	if err != nil {
		return nil, err
	}
	if static == nil && deps.Prices == nil {
		return nil, errors.New("no price cache and no static price param")
	}
	stopLoss, err := paramDecimal(cfg.Params, "stop_loss_pct")
	if err != nil {
		return nil, err
	}
	takeProfit, err := paramDecimal(cfg.Params, "take_profit_pct")
	if err != nil {
		return nil, err
	}

	return &Threshold{
		buyBelow:   buyBelow,
		sellAbove:  sellAbove,
		static:     static,
		stopLoss:   stopLoss,
		takeProfit: takeProfit,
		prices:     deps.Prices,
		now:        deps.Now,
		logger:     deps.Logger.With(slog.String("strategy", ThresholdName)),
	}, nil
}

// Run makes one trading decision for b.
func (s *Threshold) Run(ctx context.Context, b *service.Bot) error {
	price, observedAt, err := s.latestPrice(ctx, b.Ticker())
	if err != nil {
		return err
	}

	pos := b.Position()
	if pos != nil && pos.Status.Held() {
		reason, exit := b.CheckExit(price)
		if !exit && price.GreaterThanOrEqual(s.sellAbove) {
			reason, exit = domain.ExitSignal, true
		}
		if !exit {
			s.logger.DebugContext(ctx, "threshold: hold", slog.String("price", price.String()))
			return nil
		}
		res, err := b.Sell(ctx, pos.PositionType, price, service.OrderOpts{ObservedAt: observedAt, ExitReason: &reason})
		if err != nil {
			return err
		}
		s.logger.InfoContext(ctx, "threshold: exit",
			slog.String("reason", string(reason)),
			slog.String("price", price.String()),
			slog.Int64("quantity", res.Quantity),
		)
		return nil
	}

	if pos != nil && pos.Opened() {
		return nil
	}
	if price.GreaterThan(s.buyBelow) {
		s.logger.DebugContext(ctx, "threshold: no entry", slog.String("price", price.String()))
		return nil
	}

	opts := service.OrderOpts{ObservedAt: observedAt}
	one := decimal.NewFromInt(1)
	if s.stopLoss != nil {
		sl := price.Mul(one.Sub(*s.stopLoss))
		if sl.IsPositive() {
			opts.StopLoss = &sl
		}
	}
	if s.takeProfit != nil {
		tp := price.Mul(one.Add(*s.takeProfit))
		opts.TakeProfit = &tp
	}
	res, err := b.Buy(ctx, domain.PositionLong, price, opts)
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "threshold: entry",
		slog.String("price", price.String()),
		slog.Int64("quantity", res.Quantity),
		slog.Bool("skipped", res.Skipped),
	)
	return nil
}

func (s *Threshold) latestPrice(ctx context.Context, ticker string) (decimal.Decimal, time.Time, error) {
	if s.static != nil {
		return *s.static, s.now(), nil
	}
	price, ts, err := s.prices.GetPrice(ctx, ticker)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("threshold: price for %s: %w", ticker, err)
	}
	return price, ts, nil
}
