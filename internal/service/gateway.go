package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradekit/internal/domain"
	"github.com/alanyoungcy/tradekit/internal/metrics"
	"github.com/alanyoungcy/tradekit/internal/sizing"
)

// Strategy is the trading logic a Bot runs. It calls back into the bot to
// place orders.
type Strategy interface {
	Run(ctx context.Context, b *Bot) error
}

// StrategyFunc adapts a plain function to Strategy.
type StrategyFunc func(ctx context.Context, b *Bot) error

func (f StrategyFunc) Run(ctx context.Context, b *Bot) error { return f(ctx, b) }

// OrderOpts carries the optional inputs of a buy or sell.
type OrderOpts struct {
	// ObservedAt is the market timestamp the decision was made on.
	ObservedAt time.Time
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
	ExitReason *domain.ExitReason
}

// BotConfig identifies a bot and the pair it trades.
type BotConfig struct {
	Name      string
	Ticker    string
	OrderType domain.OrderType
}

// BotOption configures optional collaborators of a Bot.
type BotOption func(*Bot)

func WithBotLogger(logger *slog.Logger) BotOption {
	return func(b *Bot) {
		b.logger = logger.With(
			slog.String("component", "bot"),
			slog.String("bot", b.name),
			slog.String("ticker", b.ticker),
		)
	}
}

func WithBotMetrics(m *metrics.Metrics) BotOption {
	return func(b *Bot) { b.metrics = m }
}

// Bot is the order gateway for one (bot, ticker) pair. It sizes orders,
// maintains the tracked position record and routes orders to the ledger.
type Bot struct {
	name      string
	ticker    string
	orderType domain.OrderType

	policy    *sizing.Policy
	ledger    *Ledger
	positions domain.PositionStore
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu       sync.Mutex
	position *domain.PositionRecord
}

// NewBot creates a Bot trading cfg.Ticker against ledger.
func NewBot(cfg BotConfig, policy *sizing.Policy, ledger *Ledger, positions domain.PositionStore, opts ...BotOption) (*Bot, error) {
	if err := domain.ValidateKey(cfg.Name, cfg.Ticker); err != nil {
		return nil, fmt.Errorf("bot: %w", err)
	}
	orderType := cfg.OrderType
	if orderType == "" {
		orderType = domain.OrderTypeMarket
	}
	if !orderType.Valid() {
		return nil, fmt.Errorf("bot: %w", &domain.ValidationError{Field: "order_type", Reason: fmt.Sprintf("unknown value %q", orderType)})
	}
	b := &Bot{
		name:      cfg.Name,
		ticker:    cfg.Ticker,
		orderType: orderType,
		policy:    policy,
		ledger:    ledger,
		positions: positions,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *Bot) Name() string            { return b.name }
func (b *Bot) Ticker() string          { return b.ticker }
func (b *Bot) Policy() *sizing.Policy  { return b.policy }
func (b *Bot) Account() domain.Account { return b.ledger.Account() }

// Position returns a copy of the tracked record, or nil.
func (b *Bot) Position() *domain.PositionRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.position == nil {
		return nil
	}
	return b.position.Clone()
}

// Remaining is the quantity still held by the tracked position.
func (b *Bot) Remaining() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remaining()
}

func (b *Bot) remaining() int64 {
	live := b.live()
	if live == nil {
		return 0
	}
	return live.Remaining()
}

// Run loads the latest position and runs s once.
func (b *Bot) Run(ctx context.Context, s Strategy) error {
	if err := b.LoadPosition(ctx); err != nil {
		return err
	}
	b.logger.InfoContext(ctx, "bot: run started")
	if err := s.Run(ctx, b); err != nil {
		return fmt.Errorf("bot: run %s: %w", b.name, err)
	}
	b.logger.InfoContext(ctx, "bot: run finished")
	return nil
}

// LoadPosition tracks the most recent stored record of this pair when it is
// still live.
func (b *Bot) LoadPosition(ctx context.Context) error {
	rec, err := b.positions.GetLast(ctx, b.name, b.ticker)
	if errors.Is(err, domain.ErrNotFound) {
		rec, err = nil, nil
	}
	if err != nil {
		return fmt.Errorf("bot: load position: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.position = nil
	if rec == nil || rec.Status.Terminal() {
		return nil
	}
	b.position = rec
	b.logger.InfoContext(ctx, "bot: position loaded",
		slog.Int64("position_id", *rec.ID),
		slog.String("status", string(rec.Status)),
		slog.Int64("remaining", rec.Remaining()),
	)
	return nil
}

// LastObservedExitDate is the latest observed exit across closed positions.
func (b *Bot) LastObservedExitDate(ctx context.Context) (time.Time, error) {
	t, err := b.positions.GetLastObservedExitDate(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("bot: last observed exit date: %w", err)
	}
	return t, nil
}

func (b *Bot) Buy(ctx context.Context, pt domain.PositionType, price decimal.Decimal, opts OrderOpts) (domain.OrderResult, error) {
	return b.PlaceOrder(ctx, domain.ActionBuy, pt, price, opts)
}

func (b *Bot) Sell(ctx context.Context, pt domain.PositionType, price decimal.Decimal, opts OrderOpts) (domain.OrderResult, error) {
	return b.PlaceOrder(ctx, domain.ActionSell, pt, price, opts)
}

// PlaceOrder sizes one order, opens or updates the tracked record and has
// the ledger execute it. A zero quantity under the skip policy returns a
// Skipped result; under adjust it returns a zero quantity. Ledger failures
// are returned as *domain.OrderPlacementError.
func (b *Bot) PlaceOrder(ctx context.Context, action domain.Action, pt domain.PositionType, price decimal.Decimal, opts OrderOpts) (domain.OrderResult, error) {
	if !price.IsPositive() {
		return domain.OrderResult{}, fmt.Errorf("bot: place order: %w", domain.ErrInvalidPrice)
	}
	if !action.Valid() {
		return domain.OrderResult{}, fmt.Errorf("bot: place order: %w", &domain.ValidationError{Field: "action", Reason: fmt.Sprintf("unknown value %q", action)})
	}
	if !pt.Valid() {
		return domain.OrderResult{}, fmt.Errorf("bot: place order: %w", &domain.ValidationError{Field: "position_type", Reason: fmt.Sprintf("unknown value %q", pt)})
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	tr := domain.TransitionFor(action, pt)
	live := b.live()
	if err := checkLive(live, pt, tr); err != nil {
		b.metrics.ObserveOrder(b.name, action, metrics.OutcomeFailed)
		return domain.OrderResult{}, fmt.Errorf("bot: place %s %s order: %w", action, pt, err)
	}

	qty, err := b.size(action, price, live)
	if err != nil {
		b.metrics.ObserveOrder(b.name, action, metrics.OutcomeFailed)
		return domain.OrderResult{}, fmt.Errorf("bot: place %s %s order: %w", action, pt, err)
	}
	if held := b.remaining(); !tr.Opens() && qty > held {
		qty = held
	}
	if qty == 0 {
		if b.policy.OnInsufficient() == sizing.PolicySkip {
			b.metrics.ObserveOrder(b.name, action, metrics.OutcomeSkipped)
			b.logger.InfoContext(ctx, "bot: order skipped", slog.String("action", string(action)))
			return domain.OrderResult{Skipped: true, Position: cloneOrNil(live)}, nil
		}
		b.metrics.ObserveOrder(b.name, action, metrics.OutcomeZero)
		return domain.OrderResult{Position: cloneOrNil(live)}, nil
	}

	rec := live
	if rec == nil {
		rec, err = domain.NewPositionRecord(domain.PositionParams{
			BotName:           b.name,
			Ticker:            b.ticker,
			PositionType:      pt,
			Action:            action,
			OrderType:         b.orderType,
			Quantity:          qty,
			EntrySubmitPrice:  &price,
			StopLoss:          opts.StopLoss,
			TakeProfit:        opts.TakeProfit,
			ObservedEntryDate: observed(opts.ObservedAt),
		})
		if err != nil {
			return domain.OrderResult{}, fmt.Errorf("bot: place %s %s order: %w", action, pt, err)
		}
		b.position = rec
	} else {
		rec.Action = action
		rec.OrderQuantity = qty
		if tr.Opens() {
			rec.Quantity = qty
			rec.ObservedEntryDate = observed(opts.ObservedAt)
		} else {
			rec.ObservedExitDate = observed(opts.ObservedAt)
			rec.ExitReason = opts.ExitReason
		}
		if opts.StopLoss != nil {
			rec.StopLoss = opts.StopLoss
		}
		if opts.TakeProfit != nil {
			rec.TakeProfit = opts.TakeProfit
		}
	}

	filled, err := b.ledger.Execute(ctx, rec, price)
	if err != nil {
		b.metrics.ObserveOrder(b.name, action, metrics.OutcomeFailed)
		b.logger.WarnContext(ctx, "bot: order failed",
			slog.String("action", string(action)),
			slog.String("position_type", string(pt)),
			slog.Int64("quantity", qty),
			slog.String("error", err.Error()),
		)
		return domain.OrderResult{Position: rec.Clone()}, &domain.OrderPlacementError{Action: action, Err: err}
	}

	b.metrics.ObserveOrder(b.name, action, metrics.OutcomeFilled)
	b.logger.InfoContext(ctx, "bot: order filled",
		slog.String("action", string(action)),
		slog.String("position_type", string(pt)),
		slog.Int64("quantity", filled),
		slog.String("price", price.String()),
		slog.String("status", string(rec.Status)),
		slog.Int64("remaining", rec.Remaining()),
	)
	return domain.OrderResult{Quantity: filled, Position: rec.Clone()}, nil
}

// Cancel cancels the tracked record while its entry is still pending.
func (b *Bot) Cancel(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	live := b.live()
	if live == nil {
		return fmt.Errorf("bot: cancel: %w", domain.ErrNoOpenPosition)
	}
	if live.Status != domain.StatusPending || live.Opened() {
		return fmt.Errorf("bot: cancel: %w: status is %s", domain.ErrInvalidTransition, live.Status)
	}
	if err := b.ledger.Cancel(ctx, live); err != nil {
		return fmt.Errorf("bot: cancel: %w", err)
	}
	return nil
}

// CheckExit reports whether price breaches the stop-loss or take-profit of
// the open or partially exited tracked position.
func (b *Bot) CheckExit(price decimal.Decimal) (domain.ExitReason, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	live := b.live()
	if live == nil || !live.Status.Held() {
		return "", false
	}
	long := live.PositionType == domain.PositionLong
	if sl := live.StopLoss; sl != nil {
		if (long && price.LessThanOrEqual(*sl)) || (!long && price.GreaterThanOrEqual(*sl)) {
			return domain.ExitStopLoss, true
		}
	}
	if tp := live.TakeProfit; tp != nil {
		if (long && price.GreaterThanOrEqual(*tp)) || (!long && price.LessThanOrEqual(*tp)) {
			return domain.ExitTakeProfit, true
		}
	}
	return "", false
}

// live returns the tracked record unless it is terminal.
func (b *Bot) live() *domain.PositionRecord {
	if b.position == nil || b.position.Status.Terminal() {
		return nil
	}
	return b.position
}

func (b *Bot) size(action domain.Action, price decimal.Decimal, live *domain.PositionRecord) (int64, error) {
	if action == domain.ActionBuy {
		acct := b.ledger.Account()
		return b.policy.BuyQuantity(acct.Cash, acct.Commission, price)
	}
	available := b.ledger.Holdings()
	if live != nil && live.Opened() {
		available = live.Remaining()
	}
	return b.policy.SellQuantity(available)
}

// checkLive rejects orders that do not fit the tracked position: one
// position per pair, closing legs need a filled entry and opening legs need
// no open position. Holdings funded outside a tracked position are never
// sold by a closing leg.
func checkLive(live *domain.PositionRecord, pt domain.PositionType, tr domain.Transition) error {
	if live == nil {
		if !tr.Opens() {
			return domain.ErrNoOpenPosition
		}
		return nil
	}
	if live.PositionType != pt {
		return fmt.Errorf("%w: tracked position is %s", domain.ErrInvalidTransition, live.PositionType)
	}
	if tr.Opens() && live.Opened() {
		return fmt.Errorf("%w: position already open", domain.ErrInvalidTransition)
	}
	if !tr.Opens() && !live.Opened() {
		return domain.ErrNoOpenPosition
	}
	return nil
}

func observed(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func cloneOrNil(rec *domain.PositionRecord) *domain.PositionRecord {
	if rec == nil {
		return nil
	}
	return rec.Clone()
}
