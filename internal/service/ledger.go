package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradekit/internal/domain"
	"github.com/alanyoungcy/tradekit/internal/metrics"
)

// Signal bus names fills are announced on. The channel is fire-and-forget;
// the stream keeps a bounded history for late readers.
const (
	PositionsChannel = "positions"
	PositionsStream  = "stream:positions"
)

// LedgerConfig holds the opening balances of a ledger.
type LedgerConfig struct {
	InitialCash     decimal.Decimal
	InitialHoldings int64
	// Commission is a fraction in [0,1) used by sizing to reserve part of
	// the budget.
	Commission decimal.Decimal
}

// LedgerOption configures optional collaborators of a Ledger.
type LedgerOption func(*Ledger)

func WithLedgerLogger(logger *slog.Logger) LedgerOption {
	return func(l *Ledger) { l.logger = logger.With(slog.String("component", "ledger")) }
}

func WithAudit(audit domain.AuditStore) LedgerOption {
	return func(l *Ledger) { l.audit = audit }
}

func WithSignalBus(bus domain.SignalBus) LedgerOption {
	return func(l *Ledger) { l.bus = bus }
}

func WithMetrics(m *metrics.Metrics) LedgerOption {
	return func(l *Ledger) { l.metrics = m }
}

// WithClock overrides the time source used to stamp submit and fill dates.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// Ledger owns cash and asset holdings and applies executed orders to them.
// Every mutation is serialized by a single mutex, so bots sharing a ledger
// never interleave inside an execution.
type Ledger struct {
	mu         sync.Mutex
	cash       decimal.Decimal
	holdings   int64
	commission decimal.Decimal

	positions domain.PositionStore
	audit     domain.AuditStore
	bus       domain.SignalBus
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewLedger creates a Ledger with the given opening balances.
func NewLedger(cfg LedgerConfig, positions domain.PositionStore, opts ...LedgerOption) (*Ledger, error) {
	if cfg.InitialCash.IsNegative() || cfg.InitialHoldings < 0 {
		return nil, fmt.Errorf("ledger: opening balance: %w", domain.ErrInvalidAmount)
	}
	if cfg.Commission.IsNegative() || cfg.Commission.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("ledger: commission %s must be in [0,1)", cfg.Commission)
	}
	l := &Ledger{
		cash:       cfg.InitialCash,
		holdings:   cfg.InitialHoldings,
		commission: cfg.Commission,
		positions:  positions,
		logger:     slog.New(slog.DiscardHandler),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.metrics.SetBalances(l.cash, l.holdings)
	return l, nil
}

// Deposit adds amount to cash.
func (l *Ledger) Deposit(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("ledger: deposit %s: %w", amount, domain.ErrInvalidAmount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cash = l.cash.Add(amount)
	l.metrics.SetBalances(l.cash, l.holdings)
	l.logger.Info("ledger: deposit", slog.String("amount", amount.String()), slog.String("cash", l.cash.String()))
	return nil
}

// FundAssets adds qty to asset holdings.
func (l *Ledger) FundAssets(qty int64) error {
	if qty < 0 {
		return fmt.Errorf("ledger: fund assets %d: %w", qty, domain.ErrInvalidAmount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.holdings += qty
	l.metrics.SetBalances(l.cash, l.holdings)
	l.logger.Info("ledger: fund assets", slog.Int64("quantity", qty), slog.Int64("holdings", l.holdings))
	return nil
}

// Account returns a snapshot of the current balances.
func (l *Ledger) Account() domain.Account {
	l.mu.Lock()
	defer l.mu.Unlock()
	return domain.Account{Cash: l.cash, Holdings: l.holdings, Commission: l.commission}
}

func (l *Ledger) Cash() decimal.Decimal { return l.Account().Cash }

func (l *Ledger) Holdings() int64 { return l.Account().Holdings }

func (l *Ledger) Commission() decimal.Decimal { return l.commission }

// Execute fills one order on rec at price and returns the filled quantity.
//
// An entry leg fills Quantity. An exit leg fills OrderQuantity, or whatever
// remains when OrderQuantity is zero, and leaves the record PARTIAL until
// the remaining quantity reaches zero.
//
// The submit phase stamps the order intent on the transition leg and
// persists the record as PENDING, creating it when it has no id yet. The
// finalize phase moves cash and holdings, stamps the fill and persists the
// resulting status. A failed finalize leaves balances and the record in
// their submit-phase state.
func (l *Ledger) Execute(ctx context.Context, rec *domain.PositionRecord, price decimal.Decimal) (int64, error) {
	if !rec.Status.Executable() {
		return 0, fmt.Errorf("ledger: execute: %w: status is %s", domain.ErrInvalidTransition, rec.Status)
	}
	if !price.IsPositive() {
		return 0, fmt.Errorf("ledger: execute: %w", domain.ErrInvalidPrice)
	}
	if err := rec.Validate(); err != nil {
		return 0, fmt.Errorf("ledger: execute: %w", err)
	}
	tr := domain.TransitionFor(rec.Action, rec.PositionType)
	if !tr.Opens() && !rec.Opened() {
		return 0, fmt.Errorf("ledger: execute %s %s: %w", rec.Action, rec.PositionType, domain.ErrNoOpenPosition)
	}
	qty, err := legQuantity(rec, tr)
	if err != nil {
		return 0, fmt.Errorf("ledger: execute: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	start := l.now()

	if err := l.submit(ctx, rec, tr, qty, price); err != nil {
		return 0, l.fail(ctx, rec, fmt.Errorf("submit: %w", err))
	}
	if err := l.finalize(ctx, rec, tr, qty, price); err != nil {
		return 0, l.fail(ctx, rec, fmt.Errorf("finalize: %w", err))
	}

	l.metrics.ObserveExecution(rec.Action, rec.PositionType, l.now().Sub(start))
	l.metrics.SetBalances(l.cash, l.holdings)
	l.announce(ctx, rec, qty, price)

	l.logger.InfoContext(ctx, "ledger: order executed",
		slog.Int64("position_id", *rec.ID),
		slog.String("bot", rec.BotName),
		slog.String("ticker", rec.Ticker),
		slog.String("action", string(rec.Action)),
		slog.String("position_type", string(rec.PositionType)),
		slog.Int64("quantity", qty),
		slog.Int64("remaining", rec.Remaining()),
		slog.String("price", price.String()),
		slog.String("status", string(rec.Status)),
		slog.String("cash", l.cash.String()),
		slog.Int64("holdings", l.holdings),
	)
	return qty, nil
}

// legQuantity is the share count the next fill on rec moves.
func legQuantity(rec *domain.PositionRecord, tr domain.Transition) (int64, error) {
	if tr.Opens() {
		return rec.Quantity, nil
	}
	remaining := rec.Remaining()
	qty := rec.OrderQuantity
	if qty == 0 {
		qty = remaining
	}
	if qty <= 0 || qty > remaining {
		return 0, &domain.ValidationError{Field: "order_quantity", Reason: fmt.Sprintf("must be within 1-%d, got %d", remaining, qty)}
	}
	return qty, nil
}

// Cancel moves a PENDING record to CANCELED and persists it.
func (l *Ledger) Cancel(ctx context.Context, rec *domain.PositionRecord) error {
	if rec.Status != domain.StatusPending {
		return fmt.Errorf("ledger: cancel: %w: status is %s", domain.ErrInvalidTransition, rec.Status)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prev := rec.Status
	rec.Status = domain.StatusCanceled
	if rec.ID != nil {
		if err := l.positions.Update(ctx, rec); err != nil {
			rec.Status = prev
			return fmt.Errorf("ledger: cancel position %d: %w", *rec.ID, err)
		}
	}

	l.auditLog(ctx, "order_canceled", rec.Snapshot())
	l.logger.InfoContext(ctx, "ledger: order canceled",
		slog.String("bot", rec.BotName),
		slog.String("ticker", rec.Ticker),
	)
	return nil
}

func (l *Ledger) submit(ctx context.Context, rec *domain.PositionRecord, tr domain.Transition, qty int64, price decimal.Decimal) error {
	if err := rec.SetStatus(domain.StatusPending); err != nil {
		return err
	}
	rec.OrderQuantity = qty
	rec.StampSubmit(tr.Leg, price, l.now().UTC())

	if rec.ID == nil {
		id, err := l.positions.Create(ctx, rec)
		if err != nil {
			return err
		}
		rec.ID = &id
		return nil
	}
	return l.positions.Update(ctx, rec)
}

func (l *Ledger) finalize(ctx context.Context, rec *domain.PositionRecord, tr domain.Transition, qty int64, price decimal.Decimal) error {
	submitted := rec.Clone()
	prevCash, prevHoldings := l.cash, l.holdings

	amount := price.Mul(decimal.NewFromInt(qty))
	switch rec.Action {
	case domain.ActionBuy:
		cash := l.cash.Sub(amount)
		if cash.IsNegative() {
			return fmt.Errorf("%w: need %s, have %s", domain.ErrInsufficientFunds, amount, l.cash)
		}
		l.cash = cash
		l.holdings += qty
	case domain.ActionSell:
		if l.holdings < qty {
			return fmt.Errorf("%w: need %d, have %d", domain.ErrInsufficientShares, qty, l.holdings)
		}
		l.holdings -= qty
		l.cash = l.cash.Add(amount)
	}

	rec.StampFill(tr.Leg, price, qty, l.now().UTC())
	err := rec.SetStatus(tr.ExitStatus(rec.Remaining()))
	if err == nil {
		err = l.positions.Update(ctx, rec)
	}
	if err != nil {
		l.cash, l.holdings = prevCash, prevHoldings
		*rec = *submitted
		return err
	}
	return nil
}

func (l *Ledger) fail(ctx context.Context, rec *domain.PositionRecord, err error) error {
	l.metrics.ObserveFailure(err)
	l.logger.WarnContext(ctx, "ledger: execution failed",
		slog.String("bot", rec.BotName),
		slog.String("ticker", rec.Ticker),
		slog.String("action", string(rec.Action)),
		slog.String("error", err.Error()),
	)
	var id *int64
	if rec.ID != nil {
		v := *rec.ID
		id = &v
	}
	return &domain.ExecutionError{PositionID: id, Err: err}
}

// announce publishes the fill and records it in the audit log. Failures are
// logged and never fail the execution.
func (l *Ledger) announce(ctx context.Context, rec *domain.PositionRecord, qty int64, price decimal.Decimal) {
	if l.bus != nil {
		evt, _ := json.Marshal(domain.PositionEvent{
			Event:    "order_executed",
			Bot:      rec.BotName,
			Ticker:   rec.Ticker,
			Action:   rec.Action,
			Quantity: qty,
			Price:    price,
			Status:   rec.Status,
			At:       l.now().UTC(),
		})
		if err := l.bus.Publish(ctx, PositionsChannel, evt); err != nil {
			l.logger.WarnContext(ctx, "ledger: publish event failed",
				slog.Int64("position_id", *rec.ID),
				slog.String("error", err.Error()),
			)
		}
		if err := l.bus.StreamAppend(ctx, PositionsStream, evt); err != nil {
			l.logger.WarnContext(ctx, "ledger: stream append failed",
				slog.Int64("position_id", *rec.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	l.auditLog(ctx, "order_executed", rec.Snapshot())
}

func (l *Ledger) auditLog(ctx context.Context, event string, detail map[string]any) {
	if l.audit == nil {
		return
	}
	if err := l.audit.Log(ctx, event, detail); err != nil {
		l.logger.WarnContext(ctx, "ledger: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
