package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradekit/internal/domain"
	"github.com/alanyoungcy/tradekit/internal/metrics"
	"github.com/alanyoungcy/tradekit/internal/sizing"
	"github.com/alanyoungcy/tradekit/internal/store/memory"
)

func newBot(t *testing.T, l *Ledger, store domain.PositionStore, mut func(c sizing.Config) sizing.Config) *Bot {
	t.Helper()
	cfg := sizing.DefaultConfig()
	if mut != nil {
		cfg = mut(cfg)
	}
	policy, err := sizing.NewPolicy(cfg)
	require.NoError(t, err)
	b, err := NewBot(BotConfig{Name: "sma", Ticker: "AAPL"}, policy, l, store, WithBotMetrics(metrics.New()))
	require.NoError(t, err)
	return b
}

func px(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestNewBotValidatesKey(t *testing.T) {
	policy, err := sizing.NewPolicy(sizing.DefaultConfig())
	require.NoError(t, err)
	l := newLedger(t, 0, 0, memory.NewPositionStore())

	_, err = NewBot(BotConfig{Name: "sma", Ticker: "BRK.B"}, policy, l, memory.NewPositionStore())
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = NewBot(BotConfig{Name: "", Ticker: "AAPL"}, policy, l, memory.NewPositionStore())
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestBuyThenSellScenario(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPositionStore()
	l := newLedger(t, 1000, 0, store)
	b := newBot(t, l, store, nil)

	observed := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	res, err := b.Buy(ctx, domain.PositionLong, px(100), OrderOpts{ObservedAt: observed})
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.Quantity)
	assert.False(t, res.Skipped)
	require.NotNil(t, res.Position)
	assert.Equal(t, domain.StatusOpen, res.Position.Status)
	assert.Equal(t, observed, *res.Position.ObservedEntryDate)
	assert.True(t, l.Cash().Equal(px(400)))
	assert.Equal(t, int64(6), l.Holdings())
	assert.Equal(t, int64(6), b.Remaining())

	reason := domain.ExitSignal
	res, err = b.Sell(ctx, domain.PositionLong, px(120), OrderOpts{ObservedAt: observed.AddDate(0, 0, 3), ExitReason: &reason})
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.Quantity)
	assert.Equal(t, domain.StatusClosed, res.Position.Status)
	assert.Equal(t, domain.ExitSignal, *res.Position.ExitReason)
	assert.True(t, l.Cash().Equal(px(1120)))
	assert.Equal(t, int64(0), l.Holdings())
	assert.Equal(t, int64(0), b.Remaining())

	last, err := b.LastObservedExitDate(ctx)
	require.NoError(t, err)
	assert.Equal(t, observed.AddDate(0, 0, 3), last)
}

func TestRoundTripNetCash(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPositionStore()
	l := newLedger(t, 5000, 0, store)
	b := newBot(t, l, store, func(c sizing.Config) sizing.Config { c.BuyLevel = sizing.LevelConservative; return c })

	res, err := b.Buy(ctx, domain.PositionLong, px(37), OrderOpts{})
	require.NoError(t, err)
	q := res.Quantity
	require.Positive(t, q)

	_, err = b.Sell(ctx, domain.PositionLong, px(41), OrderOpts{})
	require.NoError(t, err)

	want := px(5000).Add(decimal.NewFromInt(q).Mul(px(41 - 37)))
	assert.True(t, l.Cash().Equal(want), "cash %s want %s", l.Cash(), want)
	assert.Equal(t, int64(0), l.Holdings())
}

func TestClosedPositionStartsNewRecord(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPositionStore()
	l := newLedger(t, 1000, 0, store)
	b := newBot(t, l, store, nil)

	first, err := b.Buy(ctx, domain.PositionLong, px(100), OrderOpts{})
	require.NoError(t, err)
	_, err = b.Sell(ctx, domain.PositionLong, px(100), OrderOpts{})
	require.NoError(t, err)

	second, err := b.Buy(ctx, domain.PositionLong, px(100), OrderOpts{})
	require.NoError(t, err)
	assert.NotEqual(t, *first.Position.ID, *second.Position.ID)
	assert.Equal(t, domain.StatusOpen, second.Position.Status)
}

func TestShortRoundTripThroughGateway(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPositionStore()
	l := newLedger(t, 0, 10, store)
	b := newBot(t, l, store, func(c sizing.Config) sizing.Config { c.BuyLevel = sizing.LevelMax; return c })

	res, err := b.Sell(ctx, domain.PositionShort, px(50), OrderOpts{})
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.Quantity)
	assert.Equal(t, domain.StatusOpen, res.Position.Status)
	assert.True(t, l.Cash().Equal(px(500)))

	res, err = b.Buy(ctx, domain.PositionShort, px(40), OrderOpts{})
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.Quantity, "cover is capped at the shorted quantity")
	assert.Equal(t, int64(10), res.Position.ClosedQuantity)
	assert.Equal(t, domain.StatusClosed, res.Position.Status)
	assert.True(t, l.Cash().Equal(px(100)))
	assert.Equal(t, int64(10), l.Holdings())
}

func TestPartialSellKeepsPositionOpen(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPositionStore()
	l := newLedger(t, 1000, 0, store)
	b := newBot(t, l, store, func(c sizing.Config) sizing.Config { c.SellLevel = sizing.LevelModerate; return c })

	buy, err := b.Buy(ctx, domain.PositionLong, px(100), OrderOpts{})
	require.NoError(t, err)
	require.Equal(t, int64(6), buy.Quantity)

	steps := []struct {
		qty       int64
		remaining int64
		status    domain.PositionStatus
	}{
		{3, 3, domain.StatusPartial},
		{1, 2, domain.StatusPartial},
		{1, 1, domain.StatusPartial},
	}
	for i, st := range steps {
		res, err := b.Sell(ctx, domain.PositionLong, px(120), OrderOpts{})
		require.NoError(t, err, "sell %d", i+1)
		assert.Equal(t, st.qty, res.Quantity, "sell %d", i+1)
		assert.Equal(t, st.status, res.Position.Status, "sell %d", i+1)
		assert.Equal(t, int64(6), res.Position.Quantity, "entry size is kept")
		assert.Equal(t, st.remaining, res.Position.Remaining(), "sell %d", i+1)
		assert.Equal(t, st.remaining, b.Remaining(), "sell %d", i+1)
		assert.Equal(t, st.remaining, l.Holdings(), "sell %d", i+1)
		assert.Equal(t, *buy.Position.ID, *res.Position.ID, "exits update the same record")
	}

	res, err := b.Sell(ctx, domain.PositionLong, px(120), OrderOpts{})
	require.NoError(t, err)
	assert.Zero(t, res.Quantity, "moderate of one share floors to zero")
	assert.Equal(t, domain.StatusPartial, res.Position.Status)

	stored, err := store.GetLatestOpen(ctx, "sma", "AAPL")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPartial, stored.Status)
	assert.Equal(t, int64(5), stored.ClosedQuantity)
	assert.Equal(t, int64(1), stored.OrderQuantity)

	reloaded := newBot(t, l, store, nil)
	require.NoError(t, reloaded.LoadPosition(ctx))
	assert.Equal(t, int64(1), reloaded.Remaining())

	res, err = reloaded.Sell(ctx, domain.PositionLong, px(120), OrderOpts{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Quantity)
	assert.Equal(t, domain.StatusClosed, res.Position.Status)
	assert.Equal(t, int64(6), res.Position.ClosedQuantity)
	assert.Zero(t, l.Holdings())
	assert.True(t, l.Cash().Equal(px(1120)))
}

func TestCashLimitedShortCover(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPositionStore()
	l := newLedger(t, 0, 10, store)
	b := newBot(t, l, store, nil)

	take := px(40)
	res, err := b.Sell(ctx, domain.PositionShort, px(50), OrderOpts{TakeProfit: &take})
	require.NoError(t, err)
	require.Equal(t, int64(10), res.Quantity)

	res, err = b.Buy(ctx, domain.PositionShort, px(40), OrderOpts{})
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.Quantity, "cover sized by cash")
	assert.Equal(t, domain.StatusPartial, res.Position.Status)
	assert.Equal(t, int64(10), res.Position.Quantity)
	assert.Equal(t, int64(3), b.Remaining())
	assert.True(t, l.Cash().Equal(px(220)))
	assert.Equal(t, int64(7), l.Holdings())

	reason, ok := b.CheckExit(px(40))
	assert.True(t, ok, "partially covered positions are still watched")
	assert.Equal(t, domain.ExitTakeProfit, reason)

	res, err = b.Buy(ctx, domain.PositionShort, px(40), OrderOpts{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Quantity)
	assert.Equal(t, domain.StatusClosed, res.Position.Status)
	assert.True(t, res.Position.ExitPrice.Equal(px(40)))
	assert.Zero(t, b.Remaining())
	assert.True(t, l.Cash().Equal(px(100)))
	assert.Equal(t, int64(10), l.Holdings())
}

func TestClosingLegNeedsTrackedPosition(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPositionStore()
	l := newLedger(t, 0, 0, store)
	require.NoError(t, l.FundAssets(10))
	b := newBot(t, l, store, nil)

	_, err := b.Sell(ctx, domain.PositionLong, px(100), OrderOpts{})
	require.ErrorIs(t, err, domain.ErrNoOpenPosition)

	assert.Equal(t, int64(10), l.Holdings(), "funded assets are not sold")
	assert.True(t, l.Cash().IsZero())
	assert.Nil(t, b.Position())
	_, err = store.GetLast(ctx, "sma", "AAPL")
	require.ErrorIs(t, err, domain.ErrNotFound, "no record is persisted")
}

func TestZeroQuantityPolicies(t *testing.T) {
	tests := []struct {
		policy sizing.ResourcePolicy
		check  func(t *testing.T, res domain.OrderResult, err error)
	}{
		{sizing.PolicyAdjust, func(t *testing.T, res domain.OrderResult, err error) {
			require.NoError(t, err)
			assert.Equal(t, int64(0), res.Quantity)
			assert.False(t, res.Skipped)
		}},
		{sizing.PolicySkip, func(t *testing.T, res domain.OrderResult, err error) {
			require.NoError(t, err)
			assert.True(t, res.Skipped)
		}},
		{sizing.PolicyHalt, func(t *testing.T, res domain.OrderResult, err error) {
			require.ErrorIs(t, err, domain.ErrInsufficientResources)
			var ire *domain.InsufficientResourcesError
			require.ErrorAs(t, err, &ire)
			assert.Equal(t, domain.TradeBuy, ire.Kind)
		}},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			ctx := context.Background()
			store := memory.NewPositionStore()
			l := newLedger(t, 0, 0, store)
			b := newBot(t, l, store, func(c sizing.Config) sizing.Config { c.OnInsufficient = tt.policy; return c })

			res, err := b.Buy(ctx, domain.PositionLong, px(100), OrderOpts{})
			tt.check(t, res, err)

			assert.Nil(t, b.Position())
			_, err = store.GetLast(ctx, "sma", "AAPL")
			require.ErrorIs(t, err, domain.ErrNotFound, "no record is persisted")
			assert.True(t, l.Cash().IsZero())
		})
	}
}

func TestPlaceOrderPreconditions(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPositionStore()
	l := newLedger(t, 1000, 5, store)
	b := newBot(t, l, store, nil)

	_, err := b.Buy(ctx, domain.PositionLong, decimal.Zero, OrderOpts{})
	require.ErrorIs(t, err, domain.ErrInvalidPrice)

	_, err = b.Sell(ctx, domain.PositionLong, px(100), OrderOpts{})
	require.ErrorIs(t, err, domain.ErrNoOpenPosition)

	_, err = b.Buy(ctx, domain.PositionLong, px(100), OrderOpts{})
	require.NoError(t, err)

	_, err = b.Buy(ctx, domain.PositionLong, px(100), OrderOpts{})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = b.Sell(ctx, domain.PositionShort, px(100), OrderOpts{})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestLedgerFailureIsOrderPlacementError(t *testing.T) {
	ctx := context.Background()
	fail := true
	store := &faultyStore{
		PositionStore: memory.NewPositionStore(),
		updateErr: func(rec *domain.PositionRecord) error {
			if fail && rec.Status == domain.StatusOpen {
				return errStoreDown
			}
			return nil
		},
	}
	l := newLedger(t, 1000, 0, store)
	b := newBot(t, l, store, nil)

	res, err := b.Buy(ctx, domain.PositionLong, px(100), OrderOpts{})
	require.Error(t, err)

	var placeErr *domain.OrderPlacementError
	require.ErrorAs(t, err, &placeErr)
	assert.Equal(t, domain.ActionBuy, placeErr.Action)
	var execErr *domain.ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.ErrorIs(t, err, errStoreDown)

	require.NotNil(t, res.Position)
	assert.Equal(t, domain.StatusPending, res.Position.Status)
	assert.True(t, l.Cash().Equal(px(1000)))

	fail = false
	res, err = b.Buy(ctx, domain.PositionLong, px(100), OrderOpts{})
	require.NoError(t, err)
	assert.Equal(t, *execErr.PositionID, *res.Position.ID, "retry reuses the pending record")
	assert.Equal(t, domain.StatusOpen, res.Position.Status)
}

func TestBotCancel(t *testing.T) {
	ctx := context.Background()
	store := &faultyStore{
		PositionStore: memory.NewPositionStore(),
		updateErr: func(rec *domain.PositionRecord) error {
			if rec.Status == domain.StatusOpen {
				return errStoreDown
			}
			return nil
		},
	}
	l := newLedger(t, 1000, 0, store)
	b := newBot(t, l, store, nil)

	require.ErrorIs(t, b.Cancel(ctx), domain.ErrNoOpenPosition)

	_, err := b.Buy(ctx, domain.PositionLong, px(100), OrderOpts{})
	require.Error(t, err)

	require.NoError(t, b.Cancel(ctx))
	assert.Equal(t, domain.StatusCanceled, b.Position().Status)
	require.ErrorIs(t, b.Cancel(ctx), domain.ErrNoOpenPosition)
}

func TestLoadPosition(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPositionStore()
	l := newLedger(t, 1000, 0, store)
	seed := newBot(t, l, store, nil)

	_, err := seed.Buy(ctx, domain.PositionLong, px(100), OrderOpts{})
	require.NoError(t, err)

	b := newBot(t, l, store, nil)
	require.NoError(t, b.LoadPosition(ctx))
	require.NotNil(t, b.Position())
	assert.Equal(t, domain.StatusOpen, b.Position().Status)
	assert.Equal(t, int64(6), b.Remaining())

	_, err = b.Sell(ctx, domain.PositionLong, px(110), OrderOpts{})
	require.NoError(t, err)

	fresh := newBot(t, l, store, nil)
	require.NoError(t, fresh.LoadPosition(ctx))
	assert.Nil(t, fresh.Position(), "closed records are not tracked")
}

func TestCheckExit(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPositionStore()
	l := newLedger(t, 1000, 0, store)
	b := newBot(t, l, store, nil)

	_, ok := b.CheckExit(px(1))
	assert.False(t, ok)

	stop, take := px(90), px(120)
	_, err := b.Buy(ctx, domain.PositionLong, px(100), OrderOpts{StopLoss: &stop, TakeProfit: &take})
	require.NoError(t, err)

	tests := []struct {
		price int64
		want  domain.ExitReason
		ok    bool
	}{
		{100, "", false},
		{90, domain.ExitStopLoss, true},
		{85, domain.ExitStopLoss, true},
		{120, domain.ExitTakeProfit, true},
	}
	for _, tt := range tests {
		reason, ok := b.CheckExit(px(tt.price))
		assert.Equal(t, tt.ok, ok, tt.price)
		assert.Equal(t, tt.want, reason, tt.price)
	}
}

func TestRunCallsStrategy(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPositionStore()
	l := newLedger(t, 1000, 0, store)
	b := newBot(t, l, store, nil)

	calls := 0
	err := b.Run(ctx, StrategyFunc(func(ctx context.Context, b *Bot) error {
		calls++
		_, err := b.Buy(ctx, domain.PositionLong, px(100), OrderOpts{})
		return err
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, int64(6), b.Remaining())

	boom := errors.New("boom")
	err = b.Run(ctx, StrategyFunc(func(context.Context, *Bot) error { return boom }))
	require.ErrorIs(t, err, boom)
}
