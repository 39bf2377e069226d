package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func validParams() PositionParams {
	return PositionParams{
		BotName:      "sma",
		Ticker:       "AAPL",
		PositionType: PositionLong,
		Action:       ActionBuy,
		Quantity:     6,
	}
}

func TestNewPositionRecordDefaults(t *testing.T) {
	rec, err := NewPositionRecord(validParams())
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, OrderTypeMarket, rec.OrderType)
	assert.Nil(t, rec.ID)
	assert.Equal(t, int64(6), rec.OrderQuantity)
	assert.Zero(t, rec.ClosedQuantity)
	assert.Zero(t, rec.Remaining(), "nothing is held before the entry fills")
}

func TestNewPositionRecordValidation(t *testing.T) {
	tests := []struct {
		name  string
		mut   func(p *PositionParams)
		field string
	}{
		{"empty bot", func(p *PositionParams) { p.BotName = "" }, "bot_name"},
		{"long bot", func(p *PositionParams) { p.BotName = string(make([]byte, 51)) }, "bot_name"},
		{"empty ticker", func(p *PositionParams) { p.Ticker = "" }, "ticker"},
		{"long ticker", func(p *PositionParams) { p.Ticker = "ABCDEFGHIJK" }, "ticker"},
		{"non alnum ticker", func(p *PositionParams) { p.Ticker = "BRK.B" }, "ticker"},
		{"bad type", func(p *PositionParams) { p.PositionType = "FLAT" }, "position_type"},
		{"bad action", func(p *PositionParams) { p.Action = "HOLD" }, "action"},
		{"bad order type", func(p *PositionParams) { p.OrderType = "STOP" }, "order_type"},
		{"zero quantity", func(p *PositionParams) { p.Quantity = 0 }, "quantity"},
		{"negative stop", func(p *PositionParams) { p.StopLoss = dec("-1") }, "stop_loss"},
		{"zero take profit", func(p *PositionParams) { p.TakeProfit = dec("0") }, "take_profit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validParams()
			tt.mut(&p)
			_, err := NewPositionRecord(p)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))
			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestValidateClosedRequiresPrices(t *testing.T) {
	rec, err := NewPositionRecord(validParams())
	require.NoError(t, err)
	rec.Status = StatusClosed
	require.ErrorIs(t, rec.Validate(), ErrValidation)

	rec.EntryPrice = dec("100")
	rec.ExitPrice = dec("120")
	require.NoError(t, rec.Validate())
}

func TestValidateQuantities(t *testing.T) {
	tests := []struct {
		name  string
		mut   func(p *PositionRecord)
		field string
	}{
		{"negative closed", func(p *PositionRecord) { p.ClosedQuantity = -1 }, "closed_quantity"},
		{"closed above entry", func(p *PositionRecord) { p.ClosedQuantity = 7 }, "closed_quantity"},
		{"negative order", func(p *PositionRecord) { p.OrderQuantity = -1 }, "order_quantity"},
		{"partial with nothing closed", func(p *PositionRecord) { p.Status = StatusPartial }, "status"},
		{"partial with everything closed", func(p *PositionRecord) {
			p.Status = StatusPartial
			p.ClosedQuantity = 6
		}, "status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := NewPositionRecord(validParams())
			require.NoError(t, err)
			tt.mut(rec)
			var ve *ValidationError
			require.ErrorAs(t, rec.Validate(), &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestStampFillAccumulatesExits(t *testing.T) {
	rec, err := NewPositionRecord(validParams())
	require.NoError(t, err)
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	rec.StampFill(LegEntry, decimal.NewFromInt(100), 6, at)
	assert.Equal(t, int64(6), rec.Remaining())
	assert.Equal(t, int64(6), rec.Quantity)

	rec.StampFill(LegExit, decimal.NewFromInt(120), 2, at.Add(time.Hour))
	assert.Equal(t, int64(2), rec.ClosedQuantity)
	assert.Equal(t, int64(4), rec.Remaining())
	assert.Equal(t, "120", rec.ExitPrice.String())

	rec.StampFill(LegExit, decimal.NewFromInt(90), 4, at.Add(2*time.Hour))
	assert.Equal(t, int64(6), rec.Quantity, "entry size is never rewritten by an exit")
	assert.Zero(t, rec.Remaining())
	assert.True(t, rec.ExitPrice.Equal(decimal.NewFromInt(100)), "weighted exit price, got %s", rec.ExitPrice)
	assert.Equal(t, at.Add(2*time.Hour), *rec.ExitDate)
}

func TestStatusTransitions(t *testing.T) {
	for _, s := range []PositionStatus{StatusClosed, StatusCanceled, StatusFailed} {
		assert.True(t, s.Terminal(), s)
		assert.False(t, s.CanTransition(StatusOpen), s)
		assert.False(t, s.Executable(), s)
		assert.False(t, s.Held(), s)
	}
	for _, s := range []PositionStatus{StatusOpen, StatusPartial} {
		assert.False(t, s.Terminal(), s)
		assert.True(t, s.Executable(), s)
		assert.True(t, s.Held(), s)
	}
	assert.False(t, StatusPending.Held())
	assert.True(t, StatusPartial.CanTransition(StatusClosed))
	assert.True(t, StatusPending.CanTransition(StatusOpen))
	assert.True(t, StatusOpen.CanTransition(StatusClosed))
	assert.False(t, StatusOpen.CanTransition("BOGUS"))

	rec := &PositionRecord{Status: StatusClosed}
	require.ErrorIs(t, rec.SetStatus(StatusOpen), ErrInvalidTransition)
	assert.Equal(t, StatusClosed, rec.Status)
}

func TestTransitionFor(t *testing.T) {
	tests := []struct {
		action Action
		typ    PositionType
		want   Transition
	}{
		{ActionBuy, PositionLong, Transition{Leg: LegEntry, Insert: true, Status: StatusOpen}},
		{ActionBuy, PositionShort, Transition{Leg: LegExit, Insert: false, Status: StatusClosed}},
		{ActionSell, PositionLong, Transition{Leg: LegExit, Insert: false, Status: StatusClosed}},
		{ActionSell, PositionShort, Transition{Leg: LegEntry, Insert: true, Status: StatusOpen}},
	}
	for _, tt := range tests {
		t.Run(string(tt.action)+"_"+string(tt.typ), func(t *testing.T) {
			assert.Equal(t, tt.want, TransitionFor(tt.action, tt.typ))
		})
	}
}

func TestExitStatus(t *testing.T) {
	exit := TransitionFor(ActionSell, PositionLong)
	assert.Equal(t, StatusPartial, exit.ExitStatus(3))
	assert.Equal(t, StatusClosed, exit.ExitStatus(0))

	entry := TransitionFor(ActionBuy, PositionLong)
	assert.Equal(t, StatusOpen, entry.ExitStatus(6))
}

func TestSnapshot(t *testing.T) {
	rec, err := NewPositionRecord(validParams())
	require.NoError(t, err)
	id := int64(7)
	rec.ID = &id
	at := time.Date(2024, 3, 1, 14, 30, 5, 0, time.UTC)
	rec.StampSubmit(LegEntry, decimal.NewFromInt(100), at)

	snap := rec.Snapshot()
	assert.Equal(t, int64(7), snap["id"])
	assert.Equal(t, "100", snap["entry_submit_price"])
	assert.Equal(t, "2024-03-01 14:30:05", snap["entry_submit_date"])
	assert.Equal(t, "PENDING", snap["status"])
	assert.Equal(t, int64(6), snap["order_quantity"])
	assert.Equal(t, int64(0), snap["closed_quantity"])

	v, ok := snap["exit_price"]
	assert.True(t, ok)
	assert.Nil(t, v)
	v, ok = snap["exit_reason"]
	assert.True(t, ok)
	assert.Nil(t, v)
}

func TestPatchApply(t *testing.T) {
	stored, err := NewPositionRecord(validParams())
	require.NoError(t, err)
	stored.StopLoss = dec("90")

	upd := stored.Clone()
	upd.StopLoss = nil
	upd.Status = StatusOpen
	upd.EntryPrice = dec("101")
	upd.ClosedQuantity = 2
	upd.OrderQuantity = 2

	stored.Apply(upd.Patch())
	assert.Equal(t, StatusOpen, stored.Status)
	assert.Equal(t, int64(6), stored.Quantity)
	assert.Equal(t, int64(2), stored.ClosedQuantity)
	assert.Equal(t, int64(2), stored.OrderQuantity)
	require.NotNil(t, stored.StopLoss)
	assert.Equal(t, "90", stored.StopLoss.String())
	require.NotNil(t, stored.EntryPrice)
	assert.Equal(t, "101", stored.EntryPrice.String())
}

func TestCloneIsDeep(t *testing.T) {
	rec, err := NewPositionRecord(validParams())
	require.NoError(t, err)
	rec.EntryPrice = dec("100")

	c := rec.Clone()
	*c.EntryPrice = decimal.NewFromInt(5)
	assert.Equal(t, "100", rec.EntryPrice.String())
}

func TestParseEnums(t *testing.T) {
	pt, err := ParsePositionType("short")
	require.NoError(t, err)
	assert.Equal(t, PositionShort, pt)

	_, err = ParseAction("hold")
	assert.ErrorIs(t, err, ErrValidation)

	r, err := ParseExitReason("stop_loss")
	require.NoError(t, err)
	assert.Equal(t, ExitStopLoss, r)

	ot, err := ParseOrderType("limit")
	require.NoError(t, err)
	assert.Equal(t, OrderTypeLimit, ot)

	st, err := ParseStatus("partial")
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, st)

	_, err = ParseStatus("done")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "status", ve.Field)
}
