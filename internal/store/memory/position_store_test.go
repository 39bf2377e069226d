package memory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradekit/internal/domain"
)

func newRecord(t *testing.T, bot, ticker string) *domain.PositionRecord {
	t.Helper()
	rec, err := domain.NewPositionRecord(domain.PositionParams{
		BotName:      bot,
		Ticker:       ticker,
		PositionType: domain.PositionLong,
		Action:       domain.ActionBuy,
		Quantity:     5,
	})
	require.NoError(t, err)
	return rec
}

func closeRecord(rec *domain.PositionRecord, exit time.Time) {
	entry := decimal.NewFromInt(100)
	exitPx := decimal.NewFromInt(110)
	rec.EntryPrice = &entry
	rec.ExitPrice = &exitPx
	rec.ExitDate = &exit
	rec.ObservedExitDate = &exit
	rec.Status = domain.StatusClosed
}

func TestCreateAssignsIDs(t *testing.T) {
	ctx := context.Background()
	s := NewPositionStore()

	rec := newRecord(t, "sma", "AAPL")
	id1, err := s.Create(ctx, rec)
	require.NoError(t, err)
	id2, err := s.Create(ctx, newRecord(t, "sma", "AAPL"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), id1)
	assert.Equal(t, int64(2), id2)
	assert.Nil(t, rec.ID, "create must not mutate the caller's record")
}

func TestCreateRequiresFields(t *testing.T) {
	s := NewPositionStore()
	_, err := s.Create(context.Background(), &domain.PositionRecord{Ticker: "AAPL"})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewPositionStore()

	rec := newRecord(t, "sma", "AAPL")
	stop := decimal.NewFromInt(90)
	rec.StopLoss = &stop
	id, err := s.Create(ctx, rec)
	require.NoError(t, err)
	rec.ID = &id

	rec.StopLoss = nil
	rec.Status = domain.StatusOpen
	require.NoError(t, s.Update(ctx, rec))

	got, err := s.GetLast(ctx, "sma", "AAPL")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, got.Status)
	require.NotNil(t, got.StopLoss, "absent fields are left untouched")
	assert.True(t, got.StopLoss.Equal(stop))
}

func TestUpdateErrors(t *testing.T) {
	ctx := context.Background()
	s := NewPositionStore()

	rec := newRecord(t, "sma", "AAPL")
	require.ErrorIs(t, s.Update(ctx, rec), domain.ErrMissingID)

	missing := int64(42)
	rec.ID = &missing
	require.ErrorIs(t, s.Update(ctx, rec), domain.ErrNotFound)
}

func TestGetLastAndLatestOpen(t *testing.T) {
	ctx := context.Background()
	s := NewPositionStore()

	_, err := s.GetLast(ctx, "sma", "AAPL")
	require.ErrorIs(t, err, domain.ErrNotFound)

	open := newRecord(t, "sma", "AAPL")
	open.Status = domain.StatusOpen
	openID, err := s.Create(ctx, open)
	require.NoError(t, err)

	pending := newRecord(t, "sma", "AAPL")
	pendingID, err := s.Create(ctx, pending)
	require.NoError(t, err)

	_, err = s.Create(ctx, newRecord(t, "other", "AAPL"))
	require.NoError(t, err)

	last, err := s.GetLast(ctx, "sma", "AAPL")
	require.NoError(t, err)
	assert.Equal(t, pendingID, *last.ID)

	latestOpen, err := s.GetLatestOpen(ctx, "sma", "AAPL")
	require.NoError(t, err)
	assert.Equal(t, openID, *latestOpen.ID)
}

func TestLatestOpenIncludesPartial(t *testing.T) {
	ctx := context.Background()
	s := NewPositionStore()

	rec := newRecord(t, "sma", "AAPL")
	entry := decimal.NewFromInt(100)
	rec.EntryPrice = &entry
	rec.Status = domain.StatusOpen
	id, err := s.Create(ctx, rec)
	require.NoError(t, err)
	rec.ID = &id

	rec.StampFill(domain.LegExit, decimal.NewFromInt(110), 2, time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC))
	rec.OrderQuantity = 2
	rec.Status = domain.StatusPartial
	require.NoError(t, s.Update(ctx, rec))

	got, err := s.GetLatestOpen(ctx, "sma", "AAPL")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPartial, got.Status)
	assert.Equal(t, int64(5), got.Quantity)
	assert.Equal(t, int64(2), got.ClosedQuantity)
	assert.Equal(t, int64(2), got.OrderQuantity)
	assert.Equal(t, int64(3), got.Remaining())
}

func TestClosedQueries(t *testing.T) {
	ctx := context.Background()
	s := NewPositionStore()

	_, err := s.GetLastObservedExitDate(ctx)
	require.ErrorIs(t, err, domain.ErrNotFound)

	base := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		rec := newRecord(t, "sma", "AAPL")
		closeRecord(rec, base.AddDate(0, 0, i))
		_, err := s.Create(ctx, rec)
		require.NoError(t, err)
	}
	_, err = s.Create(ctx, newRecord(t, "sma", "AAPL"))
	require.NoError(t, err)

	last, err := s.GetLastObservedExitDate(ctx)
	require.NoError(t, err)
	assert.True(t, last.Equal(base.AddDate(0, 0, 2)))

	until := base.AddDate(0, 0, 1)
	closed, err := s.ListClosed(ctx, domain.ListOpts{Until: &until})
	require.NoError(t, err)
	require.Len(t, closed, 2)
	assert.True(t, closed[0].ExitDate.Before(*closed[1].ExitDate))

	page, err := s.ListClosed(ctx, domain.ListOpts{Limit: 1, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.True(t, page[0].ExitDate.Equal(base.AddDate(0, 0, 2)))
}

func TestAuditStore(t *testing.T) {
	ctx := context.Background()
	s := NewAuditStore()
	require.NoError(t, s.Log(ctx, "first", nil))
	require.NoError(t, s.Log(ctx, "second", map[string]any{"k": "v"}))

	entries, err := s.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "second", entries[0].Event)

	entries, err = s.List(ctx, domain.ListOpts{Limit: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
