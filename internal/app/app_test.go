package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradekit/internal/config"
	"github.com/alanyoungcy/tradekit/internal/domain"
)

func memoryConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Store = "memory"
	cfg.Redis.Addr = ""
	cfg.Server.Enabled = false
	cfg.Bots = []config.BotConfig{{
		Name:     "alpha",
		Ticker:   "AAPL",
		Strategy: "threshold",
		Params: map[string]any{
			"buy_below":  int64(100),
			"sell_above": int64(120),
			"price":      "90",
		},
	}}
	return &cfg
}

func newTestApp(cfg *config.Config) *App {
	return New(cfg, slog.New(slog.DiscardHandler))
}

type fakeLocks struct {
	mu       sync.Mutex
	held     bool
	acquired []string
	released int
}

func (f *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held {
		return nil, domain.ErrLockHeld
	}
	f.acquired = append(f.acquired, key)
	return func() {
		f.mu.Lock()
		f.released++
		f.mu.Unlock()
	}, nil
}

type fakeArchiver struct {
	before time.Time
	err    error
}

func (f *fakeArchiver) ArchivePositions(_ context.Context, before time.Time) (int64, error) {
	f.before = before
	return 3, f.err
}

func TestWireMemory(t *testing.T) {
	cfg := memoryConfig()
	deps, cleanup, err := Wire(context.Background(), cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer cleanup()

	assert.NotNil(t, deps.PositionStore)
	assert.NotNil(t, deps.AuditStore)
	assert.NotNil(t, deps.Ledger)
	assert.NotNil(t, deps.Policy)
	assert.Nil(t, deps.SignalBus)
	assert.Nil(t, deps.LockManager)
	assert.Nil(t, deps.Archiver)
	assert.Empty(t, deps.HealthChecks)
	assert.True(t, deps.Ledger.Cash().Equal(decimal.NewFromInt(10_000)))
}

func TestRunModeOneShotBot(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig()
	deps, cleanup, err := Wire(ctx, cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer cleanup()

	locks := &fakeLocks{}
	deps.LockManager = locks

	require.NoError(t, newTestApp(cfg).RunMode(ctx, deps))

	rec, err := deps.PositionStore.GetLast(ctx, "alpha", "AAPL")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, rec.Status)
	assert.Equal(t, domain.PositionLong, rec.PositionType)
	require.NotNil(t, rec.EntryPrice)
	assert.True(t, rec.EntryPrice.Equal(decimal.NewFromInt(90)))

	acct := deps.Ledger.Account()
	assert.Equal(t, rec.Quantity, acct.Holdings)
	spent := decimal.NewFromInt(90).Mul(decimal.NewFromInt(rec.Quantity))
	assert.True(t, acct.Cash.Equal(decimal.NewFromInt(10_000).Sub(spent)))

	assert.Equal(t, []string{"bot:alpha:AAPL"}, locks.acquired)
	assert.Equal(t, 1, locks.released)

	entries, err := deps.AuditStore.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestRunModeSkipsWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig()
	deps, cleanup, err := Wire(ctx, cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer cleanup()

	deps.LockManager = &fakeLocks{held: true}

	require.NoError(t, newTestApp(cfg).RunMode(ctx, deps))

	_, err = deps.PositionStore.GetLast(ctx, "alpha", "AAPL")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.True(t, deps.Ledger.Cash().Equal(decimal.NewFromInt(10_000)))
}

func TestRunModeUnknownStrategy(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig()
	cfg.Bots[0].Strategy = "martingale"
	deps, cleanup, err := Wire(ctx, cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer cleanup()

	err = newTestApp(cfg).RunMode(ctx, deps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "alpha")
}

func TestRunModePeriodicStopsOnCancel(t *testing.T) {
	cfg := memoryConfig()
	cfg.Bots[0].Interval.Duration = 10 * time.Millisecond
	deps, cleanup, err := Wire(context.Background(), cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	require.NoError(t, newTestApp(cfg).RunMode(ctx, deps))

	// The position opened on the first tick stays open at a static price
	// between the levels; later ticks hold.
	rec, err := deps.PositionStore.GetLast(context.Background(), "alpha", "AAPL")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, rec.Status)
}

func TestArchiveMode(t *testing.T) {
	cfg := memoryConfig()
	cfg.Archive.RetentionDays = 30
	arch := &fakeArchiver{}
	deps := &Dependencies{Archiver: arch}

	require.NoError(t, newTestApp(cfg).ArchiveMode(context.Background(), deps))
	want := time.Now().UTC().AddDate(0, 0, -30)
	assert.WithinDuration(t, want, arch.before, time.Minute)

	arch.err = errors.New("bucket gone")
	err := newTestApp(cfg).ArchiveMode(context.Background(), deps)
	assert.ErrorContains(t, err, "bucket gone")

	err = newTestApp(cfg).ArchiveMode(context.Background(), &Dependencies{})
	assert.ErrorContains(t, err, "archiver not configured")
}

func TestLockKey(t *testing.T) {
	assert.Equal(t, "bot:alpha:AAPL", lockKey("alpha", "AAPL"))
}
