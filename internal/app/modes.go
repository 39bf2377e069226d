package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/tradekit/internal/config"
	"github.com/alanyoungcy/tradekit/internal/domain"
	"github.com/alanyoungcy/tradekit/internal/notify"
	"github.com/alanyoungcy/tradekit/internal/server"
	"github.com/alanyoungcy/tradekit/internal/server/handler"
	"github.com/alanyoungcy/tradekit/internal/service"
	"github.com/alanyoungcy/tradekit/internal/strategy"
)

// RunMode starts one goroutine per configured bot, plus the HTTP server when
// enabled. Bots with a zero interval run once. A one-shot bot failure cancels
// the whole mode. The HTTP server and the notification relay keep the mode
// alive until ctx is canceled.
func (a *App) RunMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting run mode", slog.Int("bots", len(a.cfg.Bots)))

	reg := strategy.DefaultRegistry()
	runners := make([]*botRunner, 0, len(a.cfg.Bots))
	for _, bc := range a.cfg.Bots {
		r, err := a.newBotRunner(reg, bc, deps)
		if err != nil {
			return fmt.Errorf("run mode: %w", err)
		}
		runners = append(runners, r)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		g.Go(func() error { return r.loop(gctx) })
	}
	a.startRelay(gctx, g, deps)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(gctx, g, deps)
	}

	return g.Wait()
}

// ServeMode exposes the HTTP API only.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode", slog.Int("port", a.cfg.Server.Port))

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	a.startRelay(ctx, g, deps)
	return g.Wait()
}

// ArchiveMode uploads CLOSED positions older than the retention window to
// object storage and exits.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	if deps.Archiver == nil {
		return errors.New("archive mode: archiver not configured")
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -a.cfg.Archive.RetentionDays)
	a.logger.InfoContext(ctx, "starting archive mode", slog.Time("cutoff", cutoff))

	n, err := deps.Archiver.ArchivePositions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archive mode: %w", err)
	}
	a.logger.InfoContext(ctx, "archive mode: done", slog.Int64("archived", n))
	return nil
}

// botRunner drives one bot's strategy on its interval.
type botRunner struct {
	bot      *service.Bot
	strategy service.Strategy
	interval time.Duration
	locks    domain.LockManager
	lockTTL  time.Duration
	logger   *slog.Logger
}

func (a *App) newBotRunner(reg *strategy.Registry, bc config.BotConfig, deps *Dependencies) (*botRunner, error) {
	var orderType domain.OrderType
	if bc.OrderType != "" {
		ot, err := domain.ParseOrderType(bc.OrderType)
		if err != nil {
			return nil, fmt.Errorf("bot %s: %w", bc.Name, err)
		}
		orderType = ot
	}

	bot, err := service.NewBot(service.BotConfig{
		Name:      bc.Name,
		Ticker:    bc.Ticker,
		OrderType: orderType,
	}, deps.Policy, deps.Ledger, deps.PositionStore,
		service.WithBotLogger(a.logger),
		service.WithBotMetrics(deps.Metrics),
	)
	if err != nil {
		return nil, err
	}

	strat, err := reg.Build(strategy.Config{Name: bc.Strategy, Params: bc.Params}, strategy.Deps{
		Prices: deps.PriceCache,
		Logger: a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("bot %s: %w", bc.Name, err)
	}

	return &botRunner{
		bot:      bot,
		strategy: strat,
		interval: bc.Interval.Duration,
		locks:    deps.LockManager,
		lockTTL:  a.cfg.Redis.LockTTL.Duration,
		logger: a.logger.With(
			slog.String("bot", bc.Name),
			slog.String("ticker", bc.Ticker),
		),
	}, nil
}

// loop runs the strategy once when interval is zero and returns its error.
// Otherwise it runs on every tick, logging failures, until ctx is canceled.
func (r *botRunner) loop(ctx context.Context) error {
	if r.interval <= 0 {
		return r.runOnce(ctx)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if err := r.runOnce(ctx); err != nil {
			r.logger.ErrorContext(ctx, "bot: run failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// runOnce holds the pair's lock, when locking is available, for the duration
// of one strategy run. A lock held elsewhere skips the run.
func (r *botRunner) runOnce(ctx context.Context) error {
	if r.locks != nil {
		unlock, err := r.locks.Acquire(ctx, lockKey(r.bot.Name(), r.bot.Ticker()), r.lockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			r.logger.WarnContext(ctx, "bot: lock held by another process; skipping run")
			return nil
		}
		if err != nil {
			return fmt.Errorf("bot %s: acquire lock: %w", r.bot.Name(), err)
		}
		defer unlock()
	}
	return r.bot.Run(ctx, r.strategy)
}

func lockKey(bot, ticker string) string {
	return "bot:" + bot + ":" + ticker
}

// startHTTPServer launches the API server inside g and shuts it down when ctx
// is canceled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	var events handler.EventReader
	if deps.SignalBus != nil {
		events = deps.SignalBus
	}

	srv := server.NewServer(server.Config{
		Port:           a.cfg.Server.Port,
		CORSOrigins:    a.cfg.Server.CORSOrigins,
		APIKey:         a.cfg.Server.APIKey,
		RateLimit:      a.cfg.Server.RateLimit,
		TrustedProxies: a.cfg.Server.TrustedProxies,
	}, server.Handlers{
		Health:    handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Ledger:    handler.NewLedgerHandler(deps.Ledger, a.logger),
		Positions: handler.NewPositionHandler(deps.PositionStore, events, service.PositionsStream, deps.AuditStore, a.logger),
		Metrics:   deps.Metrics.Handler(),
	}, deps.RateLimiter, a.logger)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// startRelay forwards ledger fills to the configured chat channels. It needs
// both a notifier and the Redis signal bus.
func (a *App) startRelay(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Notifier == nil || !deps.Notifier.Enabled() || deps.SignalBus == nil {
		return
	}
	relay := notify.NewRelay(deps.SignalBus, service.PositionsChannel, deps.Notifier, a.logger)
	g.Go(func() error { return relay.Run(ctx) })
}
