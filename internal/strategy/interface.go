// Package strategy holds the trading strategies a bot can run and the
// registry that builds them from configuration.
package strategy

import (
	"log/slog"
	"time"

	"github.com/alanyoungcy/tradekit/internal/domain"
	"github.com/alanyoungcy/tradekit/internal/service"
)

// Config holds one bot's strategy configuration.
type Config struct {
	Name   string
	Params map[string]any
}

// Deps are the collaborators a strategy may use.
type Deps struct {
	Prices domain.PriceCache
	Logger *slog.Logger
	Now    func() time.Time
}

// Factory builds a strategy from its configuration.
type Factory func(cfg Config, deps Deps) (service.Strategy, error)
