package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/tradekit/internal/domain"
)

// Relay turns position events from the signal bus into notifications. The
// event name used for filtering is the lower-cased position status after the
// fill ("open", "closed").
type Relay struct {
	bus      domain.SignalBus
	channel  string
	notifier *Notifier
	logger   *slog.Logger
}

func NewRelay(bus domain.SignalBus, channel string, notifier *Notifier, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Relay{
		bus:      bus,
		channel:  channel,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "notify_relay")),
	}
}

// Run forwards events until ctx is canceled or the subscription closes.
func (r *Relay) Run(ctx context.Context) error {
	ch, err := r.bus.Subscribe(ctx, r.channel)
	if err != nil {
		return fmt.Errorf("notify: subscribe %s: %w", r.channel, err)
	}
	r.logger.InfoContext(ctx, "notify: relay started", slog.String("channel", r.channel))

	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(ctx, payload)
		}
	}
}

func (r *Relay) handle(ctx context.Context, payload []byte) {
	var evt domain.PositionEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		r.logger.WarnContext(ctx, "notify: bad event payload", slog.String("error", err.Error()))
		return
	}
	title, message := FormatEvent(evt)
	// Notify already logs per-sender failures.
	_ = r.notifier.Notify(ctx, strings.ToLower(string(evt.Status)), title, message)
}

// FormatEvent renders a fill as a notification title and body.
func FormatEvent(evt domain.PositionEvent) (title, message string) {
	title = fmt.Sprintf("%s %d %s @ %s", evt.Action, evt.Quantity, evt.Ticker, evt.Price.String())
	message = fmt.Sprintf("bot %s, position %s, %s",
		evt.Bot, evt.Status, evt.At.UTC().Format("2006-01-02 15:04:05 MST"))
	return title, message
}
