package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/tradekit/internal/domain"
)

// PositionReader is the read side of the position store used by the API.
type PositionReader interface {
	GetLast(ctx context.Context, botName, ticker string) (*domain.PositionRecord, error)
	ListClosed(ctx context.Context, opts domain.ListOpts) ([]*domain.PositionRecord, error)
}

// EventReader reads the durable position event stream.
type EventReader interface {
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error)
}

// PositionHandler serves position, event and audit endpoints.
type PositionHandler struct {
	positions PositionReader
	events    EventReader
	stream    string
	audit     domain.AuditStore
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler. events and audit may be nil,
// in which case their endpoints answer 503.
func NewPositionHandler(positions PositionReader, events EventReader, stream string, audit domain.AuditStore, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		events:    events,
		stream:    stream,
		audit:     audit,
		logger:    logger,
	}
}

// GetLast returns the most recent record of a bot and ticker.
// GET /api/positions/{bot}/{ticker}
func (h *PositionHandler) GetLast(w http.ResponseWriter, r *http.Request) {
	bot, ticker := r.PathValue("bot"), r.PathValue("ticker")
	if err := domain.ValidateKey(bot, ticker); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := h.positions.GetLast(r.Context(), bot, ticker)
	if err != nil {
		code := statusFor(err)
		if code == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "handler: get position failed",
				slog.String("bot", bot),
				slog.String("ticker", ticker),
				slog.String("error", err.Error()),
			)
			writeError(w, code, "failed to load position")
			return
		}
		writeError(w, code, "no position for "+bot+"/"+ticker)
		return
	}
	writeJSON(w, http.StatusOK, rec.Snapshot())
}

// ListClosed returns CLOSED records ordered by exit date.
// GET /api/positions/closed?since=&until=&limit=&offset=
func (h *PositionHandler) ListClosed(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	recs, err := h.positions.ListClosed(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list closed positions failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	out := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Snapshot())
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": out})
}

type eventEnvelope struct {
	ID    string          `json:"id"`
	Event json.RawMessage `json:"event"`
}

// ListEvents replays fill events from the durable stream.
// GET /api/events?after=0&count=100
func (h *PositionHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}
	after := r.URL.Query().Get("after")
	if after == "" {
		after = "0"
	}
	count := 100
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid count")
			return
		}
		count = min(n, 1000)
	}

	msgs, err := h.events.StreamRead(r.Context(), h.stream, after, count)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: read events failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read events")
		return
	}

	out := make([]eventEnvelope, 0, len(msgs))
	for _, m := range msgs {
		if !json.Valid(m.Payload) {
			continue
		}
		out = append(out, eventEnvelope{ID: m.ID, Event: m.Payload})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

// ListAudit returns audit entries, newest first.
// GET /api/audit?since=&until=&limit=&offset=
func (h *PositionHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log not configured")
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := h.audit.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list audit failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list audit entries")
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
