// Package memory implements domain store interfaces in process memory. It
// backs paper trading runs and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/tradekit/internal/domain"
)

// PositionStore implements domain.PositionStore over a map keyed by id.
type PositionStore struct {
	mu     sync.RWMutex
	rows   map[int64]*domain.PositionRecord
	nextID int64
}

var _ domain.PositionStore = (*PositionStore)(nil)

// NewPositionStore creates an empty PositionStore.
func NewPositionStore() *PositionStore {
	return &PositionStore{rows: make(map[int64]*domain.PositionRecord)}
}

// Create stores a copy of rec under a fresh id.
func (s *PositionStore) Create(_ context.Context, rec *domain.PositionRecord) (int64, error) {
	if err := requireInsertFields(rec); err != nil {
		return 0, fmt.Errorf("memory: create position: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	row := rec.Clone()
	row.ID = &id
	s.rows[id] = row
	return id, nil
}

// Update merges rec.Patch() into the stored row.
func (s *PositionStore) Update(_ context.Context, rec *domain.PositionRecord) error {
	if rec.ID == nil {
		return fmt.Errorf("memory: update position: %w", domain.ErrMissingID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[*rec.ID]
	if !ok {
		return fmt.Errorf("memory: update position %d: %w", *rec.ID, domain.ErrNotFound)
	}
	row.Apply(rec.Patch())
	return nil
}

func (s *PositionStore) GetLast(_ context.Context, botName, ticker string) (*domain.PositionRecord, error) {
	return s.latest(botName, ticker, func(*domain.PositionRecord) bool { return true })
}

func (s *PositionStore) GetLatestOpen(_ context.Context, botName, ticker string) (*domain.PositionRecord, error) {
	return s.latest(botName, ticker, func(r *domain.PositionRecord) bool {
		return r.Status.Held()
	})
}

func (s *PositionStore) GetLastObservedExitDate(_ context.Context) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last *time.Time
	for _, r := range s.rows {
		if r.Status != domain.StatusClosed || r.ObservedExitDate == nil {
			continue
		}
		if last == nil || r.ObservedExitDate.After(*last) {
			last = r.ObservedExitDate
		}
	}
	if last == nil {
		return time.Time{}, fmt.Errorf("memory: last observed exit date: %w", domain.ErrNotFound)
	}
	return *last, nil
}

func (s *PositionStore) ListClosed(_ context.Context, opts domain.ListOpts) ([]*domain.PositionRecord, error) {
	s.mu.RLock()
	var out []*domain.PositionRecord
	for _, r := range s.rows {
		if r.Status != domain.StatusClosed || r.ExitDate == nil {
			continue
		}
		if opts.Since != nil && r.ExitDate.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && r.ExitDate.After(*opts.Until) {
			continue
		}
		out = append(out, r.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ExitDate.Equal(*out[j].ExitDate) {
			return *out[i].ID < *out[j].ID
		}
		return out[i].ExitDate.Before(*out[j].ExitDate)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *PositionStore) latest(botName, ticker string, match func(*domain.PositionRecord) bool) (*domain.PositionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *domain.PositionRecord
	for id, r := range s.rows {
		if r.BotName != botName || r.Ticker != ticker || !match(r) {
			continue
		}
		if best == nil || id > *best.ID {
			best = r
		}
	}
	if best == nil {
		return nil, fmt.Errorf("memory: position %s/%s: %w", botName, ticker, domain.ErrNotFound)
	}
	return best.Clone(), nil
}

func requireInsertFields(rec *domain.PositionRecord) error {
	switch {
	case rec.BotName == "":
		return &domain.ValidationError{Field: "bot_name", Reason: "required"}
	case rec.Ticker == "":
		return &domain.ValidationError{Field: "ticker", Reason: "required"}
	case rec.Action == "":
		return &domain.ValidationError{Field: "action", Reason: "required"}
	case rec.PositionType == "":
		return &domain.ValidationError{Field: "position_type", Reason: "required"}
	case rec.Quantity <= 0:
		return &domain.ValidationError{Field: "quantity", Reason: "required"}
	case rec.Status == "":
		return &domain.ValidationError{Field: "status", Reason: "required"}
	}
	return nil
}
