package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradekit/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

var _ domain.PositionStore = (*PositionStore)(nil)

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, bot_name, ticker, position_type, action, order_type, quantity,
	closed_quantity, order_quantity,
	stop_loss, take_profit,
	entry_submit_price, entry_submit_date, entry_price, entry_date,
	exit_submit_price, exit_submit_date, exit_price, exit_date, exit_reason,
	observed_entry_date, observed_exit_date, status`

func scanPositionRow(row pgx.Row) (*domain.PositionRecord, error) {
	var (
		p                                       domain.PositionRecord
		id                                      int64
		positionType, action, orderType, status string
		exitReason                              *string
		stopLoss, takeProfit                    decimal.NullDecimal
		entrySubmitPrice, entryPrice            decimal.NullDecimal
		exitSubmitPrice, exitPrice              decimal.NullDecimal
	)

	err := row.Scan(
		&id, &p.BotName, &p.Ticker, &positionType, &action, &orderType, &p.Quantity,
		&p.ClosedQuantity, &p.OrderQuantity,
		&stopLoss, &takeProfit,
		&entrySubmitPrice, &p.EntrySubmitDate, &entryPrice, &p.EntryDate,
		&exitSubmitPrice, &p.ExitSubmitDate, &exitPrice, &p.ExitDate, &exitReason,
		&p.ObservedEntryDate, &p.ObservedExitDate, &status,
	)
	if err != nil {
		return nil, err
	}

	p.ID = &id
	p.PositionType = domain.PositionType(positionType)
	p.Action = domain.Action(action)
	p.OrderType = domain.OrderType(orderType)
	p.Status = domain.PositionStatus(status)
	if exitReason != nil {
		r := domain.ExitReason(*exitReason)
		p.ExitReason = &r
	}
	p.StopLoss = decimalPtr(stopLoss)
	p.TakeProfit = decimalPtr(takeProfit)
	p.EntrySubmitPrice = decimalPtr(entrySubmitPrice)
	p.EntryPrice = decimalPtr(entryPrice)
	p.ExitSubmitPrice = decimalPtr(exitSubmitPrice)
	p.ExitPrice = decimalPtr(exitPrice)
	return &p, nil
}

// Create inserts rec and returns the id assigned by the sequence.
func (s *PositionStore) Create(ctx context.Context, rec *domain.PositionRecord) (int64, error) {
	const query = `
		INSERT INTO positions (
			bot_name, ticker, position_type, action, order_type, quantity,
			closed_quantity, order_quantity,
			stop_loss, take_profit,
			entry_submit_price, entry_submit_date, entry_price, entry_date,
			exit_submit_price, exit_submit_date, exit_price, exit_date, exit_reason,
			observed_entry_date, observed_exit_date, status
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8,
			$9, $10,
			$11, $12, $13, $14,
			$15, $16, $17, $18, $19,
			$20, $21, $22
		) RETURNING id`

	var id int64
	err := s.pool.QueryRow(ctx, query,
		rec.BotName, rec.Ticker, string(rec.PositionType), string(rec.Action), string(rec.OrderType), rec.Quantity,
		rec.ClosedQuantity, rec.OrderQuantity,
		nullDecimal(rec.StopLoss), nullDecimal(rec.TakeProfit),
		nullDecimal(rec.EntrySubmitPrice), rec.EntrySubmitDate, nullDecimal(rec.EntryPrice), rec.EntryDate,
		nullDecimal(rec.ExitSubmitPrice), rec.ExitSubmitDate, nullDecimal(rec.ExitPrice), rec.ExitDate, exitReasonArg(rec.ExitReason),
		rec.ObservedEntryDate, rec.ObservedExitDate, string(rec.Status),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: create position %s: %w", rec.Key(), err)
	}
	return id, nil
}

// Update writes rec.Patch(). Optional columns go through COALESCE so an
// absent value never overwrites a stored one.
func (s *PositionStore) Update(ctx context.Context, rec *domain.PositionRecord) error {
	if rec.ID == nil {
		return fmt.Errorf("postgres: update position %s: %w", rec.Key(), domain.ErrMissingID)
	}
	patch := rec.Patch()

	const query = `
		UPDATE positions SET
			action              = $2,
			order_type          = $3,
			quantity            = $4,
			status              = $5,
			closed_quantity     = $6,
			order_quantity      = $7,
			stop_loss           = COALESCE($8, stop_loss),
			take_profit         = COALESCE($9, take_profit),
			entry_submit_price  = COALESCE($10, entry_submit_price),
			entry_submit_date   = COALESCE($11, entry_submit_date),
			entry_price         = COALESCE($12, entry_price),
			entry_date          = COALESCE($13, entry_date),
			exit_submit_price   = COALESCE($14, exit_submit_price),
			exit_submit_date    = COALESCE($15, exit_submit_date),
			exit_price          = COALESCE($16, exit_price),
			exit_date           = COALESCE($17, exit_date),
			exit_reason         = COALESCE($18, exit_reason),
			observed_entry_date = COALESCE($19, observed_entry_date),
			observed_exit_date  = COALESCE($20, observed_exit_date),
			updated_at          = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		*rec.ID,
		string(patch.Action), string(patch.OrderType), patch.Quantity, string(patch.Status),
		patch.ClosedQuantity, patch.OrderQuantity,
		nullDecimal(patch.StopLoss), nullDecimal(patch.TakeProfit),
		nullDecimal(patch.EntrySubmitPrice), patch.EntrySubmitDate,
		nullDecimal(patch.EntryPrice), patch.EntryDate,
		nullDecimal(patch.ExitSubmitPrice), patch.ExitSubmitDate,
		nullDecimal(patch.ExitPrice), patch.ExitDate,
		exitReasonArg(patch.ExitReason),
		patch.ObservedEntryDate, patch.ObservedExitDate,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %d: %w", *rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update position %d: %w", *rec.ID, domain.ErrNotFound)
	}
	return nil
}

// GetLast returns the most recent record of the pair regardless of status.
func (s *PositionStore) GetLast(ctx context.Context, botName, ticker string) (*domain.PositionRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE bot_name = $1 AND ticker = $2
		 ORDER BY id DESC LIMIT 1`, botName, ticker)
	return s.scanOne(row, "get last position", botName, ticker)
}

// GetLatestOpen returns the most recent OPEN or PARTIAL record of the pair.
func (s *PositionStore) GetLatestOpen(ctx context.Context, botName, ticker string) (*domain.PositionRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE bot_name = $1 AND ticker = $2 AND status IN ($3, $4)
		 ORDER BY id DESC LIMIT 1`, botName, ticker, string(domain.StatusOpen), string(domain.StatusPartial))
	return s.scanOne(row, "get latest open position", botName, ticker)
}

// GetLastObservedExitDate returns the latest observed exit among CLOSED
// records.
func (s *PositionStore) GetLastObservedExitDate(ctx context.Context) (time.Time, error) {
	var last *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(observed_exit_date) FROM positions WHERE status = $1`,
		string(domain.StatusClosed),
	).Scan(&last)
	if err != nil {
		return time.Time{}, fmt.Errorf("postgres: last observed exit date: %w", err)
	}
	if last == nil {
		return time.Time{}, fmt.Errorf("postgres: last observed exit date: %w", domain.ErrNotFound)
	}
	return *last, nil
}

// ListClosed returns CLOSED records ordered by exit date.
func (s *PositionStore) ListClosed(ctx context.Context, opts domain.ListOpts) ([]*domain.PositionRecord, error) {
	query, args := withListOpts(
		`SELECT `+positionSelectCols+` FROM positions WHERE status = $1 AND exit_date IS NOT NULL`,
		[]any{string(domain.StatusClosed)},
		"exit_date", "exit_date ASC, id ASC", opts,
	)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	defer rows.Close()

	var out []*domain.PositionRecord
	for rows.Next() {
		rec, err := scanPositionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan closed position: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list closed positions rows: %w", err)
	}
	return out, nil
}

func (s *PositionStore) scanOne(row pgx.Row, op, botName, ticker string) (*domain.PositionRecord, error) {
	rec, err := scanPositionRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres: %s %s/%s: %w", op, botName, ticker, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: %s %s/%s: %w", op, botName, ticker, err)
	}
	return rec, nil
}

func exitReasonArg(r *domain.ExitReason) *string {
	if r == nil {
		return nil
	}
	s := string(*r)
	return &s
}
