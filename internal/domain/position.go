package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PositionType is the direction of a position.
type PositionType string

const (
	PositionLong  PositionType = "LONG"
	PositionShort PositionType = "SHORT"
)

// Valid reports whether t is LONG or SHORT.
func (t PositionType) Valid() bool {
	return t == PositionLong || t == PositionShort
}

// Action is the order side that most recently moved a position.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// Valid reports whether a is BUY or SELL.
func (a Action) Valid() bool {
	return a == ActionBuy || a == ActionSell
}

// OrderType selects limit or market execution.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// Valid reports whether t is LIMIT or MARKET.
func (t OrderType) Valid() bool {
	return t == OrderTypeLimit || t == OrderTypeMarket
}

// ExitReason records why a position was closed.
type ExitReason string

const (
	ExitTechnical  ExitReason = "TECHNICAL"
	ExitStopLoss   ExitReason = "STOP_LOSS"
	ExitTakeProfit ExitReason = "TAKE_PROFIT"
	ExitManual     ExitReason = "MANUAL"
	ExitTimeout    ExitReason = "TIMEOUT"
	ExitSignal     ExitReason = "SIGNAL"
	ExitOther      ExitReason = "OTHER"
)

// Valid reports whether r is one of the known exit reasons.
func (r ExitReason) Valid() bool {
	switch r {
	case ExitTechnical, ExitStopLoss, ExitTakeProfit, ExitManual, ExitTimeout, ExitSignal, ExitOther:
		return true
	}
	return false
}

// PositionStatus tracks the lifecycle of a position.
type PositionStatus string

const (
	StatusPending  PositionStatus = "PENDING"
	StatusOpen     PositionStatus = "OPEN"
	StatusPartial  PositionStatus = "PARTIAL"
	StatusClosed   PositionStatus = "CLOSED"
	StatusCanceled PositionStatus = "CANCELED"
	StatusFailed   PositionStatus = "FAILED"
)

// Valid reports whether s is one of the known lifecycle states.
func (s PositionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusOpen, StatusPartial, StatusClosed, StatusCanceled, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed out of s.
func (s PositionStatus) Terminal() bool {
	return s == StatusClosed || s == StatusCanceled || s == StatusFailed
}

// Executable reports whether the ledger accepts an order for a record in s.
func (s PositionStatus) Executable() bool {
	return s == StatusPending || s.Held()
}

// Held reports whether shares are still carried by a record in s. A
// PARTIAL record has had some, but not all, of its entry quantity exited.
func (s PositionStatus) Held() bool {
	return s == StatusOpen || s == StatusPartial
}

// CanTransition reports whether a record in s may move to next.
func (s PositionStatus) CanTransition(next PositionStatus) bool {
	if !next.Valid() {
		return false
	}
	return !s.Terminal() || s == next
}

// Leg identifies which half of a position an order stamps.
type Leg string

const (
	LegEntry Leg = "entry"
	LegExit  Leg = "exit"
)

// Transition is one row of the action x position type table.
type Transition struct {
	Leg    Leg
	Insert bool
	Status PositionStatus
}

// Opens reports whether the transition starts a new position.
func (t Transition) Opens() bool { return t.Leg == LegEntry }

// TransitionFor returns the leg, persistence mode and resulting status of
// executing action against a position of type t. The CLOSED status of an
// exit leg applies once nothing remains; a smaller exit leaves the record
// PARTIAL (see ExitStatus).
//
//	BUY  LONG   open long    entry  insert  OPEN
//	BUY  SHORT  cover short  exit   update  CLOSED
//	SELL LONG   close long   exit   update  CLOSED
//	SELL SHORT  open short   entry  insert  OPEN
func TransitionFor(action Action, t PositionType) Transition {
	opening := (action == ActionBuy) == (t == PositionLong)
	if opening {
		return Transition{Leg: LegEntry, Insert: true, Status: StatusOpen}
	}
	return Transition{Leg: LegExit, Insert: false, Status: StatusClosed}
}

// ExitStatus is the status an exit leg leaves behind given the quantity
// still held after it fills.
func (t Transition) ExitStatus(remaining int64) PositionStatus {
	if t.Opens() || remaining <= 0 {
		return t.Status
	}
	return StatusPartial
}

const (
	maxBotNameLen = 50
	maxTickerLen  = 10

	// DateLayout is the fixed representation of every date in a snapshot.
	DateLayout = "2006-01-02 15:04:05"
)

// PositionRecord holds the full lifecycle state of one trade attempt.
// Optional fields are nil when unset.
//
// Quantity is the entry size and is never rewritten by an exit leg.
// ClosedQuantity accumulates exit fills and OrderQuantity is the size of the
// most recently submitted order on either leg.
type PositionRecord struct {
	ID *int64

	BotName      string
	Ticker       string
	PositionType PositionType
	Action       Action
	OrderType    OrderType
	Quantity     int64

	ClosedQuantity int64
	OrderQuantity  int64

	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal

	EntrySubmitPrice *decimal.Decimal
	EntrySubmitDate  *time.Time
	EntryPrice       *decimal.Decimal
	EntryDate        *time.Time

	ExitSubmitPrice *decimal.Decimal
	ExitSubmitDate  *time.Time
	ExitPrice       *decimal.Decimal
	ExitDate        *time.Time
	ExitReason      *ExitReason

	ObservedEntryDate *time.Time
	ObservedExitDate  *time.Time

	Status PositionStatus
}

// PositionParams are the fields a caller supplies when opening a record.
type PositionParams struct {
	BotName           string
	Ticker            string
	PositionType      PositionType
	Action            Action
	OrderType         OrderType
	Quantity          int64
	EntrySubmitPrice  *decimal.Decimal
	StopLoss          *decimal.Decimal
	TakeProfit        *decimal.Decimal
	ObservedEntryDate *time.Time
}

// NewPositionRecord builds a PENDING record from p and validates it. Order
// type defaults to MARKET.
func NewPositionRecord(p PositionParams) (*PositionRecord, error) {
	orderType := p.OrderType
	if orderType == "" {
		orderType = OrderTypeMarket
	}
	rec := &PositionRecord{
		BotName:           p.BotName,
		Ticker:            p.Ticker,
		PositionType:      p.PositionType,
		Action:            p.Action,
		OrderType:         orderType,
		Quantity:          p.Quantity,
		OrderQuantity:     p.Quantity,
		EntrySubmitPrice:  cloneDecimal(p.EntrySubmitPrice),
		StopLoss:          cloneDecimal(p.StopLoss),
		TakeProfit:        cloneDecimal(p.TakeProfit),
		ObservedEntryDate: cloneTime(p.ObservedEntryDate),
		Status:            StatusPending,
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// Validate checks every field and returns a *ValidationError naming the first
// one that breaks an invariant.
func (p *PositionRecord) Validate() error {
	if err := ValidateKey(p.BotName, p.Ticker); err != nil {
		return err
	}
	if !p.PositionType.Valid() {
		return &ValidationError{Field: "position_type", Reason: fmt.Sprintf("unknown value %q", p.PositionType)}
	}
	if !p.Action.Valid() {
		return &ValidationError{Field: "action", Reason: fmt.Sprintf("unknown value %q", p.Action)}
	}
	if !p.OrderType.Valid() {
		return &ValidationError{Field: "order_type", Reason: fmt.Sprintf("unknown value %q", p.OrderType)}
	}
	if p.Quantity <= 0 {
		return &ValidationError{Field: "quantity", Reason: fmt.Sprintf("must be > 0, got %d", p.Quantity)}
	}
	if p.ClosedQuantity < 0 || p.ClosedQuantity > p.Quantity {
		return &ValidationError{Field: "closed_quantity", Reason: fmt.Sprintf("must be within 0-%d, got %d", p.Quantity, p.ClosedQuantity)}
	}
	if p.OrderQuantity < 0 {
		return &ValidationError{Field: "order_quantity", Reason: fmt.Sprintf("must be >= 0, got %d", p.OrderQuantity)}
	}

	prices := []struct {
		field string
		value *decimal.Decimal
	}{
		{"stop_loss", p.StopLoss},
		{"take_profit", p.TakeProfit},
		{"entry_submit_price", p.EntrySubmitPrice},
		{"entry_price", p.EntryPrice},
		{"exit_submit_price", p.ExitSubmitPrice},
		{"exit_price", p.ExitPrice},
	}
	for _, pr := range prices {
		if pr.value != nil && !pr.value.IsPositive() {
			return &ValidationError{Field: pr.field, Reason: fmt.Sprintf("must be > 0, got %s", pr.value)}
		}
	}

	if p.ExitReason != nil && !p.ExitReason.Valid() {
		return &ValidationError{Field: "exit_reason", Reason: fmt.Sprintf("unknown value %q", *p.ExitReason)}
	}
	if !p.Status.Valid() {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown value %q", p.Status)}
	}
	if p.Status == StatusClosed && (p.EntryPrice == nil || p.ExitPrice == nil) {
		return &ValidationError{Field: "status", Reason: "closed position requires entry and exit prices"}
	}
	if p.Status == StatusPartial && (p.ClosedQuantity == 0 || p.ClosedQuantity == p.Quantity) {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("partial position must have closed 1-%d, got %d", p.Quantity-1, p.ClosedQuantity)}
	}
	return nil
}

// ValidateKey checks the (bot, ticker) pair that identifies a position.
func ValidateKey(botName, ticker string) error {
	if n := len(botName); n == 0 || n > maxBotNameLen {
		return &ValidationError{Field: "bot_name", Reason: fmt.Sprintf("length must be 1-%d, got %d", maxBotNameLen, n)}
	}
	if n := len(ticker); n == 0 || n > maxTickerLen {
		return &ValidationError{Field: "ticker", Reason: fmt.Sprintf("length must be 1-%d, got %d", maxTickerLen, n)}
	}
	if !isAlphanumeric(ticker) {
		return &ValidationError{Field: "ticker", Reason: fmt.Sprintf("%q is not alphanumeric", ticker)}
	}
	return nil
}

// SetStatus moves the record to next, refusing to leave a terminal state.
func (p *PositionRecord) SetStatus(next PositionStatus) error {
	if !p.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, next)
	}
	p.Status = next
	return nil
}

// Opened reports whether the entry leg has been filled.
func (p *PositionRecord) Opened() bool {
	return p.EntryPrice != nil
}

// Remaining is the entry quantity not yet exited.
func (p *PositionRecord) Remaining() int64 {
	if !p.Opened() {
		return 0
	}
	return p.Quantity - p.ClosedQuantity
}

// Key is the (bot, ticker) pair a record belongs to.
func (p *PositionRecord) Key() string {
	return p.BotName + ":" + p.Ticker
}

// Clone returns a deep copy of the record.
func (p *PositionRecord) Clone() *PositionRecord {
	c := *p
	if p.ID != nil {
		id := *p.ID
		c.ID = &id
	}
	if p.ExitReason != nil {
		r := *p.ExitReason
		c.ExitReason = &r
	}
	c.StopLoss = cloneDecimal(p.StopLoss)
	c.TakeProfit = cloneDecimal(p.TakeProfit)
	c.EntrySubmitPrice = cloneDecimal(p.EntrySubmitPrice)
	c.EntrySubmitDate = cloneTime(p.EntrySubmitDate)
	c.EntryPrice = cloneDecimal(p.EntryPrice)
	c.EntryDate = cloneTime(p.EntryDate)
	c.ExitSubmitPrice = cloneDecimal(p.ExitSubmitPrice)
	c.ExitSubmitDate = cloneTime(p.ExitSubmitDate)
	c.ExitPrice = cloneDecimal(p.ExitPrice)
	c.ExitDate = cloneTime(p.ExitDate)
	c.ObservedEntryDate = cloneTime(p.ObservedEntryDate)
	c.ObservedExitDate = cloneTime(p.ObservedExitDate)
	return &c
}

// StampSubmit records the order intent on the given leg.
func (p *PositionRecord) StampSubmit(leg Leg, price decimal.Decimal, at time.Time) {
	if leg == LegEntry {
		p.EntrySubmitPrice = &price
		p.EntrySubmitDate = &at
		return
	}
	p.ExitSubmitPrice = &price
	p.ExitSubmitDate = &at
}

// StampFill records the execution of qty shares on the given leg. Exit
// fills accumulate into ClosedQuantity and ExitPrice becomes the
// quantity-weighted average over every exit fill so far.
func (p *PositionRecord) StampFill(leg Leg, price decimal.Decimal, qty int64, at time.Time) {
	if leg == LegEntry {
		p.EntryPrice = &price
		p.EntryDate = &at
		return
	}
	avg := price
	if p.ExitPrice != nil && p.ClosedQuantity > 0 {
		prior := decimal.NewFromInt(p.ClosedQuantity)
		total := prior.Add(decimal.NewFromInt(qty))
		avg = p.ExitPrice.Mul(prior).Add(price.Mul(decimal.NewFromInt(qty))).Div(total)
	}
	p.ClosedQuantity += qty
	p.ExitPrice = &avg
	p.ExitDate = &at
}

// Snapshot renders the record as a flat map for persistence and audit.
// Dates use DateLayout in UTC; unset optional fields map to nil.
func (p *PositionRecord) Snapshot() map[string]any {
	var id any
	if p.ID != nil {
		id = *p.ID
	}
	var reason any
	if p.ExitReason != nil {
		reason = string(*p.ExitReason)
	}
	return map[string]any{
		"id":                  id,
		"bot_name":            p.BotName,
		"ticker":              p.Ticker,
		"position_type":       string(p.PositionType),
		"action":              string(p.Action),
		"order_type":          string(p.OrderType),
		"quantity":            p.Quantity,
		"closed_quantity":     p.ClosedQuantity,
		"order_quantity":      p.OrderQuantity,
		"stop_loss":           formatDecimal(p.StopLoss),
		"take_profit":         formatDecimal(p.TakeProfit),
		"entry_submit_price":  formatDecimal(p.EntrySubmitPrice),
		"entry_submit_date":   formatDate(p.EntrySubmitDate),
		"entry_price":         formatDecimal(p.EntryPrice),
		"entry_date":          formatDate(p.EntryDate),
		"exit_submit_price":   formatDecimal(p.ExitSubmitPrice),
		"exit_submit_date":    formatDate(p.ExitSubmitDate),
		"exit_price":          formatDecimal(p.ExitPrice),
		"exit_date":           formatDate(p.ExitDate),
		"exit_reason":         reason,
		"observed_entry_date": formatDate(p.ObservedEntryDate),
		"observed_exit_date":  formatDate(p.ObservedExitDate),
		"status":              string(p.Status),
	}
}

// PositionPatch is the statically known set of columns an update may touch.
// Identity columns (bot, ticker, position type) are never patched. Nil
// pointers leave the stored value unchanged.
type PositionPatch struct {
	Action    Action
	OrderType OrderType
	Quantity  int64
	Status    PositionStatus

	ClosedQuantity int64
	OrderQuantity  int64

	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal

	EntrySubmitPrice *decimal.Decimal
	EntrySubmitDate  *time.Time
	EntryPrice       *decimal.Decimal
	EntryDate        *time.Time

	ExitSubmitPrice *decimal.Decimal
	ExitSubmitDate  *time.Time
	ExitPrice       *decimal.Decimal
	ExitDate        *time.Time
	ExitReason      *ExitReason

	ObservedEntryDate *time.Time
	ObservedExitDate  *time.Time
}

// Patch returns the update set for the record's current state.
func (p *PositionRecord) Patch() PositionPatch {
	c := p.Clone()
	return PositionPatch{
		Action:            c.Action,
		OrderType:         c.OrderType,
		Quantity:          c.Quantity,
		Status:            c.Status,
		ClosedQuantity:    c.ClosedQuantity,
		OrderQuantity:     c.OrderQuantity,
		StopLoss:          c.StopLoss,
		TakeProfit:        c.TakeProfit,
		EntrySubmitPrice:  c.EntrySubmitPrice,
		EntrySubmitDate:   c.EntrySubmitDate,
		EntryPrice:        c.EntryPrice,
		EntryDate:         c.EntryDate,
		ExitSubmitPrice:   c.ExitSubmitPrice,
		ExitSubmitDate:    c.ExitSubmitDate,
		ExitPrice:         c.ExitPrice,
		ExitDate:          c.ExitDate,
		ExitReason:        c.ExitReason,
		ObservedEntryDate: c.ObservedEntryDate,
		ObservedExitDate:  c.ObservedExitDate,
	}
}

// Apply merges the present fields of patch into p.
func (p *PositionRecord) Apply(patch PositionPatch) {
	p.Action = patch.Action
	p.OrderType = patch.OrderType
	p.Quantity = patch.Quantity
	p.Status = patch.Status
	p.ClosedQuantity = patch.ClosedQuantity
	p.OrderQuantity = patch.OrderQuantity
	mergeDecimal(&p.StopLoss, patch.StopLoss)
	mergeDecimal(&p.TakeProfit, patch.TakeProfit)
	mergeDecimal(&p.EntrySubmitPrice, patch.EntrySubmitPrice)
	mergeTime(&p.EntrySubmitDate, patch.EntrySubmitDate)
	mergeDecimal(&p.EntryPrice, patch.EntryPrice)
	mergeTime(&p.EntryDate, patch.EntryDate)
	mergeDecimal(&p.ExitSubmitPrice, patch.ExitSubmitPrice)
	mergeTime(&p.ExitSubmitDate, patch.ExitSubmitDate)
	mergeDecimal(&p.ExitPrice, patch.ExitPrice)
	mergeTime(&p.ExitDate, patch.ExitDate)
	if patch.ExitReason != nil {
		r := *patch.ExitReason
		p.ExitReason = &r
	}
	mergeTime(&p.ObservedEntryDate, patch.ObservedEntryDate)
	mergeTime(&p.ObservedExitDate, patch.ObservedExitDate)
}

// OrderResult is what the order gateway returns for one buy or sell.
// Skipped is set when the skip policy turned a zero quantity into a no-op.
type OrderResult struct {
	Quantity int64
	Skipped  bool
	Position *PositionRecord
}

// Account is a point-in-time view of ledger balances.
type Account struct {
	Cash       decimal.Decimal `json:"cash"`
	Holdings   int64           `json:"holdings"`
	Commission decimal.Decimal `json:"commission"`
}

func isAlphanumeric(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'A' || c > 'Z') && (c < 'a' || c > 'z') {
			return false
		}
	}
	return true
}

func formatDecimal(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func formatDate(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(DateLayout)
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func mergeDecimal(dst **decimal.Decimal, src *decimal.Decimal) {
	if src != nil {
		*dst = cloneDecimal(src)
	}
}

func mergeTime(dst **time.Time, src *time.Time) {
	if src != nil {
		*dst = cloneTime(src)
	}
}

// ParsePositionType accepts LONG or SHORT in any case.
func ParsePositionType(s string) (PositionType, error) {
	t := PositionType(strings.ToUpper(s))
	if !t.Valid() {
		return "", &ValidationError{Field: "position_type", Reason: fmt.Sprintf("unknown value %q", s)}
	}
	return t, nil
}

// ParseAction accepts BUY or SELL in any case.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToUpper(s))
	if !a.Valid() {
		return "", &ValidationError{Field: "action", Reason: fmt.Sprintf("unknown value %q", s)}
	}
	return a, nil
}

// ParseOrderType accepts LIMIT or MARKET in any case.
func ParseOrderType(s string) (OrderType, error) {
	t := OrderType(strings.ToUpper(s))
	if !t.Valid() {
		return "", &ValidationError{Field: "order_type", Reason: fmt.Sprintf("unknown value %q", s)}
	}
	return t, nil
}

// ParseExitReason accepts any known exit reason in any case.
func ParseExitReason(s string) (ExitReason, error) {
	r := ExitReason(strings.ToUpper(s))
	if !r.Valid() {
		return "", &ValidationError{Field: "exit_reason", Reason: fmt.Sprintf("unknown value %q", s)}
	}
	return r, nil
}

// ParseStatus accepts any known lifecycle state in any case.
func ParseStatus(s string) (PositionStatus, error) {
	st := PositionStatus(strings.ToUpper(s))
	if !st.Valid() {
		return "", &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown value %q", s)}
	}
	return st, nil
}
