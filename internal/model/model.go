// Package model defines the core domain types shared across the wheel engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// CycleStatus is derived by replay; callers never set it.
type CycleStatus string

const (
	CycleActive      CycleStatus = "Active"
	CycleNeedsReview CycleStatus = "NeedsReview"
	CycleClosed      CycleStatus = "Closed"
)

// CycleState is the position of the wheel state machine after replay.
type CycleState string

const (
	StateAwaitingPut CycleState = "AwaitingPut"
	StatePutOpen     CycleState = "PutOpen"
	StateSharesHeld  CycleState = "SharesHeld"
	StateCallOpen    CycleState = "CallOpen"
	StateClosed      CycleState = "Closed"
)

// LotStatus is the lifecycle status of a reconstructed lot.
type LotStatus string

const (
	LotPendingPut   LotStatus = "PendingPut"
	LotOpen         LotStatus = "Open"
	LotClosed       LotStatus = "Closed"
	LotInconsistent LotStatus = "Inconsistent"
)

// WheelCycle is one strategy lifecycle for a ticker. Created on the first
// accepted event for an unseen cycle key.
type WheelCycle struct {
	CycleKey  string      `json:"cycle_key" db:"cycle_key"`
	Ticker    string      `json:"ticker" db:"ticker"`
	Status    CycleStatus `json:"status" db:"status"`
	StartedOn time.Time   `json:"started_on" db:"started_on"`
	UpdatedAt time.Time   `json:"updated_at" db:"updated_at"`
}

// CycleRef is the listing view of a cycle.
type CycleRef struct {
	CycleKey string      `json:"cycle_key"`
	Ticker   string      `json:"ticker"`
	Status   CycleStatus `json:"status"`
}

// Ref returns the listing view of c.
func (c WheelCycle) Ref() CycleRef {
	return CycleRef{CycleKey: c.CycleKey, Ticker: c.Ticker, Status: c.Status}
}

// Lot is a block of shares reconstructed from a cycle's events. Lots are
// never authored directly; every replay recomputes the full set.
type Lot struct {
	CycleKey          string              `json:"cycle_key" db:"cycle_key"`
	Index             int                 `json:"index" db:"lot_index"`
	OpeningEventID    string              `json:"opening_event_id" db:"opening_event_id"`
	ClosingEventID    *string             `json:"closing_event_id,omitempty" db:"closing_event_id"`
	Shares            int64               `json:"shares" db:"shares"`
	CostBasis         decimal.Decimal     `json:"cost_basis" db:"cost_basis"`
	CumulativePremium decimal.Decimal     `json:"cumulative_premium" db:"cumulative_premium"`
	RealizedPnL       decimal.NullDecimal `json:"realized_pnl" db:"realized_pnl"`
	UnrealizedPnL     decimal.NullDecimal `json:"unrealized_pnl" db:"-"` // live, never stored
	Status            LotStatus           `json:"status" db:"status"`
	Covered           bool                `json:"covered" db:"covered"`
	AssignmentStrike  decimal.Decimal     `json:"assignment_strike" db:"assignment_strike"`
	CallStrike        decimal.NullDecimal `json:"call_strike" db:"call_strike"`
	OpenedOn          time.Time           `json:"opened_on" db:"opened_on"`
	ClosedOn          *time.Time          `json:"closed_on,omitempty" db:"closed_on"`
}

// UnappliedEvent references an event that had no valid transition when
// it was replayed.
type UnappliedEvent struct {
	EventID   string     `json:"event_id"`
	TradeType TradeType  `json:"trade_type"`
	TradeDate time.Time  `json:"trade_date"`
	State     CycleState `json:"state"`
	Reason    string     `json:"reason"`
}

// CycleSummary aggregates a cycle's reconstruction. Premium and realized
// sums cover every lot regardless of status.
type CycleSummary struct {
	CycleKey         string              `json:"cycle_key"`
	Ticker           string              `json:"ticker"`
	Status           CycleStatus         `json:"status"`
	State            CycleState          `json:"state"`
	EventCount       int                 `json:"event_count"`
	LotCount         int                 `json:"lot_count"`
	LotPremium       decimal.Decimal     `json:"lot_premium"`
	PendingPremium   decimal.Decimal     `json:"pending_premium"`
	UnappliedPremium decimal.Decimal     `json:"unapplied_premium"`
	TotalPremium     decimal.Decimal     `json:"total_premium"`
	RealizedPnL      decimal.Decimal     `json:"realized_pnl"`
	NeedsReview      bool                `json:"needs_review"`
	Unapplied        []UnappliedEvent    `json:"unapplied"`
	PendingLot       *Lot                `json:"pending_lot,omitempty"`
	OpenStrike       decimal.NullDecimal `json:"open_strike"`
	RebuiltAt        time.Time           `json:"rebuilt_at"`

	// Live figures, filled from a price source at read time.
	CurrentPrice  decimal.NullDecimal `json:"current_price"`
	UnrealizedPnL decimal.NullDecimal `json:"unrealized_pnl"`
}
