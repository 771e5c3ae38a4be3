// Package replay reconstructs a cycle's lots from its ordered events.
//
// Replay is a pure function: the same event set always yields the same
// lots and summary. It performs no I/O and never fails; events without a
// valid transition are recorded as unapplied and the cycle is flagged for
// review.
package replay

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/wheel-engine/internal/model"
	"github.com/atmx/wheel-engine/internal/pnl"
)

// Result is the output of one reconstruction pass. RebuiltAt is left zero
// so results stay comparable; the ledger stamps it on commit.
type Result struct {
	Lots    []model.Lot
	Summary model.CycleSummary
}

// Sort returns a copy of events in ledger order: (trade_date, sequence,
// position). The sort is stable, so full ties keep their input order.
func Sort(events []model.WheelEvent) []model.WheelEvent {
	out := make([]model.WheelEvent, len(events))
	copy(out, events)
	sort.SliceStable(out, func(i, j int) bool {
		return model.Before(out[i], out[j])
	})
	return out
}

// Replay runs the wheel state machine over events and returns the
// reconstructed lots and cycle summary.
func Replay(cycleKey string, events []model.WheelEvent) Result {
	ordered := Sort(events)
	m := &machine{
		cycleKey:  cycleKey,
		state:     model.StateAwaitingPut,
		open:      -1,
		lots:      []model.Lot{},
		unapplied: []model.UnappliedEvent{},
	}

	lastClosed := false
	for _, e := range ordered {
		reason := m.apply(e)
		if reason != "" {
			m.unapplied = append(m.unapplied, model.UnappliedEvent{
				EventID:   e.ID,
				TradeType: e.TradeType,
				TradeDate: e.TradeDate,
				State:     m.state,
				Reason:    reason,
			})
			m.unappliedPremium = m.unappliedPremium.Add(e.PremiumTotal())
			lastClosed = false
			continue
		}
		lastClosed = e.TradeType == model.CalledAway
	}
	if lastClosed {
		m.state = model.StateClosed
	}

	return Result{Lots: m.lots, Summary: m.summary(ordered)}
}

// machine holds one current slot (pending put or open lot) plus the list
// of lots created so far.
type machine struct {
	cycleKey string
	state    model.CycleState

	pending    decimal.Decimal
	putShares  int64
	putOpened  model.WheelEvent
	openStrike decimal.NullDecimal

	open int // index of the open lot, -1 when none
	lots []model.Lot

	unapplied        []model.UnappliedEvent
	unappliedPremium decimal.Decimal
}

func (m *machine) apply(e model.WheelEvent) string {
	switch e.TradeType {
	case model.SellPut:
		return m.sellPut(e)
	case model.Assignment:
		return m.assignment(e)
	case model.SellCall:
		return m.sellCall(e)
	case model.Expiration:
		return m.expiration(e)
	case model.CalledAway:
		return m.calledAway(e)
	case model.Roll:
		return m.roll(e)
	}
	return fmt.Sprintf("unknown trade type %q", e.TradeType)
}

func (m *machine) sellPut(e model.WheelEvent) string {
	if m.state != model.StateAwaitingPut && m.state != model.StatePutOpen {
		return m.noTransition(e)
	}
	m.pending = m.pending.Add(e.PremiumTotal())
	m.putShares = e.ShareCount()
	m.putOpened = e
	m.openStrike = e.Strike
	m.state = model.StatePutOpen
	return ""
}

func (m *machine) assignment(e model.WheelEvent) string {
	if m.state != model.StatePutOpen {
		return m.noTransition(e)
	}
	shares := m.putShares
	if explicitCount(e) {
		shares = e.ShareCount()
	}
	m.pending = m.pending.Add(e.PremiumTotal())

	strike := e.Strike.Decimal
	m.lots = append(m.lots, model.Lot{
		CycleKey:          m.cycleKey,
		Index:             len(m.lots),
		OpeningEventID:    e.ID,
		Shares:            shares,
		CostBasis:         strike.Mul(decimal.NewFromInt(shares)).Sub(m.pending),
		CumulativePremium: m.pending,
		Status:            model.LotOpen,
		AssignmentStrike:  strike,
		OpenedOn:          e.TradeDate,
	})
	m.open = len(m.lots) - 1
	m.pending = decimal.Zero
	m.putShares = 0
	m.openStrike = decimal.NullDecimal{}
	m.state = model.StateSharesHeld
	return ""
}

func (m *machine) sellCall(e model.WheelEvent) string {
	if m.state != model.StateSharesHeld {
		return m.noTransition(e)
	}
	lot := &m.lots[m.open]
	lot.CumulativePremium = lot.CumulativePremium.Add(e.PremiumTotal())
	lot.Covered = true
	lot.CallStrike = e.Strike
	m.openStrike = e.Strike
	m.state = model.StateCallOpen
	return ""
}

func (m *machine) expiration(e model.WheelEvent) string {
	switch m.state {
	case model.StatePutOpen:
		m.pending = m.pending.Add(e.PremiumTotal())
		m.openStrike = decimal.NullDecimal{}
		m.state = model.StateAwaitingPut
	case model.StateCallOpen:
		lot := &m.lots[m.open]
		lot.CumulativePremium = lot.CumulativePremium.Add(e.PremiumTotal())
		lot.Covered = false
		lot.CallStrike = decimal.NullDecimal{}
		m.openStrike = decimal.NullDecimal{}
		m.state = model.StateSharesHeld
	default:
		return m.noTransition(e)
	}
	return ""
}

func (m *machine) calledAway(e model.WheelEvent) string {
	if m.state != model.StateCallOpen {
		return m.noTransition(e)
	}
	lot := &m.lots[m.open]
	if explicitCount(e) && e.ShareCount() != lot.Shares {
		lot.Status = model.LotInconsistent
		return fmt.Sprintf("called away %d shares but lot %d holds %d", e.ShareCount(), lot.Index, lot.Shares)
	}

	lot.CumulativePremium = lot.CumulativePremium.Add(e.PremiumTotal())
	proceeds := e.Strike.Decimal.Mul(decimal.NewFromInt(lot.Shares))
	lot.RealizedPnL = decimal.NewNullDecimal(proceeds.Add(lot.CumulativePremium).Sub(lot.CostBasis))
	closing := e.ID
	closedOn := e.TradeDate
	lot.ClosingEventID = &closing
	lot.ClosedOn = &closedOn
	lot.Status = model.LotClosed
	lot.Covered = false

	m.open = -1
	m.openStrike = decimal.NullDecimal{}
	m.state = model.StateAwaitingPut
	return ""
}

// roll closes and reopens the current leg in one event; its net premium
// may be a debit.
func (m *machine) roll(e model.WheelEvent) string {
	switch m.state {
	case model.StatePutOpen:
		m.pending = m.pending.Add(e.PremiumTotal())
		if explicitCount(e) {
			m.putShares = e.ShareCount()
		}
		m.putOpened = e
	case model.StateCallOpen:
		lot := &m.lots[m.open]
		lot.CumulativePremium = lot.CumulativePremium.Add(e.PremiumTotal())
		lot.CallStrike = e.Strike
	default:
		return m.noTransition(e)
	}
	m.openStrike = e.Strike
	return ""
}

func (m *machine) noTransition(e model.WheelEvent) string {
	return fmt.Sprintf("%s has no transition from %s", e.TradeType, m.state)
}

func (m *machine) summary(ordered []model.WheelEvent) model.CycleSummary {
	s := model.CycleSummary{
		CycleKey:         m.cycleKey,
		State:            m.state,
		EventCount:       len(ordered),
		LotCount:         len(m.lots),
		PendingPremium:   m.pending,
		UnappliedPremium: m.unappliedPremium,
		Unapplied:        m.unapplied,
		OpenStrike:       m.openStrike,
	}
	if len(ordered) > 0 {
		s.Ticker = ordered[0].Ticker
	}
	s.LotPremium, s.RealizedPnL = pnl.Totals(m.lots)
	s.TotalPremium = s.LotPremium.Add(s.PendingPremium).Add(s.UnappliedPremium)

	switch {
	case len(m.unapplied) > 0:
		s.Status = model.CycleNeedsReview
		s.NeedsReview = true
	case m.state == model.StateClosed:
		s.Status = model.CycleClosed
	default:
		s.Status = model.CycleActive
	}

	if m.state == model.StatePutOpen {
		s.PendingLot = m.pendingLot()
	}
	return s
}

// pendingLot is the lot an assignment of the open put would create.
func (m *machine) pendingLot() *model.Lot {
	lot := &model.Lot{
		CycleKey:          m.cycleKey,
		Index:             len(m.lots),
		OpeningEventID:    m.putOpened.ID,
		Shares:            m.putShares,
		CumulativePremium: m.pending,
		Status:            model.LotPendingPut,
		OpenedOn:          m.putOpened.TradeDate,
	}
	if m.openStrike.Valid {
		lot.AssignmentStrike = m.openStrike.Decimal
		lot.CostBasis = m.openStrike.Decimal.Mul(decimal.NewFromInt(m.putShares)).Sub(m.pending)
	}
	return lot
}

func explicitCount(e model.WheelEvent) bool {
	return e.Shares > 0 || e.Contracts > 0
}
