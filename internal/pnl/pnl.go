// Package pnl derives cost-basis and profit-and-loss figures from
// reconstructed lots. Every function is pure; the current price is passed
// in, never looked up.
package pnl

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/wheel-engine/internal/model"
)

// Totals sums premium and realized P&L over every lot, whatever its status.
func Totals(lots []model.Lot) (premium, realized decimal.Decimal) {
	premium, realized = decimal.Zero, decimal.Zero
	for _, l := range lots {
		premium = premium.Add(l.CumulativePremium)
		if l.RealizedPnL.Valid {
			realized = realized.Add(l.RealizedPnL.Decimal)
		}
	}
	return premium, realized
}

// Unrealized computes (price − cost_basis/shares)*shares + cumulative_premium
// for an open lot. It reports false when the figure is unknown: no price,
// no shares, or a lot that is not open.
func Unrealized(lot model.Lot, price decimal.NullDecimal) (decimal.Decimal, bool) {
	if !price.Valid || lot.Status != model.LotOpen || lot.Shares <= 0 {
		return decimal.Zero, false
	}
	// price*shares − cost_basis is the same quantity without dividing.
	market := price.Decimal.Mul(decimal.NewFromInt(lot.Shares))
	return market.Sub(lot.CostBasis).Add(lot.CumulativePremium), true
}

// ValueLot returns lot with its live unrealized figure filled in, or
// cleared when it cannot be known.
func ValueLot(lot model.Lot, price decimal.NullDecimal) model.Lot {
	lot.UnrealizedPnL = decimal.NullDecimal{}
	if u, ok := Unrealized(lot, price); ok {
		lot.UnrealizedPnL = decimal.NewNullDecimal(u)
	}
	return lot
}

// Summarize values every lot at price and fills the live fields of the
// cycle summary. The cycle's unrealized figure is omitted when no open
// lot could be valued.
func Summarize(s model.CycleSummary, lots []model.Lot, price decimal.NullDecimal) (model.CycleSummary, []model.Lot) {
	valued := make([]model.Lot, len(lots))
	total := decimal.Zero
	seen := false
	for i, l := range lots {
		valued[i] = ValueLot(l, price)
		if valued[i].UnrealizedPnL.Valid {
			total = total.Add(valued[i].UnrealizedPnL.Decimal)
			seen = true
		}
	}

	s.LotPremium, s.RealizedPnL = Totals(lots)
	s.TotalPremium = s.LotPremium.Add(s.PendingPremium).Add(s.UnappliedPremium)
	s.CurrentPrice = price
	s.UnrealizedPnL = decimal.NullDecimal{}
	if seen {
		s.UnrealizedPnL = decimal.NewNullDecimal(total)
	}
	return s, valued
}
