// Package wheel is the core facade of the engine: imports, reads with live
// P&L, and maintenance operations on cycles. Transports (HTTP, websocket)
// sit on top of it.
package wheel

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmx/wheel-engine/internal/importer"
	"github.com/atmx/wheel-engine/internal/ledger"
	"github.com/atmx/wheel-engine/internal/model"
	"github.com/atmx/wheel-engine/internal/pnl"
	"github.com/atmx/wheel-engine/internal/price"
	"github.com/atmx/wheel-engine/internal/store"
)

// Change kinds reported to a Notifier.
const (
	ChangeRebuilt = "cycle_rebuilt"
	ChangeDeleted = "cycle_deleted"
)

// Notifier is told about every cycle whose derived state changed.
type Notifier interface {
	CycleChanged(kind string, summary model.CycleSummary)
}

// Filter narrows ListCycles. Zero values match everything.
type Filter struct {
	Status model.CycleStatus
	Ticker string
}

// LotFilter narrows ListLots. A nil Covered matches both.
type LotFilter struct {
	Status  model.LotStatus
	Covered *bool
}

func (f LotFilter) match(l model.Lot) bool {
	if f.Status != "" && l.Status != f.Status {
		return false
	}
	return f.Covered == nil || l.Covered == *f.Covered
}

// Overview aggregates every stored cycle. Collateral is the cash securing
// open puts: strike times shares of each cycle's pending lot.
type Overview struct {
	Cycles       int                       `json:"cycles"`
	OpenCycles   int                       `json:"open_cycles"`
	ByStatus     map[model.CycleStatus]int `json:"by_status"`
	OpenPuts     int                       `json:"open_puts"`
	Collateral   decimal.Decimal           `json:"collateral"`
	OpenLots     int                       `json:"open_lots"`
	TotalPremium decimal.Decimal           `json:"total_premium"`
	RealizedPnL  decimal.Decimal           `json:"realized_pnl"`
}

// Service wires the ledger, the importer and a price source together.
type Service struct {
	store    store.Store
	ledger   *ledger.Ledger
	importer *importer.Importer
	prices   price.Source
	notifier Notifier
	logger   *zap.Logger
}

// New creates the facade. prices may be nil, in which case no unrealized
// figures are produced.
func New(st store.Store, l *ledger.Ledger, im *importer.Importer, prices price.Source, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: st, ledger: l, importer: im, prices: prices, logger: logger}
}

// SetNotifier registers n for change notifications. Pass nil to disable.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// ImportEvents appends a batch of rows. cycleKeyHint names the cycle for
// rows that carry no key of their own.
func (s *Service) ImportEvents(ctx context.Context, cycleKeyHint string, rows []importer.Row) (importer.ImportResult, error) {
	res, err := s.importer.Import(ctx, cycleKeyHint, rows)
	s.notifyImported(ctx, res)
	return res, err
}

// ReimportEvents replaces the ledger of every cycle the batch touches.
func (s *Service) ReimportEvents(ctx context.Context, cycleKeyHint string, rows []importer.Row) (importer.ImportResult, error) {
	res, err := s.importer.Reimport(ctx, cycleKeyHint, rows)
	s.notifyImported(ctx, res)
	return res, err
}

// GetLots returns a cycle's lots valued at the current price. An unknown
// cycle has no lots.
func (s *Service) GetLots(ctx context.Context, cycleKey string) ([]model.Lot, error) {
	return s.ListLots(ctx, cycleKey, LotFilter{})
}

// ListLots is GetLots restricted to the lots matching f.
func (s *Service) ListLots(ctx context.Context, cycleKey string, f LotFilter) ([]model.Lot, error) {
	cycle, err := s.store.GetCycle(ctx, normalizeKey(cycleKey))
	if errors.Is(err, store.ErrNotFound) {
		return []model.Lot{}, nil
	}
	if err != nil {
		return nil, err
	}
	lots, err := s.store.GetLots(ctx, cycle.CycleKey)
	if errors.Is(err, store.ErrNotFound) {
		return []model.Lot{}, nil
	}
	if err != nil {
		return nil, err
	}

	p := price.Lookup(ctx, s.prices, cycle.Ticker)
	valued := make([]model.Lot, 0, len(lots))
	for _, l := range lots {
		if f.match(l) {
			valued = append(valued, pnl.ValueLot(l, p))
		}
	}
	return valued, nil
}

// GetCycleSummary returns the stored summary with live P&L filled in.
func (s *Service) GetCycleSummary(ctx context.Context, cycleKey string) (model.CycleSummary, error) {
	key := normalizeKey(cycleKey)
	sum, err := s.store.GetSummary(ctx, key)
	if err != nil {
		return model.CycleSummary{}, err
	}
	lots, err := s.store.GetLots(ctx, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return model.CycleSummary{}, err
	}
	valued, _ := pnl.Summarize(*sum, lots, price.Lookup(ctx, s.prices, sum.Ticker))
	return valued, nil
}

// ListCycles returns cycle references ordered by key.
func (s *Service) ListCycles(ctx context.Context, f Filter) ([]model.CycleRef, error) {
	cycles, err := s.store.ListCycles(ctx)
	if err != nil {
		return nil, err
	}
	ticker := strings.ToUpper(strings.TrimSpace(f.Ticker))
	refs := make([]model.CycleRef, 0, len(cycles))
	for _, c := range cycles {
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if ticker != "" && c.Ticker != ticker {
			continue
		}
		refs = append(refs, c.Ref())
	}
	return refs, nil
}

// Overview summarizes all cycles from their stored reconstructions.
func (s *Service) Overview(ctx context.Context) (Overview, error) {
	cycles, err := s.store.ListCycles(ctx)
	if err != nil {
		return Overview{}, err
	}
	ov := Overview{
		Cycles: len(cycles),
		ByStatus: map[model.CycleStatus]int{
			model.CycleActive:      0,
			model.CycleNeedsReview: 0,
			model.CycleClosed:      0,
		},
		Collateral:   decimal.Zero,
		TotalPremium: decimal.Zero,
		RealizedPnL:  decimal.Zero,
	}
	for _, c := range cycles {
		ov.ByStatus[c.Status]++
		if c.Status != model.CycleClosed {
			ov.OpenCycles++
		}

		sum, err := s.store.GetSummary(ctx, c.CycleKey)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return Overview{}, err
		}
		ov.TotalPremium = ov.TotalPremium.Add(sum.TotalPremium)
		ov.RealizedPnL = ov.RealizedPnL.Add(sum.RealizedPnL)
		if put := sum.PendingLot; put != nil {
			ov.OpenPuts++
			ov.Collateral = ov.Collateral.Add(put.AssignmentStrike.Mul(decimal.NewFromInt(put.Shares)))
		}

		lots, err := s.store.GetLots(ctx, c.CycleKey)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return Overview{}, err
		}
		for _, l := range lots {
			if l.Status == model.LotOpen {
				ov.OpenLots++
			}
		}
	}
	return ov, nil
}

// ListEvents returns a cycle's events in ledger order.
func (s *Service) ListEvents(ctx context.Context, cycleKey string) ([]model.WheelEvent, error) {
	key := normalizeKey(cycleKey)
	if _, err := s.store.GetCycle(ctx, key); err != nil {
		return nil, err
	}
	events, err := s.ledger.ListEvents(ctx, key)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []model.WheelEvent{}
	}
	return events, nil
}

// Rebuild replays a cycle from its stored events.
func (s *Service) Rebuild(ctx context.Context, cycleKey string) (model.CycleSummary, error) {
	sum, err := s.ledger.Rebuild(ctx, normalizeKey(cycleKey))
	if err != nil {
		return model.CycleSummary{}, err
	}
	s.notify(ChangeRebuilt, sum)
	return s.GetCycleSummary(ctx, sum.CycleKey)
}

// DeleteCycle drops a cycle with all its events.
func (s *Service) DeleteCycle(ctx context.Context, cycleKey string) error {
	key := normalizeKey(cycleKey)
	cycle, err := s.store.GetCycle(ctx, key)
	if err != nil {
		return err
	}
	if err := s.ledger.Delete(ctx, key); err != nil {
		return err
	}
	s.notify(ChangeDeleted, model.CycleSummary{CycleKey: key, Ticker: cycle.Ticker, Status: cycle.Status})
	return nil
}

func (s *Service) notifyImported(ctx context.Context, res importer.ImportResult) {
	if s.notifier == nil {
		return
	}
	for _, c := range res.Cycles {
		if c.Accepted == 0 {
			continue
		}
		sum, err := s.store.GetSummary(ctx, c.CycleKey)
		if err != nil {
			s.logger.Warn("summary unavailable for notification", zap.String("cycle_key", c.CycleKey), zap.Error(err))
			continue
		}
		s.notify(ChangeRebuilt, *sum)
	}
}

func (s *Service) notify(kind string, sum model.CycleSummary) {
	if s.notifier != nil {
		s.notifier.CycleChanged(kind, sum)
	}
}

func normalizeKey(k string) string {
	return strings.ToUpper(strings.TrimSpace(k))
}
