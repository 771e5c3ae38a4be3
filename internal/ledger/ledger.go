// Package ledger is the append-only, deduplicated event store of wheel
// cycles. Every write runs inside a per-cycle critical section that loads
// the stored events, appends the new ones, replays the whole cycle and
// commits events plus derived lots in one atomic store operation.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/atmx/wheel-engine/internal/metrics"
	"github.com/atmx/wheel-engine/internal/model"
	"github.com/atmx/wheel-engine/internal/replay"
	"github.com/atmx/wheel-engine/internal/store"
)

var (
	ErrCycleMismatch  = errors.New("ledger: event belongs to another cycle")
	ErrTickerMismatch = errors.New("ledger: ticker does not match cycle")
	ErrUnsealed       = errors.New("ledger: event has no identity key")
)

// AppendResult reports what an append did to one cycle.
type AppendResult struct {
	CycleKey  string             `json:"cycle_key"`
	Accepted  int                `json:"accepted"`
	Duplicate int                `json:"duplicate"`
	Rebuilt   bool               `json:"rebuilt"`
	Summary   model.CycleSummary `json:"summary"`
}

// Ledger serializes writers per cycle key; distinct cycles proceed in
// parallel.
type Ledger struct {
	store  store.Store
	locks  *keyedMutex
	logger *zap.Logger
	now    func() time.Time
}

// New creates a ledger over st. A nil logger discards output.
func New(st store.Store, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		store:  st,
		locks:  newKeyedMutex(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Append adds events to a cycle, skipping any whose identity key is
// already stored or repeated earlier in the batch. When something new was
// accepted the cycle is replayed from scratch and its lots swapped in.
// Existing events are never reordered or changed.
func (l *Ledger) Append(ctx context.Context, cycleKey string, events []model.WheelEvent) (AppendResult, error) {
	if err := checkBatch(cycleKey, events); err != nil {
		return AppendResult{CycleKey: cycleKey}, err
	}

	ctx, unlock, err := l.lock(ctx, cycleKey)
	if err != nil {
		return AppendResult{CycleKey: cycleKey}, err
	}
	defer unlock()

	start := time.Now()
	cycle, err := l.loadCycle(ctx, cycleKey)
	if err != nil {
		return AppendResult{CycleKey: cycleKey}, err
	}
	stored, err := l.store.ListEvents(ctx, cycleKey)
	if err != nil {
		return AppendResult{CycleKey: cycleKey}, fmt.Errorf("load events %s: %w", cycleKey, err)
	}

	ticker := ""
	if cycle != nil {
		ticker = cycle.Ticker
	} else if len(events) > 0 {
		ticker = events[0].Ticker
	}
	for _, e := range events {
		if e.Ticker != ticker {
			return AppendResult{CycleKey: cycleKey}, fmt.Errorf("%w: %s is %s, event has %s", ErrTickerMismatch, cycleKey, ticker, e.Ticker)
		}
	}

	seen := make(map[string]bool, len(stored)+len(events))
	next := 0
	for _, e := range stored {
		seen[e.IdentityKey] = true
		if e.Position >= next {
			next = e.Position + 1
		}
	}

	res := AppendResult{CycleKey: cycleKey}
	var accepted []model.WheelEvent
	for _, e := range events {
		if seen[e.IdentityKey] {
			res.Duplicate++
			continue
		}
		seen[e.IdentityKey] = true
		e.Position = next
		next++
		accepted = append(accepted, e)
	}
	res.Accepted = len(accepted)

	if len(accepted) == 0 {
		if sum, err := l.store.GetSummary(ctx, cycleKey); err == nil {
			res.Summary = *sum
		}
		return res, nil
	}

	all := append(stored, accepted...)
	sum, err := l.commit(ctx, cycleKey, ticker, cycle, all, accepted, false)
	if err != nil {
		return AppendResult{CycleKey: cycleKey}, err
	}
	res.Rebuilt = true
	res.Summary = sum
	l.observe(start, sum)

	l.logger.Info("events appended",
		zap.String("cycle_key", cycleKey),
		zap.Int("accepted", res.Accepted),
		zap.Int("duplicate", res.Duplicate),
		zap.String("status", string(sum.Status)),
		zap.Int("lots", sum.LotCount),
	)
	return res, nil
}

// Replace drops a cycle's entire ledger and installs events in its place.
// This is the only mutation of stored events. An empty batch deletes the
// cycle.
func (l *Ledger) Replace(ctx context.Context, cycleKey string, events []model.WheelEvent) (AppendResult, error) {
	if err := checkBatch(cycleKey, events); err != nil {
		return AppendResult{CycleKey: cycleKey}, err
	}
	if len(events) == 0 {
		return AppendResult{CycleKey: cycleKey}, l.Delete(ctx, cycleKey)
	}
	ticker := events[0].Ticker
	for _, e := range events {
		if e.Ticker != ticker {
			return AppendResult{CycleKey: cycleKey}, fmt.Errorf("%w: batch mixes %s and %s", ErrTickerMismatch, ticker, e.Ticker)
		}
	}

	ctx, unlock, err := l.lock(ctx, cycleKey)
	if err != nil {
		return AppendResult{CycleKey: cycleKey}, err
	}
	defer unlock()

	start := time.Now()
	cycle, err := l.loadCycle(ctx, cycleKey)
	if err != nil {
		return AppendResult{CycleKey: cycleKey}, err
	}

	res := AppendResult{CycleKey: cycleKey}
	seen := make(map[string]bool, len(events))
	var kept []model.WheelEvent
	for _, e := range events {
		if seen[e.IdentityKey] {
			res.Duplicate++
			continue
		}
		seen[e.IdentityKey] = true
		e.Position = len(kept)
		kept = append(kept, e)
	}
	res.Accepted = len(kept)

	sum, err := l.commit(ctx, cycleKey, ticker, cycle, kept, kept, true)
	if err != nil {
		return AppendResult{CycleKey: cycleKey}, err
	}
	res.Rebuilt = true
	res.Summary = sum
	l.observe(start, sum)

	l.logger.Info("cycle replaced",
		zap.String("cycle_key", cycleKey),
		zap.Int("events", res.Accepted),
		zap.String("status", string(sum.Status)),
	)
	return res, nil
}

// Rebuild replays a stored cycle without new events and swaps in the
// result. Replay is deterministic, so the lots only change if the
// reconstruction rules did.
func (l *Ledger) Rebuild(ctx context.Context, cycleKey string) (model.CycleSummary, error) {
	ctx, unlock, err := l.lock(ctx, cycleKey)
	if err != nil {
		return model.CycleSummary{}, err
	}
	defer unlock()

	start := time.Now()
	cycle, err := l.store.GetCycle(ctx, cycleKey)
	if err != nil {
		return model.CycleSummary{}, err
	}
	events, err := l.store.ListEvents(ctx, cycleKey)
	if err != nil {
		return model.CycleSummary{}, fmt.Errorf("load events %s: %w", cycleKey, err)
	}
	sum, err := l.commit(ctx, cycleKey, cycle.Ticker, cycle, events, nil, false)
	if err != nil {
		return model.CycleSummary{}, err
	}
	l.observe(start, sum)
	return sum, nil
}

// Delete removes a cycle and everything derived from it.
func (l *Ledger) Delete(ctx context.Context, cycleKey string) error {
	ctx, unlock, err := l.lock(ctx, cycleKey)
	if err != nil {
		return err
	}
	defer unlock()

	if err := l.store.DeleteCycle(ctx, cycleKey); err != nil {
		return err
	}
	l.logger.Info("cycle deleted", zap.String("cycle_key", cycleKey))
	return nil
}

// CycleTicker returns the stored ticker of a cycle, or "" when the cycle
// does not exist yet.
func (l *Ledger) CycleTicker(ctx context.Context, cycleKey string) (string, error) {
	cycle, err := l.loadCycle(ctx, cycleKey)
	if err != nil || cycle == nil {
		return "", err
	}
	return cycle.Ticker, nil
}

// ListEvents returns a cycle's events in ledger order: (trade_date,
// sequence, position).
func (l *Ledger) ListEvents(ctx context.Context, cycleKey string) ([]model.WheelEvent, error) {
	events, err := l.store.ListEvents(ctx, cycleKey)
	if err != nil {
		return nil, err
	}
	return replay.Sort(events), nil
}

// commit replays all events and writes them with the derived state.
// Callers hold the cycle lock.
func (l *Ledger) commit(ctx context.Context, cycleKey, ticker string, prior *model.WheelCycle, all, fresh []model.WheelEvent, replace bool) (model.CycleSummary, error) {
	res := replay.Replay(cycleKey, all)
	now := l.now()

	cycle := model.WheelCycle{CycleKey: cycleKey, Ticker: ticker}
	if prior != nil && !replace {
		cycle.StartedOn = prior.StartedOn
	}
	for _, e := range all {
		if cycle.StartedOn.IsZero() || e.TradeDate.Before(cycle.StartedOn) {
			cycle.StartedOn = e.TradeDate
		}
	}
	cycle.Status = res.Summary.Status
	cycle.UpdatedAt = now

	sum := res.Summary
	sum.Ticker = ticker
	sum.RebuiltAt = now

	if err := l.store.Commit(ctx, store.Commit{
		Cycle:   cycle,
		Events:  fresh,
		Lots:    res.Lots,
		Summary: sum,
		Replace: replace,
	}); err != nil {
		return model.CycleSummary{}, fmt.Errorf("commit %s: %w", cycleKey, err)
	}

	if sum.NeedsReview {
		l.logger.Warn("cycle needs review",
			zap.String("cycle_key", cycleKey),
			zap.Int("unapplied", len(sum.Unapplied)),
			zap.String("state", string(sum.State)),
		)
	}
	return sum, nil
}

// lock enters the cycle's critical section. Store calls inside it must use
// the returned context.
func (l *Ledger) lock(ctx context.Context, cycleKey string) (context.Context, func(), error) {
	unlock := l.locks.Lock(cycleKey)
	locked, release, err := l.store.LockCycle(ctx, cycleKey)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return locked, func() {
		release()
		unlock()
	}, nil
}

func (l *Ledger) loadCycle(ctx context.Context, cycleKey string) (*model.WheelCycle, error) {
	cycle, err := l.store.GetCycle(ctx, cycleKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load cycle %s: %w", cycleKey, err)
	}
	return cycle, nil
}

func (l *Ledger) observe(start time.Time, sum model.CycleSummary) {
	metrics.RebuildLatency.Observe(time.Since(start).Seconds())
	metrics.Rebuilds.WithLabelValues(string(sum.Status)).Inc()
}

func checkBatch(cycleKey string, events []model.WheelEvent) error {
	for _, e := range events {
		if e.CycleKey != cycleKey {
			return fmt.Errorf("%w: %s in batch for %s", ErrCycleMismatch, e.CycleKey, cycleKey)
		}
		if e.IdentityKey == "" || e.ID == "" {
			return ErrUnsealed
		}
	}
	return nil
}
