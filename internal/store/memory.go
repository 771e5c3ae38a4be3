package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/wheel-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	cycles    map[string]model.WheelCycle
	events    map[string][]model.WheelEvent
	lots      map[string][]model.Lot
	summaries map[string]model.CycleSummary
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cycles:    make(map[string]model.WheelCycle),
		events:    make(map[string][]model.WheelEvent),
		lots:      make(map[string][]model.Lot),
		summaries: make(map[string]model.CycleSummary),
	}
}

func (s *MemoryStore) GetCycle(_ context.Context, cycleKey string) (*model.WheelCycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cycles[cycleKey]
	if !ok {
		return nil, fmt.Errorf("cycle %s: %w", cycleKey, ErrNotFound)
	}
	return &c, nil
}

func (s *MemoryStore) ListCycles(_ context.Context) ([]model.WheelCycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cycles := make([]model.WheelCycle, 0, len(s.cycles))
	for _, c := range s.cycles {
		cycles = append(cycles, c)
	}
	sort.Slice(cycles, func(i, j int) bool { return cycles[i].CycleKey < cycles[j].CycleKey })
	return cycles, nil
}

func (s *MemoryStore) DeleteCycle(_ context.Context, cycleKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cycles[cycleKey]; !ok {
		return fmt.Errorf("cycle %s: %w", cycleKey, ErrNotFound)
	}
	delete(s.cycles, cycleKey)
	delete(s.events, cycleKey)
	delete(s.lots, cycleKey)
	delete(s.summaries, cycleKey)
	return nil
}

// LockCycle is a no-op: a single process owns the memory store and the
// ledger already serializes writers per cycle.
func (s *MemoryStore) LockCycle(ctx context.Context, _ string) (context.Context, func(), error) {
	return ctx, func() {}, nil
}

func (s *MemoryStore) ListEvents(_ context.Context, cycleKey string) ([]model.WheelEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.events[cycleKey]
	events := make([]model.WheelEvent, len(stored))
	copy(events, stored)
	sort.SliceStable(events, func(i, j int) bool { return model.Before(events[i], events[j]) })
	return events, nil
}

func (s *MemoryStore) GetLots(_ context.Context, cycleKey string) ([]model.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.cycles[cycleKey]; !ok {
		return nil, fmt.Errorf("cycle %s: %w", cycleKey, ErrNotFound)
	}
	lots := make([]model.Lot, len(s.lots[cycleKey]))
	copy(lots, s.lots[cycleKey])
	return lots, nil
}

func (s *MemoryStore) GetSummary(_ context.Context, cycleKey string) (*model.CycleSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum, ok := s.summaries[cycleKey]
	if !ok {
		return nil, fmt.Errorf("summary %s: %w", cycleKey, ErrNotFound)
	}
	sum.Unapplied = cloneUnapplied(sum.Unapplied)
	return &sum, nil
}

// Commit swaps everything under one write lock, so readers see either the
// prior or the new derived state.
func (s *MemoryStore) Commit(_ context.Context, c Commit) error {
	key := c.Cycle.CycleKey
	if key == "" {
		return fmt.Errorf("commit: empty cycle key")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var events []model.WheelEvent
	if !c.Replace {
		events = append(events, s.events[key]...)
	}
	seen := make(map[string]bool, len(events)+len(c.Events))
	for _, e := range events {
		seen[e.IdentityKey] = true
	}
	for _, e := range c.Events {
		if seen[e.IdentityKey] {
			continue
		}
		seen[e.IdentityKey] = true
		events = append(events, e)
	}

	// Store copies to avoid external mutation.
	lots := make([]model.Lot, len(c.Lots))
	copy(lots, c.Lots)
	sum := c.Summary
	sum.Unapplied = cloneUnapplied(c.Summary.Unapplied)

	s.events[key] = events
	s.cycles[key] = c.Cycle
	s.lots[key] = lots
	s.summaries[key] = sum
	return nil
}

func cloneUnapplied(in []model.UnappliedEvent) []model.UnappliedEvent {
	out := make([]model.UnappliedEvent, len(in))
	copy(out, in)
	return out
}
