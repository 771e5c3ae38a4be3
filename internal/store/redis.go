package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/wheel-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache of derived state. Commits go to the primary store and invalidate
// the cycle's keys; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Commit(ctx context.Context, c Commit) error {
	if err := s.primary.Commit(ctx, c); err != nil {
		return err
	}
	// Invalidate; next read re-populates from the new lot set.
	s.invalidate(ctx, c.Cycle.CycleKey)
	return nil
}

func (s *CachedStore) DeleteCycle(ctx context.Context, cycleKey string) error {
	if err := s.primary.DeleteCycle(ctx, cycleKey); err != nil {
		return err
	}
	s.invalidate(ctx, cycleKey)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetCycle(ctx context.Context, cycleKey string) (*model.WheelCycle, error) {
	var c model.WheelCycle
	if s.cached(ctx, cycleCacheKey(cycleKey), &c) {
		return &c, nil
	}

	cycle, err := s.primary.GetCycle(ctx, cycleKey)
	if err != nil {
		return nil, err
	}
	s.store(ctx, cycleCacheKey(cycleKey), cycle)
	return cycle, nil
}

func (s *CachedStore) GetLots(ctx context.Context, cycleKey string) ([]model.Lot, error) {
	var lots []model.Lot
	if s.cached(ctx, lotsKey(cycleKey), &lots) {
		return lots, nil
	}

	lots, err := s.primary.GetLots(ctx, cycleKey)
	if err != nil {
		return nil, err
	}
	s.store(ctx, lotsKey(cycleKey), lots)
	return lots, nil
}

func (s *CachedStore) GetSummary(ctx context.Context, cycleKey string) (*model.CycleSummary, error) {
	var sum model.CycleSummary
	if s.cached(ctx, summaryKey(cycleKey), &sum) {
		return &sum, nil
	}

	summary, err := s.primary.GetSummary(ctx, cycleKey)
	if err != nil {
		return nil, err
	}
	s.store(ctx, summaryKey(cycleKey), summary)
	return summary, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListCycles(ctx context.Context) ([]model.WheelCycle, error) {
	return s.primary.ListCycles(ctx)
}

func (s *CachedStore) ListEvents(ctx context.Context, cycleKey string) ([]model.WheelEvent, error) {
	return s.primary.ListEvents(ctx, cycleKey)
}

func (s *CachedStore) LockCycle(ctx context.Context, cycleKey string) (context.Context, func(), error) {
	return s.primary.LockCycle(ctx, cycleKey)
}

// --- Cache helpers ---

func (s *CachedStore) cached(ctx context.Context, key string, dest any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dest) == nil
}

func (s *CachedStore) store(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, cycleKey string) {
	s.rdb.Del(ctx, cycleCacheKey(cycleKey), lotsKey(cycleKey), summaryKey(cycleKey))
}

func cycleCacheKey(key string) string { return fmt.Sprintf("cycle:%s", key) }
func lotsKey(key string) string       { return fmt.Sprintf("lots:%s", key) }
func summaryKey(key string) string    { return fmt.Sprintf("summary:%s", key) }
