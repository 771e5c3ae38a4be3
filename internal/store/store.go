// Package store defines the persistence interface for the wheel engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/wheel-engine/internal/model"
)

// ErrNotFound is returned for unknown cycles.
var ErrNotFound = errors.New("store: not found")

// Commit is one atomic write for a cycle: the events to append and the
// freshly reconstructed lots and summary that replace the prior ones.
// With Replace set, the cycle's stored events are dropped first and
// Events becomes the whole ledger.
type Commit struct {
	Cycle   model.WheelCycle
	Events  []model.WheelEvent
	Lots    []model.Lot
	Summary model.CycleSummary
	Replace bool
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Cycles ---

	// GetCycle retrieves a cycle by key.
	GetCycle(ctx context.Context, cycleKey string) (*model.WheelCycle, error)

	// ListCycles returns all cycles ordered by key.
	ListCycles(ctx context.Context) ([]model.WheelCycle, error)

	// DeleteCycle removes a cycle with its events and derived state.
	DeleteCycle(ctx context.Context, cycleKey string) error

	// LockCycle serializes writers of one cycle across processes. Calls
	// made with the returned context run inside the lock; the returned
	// func releases it.
	LockCycle(ctx context.Context, cycleKey string) (context.Context, func(), error)

	// --- Immutable ledger ---

	// ListEvents returns the stored events of a cycle in ledger order.
	ListEvents(ctx context.Context, cycleKey string) ([]model.WheelEvent, error)

	// --- Derived state ---

	// GetLots returns the lots of the last reconstruction.
	GetLots(ctx context.Context, cycleKey string) ([]model.Lot, error)

	// GetSummary returns the summary of the last reconstruction.
	GetSummary(ctx context.Context, cycleKey string) (*model.CycleSummary, error)

	// Commit appends events and swaps the derived state in one atomic step.
	// Events whose identity key is already stored are skipped.
	Commit(ctx context.Context, c Commit) error
}
