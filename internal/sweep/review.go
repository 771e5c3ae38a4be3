package sweep

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/atmx/wheel-engine/internal/metrics"
	"github.com/atmx/wheel-engine/internal/model"
	"github.com/atmx/wheel-engine/internal/store"
)

// Cycles is the read side the review needs; store.Store satisfies it.
type Cycles interface {
	ListCycles(ctx context.Context) ([]model.WheelCycle, error)
	GetSummary(ctx context.Context, cycleKey string) (*model.CycleSummary, error)
}

// Report is the outcome of one review pass.
type Report struct {
	ByStatus    map[model.CycleStatus]int
	Unapplied   int
	NeedsReview []string
}

// Reviewer counts cycles by status and collects those needing review.
type Reviewer struct {
	cycles Cycles
	logger *zap.Logger
}

func NewReviewer(cycles Cycles, logger *zap.Logger) *Reviewer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reviewer{cycles: cycles, logger: logger}
}

// Review walks every cycle once and publishes the counts as gauges.
func (rv *Reviewer) Review(ctx context.Context) (Report, error) {
	cycles, err := rv.cycles.ListCycles(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list cycles: %w", err)
	}

	rep := Report{ByStatus: map[model.CycleStatus]int{
		model.CycleActive:      0,
		model.CycleNeedsReview: 0,
		model.CycleClosed:      0,
	}}
	for _, c := range cycles {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		rep.ByStatus[c.Status]++
		if c.Status != model.CycleNeedsReview {
			continue
		}
		rep.NeedsReview = append(rep.NeedsReview, c.CycleKey)

		sum, err := rv.cycles.GetSummary(ctx, c.CycleKey)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return Report{}, fmt.Errorf("summary %s: %w", c.CycleKey, err)
		}
		rep.Unapplied += len(sum.Unapplied)
		for _, u := range sum.Unapplied {
			rv.logger.Warn("unapplied event",
				zap.String("cycle_key", c.CycleKey),
				zap.String("event_id", u.EventID),
				zap.String("trade_type", string(u.TradeType)),
				zap.String("state", string(u.State)),
				zap.String("reason", u.Reason),
			)
		}
	}

	for status, n := range rep.ByStatus {
		metrics.CyclesByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
	metrics.UnappliedEvents.Set(float64(rep.Unapplied))

	rv.logger.Info("review sweep complete",
		zap.Int("cycles", len(cycles)),
		zap.Int("needs_review", len(rep.NeedsReview)),
		zap.Int("unapplied", rep.Unapplied),
	)
	return rep, nil
}

// Job adapts Review to Runner.Add.
func (rv *Reviewer) Job(ctx context.Context) {
	if _, err := rv.Review(ctx); err != nil {
		rv.logger.Error("review sweep failed", zap.Error(err))
	}
}
