// Package importer normalizes batches of loosely structured rows into
// wheel events and appends them through the ledger, one cycle at a time.
// Bad rows are rejected individually; the rest of the batch proceeds.
package importer

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/wheel-engine/internal/ledger"
	"github.com/atmx/wheel-engine/internal/metrics"
	"github.com/atmx/wheel-engine/internal/model"
)

// Ledger is the write side the importer needs.
type Ledger interface {
	Append(ctx context.Context, cycleKey string, events []model.WheelEvent) (ledger.AppendResult, error)
	Replace(ctx context.Context, cycleKey string, events []model.WheelEvent) (ledger.AppendResult, error)
	CycleTicker(ctx context.Context, cycleKey string) (string, error)
}

// Rejection explains why a row was not imported.
type Rejection struct {
	Row      int    `json:"row"`
	CycleKey string `json:"cycle_key,omitempty"`
	Field    string `json:"field,omitempty"`
	Reason   string `json:"reason"`
}

// CycleImport reports the effect of a batch on one cycle.
type CycleImport struct {
	CycleKey    string                  `json:"cycle_key"`
	Ticker      string                  `json:"ticker"`
	Accepted    int                     `json:"accepted"`
	Duplicate   int                     `json:"duplicate"`
	ByType      map[model.TradeType]int `json:"by_type"`
	FirstDate   time.Time               `json:"first_date"`
	LastDate    time.Time               `json:"last_date"`
	Status      model.CycleStatus       `json:"status"`
	LotCount    int                     `json:"lot_count"`
	NeedsReview bool                    `json:"needs_review"`
}

// ImportResult enumerates what a batch did.
type ImportResult struct {
	Accepted  int           `json:"accepted"`
	Duplicate int           `json:"duplicate"`
	Rejected  []Rejection   `json:"rejected"`
	Cycles    []CycleImport `json:"cycles"`
}

// Importer turns row batches into ledger appends.
type Importer struct {
	ledger      Ledger
	logger      *zap.Logger
	maxParallel int
}

// New creates an importer. maxParallel bounds how many cycles of one batch
// are written concurrently; values below 1 mean 1.
func New(l Ledger, logger *zap.Logger, maxParallel int) *Importer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Importer{ledger: l, logger: logger, maxParallel: maxParallel}
}

// Import appends a batch. sourceHint (typically the file name) supplies
// the cycle key for rows without one. Every touched cycle is replayed in
// full once its rows are appended.
func (im *Importer) Import(ctx context.Context, sourceHint string, rows []Row) (ImportResult, error) {
	return im.run(ctx, "append", sourceHint, rows, true, im.ledger.Append)
}

// Reimport replaces the whole ledger of every cycle in the batch with the
// batch's rows. The stored ticker goes with the old ledger.
func (im *Importer) Reimport(ctx context.Context, sourceHint string, rows []Row) (ImportResult, error) {
	return im.run(ctx, "replace", sourceHint, rows, false, im.ledger.Replace)
}

type writeFunc func(ctx context.Context, cycleKey string, events []model.WheelEvent) (ledger.AppendResult, error)

type cycleBatch struct {
	key    string
	ticker string
	events []model.WheelEvent
	rows   []int
}

func (im *Importer) run(ctx context.Context, kind, sourceHint string, rows []Row, keepTicker bool, write writeFunc) (ImportResult, error) {
	result := ImportResult{Rejected: []Rejection{}, Cycles: []CycleImport{}}
	batches := make(map[string]*cycleBatch)

	for i, r := range rows {
		e, err := Normalize(sourceHint, i, r)
		if err != nil {
			result.Rejected = append(result.Rejected, rejection(i, e.CycleKey, err))
			continue
		}
		b, ok := batches[e.CycleKey]
		if !ok {
			b = &cycleBatch{key: e.CycleKey}
			batches[e.CycleKey] = b
		}
		b.events = append(b.events, e)
		b.rows = append(b.rows, i)
	}

	keys := make([]string, 0, len(batches))
	for k := range batches {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// Cycles are independent, so they are written in parallel; each
	// write is atomic on its own.
	reports := make([]*CycleImport, len(keys))
	rejected := make([][]Rejection, len(keys))
	var g errgroup.Group
	g.SetLimit(im.maxParallel)
	for i, k := range keys {
		b := batches[k]
		g.Go(func() error {
			stored := ""
			if keepTicker {
				var err error
				if stored, err = im.ledger.CycleTicker(ctx, b.key); err != nil {
					return err
				}
			}
			rejected[i] = b.settleTicker(stored)
			if len(b.events) == 0 {
				return nil
			}

			res, err := write(ctx, b.key, b.events)
			if errors.Is(err, ledger.ErrTickerMismatch) {
				// Another writer created the cycle under a different
				// ticker after settleTicker looked.
				for _, row := range b.rows {
					rejected[i] = append(rejected[i], Rejection{Row: row, CycleKey: b.key, Field: "ticker", Reason: err.Error()})
				}
				return nil
			}
			if err != nil {
				return err
			}
			reports[i] = report(b, res)
			return nil
		})
	}
	err := g.Wait()

	for i := range keys {
		result.Rejected = append(result.Rejected, rejected[i]...)
		if reports[i] == nil {
			continue
		}
		result.Accepted += reports[i].Accepted
		result.Duplicate += reports[i].Duplicate
		result.Cycles = append(result.Cycles, *reports[i])
	}
	sort.SliceStable(result.Rejected, func(a, b int) bool { return result.Rejected[a].Row < result.Rejected[b].Row })

	metrics.ImportBatches.WithLabelValues(kind).Inc()
	metrics.ImportRows.WithLabelValues("accepted").Add(float64(result.Accepted))
	metrics.ImportRows.WithLabelValues("duplicate").Add(float64(result.Duplicate))
	metrics.ImportRows.WithLabelValues("rejected").Add(float64(len(result.Rejected)))

	fields := []zap.Field{
		zap.String("kind", kind),
		zap.String("source", sourceHint),
		zap.Int("rows", len(rows)),
		zap.Int("cycles", len(result.Cycles)),
		zap.Int("accepted", result.Accepted),
		zap.Int("duplicate", result.Duplicate),
		zap.Int("rejected", len(result.Rejected)),
	}
	if err != nil {
		im.logger.Error("import failed", append(fields, zap.Error(err))...)
		return result, err
	}
	im.logger.Info("import complete", fields...)
	return result, nil
}

// settleTicker fixes the cycle's ticker and drops the rows that disagree
// with it. The stored ticker wins; for a new cycle it is the ticker named by
// the cycle key when any row carries it, else the most common row ticker
// with ties going to the earliest row.
func (b *cycleBatch) settleTicker(stored string) []Rejection {
	b.ticker = stored
	if b.ticker == "" {
		b.ticker = majorityTicker(b.key, b.events)
	}

	var rejected []Rejection
	events, rows := b.events[:0], b.rows[:0]
	for j, e := range b.events {
		if e.Ticker != b.ticker {
			rejected = append(rejected, Rejection{
				Row: b.rows[j], CycleKey: b.key, Field: "ticker",
				Reason: "ticker " + e.Ticker + " does not match cycle ticker " + b.ticker,
			})
			continue
		}
		events = append(events, e)
		rows = append(rows, b.rows[j])
	}
	b.events, b.rows = events, rows
	return rejected
}

func majorityTicker(cycleKey string, events []model.WheelEvent) string {
	counts := make(map[string]int)
	for _, e := range events {
		counts[e.Ticker]++
	}
	if t, err := TickerFromCycleKey(cycleKey); err == nil && counts[t] > 0 {
		return t
	}
	best := ""
	for _, e := range events {
		if counts[e.Ticker] > counts[best] {
			best = e.Ticker
		}
	}
	return best
}

func report(b *cycleBatch, res ledger.AppendResult) *CycleImport {
	ci := &CycleImport{
		CycleKey:    b.key,
		Ticker:      b.ticker,
		Accepted:    res.Accepted,
		Duplicate:   res.Duplicate,
		ByType:      make(map[model.TradeType]int),
		Status:      res.Summary.Status,
		LotCount:    res.Summary.LotCount,
		NeedsReview: res.Summary.NeedsReview,
	}
	for _, e := range b.events {
		ci.ByType[e.TradeType]++
		if ci.FirstDate.IsZero() || e.TradeDate.Before(ci.FirstDate) {
			ci.FirstDate = e.TradeDate
		}
		if e.TradeDate.After(ci.LastDate) {
			ci.LastDate = e.TradeDate
		}
	}
	return ci
}

func rejection(row int, cycleKey string, err error) Rejection {
	r := Rejection{Row: row, CycleKey: cycleKey, Reason: err.Error()}
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		r.Field = ve.Field
		r.Reason = ve.Reason
	}
	return r
}
