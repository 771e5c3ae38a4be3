package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/wheel-engine/internal/model"
)

// Schema creates the wheel tables. Events are keyed by (cycle_key,
// identity_key) so a re-sent event is dropped by the database as well.
const Schema = `
CREATE TABLE IF NOT EXISTS wheel_cycles (
	cycle_key  TEXT PRIMARY KEY,
	ticker     TEXT NOT NULL,
	status     TEXT NOT NULL,
	started_on DATE,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS wheel_events (
	cycle_key    TEXT NOT NULL REFERENCES wheel_cycles(cycle_key) ON DELETE CASCADE,
	identity_key TEXT NOT NULL,
	id           TEXT NOT NULL,
	ticker       TEXT NOT NULL,
	trade_type   TEXT NOT NULL,
	trade_date   DATE NOT NULL,
	strike       NUMERIC,
	premium      NUMERIC,
	contracts    BIGINT NOT NULL DEFAULT 0,
	shares       BIGINT NOT NULL DEFAULT 0,
	sequence     INTEGER NOT NULL DEFAULT 0,
	position     INTEGER NOT NULL,
	source       TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (cycle_key, identity_key)
);

CREATE TABLE IF NOT EXISTS wheel_lots (
	cycle_key          TEXT NOT NULL REFERENCES wheel_cycles(cycle_key) ON DELETE CASCADE,
	lot_index          INTEGER NOT NULL,
	opening_event_id   TEXT NOT NULL,
	closing_event_id   TEXT,
	shares             BIGINT NOT NULL,
	cost_basis         NUMERIC NOT NULL,
	cumulative_premium NUMERIC NOT NULL,
	realized_pnl       NUMERIC,
	status             TEXT NOT NULL,
	covered            BOOLEAN NOT NULL DEFAULT FALSE,
	assignment_strike  NUMERIC NOT NULL,
	call_strike        NUMERIC,
	opened_on          DATE NOT NULL,
	closed_on          DATE,
	PRIMARY KEY (cycle_key, lot_index)
);

CREATE TABLE IF NOT EXISTS wheel_summaries (
	cycle_key TEXT PRIMARY KEY REFERENCES wheel_cycles(cycle_key) ON DELETE CASCADE,
	summary   JSONB NOT NULL
);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db(ctx).Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCycle(ctx context.Context, cycleKey string) (*model.WheelCycle, error) {
	var c model.WheelCycle
	var status string
	var startedOn *time.Time
	err := s.db(ctx).QueryRow(ctx,
		`SELECT cycle_key, ticker, status, started_on, updated_at
		 FROM wheel_cycles WHERE cycle_key = $1`, cycleKey).
		Scan(&c.CycleKey, &c.Ticker, &status, &startedOn, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("cycle %s: %w", cycleKey, ErrNotFound)
		}
		return nil, fmt.Errorf("get cycle %s: %w", cycleKey, err)
	}
	c.Status = model.CycleStatus(status)
	if startedOn != nil {
		c.StartedOn = *startedOn
	}
	return &c, nil
}

func (s *PostgresStore) ListCycles(ctx context.Context) ([]model.WheelCycle, error) {
	rows, err := s.db(ctx).Query(ctx,
		`SELECT cycle_key, ticker, status, started_on, updated_at
		 FROM wheel_cycles ORDER BY cycle_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cycles []model.WheelCycle
	for rows.Next() {
		var c model.WheelCycle
		var status string
		var startedOn *time.Time
		if err := rows.Scan(&c.CycleKey, &c.Ticker, &status, &startedOn, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Status = model.CycleStatus(status)
		if startedOn != nil {
			c.StartedOn = *startedOn
		}
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

func (s *PostgresStore) DeleteCycle(ctx context.Context, cycleKey string) error {
	tag, err := s.db(ctx).Exec(ctx, `DELETE FROM wheel_cycles WHERE cycle_key = $1`, cycleKey)
	if err != nil {
		return fmt.Errorf("delete cycle %s: %w", cycleKey, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("cycle %s: %w", cycleKey, ErrNotFound)
	}
	return nil
}

// LockCycle takes a session-level advisory lock on a dedicated connection,
// so writers in other processes wait for the whole load-replay-commit. The
// returned context carries that connection and every call made with it
// runs on it, so a lock holder never waits on the pool for a second one.
func (s *PostgresStore) LockCycle(ctx context.Context, cycleKey string) (context.Context, func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("lock cycle %s: %w", cycleKey, err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtext($1))`, cycleKey); err != nil {
		conn.Release()
		return nil, nil, fmt.Errorf("lock cycle %s: %w", cycleKey, err)
	}
	locked := context.WithValue(ctx, lockedConnKey{}, lockedConn{store: s, conn: conn})
	return locked, func() {
		// Unlock even if the caller's context is already done.
		if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock(hashtext($1))`, cycleKey); err != nil {
			// The session may still hold the lock; never hand it back to the pool.
			_ = conn.Conn().Close(context.Background())
		}
		conn.Release()
	}, nil
}

type lockedConnKey struct{}

type lockedConn struct {
	store *PostgresStore
	conn  *pgxpool.Conn
}

// querier is the subset shared by *pgxpool.Pool and *pgxpool.Conn.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// db returns the locked connection carried by ctx, or the pool.
func (s *PostgresStore) db(ctx context.Context) querier {
	if lc, ok := ctx.Value(lockedConnKey{}).(lockedConn); ok && lc.store == s {
		return lc.conn
	}
	return s.pool
}

func (s *PostgresStore) ListEvents(ctx context.Context, cycleKey string) ([]model.WheelEvent, error) {
	rows, err := s.db(ctx).Query(ctx,
		`SELECT id, cycle_key, ticker, trade_type, trade_date,
		        strike::TEXT, premium::TEXT, contracts, shares,
		        sequence, position, identity_key, source
		 FROM wheel_events WHERE cycle_key = $1
		 ORDER BY trade_date, sequence, position`, cycleKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgresStore) GetLots(ctx context.Context, cycleKey string) ([]model.Lot, error) {
	if _, err := s.GetCycle(ctx, cycleKey); err != nil {
		return nil, err
	}
	rows, err := s.db(ctx).Query(ctx,
		`SELECT cycle_key, lot_index, opening_event_id, closing_event_id,
		        shares, cost_basis::TEXT, cumulative_premium::TEXT, realized_pnl::TEXT,
		        status, covered, assignment_strike::TEXT, call_strike::TEXT,
		        opened_on, closed_on
		 FROM wheel_lots WHERE cycle_key = $1 ORDER BY lot_index`, cycleKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLots(rows)
}

func (s *PostgresStore) GetSummary(ctx context.Context, cycleKey string) (*model.CycleSummary, error) {
	var data []byte
	err := s.db(ctx).QueryRow(ctx,
		`SELECT summary FROM wheel_summaries WHERE cycle_key = $1`, cycleKey).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("summary %s: %w", cycleKey, ErrNotFound)
		}
		return nil, fmt.Errorf("get summary %s: %w", cycleKey, err)
	}
	var sum model.CycleSummary
	if err := json.Unmarshal(data, &sum); err != nil {
		return nil, fmt.Errorf("decode summary %s: %w", cycleKey, err)
	}
	return &sum, nil
}

// Commit writes events, cycle row, lots and summary in one transaction.
func (s *PostgresStore) Commit(ctx context.Context, c Commit) (err error) {
	key := c.Cycle.CycleKey
	summary, err := json.Marshal(c.Summary)
	if err != nil {
		return fmt.Errorf("encode summary %s: %w", key, err)
	}

	tx, err := s.db(ctx).BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin commit %s: %w", key, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx,
		`INSERT INTO wheel_cycles (cycle_key, ticker, status, started_on, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (cycle_key) DO UPDATE
		 SET ticker = EXCLUDED.ticker, status = EXCLUDED.status,
		     started_on = EXCLUDED.started_on, updated_at = EXCLUDED.updated_at`,
		key, c.Cycle.Ticker, string(c.Cycle.Status), nullTime(c.Cycle.StartedOn), c.Cycle.UpdatedAt,
	); err != nil {
		return fmt.Errorf("upsert cycle %s: %w", key, err)
	}

	batch := &pgx.Batch{}
	if c.Replace {
		batch.Queue(`DELETE FROM wheel_events WHERE cycle_key = $1`, key)
	}
	for _, e := range c.Events {
		batch.Queue(
			`INSERT INTO wheel_events (cycle_key, identity_key, id, ticker, trade_type, trade_date,
			                           strike, premium, contracts, shares, sequence, position, source)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9, $10, $11, $12, $13)
			 ON CONFLICT (cycle_key, identity_key) DO NOTHING`,
			key, e.IdentityKey, e.ID, e.Ticker, string(e.TradeType), e.TradeDate,
			nullDecimal(e.Strike), nullDecimal(e.Premium), e.Contracts, e.Shares,
			e.Sequence, e.Position, e.Source,
		)
	}
	batch.Queue(`DELETE FROM wheel_lots WHERE cycle_key = $1`, key)
	for _, l := range c.Lots {
		batch.Queue(
			`INSERT INTO wheel_lots (cycle_key, lot_index, opening_event_id, closing_event_id,
			                         shares, cost_basis, cumulative_premium, realized_pnl,
			                         status, covered, assignment_strike, call_strike,
			                         opened_on, closed_on)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
			         $9, $10, $11::NUMERIC, $12::NUMERIC, $13, $14)`,
			key, l.Index, l.OpeningEventID, l.ClosingEventID,
			l.Shares, l.CostBasis.String(), l.CumulativePremium.String(), nullDecimal(l.RealizedPnL),
			string(l.Status), l.Covered, l.AssignmentStrike.String(), nullDecimal(l.CallStrike),
			l.OpenedOn, l.ClosedOn,
		)
	}
	batch.Queue(
		`INSERT INTO wheel_summaries (cycle_key, summary) VALUES ($1, $2)
		 ON CONFLICT (cycle_key) DO UPDATE SET summary = EXCLUDED.summary`,
		key, summary,
	)
	if err = tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("write cycle %s: %w", key, err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit cycle %s: %w", key, err)
	}
	return nil
}

// pgxRows is the subset of pgx.Rows the scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanEvents(rows pgxRows) ([]model.WheelEvent, error) {
	var events []model.WheelEvent
	for rows.Next() {
		var e model.WheelEvent
		var tradeType string
		var strikeS, premiumS *string

		if err := rows.Scan(&e.ID, &e.CycleKey, &e.Ticker, &tradeType, &e.TradeDate,
			&strikeS, &premiumS, &e.Contracts, &e.Shares,
			&e.Sequence, &e.Position, &e.IdentityKey, &e.Source); err != nil {
			return nil, err
		}

		e.TradeType = model.TradeType(tradeType)
		e.TradeDate = model.Day(e.TradeDate)
		e.Strike = parseNullDecimal(strikeS)
		e.Premium = parseNullDecimal(premiumS)
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanLots(rows pgxRows) ([]model.Lot, error) {
	lots := []model.Lot{}
	for rows.Next() {
		var l model.Lot
		var status string
		var costS, premS, assignS string
		var realizedS, callS *string

		if err := rows.Scan(&l.CycleKey, &l.Index, &l.OpeningEventID, &l.ClosingEventID,
			&l.Shares, &costS, &premS, &realizedS,
			&status, &l.Covered, &assignS, &callS,
			&l.OpenedOn, &l.ClosedOn); err != nil {
			return nil, err
		}

		l.Status = model.LotStatus(status)
		l.CostBasis, _ = decimal.NewFromString(costS)
		l.CumulativePremium, _ = decimal.NewFromString(premS)
		l.AssignmentStrike, _ = decimal.NewFromString(assignS)
		l.RealizedPnL = parseNullDecimal(realizedS)
		l.CallStrike = parseNullDecimal(callS)
		lots = append(lots, l)
	}
	return lots, rows.Err()
}

func nullDecimal(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}

func parseNullDecimal(s *string) decimal.NullDecimal {
	if s == nil {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
