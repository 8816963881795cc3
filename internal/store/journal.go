package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"spot-grid/internal/core"
	"spot-grid/internal/grid"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id       TEXT PRIMARY KEY,
	venue        TEXT NOT NULL,
	pair         TEXT NOT NULL,
	lower        TEXT NOT NULL,
	upper        TEXT NOT NULL,
	grid_count   INTEGER NOT NULL,
	investment   TEXT NOT NULL,
	started_at   TEXT NOT NULL,
	finished_at  TEXT,
	final_state  TEXT,
	realized_pnl TEXT
);
CREATE TABLE IF NOT EXISTS orders (
	run_id     TEXT NOT NULL,
	order_id   TEXT NOT NULL,
	client_id  TEXT,
	side       TEXT NOT NULL,
	price      TEXT NOT NULL,
	qty        TEXT NOT NULL,
	grid_index INTEGER NOT NULL,
	status     TEXT NOT NULL,
	placed_at  TEXT NOT NULL,
	PRIMARY KEY (run_id, order_id)
);
CREATE TABLE IF NOT EXISTS fills (
	run_id     TEXT NOT NULL,
	order_id   TEXT NOT NULL,
	side       TEXT NOT NULL,
	price      TEXT NOT NULL,
	qty        TEXT NOT NULL,
	grid_index INTEGER NOT NULL,
	filled_at  TEXT NOT NULL,
	PRIMARY KEY (run_id, order_id)
);
CREATE TABLE IF NOT EXISTS trades (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id    TEXT NOT NULL,
	order_id  TEXT NOT NULL,
	side      TEXT NOT NULL,
	price     TEXT NOT NULL,
	qty       TEXT NOT NULL,
	profit    TEXT NOT NULL,
	total     TEXT NOT NULL,
	traded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS trades_run ON trades (run_id);
`

// Journal is a write-mostly SQLite audit trail of grid runs. Decimals and
// timestamps are stored as text so nothing is rounded on the way in.
type Journal struct {
	db *sql.DB
}

// RunSummary is one row of the runs table.
type RunSummary struct {
	RunID       string
	Venue       string
	Pair        string
	Lower       decimal.Decimal
	Upper       decimal.Decimal
	Count       int
	Investment  decimal.Decimal
	StartedAt   time.Time
	FinishedAt  time.Time
	FinalState  string
	RealizedPnL decimal.Decimal
	Orders      int
	Fills       int
	Trades      int
}

func OpenJournal(path string) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path required")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// sqlite serializes writers anyway; one connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal wal: %w", err)
	}
	if _, err := db.Exec(journalSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) RecordRun(runID string, venue string, params grid.Params, at time.Time) error {
	_, err := j.db.Exec(`
		INSERT INTO runs (run_id, venue, pair, lower, upper, grid_count, investment, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, venue, params.Pair, params.Lower.String(), params.Upper.String(),
		params.Count, params.Investment.String(), formatTime(at),
	)
	return err
}

func (j *Journal) RecordOrder(runID string, ord core.Order) error {
	placed := ord.CreatedAt
	if placed.IsZero() {
		placed = time.Now().UTC()
	}
	_, err := j.db.Exec(`
		INSERT OR REPLACE INTO orders (run_id, order_id, client_id, side, price, qty, grid_index, status, placed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, ord.ID, ord.ClientID, string(ord.Side), ord.Price.String(), ord.Qty.String(),
		ord.GridIndex, string(ord.Status), formatTime(placed),
	)
	return err
}

// RecordFill is idempotent per order: a fill seen twice is stored once.
func (j *Journal) RecordFill(runID string, fill core.Order) error {
	at := fill.UpdatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := j.db.Exec(`
		INSERT OR IGNORE INTO fills (run_id, order_id, side, price, qty, grid_index, filled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, fill.ID, string(fill.Side), fill.Price.String(), fill.FilledQty().String(),
		fill.GridIndex, formatTime(at),
	)
	if err != nil {
		return err
	}
	_, err = j.db.Exec(`UPDATE orders SET status = ? WHERE run_id = ? AND order_id = ?`,
		string(core.OrderFilled), runID, fill.ID)
	return err
}

func (j *Journal) RecordTrade(runID string, rec core.TradeRecord, total decimal.Decimal) error {
	_, err := j.db.Exec(`
		INSERT INTO trades (run_id, order_id, side, price, qty, profit, total, traded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, rec.OrderID, string(rec.Side), rec.Price.String(), rec.Qty.String(),
		rec.Profit.String(), total.String(), formatTime(rec.Time),
	)
	return err
}

func (j *Journal) FinishRun(runID string, state string, pnl decimal.Decimal, at time.Time) error {
	res, err := j.db.Exec(`
		UPDATE runs SET finished_at = ?, final_state = ?, realized_pnl = ? WHERE run_id = ?`,
		formatTime(at), state, pnl.String(), runID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("journal: unknown run %s", runID)
	}
	return nil
}

// RecentRuns lists the latest runs, newest first.
func (j *Journal) RecentRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT r.run_id, r.venue, r.pair, r.lower, r.upper, r.grid_count, r.investment,
		       r.started_at, COALESCE(r.finished_at, ''), COALESCE(r.final_state, ''), COALESCE(r.realized_pnl, '0'),
		       (SELECT COUNT(*) FROM orders o WHERE o.run_id = r.run_id),
		       (SELECT COUNT(*) FROM fills f WHERE f.run_id = r.run_id),
		       (SELECT COUNT(*) FROM trades t WHERE t.run_id = r.run_id)
		FROM runs r
		ORDER BY r.started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var (
			s                          RunSummary
			lower, upper, investment   string
			startedAt, finishedAt, pnl string
		)
		if err := rows.Scan(&s.RunID, &s.Venue, &s.Pair, &lower, &upper, &s.Count, &investment,
			&startedAt, &finishedAt, &s.FinalState, &pnl, &s.Orders, &s.Fills, &s.Trades); err != nil {
			return nil, err
		}
		s.Lower = parseStoredDecimal(lower)
		s.Upper = parseStoredDecimal(upper)
		s.Investment = parseStoredDecimal(investment)
		s.RealizedPnL = parseStoredDecimal(pnl)
		s.StartedAt = parseStoredTime(startedAt)
		s.FinishedAt = parseStoredTime(finishedAt)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Trades returns the PnL records of one run in the order they were booked.
func (j *Journal) Trades(ctx context.Context, runID string) ([]core.TradeRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT order_id, side, price, qty, profit, traded_at
		FROM trades WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.TradeRecord
	for rows.Next() {
		var (
			rec                          core.TradeRecord
			side, price, qty, profit, at string
		)
		if err := rows.Scan(&rec.OrderID, &side, &price, &qty, &profit, &at); err != nil {
			return nil, err
		}
		rec.Side = core.Side(side)
		rec.Price = parseStoredDecimal(price)
		rec.Qty = parseStoredDecimal(qty)
		rec.Profit = parseStoredDecimal(profit)
		rec.Time = parseStoredTime(at)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// storedTimeLayout is fixed width so text order is time order.
const storedTimeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(storedTimeLayout)
}

func parseStoredTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(storedTimeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseStoredDecimal(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero
	}
	return d
}
