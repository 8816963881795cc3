package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spot-grid/internal/core"
	"spot-grid/internal/engine"
	"spot-grid/internal/grid"
)

var _ engine.Journal = (*Journal)(nil)

func newTestJournal(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "journal.sqlite")
	j, err := OpenJournal(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j, path
}

func testParams() grid.Params {
	return grid.Params{
		Pair:       "BTCUSDT",
		Lower:      decimal.NewFromInt(100),
		Upper:      decimal.NewFromInt(110),
		Count:      6,
		Investment: decimal.NewFromInt(1000),
	}
}

func TestJournalSchemaCreated(t *testing.T) {
	j, path := newTestJournal(t)
	require.NoError(t, j.Close())

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type='table'`)
	require.NoError(t, err)
	defer rows.Close()
	found := map[string]bool{}
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		found[name] = true
	}
	require.NoError(t, rows.Err())
	for _, table := range []string{"runs", "orders", "fills", "trades"} {
		assert.True(t, found[table], "table %s missing", table)
	}
}

func TestJournalRecordsRunLifecycle(t *testing.T) {
	j, _ := newTestJournal(t)
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, j.RecordRun("run-1", "paper", testParams(), start))

	buy := core.Order{
		ID: "1", ClientID: "sg-1", Side: core.Buy, Price: decimal.NewFromInt(104),
		Qty: decimal.RequireFromString("1.92"), GridIndex: 2, Status: core.OrderOpen, CreatedAt: start,
	}
	require.NoError(t, j.RecordOrder("run-1", buy))

	fill := buy
	fill.Status = core.OrderFilled
	fill.ExecutedQty = buy.Qty
	fill.UpdatedAt = start.Add(time.Minute)
	require.NoError(t, j.RecordFill("run-1", fill))
	// the same fill observed again is not double counted
	require.NoError(t, j.RecordFill("run-1", fill))

	rec := core.TradeRecord{
		OrderID: "2", Side: core.Sell, Price: decimal.NewFromInt(106), Qty: decimal.RequireFromString("1.92"),
		Profit: decimal.RequireFromString("3.84"), Time: start.Add(2 * time.Minute),
	}
	require.NoError(t, j.RecordTrade("run-1", rec, rec.Profit))
	require.NoError(t, j.FinishRun("run-1", "stopped", rec.Profit, start.Add(time.Hour)))

	runs, err := j.RecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	run := runs[0]
	assert.Equal(t, "run-1", run.RunID)
	assert.Equal(t, "paper", run.Venue)
	assert.Equal(t, "BTCUSDT", run.Pair)
	assert.Equal(t, 6, run.Count)
	assert.True(t, run.Lower.Equal(decimal.NewFromInt(100)))
	assert.True(t, run.Investment.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, "stopped", run.FinalState)
	assert.True(t, run.RealizedPnL.Equal(decimal.RequireFromString("3.84")))
	assert.True(t, run.StartedAt.Equal(start))
	assert.True(t, run.FinishedAt.Equal(start.Add(time.Hour)))
	assert.Equal(t, 1, run.Orders)
	assert.Equal(t, 1, run.Fills)
	assert.Equal(t, 1, run.Trades)

	trades, err := j.Trades(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, core.Sell, trades[0].Side)
	assert.True(t, trades[0].Profit.Equal(rec.Profit))
	assert.True(t, trades[0].Time.Equal(rec.Time))
}

func TestJournalRecentRunsNewestFirst(t *testing.T) {
	j, _ := newTestJournal(t)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, j.RecordRun("old", "paper", testParams(), base))
	require.NoError(t, j.RecordRun("new", "paper", testParams(), base.Add(90*time.Millisecond)))
	require.NoError(t, j.RecordRun("mid", "paper", testParams(), base.Add(5*time.Millisecond)))

	runs, err := j.RecentRuns(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].RunID)
	assert.Equal(t, "mid", runs[1].RunID)
	assert.Empty(t, runs[0].FinalState)
}

func TestJournalFinishUnknownRun(t *testing.T) {
	j, _ := newTestJournal(t)
	assert.Error(t, j.FinishRun("missing", "stopped", decimal.Zero, time.Now()))
}

func TestOpenJournalRequiresPath(t *testing.T) {
	_, err := OpenJournal("")
	assert.Error(t, err)
}
