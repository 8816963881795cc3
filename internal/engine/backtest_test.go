package engine

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"spot-grid/internal/backtest"
	"spot-grid/internal/core"
	"spot-grid/internal/exchange/paper"
)

type sliceFeed struct {
	ticks       []backtest.Tick
	pos         int
	closeCalled bool
}

func newSliceFeed(start time.Time, prices ...string) *sliceFeed {
	f := &sliceFeed{}
	for i, p := range prices {
		f.ticks = append(f.ticks, backtest.Tick{
			Time:  start.Add(time.Duration(i) * time.Hour),
			Price: decimal.RequireFromString(p),
		})
	}
	return f
}

func (f *sliceFeed) Next() (backtest.Tick, error) {
	if f.pos >= len(f.ticks) {
		return backtest.Tick{}, io.EOF
	}
	t := f.ticks[f.pos]
	f.pos++
	return t, nil
}

func (f *sliceFeed) Close() error {
	f.closeCalled = true
	return nil
}

func newBacktestVenue(t *testing.T, fee string) *paper.Venue {
	t.Helper()
	venue, err := paper.NewVenue("BTCUSDT", paper.Config{
		Rules:    core.Rules{MinQty: d("0.001"), PriceTick: d("0.01"), QtyStep: d("0.001")},
		Base:     d("10"),
		Quote:    d("2000"),
		MakerFee: d(fee),
	})
	if err != nil {
		t.Fatalf("NewVenue() error = %v", err)
	}
	return venue
}

func TestBacktestReplaysFillsThroughGrid(t *testing.T) {
	venue := newBacktestVenue(t, "0")
	start := time.Date(2024, 3, 1, 22, 0, 0, 0, time.UTC)
	feed := newSliceFeed(start, "105", "103", "107")
	runner := NewBacktestRunner(venue, feed, scenarioParams(), Options{})
	defer runner.Close()

	res, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Ticks != 3 {
		t.Fatalf("ticks = %d, want 3", res.Ticks)
	}
	// 103 fills the buy at 104; 107 fills the original and the replacement sell at 106
	if res.Fills != 3 {
		t.Fatalf("fills = %d, want 3", res.Fills)
	}
	if len(res.Trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(res.Trades))
	}
	want := decimal.Zero
	for _, tr := range res.Trades {
		want = want.Add(d("2").Mul(tr.Qty))
		if !tr.Time.Equal(start.Add(2 * time.Hour)) {
			t.Fatalf("trade time = %s, want tick time", tr.Time)
		}
	}
	if !res.RealizedPnL.Equal(want) {
		t.Fatalf("pnl = %s, want %s", res.RealizedPnL, want)
	}
	if res.State != StateStopped {
		t.Fatalf("state = %s, want stopped", res.State)
	}
	if !res.FinalBalances.LockedBase.IsZero() || !res.FinalBalances.LockedQuote.IsZero() {
		t.Fatalf("orders left resting: %+v", res.FinalBalances)
	}
	if !res.StartEquityQuote.Equal(d("3050")) {
		t.Fatalf("start equity = %s, want 3050", res.StartEquityQuote)
	}
	if !res.StartPrice.Equal(d("105")) || !res.EndPrice.Equal(d("107")) {
		t.Fatalf("prices = %s..%s, want 105..107", res.StartPrice, res.EndPrice)
	}
	if len(res.DailyPnLQuoteSeries) != 2 {
		t.Fatalf("daily series = %d days, want 2", len(res.DailyPnLQuoteSeries))
	}
	open, _ := venue.ListOpenOrders(context.Background(), "BTCUSDT")
	if len(open) != 0 {
		t.Fatalf("open orders after run = %d", len(open))
	}
}

func TestBacktestChargesMakerFee(t *testing.T) {
	venue := newBacktestVenue(t, "0.001")
	feed := newSliceFeed(time.Unix(0, 0).UTC(), "105", "103")
	runner := NewBacktestRunner(venue, feed, scenarioParams(), Options{})
	defer runner.Close()

	res, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.FeesPaidQuote.Cmp(decimal.Zero) <= 0 {
		t.Fatalf("fees = %s, want > 0", res.FeesPaidQuote)
	}
	if res.EndEquityQuote.Cmp(res.StartEquityQuote) >= 0 {
		t.Fatalf("equity should fall with price and fees: %s -> %s", res.StartEquityQuote, res.EndEquityQuote)
	}
	if res.MaxDrawdownQuote.Cmp(decimal.Zero) <= 0 {
		t.Fatalf("drawdown = %s, want > 0", res.MaxDrawdownQuote)
	}
}

func TestBacktestRejectsEmptyFeed(t *testing.T) {
	feed := newSliceFeed(time.Unix(0, 0))
	runner := NewBacktestRunner(newBacktestVenue(t, "0"), feed, scenarioParams(), Options{})
	defer runner.Close()

	if _, err := runner.Run(context.Background()); !errors.Is(err, ErrEmptyFeed) {
		t.Fatalf("Run() error = %v, want ErrEmptyFeed", err)
	}
	if !feed.closeCalled {
		t.Fatalf("feed.Close() was not called")
	}
}

func TestBacktestHonorsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	feed := newSliceFeed(time.Unix(0, 0), "105")
	runner := NewBacktestRunner(newBacktestVenue(t, "0"), feed, scenarioParams(), Options{})
	defer runner.Close()

	if _, err := runner.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want %v", err, context.Canceled)
	}
	if !feed.closeCalled {
		t.Fatalf("feed.Close() was not called")
	}
}

func TestBacktestFailsWhenNoLevelFitsMinimums(t *testing.T) {
	venue, err := paper.NewVenue("BTCUSDT", paper.Config{
		Rules: core.Rules{MinQty: d("0.001"), PriceTick: d("0.01"), QtyStep: d("0.001"), MinNotional: d("50")},
		Quote: d("2000"),
	})
	if err != nil {
		t.Fatalf("NewVenue() error = %v", err)
	}
	params := scenarioParams()
	params.Investment = d("10")
	runner := NewBacktestRunner(venue, newSliceFeed(time.Unix(0, 0), "105", "101"), params, Options{})
	defer runner.Close()

	res, err := runner.Run(context.Background())
	if !errors.Is(err, core.ErrInvalidQuantity) {
		t.Fatalf("Run() error = %v, want ErrInvalidQuantity", err)
	}
	if res.State != StateFailed {
		t.Fatalf("state = %s, want failed", res.State)
	}
}
