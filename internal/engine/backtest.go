package engine

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/shopspring/decimal"

	"spot-grid/internal/backtest"
	"spot-grid/internal/core"
	"spot-grid/internal/exchange/paper"
	"spot-grid/internal/grid"
)

var ErrEmptyFeed = errors.New("backtest feed has no ticks")

// BacktestRunner replays a tick feed through a paper venue and drives the
// engine's reconciliation synchronously, one cycle per tick.
type BacktestRunner struct {
	engine *Engine
	venue  *paper.Venue
	feed   backtest.Feed
	params grid.Params
}

type BacktestResult struct {
	Ticks               int
	Fills               int
	Trades              []core.TradeRecord
	RealizedPnL         decimal.Decimal
	StartPrice          decimal.Decimal
	EndPrice            decimal.Decimal
	FinalBalances       paper.Balances
	FeesPaidQuote       decimal.Decimal
	StartEquityQuote    decimal.Decimal
	EndEquityQuote      decimal.Decimal
	TotalReturnPct      decimal.Decimal
	MaxDrawdownPct      decimal.Decimal
	MaxDrawdownQuote    decimal.Decimal
	DailyPnLQuoteSeries []DailyPnL
	State               RunState
}

type DailyPnL struct {
	Date     string
	PnLQuote decimal.Decimal
}

// NewBacktestRunner owns the engine it builds; the engine is not started
// or stopped by anything but Run.
func NewBacktestRunner(venue *paper.Venue, feed backtest.Feed, params grid.Params, opts Options) *BacktestRunner {
	return &BacktestRunner{
		engine: New(venue, opts),
		venue:  venue,
		feed:   feed,
		params: params,
	}
}

func (b *BacktestRunner) Events() <-chan Event { return b.engine.Events() }

func (b *BacktestRunner) Close() { b.engine.Close() }

// Run lays the grid at the first tick's price. Every later tick is matched
// against the resting orders and followed by one reconciliation cycle.
// Orders left at the end are canceled before balances are reported.
func (b *BacktestRunner) Run(ctx context.Context) (BacktestResult, error) {
	var result BacktestResult
	defer b.feed.Close()

	e := b.engine
	var r *run
	highWatermark := decimal.Zero
	maxDrawdown := decimal.Zero
	maxDrawdownQuote := decimal.Zero
	dailyClose := make(map[string]decimal.Decimal)
	dayOrder := make([]string, 0)

	recordSnapshot := func(tick backtest.Tick) {
		equity := equityAt(b.venue.Balances(), tick.Price)
		if result.StartEquityQuote.IsZero() {
			result.StartEquityQuote = equity
		}
		if equity.Cmp(highWatermark) > 0 {
			highWatermark = equity
		}
		if highWatermark.Cmp(decimal.Zero) > 0 {
			drawdownQuote := highWatermark.Sub(equity)
			if drawdownQuote.Cmp(maxDrawdownQuote) > 0 {
				maxDrawdownQuote = drawdownQuote
			}
			if dd := drawdownQuote.Div(highWatermark); dd.Cmp(maxDrawdown) > 0 {
				maxDrawdown = dd
			}
		}
		day := tick.Time.UTC().Format("2006-01-02")
		if _, ok := dailyClose[day]; !ok {
			dayOrder = append(dayOrder, day)
		}
		dailyClose[day] = equity
	}
	abort := func(err error) (BacktestResult, error) {
		if r != nil {
			e.shutdown(r)
			result.State = e.State()
		}
		return result, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return abort(err)
		}
		tick, err := b.feed.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return abort(fmt.Errorf("read tick: %w", err))
		}
		result.Ticks++
		result.EndPrice = tick.Price

		if r == nil {
			result.StartPrice = tick.Price
			b.venue.Match(tick.Price, tick.Time)
			r, err = e.prepare(b.params)
			if err != nil {
				return result, err
			}
			if err := e.initialize(ctx, r); err != nil {
				e.fail(r, err)
				result.State = e.State()
				return result, err
			}
			e.setState(StateRunning)
			recordSnapshot(tick)
			continue
		}

		result.Fills += len(b.venue.Match(tick.Price, tick.Time))
		e.cycle(ctx, r)
		recordSnapshot(tick)
	}
	if r == nil {
		return result, ErrEmptyFeed
	}

	e.shutdown(r)
	result.State = e.State()
	result.Trades = e.Trades()
	result.RealizedPnL = e.PnL()
	bal := b.venue.Balances()
	result.FinalBalances = bal
	result.FeesPaidQuote = bal.FeePaid
	result.EndEquityQuote = equityAt(bal, result.EndPrice)
	result.MaxDrawdownPct = maxDrawdown.Mul(decimal.NewFromInt(100))
	result.MaxDrawdownQuote = maxDrawdownQuote
	if result.StartEquityQuote.Cmp(decimal.Zero) > 0 {
		result.TotalReturnPct = result.EndEquityQuote.Sub(result.StartEquityQuote).Div(result.StartEquityQuote).Mul(decimal.NewFromInt(100))
	}
	prevClose := result.StartEquityQuote
	for _, day := range dayOrder {
		closeEquity := dailyClose[day]
		result.DailyPnLQuoteSeries = append(result.DailyPnLQuoteSeries, DailyPnL{
			Date:     day,
			PnLQuote: closeEquity.Sub(prevClose),
		})
		prevClose = closeEquity
	}
	return result, nil
}

// equityAt values every base unit, free or reserved, at price.
func equityAt(bal paper.Balances, price decimal.Decimal) decimal.Decimal {
	base := bal.FreeBase.Add(bal.LockedBase)
	quote := bal.FreeQuote.Add(bal.LockedQuote)
	return quote.Add(base.Mul(price))
}
