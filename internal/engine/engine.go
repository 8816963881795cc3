// Package engine runs one spot grid: it lays the ladder, polls the venue for
// fills, rebalances through the strategy and cancels everything on the way
// out.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spot-grid/internal/alert"
	"spot-grid/internal/core"
	"spot-grid/internal/exchange"
	"spot-grid/internal/grid"
	"spot-grid/internal/ledger"
	"spot-grid/internal/metrics"
	"spot-grid/internal/safety"
	"spot-grid/internal/strategy"
)

type RunState string

const (
	StateIdle         RunState = "idle"
	StateInitializing RunState = "initializing"
	StateRunning      RunState = "running"
	StateStopping     RunState = "stopping"
	StateStopped      RunState = "stopped"
	StateFailed       RunState = "failed"
)

var ErrAlreadyRunning = errors.New("engine already running")

const (
	DefaultPollInterval = 10 * time.Second
	DefaultHistoryLimit = 50
	DefaultCallTimeout  = 10 * time.Second
	eventBuffer         = 64
	// polls an unconfirmed placement is looked for before its level is
	// given up
	unconfirmedPolls = 5
)

// Journal receives a write-only audit trail of each run. Errors are logged
// and never stop the engine.
type Journal interface {
	RecordRun(runID string, gw string, params grid.Params, at time.Time) error
	RecordOrder(runID string, ord core.Order) error
	RecordFill(runID string, fill core.Order) error
	RecordTrade(runID string, rec core.TradeRecord, total decimal.Decimal) error
	FinishRun(runID string, state string, pnl decimal.Decimal, at time.Time) error
}

type nopJournal struct{}

func (nopJournal) RecordRun(string, string, grid.Params, time.Time) error      { return nil }
func (nopJournal) RecordOrder(string, core.Order) error                        { return nil }
func (nopJournal) RecordFill(string, core.Order) error                         { return nil }
func (nopJournal) RecordTrade(string, core.TradeRecord, decimal.Decimal) error { return nil }
func (nopJournal) FinishRun(string, string, decimal.Decimal, time.Time) error  { return nil }

type Options struct {
	PollInterval time.Duration
	HistoryLimit int
	CallTimeout  time.Duration
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
	Journal      Journal
	Alerter      alert.Alerter
	// PollBreaker, when set, skips polls during its cooldown after repeated
	// failures.
	PollBreaker *safety.Breaker
	// Hints wakes the poll loop before the interval elapses.
	Hints <-chan struct{}
}

// run is the state of one Start..Stop cycle. Everything in it is owned by
// the goroutine driving the run.
type run struct {
	id     string
	params grid.Params
	book   *ledger.Book
	pnl    *ledger.PnL
	strat  *strategy.Rebalancer
	limit  int
	// foreign holds the history ids that predate the run. nil when the
	// snapshot failed.
	foreign map[string]struct{}
}

type Engine struct {
	gw     timedGateway
	opts   Options
	logger *zap.Logger
	events *eventQueue

	mu     sync.Mutex
	state  RunState
	total  decimal.Decimal
	active int
	trades []core.TradeRecord
	cur    *run
	stopCh chan struct{}
	done   chan struct{}
}

func New(gw exchange.Gateway, opts Options) *Engine {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Journal == nil {
		opts.Journal = nopJournal{}
	}
	e := &Engine{
		gw:     timedGateway{inner: gw, timeout: opts.CallTimeout},
		opts:   opts,
		logger: opts.Logger.With(zap.String("venue", gw.Name())),
		events: newEventQueue(eventBuffer),
		state:  StateIdle,
		total:  decimal.Zero,
	}
	opts.Metrics.SetRunState(string(StateIdle))
	return e
}

// Events is the outbound status stream. It is never closed; events are
// delivered in order and none are dropped.
func (e *Engine) Events() <-chan Event {
	return e.events.out
}

// Close releases the event forwarder. The engine must not be used after.
func (e *Engine) Close() {
	e.events.stop()
}

func (e *Engine) State() RunState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// PnL is the realized profit of the current or last run.
func (e *Engine) PnL() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.total
}

// RunID identifies the current or last run. It is empty before the first
// Start.
func (e *Engine) RunID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil {
		return ""
	}
	return e.cur.id
}

// ActiveOrders is how many orders the run last believed were resting.
func (e *Engine) ActiveOrders() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Trades returns a copy of the realized-profit records of the current or
// last run.
func (e *Engine) Trades() []core.TradeRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]core.TradeRecord, len(e.trades))
	copy(out, e.trades)
	return out
}

// Start validates params, lays the grid and starts polling. Invalid params
// fail with core.ErrConfig before any venue call and leave the state as it
// was. Any other failure cancels what was placed and leaves the engine Failed.
func (e *Engine) Start(ctx context.Context, params grid.Params) error {
	r, err := e.prepare(params)
	if err != nil {
		return err
	}
	if err := e.initialize(ctx, r); err != nil {
		e.fail(r, err)
		return err
	}

	e.mu.Lock()
	e.stopCh = make(chan struct{})
	e.done = make(chan struct{})
	stop, done := e.stopCh, e.done
	e.mu.Unlock()
	e.setActive(len(r.book.ActiveOrders()))
	e.setState(StateRunning)
	e.emit(LevelInfo, "engine_running", fmt.Sprintf("grid running with %d orders", len(r.book.ActiveOrders())),
		zap.String("run_id", r.id), zap.Int("active_orders", len(r.book.ActiveOrders())))

	go e.worker(r, stop, done)
	return nil
}

// Stop ends the run and cancels every open order for the pair. It is a
// no-op unless the engine is Running, and always leaves it Stopped.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.state != StateRunning {
		state := e.state
		e.mu.Unlock()
		e.emit(LevelInfo, "stop_ignored", fmt.Sprintf("stop ignored: engine is %s", state), zap.String("state", string(state)))
		return
	}
	e.state = StateStopping
	stop, done, r := e.stopCh, e.done, e.cur
	e.mu.Unlock()
	e.opts.Metrics.SetRunState(string(StateStopping))
	e.emit(LevelInfo, "engine_stopping", "stopping grid", zap.String("run_id", r.id))

	if stop != nil {
		close(stop)
		<-done
	}
	e.shutdown(r)
}

func (e *Engine) prepare(params grid.Params) (*run, error) {
	if err := params.Validate(); err != nil {
		e.emit(LevelError, "config_invalid", err.Error(), zap.Error(err))
		return nil, err
	}

	e.mu.Lock()
	switch e.state {
	case StateInitializing, StateRunning, StateStopping:
		state := e.state
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: state=%s", ErrAlreadyRunning, state)
	}
	r := &run{
		id:     uuid.NewString(),
		params: params,
		book:   ledger.NewBook(),
		pnl:    ledger.NewPnL(),
		limit:  e.opts.HistoryLimit,
	}
	// keep at least a full ladder of resting orders plus as many recent fills in view
	if floor := 2 * params.Count; r.limit < floor {
		r.limit = floor
	}
	e.cur = r
	e.state = StateInitializing
	e.total = decimal.Zero
	e.trades = nil
	e.mu.Unlock()

	e.opts.Metrics.SetRunState(string(StateInitializing))
	e.opts.Metrics.SetRealizedPnL(0)
	e.setActive(0)
	e.journal("run", e.opts.Journal.RecordRun(r.id, e.gw.Name(), params, time.Now().UTC()))
	e.emit(LevelInfo, "engine_starting",
		fmt.Sprintf("starting %s grid %s-%s x%d investing %s", params.Pair, params.Lower, params.Upper, params.Count, params.Investment),
		zap.String("run_id", r.id),
		zap.String("pair", params.Pair),
		zap.String("lower", params.Lower.String()),
		zap.String("upper", params.Upper.String()),
		zap.Int("count", params.Count),
		zap.String("investment", params.Investment.String()),
	)
	return r, nil
}

func (e *Engine) initialize(ctx context.Context, r *run) error {
	pair := r.params.Pair
	e.cancelStale(ctx, pair)
	r.foreign = e.snapshotForeign(ctx, r)

	rules, err := e.gw.GetQuantization(ctx, pair)
	if err != nil {
		return fmt.Errorf("get quantization: %w", err)
	}
	price, err := e.gw.GetPrice(ctx, pair)
	if err != nil {
		return fmt.Errorf("get price: %w", err)
	}
	plan, err := grid.BuildLevels(r.params, rules)
	if err != nil {
		return err
	}
	for _, om := range plan.Omitted {
		e.emit(LevelWarn, "level_omitted", fmt.Sprintf("level %d at %s omitted: %v", om.Index, om.Price, om.Err),
			zap.Int("index", om.Index), zap.String("price", om.Price.String()), zap.Error(om.Err))
	}
	if len(plan.Levels) == 0 {
		return fmt.Errorf("%w: every grid level is below the venue minimums", core.ErrInvalidQuantity)
	}
	r.strat = strategy.NewRebalancer(plan, rules, e.gw, r.book, r.pnl, &runObserver{e: e, r: r})

	e.emit(LevelInfo, "grid_planned",
		fmt.Sprintf("price %s, step %s, %d levels", price, plan.Step, len(plan.Levels)),
		zap.String("price", price.String()), zap.String("step", plan.Step.String()), zap.Int("levels", len(plan.Levels)))
	if err := r.strat.Init(ctx, price); err != nil {
		return fmt.Errorf("place initial orders: %w", err)
	}
	return nil
}

// cancelStale clears orders left on the pair by an earlier process.
func (e *Engine) cancelStale(ctx context.Context, pair string) {
	open, err := e.gw.ListOpenOrders(ctx, pair)
	if err != nil {
		e.emit(LevelWarn, "stale_list_failed", fmt.Sprintf("could not list stale orders: %v", err), zap.Error(err))
		return
	}
	for _, ord := range open {
		if err := e.gw.CancelOrder(ctx, pair, ord.ID); err != nil {
			e.emit(LevelWarn, "stale_cancel_failed", fmt.Sprintf("could not cancel stale order %s: %v", ord.ID, err),
				zap.String("order_id", ord.ID), zap.Error(err))
			continue
		}
		e.emit(LevelInfo, "stale_canceled", fmt.Sprintf("canceled stale order %s", ord.ID), zap.String("order_id", ord.ID))
	}
}

// snapshotForeign records the orders already in history before this run
// places anything, so none of them is ever taken for one of ours.
func (e *Engine) snapshotForeign(ctx context.Context, r *run) map[string]struct{} {
	history, err := e.gw.ListOrderHistory(ctx, r.params.Pair, r.limit)
	if err != nil {
		e.emit(LevelWarn, "history_snapshot_failed", fmt.Sprintf("could not snapshot order history: %v", err), zap.Error(err))
		return nil
	}
	foreign := make(map[string]struct{}, len(history))
	for _, ord := range history {
		foreign[ord.ID] = struct{}{}
	}
	return foreign
}

func (e *Engine) fail(r *run, cause error) {
	e.emit(LevelError, "start_failed", fmt.Sprintf("start failed: %v", cause), zap.String("run_id", r.id), zap.Error(cause))
	e.cleanup(r)
	e.setState(StateFailed)
	e.journal("finish", e.opts.Journal.FinishRun(r.id, string(StateFailed), r.pnl.Total(), time.Now().UTC()))
}

// shutdown runs once the worker is gone.
func (e *Engine) shutdown(r *run) {
	e.cleanup(r)
	e.setState(StateStopped)
	total := r.pnl.Total()
	e.journal("finish", e.opts.Journal.FinishRun(r.id, string(StateStopped), total, time.Now().UTC()))
	e.emit(LevelInfo, "engine_stopped", fmt.Sprintf("grid stopped, realized pnl %s over %d trades", total, r.pnl.Len()),
		zap.String("run_id", r.id), zap.String("pnl", total.String()), zap.Int("trades", r.pnl.Len()))
}

// cleanup cancels the union of the venue's open orders and the orders the
// book still believes rest. Failures are reported, never returned.
func (e *Engine) cleanup(r *run) {
	ctx := context.Background()
	pair := r.params.Pair
	open, err := e.gw.ListOpenOrders(ctx, pair)
	if err != nil {
		e.emit(LevelWarn, "cleanup_list_failed", fmt.Sprintf("could not list open orders: %v", err), zap.Error(err))
	}
	canceled, failed := 0, 0
	for _, id := range cleanupTargets(open, r.book.ActiveOrders()) {
		if err := e.gw.CancelOrder(ctx, pair, id); err != nil && !errors.Is(err, core.ErrOrderNotFound) {
			failed++
			e.emit(LevelWarn, "cancel_failed", fmt.Sprintf("could not cancel %s: %v", id, err),
				zap.String("order_id", id), zap.Error(err))
			continue
		}
		r.book.MarkCanceled(id)
		canceled++
	}
	e.setActive(len(r.book.ActiveOrders()))
	level := LevelInfo
	if failed > 0 {
		level = LevelWarn
	}
	e.emit(level, "cleanup_done", fmt.Sprintf("cleanup canceled %d orders, %d failed", canceled, failed),
		zap.Int("canceled", canceled), zap.Int("failed", failed))
}

func (e *Engine) worker(r *run, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-stop:
			return
		default:
		}
		e.cycle(ctx, r)
		select {
		case <-stop:
			return
		case <-ticker.C:
		case <-e.opts.Hints:
			e.logger.Debug("poll_hint", zap.String("run_id", r.id))
		}
	}
}

// cycle is one reconciliation pass: poll history, apply new fills in venue
// order. Every error is survivable.
func (e *Engine) cycle(ctx context.Context, r *run) {
	pair := r.params.Pair
	if err := e.opts.PollBreaker.Allow(); err != nil {
		e.logger.Debug("poll_skipped", zap.Duration("cooldown_remaining", e.opts.PollBreaker.CooldownRemaining()))
		return
	}
	history, err := e.gw.ListOrderHistory(ctx, pair, r.limit)
	_ = e.opts.PollBreaker.Record(err)
	if err != nil {
		e.opts.Metrics.PollError()
		level := LevelError
		if core.IsTransient(err) {
			level = LevelWarn
		}
		e.emit(level, "poll_failed", fmt.Sprintf("order history poll failed: %v", err), zap.Error(err))
		return
	}

	e.adopt(r, history)
	history = e.backfill(ctx, r, history)

	fills, closed := reconcile(r.book, history)
	for _, ord := range closed {
		e.emit(LevelInfo, "order_closed", fmt.Sprintf("%s %s @ %s closed by venue: %s", ord.Side, ord.ID, ord.Price, ord.Status),
			zap.String("order_id", ord.ID), zap.String("status", string(ord.Status)))
	}
	for _, fill := range fills {
		if err := r.strat.OnFill(ctx, fill); err != nil {
			e.emit(LevelWarn, "fill_failed", fmt.Sprintf("applying fill %s: %v", fill.ID, err),
				zap.String("order_id", fill.ID), zap.Error(err))
		}
	}
	e.setActive(len(r.book.ActiveOrders()))
	if len(fills) > 0 {
		e.logger.Debug("poll_applied", zap.String("run_id", r.id), zap.Int("fills", len(fills)),
			zap.Int("processed_total", r.book.ProcessedCount()))
	}
}

// adopt claims orders that rested although their placement reported a
// transient failure. Candidates are untracked orders in the page that the
// venue marks as ours, are not known from before the run, and are still
// resting or filled.
func (e *Engine) adopt(r *run, history []core.Order) {
	if !r.strat.HasUnconfirmed() {
		return
	}
	for _, ord := range history {
		if ord.ID == "" || r.book.Tracks(ord.ID) || !e.gw.ownsClientID(ord.ClientID) {
			continue
		}
		if _, old := r.foreign[ord.ID]; old {
			continue
		}
		switch ord.Status {
		case core.OrderOpen, core.OrderPartiallyFilled:
		case core.OrderFilled:
			if r.foreign == nil {
				continue
			}
		default:
			continue
		}
		if r.strat.Adopt(ord) {
			e.emit(LevelInfo, "order_adopted", fmt.Sprintf("%s %s @ %s rested despite a failed placement", ord.Side, ord.ID, ord.Price),
				zap.String("order_id", ord.ID), zap.String("status", string(ord.Status)))
		}
	}
	for _, u := range r.strat.Expire(unconfirmedPolls) {
		e.emit(LevelWarn, "placement_abandoned", fmt.Sprintf("%s @ %s (level %d) never showed up on the venue", u.Side, u.Price, u.Index),
			zap.String("side", string(u.Side)), zap.String("price", u.Price.String()), zap.Int("level", u.Index))
	}
}

// backfill looks up the tracked resting orders the history page left out.
// A venue that windows history by creation drops an order resting since
// before the newest placements, whatever happened to it since.
func (e *Engine) backfill(ctx context.Context, r *run, history []core.Order) []core.Order {
	missing := missingActive(r.book.ActiveOrders(), history)
	if len(missing) == 0 {
		return history
	}
	pair := r.params.Pair
	open, err := e.gw.ListOpenOrders(ctx, pair)
	if err != nil {
		e.emit(LevelWarn, "backfill_failed", fmt.Sprintf("could not list open orders: %v", err), zap.Error(err))
		return history
	}
	resting := make(map[string]struct{}, len(open))
	for _, ord := range open {
		resting[ord.ID] = struct{}{}
	}
	for _, id := range missing {
		if _, ok := resting[id]; ok {
			continue
		}
		ord, err := e.gw.GetOrder(ctx, pair, id)
		if err != nil {
			e.emit(LevelWarn, "backfill_failed", fmt.Sprintf("could not look up order %s: %v", id, err),
				zap.String("order_id", id), zap.Error(err))
			continue
		}
		history = append(history, ord)
	}
	return history
}

func (e *Engine) setState(state RunState) {
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
	e.opts.Metrics.SetRunState(string(state))
}

func (e *Engine) setActive(n int) {
	e.mu.Lock()
	e.active = n
	e.mu.Unlock()
	e.opts.Metrics.SetActiveOrders(n)
}

func (e *Engine) emit(level Level, name, msg string, fields ...zap.Field) {
	switch level {
	case LevelError:
		e.logger.Error(name, fields...)
	case LevelWarn:
		e.logger.Warn(name, fields...)
	default:
		e.logger.Info(name, fields...)
	}
	e.events.push(Event{Time: time.Now().UTC(), Level: level, Name: name, Message: msg})
	if level != LevelInfo && e.opts.Alerter != nil {
		e.opts.Alerter.Important(name, map[string]string{"message": msg, "level": string(level)})
	}
}

func (e *Engine) journal(what string, err error) {
	if err != nil {
		e.logger.Warn("journal_write_failed", zap.String("record", what), zap.Error(err))
	}
}

// runObserver turns strategy side effects into events, metrics and journal
// rows.
type runObserver struct {
	e *Engine
	r *run
}

func (o *runObserver) Placed(ord core.Order) {
	o.e.opts.Metrics.OrderPlaced(string(ord.Side))
	o.e.journal("order", o.e.opts.Journal.RecordOrder(o.r.id, ord))
	o.e.emit(LevelInfo, "order_placed", fmt.Sprintf("placed %s %s @ %s (level %d)", ord.Side, ord.Qty, ord.Price, ord.GridIndex),
		zap.String("order_id", ord.ID),
		zap.String("side", string(ord.Side)),
		zap.String("price", ord.Price.String()),
		zap.String("qty", ord.Qty.String()),
		zap.Int("level", ord.GridIndex),
	)
}

func (o *runObserver) PlaceFailed(side core.Side, index int, price decimal.Decimal, err error) {
	o.e.opts.Metrics.OrderRejected(string(side))
	o.e.emit(LevelWarn, "order_place_failed", fmt.Sprintf("could not place %s @ %s (level %d): %v", side, price, index, err),
		zap.String("side", string(side)),
		zap.String("price", price.String()),
		zap.Int("level", index),
		zap.Error(err),
	)
}

func (o *runObserver) Filled(fill core.Order) {
	o.e.opts.Metrics.Fill(string(fill.Side))
	o.e.journal("fill", o.e.opts.Journal.RecordFill(o.r.id, fill))
	o.e.emit(LevelInfo, "order_filled", fmt.Sprintf("%s %s filled @ %s (level %d)", fill.Side, fill.FilledQty(), fill.Price, fill.GridIndex),
		zap.String("order_id", fill.ID),
		zap.String("side", string(fill.Side)),
		zap.String("price", fill.Price.String()),
		zap.String("qty", fill.FilledQty().String()),
		zap.Int("level", fill.GridIndex),
	)
}

func (o *runObserver) Realized(rec core.TradeRecord, total decimal.Decimal) {
	o.e.mu.Lock()
	o.e.total = total
	o.e.trades = append(o.e.trades, rec)
	o.e.mu.Unlock()
	o.e.opts.Metrics.SetRealizedPnL(total.InexactFloat64())
	o.e.journal("trade", o.e.opts.Journal.RecordTrade(o.r.id, rec, total))
	o.e.emit(LevelInfo, "profit_realized", fmt.Sprintf("profit %s, total %s", rec.Profit, total),
		zap.String("order_id", rec.OrderID),
		zap.String("profit", rec.Profit.String()),
		zap.String("total", total.String()),
	)
}

func (o *runObserver) Boundary(fill core.Order) {
	o.e.emit(LevelInfo, "grid_edge", fmt.Sprintf("%s at level %d is a grid edge, no replacement", fill.Side, fill.GridIndex),
		zap.String("order_id", fill.ID), zap.Int("level", fill.GridIndex))
}
