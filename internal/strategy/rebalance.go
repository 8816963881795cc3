package strategy

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"spot-grid/internal/core"
	"spot-grid/internal/grid"
	"spot-grid/internal/ledger"
)

// Rebalancer keeps a fixed arithmetic ladder populated: every filled Buy is
// answered by a Sell one level up, every filled Sell by a Buy one level down.
//
// A Rebalancer is not safe for concurrent use; it mutates the Book and PnL it
// was built with.
type Rebalancer struct {
	plan     grid.Plan
	rules    core.Rules
	placer   OrderPlacer
	book     *ledger.Book
	pnl      *ledger.PnL
	observer Observer
	now      func() time.Time
	// unconfirmed placements failed transiently and may still rest on the
	// venue; see Adopt.
	unconfirmed []Unconfirmed
}

// Unconfirmed is a placement whose outcome never came back.
type Unconfirmed struct {
	Side  core.Side
	Index int
	Price decimal.Decimal
	Qty   decimal.Decimal
	Polls int
}

func NewRebalancer(plan grid.Plan, rules core.Rules, placer OrderPlacer, book *ledger.Book, pnl *ledger.PnL, observer Observer) *Rebalancer {
	if observer == nil {
		observer = NopObserver{}
	}
	return &Rebalancer{
		plan:     plan,
		rules:    rules,
		placer:   placer,
		book:     book,
		pnl:      pnl,
		observer: observer,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Init places one order per planned level: Buy strictly below price, Sell at
// or above it. Individual rejections are reported and skipped; Init fails
// only when the context ends or nothing could be placed.
func (r *Rebalancer) Init(ctx context.Context, price decimal.Decimal) error {
	var lastErr error
	placed := 0
	for _, lvl := range r.plan.Levels {
		if err := ctx.Err(); err != nil {
			return err
		}
		side := core.Sell
		if lvl.Price.Cmp(price) < 0 {
			side = core.Buy
		}
		ord, err := r.placer.PlaceLimitOrder(ctx, r.plan.Params.Pair, side, lvl.Qty, lvl.OrderPrice)
		if err != nil {
			lastErr = err
			r.failed(side, lvl.Index, lvl.OrderPrice, lvl.Qty, err)
			continue
		}
		r.track(ord, side, lvl.Index, lvl.OrderPrice, lvl.Qty)
		placed++
	}
	if placed == 0 {
		if lastErr != nil {
			return errors.Join(ErrNoOrders, lastErr)
		}
		return ErrNoOrders
	}
	return nil
}

// OnFill applies a filled order exactly once. Repeated calls for the same
// order id are no-ops.
func (r *Rebalancer) OnFill(ctx context.Context, fill core.Order) error {
	if !r.book.TryMarkFilled(fill.ID) {
		return nil
	}
	index := core.NoGridIndex
	qty := fill.ExecutedQty
	if tracked, ok := r.book.Lookup(fill.ID); ok {
		index = tracked.GridIndex
		if qty.Cmp(decimal.Zero) <= 0 {
			qty = tracked.Qty
		}
	}
	if index == core.NoGridIndex {
		index = r.plan.IndexForPrice(fill.Price)
	}
	if qty.Cmp(decimal.Zero) <= 0 {
		qty = fill.Qty
	}
	fill.GridIndex = index
	fill.ExecutedQty = qty
	r.observer.Filled(fill)

	var target int
	switch fill.Side {
	case core.Buy:
		target = index + 1
	case core.Sell:
		at := fill.UpdatedAt
		if at.IsZero() {
			at = r.now()
		}
		rec := core.TradeRecord{
			OrderID: fill.ID,
			Side:    core.Sell,
			Price:   fill.Price,
			Qty:     qty,
			Profit:  r.plan.Step.Mul(qty),
			Time:    at,
		}
		total := r.pnl.Append(rec)
		r.observer.Realized(rec, total)
		target = index - 1
	default:
		return nil
	}
	if !r.plan.InRange(target) {
		r.observer.Boundary(fill)
		return nil
	}
	return r.replace(ctx, fill.Side.Opposite(), target, qty)
}

func (r *Rebalancer) replace(ctx context.Context, side core.Side, index int, qty decimal.Decimal) error {
	price, qty, err := core.NormalizeLimit(r.plan.PriceAt(index), qty, r.rules)
	if err != nil {
		r.observer.PlaceFailed(side, index, r.plan.PriceAt(index), err)
		return nil
	}
	ord, err := r.placer.PlaceLimitOrder(ctx, r.plan.Params.Pair, side, qty, price)
	if err != nil {
		r.failed(side, index, price, qty, err)
		return ctx.Err()
	}
	r.track(ord, side, index, price, qty)
	return nil
}

// failed reports a placement error. A transient one leaves the outcome
// unknown, so the placement is remembered until Adopt or Expire settles it.
func (r *Rebalancer) failed(side core.Side, index int, price, qty decimal.Decimal, err error) {
	r.observer.PlaceFailed(side, index, price, err)
	if core.IsTransient(err) {
		r.unconfirmed = append(r.unconfirmed, Unconfirmed{Side: side, Index: index, Price: price, Qty: qty})
	}
}

func (r *Rebalancer) HasUnconfirmed() bool { return len(r.unconfirmed) > 0 }

// Adopt claims a venue order this run did not see accepted. It matches the
// oldest unconfirmed placement with the same side, price and quantity, and
// tracks ord at that placement's level. It reports whether ord was claimed.
func (r *Rebalancer) Adopt(ord core.Order) bool {
	if ord.ID == "" || r.book.Tracks(ord.ID) {
		return false
	}
	for i, u := range r.unconfirmed {
		if u.Side != ord.Side || !u.Price.Equal(ord.Price) || !u.Qty.Equal(ord.Qty) {
			continue
		}
		r.unconfirmed = append(r.unconfirmed[:i], r.unconfirmed[i+1:]...)
		r.track(ord, u.Side, u.Index, u.Price, u.Qty)
		return true
	}
	return false
}

// Expire ages every unconfirmed placement by one poll and gives up on the
// ones that have gone maxPolls polls without showing up. Those levels stay
// empty.
func (r *Rebalancer) Expire(maxPolls int) []Unconfirmed {
	var expired []Unconfirmed
	kept := r.unconfirmed[:0]
	for _, u := range r.unconfirmed {
		u.Polls++
		if u.Polls >= maxPolls {
			expired = append(expired, u)
			continue
		}
		kept = append(kept, u)
	}
	r.unconfirmed = kept
	return expired
}

func (r *Rebalancer) track(ord core.Order, side core.Side, index int, price, qty decimal.Decimal) {
	ord.GridIndex = index
	ord.Status = core.OrderOpen
	if ord.Side == "" {
		ord.Side = side
	}
	if ord.Price.Cmp(decimal.Zero) <= 0 {
		ord.Price = price
	}
	if ord.Qty.Cmp(decimal.Zero) <= 0 {
		ord.Qty = qty
	}
	if ord.Symbol == "" {
		ord.Symbol = r.plan.Params.Pair
	}
	r.book.RecordPlaced(ord)
	r.observer.Placed(ord)
}

var _ Strategy = (*Rebalancer)(nil)
