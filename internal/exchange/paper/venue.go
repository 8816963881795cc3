// Package paper is an in-memory spot venue. It rests limit orders against
// reserved balances and fills them when Match sees the price cross.
package paper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"spot-grid/internal/core"
)

const (
	clientIDPrefix   = "paper-c-"
	defaultRetention = 10000
	compactSlack     = 64
)

type Config struct {
	Rules    core.Rules
	Base     decimal.Decimal
	Quote    decimal.Decimal
	MakerFee decimal.Decimal
	// Retention is how many closed orders the venue remembers for history
	// and lookups. Zero means 10000.
	Retention int
}

type Balances struct {
	FreeBase    decimal.Decimal
	FreeQuote   decimal.Decimal
	LockedBase  decimal.Decimal
	LockedQuote decimal.Decimal
	FeePaid     decimal.Decimal
}

type Venue struct {
	mu          sync.Mutex
	pair        string
	rules       core.Rules
	makerFee    decimal.Decimal
	freeBase    decimal.Decimal
	freeQuote   decimal.Decimal
	lockedBase  decimal.Decimal
	lockedQuote decimal.Decimal
	feePaid     decimal.Decimal
	lastPrice   decimal.Decimal
	orders      map[string]*entry
	open        []string
	changes     []change
	closed      int
	retention   int
	seq         int
	rev         int
	lastAt      time.Time
}

// entry carries the revision of the last status change so history can be
// windowed by recency of change rather than by creation.
type entry struct {
	order core.Order
	rev   int
}

type change struct {
	id  string
	rev int
}

func NewVenue(pair string, cfg Config) (*Venue, error) {
	if pair == "" {
		return nil, fmt.Errorf("%w: paper venue pair is required", core.ErrConfig)
	}
	if cfg.MakerFee.Cmp(decimal.Zero) < 0 {
		return nil, fmt.Errorf("%w: fee rate must be >= 0", core.ErrConfig)
	}
	if cfg.Base.Cmp(decimal.Zero) < 0 || cfg.Quote.Cmp(decimal.Zero) < 0 {
		return nil, fmt.Errorf("%w: paper balances must be >= 0", core.ErrConfig)
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	return &Venue{
		pair:        pair,
		rules:       cfg.Rules,
		makerFee:    cfg.MakerFee,
		freeBase:    cfg.Base,
		freeQuote:   cfg.Quote,
		lockedBase:  decimal.Zero,
		lockedQuote: decimal.Zero,
		feePaid:     decimal.Zero,
		lastPrice:   decimal.Zero,
		orders:      make(map[string]*entry),
		retention:   cfg.Retention,
	}, nil
}

func (v *Venue) Name() string { return "paper" }

func (v *Venue) OwnsClientID(clientID string) bool {
	return strings.HasPrefix(clientID, clientIDPrefix)
}

// SetPrice moves the reference price without matching resting orders.
func (v *Venue) SetPrice(price decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lastPrice = price
}

func (v *Venue) Balances() Balances {
	v.mu.Lock()
	defer v.mu.Unlock()
	return Balances{
		FreeBase:    v.freeBase,
		FreeQuote:   v.freeQuote,
		LockedBase:  v.lockedBase,
		LockedQuote: v.lockedQuote,
		FeePaid:     v.feePaid,
	}
}

func (v *Venue) GetPrice(ctx context.Context, pair string) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkPair(pair); err != nil {
		return decimal.Zero, err
	}
	if v.lastPrice.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero, fmt.Errorf("%w: no price yet for %s", core.ErrVenueUnavailable, pair)
	}
	return v.lastPrice, nil
}

func (v *Venue) GetQuantization(ctx context.Context, pair string) (core.Rules, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkPair(pair); err != nil {
		return core.Rules{}, err
	}
	return v.rules, nil
}

func (v *Venue) PlaceLimitOrder(ctx context.Context, pair string, side core.Side, qty, price decimal.Decimal) (core.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkPair(pair); err != nil {
		return core.Order{}, err
	}
	if side != core.Buy && side != core.Sell {
		return core.Order{}, fmt.Errorf("%w: unknown side %q", core.ErrOrderRejected, side)
	}
	if qty.Cmp(decimal.Zero) <= 0 || price.Cmp(decimal.Zero) <= 0 {
		return core.Order{}, fmt.Errorf("%w: qty and price must be > 0", core.ErrOrderRejected)
	}
	if v.rules.MinQty.Cmp(decimal.Zero) > 0 && qty.Cmp(v.rules.MinQty) < 0 {
		return core.Order{}, fmt.Errorf("%w: qty %s below min %s", core.ErrOrderRejected, qty, v.rules.MinQty)
	}
	notional := price.Mul(qty)
	if v.rules.MinNotional.Cmp(decimal.Zero) > 0 && notional.Cmp(v.rules.MinNotional) < 0 {
		return core.Order{}, fmt.Errorf("%w: notional %s below min %s", core.ErrOrderRejected, notional, v.rules.MinNotional)
	}

	switch side {
	case core.Buy:
		if v.freeQuote.Cmp(notional) < 0 {
			return core.Order{}, errors.Join(core.ErrOrderRejected, core.ErrInsufficientBalance,
				fmt.Errorf("need %s quote, free %s", notional, v.freeQuote))
		}
		v.freeQuote = v.freeQuote.Sub(notional)
		v.lockedQuote = v.lockedQuote.Add(notional)
	case core.Sell:
		if v.freeBase.Cmp(qty) < 0 {
			return core.Order{}, errors.Join(core.ErrOrderRejected, core.ErrInsufficientBalance,
				fmt.Errorf("need %s base, free %s", qty, v.freeBase))
		}
		v.freeBase = v.freeBase.Sub(qty)
		v.lockedBase = v.lockedBase.Add(qty)
	}

	v.seq++
	now := v.stamp()
	ord := core.Order{
		ID:        fmt.Sprintf("paper-%d", v.seq),
		ClientID:  fmt.Sprintf("%s%d", clientIDPrefix, v.seq),
		Symbol:    pair,
		Side:      side,
		Price:     price,
		Qty:       qty,
		Status:    core.OrderOpen,
		GridIndex: core.NoGridIndex,
		CreatedAt: now,
		UpdatedAt: now,
	}
	e := &entry{order: ord}
	v.orders[ord.ID] = e
	v.open = append(v.open, ord.ID)
	v.touch(e)
	return ord, nil
}

func (v *Venue) CancelOrder(ctx context.Context, pair, orderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkPair(pair); err != nil {
		return err
	}
	e, ok := v.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrOrderNotFound, orderID)
	}
	if e.order.Status.Terminal() {
		return nil
	}
	v.release(&e.order)
	e.order.Status = core.OrderCanceled
	e.order.UpdatedAt = v.stamp()
	v.closed++
	v.touch(e)
	v.dropOpen(orderID)
	return nil
}

func (v *Venue) ListOpenOrders(ctx context.Context, pair string) ([]core.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkPair(pair); err != nil {
		return nil, err
	}
	out := make([]core.Order, 0, len(v.open))
	for _, id := range v.open {
		out = append(out, v.orders[id].order)
	}
	return out, nil
}

// ListOrderHistory returns the limit most recently changed orders of any
// status, least recent first.
func (v *Venue) ListOrderHistory(ctx context.Context, pair string, limit int) ([]core.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkPair(pair); err != nil {
		return nil, err
	}
	out := make([]core.Order, 0)
	for i := len(v.changes) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		c := v.changes[i]
		if e := v.orders[c.id]; e != nil && e.rev == c.rev {
			out = append(out, e.order)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (v *Venue) GetOrder(ctx context.Context, pair, orderID string) (core.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkPair(pair); err != nil {
		return core.Order{}, err
	}
	e, ok := v.orders[orderID]
	if !ok {
		return core.Order{}, fmt.Errorf("%w: %s", core.ErrOrderNotFound, orderID)
	}
	return e.order, nil
}

// Match records price as the last trade and fills every resting order it
// crosses, in placement order. The filled orders are returned.
func (v *Venue) Match(price decimal.Decimal, at time.Time) []core.Order {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lastPrice = price
	v.lastAt = at
	filled := make([]core.Order, 0)
	resting := v.open[:0]
	for _, id := range v.open {
		e := v.orders[id]
		if !shouldFill(&e.order, price) {
			resting = append(resting, id)
			continue
		}
		v.applyFill(&e.order)
		e.order.Status = core.OrderFilled
		e.order.ExecutedQty = e.order.Qty
		e.order.UpdatedAt = at
		v.closed++
		v.touch(e)
		filled = append(filled, e.order)
	}
	v.open = resting
	return filled
}

func shouldFill(ord *core.Order, price decimal.Decimal) bool {
	switch ord.Side {
	case core.Buy:
		return price.Cmp(ord.Price) <= 0
	case core.Sell:
		return price.Cmp(ord.Price) >= 0
	default:
		return false
	}
}

// applyFill settles at the order price; the maker fee is charged in quote.
func (v *Venue) applyFill(ord *core.Order) {
	notional := ord.Price.Mul(ord.Qty)
	fee := notional.Mul(v.makerFee)
	switch ord.Side {
	case core.Buy:
		v.lockedQuote = v.lockedQuote.Sub(notional)
		v.freeBase = v.freeBase.Add(ord.Qty)
	case core.Sell:
		v.lockedBase = v.lockedBase.Sub(ord.Qty)
		v.freeQuote = v.freeQuote.Add(notional)
	}
	v.freeQuote = v.freeQuote.Sub(fee)
	v.feePaid = v.feePaid.Add(fee)
}

func (v *Venue) release(ord *core.Order) {
	switch ord.Side {
	case core.Buy:
		notional := ord.Price.Mul(ord.Qty)
		v.lockedQuote = v.lockedQuote.Sub(notional)
		v.freeQuote = v.freeQuote.Add(notional)
	case core.Sell:
		v.lockedBase = v.lockedBase.Sub(ord.Qty)
		v.freeBase = v.freeBase.Add(ord.Qty)
	}
}

// stamp is the venue clock: the time of the last Match, or wall time before
// the first one.
func (v *Venue) stamp() time.Time {
	if !v.lastAt.IsZero() {
		return v.lastAt
	}
	return time.Now().UTC()
}

func (v *Venue) touch(e *entry) {
	v.rev++
	e.rev = v.rev
	v.changes = append(v.changes, change{id: e.order.ID, rev: v.rev})
	if len(v.changes) > 2*len(v.orders)+compactSlack || v.closed > v.retention+compactSlack {
		v.compact()
	}
}

// compact drops superseded changes and forgets the least recently changed
// closed orders beyond the retention. One change per remembered order is
// left, in change order.
func (v *Venue) compact() {
	excess := v.closed - v.retention
	live := v.changes[:0]
	for _, c := range v.changes {
		e := v.orders[c.id]
		if e == nil || e.rev != c.rev {
			continue
		}
		if excess > 0 && e.order.Status.Terminal() {
			delete(v.orders, c.id)
			v.closed--
			excess--
			continue
		}
		live = append(live, c)
	}
	clear(v.changes[len(live):])
	v.changes = live
}

func (v *Venue) dropOpen(id string) {
	for i, openID := range v.open {
		if openID == id {
			v.open = append(v.open[:i], v.open[i+1:]...)
			return
		}
	}
}

func (v *Venue) checkPair(pair string) error {
	if pair != v.pair {
		return fmt.Errorf("%w: unknown symbol %s", core.ErrOrderRejected, pair)
	}
	return nil
}
