// Package ledger holds the per-run bookkeeping of a grid engine: the orders it
// believes are resting, the fills it has already acted on, and realized profit.
//
// Nothing here locks. A Book and a PnL belong to exactly one engine worker.
package ledger

import (
	"spot-grid/internal/core"
)

// Book tracks locally placed orders and the set of order ids whose fills
// have been accounted.
type Book struct {
	orders    map[string]core.Order
	placement []string
	processed map[string]struct{}
}

func NewBook() *Book {
	return &Book{
		orders:    make(map[string]core.Order),
		processed: make(map[string]struct{}),
	}
}

// RecordPlaced starts tracking an order the venue accepted.
func (b *Book) RecordPlaced(order core.Order) {
	if order.ID == "" {
		return
	}
	order.Status = core.OrderOpen
	if _, ok := b.orders[order.ID]; !ok {
		b.placement = append(b.placement, order.ID)
	}
	b.orders[order.ID] = order
}

// TryMarkFilled is the only way a fill becomes actionable: it returns true
// the first time it sees id and false on every later call.
func (b *Book) TryMarkFilled(id string) bool {
	if id == "" {
		return false
	}
	if _, ok := b.processed[id]; ok {
		return false
	}
	b.processed[id] = struct{}{}
	if ord, ok := b.orders[id]; ok {
		ord.Status = core.OrderFilled
		b.orders[id] = ord
	}
	return true
}

// Processed reports whether id already went through TryMarkFilled.
func (b *Book) Processed(id string) bool {
	_, ok := b.processed[id]
	return ok
}

// Tracks reports whether the order was placed during this run.
func (b *Book) Tracks(id string) bool {
	_, ok := b.orders[id]
	return ok
}

func (b *Book) Lookup(id string) (core.Order, bool) {
	ord, ok := b.orders[id]
	return ord, ok
}

// Observe records a venue-reported terminal status other than FILLED.
// Filled orders only change through TryMarkFilled.
func (b *Book) Observe(id string, status core.OrderStatus) bool {
	ord, ok := b.orders[id]
	if !ok || ord.Status.Terminal() || status == core.OrderFilled || !status.Terminal() {
		return false
	}
	ord.Status = status
	b.orders[id] = ord
	return true
}

func (b *Book) MarkCanceled(id string) bool {
	return b.Observe(id, core.OrderCanceled)
}

// ActiveOrders returns the orders still believed to be resting, in the order
// they were placed.
func (b *Book) ActiveOrders() []core.Order {
	out := make([]core.Order, 0, len(b.placement))
	for _, id := range b.placement {
		ord := b.orders[id]
		if ord.Status == core.OrderOpen {
			out = append(out, ord)
		}
	}
	return out
}

func (b *Book) ProcessedCount() int {
	return len(b.processed)
}
