package engine

import (
	"spot-grid/internal/core"
	"spot-grid/internal/ledger"
)

// reconcile walks one history page in venue order. It returns the FILLED
// orders this run placed and has not yet applied, and marks tracked orders
// the venue closed without a fill as terminal in the book.
//
// Partially filled orders are left alone until the venue reports them
// FILLED. Orders the book does not track were not placed by this run and
// are never applied.
func reconcile(book *ledger.Book, history []core.Order) (fills []core.Order, closed []core.Order) {
	seen := make(map[string]struct{}, len(history))
	for _, ord := range history {
		if ord.ID == "" || !book.Tracks(ord.ID) {
			continue
		}
		if _, dup := seen[ord.ID]; dup {
			continue
		}
		seen[ord.ID] = struct{}{}

		switch {
		case ord.Status == core.OrderFilled:
			if !book.Processed(ord.ID) {
				fills = append(fills, ord)
			}
		case ord.Status.Terminal():
			if book.Observe(ord.ID, ord.Status) {
				closed = append(closed, ord)
			}
		}
	}
	return fills, closed
}

// missingActive returns the ids of active orders the page does not mention,
// in placement order.
func missingActive(active []core.Order, history []core.Order) []string {
	if len(active) == 0 {
		return nil
	}
	listed := make(map[string]struct{}, len(history))
	for _, ord := range history {
		listed[ord.ID] = struct{}{}
	}
	var ids []string
	for _, ord := range active {
		if _, ok := listed[ord.ID]; !ok {
			ids = append(ids, ord.ID)
		}
	}
	return ids
}

// cleanupTargets is the union of the venue's open orders and the book's
// active orders, venue order first, without duplicates.
func cleanupTargets(open []core.Order, active []core.Order) []string {
	ids := make([]string, 0, len(open)+len(active))
	seen := make(map[string]struct{}, len(open)+len(active))
	for _, list := range [][]core.Order{open, active} {
		for _, ord := range list {
			if ord.ID == "" {
				continue
			}
			if _, ok := seen[ord.ID]; ok {
				continue
			}
			seen[ord.ID] = struct{}{}
			ids = append(ids, ord.ID)
		}
	}
	return ids
}
