package engine

import (
	"testing"

	"spot-grid/internal/core"
	"spot-grid/internal/ledger"
)

func placed(book *ledger.Book, ids ...string) {
	for i, id := range ids {
		book.RecordPlaced(core.Order{ID: id, Side: core.Buy, Price: d("100"), Qty: d("1"), GridIndex: i})
	}
}

func TestReconcileReturnsNewTrackedFillsInVenueOrder(t *testing.T) {
	book := ledger.NewBook()
	placed(book, "a", "b", "c")

	history := []core.Order{
		{ID: "c", Status: core.OrderFilled},
		{ID: "x", Status: core.OrderFilled},
		{ID: "a", Status: core.OrderFilled},
		{ID: "c", Status: core.OrderFilled},
		{ID: "b", Status: core.OrderOpen},
	}
	fills, closed := reconcile(book, history)
	if len(closed) != 0 {
		t.Fatalf("closed = %v, want none", closed)
	}
	if len(fills) != 2 || fills[0].ID != "c" || fills[1].ID != "a" {
		t.Fatalf("fills = %+v, want [c a]", fills)
	}
}

func TestReconcileSkipsProcessedFills(t *testing.T) {
	book := ledger.NewBook()
	placed(book, "a", "b")
	book.TryMarkFilled("a")

	fills, _ := reconcile(book, []core.Order{
		{ID: "a", Status: core.OrderFilled},
		{ID: "b", Status: core.OrderFilled},
	})
	if len(fills) != 1 || fills[0].ID != "b" {
		t.Fatalf("fills = %+v, want [b]", fills)
	}
}

func TestReconcileIgnoresPartialFills(t *testing.T) {
	book := ledger.NewBook()
	placed(book, "a")

	fills, closed := reconcile(book, []core.Order{
		{ID: "a", Status: core.OrderPartiallyFilled, ExecutedQty: d("0.4")},
	})
	if len(fills) != 0 || len(closed) != 0 {
		t.Fatalf("partial fill acted on: fills=%v closed=%v", fills, closed)
	}
	if len(book.ActiveOrders()) != 1 {
		t.Fatalf("partially filled order must stay active")
	}
}

func TestReconcileClosesVenueCanceledOrdersOnce(t *testing.T) {
	book := ledger.NewBook()
	placed(book, "a", "b", "c")
	history := []core.Order{
		{ID: "a", Status: core.OrderCanceled},
		{ID: "b", Status: core.OrderExpired},
		{ID: "c", Status: core.OrderRejected},
	}

	_, closed := reconcile(book, history)
	if len(closed) != 3 {
		t.Fatalf("closed = %d, want 3", len(closed))
	}
	if len(book.ActiveOrders()) != 0 {
		t.Fatalf("active = %d, want 0", len(book.ActiveOrders()))
	}
	if _, again := reconcile(book, history); len(again) != 0 {
		t.Fatalf("terminal orders reported twice: %v", again)
	}
}

func TestCleanupTargetsUnionWithoutDuplicates(t *testing.T) {
	open := []core.Order{{ID: "v1"}, {ID: "shared"}, {ID: ""}}
	active := []core.Order{{ID: "shared"}, {ID: "local"}}

	got := cleanupTargets(open, active)
	want := []string{"v1", "shared", "local"}
	if len(got) != len(want) {
		t.Fatalf("targets = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("targets = %v, want %v", got, want)
		}
	}
}

func TestMissingActiveListsOrdersOutsideThePage(t *testing.T) {
	book := ledger.NewBook()
	placed(book, "old", "mid", "new")
	book.TryMarkFilled("mid")

	got := missingActive(book.ActiveOrders(), []core.Order{{ID: "new", Status: core.OrderOpen}, {ID: "x"}})
	if len(got) != 1 || got[0] != "old" {
		t.Fatalf("missing = %v, want [old]", got)
	}
	if got := missingActive(nil, nil); got != nil {
		t.Fatalf("missing = %v, want none", got)
	}
}
