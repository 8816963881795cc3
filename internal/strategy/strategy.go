package strategy

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"spot-grid/internal/core"
)

type Strategy interface {
	Init(ctx context.Context, price decimal.Decimal) error
	OnFill(ctx context.Context, fill core.Order) error
}

// ErrNoOrders is returned by Init when not a single initial order rests.
var ErrNoOrders = errors.New("no initial grid orders placed")

type OrderPlacer interface {
	PlaceLimitOrder(ctx context.Context, pair string, side core.Side, qty, price decimal.Decimal) (core.Order, error)
}

// Observer receives every side effect a strategy performs. Calls happen on
// the strategy's goroutine and must not block.
type Observer interface {
	Placed(ord core.Order)
	PlaceFailed(side core.Side, index int, price decimal.Decimal, err error)
	Filled(fill core.Order)
	Realized(rec core.TradeRecord, total decimal.Decimal)
	Boundary(fill core.Order)
}

type NopObserver struct{}

func (NopObserver) Placed(core.Order)                                  {}
func (NopObserver) PlaceFailed(core.Side, int, decimal.Decimal, error) {}
func (NopObserver) Filled(core.Order)                                  {}
func (NopObserver) Realized(core.TradeRecord, decimal.Decimal)         {}
func (NopObserver) Boundary(core.Order)                                {}
