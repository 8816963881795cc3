package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"spot-grid/internal/core"
)

// Gateway is the venue capability set the grid engine consumes.
//
// Implementations wrap venue failures with the core sentinels:
// core.ErrVenueUnavailable for transient faults and core.ErrOrderRejected for
// venue-side validation. CancelOrder on an order that is already closed
// returns nil. GetOrder on an id the venue does not know returns
// core.ErrOrderNotFound.
type Gateway interface {
	Name() string
	GetPrice(ctx context.Context, pair string) (decimal.Decimal, error)
	GetQuantization(ctx context.Context, pair string) (core.Rules, error)
	PlaceLimitOrder(ctx context.Context, pair string, side core.Side, qty, price decimal.Decimal) (core.Order, error)
	CancelOrder(ctx context.Context, pair, orderID string) error
	ListOpenOrders(ctx context.Context, pair string) ([]core.Order, error)
	ListOrderHistory(ctx context.Context, pair string, limit int) ([]core.Order, error)
	GetOrder(ctx context.Context, pair, orderID string) (core.Order, error)
}

// ClientIDOwner is implemented by gateways that tag the orders they place
// with a recognizable client id.
type ClientIDOwner interface {
	OwnsClientID(clientID string) bool
}
