package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type OrderStatus string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

const (
	OrderPlaced          OrderStatus = "PLACED"
	OrderOpen            OrderStatus = "OPEN"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether the venue will never change the order again.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// NoGridIndex marks orders that were not placed from a grid level.
const NoGridIndex = -1

type Order struct {
	ID          string
	ClientID    string
	Symbol      string
	Side        Side
	Price       decimal.Decimal
	Qty         decimal.Decimal
	ExecutedQty decimal.Decimal
	Status      OrderStatus
	GridIndex   int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// FilledQty is the executed quantity, falling back to the order quantity
// when the venue did not report one.
func (o Order) FilledQty() decimal.Decimal {
	if o.ExecutedQty.Cmp(decimal.Zero) > 0 {
		return o.ExecutedQty
	}
	return o.Qty
}

// TradeRecord is one realized-profit entry.
type TradeRecord struct {
	OrderID string
	Side    Side
	Price   decimal.Decimal
	Qty     decimal.Decimal
	Profit  decimal.Decimal
	Time    time.Time
}

// Rules are the venue quantization rules for one pair.
type Rules struct {
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
	PriceTick   decimal.Decimal
	QtyStep     decimal.Decimal
}
