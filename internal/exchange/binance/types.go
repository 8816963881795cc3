package binance

import (
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"spot-grid/internal/core"
)

type symbolInfo struct {
	baseAsset  string
	quoteAsset string
	rules      core.Rules
}

func parseSymbolInfo(src binance.Symbol) symbolInfo {
	info := symbolInfo{
		baseAsset:  src.BaseAsset,
		quoteAsset: src.QuoteAsset,
		rules:      core.Rules{MinQty: decimal.Zero, MinNotional: decimal.Zero, PriceTick: decimal.Zero, QtyStep: decimal.Zero},
	}
	for _, f := range src.Filters {
		switch filterString(f, "filterType") {
		case "LOT_SIZE":
			if v, ok := filterDecimal(f, "minQty"); ok {
				info.rules.MinQty = v
			}
			if v, ok := filterDecimal(f, "stepSize"); ok {
				info.rules.QtyStep = v
			}
		case "PRICE_FILTER":
			if v, ok := filterDecimal(f, "tickSize"); ok {
				info.rules.PriceTick = v
			}
		case "MIN_NOTIONAL", "NOTIONAL":
			// both may be present; the stricter minimum wins
			if v, ok := filterDecimal(f, "minNotional"); ok && v.Cmp(info.rules.MinNotional) > 0 {
				info.rules.MinNotional = v
			}
		}
	}
	return info
}

func filterString(f map[string]interface{}, key string) string {
	s, _ := f[key].(string)
	return s
}

func filterDecimal(f map[string]interface{}, key string) (decimal.Decimal, bool) {
	raw := filterString(f, key)
	if raw == "" {
		return decimal.Zero, false
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false
	}
	return v, true
}

// mapStatus folds Binance order statuses onto the engine's. PENDING_CANCEL
// still rests on the book.
func mapStatus(s binance.OrderStatusType) core.OrderStatus {
	switch s {
	case binance.OrderStatusTypeNew, binance.OrderStatusTypePendingCancel:
		return core.OrderOpen
	case binance.OrderStatusTypePartiallyFilled:
		return core.OrderPartiallyFilled
	case binance.OrderStatusTypeFilled:
		return core.OrderFilled
	case binance.OrderStatusTypeCanceled:
		return core.OrderCanceled
	case binance.OrderStatusTypeRejected:
		return core.OrderRejected
	case binance.OrderStatusTypeExpired, "EXPIRED_IN_MATCH":
		return core.OrderExpired
	default:
		return core.OrderStatus(s)
	}
}

func parseDecimal(raw string) decimal.Decimal {
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return v
}

func millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func fromOrder(o *binance.Order) core.Order {
	return core.Order{
		ID:          strconv.FormatInt(o.OrderID, 10),
		ClientID:    o.ClientOrderID,
		Symbol:      o.Symbol,
		Side:        core.Side(o.Side),
		Price:       parseDecimal(o.Price),
		Qty:         parseDecimal(o.OrigQuantity),
		ExecutedQty: parseDecimal(o.ExecutedQuantity),
		Status:      mapStatus(o.Status),
		GridIndex:   core.NoGridIndex,
		CreatedAt:   millis(o.Time),
		UpdatedAt:   millis(o.UpdateTime),
	}
}

func fromCreateResponse(r *binance.CreateOrderResponse) core.Order {
	ord := core.Order{
		ID:          strconv.FormatInt(r.OrderID, 10),
		ClientID:    r.ClientOrderID,
		Symbol:      r.Symbol,
		Side:        core.Side(r.Side),
		Price:       parseDecimal(r.Price),
		Qty:         parseDecimal(r.OrigQuantity),
		ExecutedQty: parseDecimal(r.ExecutedQuantity),
		Status:      mapStatus(r.Status),
		GridIndex:   core.NoGridIndex,
		CreatedAt:   millis(r.TransactTime),
		UpdatedAt:   millis(r.TransactTime),
	}
	if ord.Status == "" {
		ord.Status = core.OrderOpen
	}
	return ord
}
