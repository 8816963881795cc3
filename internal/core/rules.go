package core

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// NormalizeLimit quantizes a limit order's price and quantity to the pair
// rules. Anything that rounds to nothing or falls under a venue minimum is
// reported as ErrInvalidQuantity.
func NormalizeLimit(price, qty decimal.Decimal, rules Rules) (decimal.Decimal, decimal.Decimal, error) {
	if qty.Cmp(decimal.Zero) <= 0 {
		return price, qty, fmt.Errorf("%w: qty %s must be > 0", ErrInvalidQuantity, qty)
	}
	qty = RoundDown(qty, rules.QtyStep)
	if qty.Cmp(decimal.Zero) <= 0 {
		return price, qty, fmt.Errorf("%w: qty rounds to zero at step %s", ErrInvalidQuantity, rules.QtyStep)
	}
	if rules.MinQty.Cmp(decimal.Zero) > 0 && qty.Cmp(rules.MinQty) < 0 {
		return price, qty, fmt.Errorf("%w: qty %s below min %s", ErrInvalidQuantity, qty, rules.MinQty)
	}
	price = RoundDown(price, rules.PriceTick)
	if price.Cmp(decimal.Zero) <= 0 {
		return price, qty, fmt.Errorf("%w: price rounds to zero at tick %s", ErrInvalidQuantity, rules.PriceTick)
	}
	if rules.MinNotional.Cmp(decimal.Zero) > 0 {
		notional := price.Mul(qty)
		if notional.Cmp(rules.MinNotional) < 0 {
			return price, qty, fmt.Errorf("%w: notional %s below min %s", ErrInvalidQuantity, notional, rules.MinNotional)
		}
	}
	return price, qty, nil
}

func RoundDown(value, step decimal.Decimal) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}
