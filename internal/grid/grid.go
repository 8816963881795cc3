package grid

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"spot-grid/internal/core"
)

// Params describe one grid run. They are fixed for the lifetime of the run.
type Params struct {
	Pair       string
	Lower      decimal.Decimal
	Upper      decimal.Decimal
	Count      int
	Investment decimal.Decimal
}

type Level struct {
	Index int
	// Price is the exact arithmetic level price.
	Price decimal.Decimal
	// OrderPrice is Price quantized to the venue tick.
	OrderPrice decimal.Decimal
	Qty        decimal.Decimal
}

type LevelError struct {
	Index int
	Price decimal.Decimal
	Err   error
}

func (e LevelError) Error() string {
	return fmt.Sprintf("level %d at %s: %v", e.Index, e.Price, e.Err)
}

func (e LevelError) Unwrap() error { return e.Err }

type Plan struct {
	Params  Params
	Step    decimal.Decimal
	Levels  []Level
	Omitted []LevelError
}

func (p Params) Validate() error {
	if strings.TrimSpace(p.Pair) == "" {
		return fmt.Errorf("%w: pair is required", core.ErrConfig)
	}
	if p.Count < 2 {
		return fmt.Errorf("%w: grid count must be >= 2, got %d", core.ErrConfig, p.Count)
	}
	if p.Lower.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("%w: lower bound must be > 0", core.ErrConfig)
	}
	if p.Lower.Cmp(p.Upper) >= 0 {
		return fmt.Errorf("%w: lower bound %s must be below upper bound %s", core.ErrConfig, p.Lower, p.Upper)
	}
	if p.Investment.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("%w: investment must be > 0", core.ErrConfig)
	}
	return nil
}

// Step is the price distance between adjacent levels.
func (p Params) Step() decimal.Decimal {
	return p.Upper.Sub(p.Lower).Div(decimal.NewFromInt(int64(p.Count - 1)))
}

// BuildLevels lays out Count arithmetic levels between the bounds and sizes
// each one at Investment/(Count-1) quote. Levels that cannot satisfy the
// venue rules are reported in Omitted rather than failing the plan.
func BuildLevels(params Params, rules core.Rules) (Plan, error) {
	if err := params.Validate(); err != nil {
		return Plan{}, err
	}
	plan := Plan{
		Params: params,
		Step:   params.Step(),
		Levels: make([]Level, 0, params.Count),
	}
	perLevel := params.Investment.Div(decimal.NewFromInt(int64(params.Count - 1)))
	var last decimal.Decimal
	for i := 0; i < params.Count; i++ {
		price := plan.PriceAt(i)
		orderPrice, qty, err := core.NormalizeLimit(price, perLevel.Div(price), rules)
		if err == nil && len(plan.Levels) > 0 && orderPrice.Cmp(last) <= 0 {
			err = fmt.Errorf("%w: price collapses onto %s at tick %s", core.ErrInvalidQuantity, last, rules.PriceTick)
		}
		if err != nil {
			plan.Omitted = append(plan.Omitted, LevelError{Index: i, Price: price, Err: err})
			continue
		}
		last = orderPrice
		plan.Levels = append(plan.Levels, Level{
			Index:      i,
			Price:      price,
			OrderPrice: orderPrice,
			Qty:        qty,
		})
	}
	return plan, nil
}

// PriceAt returns the exact price of level index; the upper bound is
// returned verbatim for the top level.
func (p Plan) PriceAt(index int) decimal.Decimal {
	if index == p.Params.Count-1 {
		return p.Params.Upper
	}
	return p.Params.Lower.Add(p.Step.Mul(decimal.NewFromInt(int64(index))))
}

// InRange reports whether index names a level of this grid.
func (p Plan) InRange(index int) bool {
	return index >= 0 && index < p.Params.Count
}

// IndexForPrice maps a price back to the nearest level index.
func (p Plan) IndexForPrice(price decimal.Decimal) int {
	if p.Step.Cmp(decimal.Zero) <= 0 {
		return 0
	}
	idx := int(price.Sub(p.Params.Lower).Div(p.Step).Round(0).IntPart())
	if idx < 0 {
		return 0
	}
	if idx >= p.Params.Count {
		return p.Params.Count - 1
	}
	return idx
}
