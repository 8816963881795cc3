package core

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestNormalizeLimitRoundsPriceAndQty(t *testing.T) {
	rules := Rules{
		MinQty:      decimal.RequireFromString("0.01"),
		MinNotional: decimal.RequireFromString("10"),
		PriceTick:   decimal.RequireFromString("0.01"),
		QtyStep:     decimal.RequireFromString("0.001"),
	}

	price, qty, err := NormalizeLimit(decimal.RequireFromString("100.037"), decimal.RequireFromString("0.123456"), rules)
	if err != nil {
		t.Fatalf("NormalizeLimit() error = %v", err)
	}
	if !price.Equal(decimal.RequireFromString("100.03")) {
		t.Fatalf("unexpected rounded price: %s", price)
	}
	if !qty.Equal(decimal.RequireFromString("0.123")) {
		t.Fatalf("unexpected rounded qty: %s", qty)
	}
}

func TestNormalizeLimitBelowMinQty(t *testing.T) {
	rules := Rules{
		MinQty: decimal.RequireFromString("0.01"),
	}

	_, _, err := NormalizeLimit(decimal.RequireFromString("100"), decimal.RequireFromString("0.009"), rules)
	if !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("NormalizeLimit() error = %v, want %v", err, ErrInvalidQuantity)
	}
}

func TestNormalizeLimitBelowMinNotional(t *testing.T) {
	rules := Rules{
		MinNotional: decimal.RequireFromString("6"),
	}

	_, _, err := NormalizeLimit(decimal.RequireFromString("100"), decimal.RequireFromString("0.05"), rules)
	if !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("NormalizeLimit() error = %v, want %v", err, ErrInvalidQuantity)
	}
}

func TestNormalizeLimitQtyRoundsToZero(t *testing.T) {
	rules := Rules{
		QtyStep: decimal.RequireFromString("0.1"),
	}

	_, _, err := NormalizeLimit(decimal.RequireFromString("100"), decimal.RequireFromString("0.05"), rules)
	if !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("NormalizeLimit() error = %v, want %v", err, ErrInvalidQuantity)
	}
}

func TestRoundDownIgnoresNonPositiveStep(t *testing.T) {
	v := decimal.RequireFromString("1.23456")
	if got := RoundDown(v, decimal.Zero); !got.Equal(v) {
		t.Fatalf("RoundDown(step=0) = %s, want %s", got, v)
	}
	if got := RoundDown(v, decimal.RequireFromString("0.05")); !got.Equal(decimal.RequireFromString("1.2")) {
		t.Fatalf("RoundDown(step=0.05) = %s, want 1.2", got)
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(errors.Join(errors.New("429"), ErrVenueUnavailable)) {
		t.Fatalf("IsTransient(venue unavailable) = false, want true")
	}
	if IsTransient(ErrOrderRejected) {
		t.Fatalf("IsTransient(order rejected) = true, want false")
	}
	if IsTransient(nil) {
		t.Fatalf("IsTransient(nil) = true, want false")
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	for _, s := range []OrderStatus{OrderFilled, OrderCanceled, OrderRejected, OrderExpired} {
		if !s.Terminal() {
			t.Fatalf("%s.Terminal() = false, want true", s)
		}
	}
	for _, s := range []OrderStatus{OrderPlaced, OrderOpen, OrderPartiallyFilled} {
		if s.Terminal() {
			t.Fatalf("%s.Terminal() = true, want false", s)
		}
	}
}
