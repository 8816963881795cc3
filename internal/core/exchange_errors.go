package core

import (
	"context"
	"errors"
)

var (
	// ErrConfig indicates invalid grid parameters; raised before any venue call.
	ErrConfig = errors.New("invalid configuration")
	// ErrVenueUnavailable indicates a transient venue failure (network, rate limit, timeout).
	ErrVenueUnavailable = errors.New("venue unavailable")
	// ErrOrderRejected indicates the venue refused the order.
	ErrOrderRejected = errors.New("order rejected")
	// ErrInvalidQuantity indicates a grid level cannot be expressed within venue minimums.
	ErrInvalidQuantity = errors.New("invalid quantity")
	// ErrInsufficientBalance indicates the venue rejected the action due to insufficient funds.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrDuplicateOrder indicates the client order id has already been accepted before.
	ErrDuplicateOrder = errors.New("duplicate order")
	// ErrOrderNotFound indicates the order does not exist on the venue.
	ErrOrderNotFound = errors.New("order not found")
)

// IsTransient reports whether err belongs to the retry-next-cycle class.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrVenueUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
