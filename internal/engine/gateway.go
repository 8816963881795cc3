package engine

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"spot-grid/internal/core"
	"spot-grid/internal/exchange"
)

// timedGateway bounds every venue call by timeout and reports a deadline
// as core.ErrVenueUnavailable.
type timedGateway struct {
	inner   exchange.Gateway
	timeout time.Duration
}

func (g timedGateway) Name() string { return g.inner.Name() }

func (g timedGateway) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, g.timeout)
}

func (g timedGateway) GetPrice(ctx context.Context, pair string) (decimal.Decimal, error) {
	ctx, cancel := g.ctx(ctx)
	defer cancel()
	price, err := g.inner.GetPrice(ctx, pair)
	return price, classifyTimeout(err)
}

func (g timedGateway) GetQuantization(ctx context.Context, pair string) (core.Rules, error) {
	ctx, cancel := g.ctx(ctx)
	defer cancel()
	rules, err := g.inner.GetQuantization(ctx, pair)
	return rules, classifyTimeout(err)
}

func (g timedGateway) PlaceLimitOrder(ctx context.Context, pair string, side core.Side, qty, price decimal.Decimal) (core.Order, error) {
	ctx, cancel := g.ctx(ctx)
	defer cancel()
	ord, err := g.inner.PlaceLimitOrder(ctx, pair, side, qty, price)
	return ord, classifyTimeout(err)
}

func (g timedGateway) CancelOrder(ctx context.Context, pair, orderID string) error {
	ctx, cancel := g.ctx(ctx)
	defer cancel()
	return classifyTimeout(g.inner.CancelOrder(ctx, pair, orderID))
}

func (g timedGateway) ListOpenOrders(ctx context.Context, pair string) ([]core.Order, error) {
	ctx, cancel := g.ctx(ctx)
	defer cancel()
	orders, err := g.inner.ListOpenOrders(ctx, pair)
	return orders, classifyTimeout(err)
}

func (g timedGateway) ListOrderHistory(ctx context.Context, pair string, limit int) ([]core.Order, error) {
	ctx, cancel := g.ctx(ctx)
	defer cancel()
	orders, err := g.inner.ListOrderHistory(ctx, pair, limit)
	return orders, classifyTimeout(err)
}

func (g timedGateway) GetOrder(ctx context.Context, pair, orderID string) (core.Order, error) {
	ctx, cancel := g.ctx(ctx)
	defer cancel()
	ord, err := g.inner.GetOrder(ctx, pair, orderID)
	return ord, classifyTimeout(err)
}

// ownsClientID falls back to true when the venue cannot tell its own orders
// apart.
func (g timedGateway) ownsClientID(clientID string) bool {
	if owner, ok := g.inner.(exchange.ClientIDOwner); ok {
		return owner.OwnsClientID(clientID)
	}
	return true
}

func classifyTimeout(err error) error {
	if err == nil || errors.Is(err, core.ErrVenueUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(core.ErrVenueUnavailable, err)
	}
	return err
}

var _ exchange.Gateway = timedGateway{}
