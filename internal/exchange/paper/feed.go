package paper

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spot-grid/internal/core"
)

// PriceSource is anything that quotes a last trade price, usually the
// public ticker of a real venue.
type PriceSource interface {
	GetPrice(ctx context.Context, pair string) (decimal.Decimal, error)
}

// RunPriceFeed polls src every interval and matches the venue against each
// quote until ctx is done. OnFill, when set, is called for every filled order.
func (v *Venue) RunPriceFeed(ctx context.Context, src PriceSource, interval time.Duration, logger *zap.Logger, onFill func(core.Order)) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		price, err := src.GetPrice(ctx, v.pair)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("paper_price_failed", zap.String("pair", v.pair), zap.Error(err))
		} else {
			for _, ord := range v.Match(price, time.Now().UTC()) {
				logger.Info("paper_fill",
					zap.String("order_id", ord.ID),
					zap.String("side", string(ord.Side)),
					zap.String("price", ord.Price.String()),
					zap.String("qty", ord.Qty.String()),
				)
				if onFill != nil {
					onFill(ord)
				}
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
