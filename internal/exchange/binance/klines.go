package binance

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"spot-grid/internal/core"
)

// MaxKlinesPerRequest is the venue cap on one klines page.
const MaxKlinesPerRequest = 1000

type Kline struct {
	OpenTime  time.Time
	CloseTime time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// Klines returns one page of candles opening in [start, end], oldest first.
// Zero bounds are left to the venue defaults.
func (c *Client) Klines(ctx context.Context, pair, interval string, start, end time.Time, limit int) ([]Kline, error) {
	if pair == "" || interval == "" {
		return nil, fmt.Errorf("%w: symbol and interval are required", core.ErrConfig)
	}
	if limit <= 0 || limit > MaxKlinesPerRequest {
		limit = MaxKlinesPerRequest
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	svc := c.api.NewKlinesService().Symbol(pair).Interval(interval).Limit(limit)
	if !start.IsZero() {
		svc = svc.StartTime(start.UnixMilli())
	}
	if !end.IsZero() {
		svc = svc.EndTime(end.UnixMilli())
	}
	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, c.fail("klines", err)
	}
	out := make([]Kline, 0, len(resp))
	for _, k := range resp {
		if k == nil {
			continue
		}
		out = append(out, Kline{
			OpenTime:  millis(k.OpenTime),
			CloseTime: millis(k.CloseTime),
			Open:      parseDecimal(k.Open),
			High:      parseDecimal(k.High),
			Low:       parseDecimal(k.Low),
			Close:     parseDecimal(k.Close),
			Volume:    parseDecimal(k.Volume),
		})
	}
	return out, nil
}
