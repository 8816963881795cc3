package paper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spot-grid/internal/core"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func newTestVenue(t *testing.T) *Venue {
	t.Helper()
	v, err := NewVenue("BTCUSDT", Config{
		Rules: core.Rules{MinQty: d("0.001"), MinNotional: d("5")},
		Base:  d("10"),
		Quote: d("1000"),
	})
	require.NoError(t, err)
	v.SetPrice(d("105"))
	return v
}

func TestPlaceReservesBalances(t *testing.T) {
	v := newTestVenue(t)
	ctx := context.Background()

	buy, err := v.PlaceLimitOrder(ctx, "BTCUSDT", core.Buy, d("2"), d("100"))
	require.NoError(t, err)
	assert.Equal(t, core.OrderOpen, buy.Status)
	assert.NotEmpty(t, buy.ID)

	_, err = v.PlaceLimitOrder(ctx, "BTCUSDT", core.Sell, d("3"), d("110"))
	require.NoError(t, err)

	bal := v.Balances()
	assert.True(t, bal.FreeQuote.Equal(d("800")), "free quote = %s", bal.FreeQuote)
	assert.True(t, bal.LockedQuote.Equal(d("200")))
	assert.True(t, bal.FreeBase.Equal(d("7")))
	assert.True(t, bal.LockedBase.Equal(d("3")))

	open, err := v.ListOpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, buy.ID, open[0].ID)
}

func TestPlaceRejectsInsufficientBalanceAndFilters(t *testing.T) {
	v := newTestVenue(t)
	ctx := context.Background()

	_, err := v.PlaceLimitOrder(ctx, "BTCUSDT", core.Buy, d("20"), d("100"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrOrderRejected))
	assert.True(t, errors.Is(err, core.ErrInsufficientBalance))

	_, err = v.PlaceLimitOrder(ctx, "BTCUSDT", core.Sell, d("0.01"), d("100"))
	assert.ErrorIs(t, err, core.ErrOrderRejected, "notional below minimum")

	_, err = v.PlaceLimitOrder(ctx, "ETHUSDT", core.Sell, d("1"), d("100"))
	assert.ErrorIs(t, err, core.ErrOrderRejected)
}

func TestMatchFillsCrossedOrdersAndSettles(t *testing.T) {
	v := newTestVenue(t)
	ctx := context.Background()

	buy, err := v.PlaceLimitOrder(ctx, "BTCUSDT", core.Buy, d("1"), d("102"))
	require.NoError(t, err)
	low, err := v.PlaceLimitOrder(ctx, "BTCUSDT", core.Buy, d("1"), d("100"))
	require.NoError(t, err)

	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	filled := v.Match(d("101"), at)
	require.Len(t, filled, 1)
	assert.Equal(t, buy.ID, filled[0].ID)
	assert.Equal(t, core.OrderFilled, filled[0].Status)
	assert.True(t, filled[0].ExecutedQty.Equal(d("1")))
	assert.Equal(t, at, filled[0].UpdatedAt)

	bal := v.Balances()
	assert.True(t, bal.FreeBase.Equal(d("11")))
	assert.True(t, bal.LockedQuote.Equal(d("100")))

	open, err := v.ListOpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, low.ID, open[0].ID)

	price, err := v.GetPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, price.Equal(d("101")))
}

func TestMakerFeeChargedInQuote(t *testing.T) {
	v, err := NewVenue("BTCUSDT", Config{Base: d("1"), Quote: d("0"), MakerFee: d("0.001")})
	require.NoError(t, err)

	_, err = v.PlaceLimitOrder(context.Background(), "BTCUSDT", core.Sell, d("1"), d("100"))
	require.NoError(t, err)
	v.Match(d("100"), time.Now())

	bal := v.Balances()
	assert.True(t, bal.FreeQuote.Equal(d("99.9")), "free quote = %s", bal.FreeQuote)
	assert.True(t, bal.FeePaid.Equal(d("0.1")))
}

func TestCancelIsIdempotentAndReleases(t *testing.T) {
	v := newTestVenue(t)
	ctx := context.Background()

	ord, err := v.PlaceLimitOrder(ctx, "BTCUSDT", core.Buy, d("1"), d("100"))
	require.NoError(t, err)

	require.NoError(t, v.CancelOrder(ctx, "BTCUSDT", ord.ID))
	require.NoError(t, v.CancelOrder(ctx, "BTCUSDT", ord.ID))
	assert.True(t, v.Balances().FreeQuote.Equal(d("1000")))

	err = v.CancelOrder(ctx, "BTCUSDT", "missing")
	assert.ErrorIs(t, err, core.ErrOrderNotFound)

	hist, err := v.ListOrderHistory(ctx, "BTCUSDT", 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, core.OrderCanceled, hist[0].Status)
}

func TestHistoryKeepsMostRecentWindow(t *testing.T) {
	v := newTestVenue(t)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 5; i++ {
		ord, err := v.PlaceLimitOrder(ctx, "BTCUSDT", core.Buy, d("0.1"), d("100"))
		require.NoError(t, err)
		ids = append(ids, ord.ID)
	}

	hist, err := v.ListOrderHistory(ctx, "BTCUSDT", 3)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, ids[2], hist[0].ID)
	assert.Equal(t, ids[4], hist[2].ID)
}

func TestGetPriceBeforeFirstQuoteIsTransient(t *testing.T) {
	v, err := NewVenue("BTCUSDT", Config{})
	require.NoError(t, err)
	_, err = v.GetPrice(context.Background(), "BTCUSDT")
	assert.True(t, core.IsTransient(err))
}

type fixedSource struct {
	mu    sync.Mutex
	price decimal.Decimal
	calls int
}

func (s *fixedSource) GetPrice(ctx context.Context, pair string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.price, nil
}

func TestRunPriceFeedMatchesUntilCanceled(t *testing.T) {
	v := newTestVenue(t)
	_, err := v.PlaceLimitOrder(context.Background(), "BTCUSDT", core.Buy, d("1"), d("100"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	fills := make(chan core.Order, 1)
	done := make(chan error, 1)
	go func() {
		done <- v.RunPriceFeed(ctx, &fixedSource{price: d("99")}, 5*time.Millisecond, nil, func(o core.Order) {
			fills <- o
		})
	}()

	select {
	case ord := <-fills:
		assert.Equal(t, core.Buy, ord.Side)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for paper fill")
	}
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("price feed did not stop")
	}
}

func TestHistoryWindowFollowsLatestChange(t *testing.T) {
	v := newTestVenue(t)
	ctx := context.Background()
	old, err := v.PlaceLimitOrder(ctx, "BTCUSDT", core.Buy, d("0.1"), d("90"))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := v.PlaceLimitOrder(ctx, "BTCUSDT", core.Sell, d("0.1"), d("120"))
		require.NoError(t, err)
	}

	v.Match(d("89"), time.Now())

	hist, err := v.ListOrderHistory(ctx, "BTCUSDT", 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, old.ID, hist[1].ID)
	assert.Equal(t, core.OrderFilled, hist[1].Status)
}

func TestChangeLogStaysBoundedOverLongRun(t *testing.T) {
	v, err := NewVenue("BTCUSDT", Config{Base: d("10"), Quote: d("1000"), Retention: 20})
	require.NoError(t, err)
	ctx := context.Background()
	resting, err := v.PlaceLimitOrder(ctx, "BTCUSDT", core.Buy, d("0.1"), d("50"))
	require.NoError(t, err)

	var last []string
	for i := 0; i < 2000; i++ {
		ord, err := v.PlaceLimitOrder(ctx, "BTCUSDT", core.Sell, d("0.1"), d("120"))
		require.NoError(t, err)
		require.NoError(t, v.CancelOrder(ctx, "BTCUSDT", ord.ID))
		last = append(last, ord.ID)
	}

	v.mu.Lock()
	changes, orders, closed := len(v.changes), len(v.orders), v.closed
	v.mu.Unlock()
	assert.LessOrEqual(t, orders, 1+20+compactSlack)
	assert.LessOrEqual(t, changes, 2*orders+compactSlack)
	assert.LessOrEqual(t, closed, 20+compactSlack)

	hist, err := v.ListOrderHistory(ctx, "BTCUSDT", 3)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, last[len(last)-3:], []string{hist[0].ID, hist[1].ID, hist[2].ID})

	got, err := v.GetOrder(ctx, "BTCUSDT", resting.ID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderOpen, got.Status)
	_, err = v.GetOrder(ctx, "BTCUSDT", last[0])
	assert.ErrorIs(t, err, core.ErrOrderNotFound)
}

func TestGetOrderFollowsStatus(t *testing.T) {
	v := newTestVenue(t)
	ctx := context.Background()
	ord, err := v.PlaceLimitOrder(ctx, "BTCUSDT", core.Buy, d("0.1"), d("100"))
	require.NoError(t, err)
	assert.True(t, v.OwnsClientID(ord.ClientID))
	assert.False(t, v.OwnsClientID("sg-01HX"))

	v.Match(d("99"), time.Now())

	got, err := v.GetOrder(ctx, "BTCUSDT", ord.ID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderFilled, got.Status)
	_, err = v.GetOrder(ctx, "ETHUSDT", ord.ID)
	assert.ErrorIs(t, err, core.ErrOrderRejected)
}
