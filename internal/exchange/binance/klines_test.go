package binance

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"spot-grid/internal/core"
)

func TestKlinesParsesPage(t *testing.T) {
	fv, c := newFakeVenue(t)
	open := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	fv.handle(http.MethodGet, "/api/v3/klines", func(w http.ResponseWriter, _ url.Values) {
		writeJSON(w, http.StatusOK, [][]any{
			{open.UnixMilli(), "100.1", "101", "99.5", "100.7", "12.5", open.Add(time.Minute).UnixMilli() - 1, "1250", 42, "6", "600", "0"},
			{open.Add(time.Minute).UnixMilli(), "100.7", "102", "100", "101.9", "3", open.Add(2*time.Minute).UnixMilli() - 1, "300", 7, "1", "100", "0"},
		})
	})

	start := open
	end := open.Add(time.Hour)
	got, err := c.Klines(context.Background(), "BTCUSDT", "1m", start, end, 5000)
	if err != nil {
		t.Fatalf("Klines() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if !got[0].OpenTime.Equal(open) || !got[0].Close.Equal(decimal.RequireFromString("100.7")) {
		t.Fatalf("first kline = %+v", got[0])
	}
	if !got[1].High.Equal(decimal.NewFromInt(102)) || !got[1].Volume.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("second kline = %+v", got[1])
	}

	form := fv.last(http.MethodGet, "/api/v3/klines")
	if form.Get("symbol") != "BTCUSDT" || form.Get("interval") != "1m" {
		t.Fatalf("params = %v", form)
	}
	if form.Get("limit") != "1000" {
		t.Fatalf("limit = %q, want capped 1000", form.Get("limit"))
	}
	if form.Get("startTime") == "" || form.Get("endTime") == "" {
		t.Fatalf("window not sent: %v", form)
	}
}

func TestKlinesRequiresInterval(t *testing.T) {
	_, c := newFakeVenue(t)
	if _, err := c.Klines(context.Background(), "BTCUSDT", "", time.Time{}, time.Time{}, 0); !errors.Is(err, core.ErrConfig) {
		t.Fatalf("Klines() error = %v, want ErrConfig", err)
	}
}
