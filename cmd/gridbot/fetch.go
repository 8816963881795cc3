package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"spot-grid/internal/backtest"
	"spot-grid/internal/exchange/binance"
	"spot-grid/internal/logging"
)

const (
	defaultFetchBaseURL = "https://api.binance.com"
	defaultFetchOutDir  = "data/binance"
)

type klineSource interface {
	Klines(ctx context.Context, pair, interval string, start, end time.Time, limit int) ([]binance.Kline, error)
}

type candleWriter interface {
	Write(backtest.Candle) error
}

func newFetchCmd() *cobra.Command {
	var (
		baseURL  string
		symbol   string
		interval string
		months   int
		startRaw string
		endRaw   string
		outDir   string
		timeout  time.Duration
		rps      float64
	)
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download public klines into daily JSONL files for backtests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			symbol = strings.ToUpper(strings.TrimSpace(symbol))
			interval = strings.TrimSpace(interval)
			if symbol == "" || interval == "" {
				return errors.New("symbol and interval are required")
			}
			start, end, err := resolveWindow(months, startRaw, endRaw, time.Now().UTC())
			if err != nil {
				return err
			}
			logger, err := logging.New("warn", "console")
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			targetDir := filepath.Join(outDir, symbol, interval)
			writer, err := backtest.NewDayWriter(targetDir)
			if err != nil {
				return err
			}
			client := binance.NewPublicClient(binance.Options{
				RestBaseURL:       baseURL,
				HTTPTimeout:       timeout,
				RequestsPerSecond: rps,
				Logger:            logger,
			})

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "fetching symbol=%s interval=%s from=%s to=%s\n",
				symbol, interval, start.Format(time.RFC3339), end.Add(-time.Millisecond).Format(time.RFC3339))
			total, requests, err := fetchCandles(cmd.Context(), client, writer, symbol, interval, start, end, out)
			if closeErr := writer.Close(); closeErr != nil {
				logger.Warn("day_writer_close_failed", zap.Error(closeErr))
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "done: records=%d requests=%d output=%s\n", total, requests, targetDir)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&baseURL, "base-url", defaultFetchBaseURL, "exchange REST base url")
	f.StringVar(&symbol, "symbol", "BTCUSDT", "symbol, e.g. BTCUSDT")
	f.StringVar(&interval, "interval", "1m", "kline interval, e.g. 1m/5m/15m/1h")
	f.IntVar(&months, "months", 6, "how many months to fetch back from now")
	f.StringVar(&startRaw, "start", "", "start time (YYYY-MM-DD or RFC3339, UTC)")
	f.StringVar(&endRaw, "end", "", "end time (YYYY-MM-DD or RFC3339, UTC), inclusive for a date")
	f.StringVar(&outDir, "out-dir", defaultFetchOutDir, "output root dir")
	f.DurationVar(&timeout, "timeout", 20*time.Second, "http timeout")
	f.Float64Var(&rps, "rps", 5, "request rate limit")
	return cmd
}

// fetchCandles pages through [start, end) and writes every candle opening
// in it. Paging advances past the last open time so nothing is written
// twice.
func fetchCandles(ctx context.Context, src klineSource, w candleWriter, symbol, interval string, start, end time.Time, progress io.Writer) (int, int, error) {
	total, requests := 0, 0
	cursor := start
	for cursor.Before(end) {
		batch, err := src.Klines(ctx, symbol, interval, cursor, end.Add(-time.Millisecond), binance.MaxKlinesPerRequest)
		if err != nil {
			return total, requests, err
		}
		requests++
		if len(batch) == 0 {
			break
		}
		advanced := false
		for _, k := range batch {
			if !k.OpenTime.Before(end) || k.OpenTime.Before(cursor) {
				continue
			}
			candle := backtest.Candle{
				Time:      k.OpenTime.Format(time.RFC3339),
				Timestamp: k.OpenTime.UnixMilli(),
				Symbol:    symbol,
				Interval:  interval,
				Open:      k.Open.String(),
				High:      k.High.String(),
				Low:       k.Low.String(),
				Close:     k.Close.String(),
				Volume:    k.Volume.String(),
			}
			if err := w.Write(candle); err != nil {
				return total, requests, err
			}
			total++
			cursor = k.OpenTime.Add(time.Millisecond)
			advanced = true
		}
		if !advanced {
			break
		}
		if progress != nil && requests%20 == 0 {
			fmt.Fprintf(progress, "progress: requests=%d records=%d last=%s\n", requests, total, cursor.Format(time.RFC3339))
		}
	}
	return total, requests, nil
}

// resolveWindow returns a half-open [start, end) window. A bare date as end
// covers that whole day; with neither bound the window is the last months.
func resolveWindow(months int, startRaw, endRaw string, now time.Time) (time.Time, time.Time, error) {
	startRaw = strings.TrimSpace(startRaw)
	endRaw = strings.TrimSpace(endRaw)
	if startRaw == "" && endRaw == "" {
		if months < 1 {
			return time.Time{}, time.Time{}, errors.New("months must be >= 1")
		}
		end := now.UTC()
		return end.AddDate(0, -months, 0), end, nil
	}
	if startRaw == "" || endRaw == "" {
		return time.Time{}, time.Time{}, errors.New("start and end must be provided together")
	}
	start, _, err := parseRangeTime(startRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start: %w", err)
	}
	end, endDateOnly, err := parseRangeTime(endRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end: %w", err)
	}
	if endDateOnly {
		end = end.Add(24 * time.Hour)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, errors.New("end must be after start")
	}
	return start, end, nil
}

func parseRangeTime(raw string) (time.Time, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false, errors.New("empty")
	}
	if len(raw) == len("2006-01-02") {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return time.Time{}, false, err
		}
		return t.UTC(), true, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), false, nil
		}
	}
	return time.Time{}, false, errors.New("unsupported time format")
}
