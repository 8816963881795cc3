// Package backtest reads and writes the historical price ticks the backtest
// runner replays.
package backtest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Tick struct {
	Time  time.Time
	Price decimal.Decimal
}

type Feed interface {
	Next() (Tick, error)
	Close() error
}

var ErrNoData = errors.New("no jsonl files found")

// Window limits a feed to ticks in [From, To). Zero bounds are open.
type Window struct {
	From time.Time
	To   time.Time
}

// JSONLFeed streams ticks from one .jsonl file or every .jsonl file of a
// directory in name order. Each line is either an object carrying a time
// and a price, or a kline array as returned by the Binance klines endpoint
// (open time first, close price fifth). Lines that parse as neither are
// skipped and counted.
type JSONLFeed struct {
	paths   []string
	index   int
	window  Window
	file    *os.File
	scanner *bufio.Scanner
	skipped int
	last    time.Time
}

func NewJSONLFeed(path string, window Window) (*JSONLFeed, error) {
	paths, err := resolveJSONLPaths(path)
	if err != nil {
		return nil, err
	}
	feed := &JSONLFeed{paths: paths, window: window}
	if err := feed.openCurrent(); err != nil {
		return nil, err
	}
	return feed, nil
}

// Skipped is the number of lines dropped as unparsable or out of order.
func (f *JSONLFeed) Skipped() int { return f.skipped }

func (f *JSONLFeed) Close() error {
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	f.scanner = nil
	return err
}

func (f *JSONLFeed) Next() (Tick, error) {
	for {
		line, err := f.nextLine()
		if err != nil {
			return Tick{}, err
		}
		tick, ok := ParseLine(line)
		if !ok || tick.Time.Before(f.last) {
			f.skipped++
			continue
		}
		if !f.window.From.IsZero() && tick.Time.Before(f.window.From) {
			continue
		}
		if !f.window.To.IsZero() && !tick.Time.Before(f.window.To) {
			// input is time ordered, nothing later can be inside the window
			_ = f.Close()
			f.index = len(f.paths)
			return Tick{}, io.EOF
		}
		f.last = tick.Time
		return tick, nil
	}
}

// nextLine returns the next non-blank line across all files.
func (f *JSONLFeed) nextLine() ([]byte, error) {
	for {
		if f.scanner == nil {
			if err := f.openCurrent(); err != nil {
				return nil, err
			}
		}
		if f.scanner.Scan() {
			if line := bytes.TrimSpace(f.scanner.Bytes()); len(line) > 0 {
				return line, nil
			}
			continue
		}
		if err := f.scanner.Err(); err != nil {
			return nil, fmt.Errorf("%s: %w", f.paths[f.index], err)
		}
		_ = f.Close()
		f.index++
	}
}

func (f *JSONLFeed) openCurrent() error {
	if f.index >= len(f.paths) {
		return io.EOF
	}
	file, err := os.Open(f.paths[f.index])
	if err != nil {
		return err
	}
	f.file = file
	f.scanner = bufio.NewScanner(file)
	f.scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return nil
}

func resolveJSONLPaths(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".jsonl") {
			continue
		}
		paths = append(paths, filepath.Join(path, e.Name()))
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoData, path)
	}
	return paths, nil
}

var (
	timeKeys  = []string{"time", "timestamp", "ts", "t"}
	priceKeys = []string{"close", "price", "p", "c"}
)

// ParseLine decodes one recorded tick. Close prices win over last-trade
// prices when both are present.
func ParseLine(line []byte) (Tick, bool) {
	if len(line) == 0 {
		return Tick{}, false
	}
	var rawTime, rawPrice json.RawMessage
	if line[0] == '[' {
		var row []json.RawMessage
		if json.Unmarshal(line, &row) != nil || len(row) < 5 {
			return Tick{}, false
		}
		rawTime, rawPrice = row[0], row[4]
	} else {
		var obj map[string]json.RawMessage
		if json.Unmarshal(line, &obj) != nil {
			return Tick{}, false
		}
		rawTime, rawPrice = pick(obj, timeKeys), pick(obj, priceKeys)
	}
	ts, ok := decodeTime(rawTime)
	if !ok {
		return Tick{}, false
	}
	price, ok := decodePrice(rawPrice)
	if !ok || !price.IsPositive() {
		return Tick{}, false
	}
	return Tick{Time: ts, Price: price}, true
}

func pick(obj map[string]json.RawMessage, keys []string) json.RawMessage {
	for _, k := range keys {
		if v, ok := obj[k]; ok {
			return v
		}
	}
	return nil
}

// scalar returns the text of a JSON string or number.
func scalar(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	if raw[0] == '"' {
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return "", false
		}
		return strings.TrimSpace(s), true
	}
	var n json.Number
	if json.Unmarshal(raw, &n) != nil {
		return "", false
	}
	return n.String(), true
}

func decodeTime(raw json.RawMessage) (time.Time, bool) {
	s, ok := scalar(raw)
	if !ok || s == "" {
		return time.Time{}, false
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return epochTime(int64(n)), true
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// epochTime takes epoch seconds or milliseconds.
func epochTime(v int64) time.Time {
	if v >= 1_000_000_000_000 {
		return time.UnixMilli(v).UTC()
	}
	return time.Unix(v, 0).UTC()
}

func decodePrice(raw json.RawMessage) (decimal.Decimal, bool) {
	s, ok := scalar(raw)
	if !ok || s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	return d, err == nil
}

var _ Feed = (*JSONLFeed)(nil)
