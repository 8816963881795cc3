package backtest

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Candle is one recorded kline. It is written as a JSONL object that
// ParseLine reads back as a tick at OpenTime priced at Close.
type Candle struct {
	Time      string `json:"time"`
	Timestamp int64  `json:"timestamp"`
	Symbol    string `json:"symbol"`
	Interval  string `json:"interval"`
	Open      string `json:"open"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Close     string `json:"close"`
	Volume    string `json:"volume"`
}

// DayWriter appends candles to one <root>/<YYYY-MM-DD>.jsonl file per UTC
// day, so a directory of recordings feeds straight into NewJSONLFeed. A day
// file is truncated the first time the writer opens it.
type DayWriter struct {
	root    string
	day     string
	file    *os.File
	buf     *bufio.Writer
	enc     *json.Encoder
	written int
}

func NewDayWriter(root string) (*DayWriter, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &DayWriter{root: root}, nil
}

func (w *DayWriter) Write(c Candle) error {
	open := time.UnixMilli(c.Timestamp).UTC()
	if c.Time == "" {
		c.Time = open.Format(time.RFC3339)
	}
	if day := open.Format(time.DateOnly); day != w.day || w.file == nil {
		if err := w.switchTo(day); err != nil {
			return err
		}
	}
	if err := w.enc.Encode(c); err != nil {
		return err
	}
	w.written++
	return nil
}

func (w *DayWriter) Written() int { return w.written }

func (w *DayWriter) switchTo(day string) error {
	if err := w.Close(); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(w.root, day+".jsonl"))
	if err != nil {
		return err
	}
	w.file, w.day = f, day
	w.buf = bufio.NewWriter(f)
	w.enc = json.NewEncoder(w.buf)
	return nil
}

// Close flushes and syncs the open day file.
func (w *DayWriter) Close() error {
	if w == nil || w.file == nil {
		return nil
	}
	err := w.buf.Flush()
	if err == nil {
		err = w.file.Sync()
	}
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	w.file, w.buf, w.enc = nil, nil, nil
	return err
}
