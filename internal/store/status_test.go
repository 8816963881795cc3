package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestStatusFileRoundTrip(t *testing.T) {
	root := t.TempDir()
	s, err := NewStatusFile(root, testKey, nil)
	if err != nil {
		t.Fatalf("NewStatusFile() error = %v", err)
	}
	if filepath.Base(s.Path()) != "paper-btcusdt-bot1.status.json" {
		t.Fatalf("Path() = %q", s.Path())
	}

	in := RuntimeStatus{
		Mode:         "paper",
		Pair:         "BTCUSDT",
		InstanceID:   "bot1",
		PID:          1234,
		RunID:        "run-1",
		State:        "running",
		RealizedPnL:  decimal.RequireFromString("12.5"),
		Trades:       3,
		ActiveOrders: 6,
		LastEvent:    "profit_realized",
		StartedAt:    time.Now().UTC().Add(-time.Minute),
	}
	if err := s.Save(in); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	out, ok, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !ok {
		t.Fatalf("Load() ok = false, want true")
	}
	if out.State != in.State || out.RunID != in.RunID || out.Trades != in.Trades || out.ActiveOrders != in.ActiveOrders {
		t.Fatalf("Load() mismatch: got %+v want %+v", out, in)
	}
	if !out.RealizedPnL.Equal(in.RealizedPnL) {
		t.Fatalf("realized_pnl = %s, want %s", out.RealizedPnL, in.RealizedPnL)
	}
	if out.UpdatedAt.IsZero() {
		t.Fatalf("updated_at should be set")
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("state dir has %d entries, want only the status file", len(entries))
	}
}

func TestStatusFileLoadNotExist(t *testing.T) {
	s, err := NewStatusFile(t.TempDir(), testKey, nil)
	if err != nil {
		t.Fatalf("NewStatusFile() error = %v", err)
	}
	_, ok, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if ok {
		t.Fatalf("Load() ok = true, want false")
	}
}
