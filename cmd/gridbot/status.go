package main

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spot-grid/internal/core"
	"spot-grid/internal/engine"
	"spot-grid/internal/store"
)

// statusDrainIdle is how long the forwarder keeps reading after shutdown
// once the engine has gone quiet.
const statusDrainIdle = 250 * time.Millisecond

type engineView interface {
	State() engine.RunState
	RunID() string
	ActiveOrders() int
	PnL() decimal.Decimal
	Trades() []core.TradeRecord
}

type statusSaver interface {
	Save(store.RuntimeStatus) error
}

// statusRecorder mirrors the engine's event stream into the status file.
type statusRecorder struct {
	file   statusSaver
	eng    engineView
	status store.RuntimeStatus
	logger *zap.Logger
}

func newStatusRecorder(file statusSaver, eng engineView, base store.RuntimeStatus, logger *zap.Logger) *statusRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &statusRecorder{file: file, eng: eng, status: base, logger: logger}
}

// forward applies events until quit closes, then keeps draining until no
// event arrived for idle.
func (r *statusRecorder) forward(events <-chan engine.Event, quit <-chan struct{}, idle time.Duration) {
	for {
		select {
		case ev := <-events:
			r.apply(ev)
		case <-quit:
			timer := time.NewTimer(idle)
			defer timer.Stop()
			for {
				select {
				case ev := <-events:
					r.apply(ev)
					timer.Reset(idle)
				case <-timer.C:
					return
				}
			}
		}
	}
}

func (r *statusRecorder) apply(ev engine.Event) {
	r.status.LastEvent = ev.Name
	if ev.Level == engine.LevelError {
		r.status.LastError = ev.Message
	}
	r.status.UpdatedAt = ev.Time
	r.save()
}

// flush writes the final engine state once nothing else will.
func (r *statusRecorder) flush() {
	r.status.UpdatedAt = time.Now().UTC()
	r.save()
}

func (r *statusRecorder) save() {
	r.status.State = string(r.eng.State())
	r.status.RunID = r.eng.RunID()
	r.status.ActiveOrders = r.eng.ActiveOrders()
	r.status.RealizedPnL = r.eng.PnL()
	r.status.Trades = len(r.eng.Trades())
	if err := r.file.Save(r.status); err != nil {
		r.logger.Warn("status_save_failed", zap.Error(err))
	}
}
