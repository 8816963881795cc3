// Package metrics exposes the grid engine's Prometheus collectors:
//
//   - gridbot_orders_placed_total{side}
//   - gridbot_orders_rejected_total{side}
//   - gridbot_fills_total{side}
//   - gridbot_poll_errors_total
//   - gridbot_realized_pnl
//   - gridbot_active_orders
//   - gridbot_run_state{state}
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var runStates = []string{"idle", "initializing", "running", "stopping", "stopped", "failed"}

// Metrics is safe for concurrent use. A nil *Metrics records nothing.
type Metrics struct {
	registry    *prometheus.Registry
	placed      *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	fills       *prometheus.CounterVec
	pollErrors  prometheus.Counter
	realizedPnL prometheus.Gauge
	active      prometheus.Gauge
	runState    *prometheus.GaugeVec
}

func New(pair string) *Metrics {
	labels := prometheus.Labels{"pair": pair}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		placed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "gridbot_orders_placed_total",
			Help:        "Limit orders accepted by the venue.",
			ConstLabels: labels,
		}, []string{"side"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "gridbot_orders_rejected_total",
			Help:        "Limit orders that failed to place.",
			ConstLabels: labels,
		}, []string{"side"}),
		fills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "gridbot_fills_total",
			Help:        "Fills applied to the grid.",
			ConstLabels: labels,
		}, []string{"side"}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "gridbot_poll_errors_total",
			Help:        "Reconciliation polls that failed.",
			ConstLabels: labels,
		}),
		realizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "gridbot_realized_pnl",
			Help:        "Cumulative realized profit in quote currency.",
			ConstLabels: labels,
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "gridbot_active_orders",
			Help:        "Orders the engine believes are resting.",
			ConstLabels: labels,
		}),
		runState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "gridbot_run_state",
			Help:        "1 for the current engine state, 0 otherwise.",
			ConstLabels: labels,
		}, []string{"state"}),
	}
	m.registry.MustRegister(m.placed, m.rejected, m.fills, m.pollErrors, m.realizedPnL, m.active, m.runState)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) OrderPlaced(side string) {
	if m != nil {
		m.placed.WithLabelValues(side).Inc()
	}
}

func (m *Metrics) OrderRejected(side string) {
	if m != nil {
		m.rejected.WithLabelValues(side).Inc()
	}
}

func (m *Metrics) Fill(side string) {
	if m != nil {
		m.fills.WithLabelValues(side).Inc()
	}
}

func (m *Metrics) PollError() {
	if m != nil {
		m.pollErrors.Inc()
	}
}

func (m *Metrics) SetRealizedPnL(v float64) {
	if m != nil {
		m.realizedPnL.Set(v)
	}
}

func (m *Metrics) SetActiveOrders(n int) {
	if m != nil {
		m.active.Set(float64(n))
	}
}

func (m *Metrics) SetRunState(state string) {
	if m == nil {
		return
	}
	for _, s := range runStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.runState.WithLabelValues(s).Set(v)
	}
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	logger.Info("metrics_server_started", zap.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logger.Info("metrics_server_stopping")
		return srv.Shutdown(shutdownCtx)
	}
}
