// Package alert forwards important engine events to an out-of-band
// notifier without ever blocking the caller.
package alert

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

type Alerter interface {
	Important(event string, fields map[string]string)
}

const (
	defaultQueueSize          = 128
	defaultDropReportInterval = time.Minute
	notifyTimeout             = 20 * time.Second
)

type ManagerOptions struct {
	QueueSize          int
	DropReportInterval time.Duration
	// Throttle is the minimum gap between two alerts of the same event
	// name. Repeats inside the gap are counted and reported with the next
	// alert that gets through.
	Throttle time.Duration
	Logger   *zap.Logger
	now      func() time.Time
}

// Manager queues alerts for one grid instance and delivers them from a
// single goroutine. A full queue drops, it never blocks Important.
type Manager struct {
	mode     string
	pair     string
	notifier Notifier
	logger   *zap.Logger
	throttle time.Duration
	report   time.Duration
	now      func() time.Time

	queue chan notice
	stop  chan struct{}
	done  chan struct{}

	mu         sync.Mutex
	closed     bool
	lastSent   map[string]time.Time
	suppressed map[string]int
	dropped    dropCounter
}

type notice struct {
	event      string
	at         time.Time
	fields     map[string]string
	suppressed int
}

type dropCounter struct {
	total  uint64
	window uint64
}

func NewManager(mode, pair string, notifier Notifier, logger *zap.Logger) *Manager {
	return NewManagerWithOptions(mode, pair, notifier, ManagerOptions{Logger: logger})
}

// NewManagerWithOptions returns nil when notifier is nil. A nil *Manager is
// a valid Alerter that discards everything.
func NewManagerWithOptions(mode, pair string, notifier Notifier, opts ManagerOptions) *Manager {
	if notifier == nil {
		return nil
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	switch {
	case opts.DropReportInterval == 0:
		opts.DropReportInterval = defaultDropReportInterval
	case opts.DropReportInterval < 0:
		opts.DropReportInterval = 0
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	m := &Manager{
		mode:       mode,
		pair:       pair,
		notifier:   notifier,
		logger:     opts.Logger.Named("alert"),
		throttle:   opts.Throttle,
		report:     opts.DropReportInterval,
		now:        opts.now,
		queue:      make(chan notice, opts.QueueSize),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		lastSent:   make(map[string]time.Time),
		suppressed: make(map[string]int),
	}
	go m.run()
	return m
}

func (m *Manager) Important(event string, fields map[string]string) {
	if m == nil {
		return
	}
	at := m.now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.throttle > 0 {
		if last, ok := m.lastSent[event]; ok && at.Sub(last) < m.throttle {
			m.suppressed[event]++
			return
		}
	}
	n := notice{event: event, at: at, fields: cloneFields(fields), suppressed: m.suppressed[event]}
	select {
	case m.queue <- n:
		m.lastSent[event] = at
		delete(m.suppressed, event)
	default:
		m.dropped.total++
		m.dropped.window++
		// first drop of a window is reported at once, the rest by the summary
		if m.dropped.window == 1 {
			m.logger.Warn("alert_queue_dropped",
				zap.String("target_event", event),
				zap.Uint64("dropped_total", m.dropped.total),
				zap.Int("queue_cap", cap(m.queue)),
			)
		}
	}
}

// Close stops accepting alerts and waits for the queue to drain or ctx to
// end, whichever comes first.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.stop)
	}
	m.mu.Unlock()

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) run() {
	defer close(m.done)
	var tick <-chan time.Time
	if m.report > 0 {
		ticker := time.NewTicker(m.report)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case n := <-m.queue:
			m.send(n)
		case <-tick:
			m.reportDropped()
		case <-m.stop:
			for {
				select {
				case n := <-m.queue:
					m.send(n)
				default:
					m.reportDropped()
					return
				}
			}
		}
	}
}

func (m *Manager) reportDropped() {
	m.mu.Lock()
	window, total := m.dropped.window, m.dropped.total
	m.dropped.window = 0
	m.mu.Unlock()
	if window == 0 {
		return
	}
	m.logger.Warn("alert_queue_dropped_report",
		zap.Uint64("dropped_since_last", window),
		zap.Uint64("dropped_total", total),
		zap.Duration("report_interval", m.report),
	)
}

func (m *Manager) droppedStats() (total, window uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped.total, m.dropped.window
}

func (m *Manager) send(n notice) {
	msg := m.format(n)
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	err := m.notifier.Notify(ctx, msg)
	var limited *RateLimitedError
	if errors.As(err, &limited) && limited.RetryAfter > 0 && limited.RetryAfter < notifyTimeout {
		m.logger.Warn("alert_notify_rate_limited", zap.String("target_event", n.event), zap.Duration("retry_after", limited.RetryAfter))
		select {
		case <-time.After(limited.RetryAfter):
			err = m.notifier.Notify(ctx, msg)
		case <-ctx.Done():
		}
	}
	if err != nil {
		m.logger.Error("alert_notify_failed", zap.String("target_event", n.event), zap.Error(err))
	}
}

func (m *Manager) format(n notice) string {
	var b strings.Builder
	b.WriteString("[spot-grid] " + n.event + "\n")
	b.WriteString("time: " + n.at.Format(time.RFC3339) + "\n")
	b.WriteString("mode: " + m.mode + "\n")
	b.WriteString("pair: " + m.pair)
	keys := make([]string, 0, len(n.fields))
	for k := range n.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n" + k + ": " + n.fields[k])
	}
	if n.suppressed > 0 {
		b.WriteString("\nrepeats suppressed: " + strconv.Itoa(n.suppressed))
	}
	return b.String()
}

func cloneFields(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
