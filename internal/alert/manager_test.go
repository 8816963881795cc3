package alert

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// recorder collects delivered messages. When gate is set, the first Notify
// signals started and then parks until gate closes.
type recorder struct {
	gate    chan struct{}
	started chan struct{}
	once    sync.Once

	mu   sync.Mutex
	msgs []string
}

func newGatedRecorder() *recorder {
	return &recorder{gate: make(chan struct{}), started: make(chan struct{})}
}

func (r *recorder) Notify(ctx context.Context, msg string) error {
	if r.gate != nil {
		r.once.Do(func() { close(r.started) })
		select {
		case <-r.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	return nil
}

func (r *recorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func (r *recorder) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-r.started:
	case <-time.After(time.Second):
		t.Fatal("notifier never called")
	}
}

func closeManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Close(ctx))
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestNewManagerWithoutNotifierIsNoop(t *testing.T) {
	m := NewManager("paper", "BTCUSDT", nil, nil)
	require.Nil(t, m)
	m.Important("grid_started", nil)
	assert.NoError(t, m.Close(context.Background()))
}

func TestManagerDeliversQueuedAlertsOnClose(t *testing.T) {
	rec := &recorder{}
	m := NewManager("live", "ETHUSDT", rec, nil)
	require.NotNil(t, m)

	m.Important("grid_started", map[string]string{"levels": "6", "count": "5"})
	m.Important("grid_stopped", nil)
	closeManager(t, m)

	msgs := rec.messages()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0], "[spot-grid] grid_started")
	assert.Contains(t, msgs[0], "mode: live")
	assert.Contains(t, msgs[0], "pair: ETHUSDT")
	assert.Contains(t, msgs[0], "count: 5\nlevels: 6")
	assert.Contains(t, msgs[1], "[spot-grid] grid_stopped")

	m.Important("after_close", nil)
	assert.Len(t, rec.messages(), 2)
}

func TestManagerImportantNeverBlocks(t *testing.T) {
	rec := newGatedRecorder()
	m := NewManager("live", "BTCUSDT", rec, nil)
	m.Important("first", nil)
	rec.waitStarted(t)

	finished := make(chan struct{})
	go func() {
		for i := 0; i < 5*defaultQueueSize; i++ {
			m.Important("order_failed", nil)
		}
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Important blocked on a full queue")
	}

	total, _ := m.droppedStats()
	assert.Equal(t, uint64(4*defaultQueueSize), total)

	close(rec.gate)
	closeManager(t, m)
	assert.Len(t, rec.messages(), defaultQueueSize+1)
}

func TestManagerThrottlesRepeatedEvents(t *testing.T) {
	clock := &stepClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	rec := &recorder{}
	m := NewManagerWithOptions("paper", "BTCUSDT", rec, ManagerOptions{
		Throttle: time.Minute,
		now:      clock.Now,
	})

	m.Important("poll_failed", map[string]string{"error": "timeout"})
	clock.advance(5 * time.Second)
	m.Important("order_rejected", nil)
	clock.advance(10 * time.Second)
	m.Important("poll_failed", nil)
	clock.advance(20 * time.Second)
	m.Important("poll_failed", nil)
	clock.advance(time.Minute)
	m.Important("poll_failed", map[string]string{"error": "eof"})
	closeManager(t, m)

	msgs := rec.messages()
	require.Len(t, msgs, 3)
	assert.Contains(t, msgs[0], "poll_failed")
	assert.NotContains(t, msgs[0], "repeats suppressed")
	assert.Contains(t, msgs[1], "order_rejected")
	assert.Contains(t, msgs[2], "error: eof")
	assert.Contains(t, msgs[2], "repeats suppressed: 2")
	assert.Contains(t, msgs[2], "time: 2024-03-01T12:01:35Z")
}

func TestManagerDropReportResetsWindow(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	rec := newGatedRecorder()
	m := NewManagerWithOptions("live", "BTCUSDT", rec, ManagerOptions{
		QueueSize:          1,
		DropReportInterval: 100 * time.Millisecond,
		Logger:             zap.New(core),
	})
	m.Important("first", nil)
	rec.waitStarted(t)

	m.Important("queued", nil)
	for i := 0; i < 4; i++ {
		m.Important("order_failed", nil)
	}
	total, window := m.droppedStats()
	assert.Equal(t, uint64(4), total)
	assert.Equal(t, uint64(4), window)
	assert.Equal(t, 1, logs.FilterMessage("alert_queue_dropped").Len())

	require.Eventually(t, func() bool {
		return logs.FilterMessage("alert_queue_dropped_report").Len() > 0
	}, 2*time.Second, 10*time.Millisecond)
	_, window = m.droppedStats()
	assert.Zero(t, window)

	report := logs.FilterMessage("alert_queue_dropped_report").All()[0].ContextMap()
	assert.EqualValues(t, 4, report["dropped_since_last"])

	close(rec.gate)
	closeManager(t, m)
	assert.Len(t, rec.messages(), 2)
}

func TestManagerCloseHonoursContext(t *testing.T) {
	rec := newGatedRecorder()
	m := NewManager("live", "BTCUSDT", rec, nil)
	m.Important("stuck", nil)
	rec.waitStarted(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Close(ctx), context.DeadlineExceeded)

	close(rec.gate)
	closeManager(t, m)
}
