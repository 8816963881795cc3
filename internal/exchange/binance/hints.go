package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"spot-grid/internal/safety"
)

const subscribeMethod = "userDataStream.subscribe.signature"

type HintOptions struct {
	Keepalive time.Duration
	// Breaker gates reconnects; a tripped breaker holds the stream down for
	// its cooldown.
	Breaker    *safety.Breaker
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// HintStream subscribes to the account's user data over the WebSocket API
// and turns every executionReport for one pair into a poll hint. Hints
// carry no data; the engine still learns fills from order history.
type HintStream struct {
	client    *Client
	pair      string
	hints     chan struct{}
	breaker   *safety.Breaker
	keepalive time.Duration
	backoff   *backoff.Backoff
	dialer    *websocket.Dialer
	logger    *zap.Logger
	now       func() time.Time
}

type executionReport struct {
	EventType     string `json:"e"`
	Symbol        string `json:"s"`
	ClientOrderID string `json:"c"`
	ExecutionType string `json:"x"`
	OrderStatus   string `json:"X"`
}

// userDataEvent is the WebSocket API envelope; bare events are accepted
// too.
type userDataEvent struct {
	SubscriptionID *int            `json:"subscriptionId"`
	Event          json.RawMessage `json:"event"`
}

func (c *Client) NewHintStream(pair string, opts HintOptions) *HintStream {
	keepalive := opts.Keepalive
	if keepalive <= 0 {
		keepalive = 20 * time.Second
	}
	minBackoff, maxBackoff := opts.MinBackoff, opts.MaxBackoff
	if minBackoff <= 0 {
		minBackoff = time.Second
	}
	if maxBackoff < minBackoff {
		maxBackoff = 60 * time.Second
	}
	return &HintStream{
		client:    c,
		pair:      pair,
		hints:     make(chan struct{}, 1),
		breaker:   opts.Breaker,
		keepalive: keepalive,
		backoff:   &backoff.Backoff{Min: minBackoff, Max: maxBackoff, Factor: 2, Jitter: true},
		dialer:    websocket.DefaultDialer,
		logger:    c.logger.With(zap.String("component", "hint_stream"), zap.String("pair", pair)),
		now:       time.Now,
	}
}

// Hints coalesces: at most one hint is pending at a time.
func (h *HintStream) Hints() <-chan struct{} { return h.hints }

// Run keeps the subscription alive until ctx ends. Connection failures are
// logged and retried with backoff; Run only returns ctx.Err().
func (h *HintStream) Run(ctx context.Context) error {
	if h.client.wsBaseURL == "" {
		return errors.New("ws base url required for hint stream")
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := h.breaker.Allow(); err != nil {
			wait := h.breaker.CooldownRemaining()
			h.logger.Warn("hint_stream_paused", zap.Duration("cooldown_remaining", wait))
			if !sleepCtx(ctx, wait) {
				return ctx.Err()
			}
			continue
		}

		err := h.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_ = h.breaker.Record(err)
		delay := h.backoff.Duration()
		h.logger.Warn("hint_stream_disconnected", zap.Error(err), zap.Duration("retry_in", delay))
		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}
	}
}

// session runs one connection: dial, subscribe, read until it breaks.
func (h *HintStream) session(ctx context.Context) error {
	conn, _, err := h.dialer.DialContext(ctx, h.client.wsBaseURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := call(ctx, conn, newWSRequest(subscribeMethod, h.client.signedParams(h.now()))); err != nil {
		return err
	}
	h.backoff.Reset()
	_ = h.breaker.Record(nil)
	h.logger.Info("hint_stream_subscribed")
	// catch up on anything that happened while disconnected
	h.nudge()

	readTimeout := h.keepalive * 3
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(h.keepalive)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					_ = conn.Close()
					return
				}
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if len(data) == 0 || isReply(data) {
			continue
		}
		if h.relevant(data) {
			h.nudge()
		}
	}
}

func (h *HintStream) relevant(data []byte) bool {
	var env userDataEvent
	if err := json.Unmarshal(data, &env); err != nil {
		return false
	}
	payload := data
	if len(env.Event) > 0 {
		payload = env.Event
	}
	var msg executionReport
	if err := json.Unmarshal(payload, &msg); err != nil {
		return false
	}
	if msg.EventType != "executionReport" || msg.Symbol != h.pair {
		return false
	}
	return msg.ExecutionType == "TRADE" || msg.ExecutionType == "CANCELED" || msg.ExecutionType == "EXPIRED"
}

func (h *HintStream) nudge() {
	select {
	case h.hints <- struct{}{}:
	default:
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
