// Package safety gates repeated failing venue operations behind a
// consecutive-failure circuit with a cooldown and a half-open probe.
package safety

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"spot-grid/internal/alert"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

const (
	defaultCooldown          = 30 * time.Second
	defaultHalfOpenSuccesses = 1
)

type Options struct {
	MaxFailures       int
	Cooldown          time.Duration
	HalfOpenSuccesses int
	Logger            *zap.Logger
	Alerter           alert.Alerter
}

// Breaker guards one named action. A nil *Breaker or one built with
// MaxFailures < 1 never opens.
type Breaker struct {
	name              string
	maxFailures       int
	cooldown          time.Duration
	halfOpenSuccesses int
	logger            *zap.Logger
	alerter           alert.Alerter
	now               func() time.Time

	mu              sync.Mutex
	state           State
	failures        int
	openedAt        time.Time
	openErr         error
	halfOpenSuccess int
}

func NewBreaker(name string, opts Options) *Breaker {
	if opts.Cooldown <= 0 {
		opts.Cooldown = defaultCooldown
	}
	if opts.HalfOpenSuccesses < 1 {
		opts.HalfOpenSuccesses = defaultHalfOpenSuccesses
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Breaker{
		name:              name,
		maxFailures:       opts.MaxFailures,
		cooldown:          opts.Cooldown,
		halfOpenSuccesses: opts.HalfOpenSuccesses,
		logger:            opts.Logger.Named("breaker"),
		alerter:           opts.Alerter,
		now:               func() time.Time { return time.Now().UTC() },
		state:             StateClosed,
	}
}

func (b *Breaker) enabled() bool {
	return b != nil && b.maxFailures >= 1
}

func (b *Breaker) State() State {
	if !b.enabled() {
		return StateClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow returns ErrCircuitOpen while the circuit cools down. The first call
// after the cooldown moves the circuit to half-open and lets the probe through.
func (b *Breaker) Allow() error {
	if !b.enabled() {
		return nil
	}
	b.mu.Lock()
	if b.state != StateOpen {
		b.mu.Unlock()
		return nil
	}
	if b.now().Sub(b.openedAt) < b.cooldown {
		err := b.openErr
		b.mu.Unlock()
		return err
	}
	b.state = StateHalfOpen
	b.halfOpenSuccess = 0
	b.failures = 0
	b.openErr = nil
	b.mu.Unlock()

	b.logger.Info("circuit_breaker_half_open", zap.String("action", b.name), zap.Duration("cooldown", b.cooldown))
	b.important("circuit_breaker_half_open", map[string]string{
		"action":   b.name,
		"cooldown": b.cooldown.String(),
	})
	return nil
}

func (b *Breaker) CooldownRemaining() time.Duration {
	if !b.enabled() {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return 0
	}
	elapsed := b.now().Sub(b.openedAt)
	if elapsed >= b.cooldown {
		return 0
	}
	return b.cooldown - elapsed
}

// Record feeds the outcome of one guarded call. It returns the open-circuit
// error when this failure trips the circuit or the circuit is already open.
func (b *Breaker) Record(err error) error {
	if !b.enabled() {
		return nil
	}
	b.mu.Lock()
	if err == nil {
		b.recordSuccessLocked()
		return nil
	}

	switch b.state {
	case StateOpen:
		openErr := b.openErr
		b.mu.Unlock()
		return openErr
	case StateHalfOpen:
		openErr := b.tripLocked(err, 1, "half_open_probe_failed")
		b.mu.Unlock()
		b.logger.Error("circuit_breaker_trip",
			zap.String("action", b.name),
			zap.String("phase", "half_open"),
			zap.Int("threshold", b.maxFailures),
			zap.Error(err),
		)
		b.important("circuit_breaker_trip", map[string]string{
			"action":     b.name,
			"phase":      "half_open",
			"threshold":  strconv.Itoa(b.maxFailures),
			"last_error": err.Error(),
		})
		return openErr
	}

	b.failures++
	failures := b.failures
	if failures < b.maxFailures {
		b.mu.Unlock()
		if failures == b.maxFailures-1 && b.maxFailures > 1 {
			b.logger.Warn("circuit_breaker_near_trip",
				zap.String("action", b.name),
				zap.Int("consecutive_failures", failures),
				zap.Int("threshold", b.maxFailures),
				zap.Error(err),
			)
		}
		return nil
	}
	openErr := b.tripLocked(err, failures, "consecutive_failures")
	b.mu.Unlock()
	b.logger.Error("circuit_breaker_trip",
		zap.String("action", b.name),
		zap.Int("consecutive_failures", failures),
		zap.Int("threshold", b.maxFailures),
		zap.Error(err),
	)
	b.important("circuit_breaker_trip", map[string]string{
		"action":               b.name,
		"consecutive_failures": strconv.Itoa(failures),
		"threshold":            strconv.Itoa(b.maxFailures),
		"last_error":           err.Error(),
	})
	return openErr
}

// recordSuccessLocked releases b.mu.
func (b *Breaker) recordSuccessLocked() {
	prevFailures := b.failures
	prevState := b.state
	recovered := false
	switch b.state {
	case StateHalfOpen:
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.halfOpenSuccesses {
			recovered = true
			b.state = StateClosed
			b.failures = 0
			b.openErr = nil
			b.openedAt = time.Time{}
			b.halfOpenSuccess = 0
		}
	case StateClosed:
		if b.failures > 0 {
			recovered = true
			b.failures = 0
		}
	}
	b.mu.Unlock()
	if !recovered {
		return
	}
	b.logger.Info("circuit_breaker_recovered",
		zap.String("action", b.name),
		zap.Int("previous_consecutive_failures", prevFailures),
		zap.String("from_state", string(prevState)),
	)
	if prevState == StateHalfOpen {
		b.important("circuit_breaker_recovered", map[string]string{
			"action":     b.name,
			"from_state": string(prevState),
		})
	}
}

func (b *Breaker) tripLocked(err error, failures int, reason string) error {
	b.state = StateOpen
	b.openedAt = b.now()
	b.halfOpenSuccess = 0
	b.failures = failures
	b.openErr = fmt.Errorf("%w: %s failed %d consecutive times, cooldown=%s, reason=%s, last error: %v",
		ErrCircuitOpen, b.name, failures, b.cooldown, reason, err)
	return b.openErr
}

func (b *Breaker) important(event string, fields map[string]string) {
	if b.alerter != nil {
		b.alerter.Important(event, fields)
	}
}
