// Package circuit implements the per-provider circuit breaker and
// in-flight load limiter (§4.4).
package circuit

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is a circuit breaker state (§3 Circuit State).
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// Config tunes one breaker instance. Defaults match §4.4: F=5, T=60s, S=2,
// probe cap=3.
type Config struct {
	// FailureThreshold is F: consecutive failures in Closed before tripping.
	FailureThreshold int
	// OpenTimeout is T: how long Open is held before admitting a probe.
	OpenTimeout time.Duration
	// SuccessThreshold is S: consecutive successes in HalfOpen before closing.
	SuccessThreshold int
	// ProbeCap bounds concurrent admissions while HalfOpen.
	ProbeCap int

	OnStateChange func(provider string, from, to State)
}

// DefaultConfig returns §4.4's stated defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenTimeout:      60 * time.Second,
		SuccessThreshold: 2,
		ProbeCap:         3,
	}
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 60 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.ProbeCap <= 0 {
		c.ProbeCap = 3
	}
	return c
}

// ErrOpen is returned when the breaker rejects a call because the circuit
// is Open (or HalfOpen with its probe cap exhausted).
var ErrOpen = errors.New("circuit: provider unavailable, breaker open")

// Breaker is a single provider's circuit breaker. Safe for concurrent use.
type Breaker struct {
	provider string
	config   Config
	logger   *zap.Logger

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	consecutiveSuccess  int // only meaningful in HalfOpen
	lastFailureTime     time.Time
	halfOpenInFlight    int
}

// New creates a Breaker for provider named name.
func New(name string, config Config, logger *zap.Logger) *Breaker {
	return &Breaker{
		provider: name,
		config:   config.withDefaults(),
		logger:   logger.With(zap.String("component", "circuit_breaker"), zap.String("provider", name)),
		state:    StateClosed,
	}
}

// Admit decides whether a call may proceed, transitioning Open→HalfOpen on
// the first admission attempt after T has elapsed. The returned release
// func must be called exactly once with the call's outcome.
func (b *Breaker) Admit() (admitted bool, release func(success bool)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true, b.releaseFunc()

	case StateOpen:
		if time.Since(b.lastFailureTime) >= b.config.OpenTimeout {
			b.setState(StateHalfOpen)
			b.halfOpenInFlight = 0
			b.consecutiveSuccess = 0
			b.halfOpenInFlight++
			return true, b.releaseFunc()
		}
		return false, nil

	case StateHalfOpen:
		if b.halfOpenInFlight >= b.config.ProbeCap {
			return false, nil
		}
		b.halfOpenInFlight++
		return true, b.releaseFunc()

	default:
		return false, nil
	}
}

func (b *Breaker) releaseFunc() func(success bool) {
	var once sync.Once
	return func(success bool) {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.state == StateHalfOpen {
				b.halfOpenInFlight--
				if b.halfOpenInFlight < 0 {
					b.halfOpenInFlight = 0
				}
			}
			if success {
				b.onSuccess()
			} else {
				b.onFailure()
			}
		})
	}
}

// Call runs fn under the breaker, returning ErrOpen if admission is denied.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	admitted, release := b.Admit()
	if !admitted {
		return ErrOpen
	}
	err := fn(ctx)
	release(err == nil)
	return err
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		// invariant: failure count resets on any success in Closed.
		b.consecutiveFailures = 0

	case StateHalfOpen:
		b.consecutiveSuccess++
		if b.consecutiveSuccess >= b.config.SuccessThreshold {
			b.logger.Info("circuit closed", zap.Int("consecutive_successes", b.consecutiveSuccess))
			b.setState(StateClosed)
			b.consecutiveFailures = 0
			b.consecutiveSuccess = 0
			b.halfOpenInFlight = 0
		}

	case StateOpen:
		b.logger.Warn("success reported while circuit open, ignoring")
	}
}

func (b *Breaker) onFailure() {
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.logger.Warn("circuit open",
				zap.Int("consecutive_failures", b.consecutiveFailures),
				zap.Int("threshold", b.config.FailureThreshold))
			b.setState(StateOpen)
		}

	case StateHalfOpen:
		// any single HalfOpen failure returns to Open and resets the timer.
		b.logger.Warn("circuit reopened after half-open failure")
		b.setState(StateOpen)
		b.consecutiveSuccess = 0
		b.halfOpenInFlight = 0

	case StateOpen:
		// already open; lastFailureTime above already resets the timer.
	}
}

func (b *Breaker) setState(newState State) {
	oldState := b.state
	b.state = newState
	if b.config.OnStateChange != nil && oldState != newState {
		go b.config.OnStateChange(b.provider, oldState, newState)
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// PeekAdmittable reports whether Admit would currently succeed, without
// committing any state transition or reserving a probe slot. Used by the
// router to filter eligible providers before actually attempting a call
// (§4.5 Selection step 1).
func (b *Breaker) PeekAdmittable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		return time.Since(b.lastFailureTime) >= b.config.OpenTimeout
	case StateHalfOpen:
		return b.halfOpenInFlight < b.config.ProbeCap
	default:
		return false
	}
}

// Abort releases an admitted call's probe slot (if any) without counting
// it as a success or a failure — used when a call is admitted by the
// breaker but then rejected by the load limiter, which must not influence
// breaker state. The release func returned alongside this admission must
// not also be called.
func (b *Breaker) Abort() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.halfOpenInFlight--
		if b.halfOpenInFlight < 0 {
			b.halfOpenInFlight = 0
		}
	}
}

// Reset forces the breaker back to Closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	old := b.state
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.consecutiveSuccess = 0
	b.halfOpenInFlight = 0
	if b.config.OnStateChange != nil && old != StateClosed {
		go b.config.OnStateChange(b.provider, old, StateClosed)
	}
}
