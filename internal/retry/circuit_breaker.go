package retry

import (
	"fmt"
	"sync"
	"time"

	ncerr "sshfwd/internal/errors"
)

// ── Breaker state ────────────────────────────────────────────────────

// State is the position of a [CircuitBreaker].
type State int

const (
	// StateClosed lets every call through.
	StateClosed State = iota
	// StateOpen rejects calls until the cool-down elapses.
	StateOpen
	// StateHalfOpen lets calls through as probes; one failure reopens.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ── Configuration ────────────────────────────────────────────────────

// CircuitBreakerConfig configures a [CircuitBreaker].  A tunnel uses
// one to stop hammering a server that refuses every forwarded channel.
type CircuitBreakerConfig struct {
	// Name labels rejection errors, usually the tunnel id.
	Name string
	// MaxFailures consecutive failures open the breaker (default 5).
	MaxFailures int
	// ResetTimeout is the cool-down before probing again (default 30s).
	ResetTimeout time.Duration
	// HalfOpenMax consecutive probe successes close it (default 2).
	HalfOpenMax int
	// OnStateChange runs under the breaker's lock on every transition.
	OnStateChange func(from, to State)
	// IsFailure picks the errors that count.  Errors it rejects leave
	// the breaker untouched.  Nil counts every error.
	IsFailure func(err error) bool
}

// DefaultCircuitBreakerConfig returns the defaults NewCircuitBreaker
// falls back to.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		MaxFailures:  5,
		ResetTimeout: 30 * time.Second,
		HalfOpenMax:  2,
	}
}

// ── CircuitBreaker ───────────────────────────────────────────────────

// CircuitBreaker counts consecutive failures of a call and, past a
// threshold, rejects further calls without running them.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	probesOK int
	openedAt time.Time
}

// NewCircuitBreaker builds a closed breaker.  Zero or negative limits in
// cfg take their defaults.
func NewCircuitBreaker(cfg *CircuitBreakerConfig) *CircuitBreaker {
	c := *DefaultCircuitBreakerConfig()
	if cfg != nil {
		c.Name = cfg.Name
		c.OnStateChange = cfg.OnStateChange
		c.IsFailure = cfg.IsFailure
		if cfg.MaxFailures > 0 {
			c.MaxFailures = cfg.MaxFailures
		}
		if cfg.ResetTimeout > 0 {
			c.ResetTimeout = cfg.ResetTimeout
		}
		if cfg.HalfOpenMax > 0 {
			c.HalfOpenMax = cfg.HalfOpenMax
		}
	}
	return &CircuitBreaker{cfg: c, now: time.Now}
}

// Execute runs fn unless the breaker is open, in which case it returns
// an error wrapping [ncerr.ErrCircuitOpen] and fn is never called.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

// CurrentState returns the breaker's state.  An open breaker whose
// cool-down has elapsed still reports open until the next call.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.probesOK = 0
	cb.setState(StateClosed)
}

// ── internal ─────────────────────────────────────────────────────────

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return nil
	}
	wait := cb.cfg.ResetTimeout - cb.now().Sub(cb.openedAt)
	if wait <= 0 {
		cb.probesOK = 0
		cb.setState(StateHalfOpen)
		return nil
	}

	name := cb.cfg.Name
	if name == "" {
		name = "breaker"
	}
	return fmt.Errorf("%s: %w after %d failures, next probe in %v",
		name, ncerr.ErrCircuitOpen, cb.failures, wait.Round(time.Second))
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch {
	case err != nil && cb.cfg.IsFailure != nil && !cb.cfg.IsFailure(err):
		// Not the breaker's business.

	case err != nil:
		cb.failures++
		cb.probesOK = 0
		if cb.state == StateHalfOpen || cb.failures >= cb.cfg.MaxFailures {
			cb.openedAt = cb.now()
			cb.setState(StateOpen)
		}

	case cb.state == StateHalfOpen:
		cb.probesOK++
		if cb.probesOK >= cb.cfg.HalfOpenMax {
			cb.failures = 0
			cb.setState(StateClosed)
		}

	default:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) setState(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}
