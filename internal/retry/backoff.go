// Package retry provides exponential backoff and circuit breaker
// patterns used to restart failed tunnels and to shed load when a
// server keeps refusing forwarded channels.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// ── Permanent errors ─────────────────────────────────────────────────

// PermanentError marks a failure that another attempt cannot fix, such
// as an unknown session or rejected credentials.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that [Backoff.Do] returns it at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a [PermanentError].
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ── Backoff ──────────────────────────────────────────────────────────

const (
	defaultInitialDelay = time.Second
	defaultMaxDelay     = 60 * time.Second
	defaultMultiplier   = 2.0
	jitterFraction      = 0.25
)

// Backoff spaces out attempts of an operation exponentially.  Zero
// fields take the defaults shown.
type Backoff struct {
	// InitialDelay precedes the first retry (1s).
	InitialDelay time.Duration
	// MaxDelay caps every wait (60s).
	MaxDelay time.Duration
	// Multiplier grows the delay after each retry (2.0).
	Multiplier float64
	// MaxAttempts bounds the number of calls, the first included.
	// Zero retries until the context ends.
	MaxAttempts int
	// Jitter spreads each wait by ±25% so restarted tunnels do not
	// reconnect in lockstep.
	Jitter bool
	// OnRetry runs after a failed attempt, before waiting.
	OnRetry func(attempt int, err error, wait time.Duration)

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultBackoff returns the schedule used for tunnel restarts.
func DefaultBackoff() *Backoff {
	return &Backoff{
		InitialDelay: defaultInitialDelay,
		MaxDelay:     defaultMaxDelay,
		Multiplier:   defaultMultiplier,
		MaxAttempts:  10,
		Jitter:       true,
	}
}

// Delay returns the wait before retry n (1-based), without jitter.
func (b *Backoff) Delay(n int) time.Duration {
	d, limit, mult := b.InitialDelay, b.MaxDelay, b.Multiplier
	if d <= 0 {
		d = defaultInitialDelay
	}
	if limit <= 0 {
		limit = defaultMaxDelay
	}
	if mult <= 0 {
		mult = defaultMultiplier
	}
	for i := 1; i < n && d < limit; i++ {
		d = time.Duration(float64(d) * mult)
	}
	if d > limit {
		d = limit
	}
	return d
}

// Do calls fn with a 1-based attempt number until it returns nil, a
// [Permanent] error, the attempt budget runs out or ctx ends.
// Permanent errors are returned unwrapped.
func (b *Backoff) Do(ctx context.Context, fn func(attempt int) error) error {
	sleep := b.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		switch {
		case err == nil:
			return nil
		case IsPermanent(err):
			return errors.Unwrap(err)
		case b.MaxAttempts > 0 && attempt >= b.MaxAttempts:
			return fmt.Errorf("gave up after %d attempts: %w", attempt, err)
		}

		wait := b.Delay(attempt)
		if b.Jitter {
			wait = addJitter(wait)
		}
		if b.OnRetry != nil {
			b.OnRetry(attempt, err, wait)
		}
		if serr := sleep(ctx, wait); serr != nil {
			return fmt.Errorf("retry abandoned after %d attempts: %w (last error: %v)", attempt, serr, err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// addJitter moves d by up to a quarter either way, never below 1ms.
func addJitter(d time.Duration) time.Duration {
	spread := float64(d) * jitterFraction
	j := time.Duration(float64(d) + (rand.Float64()*2-1)*spread)
	if j < time.Millisecond {
		j = time.Millisecond
	}
	return j
}
