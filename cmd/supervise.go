package cmd

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	ncerr "sshfwd/internal/errors"
	"sshfwd/internal/retry"
	"sshfwd/tunnel"
	"sshfwd/util"
)

// supervisor keeps forwards alive across failures.  A failed tunnel is
// never revived: it is removed and a brand-new tunnel is started for
// the same spec, with exponential backoff between attempts.  Failures
// that cannot heal on their own (unknown session, authentication,
// protocol) end supervision of that forward.
type supervisor struct {
	reg     *tunnel.Registry
	logger  *util.Logger
	backoff retry.Backoff

	wg     sync.WaitGroup
	active atomic.Int32
}

// newSupervisor gives up on a forward after maxRestarts restarts; zero
// means never.
func newSupervisor(reg *tunnel.Registry, logger *util.Logger, maxRestarts int, maxDelay time.Duration) *supervisor {
	b := retry.DefaultBackoff()
	b.MaxDelay = maxDelay
	b.MaxAttempts = 0
	if maxRestarts > 0 {
		b.MaxAttempts = maxRestarts + 1
	}
	return &supervisor{reg: reg, logger: logger, backoff: *b}
}

// keep supervises spec until ctx is cancelled or the forward gives up.
func (s *supervisor) keep(ctx context.Context, spec tunnel.Spec) {
	s.wg.Add(1)
	s.active.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)

		if err := s.run(ctx, spec); err != nil && ctx.Err() == nil {
			s.logger.Error("%s: giving up: %v", spec, err)
		}
	}()
}

func (s *supervisor) run(ctx context.Context, spec tunnel.Spec) error {
	b := s.backoff
	b.OnRetry = func(attempt int, err error, wait time.Duration) {
		s.logger.Warn("%s: restart %d in %v after %s", spec, attempt, wait.Truncate(time.Millisecond), ncerr.KindOf(err))
	}

	return b.Do(ctx, func(attempt int) error {
		id, err := s.reg.Start(ctx, spec)
		if err == nil {
			err = s.watch(ctx, id)
		}
		if ctx.Err() != nil {
			return retry.Permanent(ctx.Err())
		}
		if id != "" {
			// Failed tunnels stay listed until stopped.
			s.reg.Stop(id)
		}
		if err == nil {
			return nil
		}
		if !ncerr.IsRetryable(err) {
			return retry.Permanent(err)
		}
		return err
	})
}

// watch blocks until the tunnel ends.  It returns the tunnel's error
// if it failed and nil if it was stopped.
func (s *supervisor) watch(ctx context.Context, id string) error {
	t, ok := s.reg.Get(id)
	if !ok {
		return nil
	}
	select {
	case <-t.Done():
		if t.State() == tunnel.StateFailed {
			return t.Err()
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// idle reports whether every supervised forward has given up.
func (s *supervisor) idle() bool {
	return s.active.Load() == 0
}

// wait blocks until every supervision goroutine has returned.
func (s *supervisor) wait() {
	s.wg.Wait()
}
