// Package tunnel implements SSH port forwarding: Local (-L) and Remote
// (-R) tunnels, the byte relays they spawn for each forwarded
// connection, and a Registry that starts, stops and lists them.
//
// Every tunnel owns exactly one SSH connection for its lifetime.  A
// tunnel that fails stays failed; reconnecting means starting a new
// tunnel.
package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	ncerr "sshfwd/internal/errors"
	"sshfwd/internal/metrics"
	"sshfwd/internal/retry"
	"sshfwd/internal/session"
	"sshfwd/internal/transport"
	"sshfwd/util"
)

// ── Direction ────────────────────────────────────────────────────────

// Direction selects which side of the SSH connection listens.
type Direction int

const (
	// Local listens here and forwards to a target reachable from the
	// SSH server (ssh -L).
	Local Direction = iota
	// Remote has the SSH server listen and forwards back to a target
	// reachable from here (ssh -R).
	Remote
)

func (d Direction) String() string {
	if d == Remote {
		return "remote"
	}
	return "local"
}

// Letter returns "L" or "R", matching the ssh(1) flag.
func (d Direction) Letter() string {
	if d == Remote {
		return "R"
	}
	return "L"
}

// ── State ────────────────────────────────────────────────────────────

// State is a tunnel's lifecycle position.
type State int

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// canTransition encodes the lifecycle graph.  Stopping only ever ends
// in Stopped: errors seen while tearing down are not failures.
func (s State) canTransition(to State) bool {
	switch s {
	case StateCreated:
		return to == StateStarting || to == StateStopped || to == StateFailed
	case StateStarting:
		return to == StateRunning || to == StateStopping || to == StateFailed
	case StateRunning:
		return to == StateStopping || to == StateFailed
	case StateStopping:
		return to == StateStopped
	}
	return false
}

// ── Spec ─────────────────────────────────────────────────────────────

// Spec is one forwarding rule.
type Spec struct {
	Direction  Direction
	SessionRef string
	BindHost   string
	BindPort   int
	TargetHost string
	TargetPort int
}

// Validate rejects rules that can never start.  An empty BindHost is
// allowed: Local tunnels then listen on every interface and Remote
// tunnels let the server pick.
func (s Spec) Validate() error {
	if s.Direction != Local && s.Direction != Remote {
		return fmt.Errorf("invalid direction %d", s.Direction)
	}
	if !util.ValidPort(s.BindPort) {
		return fmt.Errorf("bind port %d out of range 1-65535", s.BindPort)
	}
	if !util.ValidPort(s.TargetPort) {
		return fmt.Errorf("target port %d out of range 1-65535", s.TargetPort)
	}
	if s.TargetHost == "" {
		return fmt.Errorf("target host is required")
	}
	return nil
}

// BindAddr returns the "host:port" the tunnel accepts on.
func (s Spec) BindAddr() string { return util.FormatAddr(s.BindHost, s.BindPort) }

// TargetAddr returns the "host:port" the tunnel relays to.
func (s Spec) TargetAddr() string { return util.FormatAddr(s.TargetHost, s.TargetPort) }

func (s Spec) String() string {
	return fmt.Sprintf("%s %s -> %s", s.Direction.Letter(), s.BindAddr(), s.TargetAddr())
}

// ── Options ──────────────────────────────────────────────────────────

// Options tune a tunnel's timing and resource use.  Zero values select
// the defaults noted on each field.
type Options struct {
	PollInterval time.Duration // accept poll period (1s)
	StartWait    time.Duration // Registry.Start wait for Running (2s)
	JoinTimeout  time.Duration // Registry.Stop worker join bound (2s)
	GracePeriod  time.Duration // wait for connection handlers on release (5s)
	DialTimeout  time.Duration // Remote target dial timeout (10s)
	RateLimit    int64         // per-relay, per-direction bytes/second (0 = off)

	// ChannelBreaker, when set, stops opening proxy channels after
	// repeated failures until its reset timeout elapses.
	ChannelBreaker *retry.CircuitBreakerConfig

	// Dialer reaches Remote tunnel targets (default TCPDialer).
	Dialer transport.Dialer
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.StartWait <= 0 {
		o.StartWait = 2 * time.Second
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = 2 * time.Second
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 5 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = &transport.TCPDialer{Timeout: o.DialTimeout}
	}
	return o
}

// ── Tunnel ───────────────────────────────────────────────────────────

// Tunnel is one forwarding rule plus the live resources it owns.
type Tunnel struct {
	id        string
	spec      Spec
	opts      Options
	dir       session.Directory
	connector Connector
	logger    *util.Logger
	metrics   *metrics.Collector
	breaker   *retry.CircuitBreaker

	mu        sync.Mutex
	state     State
	err       error
	started   time.Time
	conn      Connection
	listener  *net.TCPListener
	bound     bool // remote bind acknowledged
	relays    map[*Relay]struct{}
	releasing bool

	handlers sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	changed  chan struct{} // closed and replaced on every state change
	done     chan struct{} // closed when the worker has finished
}

// New creates a tunnel in the Created state.  Nothing is resolved or
// opened until Start.
func New(id string, spec Spec, dir session.Directory, connector Connector, logger *util.Logger, opts Options) *Tunnel {
	if logger == nil {
		logger = util.NewLogger(0)
	}
	t := &Tunnel{
		id:        id,
		spec:      spec,
		opts:      opts.withDefaults(),
		dir:       dir,
		connector: connector,
		logger:    logger.With("[" + id + "]"),
		metrics:   metrics.New(),
		relays:    make(map[*Relay]struct{}),
		changed:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	if opts.ChannelBreaker != nil {
		cfg := *opts.ChannelBreaker
		cfg.Name = t.id
		cfg.IsFailure = func(err error) bool {
			return ncerr.IsKind(err, ncerr.KindChannelOpen)
		}
		prev := cfg.OnStateChange
		cfg.OnStateChange = func(from, to retry.State) {
			t.logger.Warn("channel breaker %s -> %s", from, to)
			if prev != nil {
				prev(from, to)
			}
		}
		t.breaker = retry.NewCircuitBreaker(&cfg)
	}
	return t
}

// ID returns the tunnel's identifier.
func (t *Tunnel) ID() string { return t.id }

// Spec returns the forwarding rule.
func (t *Tunnel) Spec() Spec { return t.spec }

// Metrics returns the tunnel's counters.
func (t *Tunnel) Metrics() *metrics.Collector { return t.metrics }

// State returns the current lifecycle state.
func (t *Tunnel) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the error that failed the tunnel, or nil.
func (t *Tunnel) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed when the tunnel has reached Stopped or Failed and
// released everything it owned.
func (t *Tunnel) Done() <-chan struct{} { return t.done }

// setStateLocked applies a transition; t.mu must be held.  Invalid transitions are
// ignored and reported as false.
func (t *Tunnel) setStateLocked(to State) bool {
	if !t.state.canTransition(to) {
		return false
	}
	t.logger.Debug("state %s -> %s", t.state, to)
	t.state = to
	close(t.changed)
	t.changed = make(chan struct{})
	return true
}

// Start moves the tunnel to Starting and launches its worker.  The
// parent ctx bounds the tunnel's whole life.  Starting a tunnel that
// is not Created is an error.
func (t *Tunnel) Start(ctx context.Context) error {
	t.mu.Lock()
	if !t.setStateLocked(StateStarting) {
		st := t.state
		t.mu.Unlock()
		return fmt.Errorf("tunnel %s: cannot start from state %s", t.id, st)
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.started = time.Now()
	t.mu.Unlock()

	go t.run()
	return nil
}

// Stop requests shutdown.  It is idempotent, never blocks on I/O, and
// is safe before, during and after Start.
func (t *Tunnel) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case StateCreated:
		t.setStateLocked(StateStopped)
		close(t.done)
	case StateStarting, StateRunning:
		t.setStateLocked(StateStopping)
		t.cancel()
	}
}

// Wait blocks until the tunnel has released its resources or timeout
// elapses, reporting which happened.
func (t *Tunnel) Wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.done:
		return true
	case <-timer.C:
		return false
	}
}

// waitLeaveStarting blocks until the tunnel is no longer Starting or
// timeout elapses.
func (t *Tunnel) waitLeaveStarting(timeout time.Duration) State {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		t.mu.Lock()
		st, ch := t.state, t.changed
		t.mu.Unlock()
		if st != StateStarting {
			return st
		}
		select {
		case <-ch:
		case <-deadline.C:
			return st
		}
	}
}

// ── worker ───────────────────────────────────────────────────────────

// run is the tunnel's single worker goroutine.
func (t *Tunnel) run() {
	err := t.establish()
	switch {
	case t.stopping():
		// Connect and bind give up once the context ends; with a stop
		// or parent cancel in progress that is not a failure.
		if err != nil {
			t.logger.Debug("establish interrupted: %v", err)
		}
		err = nil
	case err == nil:
		t.mu.Lock()
		ok := t.setStateLocked(StateRunning)
		t.mu.Unlock()
		if ok {
			t.logger.Info("%s running", t.spec)
			if t.spec.Direction == Local {
				err = t.acceptLocal()
			} else {
				err = t.acceptRemote()
			}
		}
	}
	t.release(err)
}

// establish resolves the session, connects and binds.
func (t *Tunnel) establish() error {
	params, err := t.dir.Resolve(t.spec.SessionRef)
	if err != nil {
		if ncerr.KindOf(err) == ncerr.KindUnknown {
			err = ncerr.Wrap(ncerr.KindSessionNotFound, "resolve", t.spec.SessionRef, err)
		}
		return err
	}
	if t.stopping() {
		return nil
	}

	conn, err := t.connector.Connect(t.ctx, params)
	if err != nil {
		if ncerr.KindOf(err) == ncerr.KindUnknown {
			err = ncerr.Network("connect", params.Addr(), err)
		}
		return err
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	if t.stopping() {
		return nil
	}

	if t.spec.Direction == Local {
		ln, err := transport.ListenTCP(t.ctx, t.spec.BindAddr())
		if err != nil {
			return ncerr.Wrap(ncerr.KindBind, "bind", t.spec.BindAddr(), err)
		}
		t.mu.Lock()
		t.listener = ln
		t.mu.Unlock()
		return nil
	}

	if err := conn.RequestRemoteBind(t.spec.BindHost, t.spec.BindPort); err != nil {
		if ncerr.KindOf(err) == ncerr.KindUnknown {
			err = ncerr.Wrap(ncerr.KindRemoteBindRejected, "tcpip-forward", t.spec.BindAddr(), err)
		}
		return err
	}
	t.mu.Lock()
	t.bound = true
	t.mu.Unlock()
	return nil
}

// stopping reports whether Stop has been requested.
func (t *Tunnel) stopping() bool {
	return t.ctx.Err() != nil
}

// release tears down everything the tunnel acquired, in order, then
// records the final state.  cause is nil for a requested stop.
func (t *Tunnel) release(cause error) {
	t.mu.Lock()
	t.releasing = true
	conn, ln, bound := t.conn, t.listener, t.bound
	relays := make([]*Relay, 0, len(t.relays))
	for r := range t.relays {
		relays = append(relays, r)
	}
	t.mu.Unlock()

	t.cancel()

	if bound && conn != nil {
		if err := conn.CancelRemoteBind(t.spec.BindHost, t.spec.BindPort); err != nil {
			t.logger.Debug("cancel remote bind: %v", err)
		}
	}
	if ln != nil {
		ln.Close()
	}
	if conn != nil {
		conn.Close()
	}
	for _, r := range relays {
		r.Close()
	}

	handlersDone := make(chan struct{})
	go func() {
		t.handlers.Wait()
		close(handlersDone)
	}()
	grace := time.NewTimer(t.opts.GracePeriod)
	select {
	case <-handlersDone:
	case <-grace.C:
		t.logger.Warn("connection handlers still running after %v", t.opts.GracePeriod)
	}
	grace.Stop()

	t.mu.Lock()
	if t.state == StateStopping {
		t.setStateLocked(StateStopped)
		t.logger.Info("stopped")
	} else if cause != nil && t.setStateLocked(StateFailed) {
		t.err = cause
		t.metrics.RecordError(cause.Error())
		t.logger.Error("failed (%s): %v", ncerr.KindOf(cause), cause)
	} else {
		// A worker that ends cleanly without a stop request only
		// happens when the parent context was cancelled.
		t.setStateLocked(StateStopping)
		t.setStateLocked(StateStopped)
		t.logger.Info("stopped")
	}
	t.mu.Unlock()
	close(t.done)
}

// ── relay tracking ───────────────────────────────────────────────────

// track registers r so release can close it.  It refuses once release
// has begun; the caller must then close both ends itself.
func (t *Tunnel) track(r *Relay) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.releasing {
		return false
	}
	t.relays[r] = struct{}{}
	return true
}

func (t *Tunnel) untrack(r *Relay) {
	t.mu.Lock()
	delete(t.relays, r)
	t.mu.Unlock()
}

// relay pairs two connections and runs them to completion.  origin is
// the connection that arrived; far is the one opened toward the target.
func (t *Tunnel) relay(origin, far net.Conn) {
	r := NewRelay(origin, far, t.opts.RateLimit)
	if !t.track(r) {
		r.Close()
		return
	}
	defer t.untrack(r)

	t.metrics.RelayStarted()
	start := time.Now()
	out, in, err := r.Run()
	t.metrics.RelayFinished(in, out)

	if err != nil {
		t.logger.Verbose("relay %s: %v", origin.RemoteAddr(), err)
		t.metrics.RecordError(err.Error())
	}
	t.logger.Verbose("connection %s closed after %v (out=%d in=%d)",
		origin.RemoteAddr(), time.Since(start).Truncate(time.Millisecond), out, in)
}

// ── Info ─────────────────────────────────────────────────────────────

// Info is a consistent point-in-time view of a tunnel.
type Info struct {
	ID           string           `json:"id"`
	Direction    string           `json:"direction"`
	Session      string           `json:"session"`
	Bind         string           `json:"bind"`
	Target       string           `json:"target"`
	State        string           `json:"state"`
	Error        string           `json:"error,omitempty"`
	ErrorKind    string           `json:"error_kind,omitempty"`
	StartedAt    time.Time        `json:"started_at"`
	ActiveRelays int              `json:"active_relays"`
	Metrics      metrics.Snapshot `json:"metrics"`
}

// Info returns a snapshot of the tunnel.
func (t *Tunnel) Info() Info {
	t.mu.Lock()
	info := Info{
		ID:           t.id,
		Direction:    t.spec.Direction.String(),
		Session:      t.spec.SessionRef,
		Bind:         t.spec.BindAddr(),
		Target:       t.spec.TargetAddr(),
		State:        t.state.String(),
		StartedAt:    t.started,
		ActiveRelays: len(t.relays),
	}
	if t.err != nil {
		info.Error = t.err.Error()
		info.ErrorKind = ncerr.KindOf(t.err).String()
	}
	t.mu.Unlock()

	info.Metrics = t.metrics.Snapshot()
	return info
}
