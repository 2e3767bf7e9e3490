package tunnel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"sshfwd/internal/session"
	"sshfwd/util"
)

// Registry is the catalog of live tunnels and the start/stop/list
// surface for callers.  Its lock guards the map only; no socket or
// channel I/O ever happens under it.
type Registry struct {
	dir       session.Directory
	connector Connector
	logger    *util.Logger
	opts      Options

	mu      sync.Mutex
	seq     uint64
	tunnels map[string]*entry
}

type entry struct {
	t        *Tunnel
	seq      uint64
	stopping bool // a Stop call owns this entry
}

// NewRegistry returns an empty registry.  Every tunnel it starts
// resolves its session through dir and connects with connector.
func NewRegistry(dir session.Directory, connector Connector, logger *util.Logger, opts Options) *Registry {
	if logger == nil {
		logger = util.NewLogger(0)
	}
	return &Registry{
		dir:       dir,
		connector: connector,
		logger:    logger,
		opts:      opts.withDefaults(),
		tunnels:   make(map[string]*entry),
	}
}

// StartLocal starts an ssh -L style tunnel.  See [Registry.Start].
func (r *Registry) StartLocal(ctx context.Context, sessionRef, bindHost string, bindPort int, targetHost string, targetPort int) (string, error) {
	return r.Start(ctx, Spec{
		Direction:  Local,
		SessionRef: sessionRef,
		BindHost:   bindHost,
		BindPort:   bindPort,
		TargetHost: targetHost,
		TargetPort: targetPort,
	})
}

// StartRemote starts an ssh -R style tunnel.  See [Registry.Start].
func (r *Registry) StartRemote(ctx context.Context, sessionRef, bindHost string, bindPort int, targetHost string, targetPort int) (string, error) {
	return r.Start(ctx, Spec{
		Direction:  Remote,
		SessionRef: sessionRef,
		BindHost:   bindHost,
		BindPort:   bindPort,
		TargetHost: targetHost,
		TargetPort: targetPort,
	})
}

// Start registers a tunnel for spec, starts it, and waits up to
// Options.StartWait for it to leave Starting.  ctx bounds the tunnel's
// whole life.
//
// An invalid spec is rejected before anything is registered.  Once
// registered the id is always returned, together with the tunnel's
// error if it already failed.  A tunnel still Starting when the wait
// ends is not an error.  Failed tunnels stay listed until Stop.
func (r *Registry) Start(ctx context.Context, spec Spec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", fmt.Errorf("invalid tunnel %s: %w", spec, err)
	}

	id := spec.Direction.Letter() + "-" + uuid.NewString()
	t := New(id, spec, r.dir, r.connector, r.logger, r.opts)

	r.mu.Lock()
	r.seq++
	r.tunnels[id] = &entry{t: t, seq: r.seq}
	r.mu.Unlock()

	r.logger.Verbose("registered %s: %s via %q", id, spec, spec.SessionRef)

	if err := t.Start(ctx); err != nil {
		return id, err
	}
	if t.waitLeaveStarting(r.opts.StartWait) == StateFailed {
		return id, t.Err()
	}
	return id, nil
}

// Stop stops the tunnel with the given id and removes it from the
// registry.  It returns false when id is unknown or another Stop call
// already owns it.
//
// The worker is joined for at most Options.JoinTimeout.  Until the
// tunnel has released its listener and connection the entry stays
// listed as Stopping, so a new tunnel cannot be handed the same
// address while the old one still holds it.
func (r *Registry) Stop(id string) bool {
	r.mu.Lock()
	e, ok := r.tunnels[id]
	if !ok || e.stopping {
		r.mu.Unlock()
		return false
	}
	e.stopping = true
	r.mu.Unlock()

	e.t.Stop()
	if e.t.Wait(r.opts.JoinTimeout) {
		r.remove(id)
		return true
	}

	r.logger.Warn("%s: still releasing after %v", id, r.opts.JoinTimeout)
	go func() {
		<-e.t.Done()
		r.remove(id)
	}()
	return true
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.tunnels, id)
	r.mu.Unlock()
}

// Get returns the tunnel with the given id.
func (r *Registry) Get(id string) (*Tunnel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tunnels[id]
	if !ok {
		return nil, false
	}
	return e.t, true
}

// List returns the registered tunnels in start order.  The slice is a
// snapshot; the tunnels themselves are live.
func (r *Registry) List() []*Tunnel {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.tunnels))
	for _, e := range r.tunnels {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]*Tunnel, len(entries))
	for i, e := range entries {
		out[i] = e.t
	}
	return out
}

// Infos returns a snapshot of every registered tunnel in start order.
func (r *Registry) Infos() []Info {
	tunnels := r.List()
	out := make([]Info, len(tunnels))
	for i, t := range tunnels {
		out[i] = t.Info()
	}
	return out
}

// Len returns the number of registered tunnels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tunnels)
}

// StopAll stops every registered tunnel concurrently, including those
// another caller is already stopping.  It reports the tunnels that had
// not released their resources within JoinTimeout.
func (r *Registry) StopAll() error {
	var g errgroup.Group
	for _, t := range r.List() {
		t := t
		g.Go(func() error {
			// Stop returns false when another caller already owns the
			// entry; that caller's release still gets JoinTimeout here.
			if !r.Stop(t.ID()) {
				t.Wait(r.opts.JoinTimeout)
			}
			select {
			case <-t.Done():
				return nil
			default:
				return fmt.Errorf("tunnel %s did not release within %v", t.ID(), r.opts.JoinTimeout)
			}
		})
	}
	return g.Wait()
}

// WaitAll blocks until every tunnel currently registered has reached a
// terminal state, or timeout elapses.
func (r *Registry) WaitAll(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for _, t := range r.List() {
		remaining := time.Until(deadline)
		if remaining <= 0 || !t.Wait(remaining) {
			return false
		}
	}
	return true
}
