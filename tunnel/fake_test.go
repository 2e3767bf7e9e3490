package tunnel

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	ncerr "sshfwd/internal/errors"
	"sshfwd/internal/session"
)

// fakeConnector hands out fakeConns without any network.
type fakeConnector struct {
	// connect, when set, replaces the default behaviour.
	connect func(ctx context.Context, p *session.Params) (Connection, error)

	mu    sync.Mutex
	conns []*fakeConn
	calls atomic.Int32
}

func (f *fakeConnector) Connect(ctx context.Context, p *session.Params) (Connection, error) {
	f.calls.Add(1)
	if f.connect != nil {
		return f.connect(ctx, p)
	}
	c := newFakeConn()
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	return c, nil
}

func (f *fakeConnector) last() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

// fakeConn is an in-memory Connection.  Proxy channels are served by
// open; incoming channels are injected with push.
type fakeConn struct {
	openMu  sync.Mutex
	open    func(host string, port int, origin net.Addr) (net.Conn, error)
	bindErr error
	// closeDelay makes Close slow, as a server that is slow to answer
	// the disconnect would.
	closeDelay time.Duration

	incoming chan net.Conn
	done     chan struct{}
	once     sync.Once

	mu  sync.Mutex
	err error

	closed     atomic.Int32
	binds      atomic.Int32
	cancelled  atomic.Int32
	openCalled atomic.Int32
}

func newFakeConn() *fakeConn {
	c := &fakeConn{incoming: make(chan net.Conn), done: make(chan struct{})}
	c.open = func(string, int, net.Addr) (net.Conn, error) {
		// Default: an echo peer on the far end of a pipe.
		near, far := net.Pipe()
		go func() {
			defer far.Close()
			io.Copy(far, far) //nolint:errcheck
		}()
		return near, nil
	}
	return c
}

// die simulates the transport dropping.
func (c *fakeConn) die() {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = ncerr.Network("ssh", "fake", io.EOF)
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *fakeConn) OpenProxyChannel(host string, port int, origin net.Addr) (net.Conn, error) {
	c.openCalled.Add(1)
	select {
	case <-c.done:
		return nil, c.Err()
	default:
	}
	c.openMu.Lock()
	open := c.open
	c.openMu.Unlock()
	return open(host, port, origin)
}

// setOpen swaps the proxy channel behaviour and returns the old one.
func (c *fakeConn) setOpen(fn func(host string, port int, origin net.Addr) (net.Conn, error)) func(string, int, net.Addr) (net.Conn, error) {
	c.openMu.Lock()
	defer c.openMu.Unlock()
	prev := c.open
	c.open = fn
	return prev
}

func (c *fakeConn) RequestRemoteBind(string, int) error {
	c.binds.Add(1)
	return c.bindErr
}

func (c *fakeConn) AcceptIncoming(timeout time.Duration) (net.Conn, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ch := <-c.incoming:
		return ch, nil
	case <-c.done:
		return nil, c.Err()
	case <-timer.C:
		return nil, nil
	}
}

// push delivers one forwarded channel and returns the server side.
func (c *fakeConn) push() net.Conn {
	near, far := net.Pipe()
	c.incoming <- near
	return far
}

func (c *fakeConn) CancelRemoteBind(string, int) error {
	c.cancelled.Add(1)
	return nil
}

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) Close() error {
	c.closed.Add(1)
	time.Sleep(c.closeDelay)
	c.die()
	return nil
}

// pipeDialer is a transport.Dialer that answers every Dial with an
// echo peer, or with err when set.
type pipeDialer struct {
	err   error
	dials atomic.Int32
}

func (d *pipeDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	d.dials.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	near, far := net.Pipe()
	go func() {
		defer far.Close()
		io.Copy(far, far) //nolint:errcheck
	}()
	return near, nil
}

func (d *pipeDialer) Close() error { return nil }

// testSessions is a directory with a single session "S".
func testSessions() session.Static {
	return session.Static{
		"S": {Host: "fake.example", Username: "u", Password: "p"},
	}
}
