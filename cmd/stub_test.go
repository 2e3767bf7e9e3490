package cmd

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	ncerr "sshfwd/internal/errors"
	"sshfwd/internal/session"
	"sshfwd/tunnel"
	"sshfwd/util"
)

// stubConnector hands out stubConns, or fails with err when set.
type stubConnector struct {
	err      error
	lifetime time.Duration // 0: the connection lives until closed
	calls    atomic.Int32
}

func (c *stubConnector) Connect(ctx context.Context, p *session.Params) (tunnel.Connection, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	conn := &stubConn{done: make(chan struct{})}
	if c.lifetime > 0 {
		time.AfterFunc(c.lifetime, func() { conn.kill(ncerr.Network("ssh", "stub", io.EOF)) })
	}
	return conn, nil
}

// stubConn is a Connection that never carries traffic.
type stubConn struct {
	done chan struct{}
	once sync.Once
	mu   sync.Mutex
	err  error
}

func (c *stubConn) kill(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *stubConn) OpenProxyChannel(string, int, net.Addr) (net.Conn, error) {
	return nil, ncerr.Wrap(ncerr.KindChannelOpen, "direct-tcpip", "stub", ncerr.New("refused"))
}

func (c *stubConn) RequestRemoteBind(string, int) error { return nil }

func (c *stubConn) AcceptIncoming(timeout time.Duration) (net.Conn, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.done:
		return nil, c.Err()
	case <-timer.C:
		return nil, nil
	}
}

func (c *stubConn) CancelRemoteBind(string, int) error { return nil }

func (c *stubConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *stubConn) Done() <-chan struct{} { return c.done }

func (c *stubConn) Close() error {
	c.kill(ncerr.Network("close", "stub", ncerr.ErrTunnelClosed))
	return nil
}

// ── helpers ──────────────────────────────────────────────────────────

func stubRegistry(c *stubConnector) *tunnel.Registry {
	dir := session.Static{"S": {Host: "stub.example", Username: "u", Password: "p"}}
	return tunnel.NewRegistry(dir, c, quietLogger(), tunnel.Options{
		PollInterval: 10 * time.Millisecond,
		StartWait:    time.Second,
		JoinTimeout:  2 * time.Second,
		GracePeriod:  time.Second,
	})
}

func remoteSpec(port int) tunnel.Spec {
	return tunnel.Spec{Direction: tunnel.Remote, SessionRef: "S", BindPort: port, TargetHost: "localhost", TargetPort: 80}
}

func quietLogger() *util.Logger {
	l := util.NewLogger(0)
	l.SetOutput(io.Discard)
	return l
}

func eventually(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) Contains(s string) bool {
	return strings.Contains(b.String(), s)
}
