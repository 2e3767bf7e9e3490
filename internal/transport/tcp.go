package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPDialer reaches remote-forward targets over plain TCP.
type TCPDialer struct {
	// Timeout bounds each dial; zero leaves it to ctx.
	Timeout time.Duration
	// KeepAlive is the TCP keepalive period: 0 is the system default,
	// negative disables it.
	KeepAlive time.Duration
}

// Dial connects to address, giving up at Timeout or when ctx ends.
func (d *TCPDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}
	return nd.DialContext(ctx, network, address)
}

// Close is a no-op; TCPDialer holds nothing between dials.
func (d *TCPDialer) Close() error { return nil }

// ListenTCP binds the accept side of a local forward.  The concrete
// listener type is returned for SetDeadline, which accept loops use to
// notice a stop request.
func ListenTCP(ctx context.Context, address string) (*net.TCPListener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	tl, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("listen %s: got %T, want *net.TCPListener", address, ln)
	}
	return tl, nil
}
