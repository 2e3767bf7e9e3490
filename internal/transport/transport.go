// Package transport provides the plain-TCP edges of a tunnel: the
// listener a local forward accepts clients on and the dialer a remote
// forward uses to reach its target.  What travels over those sockets is
// the tunnel package's business.
package transport

import (
	"context"
	"net"
)

// Dialer opens outbound network connections.  The remote-forward
// worker dials targets through one, which lets tests substitute an
// in-memory implementation.
type Dialer interface {
	// Dial establishes a connection to the given network address.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases any long-lived resources held by the dialer.
	// Stateless dialers return nil.
	Close() error
}
