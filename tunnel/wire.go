package tunnel

import (
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"sshfwd/util"
)

// SSH connection-protocol names (RFC 4254 §7).
const (
	chanDirectTCPIP    = "direct-tcpip"
	chanForwardedTCPIP = "forwarded-tcpip"
	reqTCPIPForward    = "tcpip-forward"
	reqCancelForward   = "cancel-tcpip-forward"
	reqKeepAlive       = "keepalive@openssh.com"
)

// tcpipEndpoints is the extra data of both direct-tcpip and
// forwarded-tcpip channel opens: where the bytes go, then where they
// came from.
type tcpipEndpoints struct {
	Host       string
	Port       uint32
	OriginHost string
	OriginPort uint32
}

func newEndpoints(host string, port int, origin net.Addr) tcpipEndpoints {
	oh, op := util.SplitAddr(origin)
	return tcpipEndpoints{Host: host, Port: uint32(port), OriginHost: oh, OriginPort: uint32(op)}
}

func (e tcpipEndpoints) dest() net.Addr   { return hostAddr{e.Host, int(e.Port)} }
func (e tcpipEndpoints) origin() net.Addr { return hostAddr{e.OriginHost, int(e.OriginPort)} }

// forwardRequest is the body of tcpip-forward and cancel-tcpip-forward.
type forwardRequest struct {
	Host string
	Port uint32
}

func newForwardRequest(host string, port int) []byte {
	return ssh.Marshal(&forwardRequest{Host: host, Port: uint32(port)})
}

// hostAddr keeps a host name as given, where net.TCPAddr would need an
// IP literal.
type hostAddr struct {
	host string
	port int
}

func (a hostAddr) Network() string { return "tcp" }
func (a hostAddr) String() string  { return util.FormatAddr(a.host, a.port) }

// ── chanConn ─────────────────────────────────────────────────────────

// chanConn presents an [ssh.Channel] as a [net.Conn].  Channels have no
// deadlines, so relays are unblocked by Close.  CloseWrite sends EOF on
// the channel, letting a relay pass a client's half-close through.
type chanConn struct {
	ssh.Channel
	laddr net.Addr
	raddr net.Addr
}

func (c *chanConn) CloseWrite() error                { return c.Channel.CloseWrite() }
func (c *chanConn) LocalAddr() net.Addr              { return c.laddr }
func (c *chanConn) RemoteAddr() net.Addr             { return c.raddr }
func (c *chanConn) SetDeadline(time.Time) error      { return nil }
func (c *chanConn) SetReadDeadline(time.Time) error  { return nil }
func (c *chanConn) SetWriteDeadline(time.Time) error { return nil }
