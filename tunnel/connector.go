package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	ncerr "sshfwd/internal/errors"
	"sshfwd/internal/session"
	"sshfwd/util"
)

// Connector opens one authenticated SSH connection per call.  Each
// tunnel owns the Connection it gets and closes it exactly once.
type Connector interface {
	Connect(ctx context.Context, p *session.Params) (Connection, error)
}

// Connection is a live SSH transport as seen by a tunnel.
//
// Once the transport dies every method returns an error classified as
// [ncerr.KindNetwork]; Done is closed at the same moment.
type Connection interface {
	// OpenProxyChannel opens a direct-tcpip channel to target, tagged
	// with the address of the client that caused it.
	OpenProxyChannel(targetHost string, targetPort int, origin net.Addr) (net.Conn, error)

	// RequestRemoteBind asks the server to listen on bindHost:bindPort
	// and forward connections back over this transport.
	RequestRemoteBind(bindHost string, bindPort int) error

	// AcceptIncoming waits up to timeout for the next forwarded
	// connection.  It returns (nil, nil) when the timeout elapses.
	AcceptIncoming(timeout time.Duration) (net.Conn, error)

	// CancelRemoteBind withdraws a binding made by RequestRemoteBind.
	CancelRemoteBind(bindHost string, bindPort int) error

	Err() error
	Done() <-chan struct{}
	Close() error
}

// ── SSHConnector ─────────────────────────────────────────────────────

// SSHConnector implements [Connector] on golang.org/x/crypto/ssh.
type SSHConnector struct {
	// StrictHostKey verifies server keys against KnownHosts.  When
	// false any host key is accepted.
	StrictHostKey bool
	KnownHosts    string // default ~/.ssh/known_hosts

	Timeout        time.Duration // TCP connect + handshake (default 10s)
	KeepAlive      time.Duration // keepalive interval, <0 disables (default 30s)
	RequestTimeout time.Duration // global request reply timeout (default 10s)

	// Prompt allows reading a missing password or key passphrase from
	// the controlling terminal.
	Prompt bool

	Logger *util.Logger
}

func (c *SSHConnector) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 10 * time.Second
}

func (c *SSHConnector) logger() *util.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return util.NewLogger(0)
}

// Connect dials p, completes the SSH handshake and starts the
// connection's keepalive and monitor goroutines.
func (c *SSHConnector) Connect(ctx context.Context, p *session.Params) (Connection, error) {
	log := c.logger()
	if err := p.Validate(); err != nil {
		return nil, ncerr.Wrap(ncerr.KindSessionNotFound, "connect", p.Host, err)
	}
	addr := p.Addr()

	authMethods, err := BuildAuthMethods(p, c.Prompt)
	if err != nil {
		return nil, ncerr.Wrap(ncerr.KindAuthentication, "auth", addr, err)
	}

	hkCallback, err := hostKeyCallback(c.StrictHostKey, c.KnownHosts)
	if err != nil {
		return nil, ncerr.Wrap(ncerr.KindProtocol, "hostkey", addr, err)
	}

	timeout := c.timeout()
	sshCfg := &ssh.ClientConfig{
		User:            p.Username,
		Auth:            authMethods,
		HostKeyCallback: hkCallback,
		Timeout:         timeout,
		BannerCallback: func(message string) error {
			log.Verbose("banner from %s: %s", addr, strings.TrimSpace(message))
			return nil
		},
	}

	log.Debug("SSH: dialing %s as %s (%s auth)", addr, p.Username, p.AuthMethod)

	dialer := net.Dialer{Timeout: timeout}
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, ncerr.Network("dial", addr, err)
	}

	// Bound the handshake by the same timeout and by ctx.
	tcpConn.SetDeadline(time.Now().Add(timeout)) //nolint:errcheck
	stop := context.AfterFunc(ctx, func() { tcpConn.Close() })
	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, sshCfg)
	stopped := stop()
	if err != nil {
		tcpConn.Close()
		if !stopped || ctx.Err() != nil {
			return nil, ncerr.Network("handshake", addr, context.Cause(ctx))
		}
		return nil, classifyHandshake(addr, err)
	}
	if !stopped {
		sshConn.Close()
		return nil, ncerr.Network("handshake", addr, context.Cause(ctx))
	}
	tcpConn.SetDeadline(time.Time{}) //nolint:errcheck

	client := ssh.NewClient(sshConn, chans, reqs)
	log.Debug("SSH: connected to %s (server %s)", addr, sshConn.ServerVersion())

	reqTimeout := c.RequestTimeout
	if reqTimeout <= 0 {
		reqTimeout = 10 * time.Second
	}
	conn := &sshConnection{
		client:         client,
		addr:           addr,
		requestTimeout: reqTimeout,
		logger:         log,
		done:           make(chan struct{}),
	}
	go conn.monitor()

	keepAlive := c.KeepAlive
	if keepAlive == 0 {
		keepAlive = 30 * time.Second
	}
	if keepAlive > 0 {
		go conn.keepaliveLoop(keepAlive)
	}
	return conn, nil
}

// classifyHandshake maps a failed ssh.NewClientConn to an error kind.
func classifyHandshake(addr string, err error) error {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) || strings.Contains(err.Error(), "knownhosts: key") {
		return ncerr.Wrap(ncerr.KindProtocol, "hostkey", addr,
			fmt.Errorf("%w: %v", ncerr.ErrHostKeyMismatch, err))
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		return ncerr.Wrap(ncerr.KindAuthentication, "auth", addr,
			fmt.Errorf("%w: %v", ncerr.ErrAuthFailed, err))
	}
	if ncerr.IsTimeout(err) || strings.Contains(err.Error(), "i/o timeout") {
		return ncerr.Network("handshake", addr, err)
	}
	return ncerr.Wrap(ncerr.KindProtocol, "handshake", addr, err)
}

// ── sshConnection ────────────────────────────────────────────────────

type sshConnection struct {
	client         *ssh.Client
	addr           string
	requestTimeout time.Duration
	logger         *util.Logger

	fwdOnce  sync.Once
	incoming <-chan ssh.NewChannel

	mu        sync.Mutex
	err       error
	done      chan struct{}
	closeOnce sync.Once
}

// fail records the first transport error and tears the client down.
func (c *sshConnection) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.client.Close()
}

// monitor blocks until the SSH connection ends.
func (c *sshConnection) monitor() {
	err := c.client.Wait()
	if err == nil {
		err = io.EOF
	}
	c.mu.Lock()
	if c.err == nil {
		c.err = ncerr.Network("ssh", c.addr, err)
	}
	c.mu.Unlock()
	close(c.done)
	c.logger.Debug("SSH: connection to %s ended: %v", c.addr, err)
}

func (c *sshConnection) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if _, _, err := c.request(reqKeepAlive, true, nil); err != nil {
				c.logger.Warn("SSH keepalive to %s failed: %v", c.addr, err)
				c.fail(ncerr.Network("keepalive", c.addr, err))
				return
			}
			c.logger.Debug("SSH keepalive OK")
		}
	}
}

// request sends a global request and waits at most requestTimeout for
// the reply.
func (c *sshConnection) request(name string, wantReply bool, payload []byte) (bool, []byte, error) {
	type reply struct {
		ok   bool
		data []byte
		err  error
	}
	ch := make(chan reply, 1)
	go func() {
		ok, data, err := c.client.SendRequest(name, wantReply, payload)
		ch <- reply{ok, data, err}
	}()

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.ok, r.data, r.err
	case <-c.done:
		return false, nil, c.Err()
	case <-timer.C:
		return false, nil, fmt.Errorf("%s: %w", name, ncerr.ErrTimeout)
	}
}

func (c *sshConnection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *sshConnection) Done() <-chan struct{} { return c.done }

func (c *sshConnection) alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *sshConnection) OpenProxyChannel(targetHost string, targetPort int, origin net.Addr) (net.Conn, error) {
	target := util.FormatAddr(targetHost, targetPort)
	if !c.alive() {
		return nil, c.Err()
	}

	ep := newEndpoints(targetHost, targetPort, origin)
	ch, reqs, err := c.client.OpenChannel(chanDirectTCPIP, ssh.Marshal(&ep))
	if err != nil {
		// A refusal is the target's problem; anything else may be the
		// transport going away underneath us.
		var refused *ssh.OpenChannelError
		if !errors.As(err, &refused) && !c.alive() {
			return nil, c.Err()
		}
		return nil, ncerr.Wrap(ncerr.KindChannelOpen, "open", target, err)
	}
	go ssh.DiscardRequests(reqs)

	return &chanConn{Channel: ch, laddr: c.client.LocalAddr(), raddr: ep.dest()}, nil
}

func (c *sshConnection) RequestRemoteBind(bindHost string, bindPort int) error {
	bind := util.FormatAddr(bindHost, bindPort)

	// Take forwarded-tcpip ourselves rather than using Client.Listen:
	// servers may report a bind address that differs from the one we
	// sent, and Client.Listen rejects such channels.
	c.fwdOnce.Do(func() {
		c.incoming = c.client.HandleChannelOpen(chanForwardedTCPIP)
	})
	if c.incoming == nil {
		return ncerr.Wrap(ncerr.KindProtocol, reqTCPIPForward, bind,
			fmt.Errorf("%s handler already registered", chanForwardedTCPIP))
	}

	ok, _, err := c.request(reqTCPIPForward, true, newForwardRequest(bindHost, bindPort))
	if err != nil {
		if ncerr.KindOf(err) != ncerr.KindUnknown {
			return err
		}
		return ncerr.Network(reqTCPIPForward, bind, err)
	}
	if !ok {
		return ncerr.Wrap(ncerr.KindRemoteBindRejected, reqTCPIPForward, bind, ncerr.ErrBindRejected)
	}
	return nil
}

func (c *sshConnection) AcceptIncoming(timeout time.Duration) (net.Conn, error) {
	if c.incoming == nil {
		return nil, ncerr.Wrap(ncerr.KindProtocol, "accept", c.addr, ncerr.ErrNoRemoteBind)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case newCh, ok := <-c.incoming:
		if !ok {
			<-c.done
			return nil, c.Err()
		}
		var ep tcpipEndpoints
		if err := ssh.Unmarshal(newCh.ExtraData(), &ep); err != nil {
			newCh.Reject(ssh.ConnectionFailed, "malformed forwarded-tcpip payload") //nolint:errcheck
			return nil, ncerr.Wrap(ncerr.KindChannelOpen, "accept", c.addr, err)
		}
		ch, reqs, err := newCh.Accept()
		if err != nil {
			return nil, ncerr.Wrap(ncerr.KindChannelOpen, "accept", c.addr, err)
		}
		go ssh.DiscardRequests(reqs)

		return &chanConn{Channel: ch, laddr: ep.dest(), raddr: ep.origin()}, nil
	case <-c.done:
		return nil, c.Err()
	case <-timer.C:
		return nil, nil
	}
}

func (c *sshConnection) CancelRemoteBind(bindHost string, bindPort int) error {
	if !c.alive() {
		return c.Err()
	}
	ok, _, err := c.request(reqCancelForward, true, newForwardRequest(bindHost, bindPort))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s %s: refused by server", reqCancelForward,
			util.FormatAddr(bindHost, bindPort))
	}
	return nil
}

// Close shuts the SSH connection down.  Safe to call more than once.
func (c *sshConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.err == nil {
			c.err = ncerr.Network("ssh", c.addr, ncerr.ErrTunnelClosed)
		}
		c.mu.Unlock()
		err = c.client.Close()
		<-c.done
	})
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
