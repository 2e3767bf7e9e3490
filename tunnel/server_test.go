package tunnel

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"sshfwd/internal/session"
	"sshfwd/util"
)

const (
	testUser     = "tester"
	testPassword = "secret"
)

// testServer is a minimal in-process SSH server that supports
// direct-tcpip channels and tcpip-forward / cancel-tcpip-forward
// global requests, enough to exercise both tunnel directions.
type testServer struct {
	t      *testing.T
	ln     net.Listener
	config *ssh.ServerConfig

	mu         sync.Mutex
	conns      []*ssh.ServerConn
	rejectBind bool
	forwards   map[string]net.Listener
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == testUser && string(pass) == testPassword {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	s := &testServer{t: t, ln: ln, config: cfg, forwards: make(map[string]net.Listener)}
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// params returns session parameters that authenticate against s.
func (s *testServer) params() session.Params {
	addr := s.ln.Addr().(*net.TCPAddr)
	return session.Params{
		Host:       "127.0.0.1",
		Port:       addr.Port,
		Username:   testUser,
		AuthMethod: session.AuthPassword,
		Password:   testPassword,
	}
}

func (s *testServer) setRejectBind(v bool) {
	s.mu.Lock()
	s.rejectBind = v
	s.mu.Unlock()
}

// dropConnections kills every client connection from the server side.
func (s *testServer) dropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (s *testServer) Close() {
	s.ln.Close()
	s.dropConnections()
	s.mu.Lock()
	for k, l := range s.forwards {
		l.Close()
		delete(s.forwards, k)
	}
	s.mu.Unlock()
}

func (s *testServer) serve() {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(nc)
	}
}

func (s *testServer) handle(nc net.Conn) {
	sconn, chans, reqs, err := ssh.NewServerConn(nc, s.config)
	if err != nil {
		nc.Close()
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, sconn)
	s.mu.Unlock()

	owned := make(map[string]net.Listener)
	var ownedMu sync.Mutex
	go s.handleGlobal(sconn, reqs, owned, &ownedMu)

	for newCh := range chans {
		if newCh.ChannelType() != chanDirectTCPIP {
			newCh.Reject(ssh.UnknownChannelType, "unsupported") //nolint:errcheck
			continue
		}
		var p tcpipEndpoints
		if err := ssh.Unmarshal(newCh.ExtraData(), &p); err != nil {
			newCh.Reject(ssh.ConnectionFailed, "bad payload") //nolint:errcheck
			continue
		}
		target, err := net.DialTimeout("tcp", p.dest().String(), time.Second)
		if err != nil {
			newCh.Reject(ssh.ConnectionFailed, err.Error()) //nolint:errcheck
			continue
		}
		ch, creqs, err := newCh.Accept()
		if err != nil {
			target.Close()
			continue
		}
		go ssh.DiscardRequests(creqs)
		go pipeBoth(ch, target)
	}

	// Connection gone: release its remote forwards like sshd does.
	ownedMu.Lock()
	for k, l := range owned {
		l.Close()
		s.mu.Lock()
		delete(s.forwards, k)
		s.mu.Unlock()
	}
	ownedMu.Unlock()
}

func (s *testServer) handleGlobal(sconn *ssh.ServerConn, reqs <-chan *ssh.Request, owned map[string]net.Listener, ownedMu *sync.Mutex) {
	for req := range reqs {
		switch req.Type {
		case reqTCPIPForward:
			var m forwardRequest
			if err := ssh.Unmarshal(req.Payload, &m); err != nil {
				req.Reply(false, nil) //nolint:errcheck
				continue
			}
			s.mu.Lock()
			reject := s.rejectBind
			s.mu.Unlock()
			if reject {
				req.Reply(false, nil) //nolint:errcheck
				continue
			}
			key := util.FormatAddr(m.Host, int(m.Port))
			ln, err := net.Listen("tcp", key)
			if err != nil {
				req.Reply(false, nil) //nolint:errcheck
				continue
			}
			ownedMu.Lock()
			owned[key] = ln
			ownedMu.Unlock()
			s.mu.Lock()
			s.forwards[key] = ln
			s.mu.Unlock()
			req.Reply(true, nil) //nolint:errcheck
			go s.forwardLoop(sconn, m, ln)

		case reqCancelForward:
			var m forwardRequest
			ssh.Unmarshal(req.Payload, &m) //nolint:errcheck
			key := util.FormatAddr(m.Host, int(m.Port))
			ownedMu.Lock()
			ln, ok := owned[key]
			delete(owned, key)
			ownedMu.Unlock()
			if ok {
				ln.Close()
				s.mu.Lock()
				delete(s.forwards, key)
				s.mu.Unlock()
			}
			req.Reply(ok, nil) //nolint:errcheck

		default:
			if req.WantReply {
				req.Reply(false, nil) //nolint:errcheck
			}
		}
	}
}

// forwardLoop accepts on a remote-forward listener and opens a
// forwarded-tcpip channel back to the client for each connection.
func (s *testServer) forwardLoop(sconn *ssh.ServerConn, m forwardRequest, ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		go func(c net.Conn) {
			payload := newEndpoints(m.Host, int(m.Port), c.RemoteAddr())
			ch, reqs, err := sconn.OpenChannel(chanForwardedTCPIP, ssh.Marshal(&payload))
			if err != nil {
				c.Close()
				return
			}
			go ssh.DiscardRequests(reqs)
			pipeBoth(ch, c)
		}(c)
	}
}

// pipeBoth copies in both directions the way sshd does: an EOF in one
// direction is passed on as a half-close, and both ends are closed once
// both directions are done.
func pipeBoth(a, b io.ReadWriteCloser) {
	var wg sync.WaitGroup
	half := func(dst io.WriteCloser, src io.Reader) {
		defer wg.Done()
		io.Copy(dst, src) //nolint:errcheck
		if hc, ok := dst.(interface{ CloseWrite() error }); ok {
			hc.CloseWrite() //nolint:errcheck
		} else {
			dst.Close()
		}
	}
	wg.Add(2)
	go half(a, b)
	half(b, a)
	wg.Wait()
	a.Close()
	b.Close()
}

// ── shared helpers ───────────────────────────────────────────────────

// startEcho runs a TCP echo server and returns its address.
func startEcho(t *testing.T) *net.TCPAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c) //nolint:errcheck
			}(c)
		}
	}()
	return ln.Addr().(*net.TCPAddr)
}

// closedPort returns a loopback port with nothing listening on it.
func closedPort(t *testing.T) int {
	t.Helper()
	port, err := util.FindFreePort()
	if err != nil {
		t.Fatal(err)
	}
	return port
}

// echoRoundTrip writes msg to addr and expects it back unchanged.
func echoRoundTrip(t *testing.T, addr string, msg string) {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	defer c.Close()
	c.SetDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck

	if _, err := c.Write([]byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != msg {
		t.Fatalf("got %q, want %q", buf, msg)
	}
}

// eventually polls cond until it holds or timeout elapses.
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

// quietLogger discards everything below error level and errors too.
func quietLogger() *util.Logger {
	l := util.NewLogger(0)
	l.SetOutput(io.Discard)
	return l
}

// fastOptions keeps tests snappy.
func fastOptions() Options {
	return Options{
		PollInterval: 20 * time.Millisecond,
		StartWait:    5 * time.Second,
		JoinTimeout:  5 * time.Second,
		GracePeriod:  2 * time.Second,
		DialTimeout:  2 * time.Second,
	}
}

// sshConnector returns a connector suitable for the in-process server.
func sshConnector() *SSHConnector {
	return &SSHConnector{
		Timeout:        5 * time.Second,
		KeepAlive:      -1,
		RequestTimeout: 2 * time.Second,
		Logger:         quietLogger(),
	}
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

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
