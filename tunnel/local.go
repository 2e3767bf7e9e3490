package tunnel

import (
	"errors"
	"net"
	"time"

	ncerr "sshfwd/internal/errors"
)

// acceptLocal serves a Local tunnel until it is stopped or its listener
// or SSH transport breaks.  It returns nil for a requested stop.
func (t *Tunnel) acceptLocal() error {
	t.mu.Lock()
	ln, conn := t.listener, t.conn
	t.mu.Unlock()

	for {
		if t.stopping() {
			return nil
		}
		select {
		case <-conn.Done():
			if t.stopping() {
				return nil
			}
			return conn.Err()
		default:
		}

		// The deadline bounds each Accept so the loop notices Stop and
		// a dead transport within one poll interval.
		ln.SetDeadline(time.Now().Add(t.opts.PollInterval)) //nolint:errcheck
		client, err := ln.Accept()
		if err != nil {
			if t.stopping() {
				return nil
			}
			if ncerr.IsTimeout(err) {
				continue
			}
			if ncerr.IsTemporary(err) {
				t.logger.Warn("accept on %s: %v", t.spec.BindAddr(), err)
				continue
			}
			return ncerr.Network("accept", t.spec.BindAddr(), err)
		}

		t.handlers.Add(1)
		go t.handleLocal(client, conn)
	}
}

// handleLocal forwards one accepted client through a proxy channel.
// Any failure here closes only this client.
func (t *Tunnel) handleLocal(client net.Conn, conn Connection) {
	defer t.handlers.Done()

	origin := client.RemoteAddr()
	t.logger.Verbose("accepted %s", origin)

	var ch net.Conn
	open := func() error {
		var err error
		ch, err = conn.OpenProxyChannel(t.spec.TargetHost, t.spec.TargetPort, origin)
		return err
	}

	var err error
	if t.breaker != nil {
		err = t.breaker.Execute(open)
	} else {
		err = open()
	}
	if err != nil {
		client.Close()
		t.channelFailed(origin, err)
		return
	}

	t.relay(client, ch)
}

// channelFailed records a connection that could not be forwarded.
func (t *Tunnel) channelFailed(origin net.Addr, err error) {
	switch {
	case errors.Is(err, ncerr.ErrCircuitOpen):
		t.metrics.BreakerRejected()
		t.logger.Verbose("rejected %s: %v", origin, err)
	case ncerr.IsKind(err, ncerr.KindNetwork):
		// The transport is gone; the accept loop fails the tunnel.
		t.logger.Debug("dropping %s: %v", origin, err)
	default:
		t.metrics.ChannelFailure()
		t.metrics.RecordError(err.Error())
		t.logger.Warn("forwarding %s to %s: %v", origin, t.spec.TargetAddr(), err)
	}
}
