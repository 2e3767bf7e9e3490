package tunnel

import (
	"context"
	"net"

	ncerr "sshfwd/internal/errors"
)

// acceptRemote serves a Remote tunnel by polling the connection for
// forwarded channels.  It returns nil for a requested stop.
func (t *Tunnel) acceptRemote() error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	for {
		if t.stopping() {
			return nil
		}

		ch, err := conn.AcceptIncoming(t.opts.PollInterval)
		if err != nil {
			if t.stopping() {
				return nil
			}
			if !ncerr.IsFatal(err) {
				t.metrics.ChannelFailure()
				t.logger.Warn("incoming channel: %v", err)
				continue
			}
			return err
		}
		if ch == nil {
			continue
		}

		t.handlers.Add(1)
		go t.handleRemote(ch)
	}
}

// handleRemote connects one forwarded channel to the local target.
// Any failure here closes only this channel.
func (t *Tunnel) handleRemote(ch net.Conn) {
	defer t.handlers.Done()

	origin := ch.RemoteAddr()
	t.logger.Verbose("forwarded connection from %s", origin)

	var target net.Conn
	dial := func() error {
		ctx, cancel := context.WithTimeout(t.ctx, t.opts.DialTimeout)
		defer cancel()
		var err error
		target, err = t.opts.Dialer.Dial(ctx, "tcp", t.spec.TargetAddr())
		if err != nil {
			return ncerr.Wrap(ncerr.KindChannelOpen, "dial", t.spec.TargetAddr(), err)
		}
		return nil
	}

	var err error
	if t.breaker != nil {
		err = t.breaker.Execute(dial)
	} else {
		err = dial()
	}
	if err != nil {
		ch.Close()
		if t.stopping() {
			return
		}
		t.channelFailed(origin, err)
		return
	}

	t.relay(ch, target)
}
