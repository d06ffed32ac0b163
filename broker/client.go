// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package broker

import (
	"context"
	"fmt"
	"net"

	"github.com/euhmeuh/fxpq/net/transport"
	"github.com/euhmeuh/fxpq/syncs"
	"github.com/euhmeuh/fxpq/util/backoff"
)

// ClientConnection dials one upstream peer. Requests the peer sends
// over it are handed to the broker with direction Down.
//
// On a successful dial the broker emits "client-connected" (conn). A
// failed dial, or the loss of an established link, emits
// "connection-failed" (conn, err) and leaves the connection
// Disconnected. It then waits for Reconnect, or redials on its own if
// it was given a Backoff.
type ClientConnection struct {
	connBase

	backoff *backoff.Backoff // or nil
	redial  chan struct{}    // 1-buffered
	sess    syncs.AtomicValue[*session]
}

// NewClient returns a client connection to addr, dialed through nw (or
// a default Network if nil).
func NewClient(addr string, nw *transport.Network) *ClientConnection {
	return &ClientConnection{
		connBase: connBase{role: RoleClient, addr: addr, net: nw},
		redial:   make(chan struct{}, 1),
	}
}

// SetBackoff makes the connection redial by itself after failures,
// sleeping according to b between attempts. It must be called before
// the connection is connected to a broker.
func (c *ClientConnection) SetBackoff(b *backoff.Backoff) {
	c.backoff = b
}

// Reconnect asks a disconnected connection to dial again. It does not
// block and has no effect while a link is up.
func (c *ClientConnection) Reconnect() {
	select {
	case c.redial <- struct{}{}:
	default:
	}
}

func (c *ClientConnection) listen(ctx context.Context) error {
	for {
		var conn net.Conn
		dial := func() (err error) {
			conn, err = c.dial(ctx)
			return err
		}
		if c.backoff != nil {
			report := func(err error) error {
				c.dialFailed(ctx, err, c.backoff.Failures()+1)
				return nil
			}
			if err := c.backoff.Retry(ctx, dial, report); err != nil {
				return nil // ctx done
			}
		} else if err := dial(); err != nil {
			c.dialFailed(ctx, err, 1)
			if !c.waitRedial(ctx) {
				return nil
			}
			continue
		}

		err := c.serve(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		if c.backoff != nil {
			// Pause before redialing a link that just dropped.
			c.backoff.BackOff(ctx, err)
		} else if !c.waitRedial(ctx) {
			return nil
		}
	}
}

// waitRedial waits for Reconnect. It reports false if ctx ended first.
func (c *ClientConnection) waitRedial(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.redial:
		return true
	}
}

// dial makes one connection attempt.
func (c *ClientConnection) dial(ctx context.Context) (net.Conn, error) {
	// Drop a stale kick so a Reconnect during this attempt is not
	// mistaken for a request to redial after it.
	select {
	case <-c.redial:
	default:
	}

	c.setState(StateConnecting)
	conn, err := c.net.Dial(ctx, c.addr)
	if err != nil {
		c.setState(StateDisconnected)
		return nil, err
	}
	return conn, nil
}

// dialFailed logs and emits the failure of dial attempt n.
func (c *ClientConnection) dialFailed(ctx context.Context, err error, n int) {
	if ctx.Err() != nil {
		return
	}
	c.b.failDialf("dial %v (attempt %d): %v", c.addr, n, err)
	c.b.Post(func() { c.b.Emit("connection-failed", c, err) })
}

// serve runs the link on conn until it ends and reports why it did.
func (c *ClientConnection) serve(ctx context.Context, conn net.Conn) error {
	s := newSession(c.b, conn, Down, c.logf)
	c.sess.Store(s)
	c.setState(StateConnected)
	c.logf("connected to %v", c.addr)
	c.b.Post(func() { c.b.Emit("client-connected", c) })

	err := s.run(ctx)
	c.sess.Store(nil)
	c.setState(StateDisconnected)
	if ctx.Err() != nil {
		return nil
	}
	if err == nil {
		err = errSessionClosed
	}
	err = fmt.Errorf("connection lost: %w", err)
	c.logf("%v", err)
	c.b.Post(func() { c.b.Emit("connection-failed", c, err) })
	return err
}

func (c *ClientConnection) session() (*session, error) {
	s := c.sess.Load()
	if s == nil {
		return nil, fmt.Errorf("%v: %w", c, ErrNotConnected)
	}
	return s, nil
}

func (c *ClientConnection) fetch(ctx context.Context, name string) ([]any, error) {
	s, err := c.session()
	if err != nil {
		return nil, err
	}
	v, err := s.fetch(ctx, name)
	if err != nil {
		return nil, err
	}
	return []any{v}, nil
}

func (c *ClientConnection) send(name string, v any) {
	if s, err := c.session(); err == nil {
		s.send(name, v)
	} else {
		c.b.remoteErrorf("send", "send %q: %v", name, err)
	}
}

func (c *ClientConnection) notify(name string, args []any) {
	if s, err := c.session(); err == nil {
		s.notify(name, args)
	} else {
		c.b.remoteErrorf("notify", "notify %q: %v", name, err)
	}
}
