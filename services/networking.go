// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package services

import (
	"time"

	"github.com/euhmeuh/fxpq/broker"
	"github.com/euhmeuh/fxpq/net/transport"
	"github.com/euhmeuh/fxpq/types/logger"
	"github.com/euhmeuh/fxpq/util/backoff"
)

// NetworkingService connects the node to an upstream peer.
//
// With a non-zero MaxBackoff the connection redials by itself after a
// failure, backing off exponentially up to MaxBackoff. Otherwise it
// stays down until Reconnect is called.
type NetworkingService struct {
	Upstream   string             // peer address, such as "tcp://master:7000"
	Network    *transport.Network // or nil for the default
	MaxBackoff time.Duration
	Logf       logger.Logf // or nil to discard

	conn      *broker.ClientConnection
	connected bool
	lastErr   error
}

// Subscribe implements app.Service.
func (n *NetworkingService) Subscribe(b *broker.Broker) {
	logf := logger.WithPrefix(logger.OrDiscard(n.Logf), "net: ")
	n.conn = broker.NewClient(n.Upstream, n.Network)
	if n.MaxBackoff > 0 {
		bo := backoff.NewBackoff("redial "+n.Upstream, logf, n.MaxBackoff)
		bo.LogLongerThan = time.Second
		n.conn.SetBackoff(bo)
	}
	b.On("client-connected", func(_ *broker.Broker, args ...any) {
		if c, ok := firstArg[broker.Connection](args); !ok || c != broker.Connection(n.conn) {
			return
		}
		n.connected, n.lastErr = true, nil
		logf("connected to %s", n.Upstream)
	})
	b.On("connection-failed", func(_ *broker.Broker, args ...any) {
		if c, ok := firstArg[broker.Connection](args); !ok || c != broker.Connection(n.conn) {
			return
		}
		n.connected = false
		if len(args) > 1 {
			n.lastErr, _ = args[1].(error)
		}
		logf("upstream %s: %v", n.Upstream, n.lastErr)
	})
	b.Connect(n.conn)
}

// Connection returns the upstream connection, once subscribed.
func (n *NetworkingService) Connection() *broker.ClientConnection { return n.conn }

// Connected reports whether the upstream link is up, as last seen on
// the owner goroutine.
func (n *NetworkingService) Connected() bool { return n.connected }

// LastErr returns the error the upstream link last failed with.
func (n *NetworkingService) LastErr() error { return n.lastErr }

// Reconnect asks a down connection to dial again.
func (n *NetworkingService) Reconnect() { n.conn.Reconnect() }

// ListenService makes the node accept peers on an address.
type ListenService struct {
	Addr    string             // address to bind, such as "ws://:7001/fxpq"
	Network *transport.Network // or nil for the default
	Logf    logger.Logf        // or nil to discard

	conn *broker.ServerConnection
}

// Subscribe implements app.Service.
func (l *ListenService) Subscribe(b *broker.Broker) {
	logf := logger.WithPrefix(logger.OrDiscard(l.Logf), "listen: ")
	l.conn = broker.NewServer(l.Addr, l.Network)
	b.On("connection-failed", func(_ *broker.Broker, args ...any) {
		if c, ok := firstArg[broker.Connection](args); ok && c == broker.Connection(l.conn) && len(args) > 1 {
			logf("cannot listen on %s: %v", l.Addr, args[1])
		}
	})
	b.Connect(l.conn)
}

// Connection returns the server connection, once subscribed.
func (l *ListenService) Connection() *broker.ServerConnection { return l.conn }
