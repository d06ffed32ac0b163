// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package broker

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/euhmeuh/fxpq/net/transport"
	"github.com/euhmeuh/fxpq/types/logger"
)

// Role is the side of a link a connection plays.
type Role uint8

const (
	RoleClient Role = iota + 1 // dials out; reached by Up
	RoleServer                 // accepts peers; reached by Down
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	}
	return fmt.Sprintf("Role(%d)", uint8(r))
}

// State is the lifecycle state of a connection.
//
// A connection starts Disconnected, moves to Connecting while it dials
// or binds, and to Connected once it has a link (client) or a bound
// listener (server). A failed attempt or a lost link returns it to
// Disconnected.
type State uint32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return fmt.Sprintf("State(%d)", uint32(s))
}

// A Connection is one physical peer link owned by a Broker.
//
// The only implementations are *ClientConnection and
// *ServerConnection.
type Connection interface {
	// Role reports whether this is a client or a server connection.
	Role() Role
	// State reports the current lifecycle state.
	State() State
	// Addr is the address the connection dials or binds.
	Addr() string

	// attach sets the owning broker. It is called once, by Connect.
	attach(b *Broker)
	// listen runs the connection's dial or accept loop until ctx is
	// done. It runs on a goroutine of its own.
	listen(ctx context.Context) error
	// fetch asks the peer(s) for name and blocks for their answers,
	// one per peer in accept order. A peer that fails contributes nil.
	fetch(ctx context.Context, name string) ([]any, error)
	// send pushes v to the peer(s) without waiting.
	send(name string, v any)
	// notify forwards an event to the peer(s) without waiting.
	notify(name string, args []any)
}

// connBase holds what both connection roles share.
type connBase struct {
	role  Role
	addr  string
	net   *transport.Network
	b     *Broker
	logf  logger.Logf
	state atomic.Uint32
}

func (c *connBase) Role() Role     { return c.role }
func (c *connBase) Addr() string   { return c.addr }
func (c *connBase) State() State   { return State(c.state.Load()) }
func (c *connBase) String() string { return c.role.String() + "(" + c.addr + ")" }

func (c *connBase) attach(b *Broker) {
	if c.b != nil {
		panic(fmt.Sprintf("broker: %v connected to two brokers", c))
	}
	c.b = b
	c.logf = logger.WithPrefix(b.logf, c.String()+": ")
	var nw transport.Network
	if c.net != nil {
		nw = *c.net
	}
	if nw.Logf == nil {
		nw.Logf = c.logf
	}
	c.net = &nw
	connectionsGauge.WithLabelValues(c.role.String(), c.State().String()).Inc()
}

func (c *connBase) setState(s State) {
	old := State(c.state.Swap(uint32(s)))
	if old == s {
		return
	}
	connectionsGauge.WithLabelValues(c.role.String(), old.String()).Dec()
	connectionsGauge.WithLabelValues(c.role.String(), s.String()).Inc()
}

// detach drops the connection from the gauges when its broker closes.
func (c *connBase) detach() {
	connectionsGauge.WithLabelValues(c.role.String(), c.State().String()).Dec()
}
