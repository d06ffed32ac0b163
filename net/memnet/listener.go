// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package memnet implements an in-memory network, for connecting
// brokers that live in the same process and for tests.
package memnet

import (
	"context"
	"net"
	"sync"
)

// NewConn returns a pair of connected in-memory connections.
// Writes on one end block until the other end reads them.
func NewConn(name string) (client, server net.Conn) {
	return net.Pipe()
}

// Listener is a net.Listener whose connections are created by Dial.
type Listener struct {
	addr      connAddr
	ch        chan net.Conn
	closeOnce sync.Once
	closed    chan struct{}
	onClose   func() // or nil
}

// Listen returns a new Listener for the provided address.
func Listen(addr string) *Listener {
	return &Listener{
		addr:   connAddr(addr),
		ch:     make(chan net.Conn),
		closed: make(chan struct{}),
	}
}

// Addr implements net.Listener.Addr.
func (ln *Listener) Addr() net.Addr {
	return ln.addr
}

// Close closes the pipe listener.
func (ln *Listener) Close() error {
	var cleanup func()
	ln.closeOnce.Do(func() {
		cleanup = ln.onClose
		close(ln.closed)
	})
	if cleanup != nil {
		cleanup()
	}
	return nil
}

// Accept blocks until a new connection is available or the listener is closed.
func (ln *Listener) Accept() (net.Conn, error) {
	select {
	case c := <-ln.ch:
		return c, nil
	case <-ln.closed:
		return nil, net.ErrClosed
	}
}

// Dial connects to the listener. It blocks until the listener accepts
// the connection, ctx is done, or the listener is closed.
func (ln *Listener) Dial(ctx context.Context, addr string) (_ net.Conn, err error) {
	if connAddr(addr) != ln.addr {
		return nil, &net.AddrError{
			Err:  "invalid address",
			Addr: addr,
		}
	}

	c, s := NewConn(addr)
	defer func() {
		if err != nil {
			c.Close()
			s.Close()
		}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ln.closed:
		return nil, net.ErrClosed
	case ln.ch <- s:
		return c, nil
	}
}

type connAddr string

func (a connAddr) Network() string { return "mem" }
func (a connAddr) String() string  { return string(a) }

// Network is a namespace of in-memory listeners keyed by address.
// The zero value is ready for use.
type Network struct {
	mu  sync.Mutex
	lns map[string]*Listener
}

// Listen creates a listener for addr. It fails if addr is in use.
func (n *Network) Listen(addr string) (*Listener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.lns[addr]; ok {
		return nil, &net.AddrError{Err: "address already in use", Addr: addr}
	}
	if n.lns == nil {
		n.lns = map[string]*Listener{}
	}
	ln := Listen(addr)
	ln.onClose = func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if n.lns[addr] == ln {
			delete(n.lns, addr)
		}
	}
	n.lns[addr] = ln
	return ln, nil
}

// Dial connects to the listener bound to addr.
func (n *Network) Dial(ctx context.Context, addr string) (net.Conn, error) {
	n.mu.Lock()
	ln := n.lns[addr]
	n.mu.Unlock()
	if ln == nil {
		return nil, &net.OpError{Op: "dial", Net: "mem", Addr: connAddr(addr), Err: errConnRefused}
	}
	return ln.Dial(ctx, addr)
}

var errConnRefused = &net.AddrError{Err: "connection refused"}
