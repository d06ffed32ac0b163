// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package connlistener provides a net.Listener whose connections are
// handed to it by some other server, such as an HTTP handler that
// upgrades requests to websockets.
package connlistener

import (
	"errors"
	"net"
	"sync"
)

// Listener is a net.Listener that also accepts connections pushed to it
// with HandleConn.
type Listener interface {
	net.Listener

	// HandleConn queues conn to be returned by Accept, reporting
	// remoteAddr as its RemoteAddr. It blocks until the connection is
	// accepted or the listener is closed.
	HandleConn(c net.Conn, remoteAddr net.Addr) error
}

var errClosed = errors.New("connlistener closed")

type connListener struct {
	ch       chan net.Conn
	closedCh chan struct{}
	closeMu  sync.Mutex
	closed   bool
	addr     net.Addr
}

// New returns a new Listener. Its Addr is a placeholder.
func New() Listener {
	return NewWithAddr(&net.TCPAddr{IP: net.IPv4zero})
}

// NewWithAddr is like New but reports addr from Addr.
func NewWithAddr(addr net.Addr) Listener {
	return &connListener{
		ch:       make(chan net.Conn),
		closedCh: make(chan struct{}),
		addr:     addr,
	}
}

func (l *connListener) Accept() (net.Conn, error) {
	select {
	case <-l.closedCh:
		return nil, net.ErrClosed
	case conn := <-l.ch:
		return conn, nil
	}
}

// Close implements net.Listener. Closing twice returns an error.
func (l *connListener) Close() error {
	l.closeMu.Lock()
	defer l.closeMu.Unlock()
	if l.closed {
		return errClosed
	}
	l.closed = true
	close(l.closedCh)
	return nil
}

func (l *connListener) Addr() net.Addr {
	return l.addr
}

func (l *connListener) HandleConn(c net.Conn, remoteAddr net.Addr) error {
	select {
	case <-l.closedCh:
		return errClosed
	case l.ch <- &connWithRemoteAddr{Conn: c, remoteAddr: remoteAddr}:
		return nil
	}
}

type connWithRemoteAddr struct {
	net.Conn
	remoteAddr net.Addr
}

func (c *connWithRemoteAddr) RemoteAddr() net.Addr {
	return c.remoteAddr
}
