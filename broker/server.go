// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package broker

import (
	"context"
	"errors"
	"net"
	"slices"

	"github.com/creachadair/taskgroup"
	"github.com/euhmeuh/fxpq/net/transport"
	"github.com/euhmeuh/fxpq/syncs"
	"golang.org/x/sync/errgroup"
)

// ServerConnection binds an address and serves every peer that dials
// it. Requests arriving from those peers are handed to the broker with
// direction Up. Outbound operations reach all current peers.
//
// The broker emits "server-listening" (conn, url) once bound,
// "connection-failed" (conn, err) if binding fails, and
// "peer-connected" / "peer-disconnected" (conn, sessionID) as peers
// come and go.
type ServerConnection struct {
	connBase

	mu       syncs.Mutex
	url      string
	sessions []*session // in accept order
	bound    chan struct{}
}

// NewServer returns a server connection that will bind addr through nw
// (or a default Network if nil).
func NewServer(addr string, nw *transport.Network) *ServerConnection {
	return &ServerConnection{
		connBase: connBase{role: RoleServer, addr: addr, net: nw},
		bound:    make(chan struct{}),
	}
}

// URL returns the dialable address of the bound listener, or "" if
// the server is not bound.
func (s *ServerConnection) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// Bound returns a channel that is closed once the server has bound its
// address or failed to.
func (s *ServerConnection) Bound() <-chan struct{} { return s.bound }

// Peers reports the number of connected peers.
func (s *ServerConnection) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *ServerConnection) listen(ctx context.Context) error {
	s.setState(StateConnecting)
	ln, err := s.net.Listen(ctx, s.addr)
	if err != nil {
		s.setState(StateDisconnected)
		close(s.bound)
		s.logf("listen: %v", err)
		s.b.Post(func() { s.b.Emit("connection-failed", s, err) })
		return err
	}
	s.mu.Lock()
	s.url = ln.URL
	s.mu.Unlock()
	s.setState(StateConnected)
	close(s.bound)
	s.logf("listening on %v", ln.URL)
	s.b.Post(func() { s.b.Emit("server-listening", s, ln.URL) })

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var peers taskgroup.Group
	defer func() {
		peers.Wait()
		s.mu.Lock()
		s.url = ""
		s.mu.Unlock()
		s.setState(StateDisconnected)
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			ln.Close()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logf("accept: %v", err)
			return err
		}
		sess := newSession(s.b, conn, Up, s.logf)
		id := sess.id.String()
		s.mu.Lock()
		s.sessions = append(s.sessions, sess)
		s.mu.Unlock()
		s.logf("peer %v connected from %v", id, conn.RemoteAddr())
		s.b.Post(func() { s.b.Emit("peer-connected", s, id) })

		peers.Go(func() error {
			if err := sess.run(ctx); err != nil {
				s.logf("peer %v: %v", id, err)
			}
			s.mu.Lock()
			s.sessions = slices.DeleteFunc(s.sessions, func(x *session) bool { return x == sess })
			s.mu.Unlock()
			s.b.Post(func() { s.b.Emit("peer-disconnected", s, id) })
			return nil
		})
	}
}

func (s *ServerConnection) peers() []*session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.sessions)
}

// fetch asks every connected peer for name and returns their answers
// unmerged, in accept order. Peers that fail contribute nil.
func (s *ServerConnection) fetch(ctx context.Context, name string) ([]any, error) {
	peers := s.peers()
	if len(peers) == 0 {
		return nil, nil
	}
	answers := make([]any, len(peers))
	var g errgroup.Group
	for i, p := range peers {
		g.Go(func() error {
			v, err := p.fetch(ctx, name)
			if err != nil {
				s.b.remoteErrorf("fetch", "fetch %q from peer %v: %v", name, p.id, err)
				return nil
			}
			answers[i] = v
			return nil
		})
	}
	g.Wait()
	return answers, nil
}

func (s *ServerConnection) send(name string, v any) {
	for _, p := range s.peers() {
		p.send(name, v)
	}
}

func (s *ServerConnection) notify(name string, args []any) {
	for _, p := range s.peers() {
		p.notify(name, args)
	}
}
