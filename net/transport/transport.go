// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package transport dials and listens on peer addresses of the form
// scheme://host[:port][/path].
//
// Supported schemes are tcp, ws and mem. An address without a scheme
// is treated as tcp.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/euhmeuh/fxpq/connlistener"
	"github.com/euhmeuh/fxpq/net/memnet"
	"github.com/euhmeuh/fxpq/types/logger"
)

// ErrUnknownScheme is returned for addresses whose scheme is not supported.
var ErrUnknownScheme = errors.New("transport: unknown address scheme")

// Subprotocol is the WebSocket subprotocol peers must negotiate.
const Subprotocol = "fxpq"

// maxMessageSize bounds a single WebSocket message, which carries one
// or more wire frames.
const maxMessageSize = 4 << 20

// DefaultMem is the in-process namespace used for mem:// addresses when
// a Network has no Mem of its own.
var DefaultMem = new(memnet.Network)

// Network dials and listens on peer addresses.
// The zero value is ready for use.
type Network struct {
	Logf   logger.Logf     // or nil to discard
	Mem    *memnet.Network // or nil for DefaultMem
	Dialer net.Dialer
}

// Listener is a bound peer listener.
type Listener struct {
	net.Listener

	// URL is the address peers dial to reach this listener, with any
	// wildcard port resolved.
	URL string

	closeExtra func() error
}

// Close closes the listener and any server feeding it.
func (ln *Listener) Close() error {
	err := ln.Listener.Close()
	if ln.closeExtra != nil {
		err = errors.Join(err, ln.closeExtra())
	}
	return err
}

// Addr is a parsed peer address.
type Addr struct {
	Scheme string // "tcp", "ws" or "mem"
	Host   string // host:port, or a name for mem
	Path   string // ws only
}

func (a Addr) String() string {
	return a.Scheme + "://" + a.Host + a.Path
}

// ParseAddr parses s as a peer address.
func ParseAddr(s string) (Addr, error) {
	if !strings.Contains(s, "://") {
		s = "tcp://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return Addr{}, fmt.Errorf("transport: parsing %q: %w", s, err)
	}
	if u.Host == "" {
		return Addr{}, fmt.Errorf("transport: address %q has no host", s)
	}
	a := Addr{Scheme: u.Scheme, Host: u.Host}
	switch u.Scheme {
	case "tcp", "mem":
	case "ws":
		a.Path = u.Path
		if a.Path == "" {
			a.Path = "/"
		}
	default:
		return Addr{}, fmt.Errorf("%w: %q", ErrUnknownScheme, u.Scheme)
	}
	return a, nil
}

func (n *Network) logf(format string, args ...any) {
	logger.OrDiscard(n.Logf)(format, args...)
}

func (n *Network) mem() *memnet.Network {
	if n.Mem != nil {
		return n.Mem
	}
	return DefaultMem
}

// Listen binds addr.
func (n *Network) Listen(ctx context.Context, addr string) (*Listener, error) {
	a, err := ParseAddr(addr)
	if err != nil {
		return nil, err
	}
	switch a.Scheme {
	case "mem":
		ln, err := n.mem().Listen(a.Host)
		if err != nil {
			return nil, err
		}
		return &Listener{Listener: ln, URL: a.String()}, nil
	case "tcp":
		var lc net.ListenConfig
		ln, err := lc.Listen(ctx, "tcp", a.Host)
		if err != nil {
			return nil, err
		}
		return &Listener{Listener: ln, URL: Addr{Scheme: "tcp", Host: ln.Addr().String()}.String()}, nil
	case "ws":
		return n.listenWebSocket(ctx, a)
	}
	panic("unreachable")
}

// Dial connects to addr.
func (n *Network) Dial(ctx context.Context, addr string) (net.Conn, error) {
	a, err := ParseAddr(addr)
	if err != nil {
		return nil, err
	}
	switch a.Scheme {
	case "mem":
		return n.mem().Dial(ctx, a.Host)
	case "tcp":
		return n.Dialer.DialContext(ctx, "tcp", a.Host)
	case "ws":
		return n.dialWebSocket(ctx, a)
	}
	panic("unreachable")
}

func (n *Network) dialWebSocket(ctx context.Context, a Addr) (net.Conn, error) {
	urlStr := "ws://" + a.Host + a.Path
	c, res, err := websocket.Dial(ctx, urlStr, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		n.logf("websocket Dial: %v, %+v", err, res)
		return nil, err
	}
	if c.Subprotocol() != Subprotocol {
		c.Close(websocket.StatusPolicyViolation, "server must speak the fxpq subprotocol")
		return nil, fmt.Errorf("transport: unexpected subprotocol %q", c.Subprotocol())
	}
	c.SetReadLimit(maxMessageSize)
	// The dial context only bounds the handshake.
	return websocket.NetConn(context.Background(), c, websocket.MessageBinary), nil
}

func (n *Network) listenWebSocket(ctx context.Context, a Addr) (*Listener, error) {
	var lc net.ListenConfig
	tln, err := lc.Listen(ctx, "tcp", a.Host)
	if err != nil {
		return nil, err
	}
	cl := connlistener.NewWithAddr(tln.Addr())
	srv := &http.Server{
		Handler:           n.webSocketHandler(a.Path, cl),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logger.StdLogger(logger.WithPrefix(n.logf, "websocket: ")),
	}
	go func() {
		if err := srv.Serve(tln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logf("websocket server on %v: %v", tln.Addr(), err)
		}
	}()
	return &Listener{
		Listener:   cl,
		URL:        Addr{Scheme: "ws", Host: tln.Addr().String(), Path: a.Path}.String(),
		closeExtra: srv.Close,
	}, nil
}

// webSocketHandler upgrades requests for path and hands the resulting
// connections to cl.
func (n *Network) webSocketHandler(path string, cl connlistener.Listener) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != path {
			http.NotFound(w, r)
			return
		}
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{Subprotocol},
			// Frames are CBOR and small; compression is not worth it.
			CompressionMode: websocket.CompressionDisabled,
		})
		if err != nil {
			n.logf("websocket.Accept: %v", err)
			return
		}
		if c.Subprotocol() != Subprotocol {
			c.Close(websocket.StatusPolicyViolation, "client must speak the fxpq subprotocol")
			return
		}
		c.SetReadLimit(maxMessageSize)
		remote, err := net.ResolveTCPAddr("tcp", r.RemoteAddr)
		if err != nil {
			remote = &net.TCPAddr{}
		}
		// The hijacked connection outlives this handler, so it must
		// not be bound to the request context.
		nc := websocket.NetConn(context.WithoutCancel(r.Context()), c, websocket.MessageBinary)
		if err := cl.HandleConn(nc, remote); err != nil {
			nc.Close()
		}
	})
}
