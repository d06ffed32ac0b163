// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/euhmeuh/fxpq/broker/wire"
	"github.com/euhmeuh/fxpq/syncs"
	"github.com/euhmeuh/fxpq/types/logger"
	"github.com/euhmeuh/fxpq/util/execqueue"
	"github.com/google/uuid"
)

// errSessionClosed is returned to requests pending on a session that ends.
var errSessionClosed = errors.New("peer session closed")

// flushTimeout bounds how long a closing session waits for its
// outbound queue.
const flushTimeout = time.Second

// A session speaks the wire protocol over one net.Conn. Requests
// arriving from the peer are handed to the broker with the session's
// inbound direction.
type session struct {
	id      uuid.UUID
	conn    net.Conn
	b       *Broker
	inbound Direction
	logf    logger.Logf

	wmu syncs.Mutex // guards enc
	enc *wire.Encoder
	dec *wire.Decoder

	// out serializes sends and notifies so they leave in call order
	// without blocking the caller.
	out execqueue.ExecQueue

	mu      syncs.Mutex
	nextID  uint64
	pending map[uint64]chan *wire.Frame // nil once the session ended
	done    chan struct{}
}

func newSession(b *Broker, conn net.Conn, inbound Direction, logf logger.Logf) *session {
	id := uuid.New()
	return &session{
		id:      id,
		conn:    conn,
		b:       b,
		inbound: inbound,
		logf:    logger.WithPrefix(logf, "session "+id.String()[:8]+": "),
		enc:     b.codec.NewEncoder(conn),
		dec:     b.codec.NewDecoder(conn),
		pending: map[uint64]chan *wire.Frame{},
		done:    make(chan struct{}),
	}
}

func (s *session) write(f *wire.Frame) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.enc.Encode(f)
}

// run reads frames until the link fails or ctx is done. It closes the
// connection before returning.
func (s *session) run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.flushAndClose)
	defer stop()
	defer s.end()

	for {
		f, err := s.dec.Decode()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		switch f.Op {
		case wire.OpReply:
			s.mu.Lock()
			ch := s.pending[f.ID]
			delete(s.pending, f.ID)
			s.mu.Unlock()
			if ch == nil {
				s.logf("reply for unknown request %d", f.ID)
				continue
			}
			ch <- f
		case wire.OpFetch:
			go s.serveFetch(ctx, f.ID, f.Name)
		case wire.OpSend:
			v, err := s.b.codec.Decode(f.Value)
			if err != nil {
				s.logf("send %q: %v", f.Name, err)
				continue
			}
			s.b.serveSend(f.Name, v, s.inbound)
		case wire.OpNotify:
			args, err := s.b.codec.DecodeArgs(f.Args)
			if err != nil {
				s.logf("notify %q: %v", f.Name, err)
				continue
			}
			s.b.serveNotify(f.Name, args, s.inbound)
		default:
			s.logf("ignoring frame with op %v", f.Op)
		}
	}
}

// flushAndClose gives frames already queued a chance to leave, then
// closes the connection.
func (s *session) flushAndClose() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := s.out.Wait(ctx); err != nil {
		s.logf("closing with queued frames: %v", err)
	}
	s.conn.Close()
}

// end fails pending requests and stops the outbound queue.
func (s *session) end() {
	s.conn.Close()
	s.out.Shutdown()
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
	close(s.done)
}

func (s *session) serveFetch(ctx context.Context, id uint64, name string) {
	reply := &wire.Frame{ID: id, Op: wire.OpReply, Name: name}
	v, err := s.b.serveFetch(ctx, name, s.inbound)
	if err == nil {
		reply.Value, err = s.b.codec.Encode(v)
	}
	if err != nil {
		reply.Err = err.Error()
	}
	if err := s.write(reply); err != nil && ctx.Err() == nil {
		s.logf("reply to fetch %q: %v", name, err)
	}
}

// fetch asks the peer for name and waits for its answer.
func (s *session) fetch(ctx context.Context, name string) (any, error) {
	ch := make(chan *wire.Frame, 1)
	s.mu.Lock()
	if s.pending == nil {
		s.mu.Unlock()
		return nil, errSessionClosed
	}
	s.nextID++
	id := s.nextID
	s.pending[id] = ch
	s.mu.Unlock()

	if err := s.write(&wire.Frame{ID: id, Op: wire.OpFetch, Name: name}); err != nil {
		s.forget(id)
		return nil, fmt.Errorf("fetch %q: %w", name, err)
	}
	select {
	case f := <-ch:
		if f.Err != "" {
			return nil, &RemoteError{Op: "fetch", Name: name, Msg: f.Err}
		}
		return s.b.codec.Decode(f.Value)
	case <-s.done:
		return nil, errSessionClosed
	case <-ctx.Done():
		s.forget(id)
		return nil, ctx.Err()
	}
}

func (s *session) forget(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}

// send queues a send frame. The value is encoded immediately.
func (s *session) send(name string, v any) {
	e, err := s.b.codec.Encode(v)
	if err != nil {
		s.logf("send %q: %v", name, err)
		return
	}
	s.queue(&wire.Frame{Op: wire.OpSend, Name: name, Value: e})
}

// notify queues a notify frame. The arguments are encoded immediately.
func (s *session) notify(name string, args []any) {
	es, err := s.b.codec.EncodeArgs(args)
	if err != nil {
		s.logf("notify %q: %v", name, err)
		return
	}
	s.queue(&wire.Frame{Op: wire.OpNotify, Name: name, Args: es})
}

func (s *session) queue(f *wire.Frame) {
	s.out.Add(func() {
		if err := s.write(f); err != nil {
			s.b.remoteErrorf(f.Op.String(), "%v %q: %v", f.Op, f.Name, err)
		}
	})
}
