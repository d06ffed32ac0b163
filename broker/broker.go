// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package broker exchanges events and named resources between the
// nodes of a peer hierarchy.
//
// A Broker owns a set of connections. Client connections point Up,
// toward the nodes this node dialed; server connections point Down,
// toward the nodes that dialed this one. Every operation takes a
// Direction choosing which of them, besides the local node, it
// reaches.
//
// A Broker has a single owner goroutine, normally the application's
// scheduler. Subscriber callbacks, providers and fetch callbacks only
// ever run on that goroutine: connection goroutines post their work
// to a mailbox that the owner drains with Dispatch or Pump.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/euhmeuh/fxpq/broker/wire"
	"github.com/euhmeuh/fxpq/resource"
	"github.com/euhmeuh/fxpq/syncs"
	"github.com/euhmeuh/fxpq/types/logger"
	"github.com/euhmeuh/fxpq/util/eventbus"
	"github.com/euhmeuh/fxpq/util/mak"
	"github.com/euhmeuh/fxpq/util/set"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrClosed is returned by operations on a closed Broker.
	ErrClosed = errors.New("broker closed")
	// ErrNotConnected is returned when a client connection has no link.
	ErrNotConnected = errors.New("not connected")
)

// RemoteError is an error reported by the peer that served a request.
type RemoteError struct {
	Op   string // "fetch"
	Name string // resource name
	Msg  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s %q: %s", e.Op, e.Name, e.Msg)
}

// Options configures a Broker.
type Options struct {
	// Logf is the logger. Nil discards logs.
	Logf logger.Logf
	// Codec encodes resource values on the wire. Nil uses a codec
	// backed by wire.DefaultRegistry.
	Codec *wire.Codec
	// FetchTimeout bounds each remote part of a fetch. Zero means
	// remote fetches wait until the peer answers, the link drops, or
	// the broker closes.
	FetchTimeout time.Duration
}

// Broker routes events and resources between the local node and its
// connections. It is also the event emitter that services subscribe
// to.
type Broker struct {
	logf         logger.Logf
	dialLogf     logger.Logf // rate limited, for connection failures
	codec        *wire.Codec
	fetchTimeout time.Duration
	em           *eventbus.Emitter[*Broker]
	mbox         *mailbox

	ctx    context.Context // canceled by Close
	cancel context.CancelFunc

	mu        syncs.Mutex
	conns     []Connection // in connect order
	providers map[string]func() any
	tasks     *taskgroup.Group // non-nil once listening
	closed    bool
}

// New returns a new Broker.
func New(opts Options) *Broker {
	logf := logger.WithPrefix(logger.OrDiscard(opts.Logf), "broker: ")
	codec := opts.Codec
	if codec == nil {
		codec = wire.NewCodec(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		logf:         logf,
		dialLogf:     logger.RateLimitedFn(logf, time.Minute, 5, 32),
		codec:        codec,
		fetchTimeout: opts.FetchTimeout,
		mbox:         newMailbox(),
		ctx:          ctx,
		cancel:       cancel,
	}
	b.em = eventbus.New(b)
	return b
}

func (b *Broker) checkOpen(what string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic(fmt.Sprintf("broker: %s after Close", what))
	}
}

// On subscribes fn to the named event. See [eventbus.Emitter.On].
// It panics if the broker is closed.
func (b *Broker) On(name string, fn eventbus.Func[*Broker]) set.Handle {
	b.checkOpen("On")
	return b.em.On(name, fn)
}

// OnAny subscribes fn to every event. It panics if the broker is closed.
func (b *Broker) OnAny(fn eventbus.AnyFunc[*Broker]) set.Handle {
	b.checkOpen("OnAny")
	return b.em.OnAny(fn)
}

// Off removes a subscription made with On or ReceiveRes.
func (b *Broker) Off(h set.Handle) bool { return b.em.Off(h) }

// OffAny removes a subscription made with OnAny.
func (b *Broker) OffAny(h set.Handle) { b.em.OffAny(h) }

// Emit delivers an event to local subscribers only.
func (b *Broker) Emit(name string, args ...any) { b.em.Emit(name, args...) }

// Connect adds c to the broker. If the broker is already listening, c
// starts immediately. It panics if the broker is closed.
func (b *Broker) Connect(c Connection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic("broker: Connect after Close")
	}
	c.attach(b)
	b.conns = append(b.conns, c)
	if b.tasks != nil {
		b.start(c)
	}
}

// Listen starts every connection on its own goroutine. Calling it
// again has no effect.
func (b *Broker) Listen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.tasks != nil {
		return nil
	}
	b.tasks = new(taskgroup.Group)
	for _, c := range b.conns {
		b.start(c)
	}
	return nil
}

// start runs c's loop. b.mu must be held.
func (b *Broker) start(c Connection) {
	b.tasks.Go(func() error {
		if err := c.listen(b.ctx); err != nil {
			return fmt.Errorf("%v: %w", c, err)
		}
		return nil
	})
}

// Close stops every connection and waits for their goroutines to
// finish. Fetches still waiting on peers are abandoned: their
// callbacks never run. It is safe to call Close without Listen, and
// more than once. It returns the first error a connection loop ended
// with, if any.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	tasks := b.tasks
	conns := b.conns
	b.mu.Unlock()

	b.cancel()
	var err error
	if tasks != nil {
		err = tasks.Wait()
	}
	for _, c := range conns {
		if cb, ok := c.(interface{ detach() }); ok {
			cb.detach()
		}
	}
	return err
}

// Done returns a channel that is closed when the broker is closed.
func (b *Broker) Done() <-chan struct{} { return b.ctx.Done() }

// Connections returns the broker's connections in connect order.
func (b *Broker) Connections() []Connection {
	return b.selectConnections(Both)
}

// selectConnections returns the connections d reaches, in connect order.
func (b *Broker) selectConnections(d Direction) []Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ret []Connection
	for _, c := range b.conns {
		if d.selects(c.Role()) {
			ret = append(ret, c)
		}
	}
	return ret
}

// ProvideRes registers fn as this node's answer for name, replacing
// any previous provider. It panics if the broker is closed.
func (b *Broker) ProvideRes(name string, fn func() any) {
	if fn == nil {
		panic("broker: nil provider for " + name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic("broker: ProvideRes after Close")
	}
	mak.Set(&b.providers, name, fn)
}

// ReceiveRes subscribes fn to values of name sent by anyone, local or
// remote. It is On(name+"-received").
func (b *Broker) ReceiveRes(name string, fn func(v any)) set.Handle {
	return b.On(ReceivedEvent(name), func(_ *Broker, args ...any) {
		var v any
		if len(args) > 0 {
			v = args[0]
		}
		fn(v)
	})
}

// ReceivedEvent is the name of the event fired when name is sent.
func ReceivedEvent(name string) string { return name + "-received" }

func (b *Broker) localAnswer(name string) any {
	b.mu.Lock()
	fn := b.providers[name]
	b.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn()
}

// FetchRes gathers the local answer for name and the answers of every
// connection d reaches, merges them with resource.Merge, and calls
// onReceived once with the result.
//
// Every answer (one from this node and one per peer behind each
// connection) takes part in a single merge.
//
// When d reaches no connection, onReceived runs before FetchRes
// returns. Otherwise the remote parts run concurrently and onReceived
// runs later on the owner goroutine, after all of them have answered
// or failed. A failed remote part counts as an absent answer.
func (b *Broker) FetchRes(name string, onReceived func(any), d Direction) {
	if onReceived == nil {
		panic("broker: nil callback for FetchRes " + name)
	}
	fetchesTotal.WithLabelValues(d.String()).Inc()
	local := b.localAnswer(name)
	conns := b.selectConnections(d)
	if len(conns) == 0 {
		onReceived(resource.Merge([]any{local}))
		return
	}
	if b.ctx.Err() != nil {
		return
	}
	go func() {
		ctx := b.ctx
		if b.fetchTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, b.fetchTimeout)
			defer cancel()
		}
		parts := make([][]any, len(conns))
		var g errgroup.Group
		for i, c := range conns {
			g.Go(func() error {
				vs, err := c.fetch(ctx, name)
				if err != nil {
					if b.ctx.Err() == nil {
						b.remoteErrorf("fetch", "fetch %q via %v: %v", name, c, err)
					}
					return nil
				}
				parts[i] = vs
				return nil
			})
		}
		g.Wait()
		// One flat merge over every source, local first, then each
		// connection's peers in connect and accept order.
		answers := []any{local}
		for _, vs := range parts {
			answers = append(answers, vs...)
		}
		merged := resource.Merge(answers)
		b.Post(func() { onReceived(merged) })
	}()
}

// SendRes fires name's "-received" event locally with v, then pushes v
// to every connection d reaches. It does not wait for the peers.
func (b *Broker) SendRes(name string, v any, d Direction) {
	sendsTotal.WithLabelValues(d.String()).Inc()
	b.em.Emit(ReceivedEvent(name), v)
	for _, c := range b.selectConnections(d) {
		c.send(name, v)
	}
}

// EmitEvent fires the named event locally, then forwards it to every
// connection d reaches.
func (b *Broker) EmitEvent(d Direction, name string, args ...any) {
	eventsTotal.WithLabelValues(d.String()).Inc()
	conns := b.selectConnections(d)
	if len(conns) == 0 && !b.em.HasSubscribers(name) {
		b.logf("[v2] event %q reached no subscriber", name)
	}
	b.em.Emit(name, args...)
	for _, c := range conns {
		c.notify(name, args)
	}
}

// Post queues f to run on the owner goroutine, at the next Dispatch.
// It is how goroutines other than the owner hand work to services.
// Posts after Close are dropped.
func (b *Broker) Post(f func()) {
	if b.ctx.Err() != nil {
		return
	}
	b.mbox.post(f)
}

// Dispatch runs the work connection goroutines have posted since the
// last call, on the calling goroutine, and reports how much ran. The
// scheduler calls it once per tick.
func (b *Broker) Dispatch() int {
	return b.mbox.drain()
}

// Pump calls Dispatch whenever work is posted, until ctx is done or
// the broker is closed. It is for nodes and tests without a scheduler.
func (b *Broker) Pump(ctx context.Context) error {
	for {
		b.Dispatch()
		select {
		case <-b.mbox.wake:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.ctx.Done():
			return ErrClosed
		}
	}
}

// serveFetch answers a peer's fetch. It runs on a session goroutine
// and waits for the owner to run FetchRes.
func (b *Broker) serveFetch(ctx context.Context, name string, d Direction) (any, error) {
	ch := make(chan any, 1)
	b.Post(func() {
		b.FetchRes(name, func(v any) { ch <- v }, d)
	})
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.ctx.Done():
		return nil, ErrClosed
	}
}

func (b *Broker) serveSend(name string, v any, d Direction) {
	b.Post(func() { b.SendRes(name, v, d) })
}

func (b *Broker) serveNotify(name string, args []any, d Direction) {
	b.Post(func() { b.EmitEvent(d, name, args...) })
}

func (b *Broker) remoteErrorf(op, format string, args ...any) {
	remoteErrorsTotal.WithLabelValues(op).Inc()
	b.dialLogf(format, args...)
}

func (b *Broker) failDialf(format string, args ...any) {
	remoteErrorsTotal.WithLabelValues("dial").Inc()
	b.dialLogf(format, args...)
}
