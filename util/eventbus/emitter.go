// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package eventbus provides a synchronous, name-keyed event emitter.
//
// Subscribers bound to an event name with [Emitter.On] run in
// registration order each time that name is emitted. Wildcard
// subscribers registered with [Emitter.OnAny] see every event, after
// the named subscribers, in no particular order.
//
// An Emitter is meant to be driven from a single goroutine. Its tables
// are locked so that registration from another goroutine is not a data
// race, but callbacks always run on the goroutine calling Emit.
package eventbus

import (
	"slices"

	"github.com/euhmeuh/fxpq/syncs"
	"github.com/euhmeuh/fxpq/util/set"
)

// Func is a subscriber bound to one event name. It receives the
// emitter's source value and the emitted arguments.
type Func[S any] func(src S, args ...any)

// AnyFunc is a wildcard subscriber. It receives the emitter's source
// value, the event name, and the emitted arguments.
type AnyFunc[S any] func(src S, name string, args ...any)

type binding[S any] struct {
	h  set.Handle
	fn Func[S]
}

// An Emitter maps event names to ordered lists of subscribers.
//
// S is the type of the source value passed as the first argument to
// every subscriber, typically the value embedding the Emitter.
type Emitter[S any] struct {
	src S

	mu        syncs.Mutex
	bindings  map[string][]binding[S]
	names     set.HandleSet[string] // subscription handle => event name
	wildcards set.HandleSet[AnyFunc[S]]
}

// New returns an Emitter that passes src to its subscribers.
func New[S any](src S) *Emitter[S] {
	return &Emitter[S]{
		src:      src,
		bindings: map[string][]binding[S]{},
	}
}

// On registers fn for events named name. Registering the same function
// twice makes it run twice per emit.
//
// The returned handle can be passed to [Emitter.Off].
func (e *Emitter[S]) On(name string, fn Func[S]) set.Handle {
	if fn == nil {
		panic("eventbus: nil subscriber for " + name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.names.Add(name)
	// Emit iterates over a snapshot of the slice, so never append in
	// place into shared backing storage.
	e.bindings[name] = append(slices.Clip(e.bindings[name]), binding[S]{h, fn})
	return h
}

// Off removes the subscription identified by h.
// It reports whether a subscription was removed.
func (e *Emitter[S]) Off(h set.Handle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	name, ok := e.names[h]
	if !ok {
		return false
	}
	delete(e.names, h)
	bs := e.bindings[name]
	i := slices.IndexFunc(bs, func(b binding[S]) bool { return b.h == h })
	if i < 0 {
		return false
	}
	bs = slices.Delete(slices.Clone(bs), i, i+1)
	if len(bs) == 0 {
		delete(e.bindings, name)
	} else {
		e.bindings[name] = bs
	}
	return true
}

// OnAny registers a wildcard subscriber that is called for every
// emitted event.
//
// Go funcs are not comparable, so wildcards are not deduplicated:
// registering the same function twice makes it run twice per event,
// and each registration has its own handle for [Emitter.OffAny].
func (e *Emitter[S]) OnAny(fn AnyFunc[S]) set.Handle {
	if fn == nil {
		panic("eventbus: nil wildcard subscriber")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wildcards.Add(fn)
}

// OffAny removes the wildcard subscription identified by h.
func (e *Emitter[S]) OffAny(h set.Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.wildcards, h)
}

// HasSubscribers reports whether any subscriber is bound to name.
// Wildcard subscribers are not counted.
func (e *Emitter[S]) HasSubscribers(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.bindings[name]) > 0
}

// Emit calls every subscriber of name in registration order, then
// every wildcard subscriber.
//
// A panicking subscriber is not recovered: the panic propagates to the
// caller of Emit and the remaining subscribers are not called for this
// emit. Emitting a name nobody subscribed to is a no-op.
func (e *Emitter[S]) Emit(name string, args ...any) {
	e.mu.Lock()
	bs := e.bindings[name]
	var wild []AnyFunc[S]
	if len(e.wildcards) > 0 {
		wild = make([]AnyFunc[S], 0, len(e.wildcards))
		for _, fn := range e.wildcards {
			wild = append(wild, fn)
		}
	}
	e.mu.Unlock()

	for _, b := range bs {
		b.fn(e.src, args...)
	}
	for _, fn := range wild {
		fn(e.src, name, args...)
	}
}
