// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package services contains the services fxpq nodes are built from.
package services

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/euhmeuh/fxpq/broker"
	"github.com/euhmeuh/fxpq/broker/wire"
	"github.com/euhmeuh/fxpq/resource"
	"github.com/euhmeuh/fxpq/types/logger"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

// Resource and event names used by the dimension services.
const (
	ResDimension     = "dimension"      // a Dimension announcing itself
	ResDimensionList = "dimension-list" // every known Dimension

	EventRegisterDimension   = "register-dimension"   // (Dimension)
	EventUnregisterDimension = "unregister-dimension" // (id string)
	EventSyncDimensions      = "sync-dimensions"      // ()
	EventDimensionExpired    = "dimension-expired"    // (Dimension)
	EventDimensionsUpdated   = "dimensions-updated"   // ([]Dimension)
)

// Dimension describes one dimension server.
type Dimension struct {
	ID   uuid.UUID `cbor:"1,keyasint"`
	Name string    `cbor:"2,keyasint"`
	URL  string    `cbor:"3,keyasint,omitempty"`
}

func init() {
	wire.Register[Dimension]("fxpq.Dimension")
}

// Key identifies a dimension by ID when merging lists.
func (d Dimension) Key() any { return d.ID.String() }

// NewDimension returns a Dimension with a fresh ID.
func NewDimension(name, url string) Dimension {
	return Dimension{ID: uuid.New(), Name: name, URL: url}
}

// Dimensions extracts the dimensions from a merged dimension-list answer.
func Dimensions(v any) []Dimension {
	ds := resource.ItemsOf[Dimension](v)
	sortDimensions(ds)
	return ds
}

func sortDimensions(ds []Dimension) {
	slices.SortFunc(ds, func(a, b Dimension) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID.String(), b.ID.String()))
	})
}

// DefaultDimensionTTL is how long a DimensionRegistry keeps a dimension
// that stopped announcing itself.
const DefaultDimensionTTL = 10 * time.Second

// DimensionRegistry tracks the dimensions available below a server
// node and provides them as "dimension-list".
//
// Dimensions are added by the "register-dimension" event or by a
// "dimension" send, removed by "unregister-dimension", and expire
// after TTL unless announced again. An expiry emits
// "dimension-expired" locally. A "sync-dimensions" event pushes the
// current list Down.
type DimensionRegistry struct {
	TTL  time.Duration // or zero for DefaultDimensionTTL
	Logf logger.Logf   // or nil to discard

	b     *broker.Broker
	cache *ttlcache.Cache[uuid.UUID, Dimension]
}

// Subscribe implements app.Service.
func (r *DimensionRegistry) Subscribe(b *broker.Broker) {
	r.b = b
	ttl := r.TTL
	if ttl <= 0 {
		ttl = DefaultDimensionTTL
	}
	logf := logger.WithPrefix(logger.OrDiscard(r.Logf), "dimensions: ")
	r.Logf = logf
	r.cache = ttlcache.New(
		ttlcache.WithTTL[uuid.UUID, Dimension](ttl),
		ttlcache.WithDisableTouchOnHit[uuid.UUID, Dimension](),
	)
	r.cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[uuid.UUID, Dimension]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		d := item.Value()
		b.Post(func() {
			logf("%s (%v) expired", d.Name, d.ID)
			b.Emit(EventDimensionExpired, d)
		})
	})
	go r.cache.Start()
	go func() {
		<-b.Done()
		r.cache.Stop()
	}()

	b.On(EventRegisterDimension, func(_ *broker.Broker, args ...any) {
		if d, ok := firstArg[Dimension](args); ok {
			r.Register(d)
		}
	})
	b.On(EventUnregisterDimension, func(_ *broker.Broker, args ...any) {
		if id, ok := firstArg[string](args); ok {
			r.Unregister(id)
		}
	})
	b.On(EventSyncDimensions, func(b *broker.Broker, _ ...any) {
		b.SendRes(ResDimensionList, r.List(), broker.Down)
	})
	b.ReceiveRes(ResDimension, func(v any) {
		if d, ok := v.(Dimension); ok {
			r.Register(d)
		}
	})
	b.ProvideRes(ResDimensionList, func() any { return r.List() })
}

// Register adds d, or refreshes its expiry if already known.
func (r *DimensionRegistry) Register(d Dimension) {
	if r.cache.Get(d.ID) == nil {
		r.Logf("%s (%v) registered", d.Name, d.ID)
	}
	r.cache.Set(d.ID, d, ttlcache.DefaultTTL)
}

// Unregister removes the dimension with the given ID. It reports
// whether it was known.
func (r *DimensionRegistry) Unregister(id string) bool {
	u, err := uuid.Parse(id)
	if err != nil || r.cache.Get(u) == nil {
		return false
	}
	r.cache.Delete(u)
	r.Logf("%v unregistered", u)
	return true
}

// List returns the live dimensions sorted by name. It is never nil so
// that the answer merges as a collection even when empty.
func (r *DimensionRegistry) List() []Dimension {
	ds := []Dimension{}
	for _, it := range r.cache.Items() {
		if !it.IsExpired() {
			ds = append(ds, it.Value())
		}
	}
	sortDimensions(ds)
	return ds
}

func firstArg[T any](args []any) (T, bool) {
	if len(args) == 0 {
		var zero T
		return zero, false
	}
	v, ok := args[0].(T)
	return v, ok
}
