// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package services

import (
	"slices"
	"time"

	"github.com/euhmeuh/fxpq/broker"
)

// DefaultWatchInterval is how often a DimensionWatcher refreshes.
const DefaultWatchInterval = 5 * time.Second

// DimensionWatcher keeps an up to date list of the dimensions known
// above a node. Every Interval it fetches "dimension-list" Up and, when
// the list changed, emits "dimensions-updated" locally with the new
// []Dimension. Lists pushed down by a "sync-dimensions" are taken too.
type DimensionWatcher struct {
	Interval time.Duration // or zero for DefaultWatchInterval

	b        *broker.Broker
	fetching bool
	started  bool
	current  []Dimension
}

// Subscribe implements app.Service.
func (w *DimensionWatcher) Subscribe(b *broker.Broker) {
	w.b = b
	b.ReceiveRes(ResDimensionList, func(v any) { w.update(v) })
}

// Dimensions returns the last known list.
func (w *DimensionWatcher) Dimensions() []Dimension {
	return slices.Clone(w.current)
}

// Run implements app.Runner. The first call fetches at once.
func (w *DimensionWatcher) Run(elapsed time.Duration) bool {
	interval := w.Interval
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	if w.started && elapsed < interval {
		return false
	}
	if w.fetching {
		// A peer is slow to answer; don't pile up fetches behind it.
		return false
	}
	w.started = true
	w.fetching = true
	w.b.FetchRes(ResDimensionList, func(v any) {
		w.fetching = false
		w.update(v)
	}, broker.Up)
	return true
}

func (w *DimensionWatcher) update(v any) {
	ds := Dimensions(v)
	if slices.Equal(ds, w.current) {
		return
	}
	w.current = ds
	w.b.Emit(EventDimensionsUpdated, slices.Clone(ds))
}
