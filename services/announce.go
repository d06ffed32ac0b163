// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package services

import (
	"time"

	"github.com/euhmeuh/fxpq/broker"
)

// DefaultAnnounceInterval is how often a DimensionAnnouncer repeats
// itself.
const DefaultAnnounceInterval = 2 * time.Second

// DimensionAnnouncer makes a dimension known to the nodes above it. It
// registers the dimension whenever an upstream link comes up, then
// sends it Up every Interval so upstream registries keep it alive.
type DimensionAnnouncer struct {
	Dimension Dimension
	Interval  time.Duration // or zero for DefaultAnnounceInterval

	b *broker.Broker
}

// Subscribe implements app.Service.
func (a *DimensionAnnouncer) Subscribe(b *broker.Broker) {
	a.b = b
	b.On("client-connected", func(b *broker.Broker, _ ...any) {
		b.EmitEvent(broker.Up, EventRegisterDimension, a.Dimension)
	})
}

// Run implements app.Runner.
func (a *DimensionAnnouncer) Run(elapsed time.Duration) bool {
	interval := a.Interval
	if interval <= 0 {
		interval = DefaultAnnounceInterval
	}
	if elapsed < interval {
		return false
	}
	a.b.SendRes(ResDimension, a.Dimension, broker.Up)
	return true
}
