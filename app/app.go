// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package app runs a node: one broker and the services using it,
// driven by a fixed-rate tick loop.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/euhmeuh/fxpq/broker"
	"github.com/euhmeuh/fxpq/syncs"
	"github.com/euhmeuh/fxpq/types/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultTick is the target duration of one loop iteration.
const DefaultTick = time.Second / 60

// ErrStopped is returned by Run on an application that already ran.
var ErrStopped = errors.New("app: application stopped")

// A Service is a unit of node behavior. Subscribe registers its
// providers and subscriptions with the broker; it is called once,
// when the application starts.
type Service interface {
	Subscribe(b *broker.Broker)
}

// A Runner is a Service that also wants to be polled every tick.
//
// Run receives the time since the Runner last returned true (or since
// the application started). Returning false lets that time keep
// accumulating, so a Runner can act on its own cadence while being
// polled at the tick rate.
type Runner interface {
	Service
	Run(elapsed time.Duration) bool
}

// State is the lifecycle state of an Application.
type State int

const (
	Idle State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	ticksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fxpq",
		Subsystem: "app",
		Name:      "ticks_total",
		Help:      "Scheduler loop iterations.",
	})
	tickOverrunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fxpq",
		Subsystem: "app",
		Name:      "tick_overruns_total",
		Help:      "Loop iterations that took longer than the target tick.",
	})
)

// Options configures an Application.
type Options struct {
	Logf logger.Logf   // or nil to discard
	Tick time.Duration // or zero for DefaultTick
}

// Application owns a broker and a list of services and runs them.
type Application struct {
	logf     logger.Logf
	tick     time.Duration
	b        *broker.Broker
	services []Service

	mu    syncs.Mutex
	state State
	stop  context.CancelFunc // non-nil while running
}

// New returns an idle application driving b.
func New(b *broker.Broker, opts Options, services ...Service) *Application {
	tick := opts.Tick
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Application{
		logf:     logger.WithPrefix(logger.OrDiscard(opts.Logf), "app: "),
		tick:     tick,
		b:        b,
		services: services,
	}
}

// Broker returns the application's broker.
func (a *Application) Broker() *broker.Broker { return a.b }

// Add appends services. It panics unless the application is idle.
func (a *Application) Add(services ...Service) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != Idle {
		panic("app: Add on a " + a.state.String() + " application")
	}
	a.services = append(a.services, services...)
}

// State reports the current lifecycle state.
func (a *Application) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Run subscribes every service, starts the broker's connections, and
// runs the tick loop until ctx is done or Close is called. It then
// closes the broker.
//
// Run returns nil at once if the application is already running, and
// ErrStopped if it has already stopped.
func (a *Application) Run(ctx context.Context) error {
	a.mu.Lock()
	switch a.state {
	case Running:
		a.mu.Unlock()
		return nil
	case Stopped:
		a.mu.Unlock()
		return ErrStopped
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.state = Running
	a.stop = cancel
	services := a.services
	a.mu.Unlock()

	defer func() {
		if err := a.b.Close(); err != nil {
			a.logf("closing broker: %v", err)
		}
		a.mu.Lock()
		a.state = Stopped
		a.stop = nil
		a.mu.Unlock()
	}()

	for _, s := range services {
		s.Subscribe(a.b)
	}
	if err := a.b.Listen(); err != nil {
		return err
	}
	a.logf("running %d services every %v", len(services), a.tick)
	a.loop(ctx, services)
	return nil
}

// Close stops a running application without waiting for it; Run
// returns after the current tick. Closing an idle application closes
// its broker and marks it stopped.
func (a *Application) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case Running:
		a.stop()
	case Idle:
		a.state = Stopped
		return a.b.Close()
	}
	return nil
}

func (a *Application) loop(ctx context.Context, services []Service) {
	var runners []Runner
	for _, s := range services {
		if r, ok := s.(Runner); ok {
			runners = append(runners, r)
		}
	}
	lastRun := make([]time.Time, len(runners))
	start := time.Now()
	for i := range lastRun {
		lastRun[i] = start
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		tickStart := time.Now()
		a.b.Dispatch()
		for i, r := range runners {
			now := time.Now()
			if r.Run(now.Sub(lastRun[i])) {
				lastRun[i] = now
			}
		}
		ticksTotal.Inc()

		rest := a.tick - time.Since(tickStart)
		if rest < 0 {
			tickOverrunsTotal.Inc()
			rest = 0
		}
		timer.Reset(rest)
	}
}
