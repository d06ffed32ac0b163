// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package app

import (
	"context"
	"testing"
	"testing/synctest"
	"time"

	"github.com/euhmeuh/fxpq/broker"
	qt "github.com/frankban/quicktest"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// cadenceService completes once every period of accumulated time.
type cadenceService struct {
	period     time.Duration
	subscribed int
	calls      int
	fired      []time.Duration // elapsed values that completed
	firedAt    []time.Time
}

func (s *cadenceService) Subscribe(*broker.Broker) { s.subscribed++ }

func (s *cadenceService) Run(elapsed time.Duration) bool {
	s.calls++
	if elapsed < s.period {
		return false
	}
	s.fired = append(s.fired, elapsed)
	s.firedAt = append(s.firedAt, time.Now())
	return true
}

// passive subscribes but never runs.
type passive struct{ subscribed []string }

func (p *passive) Subscribe(b *broker.Broker) {
	b.ProvideRes("answer", func() any { return 42 })
	p.subscribed = append(p.subscribed, "passive")
}

func TestCadence(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		svc := &cadenceService{period: 2 * time.Second}
		a := New(broker.New(broker.Options{}), Options{Logf: t.Logf}, svc)

		ticksBefore := testutil.ToFloat64(ticksTotal)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		start := time.Now()
		qt.Assert(t, a.Run(ctx), qt.IsNil)
		ticks := int(testutil.ToFloat64(ticksTotal) - ticksBefore)

		qt.Assert(t, svc.subscribed, qt.Equals, 1)
		// Polled on every tick.
		qt.Assert(t, svc.calls, qt.Equals, ticks)
		// 60 ticks a second for 10 seconds.
		qt.Assert(t, ticks >= 599 && ticks <= 601, qt.IsTrue, qt.Commentf("ticks = %d", ticks))

		// Completed only once per 2s of wall time.
		qt.Assert(t, len(svc.fired), qt.Equals, 4)
		prev := start
		for i, at := range svc.firedAt {
			gap := at.Sub(prev)
			if gap < 2*time.Second || gap >= 2*time.Second+DefaultTick {
				t.Errorf("completion %d came %v after the previous one", i, gap)
			}
			if svc.fired[i] != gap {
				t.Errorf("completion %d saw elapsed %v, want %v", i, svc.fired[i], gap)
			}
			prev = at
		}
		qt.Assert(t, a.State(), qt.Equals, Stopped)
	})
}

func TestRunStates(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		b := broker.New(broker.Options{})
		p := &passive{}
		a := New(b, Options{}, p)
		qt.Assert(t, a.State(), qt.Equals, Idle)

		ctx, cancel := context.WithCancel(context.Background())
		errc := make(chan error, 1)
		go func() { errc <- a.Run(ctx) }()
		synctest.Wait()
		qt.Assert(t, a.State(), qt.Equals, Running)

		// A second Run is a no-op.
		qt.Assert(t, a.Run(context.Background()), qt.IsNil)
		qt.Assert(t, p.subscribed, qt.DeepEquals, []string{"passive"})

		// Services can use the broker they subscribed to.
		var got any
		b.FetchRes("answer", func(v any) { got = v }, broker.Local)
		qt.Assert(t, got, qt.Equals, 42)

		cancel()
		qt.Assert(t, <-errc, qt.IsNil)
		qt.Assert(t, a.State(), qt.Equals, Stopped)
		qt.Assert(t, a.Run(context.Background()), qt.ErrorIs, ErrStopped)

		select {
		case <-b.Done():
		default:
			t.Error("broker not closed after Run returned")
		}
	})
}

func TestClose(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		a := New(broker.New(broker.Options{}), Options{})
		errc := make(chan error, 1)
		go func() { errc <- a.Run(context.Background()) }()
		synctest.Wait()
		qt.Assert(t, a.Close(), qt.IsNil)
		qt.Assert(t, <-errc, qt.IsNil)
		qt.Assert(t, a.State(), qt.Equals, Stopped)
	})

	idle := New(broker.New(broker.Options{}), Options{})
	qt.Assert(t, idle.Close(), qt.IsNil)
	qt.Assert(t, idle.State(), qt.Equals, Stopped)
	qt.Assert(t, idle.Run(context.Background()), qt.ErrorIs, ErrStopped)
}

// order records the sequence of subscribe and run calls.
type order struct {
	name string
	log  *[]string
}

func (o order) Subscribe(*broker.Broker) { *o.log = append(*o.log, "subscribe "+o.name) }

func (o order) Run(time.Duration) bool {
	*o.log = append(*o.log, "run "+o.name)
	return true
}

func TestServiceOrder(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var log []string
		a := New(broker.New(broker.Options{}), Options{}, order{"net", &log})
		a.Add(order{"dimension", &log}, &passive{})

		ctx, cancel := context.WithTimeout(context.Background(), DefaultTick/2)
		defer cancel()
		qt.Assert(t, a.Run(ctx), qt.IsNil)

		want := []string{
			"subscribe net",
			"subscribe dimension",
			"run net",
			"run dimension",
		}
		if diff := cmp.Diff(want, log); diff != "" {
			t.Errorf("call order mismatch (-want +got):\n%s", diff)
		}
		qt.Assert(t, func() { a.Add(&passive{}) }, qt.PanicMatches, "app: Add on a stopped application")
	})
}
