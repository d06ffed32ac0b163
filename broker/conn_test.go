// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package broker

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/euhmeuh/fxpq/net/memnet"
	"github.com/euhmeuh/fxpq/net/transport"
	"github.com/euhmeuh/fxpq/resource"
	"github.com/euhmeuh/fxpq/types/logger"
	qt "github.com/frankban/quicktest"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// testLogf logs to t until the test's cleanups have run, then drops
// lines from goroutines that outlive it.
func testLogf(t *testing.T) logger.Logf {
	var done atomic.Bool
	t.Cleanup(func() { done.Store(true) })
	return func(format string, args ...any) {
		if !done.Load() {
			t.Logf(format, args...)
		}
	}
}

// startPump runs b's mailbox on its own goroutine for the rest of the
// test and closes b at cleanup.
func startPump(t *testing.T, b *Broker) {
	ctx, cancel := context.WithCancel(context.Background())
	var g taskgroup.Group
	g.Go(func() error {
		b.Pump(ctx)
		return nil
	})
	t.Cleanup(func() {
		b.Close()
		cancel()
		g.Wait()
	})
}

// recv waits for a value on ch.
func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(10 * time.Second):
		t.Fatal("timed out")
		panic("unreachable")
	}
}

// pair connects a client broker to a server broker listening on addr.
func pair(t *testing.T, addr string) (master, zone *Broker, srv *ServerConnection, cli *ClientConnection) {
	nw := &transport.Network{Mem: new(memnet.Network)}
	master = New(Options{Logf: logger.WithPrefix(testLogf(t), "master: ")})
	zone = New(Options{Logf: logger.WithPrefix(testLogf(t), "zone: ")})

	srv = NewServer(addr, nw)
	master.Connect(srv)
	qt.Assert(t, master.Listen(), qt.IsNil)
	<-srv.Bound()
	qt.Assert(t, srv.State(), qt.Equals, StateConnected)

	connected := make(chan struct{}, 1)
	zone.On("client-connected", func(*Broker, ...any) { connected <- struct{}{} })
	peers := make(chan string, 1)
	master.On("peer-connected", func(_ *Broker, args ...any) { peers <- args[1].(string) })

	cli = NewClient(srv.URL(), nw)
	zone.Connect(cli)

	startPump(t, master)
	startPump(t, zone)
	qt.Assert(t, zone.Listen(), qt.IsNil)
	recv(t, connected)
	recv(t, peers)
	return master, zone, srv, cli
}

func forEachTransport(t *testing.T, f func(t *testing.T, addr string)) {
	for _, addr := range []string{
		"mem://master",
		"tcp://127.0.0.1:0",
		"ws://127.0.0.1:0/fxpq",
	} {
		scheme, _, _ := strings.Cut(addr, ":")
		t.Run(scheme, func(t *testing.T) { f(t, addr) })
	}
}

func TestFetchAcrossLink(t *testing.T) {
	forEachTransport(t, func(t *testing.T, addr string) {
		master, zone, _, _ := pair(t, addr)
		master.ProvideRes("dimension-list", func() any { return []string{"overworld", "nether"} })
		zone.ProvideRes("dimension-list", func() any { return []string{"nether", "end"} })

		// Up from the zone merges its own answer with the master's.
		got := make(chan any, 1)
		zone.Post(func() {
			zone.FetchRes("dimension-list", func(v any) { got <- v }, Up)
		})
		want := []any{"end", "nether", "overworld"}
		less := cmpopts.SortSlices(func(a, b any) bool { return a.(string) < b.(string) })
		if diff := cmp.Diff(want, recv(t, got), less); diff != "" {
			t.Errorf("Up fetch mismatch (-want +got):\n%s", diff)
		}

		// Down from the master reaches the zone.
		zone.ProvideRes("zone-version", func() any { return 7 })
		master.Post(func() {
			master.FetchRes("zone-version", func(v any) { got <- v }, Down)
		})
		qt.Assert(t, recv(t, got), qt.Equals, any(uint64(7)))
	})
}

func TestFetchFromSeveralPeers(t *testing.T) {
	nw := &transport.Network{Mem: new(memnet.Network)}
	master := New(Options{Logf: logger.WithPrefix(testLogf(t), "master: ")})
	srv := NewServer("mem://master", nw)
	master.Connect(srv)
	qt.Assert(t, master.Listen(), qt.IsNil)
	<-srv.Bound()
	peers := make(chan string, 2)
	master.On("peer-connected", func(_ *Broker, args ...any) { peers <- args[1].(string) })
	startPump(t, master)

	// Zones connect one at a time so their accept order is known.
	zones := make([]*Broker, 2)
	for i := range zones {
		zone := New(Options{Logf: logger.WithPrefix(testLogf(t), fmt.Sprintf("zone%d: ", i))})
		zone.Connect(NewClient(srv.URL(), nw))
		startPump(t, zone)
		qt.Assert(t, zone.Listen(), qt.IsNil)
		recv(t, peers)
		zones[i] = zone
	}
	qt.Assert(t, srv.Peers(), qt.Equals, 2)

	fetch := func(name string) any {
		got := make(chan any, 1)
		master.Post(func() {
			master.FetchRes(name, func(v any) { got <- v }, Down)
		})
		return recv(t, got)
	}

	// Scalar answers from the zones join the master's collection.
	master.ProvideRes("ids", func() any { return []int{1} })
	zones[0].ProvideRes("ids", func() any { return 3 })
	zones[1].ProvideRes("ids", func() any { return 7 })
	var ids []string
	for _, v := range resource.Items(fetch("ids")) {
		ids = append(ids, fmt.Sprint(v))
	}
	if diff := cmp.Diff([]string{"1", "3", "7"}, ids); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}

	// Scalars fold across every source, not per connection.
	master.ProvideRes("level", func() any { return 5 })
	zones[0].ProvideRes("level", func() any { return "a" })
	zones[1].ProvideRes("level", func() any { return 10 })
	qt.Assert(t, fetch("level"), qt.Equals, any(uint64(10)))
}

func TestSendAndNotifyAcrossLink(t *testing.T) {
	forEachTransport(t, func(t *testing.T, addr string) {
		master, zone, _, _ := pair(t, addr)

		received := make(chan any, 4)
		master.ReceiveRes("dimension", func(v any) { received <- v })
		zone.Post(func() {
			zone.SendRes("dimension", "overworld", Up)
			zone.SendRes("dimension", "nether", Up)
		})
		qt.Assert(t, recv(t, received), qt.Equals, any("overworld"))
		qt.Assert(t, recv(t, received), qt.Equals, any("nether"))

		events := make(chan []any, 1)
		zone.On("sync-dimensions", func(_ *Broker, args ...any) { events <- args })
		master.Post(func() {
			master.EmitEvent(Down, "sync-dimensions", "now", nil)
		})
		qt.Assert(t, recv(t, events), qt.DeepEquals, []any{"now", nil})
	})
}

// A send relayed through a middle node keeps travelling in the same
// direction.
func TestCloseFlushesQueuedSends(t *testing.T) {
	forEachTransport(t, func(t *testing.T, addr string) {
		master, zone, _, _ := pair(t, addr)

		const n = 20
		received := make(chan any, n)
		master.ReceiveRes("tick", func(v any) { received <- v })
		sent := make(chan struct{})
		zone.Post(func() {
			for i := range n {
				zone.SendRes("tick", i, Up)
			}
			close(sent)
		})
		recv(t, sent)
		qt.Assert(t, zone.Close(), qt.IsNil)

		for i := range n {
			qt.Assert(t, recv(t, received), qt.Equals, any(uint64(i)))
		}
	})
}

func TestSendRelaysUp(t *testing.T) {
	nw := &transport.Network{Mem: new(memnet.Network)}
	master := New(Options{Logf: testLogf(t)})
	dim := New(Options{Logf: testLogf(t)})
	zone := New(Options{Logf: testLogf(t)})

	masterSrv := NewServer("mem://master", nw)
	master.Connect(masterSrv)
	dimSrv := NewServer("mem://dimension", nw)
	dim.Connect(dimSrv)
	dimUp := NewClient("mem://master", nw)
	dim.Connect(dimUp)
	zoneUp := NewClient("mem://dimension", nw)
	zone.Connect(zoneUp)

	for _, b := range []*Broker{master, dim, zone} {
		startPump(t, b)
	}
	ready := make(chan struct{}, 2)
	dim.On("client-connected", func(*Broker, ...any) { ready <- struct{}{} })
	zone.On("client-connected", func(*Broker, ...any) { ready <- struct{}{} })

	qt.Assert(t, master.Listen(), qt.IsNil)
	<-masterSrv.Bound()
	qt.Assert(t, dim.Listen(), qt.IsNil)
	<-dimSrv.Bound()
	qt.Assert(t, zone.Listen(), qt.IsNil)
	recv(t, ready)
	recv(t, ready)

	atDim := make(chan any, 1)
	atMaster := make(chan any, 1)
	dim.ReceiveRes("dimension", func(v any) { atDim <- v })
	master.ReceiveRes("dimension", func(v any) { atMaster <- v })
	zone.Post(func() { zone.SendRes("dimension", "end", Up) })
	qt.Assert(t, recv(t, atDim), qt.Equals, any("end"))
	qt.Assert(t, recv(t, atMaster), qt.Equals, any("end"))
}

func TestConnectionLost(t *testing.T) {
	master, zone, _, cli := pair(t, "mem://master")

	failed := make(chan error, 1)
	zone.On("connection-failed", func(_ *Broker, args ...any) { failed <- args[1].(error) })
	master.Close()

	err := recv(t, failed)
	qt.Assert(t, err, qt.ErrorMatches, "connection lost.*")
	for cli.State() != StateDisconnected {
		time.Sleep(time.Millisecond)
	}

	// Fetching through a dead client yields the local answer only.
	zone.ProvideRes("x", func() any { return 1 })
	got := make(chan any, 1)
	zone.Post(func() { zone.FetchRes("x", func(v any) { got <- v }, Up) })
	qt.Assert(t, recv(t, got), qt.Equals, any(1))
}

func TestDialFailureAndReconnect(t *testing.T) {
	nw := &transport.Network{Mem: new(memnet.Network)}
	zone := New(Options{Logf: testLogf(t)})
	cli := NewClient("mem://master", nw)
	zone.Connect(cli)

	failed := make(chan error, 1)
	connected := make(chan Connection, 1)
	zone.On("connection-failed", func(_ *Broker, args ...any) { failed <- args[1].(error) })
	zone.On("client-connected", func(_ *Broker, args ...any) { connected <- args[0].(Connection) })
	startPump(t, zone)
	qt.Assert(t, zone.Listen(), qt.IsNil)

	qt.Assert(t, recv(t, failed), qt.IsNotNil)
	qt.Assert(t, cli.State(), qt.Equals, StateDisconnected)

	master := New(Options{Logf: testLogf(t)})
	srv := NewServer("mem://master", nw)
	master.Connect(srv)
	startPump(t, master)
	qt.Assert(t, master.Listen(), qt.IsNil)
	<-srv.Bound()

	cli.Reconnect()
	qt.Assert(t, recv(t, connected), qt.Equals, Connection(cli))
	qt.Assert(t, cli.State(), qt.Equals, StateConnected)
}

func TestServerBindFailure(t *testing.T) {
	nw := &transport.Network{Mem: new(memnet.Network)}
	first := New(Options{Logf: testLogf(t)})
	s1 := NewServer("mem://taken", nw)
	first.Connect(s1)
	startPump(t, first)
	qt.Assert(t, first.Listen(), qt.IsNil)
	<-s1.Bound()

	second := New(Options{Logf: testLogf(t)})
	s2 := NewServer("mem://taken", nw)
	second.Connect(s2)
	failed := make(chan error, 1)
	second.On("connection-failed", func(_ *Broker, args ...any) { failed <- args[1].(error) })
	startPump(t, second)
	qt.Assert(t, second.Listen(), qt.IsNil)
	qt.Assert(t, recv(t, failed), qt.IsNotNil)
	qt.Assert(t, s2.State(), qt.Equals, StateDisconnected)
	qt.Assert(t, s2.URL(), qt.Equals, "")
}

func TestFetchTimeout(t *testing.T) {
	nw := &transport.Network{Mem: new(memnet.Network)}
	// The master never pumps its mailbox, so it never answers.
	master := New(Options{Logf: testLogf(t)})
	srv := NewServer("mem://master", nw)
	master.Connect(srv)
	qt.Assert(t, master.Listen(), qt.IsNil)
	t.Cleanup(func() { master.Close() })
	<-srv.Bound()

	zone := New(Options{Logf: testLogf(t), FetchTimeout: 50 * time.Millisecond})
	cli := NewClient(srv.URL(), nw)
	zone.Connect(cli)
	connected := make(chan struct{}, 1)
	zone.On("client-connected", func(*Broker, ...any) { connected <- struct{}{} })
	startPump(t, zone)
	qt.Assert(t, zone.Listen(), qt.IsNil)
	recv(t, connected)

	zone.ProvideRes("x", func() any { return "local" })
	got := make(chan any, 1)
	zone.Post(func() { zone.FetchRes("x", func(v any) { got <- v }, Up) })
	qt.Assert(t, recv(t, got), qt.Equals, any("local"))
}
