// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package eventbus_test

import (
	"fmt"
	"slices"
	"testing"

	"github.com/euhmeuh/fxpq/util/eventbus"
	"github.com/google/go-cmp/cmp"
)

type source struct{ name string }

// recorder collects "who:event(args)" strings in call order.
type recorder struct{ got []string }

func (r *recorder) on(who string) eventbus.Func[*source] {
	return func(src *source, args ...any) {
		r.got = append(r.got, fmt.Sprintf("%s:%s%v", who, src.name, args))
	}
}

func TestEmitOrder(t *testing.T) {
	src := &source{"node"}
	e := eventbus.New(src)
	var r recorder

	e.On("dimension-received", r.on("a"))
	e.On("dimension-received", r.on("b"))
	e.On("other", r.on("c"))
	e.Emit("dimension-received", 1, "x")

	want := []string{"a:node[1 x]", "b:node[1 x]"}
	if diff := cmp.Diff(want, r.got); diff != "" {
		t.Errorf("emit order (-want +got):\n%s", diff)
	}
}

func TestDuplicateRegistration(t *testing.T) {
	e := eventbus.New(&source{"n"})
	n := 0
	fn := func(*source, ...any) { n++ }
	e.On("tick", fn)
	e.On("tick", fn)
	e.Emit("tick")
	if n != 2 {
		t.Errorf("callback ran %d times; want 2", n)
	}
}

func TestEmitNoSubscribers(t *testing.T) {
	e := eventbus.New(&source{"n"})
	e.Emit("nobody-listens", 1, 2, 3)
	if e.HasSubscribers("nobody-listens") {
		t.Error("HasSubscribers = true for unknown event")
	}
}

func TestOnAny(t *testing.T) {
	e := eventbus.New(&source{"n"})
	var named, wild []string
	e.On("a", func(*source, ...any) { named = append(named, "a") })
	e.OnAny(func(_ *source, name string, args ...any) {
		// Named subscribers must already have run.
		if name == "a" && len(named) != 1 {
			t.Errorf("wildcard ran before named subscriber")
		}
		wild = append(wild, fmt.Sprint(name, args))
	})
	e.Emit("a", 1)
	e.Emit("b")

	if diff := cmp.Diff([]string{"a[1]", "b[]"}, wild); diff != "" {
		t.Errorf("wildcard events (-want +got):\n%s", diff)
	}
}

func TestOnAnyTwice(t *testing.T) {
	e := eventbus.New(&source{"n"})
	calls := 0
	fn := func(*source, string, ...any) { calls++ }
	h1 := e.OnAny(fn)
	h2 := e.OnAny(fn)
	if h1 == h2 {
		t.Fatal("OnAny returned the same handle twice")
	}
	e.Emit("tick")
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	e.OffAny(h1)
	e.Emit("tick")
	if calls != 3 {
		t.Errorf("calls after OffAny = %d, want 3", calls)
	}
}

func TestOff(t *testing.T) {
	e := eventbus.New(&source{"n"})
	var got []string
	h := e.On("x", func(*source, ...any) { got = append(got, "first") })
	e.On("x", func(*source, ...any) { got = append(got, "second") })
	wh := e.OnAny(func(*source, string, ...any) { got = append(got, "any") })

	if !e.Off(h) {
		t.Fatal("Off = false; want true")
	}
	if e.Off(h) {
		t.Fatal("second Off = true; want false")
	}
	e.OffAny(wh)
	e.Emit("x")

	if diff := cmp.Diff([]string{"second"}, got); diff != "" {
		t.Errorf("after Off (-want +got):\n%s", diff)
	}
}

func TestPanicAbortsDelivery(t *testing.T) {
	e := eventbus.New(&source{"n"})
	var got []string
	e.On("boom", func(*source, ...any) { got = append(got, "before") })
	e.On("boom", func(*source, ...any) { panic("subscriber failed") })
	e.On("boom", func(*source, ...any) { got = append(got, "after") })

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Error("panic did not propagate to Emit caller")
			}
		}()
		e.Emit("boom")
	}()
	if !slices.Equal(got, []string{"before"}) {
		t.Errorf("got %q; want only [before]", got)
	}

	// Other emits are unaffected.
	e.On("calm", func(*source, ...any) { got = append(got, "calm") })
	e.Emit("calm")
	if got[len(got)-1] != "calm" {
		t.Errorf("later emit not delivered: %q", got)
	}
}

func TestSubscribeDuringEmit(t *testing.T) {
	e := eventbus.New(&source{"n"})
	n := 0
	e.On("x", func(*source, ...any) {
		n++
		e.On("x", func(*source, ...any) { n += 10 })
	})
	e.Emit("x")
	if n != 1 {
		t.Errorf("after first emit n = %d; want 1 (new subscriber must wait for next emit)", n)
	}
	e.Emit("x")
	if n != 12 {
		t.Errorf("after second emit n = %d; want 12", n)
	}
}
