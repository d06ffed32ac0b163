// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package broker

import "github.com/euhmeuh/fxpq/syncs"

// mailbox queues closures posted by connection goroutines until the
// broker's owner runs them.
type mailbox struct {
	mu   syncs.Mutex
	q    []func()
	wake chan struct{} // 1-buffered
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1)}
}

func (m *mailbox) post(f func()) {
	m.mu.Lock()
	m.q = append(m.q, f)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// drain runs everything queued so far and reports how many closures
// ran. Closures posted while draining wait for the next call.
func (m *mailbox) drain() int {
	m.mu.Lock()
	q := m.q
	m.q = nil
	m.mu.Unlock()
	for i, f := range q {
		q[i] = nil
		f()
	}
	return len(q)
}
