// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package backoff provides a back-off timer type for retrying failed
// operations, such as redialing a lost parent connection.
package backoff

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/euhmeuh/fxpq/types/logger"
)

// Backoff tracks the history of consecutive failures and sleeps
// an increasing amount of time, up to a provided limit.
type Backoff struct {
	n          int // number of consecutive failures
	maxBackoff time.Duration

	// Name is the name of this backoff timer, for logging purposes.
	name string
	// logf is the function used for log messages when backing off.
	logf logger.Logf

	// NewTimer is the function that acts like time.NewTimer.
	// It's for use in unit tests.
	NewTimer func(time.Duration) *time.Timer

	// LogLongerThan sets the minimum time of a single backoff interval
	// before we mention it in the log.
	LogLongerThan time.Duration
}

// NewBackoff returns a new Backoff timer with the provided name (for
// logging), logger, and maximum backoff time. By default, all failures
// (calls to BackOff with a non-nil err) are logged unless the returned
// Backoff.LogLongerThan is adjusted.
func NewBackoff(name string, logf logger.Logf, maxBackoff time.Duration) *Backoff {
	return &Backoff{
		name:       name,
		logf:       logger.OrDiscard(logf),
		maxBackoff: maxBackoff,
		NewTimer:   time.NewTimer,
	}
}

// Failures reports the number of consecutive failures seen so far.
func (b *Backoff) Failures() int { return b.n }

// Delay returns how long the next failure would sleep, before jitter.
func (b *Backoff) Delay() time.Duration {
	// Doubling from 100ms: 100ms, 200ms, 400ms, ...
	d := 100 * time.Millisecond
	for i := 1; i < b.n && d < b.maxBackoff; i++ {
		d *= 2
	}
	return min(d, b.maxBackoff)
}

// BackOff sleeps an increasing amount of time if err is non-nil while
// the context is active. It resets the backoff schedule once err is nil.
func (b *Backoff) BackOff(ctx context.Context, err error) {
	if err == nil {
		// No error. Reset number of consecutive failures.
		b.n = 0
		return
	}
	if ctx.Err() != nil {
		// Fast path.
		return
	}

	b.n++
	d := b.Delay()
	// Randomize the delay between 0.5-1.0 x msec, in order
	// to sometimes cut the delay down by half.
	if half := int64(d / 2); half > 0 {
		d = time.Duration(half + rand.Int64N(half))
	}

	if d >= b.LogLongerThan {
		b.logf("%s: [v1] backoff: %d msec", b.name, d.Milliseconds())
	}
	t := b.NewTimer(d)
	select {
	case <-ctx.Done():
		t.Stop()
	case <-t.C:
	}
}

// Retry calls try repeatedly until it returns nil or ctx is done,
// backing off between failed attempts. If ctx is already done, Retry
// returns ctx.Err() without calling try.
//
// If report is non-nil it is called with each failure; a non-nil
// return aborts the loop with that error.
func (b *Backoff) Retry(ctx context.Context, try func() error, report func(error) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := try()
		if err == nil {
			b.BackOff(ctx, nil)
			return nil
		}
		if report != nil {
			if err := report(err); err != nil {
				return err
			}
		}
		b.BackOff(ctx, err)
	}
}
