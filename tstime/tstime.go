// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package tstime defines time utilities shared by the broker and its tools.
package tstime

import (
	"context"
	"time"
)

// Clock is the source of wall-clock time for subscriber throttling and
// simulation timing. Tests substitute tstest.Clock.
type Clock interface {
	// Now returns the current time, as in time.Now.
	Now() time.Time
	// Since returns the time elapsed since t, as in time.Since.
	Since(t time.Time) time.Duration
	// AfterFunc calls f in its own goroutine after d, as in time.AfterFunc.
	// The returned func stops the timer and reports whether it did so
	// before f ran.
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

// StdClock is a Clock backed by the time package.
type StdClock struct{}

var _ Clock = StdClock{}

func (StdClock) Now() time.Time                  { return time.Now() }
func (StdClock) Since(t time.Time) time.Duration { return time.Since(t) }

func (StdClock) AfterFunc(d time.Duration, f func()) (stop func() bool) {
	return time.AfterFunc(d, f).Stop
}

// OrStd returns c, or StdClock if c is nil.
func OrStd(c Clock) Clock {
	if c == nil {
		return StdClock{}
	}
	return c
}

// Sleep is like [time.Sleep] but returns early if the context is done.
// It reports whether the full sleep duration was achieved.
func Sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
