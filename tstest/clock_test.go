// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package tstest

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

var testStart = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func TestClockStep(t *testing.T) {
	c := qt.New(t)
	clock := NewClock(ClockOpts{Start: testStart, Step: time.Second})
	c.Assert(clock.Now(), qt.Equals, testStart)
	c.Assert(clock.Now(), qt.Equals, testStart.Add(time.Second))
	c.Assert(clock.PeekNow(), qt.Equals, testStart.Add(time.Second))
	clock.Advance(time.Minute)
	c.Assert(clock.Now(), qt.Equals, testStart.Add(time.Minute+time.Second))
	c.Assert(clock.Since(testStart), qt.Equals, time.Minute+2*time.Second)
}

func TestClockAfterFuncOrder(t *testing.T) {
	c := qt.New(t)
	clock := NewClock(ClockOpts{Start: testStart})
	var got []int
	clock.AfterFunc(30*time.Millisecond, func() { got = append(got, 3) })
	clock.AfterFunc(10*time.Millisecond, func() { got = append(got, 1) })
	clock.AfterFunc(10*time.Millisecond, func() { got = append(got, 2) })
	c.Assert(clock.PendingTimers(), qt.Equals, 3)

	clock.Advance(5 * time.Millisecond)
	c.Assert(got, qt.HasLen, 0)
	clock.Advance(5 * time.Millisecond)
	c.Assert(got, qt.DeepEquals, []int{1, 2})
	clock.AdvanceTo(testStart.Add(time.Second))
	c.Assert(got, qt.DeepEquals, []int{1, 2, 3})
	c.Assert(clock.PendingTimers(), qt.Equals, 0)
}

func TestClockAfterFuncStop(t *testing.T) {
	c := qt.New(t)
	clock := NewClock(ClockOpts{Start: testStart})
	fired := false
	stop := clock.AfterFunc(time.Second, func() { fired = true })
	c.Assert(stop(), qt.IsTrue)
	c.Assert(stop(), qt.IsFalse)
	clock.Advance(2 * time.Second)
	c.Assert(fired, qt.IsFalse)

	stop = clock.AfterFunc(time.Second, func() { fired = true })
	clock.Advance(time.Second)
	c.Assert(fired, qt.IsTrue)
	c.Assert(stop(), qt.IsFalse)
}

func TestClockAfterFuncReentrant(t *testing.T) {
	c := qt.New(t)
	clock := NewClock(ClockOpts{Start: testStart})
	n := 0
	var rearm func()
	rearm = func() {
		n++
		if n < 3 {
			clock.AfterFunc(time.Second, rearm)
		}
	}
	clock.AfterFunc(time.Second, rearm)
	for range 5 {
		clock.Advance(time.Second)
	}
	c.Assert(n, qt.Equals, 3)
}

func TestClockImmediateAfterFunc(t *testing.T) {
	c := qt.New(t)
	clock := new(Clock)
	ran := false
	clock.AfterFunc(0, func() { ran = true })
	c.Assert(ran, qt.IsTrue)
}
