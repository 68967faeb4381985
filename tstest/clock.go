// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package tstest

import (
	"container/heap"
	"sync"
	"time"

	"uorb.dev/tstime"
)

// ClockOpts is used to configure the initial settings for a Clock. Once the
// settings are configured as desired, call NewClock to get the resulting Clock.
type ClockOpts struct {
	// Start is the starting time for the Clock. It is also the value that
	// will be returned by the first call to Clock.Now. If you are passing a
	// value here, set an explicit timezone. The default time is in UTC.
	Start time.Time

	// Step is the amount of time the Clock will advance whenever Clock.Now is
	// called. If set to zero, the Clock only advances when Clock.Advance is
	// called.
	Step time.Duration
}

// NewClock creates a Clock with the specified settings. To create a
// Clock with only the default settings, new(Clock) is equivalent, except that
// the start time will not be computed until one of the receivers is called.
func NewClock(co ClockOpts) *Clock {
	c := &Clock{
		start: co.Start,
		step:  co.Step,
	}
	c.init()
	return c
}

// Clock is a manually driven tstime.Clock for tests. Time only moves when
// Advance or AdvanceTo is called, or by Step on every call to Now.
//
// Functions scheduled with AfterFunc run synchronously in the goroutine that
// moves the clock past their deadline, in deadline order, with the Clock
// unlocked.
type Clock struct {
	// start is the first value returned by Now. It must not be modified after
	// init is called.
	start time.Time

	initOnce sync.Once
	mu       sync.Mutex

	// step is how much to advance with each Now call.
	step time.Duration
	// present is the last value returned by Now (and will be returned again by
	// PeekNow).
	present time.Time
	// skipStep indicates that the next call to Now should not add step to
	// present. This occurs after initialization and after Advance.
	skipStep bool

	events eventQueue
	seq    uint64
}

var _ tstime.Clock = (*Clock)(nil)

func (c *Clock) init() {
	c.initOnce.Do(func() {
		if c.start.IsZero() {
			c.start = time.Now().UTC()
		}
		c.present = c.start
		c.skipStep = true
	})
}

// Now returns the virtual clock's current time, and advances it
// according to its step configuration.
func (c *Clock) Now() time.Time {
	c.init()
	c.mu.Lock()
	if c.skipStep || c.step == 0 {
		c.skipStep = false
		defer c.mu.Unlock()
		return c.present
	}
	c.present = c.present.Add(c.step)
	due := c.popDueLocked()
	now := c.present
	c.mu.Unlock()
	runAll(due)
	return now
}

// PeekNow returns the last time reported by Now. If Now has never been called,
// PeekNow returns the same value as GetStart.
func (c *Clock) PeekNow() time.Time {
	c.init()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.present
}

// Since subtracts specified duration from Now().
func (c *Clock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Advance moves simulated time forward or backwards by a relative amount. Any
// AfterFunc whose deadline is reached runs before Advance returns. The
// return value is the new current time.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.init()
	c.mu.Lock()
	c.present = c.present.Add(d)
	c.skipStep = true
	now := c.present
	due := c.popDueLocked()
	c.mu.Unlock()
	runAll(due)
	return now
}

// AdvanceTo moves simulated time to a new absolute value. Any AfterFunc
// whose deadline is reached runs before AdvanceTo returns.
func (c *Clock) AdvanceTo(t time.Time) {
	c.init()
	c.mu.Lock()
	c.present = t
	c.skipStep = true
	due := c.popDueLocked()
	c.mu.Unlock()
	runAll(due)
}

// GetStart returns the initial simulated time when this Clock was created.
func (c *Clock) GetStart() time.Time {
	c.init()
	return c.start
}

// GetStep returns the amount that simulated time advances on every call to Now.
func (c *Clock) GetStep() time.Duration {
	c.init()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.step
}

// SetStep updates the amount that simulated time advances on every call to Now.
func (c *Clock) SetStep(d time.Duration) {
	c.init()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.step = d
}

// AfterFunc schedules f to run once the simulated time reaches Now()+d. A
// non-positive d runs f immediately in the calling goroutine.
func (c *Clock) AfterFunc(d time.Duration, f func()) (stop func() bool) {
	c.init()
	c.mu.Lock()
	c.seq++
	ev := &event{when: c.present.Add(d), seq: c.seq, f: f}
	if d > 0 {
		heap.Push(&c.events, ev)
		c.mu.Unlock()
	} else {
		ev.fired = true
		c.mu.Unlock()
		f()
	}
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if ev.fired || ev.stopped {
			return false
		}
		ev.stopped = true
		heap.Remove(&c.events, ev.index)
		return true
	}
}

// PendingTimers returns the number of AfterFunc callbacks that have not yet
// fired or been stopped.
func (c *Clock) PendingTimers() int {
	c.init()
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// popDueLocked removes and returns the events due at c.present.
func (c *Clock) popDueLocked() []*event {
	var due []*event
	for len(c.events) > 0 && !c.events[0].when.After(c.present) {
		ev := heap.Pop(&c.events).(*event)
		ev.fired = true
		due = append(due, ev)
	}
	return due
}

func runAll(evs []*event) {
	for _, ev := range evs {
		ev.f()
	}
}

type event struct {
	when    time.Time
	seq     uint64 // tie-break so equal deadlines fire in scheduling order
	f       func()
	index   int
	fired   bool
	stopped bool
}

// eventQueue is a min-heap of events ordered by deadline.
type eventQueue []*event

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].when.Equal(q[j].when) {
		return q[i].seq < q[j].seq
	}
	return q[i].when.Before(q[j].when)
}

func (q eventQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *eventQueue) Push(x any) {
	ev := x.(*event)
	ev.index = len(*q)
	*q = append(*q, ev)
}

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return ev
}
