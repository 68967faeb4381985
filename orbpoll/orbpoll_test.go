// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build unix

package orbpoll

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"uorb.dev/orb"
	"uorb.dev/reactor"
	"uorb.dev/tstest"
	"uorb.dev/types/logger"
)

var testMeta = &orb.Metadata{Name: "orbpoll_test", Size: 8}

func newReactor(t *testing.T) *reactor.Reactor {
	t.Helper()
	r, err := reactor.New(nil, logger.TestLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestPublishWakesReactor(t *testing.T) {
	tstest.ResourceCheck(t)
	c := qt.New(t)
	reg := orb.NewRegistry(orb.Options{Logf: logger.TestLogger(t)})
	pub, err := reg.Advertise(testMeta, nil, 1)
	c.Assert(err, qt.IsNil)
	sub, err := reg.Subscribe(testMeta, pub.Instance())
	c.Assert(err, qt.IsNil)
	ps, err := Open(sub, Options{Logf: logger.TestLogger(t)})
	c.Assert(err, qt.IsNil)
	defer ps.Close()

	r := newReactor(t)
	var got []uint64
	h := ps.Handle(func(s *Sub) {
		buf := make([]byte, 8)
		copied, _, err := s.Copy(buf)
		c.Check(err, qt.IsNil)
		if copied {
			got = append(got, binary.LittleEndian.Uint64(buf))
		}
		if len(got) == 3 {
			r.ExitAsync()
		}
	})
	c.Assert(r.Register(h), qt.IsNil)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	for i := uint64(1); i <= 3; i++ {
		c.Assert(pub.Publish(binary.LittleEndian.AppendUint64(nil, i)), qt.IsNil)
		// Let the reactor copy each value before the next publish
		// overwrites it.
		time.Sleep(20 * time.Millisecond)
	}
	select {
	case err := <-done:
		c.Assert(err, qt.IsNil)
	case <-time.After(5 * time.Second):
		t.Fatal("reactor did not exit")
	}
	c.Assert(got, qt.DeepEquals, []uint64{1, 2, 3})
}

func TestNothingPendingIsNotReadable(t *testing.T) {
	c := qt.New(t)
	n, err := orb.NewNode(testMeta, 0, nil)
	c.Assert(err, qt.IsNil)
	ps, err := Open(n.Subscribe(), Options{})
	c.Assert(err, qt.IsNil)
	defer ps.Close()

	r := newReactor(t)
	calls := 0
	c.Assert(r.Register(ps.Handle(func(s *Sub) {
		calls++
		s.Drain()
	})), qt.IsNil)
	_, _, err = r.RunOnce(0)
	c.Assert(err, qt.IsNil)
	_, n2, err := r.RunOnce(20 * time.Millisecond)
	c.Assert(err, qt.IsNil)
	c.Assert(n2, qt.Equals, 0)
	c.Assert(calls, qt.Equals, 0)

	c.Assert(n.Publish(make([]byte, 8)), qt.IsNil)
	_, n2, err = r.RunOnce(time.Second)
	c.Assert(err, qt.IsNil)
	c.Assert(n2, qt.Equals, 1)
	c.Assert(calls, qt.Equals, 1)
}

func TestThrottledSubscriberRearms(t *testing.T) {
	c := qt.New(t)
	clock := tstest.NewClock(tstest.ClockOpts{})
	n, err := orb.NewNode(testMeta, 0, clock)
	c.Assert(err, qt.IsNil)
	sub := n.Subscribe()
	c.Assert(sub.SetInterval(100*time.Millisecond), qt.IsNil)
	ps, err := Open(sub, Options{Clock: clock, Logf: logger.TestLogger(t)})
	c.Assert(err, qt.IsNil)
	defer ps.Close()

	r := newReactor(t)
	var results []bool
	c.Assert(r.Register(ps.Handle(func(s *Sub) {
		copied, _, err := s.Copy(make([]byte, 8))
		c.Check(err, qt.IsNil)
		results = append(results, copied)
	})), qt.IsNil)

	c.Assert(n.Publish(make([]byte, 8)), qt.IsNil)
	_, _, err = r.RunOnce(time.Second)
	c.Assert(err, qt.IsNil)
	c.Assert(results, qt.DeepEquals, []bool{false})
	c.Assert(clock.PendingTimers(), qt.Equals, 1)

	// Drained and throttled: nothing to do until the interval elapses.
	_, _, err = r.RunOnce(0)
	c.Assert(err, qt.IsNil)
	_, k, err := r.RunOnce(20 * time.Millisecond)
	c.Assert(err, qt.IsNil)
	c.Assert(k, qt.Equals, 0)

	clock.Advance(100 * time.Millisecond)
	c.Assert(clock.PendingTimers(), qt.Equals, 0)
	_, k, err = r.RunOnce(time.Second)
	c.Assert(err, qt.IsNil)
	c.Assert(k, qt.Equals, 1)
	c.Assert(results, qt.DeepEquals, []bool{false, true})
}

func TestOpenSignalsPendingValue(t *testing.T) {
	c := qt.New(t)
	reg := orb.NewRegistry(orb.Options{})
	pub, err := reg.AdvertisePersist(testMeta, make([]byte, 8), 1)
	c.Assert(err, qt.IsNil)
	defer pub.Close()
	sub, err := reg.Subscribe(testMeta, pub.Instance())
	c.Assert(err, qt.IsNil)
	ps, err := Open(sub, Options{})
	c.Assert(err, qt.IsNil)

	r := newReactor(t)
	copied := false
	c.Assert(r.Register(ps.Handle(func(s *Sub) {
		copied, _, _ = s.Copy(make([]byte, 8))
	})), qt.IsNil)
	_, k, err := r.RunOnce(time.Second)
	c.Assert(err, qt.IsNil)
	c.Assert(k, qt.Equals, 1)
	c.Assert(copied, qt.IsTrue)

	c.Assert(ps.Close(), qt.IsNil)
	c.Assert(ps.Close(), qt.ErrorIs, orb.ErrInvalidState)
	c.Assert(sub.Close(), qt.ErrorIs, orb.ErrInvalidState)
}

func TestOpenNil(t *testing.T) {
	_, err := Open(nil, Options{})
	qt.Assert(t, err, qt.ErrorIs, orb.ErrInvalidArgument)
}
