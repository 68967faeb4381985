// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build unix

// Package orbpoll exposes orb subscribers as pollable descriptors, so a
// reactor can wait on topics alongside ordinary I/O.
package orbpoll

import (
	"errors"
	"fmt"
	"time"

	"uorb.dev/internal/wakefd"
	"uorb.dev/orb"
	"uorb.dev/reactor"
	"uorb.dev/syncs"
	"uorb.dev/tstime"
	"uorb.dev/types/logger"
)

// Options configures Open.
type Options struct {
	// Logf receives diagnostics. Nil means logger.Discard.
	Logf logger.Logf
	// Clock arms the timers of throttled subscribers. It must be the clock
	// the subscriber's registry uses. Nil means tstime.StdClock.
	Clock tstime.Clock
}

// Sub is a Subscriber with a descriptor that is readable while the
// subscriber may have something to copy.
//
// The descriptor is level triggered: it stays readable until Copy (or
// Drain) is called.
type Sub struct {
	sub   *orb.Subscriber
	logf  logger.Logf
	clock tstime.Clock
	wake  *wakefd.FD

	cancelWatch func()

	mu        syncs.Mutex
	stopTimer func() bool // non-nil while a re-arm timer is pending
	closed    bool
}

// Open wraps sub, taking ownership of it. The returned Sub's descriptor
// becomes readable on every publish to sub's node.
func Open(sub *orb.Subscriber, opts Options) (*Sub, error) {
	if sub == nil {
		return nil, fmt.Errorf("%w: nil subscriber", orb.ErrInvalidArgument)
	}
	wake, err := wakefd.New()
	if err != nil {
		return nil, err
	}
	s := &Sub{
		sub:   sub,
		logf:  logger.WithPrefix(logger.OrDiscard(opts.Logf), fmt.Sprintf("orbpoll: %v: ", sub.Node())),
		clock: tstime.OrStd(opts.Clock),
		wake:  wake,
	}
	s.cancelWatch = sub.Node().Watch(s.signal)
	if sub.Updated() {
		s.signal()
	}
	return s, nil
}

func (s *Sub) signal() {
	if err := s.wake.Signal(); err != nil {
		s.logf("signal: %v", err)
	}
}

// Subscriber returns the wrapped subscriber.
func (s *Sub) Subscriber() *orb.Subscriber { return s.sub }

// FD returns the descriptor to poll for readability.
func (s *Sub) FD() int { return s.wake.FD() }

// Handle returns a reactor Handle for s that calls onUpdate when s is
// readable. onUpdate must call s.Copy or s.Drain.
func (s *Sub) Handle(onUpdate func(*Sub)) *reactor.Handle {
	return &reactor.Handle{
		FD:       s.FD(),
		Interest: reactor.Readable,
		UserData: s,
		OnReadable: func(h *reactor.Handle, _ reactor.Events) {
			onUpdate(h.UserData.(*Sub))
		},
		OnError: func(h *reactor.Handle, ready reactor.Events) {
			s.logf("descriptor reported %v", ready)
		},
	}
}

// Drain clears the descriptor's readiness without copying.
func (s *Sub) Drain() error {
	_, err := s.wake.Drain()
	return err
}

// Copy drains the descriptor and copies the latest value into dst, as
// orb.Subscriber.Copy does. If the subscriber's interval kept a pending
// value back, a timer makes the descriptor readable again once the
// interval has elapsed.
func (s *Sub) Copy(dst []byte) (copied bool, generation uint64, err error) {
	if err := s.Drain(); err != nil {
		return false, 0, err
	}
	copied, generation, err = s.sub.Copy(dst)
	if err != nil || copied || !s.sub.Updated() {
		return copied, generation, err
	}
	s.rearm()
	return false, generation, nil
}

// rearm schedules a wakeup for when the subscriber's interval elapses.
func (s *Sub) rearm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.stopTimer != nil {
		return
	}
	d := max(s.sub.NextDelivery().Sub(s.clock.Now()), time.Millisecond)
	s.stopTimer = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		s.stopTimer = nil
		s.mu.Unlock()
		s.signal()
	})
}

// Close stops watching the node, closes the descriptor and closes the
// subscriber.
func (s *Sub) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("%w: orbpoll subscriber already closed", orb.ErrInvalidState)
	}
	s.closed = true
	if s.stopTimer != nil {
		s.stopTimer()
		s.stopTimer = nil
	}
	s.mu.Unlock()

	s.cancelWatch()
	return errors.Join(s.wake.Close(), s.sub.Close())
}
