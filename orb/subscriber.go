// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package orb

import (
	"fmt"
	"time"
)

// Subscriber is a cursor into a Node's generation sequence.
//
// A Subscriber is meant to be used by one consumer goroutine; its state is
// guarded by the node's lock so that Node.State can read it.
type Subscriber struct {
	node    *Node
	onClose func()

	// Guarded by node.mu.
	lastGen       uint64
	lastDelivery  time.Time
	interval      time.Duration
	batchInterval time.Duration
	lost          uint64
	closed        bool
}

// Node returns the node s is attached to.
func (s *Subscriber) Node() *Node { return s.node }

// Copy copies the node's value into dst if it was published after the last
// value this subscriber copied and the subscriber's interval has elapsed.
// It returns whether it copied and the node's current generation.
//
// dst must hold at least the topic size. When the subscriber fell more
// than the queue size behind, the excess generations are counted as lost;
// the newest value is still delivered. A copy refused by the interval
// leaves the cursor where it was, so the value is delivered by a later
// call.
func (s *Subscriber) Copy(dst []byte) (copied bool, generation uint64, err error) {
	copied, generation, _, err = s.copy(dst)
	return copied, generation, err
}

// CopyTimestamp is like Copy but also returns the time the copied value
// was published.
func (s *Subscriber) CopyTimestamp(dst []byte) (copied bool, generation uint64, published time.Time, err error) {
	return s.copy(dst)
}

func (s *Subscriber) copy(dst []byte) (bool, uint64, time.Time, error) {
	n := s.node
	if len(dst) < n.meta.Size {
		return false, 0, time.Time{}, fmt.Errorf("%w: %d byte buffer for %v", ErrInvalidArgument, len(dst), n.meta)
	}
	now := n.clock.Now()

	n.mu.Lock()
	defer n.mu.Unlock()
	if s.closed {
		return false, 0, time.Time{}, fmt.Errorf("%w: copy from closed subscriber", ErrInvalidState)
	}
	behind := n.generation - s.lastGen
	if behind == 0 || !s.dueLocked(now) {
		return false, n.generation, time.Time{}, nil
	}
	if q := uint64(n.queueSize); behind > q {
		lost := behind - q
		s.lost += lost
		n.lost += lost
	}
	copy(dst, n.buf)
	s.lastGen = n.generation
	s.lastDelivery = now
	return true, n.generation, n.published, nil
}

// ShouldDeliver reports whether s's interval has elapsed at now since the
// last value it copied. It is always true for a subscriber without an
// interval. It does not consider whether there is anything new to copy.
func (s *Subscriber) ShouldDeliver(now time.Time) bool {
	s.node.mu.Lock()
	defer s.node.mu.Unlock()
	return s.dueLocked(now)
}

func (s *Subscriber) dueLocked(now time.Time) bool {
	return s.interval == 0 || now.Sub(s.lastDelivery) >= s.interval
}

// Check reports whether Copy would copy now: a value newer than the last
// one copied exists and the interval has elapsed.
func (s *Subscriber) Check() bool {
	now := s.node.clock.Now()
	s.node.mu.Lock()
	defer s.node.mu.Unlock()
	return !s.closed && s.node.generation != s.lastGen && s.dueLocked(now)
}

// Updated reports whether a value newer than the last one copied exists,
// regardless of the interval.
func (s *Subscriber) Updated() bool {
	return s.Behind() > 0
}

// Behind returns how many generations have been published since the last
// value s copied.
func (s *Subscriber) Behind() uint64 {
	s.node.mu.Lock()
	defer s.node.mu.Unlock()
	return s.node.generation - s.lastGen
}

// Generation returns the generation of the last value s copied, or the
// node's generation when s attached if it has copied nothing.
func (s *Subscriber) Generation() uint64 {
	s.node.mu.Lock()
	defer s.node.mu.Unlock()
	return s.lastGen
}

// Lost returns the number of values this subscriber lost by falling more
// than the queue size behind.
func (s *Subscriber) Lost() uint64 {
	s.node.mu.Lock()
	defer s.node.mu.Unlock()
	return s.lost
}

// SetInterval sets the minimum time between two copies. Zero removes the
// limit.
func (s *Subscriber) SetInterval(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%w: negative interval %v", ErrInvalidArgument, d)
	}
	s.node.mu.Lock()
	defer s.node.mu.Unlock()
	s.interval = d
	return nil
}

// Interval returns the minimum time between two copies.
func (s *Subscriber) Interval() time.Duration {
	s.node.mu.Lock()
	defer s.node.mu.Unlock()
	return s.interval
}

// NextDelivery returns the earliest time a throttled Copy could succeed.
// For a subscriber without an interval it returns the zero Time.
func (s *Subscriber) NextDelivery() time.Time {
	s.node.mu.Lock()
	defer s.node.mu.Unlock()
	if s.interval == 0 {
		return time.Time{}
	}
	return s.lastDelivery.Add(s.interval)
}

// SetFrequency limits copies to hz per second. Zero removes the limit.
func (s *Subscriber) SetFrequency(hz float64) error {
	if hz < 0 {
		return fmt.Errorf("%w: negative frequency %v", ErrInvalidArgument, hz)
	}
	if hz == 0 {
		return s.SetInterval(0)
	}
	return s.SetInterval(time.Duration(float64(time.Second) / hz))
}

// Frequency returns the copy rate limit in Hz, or zero if unlimited.
func (s *Subscriber) Frequency() float64 {
	d := s.Interval()
	if d == 0 {
		return 0
	}
	return float64(time.Second) / float64(d)
}

// SetBatchInterval records the batching latency the subscriber tolerates.
// The broker does not batch; publishers read the minimum across
// subscribers from Node.State to size their own batches.
func (s *Subscriber) SetBatchInterval(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%w: negative batch interval %v", ErrInvalidArgument, d)
	}
	s.node.mu.Lock()
	defer s.node.mu.Unlock()
	s.batchInterval = d
	return nil
}

// BatchInterval returns the value set by SetBatchInterval.
func (s *Subscriber) BatchInterval() time.Duration {
	s.node.mu.Lock()
	defer s.node.mu.Unlock()
	return s.batchInterval
}

// Close detaches s from its node. Closing a closed Subscriber returns
// ErrInvalidState.
func (s *Subscriber) Close() error {
	if err := s.node.detachSubscriber(s); err != nil {
		return err
	}
	if s.onClose != nil {
		s.onClose()
	}
	return nil
}
