// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package orb

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"uorb.dev/syncs"
	"uorb.dev/tstime"
	"uorb.dev/tstime/rate"
	"uorb.dev/util/set"
)

// Node is one instance of a topic: a single-slot buffer holding the most
// recently published value, plus the bookkeeping subscribers need to detect
// new and lost values.
//
// All methods are safe for concurrent use. Two goroutines publishing to the
// same Node are serialized by its lock in no particular order.
type Node struct {
	meta     *Metadata
	instance int
	clock    tstime.Clock

	priority atomic.Int32

	mu         syncs.Mutex
	buf        []byte
	generation uint64    // 0 means never published
	published  time.Time // n.clock time of the last publish
	advertised bool      // set on first publish or advertise; never reset
	persist    bool      // new subscribers see the current value
	queueSize  int
	lost       uint64 // sum over subscribers of generations lost
	subs       set.Set[*Subscriber]
	watchers   set.HandleSet[func()]
	notify     []func() // snapshot of watchers, replaced on change

	// Registry bookkeeping, guarded by mu.
	refs      int  // Attach references
	publisher bool // instance is claimed by a Publisher

	rate rate.Value
}

// NewNode returns a standalone Node for instance of meta, with a queue
// size of one. Nodes shared between components are usually obtained from a
// Registry instead. A nil clock means tstime.StdClock.
func NewNode(meta *Metadata, instance int, clock tstime.Clock) (*Node, error) {
	if err := meta.validate(); err != nil {
		return nil, err
	}
	if instance < 0 || instance >= MaxInstances {
		return nil, fmt.Errorf("%w: instance %d out of range", ErrInvalidArgument, instance)
	}
	return newNode(meta, instance, clock, 1), nil
}

func newNode(meta *Metadata, instance int, clock tstime.Clock, queueSize int) *Node {
	return &Node{
		meta:      meta,
		instance:  instance,
		clock:     tstime.OrStd(clock),
		buf:       make([]byte, meta.Size),
		queueSize: queueSize,
		rate:      rate.Value{HalfLife: time.Second},
	}
}

// Meta returns the node's topic metadata.
func (n *Node) Meta() *Metadata { return n.meta }

// Instance returns the node's instance number.
func (n *Node) Instance() int { return n.instance }

// Name returns the topic name with its instance number appended, as
// accepted by Registry.Lookup.
func (n *Node) Name() string { return fmt.Sprintf("%s%d", n.meta.Name, n.instance) }

func (n *Node) String() string { return n.Name() }

// Priority returns the node's priority among instances of its topic.
func (n *Node) Priority() int { return int(n.priority.Load()) }

// SetPriority sets the node's priority among instances of its topic.
// Higher values are preferred by Registry.SubscribeBest.
func (n *Node) SetPriority(p int) { n.priority.Store(int32(p)) }

// Publish copies data into the node and bumps its generation. len(data)
// must equal the topic size. Watchers run after the node is unlocked.
//
// Publish panics if the generation counter would wrap.
func (n *Node) Publish(data []byte) error {
	if len(data) != n.meta.Size {
		return fmt.Errorf("%w: publishing %d bytes to %v", ErrInvalidArgument, len(data), n.meta)
	}
	now := n.clock.Now()
	n.mu.Lock()
	if n.generation == math.MaxUint64 {
		n.mu.Unlock()
		panic(fmt.Sprintf("orb: generation overflow on %v", n))
	}
	copy(n.buf, data)
	n.generation++
	n.published = now
	n.advertised = true
	notify := n.notify
	n.mu.Unlock()

	n.rate.Add(1)
	for _, f := range notify {
		f()
	}
	return nil
}

// Generation returns the number of values published so far.
func (n *Node) Generation() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.generation
}

// LastPublish returns when the current value was published, according to
// the node's clock, or the zero Time if nothing has been.
func (n *Node) LastPublish() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.published
}

// Read copies the node's current value into dst without regard to any
// subscriber, and returns its generation and publish time. Nothing is
// copied while the generation is zero.
func (n *Node) Read(dst []byte) (generation uint64, published time.Time, err error) {
	if len(dst) < n.meta.Size {
		return 0, time.Time{}, fmt.Errorf("%w: %d byte buffer for %v", ErrInvalidArgument, len(dst), n.meta)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.generation > 0 {
		copy(dst, n.buf)
	}
	return n.generation, n.published, nil
}

// Advertised reports whether the node has ever been advertised or
// published to.
func (n *Node) Advertised() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.advertised
}

// QueueSize returns how many generations a subscriber may fall behind
// before values are counted as lost.
func (n *Node) QueueSize() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.queueSize
}

// UpdateQueueSize grows the queue size to size. It fails with
// ErrInvalidState once the node has been published to, or if size is
// smaller than the current queue size.
func (n *Node) UpdateQueueSize(size int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.generation > 0 {
		return fmt.Errorf("%w: %v already published", ErrInvalidState, n)
	}
	if size < n.queueSize {
		return fmt.Errorf("%w: cannot shrink queue of %v from %d to %d", ErrInvalidState, n, n.queueSize, size)
	}
	n.queueSize = size
	return nil
}

// LostMessages returns the total number of values lost by all subscribers.
func (n *Node) LostMessages() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lost
}

// SubscriberCount returns the number of open subscribers.
func (n *Node) SubscriberCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.subs.Len()
}

// PublishRate returns the recent publish rate in values per second.
func (n *Node) PublishRate() float64 {
	return n.rate.Rate()
}

// Watch registers f to be called after every publish, on the publishing
// goroutine and outside the node's lock. f must not block. The returned
// func unregisters f.
func (n *Node) Watch(f func()) (cancel func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	h := n.watchers.Add(f)
	n.snapshotWatchersLocked()
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.watchers, h)
		n.snapshotWatchersLocked()
	}
}

func (n *Node) snapshotWatchersLocked() {
	notify := make([]func(), 0, len(n.watchers))
	for _, f := range n.watchers {
		notify = append(notify, f)
	}
	n.notify = notify
}

// NodeState is a snapshot of a Node.
type NodeState struct {
	Advertised  bool
	Generation  uint64
	QueueSize   int
	Subscribers int
	Lost        uint64
	Priority    int

	// MinInterval is the smallest nonzero subscriber interval, or zero
	// if no subscriber is throttled.
	MinInterval time.Duration
	// MinBatchInterval is the smallest nonzero subscriber batch interval.
	MinBatchInterval time.Duration
}

// MaxFrequency returns the highest update rate any subscriber asked for,
// in Hz, or zero if none asked for a limit.
func (s NodeState) MaxFrequency() float64 {
	if s.MinInterval <= 0 {
		return 0
	}
	return float64(time.Second) / float64(s.MinInterval)
}

// State returns a snapshot of the node.
func (n *Node) State() NodeState {
	n.mu.Lock()
	defer n.mu.Unlock()
	st := NodeState{
		Advertised:  n.advertised,
		Generation:  n.generation,
		QueueSize:   n.queueSize,
		Subscribers: len(n.subs),
		Lost:        n.lost,
		Priority:    n.Priority(),
	}
	for s := range n.subs {
		st.MinInterval = minNonzero(st.MinInterval, s.interval)
		st.MinBatchInterval = minNonzero(st.MinBatchInterval, s.batchInterval)
	}
	return st
}

func minNonzero(a, b time.Duration) time.Duration {
	if a == 0 || (b != 0 && b < a) {
		return b
	}
	return a
}

// Subscribe attaches a new subscriber to n. The subscriber starts at the
// current generation, so values published before it attached are not
// reported as new, unless the node was advertised as persistent.
func (n *Node) Subscribe() *Subscriber {
	return n.subscribe(nil)
}

func (n *Node) subscribe(onClose func()) *Subscriber {
	s := &Subscriber{
		node:    n,
		onClose: onClose,
	}
	now := n.clock.Now()
	n.mu.Lock()
	defer n.mu.Unlock()
	s.lastGen = n.generation
	if n.persist && n.generation > 0 {
		s.lastGen--
	}
	s.lastDelivery = now
	n.subs.Add(s)
	return s
}

func (n *Node) detachSubscriber(s *Subscriber) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: subscriber of %v already closed", ErrInvalidState, n)
	}
	s.closed = true
	n.subs.Delete(s)
	return nil
}
