// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package orb

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"

	"uorb.dev/envknob"
	"uorb.dev/syncs"
	"uorb.dev/tstime"
	"uorb.dev/types/logger"
)

// Options configures a Registry.
type Options struct {
	// Logf is where the registry logs advertise and unadvertise events.
	// Nil means logger.Discard.
	Logf logger.Logf

	// Clock drives subscriber intervals. Nil means tstime.StdClock.
	Clock tstime.Clock
}

// Registry maps topics and instances to Nodes.
type Registry struct {
	logf  logger.Logf
	clock tstime.Clock

	groups *syncs.ShardedMap[*group] // by topic name
}

// group is the set of instances of one topic.
type group struct {
	meta *Metadata

	mu    syncs.Mutex
	nodes [MaxInstances]*Node
}

// NewRegistry returns an empty Registry.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		logf:   logger.WithPrefix(logger.OrDiscard(opts.Logf), "orb: "),
		clock:  tstime.OrStd(opts.Clock),
		groups: syncs.NewShardedMap[*group](16),
	}
}

// Register declares the topic meta. Registering the same topic again is a
// no-op; registering a different Metadata with the same name and a
// different size fails with ErrInvalidArgument.
//
// Every other method registers the metadata it is passed, so calling
// Register is only needed to make a topic visible to Lookup before use.
func (r *Registry) Register(meta *Metadata) error {
	_, err := r.group(meta)
	return err
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(meta *Metadata) {
	if err := r.Register(meta); err != nil {
		panic(fmt.Sprintf("orb: MustRegister: %v", err))
	}
}

func (r *Registry) group(meta *Metadata) (*group, error) {
	if err := meta.validate(); err != nil {
		return nil, err
	}
	g, _ := r.groups.GetOrCreate(meta.Name, func() *group {
		return &group{meta: meta}
	})
	if g.meta != meta && g.meta.Size != meta.Size {
		return nil, fmt.Errorf("%w: topic %q registered with size %d, not %d", ErrInvalidArgument, meta.Name, g.meta.Size, meta.Size)
	}
	return g, nil
}

// lookupGroup returns the group for a registered topic name.
func (r *Registry) lookupGroup(name string) (*group, bool) {
	return r.groups.GetOk(name)
}

func checkInstance(instance int) error {
	if instance < 0 || instance >= MaxInstances {
		return fmt.Errorf("%w: instance %d out of range [0,%d)", ErrInvalidArgument, instance, MaxInstances)
	}
	return nil
}

// Attach returns the node for instance of meta, creating it if needed, and
// takes a reference to it. Release the reference with Detach.
func (r *Registry) Attach(meta *Metadata, instance int) (*Node, error) {
	if err := checkInstance(instance); err != nil {
		return nil, err
	}
	g, err := r.group(meta)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.nodeLocked(r, instance)
	n.mu.Lock()
	n.refs++
	n.mu.Unlock()
	return n, nil
}

func (g *group) nodeLocked(r *Registry, instance int) *Node {
	n := g.nodes[instance]
	if n == nil {
		n = newNode(g.meta, instance, r.clock, 1)
		g.nodes[instance] = n
	}
	return n
}

// Detach releases a reference taken by Attach. A node that loses its last
// reference is removed from the registry unless it was advertised.
func (r *Registry) Detach(n *Node) error {
	if n == nil {
		return fmt.Errorf("%w: nil node", ErrInvalidArgument)
	}
	g, ok := r.lookupGroup(n.meta.Name)
	if !ok {
		return fmt.Errorf("%w: %v", ErrNotExist, n)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.nodes[n.instance] != n {
		return fmt.Errorf("%w: %v not attached", ErrInvalidState, n)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.refs == 0 {
		return fmt.Errorf("%w: %v detached more times than attached", ErrInvalidState, n)
	}
	n.refs--
	if n.refs == 0 && !n.advertised {
		g.nodes[n.instance] = nil
	}
	return nil
}

// Publisher is the write side of an advertised Node.
type Publisher struct {
	reg    *Registry
	node   *Node
	closed atomic.Bool
}

// Node returns the node p publishes to.
func (p *Publisher) Node() *Node { return p.node }

// Instance returns the instance p was assigned.
func (p *Publisher) Instance() int { return p.node.instance }

// Publish publishes data, which must be exactly the topic size.
func (p *Publisher) Publish(data []byte) error {
	if p.closed.Load() {
		return fmt.Errorf("%w: publish on closed publisher for %v", ErrInvalidState, p.node)
	}
	return p.node.Publish(data)
}

// Close unadvertises the instance, letting a later Advertise claim it. The
// node and its value stay in the registry for existing subscribers.
func (p *Publisher) Close() error {
	if p.closed.Swap(true) {
		return fmt.Errorf("%w: publisher for %v already closed", ErrInvalidState, p.node)
	}
	p.node.mu.Lock()
	p.node.publisher = false
	p.node.mu.Unlock()
	p.reg.logf("unadvertised %v", p.node)
	return p.reg.Detach(p.node)
}

// Advertise claims the first instance of meta without a publisher and
// returns a Publisher for it. A queueSize of zero means
// envknob.DefaultQueueSize. If data is non-nil it is published as the
// initial value.
func (r *Registry) Advertise(meta *Metadata, data []byte, queueSize int) (*Publisher, error) {
	return r.advertise(meta, data, queueSize, false)
}

// AdvertisePersist is like Advertise, but subscribers attaching after a
// publish see the node's current value as new instead of waiting for the
// next publish.
func (r *Registry) AdvertisePersist(meta *Metadata, data []byte, queueSize int) (*Publisher, error) {
	return r.advertise(meta, data, queueSize, true)
}

// PublishAuto publishes data through p, advertising meta first when p is
// nil. The first call claims a persistent instance with a queue size of
// one and publishes data as its initial value. It returns the publisher
// for the next call:
//
//	p, err = reg.PublishAuto(meta, p, data)
func (r *Registry) PublishAuto(meta *Metadata, p *Publisher, data []byte) (*Publisher, error) {
	if p == nil {
		if data == nil {
			return nil, fmt.Errorf("%w: nil value for %v", ErrInvalidArgument, meta)
		}
		return r.AdvertisePersist(meta, data, 1)
	}
	if p.node.meta.Name != meta.Name {
		return p, fmt.Errorf("%w: publisher for %v used for %v", ErrInvalidArgument, p.node, meta)
	}
	return p, p.Publish(data)
}

func (r *Registry) advertise(meta *Metadata, data []byte, queueSize int, persist bool) (*Publisher, error) {
	if queueSize < 0 {
		return nil, fmt.Errorf("%w: queue size %d", ErrInvalidArgument, queueSize)
	}
	if queueSize == 0 {
		queueSize = envknob.DefaultQueueSize()
	}
	if data != nil && len(data) != meta.Size {
		return nil, fmt.Errorf("%w: initial value of %d bytes for %v", ErrInvalidArgument, len(data), meta)
	}
	g, err := r.group(meta)
	if err != nil {
		return nil, err
	}

	n, err := g.claim(r)
	if err != nil {
		return nil, err
	}
	p := &Publisher{reg: r, node: n}
	n.mu.Lock()
	n.persist = n.persist || persist
	n.mu.Unlock()
	if queueSize > n.QueueSize() {
		if err := n.UpdateQueueSize(queueSize); err != nil {
			p.Close()
			return nil, err
		}
	}
	r.logf("advertised %v queue=%d", n, n.QueueSize())
	if data != nil {
		if err := n.Publish(data); err != nil {
			p.Close()
			return nil, err
		}
	}
	return p, nil
}

// claim picks the first instance without a publisher, marks it advertised
// and claimed, and takes a reference to it.
func (g *group) claim(r *Registry) (*Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.nodes {
		n := g.nodeLocked(r, i)
		n.mu.Lock()
		if n.publisher {
			n.mu.Unlock()
			continue
		}
		n.publisher = true
		n.advertised = true
		n.refs++
		n.mu.Unlock()
		return n, nil
	}
	return nil, fmt.Errorf("%w: all %d instances of %q have publishers", ErrResourceExhausted, MaxInstances, g.meta.Name)
}

// Subscribe attaches a subscriber to instance of meta. It succeeds whether
// or not the instance has been advertised. Closing the subscriber releases
// its reference to the node.
func (r *Registry) Subscribe(meta *Metadata, instance int) (*Subscriber, error) {
	n, err := r.Attach(meta, instance)
	if err != nil {
		return nil, err
	}
	return n.subscribe(func() {
		if err := r.Detach(n); err != nil {
			r.logf("detach %v: %v", n, err)
		}
	}), nil
}

// SubscribeBest subscribes to the advertised instance of meta with the
// highest priority, preferring lower instance numbers on ties.
func (r *Registry) SubscribeBest(meta *Metadata) (*Subscriber, error) {
	g, err := r.group(meta)
	if err != nil {
		return nil, err
	}
	best := -1
	bestPrio := 0
	for _, n := range g.snapshot() {
		if !n.Advertised() {
			continue
		}
		if p := n.Priority(); best < 0 || p > bestPrio {
			best, bestPrio = n.instance, p
		}
	}
	if best < 0 {
		return nil, fmt.Errorf("%w: no advertised instance of %q", ErrNotExist, meta.Name)
	}
	return r.Subscribe(meta, best)
}

// snapshot returns the group's nodes in instance order.
func (g *group) snapshot() []*Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	nodes := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		if n != nil {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// Exists reports whether instance of meta has been advertised.
func (r *Registry) Exists(meta *Metadata, instance int) bool {
	if meta == nil || checkInstance(instance) != nil {
		return false
	}
	g, ok := r.lookupGroup(meta.Name)
	if !ok {
		return false
	}
	g.mu.Lock()
	n := g.nodes[instance]
	g.mu.Unlock()
	return n != nil && n.Advertised()
}

// GroupCount returns the number of advertised instances of meta.
func (r *Registry) GroupCount(meta *Metadata) int {
	if meta == nil {
		return 0
	}
	g, ok := r.lookupGroup(meta.Name)
	if !ok {
		return 0
	}
	count := 0
	for _, n := range g.snapshot() {
		if n.Advertised() {
			count++
		}
	}
	return count
}

// Meta returns the registered metadata named name.
func (r *Registry) Meta(name string) (*Metadata, bool) {
	g, ok := r.lookupGroup(name)
	if !ok {
		return nil, false
	}
	return g.meta, true
}

// Lookup resolves a topic name, optionally suffixed with an instance
// number, as in "sensor_accel" or "sensor_accel1". A registered name that
// itself ends in digits matches as a whole first.
func (r *Registry) Lookup(name string) (*Metadata, int, error) {
	if meta, ok := r.Meta(name); ok {
		return meta, 0, nil
	}
	// Try the longest registered prefix first, so "gps21" can be
	// instance 1 of "gps2".
	for i := len(name) - 1; i > 0 && isDigit(name[i]); i-- {
		meta, ok := r.Meta(name[:i])
		if !ok {
			continue
		}
		instance, err := strconv.Atoi(name[i:])
		if err != nil || checkInstance(instance) != nil {
			return nil, 0, fmt.Errorf("%w: bad instance in %q", ErrInvalidArgument, name)
		}
		return meta, instance, nil
	}
	return nil, 0, fmt.Errorf("%w: %q", ErrNotExist, name)
}

func isDigit(b byte) bool { return '0' <= b && b <= '9' }

// Nodes returns every node in the registry, sorted by topic name and
// instance.
func (r *Registry) Nodes() []*Node {
	var nodes []*Node
	for _, g := range r.groups.Values() {
		nodes = append(nodes, g.snapshot()...)
	}
	slices.SortFunc(nodes, func(a, b *Node) int {
		return cmp.Or(cmp.Compare(a.meta.Name, b.meta.Name), cmp.Compare(a.instance, b.instance))
	})
	return nodes
}

// Objects returns the nodes matching filter, a comma separated list of
// names as accepted by Lookup. A bare topic name matches all its instances.
// An empty filter matches every node. Unknown names are skipped.
func (r *Registry) Objects(filter string) []*Node {
	all := r.Nodes()
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return all
	}
	type key struct {
		name     string
		instance int // -1 for all
	}
	want := map[key]bool{}
	for _, f := range strings.Split(filter, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if meta, ok := r.Meta(f); ok {
			want[key{meta.Name, -1}] = true
			continue
		}
		if meta, instance, err := r.Lookup(f); err == nil {
			want[key{meta.Name, instance}] = true
		}
	}
	return slices.DeleteFunc(all, func(n *Node) bool {
		return !want[key{n.meta.Name, -1}] && !want[key{n.meta.Name, n.instance}]
	})
}
