// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package syncs

import (
	"hash/maphash"

	"golang.org/x/sys/cpu"
)

// ShardedMap is a synchronized map[string]V split across shards by a
// seeded hash of the key, so that lookups of unrelated keys do not contend
// on one lock. Entries are never removed.
//
// The zero value is not usable; use NewShardedMap.
type ShardedMap[V any] struct {
	seed   maphash.Seed
	shards []mapShard[V]
}

type mapShard[V any] struct {
	mu Mutex
	m  map[string]V
	_  cpu.CacheLinePad
}

// NewShardedMap returns an empty ShardedMap with n shards.
func NewShardedMap[V any](n int) *ShardedMap[V] {
	if n < 1 {
		panic("syncs: NewShardedMap needs at least one shard")
	}
	m := &ShardedMap[V]{
		seed:   maphash.MakeSeed(),
		shards: make([]mapShard[V], n),
	}
	for i := range m.shards {
		m.shards[i].m = make(map[string]V)
	}
	return m
}

func (m *ShardedMap[V]) shard(key string) *mapShard[V] {
	return &m.shards[maphash.String(m.seed, key)%uint64(len(m.shards))]
}

// GetOk returns m[key] and whether it was present.
func (m *ShardedMap[V]) GetOk(key string) (V, bool) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok
}

// GetOrCreate returns m[key], storing newValue() first if key is absent.
// newValue runs with the key's shard locked and must not use m. The
// second result reports whether the value was created.
func (m *ShardedMap[V]) GetOrCreate(key string, newValue func() V) (v V, created bool) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.m[key]; ok {
		return v, false
	}
	v = newValue()
	s.m[key] = v
	return v, true
}

// Len returns the number of entries. Shards are counted one at a time, so
// concurrent inserts may or may not be included.
func (m *ShardedMap[V]) Len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		n += len(s.m)
		s.mu.Unlock()
	}
	return n
}

// Values returns a snapshot of the values in unspecified order.
func (m *ShardedMap[V]) Values() []V {
	var ret []V
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for _, v := range s.m {
			ret = append(ret, v)
		}
		s.mu.Unlock()
	}
	return ret
}
