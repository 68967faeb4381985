// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package syncs

import (
	"slices"
	"sync/atomic"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
)

func TestShardedMap(t *testing.T) {
	c := qt.New(t)
	m := NewShardedMap[int](4)

	_, ok := m.GetOk("sensor_accel")
	c.Assert(ok, qt.IsFalse)

	v, created := m.GetOrCreate("sensor_accel", func() int { return 1 })
	c.Assert(v, qt.Equals, 1)
	c.Assert(created, qt.IsTrue)
	v, created = m.GetOrCreate("sensor_accel", func() int {
		t.Fatal("newValue called for existing key")
		return 0
	})
	c.Assert(v, qt.Equals, 1)
	c.Assert(created, qt.IsFalse)

	m.GetOrCreate("sensor_gyro", func() int { return 2 })
	c.Assert(m.Len(), qt.Equals, 2)
	v, ok = m.GetOk("sensor_gyro")
	c.Assert(ok, qt.IsTrue)
	c.Assert(v, qt.Equals, 2)

	vals := m.Values()
	slices.Sort(vals)
	if diff := cmp.Diff([]int{1, 2}, vals); diff != "" {
		t.Errorf("Values mismatch (-want +got):\n%s", diff)
	}
}

func TestShardedMapConcurrentCreate(t *testing.T) {
	m := NewShardedMap[*int](8)
	var creates atomic.Int32
	var g errgroup.Group
	for range 16 {
		g.Go(func() error {
			for range 100 {
				m.GetOrCreate("topic", func() *int {
					creates.Add(1)
					return new(int)
				})
			}
			return nil
		})
	}
	g.Wait()
	qt.Assert(t, creates.Load(), qt.Equals, int32(1))
	qt.Assert(t, m.Len(), qt.Equals, 1)
}

func TestNewShardedMapPanics(t *testing.T) {
	qt.Assert(t, func() { NewShardedMap[int](0) }, qt.PanicMatches, "syncs: NewShardedMap needs .*")
}
