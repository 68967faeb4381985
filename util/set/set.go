// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package set contains set types.
package set

// Set is a set of T. It is not safe for concurrent use.
type Set[T comparable] map[T]struct{}

// Add adds e to the set, making the map if s points to a nil Set.
func (s *Set[T]) Add(e T) {
	if *s == nil {
		*s = make(Set[T])
	}
	(*s)[e] = struct{}{}
}

// Delete removes e from the set.
func (s Set[T]) Delete(e T) { delete(s, e) }

// Contains reports whether s contains e.
func (s Set[T]) Contains(e T) bool {
	_, ok := s[e]
	return ok
}

// Len reports the number of items in s.
func (s Set[T]) Len() int { return len(s) }

// HandleSet is a set of values that need not be comparable, such as
// funcs, each keyed by the Handle returned when it was added. Remove an
// element with a map delete of its Handle.
//
// It is not safe for concurrent use.
type HandleSet[T any] map[Handle]T

// Handle identifies one element of a HandleSet. Handles are only made by
// HandleSet.Add and never compare equal to one another.
type Handle struct {
	_ *byte
}

// Add adds e to the set and returns its Handle.
func (s *HandleSet[T]) Add(e T) Handle {
	h := Handle{new(byte)}
	if *s == nil {
		*s = make(HandleSet[T])
	}
	(*s)[h] = e
	return h
}
