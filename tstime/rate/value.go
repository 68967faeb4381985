// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package rate measures event rates.
package rate

import (
	"fmt"
	"math"
	"sync"
	"time"

	"uorb.dev/tstime/mono"
)

// Value measures the rate at which events occur, exponentially weighted
// towards recent activity. Topic nodes use one to report their publish
// rate. It occupies O(1) memory, runs in O(1) time, and is safe for
// concurrent use. The zero value is ready for use.
//
// Rather than assuming samples arrive at a fixed time step like a
// textbook EWMA, each Add decays the accumulated count by the time
// elapsed since the previous Add, using half-life decay:
//
//	N(t) = N₀ · 2^-(t / t½)
//
// The rate is the decayed count divided by the integral of the decay
// curve from 0 to ∞, t½ / ln(2).
type Value struct {
	// HalfLife specifies how quickly the rate reacts to rate changes.
	// After a step from 0 to N events per second, the Value reports N/2
	// after one HalfLife and 3N/4 after two.
	//
	// It should exceed the typical period between calls to Add.
	// A zero or negative HalfLife is 1 second.
	HalfLife time.Duration

	mu      sync.Mutex
	updated mono.Time
	value   float64 // decayed count of events
}

func (r *Value) halfLife() float64 {
	if r.HalfLife <= 0 {
		return time.Second.Seconds()
	}
	return r.HalfLife.Seconds()
}

// Add records that n events just occurred.
// n must be finite and non-negative.
func (r *Value) Add(n float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addNow(mono.Now(), n)
}

func (r *Value) addNow(now mono.Time, n float64) {
	if n < 0 || math.IsInf(n, 0) || math.IsNaN(n) {
		panic(fmt.Sprintf("invalid count %f; must be a finite, non-negative number", n))
	}
	r.value = r.valueNow(now) + n
	r.updated = now
}

func (r *Value) valueNow(now mono.Time) float64 {
	age := now.Sub(r.updated).Seconds()
	return r.value * math.Exp2(-age/r.halfLife())
}

// Rate returns the rate in events per second.
func (r *Value) Rate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rateNow(mono.Now())
}

func (r *Value) rateNow(now mono.Time) float64 {
	return r.valueNow(now) / (r.halfLife() / math.Ln2)
}
