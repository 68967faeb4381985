// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package rate

import (
	"math"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"uorb.dev/tstime/mono"
)

func TestValueSteadyState(t *testing.T) {
	c := qt.New(t)
	var v Value
	v.HalfLife = time.Second

	// 100 events per second for a minute converges on 100/s.
	now := mono.Now()
	for range 6000 {
		now = now.Add(10 * time.Millisecond)
		v.addNow(now, 1)
	}
	got := v.rateNow(now)
	c.Assert(math.Abs(got-100) < 5, qt.IsTrue, qt.Commentf("rate = %v", got))
}

func TestValueDecays(t *testing.T) {
	c := qt.New(t)
	var v Value
	now := mono.Now()
	v.addNow(now, 10)
	r0 := v.rateNow(now)
	r1 := v.rateNow(now.Add(time.Second))
	c.Assert(math.Abs(r1-r0/2) < 1e-9, qt.IsTrue)
	c.Assert(v.rateNow(now.Add(time.Hour)) < 1e-9, qt.IsTrue)
}

func TestValueRejectsNegative(t *testing.T) {
	c := qt.New(t)
	var v Value
	c.Assert(func() { v.Add(-1) }, qt.PanicMatches, `invalid count .*`)
}
