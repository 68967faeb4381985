// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package mono

import (
	"testing"
	"time"
)

func TestNow(t *testing.T) {
	start := Now()
	if start.IsZero() {
		t.Fatal("Now returned the zero Time")
	}
	time.Sleep(100 * time.Millisecond)
	if elapsed := Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("short sleep: %v elapsed, want min %v", elapsed, 100*time.Millisecond)
	}
	if now := Now(); !now.After(start) || !start.Before(now) {
		t.Errorf("time went backwards: start=%v now=%v", start, now)
	}
}

func TestAddSub(t *testing.T) {
	a := Now()
	b := a.Add(time.Second)
	if got := b.Sub(a); got != time.Second {
		t.Errorf("Sub = %v, want 1s", got)
	}
}

func TestWallTime(t *testing.T) {
	var zero Time
	if !zero.WallTime().IsZero() {
		t.Errorf("zero WallTime = %v, want zero", zero.WallTime())
	}
	if d := time.Since(Now().WallTime()); d < -time.Second || d > time.Second {
		t.Errorf("Now().WallTime() is %v from time.Now", d)
	}
}

func BenchmarkMonoNow(b *testing.B) {
	for b.Loop() {
		Now()
	}
}
