// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package mono provides fast monotonic time.
//
// Rate estimators stamp every update with a mono.Time: it is eight bytes,
// comparable, and immune to wall clock steps.
package mono

import (
	"fmt"
	"time"
)

// Time is the number of nanoseconds elapsed since an unspecified
// reference point in this process. The zero value means "never".
type Time int64

// baseline is the reference point. Times are offset by one so that a
// call to Now never returns the zero Time.
var baseline = time.Now()

// Now returns the current monotonic time.
func Now() Time {
	return Time(time.Since(baseline)) + 1
}

// Since returns the time elapsed since t.
func Since(t Time) time.Duration {
	return time.Duration(Now() - t)
}

// Sub returns t-n, the duration from n to t.
func (t Time) Sub(n Time) time.Duration {
	return time.Duration(t - n)
}

// Add returns t+d.
func (t Time) Add(d time.Duration) Time {
	return t + Time(d)
}

// After reports t > n, whether t is after n.
func (t Time) After(n Time) bool {
	return t > n
}

// Before reports t < n, whether t is before n.
func (t Time) Before(n Time) bool {
	return t < n
}

// IsZero reports whether t == 0.
func (t Time) IsZero() bool {
	return t == 0
}

// WallTime returns an approximate wall time that corresponds to t.
func (t Time) WallTime() time.Time {
	if t == 0 {
		return time.Time{}
	}
	return baseline.Add(time.Duration(t - 1))
}

func (t Time) String() string {
	return fmt.Sprintf("mono.Time(ns=%d, estimated wall=%v)", int64(t), t.WallTime().Truncate(0))
}
