// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package tstime

import (
	"math/rand/v2"
	"time"
)

// RandomDurationBetween returns a random duration in range [min,max).
// It panics if max < min.
func RandomDurationBetween(min, max time.Duration) time.Duration {
	diff := max - min
	if diff == 0 {
		return min
	}
	return min + rand.N(diff)
}

// Jitter returns d adjusted by a random amount in [-frac*d, +frac*d).
// A frac of zero or less returns d unchanged.
func Jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 || d <= 0 {
		return d
	}
	span := time.Duration(float64(d) * frac)
	if span == 0 {
		return d
	}
	return RandomDurationBetween(d-span, d+span)
}
