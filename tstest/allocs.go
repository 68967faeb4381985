// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package tstest

import (
	"fmt"
	"runtime"
	"testing"
	"time"
)

// MinAllocsPerRun returns nil as soon as one run of f makes at most target
// heap allocations. Otherwise it runs f up to 1000 times, or for 5s, and
// returns an error describing the allocations seen.
//
// GOMAXPROCS is 1 while f runs, so that other goroutines' allocations are
// less likely to be counted.
func MinAllocsPerRun(tb testing.TB, target uint64, f func()) error {
	tb.Helper()
	defer runtime.GOMAXPROCS(runtime.GOMAXPROCS(1))

	var ms runtime.MemStats
	var lo, hi, sum uint64
	runs := 0
	for deadline := time.Now().Add(5 * time.Second); runs < 1000 && time.Now().Before(deadline); runs++ {
		runtime.ReadMemStats(&ms)
		before := ms.Mallocs
		f()
		runtime.ReadMemStats(&ms)
		n := ms.Mallocs - before
		if n <= target {
			return nil
		}
		if runs == 0 || n < lo {
			lo = n
		}
		hi = max(hi, n)
		sum += n
	}
	return fmt.Errorf("%d runs made between %d and %d allocations (mean %.1f); want a run with at most %d",
		runs, lo, hi, float64(sum)/float64(max(runs, 1)), target)
}
