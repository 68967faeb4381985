// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package tstest

import (
	"bytes"
	"runtime"
	"runtime/pprof"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// ResourceCheck records the running goroutines and registers a cleanup
// that fails tb if more are running once the test ends, after giving them
// up to 3s to exit. Reactor loops, orbpoll timers and simulated publishers
// must all be gone once their owners are closed.
//
// It must not be used in parallel tests; tb.Setenv enforces that.
func ResourceCheck(tb testing.TB) {
	tb.Helper()
	tb.Setenv("UORB_CHECKING_RESOURCES", "1")

	startN, startStacks := goroutineDump()
	tb.Cleanup(func() {
		// A failed test may have leaked on purpose, and a panicking one
		// must not have its report replaced by ours.
		if tb.Failed() {
			return
		}
		for deadline := time.Now().Add(3 * time.Second); time.Now().Before(deadline); {
			if runtime.NumGoroutine() <= startN {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		endN, endStacks := goroutineDump()
		if endN <= startN {
			return
		}
		tb.Logf("goroutine diff (-start +end):\n%s", cmp.Diff(string(startStacks), string(endStacks)))
		tb.Errorf("%d goroutines running at start, %d at end", startN, endN)
	})
}

func goroutineDump() (int, []byte) {
	p := pprof.Lookup("goroutine")
	var buf bytes.Buffer
	p.WriteTo(&buf, 1)
	return p.Count(), buf.Bytes()
}
