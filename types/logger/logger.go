// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package logger defines the printf-style logging type used throughout
// uorb, plus a few wrappers (prefixing, rate limiting) that compose with it.
package logger

import (
	"container/list"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"
	"uorb.dev/envknob"
)

// Logf is the basic logger type: a printf-like func.
// Like log.Printf, the format need not end in a newline.
// Logf functions must be safe for concurrent use.
//
// Wrappers must pass through the original format and args. Replacing
// them (e.g. with fmt.Sprintf and %s) defeats RateLimitedFn, which keys
// its buckets on the format string.
type Logf func(format string, args ...any)

// WithPrefix wraps f, prefixing each format with the provided prefix.
func WithPrefix(f Logf, prefix string) Logf {
	return func(format string, args ...any) {
		f(prefix+format, args...)
	}
}

// OrDiscard returns f, or Discard if f is nil.
func OrDiscard(f Logf) Logf {
	if f == nil {
		return Discard
	}
	return f
}

// FuncWriter returns an io.Writer that writes to f.
func FuncWriter(f Logf) io.Writer {
	return funcWriter{f}
}

// StdLogger returns a standard library logger from a Logf.
func StdLogger(f Logf) *log.Logger {
	return log.New(FuncWriter(f), "", 0)
}

type funcWriter struct{ f Logf }

func (w funcWriter) Write(p []byte) (int, error) {
	w.f("%s", p)
	return len(p), nil
}

// Discard is a Logf that throws away the logs given to it.
func Discard(string, ...any) {}

// TestLogger returns a Logf that writes to tb.Logf.
func TestLogger(tb testing.TB) Logf {
	return func(format string, args ...any) {
		tb.Helper()
		tb.Logf("    ... "+format, args...)
	}
}

// bucket is the rate limiting state for one format string.
type bucket struct {
	lim     *rate.Limiter
	warned  bool          // whether the "rate limited" notice was logged
	element *list.Element // position in the LRU of format strings
}

var disableRateLimit = envknob.RegisterBool("UORB_DEBUG_LOG_RATE_ALL")

// RateLimitedFn returns a rate-limiting Logf wrapping the given logf.
// Each distinct format string may log at most once every f, in bursts of
// up to burst messages. Up to maxCache format strings are tracked at once;
// the least recently used are forgotten first.
func RateLimitedFn(logf Logf, f time.Duration, burst int, maxCache int) Logf {
	if disableRateLimit() {
		return logf
	}
	r := rate.Every(f)
	var (
		mu      sync.Mutex
		buckets = make(map[string]*bucket)
		lru     = list.New()
	)

	type verdict int
	const (
		allow verdict = iota
		warn
		block
	)

	judge := func(format string) verdict {
		mu.Lock()
		defer mu.Unlock()
		b, ok := buckets[format]
		if ok {
			lru.MoveToFront(b.element)
		} else {
			b = &bucket{
				lim:     rate.NewLimiter(r, burst),
				element: lru.PushFront(format),
			}
			buckets[format] = b
			if lru.Len() > maxCache {
				delete(buckets, lru.Back().Value.(string))
				lru.Remove(lru.Back())
			}
		}
		if b.lim.Allow() {
			b.warned = false
			return allow
		}
		if !b.warned {
			b.warned = true
			return warn
		}
		return block
	}

	return func(format string, args ...any) {
		switch judge(format) {
		case allow:
			logf(format, args...)
		case warn:
			msg := strings.TrimSpace(fmt.Sprintf(format, args...))
			logf("[RATE LIMITED] further messages suppressed; example: %q", msg)
		}
	}
}
