// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build unix

package wakefd

import (
	"errors"
	"sync"
	"testing"

	qt "github.com/frankban/quicktest"
	"golang.org/x/sys/unix"
)

func readable(t *testing.T, fd int) bool {
	t.Helper()
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, 0)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	return n == 1 && pfd[0].Revents&unix.POLLIN != 0
}

func TestSignalDrain(t *testing.T) {
	c := qt.New(t)
	w, err := New()
	c.Assert(err, qt.IsNil)
	defer w.Close()

	c.Assert(readable(t, w.FD()), qt.IsFalse)
	pending, err := w.Drain()
	c.Assert(err, qt.IsNil)
	c.Assert(pending, qt.IsFalse)

	for range 3 {
		c.Assert(w.Signal(), qt.IsNil)
	}
	c.Assert(readable(t, w.FD()), qt.IsTrue)
	pending, err = w.Drain()
	c.Assert(err, qt.IsNil)
	c.Assert(pending, qt.IsTrue)
	c.Assert(readable(t, w.FD()), qt.IsFalse)
}

func TestConcurrentSignal(t *testing.T) {
	c := qt.New(t)
	w, err := New()
	c.Assert(err, qt.IsNil)
	defer w.Close()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				if err := w.Signal(); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
	pending, err := w.Drain()
	c.Assert(err, qt.IsNil)
	c.Assert(pending, qt.IsTrue)
	c.Assert(readable(t, w.FD()), qt.IsFalse)
}

func TestClose(t *testing.T) {
	c := qt.New(t)
	w, err := New()
	c.Assert(err, qt.IsNil)
	c.Assert(w.Close(), qt.IsNil)
	c.Assert(w.FD(), qt.Equals, -1)
	c.Assert(w.Signal(), qt.IsNil)
	_, err = w.Drain()
	c.Assert(errors.Is(err, ErrClosed), qt.IsTrue)
	c.Assert(errors.Is(w.Close(), ErrClosed), qt.IsTrue)
}

func TestClassify(t *testing.T) {
	c := qt.New(t)
	c.Assert(errors.Is(classify(unix.EMFILE), ErrUnavailable), qt.IsTrue)
	c.Assert(errors.Is(classify(unix.EMFILE), unix.EMFILE), qt.IsTrue)
	c.Assert(errors.Is(classify(unix.EINVAL), ErrUnavailable), qt.IsFalse)
}
