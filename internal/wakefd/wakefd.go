// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build unix

// Package wakefd provides a pollable cross-goroutine wakeup primitive.
//
// An FD becomes readable after Signal and stays readable until Drain. Any
// number of Signal calls before a Drain collapse into a single wakeup, so a
// wakeup requested before anyone waits on the FD is latched, not lost.
package wakefd

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
	"uorb.dev/syncs"
)

// ErrUnavailable is returned by New when the process or system has run out
// of the resources needed to create a wakeup primitive.
var ErrUnavailable = errors.New("wakefd: wakeup primitive unavailable")

// ErrClosed is returned by operations on a closed FD.
var ErrClosed = errors.New("wakefd: closed")

// FD is a wakeup primitive backed by an eventfd on Linux and a nonblocking
// pipe elsewhere. It is safe for concurrent use.
type FD struct {
	mu     syncs.RWMutex
	rfd    int // readable side, registered with a poller
	wfd    int // written by Signal; same as rfd for eventfd
	closed bool
}

// New returns a new unsignalled FD.
func New() (*FD, error) {
	rfd, wfd, err := open()
	if err != nil {
		return nil, classify(err)
	}
	return &FD{rfd: rfd, wfd: wfd}, nil
}

// classify maps resource exhaustion errnos to ErrUnavailable.
func classify(err error) error {
	switch {
	case errors.Is(err, unix.EMFILE), errors.Is(err, unix.ENFILE), errors.Is(err, unix.ENOMEM):
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return fmt.Errorf("wakefd: %w", err)
}

// FD returns the descriptor to poll for readability. It returns -1 once
// the FD is closed.
func (w *FD) FD() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return -1
	}
	return w.rfd
}

// Signal makes the FD readable. It is idempotent and may be called from any
// goroutine. Signalling a closed FD is a no-op.
func (w *FD) Signal() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return nil
	}
	for {
		err := signal(w.wfd)
		switch err {
		case nil, unix.EAGAIN:
			// EAGAIN means the counter or pipe is full, so the FD is
			// already readable.
			return nil
		case unix.EINTR:
			continue
		}
		return fmt.Errorf("wakefd: signal: %w", err)
	}
}

// Drain consumes any pending wakeups, making the FD unreadable until the
// next Signal. It reports whether a wakeup was pending.
func (w *FD) Drain() (bool, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return false, ErrClosed
	}
	return drain(w.rfd)
}

// Close releases the descriptors. Closing an already closed FD returns
// ErrClosed.
func (w *FD) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	w.closed = true
	err := unix.Close(w.rfd)
	if w.wfd != w.rfd {
		err = errors.Join(err, unix.Close(w.wfd))
	}
	return err
}

func readRetry(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Read(fd, buf)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}
