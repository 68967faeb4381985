// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build unix

package reactor

import (
	"fmt"
	"math"
	"runtime"
	"time"

	"uorb.dev/envknob"
)

// ReadyEvent is one entry of a Backend.Wait batch.
type ReadyEvent struct {
	FD     int
	Events Events
}

// Backend is a readiness multiplexing mechanism.
//
// A Backend is owned by exactly one Reactor, which calls Init once before
// any other method and Uninit once at teardown. Enable may be called from
// any goroutine, including while another goroutine is blocked in Wait.
type Backend interface {
	// Name returns the backend's name, as accepted by NewBackend.
	Name() string

	// Init acquires the backend's kernel resources.
	Init() error

	// Wait blocks until at least one enabled descriptor is ready or until
	// timeout elapses, then appends the ready descriptors to events and
	// returns the result. A negative timeout waits forever. Wait may
	// return an empty batch early. An interrupted wait returns an error
	// wrapping ErrInterrupted.
	//
	// The Error condition is reported whenever the kernel reports it,
	// regardless of the handle's interest mask.
	Wait(events []ReadyEvent, timeout time.Duration) ([]ReadyEvent, error)

	// Enable starts (on) or stops (!on) watching h.FD for h.Interest.
	Enable(h *Handle, on bool) error

	// Uninit releases the backend's kernel resources.
	Uninit() error
}

// NewBackend returns an uninitialized backend by name: "epoll" (Linux only)
// or "poll". The empty name selects the platform default.
func NewBackend(name string) (Backend, error) {
	switch name {
	case "":
		if runtime.GOOS == "linux" {
			return newEpollBackend()
		}
		return newPollBackend(), nil
	case "epoll":
		return newEpollBackend()
	case "poll":
		return newPollBackend(), nil
	}
	return nil, fmt.Errorf("%w: unknown backend %q", ErrBackendInit, name)
}

// DefaultBackend returns the backend named by the UORB_REACTOR_BACKEND
// environment variable, or the platform default if it is unset.
func DefaultBackend() (Backend, error) {
	return NewBackend(envknob.ReactorBackend())
}

// timeoutMillis converts a wait timeout to the millisecond argument of
// poll(2) and epoll_wait(2), rounding up so short waits do not spin. Waits
// too long for a C int are clamped; the caller sees an early empty batch.
func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	if d > (math.MaxInt32-1)*time.Millisecond {
		return math.MaxInt32
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}
