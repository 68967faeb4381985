// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build unix

package reactor

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrBackendInit is returned by New when the backend fails to start.
	ErrBackendInit = errors.New("reactor: backend init failed")

	// ErrWakeupUnavailable is returned by New when the exit wakeup
	// primitive cannot be created.
	ErrWakeupUnavailable = errors.New("reactor: wakeup primitive unavailable")

	// ErrRegistration is returned by Register and Deregister when the
	// backend rejects a handle.
	ErrRegistration = errors.New("reactor: registration failed")

	// ErrWait is returned by Run and RunOnce when the backend wait fails
	// for any reason other than an interruption.
	ErrWait = errors.New("reactor: wait failed")

	// ErrInterrupted is returned by Backend.Wait when the wait was
	// interrupted by a signal. The reactor retries it and never returns it.
	ErrInterrupted = errors.New("reactor: interrupted")

	// ErrResourceExhausted is wrapped alongside the other errors when the
	// failure is due to a process or system resource limit.
	ErrResourceExhausted = errors.New("reactor: resource exhausted")

	// ErrInvalidState is returned when an operation is not permitted in
	// the reactor's current state.
	ErrInvalidState = errors.New("reactor: invalid state")

	// ErrInvalidHandle is returned by Register for a malformed Handle.
	ErrInvalidHandle = errors.New("reactor: invalid handle")
)

// wrap annotates err with sentinel, adding ErrResourceExhausted when err
// is a resource limit errno.
func wrap(sentinel, err error) error {
	if exhausted(err) {
		return fmt.Errorf("%w: %w: %w", sentinel, ErrResourceExhausted, err)
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

func exhausted(err error) bool {
	switch {
	case errors.Is(err, unix.EMFILE), errors.Is(err, unix.ENFILE), errors.Is(err, unix.ENOMEM), errors.Is(err, unix.ENOSPC):
		return true
	}
	return false
}
