// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build unix

// Package reactor implements a single-goroutine readiness event loop.
//
// A Reactor owns a set of registered Handles, blocks in a pluggable
// Backend until some of them become ready, and dispatches one callback per
// ready Handle. Another goroutine can stop a running loop with ExitAsync.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"uorb.dev/envknob"
	"uorb.dev/internal/wakefd"
	"uorb.dev/syncs"
	"uorb.dev/types/logger"
)

// Callback is invoked on the reactor goroutine when h is ready. ready is
// the full set of conditions reported for h in this wakeup.
type Callback func(h *Handle, ready Events)

// Handle is a waitable descriptor registered with a Reactor.
//
// The exported fields must not be modified while the Handle is registered.
type Handle struct {
	FD       int    // descriptor to wait on; not owned by the reactor
	Interest Events // conditions to wait for; Error is always reported

	OnReadable Callback
	OnWritable Callback
	OnPriority Callback
	OnError    Callback

	// UserData is passed through to callbacks untouched.
	UserData any

	disabled atomic.Bool
}

// Disabled reports whether the reactor deregistered h because a condition
// became ready for which h had no callback.
func (h *Handle) Disabled() bool { return h.disabled.Load() }

func (h *Handle) callback(kind Events) Callback {
	switch kind {
	case Readable:
		return h.OnReadable
	case Writable:
		return h.OnWritable
	case Priority:
		return h.OnPriority
	case Error:
		return h.OnError
	}
	return nil
}

type state int

const (
	stateUninitialized state = iota
	stateReady
	stateRunning
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateReady:
		return "ready"
	case stateRunning:
		return "running"
	case stateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Reactor is a readiness event loop. Create one with New.
//
// Register, Deregister and ExitAsync may be called from any goroutine.
// Run and RunOnce must not be called concurrently.
type Reactor struct {
	logf        logger.Logf
	limitedLogf logger.Logf // for diagnostics that may repeat every wakeup
	debug       bool

	backend    Backend
	exit       *wakefd.FD
	exitHandle *Handle

	mu      syncs.Mutex
	state   state
	handles map[int]*Handle // by FD

	batch []ReadyEvent // only used by the running goroutine

	waits       atomic.Uint64
	interrupted atomic.Uint64
	missing     atomic.Uint64
	dispatched  [4]atomic.Uint64 // by Events.index

	metrics *reactorMetrics
}

// New returns a Ready reactor using backend, which it takes ownership of.
// A nil backend selects DefaultBackend. A nil logf discards logs.
func New(backend Backend, logf logger.Logf) (*Reactor, error) {
	if backend == nil {
		var err error
		backend, err = DefaultBackend()
		if err != nil {
			return nil, err
		}
	}
	logf = logger.WithPrefix(logger.OrDiscard(logf), "reactor: ")
	r := &Reactor{
		logf:        logf,
		limitedLogf: logger.RateLimitedFn(logf, time.Minute, 3, 16),
		debug:       envknob.DebugReactor(),
		backend:     backend,
		handles:     make(map[int]*Handle),
	}
	if err := backend.Init(); err != nil {
		return nil, wrap(ErrBackendInit, fmt.Errorf("%s: %w", backend.Name(), err))
	}
	exit, err := wakefd.New()
	if err != nil {
		return nil, errors.Join(wrap(ErrWakeupUnavailable, err), backend.Uninit())
	}
	r.exit = exit
	r.exitHandle = &Handle{FD: exit.FD(), Interest: Readable}
	if err := backend.Enable(r.exitHandle, true); err != nil {
		return nil, errors.Join(wrap(ErrRegistration, err), exit.Close(), backend.Uninit())
	}
	r.handles[r.exitHandle.FD] = r.exitHandle
	r.metrics = newReactorMetrics(r)
	r.state = stateReady
	return r, nil
}

// BackendName returns the name of the reactor's backend.
func (r *Reactor) BackendName() string { return r.backend.Name() }

// Register starts watching h. It is an error to register two handles with
// the same FD. Backend failures are returned wrapped in ErrRegistration and
// are not retried.
func (r *Reactor) Register(h *Handle) error {
	if h == nil || h.FD < 0 || h.Interest == 0 || h.Interest&^allEvents != 0 {
		return ErrInvalidHandle
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateReady && r.state != stateRunning {
		return fmt.Errorf("%w: register on %v reactor", ErrInvalidState, r.state)
	}
	if _, ok := r.handles[h.FD]; ok {
		return fmt.Errorf("%w: fd %d already registered", ErrRegistration, h.FD)
	}
	if err := r.backend.Enable(h, true); err != nil {
		return wrap(ErrRegistration, err)
	}
	h.disabled.Store(false)
	r.handles[h.FD] = h
	return nil
}

// Deregister stops watching h. Events already collected for h in the
// current wakeup are dropped.
func (r *Reactor) Deregister(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deregisterLocked(h)
}

func (r *Reactor) deregisterLocked(h *Handle) error {
	if h == nil || h == r.exitHandle {
		return ErrInvalidHandle
	}
	if r.state != stateReady && r.state != stateRunning {
		return fmt.Errorf("%w: deregister on %v reactor", ErrInvalidState, r.state)
	}
	if r.handles[h.FD] != h {
		return fmt.Errorf("%w: fd %d not registered", ErrRegistration, h.FD)
	}
	delete(r.handles, h.FD)
	if err := r.backend.Enable(h, false); err != nil {
		return wrap(ErrRegistration, err)
	}
	return nil
}

// ExitAsync asks a running (or the next) Run or RunOnce to return. It may
// be called from any goroutine, any number of times. Requests made before
// the loop consumes one collapse into one.
func (r *Reactor) ExitAsync() {
	if r.exit == nil {
		return
	}
	if err := r.exit.Signal(); err != nil {
		r.logf("exit signal: %v", err)
	}
}

// Run dispatches events until ExitAsync is called or ctx is done. It
// returns nil after an ExitAsync, ctx.Err() if ctx ended the loop, and an
// error wrapping ErrWait if the backend fails.
//
// An exit requested before Run is called makes Run return before
// dispatching anything.
func (r *Reactor) Run(ctx context.Context) error {
	if err := r.enter(); err != nil {
		return err
	}
	defer r.leave()
	stop := context.AfterFunc(ctx, r.ExitAsync)
	defer stop()
	for {
		exited, _, err := r.runOnce(-1)
		if err != nil {
			return err
		}
		if exited {
			return ctx.Err()
		}
	}
}

// RunOnce performs a single wait of at most timeout (negative means forever)
// and dispatches what it collected. It reports whether a pending exit was
// consumed, and how many callbacks ran. An interrupted wait returns
// (false, 0, nil).
func (r *Reactor) RunOnce(timeout time.Duration) (exited bool, n int, err error) {
	if err := r.enter(); err != nil {
		return false, 0, err
	}
	defer r.leave()
	return r.runOnce(timeout)
}

func (r *Reactor) enter() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateReady {
		return fmt.Errorf("%w: run on %v reactor", ErrInvalidState, r.state)
	}
	r.state = stateRunning
	return nil
}

func (r *Reactor) leave() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = stateReady
}

func (r *Reactor) runOnce(timeout time.Duration) (exited bool, n int, err error) {
	evs, err := r.backend.Wait(r.batch[:0], timeout)
	r.batch = evs[:0]
	if err != nil {
		if errors.Is(err, ErrInterrupted) {
			r.interrupted.Add(1)
			return false, 0, nil
		}
		return false, 0, wrap(ErrWait, err)
	}
	r.waits.Add(1)

	// The exit handle wins over everything else in the batch.
	for _, ev := range evs {
		if ev.FD == r.exitHandle.FD {
			if _, err := r.exit.Drain(); err != nil {
				return true, 0, wrap(ErrWait, err)
			}
			return true, 0, nil
		}
	}

	for _, ev := range evs {
		r.mu.Lock()
		h := r.handles[ev.FD]
		r.mu.Unlock()
		if h == nil {
			// Deregistered earlier in this batch.
			continue
		}
		if r.dispatch(h, ev.Events) {
			n++
		}
	}
	return false, n, nil
}

// dispatch runs h's callback for the highest priority condition in ready.
// It reports whether a callback ran.
func (r *Reactor) dispatch(h *Handle, ready Events) bool {
	ready &= h.Interest | Error
	for _, kind := range dispatchOrder {
		if ready&kind == 0 {
			continue
		}
		cb := h.callback(kind)
		if cb == nil {
			r.missingCallback(h, kind)
			return false
		}
		r.dispatched[kind.index()].Add(1)
		if r.debug {
			r.logf("fd %d: %v (ready %v)", h.FD, kind, ready)
		}
		cb(h, ready)
		return true
	}
	return false
}

// missingCallback handles a ready condition h has no callback for. With a
// level-triggered backend the condition would be reported again on every
// wait, so h is deregistered.
func (r *Reactor) missingCallback(h *Handle, kind Events) {
	r.missing.Add(1)
	h.disabled.Store(true)
	r.limitedLogf("fd %d ready for %v with no callback; disabling handle", h.FD, kind)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handles[h.FD] != h {
		return
	}
	if err := r.deregisterLocked(h); err != nil {
		r.logf("disabling fd %d: %v", h.FD, err)
	}
}

// Len returns the number of registered handles, excluding the exit handle.
func (r *Reactor) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.handles) == 0 {
		return 0
	}
	return len(r.handles) - 1
}

// Stats is a snapshot of a Reactor's counters.
type Stats struct {
	Waits            uint64 // completed backend waits
	Interrupted      uint64 // waits interrupted by a signal and retried
	MissingCallbacks uint64 // ready conditions that had no callback

	Readable, Writable, Priority, Error uint64 // callbacks run, by kind
}

// Stats returns the reactor's counters.
func (r *Reactor) Stats() Stats {
	return Stats{
		Waits:            r.waits.Load(),
		Interrupted:      r.interrupted.Load(),
		MissingCallbacks: r.missing.Load(),
		Readable:         r.dispatched[Readable.index()].Load(),
		Writable:         r.dispatched[Writable.index()].Load(),
		Priority:         r.dispatched[Priority.index()].Load(),
		Error:            r.dispatched[Error.index()].Load(),
	}
}

// Close tears the reactor down: it deregisters and closes the exit
// handle, then releases the backend. Handles still registered are
// forgotten; their descriptors are not closed. Close fails if the reactor
// is running. Closing a closed reactor is a no-op.
func (r *Reactor) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case stateClosed:
		return nil
	case stateRunning, stateUninitialized:
		return fmt.Errorf("%w: close on %v reactor", ErrInvalidState, r.state)
	}
	r.state = stateClosed
	var errs []error
	if err := r.backend.Enable(r.exitHandle, false); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, r.exit.Close(), r.backend.Uninit())
	clear(r.handles)
	return errors.Join(errs...)
}

var _ prometheus.Collector = (*Reactor)(nil)
