// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build unix

package reactor

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"golang.org/x/sys/unix"
	"uorb.dev/internal/wakefd"
	"uorb.dev/syncs"
)

// pollBackend is a poll(2) Backend, available on every unix.
//
// poll takes its descriptor set by value, so changes made by Enable while
// a Wait is in progress interrupt that Wait through an internal wakefd.
// The interrupted Wait returns an empty batch.
type pollBackend struct {
	changed *wakefd.FD

	mu    syncs.Mutex
	fds   []unix.PollFd // fds[0] is changed
	index map[int]int   // fd => position in fds

	scratch []unix.PollFd // only used by Wait
}

func newPollBackend() *pollBackend {
	return &pollBackend{}
}

func (b *pollBackend) Name() string { return "poll" }

func (b *pollBackend) Init() error {
	w, err := wakefd.New()
	if err != nil {
		return err
	}
	b.changed = w
	b.fds = []unix.PollFd{{Fd: int32(w.FD()), Events: unix.POLLIN}}
	b.index = map[int]int{}
	return nil
}

func (b *pollBackend) Uninit() error {
	if b.changed == nil {
		return nil
	}
	b.mu.Lock()
	b.fds = nil
	b.index = nil
	b.mu.Unlock()
	return b.changed.Close()
}

func (b *pollBackend) Enable(h *Handle, on bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	i, ok := b.index[h.FD]
	if on {
		if ok {
			return fmt.Errorf("poll: fd %d: %w", h.FD, unix.EEXIST)
		}
		b.index[h.FD] = len(b.fds)
		b.fds = append(b.fds, unix.PollFd{Fd: int32(h.FD), Events: pollEvents(h.Interest)})
	} else {
		if !ok {
			return fmt.Errorf("poll: fd %d: %w", h.FD, unix.ENOENT)
		}
		last := len(b.fds) - 1
		if i != last {
			b.fds[i] = b.fds[last]
			b.index[int(b.fds[i].Fd)] = i
		}
		b.fds = b.fds[:last]
		delete(b.index, h.FD)
	}
	return b.changed.Signal()
}

func (b *pollBackend) Wait(events []ReadyEvent, timeout time.Duration) ([]ReadyEvent, error) {
	b.mu.Lock()
	b.scratch = append(b.scratch[:0], b.fds...)
	b.mu.Unlock()
	if len(b.scratch) == 0 {
		return events, errors.New("poll: backend not initialized")
	}

	_, err := unix.Poll(b.scratch, timeoutMillis(timeout))
	if err == unix.EINTR {
		return events, fmt.Errorf("poll: %w", ErrInterrupted)
	}
	if err != nil {
		return events, fmt.Errorf("poll: %w", err)
	}
	if b.scratch[0].Revents != 0 {
		if _, err := b.changed.Drain(); err != nil {
			return events, fmt.Errorf("poll: %w", err)
		}
	}
	for _, pfd := range b.scratch[1:] {
		if pfd.Revents == 0 {
			continue
		}
		events = append(events, ReadyEvent{
			FD:     int(pfd.Fd),
			Events: fromPoll(pfd.Revents),
		})
	}
	return events, nil
}

// enabledFDs returns the descriptors currently enabled, sorted.
func (b *pollBackend) enabledFDs() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	fds := make([]int, 0, len(b.index))
	for fd := range b.index {
		fds = append(fds, fd)
	}
	slices.Sort(fds)
	return fds
}

func pollEvents(e Events) int16 {
	var v int16
	if e&Readable != 0 {
		v |= unix.POLLIN
	}
	if e&Writable != 0 {
		v |= unix.POLLOUT
	}
	if e&Priority != 0 {
		v |= unix.POLLPRI
	}
	return v
}

func fromPoll(v int16) Events {
	var e Events
	if v&unix.POLLIN != 0 {
		e |= Readable
	}
	if v&unix.POLLOUT != 0 {
		e |= Writable
	}
	if v&unix.POLLPRI != 0 {
		e |= Priority
	}
	if v&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		e |= Error
	}
	return e
}
