// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package reactor

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// epollMaxEvents is the size of one epoll_wait batch.
const epollMaxEvents = 128

// epollBackend is a level-triggered epoll(7) Backend.
type epollBackend struct {
	epfd int
	buf  [epollMaxEvents]unix.EpollEvent // only used by Wait
}

func newEpollBackend() (Backend, error) {
	return &epollBackend{epfd: -1}, nil
}

func (b *epollBackend) Name() string { return "epoll" }

func (b *epollBackend) Init() error {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("epoll_create1: %w", err)
	}
	b.epfd = fd
	return nil
}

func (b *epollBackend) Uninit() error {
	if b.epfd < 0 {
		return nil
	}
	err := unix.Close(b.epfd)
	b.epfd = -1
	return err
}

func (b *epollBackend) Enable(h *Handle, on bool) error {
	if !on {
		if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, h.FD, nil); err != nil {
			return fmt.Errorf("epoll_ctl del fd %d: %w", h.FD, err)
		}
		return nil
	}
	ev := unix.EpollEvent{
		Events: epollEvents(h.Interest),
		Fd:     int32(h.FD),
	}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, h.FD, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d: %w", h.FD, err)
	}
	return nil
}

func (b *epollBackend) Wait(events []ReadyEvent, timeout time.Duration) ([]ReadyEvent, error) {
	n, err := unix.EpollWait(b.epfd, b.buf[:], timeoutMillis(timeout))
	if err == unix.EINTR {
		return events, fmt.Errorf("epoll_wait: %w", ErrInterrupted)
	}
	if err != nil {
		return events, fmt.Errorf("epoll_wait: %w", err)
	}
	for _, ev := range b.buf[:n] {
		events = append(events, ReadyEvent{
			FD:     int(ev.Fd),
			Events: fromEpoll(ev.Events),
		})
	}
	return events, nil
}

func epollEvents(e Events) uint32 {
	var v uint32
	if e&Readable != 0 {
		v |= unix.EPOLLIN
	}
	if e&Writable != 0 {
		v |= unix.EPOLLOUT
	}
	if e&Priority != 0 {
		v |= unix.EPOLLPRI
	}
	// EPOLLERR and EPOLLHUP are always reported.
	return v
}

func fromEpoll(v uint32) Events {
	var e Events
	if v&unix.EPOLLIN != 0 {
		e |= Readable
	}
	if v&unix.EPOLLOUT != 0 {
		e |= Writable
	}
	if v&unix.EPOLLPRI != 0 {
		e |= Priority
	}
	if v&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		e |= Error
	}
	return e
}
