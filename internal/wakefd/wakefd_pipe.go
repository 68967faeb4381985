// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build unix && !linux

package wakefd

import (
	"golang.org/x/sys/unix"
)

func open() (rfd, wfd int, err error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return -1, -1, err
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return -1, -1, err
		}
	}
	return p[0], p[1], nil
}

func signal(fd int) error {
	_, err := unix.Write(fd, []byte{1})
	return err
}

func drain(fd int) (bool, error) {
	var buf [64]byte
	pending := false
	for {
		n, err := readRetry(fd, buf[:])
		switch {
		case err == unix.EAGAIN:
			return pending, nil
		case err != nil:
			return pending, err
		case n == 0:
			return pending, nil
		}
		pending = true
	}
}
