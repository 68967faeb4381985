// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package wakefd

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

func open() (rfd, wfd int, err error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return -1, -1, err
	}
	return fd, fd, nil
}

var one = binary.NativeEndian.AppendUint64(nil, 1)

func signal(fd int) error {
	_, err := unix.Write(fd, one)
	return err
}

func drain(fd int) (bool, error) {
	var buf [8]byte
	_, err := readRetry(fd, buf[:])
	switch err {
	case nil:
		return true, nil
	case unix.EAGAIN:
		return false, nil
	}
	return false, err
}
