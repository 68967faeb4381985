// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build unix && !linux

package reactor

import (
	"fmt"
	"runtime"
)

func newEpollBackend() (Backend, error) {
	return nil, fmt.Errorf("%w: epoll is not available on %s", ErrBackendInit, runtime.GOOS)
}
