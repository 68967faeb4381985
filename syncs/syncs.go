// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package syncs contains additional sync types.
package syncs

import "sync"

// Mutex is the lock type guarding topic nodes and registry groups.
// It is an alias so that a debug build can swap in an instrumented mutex
// without touching call sites.
type Mutex = sync.Mutex

// RWMutex is the read-write counterpart of Mutex.
type RWMutex = sync.RWMutex
