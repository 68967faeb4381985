// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package reactor

import "strings"

// Events is a set of readiness conditions.
type Events uint8

const (
	Readable Events = 1 << iota
	Writable
	Priority
	Error

	allEvents = Readable | Writable | Priority | Error
)

// dispatchOrder is the order in which ready conditions are considered.
// Only the first ready condition of a handle is dispatched per wakeup.
var dispatchOrder = [...]Events{Error, Priority, Readable, Writable}

func (e Events) String() string {
	if e == 0 {
		return "none"
	}
	var sb strings.Builder
	for _, k := range [...]Events{Readable, Writable, Priority, Error} {
		if e&k == 0 {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('|')
		}
		sb.WriteString(k.name())
	}
	if e&^allEvents != 0 {
		if sb.Len() > 0 {
			sb.WriteByte('|')
		}
		sb.WriteString("unknown")
	}
	return sb.String()
}

func (e Events) name() string {
	switch e {
	case Readable:
		return "readable"
	case Writable:
		return "writable"
	case Priority:
		return "priority"
	case Error:
		return "error"
	}
	return "unknown"
}

// index returns the slot of a single condition in per-kind arrays.
func (e Events) index() int {
	switch e {
	case Readable:
		return 0
	case Writable:
		return 1
	case Priority:
		return 2
	}
	return 3
}
