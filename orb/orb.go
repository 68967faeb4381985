// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package orb is an in-process publish/subscribe broker for fixed-size
// topics.
//
// Each (topic, instance) pair is a Node holding only the most recently
// published value and a generation counter. Subscribers keep a cursor into
// that generation sequence: a Copy returns the latest value when it is newer
// than the last one the subscriber saw, and counts the generations it
// skipped beyond the node's queue size as lost. Publishers never block on
// subscribers.
package orb

import (
	"errors"
	"fmt"
)

// MaxInstances is the number of instances a topic may have.
const MaxInstances = 10

// Metadata describes a topic. Its identity is its Name; two Metadata with
// the same Name must have the same Size.
type Metadata struct {
	Name string // unique topic name, such as "sensor_accel"
	Size int    // size in bytes of every published value
}

func (m *Metadata) String() string {
	if m == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s(%dB)", m.Name, m.Size)
}

func (m *Metadata) validate() error {
	switch {
	case m == nil:
		return fmt.Errorf("%w: nil metadata", ErrInvalidArgument)
	case m.Name == "":
		return fmt.Errorf("%w: empty topic name", ErrInvalidArgument)
	case m.Size <= 0:
		return fmt.Errorf("%w: topic %q has size %d", ErrInvalidArgument, m.Name, m.Size)
	}
	return nil
}

var (
	// ErrInvalidArgument reports a malformed argument, such as a buffer
	// whose size does not match the topic.
	ErrInvalidArgument = errors.New("orb: invalid argument")

	// ErrInvalidState reports an operation not permitted in the current
	// state, such as growing the queue after the first publish or closing
	// a subscriber twice.
	ErrInvalidState = errors.New("orb: invalid state")

	// ErrNotExist reports an unknown topic or instance.
	ErrNotExist = errors.New("orb: topic does not exist")

	// ErrResourceExhausted reports that every instance of a topic already
	// has a publisher.
	ErrResourceExhausted = errors.New("orb: resource exhausted")
)
