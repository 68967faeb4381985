// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package envknob provides access to environment-variable tweakable
// settings for the broker, the reactor and the uorb command.
//
// These are debugging and tuning knobs, not a stable interface.
package envknob

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
)

var (
	mu      sync.Mutex
	set     = map[string]string{}
	regStr  = map[string]*string{}
	regBool = map[string]*bool{}
	regInt  = map[string]*int{}
)

func noteEnvLocked(k, v string) {
	if v != "" {
		set[k] = v
	} else {
		delete(set, k)
	}
}

// logf is logger.Logf, but logger depends on envknob.
type logf = func(format string, args ...any)

// LogCurrent logs the currently set environment knobs.
func LogCurrent(logf logf) {
	mu.Lock()
	defer mu.Unlock()

	list := make([]string, 0, len(set))
	for k := range set {
		list = append(list, k)
	}
	sort.Strings(list)
	for _, k := range list {
		logf("envknob: %s=%q", k, set[k])
	}
}

// Setenv changes an environment variable and updates any registered
// knob reading it.
//
// All Setenv calls are meant to happen early in main (or in tests)
// before goroutines reading knobs are started.
func Setenv(envVar, val string) {
	mu.Lock()
	defer mu.Unlock()
	os.Setenv(envVar, val)
	noteEnvLocked(envVar, val)

	if p := regStr[envVar]; p != nil {
		*p = val
	}
	if p := regBool[envVar]; p != nil {
		setBoolLocked(p, envVar, val)
	}
	if p := regInt[envVar]; p != nil {
		setIntLocked(p, envVar, val)
	}
}

// RegisterString returns a func that gets the named environment variable,
// without a map lookup per call. It assumes that mutations happen via
// envknob.Setenv.
func RegisterString(envVar string) func() string {
	mu.Lock()
	defer mu.Unlock()
	p, ok := regStr[envVar]
	if !ok {
		val := os.Getenv(envVar)
		if val != "" {
			noteEnvLocked(envVar, val)
		}
		p = &val
		regStr[envVar] = p
	}
	return func() string { return *p }
}

// RegisterBool returns a func that gets the named environment variable
// as a boolean, without a map lookup per call.
func RegisterBool(envVar string) func() bool {
	mu.Lock()
	defer mu.Unlock()
	p, ok := regBool[envVar]
	if !ok {
		var b bool
		p = &b
		setBoolLocked(p, envVar, os.Getenv(envVar))
		regBool[envVar] = p
	}
	return func() bool { return *p }
}

// RegisterInt returns a func that gets the named environment variable
// as an integer (zero if unset), without a map lookup per call.
func RegisterInt(envVar string) func() int {
	mu.Lock()
	defer mu.Unlock()
	p, ok := regInt[envVar]
	if !ok {
		var v int
		p = &v
		setIntLocked(p, envVar, os.Getenv(envVar))
		regInt[envVar] = p
	}
	return func() int { return *p }
}

func setBoolLocked(p *bool, envVar, val string) {
	noteEnvLocked(envVar, val)
	if val == "" {
		*p = false
		return
	}
	var err error
	*p, err = strconv.ParseBool(val)
	if err != nil {
		log.Fatalf("invalid boolean environment variable %s value %q", envVar, val)
	}
}

func setIntLocked(p *int, envVar, val string) {
	noteEnvLocked(envVar, val)
	if val == "" {
		*p = 0
		return
	}
	var err error
	*p, err = strconv.Atoi(val)
	if err != nil {
		log.Fatalf("invalid integer environment variable %s value %q", envVar, val)
	}
}

var (
	reactorBackend   = RegisterString("UORB_REACTOR_BACKEND")
	debugReactor     = RegisterBool("UORB_DEBUG_REACTOR")
	defaultQueueSize = RegisterInt("UORB_DEFAULT_QUEUE_SIZE")
)

// ReactorBackend returns the name of the readiness backend the reactor
// should use by default ("epoll" or "poll"), or the empty string to let
// the platform decide.
func ReactorBackend() string { return reactorBackend() }

// DebugReactor reports whether the reactor should log every dispatch.
func DebugReactor() bool { return debugReactor() }

// DefaultQueueSize returns the queue size used when a topic is
// advertised with a queue size of zero. It is at least 1.
func DefaultQueueSize() int {
	if n := defaultQueueSize(); n > 0 {
		return n
	}
	return 1
}

// ApplyEnvFile reads key=value lines from the named file and applies
// them with Setenv.
func ApplyEnvFile(name string) error {
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := applyKeyValueEnv(f); err != nil {
		return fmt.Errorf("error parsing %s: %w", name, err)
	}
	return nil
}

// applyKeyValueEnv reads key=value lines r and calls Setenv for each.
//
// Empty lines and lines beginning with '#' are skipped.
//
// Values can be double quoted, in which case they're unquoted using
// strconv.Unquote.
func applyKeyValueEnv(r io.Reader) error {
	bs := bufio.NewScanner(r)
	for bs.Scan() {
		line := strings.TrimSpace(bs.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		v = strings.TrimSpace(v)
		if strings.HasPrefix(v, `"`) {
			var err error
			v, err = strconv.Unquote(v)
			if err != nil {
				return fmt.Errorf("invalid value in line %q: %v", line, err)
			}
		}
		Setenv(k, v)
	}
	return bs.Err()
}
