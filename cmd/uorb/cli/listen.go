// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package cli

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/peterbourgon/ff/v3/ffcli"
	"uorb.dev/orb"
	"uorb.dev/orbpoll"
	"uorb.dev/reactor"
	"uorb.dev/syncs"
)

func listenCmd() *ffcli.Command {
	fs := newFlagSet("listen")
	fs.IntVar(&listenArgs.num, "n", 0, "exit after this many updates in total; 0 means no limit, 1 prints current values and exits")
	fs.Float64Var(&listenArgs.rateHz, "r", 0, "maximum updates per second per instance; 0 means no limit")
	fs.DurationVar(&listenArgs.timeout, "t", 2*time.Second, "exit when no update arrives for this long; 0 means wait forever")
	fs.IntVar(&listenArgs.instance, "i", -1, "only listen to this instance")
	fs.DurationVar(&listenArgs.batch, "b", 0, "batch latency each subscription tolerates; 0 means none")
	return &ffcli.Command{
		Name:       "listen",
		ShortUsage: "uorb listen [-n num] [-r hz] [-b latency] [-t timeout] [-i instance] [topic[,topic...]]",
		ShortHelp:  "Print topic updates as they are published",
		LongHelp: strings.TrimSpace(`
Listen subscribes to the named topics, or to every topic if none are
given, and prints each update as it arrives. A topic name may carry an
instance suffix, as in sensor_accel1. With -n 1 the current value of
each topic that has one is printed without waiting for updates.
`),
		FlagSet: fs,
		Exec:    runListen,
	}
}

var listenArgs struct {
	num      int
	rateHz   float64
	timeout  time.Duration
	instance int
	batch    time.Duration
}

func runListen(ctx context.Context, args []string) error {
	if listenArgs.num < 0 || listenArgs.rateHz < 0 || listenArgs.timeout < 0 || listenArgs.batch < 0 {
		return errors.New("-n, -r, -b and -t must not be negative")
	}
	return withSession(ctx, func(ctx context.Context, s *session) error {
		return s.listen(ctx, strings.Join(args, ","))
	})
}

// listener is one subscribed instance.
type listener struct {
	ps      *orbpoll.Sub
	buf     []byte
	updates int
}

// openListener subscribes to n with the -r and -b limits applied.
func (s *session) openListener(n *orb.Node) (*listener, error) {
	sub, err := s.reg.Subscribe(n.Meta(), n.Instance())
	if err != nil {
		return nil, err
	}
	if listenArgs.rateHz > 0 {
		if err := sub.SetFrequency(listenArgs.rateHz); err != nil {
			sub.Close()
			return nil, err
		}
	}
	if err := sub.SetBatchInterval(listenArgs.batch); err != nil {
		sub.Close()
		return nil, err
	}
	ps, err := orbpoll.Open(sub, orbpoll.Options{Logf: s.logf})
	if err != nil {
		sub.Close()
		return nil, err
	}
	return &listener{ps: ps, buf: make([]byte, n.Meta().Size)}, nil
}

// printSnapshot prints the current value of every node that has one.
func printSnapshot(nodes []*orb.Node) error {
	for _, n := range nodes {
		buf := make([]byte, n.Meta().Size)
		gen, _, err := n.Read(buf)
		if err != nil {
			return err
		}
		if gen == 0 {
			continue
		}
		printf("%-24s gen=%-8d lost=%-6d %s\n", n, gen, n.LostMessages(), hex.EncodeToString(buf))
	}
	return nil
}

func (s *session) listen(ctx context.Context, filter string) error {
	for _, name := range strings.Split(filter, ",") {
		if name = strings.TrimSpace(name); name == "" {
			continue
		}
		if _, _, err := s.reg.Lookup(name); err != nil {
			return err
		}
	}
	var nodes []*orb.Node
	for _, n := range s.reg.Objects(filter) {
		if listenArgs.instance < 0 || n.Instance() == listenArgs.instance {
			nodes = append(nodes, n)
		}
	}
	if len(nodes) == 0 {
		return fmt.Errorf("%w: no topics match %q", orb.ErrNotExist, filter)
	}
	if listenArgs.num == 1 {
		return printSnapshot(nodes)
	}

	backend, err := reactor.DefaultBackend()
	if rootArgs.backend != "" {
		backend, err = reactor.NewBackend(rootArgs.backend)
	}
	if err != nil {
		return err
	}
	r, err := reactor.New(backend, s.logf)
	if err != nil {
		return err
	}
	defer r.Close()
	s.metrics.MustRegister(r)
	defer s.metrics.Unregister(r)

	var (
		listeners []*listener
		total     int
		idle      atomic.Bool
	)
	defer func() {
		for _, l := range listeners {
			l.ps.Close()
		}
	}()

	var resetIdle func()
	if listenArgs.timeout > 0 {
		var (
			mu   syncs.Mutex
			stop func() bool
		)
		fire := func() {
			idle.Store(true)
			r.ExitAsync()
		}
		resetIdle = func() {
			mu.Lock()
			defer mu.Unlock()
			if stop != nil {
				stop()
			}
			stop = s.clock.AfterFunc(listenArgs.timeout, fire)
		}
		resetIdle()
		defer func() {
			mu.Lock()
			defer mu.Unlock()
			stop()
		}()
	}

	onUpdate := func(l *listener) {
		copied, gen, err := l.ps.Copy(l.buf)
		if err != nil {
			s.logf("copy %v: %v", l.ps.Subscriber().Node(), err)
			return
		}
		if !copied {
			return
		}
		if resetIdle != nil {
			resetIdle()
		}
		l.updates++
		total++
		sub := l.ps.Subscriber()
		printf("%-24s gen=%-8d lost=%-6d %s\n", sub.Node(), gen, sub.Lost(), hex.EncodeToString(l.buf))
		if listenArgs.num > 0 && total >= listenArgs.num {
			r.ExitAsync()
		}
	}

	for _, n := range nodes {
		l, err := s.openListener(n)
		if err != nil {
			return err
		}
		listeners = append(listeners, l)
		if err := r.Register(l.ps.Handle(func(*orbpoll.Sub) { onUpdate(l) })); err != nil {
			return err
		}
	}

	err = r.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	for _, l := range listeners {
		sub := l.ps.Subscriber()
		printf("%v: %d updates, %d lost\n", sub.Node(), l.updates, sub.Lost())
	}
	if err == nil && total == 0 && idle.Load() {
		return fmt.Errorf("no updates within %v", listenArgs.timeout)
	}
	return err
}
