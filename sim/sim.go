// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package sim publishes synthetic topic data described by a config file,
// for exercising subscribers and the uorb tool without real producers.
package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"uorb.dev/orb"
	"uorb.dev/tstime"
	"uorb.dev/types/logger"
)

// Payload returns a size byte value carrying counter in its first eight
// bytes, little endian, truncated if size is smaller. The remaining bytes
// repeat the low byte of counter.
func Payload(counter uint64, size int) []byte {
	b := make([]byte, size)
	FillPayload(b, counter)
	return b
}

// FillPayload writes the Payload for counter into b.
func FillPayload(b []byte, counter uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], counter)
	n := copy(b, tmp[:])
	for i := n; i < len(b); i++ {
		b[i] = byte(counter)
	}
}

// Counter decodes the counter written by FillPayload.
func Counter(b []byte) uint64 {
	var tmp [8]byte
	copy(tmp[:], b)
	return binary.LittleEndian.Uint64(tmp[:])
}

// Sim is a set of advertised simulated topic instances.
type Sim struct {
	cfg  ConfigV1Alpha1
	logf logger.Logf
	pubs []*orb.Publisher // in config order, instances of a topic adjacent

	closeOnce sync.Once
}

// Advertise advertises every configured topic instance in reg, publishing
// Payload(1) as its initial value. On error the instances advertised so far
// are closed again.
func Advertise(reg *orb.Registry, cfg ConfigV1Alpha1, logf logger.Logf) (*Sim, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := &Sim{
		cfg:  cfg,
		logf: logger.WithPrefix(logger.OrDiscard(logf), "sim: "),
	}
	for _, t := range cfg.Topics {
		advertise := reg.Advertise
		if t.Persist {
			advertise = reg.AdvertisePersist
		}
		for range t.instances() {
			p, err := advertise(t.Meta(), Payload(1, t.Size), t.QueueSize)
			if err != nil {
				s.Close()
				return nil, fmt.Errorf("advertising %s: %w", t.Name, err)
			}
			p.Node().SetPriority(t.Priority)
			s.pubs = append(s.pubs, p)
			s.logf("publishing %v at %vHz", p.Node(), t.RateHz)
		}
	}
	return s, nil
}

// Publishers returns the advertised publishers.
func (s *Sim) Publishers() []*orb.Publisher { return s.pubs }

// Run publishes counter payloads at the configured rates until ctx is done,
// then closes the publishers. It returns nil when ctx ends the run.
func (s *Sim) Run(ctx context.Context) error {
	defer s.Close()
	g, ctx := errgroup.WithContext(ctx)
	i := 0
	for _, t := range s.cfg.Topics {
		for range t.instances() {
			p := s.pubs[i]
			i++
			if t.RateHz == 0 {
				continue
			}
			period := time.Duration(float64(time.Second) / t.RateHz)
			g.Go(func() error {
				return publishLoop(ctx, p, t.Size, period, t.Jitter)
			})
		}
	}
	<-ctx.Done()
	return g.Wait()
}

// Close unadvertises every instance. It is safe to call more than once.
func (s *Sim) Close() {
	s.closeOnce.Do(func() {
		var errs []error
		for _, p := range s.pubs {
			errs = append(errs, p.Close())
		}
		if err := errors.Join(errs...); err != nil {
			s.logf("closing publishers: %v", err)
		}
	})
}

// Run advertises cfg in reg and publishes until ctx is done, as Advertise
// followed by Sim.Run.
func Run(ctx context.Context, reg *orb.Registry, cfg ConfigV1Alpha1, logf logger.Logf) error {
	s, err := Advertise(reg, cfg, logf)
	if err != nil {
		return err
	}
	return s.Run(ctx)
}

func publishLoop(ctx context.Context, p *orb.Publisher, size int, period time.Duration, jitter float64) error {
	buf := make([]byte, size)
	for counter := uint64(2); ; counter++ {
		if !tstime.Sleep(ctx, tstime.Jitter(period, jitter)) {
			return nil
		}
		FillPayload(buf, counter)
		if err := p.Publish(buf); err != nil {
			return fmt.Errorf("publishing %v: %w", p.Node(), err)
		}
	}
}
