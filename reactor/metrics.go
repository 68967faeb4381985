// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build unix

package reactor

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "uorb"
	metricsSubsystem = "reactor"
)

type reactorMetrics struct {
	registry *prometheus.Registry
}

func newReactorMetrics(r *Reactor) *reactorMetrics {
	registry := prometheus.NewRegistry()
	counter := func(name, help string, labels prometheus.Labels, f func() uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   metricsSubsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return float64(f()) })
	}
	registry.MustRegister(
		counter("waits_total", "Completed backend waits.", nil, r.waits.Load),
		counter("interrupted_total", "Backend waits interrupted by a signal.", nil, r.interrupted.Load),
		counter("missing_callback_total", "Ready conditions with no registered callback.", nil, r.missing.Load),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Subsystem:   metricsSubsystem,
			Name:        "handles",
			Help:        "Registered handles.",
			ConstLabels: prometheus.Labels{"backend": r.backend.Name()},
		}, func() float64 { return float64(r.Len()) }),
	)
	for _, kind := range dispatchOrder {
		registry.MustRegister(counter("dispatch_total", "Callbacks run, by ready condition.",
			prometheus.Labels{"event": kind.name()}, r.dispatched[kind.index()].Load))
	}
	return &reactorMetrics{registry: registry}
}

// Describe is part of the implementation of prometheus.Collector.
func (r *Reactor) Describe(descCh chan<- *prometheus.Desc) {
	r.metrics.registry.Describe(descCh)
}

// Collect is part of the implementation of prometheus.Collector.
func (r *Reactor) Collect(metricCh chan<- prometheus.Metric) {
	r.metrics.registry.Collect(metricCh)
}
