// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package orb

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var topicLabels = []string{"topic", "instance"}

func topicDesc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName("uorb", "topic", name), help, topicLabels, nil)
}

var (
	generationDesc  = topicDesc("generation", "Values published to the topic instance.")
	subscribersDesc = topicDesc("subscribers", "Open subscribers.")
	lostDesc        = topicDesc("lost_messages_total", "Values lost by subscribers that fell more than the queue size behind.")
	queueSizeDesc   = topicDesc("queue_size", "Generations a subscriber may fall behind before values count as lost.")
	advertisedDesc  = topicDesc("advertised", "Whether the topic instance has been advertised.")
	priorityDesc    = topicDesc("priority", "Priority among instances of the topic.")
	rateDesc        = topicDesc("publish_rate", "Recent publish rate in values per second.")
)

var _ prometheus.Collector = (*Registry)(nil)

// Describe is part of the implementation of prometheus.Collector.
func (r *Registry) Describe(descCh chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		generationDesc, subscribersDesc, lostDesc, queueSizeDesc,
		advertisedDesc, priorityDesc, rateDesc,
	} {
		descCh <- d
	}
}

// Collect is part of the implementation of prometheus.Collector.
func (r *Registry) Collect(metricCh chan<- prometheus.Metric) {
	for _, n := range r.Nodes() {
		st := n.State()
		labels := []string{n.meta.Name, strconv.Itoa(n.instance)}
		advertised := 0.0
		if st.Advertised {
			advertised = 1
		}
		for _, m := range []struct {
			desc *prometheus.Desc
			typ  prometheus.ValueType
			v    float64
		}{
			{generationDesc, prometheus.CounterValue, float64(st.Generation)},
			{subscribersDesc, prometheus.GaugeValue, float64(st.Subscribers)},
			{lostDesc, prometheus.CounterValue, float64(st.Lost)},
			{queueSizeDesc, prometheus.GaugeValue, float64(st.QueueSize)},
			{advertisedDesc, prometheus.GaugeValue, advertised},
			{priorityDesc, prometheus.GaugeValue, float64(st.Priority)},
			{rateDesc, prometheus.GaugeValue, n.PublishRate()},
		} {
			metricCh <- prometheus.MustNewConstMetric(m.desc, m.typ, m.v, labels...)
		}
	}
}
