// Package stats exports Open-MX's free-running counters to Prometheus, the
// way the teacher's coreStats wires a prometheus.Registry in common_prom.go
// - minus the StatsD/periodic-log machinery that package had no equivalent
// need for here (a transport library has counters, not a multi-tenant
// node's throughput/latency trackers).
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package stats

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/open-mx/openmx/core"
)

// Metrics wraps one core.Context's Stats counters in a prometheus.Registry,
// read on every scrape rather than pushed (spec §1.2 domain stack:
// prometheus client_golang).
type Metrics struct {
	registry *prometheus.Registry
	ctx      *core.Context
	node     string

	sent           prometheus.CounterFunc
	received       prometheus.CounterFunc
	retransmits    prometheus.CounterFunc
	queueFull      prometheus.CounterFunc
	pullsCompleted prometheus.CounterFunc
	connectsFailed prometheus.CounterFunc
}

// NewMetrics builds a registry scoped to one node label, mirroring the
// teacher's staticLabs{ConstlabNode} convention without depending on its
// meta.Snode type.
func NewMetrics(ctx *core.Context, nodeID string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ctx:      ctx,
		node:     strings.ReplaceAll(nodeID, ".", "_"),
	}
	labels := prometheus.Labels{"node": m.node}

	m.sent = counterFunc("openmx_frames_sent_total", "Frames transmitted.", labels, func() float64 {
		return float64(ctx.Stats.Sent.Load())
	})
	m.received = counterFunc("openmx_frames_received_total", "Frames received.", labels, func() float64 {
		return float64(ctx.Stats.Received.Load())
	})
	m.retransmits = counterFunc("openmx_retransmits_total", "Connect/pull retransmissions issued by the progression loop.", labels, func() float64 {
		return float64(ctx.Stats.Retransmits.Load())
	})
	m.queueFull = counterFunc("openmx_queue_full_total", "Frames dropped because an event queue had no free slot.", labels, func() float64 {
		return float64(ctx.Stats.QueueFull.Load())
	})
	m.pullsCompleted = counterFunc("openmx_pulls_completed_total", "Pull handles that reached completion.", labels, func() float64 {
		return float64(ctx.Stats.PullsCompleted.Load())
	})
	m.connectsFailed = counterFunc("openmx_connects_failed_total", "Connect attempts that exhausted their retransmit budget or were rejected.", labels, func() float64 {
		return float64(ctx.Stats.ConnectsFailed.Load())
	})

	m.registry.MustRegister(m.sent, m.received, m.retransmits, m.queueFull, m.pullsCompleted, m.connectsFailed)
	return m
}

func counterFunc(name, help string, labels prometheus.Labels, fn func() float64) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name:        name,
		Help:        help,
		ConstLabels: labels,
	}, fn)
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
