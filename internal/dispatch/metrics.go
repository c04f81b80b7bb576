// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the dispatcher's prometheus instrumentation, grounded on
// the teacher's runner.MetricsCollector / pkg/observability pattern.
type Metrics struct {
	queueDepth    *prometheus.GaugeVec
	inFlight      *prometheus.GaugeVec
	commandsTotal *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	retries       *prometheus.CounterVec
}

// NewMetrics registers dispatcher metrics on reg. Pass
// prometheus.NewRegistry() in tests to avoid collisions with the
// default global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dispatch_queue_depth",
			Help: "Number of commands pending in a thread-scope's queue.",
		}, []string{"scope"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dispatch_commands_in_flight",
			Help: "Commands currently executing (including retry backoff), by operation.",
		}, []string{"operation"}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_commands_total",
			Help: "Commands that reached a terminal status, by operation and status.",
		}, []string{"operation", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatch_command_duration_seconds",
			Help:    "Wall-clock duration of a command's full execution, including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_command_retries_total",
			Help: "Retry attempts across all commands, by operation.",
		}, []string{"operation"}),
	}
	reg.MustRegister(m.queueDepth, m.inFlight, m.commandsTotal, m.duration, m.retries)
	return m
}

// IncQueueDepth records a command entering a scope's pending queue.
func (m *Metrics) IncQueueDepth(scope string) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(scope).Inc()
}

// DecQueueDepth records a command leaving a scope's pending queue to run.
func (m *Metrics) DecQueueDepth(scope string) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(scope).Dec()
}

// RecordStart marks a command beginning execution, incrementing the
// in-flight gauge for operation. Every call must be matched by a later
// RecordFinish for the same operation.
func (m *Metrics) RecordStart(operation string) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(operation).Inc()
}

// RecordFinish records a command's terminal status, duration and retry
// count, and decrements the in-flight gauge RecordStart incremented.
func (m *Metrics) RecordFinish(operation, status string, d time.Duration, retries int) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(operation).Dec()
	m.commandsTotal.WithLabelValues(operation, status).Inc()
	m.duration.WithLabelValues(operation).Observe(d.Seconds())
	if retries > 0 {
		m.retries.WithLabelValues(operation).Add(float64(retries))
	}
}
