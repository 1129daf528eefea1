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

// Package metrics holds the Prometheus instrumentation named in
// spec.md §2 and §4.6: publish/consume counters, an anomaly gauge on
// their difference, a dispatch-latency histogram, and an
// active-schedules gauge, grounded on the teacher's
// internal/controller/metrics package-level promauto pattern.
package metrics

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// instanceLabels implements spec.md §6's "ENVIRONMENT names the
// deployment tier for metric labels; a composite key {version}_{name}
// identifies the orchestrator instance and labels all metrics" — read
// once at package init from the process environment, the same point
// every other env-driven default (internal/log.FromEnv) reads from.
var instanceLabels = prometheus.Labels{
	"environment": envOrDefault("ENVIRONMENT", "development"),
	"instance":    fmt.Sprintf("%s_%s", envOrDefault("ORCHESTRATOR_VERSION", "dev"), instanceName()),
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func instanceName() string {
	if name := os.Getenv("ORCHESTRATOR_INSTANCE_NAME"); name != "" {
		return name
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "unknown"
}

var (
	publishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "orchestrator_publish_total",
			Help:        "Total ExecuteActivityCommand publishes, by flow, step, execution, correlation, and outcome",
			ConstLabels: instanceLabels,
		},
		[]string{"flow", "step", "execution", "correlation", "outcome"},
	)

	consumeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "orchestrator_consume_total",
			Help:        "Total ActivityCompletionEvent consumes, by flow and predecessor step",
			ConstLabels: instanceLabels,
		},
		[]string{"flow", "step"},
	)

	publishConsumeAnomaly = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name:        "orchestrator_publish_consume_anomaly",
			Help:        "Running difference between total publishes and total consumes; persistent drift indicates a stuck or dropped branch",
			ConstLabels: instanceLabels,
		},
	)

	dispatchLatencySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:        "orchestrator_dispatch_latency_seconds",
			Help:        "Time to construct and publish one ExecuteActivityCommand",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: instanceLabels,
		},
	)

	activeSchedules = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name:        "orchestrator_active_schedules",
			Help:        "Number of flows with an active cron schedule",
			ConstLabels: instanceLabels,
		},
	)
)

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// Recorder implements dispatcher.MetricsRecorder, backing it with the
// publish counter and the publish/consume anomaly gauge. Labeling every
// publish by execution and correlation ID (spec §4.6) trades Prometheus
// cardinality hygiene for the exact per-command traceability the spec
// asks for; see DESIGN.md for that tradeoff.
type Recorder struct{}

// RecordPublish implements dispatcher.MetricsRecorder.
func (Recorder) RecordPublish(flowID, stepID, executionID, correlationID string, success bool) {
	publishTotal.WithLabelValues(flowID, stepID, executionID, correlationID, outcomeLabel(success)).Inc()
	if success {
		publishConsumeAnomaly.Inc()
	}
}

// RecordConsume increments the consume counter for one completion event
// and nets it against the publish/consume anomaly gauge.
func (Recorder) RecordConsume(flowID, stepID string) {
	consumeTotal.WithLabelValues(flowID, stepID).Inc()
	publishConsumeAnomaly.Dec()
}

// ObserveDispatchLatency records how long one ExecuteActivityCommand
// took to build and publish.
func (Recorder) ObserveDispatchLatency(seconds float64) {
	dispatchLatencySeconds.Observe(seconds)
}

// SetActiveSchedules reports the current count of flows with an active
// cron schedule.
func (Recorder) SetActiveSchedules(n int) {
	activeSchedules.Set(float64(n))
}

// PublishConsumeAnomalyForTest exposes the anomaly gauge to this
// package's tests; not part of the Recorder's public API.
func PublishConsumeAnomalyForTest() prometheus.Gauge { return publishConsumeAnomaly }

// ActiveSchedulesForTest exposes the active-schedules gauge to this
// package's tests; not part of the Recorder's public API.
func ActiveSchedulesForTest() prometheus.Gauge { return activeSchedules }
