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

// Package metrics exposes Prometheus instrumentation for the queue and
// orchestrator dispatch loops.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "workflow_queue_depth",
			Help: "Number of messages currently pending in the durable queue, by prefix",
		},
		[]string{"prefix"},
	)

	messagesEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_queue_messages_enqueued_total",
			Help: "Total messages enqueued, by prefix",
		},
		[]string{"prefix"},
	)

	messageAttempts = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workflow_queue_message_attempts",
			Help:    "Delivery attempts consumed before a message finished",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		},
		[]string{"prefix"},
	)

	suspensions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_suspensions_total",
			Help: "Total times a run suspended, by reason (hook, sleep, step)",
		},
		[]string{"reason"},
	)

	retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_step_retries_total",
			Help: "Total step retries, by cause (error, throttle, server_error)",
		},
		[]string{"cause"},
	)

	throttles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_throttles_total",
			Help: "Total times step execution was deferred by the throttle policy",
		},
		[]string{"step"},
	)

	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workflow_run_duration_seconds",
			Help:    "Wall-clock duration from run start to terminal event, by final status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	persistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_persistence_errors_total",
			Help: "Total World persistence errors by operation and error type",
		},
		[]string{"operation", "error_type"},
	)
)

// RecordPersistenceError increments the persistence error counter.
// operation is one of: AppendEvent, GetRun, GetStep, GetHookByToken.
func RecordPersistenceError(operation, errorType string) {
	persistenceErrors.WithLabelValues(operation, errorType).Inc()
}

// IncQueueDepth records a message entering the queue under prefix.
func IncQueueDepth(prefix string) {
	queueDepth.WithLabelValues(prefix).Inc()
	messagesEnqueued.WithLabelValues(prefix).Inc()
}

// DecQueueDepth records a message leaving the queue (delivered or canceled).
func DecQueueDepth(prefix string) {
	queueDepth.WithLabelValues(prefix).Dec()
}

// ObserveAttempts records how many delivery attempts a message consumed
// before it finished, successfully or not.
func ObserveAttempts(prefix string, attempts int) {
	messageAttempts.WithLabelValues(prefix).Observe(float64(attempts))
}

// RecordSuspension increments the suspension counter for reason.
func RecordSuspension(reason string) {
	suspensions.WithLabelValues(reason).Inc()
}

// RecordRetry increments the retry counter for cause.
func RecordRetry(cause string) {
	retries.WithLabelValues(cause).Inc()
}

// RecordThrottle increments the throttle counter for a step name.
func RecordThrottle(step string) {
	throttles.WithLabelValues(step).Inc()
}

// RecordRunDuration records the wall-clock time from start to a terminal
// event of the given status (completed, failed, canceled).
func RecordRunDuration(status string, d time.Duration) {
	runDuration.WithLabelValues(status).Observe(d.Seconds())
}
