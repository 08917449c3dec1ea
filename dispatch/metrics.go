// Copyright 2022-2023 The fleetcast Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// attempt outcomes
const (
	outcomeCompleted = "completed"
	outcomeRetry     = "retry"
	outcomeFailed    = "failed"
	outcomeError     = "settle_error"
)

// WorkerMetrics worker side dispatch metrics
type WorkerMetrics struct {
	attempts       *prometheus.CounterVec
	attemptLatency *prometheus.HistogramVec
	inflight       prometheus.Gauge
	abandoned      prometheus.Gauge
	fetchFailures  prometheus.Counter
}

// GetWorkerMetrics define and register the worker metrics with reg
func GetWorkerMetrics(reg prometheus.Registerer) *WorkerMetrics {
	factory := promauto.With(reg)
	return &WorkerMetrics{
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetcast",
			Subsystem: "dispatch",
			Name:      "attempts_total",
			Help:      "Job attempts by job name and outcome",
		}, []string{"job", "outcome"}),
		attemptLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fleetcast",
			Subsystem: "dispatch",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of job attempts",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleetcast",
			Subsystem: "dispatch",
			Name:      "inflight_attempts",
			Help:      "Job attempts currently running",
		}),
		abandoned: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleetcast",
			Subsystem: "dispatch",
			Name:      "abandoned_attempts",
			Help:      "Timed out attempts whose handler has not returned yet",
		}),
		fetchFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetcast",
			Subsystem: "dispatch",
			Name:      "fetch_failures_total",
			Help:      "Failed broker fetch calls",
		}),
	}
}
