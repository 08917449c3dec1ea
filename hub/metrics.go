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

package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics stream hub metrics
type Metrics struct {
	connections      prometheus.Gauge
	framesSent       *prometheus.CounterVec
	slowConsumers    prometheus.Counter
	writeFailures    prometheus.Counter
	snapshotQueries  *prometheus.CounterVec
	snapshotFailures prometheus.Counter
}

// GetMetrics define the hub metrics on reg. A nil reg leaves them unregistered.
func GetMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleetcast", Subsystem: "stream",
			Name: "connections", Help: "Open fleet stream connections",
		}),
		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetcast", Subsystem: "stream",
			Name: "frames_total", Help: "Frames queued to stream connections",
		}, []string{"type"}),
		slowConsumers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetcast", Subsystem: "stream",
			Name: "slow_consumer_closes_total", Help: "Connections closed because their frame buffer was full",
		}),
		writeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetcast", Subsystem: "stream",
			Name: "write_failures_total", Help: "Connections closed after a write failure",
		}),
		snapshotQueries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetcast", Subsystem: "stream",
			Name: "snapshot_queries_total", Help: "Snapshot queries started",
		}, []string{"type"}),
		snapshotFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetcast", Subsystem: "stream",
			Name: "snapshot_failures_total", Help: "Snapshot queries which failed",
		}),
	}
}
