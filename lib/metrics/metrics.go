/*
Copyright 2018 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics self-instruments the redistribution engine with
// Prometheus collectors. gravity's own prometheus usage
// (lib/ops/monitoring.prometheus) is a read-only API client querying an
// in-cluster Prometheus server; this package turns the same dependency
// around to the instrumentation side (promauto-registered collectors plus
// an HTTP exposition handler), the way the rest of the ecosystem
// (client_golang/prometheus) is normally used from a long-running process.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors holds every metric RedistributionEngine updates while
// draining the work queue.
type Collectors struct {
	QueuePending  prometheus.Gauge
	WorkersBusy   prometheus.Gauge
	TableSeconds  prometheus.Histogram
	TablesDone    *prometheus.CounterVec
	BytesMoved    prometheus.Counter
}

// New registers a fresh set of collectors against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the global
// default registry across parallel test runs.
func New(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		QueuePending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "expandctl",
			Name:      "queue_pending",
			Help:      "Number of status_detail rows still NOT STARTED.",
		}),
		WorkersBusy: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "expandctl",
			Name:      "workers_busy",
			Help:      "Number of redistribution workers currently running an ALTER.",
		}),
		TableSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "expandctl",
			Name:      "table_redistribute_seconds",
			Help:      "Time spent redistributing a single table.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 16),
		}),
		TablesDone: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "expandctl",
			Name:      "tables_total",
			Help:      "Tables processed, labeled by terminal status.",
		}, []string{"status"}),
		BytesMoved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "expandctl",
			Name:      "bytes_moved_total",
			Help:      "Sum of SourceBytes across completed tables, a rough progress proxy.",
		}),
	}
}

// Handler returns the HTTP handler to expose on the operator's metrics
// listener, when one is configured (metrics are opt-in, off the
// CLI's critical path).
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
