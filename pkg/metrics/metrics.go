/*
Copyright 2025 Jordi Gil.

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

// Package metrics exposes the gateway's Prometheus instrumentation on a
// private registry so tests observe vectorgate_* series in isolation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the gateway records.
type Metrics struct {
	registry *prometheus.Registry

	// Router
	RequestsTotal    *prometheus.CounterVec // labels: instance, method, outcome
	RequestDuration  *prometheus.HistogramVec
	WritesRefused    *prometheus.CounterVec // labels: reason
	ReadFailovers    prometheus.Counter
	DeleteFanouts    *prometheus.CounterVec // labels: result

	// Health
	InstanceHealthy   *prometheus.GaugeVec // labels: instance
	HealthTransitions *prometheus.CounterVec
	ProbeDuration     *prometheus.HistogramVec

	// WAL
	WALEntriesByStatus *prometheus.GaugeVec // labels: status
	WALAppends         *prometheus.CounterVec
	WALReplays         *prometheus.CounterVec // labels: instance, outcome
	WALAbandoned       prometheus.Counter
	ReplayBatchSize    prometheus.Gauge

	// Transaction safety log
	Transactions        *prometheus.CounterVec // labels: status
	RecoveredTransactions prometheus.Counter

	// Mapping
	MappingCacheHits   prometheus.Counter
	MappingCacheMisses prometheus.Counter
	MappingsTotal      prometheus.Gauge

	// Memory
	ProcessRSSBytes prometheus.Gauge
	MemoryPressure  prometheus.Gauge
}

// New creates the metric set on a fresh private registry.
func New(namespace string) *Metrics {
	return NewWithRegistry(namespace, prometheus.NewRegistry())
}

// NewWithRegistry creates the metric set on the given registry. Tests pass an
// isolated registry per suite.
func NewWithRegistry(namespace string, registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Forwarded requests by instance, method and outcome.",
		}, []string{"instance", "method", "outcome"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Forward latency by instance.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"instance"}),
		WritesRefused: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_refused_total",
			Help:      "Writes refused before forwarding, by reason.",
		}, []string{"reason"}),
		ReadFailovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_failovers_total",
			Help:      "Reads retried on the other instance after a failure.",
		}),
		DeleteFanouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delete_fanouts_total",
			Help:      "DELETE fan-out results (full, partial, failed).",
		}, []string{"result"}),

		InstanceHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instance_healthy",
			Help:      "1 when the instance is considered healthy.",
		}, []string{"instance"}),
		HealthTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_transitions_total",
			Help:      "Health state transitions by instance and direction.",
		}, []string{"instance", "to"}),
		ProbeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_duration_seconds",
			Help:      "Health probe latency by instance.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"instance"}),

		WALEntriesByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "wal_entries",
			Help:      "WAL entries by status, refreshed on each status poll.",
		}, []string{"status"}),
		WALAppends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wal_appends_total",
			Help:      "WAL appends by target instance.",
		}, []string{"instance"}),
		WALReplays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wal_replays_total",
			Help:      "Replay attempts by target instance and outcome.",
		}, []string{"instance", "outcome"}),
		WALAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wal_abandoned_total",
			Help:      "WAL entries abandoned after exhausting retries.",
		}),
		ReplayBatchSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "replay_batch_size",
			Help:      "Current adaptive claim size of the replayer.",
		}),

		Transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Transaction safety log records by terminal status.",
		}, []string{"status"}),
		RecoveredTransactions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_recovered_total",
			Help:      "Stuck transactions advanced by the recovery sweep.",
		}),

		MappingCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mapping_cache_hits_total",
			Help:      "Mapping lookups served from the in-process cache.",
		}),
		MappingCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mapping_cache_misses_total",
			Help:      "Mapping lookups that fell through to the database.",
		}),
		MappingsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mappings",
			Help:      "Collection mappings currently stored.",
		}),

		ProcessRSSBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "process_rss_bytes",
			Help:      "Resident set size of the gateway process.",
		}),
		MemoryPressure: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_pressure",
			Help:      "1 while write back-pressure is engaged.",
		}),
	}

	registry.MustRegister(
		m.RequestsTotal, m.RequestDuration, m.WritesRefused, m.ReadFailovers,
		m.DeleteFanouts, m.InstanceHealthy, m.HealthTransitions, m.ProbeDuration,
		m.WALEntriesByStatus, m.WALAppends, m.WALReplays, m.WALAbandoned,
		m.ReplayBatchSize, m.Transactions, m.RecoveredTransactions,
		m.MappingCacheHits, m.MappingCacheMisses, m.MappingsTotal,
		m.ProcessRSSBytes, m.MemoryPressure,
	)
	return m
}

// Gatherer exposes the private registry for the /metrics endpoint.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}
