// Package observability collects per-run Prometheus metrics and writes them
// to a node_exporter textfile.
package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "buildweaver"

// Metrics holds the collectors of one run. Each run owns its registry so
// the textfile only describes that run.
type Metrics struct {
	registry *prometheus.Registry

	NodesTotal       *prometheus.CounterVec
	NodeDuration     *prometheus.HistogramVec
	CacheHits        *prometheus.CounterVec
	GeneratedFiles   *prometheus.CounterVec
	BundleEntries    *prometheus.GaugeVec
	RunsTotal        *prometheus.CounterVec
	RunDuration      prometheus.Gauge
	LastRunTimestamp prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		NodesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nodes_total",
				Help:      "Build graph nodes by kind and final state",
			},
			[]string{"kind", "state"},
		),
		NodeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "node_duration_seconds",
				Help:      "Wall time of executed build graph nodes",
				Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"kind"},
		),
		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Nodes satisfied from the cache",
			},
			[]string{"kind"},
		),
		GeneratedFiles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generated_files_total",
				Help:      "Codec source files published per module",
			},
			[]string{"module"},
		),
		BundleEntries: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "bundle_entries",
				Help:      "Entries in the last bundle written per module",
			},
			[]string{"module"},
		),
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Runs by final status",
			},
			[]string{"command", "status"},
		),
		RunDuration: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall time of the run",
			},
		),
		LastRunTimestamp: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time the run finished",
			},
		),
	}
}

// ObserveNode records the final state of one node. Duration is recorded
// only for nodes that executed.
func (m *Metrics) ObserveNode(kind, state string, executed bool, d time.Duration) {
	m.NodesTotal.WithLabelValues(kind, state).Inc()
	if state == "CACHED" {
		m.CacheHits.WithLabelValues(kind).Inc()
	}
	if executed {
		m.NodeDuration.WithLabelValues(kind).Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveRun(command, status string, d time.Duration, end time.Time) {
	m.RunsTotal.WithLabelValues(command, status).Inc()
	m.RunDuration.Set(d.Seconds())
	m.LastRunTimestamp.Set(float64(end.Unix()))
}

// Registry exposes the collectors for gathering.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// WriteTextfile writes the metrics in text exposition format. The file is
// replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("writing metrics to %s: %w", path, err)
	}
	return nil
}
