// Package metrics exports sandboxd activity in the Prometheus format.
//
// Counters are process-local: they count what this process did. Session
// gauges are computed from the registry on every scrape, so they agree across
// every process sharing the state root.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/isdmx/sandboxd/errdefs"
	"github.com/isdmx/sandboxd/registry"
)

const namespace = "sandboxd"

// Reap outcomes.
const (
	OutcomeReaped       = "reaped"
	OutcomeFailed       = "failed"
	OutcomeForceDeleted = "force_deleted"
	OutcomeVanished     = "vanished"
)

const scrapeTimeout = 5 * time.Second

// Metrics holds the collectors of one process.
type Metrics struct {
	registry *prometheus.Registry

	sessionsCreated *prometheus.CounterVec
	createFailures  *prometheus.CounterVec
	reaps           *prometheus.CounterVec
	sweeps          prometheus.Counter
	sweepErrors     prometheus.Counter
}

// New creates a Metrics with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Sessions created by this process.",
		}, []string{"adapter"}),
		createFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_create_failures_total",
			Help:      "Session creations that failed, by error class.",
		}, []string{"adapter", "code"}),
		reaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchdog_reaps_total",
			Help:      "Watchdog actions on expired or vanished sessions.",
		}, []string{"outcome"}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchdog_sweeps_total",
			Help:      "Completed watchdog sweeps.",
		}),
		sweepErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchdog_sweep_errors_total",
			Help:      "Watchdog sweeps that could not read or write the registry.",
		}),
	}
	m.registry.MustRegister(
		m.sessionsCreated,
		m.createFailures,
		m.reaps,
		m.sweeps,
		m.sweepErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// WatchRegistry exports the number of sessions per status and adapter kind
// found in store at scrape time.
func (m *Metrics) WatchRegistry(store *registry.Store) {
	m.registry.MustRegister(&registryCollector{store: store})
}

// SessionCreated counts a successful create.
func (m *Metrics) SessionCreated(adapterKind string) {
	if m == nil {
		return
	}
	m.sessionsCreated.WithLabelValues(adapterKind).Inc()
}

// CreateFailed counts a failed create.
func (m *Metrics) CreateFailed(adapterKind string, err error) {
	if m == nil {
		return
	}
	m.createFailures.WithLabelValues(adapterKind, errdefs.Code(err)).Inc()
}

// Reaped counts n watchdog actions with the given outcome.
func (m *Metrics) Reaped(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reaps.WithLabelValues(outcome).Add(float64(n))
}

// Swept counts a watchdog sweep.
func (m *Metrics) Swept(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.sweepErrors.Inc()
		return
	}
	m.sweeps.Inc()
}

// Handler serves the metrics of this process.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

var sessionsDesc = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "", "sessions"),
	"Sessions in the registry by status and adapter kind.",
	[]string{"status", "adapter"}, nil,
)

type registryCollector struct {
	store *registry.Store
}

func (c *registryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- sessionsDesc
}

func (c *registryCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
	defer cancel()

	records, err := c.store.Load(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(sessionsDesc, err)
		return
	}

	type key struct{ status, adapter string }
	counts := map[key]int{}
	for _, rec := range records {
		counts[key{string(rec.Status), rec.AdapterKind}]++
	}
	for k, n := range counts {
		ch <- prometheus.MustNewConstMetric(sessionsDesc, prometheus.GaugeValue, float64(n), k.status, k.adapter)
	}
}
