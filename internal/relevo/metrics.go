package relevo

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics uses its own registry so several services (and tests) can coexist
// in one process. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	fetches            *prometheus.CounterVec
	fetchDuration      *prometheus.HistogramVec
	precache           *prometheus.CounterVec
	generationsDeleted prometheus.Counter
	transitions        *prometheus.CounterVec
	warm               *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relevo",
			Name:      "fetch_total",
			Help:      "Intercepted requests by route and how they were answered.",
		}, []string{"route", "outcome"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relevo",
			Name:      "fetch_duration_seconds",
			Help:      "Time to answer an intercepted request.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		precache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relevo",
			Name:      "precache_total",
			Help:      "Manifest assets fetched at install time.",
		}, []string{"result"}),
		generationsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relevo",
			Name:      "generations_deleted_total",
			Help:      "Cache generations purged on activation.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relevo",
			Name:      "lifecycle_transitions_total",
			Help:      "Worker state changes by target state.",
		}, []string{"state"}),
		warm: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relevo",
			Name:      "warm_total",
			Help:      "Warm-up fetches by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.fetches,
		m.fetchDuration,
		m.precache,
		m.generationsDeleted,
		m.transitions,
		m.warm,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) observeFetch(route Route, outcome string, since time.Time) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(route.String(), outcome).Inc()
	m.fetchDuration.WithLabelValues(route.String()).Observe(time.Since(since).Seconds())
}

func (m *Metrics) precacheResult(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.precache.WithLabelValues("ok").Inc()
	} else {
		m.precache.WithLabelValues("failed").Inc()
	}
}

func (m *Metrics) generationDeleted() {
	if m == nil {
		return
	}
	m.generationsDeleted.Inc()
}

func (m *Metrics) transition(st State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(st.String()).Inc()
}

func (m *Metrics) warmResult(result string) {
	if m == nil {
		return
	}
	m.warm.WithLabelValues(result).Inc()
}
