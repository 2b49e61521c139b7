// Package metrics holds the Prometheus collectors of the engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry    *prometheus.Registry
	jobs        *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	transitions *prometheus.CounterVec
	deadLetters *prometheus.CounterVec
}

// New registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skyrfp",
			Name:      "jobs_total",
			Help:      "Agent jobs processed, by agent and outcome.",
		}, []string{"agent", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "skyrfp",
			Name:      "job_duration_seconds",
			Help:      "Agent execution time.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"agent"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skyrfp",
			Name:      "transitions_total",
			Help:      "Workflow state transitions.",
		}, []string{"from", "to"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skyrfp",
			Name:      "dead_letters_total",
			Help:      "Jobs moved to the dead letter set.",
		}, []string{"agent"}),
	}
	m.registry.MustRegister(
		m.jobs, m.jobDuration, m.transitions, m.deadLetters,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Nil receivers are allowed so components can run without metrics.

func (m *Metrics) ObserveJob(agent, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(agent, outcome).Inc()
	m.jobDuration.WithLabelValues(agent).Observe(d.Seconds())
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) DeadLetter(agent string) {
	if m == nil {
		return
	}
	m.deadLetters.WithLabelValues(agent).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
