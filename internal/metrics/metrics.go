// Package metrics exposes queue counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "jobq"

type Metrics struct {
	enqueued     *prometheus.CounterVec
	claimed      *prometheus.CounterVec
	outcomes     *prometheus.CounterVec
	conflicts    prometheus.Counter
	reaped       prometheus.Counter
	idlePolls    prometheus.Counter
	execDuration *prometheus.HistogramVec
}

// New registers the queue collectors on reg. Collectors already registered
// on reg are reused, so several components may share one registry.
func New(reg prometheus.Registerer) *Metrics {
	registerOrExisting := func(coll prometheus.Collector) prometheus.Collector {
		if err := reg.Register(coll); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return are.ExistingCollector
			}
			panic(err)
		}
		return coll
	}

	return &Metrics{
		enqueued: registerOrExisting(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Enqueue requests, split by whether they created a row or matched an idempotency key.",
		}, []string{"type", "result"})).(*prometheus.CounterVec),
		claimed: registerOrExisting(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_claimed_total",
			Help:      "Jobs claimed by workers.",
		}, []string{"type"})).(*prometheus.CounterVec),
		outcomes: registerOrExisting(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_outcomes_total",
			Help:      "Reported job outcomes: succeeded, retried or failed.",
		}, []string{"type", "outcome"})).(*prometheus.CounterVec),
		conflicts: registerOrExisting(prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_conflicts_total",
			Help:      "Reports rejected because the worker no longer held the lease.",
		})).(prometheus.Counter),
		reaped: registerOrExisting(prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_reaped_total",
			Help:      "Expired leases dead-lettered after exhausting attempts.",
		})).(prometheus.Counter),
		idlePolls: registerOrExisting(prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idle_polls_total",
			Help:      "Claim calls that found no eligible job.",
		})).(prometheus.Counter),
		execDuration: registerOrExisting(prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_execution_seconds",
			Help:      "Handler execution time.",
		}, []string{"type", "outcome"})).(*prometheus.HistogramVec),
	}
}

// Nop returns metrics bound to a private registry.
func Nop() *Metrics { return New(prometheus.NewRegistry()) }

func (m *Metrics) Enqueued(jobType string, created bool) {
	result := "created"
	if !created {
		result = "deduplicated"
	}
	m.enqueued.WithLabelValues(jobType, result).Inc()
}

func (m *Metrics) Claimed(jobType string) { m.claimed.WithLabelValues(jobType).Inc() }

func (m *Metrics) Outcome(jobType, outcome string) {
	m.outcomes.WithLabelValues(jobType, outcome).Inc()
}

func (m *Metrics) Conflict() { m.conflicts.Inc() }

func (m *Metrics) Reaped(n int) { m.reaped.Add(float64(n)) }

func (m *Metrics) IdlePoll() { m.idlePolls.Inc() }

func (m *Metrics) Executed(jobType, outcome string, took time.Duration) {
	m.execDuration.WithLabelValues(jobType, outcome).Observe(took.Seconds())
}
