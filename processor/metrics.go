package processor

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// Metrics records run loop activity. A nil *Metrics records nothing.
type Metrics struct {
	claimed     *prometheus.CounterVec
	outcomes    *prometheus.CounterVec
	idlePolls   *prometheus.CounterVec
	storeFaults *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		claimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "job_processor",
			Name:      "jobs_claimed_total",
			Help:      "Jobs claimed from the backlog.",
		}, []string{"service"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "job_processor",
			Name:      "jobs_resolved_total",
			Help:      "Jobs resolved, by outcome.",
		}, []string{"service", "outcome"}),
		idlePolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "job_processor",
			Name:      "idle_polls_total",
			Help:      "Claim attempts that found an empty backlog.",
		}, []string{"service"}),
		storeFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "job_processor",
			Name:      "store_faults_total",
			Help:      "Failed job store calls, by operation.",
		}, []string{"service", "op"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "job_processor",
			Name:      "job_duration_seconds",
			Help:      "Time from claim to resolution.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 16),
		}, []string{"service", "outcome"}),
	}

	for _, c := range []prometheus.Collector{m.claimed, m.outcomes, m.idlePolls, m.storeFaults, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register job processor metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) jobClaimed(service string) {
	if m == nil {
		return
	}
	m.claimed.WithLabelValues(service).Inc()
}

func (m *Metrics) jobResolved(service, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(service, outcome).Inc()
	m.duration.WithLabelValues(service, outcome).Observe(took.Seconds())
}

func (m *Metrics) idlePoll(service string) {
	if m == nil {
		return
	}
	m.idlePolls.WithLabelValues(service).Inc()
}

func (m *Metrics) storeFault(service, op string) {
	if m == nil {
		return
	}
	m.storeFaults.WithLabelValues(service, op).Inc()
}
