package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	jobsSubmitted    *prometheus.CounterVec
	jobsAssigned     *prometheus.CounterVec
	jobsEscalated    *prometheus.CounterVec
	preemptions      prometheus.Counter
	reserveConflicts prometheus.Counter
	scheduleLatency  *prometheus.HistogramVec
)

// newCollectors creates new metric collectors.
func newCollectors() (*prometheus.CounterVec, *prometheus.CounterVec, *prometheus.CounterVec, prometheus.Counter, prometheus.Counter, *prometheus.HistogramVec) {
	sub := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_jobs_submitted_total",
			Help: "Number of jobs accepted at intake",
		},
		[]string{"priority"},
	)
	asn := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_jobs_assigned_total",
			Help: "Number of jobs assigned to a technician",
		},
		[]string{"priority"},
	)
	esc := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_jobs_escalated_total",
			Help: "Number of jobs routed to the escalation ladder",
		},
		[]string{"priority"},
	)
	pre := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_preemptions_total",
			Help: "Number of emergency bumps of committed jobs",
		},
	)
	conf := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_reserve_conflicts_total",
			Help: "Number of reservation attempts lost to a concurrent claim",
		},
	)
	lat := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_schedule_latency_seconds",
			Help:    "Latency of a scheduling pass from intake to outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"priority", "outcome"},
	)
	return sub, asn, esc, pre, conf, lat
}

func init() {
	jobsSubmitted, jobsAssigned, jobsEscalated, preemptions, reserveConflicts, scheduleLatency = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers dispatch metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(jobsSubmitted, jobsAssigned, jobsEscalated, preemptions, reserveConflicts, scheduleLatency)
}

// ResetMetrics reinitializes metrics collectors for testing purposes and
// registers them on the provided registry if not nil.
func ResetMetrics(reg prometheus.Registerer) {
	jobsSubmitted, jobsAssigned, jobsEscalated, preemptions, reserveConflicts, scheduleLatency = newCollectors()
	if reg != nil {
		MustRegisterMetrics(reg)
	}
}
