package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/fieldflow/dispatch/core/metrics"
)

// PromSink records scheduling events in Prometheus metrics.
type PromSink struct {
	assignments   *prometheus.CounterVec
	escalations   *prometheus.CounterVec
	notifications *prometheus.CounterVec
	notifyLatency *prometheus.HistogramVec
}

// NewPromSink registers metrics on the default Prometheus registerer.
func NewPromSink() (*PromSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	assignments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldflow_assignment_events_total",
		Help: "Total number of assignment events",
	}, []string{"tenant", "priority", "preempted"})
	escalations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldflow_escalation_transitions_total",
		Help: "Total number of escalation ladder transitions",
	}, []string{"tenant", "level"})
	notifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldflow_notifications_total",
		Help: "Total number of notification delivery attempts",
	}, []string{"channel", "delivered"})
	notifyLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fieldflow_notification_latency_seconds",
		Help:    "Time spent delivering one notification",
		Buckets: prometheus.DefBuckets,
	}, []string{"channel"})

	if err := reg.Register(assignments); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			assignments = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(escalations); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			escalations = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(notifications); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			notifications = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(notifyLatency); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			notifyLatency = are.ExistingCollector.(*prometheus.HistogramVec)
		} else {
			return nil, err
		}
	}
	return &PromSink{
		assignments:   assignments,
		escalations:   escalations,
		notifications: notifications,
		notifyLatency: notifyLatency,
	}, nil
}

// RecordAssignment counts an assignment outcome.
func (s *PromSink) RecordAssignment(ev coremetrics.AssignmentEvent) error {
	s.assignments.WithLabelValues(ev.TenantID, ev.Priority.String(), strconv.FormatBool(ev.Preempted)).Inc()
	return nil
}

// RecordEscalation counts one ladder transition.
func (s *PromSink) RecordEscalation(ev coremetrics.EscalationEvent) error {
	s.escalations.WithLabelValues(ev.TenantID, strconv.Itoa(ev.Level)).Inc()
	return nil
}

// RecordNotification counts a delivery attempt and observes its latency.
func (s *PromSink) RecordNotification(ev coremetrics.NotificationEvent) error {
	s.notifications.WithLabelValues(ev.Channel, strconv.FormatBool(ev.Delivered)).Inc()
	s.notifyLatency.WithLabelValues(ev.Channel).Observe(ev.Latency.Seconds())
	return nil
}
