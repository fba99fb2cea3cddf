package metrics

import (
	"time"

	"github.com/fieldflow/dispatch/core/model"
)

// AssignmentEvent is a per-job dispatch outcome to be recorded.
type AssignmentEvent struct {
	JobID        string
	TenantID     string
	TechnicianID string
	Priority     model.Priority
	Window       model.TimeWindow
	Preempted    bool
	Time         time.Time
}

// Sink records assignment outcomes for observability purposes.
type Sink interface {
	RecordAssignment(ev AssignmentEvent) error
}

// EscalationEvent captures one ladder transition.
type EscalationEvent struct {
	JobID    string
	TenantID string
	Level    int
	Status   model.JobStatus
	Time     time.Time
}

// EscalationRecorder is implemented by sinks that track the ladder.
type EscalationRecorder interface {
	RecordEscalation(ev EscalationEvent) error
}

// NotificationEvent captures one delivery attempt.
type NotificationEvent struct {
	Channel   string
	Delivered bool
	Latency   time.Duration
	Time      time.Time
}

// NotificationRecorder is implemented by sinks that track deliveries.
type NotificationRecorder interface {
	RecordNotification(ev NotificationEvent) error
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) RecordAssignment(AssignmentEvent) error { return nil }

// Config defines settings for metrics sinks.
type Config struct {
	PrometheusEnabled bool   `json:"prometheus_enabled"`
	PrometheusAddr    string `json:"prometheus_addr"`
	InfluxEnabled     bool   `json:"influx_enabled"`
	InfluxURL         string `json:"influx_url"`
	InfluxToken       string `json:"influx_token"`
	InfluxOrg         string `json:"influx_org"`
	InfluxBucket      string `json:"influx_bucket"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.PrometheusAddr == "" {
		c.PrometheusAddr = ":9090"
	}
}
