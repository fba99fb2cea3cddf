package events

import (
	"time"

	"github.com/fieldflow/dispatch/core/model"
)

// JobEvent is published when a job is accepted at intake.
type JobEvent struct {
	Job       model.Job
	Duplicate bool
}

// AssignmentEvent is published when a reservation is committed.
type AssignmentEvent struct {
	JobID         string
	TenantID      string
	TechnicianID  string
	ReservationID string
	Window        model.TimeWindow
	Priority      model.Priority
}

// PreemptionEvent is published when an emergency job bumps a committed job.
type PreemptionEvent struct {
	EmergencyJobID string
	VictimJobID    string
	TechnicianID   string
	TenantID       string
}

// EscalationEvent is published on each ladder transition.
type EscalationEvent struct {
	JobID    string
	TenantID string
	Level    int
	Status   model.JobStatus
	Channel  string
}

// NotificationEvent reports the outcome of one delivery attempt.
type NotificationEvent struct {
	Recipient string
	Channel   string
	Delivered bool
	Err       error
	Latency   time.Duration
}
