package model

import "time"

// Priority defines how urgently a job must be handled.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityUrgent
	PriorityEmergency
)

// String returns a human-readable representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityUrgent:
		return "urgent"
	case PriorityEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// ParsePriority converts a priority name to its value. Unknown names map to
// PriorityNormal.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "urgent":
		return PriorityUrgent
	case "emergency":
		return PriorityEmergency
	default:
		return PriorityNormal
	}
}

// JobStatus tracks a job through its lifecycle.
type JobStatus string

const (
	JobPending           JobStatus = "pending"
	JobScheduled         JobStatus = "scheduled"
	JobEnRoute           JobStatus = "en_route"
	JobInProgress        JobStatus = "in_progress"
	JobCompleted         JobStatus = "completed"
	JobCancelled         JobStatus = "cancelled"
	JobPendingEscalation JobStatus = "pending_escalation"

	// Escalation ladder rungs.
	JobNotifiedOwner      JobStatus = "notified_owner"
	JobNotifiedBackup     JobStatus = "notified_backup_channel"
	JobNotifiedPartner    JobStatus = "notified_partner_network"
	JobUnresolvedCritical JobStatus = "unresolved_critical"
)

// InEscalation reports whether the status is a ladder state still awaiting
// human action.
func (s JobStatus) InEscalation() bool {
	switch s {
	case JobPendingEscalation, JobNotifiedOwner, JobNotifiedBackup, JobNotifiedPartner:
		return true
	}
	return false
}

// Terminal reports whether no further scheduling action applies to the status.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobCancelled
}

// Job represents a service request to be dispatched to a technician.
type Job struct {
	ID               string
	TenantID         string
	Priority         Priority
	Skills           []string // required skill tags
	Area             string   // service-area key
	Status           JobStatus
	TechnicianID     string // empty while unassigned
	EscalationLevel  int
	AckDeadline      *time.Time
	Duration         time.Duration // estimated on-site duration
	EarliestStart    time.Time     // earliest acceptable slot start
	IdempotencyKey   string
	SourceCallID     string // external call id for reconciliation
	CustomerRef      string // opaque notification target
	ConfirmationCode string
	CreatedAt        time.Time
}

// Emergency reports whether the job takes the preemption path.
func (j Job) Emergency() bool { return j.Priority == PriorityEmergency }

// Validate checks that the job carries the fields dispatch depends on.
func (j Job) Validate() error {
	if j.TenantID == "" {
		return ErrMissingTenant
	}
	if j.Duration <= 0 {
		return ErrInvalidDuration
	}
	return nil
}

// StatusChange records one job status transition for auditing.
type StatusChange struct {
	JobID      string
	From       JobStatus
	To         JobStatus
	ChangedBy  string // "system", "customer", "technician"
	Reason     string
	OccurredAt time.Time
}
