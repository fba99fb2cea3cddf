package store

import (
	"context"
	"time"

	"github.com/fieldflow/dispatch/core/model"
)

// JobStore persists jobs and their audit trail. All queries are keyed by
// tenant; implementations must never return rows from another tenant.
type JobStore interface {
	// CreateJob inserts the job. When a job with the same idempotency key
	// already exists, the existing job is returned together with
	// ErrDuplicate; callers treat that as success.
	CreateJob(ctx context.Context, job model.Job) (model.Job, error)
	GetJob(ctx context.Context, tenantID, jobID string) (model.Job, error)
	// UpdateJobStatus transitions the job and records a StatusChange.
	UpdateJobStatus(ctx context.Context, tenantID, jobID string, to model.JobStatus, changedBy, reason string) error
	// SetAssignment records the technician on the job alongside the status change.
	SetAssignment(ctx context.Context, tenantID, jobID, technicianID string, status model.JobStatus) error
	SetEscalationLevel(ctx context.Context, tenantID, jobID string, level int) error
	JobsInStatus(ctx context.Context, tenantID string, statuses ...model.JobStatus) ([]model.Job, error)
	StatusHistory(ctx context.Context, tenantID, jobID string) ([]model.StatusChange, error)
}

// TechnicianStore reads and writes the technician roster. Availability
// windows are mutated only through PutTechnician, never by the scheduler.
type TechnicianStore interface {
	PutTechnician(ctx context.Context, t model.Technician) error
	Technicians(ctx context.Context, tenantID string) ([]model.Technician, error)
}

// ReservationStore is the single serialization boundary of the engine.
// Commit and Reassign are atomic against the committed-overlap invariant.
type ReservationStore interface {
	// Commit inserts the reservation with status committed. If the window
	// overlaps any committed reservation for the same technician the insert
	// fails with ErrConflict and no state changes.
	Commit(ctx context.Context, res model.SlotReservation) error
	// Release frees the reservation. Idempotent: releasing an already
	// released or unknown reservation returns nil.
	Release(ctx context.Context, tenantID, reservationID string) error
	// Reassign performs the preemption bump as one transaction: commit res
	// for the emergency job, release the victim's reservation, flip the
	// emergency job to scheduled and the victim job back to pending. The
	// new window may overlap only the named victim; any other overlap fails
	// with ErrConflict. A partially applied transaction is rolled back and
	// reported as ErrPartialFailure.
	Reassign(ctx context.Context, victimReservationID string, res model.SlotReservation) error
	// CommittedFor returns committed reservations for the technician that
	// overlap the given window.
	CommittedFor(ctx context.Context, tenantID, technicianID string, within model.TimeWindow) ([]model.SlotReservation, error)
	// CommittedByJob returns the committed reservation currently held by the job.
	CommittedByJob(ctx context.Context, tenantID, jobID string) (model.SlotReservation, error)
}

// EscalationStore persists ladder positions for unresolved jobs.
type EscalationStore interface {
	PutEscalation(ctx context.Context, rec model.EscalationRecord) error
	GetEscalation(ctx context.Context, tenantID, jobID string) (model.EscalationRecord, error)
	DeleteEscalation(ctx context.Context, tenantID, jobID string) error
}

// WatermarkStore tracks the reconciliation sweep position per tenant.
type WatermarkStore interface {
	Watermark(ctx context.Context, tenantID string) (time.Time, error)
	SetWatermark(ctx context.Context, tenantID string, mark time.Time) error
}

// Store aggregates all persistence concerns behind one implementation so
// cross-entity transactions (Reassign, CancelJob) stay atomic.
type Store interface {
	JobStore
	TechnicianStore
	ReservationStore
	EscalationStore
	WatermarkStore
	// Tenants enumerates the tenant keys known to the store.
	Tenants(ctx context.Context) ([]string, error)
	// CancelJob flips the job to cancelled and releases any committed
	// reservation in the same operation. Idempotent.
	CancelJob(ctx context.Context, tenantID, jobID, reason string) error
	Close() error
}
