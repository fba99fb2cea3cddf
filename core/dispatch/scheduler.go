package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/fieldflow/dispatch/core/events"
	"github.com/fieldflow/dispatch/core/model"
	"github.com/fieldflow/dispatch/core/notify"
	"github.com/fieldflow/dispatch/core/store"
)

// Outcome is the result of one scheduling pass.
type Outcome int

const (
	// OutcomeAssigned means a reservation was committed and the job is scheduled.
	OutcomeAssigned Outcome = iota
	// OutcomeReassigned means an emergency job displaced a committed job.
	OutcomeReassigned
	// OutcomeEscalated means no technician could be found and the job was
	// handed to the escalation ladder.
	OutcomeEscalated
	// OutcomeDuplicate means the idempotency key matched an earlier
	// submission and the existing job was returned untouched. Callers that
	// act on fresh jobs (notices, counters) must skip this outcome.
	OutcomeDuplicate
)

// String returns a label for metrics and logs.
func (o Outcome) String() string {
	switch o {
	case OutcomeAssigned:
		return "assigned"
	case OutcomeReassigned:
		return "reassigned"
	case OutcomeEscalated:
		return "escalated"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Escalator hands unassignable jobs to the escalation ladder. Implemented by
// the escalation engine.
type Escalator interface {
	// Begin enters the job into the ladder at the given level.
	Begin(ctx context.Context, job model.Job, level int) error
	// Resolve exits the job from the ladder, cancelling pending timers.
	Resolve(tenantID, jobID string)
}

// Schedule runs the routine assignment path: iterate the ranked candidate
// sequence, attempt a reservation for each in order, stop at the first
// success. Greedy first-fit is deliberate; the candidate ranking does the
// heavy lifting and the operation stays non-blocking and bounded.
func (m *Manager) Schedule(ctx context.Context, job model.Job) (Outcome, error) {
	now := m.now()
	cands, err := m.matcher.Candidates(ctx, job, now)
	if err != nil {
		return OutcomeEscalated, fmt.Errorf("candidates: %w", err)
	}
	for _, c := range cands {
		res, err := m.slots.Reserve(ctx, job.TenantID, c.Technician.ID, job.ID, c.Slot)
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				reserveConflicts.Inc()
				m.log.Debugf("slot conflict on tech %s for job %s, trying next candidate", c.Technician.ID, job.ID)
				continue
			}
			return OutcomeEscalated, err
		}
		if err := m.jobs.SetAssignment(ctx, job.TenantID, job.ID, c.Technician.ID, model.JobScheduled); err != nil {
			// Roll the claim back so the slot is not orphaned.
			_ = m.slots.Release(ctx, job.TenantID, res.ID)
			return OutcomeEscalated, err
		}
		m.assigned(ctx, job, c.Technician, res)
		return OutcomeAssigned, nil
	}
	return m.escalate(ctx, job, 0)
}

// assigned publishes the assignment, pushes it to the technician client and
// bumps counters. Notification is fire-and-forget: failures are logged and
// never block the scheduling decision.
func (m *Manager) assigned(ctx context.Context, job model.Job, tech model.Technician, res model.SlotReservation) {
	jobsAssigned.WithLabelValues(job.Priority.String()).Inc()
	if m.escalator != nil {
		// Assignment resolves any ladder position the job held.
		m.escalator.Resolve(job.TenantID, job.ID)
	}
	m.log.Infof("job %s assigned to tech %s [%s, %s)", job.ID, tech.ID,
		res.Window.Start.Format("15:04"), res.Window.End.Format("15:04"))
	if m.bus != nil {
		m.bus.Publish(events.AssignmentEvent{
			JobID:         job.ID,
			TenantID:      job.TenantID,
			TechnicianID:  tech.ID,
			ReservationID: res.ID,
			Window:        res.Window,
			Priority:      job.Priority,
		})
	}
	if err := m.notifier.Notify(ctx, notify.Intent{
		TenantID:  job.TenantID,
		Kind:      notify.KindAssignment,
		Recipient: tech.ID,
		JobID:     job.ID,
		Urgent:    job.Emergency(),
		Message:   fmt.Sprintf("New %s job %s in %s", job.Priority, job.ConfirmationCode, job.Area),
	}); err != nil {
		m.log.Warnf("assignment push for job %s failed: %v", job.ID, err)
	}
}

// escalate flips the job to pending_escalation and starts the ladder.
// No-candidate is an expected steady-state outcome, not an error path.
func (m *Manager) escalate(ctx context.Context, job model.Job, level int) (Outcome, error) {
	jobsEscalated.WithLabelValues(job.Priority.String()).Inc()
	if err := m.jobs.UpdateJobStatus(ctx, job.TenantID, job.ID, model.JobPendingEscalation, "system", "no eligible technician"); err != nil {
		return OutcomeEscalated, err
	}
	job.Status = model.JobPendingEscalation
	job.EscalationLevel = level
	if m.escalator != nil {
		if err := m.escalator.Begin(ctx, job, level); err != nil {
			m.log.Errorf("escalation start for job %s: %v", job.ID, err)
		}
	}
	m.log.Warnf("job %s entered escalation at level %d", job.ID, level)
	return OutcomeEscalated, nil
}
