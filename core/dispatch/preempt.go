package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/fieldflow/dispatch/core/events"
	"github.com/fieldflow/dispatch/core/match"
	"github.com/fieldflow/dispatch/core/model"
	"github.com/fieldflow/dispatch/core/notify"
	"github.com/fieldflow/dispatch/core/store"
)

// victim pairs a candidate technician with the committed job that would be
// bumped to make room for an emergency.
type victim struct {
	tech model.Technician
	job  model.Job
	res  model.SlotReservation
}

// Preempt runs the emergency path. Cheapest first: a technician with no
// commitment in the preemption horizon gets the job directly. Otherwise the
// lowest-priority committed job with the latest remaining slack is bumped in
// a single atomic reassignment and re-enters routine scheduling. When even
// that yields nothing the job escalates straight to the top rung; there is
// no graceful slack left to wait through the lower ones.
func (m *Manager) Preempt(ctx context.Context, job model.Job) (Outcome, error) {
	if !job.Emergency() {
		return OutcomeEscalated, fmt.Errorf("preempt called for %s priority job %s", job.Priority, job.ID)
	}
	now := m.now()

	free, err := m.matcher.FreeCandidates(ctx, job, now, m.horizon)
	if err != nil {
		return OutcomeEscalated, fmt.Errorf("free candidates: %w", err)
	}
	for _, c := range free {
		slot := model.TimeWindow{Start: now, End: now.Add(job.Duration)}
		res, err := m.slots.Reserve(ctx, job.TenantID, c.Technician.ID, job.ID, slot)
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				reserveConflicts.Inc()
				continue
			}
			return OutcomeEscalated, err
		}
		if err := m.jobs.SetAssignment(ctx, job.TenantID, job.ID, c.Technician.ID, model.JobScheduled); err != nil {
			_ = m.slots.Release(ctx, job.TenantID, res.ID)
			return OutcomeEscalated, err
		}
		m.assigned(ctx, job, c.Technician, res)
		return OutcomeAssigned, nil
	}

	victims, err := m.bumpCandidates(ctx, job, now)
	if err != nil {
		return OutcomeEscalated, err
	}
	for _, v := range victims {
		out, err := m.bump(ctx, job, v, now)
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return OutcomeEscalated, err
		}
		return out, nil
	}

	// No free technician and nothing bumpable: engage the human path at the
	// highest rung immediately.
	return m.escalate(ctx, job, m.topLevel)
}

// bumpCandidates lists eligible technicians whose current commitment in the
// horizon belongs to a normal or low priority job that has not finished.
// Ordered by victim priority ascending, then latest window start (most
// remaining slack to reschedule), then technician id for determinism.
func (m *Manager) bumpCandidates(ctx context.Context, job model.Job, now time.Time) ([]victim, error) {
	techs, err := m.techs.Technicians(ctx, job.TenantID)
	if err != nil {
		return nil, err
	}
	horizon := model.TimeWindow{Start: now, End: now.Add(m.horizon)}
	var out []victim
	for _, t := range techs {
		if !match.Eligible(t, job) {
			continue
		}
		committed, err := m.res.CommittedFor(ctx, job.TenantID, t.ID, horizon)
		if err != nil {
			return nil, err
		}
		for _, r := range committed {
			if !r.Window.End.After(now) {
				continue
			}
			vj, err := m.jobs.GetJob(ctx, job.TenantID, r.JobID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return nil, err
			}
			if vj.Priority > model.PriorityNormal {
				continue
			}
			out = append(out, victim{tech: t, job: vj, res: r})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].job.Priority != out[j].job.Priority {
			return out[i].job.Priority < out[j].job.Priority
		}
		if !out[i].res.Window.Start.Equal(out[j].res.Window.Start) {
			return out[i].res.Window.Start.After(out[j].res.Window.Start)
		}
		return out[i].tech.ID < out[j].tech.ID
	})
	return out, nil
}

// bump performs the all-or-nothing reassignment. The store transaction
// commits the emergency reservation, releases the victim's and swaps both
// job records in one step, so the emergency job and its victim are never
// both unassigned at the same instant. A partial failure rolls back and is
// retried once before giving up on this victim.
func (m *Manager) bump(ctx context.Context, job model.Job, v victim, now time.Time) (Outcome, error) {
	res := model.SlotReservation{
		ID:           uuid.NewString(),
		TenantID:     job.TenantID,
		TechnicianID: v.tech.ID,
		JobID:        job.ID,
		Window:       model.TimeWindow{Start: now, End: now.Add(job.Duration)},
		Status:       model.ReservationCommitted,
		CreatedAt:    now.UTC(),
	}
	err := m.res.Reassign(ctx, v.res.ID, res)
	if errors.Is(err, store.ErrPartialFailure) {
		m.log.Warnf("preemption of job %s partially applied, retrying once", v.job.ID)
		err = m.res.Reassign(ctx, v.res.ID, res)
	}
	if err != nil {
		return OutcomeEscalated, err
	}
	preemptions.Inc()
	m.log.Infof("emergency job %s bumped job %s from tech %s", job.ID, v.job.ID, v.tech.ID)
	if m.bus != nil {
		m.bus.Publish(events.PreemptionEvent{
			EmergencyJobID: job.ID,
			VictimJobID:    v.job.ID,
			TechnicianID:   v.tech.ID,
			TenantID:       job.TenantID,
		})
	}
	m.assigned(ctx, job, v.tech, res)

	// Compensate the bumped customer, then put the job back through the
	// routine path with its original priority. It is never silently dropped.
	if err := m.notifier.Notify(ctx, notify.Intent{
		TenantID:  job.TenantID,
		Kind:      notify.KindBumpApology,
		Recipient: v.job.CustomerRef,
		JobID:     v.job.ID,
		Message:   fmt.Sprintf("Your appointment %s is being rescheduled due to an emergency; we will confirm a new time shortly", v.job.ConfirmationCode),
	}); err != nil {
		m.log.Warnf("bump apology for job %s failed: %v", v.job.ID, err)
	}
	requeued := v.job
	requeued.Status = model.JobPending
	requeued.TechnicianID = ""
	if _, err := m.Schedule(ctx, requeued); err != nil {
		m.log.Errorf("requeue of bumped job %s: %v", v.job.ID, err)
	}
	return OutcomeReassigned, nil
}
