// Package escalation implements the state machine that guarantees no job is
// silently stranded awaiting human action. Each unresolved job climbs a
// ladder of increasingly urgent notification rungs on cancellable per-job
// timers; resolving the job at any point exits the machine.
package escalation

import (
	"context"
	"sync"
	"time"

	"github.com/fieldflow/dispatch/core/events"
	"github.com/fieldflow/dispatch/core/logger"
	"github.com/fieldflow/dispatch/core/model"
	"github.com/fieldflow/dispatch/core/notify"
	"github.com/fieldflow/dispatch/core/store"
	"github.com/fieldflow/dispatch/internal/eventbus"
)

// Engine tracks jobs awaiting human acknowledgment and fires timed ladder
// steps. Timers are independent scheduled tasks per job, re-validated
// against current job state when they fire, never blocking sleeps.
type Engine struct {
	jobs     store.JobStore
	esc      store.EscalationStore
	notifier notify.Notifier
	bus      eventbus.EventBus
	log      logger.Logger
	ladder   []Rung
	now      func() time.Time

	mu     sync.Mutex
	timers map[string][]*time.Timer // tenant/job -> pending rung timers
}

// New creates an Engine with the configured ladder.
func New(jobs store.JobStore, esc store.EscalationStore, notifier notify.Notifier, bus eventbus.EventBus, log logger.Logger, cfg Config) *Engine {
	cfg.SetDefaults()
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Engine{
		jobs:     jobs,
		esc:      esc,
		notifier: notifier,
		bus:      bus,
		log:      log,
		ladder:   defaultLadder(cfg),
		now:      time.Now,
		timers:   make(map[string][]*time.Timer),
	}
}

// SetClock overrides the time source. Intended for tests.
func (e *Engine) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// TopLevel returns the index of the highest rung.
func (e *Engine) TopLevel() int { return len(e.ladder) - 1 }

// Begin enters the job into the ladder at the given level. Re-entry cancels
// any previous timers and restarts the ladder: conditions have changed, the
// old position no longer applies. A preset level above zero fires that
// rung's notification immediately instead of waiting through the lower ones.
func (e *Engine) Begin(ctx context.Context, job model.Job, level int) error {
	e.cancelTimers(job.TenantID, job.ID)
	entered := e.now()
	if err := e.esc.PutEscalation(ctx, model.EscalationRecord{
		JobID:           job.ID,
		TenantID:        job.TenantID,
		Level:           level,
		LastEscalatedAt: entered,
	}); err != nil {
		return err
	}
	if level > 0 {
		if level > e.TopLevel() {
			level = e.TopLevel()
		}
		e.fire(job.TenantID, job.ID, level, entered)
		return nil
	}
	e.schedule(job.TenantID, job.ID, 0, entered)
	return nil
}

// Resolve exits the job from the machine and cancels all pending timers.
// Safe to call for jobs that were never escalated.
func (e *Engine) Resolve(tenantID, jobID string) {
	e.cancelTimers(tenantID, jobID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.esc.DeleteEscalation(ctx, tenantID, jobID); err != nil {
		e.log.Debugf("escalation record cleanup for job %s: %v", jobID, err)
	}
}

// Resume re-arms timers for jobs already in the ladder, typically after a
// restart. Dwell stays anchored to the recorded entry time.
func (e *Engine) Resume(ctx context.Context, tenantID string) error {
	jobs, err := e.jobs.JobsInStatus(ctx, tenantID,
		model.JobPendingEscalation, model.JobNotifiedOwner, model.JobNotifiedBackup, model.JobNotifiedPartner)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		rec, err := e.esc.GetEscalation(ctx, tenantID, j.ID)
		if err != nil {
			rec = model.EscalationRecord{JobID: j.ID, TenantID: tenantID, LastEscalatedAt: e.now()}
		}
		// A job past pending_escalation has already fired the rung its
		// level records; re-arm only the rungs above it.
		from := j.EscalationLevel + 1
		if j.Status == model.JobPendingEscalation {
			from = 0
		}
		e.schedule(tenantID, j.ID, from, rec.LastEscalatedAt)
	}
	return nil
}

// schedule arms timers for every rung at or above from, measured from
// entered. Thresholds already in the past fire on a minimal delay so an
// overdue job advances promptly without skipping notifications.
func (e *Engine) schedule(tenantID, jobID string, from int, entered time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := timerKey(tenantID, jobID)
	for lvl := from; lvl < len(e.ladder); lvl++ {
		delay := e.ladder[lvl].Dwell - e.now().Sub(entered)
		if delay < time.Second {
			delay = time.Second
		}
		lvl := lvl
		t := time.AfterFunc(delay, func() {
			e.fire(tenantID, jobID, lvl, entered)
		})
		e.timers[key] = append(e.timers[key], t)
	}
}

// fire performs one ladder step. The stale-timer guard re-reads the job: a
// timer outliving a resolved or reassigned job is a no-op.
func (e *Engine) fire(tenantID, jobID string, level int, entered time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	job, err := e.jobs.GetJob(ctx, tenantID, jobID)
	if err != nil {
		e.log.Errorf("escalation read of job %s: %v", jobID, err)
		return
	}
	if !job.Status.InEscalation() {
		e.log.Debugf("stale escalation timer for job %s in status %s", jobID, job.Status)
		return
	}
	if job.EscalationLevel > level {
		return
	}

	rung := e.ladder[level]
	if err := e.jobs.UpdateJobStatus(ctx, tenantID, jobID, rung.Status, "system", "escalation ladder"); err != nil {
		e.log.Errorf("escalation transition of job %s to %s: %v", jobID, rung.Status, err)
		return
	}
	if err := e.jobs.SetEscalationLevel(ctx, tenantID, jobID, level); err != nil {
		e.log.Errorf("escalation level update for job %s: %v", jobID, err)
	}
	if err := e.esc.PutEscalation(ctx, model.EscalationRecord{
		JobID:           jobID,
		TenantID:        tenantID,
		Level:           level,
		LastEscalatedAt: e.now(),
		Channel:         string(rung.Channel),
	}); err != nil {
		e.log.Errorf("escalation record for job %s: %v", jobID, err)
	}
	e.log.Warnf("job %s escalated to %s (level %d)", jobID, rung.Status, level)
	if e.bus != nil {
		e.bus.Publish(events.EscalationEvent{
			JobID:    jobID,
			TenantID: tenantID,
			Level:    level,
			Status:   rung.Status,
			Channel:  string(rung.Channel),
		})
	}

	// A channel outage must not stall escalation: the failure is logged and
	// the remaining timers keep running.
	e.notifyRung(ctx, job, level)
}

func (e *Engine) notifyRung(ctx context.Context, job model.Job, level int) {
	rung := e.ladder[level]
	age := e.now().Sub(job.CreatedAt)
	if err := e.notifier.Notify(ctx, notify.Intent{
		TenantID:  job.TenantID,
		Kind:      notify.KindOwnerAlert,
		Recipient: "owner",
		JobID:     job.ID,
		Urgent:    rung.Urgent,
		Message:   rungMessage(level, job, age),
	}); err != nil {
		e.log.Errorf("escalation channel %s for job %s: %v", rung.Channel, job.ID, err)
	}
	if rung.Status == model.JobUnresolvedCritical && job.CustomerRef != "" {
		if err := e.notifier.Notify(ctx, notify.Intent{
			TenantID:  job.TenantID,
			Kind:      notify.KindCustomerOutreach,
			Recipient: job.CustomerRef,
			JobID:     job.ID,
			Message:   "We apologize for the delay confirming your service request " + job.ConfirmationCode + ". Please call us if you need immediate assistance.",
		}); err != nil {
			e.log.Errorf("customer outreach for job %s: %v", job.ID, err)
		}
	}
}

func (e *Engine) cancelTimers(tenantID, jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := timerKey(tenantID, jobID)
	for _, t := range e.timers[key] {
		t.Stop()
	}
	delete(e.timers, key)
}

// Stop cancels every pending timer. Used on shutdown.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ts := range e.timers {
		for _, t := range ts {
			t.Stop()
		}
	}
	e.timers = make(map[string][]*time.Timer)
}

func timerKey(tenantID, jobID string) string { return tenantID + "/" + jobID }
