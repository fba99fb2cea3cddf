package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fieldflow/dispatch/core/events"
	"github.com/fieldflow/dispatch/core/logger"
	"github.com/fieldflow/dispatch/core/match"
	"github.com/fieldflow/dispatch/core/model"
	"github.com/fieldflow/dispatch/core/notify"
	"github.com/fieldflow/dispatch/core/reservation"
	"github.com/fieldflow/dispatch/core/store"
	"github.com/fieldflow/dispatch/internal/eventbus"
)

const defaultJobDuration = 2 * time.Hour

// JobRequest is the intake descriptor delivered by collaborators (booking
// flow, webhook, reconciliation sweep). May arrive duplicated; the
// idempotency key collapses repeats onto one job.
type JobRequest struct {
	TenantID       string
	Priority       model.Priority
	Skills         []string
	Area           string
	Duration       time.Duration
	EarliestStart  time.Time
	IdempotencyKey string
	SourceCallID   string
	CustomerRef    string
}

// Manager is the entry point of the scheduling engine. It accepts jobs at
// intake, routes them to the routine or emergency path, and exposes the
// synchronous status and cancel operations.
type Manager struct {
	st        store.Store
	jobs      store.JobStore
	techs     store.TechnicianStore
	res       store.ReservationStore
	matcher   *match.Matcher
	slots     *reservation.Manager
	escalator Escalator
	notifier  notify.Notifier
	bus       eventbus.EventBus
	log       logger.Logger
	horizon   time.Duration
	topLevel  int
	now       func() time.Time
}

// NewManager creates a Manager. The escalator may be set later via
// SetEscalator to break the construction cycle with the escalation engine.
func NewManager(st store.Store, matcher *match.Matcher, slots *reservation.Manager, notifier notify.Notifier, bus eventbus.EventBus, log logger.Logger, cfg Config) (*Manager, error) {
	if st == nil || matcher == nil || slots == nil || log == nil {
		return nil, fmt.Errorf("dispatch: nil parameter provided to NewManager")
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	cfg.SetDefaults()
	return &Manager{
		st:       st,
		jobs:     st,
		techs:    st,
		res:      st,
		matcher:  matcher,
		slots:    slots,
		notifier: notifier,
		bus:      bus,
		log:      log,
		horizon:  time.Duration(cfg.PreemptionHorizonMinutes) * time.Minute,
		topLevel: cfg.TopEscalationLevel,
		now:      time.Now,
	}, nil
}

// SetEscalator wires the escalation ladder entry point.
func (m *Manager) SetEscalator(e Escalator) { m.escalator = e }

// SetClock overrides the time source. Intended for tests.
func (m *Manager) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

// Submit accepts a job descriptor, persists it and runs one scheduling pass.
// A duplicated idempotency key returns the existing job unchanged with
// OutcomeDuplicate: repeats are success, not an error, but callers acting on
// fresh submissions can tell them apart.
func (m *Manager) Submit(ctx context.Context, req JobRequest) (model.Job, Outcome, error) {
	job := m.buildJob(req)
	if err := job.Validate(); err != nil {
		return model.Job{}, OutcomeEscalated, err
	}
	created, err := m.jobs.CreateJob(ctx, job)
	if errors.Is(err, store.ErrDuplicate) {
		m.log.Infof("duplicate submission for key %s resolved to job %s", req.IdempotencyKey, created.ID)
		if m.bus != nil {
			m.bus.Publish(events.JobEvent{Job: created, Duplicate: true})
		}
		return created, OutcomeDuplicate, nil
	}
	if err != nil {
		return model.Job{}, OutcomeEscalated, err
	}
	jobsSubmitted.WithLabelValues(created.Priority.String()).Inc()
	if m.bus != nil {
		m.bus.Publish(events.JobEvent{Job: created})
	}

	start := m.now()
	var out Outcome
	if created.Emergency() {
		out, err = m.Preempt(ctx, created)
	} else {
		out, err = m.Schedule(ctx, created)
	}
	scheduleLatency.WithLabelValues(created.Priority.String(), out.String()).Observe(time.Since(start).Seconds())
	if err != nil {
		return created, out, err
	}
	refreshed, gerr := m.jobs.GetJob(ctx, created.TenantID, created.ID)
	if gerr == nil {
		created = refreshed
	}
	return created, out, nil
}

// Get returns the job. Synchronous and idempotent.
func (m *Manager) Get(ctx context.Context, tenantID, jobID string) (model.Job, error) {
	return m.jobs.GetJob(ctx, tenantID, jobID)
}

// Cancel flips the job to cancelled, releases any held reservation and
// cancels pending escalation timers in the same operation. There is no lag
// window in which a cancelled job still occupies a technician's slot.
func (m *Manager) Cancel(ctx context.Context, tenantID, jobID, reason string) error {
	if err := m.st.CancelJob(ctx, tenantID, jobID, reason); err != nil {
		return err
	}
	if m.escalator != nil {
		m.escalator.Resolve(tenantID, jobID)
	}
	m.log.Infof("job %s cancelled: %s", jobID, reason)
	return nil
}

// Run processes intake requests until the context is cancelled.
func (m *Manager) Run(ctx context.Context, intake <-chan JobRequest) {
	for {
		select {
		case req := <-intake:
			if _, _, err := m.Submit(ctx, req); err != nil {
				m.log.Errorf("submit: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close releases resources held by the manager.
func (m *Manager) Close() error {
	if m.bus != nil {
		m.bus.Close()
	}
	return nil
}

func (m *Manager) buildJob(req JobRequest) model.Job {
	now := m.now()
	dur := req.Duration
	if dur <= 0 {
		dur = defaultJobDuration
	}
	earliest := req.EarliestStart
	if earliest.IsZero() {
		earliest = now
	}
	id := uuid.NewString()
	return model.Job{
		ID:               id,
		TenantID:         req.TenantID,
		Priority:         req.Priority,
		Skills:           req.Skills,
		Area:             req.Area,
		Status:           model.JobPending,
		Duration:         dur,
		EarliestStart:    earliest,
		IdempotencyKey:   req.IdempotencyKey,
		SourceCallID:     req.SourceCallID,
		CustomerRef:      req.CustomerRef,
		ConfirmationCode: confirmationCode(id),
		CreatedAt:        now,
	}
}

// confirmationCode derives a short human-readable reference from the job id.
func confirmationCode(id string) string {
	raw := strings.ReplaceAll(id, "-", "")
	if len(raw) > 6 {
		raw = raw[:6]
	}
	return "FS-" + strings.ToUpper(raw)
}
