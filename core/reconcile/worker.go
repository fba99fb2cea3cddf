// Package reconcile implements the periodic sweep that recovers jobs lost to
// webhook delivery failure. The external call log is the source of truth: a
// completed call with no linked job means intake never happened, so the
// sweep synthesizes the job through the regular entry point under an
// idempotency key derived from the call id.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fieldflow/dispatch/core/dispatch"
	"github.com/fieldflow/dispatch/core/logger"
	"github.com/fieldflow/dispatch/core/model"
	"github.com/fieldflow/dispatch/core/notify"
	"github.com/fieldflow/dispatch/core/store"
)

const defaultInterval = 5 * time.Minute

// CallSource exposes the external call-record provider, read-only.
type CallSource interface {
	// Since returns call records received after the watermark.
	Since(ctx context.Context, tenantID string, mark time.Time) ([]model.CallRecord, error)
}

// Intake is the job submission entry point, satisfied by dispatch.Manager.
type Intake interface {
	Submit(ctx context.Context, req dispatch.JobRequest) (model.Job, dispatch.Outcome, error)
}

// Worker sweeps all tenants on a fixed interval.
type Worker struct {
	st       store.Store
	source   CallSource
	intake   Intake
	notifier notify.Notifier
	log      logger.Logger
	interval time.Duration

	mu       sync.Mutex
	inFlight map[string]bool // single-flight per tenant
}

// New creates a Worker. A non-positive interval selects the 5 minute default.
func New(st store.Store, source CallSource, intake Intake, notifier notify.Notifier, log logger.Logger, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = defaultInterval
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Worker{
		st:       st,
		source:   source,
		intake:   intake,
		notifier: notifier,
		log:      log,
		interval: interval,
		inFlight: make(map[string]bool),
	}
}

// Run sweeps until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.SweepAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// SweepAll runs one sweep across every tenant. Tenants already being swept
// are skipped: two overlapping sweeps for one tenant could race with
// in-flight webhook-driven creation, and the idempotency key only protects
// one of them.
func (w *Worker) SweepAll(ctx context.Context) {
	tenants, err := w.st.Tenants(ctx)
	if err != nil {
		w.log.Errorf("reconcile tenant scan: %v", err)
		return
	}
	for _, t := range tenants {
		if !w.acquire(t) {
			w.log.Debugf("sweep for tenant %s already running, skipping", t)
			continue
		}
		if err := w.Sweep(ctx, t); err != nil {
			w.log.Errorf("reconcile sweep for tenant %s: %v", t, err)
		}
		w.release(t)
	}
}

// Sweep recovers unlinked call records for one tenant. The watermark only
// advances after a fully successful pass, so a failed sweep is retried from
// the same position and the idempotency key absorbs the repeats.
func (w *Worker) Sweep(ctx context.Context, tenantID string) error {
	mark, err := w.st.Watermark(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("watermark: %w", err)
	}
	records, err := w.source.Since(ctx, tenantID, mark)
	if err != nil {
		return fmt.Errorf("call source: %w", err)
	}
	next := mark
	for _, rec := range records {
		if rec.ReceivedAt.After(next) {
			next = rec.ReceivedAt
		}
		if rec.JobID != "" {
			continue
		}
		if err := w.recover(ctx, rec); err != nil {
			return fmt.Errorf("recover call %s: %w", rec.ExternalID, err)
		}
	}
	if next.After(mark) {
		if err := w.st.SetWatermark(ctx, tenantID, next); err != nil {
			return fmt.Errorf("advance watermark: %w", err)
		}
	}
	return nil
}

// recover synthesizes the missing job. Repeated sweeps over the same record
// hit the idempotency key and collapse onto the already-recovered job; the
// recovery notices go out only on the sweep that created the job.
func (w *Worker) recover(ctx context.Context, rec model.CallRecord) error {
	job, out, err := w.intake.Submit(ctx, dispatch.JobRequest{
		TenantID:       rec.TenantID,
		Priority:       model.PriorityNormal,
		Skills:         []string{"general"},
		IdempotencyKey: "call:" + rec.ExternalID,
		SourceCallID:   rec.ExternalID,
		CustomerRef:    rec.CustomerRef,
	})
	if err != nil {
		return err
	}
	if out == dispatch.OutcomeDuplicate {
		w.log.Debugf("call %s already recovered as job %s", rec.ExternalID, job.ID)
		return nil
	}
	w.log.Infof("recovered job %s from call %s", job.ID, rec.ExternalID)
	if err := w.notifier.Notify(ctx, notify.Intent{
		TenantID:  rec.TenantID,
		Kind:      notify.KindRecovered,
		Recipient: "owner",
		JobID:     job.ID,
		Urgent:    true,
		Message:   "Recovered job " + job.ConfirmationCode + " from a call that did not process. Please review and confirm details with the customer.",
	}); err != nil {
		w.log.Warnf("recovery notice for job %s: %v", job.ID, err)
	}
	if rec.CustomerRef != "" {
		if err := w.notifier.Notify(ctx, notify.Intent{
			TenantID:  rec.TenantID,
			Kind:      notify.KindRecovered,
			Recipient: rec.CustomerRef,
			JobID:     job.ID,
			Message:   "Your service request has been received. Confirmation: " + job.ConfirmationCode + ".",
		}); err != nil {
			w.log.Warnf("recovery notice to customer for job %s: %v", job.ID, err)
		}
	}
	return nil
}

func (w *Worker) acquire(tenantID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inFlight[tenantID] {
		return false
	}
	w.inFlight[tenantID] = true
	return true
}

func (w *Worker) release(tenantID string) {
	w.mu.Lock()
	delete(w.inFlight, tenantID)
	w.mu.Unlock()
}
