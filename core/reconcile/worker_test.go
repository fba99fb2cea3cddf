package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fieldflow/dispatch/core/dispatch"
	"github.com/fieldflow/dispatch/core/match"
	"github.com/fieldflow/dispatch/core/model"
	"github.com/fieldflow/dispatch/core/notify"
	"github.com/fieldflow/dispatch/core/reservation"
	"github.com/fieldflow/dispatch/infra/calllog"
	infralogger "github.com/fieldflow/dispatch/infra/logger"
	infrastore "github.com/fieldflow/dispatch/infra/store"
)

type recordingNotifier struct {
	mu      sync.Mutex
	intents []notify.Intent
}

func (r *recordingNotifier) Notify(_ context.Context, in notify.Intent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intents = append(r.intents, in)
	return nil
}

func (r *recordingNotifier) count(k notify.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, in := range r.intents {
		if in.Kind == k {
			n++
		}
	}
	return n
}

func newIntake(t *testing.T, st *infrastore.MemoryStore) *dispatch.Manager {
	t.Helper()
	log := infralogger.NopLogger{}
	mgr, err := dispatch.NewManager(st, match.New(st, st, 0),
		reservation.New(st, log, 0, time.Millisecond), nil, nil, log, dispatch.Config{})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	return mgr
}

func seedTenant(t *testing.T, st *infrastore.MemoryStore) {
	t.Helper()
	var hours []model.DayWindow
	for d := time.Monday; d <= time.Friday; d++ {
		hours = append(hours, model.DayWindow{Day: d, StartMin: 8 * 60, EndMin: 17 * 60})
	}
	err := st.PutTechnician(context.Background(), model.Technician{
		ID: "tech-a", TenantID: "acme", Skills: []string{"general"},
		Areas: []string{""}, Active: true, WorkingHours: hours,
	})
	if err != nil {
		t.Fatalf("put tech: %v", err)
	}
}

func TestSweepRecoversUnlinkedCall(t *testing.T) {
	st := infrastore.NewMemoryStore()
	seedTenant(t, st)
	src := calllog.NewMemoryLog()
	n := &recordingNotifier{}
	w := New(st, src, newIntake(t, st), n, infralogger.NopLogger{}, 0)

	received := time.Now().Add(-20 * time.Minute)
	src.Record(model.CallRecord{
		ExternalID: "call-1", TenantID: "acme", CustomerRef: "cust-1",
		Summary: "no hot water", ReceivedAt: received,
	})
	src.Record(model.CallRecord{
		ExternalID: "call-2", TenantID: "acme", JobID: "already-linked",
		ReceivedAt: received.Add(time.Minute),
	})

	if err := w.Sweep(context.Background(), "acme"); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	jobs, err := st.JobsInStatus(context.Background(), "acme", model.JobScheduled, model.JobPendingEscalation)
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected one recovered job, got %d", len(jobs))
	}
	if jobs[0].SourceCallID != "call-1" || jobs[0].IdempotencyKey != "call:call-1" {
		t.Fatalf("recovered job not linked to the call: %+v", jobs[0])
	}
	// Owner and customer both get a recovery notice.
	if got := n.count(notify.KindRecovered); got != 2 {
		t.Fatalf("expected 2 recovery notices, got %d", got)
	}
	mark, err := st.Watermark(context.Background(), "acme")
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if !mark.Equal(received.Add(time.Minute)) {
		t.Fatalf("watermark must advance to the newest record, got %v", mark)
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	st := infrastore.NewMemoryStore()
	seedTenant(t, st)
	src := calllog.NewMemoryLog()
	w := New(st, src, newIntake(t, st), nil, infralogger.NopLogger{}, 0)

	src.Record(model.CallRecord{
		ExternalID: "call-1", TenantID: "acme", CustomerRef: "cust-1",
		ReceivedAt: time.Now().Add(-10 * time.Minute),
	})

	if err := w.Sweep(context.Background(), "acme"); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	// Reset the watermark to force a re-read of the same record; the
	// idempotency key must collapse the repeat onto the existing job.
	if err := st.SetWatermark(context.Background(), "acme", time.Time{}); err != nil {
		t.Fatalf("reset watermark: %v", err)
	}
	if err := w.Sweep(context.Background(), "acme"); err != nil {
		t.Fatalf("second sweep: %v", err)
	}

	jobs, err := st.JobsInStatus(context.Background(), "acme", model.JobScheduled, model.JobPendingEscalation)
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected exactly one job after repeated sweeps, got %d", len(jobs))
	}
}

func TestSweepNotifiesOncePerCall(t *testing.T) {
	st := infrastore.NewMemoryStore()
	seedTenant(t, st)
	src := calllog.NewMemoryLog()
	n := &recordingNotifier{}
	w := New(st, src, newIntake(t, st), n, infralogger.NopLogger{}, 0)

	src.Record(model.CallRecord{
		ExternalID: "call-1", TenantID: "acme", CustomerRef: "cust-1",
		ReceivedAt: time.Now().Add(-10 * time.Minute),
	})

	if err := w.Sweep(context.Background(), "acme"); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	if got := n.count(notify.KindRecovered); got != 2 {
		t.Fatalf("expected 2 recovery notices after first sweep, got %d", got)
	}
	// A crash before the watermark advanced replays the record; the repeat
	// collapses onto the existing job and must stay silent.
	if err := st.SetWatermark(context.Background(), "acme", time.Time{}); err != nil {
		t.Fatalf("reset watermark: %v", err)
	}
	if err := w.Sweep(context.Background(), "acme"); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if got := n.count(notify.KindRecovered); got != 2 {
		t.Fatalf("recovery notices re-sent on repeated sweep: got %d, want 2", got)
	}
}

func TestSweepSkipsUpToDateTenant(t *testing.T) {
	st := infrastore.NewMemoryStore()
	seedTenant(t, st)
	src := calllog.NewMemoryLog()
	w := New(st, src, newIntake(t, st), nil, infralogger.NopLogger{}, 0)

	received := time.Now().Add(-time.Hour)
	src.Record(model.CallRecord{ExternalID: "call-1", TenantID: "acme", ReceivedAt: received})
	if err := st.SetWatermark(context.Background(), "acme", received); err != nil {
		t.Fatalf("set watermark: %v", err)
	}

	if err := w.Sweep(context.Background(), "acme"); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	jobs, err := st.JobsInStatus(context.Background(), "acme", model.JobScheduled, model.JobPendingEscalation)
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("records at or before the watermark must be ignored, got %d jobs", len(jobs))
	}
}

func TestSweepAllSingleFlight(t *testing.T) {
	st := infrastore.NewMemoryStore()
	seedTenant(t, st)
	src := &blockingSource{started: make(chan struct{}), release: make(chan struct{})}
	w := New(st, src, newIntake(t, st), nil, infralogger.NopLogger{}, 0)

	done := make(chan struct{})
	go func() {
		w.SweepAll(context.Background())
		close(done)
	}()
	<-src.started
	// A second sweep while the first is in flight must skip the tenant.
	w.SweepAll(context.Background())
	if got := src.calls(); got != 1 {
		t.Fatalf("expected the in-flight tenant to be skipped, got %d source calls", got)
	}
	close(src.release)
	<-done
}

type blockingSource struct {
	mu      sync.Mutex
	n       int
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingSource) Since(context.Context, string, time.Time) ([]model.CallRecord, error) {
	b.mu.Lock()
	b.n++
	b.mu.Unlock()
	b.once.Do(func() { close(b.started) })
	<-b.release
	return nil, nil
}

func (b *blockingSource) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}
