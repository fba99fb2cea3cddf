package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/fieldflow/dispatch/core/model"
	corestore "github.com/fieldflow/dispatch/core/store"
)

func newSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSQLiteJobRoundTrip(t *testing.T) {
	st := newSQLite(t)
	ctx := context.Background()
	deadline := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	job := model.Job{
		ID: "j1", TenantID: "acme", Priority: model.PriorityUrgent,
		Skills: []string{"plumbing", "gas"}, Area: "north", Status: model.JobPending,
		AckDeadline: &deadline, Duration: 2 * time.Hour,
		EarliestStart: deadline.Add(-4 * time.Hour), IdempotencyKey: "k1",
		SourceCallID: "call-1", CustomerRef: "cust-1", ConfirmationCode: "FS-ABC123",
		CreatedAt: deadline.Add(-5 * time.Hour),
	}
	if _, err := st.CreateJob(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := st.GetJob(ctx, "acme", "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Priority != job.Priority || got.Area != job.Area || got.Status != job.Status {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if len(got.Skills) != 2 || got.Skills[0] != "plumbing" {
		t.Fatalf("skills mismatch: %v", got.Skills)
	}
	if got.AckDeadline == nil || !got.AckDeadline.Equal(deadline) {
		t.Fatalf("deadline mismatch: %v", got.AckDeadline)
	}
	if got.Duration != 2*time.Hour || got.ConfirmationCode != "FS-ABC123" {
		t.Fatalf("field mismatch: %+v", got)
	}
	if _, err := st.GetJob(ctx, "acme", "missing"); !errors.Is(err, corestore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteIdempotencyKey(t *testing.T) {
	st := newSQLite(t)
	ctx := context.Background()
	first := model.Job{ID: "j1", TenantID: "acme", Status: model.JobPending,
		IdempotencyKey: "k", Duration: time.Hour, EarliestStart: time.Now(), CreatedAt: time.Now()}
	if _, err := st.CreateJob(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := first
	dup.ID = "j2"
	got, err := st.CreateJob(ctx, dup)
	if !errors.Is(err, corestore.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if got.ID != "j1" {
		t.Fatalf("duplicate must resolve to the existing job, got %s", got.ID)
	}
	// Jobs without a key never collide.
	for _, id := range []string{"j3", "j4"} {
		j := first
		j.ID = id
		j.IdempotencyKey = ""
		if _, err := st.CreateJob(ctx, j); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
}

func TestSQLiteCommitOverlap(t *testing.T) {
	st := newSQLite(t)
	ctx := context.Background()
	if err := st.Commit(ctx, model.SlotReservation{
		ID: "r1", TenantID: "acme", TechnicianID: "tech-a", JobID: "j1",
		Window: win(9, 2*time.Hour), CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	err := st.Commit(ctx, model.SlotReservation{
		ID: "r2", TenantID: "acme", TechnicianID: "tech-a", JobID: "j2",
		Window: win(10, time.Hour), CreatedAt: time.Now(),
	})
	if !errors.Is(err, corestore.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := st.Commit(ctx, model.SlotReservation{
		ID: "r3", TenantID: "acme", TechnicianID: "tech-a", JobID: "j3",
		Window: win(11, time.Hour), CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("adjacent commit: %v", err)
	}
	if err := st.Release(ctx, "acme", "r1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := st.Commit(ctx, model.SlotReservation{
		ID: "r4", TenantID: "acme", TechnicianID: "tech-a", JobID: "j4",
		Window: win(9, time.Hour), CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("commit after release: %v", err)
	}
}

func TestSQLiteReassign(t *testing.T) {
	st := newSQLite(t)
	ctx := context.Background()
	if _, err := st.CreateJob(ctx, model.Job{ID: "victim", TenantID: "acme", Status: model.JobScheduled,
		TechnicianID: "tech-a", Duration: 2 * time.Hour, EarliestStart: time.Now(), CreatedAt: time.Now()}); err != nil {
		t.Fatalf("create victim: %v", err)
	}
	if _, err := st.CreateJob(ctx, model.Job{ID: "em", TenantID: "acme", Status: model.JobPending,
		Priority: model.PriorityEmergency, Duration: time.Hour, EarliestStart: time.Now(), CreatedAt: time.Now()}); err != nil {
		t.Fatalf("create emergency: %v", err)
	}
	if err := st.Commit(ctx, model.SlotReservation{
		ID: "rv", TenantID: "acme", TechnicianID: "tech-a", JobID: "victim",
		Window: win(9, 2*time.Hour), CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := st.Reassign(ctx, "rv", model.SlotReservation{
		ID: "re", TenantID: "acme", TechnicianID: "tech-a", JobID: "em",
		Window: win(9, time.Hour), CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("reassign: %v", err)
	}

	vj, _ := st.GetJob(ctx, "acme", "victim")
	if vj.Status != model.JobPending || vj.TechnicianID != "" {
		t.Fatalf("victim not released: %+v", vj)
	}
	ej, _ := st.GetJob(ctx, "acme", "em")
	if ej.Status != model.JobScheduled || ej.TechnicianID != "tech-a" {
		t.Fatalf("emergency not assigned: %+v", ej)
	}
	if err := st.Reassign(ctx, "rv", model.SlotReservation{
		ID: "re2", TenantID: "acme", TechnicianID: "tech-a", JobID: "em",
		Window: win(13, time.Hour), CreatedAt: time.Now(),
	}); !errors.Is(err, corestore.ErrConflict) {
		t.Fatalf("expected ErrConflict on released victim, got %v", err)
	}
}

func TestSQLiteTechniciansAndTenants(t *testing.T) {
	st := newSQLite(t)
	ctx := context.Background()
	tech := model.Technician{
		ID: "tech-a", TenantID: "acme", Skills: []string{"plumbing"},
		Areas: []string{"north"}, Active: true,
		WorkingHours: []model.DayWindow{{Day: time.Monday, StartMin: 480, EndMin: 1020}},
	}
	if err := st.PutTechnician(ctx, tech); err != nil {
		t.Fatalf("put: %v", err)
	}
	// Upsert overwrites.
	tech.Active = false
	if err := st.PutTechnician(ctx, tech); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	techs, err := st.Technicians(ctx, "acme")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(techs) != 1 || techs[0].Active {
		t.Fatalf("upsert not applied: %+v", techs)
	}
	if len(techs[0].WorkingHours) != 1 || techs[0].WorkingHours[0].StartMin != 480 {
		t.Fatalf("working hours lost: %+v", techs[0].WorkingHours)
	}
	tenants, err := st.Tenants(ctx)
	if err != nil {
		t.Fatalf("tenants: %v", err)
	}
	if len(tenants) != 1 || tenants[0] != "acme" {
		t.Fatalf("unexpected tenants: %v", tenants)
	}
}

func TestSQLiteWatermark(t *testing.T) {
	st := newSQLite(t)
	ctx := context.Background()
	mark, err := st.Watermark(ctx, "acme")
	if err != nil {
		t.Fatalf("initial watermark: %v", err)
	}
	if !mark.IsZero() {
		t.Fatalf("expected zero watermark, got %v", mark)
	}
	want := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	if err := st.SetWatermark(ctx, "acme", want); err != nil {
		t.Fatalf("set: %v", err)
	}
	mark, err = st.Watermark(ctx, "acme")
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !mark.Equal(want) {
		t.Fatalf("expected %v, got %v", want, mark)
	}
}

func TestSQLiteEscalationRecords(t *testing.T) {
	st := newSQLite(t)
	ctx := context.Background()
	rec := model.EscalationRecord{
		JobID: "j1", TenantID: "acme", Level: 1,
		LastEscalatedAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), Channel: "voice",
	}
	if err := st.PutEscalation(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := st.GetEscalation(ctx, "acme", "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Level != 1 || got.Channel != "voice" || !got.LastEscalatedAt.Equal(rec.LastEscalatedAt) {
		t.Fatalf("mismatch: %+v", got)
	}
	if err := st.DeleteEscalation(ctx, "acme", "j1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := st.GetEscalation(ctx, "acme", "j1"); !errors.Is(err, corestore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteCancelJob(t *testing.T) {
	st := newSQLite(t)
	ctx := context.Background()
	if _, err := st.CreateJob(ctx, model.Job{ID: "j1", TenantID: "acme", Status: model.JobScheduled,
		Duration: time.Hour, EarliestStart: time.Now(), CreatedAt: time.Now()}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.Commit(ctx, model.SlotReservation{
		ID: "r1", TenantID: "acme", TechnicianID: "tech-a", JobID: "j1",
		Window: win(9, time.Hour), CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := st.CancelJob(ctx, "acme", "j1", "customer request"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	j, _ := st.GetJob(ctx, "acme", "j1")
	if j.Status != model.JobCancelled {
		t.Fatalf("expected cancelled, got %s", j.Status)
	}
	if _, err := st.CommittedByJob(ctx, "acme", "j1"); !errors.Is(err, corestore.ErrNotFound) {
		t.Fatalf("reservation should be released, got %v", err)
	}
	hist, err := st.StatusHistory(ctx, "acme", "j1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) < 2 || hist[len(hist)-1].To != model.JobCancelled {
		t.Fatalf("missing cancel history entry: %+v", hist)
	}
}
