package match

import (
	"context"
	"testing"
	"time"

	"github.com/fieldflow/dispatch/core/model"
	"github.com/fieldflow/dispatch/infra/store"
)

// monday returns a fixed Monday 08:00 UTC reference.
func monday() time.Time {
	return time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
}

func weekdayTech(id, tenant string) model.Technician {
	var hours []model.DayWindow
	for d := time.Monday; d <= time.Friday; d++ {
		hours = append(hours, model.DayWindow{Day: d, StartMin: 8 * 60, EndMin: 17 * 60})
	}
	return model.Technician{
		ID:           id,
		TenantID:     tenant,
		Skills:       []string{"plumbing"},
		Areas:        []string{"north"},
		Active:       true,
		WorkingHours: hours,
	}
}

func plumbingJob(tenant string) model.Job {
	return model.Job{
		ID:       "j1",
		TenantID: tenant,
		Priority: model.PriorityNormal,
		Skills:   []string{"plumbing"},
		Area:     "north",
		Status:   model.JobPending,
		Duration: 2 * time.Hour,
	}
}

func TestCandidatesPrefersLessLoadedTechnician(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	techA := weekdayTech("tech-a", "acme")
	techB := weekdayTech("tech-b", "acme")
	if err := st.PutTechnician(ctx, techA); err != nil {
		t.Fatalf("put tech: %v", err)
	}
	if err := st.PutTechnician(ctx, techB); err != nil {
		t.Fatalf("put tech: %v", err)
	}
	now := monday()
	// Tech B already has a morning job.
	if err := st.Commit(ctx, model.SlotReservation{
		ID: "r1", TenantID: "acme", TechnicianID: "tech-b", JobID: "other",
		Window: model.TimeWindow{Start: now, End: now.Add(2 * time.Hour)},
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	m := New(st, st, 0)
	cands, err := m.Candidates(ctx, plumbingJob("acme"), now)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(cands) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(cands))
	}
	if cands[0].Technician.ID != "tech-a" {
		t.Fatalf("expected the free technician first, got %s", cands[0].Technician.ID)
	}
	if !cands[0].Slot.Start.Equal(now) {
		t.Errorf("free technician should start immediately, got %v", cands[0].Slot.Start)
	}
	// The busy technician's earliest slot begins after the committed job.
	if !cands[1].Slot.Start.Equal(now.Add(2 * time.Hour)) {
		t.Errorf("busy technician slot should follow the reservation, got %v", cands[1].Slot.Start)
	}
}

func TestCandidatesSkipsIneligible(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	wrongSkill := weekdayTech("tech-gas", "acme")
	wrongSkill.Skills = []string{"gas"}
	wrongArea := weekdayTech("tech-south", "acme")
	wrongArea.Areas = []string{"south"}
	inactive := weekdayTech("tech-off", "acme")
	inactive.Active = false
	for _, tech := range []model.Technician{wrongSkill, wrongArea, inactive} {
		if err := st.PutTechnician(ctx, tech); err != nil {
			t.Fatalf("put tech: %v", err)
		}
	}
	m := New(st, st, 0)
	cands, err := m.Candidates(ctx, plumbingJob("acme"), monday())
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(cands) != 0 {
		t.Fatalf("expected no candidates, got %d", len(cands))
	}
}

func TestEarliestSlotRollsToNextDay(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	tech := weekdayTech("tech-a", "acme")
	if err := st.PutTechnician(ctx, tech); err != nil {
		t.Fatalf("put tech: %v", err)
	}
	now := monday()
	// Fill the whole Monday window.
	if err := st.Commit(ctx, model.SlotReservation{
		ID: "r1", TenantID: "acme", TechnicianID: "tech-a", JobID: "other",
		Window: model.TimeWindow{Start: now, End: now.Add(9 * time.Hour)},
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	m := New(st, st, 0)
	slot, ok, err := m.EarliestSlot(ctx, tech, plumbingJob("acme"), now)
	if err != nil {
		t.Fatalf("earliest slot: %v", err)
	}
	if !ok {
		t.Fatalf("expected a slot on the next day")
	}
	wantStart := time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC)
	if !slot.Start.Equal(wantStart) {
		t.Fatalf("expected Tuesday 08:00, got %v", slot.Start)
	}
}

func TestEarliestSlotHonorsEarliestStart(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	tech := weekdayTech("tech-a", "acme")
	if err := st.PutTechnician(ctx, tech); err != nil {
		t.Fatalf("put tech: %v", err)
	}
	now := monday()
	job := plumbingJob("acme")
	job.EarliestStart = now.Add(3 * time.Hour)

	m := New(st, st, 0)
	slot, ok, err := m.EarliestSlot(ctx, tech, job, now)
	if err != nil || !ok {
		t.Fatalf("earliest slot: ok=%v err=%v", ok, err)
	}
	if !slot.Start.Equal(job.EarliestStart) {
		t.Fatalf("slot must not start before EarliestStart, got %v", slot.Start)
	}
}

func TestRankPrefersOnCallForEmergencies(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	regular := weekdayTech("tech-a", "acme")
	onCall := weekdayTech("tech-b", "acme")
	onCall.OnCall = true
	if err := st.PutTechnician(ctx, regular); err != nil {
		t.Fatalf("put tech: %v", err)
	}
	if err := st.PutTechnician(ctx, onCall); err != nil {
		t.Fatalf("put tech: %v", err)
	}
	job := plumbingJob("acme")
	job.Priority = model.PriorityEmergency

	m := New(st, st, 0)
	cands, err := m.Candidates(ctx, job, monday())
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(cands) != 2 || cands[0].Technician.ID != "tech-b" {
		t.Fatalf("expected on-call technician first for an emergency, got %+v", cands)
	}
	// Same load, routine job: ranking falls back to id order.
	job.Priority = model.PriorityNormal
	cands, err = m.Candidates(ctx, job, monday())
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if cands[0].Technician.ID != "tech-a" {
		t.Fatalf("expected id order for routine jobs, got %s first", cands[0].Technician.ID)
	}
}

func TestFreeCandidatesExcludesBusy(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	free := weekdayTech("tech-a", "acme")
	busy := weekdayTech("tech-b", "acme")
	if err := st.PutTechnician(ctx, free); err != nil {
		t.Fatalf("put tech: %v", err)
	}
	if err := st.PutTechnician(ctx, busy); err != nil {
		t.Fatalf("put tech: %v", err)
	}
	now := monday()
	if err := st.Commit(ctx, model.SlotReservation{
		ID: "r1", TenantID: "acme", TechnicianID: "tech-b", JobID: "other",
		Window: model.TimeWindow{Start: now.Add(time.Hour), End: now.Add(3 * time.Hour)},
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	m := New(st, st, 0)
	cands, err := m.FreeCandidates(ctx, plumbingJob("acme"), now, 4*time.Hour)
	if err != nil {
		t.Fatalf("free candidates: %v", err)
	}
	if len(cands) != 1 || cands[0].Technician.ID != "tech-a" {
		t.Fatalf("expected only the free technician, got %+v", cands)
	}
}
