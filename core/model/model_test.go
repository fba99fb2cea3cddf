package model

import (
	"testing"
	"time"
)

func TestTimeWindowOverlaps(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	a := TimeWindow{Start: base, End: base.Add(2 * time.Hour)}
	b := TimeWindow{Start: base.Add(time.Hour), End: base.Add(3 * time.Hour)}
	if !a.Overlaps(b) || !b.Overlaps(a) {
		t.Fatalf("expected overlap between %v and %v", a, b)
	}
	// Half-open: [9, 11) and [11, 13) share a boundary but not time.
	c := TimeWindow{Start: a.End, End: a.End.Add(2 * time.Hour)}
	if a.Overlaps(c) || c.Overlaps(a) {
		t.Fatalf("adjacent windows must not overlap")
	}
}

func TestTimeWindowValidate(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if err := (TimeWindow{Start: base, End: base}).Validate(); err == nil {
		t.Fatalf("expected error for empty window")
	}
	if err := (TimeWindow{Start: base.Add(time.Hour), End: base}).Validate(); err == nil {
		t.Fatalf("expected error for inverted window")
	}
	if err := (TimeWindow{Start: base, End: base.Add(time.Hour)}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPriorityRoundTrip(t *testing.T) {
	for _, p := range []Priority{PriorityLow, PriorityNormal, PriorityUrgent, PriorityEmergency} {
		if got := ParsePriority(p.String()); got != p {
			t.Errorf("round trip of %s: got %s", p, got)
		}
	}
	if got := ParsePriority("garbage"); got != PriorityNormal {
		t.Errorf("unknown priority should map to normal, got %s", got)
	}
}

func TestJobStatusHelpers(t *testing.T) {
	for _, s := range []JobStatus{JobPendingEscalation, JobNotifiedOwner, JobNotifiedBackup, JobNotifiedPartner} {
		if !s.InEscalation() {
			t.Errorf("%s should be in escalation", s)
		}
	}
	for _, s := range []JobStatus{JobPending, JobScheduled, JobCompleted, JobCancelled, JobUnresolvedCritical} {
		if s.InEscalation() {
			t.Errorf("%s should not be in escalation", s)
		}
	}
	if !JobCompleted.Terminal() || !JobCancelled.Terminal() {
		t.Fatalf("completed and cancelled are terminal")
	}
	if JobScheduled.Terminal() {
		t.Fatalf("scheduled is not terminal")
	}
}

func TestJobValidate(t *testing.T) {
	j := Job{TenantID: "acme", Duration: time.Hour}
	if err := j.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	j.TenantID = ""
	if err := j.Validate(); err != ErrMissingTenant {
		t.Fatalf("expected ErrMissingTenant, got %v", err)
	}
	j.TenantID = "acme"
	j.Duration = 0
	if err := j.Validate(); err != ErrInvalidDuration {
		t.Fatalf("expected ErrInvalidDuration, got %v", err)
	}
}

func TestTechnicianFilters(t *testing.T) {
	tech := Technician{
		ID:     "t1",
		Skills: []string{"plumbing", "gas"},
		Areas:  []string{"north", "east"},
	}
	if !tech.HasSkills([]string{"plumbing"}) || !tech.HasSkills([]string{"plumbing", "gas"}) {
		t.Fatalf("expected skills to match")
	}
	if tech.HasSkills([]string{"plumbing", "hvac"}) {
		t.Fatalf("missing skill must not match")
	}
	if !tech.ServesArea("north") || tech.ServesArea("south") {
		t.Fatalf("area filter broken")
	}
}

func TestWorkingWindows(t *testing.T) {
	tech := Technician{
		ID: "t1",
		WorkingHours: []DayWindow{
			{Day: time.Monday, StartMin: 8 * 60, EndMin: 12 * 60},
			{Day: time.Monday, StartMin: 13 * 60, EndMin: 17 * 60},
			{Day: time.Tuesday, StartMin: 8 * 60, EndMin: 17 * 60},
		},
	}
	monday := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC) // a Monday
	wins := tech.WorkingWindows(monday)
	if len(wins) != 2 {
		t.Fatalf("expected 2 windows on Monday, got %d", len(wins))
	}
	if wins[0].Start.Hour() != 8 || wins[0].End.Hour() != 12 {
		t.Errorf("wrong morning window: %v", wins[0])
	}
	if wins[1].Start.Hour() != 13 || wins[1].End.Hour() != 17 {
		t.Errorf("wrong afternoon window: %v", wins[1])
	}
	sunday := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if got := tech.WorkingWindows(sunday); len(got) != 0 {
		t.Fatalf("expected no windows on Sunday, got %d", len(got))
	}
}
