package model

import "time"

// DayWindow is a recurring working window on a given weekday,
// expressed as minutes from midnight in the tenant's local time.
type DayWindow struct {
	Day      time.Weekday `json:"day"`
	StartMin int          `json:"start_min"`
	EndMin   int          `json:"end_min"`
}

// Technician represents a field worker that can be assigned jobs.
type Technician struct {
	ID           string
	TenantID     string
	Skills       []string
	Areas        []string
	Active       bool
	OnCall       bool
	WorkingHours []DayWindow // ordered, non-overlapping per day
}

// HasSkill reports whether the technician carries the given skill tag.
func (t Technician) HasSkill(tag string) bool {
	for _, s := range t.Skills {
		if s == tag {
			return true
		}
	}
	return false
}

// HasSkills reports whether every required tag is present.
func (t Technician) HasSkills(tags []string) bool {
	for _, tag := range tags {
		if !t.HasSkill(tag) {
			return false
		}
	}
	return true
}

// ServesArea reports whether the technician covers the given service area.
func (t Technician) ServesArea(area string) bool {
	for _, a := range t.Areas {
		if a == area {
			return true
		}
	}
	return false
}

// WorkingWindows materializes the technician's recurring windows for the day
// containing t, in the location of ref.
func (tech Technician) WorkingWindows(ref time.Time) []TimeWindow {
	day := time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, ref.Location())
	var out []TimeWindow
	for _, w := range tech.WorkingHours {
		if w.Day != ref.Weekday() {
			continue
		}
		out = append(out, TimeWindow{
			Start: day.Add(time.Duration(w.StartMin) * time.Minute),
			End:   day.Add(time.Duration(w.EndMin) * time.Minute),
		})
	}
	return out
}
