package match

import (
	"context"
	"sort"
	"time"

	"github.com/fieldflow/dispatch/core/model"
	"github.com/fieldflow/dispatch/core/store"
)

// Candidate pairs an eligible technician with the earliest slot that fits
// the job.
type Candidate struct {
	Technician model.Technician
	Slot       model.TimeWindow
	// CommittedToday is the number of committed reservations on the day of
	// the slot, recomputed from the store on every query so load never
	// drifts from the source of truth.
	CommittedToday int
}

// Matcher produces ranked candidate technicians for a job. Candidates is a
// pure query: it never mutates state, and its ordering is deterministic so
// concurrent schedulers converge on the same preference list.
type Matcher struct {
	techs   store.TechnicianStore
	res     store.ReservationStore
	horizon time.Duration // how far ahead slots are searched
}

// New creates a Matcher searching slots up to horizon ahead. A zero horizon
// defaults to 7 days.
func New(techs store.TechnicianStore, res store.ReservationStore, horizon time.Duration) *Matcher {
	if horizon <= 0 {
		horizon = 7 * 24 * time.Hour
	}
	return &Matcher{techs: techs, res: res, horizon: horizon}
}

// Eligible applies the static filters: active, skills, service area.
func Eligible(t model.Technician, job model.Job) bool {
	return t.Active && t.HasSkills(job.Skills) && t.ServesArea(job.Area)
}

// Candidates returns eligible technicians ordered by preference:
// fewer committed reservations on the slot day first, then on-call
// technicians for emergency jobs, then technician id.
func (m *Matcher) Candidates(ctx context.Context, job model.Job, now time.Time) ([]Candidate, error) {
	techs, err := m.techs.Technicians(ctx, job.TenantID)
	if err != nil {
		return nil, err
	}
	var out []Candidate
	for _, t := range techs {
		if !Eligible(t, job) {
			continue
		}
		slot, ok, err := m.EarliestSlot(ctx, t, job, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		n, err := m.committedOn(ctx, t, slot.Start)
		if err != nil {
			return nil, err
		}
		out = append(out, Candidate{Technician: t, Slot: slot, CommittedToday: n})
	}
	rank(out, job)
	return out, nil
}

// FreeCandidates returns eligible technicians with no committed reservation
// overlapping [now, now+span). Used by the preemption cheap path.
func (m *Matcher) FreeCandidates(ctx context.Context, job model.Job, now time.Time, span time.Duration) ([]Candidate, error) {
	all, err := m.Candidates(ctx, job, now)
	if err != nil {
		return nil, err
	}
	busyCheck := model.TimeWindow{Start: now, End: now.Add(span)}
	var out []Candidate
	for _, c := range all {
		committed, err := m.res.CommittedFor(ctx, job.TenantID, c.Technician.ID, busyCheck)
		if err != nil {
			return nil, err
		}
		if len(committed) == 0 {
			out = append(out, c)
		}
	}
	return out, nil
}

// EarliestSlot finds the first gap of job.Duration inside the technician's
// working windows, skipping committed reservations. The search starts at the
// later of now and job.EarliestStart and extends over the matcher horizon.
func (m *Matcher) EarliestSlot(ctx context.Context, t model.Technician, job model.Job, now time.Time) (model.TimeWindow, bool, error) {
	from := now
	if job.EarliestStart.After(from) {
		from = job.EarliestStart
	}
	limit := now.Add(m.horizon)
	for day := from; day.Before(limit); day = day.AddDate(0, 0, 1) {
		for _, w := range t.WorkingWindows(day) {
			if !w.End.After(from) {
				continue
			}
			start := w.Start
			if from.After(start) {
				start = from
			}
			committed, err := m.res.CommittedFor(ctx, job.TenantID, t.ID, w)
			if err != nil {
				return model.TimeWindow{}, false, err
			}
			if slot, ok := firstGap(start, w.End, job.Duration, committed); ok {
				return slot, true, nil
			}
		}
	}
	return model.TimeWindow{}, false, nil
}

// firstGap walks the committed reservations inside [start, end) and returns
// the first free interval of at least d.
func firstGap(start, end time.Time, d time.Duration, committed []model.SlotReservation) (model.TimeWindow, bool) {
	sort.Slice(committed, func(i, j int) bool {
		return committed[i].Window.Start.Before(committed[j].Window.Start)
	})
	cursor := start
	for _, r := range committed {
		if r.Window.Start.After(cursor) && r.Window.Start.Sub(cursor) >= d {
			break
		}
		if r.Window.End.After(cursor) {
			cursor = r.Window.End
		}
	}
	if end.Sub(cursor) < d {
		return model.TimeWindow{}, false
	}
	return model.TimeWindow{Start: cursor, End: cursor.Add(d)}, true
}

func (m *Matcher) committedOn(ctx context.Context, t model.Technician, day time.Time) (int, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	res, err := m.res.CommittedFor(ctx, t.TenantID, t.ID, model.TimeWindow{Start: start, End: start.AddDate(0, 0, 1)})
	if err != nil {
		return 0, err
	}
	return len(res), nil
}

// rank orders candidates: load, on-call preference for emergencies, id.
func rank(cs []Candidate, job model.Job) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].CommittedToday != cs[j].CommittedToday {
			return cs[i].CommittedToday < cs[j].CommittedToday
		}
		if job.Emergency() && cs[i].Technician.OnCall != cs[j].Technician.OnCall {
			return cs[i].Technician.OnCall
		}
		return cs[i].Technician.ID < cs[j].Technician.ID
	})
}
