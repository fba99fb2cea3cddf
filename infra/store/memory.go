package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fieldflow/dispatch/core/model"
	corestore "github.com/fieldflow/dispatch/core/store"
)

// MemoryStore is an in-memory Store used in tests and single-node setups.
// All mutations run under one mutex, so Commit and Reassign observe the
// committed-overlap invariant atomically.
type MemoryStore struct {
	mu         sync.Mutex
	jobs       map[string]model.Job // tenant/job
	idem       map[string]string    // tenant/key -> job id
	techs      map[string]map[string]model.Technician
	res        map[string]model.SlotReservation // reservation id
	esc        map[string]model.EscalationRecord
	marks      map[string]time.Time
	history    map[string][]model.StatusChange
	tenantsSet map[string]struct{}
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:       make(map[string]model.Job),
		idem:       make(map[string]string),
		techs:      make(map[string]map[string]model.Technician),
		res:        make(map[string]model.SlotReservation),
		esc:        make(map[string]model.EscalationRecord),
		marks:      make(map[string]time.Time),
		history:    make(map[string][]model.StatusChange),
		tenantsSet: make(map[string]struct{}),
	}
}

var _ corestore.Store = (*MemoryStore)(nil)

func key(tenantID, id string) string { return tenantID + "/" + id }

// CreateJob inserts the job, collapsing duplicate idempotency keys onto the
// existing record.
func (s *MemoryStore) CreateJob(_ context.Context, job model.Job) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.IdempotencyKey != "" {
		if id, ok := s.idem[key(job.TenantID, job.IdempotencyKey)]; ok {
			return s.jobs[key(job.TenantID, id)], corestore.ErrDuplicate
		}
		s.idem[key(job.TenantID, job.IdempotencyKey)] = job.ID
	}
	s.jobs[key(job.TenantID, job.ID)] = job
	s.tenantsSet[job.TenantID] = struct{}{}
	s.appendHistory(job.TenantID, job.ID, "", job.Status, "system", "created")
	return job, nil
}

func (s *MemoryStore) GetJob(_ context.Context, tenantID, jobID string) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[key(tenantID, jobID)]
	if !ok {
		return model.Job{}, corestore.ErrNotFound
	}
	return j, nil
}

func (s *MemoryStore) UpdateJobStatus(_ context.Context, tenantID, jobID string, to model.JobStatus, changedBy, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateStatusLocked(tenantID, jobID, to, changedBy, reason)
}

func (s *MemoryStore) updateStatusLocked(tenantID, jobID string, to model.JobStatus, changedBy, reason string) error {
	k := key(tenantID, jobID)
	j, ok := s.jobs[k]
	if !ok {
		return corestore.ErrNotFound
	}
	s.appendHistory(tenantID, jobID, j.Status, to, changedBy, reason)
	j.Status = to
	s.jobs[k] = j
	return nil
}

func (s *MemoryStore) SetAssignment(_ context.Context, tenantID, jobID, technicianID string, status model.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(tenantID, jobID)
	j, ok := s.jobs[k]
	if !ok {
		return corestore.ErrNotFound
	}
	s.appendHistory(tenantID, jobID, j.Status, status, "system", "assigned to "+technicianID)
	j.TechnicianID = technicianID
	j.Status = status
	s.jobs[k] = j
	return nil
}

func (s *MemoryStore) SetEscalationLevel(_ context.Context, tenantID, jobID string, level int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(tenantID, jobID)
	j, ok := s.jobs[k]
	if !ok {
		return corestore.ErrNotFound
	}
	j.EscalationLevel = level
	s.jobs[k] = j
	return nil
}

func (s *MemoryStore) JobsInStatus(_ context.Context, tenantID string, statuses ...model.JobStatus) ([]model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[model.JobStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []model.Job
	for _, j := range s.jobs {
		if j.TenantID == tenantID && want[j.Status] {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) StatusHistory(_ context.Context, tenantID, jobID string) ([]model.StatusChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.history[key(tenantID, jobID)]
	out := make([]model.StatusChange, len(h))
	copy(out, h)
	return out, nil
}

func (s *MemoryStore) PutTechnician(_ context.Context, t model.Technician) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.techs[t.TenantID] == nil {
		s.techs[t.TenantID] = make(map[string]model.Technician)
	}
	s.techs[t.TenantID][t.ID] = t
	s.tenantsSet[t.TenantID] = struct{}{}
	return nil
}

func (s *MemoryStore) Technicians(_ context.Context, tenantID string) ([]model.Technician, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Technician
	for _, t := range s.techs[tenantID] {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Commit inserts the reservation unless its window overlaps a committed one
// for the same technician. The check and insert happen under the store
// mutex: exactly one of two concurrent overlapping claims succeeds.
func (s *MemoryStore) Commit(_ context.Context, res model.SlotReservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.overlapsLocked(res.TenantID, res.TechnicianID, res.Window, "") {
		return corestore.ErrConflict
	}
	res.Status = model.ReservationCommitted
	s.res[res.ID] = res
	return nil
}

func (s *MemoryStore) Release(_ context.Context, tenantID, reservationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.res[reservationID]
	if !ok || r.TenantID != tenantID {
		return nil // idempotent
	}
	r.Status = model.ReservationReleased
	s.res[reservationID] = r
	return nil
}

// Reassign swaps the victim's slot to the emergency job in one step.
func (s *MemoryStore) Reassign(_ context.Context, victimReservationID string, res model.SlotReservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	victim, ok := s.res[victimReservationID]
	if !ok || victim.Status != model.ReservationCommitted {
		return corestore.ErrConflict
	}
	if s.overlapsLocked(res.TenantID, res.TechnicianID, res.Window, victimReservationID) {
		return corestore.ErrConflict
	}
	victim.Status = model.ReservationReleased
	s.res[victimReservationID] = victim
	res.Status = model.ReservationCommitted
	s.res[res.ID] = res

	if vj, ok := s.jobs[key(victim.TenantID, victim.JobID)]; ok {
		s.appendHistory(vj.TenantID, vj.ID, vj.Status, model.JobPending, "system", "bumped by emergency "+res.JobID)
		vj.Status = model.JobPending
		vj.TechnicianID = ""
		s.jobs[key(vj.TenantID, vj.ID)] = vj
	}
	if ej, ok := s.jobs[key(res.TenantID, res.JobID)]; ok {
		s.appendHistory(ej.TenantID, ej.ID, ej.Status, model.JobScheduled, "system", "preempted slot of "+victim.JobID)
		ej.Status = model.JobScheduled
		ej.TechnicianID = res.TechnicianID
		s.jobs[key(ej.TenantID, ej.ID)] = ej
	}
	return nil
}

func (s *MemoryStore) CommittedFor(_ context.Context, tenantID, technicianID string, within model.TimeWindow) ([]model.SlotReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.SlotReservation
	for _, r := range s.res {
		if r.TenantID == tenantID && r.TechnicianID == technicianID &&
			r.Status == model.ReservationCommitted && r.Window.Overlaps(within) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Window.Start.Before(out[j].Window.Start) })
	return out, nil
}

func (s *MemoryStore) CommittedByJob(_ context.Context, tenantID, jobID string) (model.SlotReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.res {
		if r.TenantID == tenantID && r.JobID == jobID && r.Status == model.ReservationCommitted {
			return r, nil
		}
	}
	return model.SlotReservation{}, corestore.ErrNotFound
}

func (s *MemoryStore) PutEscalation(_ context.Context, rec model.EscalationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.esc[key(rec.TenantID, rec.JobID)] = rec
	return nil
}

func (s *MemoryStore) GetEscalation(_ context.Context, tenantID, jobID string) (model.EscalationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.esc[key(tenantID, jobID)]
	if !ok {
		return model.EscalationRecord{}, corestore.ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) DeleteEscalation(_ context.Context, tenantID, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.esc, key(tenantID, jobID))
	return nil
}

func (s *MemoryStore) Watermark(_ context.Context, tenantID string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marks[tenantID], nil
}

func (s *MemoryStore) SetWatermark(_ context.Context, tenantID string, mark time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[tenantID] = mark
	return nil
}

func (s *MemoryStore) Tenants(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tenantsSet))
	for t := range s.tenantsSet {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// CancelJob flips the job to cancelled and releases its committed
// reservation in the same critical section.
func (s *MemoryStore) CancelJob(_ context.Context, tenantID, jobID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(tenantID, jobID)
	j, ok := s.jobs[k]
	if !ok {
		return corestore.ErrNotFound
	}
	if j.Status == model.JobCancelled {
		return nil
	}
	s.appendHistory(tenantID, jobID, j.Status, model.JobCancelled, "customer", reason)
	j.Status = model.JobCancelled
	s.jobs[k] = j
	for id, r := range s.res {
		if r.TenantID == tenantID && r.JobID == jobID && r.Status == model.ReservationCommitted {
			r.Status = model.ReservationReleased
			s.res[id] = r
		}
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) overlapsLocked(tenantID, technicianID string, w model.TimeWindow, ignoreID string) bool {
	for id, r := range s.res {
		if id == ignoreID {
			continue
		}
		if r.TenantID == tenantID && r.TechnicianID == technicianID &&
			r.Status == model.ReservationCommitted && r.Window.Overlaps(w) {
			return true
		}
	}
	return false
}

func (s *MemoryStore) appendHistory(tenantID, jobID string, from, to model.JobStatus, by, reason string) {
	k := key(tenantID, jobID)
	s.history[k] = append(s.history[k], model.StatusChange{
		JobID:      jobID,
		From:       from,
		To:         to,
		ChangedBy:  by,
		Reason:     reason,
		OccurredAt: time.Now().UTC(),
	})
}
