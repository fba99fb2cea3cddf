// Package reservation implements the slot reservation manager, the single
// atomic primitive every scheduling path funnels through. Double-booking
// prevention lives in the store's commit; this package adds identifier
// minting, bounded retry and idempotent release on top.
package reservation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fieldflow/dispatch/core/logger"
	"github.com/fieldflow/dispatch/core/model"
	"github.com/fieldflow/dispatch/core/store"
)

const (
	defaultMaxAttempts = 3
	defaultBackoff     = 25 * time.Millisecond
)

// Manager claims and frees technician time windows.
type Manager struct {
	res         store.ReservationStore
	log         logger.Logger
	maxAttempts int
	backoff     time.Duration
}

// New creates a Manager. Zero maxAttempts or backoff select the defaults.
func New(res store.ReservationStore, log logger.Logger, maxAttempts int, backoff time.Duration) *Manager {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	return &Manager{res: res, log: log, maxAttempts: maxAttempts, backoff: backoff}
}

// Reserve atomically claims the window for the job. Exactly one of two
// concurrent overlapping claims for the same technician succeeds; the other
// receives store.ErrConflict. Transient contention is retried a bounded
// number of times, then the conflict is surfaced to the caller, which owns
// retry policy (typically: move to the next candidate).
func (m *Manager) Reserve(ctx context.Context, tenantID, technicianID, jobID string, w model.TimeWindow) (model.SlotReservation, error) {
	if err := w.Validate(); err != nil {
		return model.SlotReservation{}, err
	}
	res := model.SlotReservation{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		TechnicianID: technicianID,
		JobID:        jobID,
		Window:       w,
		Status:       model.ReservationCommitted,
		CreatedAt:    time.Now().UTC(),
	}
	var err error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		err = m.res.Commit(ctx, res)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return model.SlotReservation{}, err
		}
		if attempt < m.maxAttempts {
			m.log.Debugf("reserve conflict for tech %s, attempt %d/%d", technicianID, attempt, m.maxAttempts)
			select {
			case <-ctx.Done():
				return model.SlotReservation{}, ctx.Err()
			case <-time.After(m.backoff):
			}
		}
	}
	return model.SlotReservation{}, err
}

// Release frees the reservation. Idempotent by contract: releasing an
// already-released reservation is success.
func (m *Manager) Release(ctx context.Context, tenantID, reservationID string) error {
	return m.res.Release(ctx, tenantID, reservationID)
}
