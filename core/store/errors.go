package store

import "errors"

var (
	// ErrConflict is returned when a reservation insert would overlap an
	// existing committed reservation for the same technician. Retryable.
	ErrConflict = errors.New("store: reservation conflict")
	// ErrPartialFailure indicates a multi-step reassignment was only partly
	// applied and must be rolled back.
	ErrPartialFailure = errors.New("store: reassignment partially applied")
	// ErrDuplicate indicates an idempotency-key collision; callers treat it
	// as success and return the existing record.
	ErrDuplicate = errors.New("store: duplicate submission")
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrUnavailable indicates the store itself cannot be reached. This is
	// the only condition surfaced upward as service-unavailable.
	ErrUnavailable = errors.New("store: unavailable")
)
