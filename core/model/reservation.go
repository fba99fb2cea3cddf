package model

import "time"

// ReservationStatus tracks the lifecycle of a slot claim.
type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "held"
	ReservationCommitted ReservationStatus = "committed"
	ReservationReleased  ReservationStatus = "released"
)

// SlotReservation is an exclusive claim on a technician's time for one job.
// Per technician, committed reservations never overlap; the store enforces
// this as part of the insert.
type SlotReservation struct {
	ID           string
	TenantID     string
	TechnicianID string
	JobID        string
	Window       TimeWindow
	Status       ReservationStatus
	CreatedAt    time.Time
}

// CallRecord is a read-only record from the external call provider, used by
// the reconciliation sweep.
type CallRecord struct {
	ExternalID  string
	TenantID    string
	JobID       string // empty when the webhook never produced a job
	CustomerRef string
	Summary     string
	ReceivedAt  time.Time
}

// EscalationRecord tracks the ladder position of an unresolved job.
type EscalationRecord struct {
	JobID           string
	TenantID        string
	Level           int
	LastEscalatedAt time.Time
	Channel         string
}
