// Package events defines the dispatch related events emitted on the event bus.
//
// Available event types:
//   - JobEvent: job accepted at intake
//   - AssignmentEvent: reservation committed for a technician
//   - PreemptionEvent: emergency bump of a lower-priority job
//   - EscalationEvent: ladder transition for an unresolved job
//   - NotificationEvent: delivery attempt result
package events
