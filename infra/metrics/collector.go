package metrics

import (
	"context"
	"time"

	"github.com/fieldflow/dispatch/core/events"
	coremetrics "github.com/fieldflow/dispatch/core/metrics"
	"github.com/fieldflow/dispatch/internal/eventbus"
)

// StartEventCollector subscribes to the event bus and records metrics for
// events. It stops when the context is canceled.
func StartEventCollector(ctx context.Context, bus eventbus.EventBus, sink coremetrics.Sink) {
	if bus == nil || sink == nil {
		return
	}
	sub := bus.Subscribe()
	go func() {
		defer bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				switch e := ev.(type) {
				case events.AssignmentEvent:
					_ = sink.RecordAssignment(coremetrics.AssignmentEvent{
						JobID:        e.JobID,
						TenantID:     e.TenantID,
						TechnicianID: e.TechnicianID,
						Priority:     e.Priority,
						Window:       e.Window,
						Time:         time.Now(),
					})
				case events.PreemptionEvent:
					_ = sink.RecordAssignment(coremetrics.AssignmentEvent{
						JobID:        e.EmergencyJobID,
						TenantID:     e.TenantID,
						TechnicianID: e.TechnicianID,
						Preempted:    true,
						Time:         time.Now(),
					})
				case events.EscalationEvent:
					if r, ok := sink.(coremetrics.EscalationRecorder); ok {
						_ = r.RecordEscalation(coremetrics.EscalationEvent{
							JobID:    e.JobID,
							TenantID: e.TenantID,
							Level:    e.Level,
							Status:   e.Status,
							Time:     time.Now(),
						})
					}
				case events.NotificationEvent:
					if r, ok := sink.(coremetrics.NotificationRecorder); ok {
						_ = r.RecordNotification(coremetrics.NotificationEvent{
							Channel:   e.Channel,
							Delivered: e.Delivered,
							Latency:   e.Latency,
							Time:      time.Now(),
						})
					}
				}
			}
		}
	}()
}
