package metrics

import coremetrics "github.com/fieldflow/dispatch/core/metrics"

// MultiSink fans out events to multiple sinks.
type MultiSink struct {
	Sinks []coremetrics.Sink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...coremetrics.Sink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordAssignment forwards the record to all sinks, returning the first
// error encountered.
func (m *MultiSink) RecordAssignment(ev coremetrics.AssignmentEvent) error {
	for _, s := range m.Sinks {
		if err := s.RecordAssignment(ev); err != nil {
			return err
		}
	}
	return nil
}

// RecordEscalation forwards ladder transitions to capable sinks.
func (m *MultiSink) RecordEscalation(ev coremetrics.EscalationEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(coremetrics.EscalationRecorder); ok {
			if err := rec.RecordEscalation(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordNotification forwards delivery attempts to capable sinks.
func (m *MultiSink) RecordNotification(ev coremetrics.NotificationEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(coremetrics.NotificationRecorder); ok {
			if err := rec.RecordNotification(ev); err != nil {
				return err
			}
		}
	}
	return nil
}
