package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/fieldflow/dispatch/core/metrics"
	"github.com/fieldflow/dispatch/infra/logger"
)

// InfluxSink writes scheduling events to an InfluxDB instance using the
// official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a new sink configured for the given InfluxDB endpoint.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	base := strings.TrimSuffix(url, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback tries to ping the InfluxDB instance and
// returns a NopSink if the health check fails.
func NewInfluxSinkWithFallback(url, token, org, bucket string) coremetrics.Sink {
	sink := NewInfluxSink(url, token, org, bucket)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

// RecordAssignment writes the assignment as a line protocol event.
func (s *InfluxSink) RecordAssignment(ev coremetrics.AssignmentEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("assignment_event").
		AddTag("tenant", ev.TenantID).
		AddTag("technician_id", ev.TechnicianID).
		AddTag("priority", ev.Priority.String()).
		AddTag("preempted", strconv.FormatBool(ev.Preempted)).
		AddTag("component", "dispatch_manager").
		AddField("job_id", ev.JobID).
		AddField("slot_minutes", ev.Window.Duration().Minutes()).
		SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordEscalation persists one ladder transition.
func (s *InfluxSink) RecordEscalation(ev coremetrics.EscalationEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("escalation_event").
		AddTag("tenant", ev.TenantID).
		AddTag("status", string(ev.Status)).
		AddTag("component", "escalation_engine").
		AddField("job_id", ev.JobID).
		AddField("level", ev.Level).
		SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordNotification persists one delivery attempt.
func (s *InfluxSink) RecordNotification(ev coremetrics.NotificationEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("notification_event").
		AddTag("channel", ev.Channel).
		AddTag("delivered", strconv.FormatBool(ev.Delivered)).
		AddTag("component", "notify_dispatcher").
		AddField("latency_ms", ev.Latency.Seconds()*1000).
		SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// Close releases the underlying HTTP client.
func (s *InfluxSink) Close() {
	s.client.Close()
}
