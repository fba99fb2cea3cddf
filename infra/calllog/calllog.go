// Package calllog provides call-record sources for the reconciliation sweep.
package calllog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fieldflow/dispatch/core/model"
)

// MemoryLog is an in-process call log. Deployments without an external call
// provider feed it from their webhook handler; the reconciliation worker
// reads it back through Since.
type MemoryLog struct {
	mu      sync.RWMutex
	records map[string][]model.CallRecord // by tenant
}

// NewMemoryLog returns an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{records: make(map[string][]model.CallRecord)}
}

// Record appends a call record for its tenant.
func (l *MemoryLog) Record(rec model.CallRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[rec.TenantID] = append(l.records[rec.TenantID], rec)
}

// Link sets the job id on the record with the given external id, marking the
// call as successfully converted at intake.
func (l *MemoryLog) Link(tenantID, externalID, jobID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	recs := l.records[tenantID]
	for i := range recs {
		if recs[i].ExternalID == externalID {
			recs[i].JobID = jobID
			return
		}
	}
}

// Since returns records received strictly after mark, oldest first.
func (l *MemoryLog) Since(_ context.Context, tenantID string, mark time.Time) ([]model.CallRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []model.CallRecord
	for _, rec := range l.records[tenantID] {
		if rec.ReceivedAt.After(mark) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}
