package jobs

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/fieldflow/dispatch/core/dispatch"
	"github.com/fieldflow/dispatch/core/model"
	"github.com/fieldflow/dispatch/core/store"
)

// statusResponse is the wire shape of a job status query.
type statusResponse struct {
	ID               string     `json:"id"`
	TenantID         string     `json:"tenant_id"`
	Status           string     `json:"status"`
	Priority         string     `json:"priority"`
	TechnicianID     string     `json:"technician_id,omitempty"`
	EscalationLevel  int        `json:"escalation_level"`
	ConfirmationCode string     `json:"confirmation_code"`
	AckDeadline      *time.Time `json:"ack_deadline,omitempty"`
	History          []change   `json:"history,omitempty"`
}

type change struct {
	From       string    `json:"from"`
	To         string    `json:"to"`
	ChangedBy  string    `json:"changed_by"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewStatusHandler returns an HTTP handler serving GET /api/jobs/{id}.
// The tenant is selected with the tenant_id query parameter.
func NewStatusHandler(mgr *dispatch.Manager, st store.JobStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		tenantID, jobID, ok := parsePath(r.URL.Path, "")
		if !ok {
			http.Error(w, "expected /api/jobs/{id}", http.StatusBadRequest)
			return
		}
		if tenantID == "" {
			tenantID = r.URL.Query().Get("tenant_id")
		}
		if tenantID == "" || jobID == "" {
			http.Error(w, "tenant_id and job id are required", http.StatusBadRequest)
			return
		}
		job, err := mgr.Get(r.Context(), tenantID, jobID)
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp := statusResponse{
			ID:               job.ID,
			TenantID:         job.TenantID,
			Status:           string(job.Status),
			Priority:         job.Priority.String(),
			TechnicianID:     job.TechnicianID,
			EscalationLevel:  job.EscalationLevel,
			ConfirmationCode: job.ConfirmationCode,
			AckDeadline:      job.AckDeadline,
		}
		if st != nil {
			hist, herr := st.StatusHistory(r.Context(), tenantID, jobID)
			if herr == nil {
				for _, h := range hist {
					resp.History = append(resp.History, change{
						From:       string(h.From),
						To:         string(h.To),
						ChangedBy:  h.ChangedBy,
						Reason:     h.Reason,
						OccurredAt: h.OccurredAt,
					})
				}
			}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

// NewCancelHandler returns an HTTP handler serving POST /api/jobs/{id}/cancel.
// Canceling an already cancelled job is a no-op success.
func NewCancelHandler(mgr *dispatch.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		tenantID, jobID, ok := parsePath(r.URL.Path, "cancel")
		if !ok {
			http.Error(w, "expected /api/jobs/{id}/cancel", http.StatusBadRequest)
			return
		}
		if tenantID == "" {
			tenantID = r.URL.Query().Get("tenant_id")
		}
		var body struct {
			TenantID string `json:"tenant_id"`
			Reason   string `json:"reason"`
		}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}
		if tenantID == "" {
			tenantID = body.TenantID
		}
		if tenantID == "" || jobID == "" {
			http.Error(w, "tenant_id and job id are required", http.StatusBadRequest)
			return
		}
		err := mgr.Cancel(r.Context(), tenantID, jobID, body.Reason)
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": string(model.JobCancelled)})
	})
}

// NewMux assembles the jobs API routes on a fresh ServeMux.
func NewMux(mgr *dispatch.Manager, st store.JobStore) *http.ServeMux {
	mux := http.NewServeMux()
	status := NewStatusHandler(mgr, st)
	cancel := NewCancelHandler(mgr)
	mux.Handle("/api/jobs/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(strings.TrimSuffix(r.URL.Path, "/"), "/cancel") {
			cancel.ServeHTTP(w, r)
			return
		}
		status.ServeHTTP(w, r)
	}))
	return mux
}

// parsePath splits /api/jobs/{id}[/suffix] and returns the optional tenant
// prefix (when the path is /api/jobs/{tenant}/{id}[/suffix]), the job id and
// whether the expected suffix matched.
func parsePath(path, suffix string) (tenantID, jobID string, ok bool) {
	p := strings.TrimPrefix(strings.TrimSuffix(path, "/"), "/api/jobs/")
	parts := strings.Split(p, "/")
	if suffix != "" {
		if len(parts) == 0 || parts[len(parts)-1] != suffix {
			return "", "", false
		}
		parts = parts[:len(parts)-1]
	}
	switch len(parts) {
	case 1:
		return "", parts[0], true
	case 2:
		return parts[0], parts[1], true
	}
	return "", "", false
}
