package calllog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/fieldflow/dispatch/core/model"
)

// AuthConf holds the client-credentials grant used against the call
// provider's token endpoint.
type AuthConf struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	AuthURL      string `json:"auth_url"`
}

// HTTPSource reads call records from the external provider's REST API.
// Requests carry an OAuth2 bearer token refreshed by the client credentials
// flow.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource builds a source for the given API base URL. When cred is
// nil the requests go out unauthenticated.
func NewHTTPSource(baseURL string, cred *AuthConf) *HTTPSource {
	client := &http.Client{Timeout: 15 * time.Second}
	if cred != nil {
		conf := clientcredentials.Config{
			ClientID:     cred.ClientID,
			ClientSecret: cred.ClientSecret,
			TokenURL:     cred.AuthURL,
		}
		client = conf.Client(context.Background())
		client.Timeout = 15 * time.Second
	}
	return &HTTPSource{baseURL: baseURL, client: client}
}

type callRecordDTO struct {
	ExternalID  string    `json:"external_id"`
	JobID       string    `json:"job_id"`
	CustomerRef string    `json:"customer_ref"`
	Summary     string    `json:"summary"`
	ReceivedAt  time.Time `json:"received_at"`
}

// Since fetches records received after the watermark for one tenant.
func (s *HTTPSource) Since(ctx context.Context, tenantID string, mark time.Time) ([]model.CallRecord, error) {
	u := fmt.Sprintf("%s/tenants/%s/calls?since=%s",
		s.baseURL, url.PathEscape(tenantID), url.QueryEscape(mark.UTC().Format(time.RFC3339Nano)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call provider: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("call provider: unexpected status %d", resp.StatusCode)
	}
	var dtos []callRecordDTO
	if err := json.NewDecoder(resp.Body).Decode(&dtos); err != nil {
		return nil, fmt.Errorf("decode call records: %w", err)
	}
	out := make([]model.CallRecord, 0, len(dtos))
	for _, d := range dtos {
		out = append(out, model.CallRecord{
			ExternalID:  d.ExternalID,
			TenantID:    tenantID,
			JobID:       d.JobID,
			CustomerRef: d.CustomerRef,
			Summary:     d.Summary,
			ReceivedAt:  d.ReceivedAt,
		})
	}
	return out, nil
}
