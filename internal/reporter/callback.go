package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/softwell/mailproxy-core/internal/domain"
)

// callbackResponse is the tenant's required reply shape (spec §4.6/§6).
type callbackResponse struct {
	OK       bool     `json:"ok"`
	Queued   int      `json:"queued"`
	Error    []string `json:"error,omitempty"`
	NotFound []string `json:"not_found,omitempty"`
}

// postReport POSTs payloads to url with auth, returning the parsed
// response. Any 2xx status is treated as an acknowledgement of the whole
// batch even if the body isn't valid JSON (per spec §4.6: "a non-JSON 2xx
// still acknowledges them"), represented here by returning a response with
// OK set to true and Queued left at 0.
func (r *Reporter) postReport(ctx context.Context, url string, auth domain.ClientAuth, payloads []map[string]any) (*callbackResponse, error) {
	body, err := json.Marshal(map[string]any{"delivery_report": payloads})
	if err != nil {
		return nil, fmt.Errorf("marshal delivery report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	applyClientAuth(req, auth)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post delivery report: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("tenant callback returned status %d", resp.StatusCode)
	}

	var parsed callbackResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		// Non-JSON 2xx: acknowledge anyway, per the explicit contract.
		return &callbackResponse{OK: true}, nil
	}
	return &parsed, nil
}

func applyClientAuth(req *http.Request, auth domain.ClientAuth) {
	switch auth.Method {
	case domain.ClientAuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case domain.ClientAuthBasic:
		req.SetBasicAuth(auth.User, auth.Password)
	}
}

func syncURL(tenant *domain.Tenant, defaultPath, globalURL string) string {
	if tenant.ClientBaseURL == "" {
		return globalURL
	}
	path := tenant.ClientSyncPath
	if path == "" {
		path = defaultPath
	}
	return tenant.ClientBaseURL + path
}
