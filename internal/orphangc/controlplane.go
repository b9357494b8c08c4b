package orphangc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPAppIDSource fetches the authoritative application id set from the
// control plane's internal API (spec.md §4.8: "a set of existing
// application ids supplied by the control plane, via internal API").
type HTTPAppIDSource struct {
	baseURL string
	client  *http.Client
	token   string
}

// NewHTTPAppIDSource creates an HTTPAppIDSource against baseURL (expected to
// respond with a JSON array of app id strings), authenticated with a bearer
// token shared with the control plane.
func NewHTTPAppIDSource(baseURL, token string) *HTTPAppIDSource {
	return &HTTPAppIDSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		token:   token,
	}
}

// ExistingAppIDs implements AppIDSource.
func (s *HTTPAppIDSource) ExistingAppIDs(ctx context.Context) (map[string]bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL, nil)
	if err != nil {
		return nil, fmt.Errorf("orphangc: build app-ids request: %w", err)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("orphangc: fetch app ids: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("orphangc: control plane returned %d", resp.StatusCode)
	}

	var ids []string
	if err := json.NewDecoder(resp.Body).Decode(&ids); err != nil {
		return nil, fmt.Errorf("orphangc: decode app ids: %w", err)
	}

	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}
