// Package docs talks to the document verification service that gates
// drivers going online.
package docs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

type HTTPClient struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPClient(endpoint string) *HTTPClient {
	return &HTTPClient{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Second}}
}

// Status queries GET {endpoint}/drivers/{id}/documents/status. A driver the
// service does not know has uploaded nothing.
func (c *HTTPClient) Status(ctx context.Context, driverID string) (models.DocumentStatus, error) {
	u := fmt.Sprintf("%s/drivers/%s/documents/status", c.Endpoint, url.PathEscape(driverID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return models.DocumentStatus{}, err
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return models.DocumentStatus{}, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return models.DocumentStatus{}, nil
	case resp.StatusCode != http.StatusOK:
		return models.DocumentStatus{}, fmt.Errorf("documents service: unexpected status %d", resp.StatusCode)
	}
	var out models.DocumentStatus
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.DocumentStatus{}, fmt.Errorf("decode documents status: %w", err)
	}
	return out, nil
}

// Static answers from a fixed allow list. ApproveAll short-circuits it for
// local runs.
type Static struct {
	Approved   map[string]bool
	ApproveAll bool
}

func (s Static) Status(_ context.Context, driverID string) (models.DocumentStatus, error) {
	if s.ApproveAll || s.Approved[driverID] {
		return models.DocumentStatus{AllUploaded: true, AllApproved: true}, nil
	}
	return models.DocumentStatus{}, nil
}
