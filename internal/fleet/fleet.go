// Package fleet resolves the vehicle a driver is operating.
package fleet

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

// VehicleFor queries GET {endpoint}/drivers/{id}/vehicle.
func (c *HTTPClient) VehicleFor(ctx context.Context, driverID string) (models.Vehicle, error) {
	u := fmt.Sprintf("%s/drivers/%s/vehicle", c.Endpoint, url.PathEscape(driverID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return models.Vehicle{}, err
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return models.Vehicle{}, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return models.Vehicle{}, fmt.Errorf("vehicle for driver %s: %w", driverID, models.ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return models.Vehicle{}, fmt.Errorf("fleet service: unexpected status %d", resp.StatusCode)
	}
	var v models.Vehicle
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return models.Vehicle{}, fmt.Errorf("decode vehicle: %w", err)
	}
	if !v.Category.Valid() {
		return models.Vehicle{}, fmt.Errorf("vehicle %s: unknown category %q", v.ID, v.Category)
	}
	return v, nil
}

// Static serves a fixed driver -> vehicle map. When Fallback is set, unknown
// drivers get a synthetic vehicle of that category.
type Static struct {
	Vehicles map[string]models.Vehicle
	Fallback models.VehicleCategory
}

func (s Static) VehicleFor(_ context.Context, driverID string) (models.Vehicle, error) {
	if v, ok := s.Vehicles[driverID]; ok {
		return v, nil
	}
	if s.Fallback != "" {
		return models.Vehicle{ID: "veh-" + driverID, Category: s.Fallback}, nil
	}
	return models.Vehicle{}, fmt.Errorf("vehicle for driver %s: %w", driverID, models.ErrNotFound)
}
