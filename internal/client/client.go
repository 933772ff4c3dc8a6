// Package client is the HTTP client riders' and drivers' apps use against
// the trip API. It satisfies poller.Source.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/trip-dispatch/internal/models"
)

// APIError is a non-2xx answer. It unwraps to the matching models sentinel
// so callers can use errors.Is.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api %d %s: %s", e.Status, e.Code, e.Message)
}

var sentinels = map[string]error{
	"validation_error":     models.ErrValidation,
	"forbidden":            models.ErrForbidden,
	"not_authorized":       models.ErrNotAuthorized,
	"not_verified":         models.ErrNotVerified,
	"not_found":            models.ErrNotFound,
	"invalid_transition":   models.ErrInvalidTransition,
	"terminal_state":       models.ErrTerminalState,
	"active_trip_conflict": models.ErrActiveTripConflict,
	"conflict":             models.ErrConflict,
	"invalid_otp":          models.ErrInvalidOtp,
	"rate_limited":         models.ErrRateLimited,
}

func (e *APIError) Unwrap() error { return sentinels[e.Code] }

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func New(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// do sends one request. POSTs carry a fresh Idempotency-Key; the client never
// retries them itself.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method == http.MethodPost {
		req.Header.Set("Idempotency-Key", uuid.NewString())
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var eb struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.NewDecoder(resp.Body).Decode(&eb) == nil {
			apiErr.Code, apiErr.Message = eb.Error, eb.Message
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func tripPath(id string, rest ...string) string {
	p := "/trips/" + url.PathEscape(id)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

type TripRequest struct {
	Pickup   models.Place           `json:"pickup"`
	Drop     models.Place           `json:"drop"`
	Category models.VehicleCategory `json:"vehicle_category"`
	TenantID int64                  `json:"tenant_id,omitempty"`
	CityID   int64                  `json:"city_id,omitempty"`
}

func (c *Client) RequestTrip(ctx context.Context, req TripRequest) (*models.Trip, error) {
	var t models.Trip
	if err := c.do(ctx, http.MethodPost, "/trips/request", req, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) TripStatus(ctx context.Context, tripID string) (*models.Trip, error) {
	var t models.Trip
	if err := c.do(ctx, http.MethodGet, tripPath(tripID), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) CancelTrip(ctx context.Context, tripID, reason string) (*models.Trip, error) {
	var t models.Trip
	if err := c.do(ctx, http.MethodPost, tripPath(tripID, "cancel"), map[string]string{"reason": reason}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) CompleteTrip(ctx context.Context, tripID string) (*models.Trip, error) {
	var t models.Trip
	if err := c.do(ctx, http.MethodPost, tripPath(tripID, "complete"), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) Otp(ctx context.Context, tripID string) (*models.OtpRecord, error) {
	var rec models.OtpRecord
	if err := c.do(ctx, http.MethodGet, tripPath(tripID, "otp"), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Client) GenerateOtp(ctx context.Context, tripID string) error {
	return c.do(ctx, http.MethodPost, tripPath(tripID, "otp", "generate"), nil, nil)
}

func (c *Client) VerifyOtp(ctx context.Context, tripID, code string) (*models.Trip, error) {
	var t models.Trip
	if err := c.do(ctx, http.MethodPost, tripPath(tripID, "otp", "verify"), map[string]string{"otp": code}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) RiderTrips(ctx context.Context, limit int) ([]*models.Trip, error) {
	var out struct {
		Trips []*models.Trip `json:"trips"`
	}
	path := "/riders/me/trips"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Trips, nil
}

func (c *Client) PendingOffers(ctx context.Context) ([]*models.Offer, error) {
	var out struct {
		Offers []*models.Offer `json:"offers"`
	}
	if err := c.do(ctx, http.MethodGet, "/driver/offers/pending", nil, &out); err != nil {
		return nil, err
	}
	return out.Offers, nil
}

func (c *Client) RespondOffer(ctx context.Context, attemptID string, accept bool) (*models.Trip, error) {
	var out struct {
		Trip *models.Trip `json:"trip"`
	}
	path := "/driver/offers/" + url.PathEscape(attemptID) + "/respond"
	if err := c.do(ctx, http.MethodPost, path, map[string]bool{"accept": accept}, &out); err != nil {
		return nil, err
	}
	return out.Trip, nil
}

func (c *Client) StartShift(ctx context.Context, loc models.Coord) (*models.Shift, error) {
	var sh models.Shift
	if err := c.do(ctx, http.MethodPost, "/drivers/shifts/start", loc, &sh); err != nil {
		return nil, err
	}
	return &sh, nil
}

func (c *Client) EndShift(ctx context.Context) (*models.Shift, error) {
	var sh models.Shift
	if err := c.do(ctx, http.MethodPost, "/drivers/shifts/end", nil, &sh); err != nil {
		return nil, err
	}
	return &sh, nil
}

func (c *Client) CurrentShift(ctx context.Context) (*models.Shift, error) {
	var sh models.Shift
	if err := c.do(ctx, http.MethodGet, "/drivers/me/shift", nil, &sh); err != nil {
		return nil, err
	}
	return &sh, nil
}

func (c *Client) UpdateLocation(ctx context.Context, loc models.Coord) error {
	return c.do(ctx, http.MethodPost, "/drivers/location", loc, nil)
}
