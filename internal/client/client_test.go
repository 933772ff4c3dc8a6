package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/docs"
	"github.com/example/trip-dispatch/internal/fleet"
	"github.com/example/trip-dispatch/internal/geo"
	httpapi "github.com/example/trip-dispatch/internal/http"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/poller"
	"github.com/example/trip-dispatch/internal/service"
	"github.com/example/trip-dispatch/internal/storage"
	"github.com/example/trip-dispatch/internal/view"
)

var _ poller.Source = (*Client)(nil)

func newBackend(t *testing.T) (*httptest.Server, *httpapi.Authenticator) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := service.New(service.Deps{
		Store:    storage.NewMemoryStore(),
		Geo:      geo.NewIndex(),
		Docs:     docs.Static{ApproveAll: true},
		Fleet:    fleet.Static{Fallback: models.CategoryAuto},
		Logger:   logger,
		Dispatch: dispatch.Config{OfferTTL: 30 * time.Second},
	})
	auth := httpapi.NewAuthenticator("secret")
	ts := httptest.NewServer(httpapi.NewServer(svc, auth, logger, httpapi.WithIdempotency(httpapi.NewMemoryIdempotency(time.Hour))))
	t.Cleanup(ts.Close)
	return ts, auth
}

func clientFor(t *testing.T, ts *httptest.Server, auth *httpapi.Authenticator, a models.Actor) *Client {
	t.Helper()
	tok, err := auth.Issue(a, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return New(ts.URL+"/", tok, 2*time.Second)
}

func TestRideThroughClient(t *testing.T) {
	ctx := context.Background()
	ts, auth := newBackend(t)
	rider := clientFor(t, ts, auth, models.Actor{ID: "r1", Role: models.RoleRider})
	driver := clientFor(t, ts, auth, models.Actor{ID: "d1", Role: models.RoleDriver})

	sh, err := driver.CurrentShift(ctx)
	if err != nil || sh.Online() {
		t.Fatalf("shift before start: %+v %v", sh, err)
	}
	if _, err := driver.StartShift(ctx, models.Coord{Lat: 12.972, Lon: 77.595}); err != nil {
		t.Fatal(err)
	}

	tr, err := rider.RequestTrip(ctx, TripRequest{
		Pickup:   models.Place{Coord: models.Coord{Lat: 12.9716, Lon: 77.5946}},
		Drop:     models.Place{Coord: models.Coord{Lat: 12.9352, Lon: 77.6245}},
		Category: models.CategoryAuto,
	})
	if err != nil {
		t.Fatal(err)
	}

	var views []view.RiderView
	updates := make(chan view.RiderView, 64)
	sess := poller.StartRider(ctx, rider, tr.ID, poller.Intervals{Status: 10 * time.Millisecond, Otp: 10 * time.Millisecond}, slog.Default(), func(v view.RiderView) {
		select {
		case updates <- v:
		default:
		}
	})
	defer sess.Close()

	offers, err := driver.PendingOffers(ctx)
	if err != nil || len(offers) != 1 {
		t.Fatalf("offers = %v %v", offers, err)
	}
	if _, err := driver.RespondOffer(ctx, offers[0].AttemptID, true); err != nil {
		t.Fatal(err)
	}
	if err := driver.GenerateOtp(ctx, tr.ID); err != nil {
		t.Fatal(err)
	}

	var code string
	deadline := time.After(3 * time.Second)
	for code == "" {
		select {
		case v := <-updates:
			views = append(views, v)
			code = v.Otp
		case <-deadline:
			t.Fatalf("rider never saw the code; views %+v", views)
		}
	}
	if _, err := driver.VerifyOtp(ctx, tr.ID, code); err != nil {
		t.Fatal(err)
	}
	done, err := driver.CompleteTrip(ctx, tr.ID)
	if err != nil || done.Status != models.TripCompleted {
		t.Fatalf("complete: %+v %v", done, err)
	}

	hist, err := rider.RiderTrips(ctx, 10)
	if err != nil || len(hist) != 1 {
		t.Fatalf("history = %v %v", hist, err)
	}
}

func TestAPIErrorsUnwrap(t *testing.T) {
	ctx := context.Background()
	ts, auth := newBackend(t)
	rider := clientFor(t, ts, auth, models.Actor{ID: "r1", Role: models.RoleRider})

	_, err := rider.TripStatus(ctx, "missing")
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("expected APIError 404, got %v", err)
	}
	if _, err := rider.PendingOffers(ctx); !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	anon := New(ts.URL, "", time.Second)
	_, err = anon.CurrentShift(ctx)
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}
