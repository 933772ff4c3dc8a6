package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/example/trip-dispatch/internal/models"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
		_ = db.Close()
	})
	return &PostgresStore{db: db}, mock
}

func tripColumnNames() []string {
	var out []string
	for _, c := range strings.Split(tripColumns, ",") {
		out = append(out, strings.TrimSpace(c))
	}
	return out
}

func assignedRow(rows *sqlmock.Rows, id string, at time.Time) *sqlmock.Rows {
	return rows.AddRow(id, "ASSIGNED", "r1", "d1", nil, "CAB", int64(7), int64(0),
		12.9, 77.6, "MG Road", 12.95, 77.7, "",
		120.5, nil, "", "",
		at, at, nil, nil, nil)
}

func TestPostgresCreateTripMapsActiveTripIndex(t *testing.T) {
	p, mock := newMockStore(t)
	ctx := context.Background()
	mock.ExpectExec("INSERT INTO trips").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "trips_rider_active_uq"})
	mock.ExpectExec("INSERT INTO trips").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "trips_pkey"})

	err := p.CreateTrip(ctx, newTrip("t1", "r1", time.Now()))
	if !errors.Is(err, models.ErrActiveTripConflict) {
		t.Fatalf("expected ErrActiveTripConflict, got %v", err)
	}
	err = p.CreateTrip(ctx, newTrip("t1", "r1", time.Now()))
	if err == nil || errors.Is(err, models.ErrActiveTripConflict) {
		t.Fatalf("duplicate id is not a rider conflict, got %v", err)
	}
}

func TestPostgresUpdateTripCompareAndSwap(t *testing.T) {
	p, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now()
	tr := newTrip("t1", "r1", now)
	d := "d1"
	tr.Status, tr.DriverID, tr.AssignedAt = models.TripAssigned, &d, &now

	mock.ExpectExec("UPDATE trips SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	if err := p.UpdateTrip(ctx, tr, models.TripRequested); err != nil {
		t.Fatal(err)
	}

	mock.ExpectExec("UPDATE trips SET status").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM trips WHERE id").
		WillReturnRows(assignedRow(sqlmock.NewRows(tripColumnNames()), "t1", now))
	if err := p.UpdateTrip(ctx, tr, models.TripRequested); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}

	mock.ExpectExec("UPDATE trips SET status").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM trips WHERE id").WillReturnRows(sqlmock.NewRows(tripColumnNames()))
	if err := p.UpdateTrip(ctx, tr, models.TripRequested); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresGetTripScansNullables(t *testing.T) {
	p, mock := newMockStore(t)
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT (.+) FROM trips WHERE id").
		WithArgs("t1").
		WillReturnRows(assignedRow(sqlmock.NewRows(tripColumnNames()), "t1", now))

	got, err := p.GetTrip(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.TripAssigned || !got.DriverIs("d1") || got.VehicleID != nil || got.TenantID != 7 {
		t.Fatalf("unexpected trip %+v", got)
	}
	if got.EstimatedFare == nil || *got.EstimatedFare != 120.5 || got.FareAmount != nil {
		t.Fatalf("fares not mapped: %+v", got)
	}
	if got.AssignedAt == nil || !got.AssignedAt.Equal(now) || got.PickedUpAt != nil {
		t.Fatalf("timestamps not mapped: %+v", got)
	}
}

func TestPostgresCreateOfferPendingIndex(t *testing.T) {
	p, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO trip_offers").WillReturnError(&pq.Error{Code: "23505", Constraint: "trip_offers_driver_pending_uq"})
	now := time.Now()
	err := p.CreateOffer(context.Background(), &models.Offer{
		AttemptID: "a1", TripID: "t1", DriverID: "d1", Response: models.OfferPending, CreatedAt: now, ExpiresAt: now.Add(time.Minute),
	})
	if !errors.Is(err, ErrPendingOffer) {
		t.Fatalf("expected ErrPendingOffer, got %v", err)
	}
}

func TestPostgresResolveMissingOffer(t *testing.T) {
	p, mock := newMockStore(t)
	mock.ExpectExec("UPDATE trip_offers SET response").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM trip_offers WHERE attempt_id").WillReturnRows(sqlmock.NewRows([]string{"attempt_id"}))
	err := p.ResolveOffer(context.Background(), "missing", models.OfferRejected, time.Now())
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresMarkOtpVerifiedStale(t *testing.T) {
	p, mock := newMockStore(t)
	mock.ExpectExec("UPDATE trip_otps SET verified_at").
		WithArgs(sqlmock.AnyArg(), "t1", "1234").
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := p.MarkOtpVerified(context.Background(), "t1", "1234", time.Now()); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}
}
