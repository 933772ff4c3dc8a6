package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/trip-dispatch/internal/models"
)

// PostgresStore persists trips, offers, shifts and pickup codes. The single
// PENDING offer rules are backed by partial unique indexes (see migrations).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// Ping is used by the readiness probe.
func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

const tripColumns = `id, status, rider_id, driver_id, vehicle_id, vehicle_category, tenant_id, city_id,
	pickup_lat, pickup_lon, pickup_address, drop_lat, drop_lon, drop_address,
	estimated_fare, fare_amount, cancel_reason, cancelled_by,
	requested_at, assigned_at, picked_up_at, completed_at, cancelled_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrip(row rowScanner) (*models.Trip, error) {
	var (
		t                                              models.Trip
		driverID, vehicleID                            sql.NullString
		estimated, fare                                sql.NullFloat64
		assignedAt, pickedUpAt, completedAt, cancelled sql.NullTime
	)
	err := row.Scan(&t.ID, &t.Status, &t.RiderID, &driverID, &vehicleID, &t.VehicleCategory, &t.TenantID, &t.CityID,
		&t.Pickup.Lat, &t.Pickup.Lon, &t.Pickup.Address, &t.Drop.Lat, &t.Drop.Lon, &t.Drop.Address,
		&estimated, &fare, &t.CancelReason, &t.CancelledBy,
		&t.RequestedAt, &assignedAt, &pickedUpAt, &completedAt, &cancelled)
	if err != nil {
		return nil, err
	}
	t.DriverID = nullString(driverID)
	t.VehicleID = nullString(vehicleID)
	t.EstimatedFare = nullFloat(estimated)
	t.FareAmount = nullFloat(fare)
	t.AssignedAt = nullTime(assignedAt)
	t.PickedUpAt = nullTime(pickedUpAt)
	t.CompletedAt = nullTime(completedAt)
	t.CancelledAt = nullTime(cancelled)
	return &t, nil
}

func (p *PostgresStore) CreateTrip(ctx context.Context, t *models.Trip) error {
	if err := t.CheckInvariants(); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO trips(`+tripColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`,
		t.ID, t.Status, t.RiderID, t.DriverID, t.VehicleID, t.VehicleCategory, t.TenantID, t.CityID,
		t.Pickup.Lat, t.Pickup.Lon, t.Pickup.Address, t.Drop.Lat, t.Drop.Lon, t.Drop.Address,
		t.EstimatedFare, t.FareAmount, t.CancelReason, t.CancelledBy,
		t.RequestedAt, t.AssignedAt, t.PickedUpAt, t.CompletedAt, t.CancelledAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == "trips_rider_active_uq" {
			return fmt.Errorf("rider %s: %w", t.RiderID, models.ErrActiveTripConflict)
		}
		return fmt.Errorf("insert trip: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	t, err := scanTrip(p.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("trip %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get trip: %w", err)
	}
	return t, nil
}

func (p *PostgresStore) UpdateTrip(ctx context.Context, t *models.Trip, from models.TripStatus) error {
	if err := t.CheckInvariants(); err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `UPDATE trips SET status=$1, driver_id=$2, vehicle_id=$3, fare_amount=$4,
		cancel_reason=$5, cancelled_by=$6, assigned_at=$7, picked_up_at=$8, completed_at=$9, cancelled_at=$10
		WHERE id=$11 AND status=$12`,
		t.Status, t.DriverID, t.VehicleID, t.FareAmount, t.CancelReason, t.CancelledBy,
		t.AssignedAt, t.PickedUpAt, t.CompletedAt, t.CancelledAt, t.ID, from)
	if err != nil {
		return fmt.Errorf("update trip: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update trip rows affected: %w", err)
	}
	if n == 0 {
		if _, err := p.GetTrip(ctx, t.ID); err != nil {
			return err
		}
		return ErrStale
	}
	return nil
}

func (p *PostgresStore) queryTrips(ctx context.Context, query string, args ...any) ([]*models.Trip, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trips: %w", err)
	}
	defer rows.Close()
	var out []*models.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trip: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListTripsByRider(ctx context.Context, riderID string, limit int) ([]*models.Trip, error) {
	return p.queryTrips(ctx, `SELECT `+tripColumns+` FROM trips WHERE rider_id = $1
		ORDER BY requested_at DESC LIMIT $2`, riderID, sqlLimit(limit))
}

func (p *PostgresStore) ListTripsByStatus(ctx context.Context, status models.TripStatus, limit int) ([]*models.Trip, error) {
	return p.queryTrips(ctx, `SELECT `+tripColumns+` FROM trips WHERE status = $1
		ORDER BY requested_at DESC LIMIT $2`, status, sqlLimit(limit))
}

func (p *PostgresStore) ActiveTripForRider(ctx context.Context, riderID string) (*models.Trip, error) {
	out, err := p.queryTrips(ctx, `SELECT `+tripColumns+` FROM trips
		WHERE rider_id = $1 AND status IN ('REQUESTED','ASSIGNED','PICKED_UP')
		ORDER BY requested_at DESC LIMIT 1`, riderID)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("active trip for rider %s: %w", riderID, models.ErrNotFound)
	}
	return out[0], nil
}

func (p *PostgresStore) ActiveTripForDriver(ctx context.Context, driverID string) (*models.Trip, error) {
	out, err := p.queryTrips(ctx, `SELECT `+tripColumns+` FROM trips
		WHERE driver_id = $1 AND status IN ('ASSIGNED','PICKED_UP')
		ORDER BY requested_at DESC LIMIT 1`, driverID)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("active trip for driver %s: %w", driverID, models.ErrNotFound)
	}
	return out[0], nil
}

const offerColumns = `attempt_id, trip_id, driver_id, vehicle_id, round, distance_m, response, created_at, expires_at, responded_at`

func scanOffer(row rowScanner) (*models.Offer, error) {
	var (
		o           models.Offer
		respondedAt sql.NullTime
	)
	if err := row.Scan(&o.AttemptID, &o.TripID, &o.DriverID, &o.VehicleID, &o.Round, &o.DistanceM,
		&o.Response, &o.CreatedAt, &o.ExpiresAt, &respondedAt); err != nil {
		return nil, err
	}
	o.RespondedAt = nullTime(respondedAt)
	return &o, nil
}

func (p *PostgresStore) CreateOffer(ctx context.Context, o *models.Offer) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO trip_offers(`+offerColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		o.AttemptID, o.TripID, o.DriverID, o.VehicleID, o.Round, o.DistanceM, o.Response, o.CreatedAt, o.ExpiresAt, o.RespondedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrPendingOffer
		}
		return fmt.Errorf("insert offer: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetOffer(ctx context.Context, attemptID string) (*models.Offer, error) {
	o, err := scanOffer(p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM trip_offers WHERE attempt_id = $1`, attemptID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("offer %s: %w", attemptID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get offer: %w", err)
	}
	return o, nil
}

func (p *PostgresStore) ResolveOffer(ctx context.Context, attemptID string, to models.OfferResponse, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE trip_offers SET response = $1, responded_at = $2
		WHERE attempt_id = $3 AND response = 'PENDING'`, to, at, attemptID)
	if err != nil {
		return fmt.Errorf("resolve offer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve offer rows affected: %w", err)
	}
	if n == 0 {
		if _, err := p.GetOffer(ctx, attemptID); err != nil {
			return err
		}
		return ErrStale
	}
	return nil
}

func (p *PostgresStore) queryOffers(ctx context.Context, query string, args ...any) ([]*models.Offer, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query offers: %w", err)
	}
	defer rows.Close()
	var out []*models.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan offer: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListOffersByTrip(ctx context.Context, tripID string) ([]*models.Offer, error) {
	return p.queryOffers(ctx, `SELECT `+offerColumns+` FROM trip_offers WHERE trip_id = $1 ORDER BY created_at`, tripID)
}

func (p *PostgresStore) PendingOfferForTrip(ctx context.Context, tripID string) (*models.Offer, error) {
	out, err := p.queryOffers(ctx, `SELECT `+offerColumns+` FROM trip_offers
		WHERE trip_id = $1 AND response = 'PENDING'`, tripID)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("pending offer for trip %s: %w", tripID, models.ErrNotFound)
	}
	return out[0], nil
}

func (p *PostgresStore) PendingOffersForDriver(ctx context.Context, driverID string) ([]*models.Offer, error) {
	return p.queryOffers(ctx, `SELECT `+offerColumns+` FROM trip_offers
		WHERE driver_id = $1 AND response = 'PENDING' ORDER BY created_at`, driverID)
}

func (p *PostgresStore) DuePendingOffers(ctx context.Context, now time.Time, limit int) ([]*models.Offer, error) {
	return p.queryOffers(ctx, `SELECT `+offerColumns+` FROM trip_offers
		WHERE response = 'PENDING' AND expires_at <= $1 ORDER BY expires_at LIMIT $2`, now, sqlLimit(limit))
}

const shiftColumns = `driver_id, shift_id, tenant_id, status, vehicle_id, vehicle_category,
	last_lat, last_lon, started_at, ended_at, idle_since`

func scanShift(row rowScanner) (*models.Shift, error) {
	var (
		s                         models.Shift
		lat, lon                  sql.NullFloat64
		started, ended, idleSince sql.NullTime
	)
	if err := row.Scan(&s.DriverID, &s.ID, &s.TenantID, &s.Status, &s.VehicleID, &s.VehicleCategory,
		&lat, &lon, &started, &ended, &idleSince); err != nil {
		return nil, err
	}
	if lat.Valid && lon.Valid {
		s.LastLocation = &models.Coord{Lat: lat.Float64, Lon: lon.Float64}
	}
	s.StartedAt = nullTime(started)
	s.EndedAt = nullTime(ended)
	s.IdleSince = nullTime(idleSince)
	return &s, nil
}

func (p *PostgresStore) GetShift(ctx context.Context, driverID string) (*models.Shift, error) {
	s, err := scanShift(p.db.QueryRowContext(ctx, `SELECT `+shiftColumns+` FROM driver_shifts WHERE driver_id = $1`, driverID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("shift for driver %s: %w", driverID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get shift: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) SaveShift(ctx context.Context, s *models.Shift) error {
	var lat, lon *float64
	if s.LastLocation != nil {
		lat, lon = &s.LastLocation.Lat, &s.LastLocation.Lon
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO driver_shifts(`+shiftColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (driver_id) DO UPDATE SET shift_id=EXCLUDED.shift_id, tenant_id=EXCLUDED.tenant_id,
			status=EXCLUDED.status, vehicle_id=EXCLUDED.vehicle_id, vehicle_category=EXCLUDED.vehicle_category,
			last_lat=EXCLUDED.last_lat, last_lon=EXCLUDED.last_lon, started_at=EXCLUDED.started_at,
			ended_at=EXCLUDED.ended_at, idle_since=EXCLUDED.idle_since`,
		s.DriverID, s.ID, s.TenantID, s.Status, s.VehicleID, s.VehicleCategory, lat, lon, s.StartedAt, s.EndedAt, s.IdleSince)
	if err != nil {
		return fmt.Errorf("save shift: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListOnlineShifts(ctx context.Context, category models.VehicleCategory) ([]*models.Shift, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+shiftColumns+` FROM driver_shifts
		WHERE status = 'ONLINE' AND ($1::text = '' OR vehicle_category = $1::text)`, string(category))
	if err != nil {
		return nil, fmt.Errorf("list online shifts: %w", err)
	}
	defer rows.Close()
	var out []*models.Shift
	for rows.Next() {
		s, err := scanShift(rows)
		if err != nil {
			return nil, fmt.Errorf("scan shift: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) PutOtp(ctx context.Context, rec *models.OtpRecord) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO trip_otps(trip_id, code, issued_at, verified_at) VALUES($1,$2,$3,$4)
		ON CONFLICT (trip_id) DO UPDATE SET code=EXCLUDED.code, issued_at=EXCLUDED.issued_at, verified_at=EXCLUDED.verified_at`,
		rec.TripID, rec.Code, rec.IssuedAt, rec.VerifiedAt)
	if err != nil {
		return fmt.Errorf("put otp: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetOtp(ctx context.Context, tripID string) (*models.OtpRecord, error) {
	var (
		rec      models.OtpRecord
		verified sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `SELECT trip_id, code, issued_at, verified_at FROM trip_otps WHERE trip_id = $1`, tripID).
		Scan(&rec.TripID, &rec.Code, &rec.IssuedAt, &verified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("otp for trip %s: %w", tripID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get otp: %w", err)
	}
	rec.VerifiedAt = nullTime(verified)
	return &rec, nil
}

func (p *PostgresStore) MarkOtpVerified(ctx context.Context, tripID, code string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE trip_otps SET verified_at = $1
		WHERE trip_id = $2 AND code = $3 AND verified_at IS NULL`, at, tripID, code)
	if err != nil {
		return fmt.Errorf("verify otp: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify otp rows affected: %w", err)
	}
	if n == 0 {
		return ErrStale
	}
	return nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

// sqlLimit maps "no limit" to a value Postgres accepts in LIMIT $n.
func sqlLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
