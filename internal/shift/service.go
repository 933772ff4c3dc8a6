package shift

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/trip-dispatch/internal/events"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/keylock"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/storage"
)

// DocumentVerifier is the document verification collaborator.
type DocumentVerifier interface {
	Status(ctx context.Context, driverID string) (models.DocumentStatus, error)
}

// VehicleRegistry is the fleet collaborator.
type VehicleRegistry interface {
	VehicleFor(ctx context.Context, driverID string) (models.Vehicle, error)
}

// proximityBucketM groups candidates whose distances differ by less than this
// so that idle time decides between them.
const proximityBucketM = 100.0

// Candidate is an eligible driver for one trip.
type Candidate struct {
	DriverID  string
	VehicleID string
	DistanceM float64
	IdleSince time.Time
}

// Service is the shift and eligibility gate.
type Service struct {
	Shifts storage.ShiftStore
	Trips  storage.TripStore
	Offers storage.OfferStore
	Geo    geo.Geo // optional; without it Candidates scans online shifts
	Docs   DocumentVerifier
	Fleet  VehicleRegistry
	Events events.Publisher
	Logger *slog.Logger
	Now    func() time.Time

	RadiusM float64
	TopN    int

	locksOnce sync.Once
	locks     *keylock.Map
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Service) lock(driverID string) func() {
	s.locksOnce.Do(func() { s.locks = keylock.New() })
	return s.locks.Lock(driverID)
}

// LockDriver holds the driver's shift lock. The dispatcher takes it around
// offer issue and accept so those never interleave with GoOffline.
func (s *Service) LockDriver(driverID string) (unlock func()) { return s.lock(driverID) }

// CurrentShift reports the driver's shift; a driver without one is OFFLINE.
func (s *Service) CurrentShift(ctx context.Context, driverID string) (*models.Shift, error) {
	sh, err := s.Shifts.GetShift(ctx, driverID)
	if errors.Is(err, models.ErrNotFound) {
		return models.OfflineShift(driverID), nil
	}
	return sh, err
}

// GoOnline opens a shift. Drivers whose documents are not fully approved get
// models.ErrNotVerified. Going online twice refreshes the location.
func (s *Service) GoOnline(ctx context.Context, driverID string, loc models.Coord, tenantID int64) (*models.Shift, error) {
	if driverID == "" {
		return nil, fmt.Errorf("%w: driver_id is required", models.ErrValidation)
	}
	if !loc.Valid() {
		return nil, fmt.Errorf("%w: location is missing or out of range", models.ErrValidation)
	}
	st, err := s.Docs.Status(ctx, driverID)
	if err != nil {
		return nil, fmt.Errorf("document status for %s: %w", driverID, err)
	}
	if !st.AllApproved {
		return nil, fmt.Errorf("%w: driver %s", models.ErrNotVerified, driverID)
	}
	vehicle, err := s.Fleet.VehicleFor(ctx, driverID)
	if err != nil {
		return nil, fmt.Errorf("vehicle for %s: %w", driverID, err)
	}

	unlock := s.lock(driverID)
	defer unlock()

	cur, err := s.CurrentShift(ctx, driverID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	sh := cur.Clone()
	if !cur.Online() {
		sh = &models.Shift{
			ID:        uuid.NewString(),
			DriverID:  driverID,
			Status:    models.ShiftOnline,
			StartedAt: &now,
			IdleSince: &now,
		}
	}
	sh.TenantID = tenantID
	sh.VehicleID = vehicle.ID
	sh.VehicleCategory = vehicle.Category
	sh.LastLocation = &loc
	if err := s.Shifts.SaveShift(ctx, sh); err != nil {
		return nil, err
	}
	if s.Geo != nil {
		if err := s.Geo.Upsert(ctx, driverID, loc); err != nil {
			s.logger().Warn("geo upsert failed", "driver_id", driverID, "error", err)
		}
	}
	if !cur.Online() {
		observability.DriversOnline.Inc()
		s.logger().Info("shift started", "driver_id", driverID, "shift_id", sh.ID, "category", sh.VehicleCategory)
		s.publish(ctx, events.ForShift(events.ShiftStarted, sh, now))
	}
	return sh, nil
}

// GoOffline closes the shift. It fails with models.ErrActiveTripConflict while
// the driver holds an ASSIGNED or PICKED_UP trip.
func (s *Service) GoOffline(ctx context.Context, driverID string) (*models.Shift, error) {
	unlock := s.lock(driverID)
	defer unlock()

	active, err := s.Trips.ActiveTripForDriver(ctx, driverID)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: driver %s is on trip %s", models.ErrActiveTripConflict, driverID, active.ID)
	case !errors.Is(err, models.ErrNotFound):
		return nil, err
	}

	cur, err := s.CurrentShift(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if !cur.Online() {
		return cur, nil
	}
	now := s.now()
	sh := cur.Clone()
	sh.Status = models.ShiftOffline
	sh.EndedAt = &now
	sh.IdleSince = nil
	if err := s.Shifts.SaveShift(ctx, sh); err != nil {
		return nil, err
	}
	if s.Geo != nil {
		if err := s.Geo.Remove(ctx, driverID); err != nil {
			s.logger().Warn("geo remove failed", "driver_id", driverID, "error", err)
		}
	}
	observability.DriversOnline.Dec()
	s.logger().Info("shift ended", "driver_id", driverID, "shift_id", sh.ID)
	s.publish(ctx, events.ForShift(events.ShiftEnded, sh, now))
	return sh, nil
}

// UpdateLocation records a location ping. Pings from drivers that are not
// ONLINE are dropped without error.
func (s *Service) UpdateLocation(ctx context.Context, driverID string, loc models.Coord) error {
	if !loc.Valid() {
		return fmt.Errorf("%w: location is missing or out of range", models.ErrValidation)
	}
	unlock := s.lock(driverID)
	defer unlock()

	cur, err := s.CurrentShift(ctx, driverID)
	if err != nil {
		return err
	}
	if !cur.Online() {
		s.logger().Debug("location dropped for offline driver", "driver_id", driverID)
		return nil
	}
	cur.LastLocation = &loc
	if err := s.Shifts.SaveShift(ctx, cur); err != nil {
		return err
	}
	if s.Geo != nil {
		return s.Geo.Upsert(ctx, driverID, loc)
	}
	return nil
}

// MarkIdle restarts the driver's idle clock after a trip ends.
func (s *Service) MarkIdle(ctx context.Context, driverID string) {
	unlock := s.lock(driverID)
	defer unlock()

	cur, err := s.CurrentShift(ctx, driverID)
	if err != nil || !cur.Online() {
		return
	}
	now := s.now()
	cur.IdleSince = &now
	if err := s.Shifts.SaveShift(ctx, cur); err != nil {
		s.logger().Warn("mark idle failed", "driver_id", driverID, "error", err)
	}
}

// Candidates returns up to TopN drivers eligible for the trip, nearest first
// and, among equally near drivers, the one idle the longest first. Drivers in
// exclude are skipped. The TopN cut is applied after eligibility, so busy or
// mismatched drivers close to the pickup never crowd out eligible ones.
func (s *Service) Candidates(ctx context.Context, t *models.Trip, exclude map[string]bool) ([]Candidate, error) {
	nearby, err := s.nearby(ctx, t)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(nearby))
	for _, h := range nearby {
		if exclude[h.DriverID] {
			continue
		}
		c, ok, err := s.eligible(ctx, h, t)
		if err != nil {
			s.logger().Warn("eligibility check failed", "driver_id", h.DriverID, "trip_id", t.ID, "error", err)
			continue
		}
		if ok {
			out = append(out, c)
		}
	}
	Rank(out)
	if s.TopN > 0 && len(out) > s.TopN {
		out = out[:s.TopN]
	}
	return out, nil
}

// Rank orders candidates by proximity bucket then by oldest idle time.
func Rank(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		bi, bj := math.Floor(cs[i].DistanceM/proximityBucketM), math.Floor(cs[j].DistanceM/proximityBucketM)
		if bi != bj {
			return bi < bj
		}
		if !cs[i].IdleSince.Equal(cs[j].IdleSince) {
			return cs[i].IdleSince.Before(cs[j].IdleSince)
		}
		return cs[i].DistanceM < cs[j].DistanceM
	})
}

func (s *Service) nearby(ctx context.Context, t *models.Trip) ([]geo.Hit, error) {
	if s.Geo != nil {
		return s.Geo.Nearby(ctx, t.Pickup.Coord, s.RadiusM, 0)
	}
	shifts, err := s.Shifts.ListOnlineShifts(ctx, t.VehicleCategory)
	if err != nil {
		return nil, err
	}
	hits := make([]geo.Hit, 0, len(shifts))
	for _, sh := range shifts {
		if sh.LastLocation == nil {
			continue
		}
		d := geo.Distance(t.Pickup.Coord, *sh.LastLocation)
		if s.RadiusM > 0 && d > s.RadiusM {
			continue
		}
		hits = append(hits, geo.Hit{DriverID: sh.DriverID, Loc: *sh.LastLocation, DistanceM: d})
	}
	return hits, nil
}

// eligible applies ONLINE, approved, category, no pending offer and no active
// trip.
func (s *Service) eligible(ctx context.Context, h geo.Hit, t *models.Trip) (Candidate, bool, error) {
	sh, err := s.CurrentShift(ctx, h.DriverID)
	if err != nil {
		return Candidate{}, false, err
	}
	if !sh.Online() || sh.VehicleCategory != t.VehicleCategory {
		return Candidate{}, false, nil
	}
	if t.TenantID != 0 && sh.TenantID != 0 && sh.TenantID != t.TenantID {
		return Candidate{}, false, nil
	}
	pending, err := s.Offers.PendingOffersForDriver(ctx, h.DriverID)
	if err != nil {
		return Candidate{}, false, err
	}
	if len(pending) > 0 {
		return Candidate{}, false, nil
	}
	if _, err := s.Trips.ActiveTripForDriver(ctx, h.DriverID); err == nil {
		return Candidate{}, false, nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return Candidate{}, false, err
	}
	st, err := s.Docs.Status(ctx, h.DriverID)
	if err != nil {
		return Candidate{}, false, err
	}
	if !st.AllApproved {
		return Candidate{}, false, nil
	}
	c := Candidate{DriverID: h.DriverID, VehicleID: sh.VehicleID, DistanceM: h.DistanceM}
	if sh.IdleSince != nil {
		c.IdleSince = *sh.IdleSince
	} else if sh.StartedAt != nil {
		c.IdleSince = *sh.StartedAt
	}
	return c, true, nil
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	if s.Events == nil {
		return
	}
	if err := s.Events.Publish(ctx, ev); err != nil {
		s.logger().Warn("publish event failed", "type", ev.Type, "driver_id", ev.DriverID, "error", err)
	}
}
