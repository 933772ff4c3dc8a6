package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

var (
	// ErrStale is returned by compare-and-swap writes whose expected state no
	// longer matches the stored record.
	ErrStale = errors.New("storage: stale write")

	// ErrPendingOffer is returned by CreateOffer when the trip or the driver
	// already holds a PENDING offer.
	ErrPendingOffer = errors.New("storage: pending offer already exists")
)

// TripStore defines persistence operations for trips.
type TripStore interface {
	// CreateTrip fails with models.ErrActiveTripConflict while the rider has a
	// non-terminal trip.
	CreateTrip(ctx context.Context, t *models.Trip) error
	GetTrip(ctx context.Context, id string) (*models.Trip, error)
	// UpdateTrip replaces the trip only if its stored status is still from.
	UpdateTrip(ctx context.Context, t *models.Trip, from models.TripStatus) error
	ListTripsByRider(ctx context.Context, riderID string, limit int) ([]*models.Trip, error)
	ListTripsByStatus(ctx context.Context, status models.TripStatus, limit int) ([]*models.Trip, error)
	ActiveTripForRider(ctx context.Context, riderID string) (*models.Trip, error)
	ActiveTripForDriver(ctx context.Context, driverID string) (*models.Trip, error)
}

// OfferStore persists dispatch attempts.
type OfferStore interface {
	CreateOffer(ctx context.Context, o *models.Offer) error
	GetOffer(ctx context.Context, attemptID string) (*models.Offer, error)
	// ResolveOffer moves a PENDING offer to the given response.
	ResolveOffer(ctx context.Context, attemptID string, to models.OfferResponse, at time.Time) error
	ListOffersByTrip(ctx context.Context, tripID string) ([]*models.Offer, error)
	PendingOfferForTrip(ctx context.Context, tripID string) (*models.Offer, error)
	PendingOffersForDriver(ctx context.Context, driverID string) ([]*models.Offer, error)
	DuePendingOffers(ctx context.Context, now time.Time, limit int) ([]*models.Offer, error)
}

type ShiftStore interface {
	GetShift(ctx context.Context, driverID string) (*models.Shift, error)
	SaveShift(ctx context.Context, s *models.Shift) error
	ListOnlineShifts(ctx context.Context, category models.VehicleCategory) ([]*models.Shift, error)
}

type OtpStore interface {
	PutOtp(ctx context.Context, rec *models.OtpRecord) error
	GetOtp(ctx context.Context, tripID string) (*models.OtpRecord, error)
	// MarkOtpVerified stamps the record only if code is still the current one.
	MarkOtpVerified(ctx context.Context, tripID, code string, at time.Time) error
}

type Store interface {
	TripStore
	OfferStore
	ShiftStore
	OtpStore
	Close() error
}

// MemoryStore keeps everything in process. It is the default when PG_DSN is
// unset and backs most tests.
type MemoryStore struct {
	mu     sync.RWMutex
	trips  map[string]*models.Trip
	offers map[string]*models.Offer
	shifts map[string]*models.Shift
	otps   map[string]*models.OtpRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trips:  make(map[string]*models.Trip),
		offers: make(map[string]*models.Offer),
		shifts: make(map[string]*models.Shift),
		otps:   make(map[string]*models.OtpRecord),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateTrip(ctx context.Context, t *models.Trip) error {
	if err := t.CheckInvariants(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trips[t.ID]; ok {
		return fmt.Errorf("trip %s already exists", t.ID)
	}
	for _, cur := range m.trips {
		if cur.RiderID == t.RiderID && !cur.Status.Terminal() {
			return fmt.Errorf("rider %s: %w", t.RiderID, models.ErrActiveTripConflict)
		}
	}
	m.trips[t.ID] = t.Clone()
	return nil
}

func (m *MemoryStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, fmt.Errorf("trip %s: %w", id, models.ErrNotFound)
	}
	return t.Clone(), nil
}

func (m *MemoryStore) UpdateTrip(ctx context.Context, t *models.Trip, from models.TripStatus) error {
	if err := t.CheckInvariants(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.trips[t.ID]
	if !ok {
		return fmt.Errorf("trip %s: %w", t.ID, models.ErrNotFound)
	}
	if cur.Status != from {
		return ErrStale
	}
	m.trips[t.ID] = t.Clone()
	return nil
}

func (m *MemoryStore) ListTripsByRider(ctx context.Context, riderID string, limit int) ([]*models.Trip, error) {
	return m.listTrips(limit, func(t *models.Trip) bool { return t.RiderID == riderID }), nil
}

func (m *MemoryStore) ListTripsByStatus(ctx context.Context, status models.TripStatus, limit int) ([]*models.Trip, error) {
	return m.listTrips(limit, func(t *models.Trip) bool { return t.Status == status }), nil
}

func (m *MemoryStore) ActiveTripForRider(ctx context.Context, riderID string) (*models.Trip, error) {
	out := m.listTrips(1, func(t *models.Trip) bool { return t.RiderID == riderID && !t.Status.Terminal() })
	if len(out) == 0 {
		return nil, fmt.Errorf("active trip for rider %s: %w", riderID, models.ErrNotFound)
	}
	return out[0], nil
}

func (m *MemoryStore) ActiveTripForDriver(ctx context.Context, driverID string) (*models.Trip, error) {
	out := m.listTrips(1, func(t *models.Trip) bool {
		return t.DriverIs(driverID) && (t.Status == models.TripAssigned || t.Status == models.TripPickedUp)
	})
	if len(out) == 0 {
		return nil, fmt.Errorf("active trip for driver %s: %w", driverID, models.ErrNotFound)
	}
	return out[0], nil
}

// listTrips returns matching trips newest first.
func (m *MemoryStore) listTrips(limit int, match func(*models.Trip) bool) []*models.Trip {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Trip, 0)
	for _, t := range m.trips {
		if match(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.After(out[j].RequestedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) CreateOffer(ctx context.Context, o *models.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.offers[o.AttemptID]; ok {
		return fmt.Errorf("offer %s already exists", o.AttemptID)
	}
	if o.Pending() {
		for _, cur := range m.offers {
			if cur.Pending() && (cur.TripID == o.TripID || cur.DriverID == o.DriverID) {
				return ErrPendingOffer
			}
		}
	}
	m.offers[o.AttemptID] = o.Clone()
	return nil
}

func (m *MemoryStore) GetOffer(ctx context.Context, attemptID string) (*models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[attemptID]
	if !ok {
		return nil, fmt.Errorf("offer %s: %w", attemptID, models.ErrNotFound)
	}
	return o.Clone(), nil
}

func (m *MemoryStore) ResolveOffer(ctx context.Context, attemptID string, to models.OfferResponse, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[attemptID]
	if !ok {
		return fmt.Errorf("offer %s: %w", attemptID, models.ErrNotFound)
	}
	if !o.Pending() {
		return ErrStale
	}
	o.Response = to
	o.RespondedAt = &at
	return nil
}

func (m *MemoryStore) ListOffersByTrip(ctx context.Context, tripID string) ([]*models.Offer, error) {
	return m.listOffers(0, func(o *models.Offer) bool { return o.TripID == tripID }), nil
}

func (m *MemoryStore) PendingOfferForTrip(ctx context.Context, tripID string) (*models.Offer, error) {
	out := m.listOffers(1, func(o *models.Offer) bool { return o.TripID == tripID && o.Pending() })
	if len(out) == 0 {
		return nil, fmt.Errorf("pending offer for trip %s: %w", tripID, models.ErrNotFound)
	}
	return out[0], nil
}

func (m *MemoryStore) PendingOffersForDriver(ctx context.Context, driverID string) ([]*models.Offer, error) {
	return m.listOffers(0, func(o *models.Offer) bool { return o.DriverID == driverID && o.Pending() }), nil
}

func (m *MemoryStore) DuePendingOffers(ctx context.Context, now time.Time, limit int) ([]*models.Offer, error) {
	return m.listOffers(limit, func(o *models.Offer) bool { return o.IsExpired(now) }), nil
}

// listOffers returns matching offers oldest first.
func (m *MemoryStore) listOffers(limit int, match func(*models.Offer) bool) []*models.Offer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Offer, 0)
	for _, o := range m.offers {
		if match(o) {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) GetShift(ctx context.Context, driverID string) (*models.Shift, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.shifts[driverID]
	if !ok {
		return nil, fmt.Errorf("shift for driver %s: %w", driverID, models.ErrNotFound)
	}
	return s.Clone(), nil
}

func (m *MemoryStore) SaveShift(ctx context.Context, s *models.Shift) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shifts[s.DriverID] = s.Clone()
	return nil
}

func (m *MemoryStore) ListOnlineShifts(ctx context.Context, category models.VehicleCategory) ([]*models.Shift, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Shift, 0)
	for _, s := range m.shifts {
		if s.Online() && (category == "" || s.VehicleCategory == category) {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) PutOtp(ctx context.Context, rec *models.OtpRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *rec
	m.otps[rec.TripID] = &c
	return nil
}

func (m *MemoryStore) GetOtp(ctx context.Context, tripID string) (*models.OtpRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.otps[tripID]
	if !ok {
		return nil, fmt.Errorf("otp for trip %s: %w", tripID, models.ErrNotFound)
	}
	c := *rec
	return &c, nil
}

func (m *MemoryStore) MarkOtpVerified(ctx context.Context, tripID, code string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.otps[tripID]
	if !ok {
		return fmt.Errorf("otp for trip %s: %w", tripID, models.ErrNotFound)
	}
	if rec.Code != code || rec.VerifiedAt != nil {
		return ErrStale
	}
	rec.VerifiedAt = &at
	return nil
}
