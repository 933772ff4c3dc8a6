package trip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/trip-dispatch/internal/events"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/storage"
)

// PickupAuthorizer reports whether the OTP gate has cleared a trip for pickup.
type PickupAuthorizer interface {
	PickupAuthorized(ctx context.Context, tripID string) (bool, error)
}

// FareEstimator is the fare collaborator: a quote at request time and the
// final amount on completion.
type FareEstimator interface {
	Estimate(c models.VehicleCategory, from, to models.Coord) (float64, error)
	Final(t *models.Trip) (float64, error)
}

// Request is the rider's trip intake.
type Request struct {
	RiderID  string
	TenantID int64
	CityID   int64
	Pickup   models.Place
	Drop     models.Place
	Category models.VehicleCategory
}

func (r Request) validate() error {
	switch {
	case r.RiderID == "":
		return fmt.Errorf("%w: rider_id is required", models.ErrValidation)
	case !r.Pickup.Valid():
		return fmt.Errorf("%w: pickup coordinates are missing or out of range", models.ErrValidation)
	case !r.Drop.Valid():
		return fmt.Errorf("%w: drop coordinates are missing or out of range", models.ErrValidation)
	case r.Pickup.Coord == r.Drop.Coord:
		return fmt.Errorf("%w: pickup and drop are identical", models.ErrValidation)
	case !r.Category.Valid():
		return fmt.Errorf("%w: unknown vehicle category %q", models.ErrValidation, r.Category)
	}
	return nil
}

// Service is the trip state machine. It is the only writer of trip records.
type Service struct {
	store     storage.TripStore
	pickup    PickupAuthorizer
	fares     FareEstimator
	events    events.Publisher
	onRelease func(ctx context.Context, driverID string)
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Service)

func WithFares(f FareEstimator) Option { return func(s *Service) { s.fares = f } }

func WithPublisher(p events.Publisher) Option { return func(s *Service) { s.events = p } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithDriverRelease registers a hook run after a trip that held a driver ends.
func WithDriverRelease(fn func(ctx context.Context, driverID string)) Option {
	return func(s *Service) { s.onRelease = fn }
}

func NewService(store storage.TripStore, pickup PickupAuthorizer, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		pickup: pickup,
		events: events.Nop{},
		logger: logger,
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) RequestTrip(ctx context.Context, req Request) (*models.Trip, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	t := &models.Trip{
		ID:              uuid.NewString(),
		Status:          models.TripRequested,
		RiderID:         req.RiderID,
		VehicleCategory: req.Category,
		TenantID:        req.TenantID,
		CityID:          req.CityID,
		Pickup:          req.Pickup,
		Drop:            req.Drop,
		RequestedAt:     s.now(),
	}
	if s.fares != nil {
		if v, err := s.fares.Estimate(req.Category, req.Pickup.Coord, req.Drop.Coord); err == nil {
			t.EstimatedFare = &v
		} else {
			s.logger.Warn("fare estimate failed", "rider_id", req.RiderID, "error", err)
		}
	}
	if err := s.store.CreateTrip(ctx, t); err != nil {
		return nil, err
	}
	observability.TripTransitions.WithLabelValues(string(models.TripRequested)).Inc()
	s.logger.Info("trip requested", "trip_id", t.ID, "rider_id", t.RiderID, "category", t.VehicleCategory)
	s.publish(ctx, events.ForTrip(events.TripRequested, t, t.RequestedAt))
	return t, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Trip, error) {
	return s.store.GetTrip(ctx, id)
}

func (s *Service) ListForRider(ctx context.Context, riderID string, limit int) ([]*models.Trip, error) {
	return s.store.ListTripsByRider(ctx, riderID, limit)
}

// ListRequested returns trips still waiting for a driver.
func (s *Service) ListRequested(ctx context.Context, limit int) ([]*models.Trip, error) {
	return s.store.ListTripsByStatus(ctx, models.TripRequested, limit)
}

// Assign binds the trip to a driver. Only the dispatcher calls it.
func (s *Service) Assign(ctx context.Context, tripID, driverID, vehicleID string) (*models.Trip, error) {
	if driverID == "" {
		return nil, fmt.Errorf("%w: driver_id is required", models.ErrValidation)
	}
	return s.apply(ctx, tripID, ActionAssign, change{
		same: func(cur *models.Trip) bool { return cur.DriverIs(driverID) },
		mutate: func(t *models.Trip, now time.Time) error {
			t.DriverID = &driverID
			if vehicleID != "" {
				t.VehicleID = &vehicleID
			}
			t.AssignedAt = &now
			return nil
		},
		event: events.TripAssigned,
	})
}

// ConfirmPickup starts the ride once the OTP gate has authorized it.
func (s *Service) ConfirmPickup(ctx context.Context, tripID string) (*models.Trip, error) {
	return s.apply(ctx, tripID, ActionConfirmPickup, change{
		check: func(ctx context.Context, cur *models.Trip) error {
			if s.pickup == nil {
				return fmt.Errorf("%w: pickup for trip %s", models.ErrNotAuthorized, cur.ID)
			}
			ok, err := s.pickup.PickupAuthorized(ctx, cur.ID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: otp for trip %s is not verified", models.ErrNotAuthorized, cur.ID)
			}
			return nil
		},
		mutate: func(t *models.Trip, now time.Time) error {
			t.PickedUpAt = &now
			return nil
		},
		event: events.TripPickedUp,
	})
}

// Complete ends the ride and prices it.
func (s *Service) Complete(ctx context.Context, tripID string) (*models.Trip, error) {
	return s.apply(ctx, tripID, ActionComplete, change{
		mutate: func(t *models.Trip, now time.Time) error {
			t.CompletedAt = &now
			if s.fares == nil {
				return nil
			}
			v, err := s.fares.Final(t)
			if err != nil {
				return fmt.Errorf("price trip %s: %w", t.ID, err)
			}
			t.FareAmount = &v
			return nil
		},
		event: events.TripCompleted,
	})
}

// Cancel is allowed only before pickup. Cancelling a trip that is picked up or
// already ended fails with models.ErrTerminalState, including a repeat cancel.
func (s *Service) Cancel(ctx context.Context, tripID string, actor models.Actor, reason string) (*models.Trip, error) {
	return s.apply(ctx, tripID, ActionCancel, change{
		same: func(*models.Trip) bool { return false },
		reject: func(cur *models.Trip) error {
			return fmt.Errorf("%w: trip %s is %s", models.ErrTerminalState, cur.ID, cur.Status)
		},
		mutate: func(t *models.Trip, now time.Time) error {
			t.DriverID = nil
			t.VehicleID = nil
			t.CancelledAt = &now
			t.CancelReason = reason
			t.CancelledBy = actor.Role.String()
			return nil
		},
		event: events.TripCancelled,
	})
}

type change struct {
	// same reports whether a trip already in the target state was put there
	// by an equivalent call. nil means any.
	same   func(cur *models.Trip) bool
	check  func(ctx context.Context, cur *models.Trip) error
	mutate func(next *models.Trip, now time.Time) error
	reject func(cur *models.Trip) error
	event  events.Type
}

// apply runs one table transition with compare-and-swap on the source status.
// A lost CAS re-reads the trip once so a concurrent identical call resolves
// to the idempotent path.
func (s *Service) apply(ctx context.Context, id string, a Action, c change) (*models.Trip, error) {
	reject := c.reject
	if reject == nil {
		reject = func(cur *models.Trip) error {
			return fmt.Errorf("%w: cannot %s trip %s in status %s", models.ErrInvalidTransition, a, cur.ID, cur.Status)
		}
	}
	to := Target(a)
	for attempt := 0; attempt < 2; attempt++ {
		cur, err := s.store.GetTrip(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur.Status == to && (c.same == nil || c.same(cur)) {
			return cur, nil
		}
		tr, ok := TransitionFor(cur.Status, a)
		if !ok {
			return nil, reject(cur)
		}
		if c.check != nil {
			if err := c.check(ctx, cur); err != nil {
				return nil, err
			}
		}
		next := cur.Clone()
		next.Status = tr.To
		now := s.now()
		if err := c.mutate(next, now); err != nil {
			return nil, err
		}
		err = s.store.UpdateTrip(ctx, next, tr.From)
		if errors.Is(err, storage.ErrStale) {
			continue
		}
		if err != nil {
			return nil, err
		}

		observability.TripTransitions.WithLabelValues(string(tr.To)).Inc()
		s.logger.Info("trip transition", "trip_id", id, "from", tr.From, "to", tr.To)
		ev := events.ForTrip(c.event, next, now)
		if cur.DriverID != nil {
			ev.DriverID = *cur.DriverID
		}
		s.publish(ctx, ev)
		if cur.DriverID != nil && tr.To.Terminal() && s.onRelease != nil {
			s.onRelease(ctx, *cur.DriverID)
		}
		return next, nil
	}
	return nil, fmt.Errorf("%w: trip %s changed concurrently", models.ErrConflict, id)
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn("publish event failed", "type", ev.Type, "trip_id", ev.TripID, "error", err)
	}
}
