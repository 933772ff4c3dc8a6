// Package service composes the trip state machine, the dispatcher, the shift
// gate and the OTP gate into the operations riders, drivers and admins call.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/events"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/otp"
	"github.com/example/trip-dispatch/internal/ratelimit"
	"github.com/example/trip-dispatch/internal/shift"
	"github.com/example/trip-dispatch/internal/storage"
	"github.com/example/trip-dispatch/internal/trip"
)

const (
	defaultHistoryLimit = 20
	defaultOtpAttempts  = 5
)

// Deps is everything New needs to assemble a Coordinator.
type Deps struct {
	Store    storage.Store
	Geo      geo.Geo
	Docs     shift.DocumentVerifier
	Fleet    shift.VehicleRegistry
	Fares    trip.FareEstimator
	Limiter  ratelimit.Limiter
	Events   events.Publisher
	Logger   *slog.Logger
	Now      func() time.Time
	Dispatch dispatch.Config
	RadiusM  float64
	TopN     int
}

type Coordinator struct {
	Trips    *trip.Service
	Dispatch *dispatch.Dispatcher
	Shifts   *shift.Service
	Otp      *otp.Gate
	logger   *slog.Logger
}

func New(d Deps) *Coordinator {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Limiter == nil {
		d.Limiter = ratelimit.NewMemoryLimiter(defaultOtpAttempts, time.Minute)
	}
	shifts := &shift.Service{
		Shifts:  d.Store,
		Trips:   d.Store,
		Offers:  d.Store,
		Geo:     d.Geo,
		Docs:    d.Docs,
		Fleet:   d.Fleet,
		Events:  d.Events,
		Logger:  d.Logger,
		Now:     d.Now,
		RadiusM: d.RadiusM,
		TopN:    d.TopN,
	}
	opts := []trip.Option{
		trip.WithClock(d.Now),
		trip.WithPublisher(d.Events),
		trip.WithDriverRelease(shifts.MarkIdle),
	}
	if d.Fares != nil {
		opts = append(opts, trip.WithFares(d.Fares))
	}
	trips := trip.NewService(d.Store, otp.Authorizer{Store: d.Store}, d.Logger, opts...)
	return &Coordinator{
		Trips:    trips,
		Shifts:   shifts,
		Dispatch: dispatch.New(d.Store, trips, shifts, d.Logger, d.Dispatch, dispatch.WithClock(d.Now), dispatch.WithPublisher(d.Events)),
		Otp:      otp.NewGate(d.Store, trips, d.Limiter, d.Logger, otp.WithClock(d.Now)),
		logger:   d.Logger,
	}
}

// Run drives the dispatcher's expiry sweeper until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error { return c.Dispatch.Run(ctx) }

func requireRole(a models.Actor, allowed ...models.Role) error {
	for _, r := range allowed {
		if a.Role == r {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", models.ErrForbidden, a.Role)
}

// party reports whether the actor may see and act on the trip at all.
func party(a models.Actor, t *models.Trip) bool {
	switch a.Role {
	case models.RoleRider:
		return t.RiderID == a.ID
	case models.RoleDriver:
		return t.DriverIs(a.ID)
	case models.RoleFleetOwner:
		return false
	case models.RoleTenantAdmin:
		return a.TenantID == 0 || t.TenantID == a.TenantID
	case models.RolePlatformAdmin:
		return true
	case models.RoleUnknown:
		return false
	}
	return false
}

func (c *Coordinator) tripFor(ctx context.Context, a models.Actor, tripID string) (*models.Trip, error) {
	t, err := c.Trips.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if !party(a, t) {
		return nil, fmt.Errorf("%w: %s is not a party of trip %s", models.ErrNotAuthorized, a, tripID)
	}
	return t, nil
}

// RequestTrip creates the trip and starts dispatch. Running out of drivers is
// not an error: the trip stays REQUESTED and the rider keeps searching.
func (c *Coordinator) RequestTrip(ctx context.Context, a models.Actor, req trip.Request) (*models.Trip, error) {
	if err := requireRole(a, models.RoleRider); err != nil {
		return nil, err
	}
	req.RiderID = a.ID
	if a.TenantID != 0 {
		if req.TenantID != 0 && req.TenantID != a.TenantID {
			return nil, fmt.Errorf("%w: rider of tenant %d cannot request in tenant %d", models.ErrForbidden, a.TenantID, req.TenantID)
		}
		req.TenantID = a.TenantID
	}
	t, err := c.Trips.RequestTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	if _, err := c.Dispatch.Dispatch(ctx, t.ID); err != nil && !dispatch.Stopped(err) {
		c.logger.Warn("initial dispatch failed", "trip_id", t.ID, "error", err)
	}
	return c.Trips.Get(ctx, t.ID)
}

// GetTripStatus is the polled read model. Drivers holding an open offer for
// the trip may read it too.
func (c *Coordinator) GetTripStatus(ctx context.Context, a models.Actor, tripID string) (*models.Trip, error) {
	t, err := c.Trips.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if party(a, t) {
		return t, nil
	}
	if a.Role == models.RoleDriver {
		if o, err := c.Dispatch.PendingFor(ctx, a.ID); err == nil {
			for _, off := range o {
				if off.TripID == tripID {
					return t, nil
				}
			}
		}
	}
	return nil, fmt.Errorf("%w: %s is not a party of trip %s", models.ErrNotAuthorized, a, tripID)
}

func (c *Coordinator) ListRiderTrips(ctx context.Context, a models.Actor, limit int) ([]*models.Trip, error) {
	if err := requireRole(a, models.RoleRider); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return c.Trips.ListForRider(ctx, a.ID, limit)
}

// CancelTrip cancels before pickup and withdraws any open offer.
func (c *Coordinator) CancelTrip(ctx context.Context, a models.Actor, tripID, reason string) (*models.Trip, error) {
	if _, err := c.tripFor(ctx, a, tripID); err != nil {
		return nil, err
	}
	t, err := c.Trips.Cancel(ctx, tripID, a, reason)
	if err != nil {
		return nil, err
	}
	if err := c.Dispatch.Withdraw(ctx, tripID); err != nil {
		c.logger.Warn("withdraw offers failed", "trip_id", tripID, "error", err)
	}
	return t, nil
}

func (c *Coordinator) CompleteTrip(ctx context.Context, a models.Actor, tripID string) (*models.Trip, error) {
	if err := requireRole(a, models.RoleDriver); err != nil {
		return nil, err
	}
	if _, err := c.tripFor(ctx, a, tripID); err != nil {
		return nil, err
	}
	return c.Trips.Complete(ctx, tripID)
}

// Redispatch starts a new dispatch round for a waiting trip.
func (c *Coordinator) Redispatch(ctx context.Context, a models.Actor, tripID string) (*models.Offer, error) {
	if err := requireRole(a, models.RoleTenantAdmin, models.RolePlatformAdmin); err != nil {
		return nil, err
	}
	if _, err := c.tripFor(ctx, a, tripID); err != nil {
		return nil, err
	}
	return c.Dispatch.Redispatch(ctx, tripID)
}

// ListPendingOffers returns the driver's open offers; nothing while OFFLINE.
func (c *Coordinator) ListPendingOffers(ctx context.Context, a models.Actor) ([]*models.Offer, error) {
	if err := requireRole(a, models.RoleDriver); err != nil {
		return nil, err
	}
	sh, err := c.Shifts.CurrentShift(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	if !sh.Online() {
		return []*models.Offer{}, nil
	}
	return c.Dispatch.PendingFor(ctx, a.ID)
}

func (c *Coordinator) RespondOffer(ctx context.Context, a models.Actor, attemptID string, accept bool) (*models.Trip, *models.Offer, error) {
	if err := requireRole(a, models.RoleDriver); err != nil {
		return nil, nil, err
	}
	return c.Dispatch.Respond(ctx, attemptID, a.ID, accept)
}

func (c *Coordinator) GenerateOtp(ctx context.Context, a models.Actor, tripID string) (*models.OtpRecord, error) {
	if err := requireRole(a, models.RoleDriver); err != nil {
		return nil, err
	}
	if _, err := c.tripFor(ctx, a, tripID); err != nil {
		return nil, err
	}
	return c.Otp.GenerateOtp(ctx, tripID)
}

// GetOtp returns the rider's pickup code, or models.ErrNotFound while none has
// been issued.
func (c *Coordinator) GetOtp(ctx context.Context, a models.Actor, tripID string) (*models.OtpRecord, error) {
	if err := requireRole(a, models.RoleRider, models.RoleTenantAdmin, models.RolePlatformAdmin); err != nil {
		return nil, err
	}
	if _, err := c.tripFor(ctx, a, tripID); err != nil {
		return nil, err
	}
	return c.Otp.GetOtp(ctx, tripID)
}

func (c *Coordinator) VerifyOtp(ctx context.Context, a models.Actor, tripID, code string) (*models.Trip, error) {
	if err := requireRole(a, models.RoleDriver); err != nil {
		return nil, err
	}
	if _, err := c.tripFor(ctx, a, tripID); err != nil {
		return nil, err
	}
	return c.Otp.VerifyOtp(ctx, tripID, code)
}

func (c *Coordinator) StartShift(ctx context.Context, a models.Actor, loc models.Coord) (*models.Shift, error) {
	if err := requireRole(a, models.RoleDriver); err != nil {
		return nil, err
	}
	return c.Shifts.GoOnline(ctx, a.ID, loc, a.TenantID)
}

// EndShift closes the shift and hands the driver's open offer to the next
// candidate.
func (c *Coordinator) EndShift(ctx context.Context, a models.Actor) (*models.Shift, error) {
	if err := requireRole(a, models.RoleDriver); err != nil {
		return nil, err
	}
	sh, err := c.Shifts.GoOffline(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	if err := c.Dispatch.ReleaseDriver(ctx, a.ID); err != nil {
		c.logger.Warn("release driver offers failed", "driver_id", a.ID, "error", err)
	}
	return sh, nil
}

func (c *Coordinator) GetCurrentShift(ctx context.Context, a models.Actor) (*models.Shift, error) {
	if err := requireRole(a, models.RoleDriver); err != nil {
		return nil, err
	}
	return c.Shifts.CurrentShift(ctx, a.ID)
}

func (c *Coordinator) UpdateLocation(ctx context.Context, a models.Actor, loc models.Coord) error {
	if err := requireRole(a, models.RoleDriver); err != nil {
		return err
	}
	return c.Shifts.UpdateLocation(ctx, a.ID, loc)
}

// Session adapts the coordinator to one actor's polling session.
type Session struct {
	C     *Coordinator
	Actor models.Actor
}

func (s Session) TripStatus(ctx context.Context, tripID string) (*models.Trip, error) {
	return s.C.GetTripStatus(ctx, s.Actor, tripID)
}

func (s Session) Otp(ctx context.Context, tripID string) (*models.OtpRecord, error) {
	return s.C.GetOtp(ctx, s.Actor, tripID)
}

func (s Session) PendingOffers(ctx context.Context) ([]*models.Offer, error) {
	return s.C.ListPendingOffers(ctx, s.Actor)
}

func (s Session) CurrentShift(ctx context.Context) (*models.Shift, error) {
	return s.C.GetCurrentShift(ctx, s.Actor)
}

// IsAbsent reports whether err only means "nothing there yet".
func IsAbsent(err error) bool { return errors.Is(err, models.ErrNotFound) }
