package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/trip-dispatch/internal/events"
	"github.com/example/trip-dispatch/internal/keylock"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/shift"
	"github.com/example/trip-dispatch/internal/storage"
)

var (
	// ErrNoCandidates ends a dispatch chain that found nobody eligible. The
	// trip stays REQUESTED.
	ErrNoCandidates = errors.New("dispatch: no eligible driver")

	// ErrAttemptsExhausted ends a dispatch round that used its attempt budget.
	// The trip stays REQUESTED until the next round.
	ErrAttemptsExhausted = errors.New("dispatch: attempt budget exhausted")

	errDriverOffline = errors.New("dispatch: driver went offline")
)

// Stopped reports whether err only means the chain ended without an offer.
func Stopped(err error) bool {
	return errors.Is(err, ErrNoCandidates) || errors.Is(err, ErrAttemptsExhausted)
}

// Trips is the slice of the trip state machine the dispatcher drives.
type Trips interface {
	Get(ctx context.Context, id string) (*models.Trip, error)
	Assign(ctx context.Context, tripID, driverID, vehicleID string) (*models.Trip, error)
	ListRequested(ctx context.Context, limit int) ([]*models.Trip, error)
}

// Drivers is the shift and eligibility gate.
type Drivers interface {
	Candidates(ctx context.Context, t *models.Trip, exclude map[string]bool) ([]shift.Candidate, error)
	CurrentShift(ctx context.Context, driverID string) (*models.Shift, error)
	// LockDriver excludes shift changes for the driver until unlock is called.
	LockDriver(driverID string) (unlock func())
}

type Config struct {
	OfferTTL           time.Duration
	MaxAttempts        int // per round
	SweepInterval      time.Duration
	RedispatchInterval time.Duration // 0 disables periodic re-dispatch
	BatchSize          int
}

func (c Config) withDefaults() Config {
	if c.OfferTTL <= 0 {
		c.OfferTTL = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// Dispatcher issues single-flight, time-boxed offers and walks the candidate
// list on reject or expiry. Locks are always taken trip first, then driver.
// The driver lock is the shift gate's, so an offer is never issued to or
// accepted by a driver whose shift is closing.
type Dispatcher struct {
	offers     storage.OfferStore
	trips      Trips
	drivers    Drivers
	events     events.Publisher
	logger     *slog.Logger
	now        func() time.Time
	cfg        Config

	tripLocks *keylock.Map
}

type Option func(*Dispatcher)

func WithPublisher(p events.Publisher) Option { return func(d *Dispatcher) { d.events = p } }

func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

func New(offers storage.OfferStore, trips Trips, drivers Drivers, logger *slog.Logger, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		offers:    offers,
		trips:     trips,
		drivers:   drivers,
		events:    events.Nop{},
		logger:    logger,
		now:       time.Now,
		cfg:       cfg.withDefaults(),
		tripLocks: keylock.New(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch continues the trip's current round. A trip that already has a
// PENDING offer gets that offer back.
func (d *Dispatcher) Dispatch(ctx context.Context, tripID string) (*models.Offer, error) {
	unlock := d.tripLocks.Lock(tripID)
	defer unlock()
	return d.dispatchLocked(ctx, tripID, false)
}

// Redispatch starts a new round with a fresh attempt budget. Drivers that
// rejected the trip stay excluded.
func (d *Dispatcher) Redispatch(ctx context.Context, tripID string) (*models.Offer, error) {
	unlock := d.tripLocks.Lock(tripID)
	defer unlock()
	return d.dispatchLocked(ctx, tripID, true)
}

func (d *Dispatcher) dispatchLocked(ctx context.Context, tripID string, newRound bool) (*models.Offer, error) {
	t, err := d.trips.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if t.Status != models.TripRequested {
		return nil, fmt.Errorf("%w: trip %s is %s", models.ErrInvalidTransition, tripID, t.Status)
	}
	history, err := d.offers.ListOffersByTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}

	round := 0
	for _, o := range history {
		if o.Pending() {
			return o, nil
		}
		if o.Round > round {
			round = o.Round
		}
	}
	if newRound || round == 0 {
		round++
	}

	exclude := make(map[string]bool)
	attempts := 0
	for _, o := range history {
		if o.Round == round {
			attempts++
			exclude[o.DriverID] = true
		}
		if o.Response == models.OfferRejected {
			exclude[o.DriverID] = true
		}
	}
	if attempts >= d.cfg.MaxAttempts {
		observability.DispatchStops.WithLabelValues("exhausted").Inc()
		d.logger.Info("dispatch round exhausted", "trip_id", tripID, "round", round, "attempts", attempts)
		return nil, ErrAttemptsExhausted
	}

	cands, err := d.drivers.Candidates(ctx, t, exclude)
	if err != nil {
		return nil, err
	}
	for _, c := range cands {
		o, err := d.issue(ctx, t, c, round)
		if errors.Is(err, storage.ErrPendingOffer) || errors.Is(err, errDriverOffline) {
			// the driver was offered another trip or went offline meanwhile
			continue
		}
		if err != nil {
			return nil, err
		}
		return o, nil
	}
	observability.DispatchStops.WithLabelValues("no_candidates").Inc()
	d.logger.Info("no eligible driver", "trip_id", tripID, "round", round)
	return nil, ErrNoCandidates
}

func (d *Dispatcher) issue(ctx context.Context, t *models.Trip, c shift.Candidate, round int) (*models.Offer, error) {
	unlock := d.drivers.LockDriver(c.DriverID)
	defer unlock()

	if online, err := d.driverOnline(ctx, c.DriverID); err != nil {
		return nil, err
	} else if !online {
		return nil, errDriverOffline
	}
	now := d.now()
	o := &models.Offer{
		AttemptID: uuid.NewString(),
		TripID:    t.ID,
		DriverID:  c.DriverID,
		VehicleID: c.VehicleID,
		Round:     round,
		DistanceM: c.DistanceM,
		Response:  models.OfferPending,
		CreatedAt: now,
		ExpiresAt: now.Add(d.cfg.OfferTTL),
	}
	if err := d.offers.CreateOffer(ctx, o); err != nil {
		return nil, err
	}
	observability.OffersIssued.Inc()
	d.logger.Info("offer issued", "trip_id", t.ID, "attempt_id", o.AttemptID, "driver_id", o.DriverID, "round", round, "distance_m", int(c.DistanceM))
	d.publish(ctx, events.ForOffer(events.OfferCreated, o, now))
	return o, nil
}

// Respond records a driver's answer. An accepted offer assigns the trip; a
// rejected one advances to the next candidate. Offers that are no longer
// PENDING (lost race, expired, withdrawn) fail with models.ErrConflict.
func (d *Dispatcher) Respond(ctx context.Context, attemptID, driverID string, accept bool) (*models.Trip, *models.Offer, error) {
	o, err := d.offers.GetOffer(ctx, attemptID)
	if err != nil {
		return nil, nil, err
	}
	if o.DriverID != driverID {
		return nil, nil, fmt.Errorf("%w: offer %s belongs to another driver", models.ErrNotAuthorized, attemptID)
	}

	unlockTrip := d.tripLocks.Lock(o.TripID)
	defer unlockTrip()

	t, o, next, err := d.respondLocked(ctx, attemptID, accept)
	if next {
		d.advance(ctx, o.TripID)
	}
	if err != nil || accept {
		return t, o, err
	}
	t, err = d.trips.Get(ctx, o.TripID)
	return t, o, err
}

// respondLocked applies the response under the trip and driver locks. next
// reports whether the trip should move on to another candidate.
func (d *Dispatcher) respondLocked(ctx context.Context, attemptID string, accept bool) (t *models.Trip, o *models.Offer, next bool, err error) {
	o, err = d.offers.GetOffer(ctx, attemptID)
	if err != nil {
		return nil, nil, false, err
	}
	unlockDriver := d.drivers.LockDriver(o.DriverID)
	defer unlockDriver()

	now := d.now()
	if !o.Pending() {
		if (accept && o.Response == models.OfferAccepted) || (!accept && o.Response == models.OfferRejected) {
			t, err = d.trips.Get(ctx, o.TripID)
			return t, o, false, err
		}
		return nil, o, false, fmt.Errorf("%w: offer %s is %s", models.ErrConflict, attemptID, o.Response)
	}
	if o.IsExpired(now) {
		if err := d.resolve(ctx, o, models.OfferExpired, o.ExpiresAt); err != nil {
			return nil, o, false, err
		}
		return nil, o, true, fmt.Errorf("%w: offer %s expired", models.ErrConflict, attemptID)
	}

	if !accept {
		if err := d.resolve(ctx, o, models.OfferRejected, now); err != nil {
			return nil, o, false, err
		}
		return nil, o, true, nil
	}

	online, err := d.driverOnline(ctx, o.DriverID)
	if err != nil {
		return nil, o, false, err
	}
	if !online {
		if err := d.resolve(ctx, o, models.OfferExpired, now); err != nil {
			return nil, o, false, err
		}
		return nil, o, true, fmt.Errorf("%w: driver %s is offline", models.ErrConflict, o.DriverID)
	}

	history, err := d.offers.ListOffersByTrip(ctx, o.TripID)
	if err != nil {
		return nil, o, false, err
	}
	for _, other := range history {
		if other.Response == models.OfferAccepted {
			_ = d.resolve(ctx, o, models.OfferExpired, now)
			return nil, o, false, fmt.Errorf("%w: trip %s already accepted", models.ErrConflict, o.TripID)
		}
	}

	t, err = d.trips.Assign(ctx, o.TripID, o.DriverID, o.VehicleID)
	if errors.Is(err, models.ErrInvalidTransition) {
		// cancelled or assigned elsewhere while the offer was open
		_ = d.resolve(ctx, o, models.OfferExpired, now)
		return nil, o, false, fmt.Errorf("%w: %v", models.ErrConflict, err)
	}
	if err != nil {
		return nil, o, false, err
	}
	if err := d.resolve(ctx, o, models.OfferAccepted, now); err != nil {
		d.logger.Error("accepted offer could not be resolved", "attempt_id", o.AttemptID, "trip_id", o.TripID, "error", err)
	}
	for _, other := range history {
		if other.AttemptID != o.AttemptID && other.Pending() {
			_ = d.resolve(ctx, other, models.OfferExpired, now)
		}
	}
	observability.MatchLatency.Observe(now.Sub(t.RequestedAt).Seconds())
	return t, o, false, nil
}

func (d *Dispatcher) driverOnline(ctx context.Context, driverID string) (bool, error) {
	sh, err := d.drivers.CurrentShift(ctx, driverID)
	if err != nil {
		return false, err
	}
	return sh.Online(), nil
}

// resolve moves a PENDING offer to its final response and updates o in place.
func (d *Dispatcher) resolve(ctx context.Context, o *models.Offer, to models.OfferResponse, at time.Time) error {
	if err := d.offers.ResolveOffer(ctx, o.AttemptID, to, at); err != nil {
		if errors.Is(err, storage.ErrStale) {
			return fmt.Errorf("%w: offer %s already resolved", models.ErrConflict, o.AttemptID)
		}
		return err
	}
	o.Response = to
	o.RespondedAt = &at
	observability.OffersResolved.WithLabelValues(string(to)).Inc()
	d.logger.Info("offer resolved", "attempt_id", o.AttemptID, "trip_id", o.TripID, "driver_id", o.DriverID, "response", to)
	d.publish(ctx, events.ForOffer(events.OfferResolved, o, at))
	return nil
}

// advance offers the trip to the next candidate. Caller holds the trip lock.
func (d *Dispatcher) advance(ctx context.Context, tripID string) {
	_, err := d.dispatchLocked(ctx, tripID, false)
	if err != nil && !Stopped(err) && !errors.Is(err, models.ErrInvalidTransition) {
		d.logger.Warn("advance dispatch failed", "trip_id", tripID, "error", err)
	}
}

// PendingFor lists a driver's open offers. Offers past their TTL are hidden
// even if the sweeper has not resolved them yet.
func (d *Dispatcher) PendingFor(ctx context.Context, driverID string) ([]*models.Offer, error) {
	all, err := d.offers.PendingOffersForDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	now := d.now()
	out := make([]*models.Offer, 0, len(all))
	for _, o := range all {
		if !o.IsExpired(now) {
			out = append(out, o)
		}
	}
	return out, nil
}

// ExpireDue resolves every PENDING offer past its TTL and advances each
// affected trip. It returns how many offers it expired.
func (d *Dispatcher) ExpireDue(ctx context.Context) (int, error) {
	due, err := d.offers.DuePendingOffers(ctx, d.now(), d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range due {
		if d.expire(ctx, o.TripID, o.AttemptID) {
			n++
		}
	}
	return n, nil
}

func (d *Dispatcher) expire(ctx context.Context, tripID, attemptID string) bool {
	unlock := d.tripLocks.Lock(tripID)
	defer unlock()

	o, err := d.offers.GetOffer(ctx, attemptID)
	if err != nil || !o.IsExpired(d.now()) {
		return false
	}
	if err := d.resolve(ctx, o, models.OfferExpired, o.ExpiresAt); err != nil {
		return false
	}
	d.advance(ctx, tripID)
	return true
}

// Withdraw expires the trip's open offers without advancing. Used on cancel.
func (d *Dispatcher) Withdraw(ctx context.Context, tripID string) error {
	unlock := d.tripLocks.Lock(tripID)
	defer unlock()

	history, err := d.offers.ListOffersByTrip(ctx, tripID)
	if err != nil {
		return err
	}
	now := d.now()
	for _, o := range history {
		if o.Pending() {
			if err := d.resolve(ctx, o, models.OfferExpired, now); err != nil && !errors.Is(err, models.ErrConflict) {
				return err
			}
		}
	}
	return nil
}

// ReleaseDriver expires the driver's open offers and moves each trip on. Used
// when a driver goes offline.
func (d *Dispatcher) ReleaseDriver(ctx context.Context, driverID string) error {
	pending, err := d.offers.PendingOffersForDriver(ctx, driverID)
	if err != nil {
		return err
	}
	for _, o := range pending {
		d.release(ctx, o)
	}
	return nil
}

func (d *Dispatcher) release(ctx context.Context, o *models.Offer) {
	unlock := d.tripLocks.Lock(o.TripID)
	defer unlock()
	cur, err := d.offers.GetOffer(ctx, o.AttemptID)
	if err != nil || !cur.Pending() {
		return
	}
	if err := d.resolve(ctx, cur, models.OfferExpired, d.now()); err != nil {
		return
	}
	d.advance(ctx, o.TripID)
}

// RedispatchWaiting starts a new round for REQUESTED trips that have no open
// offer. It is the periodic re-dispatch policy.
func (d *Dispatcher) RedispatchWaiting(ctx context.Context) (int, error) {
	trips, err := d.trips.ListRequested(ctx, d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range trips {
		if _, err := d.offers.PendingOfferForTrip(ctx, t.ID); err == nil {
			continue
		}
		o, err := d.Redispatch(ctx, t.ID)
		switch {
		case err == nil && o != nil:
			n++
		case err != nil && !Stopped(err) && !errors.Is(err, models.ErrInvalidTransition):
			d.logger.Warn("redispatch failed", "trip_id", t.ID, "error", err)
		}
	}
	return n, nil
}

func (d *Dispatcher) publish(ctx context.Context, ev events.Event) {
	if err := d.events.Publish(ctx, ev); err != nil {
		d.logger.Warn("publish event failed", "type", ev.Type, "trip_id", ev.TripID, "error", err)
	}
}
