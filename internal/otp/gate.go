package otp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/ratelimit"
	"github.com/example/trip-dispatch/internal/storage"
)

const codeSpace = 10000 // 4 digits

// Trips is the slice of the trip state machine the gate needs.
type Trips interface {
	Get(ctx context.Context, id string) (*models.Trip, error)
	ConfirmPickup(ctx context.Context, tripID string) (*models.Trip, error)
}

// Authorizer answers the trip state machine's pickup check from the OTP store
// alone, so the trip service can be built before the gate.
type Authorizer struct {
	Store storage.OtpStore
}

func (a Authorizer) PickupAuthorized(ctx context.Context, tripID string) (bool, error) {
	rec, err := a.Store.GetOtp(ctx, tripID)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.Verified(), nil
}

// Gate issues and checks the pickup code binding rider and driver.
type Gate struct {
	store   storage.OtpStore
	trips   Trips
	limiter ratelimit.Limiter
	logger  *slog.Logger
	now     func() time.Time
	rand    io.Reader
}

type Option func(*Gate)

func WithClock(now func() time.Time) Option { return func(g *Gate) { g.now = now } }

// WithRand replaces crypto/rand as the code source.
func WithRand(r io.Reader) Option { return func(g *Gate) { g.rand = r } }

func NewGate(store storage.OtpStore, trips Trips, limiter ratelimit.Limiter, logger *slog.Logger, opts ...Option) *Gate {
	g := &Gate{store: store, trips: trips, limiter: limiter, logger: logger, now: time.Now, rand: rand.Reader}
	for _, o := range opts {
		o(g)
	}
	return g
}

// GenerateOtp binds a fresh code to an ASSIGNED trip, replacing any earlier
// one. The new code always differs from the one it replaces.
func (g *Gate) GenerateOtp(ctx context.Context, tripID string) (*models.OtpRecord, error) {
	t, err := g.trips.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if t.Status != models.TripAssigned {
		return nil, fmt.Errorf("%w: otp requires an ASSIGNED trip, %s is %s", models.ErrInvalidTransition, tripID, t.Status)
	}
	prev, err := g.store.GetOtp(ctx, tripID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	code, err := g.newCode()
	for err == nil && prev != nil && code == prev.Code {
		code, err = g.newCode()
	}
	if err != nil {
		return nil, fmt.Errorf("generate otp: %w", err)
	}
	rec := &models.OtpRecord{TripID: tripID, Code: code, IssuedAt: g.now()}
	if err := g.store.PutOtp(ctx, rec); err != nil {
		return nil, err
	}
	g.logger.Info("otp issued", "trip_id", tripID, "replaced", prev != nil)
	return rec, nil
}

func (g *Gate) newCode() (string, error) {
	n, err := rand.Int(g.rand, big.NewInt(codeSpace))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}

// GetOtp returns the current code, or models.ErrNotFound when none was issued.
func (g *Gate) GetOtp(ctx context.Context, tripID string) (*models.OtpRecord, error) {
	return g.store.GetOtp(ctx, tripID)
}

func (g *Gate) PickupAuthorized(ctx context.Context, tripID string) (bool, error) {
	return Authorizer{Store: g.store}.PickupAuthorized(ctx, tripID)
}

// VerifyOtp checks code against the trip's current code and on match moves
// the trip to PICKED_UP. A mismatch returns models.ErrInvalidOtp and leaves
// the trip untouched.
func (g *Gate) VerifyOtp(ctx context.Context, tripID, code string) (*models.Trip, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: otp is required", models.ErrValidation)
	}
	ok, err := g.limiter.Allow(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if !ok {
		observability.OtpVerifications.WithLabelValues("rate_limited").Inc()
		g.logger.Warn("otp verification rate limited", "trip_id", tripID)
		return nil, fmt.Errorf("%w: otp verification for trip %s", models.ErrRateLimited, tripID)
	}

	t, err := g.trips.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	rec, err := g.store.GetOtp(ctx, tripID)
	if errors.Is(err, models.ErrNotFound) {
		observability.OtpVerifications.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: no otp issued for trip %s", models.ErrInvalidOtp, tripID)
	}
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(rec.Code), []byte(code)) != 1 {
		observability.OtpVerifications.WithLabelValues("invalid").Inc()
		g.logger.Info("otp mismatch", "trip_id", tripID)
		return nil, fmt.Errorf("%w: trip %s", models.ErrInvalidOtp, tripID)
	}

	switch {
	case t.Status == models.TripPickedUp && rec.Verified():
		return t, nil
	case t.Status != models.TripAssigned:
		g.forget(ctx, tripID)
		return nil, fmt.Errorf("%w: trip %s is %s", models.ErrInvalidTransition, tripID, t.Status)
	}

	if !rec.Verified() {
		err := g.store.MarkOtpVerified(ctx, tripID, code, g.now())
		if errors.Is(err, storage.ErrStale) {
			// regenerated or verified concurrently
			cur, gerr := g.store.GetOtp(ctx, tripID)
			if gerr != nil || !cur.Verified() || subtle.ConstantTimeCompare([]byte(cur.Code), []byte(code)) != 1 {
				return nil, fmt.Errorf("%w: trip %s", models.ErrInvalidOtp, tripID)
			}
			err = nil
		}
		if err != nil {
			return nil, err
		}
	}
	observability.OtpVerifications.WithLabelValues("ok").Inc()
	picked, err := g.trips.ConfirmPickup(ctx, tripID)
	if err != nil {
		return nil, err
	}
	g.forget(ctx, tripID)
	return picked, nil
}

// forget drops the trip's attempt history once it no longer accepts codes.
func (g *Gate) forget(ctx context.Context, tripID string) {
	if err := g.limiter.Forget(ctx, tripID); err != nil {
		g.logger.Warn("otp limiter forget failed", "trip_id", tripID, "error", err)
	}
}
