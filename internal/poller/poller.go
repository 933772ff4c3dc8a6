// Package poller keeps rider and driver views in step with the server by
// polling its read model. There is no push channel.
package poller

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
)

// Source is the server read model as one authenticated caller sees it.
type Source interface {
	TripStatus(ctx context.Context, tripID string) (*models.Trip, error)
	// Otp returns an error wrapping models.ErrNotFound until a code exists.
	Otp(ctx context.Context, tripID string) (*models.OtpRecord, error)
	PendingOffers(ctx context.Context) ([]*models.Offer, error)
	CurrentShift(ctx context.Context) (*models.Shift, error)
}

// Intervals are the poll cadences.
type Intervals struct {
	Status time.Duration
	Otp    time.Duration
	Offers time.Duration
}

var DefaultIntervals = Intervals{
	Status: 3 * time.Second,
	Otp:    2 * time.Second,
	Offers: 5 * time.Second,
}

func (iv Intervals) withDefaults() Intervals {
	if iv.Status <= 0 {
		iv.Status = DefaultIntervals.Status
	}
	if iv.Otp <= 0 {
		iv.Otp = DefaultIntervals.Otp
	}
	if iv.Offers <= 0 {
		iv.Offers = DefaultIntervals.Offers
	}
	return iv
}

// Task is one poll. Returning done stops the loop.
type Task func(ctx context.Context) (done bool, err error)

// Periodic runs task right away and then on every tick until ctx is done or
// the task reports done. Failed polls are logged and retried on the next tick.
func Periodic(ctx context.Context, name string, every time.Duration, logger *slog.Logger, task Task) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		done, err := task(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			observability.PollErrors.WithLabelValues(name).Inc()
			logger.Debug("poll failed", "task", name, "error", err)
		case err == nil && done:
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
