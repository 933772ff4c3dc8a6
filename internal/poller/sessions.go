package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/view"
)

type session struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (s *session) spawn(ctx context.Context, fn func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(ctx)
	}()
}

// Close stops every poll of the session and waits for in-flight ones, so no
// request is issued after it returns.
func (s *session) Close() {
	s.cancel()
	s.wg.Wait()
}

// RiderSession tracks one trip for its rider: status every Status interval
// until the trip ends, and the pickup code every Otp interval while the trip
// is ASSIGNED and no code has been seen.
type RiderSession struct {
	session
	src      Source
	tripID   string
	logger   *slog.Logger
	onChange func(view.RiderView)

	mu   sync.Mutex
	trip *models.Trip
	otp  *models.OtpRecord
	last view.RiderView
}

// StartRider begins polling. onChange, when set, receives each new view.
func StartRider(ctx context.Context, src Source, tripID string, iv Intervals, logger *slog.Logger, onChange func(view.RiderView)) *RiderSession {
	iv = iv.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	s := &RiderSession{src: src, tripID: tripID, logger: logger, onChange: onChange}
	s.cancel = cancel
	s.spawn(ctx, func(ctx context.Context) { Periodic(ctx, "rider_status", iv.Status, logger, s.pollStatus) })
	s.spawn(ctx, func(ctx context.Context) { Periodic(ctx, "rider_otp", iv.Otp, logger, s.pollOtp) })
	return s
}

func (s *RiderSession) pollStatus(ctx context.Context) (bool, error) {
	t, err := s.src.TripStatus(ctx, s.tripID)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	s.trip = t
	s.mu.Unlock()
	s.publish()
	return t.Status.Terminal(), nil
}

func (s *RiderSession) pollOtp(ctx context.Context) (bool, error) {
	s.mu.Lock()
	t, seen := s.trip, s.otp != nil
	s.mu.Unlock()
	switch {
	case seen:
		return true, nil
	case t == nil || t.Status == models.TripRequested:
		return false, nil
	case t.Status != models.TripAssigned:
		return true, nil
	}
	rec, err := s.src.Otp(ctx, s.tripID)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	s.otp = rec
	s.mu.Unlock()
	s.publish()
	return true, nil
}

func (s *RiderSession) publish() {
	s.mu.Lock()
	v := view.Rider(s.trip, s.otp)
	changed := !sameRider(v, s.last)
	s.last = v
	s.mu.Unlock()
	if changed && s.onChange != nil {
		s.onChange(v)
	}
}

// View returns the latest projection.
func (s *RiderSession) View() view.RiderView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return view.Rider(s.trip, s.otp)
}

func sameRider(a, b view.RiderView) bool {
	if a.TripID != b.TripID || a.Phase != b.Phase || a.CanCancel != b.CanCancel ||
		a.DriverID != b.DriverID || a.Otp != b.Otp || a.Final != b.Final {
		return false
	}
	if (a.Fare == nil) != (b.Fare == nil) {
		return false
	}
	return a.Fare == nil || *a.Fare == *b.Fare
}

// DriverSession polls the driver's shift and, while ONLINE, their pending
// offers. A trip handed to Track is refreshed on the same tick until it ends.
type DriverSession struct {
	session
	src      Source
	logger   *slog.Logger
	now      func() time.Time
	onChange func(view.DriverView)

	mu     sync.Mutex
	shift  *models.Shift
	offers []*models.Offer
	active *models.Trip
}

func StartDriver(ctx context.Context, src Source, iv Intervals, logger *slog.Logger, onChange func(view.DriverView)) *DriverSession {
	iv = iv.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	s := &DriverSession{src: src, logger: logger, now: time.Now, onChange: onChange}
	s.cancel = cancel
	s.spawn(ctx, func(ctx context.Context) { Periodic(ctx, "driver_offers", iv.Offers, logger, s.poll) })
	return s
}

// Track makes the session follow the driver's accepted trip.
func (s *DriverSession) Track(t *models.Trip) {
	s.mu.Lock()
	s.active = t
	s.mu.Unlock()
}

func (s *DriverSession) poll(ctx context.Context) (bool, error) {
	sh, err := s.src.CurrentShift(ctx)
	if err != nil {
		return false, err
	}
	var offers []*models.Offer
	if sh.Online() {
		if offers, err = s.src.PendingOffers(ctx); err != nil {
			return false, err
		}
	}
	s.mu.Lock()
	tracked := s.active
	s.mu.Unlock()
	var fresh *models.Trip
	if tracked != nil && !tracked.Status.Terminal() {
		if fresh, err = s.src.TripStatus(ctx, tracked.ID); err != nil {
			return false, err
		}
	}

	s.mu.Lock()
	s.shift, s.offers = sh, offers
	// a Track call during the fetch wins over the refreshed copy
	if fresh != nil && s.active == tracked {
		s.active = fresh
	}
	s.mu.Unlock()
	if s.onChange != nil {
		s.onChange(s.View())
	}
	return false, nil
}

func (s *DriverSession) View() view.DriverView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return view.Driver(s.shift, s.offers, s.active, s.now())
}
