package poller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/view"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

var fast = Intervals{Status: 5 * time.Millisecond, Otp: 5 * time.Millisecond, Offers: 5 * time.Millisecond}

// fakeSource serves scripted trip states and counts every call.
type fakeSource struct {
	mu       sync.Mutex
	statuses []models.TripStatus
	otp      *models.OtpRecord
	shift    *models.Shift
	offers   []*models.Offer
	failing  int

	statusCalls atomic.Int32
	otpCalls    atomic.Int32
	offerCalls  atomic.Int32
	shiftCalls  atomic.Int32
}

func (f *fakeSource) TripStatus(_ context.Context, tripID string) (*models.Trip, error) {
	f.statusCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing > 0 {
		f.failing--
		return nil, errors.New("connection refused")
	}
	st := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	t := &models.Trip{ID: tripID, Status: st}
	if st.HasDriver() {
		d := "d1"
		t.DriverID = &d
	}
	return t, nil
}

func (f *fakeSource) Otp(_ context.Context, tripID string) (*models.OtpRecord, error) {
	f.otpCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.otp == nil {
		return nil, fmt.Errorf("otp for trip %s: %w", tripID, models.ErrNotFound)
	}
	return f.otp, nil
}

func (f *fakeSource) PendingOffers(context.Context) ([]*models.Offer, error) {
	f.offerCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offers, nil
}

func (f *fakeSource) CurrentShift(context.Context) (*models.Shift, error) {
	f.shiftCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shift, nil
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestPeriodicRunsImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ran := make(chan struct{}, 1)
	go Periodic(ctx, "test", time.Hour, discard, func(context.Context) (bool, error) {
		ran <- struct{}{}
		return true, nil
	})
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("first tick did not fire immediately")
	}
}

func TestPeriodicRetriesAfterError(t *testing.T) {
	var calls atomic.Int32
	done := make(chan struct{})
	go func() {
		Periodic(context.Background(), "test", time.Millisecond, discard, func(context.Context) (bool, error) {
			if calls.Add(1) < 3 {
				return true, errors.New("boom")
			}
			return true, nil
		})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not finish")
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestRiderStatusStopsOnTerminal(t *testing.T) {
	src := &fakeSource{statuses: []models.TripStatus{models.TripRequested, models.TripCancelled}}
	var mu sync.Mutex
	var phases []view.Phase
	s := StartRider(context.Background(), src, "t1", fast, discard, func(v view.RiderView) {
		mu.Lock()
		phases = append(phases, v.Phase)
		mu.Unlock()
	})
	defer s.Close()

	eventually(t, func() bool { return s.View().Phase == view.PhaseCancelled })
	n := src.statusCalls.Load()
	time.Sleep(30 * time.Millisecond)
	if got := src.statusCalls.Load(); got != n {
		t.Fatalf("status polled %d more times after terminal state", got-n)
	}
	if src.otpCalls.Load() != 0 {
		t.Fatal("otp polled although the trip was never assigned")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(phases) != 2 || phases[0] != view.PhaseSearching || phases[1] != view.PhaseCancelled {
		t.Fatalf("phases = %v", phases)
	}
}

func TestRiderOtpPollStopsOnceSeen(t *testing.T) {
	src := &fakeSource{statuses: []models.TripStatus{models.TripAssigned}}
	s := StartRider(context.Background(), src, "t1", fast, discard, nil)
	defer s.Close()

	eventually(t, func() bool { return src.otpCalls.Load() >= 2 })
	src.mu.Lock()
	src.otp = &models.OtpRecord{TripID: "t1", Code: "4821"}
	src.mu.Unlock()

	eventually(t, func() bool { return s.View().Otp == "4821" })
	n := src.otpCalls.Load()
	time.Sleep(30 * time.Millisecond)
	if got := src.otpCalls.Load(); got != n {
		t.Fatalf("otp polled %d more times after the code was seen", got-n)
	}
}

func TestRiderSurvivesTransientErrors(t *testing.T) {
	src := &fakeSource{statuses: []models.TripStatus{models.TripRequested}, failing: 2}
	s := StartRider(context.Background(), src, "t1", fast, discard, nil)
	defer s.Close()
	eventually(t, func() bool { return s.View().Phase == view.PhaseSearching })
}

func TestNoCallsAfterClose(t *testing.T) {
	src := &fakeSource{
		statuses: []models.TripStatus{models.TripAssigned},
		shift:    &models.Shift{DriverID: "d1", Status: models.ShiftOnline},
	}
	r := StartRider(context.Background(), src, "t1", fast, discard, nil)
	d := StartDriver(context.Background(), src, fast, discard, nil)
	eventually(t, func() bool { return src.offerCalls.Load() > 0 && src.otpCalls.Load() > 0 })

	r.Close()
	d.Close()
	before := src.statusCalls.Load() + src.otpCalls.Load() + src.offerCalls.Load() + src.shiftCalls.Load()
	time.Sleep(30 * time.Millisecond)
	after := src.statusCalls.Load() + src.otpCalls.Load() + src.offerCalls.Load() + src.shiftCalls.Load()
	if after != before {
		t.Fatalf("%d calls issued after Close", after-before)
	}
}

func TestDriverOffersOnlyWhileOnline(t *testing.T) {
	src := &fakeSource{
		statuses: []models.TripStatus{models.TripPickedUp},
		shift:    models.OfflineShift("d1"),
	}
	d := StartDriver(context.Background(), src, fast, discard, nil)
	defer d.Close()

	eventually(t, func() bool { return src.shiftCalls.Load() >= 3 })
	if src.offerCalls.Load() != 0 {
		t.Fatal("offers polled while offline")
	}

	src.mu.Lock()
	src.shift = &models.Shift{DriverID: "d1", Status: models.ShiftOnline}
	src.offers = []*models.Offer{{AttemptID: "a1", TripID: "t9", Response: models.OfferPending, ExpiresAt: time.Now().Add(time.Minute)}}
	src.mu.Unlock()
	eventually(t, func() bool { return len(d.View().Offers) == 1 })

	d.Track(&models.Trip{ID: "t9", Status: models.TripAssigned})
	eventually(t, func() bool {
		v := d.View()
		return v.ActiveTrip != nil && v.ActiveTrip.Phase == view.PhaseOnTrip
	})
}

// midFetchSource calls during before answering a trip status request.
type midFetchSource struct {
	*fakeSource
	during func()
}

func (m *midFetchSource) TripStatus(ctx context.Context, tripID string) (*models.Trip, error) {
	m.during()
	return m.fakeSource.TripStatus(ctx, tripID)
}

func TestDriverTrackDuringPollIsKept(t *testing.T) {
	src := &midFetchSource{fakeSource: &fakeSource{
		statuses: []models.TripStatus{models.TripAssigned},
		shift:    &models.Shift{DriverID: "d1", Status: models.ShiftOnline},
	}}
	s := &DriverSession{src: src, now: time.Now}
	s.Track(&models.Trip{ID: "old", Status: models.TripAssigned})
	next := &models.Trip{ID: "new", Status: models.TripAssigned}
	src.during = func() { s.Track(next) }

	if _, err := s.poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.mu.Lock()
	got := s.active
	s.mu.Unlock()
	if got != next {
		t.Fatalf("tracked trip overwritten by stale refresh: %+v", got)
	}

	// with no concurrent Track the refresh replaces the tracked copy
	src.during = func() {}
	if _, err := s.poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.mu.Lock()
	got = s.active
	s.mu.Unlock()
	if got == next || got.ID != "new" {
		t.Fatalf("expected refreshed copy of new, got %+v", got)
	}
}
