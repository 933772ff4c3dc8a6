package shift

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/trip-dispatch/internal/docs"
	"github.com/example/trip-dispatch/internal/fleet"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/storage"
)

type fakeGeo struct{ hits []geo.Hit }

func (f *fakeGeo) Upsert(ctx context.Context, driverID string, loc models.Coord) error {
	f.hits = append(f.hits, geo.Hit{DriverID: driverID, Loc: loc})
	return nil
}

func (f *fakeGeo) Remove(ctx context.Context, driverID string) error {
	out := f.hits[:0]
	for _, h := range f.hits {
		if h.DriverID != driverID {
			out = append(out, h)
		}
	}
	f.hits = out
	return nil
}

func (f *fakeGeo) Nearby(ctx context.Context, at models.Coord, radiusM float64, limit int) ([]geo.Hit, error) {
	return f.hits, nil
}

var pickup = models.Coord{Lat: 12.9716, Lon: 77.5946}

func newService(store *storage.MemoryStore, g geo.Geo, approved ...string) *Service {
	ok := map[string]bool{}
	for _, id := range approved {
		ok[id] = true
	}
	return &Service{
		Shifts: store,
		Trips:  store,
		Offers: store,
		Geo:    g,
		Docs:   docs.Static{Approved: ok},
		Fleet:  fleet.Static{Fallback: models.CategoryCab},
	}
}

func TestGoOnlineRequiresApprovedDocuments(t *testing.T) {
	store := storage.NewMemoryStore()
	s := newService(store, geo.NewIndex())
	_, err := s.GoOnline(context.Background(), "d1", pickup, 0)
	if !errors.Is(err, models.ErrNotVerified) {
		t.Fatalf("expected ErrNotVerified, got %v", err)
	}
	sh, _ := s.CurrentShift(context.Background(), "d1")
	if sh.Status != models.ShiftOffline {
		t.Fatalf("shift should stay offline, got %s", sh.Status)
	}
}

func TestGoOnlineOpensShift(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	g := geo.NewIndex()
	s := newService(store, g, "d1")

	sh, err := s.GoOnline(ctx, "d1", pickup, 7)
	if err != nil {
		t.Fatal(err)
	}
	if !sh.Online() || sh.StartedAt == nil || sh.IdleSince == nil || sh.VehicleID != "veh-d1" || sh.TenantID != 7 {
		t.Fatalf("unexpected shift %+v", sh)
	}
	hits, _ := g.Nearby(ctx, pickup, 100, 10)
	if len(hits) != 1 || hits[0].DriverID != "d1" {
		t.Fatalf("driver not indexed: %+v", hits)
	}

	again, err := s.GoOnline(ctx, "d1", models.Coord{Lat: 12.98, Lon: 77.6}, 7)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != sh.ID || again.LastLocation.Lat != 12.98 {
		t.Fatalf("second GoOnline should keep the shift and refresh location: %+v", again)
	}
}

func TestCurrentShiftAbsentIsOffline(t *testing.T) {
	s := newService(storage.NewMemoryStore(), nil)
	sh, err := s.CurrentShift(context.Background(), "ghost")
	if err != nil {
		t.Fatal(err)
	}
	if sh.Status != models.ShiftOffline || sh.DriverID != "ghost" {
		t.Fatalf("unexpected shift %+v", sh)
	}
}

func TestGoOfflineBlockedByActiveTrip(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	g := geo.NewIndex()
	s := newService(store, g, "d1")
	_, _ = s.GoOnline(ctx, "d1", pickup, 0)

	d := "d1"
	now := time.Now()
	_ = store.CreateTrip(ctx, &models.Trip{
		ID: "t1", Status: models.TripAssigned, RiderID: "r1", DriverID: &d, VehicleCategory: models.CategoryCab,
		RequestedAt: now, AssignedAt: &now,
	})
	if _, err := s.GoOffline(ctx, "d1"); !errors.Is(err, models.ErrActiveTripConflict) {
		t.Fatalf("expected ErrActiveTripConflict, got %v", err)
	}

	tr, _ := store.GetTrip(ctx, "t1")
	tr.Status = models.TripCancelled
	tr.DriverID = nil
	tr.CancelledAt = &now
	_ = store.UpdateTrip(ctx, tr, models.TripAssigned)

	sh, err := s.GoOffline(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if sh.Online() || sh.EndedAt == nil {
		t.Fatalf("unexpected shift %+v", sh)
	}
	if hits, _ := g.Nearby(ctx, pickup, 0, 0); len(hits) != 0 {
		t.Fatalf("offline driver still indexed")
	}
	if _, err := s.GoOffline(ctx, "d1"); err != nil {
		t.Fatalf("repeat GoOffline: %v", err)
	}
}

func TestUpdateLocationDroppedWhenOffline(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	g := geo.NewIndex()
	s := newService(store, g, "d1")

	if err := s.UpdateLocation(ctx, "d1", pickup); err != nil {
		t.Fatalf("expected silent drop, got %v", err)
	}
	if _, err := store.GetShift(ctx, "d1"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("offline ping must not create a shift")
	}
	if hits, _ := g.Nearby(ctx, pickup, 0, 0); len(hits) != 0 {
		t.Fatalf("offline ping must not index the driver")
	}

	_, _ = s.GoOnline(ctx, "d1", pickup, 0)
	moved := models.Coord{Lat: 12.99, Lon: 77.61}
	if err := s.UpdateLocation(ctx, "d1", moved); err != nil {
		t.Fatal(err)
	}
	sh, _ := s.CurrentShift(ctx, "d1")
	if *sh.LastLocation != moved {
		t.Fatalf("location not stored: %+v", sh.LastLocation)
	}
	if err := s.UpdateLocation(ctx, "d1", models.Coord{}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func online(ctx context.Context, t *testing.T, store *storage.MemoryStore, id string, cat models.VehicleCategory, idle time.Time) {
	t.Helper()
	loc := pickup
	err := store.SaveShift(ctx, &models.Shift{
		ID: "s-" + id, DriverID: id, Status: models.ShiftOnline, VehicleID: "v-" + id,
		VehicleCategory: cat, LastLocation: &loc, StartedAt: &idle, IdleSince: &idle,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestChooseLongestIdleIfDistanceEqual(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	base := time.Now()
	online(ctx, t, store, "A", models.CategoryCab, base)
	online(ctx, t, store, "B", models.CategoryCab, base.Add(-time.Hour))
	g := &fakeGeo{hits: []geo.Hit{
		{DriverID: "A", DistanceM: 40},
		{DriverID: "B", DistanceM: 60},
	}}
	s := newService(store, g, "A", "B")

	tr := &models.Trip{ID: "t1", VehicleCategory: models.CategoryCab, Pickup: models.Place{Coord: pickup}}
	cands, err := s.Candidates(ctx, tr, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 2 || cands[0].DriverID != "B" {
		t.Fatalf("expected B first, got %+v", cands)
	}
}

func TestCandidatesNearestFirst(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	base := time.Now()
	online(ctx, t, store, "near", models.CategoryCab, base)
	online(ctx, t, store, "far", models.CategoryCab, base.Add(-time.Hour))
	g := &fakeGeo{hits: []geo.Hit{
		{DriverID: "far", DistanceM: 2500},
		{DriverID: "near", DistanceM: 300},
	}}
	s := newService(store, g, "near", "far")

	cands, _ := s.Candidates(ctx, &models.Trip{ID: "t1", VehicleCategory: models.CategoryCab}, nil)
	if len(cands) != 2 || cands[0].DriverID != "near" || cands[0].VehicleID != "v-near" {
		t.Fatalf("unexpected order %+v", cands)
	}
}

func TestCandidatesEligibility(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	now := time.Now()
	for _, id := range []string{"ok", "excluded", "busy", "offered", "unapproved"} {
		online(ctx, t, store, id, models.CategoryCab, now)
	}
	online(ctx, t, store, "bike", models.CategoryBike, now)
	_ = store.SaveShift(ctx, &models.Shift{DriverID: "offline", Status: models.ShiftOffline, VehicleCategory: models.CategoryCab})

	busy := "busy"
	_ = store.CreateTrip(ctx, &models.Trip{ID: "other", Status: models.TripPickedUp, RiderID: "r9", DriverID: &busy,
		VehicleCategory: models.CategoryCab, RequestedAt: now, AssignedAt: &now, PickedUpAt: &now})
	_ = store.CreateOffer(ctx, &models.Offer{AttemptID: "a1", TripID: "t-other", DriverID: "offered",
		Response: models.OfferPending, CreatedAt: now, ExpiresAt: now.Add(time.Minute)})

	hits := []geo.Hit{}
	for _, id := range []string{"ok", "excluded", "busy", "offered", "unapproved", "bike", "offline", "ghost"} {
		hits = append(hits, geo.Hit{DriverID: id, DistanceM: 10})
	}
	s := newService(store, &fakeGeo{hits: hits}, "ok", "excluded", "busy", "offered", "bike", "offline", "ghost")

	tr := &models.Trip{ID: "t1", VehicleCategory: models.CategoryCab}
	cands, err := s.Candidates(ctx, tr, map[string]bool{"excluded": true})
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 1 || cands[0].DriverID != "ok" {
		t.Fatalf("expected only ok, got %+v", cands)
	}
}

func TestCandidatesSkipIneligibleNearestDriver(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	g := geo.NewIndex()
	s := &Service{
		Shifts: store,
		Trips:  store,
		Offers: store,
		Geo:    g,
		Docs:   docs.Static{ApproveAll: true},
		Fleet: fleet.Static{Vehicles: map[string]models.Vehicle{
			"bike-near": {ID: "v-bike", Category: models.CategoryBike},
			"cab-far":   {ID: "v-cab", Category: models.CategoryCab},
		}},
		RadiusM: 3000,
		TopN:    1,
	}
	if _, err := s.GoOnline(ctx, "bike-near", models.Coord{Lat: pickup.Lat + 0.001, Lon: pickup.Lon}, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GoOnline(ctx, "cab-far", models.Coord{Lat: pickup.Lat + 0.01, Lon: pickup.Lon}, 0); err != nil {
		t.Fatal(err)
	}

	tr := &models.Trip{ID: "t1", VehicleCategory: models.CategoryCab, Pickup: models.Place{Coord: pickup}}
	cands, err := s.Candidates(ctx, tr, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 1 || cands[0].DriverID != "cab-far" {
		t.Fatalf("expected cab-far, got %+v", cands)
	}
}

func TestCandidatesCappedAtTopN(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	now := time.Now()
	hits := []geo.Hit{}
	for i, id := range []string{"d1", "d2", "d3"} {
		online(ctx, t, store, id, models.CategoryCab, now)
		hits = append(hits, geo.Hit{DriverID: id, DistanceM: float64(i+1) * 500})
	}
	s := newService(store, &fakeGeo{hits: hits}, "d1", "d2", "d3")
	s.TopN = 2

	cands, _ := s.Candidates(ctx, &models.Trip{ID: "t1", VehicleCategory: models.CategoryCab}, nil)
	if len(cands) != 2 || cands[0].DriverID != "d1" || cands[1].DriverID != "d2" {
		t.Fatalf("unexpected candidates %+v", cands)
	}
}

func TestCandidatesWithoutGeoScansShifts(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	now := time.Now()
	online(ctx, t, store, "d1", models.CategoryCab, now)
	s := newService(store, nil, "d1")
	s.RadiusM = 1000

	cands, _ := s.Candidates(ctx, &models.Trip{ID: "t1", VehicleCategory: models.CategoryCab, Pickup: models.Place{Coord: pickup}}, nil)
	if len(cands) != 1 {
		t.Fatalf("expected d1, got %+v", cands)
	}
	farTrip := &models.Trip{ID: "t2", VehicleCategory: models.CategoryCab, Pickup: models.Place{Coord: models.Coord{Lat: 13.2, Lon: 77.7}}}
	if cands, _ := s.Candidates(ctx, farTrip, nil); len(cands) != 0 {
		t.Fatalf("radius not applied: %+v", cands)
	}
}

func TestMarkIdleResetsClock(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	old := time.Now().Add(-time.Hour)
	online(ctx, t, store, "d1", models.CategoryCab, old)
	s := newService(store, nil, "d1")
	s.MarkIdle(ctx, "d1")
	sh, _ := s.CurrentShift(ctx, "d1")
	if !sh.IdleSince.After(old) {
		t.Fatalf("idle_since not reset: %v", sh.IdleSince)
	}
	s.MarkIdle(ctx, "nobody")
}
