package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/trip-dispatch/internal/models"
)

type Type string

const (
	TripRequested Type = "trip.requested"
	TripAssigned  Type = "trip.assigned"
	TripPickedUp  Type = "trip.picked_up"
	TripCompleted Type = "trip.completed"
	TripCancelled Type = "trip.cancelled"

	OfferCreated  Type = "offer.created"
	OfferResolved Type = "offer.resolved"

	ShiftStarted Type = "shift.started"
	ShiftEnded   Type = "shift.ended"
)

// Event is one lifecycle fact. Events for the same trip share a partition key
// so consumers see them in order.
type Event struct {
	ID         string        `json:"event_id"`
	Type       Type          `json:"type"`
	TripID     string        `json:"trip_id,omitempty"`
	DriverID   string        `json:"driver_id,omitempty"`
	OccurredAt time.Time     `json:"occurred_at"`
	Trip       *models.Trip  `json:"trip,omitempty"`
	Offer      *models.Offer `json:"offer,omitempty"`
	Shift      *models.Shift `json:"shift,omitempty"`
}

// Key is the partition key: the trip when there is one, else the driver.
func (e Event) Key() string {
	if e.TripID != "" {
		return e.TripID
	}
	return e.DriverID
}

func ForTrip(typ Type, t *models.Trip, at time.Time) Event {
	ev := Event{ID: uuid.NewString(), Type: typ, TripID: t.ID, OccurredAt: at, Trip: t.Clone()}
	if t.DriverID != nil {
		ev.DriverID = *t.DriverID
	}
	return ev
}

func ForOffer(typ Type, o *models.Offer, at time.Time) Event {
	return Event{ID: uuid.NewString(), Type: typ, TripID: o.TripID, DriverID: o.DriverID, OccurredAt: at, Offer: o.Clone()}
}

func ForShift(typ Type, s *models.Shift, at time.Time) Event {
	return Event{ID: uuid.NewString(), Type: typ, DriverID: s.DriverID, OccurredAt: at, Shift: s.Clone()}
}

// Publisher delivers events. Publishing is best effort: callers log failures
// and never roll back the state change that produced the event.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in publish order.
func (r *Recorder) Types() []Type {
	evs := r.Events()
	out := make([]Type, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}
