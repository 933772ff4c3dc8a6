// Package view derives what a rider or driver screen shows from server
// records. Nothing here talks to the server or keeps global state.
package view

import (
	"sort"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseSearching      Phase = "searching"
	PhaseDriverAssigned Phase = "driver assigned"
	PhaseOnTrip         Phase = "on trip"
	PhaseCompleted      Phase = "completed"
	PhaseCancelled      Phase = "cancelled"
)

func phaseOf(s models.TripStatus) Phase {
	switch s {
	case models.TripRequested:
		return PhaseSearching
	case models.TripAssigned:
		return PhaseDriverAssigned
	case models.TripPickedUp:
		return PhaseOnTrip
	case models.TripCompleted:
		return PhaseCompleted
	case models.TripCancelled:
		return PhaseCancelled
	}
	return PhaseIdle
}

// RiderView is what the rider sees for their current trip.
type RiderView struct {
	TripID    string   `json:"trip_id,omitempty"`
	Phase     Phase    `json:"phase"`
	CanCancel bool     `json:"can_cancel"`
	DriverID  string   `json:"driver_id,omitempty"`
	Otp       string   `json:"otp,omitempty"`
	Fare      *float64 `json:"fare,omitempty"`
	Final     bool     `json:"fare_final"`
}

// Rider projects a trip and the OTP observed for it. Either may be nil.
func Rider(t *models.Trip, otp *models.OtpRecord) RiderView {
	if t == nil {
		return RiderView{Phase: PhaseIdle}
	}
	v := RiderView{
		TripID:    t.ID,
		Phase:     phaseOf(t.Status),
		CanCancel: t.Status.Cancellable(),
	}
	if t.DriverID != nil {
		v.DriverID = *t.DriverID
	}
	// The code only matters until the driver has checked it.
	if otp != nil && otp.TripID == t.ID && t.Status == models.TripAssigned {
		v.Otp = otp.Code
	}
	switch {
	case t.FareAmount != nil:
		v.Fare, v.Final = t.FareAmount, true
	case t.EstimatedFare != nil:
		v.Fare = t.EstimatedFare
	}
	return v
}

type OfferView struct {
	AttemptID   string `json:"attempt_id"`
	TripID      string `json:"trip_id"`
	SecondsLeft int    `json:"seconds_left"`
}

// DriverView is the driver's console: duty status, open offers and the trip
// being served.
type DriverView struct {
	Online     bool        `json:"online"`
	Offers     []OfferView `json:"offers"`
	ActiveTrip *RiderView  `json:"active_trip,omitempty"`
}

// Driver projects the driver's shift, pending offers and active trip at now.
// Offers past their deadline are dropped. An offline driver shows no offers.
func Driver(sh *models.Shift, offers []*models.Offer, active *models.Trip, now time.Time) DriverView {
	v := DriverView{Online: sh.Online(), Offers: []OfferView{}}
	if active != nil && !active.Status.Terminal() {
		rv := Rider(active, nil)
		v.ActiveTrip = &rv
	}
	if !v.Online {
		return v
	}
	for _, o := range offers {
		if !o.Pending() || o.IsExpired(now) {
			continue
		}
		v.Offers = append(v.Offers, OfferView{
			AttemptID:   o.AttemptID,
			TripID:      o.TripID,
			SecondsLeft: secondsLeft(o.ExpiresAt, now),
		})
	}
	sort.SliceStable(v.Offers, func(i, j int) bool { return v.Offers[i].SecondsLeft < v.Offers[j].SecondsLeft })
	return v
}

func secondsLeft(deadline, now time.Time) int {
	d := deadline.Sub(now)
	if d <= 0 {
		return 0
	}
	// round up so an offer with 300ms left still reads 1s
	return int((d + time.Second - 1) / time.Second)
}
