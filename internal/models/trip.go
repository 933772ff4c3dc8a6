package models

import (
	"fmt"
	"time"
)

type TripStatus string

const (
	TripRequested TripStatus = "REQUESTED"
	TripAssigned  TripStatus = "ASSIGNED"
	TripPickedUp  TripStatus = "PICKED_UP"
	TripCompleted TripStatus = "COMPLETED"
	TripCancelled TripStatus = "CANCELLED"
)

func (s TripStatus) Valid() bool {
	switch s {
	case TripRequested, TripAssigned, TripPickedUp, TripCompleted, TripCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s TripStatus) Terminal() bool { return s == TripCompleted || s == TripCancelled }

// HasDriver reports whether a trip in status s must carry a driver.
func (s TripStatus) HasDriver() bool {
	return s == TripAssigned || s == TripPickedUp || s == TripCompleted
}

// Cancellable reports whether Cancel is allowed from s.
func (s TripStatus) Cancellable() bool { return s == TripRequested || s == TripAssigned }

// Trip is the authoritative record of one ride. It is only mutated by the
// trip state machine and is never deleted.
type Trip struct {
	ID              string          `json:"trip_id"`
	Status          TripStatus      `json:"status"`
	RiderID         string          `json:"rider_id"`
	DriverID        *string         `json:"driver_id"`
	VehicleID       *string         `json:"vehicle_id"`
	VehicleCategory VehicleCategory `json:"vehicle_category"`
	TenantID        int64           `json:"tenant_id,omitempty"`
	CityID          int64           `json:"city_id,omitempty"`
	Pickup          Place           `json:"pickup"`
	Drop            Place           `json:"drop"`
	EstimatedFare   *float64        `json:"estimated_fare,omitempty"`
	FareAmount      *float64        `json:"fare_amount"`
	CancelReason    string          `json:"cancel_reason,omitempty"`
	CancelledBy     string          `json:"cancelled_by,omitempty"`

	RequestedAt time.Time  `json:"requested_at"`
	AssignedAt  *time.Time `json:"assigned_at"`
	PickedUpAt  *time.Time `json:"picked_up_at"`
	CompletedAt *time.Time `json:"completed_at"`
	CancelledAt *time.Time `json:"cancelled_at"`
}

// Clone returns a deep copy so callers never share pointers with a store.
func (t *Trip) Clone() *Trip {
	if t == nil {
		return nil
	}
	c := *t
	if t.DriverID != nil {
		c.DriverID = strPtr(*t.DriverID)
	}
	if t.VehicleID != nil {
		c.VehicleID = strPtr(*t.VehicleID)
	}
	if t.EstimatedFare != nil {
		v := *t.EstimatedFare
		c.EstimatedFare = &v
	}
	if t.FareAmount != nil {
		v := *t.FareAmount
		c.FareAmount = &v
	}
	for _, p := range []**time.Time{&c.AssignedAt, &c.PickedUpAt, &c.CompletedAt, &c.CancelledAt} {
		if *p != nil {
			*p = timePtr(**p)
		}
	}
	return &c
}

// DriverIs reports whether the trip is bound to driverID.
func (t *Trip) DriverIs(driverID string) bool {
	return t.DriverID != nil && *t.DriverID == driverID
}

// CheckInvariants verifies the record-level rules every persisted trip must
// satisfy. Stores call it before writing.
func (t *Trip) CheckInvariants() error {
	if !t.Status.Valid() {
		return fmt.Errorf("trip %s: unknown status %q", t.ID, t.Status)
	}
	if t.Status.HasDriver() != (t.DriverID != nil) {
		return fmt.Errorf("trip %s: driver_id presence does not match status %s", t.ID, t.Status)
	}
	if t.CompletedAt != nil && t.CancelledAt != nil {
		return fmt.Errorf("trip %s: both completed_at and cancelled_at set", t.ID)
	}
	prev := t.RequestedAt
	for _, ts := range []*time.Time{t.AssignedAt, t.PickedUpAt, t.CompletedAt} {
		if ts == nil {
			continue
		}
		if ts.Before(prev) {
			return fmt.Errorf("trip %s: lifecycle timestamps are not monotonic", t.ID)
		}
		prev = *ts
	}
	if t.CancelledAt != nil && t.CancelledAt.Before(prev) {
		return fmt.Errorf("trip %s: cancelled_at precedes earlier transition", t.ID)
	}
	return nil
}
