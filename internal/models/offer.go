package models

import "time"

type OfferResponse string

const (
	OfferPending  OfferResponse = "PENDING"
	OfferAccepted OfferResponse = "ACCEPTED"
	OfferRejected OfferResponse = "REJECTED"
	OfferExpired  OfferResponse = "EXPIRED"
)

// Offer is one time-boxed proposal of a trip to one driver (an "attempt").
type Offer struct {
	AttemptID   string        `json:"attempt_id"`
	TripID      string        `json:"trip_id"`
	DriverID    string        `json:"driver_id"`
	VehicleID   string        `json:"vehicle_id,omitempty"`
	Round       int           `json:"round"`
	DistanceM   float64       `json:"distance_m"`
	Response    OfferResponse `json:"response"`
	CreatedAt   time.Time     `json:"created_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
	RespondedAt *time.Time    `json:"responded_at,omitempty"`
}

func (o *Offer) Pending() bool { return o.Response == OfferPending }

// IsExpired reports whether a still-pending offer is past its TTL at now.
func (o *Offer) IsExpired(now time.Time) bool {
	return o.Response == OfferPending && !now.Before(o.ExpiresAt)
}

func (o *Offer) Clone() *Offer {
	if o == nil {
		return nil
	}
	c := *o
	if o.RespondedAt != nil {
		c.RespondedAt = timePtr(*o.RespondedAt)
	}
	return &c
}
