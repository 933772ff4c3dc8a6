package models

import "time"

type ShiftStatus string

const (
	ShiftOffline ShiftStatus = "OFFLINE"
	ShiftOnline  ShiftStatus = "ONLINE"
)

// Shift is a driver's current duty session. A driver without any shift
// record is reported as OFFLINE.
type Shift struct {
	ID              string          `json:"shift_id,omitempty"`
	DriverID        string          `json:"driver_id"`
	TenantID        int64           `json:"tenant_id,omitempty"`
	Status          ShiftStatus     `json:"status"`
	VehicleID       string          `json:"vehicle_id,omitempty"`
	VehicleCategory VehicleCategory `json:"vehicle_category,omitempty"`
	LastLocation    *Coord          `json:"last_location,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	EndedAt         *time.Time      `json:"ended_at,omitempty"`
	IdleSince       *time.Time      `json:"idle_since,omitempty"`
}

func (s *Shift) Online() bool { return s != nil && s.Status == ShiftOnline }

// OfflineShift is what callers see for a driver that never started a shift.
func OfflineShift(driverID string) *Shift {
	return &Shift{DriverID: driverID, Status: ShiftOffline}
}

func (s *Shift) Clone() *Shift {
	if s == nil {
		return nil
	}
	c := *s
	if s.LastLocation != nil {
		loc := *s.LastLocation
		c.LastLocation = &loc
	}
	for _, p := range []**time.Time{&c.StartedAt, &c.EndedAt, &c.IdleSince} {
		if *p != nil {
			*p = timePtr(**p)
		}
	}
	return &c
}

// OtpRecord binds the current pickup code to a trip.
type OtpRecord struct {
	TripID     string     `json:"trip_id"`
	Code       string     `json:"otp"`
	IssuedAt   time.Time  `json:"issued_at"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
}

func (r *OtpRecord) Verified() bool { return r != nil && r.VerifiedAt != nil }
