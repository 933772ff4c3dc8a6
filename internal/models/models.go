package models

import (
	"fmt"
	"math"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate is inside WGS84 bounds and is not the
// zero value, which clients send when a location was never picked.
func (c Coord) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) {
		return false
	}
	if c.Lat == 0 && c.Lon == 0 {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

func (c Coord) String() string { return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon) }

// Place is a coordinate plus the human readable address the rider picked.
type Place struct {
	Coord
	Address string `json:"address,omitempty"`
}

// VehicleCategory is the product a rider asks for and a vehicle is registered under.
type VehicleCategory string

const (
	CategoryCab   VehicleCategory = "CAB"
	CategoryACCab VehicleCategory = "AC-CAB"
	CategoryAuto  VehicleCategory = "AUTO"
	CategoryBike  VehicleCategory = "BIKE"
)

func (c VehicleCategory) Valid() bool {
	switch c {
	case CategoryCab, CategoryACCab, CategoryAuto, CategoryBike:
		return true
	}
	return false
}

// Vehicle is what the fleet registry reports for a driver.
type Vehicle struct {
	ID       string          `json:"vehicle_id"`
	Category VehicleCategory `json:"vehicle_category"`
}

// DocumentStatus mirrors the verification service's per-driver summary.
type DocumentStatus struct {
	AllUploaded bool `json:"all_uploaded"`
	AllApproved bool `json:"all_approved"`
}

func timePtr(t time.Time) *time.Time { return &t }

func strPtr(s string) *string { return &s }
