package geo

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

// Hit is one driver returned by a proximity query.
type Hit struct {
	DriverID  string
	Loc       models.Coord
	DistanceM float64
}

// Geo is the proximity index the shift gate keeps in sync with ONLINE drivers.
type Geo interface {
	Upsert(ctx context.Context, driverID string, loc models.Coord) error
	Remove(ctx context.Context, driverID string) error
	// Nearby returns up to limit drivers within radiusM of at, nearest first.
	// radiusM <= 0 means no radius bound.
	Nearby(ctx context.Context, at models.Coord, radiusM float64, limit int) ([]Hit, error)
}

type entry struct {
	loc     models.Coord
	updated time.Time
}

type Index struct {
	mu      sync.RWMutex
	drivers map[string]entry
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]entry)}
}

func (g *Index) Upsert(_ context.Context, driverID string, loc models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[driverID] = entry{loc: loc, updated: time.Now()}
	return nil
}

func (g *Index) Remove(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, driverID)
	return nil
}

// naive scan; in prod use geo-hash or H3
func (g *Index) Nearby(_ context.Context, at models.Coord, radiusM float64, limit int) ([]Hit, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	arr := make([]Hit, 0, len(g.drivers))
	for id, e := range g.drivers {
		dist := Haversine(at.Lat, at.Lon, e.loc.Lat, e.loc.Lon)
		if radiusM > 0 && dist > radiusM {
			continue
		}
		arr = append(arr, Hit{DriverID: id, Loc: e.loc, DistanceM: dist})
	}
	// partial selection sort for top-N
	n := limit
	if n <= 0 || n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].DistanceM < arr[minIdx].DistanceM {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	return arr[:n], nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Distance is Haversine over two coordinates.
func Distance(a, b models.Coord) float64 { return Haversine(a.Lat, a.Lon, b.Lat, b.Lon) }
