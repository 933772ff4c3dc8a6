package fare

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
)

// Rate is the tariff for one vehicle category.
type Rate struct {
	Base      float64
	PerKm     float64
	PerMinute float64
	Minimum   float64
}

// DefaultRates are used when no tariff is configured for a city.
var DefaultRates = map[models.VehicleCategory]Rate{
	models.CategoryBike:  {Base: 20, PerKm: 6, PerMinute: 1, Minimum: 30},
	models.CategoryAuto:  {Base: 30, PerKm: 10, PerMinute: 1.5, Minimum: 40},
	models.CategoryCab:   {Base: 50, PerKm: 14, PerMinute: 2, Minimum: 80},
	models.CategoryACCab: {Base: 60, PerKm: 17, PerMinute: 2.5, Minimum: 100},
}

// Estimator is a straight-line fare model. Estimates assume
// DefaultSpeedMps for the duration component.
type Estimator struct {
	Rates           map[models.VehicleCategory]Rate
	DefaultSpeedMps float64
	cache           *Cache
}

func NewEstimator(speedMps float64, cacheTTL time.Duration) *Estimator {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h default city speed
	}
	e := &Estimator{Rates: DefaultRates, DefaultSpeedMps: speedMps}
	if cacheTTL > 0 {
		e.cache = NewCache(cacheTTL)
	}
	return e
}

func (e *Estimator) rate(c models.VehicleCategory) (Rate, error) {
	r, ok := e.Rates[c]
	if !ok {
		return Rate{}, fmt.Errorf("%w: no tariff for category %q", models.ErrValidation, c)
	}
	return r, nil
}

// Estimate quotes a fare before the trip starts.
func (e *Estimator) Estimate(c models.VehicleCategory, from, to models.Coord) (float64, error) {
	r, err := e.rate(c)
	if err != nil {
		return 0, err
	}
	if e.cache != nil {
		if v, ok := e.cache.Get(c, from, to); ok {
			return v, nil
		}
	}
	meters := geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon)
	v := r.price(meters, meters/e.DefaultSpeedMps)
	if e.cache != nil {
		e.cache.Set(c, from, to, v)
	}
	return v, nil
}

// Final prices a completed trip using the measured time between pickup and
// completion, falling back to the speed model when either stamp is missing.
func (e *Estimator) Final(t *models.Trip) (float64, error) {
	r, err := e.rate(t.VehicleCategory)
	if err != nil {
		return 0, err
	}
	meters := geo.Haversine(t.Pickup.Lat, t.Pickup.Lon, t.Drop.Lat, t.Drop.Lon)
	secs := meters / e.DefaultSpeedMps
	if t.PickedUpAt != nil && t.CompletedAt != nil {
		secs = t.CompletedAt.Sub(*t.PickedUpAt).Seconds()
	}
	return r.price(meters, secs), nil
}

func (r Rate) price(meters, secs float64) float64 {
	v := r.Base + r.PerKm*meters/1000 + r.PerMinute*secs/60
	if v < r.Minimum {
		v = r.Minimum
	}
	return math.Round(v*100) / 100
}

// Cache is a tiny in-memory cache for quotes keyed by category and coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(c models.VehicleCategory, a, b models.Coord) string {
	return string(c) + ":" + a.String() + "->" + b.String()
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(cat models.VehicleCategory, a, b models.Coord) (float64, bool) {
	k := keyFor(cat, a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

func (c *Cache) Set(cat models.VehicleCategory, a, b models.Coord, v float64) {
	k := keyFor(cat, a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}
