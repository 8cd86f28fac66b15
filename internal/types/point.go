// README: Geographic point value object with coordinate validation.
package types

import (
	"errors"
	"fmt"
	"math"
)

var ErrInvalidPoint = errors.New("invalid coordinates")

// Point is a WGS84 coordinate. Stores persist it as (lng, lat).
type Point struct {
	Lat float64 `json:"latitude"`
	Lng float64 `json:"longitude"`
}

func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) {
		return ErrInvalidPoint
	}
	if p.Lng < -180 || p.Lng > 180 || p.Lat < -90 || p.Lat > 90 {
		return ErrInvalidPoint
	}
	return nil
}

// IsZero reports whether the point was never set.
func (p Point) IsZero() bool {
	return p.Lat == 0 && p.Lng == 0
}

// LatLng formats the point the way Google APIs expect ("lat,lng").
func (p Point) LatLng() string {
	return fmt.Sprintf("%f,%f", p.Lat, p.Lng)
}

// CacheKey rounds to 4 decimals (~11 m) so nearby lookups share cache entries.
func (p Point) CacheKey() string {
	return fmt.Sprintf("%.4f,%.4f", p.Lat, p.Lng)
}

const earthRadiusKm = 6371.0

// DistanceKm returns the haversine great-circle distance between two points.
func DistanceKm(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180.0
	lat2 := b.Lat * math.Pi / 180.0
	dlat := (b.Lat - a.Lat) * math.Pi / 180.0
	dlng := (b.Lng - a.Lng) * math.Pi / 180.0
	h := math.Sin(dlat/2)*math.Sin(dlat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dlng/2)*math.Sin(dlng/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}
