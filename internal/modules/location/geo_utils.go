// README: Pure geographic helpers: haversine distance and coordinate validation.
package location

import (
	"math"

	"ridepulse/internal/types"
)

// EarthRadiusMeters is the mean Earth radius used by every distance in the system.
const EarthRadiusMeters = 6371000.0

// HaversineMeters returns the great-circle distance in metres between two
// points specified in decimal degrees.
func HaversineMeters(a, b types.Point) float64 {
	dLat := degreesToRadians(b.Lat - a.Lat)
	dLng := degreesToRadians(b.Lng - a.Lng)

	rLat1 := degreesToRadians(a.Lat)
	rLat2 := degreesToRadians(b.Lat)

	s := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(s), math.Sqrt(1-s))

	return EarthRadiusMeters * c
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// ValidCoordinate reports whether lat/lng are finite and inside WGS84 bounds.
func ValidCoordinate(lat, lng float64) bool {
	if !isFinite(lat) || !isFinite(lng) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
