package geo

import (
	"math"

	"droneFoodDelivery/models"
)

// EarthRadiusKm is Earth's mean radius in kilometres for Haversine calculation.
const EarthRadiusKm = 6371.0088

// HaversineKm calculates the great-circle distance between two points on Earth in
// kilometres using the Haversine formula.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	const degToRad = math.Pi / 180
	dLat := (lat2 - lat1) * degToRad
	dLng := (lng2 - lng1) * degToRad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*degToRad)*math.Cos(lat2*degToRad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// Distance returns the distance between two points in kilometres.
func Distance(a, b models.GeoPoint) float64 {
	return HaversineKm(a.Lat, a.Lng, b.Lat, b.Lng)
}

// WithinRoundTrip reports whether a drone at from can fly to to and back within rangeKm.
// Missing positions or a non-positive range are treated as unconstrained.
func WithinRoundTrip(from, to *models.GeoPoint, rangeKm float64) bool {
	if from == nil || to == nil || rangeKm <= 0 {
		return true
	}
	return 2*Distance(*from, *to) <= rangeKm
}
