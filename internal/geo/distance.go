// Package geo provides the stateless geo-temporal helpers shared by the
// profile, scoring and detector packages: great-circle distance, time-slot
// classification and time-slot histograms.
package geo

import "math"

// EarthRadiusKm is the mean Earth radius used by DistanceKm.
const EarthRadiusKm = 6371.0

// Point is a latitude/longitude pair in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// DistanceKm returns the haversine great-circle distance between a and b.
func DistanceKm(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180.0
	lon1 := a.Lon * math.Pi / 180.0
	lat2 := b.Lat * math.Pi / 180.0
	lon2 := b.Lon * math.Pi / 180.0

	hSin := math.Sin((lat2 - lat1) / 2)
	hSin *= hSin

	vSin := math.Sin((lon2 - lon1) / 2)
	vSin *= vSin

	h := hSin + math.Cos(lat1)*math.Cos(lat2)*vSin
	// Rounding can push h a hair past 1 for antipodal points.
	if h > 1 {
		h = 1
	}

	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}

// Centroid returns the arithmetic mean of the given points. Callers must pass
// at least one point. Offsets are summed relative to the first point so that
// identical inputs yield that exact point.
func Centroid(points []Point) Point {
	origin := points[0]
	var dLat, dLon float64
	for _, p := range points[1:] {
		dLat += p.Lat - origin.Lat
		dLon += p.Lon - origin.Lon
	}
	n := float64(len(points))
	return Point{Lat: origin.Lat + dLat/n, Lon: origin.Lon + dLon/n}
}
