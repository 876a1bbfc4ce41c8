package geo

import (
	"math"

	"github.com/mmcloughlin/geohash"

	"github.com/example/ride-coordinator/internal/models"
)

// EarthRadiusMeters is the mean Earth radius used for every distance in the app.
const EarthRadiusMeters = 6371000.0

// Haversine distance in meters
func Haversine(a, b models.Position) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	h = math.Min(1, h)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusMeters * c
}

// DistanceKm is Haversine converted to kilometers.
func DistanceKm(a, b models.Position) float64 {
	return Haversine(a, b) / 1000
}

// NearestIndex returns the index of the vertex closest to p, the first one on
// ties, or -1 for an empty polyline. Linear scan.
func NearestIndex(p models.Position, line []models.Position) int {
	best := -1
	bestDist := math.Inf(1)
	for i, v := range line {
		if d := Haversine(p, v); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

// Geohash tags a position for backends that bucket locations by cell.
func Geohash(p models.Position) string {
	return geohash.EncodeWithPrecision(p.Lat, p.Lon, 7)
}

// Valid reports whether p is a usable WGS84 coordinate.
func Valid(p models.Position) bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lon, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}
