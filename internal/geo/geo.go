package geo

import (
	"errors"
	"math"
	"math/rand"

	"github.com/dinos3741/parksphere-sub000/internal/models"
)

// ErrInvalidCoordinate is returned for NaN/Inf or out-of-range input.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Validate rejects coordinates that cannot describe a point on Earth.
func Validate(c models.Coord) error {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lon, 0) {
		return ErrInvalidCoordinate
	}
	if c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
		return ErrInvalidCoordinate
	}
	return nil
}

// Haversine distance in meters
func Haversine(a, b models.Coord) float64 {
	const R = 6371000.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return R * c
}

// Distance validates both endpoints before measuring.
func Distance(a, b models.Coord) (float64, error) {
	if err := Validate(a); err != nil {
		return 0, err
	}
	if err := Validate(b); err != nil {
		return 0, err
	}
	return Haversine(a, b), nil
}

// EstimateSeconds is a naive ETA: distance / speed_mps. In prod use a routing engine.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h default city speed
	}
	return Haversine(from, to) / speedMps
}

// Fuzz offsets a coordinate by up to radiusMeters in a random direction, so a
// spot's true location is hidden until its owner accepts a request. One degree
// of latitude is ~111320 m; longitude shrinks with cos(lat).
func Fuzz(c models.Coord, radiusMeters float64) models.Coord {
	if radiusMeters <= 0 {
		return c
	}
	r := radiusMeters * math.Sqrt(rand.Float64())
	theta := rand.Float64() * 2 * math.Pi
	dLat := (r * math.Cos(theta)) / 111320.0
	dLon := (r * math.Sin(theta)) / (111320.0 * math.Cos(c.Lat*math.Pi/180.0))
	return models.Coord{Lat: c.Lat + dLat, Lon: c.Lon + dLon}
}
