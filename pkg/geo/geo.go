// Package geo provides the geographic primitives for dispatch.
//
// All distance calculations use the Haversine formula on WGS-84 coordinates;
// HaversineKm is the single distance primitive and everything else in the
// repo derives from it. Travel time is estimated using a constant average
// speed when a routing provider is not configured.
package geo

import (
	"math"

	"github.com/hybridcore/dispatchd/internal/model"
)

// ─── Constants ──────────────────────────────────────────────

const (
	// EarthRadiusKm is the mean radius of Earth in kilometers.
	EarthRadiusKm = 6371.0

	// EarthRadiusM is the mean radius of Earth in meters.
	EarthRadiusM = 6_371_000.0

	// AverageSpeedKmph is the assumed average city driving speed.
	// Used for time estimation when a routing provider is not available.
	AverageSpeedKmph = 30.0

	// polylineScale is the fixed-point scale of encoded polylines.
	polylineScale = 1e5
)

// ─── Distance ───────────────────────────────────────────────

// HaversineKm returns the great-circle distance between two points in kilometers.
//
// Complexity: O(1)
func HaversineKm(a, b model.Location) float64 {
	dLat := degToRad(b.Lat - a.Lat)
	dLon := degToRad(b.Lon - a.Lon)

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)

	h := sinLat*sinLat +
		math.Cos(degToRad(a.Lat))*math.Cos(degToRad(b.Lat))*sinLon*sinLon

	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}

// HaversineM returns the great-circle distance between two points in meters.
func HaversineM(a, b model.Location) float64 {
	return HaversineKm(a, b) * 1000.0
}

// WithinRadiusM reports whether p lies within radiusM meters of center.
func WithinRadiusM(center, p model.Location, radiusM float64) bool {
	return HaversineM(center, p) <= radiusM
}

// Valid reports whether a location holds plausible WGS-84 coordinates.
func Valid(p model.Location) bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

// ─── Route Calculations ─────────────────────────────────────

// RouteDistanceKm returns the total distance of an ordered route in kilometers.
//
// Complexity: O(S) where S = number of stops.
func RouteDistanceKm(route []model.Location) float64 {
	total := 0.0
	for i := 0; i < len(route)-1; i++ {
		total += HaversineKm(route[i], route[i+1])
	}
	return total
}

// RouteTimeMinutes returns the estimated travel time for a route in minutes,
// assuming AverageSpeedKmph.
//
// Complexity: O(S)
func RouteTimeMinutes(route []model.Location) float64 {
	return (RouteDistanceKm(route) / AverageSpeedKmph) * 60.0
}

// EstimateTimeMinutes returns the estimated direct travel time between two
// points in minutes.
//
// Complexity: O(1)
func EstimateTimeMinutes(a, b model.Location) float64 {
	return (HaversineKm(a, b) / AverageSpeedKmph) * 60.0
}

// ─── Route Manipulation ────────────────────────────────────

// InsertStop returns a new route with the given stop inserted at the specified
// index. The original route is NOT modified.
//
// Complexity: O(S)
func InsertStop(route []model.Location, index int, stop model.Location) []model.Location {
	newRoute := make([]model.Location, 0, len(route)+1)
	newRoute = append(newRoute, route[:index]...)
	newRoute = append(newRoute, stop)
	newRoute = append(newRoute, route[index:]...)
	return newRoute
}

// FindBestInsertionIndex finds the index in the route where inserting the
// new stop causes the LEAST increase in total route time.
// Returns (bestIndex, addedTimeMinutes).
//
// Used when slotting a batched pickup into a captain's existing stop list:
// the captain's remaining stops are the route, and the new pickup goes
// wherever it costs the fewest extra minutes.
//
// Complexity: O(S²) with S ≤ 2×MaxBatch stops, so effectively constant.
func FindBestInsertionIndex(route []model.Location, stop model.Location) (int, float64) {
	if len(route) < 2 {
		return 0, 0
	}

	currentTime := RouteTimeMinutes(route)
	bestIdx := 0
	bestAdded := math.MaxFloat64

	for i := 0; i < len(route); i++ {
		candidate := InsertStop(route, i, stop)
		added := RouteTimeMinutes(candidate) - currentTime
		if added < bestAdded {
			bestAdded = added
			bestIdx = i
		}
	}

	return bestIdx, bestAdded
}

// ─── Polylines ──────────────────────────────────────────────

// DecodePolyline decodes a Google-style encoded polyline into locations.
//
// The encoding stores 1e5-scaled lat/lon deltas as 5-bit groups offset by
// 63, least-significant group first, with the low bit carrying the sign.
// A truncated trailing chunk is dropped rather than returned half-decoded.
//
// Complexity: O(len(s))
func DecodePolyline(s string) []model.Location {
	if s == "" {
		return nil
	}

	var points []model.Location
	var lat, lon int64

	i := 0
	for i < len(s) {
		dLat, next, ok := decodeChunk(s, i)
		if !ok {
			break
		}
		dLon, after, ok := decodeChunk(s, next)
		if !ok {
			break
		}
		lat += dLat
		lon += dLon
		i = after

		points = append(points, model.Location{
			Lat: float64(lat) / polylineScale,
			Lon: float64(lon) / polylineScale,
		})
	}

	return points
}

// decodeChunk reads one zig-zag varint starting at index i.
func decodeChunk(s string, i int) (value int64, next int, ok bool) {
	var result int64
	var shift uint

	for {
		if i >= len(s) {
			return 0, i, false
		}
		b := int64(s[i]) - 63
		i++
		result |= (b & 0x1f) << shift
		shift += 5
		if b < 0x20 {
			break
		}
	}

	if result&1 != 0 {
		return ^(result >> 1), i, true
	}
	return result >> 1, i, true
}

// ─── Helpers ────────────────────────────────────────────────

func degToRad(deg float64) float64 {
	return deg * (math.Pi / 180.0)
}
