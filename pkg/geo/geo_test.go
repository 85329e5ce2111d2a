package geo

import (
	"math"
	"testing"

	"github.com/hybridcore/dispatchd/internal/model"
)

func TestHaversineKm_SamePoint(t *testing.T) {
	loc := model.Location{Lat: 28.7041, Lon: 77.1025}
	got := HaversineKm(loc, loc)
	if got != 0 {
		t.Errorf("HaversineKm(same point) = %v, want 0", got)
	}
}

func TestHaversineKm_KnownDistance(t *testing.T) {
	// Connaught Place to IGI Airport (~16.5 km)
	connaught := model.Location{Lat: 28.6315, Lon: 77.2167}
	igi := model.Location{Lat: 28.5562, Lon: 77.0889}
	got := HaversineKm(connaught, igi)
	wantMin, wantMax := 14.0, 20.0
	if got < wantMin || got > wantMax {
		t.Errorf("HaversineKm(Connaught→IGI) = %.2f km, want between %.1f and %.1f", got, wantMin, wantMax)
	}
}

func TestEstimateTimeMinutes(t *testing.T) {
	a := model.Location{Lat: 28.7041, Lon: 77.1025}
	b := model.Location{Lat: 28.5562, Lon: 77.0889}
	got := EstimateTimeMinutes(a, b)
	// ~16 km at 30 km/h ≈ 32 min
	if got < 25 || got > 40 {
		t.Errorf("EstimateTimeMinutes = %.1f, expected ~30-35 min", got)
	}
}

func TestWithinRadiusM(t *testing.T) {
	center := model.Location{Lat: 28.6315, Lon: 77.2167}
	near := model.Location{Lat: 28.6355, Lon: 77.2190} // a few hundred meters
	far := model.Location{Lat: 28.5562, Lon: 77.0889}  // ~16 km

	if !WithinRadiusM(center, near, 5000) {
		t.Errorf("WithinRadiusM: nearby point not within 5 km")
	}
	if WithinRadiusM(center, far, 5000) {
		t.Errorf("WithinRadiusM: 16 km point reported within 5 km")
	}
	if !WithinRadiusM(center, center, 0) {
		t.Errorf("WithinRadiusM: point not within zero radius of itself")
	}
}

func TestValid(t *testing.T) {
	cases := []struct {
		name string
		loc  model.Location
		want bool
	}{
		{"origin", model.Location{Lat: 0, Lon: 0}, true},
		{"delhi", model.Location{Lat: 28.7, Lon: 77.1}, true},
		{"lat too high", model.Location{Lat: 90.01, Lon: 0}, false},
		{"lat too low", model.Location{Lat: -90.01, Lon: 0}, false},
		{"lon too high", model.Location{Lat: 0, Lon: 180.5}, false},
		{"lon too low", model.Location{Lat: 0, Lon: -181}, false},
		{"poles", model.Location{Lat: -90, Lon: 180}, true},
	}
	for _, tc := range cases {
		if got := Valid(tc.loc); got != tc.want {
			t.Errorf("Valid(%s) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestRouteDistanceKm(t *testing.T) {
	route := []model.Location{
		{Lat: 28.7041, Lon: 77.1025},
		{Lat: 28.6500, Lon: 77.1000},
		{Lat: 28.5562, Lon: 77.0889},
	}
	got := RouteDistanceKm(route)
	if got <= 0 {
		t.Errorf("RouteDistanceKm = %v, want positive", got)
	}
}

func TestFindBestInsertionIndex(t *testing.T) {
	// Route: pickup A -> pickup B -> dropoff
	route := []model.Location{
		{Lat: 28.71, Lon: 77.10},
		{Lat: 28.65, Lon: 77.09},
		{Lat: 28.5562, Lon: 77.0889},
	}
	newStop := model.Location{Lat: 28.68, Lon: 77.095} // between A and B

	idx, added := FindBestInsertionIndex(route, newStop)

	if idx < 0 || idx > len(route) {
		t.Errorf("FindBestInsertionIndex: idx = %d, want 0..%d", idx, len(route))
	}
	if added < 0 {
		t.Errorf("FindBestInsertionIndex: added = %v, want >= 0", added)
	}
}

func TestInsertStop(t *testing.T) {
	route := []model.Location{
		{Lat: 1, Lon: 1},
		{Lat: 2, Lon: 2},
	}
	stop := model.Location{Lat: 1.5, Lon: 1.5}
	got := InsertStop(route, 1, stop)
	if len(got) != 3 {
		t.Errorf("InsertStop: len = %d, want 3", len(got))
	}
	if got[1] != stop {
		t.Errorf("InsertStop: inserted at wrong position")
	}
}

func TestHaversineM(t *testing.T) {
	a := model.Location{Lat: 0, Lon: 0}
	b := model.Location{Lat: 0.001, Lon: 0}
	km := HaversineKm(a, b)
	m := HaversineM(a, b)
	if math.Abs(m-km*1000) > 0.01 {
		t.Errorf("HaversineM = %v, want HaversineKm*1000 = %v", m, km*1000)
	}
}

func TestDecodePolyline_KnownVector(t *testing.T) {
	// Reference example from the polyline algorithm documentation.
	encoded := "_p~iF~ps|U_ulLnnqC_mqNvxq`@"
	want := []model.Location{
		{Lat: 38.5, Lon: -120.2},
		{Lat: 40.7, Lon: -120.95},
		{Lat: 43.252, Lon: -126.453},
	}

	got := DecodePolyline(encoded)
	if len(got) != len(want) {
		t.Fatalf("DecodePolyline: %d points, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(got[i].Lat-want[i].Lat) > 1e-5 || math.Abs(got[i].Lon-want[i].Lon) > 1e-5 {
			t.Errorf("DecodePolyline[%d] = (%v, %v), want (%v, %v)",
				i, got[i].Lat, got[i].Lon, want[i].Lat, want[i].Lon)
		}
	}
}

func TestDecodePolyline_Empty(t *testing.T) {
	if got := DecodePolyline(""); got != nil {
		t.Errorf("DecodePolyline(\"\") = %v, want nil", got)
	}
}

func TestDecodePolyline_Truncated(t *testing.T) {
	// Chop the known vector mid-chunk; decoder should keep whole points only.
	encoded := "_p~iF~ps|U_ulL"
	got := DecodePolyline(encoded)
	if len(got) != 1 {
		t.Fatalf("DecodePolyline(truncated): %d points, want 1", len(got))
	}
	if math.Abs(got[0].Lat-38.5) > 1e-5 || math.Abs(got[0].Lon+120.2) > 1e-5 {
		t.Errorf("DecodePolyline(truncated)[0] = (%v, %v), want (38.5, -120.2)", got[0].Lat, got[0].Lon)
	}
}
