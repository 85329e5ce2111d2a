package service

import (
	"testing"

	"github.com/hybridcore/dispatchd/internal/model"
)

func TestMultiplier_QuietZone(t *testing.T) {
	if m := Multiplier(0, 0, 1.0); m != 1.0 {
		t.Errorf("Multiplier(0,0,1.0) = %f, want 1.0", m)
	}
}

func TestMultiplier_DemandTermSaturates(t *testing.T) {
	// ratio 10 × 0.35 = 3.5 caps at 1.2.
	if m := Multiplier(10, 0, 1.0); m != 2.2 {
		t.Errorf("Multiplier(10,0,1.0) = %f, want 2.2", m)
	}
}

func TestMultiplier_Ceiling(t *testing.T) {
	if m := Multiplier(10, peakHourFactor, 2.0); m != SurgeCeiling {
		t.Errorf("Multiplier(10,0.2,2.0) = %f, want %f", m, SurgeCeiling)
	}
}

func TestMultiplier_WeatherBelowOneIgnored(t *testing.T) {
	// weather < 1 must never pull the multiplier under the floor.
	if m := Multiplier(0, 0, 0.5); m != SurgeFloor {
		t.Errorf("Multiplier(0,0,0.5) = %f, want %f", m, SurgeFloor)
	}
}

func TestTimeFactor(t *testing.T) {
	cases := []struct {
		hour int
		want float64
	}{
		{8, peakHourFactor},   // morning peak
		{13, peakHourFactor},  // lunch peak
		{20, peakHourFactor},  // evening peak
		{23, nightHourFactor}, // late night
		{2, nightHourFactor},
		{16, 0}, // mid-afternoon lull
		{11, 0},
	}
	for _, c := range cases {
		if got := timeFactor(c.hour); got != c.want {
			t.Errorf("timeFactor(%d) = %f, want %f", c.hour, got, c.want)
		}
	}
}

func TestDemandSupplyRatio(t *testing.T) {
	if r := demandSupplyRatio(6, 3); r != 2.0 {
		t.Errorf("ratio(6,3) = %f, want 2.0", r)
	}
	if r := demandSupplyRatio(4, 0); r != 4.0 {
		t.Errorf("starved ratio(4,0) = %f, want 4.0", r)
	}
	if r := demandSupplyRatio(0, 0); r != 0 {
		t.Errorf("ratio(0,0) = %f, want 0", r)
	}
}

func TestZoneKey_SnapsToGrid(t *testing.T) {
	a := ZoneKey(model.Location{Lat: 12.9716, Lon: 77.5946})
	if a != "12.95:77.55" {
		t.Errorf("ZoneKey = %q, want 12.95:77.55", a)
	}

	// Same cell, different point.
	b := ZoneKey(model.Location{Lat: 12.9999, Lon: 77.5999})
	if b != a {
		t.Errorf("points in one cell map to %q and %q", a, b)
	}

	// Next cell over.
	c := ZoneKey(model.Location{Lat: 13.0001, Lon: 77.5946})
	if c == a {
		t.Errorf("adjacent cell collided with %q", a)
	}
}

func TestZoneKey_NegativeCoordinates(t *testing.T) {
	if z := ZoneKey(model.Location{Lat: -1.29, Lon: 36.82}); z != "-1.30:36.80" {
		t.Errorf("ZoneKey(-1.29,36.82) = %q, want -1.30:36.80", z)
	}
}

func TestApplySurge(t *testing.T) {
	if got := ApplySurge(1000, 1.5); got != 1500 {
		t.Errorf("ApplySurge(1000,1.5) = %d, want 1500", got)
	}
	if got := ApplySurge(999, 1.15); got != 1149 {
		t.Errorf("ApplySurge(999,1.15) = %d, want 1149", got)
	}
	if got := ApplySurge(5000, 1.0); got != 5000 {
		t.Errorf("ApplySurge(5000,1.0) = %d, want 5000", got)
	}
}
