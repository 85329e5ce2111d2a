package service

import (
	"testing"

	"github.com/hybridcore/dispatchd/internal/model"
)

func TestFare_PerVehicleRates(t *testing.T) {
	cases := []struct {
		vehicle  model.VehicleType
		km       float64
		subtotal int64
	}{
		// CAR and SUV price above the floor.
		{model.VehicleCar, 2.3, 3000 + 1800*3},
		{model.VehicleSUV, 1.0, 3000 + 2500*1},
		// BIKE and AUTO rates sit under the default, so the floor holds.
		{model.VehicleBike, 3.0, 3000 + 1500*3},
		{model.VehicleAuto, 5.0, 3000 + 1500*5},
	}
	for _, c := range cases {
		est := Fare(c.km, c.vehicle, 1.0)
		if est.Subtotal != c.subtotal {
			t.Errorf("Fare(%.1f, %s) subtotal = %d, want %d", c.km, c.vehicle, est.Subtotal, c.subtotal)
		}
		if est.FareTotal != c.subtotal {
			t.Errorf("Fare(%.1f, %s) total = %d, want %d at surge 1.0", c.km, c.vehicle, est.FareTotal, c.subtotal)
		}
	}
}

func TestFare_MinimumOneKm(t *testing.T) {
	est := Fare(0.2, model.VehicleCar, 1.0)
	if est.BilledKm != 1 {
		t.Errorf("BilledKm = %d, want 1", est.BilledKm)
	}
	if est.Subtotal != 3000+1800 {
		t.Errorf("Subtotal = %d, want %d", est.Subtotal, 3000+1800)
	}
}

func TestFare_UnknownVehicleUsesFallbackRate(t *testing.T) {
	est := Fare(4.0, model.VehicleType("RICKSHAW"), 1.0)
	if est.Subtotal != 3000+1500*4 {
		t.Errorf("Subtotal = %d, want %d", est.Subtotal, 3000+1500*4)
	}
}

func TestFare_SurgeApplied(t *testing.T) {
	est := Fare(3.0, model.VehicleCar, 1.5)
	if est.Subtotal != 8400 {
		t.Fatalf("Subtotal = %d, want 8400", est.Subtotal)
	}
	if est.FareTotal != 12600 {
		t.Errorf("FareTotal = %d, want 12600", est.FareTotal)
	}
	if est.SurgeAmount != 4200 {
		t.Errorf("SurgeAmount = %d, want 4200", est.SurgeAmount)
	}
}
