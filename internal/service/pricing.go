package service

import (
	"context"
	"fmt"
	"log"
	"math"

	"github.com/hybridcore/dispatchd/internal/model"
	"github.com/hybridcore/dispatchd/pkg/geo"
)

// ─── Fare parameters ────────────────────────────────────────
//
// All amounts are minor units (paise). The fare formula:
//
//	subtotal = base + per_km_rate × ceil(distance_km)
//	total    = round(subtotal × surge_multiplier)
//
// with a floor of base + fallback rate per started km, so an exotic or
// unknown vehicle class never prices below the default.

const (
	// fareBase is the flag-down amount charged on every ride.
	fareBase = 3000

	// fareFallbackPerKm prices unknown vehicle classes and sets the floor.
	fareFallbackPerKm = 1500
)

// perKmRate is the per-kilometre rate by vehicle class.
var perKmRate = map[model.VehicleType]int64{
	model.VehicleBike: 800,
	model.VehicleAuto: 1200,
	model.VehicleCar:  1800,
	model.VehicleSUV:  2500,
}

// FareEstimate is the fare breakdown returned to the client and stamped
// onto a ride at creation.
type FareEstimate struct {
	VehicleType     model.VehicleType `json:"vehicle_type"`
	DistanceKm      float64           `json:"distance_km"`
	BilledKm        int64             `json:"billed_km"`
	FareBase        int64             `json:"fare_base"`
	DistanceFare    int64             `json:"distance_fare"`
	Subtotal        int64             `json:"subtotal"`
	SurgeMultiplier float64           `json:"surge_multiplier"`
	SurgeAmount     int64             `json:"surge_amount"`
	FareTotal       int64             `json:"fare_total"`
}

// ─── PricingService ─────────────────────────────────────────

// PricingService prices rides: haversine distance, per-vehicle rates,
// surge from the zone estimator.
type PricingService struct {
	surge *SurgeService
}

// NewPricingService creates the fare calculator.
func NewPricingService(surge *SurgeService) *PricingService {
	return &PricingService{surge: surge}
}

// EstimateFare prices a ride between two points for a vehicle class.
// Checkout previews do not record surge history.
func (s *PricingService) EstimateFare(
	ctx context.Context,
	pickup, dropoff model.Location,
	vehicle model.VehicleType,
) (*FareEstimate, error) {

	if !geo.Valid(pickup) || !geo.Valid(dropoff) {
		return nil, fmt.Errorf("fare estimate: invalid coordinates: %w", ErrInvalidPayment)
	}

	distanceKm := geo.HaversineKm(pickup, dropoff)
	surge := s.surge.Estimate(ctx, pickup, false)

	est := Fare(distanceKm, vehicle, surge.Multiplier)
	log.Printf("[pricing] %s %.2f km: %d (surge %.2fx)", vehicle, distanceKm, est.FareTotal, surge.Multiplier)
	return est, nil
}

// Fare is the pure fare formula, exposed for ride intake and tests.
func Fare(distanceKm float64, vehicle model.VehicleType, surgeMultiplier float64) *FareEstimate {
	billedKm := int64(math.Ceil(distanceKm))
	if billedKm < 1 {
		billedKm = 1
	}

	rate, ok := perKmRate[vehicle]
	if !ok {
		rate = fareFallbackPerKm
	}

	subtotal := fareBase + rate*billedKm
	if floor := fareBase + fareFallbackPerKm*billedKm; subtotal < floor {
		subtotal = floor
	}

	total := ApplySurge(subtotal, surgeMultiplier)
	return &FareEstimate{
		VehicleType:     vehicle,
		DistanceKm:      math.Round(distanceKm*100) / 100,
		BilledKm:        billedKm,
		FareBase:        fareBase,
		DistanceFare:    rate * billedKm,
		Subtotal:        subtotal,
		SurgeMultiplier: surgeMultiplier,
		SurgeAmount:     total - subtotal,
		FareTotal:       total,
	}
}
