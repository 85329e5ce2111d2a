// Package service contains the core business logic for job dispatch.
package service

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/hybridcore/dispatchd/config"
	"github.com/hybridcore/dispatchd/internal/model"
	"github.com/hybridcore/dispatchd/internal/repository"
)

// ─── Surge Parameters ───────────────────────────────────────
//
// The multiplier is a continuous function of the demand/supply ratio (R)
// plus additive time-of-day and weather components:
//
//	surge = clamp(1 + min(1.2, R × 0.35) + timeFactor + max(0, weather − 1), 1.0, 3.0)
//
// The demand term saturates at +1.2 so a dead zone (supply 0, demand high)
// cannot price itself off the map; the hard ceiling is 3.0x.

const (
	// SurgeCeiling and SurgeFloor bound the final multiplier.
	SurgeCeiling = 3.0
	SurgeFloor   = 1.0

	// surgeRatioSlope converts the demand/supply ratio into the demand term.
	surgeRatioSlope = 0.35

	// surgeRatioCap saturates the demand term.
	surgeRatioCap = 1.2

	// Peak hours add 0.2x, late night adds 0.1x.
	peakHourFactor  = 0.2
	nightHourFactor = 0.1

	// zoneCellDeg is the surge grid resolution. 0.05° is roughly a
	// 5.5 km × 5 km cell at Indian latitudes, matching the search radius.
	zoneCellDeg = 0.05

	// demandWindow bounds how far back open jobs count as demand.
	demandWindow = 30 * time.Minute
)

// SurgeResult is the estimator's full output; handlers expose it verbatim
// on GET /surge and the matcher stamps Multiplier onto the job.
type SurgeResult struct {
	Zone          string  `json:"zone"`
	Demand        int     `json:"demand"`
	Supply        int     `json:"supply"`
	Ratio         float64 `json:"ratio"`
	TimeFactor    float64 `json:"time_factor"`
	WeatherFactor float64 `json:"weather_factor"`
	Multiplier    float64 `json:"multiplier"`
}

// ─── SurgeService ───────────────────────────────────────────

// SurgeService estimates the demand/supply multiplier for a zone.
//
// Strategy:
//  1. Snap the location to a 0.05° grid cell (the zone).
//  2. Try the Redis counts cache (fast path, <1ms).
//  3. On miss, count open jobs and free captains in the cell from
//     PostgreSQL, then cache both counts for the surge TTL.
//  4. Fold in time-of-day and weather, clamp to [1.0, 3.0].
type SurgeService struct {
	jobs     *repository.JobRepository
	captains *repository.CaptainRepository
	dispatch *repository.DispatchRepository
	logs     *repository.MatchLogRepository
	cfg      config.SurgeConfig

	now func() time.Time
}

// NewSurgeService creates a surge estimator.
func NewSurgeService(
	jobs *repository.JobRepository,
	captains *repository.CaptainRepository,
	dispatch *repository.DispatchRepository,
	logs *repository.MatchLogRepository,
	cfg config.SurgeConfig,
) *SurgeService {
	return &SurgeService{
		jobs:     jobs,
		captains: captains,
		dispatch: dispatch,
		logs:     logs,
		cfg:      cfg,
		now:      time.Now,
	}
}

// ZoneKey snaps a location to its surge grid cell.
func ZoneKey(loc model.Location) string {
	lat := math.Floor(loc.Lat/zoneCellDeg) * zoneCellDeg
	lon := math.Floor(loc.Lon/zoneCellDeg) * zoneCellDeg
	return formatZone(lat, lon)
}

func formatZone(lat, lon float64) string {
	// Two decimals is exact for multiples of 0.05.
	return fmt.Sprintf("%.2f:%.2f", lat, lon)
}

// Estimate computes the surge multiplier for the zone containing loc.
// storeHistory controls whether a surge_history snapshot is written;
// checkout previews pass false. On any data-path error it degrades to no
// surge rather than failing the caller; pricing should never block intake.
func (s *SurgeService) Estimate(ctx context.Context, loc model.Location, storeHistory bool) *SurgeResult {
	zone := ZoneKey(loc)

	demand, supply, ok := s.dispatch.CachedDemandSupply(ctx, zone)
	if !ok {
		var err error
		demand, supply, err = s.countZone(ctx, loc)
		if err != nil {
			log.Printf("[surge] WARNING: zone %s count failed: %v, defaulting to no surge", zone, err)
			return &SurgeResult{Zone: zone, WeatherFactor: s.cfg.WeatherFactor, Multiplier: SurgeFloor}
		}
		s.dispatch.CacheDemandSupply(ctx, zone, demand, supply)
	}

	ratio := demandSupplyRatio(demand, supply)
	tf := timeFactor(s.now().Hour())
	res := &SurgeResult{
		Zone:          zone,
		Demand:        demand,
		Supply:        supply,
		Ratio:         math.Round(ratio*100) / 100,
		TimeFactor:    tf,
		WeatherFactor: s.cfg.WeatherFactor,
		Multiplier:    Multiplier(ratio, tf, s.cfg.WeatherFactor),
	}

	if storeHistory {
		if err := s.logs.InsertSurgeSnapshot(ctx, zone, demand, supply, res.Multiplier); err != nil {
			log.Printf("[surge] WARNING: snapshot insert failed: %v", err)
		}
	}
	return res
}

// InvalidateZone clears the cached counts for the zone containing loc.
// Demand or supply just changed; the next estimate recounts.
func (s *SurgeService) InvalidateZone(ctx context.Context, loc model.Location) {
	s.dispatch.InvalidateSurge(ctx, ZoneKey(loc))
}

func (s *SurgeService) countZone(ctx context.Context, loc model.Location) (demand, supply int, err error) {
	minLat := math.Floor(loc.Lat/zoneCellDeg) * zoneCellDeg
	minLon := math.Floor(loc.Lon/zoneCellDeg) * zoneCellDeg
	maxLat := minLat + zoneCellDeg
	maxLon := minLon + zoneCellDeg

	demand, err = s.jobs.CountOpenInCell(ctx, minLat, maxLat, minLon, maxLon, s.now().Add(-demandWindow))
	if err != nil {
		return 0, 0, err
	}
	supply, err = s.captains.CountAvailableInCell(ctx, minLat, maxLat, minLon, maxLon)
	if err != nil {
		return 0, 0, err
	}
	return demand, supply, nil
}

// ─── Multiplier math ────────────────────────────────────────

func demandSupplyRatio(demand, supply int) float64 {
	if supply > 0 {
		return float64(demand) / float64(supply)
	}
	if demand > 0 {
		return float64(demand) // starved zone: treat demand itself as the ratio
	}
	return 0
}

// timeFactor returns the additive time-of-day component for an hour.
// Peak windows (morning, lunch, evening) add 0.2x; late night adds 0.1x.
func timeFactor(hour int) float64 {
	switch {
	case hour >= 7 && hour <= 10:
		return peakHourFactor
	case hour >= 12 && hour <= 14:
		return peakHourFactor
	case hour >= 18 && hour <= 22:
		return peakHourFactor
	case hour >= 23 || hour <= 5:
		return nightHourFactor
	default:
		return 0
	}
}

// Multiplier combines the ratio, time and weather components and clamps
// the result to [SurgeFloor, SurgeCeiling].
func Multiplier(ratio, timeFactor, weatherFactor float64) float64 {
	demand := math.Min(surgeRatioCap, ratio*surgeRatioSlope)
	weather := math.Max(0, weatherFactor-1)

	m := 1 + demand + timeFactor + weather
	if m > SurgeCeiling {
		m = SurgeCeiling
	}
	if m < SurgeFloor {
		m = SurgeFloor
	}
	// One decimal of precision keeps fares explainable on a receipt.
	return math.Round(m*100) / 100
}

// ApplySurge scales an amount in minor units by the multiplier.
func ApplySurge(amount int64, multiplier float64) int64 {
	return int64(math.Round(float64(amount) * multiplier))
}
