package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/hybridcore/dispatchd/config"
	"github.com/hybridcore/dispatchd/internal/model"
	"github.com/hybridcore/dispatchd/internal/repository"
	"github.com/hybridcore/dispatchd/pkg/geo"
)

// matrixChunk is the largest origin batch sent to the provider per call.
const matrixChunk = 25

// RouteProvider is an external directions/matrix API. Both calls must
// respect the context deadline.
type RouteProvider interface {
	// Route returns the driving route between two points.
	Route(ctx context.Context, from, to model.Location) (*ProviderRoute, error)

	// Matrix returns driving ETAs in minutes from each origin to the
	// destination, origin-ordered. A negative entry means unknown.
	Matrix(ctx context.Context, origins []model.Location, dest model.Location) ([]float64, error)
}

// ProviderRoute is the provider's answer for a single route.
type ProviderRoute struct {
	DistanceM int64  `json:"distance_m"`
	DurationS int64  `json:"duration_s"`
	Polyline  string `json:"polyline,omitempty"`
}

// RouteEstimate is what callers get back: distance, time, and geometry
// when a provider supplied one.
type RouteEstimate struct {
	DistanceKm      float64          `json:"distance_km"`
	DurationMinutes float64          `json:"duration_minutes"`
	Geometry        []model.Location `json:"geometry,omitempty"`

	// Source is "provider" or "haversine".
	Source string `json:"source"`
}

// ─── RouteService ───────────────────────────────────────────

// RouteService answers distance/ETA questions. With a provider configured
// it asks the external API and caches answers in Redis; without one (or
// when the provider fails) it falls back to straight-line haversine with
// an average-speed ETA. Callers never see a provider error on the
// distance path; the matrix path does error so the matcher can keep its
// scored order.
type RouteService struct {
	provider RouteProvider
	dispatch *repository.DispatchRepository
	cfg      config.MapsConfig
}

// NewRouteService wires the route layer. provider may be nil.
func NewRouteService(provider RouteProvider, dispatch *repository.DispatchRepository, cfg config.MapsConfig) *RouteService {
	return &RouteService{provider: provider, dispatch: dispatch, cfg: cfg}
}

// HasProvider reports whether an external provider is configured.
func (s *RouteService) HasProvider() bool { return s.provider != nil }

// Estimate returns the driving distance and time between two points.
func (s *RouteService) Estimate(ctx context.Context, from, to model.Location) *RouteEstimate {
	if !geo.Valid(from) || !geo.Valid(to) {
		return &RouteEstimate{Source: "haversine"}
	}

	if s.provider != nil {
		if est, ok := s.providerEstimate(ctx, from, to); ok {
			return est
		}
	}
	return haversineEstimate(from, to)
}

func haversineEstimate(from, to model.Location) *RouteEstimate {
	km := geo.HaversineKm(from, to)
	return &RouteEstimate{
		DistanceKm:      math.Round(km*1000) / 1000,
		DurationMinutes: math.Round(geo.EstimateTimeMinutes(from, to)*10) / 10,
		Source:          "haversine",
	}
}

func (s *RouteService) providerEstimate(ctx context.Context, from, to model.Location) (*RouteEstimate, bool) {
	key := routeCacheKey("route", from, to)

	if payload, ok, err := s.dispatch.RouteCacheGet(ctx, key); err == nil && ok {
		var pr ProviderRoute
		if err := json.Unmarshal(payload, &pr); err == nil {
			return fromProviderRoute(&pr), true
		}
	}

	pctx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()

	pr, err := s.provider.Route(pctx, from, to)
	if err != nil {
		log.Printf("[routes] provider route failed: %v; falling back to haversine", err)
		return nil, false
	}

	if payload, err := json.Marshal(pr); err == nil {
		if err := s.dispatch.RouteCachePut(ctx, key, payload, s.cfg.RouteCacheTTL); err != nil {
			log.Printf("[routes] cache write failed: %v", err)
		}
	}
	return fromProviderRoute(pr), true
}

func fromProviderRoute(pr *ProviderRoute) *RouteEstimate {
	est := &RouteEstimate{
		DistanceKm:      math.Round(float64(pr.DistanceM)/1000*1000) / 1000,
		DurationMinutes: math.Round(float64(pr.DurationS)/60*10) / 10,
		Source:          "provider",
	}
	if pr.Polyline != "" {
		est.Geometry = geo.DecodePolyline(pr.Polyline)
	}
	return est
}

// DriveTimes returns the driving ETA in minutes from each origin to the
// destination. Requires a provider; origins beyond the chunk size are
// batched. Entries the provider could not answer come back negative.
func (s *RouteService) DriveTimes(ctx context.Context, origins []model.Location, dest model.Location) ([]float64, error) {
	if s.provider == nil {
		return nil, fmt.Errorf("drive times: no provider configured")
	}
	if len(origins) == 0 {
		return nil, nil
	}

	etas := make([]float64, 0, len(origins))
	for start := 0; start < len(origins); start += matrixChunk {
		end := start + matrixChunk
		if end > len(origins) {
			end = len(origins)
		}

		pctx, cancel := context.WithTimeout(ctx, s.timeout())
		chunk, err := s.provider.Matrix(pctx, origins[start:end], dest)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("drive times: %w", err)
		}
		if len(chunk) != end-start {
			return nil, fmt.Errorf("drive times: provider returned %d entries for %d origins", len(chunk), end-start)
		}
		etas = append(etas, chunk...)
	}
	return etas, nil
}

func (s *RouteService) timeout() time.Duration {
	if s.cfg.Timeout > 0 {
		return s.cfg.Timeout
	}
	return 10 * time.Second
}

// routeCacheKey derives a stable cache key from the request payload.
func routeCacheKey(kind string, points ...model.Location) string {
	payload, _ := json.Marshal(struct {
		Kind   string           `json:"kind"`
		Points []model.Location `json:"points"`
	}{Kind: kind, Points: points})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
