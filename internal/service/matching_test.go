package service

import (
	"testing"
	"time"

	"github.com/hybridcore/dispatchd/config"
	"github.com/hybridcore/dispatchd/internal/model"
)

func matchCfg() config.MatchConfig {
	return config.MatchConfig{
		RadiusM:        5000,
		MaxCandidates:  20,
		WeightDistance: 1.0,
		WeightRating:   0.4,
		WeightFairness: 0.2,
	}
}

func loc(lat, lon float64) *model.Location {
	return &model.Location{Lat: lat, Lon: lon}
}

func TestRankCandidates_NearestFirst(t *testing.T) {
	pickup := model.Location{Lat: 12.97, Lon: 77.59}
	now := time.Now()

	candidates := []model.Captain{
		{ID: "far", Location: loc(12.97, 77.63), AverageRating: 4.5},
		{ID: "near", Location: loc(12.97, 77.60), AverageRating: 4.5},
	}

	ranked := rankCandidates(candidates, pickup, nil, 1.0, matchCfg(), now)
	if len(ranked) != 2 {
		t.Fatalf("ranked %d candidates, want 2", len(ranked))
	}
	if ranked[0].CaptainID != "near" {
		t.Errorf("first candidate = %s, want near", ranked[0].CaptainID)
	}
	if ranked[0].Score >= ranked[1].Score {
		t.Errorf("scores not ascending: %f >= %f", ranked[0].Score, ranked[1].Score)
	}
}

func TestRankCandidates_SkipsMissingLocation(t *testing.T) {
	pickup := model.Location{Lat: 12.97, Lon: 77.59}

	candidates := []model.Captain{
		{ID: "ghost", AverageRating: 5.0},
		{ID: "real", Location: loc(12.97, 77.60), AverageRating: 3.0},
	}

	ranked := rankCandidates(candidates, pickup, nil, 1.0, matchCfg(), time.Now())
	if len(ranked) != 1 {
		t.Fatalf("ranked %d candidates, want 1", len(ranked))
	}
	if ranked[0].CaptainID != "real" {
		t.Errorf("ranked captain = %s, want real", ranked[0].CaptainID)
	}
}

func TestRankCandidates_IdleCaptainWinsTies(t *testing.T) {
	pickup := model.Location{Lat: 12.97, Lon: 77.59}
	now := time.Now()
	justAssigned := now.Add(-1 * time.Minute)

	candidates := []model.Captain{
		{ID: "fresh", Location: loc(12.98, 77.59), AverageRating: 4.0, LastAssignedAt: &justAssigned},
		{ID: "idle", Location: loc(12.98, 77.59), AverageRating: 4.0},
	}

	ranked := rankCandidates(candidates, pickup, nil, 1.0, matchCfg(), now)
	if ranked[0].CaptainID != "idle" {
		t.Errorf("first candidate = %s, want idle", ranked[0].CaptainID)
	}
	if ranked[0].Fairness != 1.0 {
		t.Errorf("never-assigned fairness = %f, want 1.0", ranked[0].Fairness)
	}
	if ranked[1].Fairness >= 0.1 {
		t.Errorf("just-assigned fairness = %f, want < 0.1", ranked[1].Fairness)
	}
}

func TestRankCandidates_GoHomeBias(t *testing.T) {
	pickup := model.Location{Lat: 12.97, Lon: 77.59}
	dropoff := loc(13.05, 77.59)
	now := time.Now()

	// Identical position and rating; only the go-home bonus separates them.
	candidates := []model.Captain{
		{ID: "plain", Location: loc(12.98, 77.59), AverageRating: 4.0},
		{
			ID: "homeward", Location: loc(12.98, 77.59), AverageRating: 4.0,
			GoHomeMode: true, Home: loc(13.10, 77.59),
		},
	}

	ranked := rankCandidates(candidates, pickup, dropoff, 1.0, matchCfg(), now)
	if ranked[0].CaptainID != "homeward" {
		t.Errorf("first candidate = %s, want homeward", ranked[0].CaptainID)
	}

	// Same captain, dropoff away from home: no bonus, tie broken stably.
	away := loc(12.80, 77.59)
	ranked = rankCandidates(candidates, pickup, away, 1.0, matchCfg(), now)
	if ranked[0].Score != ranked[1].Score {
		t.Errorf("scores differ without a homeward dropoff: %f vs %f", ranked[0].Score, ranked[1].Score)
	}
}

func TestRankCandidates_SurgeAmplifiesDistance(t *testing.T) {
	pickup := model.Location{Lat: 12.97, Lon: 77.59}
	now := time.Now()

	// Far captain compensates with a much better rating at surge 1.0.
	candidates := []model.Captain{
		{ID: "far-star", Location: loc(12.97, 77.605), AverageRating: 5.0},
		{ID: "near-meh", Location: loc(12.97, 77.595), AverageRating: 2.0},
	}

	flat := rankCandidates(candidates, pickup, nil, 1.0, matchCfg(), now)
	if flat[0].CaptainID != "far-star" {
		t.Fatalf("at surge 1.0 first = %s, want far-star", flat[0].CaptainID)
	}

	hot := rankCandidates(candidates, pickup, nil, 3.0, matchCfg(), now)
	if hot[0].CaptainID != "near-meh" {
		t.Errorf("at surge 3.0 first = %s, want near-meh", hot[0].CaptainID)
	}
}

func TestReorderByETA(t *testing.T) {
	ranked := []model.RankedCaptain{
		{CaptainID: "a"}, {CaptainID: "b"}, {CaptainID: "c"}, {CaptainID: "d"},
	}

	// b is fastest, d unknown, a slower than c.
	out := reorderByETA(ranked, []float64{9, 3, 6, -1})

	want := []string{"b", "c", "a", "d"}
	for i, id := range want {
		if out[i].CaptainID != id {
			t.Errorf("position %d = %s, want %s", i, out[i].CaptainID, id)
		}
	}
}

func TestReorderByETA_LengthMismatchKeepsOrder(t *testing.T) {
	ranked := []model.RankedCaptain{{CaptainID: "a"}, {CaptainID: "b"}}
	out := reorderByETA(ranked, []float64{5})
	if out[0].CaptainID != "a" || out[1].CaptainID != "b" {
		t.Errorf("order changed on mismatched ETA slice: %v", out)
	}
}

func TestBatchDetourMinutes_OnRoutePickupIsCheap(t *testing.T) {
	// Captain heading roughly north; the new pickup sits on the path.
	captainLoc := model.Location{Lat: 12.90, Lon: 77.59}
	stops := []model.Location{{Lat: 13.00, Lon: 77.59}}
	onPath := model.Location{Lat: 12.95, Lon: 77.59}

	if added := batchDetourMinutes(captainLoc, stops, onPath); added > 1.0 {
		t.Errorf("on-path pickup adds %.2f min, want near zero", added)
	}
}

func TestBatchDetourMinutes_FarPickupIsExpensive(t *testing.T) {
	captainLoc := model.Location{Lat: 12.90, Lon: 77.59}
	stops := []model.Location{{Lat: 13.00, Lon: 77.59}}
	// ~11 km sideways off the corridor.
	sideways := model.Location{Lat: 12.95, Lon: 77.69}

	added := batchDetourMinutes(captainLoc, stops, sideways)
	if added < 10.0 {
		t.Errorf("off-corridor pickup adds %.2f min, want a real detour", added)
	}
}

func TestBatchDetourMinutes_NoStopsCostsNothing(t *testing.T) {
	captainLoc := model.Location{Lat: 12.90, Lon: 77.59}
	pickup := model.Location{Lat: 12.95, Lon: 77.59}

	if added := batchDetourMinutes(captainLoc, nil, pickup); added != 0 {
		t.Errorf("detour with no remaining stops = %.2f, want 0", added)
	}
}
