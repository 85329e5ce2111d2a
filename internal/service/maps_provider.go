package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hybridcore/dispatchd/config"
	"github.com/hybridcore/dispatchd/internal/model"
)

const mapsBaseURL = "https://maps.googleapis.com/maps/api"

// MapsProvider is the Google Maps implementation of RouteProvider:
// Directions for single routes, Distance Matrix for ETA batches.
type MapsProvider struct {
	client *http.Client
	key    string
}

// NewMapsProvider builds the provider. Returns nil when no API key is
// configured, which keeps routing on haversine fallbacks.
func NewMapsProvider(cfg config.MapsConfig) *MapsProvider {
	if cfg.APIKey == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MapsProvider{
		client: &http.Client{Timeout: timeout},
		key:    cfg.APIKey,
	}
}

func latLon(p model.Location) string {
	return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lon)
}

// Route asks the Directions API for the driving route between two points.
func (p *MapsProvider) Route(ctx context.Context, from, to model.Location) (*ProviderRoute, error) {
	q := url.Values{}
	q.Set("origin", latLon(from))
	q.Set("destination", latLon(to))
	q.Set("mode", "driving")
	q.Set("key", p.key)

	var resp struct {
		Status string `json:"status"`
		Routes []struct {
			Legs []struct {
				Distance struct {
					Value int64 `json:"value"`
				} `json:"distance"`
				Duration struct {
					Value int64 `json:"value"`
				} `json:"duration"`
			} `json:"legs"`
			OverviewPolyline struct {
				Points string `json:"points"`
			} `json:"overview_polyline"`
		} `json:"routes"`
	}
	if err := p.get(ctx, "/directions/json", q, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "OK" || len(resp.Routes) == 0 || len(resp.Routes[0].Legs) == 0 {
		return nil, fmt.Errorf("directions: status %q", resp.Status)
	}

	route := resp.Routes[0]
	out := &ProviderRoute{Polyline: route.OverviewPolyline.Points}
	for _, leg := range route.Legs {
		out.DistanceM += leg.Distance.Value
		out.DurationS += leg.Duration.Value
	}
	return out, nil
}

// Matrix asks the Distance Matrix API for driving ETAs from each origin
// to the destination. Unanswerable origins come back as -1.
func (p *MapsProvider) Matrix(ctx context.Context, origins []model.Location, dest model.Location) ([]float64, error) {
	parts := make([]string, len(origins))
	for i, o := range origins {
		parts[i] = latLon(o)
	}

	q := url.Values{}
	q.Set("origins", strings.Join(parts, "|"))
	q.Set("destinations", latLon(dest))
	q.Set("mode", "driving")
	q.Set("key", p.key)

	var resp struct {
		Status string `json:"status"`
		Rows   []struct {
			Elements []struct {
				Status   string `json:"status"`
				Duration struct {
					Value int64 `json:"value"`
				} `json:"duration"`
			} `json:"elements"`
		} `json:"rows"`
	}
	if err := p.get(ctx, "/distancematrix/json", q, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "OK" || len(resp.Rows) != len(origins) {
		return nil, fmt.Errorf("distance matrix: status %q, %d rows for %d origins", resp.Status, len(resp.Rows), len(origins))
	}

	etas := make([]float64, len(origins))
	for i, row := range resp.Rows {
		etas[i] = -1
		if len(row.Elements) > 0 && row.Elements[0].Status == "OK" {
			etas[i] = float64(row.Elements[0].Duration.Value) / 60
		}
	}
	return etas, nil
}

func (p *MapsProvider) get(ctx context.Context, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mapsBaseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("maps request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("maps call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("maps call: http %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("maps response: %w", err)
	}
	return nil
}
