package handler

import (
	"net/http"
	"strings"

	"github.com/hybridcore/dispatchd/internal/middleware"
	"github.com/hybridcore/dispatchd/internal/model"
	"github.com/hybridcore/dispatchd/internal/service"
)

// PricingHandler serves fare previews ahead of ride checkout.
type PricingHandler struct {
	pricing *service.PricingService
	routes  *service.RouteService
}

// NewPricingHandler creates the pricing handler.
func NewPricingHandler(pricing *service.PricingService, routes *service.RouteService) *PricingHandler {
	return &PricingHandler{pricing: pricing, routes: routes}
}

// Estimate handles GET /api/v1/pricing/estimate
//
// Query: pickup_lat, pickup_lon, dropoff_lat, dropoff_lon, vehicle.
// Response: fare breakdown plus the route used to bill distance when a
// route provider is configured.
func (h *PricingHandler) Estimate(w http.ResponseWriter, r *http.Request) {
	if p := middleware.PrincipalFrom(r); p == nil {
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized", "Authentication required."))
		return
	}

	pickupLat, ok := queryFloat(w, r, "pickup_lat")
	if !ok {
		return
	}
	pickupLon, ok := queryFloat(w, r, "pickup_lon")
	if !ok {
		return
	}
	dropLat, ok := queryFloat(w, r, "dropoff_lat")
	if !ok {
		return
	}
	dropLon, ok := queryFloat(w, r, "dropoff_lon")
	if !ok {
		return
	}

	vehicle := model.VehicleType(strings.ToUpper(r.URL.Query().Get("vehicle")))
	if vehicle == "" {
		vehicle = model.VehicleBike
	}

	pickup := model.Location{Lat: pickupLat, Lon: pickupLon}
	dropoff := model.Location{Lat: dropLat, Lon: dropLon}

	est, err := h.pricing.EstimateFare(r.Context(), pickup, dropoff, vehicle)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]any{"fare": est}
	if h.routes != nil && h.routes.HasProvider() {
		resp["route"] = h.routes.Estimate(r.Context(), pickup, dropoff)
	}
	writeJSON(w, http.StatusOK, resp)
}
