package handler

import (
	"net/http"

	"github.com/hybridcore/dispatchd/internal/middleware"
	"github.com/hybridcore/dispatchd/internal/model"
	"github.com/hybridcore/dispatchd/internal/service"
)

// CaptainHandler is the captain-facing surface: availability, location,
// go-home mode and profile.
type CaptainHandler struct {
	captains *service.CaptainService
}

// NewCaptainHandler creates the captain handler.
func NewCaptainHandler(captains *service.CaptainService) *CaptainHandler {
	return &CaptainHandler{captains: captains}
}

// Me handles GET /api/v1/captains/me (CAPTAIN).
func (h *CaptainHandler) Me(w http.ResponseWriter, r *http.Request) {
	p := requireRole(w, middleware.PrincipalFrom(r), model.RoleCaptain)
	if p == nil {
		return
	}

	captain, err := h.captains.Profile(r.Context(), p.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"captain": captain})
}

// Online handles POST /api/v1/captains/online (CAPTAIN).
func (h *CaptainHandler) Online(w http.ResponseWriter, r *http.Request) {
	h.setOnline(w, r, true)
}

// Offline handles POST /api/v1/captains/offline (CAPTAIN).
//
//	200 — now offline
//	409 — captain is busy with an active job
func (h *CaptainHandler) Offline(w http.ResponseWriter, r *http.Request) {
	h.setOnline(w, r, false)
}

func (h *CaptainHandler) setOnline(w http.ResponseWriter, r *http.Request, online bool) {
	p := requireRole(w, middleware.PrincipalFrom(r), model.RoleCaptain)
	if p == nil {
		return
	}

	captain, err := h.captains.SetOnline(r.Context(), p.ID, online)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"captain": captain})
}

// Location handles POST /api/v1/captains/location (CAPTAIN).
//
// Body: {"lat": .., "lon": ..}. The HTTP path mirrors the websocket
// location_update frame for captains on flaky connections.
func (h *CaptainHandler) Location(w http.ResponseWriter, r *http.Request) {
	p := requireRole(w, middleware.PrincipalFrom(r), model.RoleCaptain)
	if p == nil {
		return
	}

	var loc model.Location
	if !decodeBody(w, r, &loc) {
		return
	}

	if err := h.captains.ReportLocation(r.Context(), p.ID, loc); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": true})
}

// GoHome handles POST /api/v1/captains/gohome (CAPTAIN).
//
// Body: {"enabled": bool, "home": {"lat":..,"lon":..}?}.
func (h *CaptainHandler) GoHome(w http.ResponseWriter, r *http.Request) {
	p := requireRole(w, middleware.PrincipalFrom(r), model.RoleCaptain)
	if p == nil {
		return
	}

	var req struct {
		Enabled bool            `json:"enabled"`
		Home    *model.Location `json:"home,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	captain, err := h.captains.SetGoHome(r.Context(), p.ID, req.Enabled, req.Home)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"captain": captain})
}
