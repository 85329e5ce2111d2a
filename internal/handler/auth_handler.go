package handler

import (
	"net/http"
	"strings"

	"github.com/hybridcore/dispatchd/internal/auth"
	"github.com/hybridcore/dispatchd/internal/model"
	"github.com/hybridcore/dispatchd/internal/repository"
)

// AuthHandler exchanges demo credentials for token pairs. Real OTP/SSO
// flows sit in front of this in production; the exchange contract stays
// the same.
type AuthHandler struct {
	mgr      *auth.Manager
	identity *repository.IdentityRepository
	captains *repository.CaptainRepository
}

// NewAuthHandler creates the auth handler.
func NewAuthHandler(mgr *auth.Manager, identity *repository.IdentityRepository, captains *repository.CaptainRepository) *AuthHandler {
	return &AuthHandler{mgr: mgr, identity: identity, captains: captains}
}

// Token handles POST /api/v1/auth/token
//
// Body: {"phone": "...", "role": "USER|CAPTAIN"}. Looks the principal up
// by phone and mints an access/refresh pair.
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phone string `json:"phone"`
		Role  string `json:"role"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Phone == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("validation_error", "phone is required"))
		return
	}

	role := model.Role(strings.ToUpper(req.Role))
	var (
		subject string
		err     error
	)
	switch role {
	case model.RoleCaptain:
		var c *model.Captain
		c, err = h.captains.GetByPhone(r.Context(), req.Phone)
		if c != nil {
			subject = c.ID
		}
	case model.RoleUser, "":
		role = model.RoleUser
		var u *model.User
		u, err = h.identity.GetUserByPhone(r.Context(), req.Phone)
		if u != nil {
			subject = u.ID
			role = u.Role
		}
	default:
		writeJSON(w, http.StatusBadRequest, errorBody("validation_error", "role must be USER or CAPTAIN"))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	pair, err := h.mgr.IssuePair(subject, role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// Refresh handles POST /api/v1/auth/refresh
//
// Body: {"refresh_token": "..."} → a fresh token pair.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("validation_error", "refresh_token is required"))
		return
	}

	pair, err := h.mgr.Refresh(req.RefreshToken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}
