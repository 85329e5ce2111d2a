package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hybridcore/dispatchd/internal/auth"
	"github.com/hybridcore/dispatchd/internal/model"
	"github.com/hybridcore/dispatchd/internal/repository"
	"github.com/hybridcore/dispatchd/internal/service"
)

func TestWriteError_StatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		kind   string
	}{
		{repository.ErrNotFound, http.StatusNotFound, "not_found"},
		{service.ErrOfferExpired, http.StatusConflict, "offer_expired"},
		{repository.ErrNoOffer, http.StatusConflict, "offer_expired"},
		{service.ErrCaptainUnavailable, http.StatusConflict, "captain_unavailable"},
		{service.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
		{repository.ErrStateConflict, http.StatusConflict, "invalid_transition"},
		{service.ErrCaptainBusy, http.StatusConflict, "captain_busy"},
		{service.ErrNotAssignedCaptain, http.StatusForbidden, "forbidden"},
		{service.ErrInsufficientBalance, http.StatusPaymentRequired, "insufficient_balance"},
		{service.ErrNoBankAccount, http.StatusBadRequest, "no_bank_account"},
		{service.ErrBadSignature, http.StatusBadRequest, "bad_signature"},
		{service.ErrInvalidPayment, http.StatusBadRequest, "validation_error"},
		{service.ErrDependency, http.StatusBadGateway, "dependency_unavailable"},
		{auth.ErrInvalidToken, http.StatusUnauthorized, "unauthorized"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "internal_error"},
	}

	for _, c := range cases {
		rec := httptest.NewRecorder()
		writeError(rec, c.err)
		if rec.Code != c.status {
			t.Errorf("%v: status %d, want %d", c.err, rec.Code, c.status)
		}
		var body map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("%v: bad body: %v", c.err, err)
		}
		if body["error"] != c.kind {
			t.Errorf("%v: kind %q, want %q", c.err, body["error"], c.kind)
		}
	}
}

func TestWriteError_WrappedSentinel(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, fmt.Errorf("job j1: %w", service.ErrOfferExpired))
	if rec.Code != http.StatusConflict {
		t.Errorf("wrapped sentinel: status %d, want 409", rec.Code)
	}
}

func TestDecodeBody_RejectsMalformedJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{nope"))

	var dst struct{}
	if decodeBody(rec, r, &dst) {
		t.Fatalf("decodeBody accepted malformed JSON")
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400", rec.Code)
	}
}

func TestQueryFloat(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/?lat=12.97", nil)
	v, ok := queryFloat(rec, r, "lat")
	if !ok || v != 12.97 {
		t.Errorf("queryFloat = %f/%v, want 12.97/true", v, ok)
	}

	rec = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodGet, "/?lat=north", nil)
	if _, ok := queryFloat(rec, r, "lat"); ok {
		t.Errorf("queryFloat accepted a non-number")
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400", rec.Code)
	}
}

func TestRequireRole(t *testing.T) {
	// Anonymous.
	rec := httptest.NewRecorder()
	if p := requireRole(rec, nil, model.RoleUser); p != nil {
		t.Errorf("anonymous passed")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous status %d, want 401", rec.Code)
	}

	// Wrong role.
	rec = httptest.NewRecorder()
	if p := requireRole(rec, &auth.Principal{ID: "u1", Role: model.RoleUser}, model.RoleCaptain); p != nil {
		t.Errorf("wrong role passed")
	}
	if rec.Code != http.StatusForbidden {
		t.Errorf("wrong role status %d, want 403", rec.Code)
	}

	// Allowed role and admin override.
	rec = httptest.NewRecorder()
	if p := requireRole(rec, &auth.Principal{ID: "c1", Role: model.RoleCaptain}, model.RoleCaptain); p == nil {
		t.Errorf("captain rejected")
	}
	rec = httptest.NewRecorder()
	if p := requireRole(rec, &auth.Principal{ID: "a1", Role: model.RoleAdmin}, model.RoleCaptain); p == nil {
		t.Errorf("admin rejected")
	}
}
