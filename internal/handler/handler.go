// Package handler contains the HTTP request handlers for the dispatch API.
package handler

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/hybridcore/dispatchd/internal/auth"
	"github.com/hybridcore/dispatchd/internal/model"
	"github.com/hybridcore/dispatchd/internal/repository"
	"github.com/hybridcore/dispatchd/internal/service"
)

// writeJSON is a helper that writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// errorBody is the uniform error envelope.
func errorBody(kind, message string) map[string]string {
	return map[string]string{"error": kind, "message": message}
}

// writeError maps service and repository sentinels onto HTTP statuses.
// One switch for the whole API; handlers never invent status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("not_found", "The requested resource does not exist."))

	case errors.Is(err, service.ErrOfferExpired), errors.Is(err, repository.ErrNoOffer):
		writeJSON(w, http.StatusConflict, errorBody("offer_expired", "The offer expired or was superseded."))

	case errors.Is(err, service.ErrCaptainUnavailable):
		writeJSON(w, http.StatusConflict, errorBody("captain_unavailable", "The captain is no longer available; the job was re-queued."))

	case errors.Is(err, service.ErrInvalidTransition), errors.Is(err, repository.ErrStateConflict):
		writeJSON(w, http.StatusConflict, errorBody("invalid_transition", "The job is not in a state that allows this action."))

	case errors.Is(err, service.ErrCaptainBusy):
		writeJSON(w, http.StatusConflict, errorBody("captain_busy", "Finish or cancel the active job first."))

	case errors.Is(err, service.ErrNotAssignedCaptain), errors.Is(err, repository.ErrWrongCaptain):
		writeJSON(w, http.StatusForbidden, errorBody("forbidden", "This job is assigned to a different captain."))

	case errors.Is(err, service.ErrInsufficientBalance), errors.Is(err, repository.ErrInsufficientFunds):
		writeJSON(w, http.StatusPaymentRequired, errorBody("insufficient_balance", "The wallet balance cannot cover this amount."))

	case errors.Is(err, service.ErrNoBankAccount):
		writeJSON(w, http.StatusBadRequest, errorBody("no_bank_account", "Link a bank account before requesting a payout."))

	case errors.Is(err, service.ErrBadSignature):
		writeJSON(w, http.StatusBadRequest, errorBody("bad_signature", "Payment signature verification failed."))

	case errors.Is(err, service.ErrInvalidPayment):
		writeJSON(w, http.StatusBadRequest, errorBody("validation_error", err.Error()))

	case errors.Is(err, service.ErrDependency):
		writeJSON(w, http.StatusBadGateway, errorBody("dependency_unavailable", "An upstream provider is unavailable; try again."))

	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrWrongTokenType):
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized", "Invalid or expired token."))

	default:
		log.Printf("[handler] internal error: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal_error", "Something went wrong."))
	}
}

// decodeBody parses a JSON request body into dst. Returns false after
// writing the 400.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("validation_error", "Malformed JSON body."))
		return false
	}
	return true
}

// queryFloat parses a float query parameter; ok=false after writing 400.
func queryFloat(w http.ResponseWriter, r *http.Request, name string) (float64, bool) {
	raw := r.URL.Query().Get(name)
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("validation_error", "Query parameter '"+name+"' must be a number."))
		return 0, false
	}
	return v, true
}

// requireRole re-checks the principal inside a handler that serves
// multiple roles. Returns nil after writing the error.
func requireRole(w http.ResponseWriter, p *auth.Principal, roles ...model.Role) *auth.Principal {
	if p == nil {
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized", "Authentication required."))
		return nil
	}
	if p.Role == model.RoleAdmin {
		return p
	}
	for _, role := range roles {
		if p.Role == role {
			return p
		}
	}
	writeJSON(w, http.StatusForbidden, errorBody("forbidden", "Insufficient role for this endpoint."))
	return nil
}
