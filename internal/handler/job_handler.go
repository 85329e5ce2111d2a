package handler

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/hybridcore/dispatchd/internal/middleware"
	"github.com/hybridcore/dispatchd/internal/model"
	"github.com/hybridcore/dispatchd/internal/service"
)

// JobHandler covers job intake, payment verification, the offer actions
// and the cancellation endpoint.
type JobHandler struct {
	jobs      *service.JobService
	matcher   *service.MatchingService
	lifecycle *service.LifecycleService
	cancel    *service.CancelService
}

// NewJobHandler creates the job handler.
func NewJobHandler(
	jobs *service.JobService,
	matcher *service.MatchingService,
	lifecycle *service.LifecycleService,
	cancel *service.CancelService,
) *JobHandler {
	return &JobHandler{jobs: jobs, matcher: matcher, lifecycle: lifecycle, cancel: cancel}
}

// CreateOrder handles POST /api/v1/orders (USER).
func (h *JobHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	p := requireRole(w, middleware.PrincipalFrom(r), model.RoleUser)
	if p == nil {
		return
	}

	var req service.OrderRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := h.jobs.CreateOrder(r.Context(), p.ID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// CreateRide handles POST /api/v1/rides (USER).
func (h *JobHandler) CreateRide(w http.ResponseWriter, r *http.Request) {
	p := requireRole(w, middleware.PrincipalFrom(r), model.RoleUser)
	if p == nil {
		return
	}

	var req service.RideRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := h.jobs.CreateRide(r.Context(), p.ID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// VerifyPayment handles POST /api/v1/payments/verify (USER).
//
// Body: {job_id, payment_id, signature}. A good signature opens the job
// for dispatch; a bad one is a 400.
func (h *JobHandler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	p := requireRole(w, middleware.PrincipalFrom(r), model.RoleUser)
	if p == nil {
		return
	}

	var req struct {
		JobID     string `json:"job_id"`
		PaymentID string `json:"payment_id"`
		Signature string `json:"signature"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.JobID == "" || req.PaymentID == "" || req.Signature == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("validation_error", "job_id, payment_id and signature are required"))
		return
	}

	job, err := h.jobs.VerifyPayment(r.Context(), req.JobID, req.PaymentID, req.Signature)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

// FailPayment handles POST /api/v1/payments/fail (USER).
//
// Body: {job_id, reason?}. Abandons a pending checkout and refunds any
// wallet share already taken.
func (h *JobHandler) FailPayment(w http.ResponseWriter, r *http.Request) {
	p := requireRole(w, middleware.PrincipalFrom(r), model.RoleUser)
	if p == nil {
		return
	}

	var req struct {
		JobID  string `json:"job_id"`
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.JobID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("validation_error", "job_id is required"))
		return
	}

	job, err := h.jobs.FailPayment(r.Context(), req.JobID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

// Get handles GET /api/v1/jobs/{id}. Owners and the assigned captain see
// their job; admins see everything.
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFrom(r)
	if p == nil {
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized", "Authentication required."))
		return
	}

	owner := p.ID
	if p.Role == model.RoleAdmin {
		owner = ""
	}

	job, err := h.jobs.Get(r.Context(), mux.Vars(r)["id"], owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

// Offer handles GET /api/v1/jobs/{id}/offer (CAPTAIN): the captain's
// live offer, 409 when expired or gone.
func (h *JobHandler) Offer(w http.ResponseWriter, r *http.Request) {
	p := requireRole(w, middleware.PrincipalFrom(r), model.RoleCaptain)
	if p == nil {
		return
	}

	offer, err := h.matcher.CurrentOffer(r.Context(), mux.Vars(r)["id"], p.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offer": offer})
}

// Accept handles POST /api/v1/jobs/{id}/accept (CAPTAIN).
//
// Response codes:
//
//	200 — job assigned to this captain
//	409 — offer expired, superseded, or captain no longer eligible
func (h *JobHandler) Accept(w http.ResponseWriter, r *http.Request) {
	p := requireRole(w, middleware.PrincipalFrom(r), model.RoleCaptain)
	if p == nil {
		return
	}

	job, err := h.matcher.Accept(r.Context(), mux.Vars(r)["id"], p.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

// Reject handles POST /api/v1/jobs/{id}/reject (CAPTAIN).
func (h *JobHandler) Reject(w http.ResponseWriter, r *http.Request) {
	p := requireRole(w, middleware.PrincipalFrom(r), model.RoleCaptain)
	if p == nil {
		return
	}

	if err := h.matcher.Reject(r.Context(), mux.Vars(r)["id"], p.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rejected": true})
}

// Complete handles POST /api/v1/jobs/{id}/complete (CAPTAIN).
func (h *JobHandler) Complete(w http.ResponseWriter, r *http.Request) {
	p := requireRole(w, middleware.PrincipalFrom(r), model.RoleCaptain)
	if p == nil {
		return
	}

	job, err := h.lifecycle.Complete(r.Context(), mux.Vars(r)["id"], p.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

// Cancel handles POST /api/v1/jobs/{id}/cancel (USER/CAPTAIN/ADMIN).
//
// Body: {reason?, late_delivery?, no_show?}. The actor derives from the
// authenticated role; admins may override it in the body.
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	p := requireRole(w, middleware.PrincipalFrom(r), model.RoleUser, model.RoleCaptain, model.RoleRestaurant)
	if p == nil {
		return
	}

	var body struct {
		Actor        string `json:"actor"`
		Reason       string `json:"reason"`
		LateDelivery bool   `json:"late_delivery"`
		NoShow       bool   `json:"no_show"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	actor := model.CancelActor(p.Role)
	if p.Role == model.RoleAdmin {
		actor = model.CancelByAdmin
		if body.Actor != "" {
			actor = model.CancelActor(body.Actor)
		}
	}

	rec, err := h.cancel.Cancel(r.Context(), service.CancelRequest{
		JobID:        mux.Vars(r)["id"],
		Actor:        actor,
		Reason:       body.Reason,
		LateDelivery: body.LateDelivery,
		NoShow:       body.NoShow,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancellation": rec})
}

// Surge handles GET /api/v1/surge?lat=..&lon=..
//
// Everyone sees the multiplier; demand/supply internals are admin-only.
func (h *JobHandler) Surge(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFrom(r)
	if p == nil {
		writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized", "Authentication required."))
		return
	}

	lat, ok := queryFloat(w, r, "lat")
	if !ok {
		return
	}
	lon, ok := queryFloat(w, r, "lon")
	if !ok {
		return
	}

	res, err := h.jobs.EstimateSurge(r.Context(), model.Location{Lat: lat, Lon: lon})
	if err != nil {
		writeError(w, err)
		return
	}

	if p.Role == model.RoleAdmin {
		writeJSON(w, http.StatusOK, res)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"zone":       res.Zone,
		"multiplier": res.Multiplier,
	})
}

// MatchTrail handles GET /api/v1/jobs/{id}/matching (ADMIN): the audit
// rows the matcher wrote while dispatching the job.
func (h *JobHandler) MatchTrail(w http.ResponseWriter, r *http.Request) {
	p := requireRole(w, middleware.PrincipalFrom(r), model.RoleAdmin)
	if p == nil {
		return
	}

	logs, err := h.jobs.MatchTrail(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matching": logs})
}
