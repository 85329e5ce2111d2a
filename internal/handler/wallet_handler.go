package handler

import (
	"net/http"
	"strconv"

	"github.com/hybridcore/dispatchd/internal/middleware"
	"github.com/hybridcore/dispatchd/internal/model"
	"github.com/hybridcore/dispatchd/internal/service"
)

// WalletHandler exposes balances, ledger history, topups and captain
// payouts.
type WalletHandler struct {
	wallet *service.WalletService
}

// NewWalletHandler creates the wallet handler.
func NewWalletHandler(wallet *service.WalletService) *WalletHandler {
	return &WalletHandler{wallet: wallet}
}

// ownerType maps the authenticated role onto the wallet owner kind.
func ownerType(role model.Role) model.OwnerType {
	if role == model.RoleCaptain {
		return model.OwnerCaptain
	}
	return model.OwnerUser
}

// Balance handles GET /api/v1/wallet (USER/CAPTAIN).
func (h *WalletHandler) Balance(w http.ResponseWriter, r *http.Request) {
	p := requireRole(w, middleware.PrincipalFrom(r), model.RoleUser, model.RoleCaptain)
	if p == nil {
		return
	}

	balance, err := h.wallet.Balance(r.Context(), p.ID, ownerType(p.Role))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"balance": balance})
}

// History handles GET /api/v1/wallet/history?limit=N (USER/CAPTAIN).
func (h *WalletHandler) History(w http.ResponseWriter, r *http.Request) {
	p := requireRole(w, middleware.PrincipalFrom(r), model.RoleUser, model.RoleCaptain)
	if p == nil {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := h.wallet.History(r.Context(), p.ID, ownerType(p.Role), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": records})
}

// Topup handles POST /api/v1/wallet/topup (USER).
//
// Body: {"amount": minor units, "gateway_ref": "..."}.
func (h *WalletHandler) Topup(w http.ResponseWriter, r *http.Request) {
	p := requireRole(w, middleware.PrincipalFrom(r), model.RoleUser)
	if p == nil {
		return
	}

	var req struct {
		Amount     int64  `json:"amount"`
		GatewayRef string `json:"gateway_ref"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	txnID, err := h.wallet.Topup(r.Context(), p.ID, req.Amount, req.GatewayRef)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"txn_id": txnID, "credited": req.Amount})
}

// Withdraw handles POST /api/v1/payouts/withdraw (CAPTAIN).
//
//	200 — payout receipt with TDS breakdown
//	400 — no linked bank account
//	402 — payable balance cannot cover the amount
func (h *WalletHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	p := requireRole(w, middleware.PrincipalFrom(r), model.RoleCaptain)
	if p == nil {
		return
	}

	var req struct {
		Amount int64 `json:"amount"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	receipt, err := h.wallet.Withdraw(r.Context(), p.ID, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// LinkBankAccount handles POST /api/v1/payouts/bank-account (CAPTAIN).
func (h *WalletHandler) LinkBankAccount(w http.ResponseWriter, r *http.Request) {
	p := requireRole(w, middleware.PrincipalFrom(r), model.RoleCaptain)
	if p == nil {
		return
	}

	var req struct {
		AccountNumber string `json:"account_number"`
		IFSC          string `json:"ifsc"`
		HolderName    string `json:"holder_name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	err := h.wallet.LinkBankAccount(r.Context(), &model.BankAccount{
		CaptainID:     p.ID,
		AccountNumber: req.AccountNumber,
		IFSC:          req.IFSC,
		HolderName:    req.HolderName,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"linked": true})
}
