package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/hybridcore/dispatchd/config"
	"github.com/hybridcore/dispatchd/internal/model"
	"github.com/hybridcore/dispatchd/internal/push"
	"github.com/hybridcore/dispatchd/internal/repository"
)

// CancelRequest is everything the policy needs to price a cancellation.
type CancelRequest struct {
	JobID        string            `json:"job_id"`
	Actor        model.CancelActor `json:"actor"`
	Reason       string            `json:"reason"`
	LateDelivery bool              `json:"late_delivery"`
	NoShow       bool              `json:"no_show"`
}

// ─── CancelService ──────────────────────────────────────────

// CancelService is the cancellation and refund engine. One call
// transitions the job, frees the captain, prices the refund and penalty
// by actor, moves the money and writes the audit row.
//
// Money routing: gateway refund first when the original charge went
// through the processor and a payment id is known; any gateway failure
// falls back to a wallet credit, which is still user-positive. Penalty
// debits that the captain's wallet cannot cover become uncollected
// penalty rows instead of failing the cancellation.
type CancelService struct {
	jobs     *repository.JobRepository
	captains *repository.CaptainRepository
	wallet   *WalletService
	payment  *PaymentService
	dispatch *repository.DispatchRepository
	surge    *SurgeService
	timers   *TimerService
	hub      Publisher
	notify   *Notifier
	cfg      config.PaymentConfig
}

// NewCancelService wires the cancellation engine.
func NewCancelService(
	jobs *repository.JobRepository,
	captains *repository.CaptainRepository,
	wallet *WalletService,
	payment *PaymentService,
	dispatch *repository.DispatchRepository,
	surge *SurgeService,
	timers *TimerService,
	hub Publisher,
	notify *Notifier,
	cfg config.PaymentConfig,
) *CancelService {
	return &CancelService{
		jobs:     jobs,
		captains: captains,
		wallet:   wallet,
		payment:  payment,
		dispatch: dispatch,
		surge:    surge,
		timers:   timers,
		hub:      hub,
		notify:   notify,
		cfg:      cfg,
	}
}

// refundPercent prices the user refund for a cancellation.
//
//	USER       100% before a captain is assigned, 50% after
//	CAPTAIN    100% (the user did nothing wrong)
//	RESTAURANT 100%
//	SYSTEM     100%
//	ADMIN      100%
//
// late_delivery floors the result at the late-delivery percentage so a
// post-assign user cancel on a blown SLA still gets something back.
func refundPercent(actor model.CancelActor, assigned, lateDelivery bool, cfg config.PaymentConfig) int {
	pct := 100
	if actor == model.CancelByUser && assigned {
		pct = cfg.UserLateCancelPercent
	}
	if lateDelivery && pct < cfg.LateDeliveryRefundPercent {
		pct = cfg.LateDeliveryRefundPercent
	}
	return pct
}

// Cancel executes the full cancellation flow. Terminal jobs fail with
// ErrInvalidTransition; everything downstream of the state flip is
// best-effort in the sense that money and audit problems are logged and
// recorded, never left silently inconsistent.
func (s *CancelService) Cancel(ctx context.Context, req CancelRequest) (*model.Cancellation, error) {
	if req.Reason == "" {
		req.Reason = string(req.Actor) + "_CANCELLED"
	}

	prev, updated, err := s.jobs.CancelJob(ctx, req.JobID, req.Reason)
	if err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			return nil, ErrInvalidTransition
		}
		return nil, err
	}

	// Nothing may fire for a dead job.
	s.timers.CancelJob(req.JobID)
	s.releaseDispatchState(ctx, req.JobID, prev.Pickup)

	assigned := prev.Status == model.StateAssigned
	rec := &model.Cancellation{
		ID:           uuid.NewString(),
		JobID:        req.JobID,
		Actor:        req.Actor,
		Reason:       req.Reason,
		LateDelivery: req.LateDelivery,
		NoShow:       req.NoShow,
	}

	// ── Refund ──────────────────────────────────────────
	paid := paidTotal(prev)
	if req.NoShow {
		// The user never showed: no refund, and a no-show fee instead.
		s.collectNoShowFee(ctx, prev, rec)
	} else if paid > 0 {
		pct := refundPercent(req.Actor, assigned, req.LateDelivery, s.cfg)
		rec.RefundAmount = percentOf(paid, pct)
		if rec.RefundAmount > 0 {
			rec.RefundMethod = s.issueRefund(ctx, prev, rec.RefundAmount)
		}
	}

	// ── Captain penalty ─────────────────────────────────
	if req.Actor == model.CancelByCaptain && prev.CaptainID != nil {
		s.penalizeCaptain(ctx, prev, rec)
	}

	if err := s.jobs.InsertCancellation(ctx, rec); err != nil {
		log.Printf("[cancel] audit row for job %s: %v", req.JobID, err)
	}

	log.Printf("[cancel] job %s cancelled by %s (refund %d via %s, penalty %d)",
		req.JobID, req.Actor, rec.RefundAmount, orDash(string(rec.RefundMethod)), rec.PenaltyAmount)

	s.announce(ctx, prev, updated, rec)
	return rec, nil
}

// releaseDispatchState drops the Redis-side leftovers of a cancelled job:
// the live offer, the remaining candidate queue and the cached counts of
// the pickup zone, whose demand just changed. A dead job must not keep an
// offer alive until its TTL, and a captain must not accept one.
func (s *CancelService) releaseDispatchState(ctx context.Context, jobID string, pickup *model.Location) {
	if err := s.dispatch.ClearOffer(ctx, jobID); err != nil {
		log.Printf("[cancel] clear offer for job %s: %v", jobID, err)
	}
	if err := s.dispatch.ClearCandidates(ctx, jobID); err != nil {
		log.Printf("[cancel] clear candidates for job %s: %v", jobID, err)
	}
	if pickup != nil {
		s.surge.InvalidateZone(ctx, *pickup)
	}
}

// CancelBySystem is the timer/matcher entry point: a system-actor cancel
// with no flags.
func (s *CancelService) CancelBySystem(ctx context.Context, jobID, reason string) error {
	_, err := s.Cancel(ctx, CancelRequest{
		JobID:  jobID,
		Actor:  model.CancelBySystem,
		Reason: reason,
	})
	if errors.Is(err, ErrInvalidTransition) {
		// Already terminal; the race went the other way.
		return nil
	}
	return err
}

// paidTotal is the money actually collected so far: the full amount once
// the gateway leg captured, otherwise just the wallet share taken at
// checkout.
func paidTotal(job *model.Job) int64 {
	if job.IsPaid {
		return job.Amount
	}
	return job.WalletApplied
}

// issueRefund routes the refund: processor first when the charge went
// through one, wallet credit otherwise or on processor failure.
func (s *CancelService) issueRefund(ctx context.Context, job *model.Job, amount int64) model.RefundMethod {
	viaGateway := (job.PaymentMode == model.PayRazorpay || job.PaymentMode == model.PayWalletRazorpay) &&
		job.PaymentID != nil && job.IsPaid

	if viaGateway {
		refundID, err := s.payment.GatewayRefund(ctx, *job.PaymentID, amount)
		if err == nil {
			log.Printf("[cancel] job %s refunded %d via gateway (%s)", job.ID, amount, refundID)
			return model.RefundGateway
		}
		log.Printf("[cancel] gateway refund for job %s failed: %v; crediting wallet", job.ID, err)
	}

	if _, err := s.wallet.Refund(ctx, job.UserID, amount, job.ID, "cancellation refund"); err != nil {
		log.Printf("[cancel] WALLET REFUND FAILED for job %s amount %d: %v", job.ID, amount, err)
		return model.RefundNone
	}
	return model.RefundWallet
}

// collectNoShowFee debits the no-show fee from the user's wallet; when
// the wallet cannot cover it, an uncollected penalty row is recorded
// instead.
func (s *CancelService) collectNoShowFee(ctx context.Context, job *model.Job, rec *model.Cancellation) {
	fee := percentOf(job.Amount, s.cfg.NoShowFeePercent)
	if fee <= 0 {
		return
	}
	rec.PenaltyAmount = fee

	_, err := s.wallet.Debit(ctx, job.UserID, model.OwnerUser, fee,
		TxnPenalty, job.ID, "no-show fee")
	collected := err == nil
	if err != nil && !errors.Is(err, ErrInsufficientBalance) {
		log.Printf("[cancel] no-show debit for job %s: %v", job.ID, err)
	}

	if pErr := s.wallet.RecordPenalty(ctx, &model.Penalty{
		SubjectID:   job.UserID,
		SubjectType: model.OwnerUser,
		JobID:       job.ID,
		Amount:      fee,
		Reason:      "NO_SHOW",
		Collected:   collected,
	}); pErr != nil {
		log.Printf("[cancel] no-show penalty row for job %s: %v", job.ID, pErr)
	}
}

// penalizeCaptain applies the captain-cancel penalty: a wallet debit of
// the penalty percentage, a penalty row, and a 0.1 rating hit.
func (s *CancelService) penalizeCaptain(ctx context.Context, job *model.Job, rec *model.Cancellation) {
	captainID := *job.CaptainID
	penalty := percentOf(job.Amount, s.cfg.CaptainPenaltyPercent)
	rec.PenaltyAmount = penalty

	if penalty > 0 {
		_, err := s.wallet.Debit(ctx, captainID, model.OwnerCaptain, penalty,
			TxnPenalty, job.ID, "cancellation penalty")
		collected := err == nil
		if err != nil && !errors.Is(err, ErrInsufficientBalance) {
			log.Printf("[cancel] penalty debit for captain %s: %v", captainID, err)
		}

		if pErr := s.wallet.RecordPenalty(ctx, &model.Penalty{
			SubjectID:   captainID,
			SubjectType: model.OwnerCaptain,
			JobID:       job.ID,
			Amount:      penalty,
			Reason:      "CAPTAIN_CANCEL",
			Collected:   collected,
		}); pErr != nil {
			log.Printf("[cancel] penalty row for captain %s: %v", captainID, pErr)
		}
	}

	if err := s.captains.ApplyCancelPenalty(ctx, captainID); err != nil {
		log.Printf("[cancel] rating penalty for captain %s: %v", captainID, err)
	}
}

// announce fans the terminal status out and queues the durable user
// notification.
func (s *CancelService) announce(ctx context.Context, prev, updated *model.Job, rec *model.Cancellation) {
	payload := map[string]any{"job": updated, "cancellation": rec}

	s.hub.Publish(push.UserGroup(updated.UserID), push.EventJobStatus, payload)
	s.hub.Publish(push.JobGroup(updated.Kind, updated.ID), push.EventJobStatus, payload)
	if prev.CaptainID != nil {
		s.hub.Publish(push.CaptainGroup(*prev.CaptainID), push.EventJobStatus, payload)
	}

	body := "Your " + kindNoun(updated.Kind) + " was cancelled."
	if rec.RefundAmount > 0 {
		body = fmt.Sprintf("%s A refund of %d was issued.", body, rec.RefundAmount)
	}
	s.notify.Enqueue(ctx, &model.Notification{
		Recipient: updated.UserID,
		Role:      model.RoleUser,
		Priority:  model.PriorityHigh,
		Event:     push.EventJobStatus,
		Title:     "Cancelled",
		Body:      body,
		Data:      map[string]any{"job_id": updated.ID, "reason": rec.Reason},
	})
}

func kindNoun(kind model.JobKind) string {
	if kind == model.KindRide {
		return "ride"
	}
	return "order"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
