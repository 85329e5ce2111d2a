package service

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/hybridcore/dispatchd/config"
	"github.com/hybridcore/dispatchd/internal/model"
	"github.com/hybridcore/dispatchd/internal/push"
	"github.com/hybridcore/dispatchd/internal/repository"
)

// ─── Transition tables ──────────────────────────────────────

var orderTransitions = map[model.JobState][]model.JobState{
	model.StatePendingPayment: {model.StatePlaced, model.StateFailed, model.StateCancelled},
	model.StatePlaced:         {model.StateAssigned, model.StateCancelled},
	model.StateAssigned:       {model.StateDelivered, model.StateCancelled},
}

var rideTransitions = map[model.JobState][]model.JobState{
	model.StatePendingPayment: {model.StateRequested, model.StateFailed, model.StateCancelled},
	model.StateRequested:      {model.StateAssigned, model.StateCancelled},
	model.StateAssigned:       {model.StateCompleted, model.StateCancelled},
}

// CanTransition reports whether from→to is legal for the job kind.
// from==to is always allowed (idempotent replays).
func CanTransition(kind model.JobKind, from, to model.JobState) bool {
	if from == to {
		return true
	}
	table := orderTransitions
	if kind == model.KindRide {
		table = rideTransitions
	}
	for _, next := range table[from] {
		if next == to {
			return true
		}
	}
	return false
}

// OpenState is the post-payment searching state for the kind.
func OpenState(kind model.JobKind) model.JobState {
	if kind == model.KindRide {
		return model.StateRequested
	}
	return model.StatePlaced
}

// TerminalState is the successful completion state for the kind.
func TerminalState(kind model.JobKind) model.JobState {
	if kind == model.KindRide {
		return model.StateCompleted
	}
	return model.StateDelivered
}

// ─── LifecycleService ───────────────────────────────────────

// LifecycleService owns job completion, the SLA deadline timers, and the
// settlement/reward side effects of finishing a job.
type LifecycleService struct {
	jobs      *repository.JobRepository
	wallet    *WalletService
	timers    *TimerService
	hub       Publisher
	notify    *Notifier
	canceller SystemCanceller

	sla config.SLAConfig
	pay config.PaymentConfig
	now func() time.Time
}

// NewLifecycleService wires the lifecycle layer.
func NewLifecycleService(
	jobs *repository.JobRepository,
	wallet *WalletService,
	timers *TimerService,
	hub Publisher,
	notify *Notifier,
	canceller SystemCanceller,
	sla config.SLAConfig,
	pay config.PaymentConfig,
) *LifecycleService {
	return &LifecycleService{
		jobs:      jobs,
		wallet:    wallet,
		timers:    timers,
		hub:       hub,
		notify:    notify,
		canceller: canceller,
		sla:       sla,
		pay:       pay,
		now:       time.Now,
	}
}

// ─── SLA timers ─────────────────────────────────────────────

// slaDeadlines returns the assign-by and complete-by windows for the kind.
func (s *LifecycleService) slaDeadlines(kind model.JobKind) (assign, complete time.Duration) {
	if kind == model.KindRide {
		return s.sla.RideAssign, s.sla.RideComplete
	}
	return s.sla.OrderAssign, s.sla.OrderDeliver
}

// ArmSLATimers arms both deadline timers when a job first enters its open
// state. Deadlines anchor on the job's creation time, so a job armed late
// (or re-armed after a restart) keeps its original budget.
func (s *LifecycleService) ArmSLATimers(job *model.Job) {
	assignSLA, completeSLA := s.slaDeadlines(job.Kind)
	jobID := job.ID

	s.timers.Schedule(jobID, TimerAssignSLA, time.Until(job.CreatedAt.Add(assignSLA)), func() {
		ctx, cancel := context.WithTimeout(context.Background(), timerCtxTimeout)
		defer cancel()
		s.handleAssignDeadline(ctx, jobID)
	})
	s.timers.Schedule(jobID, TimerCompleteSLA, time.Until(job.CreatedAt.Add(completeSLA)), func() {
		ctx, cancel := context.WithTimeout(context.Background(), timerCtxTimeout)
		defer cancel()
		s.handleCompletionDeadline(ctx, jobID)
	})
}

// handleAssignDeadline fires when a job sat unassigned past its assign-by
// deadline: mark NO_CAPTAIN and cancel with ASSIGN_TIMEOUT.
func (s *LifecycleService) handleAssignDeadline(ctx context.Context, jobID string) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		log.Printf("[sla] assign deadline for job %s: %v", jobID, err)
		return
	}
	if job.Status != model.StatePlaced && job.Status != model.StateRequested {
		return // assigned or terminal in time
	}

	log.Printf("[sla] job %s blew the assign deadline", jobID)
	if err := s.jobs.SetMatchState(ctx, jobID, model.MatchNoCaptain); err != nil {
		log.Printf("[sla] mark no-captain for job %s: %v", jobID, err)
	}
	if err := s.canceller.CancelBySystem(ctx, jobID, "ASSIGN_TIMEOUT"); err != nil {
		log.Printf("[sla] cancel job %s: %v", jobID, err)
	}
}

// handleCompletionDeadline fires when an assigned job blew its delivery
// or completion deadline: flag it late and cancel.
func (s *LifecycleService) handleCompletionDeadline(ctx context.Context, jobID string) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		log.Printf("[sla] completion deadline for job %s: %v", jobID, err)
		return
	}
	if job.Status != model.StateAssigned {
		return
	}

	reason := "DELIVERY_TIMEOUT"
	if job.Kind == model.KindRide {
		reason = "COMPLETE_TIMEOUT"
	}
	log.Printf("[sla] job %s blew the completion deadline", jobID)

	if err := s.jobs.MarkLate(ctx, jobID); err != nil {
		log.Printf("[sla] mark late for job %s: %v", jobID, err)
	}
	if err := s.canceller.CancelBySystem(ctx, jobID, reason); err != nil {
		log.Printf("[sla] cancel job %s: %v", jobID, err)
	}
}

// ─── Completion ─────────────────────────────────────────────

// Complete finishes a job on the assigned captain's word: the job goes to
// its terminal success state, the captain is freed (or rolled onto the
// next batched order), and settlement plus reward points follow.
func (s *LifecycleService) Complete(ctx context.Context, jobID, captainID string) (*model.Job, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	updated, nextJobID, err := s.jobs.CompleteJob(ctx, jobID, captainID, TerminalState(job.Kind))
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrWrongCaptain):
			return nil, ErrNotAssignedCaptain
		case errors.Is(err, repository.ErrStateConflict):
			return nil, ErrInvalidTransition
		default:
			return nil, err
		}
	}

	s.timers.CancelJob(jobID)
	log.Printf("[lifecycle] ✓ job %s %s by captain %s", jobID, updated.Status, captainID)

	s.settle(ctx, updated)
	s.reward(ctx, updated)
	s.announceCompletion(ctx, updated, captainID)

	if nextJobID != nil {
		s.promoteBatched(ctx, *nextJobID, captainID)
	}
	return updated, nil
}

// settle books the completed job into the ledger. Idempotent downstream.
func (s *LifecycleService) settle(ctx context.Context, job *model.Job) {
	var err error
	if job.Kind == model.KindRide {
		_, err = s.wallet.SettleRide(ctx, job)
	} else {
		_, err = s.wallet.SettleOrder(ctx, job)
	}
	if err != nil {
		log.Printf("[lifecycle] SETTLEMENT FAILED for job %s: %v", job.ID, err)
	}
}

// reward grants the user loyalty points as a percentage of the amount.
// Idempotent via the job's rewarded flag.
func (s *LifecycleService) reward(ctx context.Context, job *model.Job) {
	points := percentOf(job.Amount, s.pay.RewardRatePercent)
	if points <= 0 {
		return
	}
	granted, err := s.jobs.MarkRewarded(ctx, job.ID, points)
	if err != nil {
		log.Printf("[lifecycle] reward for job %s: %v", job.ID, err)
		return
	}
	if granted {
		log.Printf("[lifecycle] job %s earned %d points for user %s", job.ID, points, job.UserID)
	}
}

func (s *LifecycleService) announceCompletion(ctx context.Context, job *model.Job, captainID string) {
	payload := map[string]any{"job": job}

	s.hub.Publish(push.UserGroup(job.UserID), push.EventJobStatus, payload)
	s.hub.Publish(push.JobGroup(job.Kind, job.ID), push.EventJobStatus, payload)
	s.hub.Publish(push.CaptainGroup(captainID), push.EventJobStatus, payload)

	title := "Delivered"
	body := "Your order has been delivered. Enjoy!"
	if job.Kind == model.KindRide {
		title = "Ride completed"
		body = "You have reached your destination."
	}
	s.notify.Enqueue(ctx, &model.Notification{
		Recipient: job.UserID,
		Role:      model.RoleUser,
		Priority:  model.PriorityNormal,
		Event:     push.EventJobStatus,
		Title:     title,
		Body:      body,
		Data:      map[string]any{"job_id": job.ID},
	})
}

// promoteBatched tells the next batched order's user that their delivery
// is now the captain's current job.
func (s *LifecycleService) promoteBatched(ctx context.Context, nextJobID, captainID string) {
	next, err := s.jobs.Get(ctx, nextJobID)
	if err != nil {
		log.Printf("[lifecycle] promoted order %s: %v", nextJobID, err)
		return
	}

	log.Printf("[lifecycle] captain %s now on batched order %s", captainID, nextJobID)

	payload := map[string]any{"job": next, "captain_id": captainID}
	s.hub.Publish(push.UserGroup(next.UserID), push.EventJobStatus, payload)
	s.hub.Publish(push.JobGroup(next.Kind, next.ID), push.EventJobStatus, payload)

	s.notify.Enqueue(ctx, &model.Notification{
		Recipient: next.UserID,
		Role:      model.RoleUser,
		Priority:  model.PriorityNormal,
		Event:     push.EventJobStatus,
		Title:     "On the way",
		Body:      "Your captain is now heading to you.",
		Data:      map[string]any{"job_id": next.ID},
	})
}
