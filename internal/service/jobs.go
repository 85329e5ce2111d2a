package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/hybridcore/dispatchd/internal/model"
	"github.com/hybridcore/dispatchd/internal/push"
	"github.com/hybridcore/dispatchd/internal/repository"
	"github.com/hybridcore/dispatchd/pkg/geo"
)

// OrderRequest is the order-intake payload after handler decoding.
type OrderRequest struct {
	RestaurantID string         `json:"restaurant_id"`
	Subtotal     int64          `json:"subtotal"`
	Dropoff      model.Location `json:"dropoff"`
	PaymentMode  string         `json:"payment_mode"`
	WalletAmount int64          `json:"wallet_amount"`
}

// RideRequest is the ride-intake payload.
type RideRequest struct {
	Pickup       model.Location    `json:"pickup"`
	Dropoff      model.Location    `json:"dropoff"`
	VehicleType  model.VehicleType `json:"vehicle_type"`
	PaymentMode  string            `json:"payment_mode"`
	WalletAmount int64             `json:"wallet_amount"`
}

// JobIntakeResult bundles the created job with its payment intent.
type JobIntakeResult struct {
	Job     *model.Job     `json:"job"`
	Payment *PaymentIntent `json:"payment"`
	Fare    *FareEstimate  `json:"fare,omitempty"`
}

// ─── JobService ─────────────────────────────────────────────

// JobService is the intake and read surface for jobs: creation with
// surge-priced amounts, payment verification, and status reads. Dispatch
// is handed off asynchronously once a job is open.
type JobService struct {
	jobs     *repository.JobRepository
	identity *repository.IdentityRepository
	logs     *repository.MatchLogRepository

	surge     *SurgeService
	pricing   *PricingService
	payment   *PaymentService
	lifecycle *LifecycleService
	matcher   *MatchingService
	hub       Publisher
}

// NewJobService wires job intake.
func NewJobService(
	jobs *repository.JobRepository,
	identity *repository.IdentityRepository,
	logs *repository.MatchLogRepository,
	surge *SurgeService,
	pricing *PricingService,
	payment *PaymentService,
	lifecycle *LifecycleService,
	matcher *MatchingService,
	hub Publisher,
) *JobService {
	return &JobService{
		jobs:      jobs,
		identity:  identity,
		logs:      logs,
		surge:     surge,
		pricing:   pricing,
		payment:   payment,
		lifecycle: lifecycle,
		matcher:   matcher,
		hub:       hub,
	}
}

// CreateOrder prices and creates a food order, runs checkout, and opens
// it for dispatch when payment is already covered.
func (s *JobService) CreateOrder(ctx context.Context, userID string, req OrderRequest) (*JobIntakeResult, error) {
	if req.Subtotal <= 0 {
		return nil, fmt.Errorf("order subtotal %d: %w", req.Subtotal, ErrInvalidPayment)
	}
	mode, err := NormalizeMode(req.PaymentMode)
	if err != nil {
		return nil, err
	}

	restaurant, err := s.identity.GetRestaurant(ctx, req.RestaurantID)
	if err != nil {
		return nil, err
	}
	if restaurant.Location == nil {
		return nil, fmt.Errorf("restaurant %s has no location: %w", req.RestaurantID, ErrInvalidPayment)
	}

	surge := s.surge.Estimate(ctx, *restaurant.Location, true)
	total := ApplySurge(req.Subtotal, surge.Multiplier)

	job := &model.Job{
		ID:              uuid.NewString(),
		Kind:            model.KindOrder,
		Status:          model.StatePendingPayment,
		MatchState:      model.MatchCreated,
		UserID:          userID,
		RestaurantID:    &req.RestaurantID,
		Pickup:          restaurant.Location,
		Dropoff:         &req.Dropoff,
		Amount:          total,
		SurgeMultiplier: surge.Multiplier,
		PaymentMode:     mode,
	}
	return s.intake(ctx, job, req.WalletAmount, nil)
}

// CreateRide prices and creates a ride request.
func (s *JobService) CreateRide(ctx context.Context, userID string, req RideRequest) (*JobIntakeResult, error) {
	if !geo.Valid(req.Pickup) || !geo.Valid(req.Dropoff) {
		return nil, fmt.Errorf("ride coordinates: %w", ErrInvalidPayment)
	}
	mode, err := NormalizeMode(req.PaymentMode)
	if err != nil {
		return nil, err
	}

	fare, err := s.pricing.EstimateFare(ctx, req.Pickup, req.Dropoff, req.VehicleType)
	if err != nil {
		return nil, err
	}

	job := &model.Job{
		ID:              uuid.NewString(),
		Kind:            model.KindRide,
		Status:          model.StatePendingPayment,
		MatchState:      model.MatchCreated,
		UserID:          userID,
		VehicleType:     req.VehicleType,
		Pickup:          &req.Pickup,
		Dropoff:         &req.Dropoff,
		Amount:          fare.FareTotal,
		SurgeMultiplier: fare.SurgeMultiplier,
		PaymentMode:     mode,
	}
	return s.intake(ctx, job, req.WalletAmount, fare)
}

// intake persists the job, runs checkout, and opens fully-paid jobs.
func (s *JobService) intake(ctx context.Context, job *model.Job, walletAmount int64, fare *FareEstimate) (*JobIntakeResult, error) {
	share, err := walletShare(job.PaymentMode, job.Kind, job.Amount, walletAmount)
	if err != nil {
		return nil, err
	}
	job.WalletApplied = share

	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	log.Printf("[jobs] created %s %s for user %s (amount %d, %s)",
		job.Kind, job.ID, job.UserID, job.Amount, job.PaymentMode)

	intent, err := s.payment.Prepare(ctx, job, walletAmount)
	if err != nil {
		// Checkout failed; the job dies in PENDING_PAYMENT.
		if _, fErr := s.payment.Fail(ctx, job.ID, "checkout failed"); fErr != nil {
			log.Printf("[jobs] fail after checkout error for %s: %v", job.ID, fErr)
		}
		return nil, err
	}

	current := job
	if intent.Paid {
		current, err = s.open(ctx, job.ID)
		if err != nil {
			return nil, err
		}
	}
	return &JobIntakeResult{Job: current, Payment: intent, Fare: fare}, nil
}

// VerifyPayment confirms the gateway leg and opens the job for dispatch.
func (s *JobService) VerifyPayment(ctx context.Context, jobID, paymentID, signature string) (*model.Job, error) {
	if _, err := s.payment.Verify(ctx, jobID, paymentID, signature); err != nil {
		return nil, err
	}
	return s.open(ctx, jobID)
}

// FailPayment abandons a pending payment.
func (s *JobService) FailPayment(ctx context.Context, jobID, reason string) (*model.Job, error) {
	return s.payment.Fail(ctx, jobID, reason)
}

// open moves a job into its searching state, arms the SLA deadlines, and
// kicks dispatch off in the background.
func (s *JobService) open(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	updated, err := s.jobs.Transition(ctx, jobID,
		[]model.JobState{model.StatePendingPayment}, OpenState(job.Kind), "payment confirmed")
	if err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			return nil, ErrInvalidTransition
		}
		return nil, err
	}

	s.lifecycle.ArmSLATimers(updated)
	s.hub.Publish(push.UserGroup(updated.UserID), push.EventJobStatus, map[string]any{"job": updated})

	jobID = updated.ID
	go func() {
		dctx, cancel := context.WithTimeout(context.Background(), timerCtxTimeout)
		defer cancel()
		if err := s.matcher.Dispatch(dctx, jobID); err != nil {
			log.Printf("[jobs] dispatch %s: %v", jobID, err)
		}
	}()

	return updated, nil
}

// Get returns a job. ownerID restricts the read to the job's user or
// assigned captain; pass empty for admin reads.
func (s *JobService) Get(ctx context.Context, jobID, ownerID string) (*model.Job, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && job.UserID != ownerID &&
		(job.CaptainID == nil || *job.CaptainID != ownerID) {
		return nil, repository.ErrNotFound
	}
	return job, nil
}

// MatchTrail returns the job's matching audit rows for admin debugging.
func (s *JobService) MatchTrail(ctx context.Context, jobID string) ([]model.MatchingLog, error) {
	return s.logs.ListByJob(ctx, jobID)
}

// EstimateSurge exposes the zone multiplier for a point.
func (s *JobService) EstimateSurge(ctx context.Context, loc model.Location) (*SurgeResult, error) {
	if !geo.Valid(loc) {
		return nil, fmt.Errorf("surge estimate: invalid coordinates: %w", ErrInvalidPayment)
	}
	return s.surge.Estimate(ctx, loc, false), nil
}
