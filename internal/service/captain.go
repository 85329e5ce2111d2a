package service

import (
	"context"
	"fmt"
	"log"

	"github.com/hybridcore/dispatchd/internal/model"
	"github.com/hybridcore/dispatchd/internal/push"
	"github.com/hybridcore/dispatchd/internal/repository"
	"github.com/hybridcore/dispatchd/pkg/geo"
)

// CaptainService is the captain-facing surface: availability, live
// location, go-home mode and profile.
type CaptainService struct {
	captains *repository.CaptainRepository
	jobs     *repository.JobRepository
	surge    *SurgeService
	hub      Publisher
}

// NewCaptainService wires the captain surface.
func NewCaptainService(
	captains *repository.CaptainRepository,
	jobs *repository.JobRepository,
	surge *SurgeService,
	hub Publisher,
) *CaptainService {
	return &CaptainService{captains: captains, jobs: jobs, surge: surge, hub: hub}
}

// Profile returns the captain's full record.
func (s *CaptainService) Profile(ctx context.Context, captainID string) (*model.Captain, error) {
	return s.captains.Get(ctx, captainID)
}

// SetOnline flips availability. A busy captain cannot go offline; finish
// or cancel the active job first. Going on or off shifts zone supply, so
// the surge cache for the captain's cell is invalidated.
func (s *CaptainService) SetOnline(ctx context.Context, captainID string, online bool) (*model.Captain, error) {
	captain, err := s.captains.Get(ctx, captainID)
	if err != nil {
		return nil, err
	}
	if !online && captain.IsBusy {
		return nil, ErrCaptainBusy
	}

	if err := s.captains.SetOnline(ctx, captainID, online); err != nil {
		return nil, err
	}
	log.Printf("[captain] %s is now %s", captainID, onlineWord(online))

	if captain.Location != nil {
		s.surge.InvalidateZone(ctx, *captain.Location)
	}
	return s.captains.Get(ctx, captainID)
}

func onlineWord(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}

// ReportLocation ingests a captain position: validates, persists, and
// fans it out to everyone tracking the captain's active work. This is
// also the websocket hub's location sink.
func (s *CaptainService) ReportLocation(ctx context.Context, captainID string, loc model.Location) error {
	if !geo.Valid(loc) {
		return fmt.Errorf("location %v: %w", loc, ErrInvalidPayment)
	}
	if err := s.captains.UpdateLocation(ctx, captainID, loc); err != nil {
		return err
	}

	captain, err := s.captains.Get(ctx, captainID)
	if err != nil {
		return err
	}
	s.broadcastLocation(ctx, captain, loc)
	return nil
}

// broadcastLocation pushes location_update to the current job's user and
// job groups, and to every batched order's group.
func (s *CaptainService) broadcastLocation(ctx context.Context, captain *model.Captain, loc model.Location) {
	if !captain.IsBusy {
		return
	}

	payload := map[string]any{"captain_id": captain.ID, "lat": loc.Lat, "lon": loc.Lon}

	jobIDs := make([]string, 0, 1+len(captain.BatchedOrderIDs))
	if captain.CurrentJobID != nil {
		jobIDs = append(jobIDs, *captain.CurrentJobID)
	}
	for _, id := range captain.BatchedOrderIDs {
		if captain.CurrentJobID == nil || id != *captain.CurrentJobID {
			jobIDs = append(jobIDs, id)
		}
	}

	for _, jobID := range jobIDs {
		job, err := s.jobs.Get(ctx, jobID)
		if err != nil {
			log.Printf("[captain] location fanout for job %s: %v", jobID, err)
			continue
		}
		s.hub.Publish(push.UserGroup(job.UserID), push.EventLocationUpdate, payload)
		s.hub.Publish(push.JobGroup(job.Kind, job.ID), push.EventLocationUpdate, payload)
	}
}

// SetGoHome toggles go-home mode. Enabling requires a home location
// (either stored previously or supplied now); the matcher then favors
// jobs whose dropoff moves the captain homeward.
func (s *CaptainService) SetGoHome(ctx context.Context, captainID string, enabled bool, home *model.Location) (*model.Captain, error) {
	if home != nil && !geo.Valid(*home) {
		return nil, fmt.Errorf("home location %v: %w", *home, ErrInvalidPayment)
	}
	if enabled && home == nil {
		captain, err := s.captains.Get(ctx, captainID)
		if err != nil {
			return nil, err
		}
		if captain.Home == nil {
			return nil, fmt.Errorf("go-home needs a home location: %w", ErrInvalidPayment)
		}
	}

	if err := s.captains.SetGoHome(ctx, captainID, enabled, home); err != nil {
		return nil, err
	}
	log.Printf("[captain] %s go-home mode: %t", captainID, enabled)
	return s.captains.Get(ctx, captainID)
}
