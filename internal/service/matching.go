// Package service contains the core business logic for job dispatch.
package service

import (
	"context"
	"errors"
	"log"
	"math"
	"sort"
	"time"

	"github.com/hybridcore/dispatchd/config"
	"github.com/hybridcore/dispatchd/internal/model"
	"github.com/hybridcore/dispatchd/internal/push"
	"github.com/hybridcore/dispatchd/internal/repository"
	"github.com/hybridcore/dispatchd/pkg/geo"
)

// Publisher is the narrow push-fanout surface the services need. The
// websocket hub implements it; tests substitute a recorder.
type Publisher interface {
	Publish(group, eventType string, data any)
}

// SystemCanceller is the slice of the cancellation engine the matcher and
// SLA timers call into. Narrow on purpose: timers schedule functions, they
// never reach back into the component that armed them.
type SystemCanceller interface {
	CancelBySystem(ctx context.Context, jobID, reason string) error
}

const (
	// defaultIdleMinutes is the fairness input for a captain who has
	// never been assigned: treated as two hours idle, saturating the term.
	defaultIdleMinutes = 120.0

	// goHomeBonus is subtracted from the score of a go-home captain when
	// the job's dropoff moves them toward home.
	goHomeBonus = 0.5

	// timerCtxTimeout bounds the background context a timer callback or
	// async dispatch runs under.
	timerCtxTimeout = 30 * time.Second
)

// ─── MatchingService ────────────────────────────────────────

// MatchingService runs the dispatch pipeline: pickup resolution, order
// batching, candidate discovery and ranking, and the offer loop with its
// accept/reject/timeout transitions.
//
// Concurrency model: every mutation is an atomic storage operation (job
// row locks in PostgreSQL, the offer claim script in Redis, captain CAS),
// so an accept racing a timeout or a cancellation resolves to exactly one
// winner and the losers observe a stale read and stand down.
type MatchingService struct {
	jobs     *repository.JobRepository
	captains *repository.CaptainRepository
	identity *repository.IdentityRepository
	dispatch *repository.DispatchRepository
	logs     *repository.MatchLogRepository

	surge     *SurgeService
	routes    *RouteService
	timers    *TimerService
	hub       Publisher
	notify    *Notifier
	canceller SystemCanceller

	cfg config.MatchConfig
	now func() time.Time
}

// NewMatchingService wires the matcher.
func NewMatchingService(
	jobs *repository.JobRepository,
	captains *repository.CaptainRepository,
	identity *repository.IdentityRepository,
	dispatch *repository.DispatchRepository,
	logs *repository.MatchLogRepository,
	surge *SurgeService,
	routes *RouteService,
	timers *TimerService,
	hub Publisher,
	notify *Notifier,
	canceller SystemCanceller,
	cfg config.MatchConfig,
) *MatchingService {
	return &MatchingService{
		jobs:      jobs,
		captains:  captains,
		identity:  identity,
		dispatch:  dispatch,
		logs:      logs,
		surge:     surge,
		routes:    routes,
		timers:    timers,
		hub:       hub,
		notify:    notify,
		canceller: canceller,
		cfg:       cfg,
		now:       time.Now,
	}
}

// ─── Dispatch pipeline ──────────────────────────────────────

// Dispatch runs one matching cycle for an open job.
//
// Pipeline:
//  1. Resolve the pickup point (restaurant for orders, rider's choice
//     for rides). No pickup → NO_LOCATION, stop.
//  2. Orders only: try to batch onto a captain already delivering nearby.
//  3. Price the cycle with the surge estimator.
//  4. Discover candidates via the PostGIS radius query, rank them, write
//     the queue to Redis.
//  5. Hand over to the offer loop.
//
// Safe to call again for the same job (the retry ladder does): a job that
// left PLACED/REQUESTED in the meantime is detected by BeginSearch and
// the cycle aborts without side effects.
func (s *MatchingService) Dispatch(ctx context.Context, jobID string) error {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != model.StatePlaced && job.Status != model.StateRequested {
		log.Printf("[match] job %s is '%s'; skipping dispatch", jobID, job.Status)
		return nil
	}

	// ── Step 1: pickup resolution ───────────────────────
	pickup, err := s.resolvePickup(ctx, job)
	if err != nil {
		return err
	}
	if pickup == nil {
		log.Printf("[match] job %s has no resolvable pickup", jobID)
		if err := s.jobs.SetMatchState(ctx, jobID, model.MatchNoLocation); err != nil {
			return err
		}
		s.logDecision(ctx, jobID, 0, 1.0, "no_location")
		return nil
	}

	// ── Step 2: batching (orders only) ──────────────────
	if job.Kind == model.KindOrder {
		if batched := s.tryBatch(ctx, job, *pickup); batched {
			return nil
		}
	}

	// ── Step 3: surge ───────────────────────────────────
	surge := s.surge.Estimate(ctx, *pickup, false)

	job, err = s.jobs.BeginSearch(ctx, jobID, surge.Multiplier)
	if err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			log.Printf("[match] job %s left the open state mid-cycle; aborting", jobID)
			return nil
		}
		return err
	}

	// ── Step 4: discovery & ranking ─────────────────────
	vehicle := model.VehicleType("")
	if job.Kind == model.KindRide {
		vehicle = job.VehicleType
	}

	candidates, err := s.captains.FindAvailableNear(
		ctx, *pickup, s.cfg.RadiusM, vehicle, job.RejectedCaptains, s.cfg.MaxCandidates)
	if err != nil {
		return err
	}

	log.Printf("[match] job %s: %d candidates within %.0fm (surge %.2fx)",
		jobID, len(candidates), s.cfg.RadiusM, surge.Multiplier)

	if len(candidates) == 0 {
		s.logDecision(ctx, jobID, 0, surge.Multiplier, "no_candidates")
		return s.handleNoCaptain(ctx, job)
	}

	ranked := rankCandidates(candidates, *pickup, job.Dropoff, surge.Multiplier, s.cfg, s.now())
	ranked = s.rerankByETA(ctx, ranked, *pickup)

	if err := s.dispatch.SetCandidates(ctx, jobID, ranked); err != nil {
		return err
	}
	s.logDecision(ctx, jobID, len(ranked), surge.Multiplier, "candidates_ranked")

	// ── Step 5: offer loop ──────────────────────────────
	return s.OfferNext(ctx, jobID)
}

// resolvePickup returns the point to dispatch from: the restaurant's
// stored location for orders, the rider's chosen pickup for rides.
func (s *MatchingService) resolvePickup(ctx context.Context, job *model.Job) (*model.Location, error) {
	if job.Kind == model.KindRide {
		return job.Pickup, nil
	}
	if job.RestaurantID == nil {
		return nil, nil
	}
	rest, err := s.identity.GetRestaurant(ctx, *job.RestaurantID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return rest.Location, nil
}

// tryBatch attempts to append the order to a captain already delivering
// within the batch radius. Returns true when the order was batched and
// dispatch is done.
//
// The SQL candidate query matches on the proximity of the captain's
// existing pickups, not on where the captain is right now, so two checks
// happen here: the captain must still be within the dispatch radius of
// the new pickup, and slotting the pickup into their remaining stop list
// must not add more than the detour cap.
func (s *MatchingService) tryBatch(ctx context.Context, job *model.Job, pickup model.Location) bool {
	radius := math.Min(s.cfg.BatchRadiusM, s.cfg.RadiusM)

	captain, err := s.captains.FindBatchCaptain(ctx, pickup, radius, s.cfg.MaxBatch)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			log.Printf("[match] batch query for job %s failed: %v", job.ID, err)
		}
		return false
	}

	if captain.Location == nil || !geo.WithinRadiusM(pickup, *captain.Location, s.cfg.RadiusM) {
		log.Printf("[match] batch captain %s drifted out of range for job %s", captain.ID, job.ID)
		return false
	}

	detour := batchDetourMinutes(*captain.Location, s.batchStops(ctx, captain), pickup)
	if detour > s.cfg.BatchDetourMin {
		log.Printf("[match] batching job %s onto captain %s adds %.1f min (cap %.0f); skipping",
			job.ID, captain.ID, detour, s.cfg.BatchDetourMin)
		return false
	}

	updated, err := s.jobs.AttachBatchedOrder(ctx, job.ID, captain.ID, s.cfg.MaxBatch)
	if err != nil {
		// Captain filled up or went away between query and claim; fall
		// through to the normal offer loop.
		log.Printf("[match] batch claim for job %s on captain %s lost: %v", job.ID, captain.ID, err)
		return false
	}

	log.Printf("[match] ✓ job %s batched onto captain %s (%d orders)",
		job.ID, captain.ID, len(captain.BatchedOrderIDs)+1)

	s.logBatch(ctx, job.ID, captain.ID)
	s.announceAssignment(ctx, updated, captain.ID, true)
	return true
}

// batchStops collects the remaining dropoffs of the captain's active
// batch, in batch order. Jobs that cannot be read or carry no dropoff are
// skipped; the detour estimate just gets a shorter route.
func (s *MatchingService) batchStops(ctx context.Context, captain *model.Captain) []model.Location {
	stops := make([]model.Location, 0, len(captain.BatchedOrderIDs))
	for _, id := range captain.BatchedOrderIDs {
		j, err := s.jobs.Get(ctx, id)
		if err != nil || j.Dropoff == nil {
			continue
		}
		stops = append(stops, *j.Dropoff)
	}
	return stops
}

// batchDetourMinutes estimates the extra minutes of slotting a new pickup
// into a captain's remaining route, at the cheapest insertion point.
func batchDetourMinutes(captainLoc model.Location, stops []model.Location, pickup model.Location) float64 {
	route := append([]model.Location{captainLoc}, stops...)
	_, added := geo.FindBestInsertionIndex(route, pickup)
	return added
}

// ─── Scoring ────────────────────────────────────────────────

// rankCandidates scores and orders the candidate set, best first.
//
//	score = distance_km × W_distance × surge
//	      − rating × W_rating
//	      − fairness × W_fairness
//
// Lower is better: nearby, well-rated, long-idle captains first. Surge
// amplifies the distance term so in hot zones proximity dominates even
// harder. fairness is idle time capped at one hour; captains never
// assigned default to fully idle. Go-home captains get a bonus when the
// dropoff moves them toward home.
func rankCandidates(
	candidates []model.Captain,
	pickup model.Location,
	dropoff *model.Location,
	surge float64,
	cfg config.MatchConfig,
	now time.Time,
) []model.RankedCaptain {

	ranked := make([]model.RankedCaptain, 0, len(candidates))
	for i := range candidates {
		c := &candidates[i]
		if c.Location == nil {
			continue
		}

		dist := geo.HaversineKm(*c.Location, pickup)

		idle := defaultIdleMinutes
		if c.LastAssignedAt != nil {
			idle = now.Sub(*c.LastAssignedAt).Minutes()
		}
		fairness := math.Min(idle/60.0, 1.0)

		score := dist*cfg.WeightDistance*surge -
			c.AverageRating*cfg.WeightRating -
			fairness*cfg.WeightFairness

		if c.GoHomeMode && c.Home != nil && dropoff != nil {
			if geo.HaversineKm(*dropoff, *c.Home) < geo.HaversineKm(*c.Location, *c.Home) {
				score -= goHomeBonus
			}
		}

		ranked = append(ranked, model.RankedCaptain{
			CaptainID:  c.ID,
			Location:   *c.Location,
			DistanceKm: math.Round(dist*1000) / 1000,
			Rating:     c.AverageRating,
			Fairness:   fairness,
			Score:      score,
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score < ranked[j].Score
		}
		return ranked[i].DistanceKm < ranked[j].DistanceKm
	})
	return ranked
}

// rerankByETA re-sorts candidates by driving ETA when a routing provider
// is configured. Candidates without an ETA keep their scored order after
// those with one; any provider failure keeps the scored order untouched.
func (s *MatchingService) rerankByETA(ctx context.Context, ranked []model.RankedCaptain, pickup model.Location) []model.RankedCaptain {
	if s.routes == nil || !s.routes.HasProvider() || len(ranked) < 2 {
		return ranked
	}

	origins := make([]model.Location, len(ranked))
	for i, c := range ranked {
		origins[i] = c.Location
	}

	etas, err := s.routes.DriveTimes(ctx, origins, pickup)
	if err != nil {
		log.Printf("[match] ETA rerank unavailable: %v; keeping scored order", err)
		return ranked
	}
	return reorderByETA(ranked, etas)
}

// reorderByETA stably sorts candidates with a known ETA ascending and
// appends the unknowns in their existing order. etas[i] < 0 means unknown.
func reorderByETA(ranked []model.RankedCaptain, etas []float64) []model.RankedCaptain {
	if len(etas) != len(ranked) {
		return ranked
	}

	type withETA struct {
		c   model.RankedCaptain
		eta float64
	}
	known := make([]withETA, 0, len(ranked))
	unknown := make([]model.RankedCaptain, 0)

	for i, c := range ranked {
		if etas[i] >= 0 {
			known = append(known, withETA{c: c, eta: etas[i]})
		} else {
			unknown = append(unknown, c)
		}
	}

	sort.SliceStable(known, func(i, j int) bool { return known[i].eta < known[j].eta })

	out := make([]model.RankedCaptain, 0, len(ranked))
	for _, k := range known {
		out = append(out, k.c)
	}
	return append(out, unknown...)
}

// ─── Offer loop ─────────────────────────────────────────────

// OfferNext pops the best remaining candidate and extends an offer with a
// bounded time-to-accept. An exhausted queue escalates to the retry
// ladder.
func (s *MatchingService) OfferNext(ctx context.Context, jobID string) error {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != model.StatePlaced && job.Status != model.StateRequested {
		// Assigned or terminal while the loop was in flight; tidy up.
		s.dispatch.ClearCandidates(ctx, jobID)
		return nil
	}

	cand, err := s.dispatch.PopCandidate(ctx, jobID)
	if errors.Is(err, repository.ErrNoCandidates) {
		return s.handleNoCaptain(ctx, job)
	}
	if err != nil {
		return err
	}

	expiresAt := s.now().Add(s.cfg.OfferTimeout)
	if err := s.dispatch.SetOffer(ctx, jobID, cand.CaptainID, expiresAt); err != nil {
		return err
	}

	attempt, err := s.jobs.MarkOffered(ctx, jobID)
	if err != nil {
		// Job got cancelled between the state check and the offer write.
		s.dispatch.ClearOffer(ctx, jobID)
		if errors.Is(err, repository.ErrStateConflict) {
			return nil
		}
		return err
	}

	s.logOffer(ctx, jobID, cand.CaptainID, attempt, expiresAt)
	log.Printf("[offer] job %s → captain %s (attempt %d, %.2f km, expires %s)",
		jobID, cand.CaptainID, attempt, cand.DistanceKm, expiresAt.Format(time.RFC3339))

	s.hub.Publish(push.CaptainGroup(cand.CaptainID), push.EventJobOffer, map[string]any{
		"job":        job,
		"expires_at": expiresAt,
	})

	// Offline captains still get the offer through the provider channel.
	if online, err := s.dispatch.IsPresent(ctx, model.RoleCaptain, cand.CaptainID); err == nil && !online {
		s.notify.Enqueue(ctx, &model.Notification{
			Recipient: cand.CaptainID,
			Role:      model.RoleCaptain,
			Priority:  model.PriorityHigh,
			Event:     push.EventJobOffer,
			Title:     "New job nearby",
			Body:      "You have a new job offer. Open the app to accept.",
			Data:      map[string]any{"job_id": jobID},
		})
	}

	captainID := cand.CaptainID
	s.timers.Schedule(jobID, TimerOffer, s.cfg.OfferTimeout, func() {
		tctx, cancel := context.WithTimeout(context.Background(), timerCtxTimeout)
		defer cancel()
		if err := s.HandleOfferTimeout(tctx, jobID, captainID); err != nil {
			log.Printf("[timer] offer timeout for job %s: %v", jobID, err)
		}
	})
	return nil
}

// HandleOfferTimeout fires when a captain sat on an offer. The handler
// re-reads everything and acts only if the offer still names this captain
// and the job is still open; an accept that landed first already consumed
// the offer record and the timeout degenerates to a no-op.
func (s *MatchingService) HandleOfferTimeout(ctx context.Context, jobID, captainID string) error {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != model.StatePlaced && job.Status != model.StateRequested {
		return nil
	}
	if job.MatchState != model.MatchOffered {
		return nil
	}

	offer, err := s.dispatch.GetOffer(ctx, jobID)
	if errors.Is(err, repository.ErrNoOffer) {
		return nil
	}
	if err != nil {
		return err
	}
	if offer.CaptainID != captainID {
		return nil // superseded by a later offer
	}

	won, err := s.dispatch.ClaimOffer(ctx, jobID, captainID)
	if err != nil {
		return err
	}
	if !won {
		return nil // accept got there first
	}

	log.Printf("[offer] job %s: captain %s timed out", jobID, captainID)
	return s.passOver(ctx, jobID, captainID, "offer_timeout", true)
}

// Reject is a captain's explicit decline of their live offer.
func (s *MatchingService) Reject(ctx context.Context, jobID, captainID string) error {
	offer, err := s.dispatch.GetOffer(ctx, jobID)
	if errors.Is(err, repository.ErrNoOffer) {
		return ErrOfferExpired
	}
	if err != nil {
		return err
	}
	if offer.CaptainID != captainID {
		return ErrOfferExpired
	}

	won, err := s.dispatch.ClaimOffer(ctx, jobID, captainID)
	if err != nil {
		return err
	}
	if !won {
		return ErrOfferExpired
	}

	s.timers.Cancel(jobID, TimerOffer)
	log.Printf("[offer] job %s: captain %s rejected", jobID, captainID)
	return s.passOver(ctx, jobID, captainID, "offer_rejected", false)
}

// passOver records a declined/expired offer and moves to the next
// candidate: the captain joins the rejected set (so retry rounds skip
// them) and the loop continues. Timeouts additionally count against the
// captain's decline tally; explicit rejects do not.
func (s *MatchingService) passOver(ctx context.Context, jobID, captainID, outcome string, countDecline bool) error {
	if err := s.jobs.AddRejectedCaptain(ctx, jobID, captainID); err != nil {
		return err
	}
	if countDecline {
		if err := s.captains.IncrementCancellation(ctx, captainID); err != nil {
			log.Printf("[offer] decline counter for captain %s: %v", captainID, err)
		}
	}
	s.logDecisionWithCaptain(ctx, jobID, captainID, outcome)
	return s.OfferNext(ctx, jobID)
}

// CurrentOffer returns the captain's live offer for the job, or
// ErrOfferExpired when there is none or it names somebody else.
func (s *MatchingService) CurrentOffer(ctx context.Context, jobID, captainID string) (*model.Offer, error) {
	offer, err := s.dispatch.GetOffer(ctx, jobID)
	if errors.Is(err, repository.ErrNoOffer) {
		return nil, ErrOfferExpired
	}
	if err != nil {
		return nil, err
	}
	if offer.CaptainID != captainID {
		return nil, ErrOfferExpired
	}
	return offer, nil
}

// ─── Accept ─────────────────────────────────────────────────

// Accept commits the job to the requesting captain.
//
// Validation is linearised on the offer record: the live offer must name
// this captain and the atomic claim must win (the timeout path runs the
// same claim, so exactly one side proceeds). The captain row is then
// CAS-claimed; if the captain went unavailable in the window the offer is
// spent and the loop moves on, surfacing ErrCaptainUnavailable.
func (s *MatchingService) Accept(ctx context.Context, jobID, captainID string) (*model.Job, error) {
	offer, err := s.dispatch.GetOffer(ctx, jobID)
	if errors.Is(err, repository.ErrNoOffer) {
		return nil, ErrOfferExpired
	}
	if err != nil {
		return nil, err
	}
	if offer.CaptainID != captainID {
		return nil, ErrOfferExpired
	}

	won, err := s.dispatch.ClaimOffer(ctx, jobID, captainID)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, ErrOfferExpired
	}
	s.timers.Cancel(jobID, TimerOffer)

	job, err := s.jobs.AssignToCaptain(ctx, jobID, captainID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrCaptainUnavailable):
			// The offer is consumed; keep the job moving.
			log.Printf("[offer] job %s: captain %s unavailable at accept; moving on", jobID, captainID)
			if err := s.passOver(ctx, jobID, captainID, "captain_unavailable", false); err != nil {
				log.Printf("[offer] pass over after failed accept: %v", err)
			}
			return nil, ErrCaptainUnavailable
		case errors.Is(err, repository.ErrStateConflict):
			return nil, ErrInvalidTransition
		default:
			return nil, err
		}
	}

	log.Printf("[match] ✓ job %s assigned to captain %s after %d attempt(s)",
		jobID, captainID, job.Attempts)

	s.dispatch.ClearCandidates(ctx, jobID)
	s.logDecisionWithCaptain(ctx, jobID, captainID, "assigned")
	s.announceAssignment(ctx, job, captainID, false)
	return job, nil
}

// announceAssignment pushes job_assigned to everyone who cares and
// invalidates the zone's surge cache (one less free captain).
func (s *MatchingService) announceAssignment(ctx context.Context, job *model.Job, captainID string, batched bool) {
	payload := map[string]any{"job": job, "captain_id": captainID, "batched": batched}

	s.hub.Publish(push.CaptainGroup(captainID), push.EventJobAssigned, payload)
	s.hub.Publish(push.UserGroup(job.UserID), push.EventJobAssigned, payload)
	s.hub.Publish(push.JobGroup(job.Kind, job.ID), push.EventJobAssigned, payload)

	s.notify.Enqueue(ctx, &model.Notification{
		Recipient: job.UserID,
		Role:      model.RoleUser,
		Priority:  model.PriorityNormal,
		Event:     push.EventJobAssigned,
		Title:     "Captain assigned",
		Body:      "A captain is on the way.",
		Data:      map[string]any{"job_id": job.ID, "captain_id": captainID},
	})
	if job.Kind == model.KindOrder && job.RestaurantID != nil {
		s.notify.Enqueue(ctx, &model.Notification{
			Recipient: *job.RestaurantID,
			Role:      model.RoleRestaurant,
			Priority:  model.PriorityNormal,
			Event:     push.EventJobAssigned,
			Title:     "Captain assigned",
			Body:      "A captain will pick up this order.",
			Data:      map[string]any{"job_id": job.ID, "captain_id": captainID},
		})
	}

	if job.Pickup != nil {
		s.surge.InvalidateZone(ctx, *job.Pickup)
	}
}

// ─── Retry ladder ───────────────────────────────────────────

// handleNoCaptain escalates an exhausted candidate queue: schedule a
// delayed re-dispatch while retries remain, otherwise give up and cancel
// with NO_CAPTAIN.
//
// The delay grows linearly (delay × retry number): 20s, then 40s with the
// defaults.
func (s *MatchingService) handleNoCaptain(ctx context.Context, job *model.Job) error {
	retries, err := s.jobs.IncrementRetry(ctx, job.ID)
	if err != nil {
		return err
	}

	if retries <= s.cfg.RetryMax {
		delay := time.Duration(retries) * s.cfg.RetryDelay
		log.Printf("[match] job %s: no captain; retry %d/%d in %s",
			job.ID, retries, s.cfg.RetryMax, delay)
		s.logDecision(ctx, job.ID, 0, job.SurgeMultiplier, "retry_scheduled")

		jobID := job.ID
		s.timers.Schedule(jobID, TimerRetry, delay, func() {
			tctx, cancel := context.WithTimeout(context.Background(), timerCtxTimeout)
			defer cancel()
			if err := s.Dispatch(tctx, jobID); err != nil {
				log.Printf("[timer] retry dispatch for job %s: %v", jobID, err)
			}
		})
		return nil
	}

	log.Printf("[match] job %s: retries exhausted; giving up", job.ID)
	if err := s.jobs.SetMatchState(ctx, job.ID, model.MatchNoCaptain); err != nil {
		return err
	}
	s.logDecision(ctx, job.ID, 0, job.SurgeMultiplier, "no_captain")

	return s.canceller.CancelBySystem(ctx, job.ID, "NO_CAPTAIN")
}

// ─── Audit trail ────────────────────────────────────────────

// One row per decision, one per offer. Log failures never fail dispatch.

func (s *MatchingService) logDecision(ctx context.Context, jobID string, candidates int, surge float64, outcome string) {
	err := s.logs.Insert(ctx, &model.MatchingLog{
		JobID:          jobID,
		Stage:          "decision",
		CandidateCount: candidates,
		RadiusM:        s.cfg.RadiusM,
		Surge:          surge,
		Outcome:        outcome,
	})
	if err != nil {
		log.Printf("[match] decision log for job %s: %v", jobID, err)
	}
}

func (s *MatchingService) logDecisionWithCaptain(ctx context.Context, jobID, captainID, outcome string) {
	err := s.logs.Insert(ctx, &model.MatchingLog{
		JobID:     jobID,
		Stage:     "decision",
		CaptainID: &captainID,
		RadiusM:   s.cfg.RadiusM,
		Outcome:   outcome,
	})
	if err != nil {
		log.Printf("[match] decision log for job %s: %v", jobID, err)
	}
}

func (s *MatchingService) logOffer(ctx context.Context, jobID, captainID string, attempt int, expiresAt time.Time) {
	err := s.logs.Insert(ctx, &model.MatchingLog{
		JobID:     jobID,
		Stage:     "offer",
		CaptainID: &captainID,
		Attempt:   attempt,
		RadiusM:   s.cfg.RadiusM,
		Outcome:   "extended",
		ExpiresAt: &expiresAt,
	})
	if err != nil {
		log.Printf("[match] offer log for job %s: %v", jobID, err)
	}
}

func (s *MatchingService) logBatch(ctx context.Context, jobID, captainID string) {
	err := s.logs.Insert(ctx, &model.MatchingLog{
		JobID:     jobID,
		Stage:     "batch",
		CaptainID: &captainID,
		RadiusM:   math.Min(s.cfg.BatchRadiusM, s.cfg.RadiusM),
		Outcome:   "batched",
	})
	if err != nil {
		log.Printf("[match] batch log for job %s: %v", jobID, err)
	}
}
