// Package repository provides database access for the dispatch core.
//
// JobRepository handles transactional job mutations with pessimistic
// locking (SELECT ... FOR UPDATE) so concurrent accept, timeout, cancel
// and complete calls serialize on the job row.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hybridcore/dispatchd/internal/model"
)

// ─── Shared sentinels ───────────────────────────────────────

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("repository: not found")

	// ErrStateConflict is returned when a conditional update matched no
	// rows because the entity is no longer in the expected state.
	ErrStateConflict = errors.New("repository: state conflict")

	// ErrCaptainUnavailable is returned when the captain claim CAS fails:
	// the captain went offline, got busy or was unverified in the meantime.
	ErrCaptainUnavailable = errors.New("repository: captain unavailable")

	// ErrWrongCaptain is returned when a captain acts on a job assigned
	// to somebody else.
	ErrWrongCaptain = errors.New("repository: job assigned to different captain")

	// ErrInsufficientFunds is returned when a wallet debit would take the
	// balance below zero.
	ErrInsufficientFunds = errors.New("repository: insufficient funds")
)

// DefaultTxTimeout is the maximum duration for a complete job transaction,
// including lock wait time.
const DefaultTxTimeout = 5 * time.Second

// ─── JobRepository ──────────────────────────────────────────

// JobRepository handles job rows and the job⇄captain transactions.
type JobRepository struct {
	pool *pgxpool.Pool
}

// NewJobRepository creates a new job repository.
func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

const jobColumns = `id, kind, status, match_state, user_id, restaurant_id, captain_id,
	vehicle_type, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
	amount, surge_multiplier, payment_mode, payment_id, wallet_applied,
	is_paid, settled, rewarded, points_earned, job_attempts, retry_count,
	rejected_captains, late, status_history, created_at, assigned_at,
	completed_at, cancelled_at, updated_at`

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	j := &model.Job{}
	var (
		pickupLat, pickupLon, dropLat, dropLon *float64
		history                                []byte
	)

	err := row.Scan(
		&j.ID, &j.Kind, &j.Status, &j.MatchState, &j.UserID, &j.RestaurantID, &j.CaptainID,
		&j.VehicleType, &pickupLat, &pickupLon, &dropLat, &dropLon,
		&j.Amount, &j.SurgeMultiplier, &j.PaymentMode, &j.PaymentID, &j.WalletApplied,
		&j.IsPaid, &j.Settled, &j.Rewarded, &j.PointsEarned, &j.Attempts, &j.RetryCount,
		&j.RejectedCaptains, &j.Late, &history, &j.CreatedAt, &j.AssignedAt,
		&j.CompletedAt, &j.CancelledAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if pickupLat != nil && pickupLon != nil {
		j.Pickup = &model.Location{Lat: *pickupLat, Lon: *pickupLon}
	}
	if dropLat != nil && dropLon != nil {
		j.Dropoff = &model.Location{Lat: *dropLat, Lon: *dropLon}
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &j.StatusHistory); err != nil {
			return nil, fmt.Errorf("jobs: decode status history: %w", err)
		}
	}
	return j, nil
}

// historyPatch marshals one status change as a single-element JSONB array
// for appending with the || operator.
func historyPatch(from, to model.JobState, reason string) ([]byte, error) {
	patch, err := json.Marshal([]model.StatusChange{{
		From:   from,
		To:     to,
		Reason: reason,
		At:     time.Now().UTC(),
	}})
	if err != nil {
		return nil, fmt.Errorf("jobs: encode status change: %w", err)
	}
	return patch, nil
}

// ─── CRUD ───────────────────────────────────────────────────

// Create inserts a new job row.
func (r *JobRepository) Create(ctx context.Context, j *model.Job) error {
	var pickupLat, pickupLon, dropLat, dropLon *float64
	if j.Pickup != nil {
		pickupLat, pickupLon = &j.Pickup.Lat, &j.Pickup.Lon
	}
	if j.Dropoff != nil {
		dropLat, dropLon = &j.Dropoff.Lat, &j.Dropoff.Lon
	}

	history, err := json.Marshal(j.StatusHistory)
	if err != nil {
		return fmt.Errorf("jobs: encode status history: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO jobs (
			id, kind, status, match_state, user_id, restaurant_id, captain_id,
			vehicle_type, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
			amount, surge_multiplier, payment_mode, payment_id, wallet_applied,
			is_paid, status_history
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`,
		j.ID, j.Kind, j.Status, j.MatchState, j.UserID, j.RestaurantID, j.CaptainID,
		j.VehicleType, pickupLat, pickupLon, dropLat, dropLon,
		j.Amount, j.SurgeMultiplier, j.PaymentMode, j.PaymentID, j.WalletApplied,
		j.IsPaid, history,
	)
	if err != nil {
		return fmt.Errorf("jobs: insert %s: %w", j.ID, err)
	}
	return nil
}

// Get fetches a single job by ID.
func (r *JobRepository) Get(ctx context.Context, id string) (*model.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("jobs: %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("jobs: get %s: %w", id, err)
	}
	return j, nil
}

// ─── Lifecycle transitions ──────────────────────────────────

// Transition moves a job from one of the allowed states to the target
// state, appending a status history entry. It is a conditional update:
// if the job left the expected state concurrently, ErrStateConflict is
// returned and nothing is written.
// transitionQuery builds the history entry inside the UPDATE, where the
// unqualified status column still holds the pre-update value. Several
// from-states can be allowed at once; the entry must name the one the row
// actually left.
const transitionQuery = `
	UPDATE jobs
	SET status = $2,
	    status_history = status_history || jsonb_build_array(jsonb_build_object(
	        'from', status, 'to', $2::text, 'reason', $3::text, 'at', now())),
	    updated_at = now()
	WHERE id = $1 AND status = ANY($4)
	RETURNING ` + jobColumns

func (r *JobRepository) Transition(ctx context.Context, id string, from []model.JobState, to model.JobState, reason string) (*model.Job, error) {
	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}

	row := r.pool.QueryRow(ctx, transitionQuery, id, to, reason, fromStrs)

	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("jobs: %s -> %s: %w", id, to, ErrStateConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("jobs: transition %s: %w", id, err)
	}
	return j, nil
}

// MarkPaid flags the job paid and records the gateway payment id.
func (r *JobRepository) MarkPaid(ctx context.Context, id string, paymentID *string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET is_paid = TRUE, payment_id = COALESCE($2, payment_id), updated_at = now()
		WHERE id = $1
	`, id, paymentID)
	if err != nil {
		return fmt.Errorf("jobs: mark paid %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("jobs: %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkLate flags a job that blew its completion SLA.
func (r *JobRepository) MarkLate(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `UPDATE jobs SET late = TRUE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("jobs: mark late %s: %w", id, err)
	}
	return nil
}

// MarkRewarded stores the reward points granted for a completed job.
// Conditional on rewarded = FALSE so points are granted at most once.
func (r *JobRepository) MarkRewarded(ctx context.Context, id string, points int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET rewarded = TRUE, points_earned = $2, updated_at = now()
		WHERE id = $1 AND NOT rewarded
	`, id, points)
	if err != nil {
		return false, fmt.Errorf("jobs: mark rewarded %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ─── Matching sub-state ─────────────────────────────────────

// SetMatchState updates only the dispatch sub-state.
func (r *JobRepository) SetMatchState(ctx context.Context, id string, ms model.MatchState) error {
	tag, err := r.pool.Exec(ctx, `UPDATE jobs SET match_state = $2, updated_at = now() WHERE id = $1`, id, ms)
	if err != nil {
		return fmt.Errorf("jobs: set match state %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("jobs: %s: %w", id, ErrNotFound)
	}
	return nil
}

// BeginSearch puts an open job into SEARCHING and stores the surge
// multiplier the match round was priced with.
func (r *JobRepository) BeginSearch(ctx context.Context, id string, surge float64) (*model.Job, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE jobs
		SET match_state = 'SEARCHING', surge_multiplier = $2, updated_at = now()
		WHERE id = $1 AND status IN ('PLACED', 'REQUESTED')
		RETURNING `+jobColumns,
		id, surge)

	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("jobs: begin search %s: %w", id, ErrStateConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("jobs: begin search %s: %w", id, err)
	}
	return j, nil
}

// MarkOffered bumps the offer attempt counter and flips the sub-state.
// Returns the new attempt number.
func (r *JobRepository) MarkOffered(ctx context.Context, id string) (int, error) {
	var attempts int
	err := r.pool.QueryRow(ctx, `
		UPDATE jobs
		SET match_state = 'OFFERED', job_attempts = job_attempts + 1, updated_at = now()
		WHERE id = $1 AND status IN ('PLACED', 'REQUESTED')
		RETURNING job_attempts
	`, id).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("jobs: mark offered %s: %w", id, ErrStateConflict)
	}
	if err != nil {
		return 0, fmt.Errorf("jobs: mark offered %s: %w", id, err)
	}
	return attempts, nil
}

// IncrementRetry bumps the retry ladder counter and flips the job into
// RETRYING. Returns the new retry count.
func (r *JobRepository) IncrementRetry(ctx context.Context, id string) (int, error) {
	var retries int
	err := r.pool.QueryRow(ctx, `
		UPDATE jobs
		SET match_state = 'RETRYING', retry_count = retry_count + 1, updated_at = now()
		WHERE id = $1
		RETURNING retry_count
	`, id).Scan(&retries)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("jobs: %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("jobs: increment retry %s: %w", id, err)
	}
	return retries, nil
}

// AddRejectedCaptain records a captain who declined or timed out so later
// match rounds skip them. Appends at most once.
func (r *JobRepository) AddRejectedCaptain(ctx context.Context, id, captainID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET rejected_captains = array_append(rejected_captains, $2), updated_at = now()
		WHERE id = $1 AND NOT ($2 = ANY(rejected_captains))
	`, id, captainID)
	if err != nil {
		return fmt.Errorf("jobs: add rejected captain %s: %w", id, err)
	}
	return nil
}

// ─── The core job⇄captain transactions ──────────────────────

// AssignToCaptain atomically claims the captain and assigns the job.
//
// Concurrency strategy: PESSIMISTIC LOCKING on the job row plus a
// conditional UPDATE (CAS) on the captain row.
//
//	Scenario: the captain accepts at the same instant the offer timer
//	fires, or two jobs race for the same captain.
//
//	Timeline:
//	  T1: BEGIN → SELECT job FOR UPDATE → (job row LOCKED)
//	  T2: BEGIN → SELECT job FOR UPDATE → (BLOCKS)
//	  T1: captain CAS UPDATE ... WHERE NOT is_busy → 1 row → COMMIT
//	  T2: (unblocked) → re-reads job → already ASSIGNED → rolls back
//
// The captain CAS matching zero rows means the captain went offline, got
// busy or was unverified between candidate selection and accept; the
// caller gets ErrCaptainUnavailable and moves to the next candidate.
func (r *JobRepository) AssignToCaptain(ctx context.Context, jobID, captainID string) (*model.Job, error) {
	txCtx, cancel := context.WithTimeout(ctx, DefaultTxTimeout)
	defer cancel()

	tx, err := r.pool.BeginTx(txCtx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("assign: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// ── Step 1: LOCK the job row ────────────────────────
	row := tx.QueryRow(txCtx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("assign: job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("assign: lock job %s: %w", jobID, err)
	}

	// ── Step 2: Validate job state ──────────────────────
	if job.Status != model.StatePlaced && job.Status != model.StateRequested {
		return nil, fmt.Errorf("assign: job %s status is '%s': %w", jobID, job.Status, ErrStateConflict)
	}

	// ── Step 3: CAS-claim the captain ───────────────────
	// Rides require the captain's vehicle class to match; orders take any.
	vehicle := ""
	if job.Kind == model.KindRide {
		vehicle = string(job.VehicleType)
	}
	tag, err := tx.Exec(txCtx, `
		UPDATE captains
		SET is_busy = TRUE, current_job_id = $1, last_assigned_at = now(), updated_at = now()
		WHERE id = $2
		  AND is_online AND is_verified AND NOT is_busy
		  AND ($3 = '' OR vehicle_type = $3)
	`, jobID, captainID, vehicle)
	if err != nil {
		return nil, fmt.Errorf("assign: claim captain %s: %w", captainID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("assign: captain %s: %w", captainID, ErrCaptainUnavailable)
	}

	// Orders join the captain's batch list; the current job is the head.
	if job.Kind == model.KindOrder {
		if _, err := tx.Exec(txCtx, `
			UPDATE captains SET batched_order_ids = array_append(batched_order_ids, $1)
			WHERE id = $2
		`, jobID, captainID); err != nil {
			return nil, fmt.Errorf("assign: batch order %s: %w", jobID, err)
		}
	}

	// ── Step 4: Assign the job ──────────────────────────
	patch, err := historyPatch(job.Status, model.StateAssigned, "captain accepted")
	if err != nil {
		return nil, err
	}
	row = tx.QueryRow(txCtx, `
		UPDATE jobs
		SET status = 'ASSIGNED', match_state = 'ASSIGNED', captain_id = $2,
		    assigned_at = now(), status_history = status_history || $3::jsonb,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+jobColumns,
		jobID, captainID, patch)
	updated, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("assign: update job %s: %w", jobID, err)
	}

	// ── Step 5: COMMIT ──────────────────────────────────
	if err := tx.Commit(txCtx); err != nil {
		return nil, fmt.Errorf("assign: commit: %w", err)
	}
	return updated, nil
}

// AttachBatchedOrder adds an open order to a captain already delivering
// nearby. The captain must be busy with at least one order and below the
// batch capacity; the order skips the offer loop entirely.
func (r *JobRepository) AttachBatchedOrder(ctx context.Context, jobID, captainID string, maxBatch int) (*model.Job, error) {
	txCtx, cancel := context.WithTimeout(ctx, DefaultTxTimeout)
	defer cancel()

	tx, err := r.pool.BeginTx(txCtx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("batch: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(txCtx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("batch: job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("batch: lock job %s: %w", jobID, err)
	}
	if job.Kind != model.KindOrder || job.Status != model.StatePlaced {
		return nil, fmt.Errorf("batch: job %s not an open order: %w", jobID, ErrStateConflict)
	}

	tag, err := tx.Exec(txCtx, `
		UPDATE captains
		SET batched_order_ids = array_append(batched_order_ids, $1), updated_at = now()
		WHERE id = $2
		  AND is_online AND is_verified AND is_busy
		  AND cardinality(batched_order_ids) >= 1
		  AND cardinality(batched_order_ids) < $3
	`, jobID, captainID, maxBatch)
	if err != nil {
		return nil, fmt.Errorf("batch: claim captain %s: %w", captainID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("batch: captain %s: %w", captainID, ErrCaptainUnavailable)
	}

	patch, err := historyPatch(job.Status, model.StateAssigned, "batched with active delivery")
	if err != nil {
		return nil, err
	}
	row = tx.QueryRow(txCtx, `
		UPDATE jobs
		SET status = 'ASSIGNED', match_state = 'ASSIGNED', captain_id = $2,
		    assigned_at = now(), status_history = status_history || $3::jsonb,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+jobColumns,
		jobID, captainID, patch)
	updated, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("batch: update job %s: %w", jobID, err)
	}

	if err := tx.Commit(txCtx); err != nil {
		return nil, fmt.Errorf("batch: commit: %w", err)
	}
	return updated, nil
}

// CompleteJob finishes an assigned job and settles the captain's batch.
//
// For orders the completed job is pulled from the captain's batch list;
// if more batched orders remain, the head is promoted to current job and
// the captain stays busy. Otherwise the captain is freed. total_trips is
// bumped either way. Returns the promoted next job id if any.
func (r *JobRepository) CompleteJob(ctx context.Context, jobID, captainID string, to model.JobState) (*model.Job, *string, error) {
	txCtx, cancel := context.WithTimeout(ctx, DefaultTxTimeout)
	defer cancel()

	tx, err := r.pool.BeginTx(txCtx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, nil, fmt.Errorf("complete: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(txCtx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, fmt.Errorf("complete: job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("complete: lock job %s: %w", jobID, err)
	}

	if job.Status != model.StateAssigned {
		return nil, nil, fmt.Errorf("complete: job %s status is '%s': %w", jobID, job.Status, ErrStateConflict)
	}
	if job.CaptainID == nil || *job.CaptainID != captainID {
		return nil, nil, fmt.Errorf("complete: job %s: %w", jobID, ErrWrongCaptain)
	}

	patch, err := historyPatch(job.Status, to, "completed by captain")
	if err != nil {
		return nil, nil, err
	}
	row = tx.QueryRow(txCtx, `
		UPDATE jobs
		SET status = $2, match_state = 'COMPLETED', completed_at = now(),
		    status_history = status_history || $3::jsonb, updated_at = now()
		WHERE id = $1
		RETURNING `+jobColumns,
		jobID, to, patch)
	updated, err := scanJob(row)
	if err != nil {
		return nil, nil, fmt.Errorf("complete: update job %s: %w", jobID, err)
	}

	next, err := settleCaptainBatch(txCtx, tx, captainID, jobID, true)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(txCtx); err != nil {
		return nil, nil, fmt.Errorf("complete: commit: %w", err)
	}
	return updated, next, nil
}

// CancelJob moves a job to CANCELLED and frees its captain if one was
// assigned. Returns the pre-cancel snapshot (the refund policy needs the
// prior state) and the updated row.
func (r *JobRepository) CancelJob(ctx context.Context, jobID, reason string) (prev, updated *model.Job, err error) {
	txCtx, cancel := context.WithTimeout(ctx, DefaultTxTimeout)
	defer cancel()

	tx, err := r.pool.BeginTx(txCtx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, nil, fmt.Errorf("cancel: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(txCtx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, fmt.Errorf("cancel: job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("cancel: lock job %s: %w", jobID, err)
	}

	if job.Terminal() {
		return nil, nil, fmt.Errorf("cancel: job %s is '%s': %w", jobID, job.Status, ErrStateConflict)
	}

	patch, err := historyPatch(job.Status, model.StateCancelled, reason)
	if err != nil {
		return nil, nil, err
	}
	row = tx.QueryRow(txCtx, `
		UPDATE jobs
		SET status = 'CANCELLED', match_state = 'CANCELLED', cancelled_at = now(),
		    status_history = status_history || $2::jsonb, updated_at = now()
		WHERE id = $1
		RETURNING `+jobColumns,
		jobID, patch)
	updated, err = scanJob(row)
	if err != nil {
		return nil, nil, fmt.Errorf("cancel: update job %s: %w", jobID, err)
	}

	if job.CaptainID != nil {
		if _, err := settleCaptainBatch(txCtx, tx, *job.CaptainID, jobID, false); err != nil {
			return nil, nil, err
		}
	}

	if err := tx.Commit(txCtx); err != nil {
		return nil, nil, fmt.Errorf("cancel: commit: %w", err)
	}
	return job, updated, nil
}

// settleCaptainBatch removes jobID from the captain's batch list inside
// an open transaction. If other batched orders remain the head is promoted
// and the captain stays busy; otherwise the captain is freed. Bumps
// total_trips when countTrip is set.
func settleCaptainBatch(ctx context.Context, tx pgx.Tx, captainID, jobID string, countTrip bool) (*string, error) {
	var (
		batched []string
		current *string
	)
	err := tx.QueryRow(ctx, `
		SELECT batched_order_ids, current_job_id FROM captains WHERE id = $1 FOR UPDATE
	`, captainID).Scan(&batched, &current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("captains: %s: %w", captainID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("captains: lock %s: %w", captainID, err)
	}

	remaining := make([]string, 0, len(batched))
	for _, id := range batched {
		if id != jobID {
			remaining = append(remaining, id)
		}
	}

	trip := 0
	if countTrip {
		trip = 1
	}

	if len(remaining) > 0 {
		// Promote the batch head only when the finished job was current.
		promoted := current == nil || *current == jobID
		next := remaining[0]
		if !promoted {
			next = *current
		}
		_, err = tx.Exec(ctx, `
			UPDATE captains
			SET batched_order_ids = $2, current_job_id = $3,
			    total_trips = total_trips + $4, updated_at = now()
			WHERE id = $1
		`, captainID, remaining, next, trip)
		if err != nil {
			return nil, fmt.Errorf("captains: rotate batch %s: %w", captainID, err)
		}
		if promoted {
			return &next, nil
		}
		return nil, nil
	}

	_, err = tx.Exec(ctx, `
		UPDATE captains
		SET batched_order_ids = '{}', current_job_id = NULL, is_busy = FALSE,
		    total_trips = total_trips + $2, updated_at = now()
		WHERE id = $1
	`, captainID, trip)
	if err != nil {
		return nil, fmt.Errorf("captains: free %s: %w", captainID, err)
	}
	return nil, nil
}

// ─── Surge inputs ───────────────────────────────────────────

// CountOpenInCell counts open jobs whose pickup falls inside the zone
// cell, created within the demand window. This is the surge demand input.
func (r *JobRepository) CountOpenInCell(ctx context.Context, minLat, maxLat, minLon, maxLon float64, since time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*)::int FROM jobs
		WHERE status IN ('PLACED', 'REQUESTED')
		  AND created_at > $5
		  AND pickup_lat >= $1 AND pickup_lat < $2
		  AND pickup_lon >= $3 AND pickup_lon < $4
	`, minLat, maxLat, minLon, maxLon, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("jobs: count open in cell: %w", err)
	}
	return n, nil
}

// ─── Cancellation audit ─────────────────────────────────────

// InsertCancellation writes the per-job cancellation audit row.
func (r *JobRepository) InsertCancellation(ctx context.Context, c *model.Cancellation) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO cancellations
			(id, job_id, actor, reason, late_delivery, no_show,
			 refund_amount, refund_method, penalty_amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, c.ID, c.JobID, c.Actor, c.Reason, c.LateDelivery, c.NoShow,
		c.RefundAmount, c.RefundMethod, c.PenaltyAmount)
	if err != nil {
		return fmt.Errorf("cancellations: insert %s: %w", c.JobID, err)
	}
	return nil
}
