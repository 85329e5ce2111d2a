package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hybridcore/dispatchd/internal/model"
)

// MatchLogRepository persists the dispatch audit trail: exactly one row
// per matching decision and one per offer extended, plus optional surge
// snapshots for pricing analysis.
type MatchLogRepository struct {
	pool *pgxpool.Pool
}

// NewMatchLogRepository creates a new match log repository.
func NewMatchLogRepository(pool *pgxpool.Pool) *MatchLogRepository {
	return &MatchLogRepository{pool: pool}
}

// Insert writes one matching log row.
func (r *MatchLogRepository) Insert(ctx context.Context, l *model.MatchingLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO matching_logs
			(job_id, stage, captain_id, attempt, candidate_count, radius_m, surge, outcome, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, l.JobID, l.Stage, l.CaptainID, l.Attempt, l.CandidateCount, l.RadiusM, l.Surge, l.Outcome, l.ExpiresAt)
	if err != nil {
		return fmt.Errorf("matching logs: insert for job %s: %w", l.JobID, err)
	}
	return nil
}

// ListByJob returns the audit trail for one job, oldest first.
func (r *MatchLogRepository) ListByJob(ctx context.Context, jobID string) ([]model.MatchingLog, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, job_id, stage, captain_id, attempt, candidate_count,
		       radius_m, surge, outcome, expires_at, created_at
		FROM matching_logs
		WHERE job_id = $1
		ORDER BY created_at ASC, id ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("matching logs: list for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var logs []model.MatchingLog
	for rows.Next() {
		var l model.MatchingLog
		if err := rows.Scan(
			&l.ID, &l.JobID, &l.Stage, &l.CaptainID, &l.Attempt, &l.CandidateCount,
			&l.RadiusM, &l.Surge, &l.Outcome, &l.ExpiresAt, &l.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("matching logs: scan row: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// InsertSurgeSnapshot records one surge computation for later analysis.
func (r *MatchLogRepository) InsertSurgeSnapshot(ctx context.Context, zone string, demand, supply int, multiplier float64) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO surge_history (zone, demand, supply, multiplier)
		VALUES ($1, $2, $3, $4)
	`, zone, demand, supply, multiplier)
	if err != nil {
		return fmt.Errorf("surge history: insert zone %s: %w", zone, err)
	}
	return nil
}
