package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hybridcore/dispatchd/internal/model"
)

// CaptainRepository provides database access for captain state and the
// spatial candidate queries. All spatial lookups use PostGIS geography
// functions backed by the GIST index on captains(location).
type CaptainRepository struct {
	pool *pgxpool.Pool
}

// NewCaptainRepository creates a new captain repository.
func NewCaptainRepository(pool *pgxpool.Pool) *CaptainRepository {
	return &CaptainRepository{pool: pool}
}

const captainColumns = `id, name, phone, vehicle_type, is_online, is_verified, is_busy,
	current_job_id, batched_order_ids,
	ST_Y(location::geometry) AS lat, ST_X(location::geometry) AS lon,
	location_at, average_rating, total_trips, cancellation_count,
	last_assigned_at, go_home_mode, home_lat, home_lon, created_at, updated_at`

func scanCaptain(row rowScanner) (*model.Captain, error) {
	c := &model.Captain{}
	var lat, lon, homeLat, homeLon *float64

	err := row.Scan(
		&c.ID, &c.Name, &c.Phone, &c.VehicleType, &c.IsOnline, &c.IsVerified, &c.IsBusy,
		&c.CurrentJobID, &c.BatchedOrderIDs,
		&lat, &lon,
		&c.LocationAt, &c.AverageRating, &c.TotalTrips, &c.CancellationCount,
		&c.LastAssignedAt, &c.GoHomeMode, &homeLat, &homeLon, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lat != nil && lon != nil {
		c.Location = &model.Location{Lat: *lat, Lon: *lon}
	}
	if homeLat != nil && homeLon != nil {
		c.Home = &model.Location{Lat: *homeLat, Lon: *homeLon}
	}
	return c, nil
}

// ─── CRUD ───────────────────────────────────────────────────

// Create inserts a new captain row.
func (r *CaptainRepository) Create(ctx context.Context, c *model.Captain) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO captains (id, name, phone, vehicle_type, is_verified)
		VALUES ($1, $2, $3, $4, $5)
	`, c.ID, c.Name, c.Phone, c.VehicleType, c.IsVerified)
	if err != nil {
		return fmt.Errorf("captains: insert %s: %w", c.ID, err)
	}
	return nil
}

// Get fetches a single captain by ID.
func (r *CaptainRepository) Get(ctx context.Context, id string) (*model.Captain, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+captainColumns+` FROM captains WHERE id = $1`, id)
	c, err := scanCaptain(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("captains: %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("captains: get %s: %w", id, err)
	}
	return c, nil
}

// GetByPhone fetches a captain by phone number for login.
func (r *CaptainRepository) GetByPhone(ctx context.Context, phone string) (*model.Captain, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+captainColumns+` FROM captains WHERE phone = $1`, phone)
	c, err := scanCaptain(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("captains: phone %s: %w", phone, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("captains: get by phone %s: %w", phone, err)
	}
	return c, nil
}

// SetOnline flips the online flag.
func (r *CaptainRepository) SetOnline(ctx context.Context, id string, online bool) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE captains SET is_online = $2, updated_at = now() WHERE id = $1
	`, id, online)
	if err != nil {
		return fmt.Errorf("captains: set online %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("captains: %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateLocation stores the captain's latest position.
func (r *CaptainRepository) UpdateLocation(ctx context.Context, id string, loc model.Location) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE captains
		SET location = ST_SetSRID(ST_MakePoint($2, $3), 4326)::geography,
		    location_at = now(), updated_at = now()
		WHERE id = $1
	`, id, loc.Lon, loc.Lat)
	if err != nil {
		return fmt.Errorf("captains: update location %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("captains: %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetGoHome toggles go-home mode; home must be set when enabling.
func (r *CaptainRepository) SetGoHome(ctx context.Context, id string, enabled bool, home *model.Location) error {
	var homeLat, homeLon *float64
	if home != nil {
		homeLat, homeLon = &home.Lat, &home.Lon
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE captains
		SET go_home_mode = $2,
		    home_lat = COALESCE($3, home_lat),
		    home_lon = COALESCE($4, home_lon),
		    updated_at = now()
		WHERE id = $1
	`, id, enabled, homeLat, homeLon)
	if err != nil {
		return fmt.Errorf("captains: set go home %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("captains: %s: %w", id, ErrNotFound)
	}
	return nil
}

// IncrementCancellation bumps the cancellation counter. Applied when a
// captain lets an offer expire or declines one.
func (r *CaptainRepository) IncrementCancellation(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE captains SET cancellation_count = cancellation_count + 1, updated_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("captains: increment cancellation %s: %w", id, err)
	}
	return nil
}

// ApplyCancelPenalty records a captain-initiated cancellation: the
// counter goes up and the average rating takes a 0.1 hit, floored at 0.
func (r *CaptainRepository) ApplyCancelPenalty(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE captains
		SET cancellation_count = cancellation_count + 1,
		    average_rating = GREATEST(0, average_rating - 0.1),
		    updated_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("captains: apply cancel penalty %s: %w", id, err)
	}
	return nil
}

// ─── Spatial candidate queries ──────────────────────────────

// FindAvailableNear returns captains eligible to serve a job: online,
// verified, not busy, inside the search radius, matching the vehicle
// class (empty matches any) and not previously rejected for this job.
// Ordered nearest first, capped at limit.
//
// The geography cast makes radiusM real meters; PostGIS handles the
// projection. Complexity: O(log N) GIST scan + O(K) results.
func (r *CaptainRepository) FindAvailableNear(
	ctx context.Context,
	pickup model.Location,
	radiusM float64,
	vehicle model.VehicleType,
	exclude []string,
	limit int,
) ([]model.Captain, error) {

	if exclude == nil {
		exclude = []string{}
	}

	query := `
		SELECT ` + captainColumns + `
		FROM captains
		WHERE is_online AND is_verified AND NOT is_busy
		  AND location IS NOT NULL
		  AND ($4 = '' OR vehicle_type = $4)
		  AND NOT (id = ANY($5))
		  AND ST_DWithin(
		        location,
		        ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography,
		        $3
		      )
		ORDER BY ST_Distance(
		    location,
		    ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography
		) ASC
		LIMIT $6
	`

	rows, err := r.pool.Query(ctx, query,
		pickup.Lon, pickup.Lat, radiusM, string(vehicle), exclude, limit)
	if err != nil {
		return nil, fmt.Errorf("captains: find available near: %w", err)
	}
	defer rows.Close()

	var captains []model.Captain
	for rows.Next() {
		c, err := scanCaptain(rows)
		if err != nil {
			return nil, fmt.Errorf("captains: scan candidate: %w", err)
		}
		captains = append(captains, *c)
	}
	return captains, rows.Err()
}

// FindBatchCaptain returns the nearest captain already delivering an
// order whose pickup lies within radiusM of the new order's pickup and
// who still has batch capacity. Returns ErrNotFound when nobody fits.
func (r *CaptainRepository) FindBatchCaptain(
	ctx context.Context,
	pickup model.Location,
	radiusM float64,
	maxBatch int,
) (*model.Captain, error) {

	query := `
		SELECT ` + captainColumns + `
		FROM captains c
		WHERE c.is_online AND c.is_verified AND c.is_busy
		  AND cardinality(c.batched_order_ids) >= 1
		  AND cardinality(c.batched_order_ids) < $4
		  AND EXISTS (
		        SELECT 1 FROM jobs j
		        WHERE j.captain_id = c.id
		          AND j.kind = 'ORDER' AND j.status = 'ASSIGNED'
		          AND j.pickup_lat IS NOT NULL
		          AND ST_DWithin(
		                ST_SetSRID(ST_MakePoint(j.pickup_lon, j.pickup_lat), 4326)::geography,
		                ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography,
		                $3
		              )
		      )
		ORDER BY ST_Distance(
		    c.location,
		    ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography
		) ASC NULLS LAST
		LIMIT 1
	`

	row := r.pool.QueryRow(ctx, query, pickup.Lon, pickup.Lat, radiusM, maxBatch)
	c, err := scanCaptain(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("captains: batch candidate: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("captains: find batch captain: %w", err)
	}
	return c, nil
}

// CountAvailableInCell counts online, unbusy captains inside the zone
// cell. This is the surge supply input.
func (r *CaptainRepository) CountAvailableInCell(ctx context.Context, minLat, maxLat, minLon, maxLon float64) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*)::int FROM captains
		WHERE is_online AND NOT is_busy AND location IS NOT NULL
		  AND ST_Y(location::geometry) >= $1 AND ST_Y(location::geometry) < $2
		  AND ST_X(location::geometry) >= $3 AND ST_X(location::geometry) < $4
	`, minLat, maxLat, minLon, maxLon).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("captains: count available in cell: %w", err)
	}
	return n, nil
}
