package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hybridcore/dispatchd/internal/model"
)

// IdentityRepository handles users and restaurants. Both are thin records;
// the interesting state lives on jobs, captains and wallets.
type IdentityRepository struct {
	pool *pgxpool.Pool
}

// NewIdentityRepository creates a new identity repository.
func NewIdentityRepository(pool *pgxpool.Pool) *IdentityRepository {
	return &IdentityRepository{pool: pool}
}

// ─── Users ──────────────────────────────────────────────────

// CreateUser inserts a new user row.
func (r *IdentityRepository) CreateUser(ctx context.Context, u *model.User) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO users (id, name, phone, role)
		VALUES ($1, $2, $3, $4)
	`, u.ID, u.Name, u.Phone, u.Role)
	if err != nil {
		return fmt.Errorf("users: create %s: %w", u.ID, err)
	}
	return nil
}

// GetUser fetches one user by id.
func (r *IdentityRepository) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, phone, role, created_at
		FROM users
		WHERE id = $1
	`, id).Scan(&u.ID, &u.Name, &u.Phone, &u.Role, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("users: get %s: %w", id, err)
	}
	return &u, nil
}

// GetUserByPhone fetches one user by phone number. Used by the token
// endpoint to resolve a principal.
func (r *IdentityRepository) GetUserByPhone(ctx context.Context, phone string) (*model.User, error) {
	var u model.User
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, phone, role, created_at
		FROM users
		WHERE phone = $1
	`, phone).Scan(&u.ID, &u.Name, &u.Phone, &u.Role, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("users: get by phone: %w", err)
	}
	return &u, nil
}

// ─── Restaurants ────────────────────────────────────────────

// CreateRestaurant inserts a new restaurant row.
func (r *IdentityRepository) CreateRestaurant(ctx context.Context, rest *model.Restaurant) error {
	var lat, lon *float64
	if rest.Location != nil {
		lat, lon = &rest.Location.Lat, &rest.Location.Lon
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO restaurants (id, name, lat, lon)
		VALUES ($1, $2, $3, $4)
	`, rest.ID, rest.Name, lat, lon)
	if err != nil {
		return fmt.Errorf("restaurants: create %s: %w", rest.ID, err)
	}
	return nil
}

// GetRestaurant fetches one restaurant by id.
func (r *IdentityRepository) GetRestaurant(ctx context.Context, id string) (*model.Restaurant, error) {
	var (
		rest     model.Restaurant
		lat, lon *float64
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, lat, lon, created_at
		FROM restaurants
		WHERE id = $1
	`, id).Scan(&rest.ID, &rest.Name, &lat, &lon, &rest.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("restaurants: get %s: %w", id, err)
	}
	if lat != nil && lon != nil {
		rest.Location = &model.Location{Lat: *lat, Lon: *lon}
	}
	return &rest, nil
}
