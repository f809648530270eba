package channels

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-live/signaling/internal/models"
)

// Repository handles channels persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a channels repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a channel. New channels are offline.
func (r *Repository) Create(ctx context.Context, name string, description *string) (*models.Channel, error) {
	const q = `INSERT INTO channels (id, name, description, is_live, created_at, updated_at)
		VALUES (gen_random_uuid(), $1, $2, FALSE, NOW(), NOW())
		RETURNING id, name, description, is_live, created_at, updated_at`
	var c models.Channel
	err := r.pool.QueryRow(ctx, q, name, description).Scan(&c.ID, &c.Name, &c.Description, &c.IsLive, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetByID returns a channel by id, or nil if not found.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Channel, error) {
	const q = `SELECT id, name, description, is_live, created_at, updated_at FROM channels WHERE id = $1`
	var c models.Channel
	err := r.pool.QueryRow(ctx, q, id).Scan(&c.ID, &c.Name, &c.Description, &c.IsLive, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}
