package viewers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-live/signaling/internal/models"
)

const viewerColumns = `id, stream_id, email, first_name, last_name, joined_at, left_at, watch_duration`

// Repository handles viewers persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a viewers repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanViewer(row pgx.Row) (*models.Viewer, error) {
	var v models.Viewer
	if err := row.Scan(&v.ID, &v.StreamID, &v.Email, &v.FirstName, &v.LastName, &v.JoinedAt, &v.LeftAt, &v.WatchDuration); err != nil {
		return nil, err
	}
	return &v, nil
}

// Register records a viewer joining a live stream. Registering the same
// email again while the first record is still present returns that record.
func (r *Repository) Register(ctx context.Context, streamID uuid.UUID, id models.ViewerIdentity) (*models.Viewer, error) {
	const q = `INSERT INTO viewers (id, stream_id, email, first_name, last_name, joined_at)
		SELECT gen_random_uuid(), s.id, $2, $3, $4, NOW() FROM streams s WHERE s.id = $1 AND s.is_live
		ON CONFLICT (stream_id, lower(email)) WHERE left_at IS NULL
		DO UPDATE SET first_name = EXCLUDED.first_name, last_name = EXCLUDED.last_name
		RETURNING ` + viewerColumns
	email := strings.TrimSpace(id.Email)
	v, err := scanViewer(r.pool.QueryRow(ctx, q, streamID, email, strings.TrimSpace(id.FirstName), strings.TrimSpace(id.LastName)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("stream %s: %w", streamID, models.ErrStreamNotLive)
		}
		return nil, err
	}
	return v, nil
}

// MarkLeft sets left_at and watch_duration once. changed is false when the
// viewer had already left.
func (r *Repository) MarkLeft(ctx context.Context, viewerID uuid.UUID) (streamID uuid.UUID, changed bool, err error) {
	const q = `UPDATE viewers SET left_at = NOW(),
			watch_duration = GREATEST(0, EXTRACT(EPOCH FROM (NOW() - joined_at)))::int
		WHERE id = $1 AND left_at IS NULL RETURNING stream_id`
	err = r.pool.QueryRow(ctx, q, viewerID).Scan(&streamID)
	if err == nil {
		return streamID, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, err
	}
	v, err := r.GetByID(ctx, viewerID)
	if err != nil {
		return uuid.Nil, false, err
	}
	if v == nil {
		return uuid.Nil, false, fmt.Errorf("viewer %s: %w", viewerID, models.ErrNotFound)
	}
	return v.StreamID, false, nil
}

// CountPresent returns how many viewers of the stream have not left.
func (r *Repository) CountPresent(ctx context.Context, streamID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM viewers WHERE stream_id = $1 AND left_at IS NULL`, streamID).Scan(&n)
	return n, err
}

// GetByID returns a viewer by id, or nil if not found.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Viewer, error) {
	v, err := scanViewer(r.pool.QueryRow(ctx, `SELECT `+viewerColumns+` FROM viewers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return v, nil
}

// ListPresent returns the stream's present viewers, earliest first.
func (r *Repository) ListPresent(ctx context.Context, streamID uuid.UUID) ([]*models.Viewer, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+viewerColumns+` FROM viewers
		WHERE stream_id = $1 AND left_at IS NULL ORDER BY joined_at`, streamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Viewer
	for rows.Next() {
		v, err := scanViewer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
