package streams

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-live/signaling/internal/models"
)

const streamColumns = `id, channel_id, title, is_live, started_at, ended_at, viewer_count, created_at`

// Repository handles streams persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a streams repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanStream(row pgx.Row) (*models.Stream, error) {
	var s models.Stream
	if err := row.Scan(&s.ID, &s.ChannelID, &s.Title, &s.IsLive, &s.StartedAt, &s.EndedAt, &s.ViewerCount, &s.CreatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

// StartLive creates a live stream for the channel and marks the channel
// live. A live stream left behind on the channel (a broadcaster that never
// stopped) is ended first, with its present viewers marked as left.
func (r *Repository) StartLive(ctx context.Context, channelID uuid.UUID, title string) (*models.Stream, error) {
	var created *models.Stream
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var id uuid.UUID
		if err := tx.QueryRow(ctx, `SELECT id FROM channels WHERE id = $1 FOR UPDATE`, channelID).Scan(&id); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("channel %s: %w", channelID, models.ErrNotFound)
			}
			return err
		}

		const closeStale = `UPDATE viewers SET left_at = NOW(),
				watch_duration = GREATEST(0, EXTRACT(EPOCH FROM (NOW() - joined_at)))::int
			WHERE left_at IS NULL AND stream_id IN (
				SELECT id FROM streams WHERE channel_id = $1 AND is_live)`
		if _, err := tx.Exec(ctx, closeStale, channelID); err != nil {
			return fmt.Errorf("close stale viewers: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE streams SET is_live = FALSE, ended_at = NOW(), viewer_count = 0
			WHERE channel_id = $1 AND is_live`, channelID); err != nil {
			return fmt.Errorf("close stale stream: %w", err)
		}

		const insert = `INSERT INTO streams (id, channel_id, title, is_live, started_at, viewer_count)
			VALUES (gen_random_uuid(), $1, $2, TRUE, NOW(), 0)
			RETURNING ` + streamColumns
		s, err := scanStream(tx.QueryRow(ctx, insert, channelID, title))
		if err != nil {
			return fmt.Errorf("insert stream: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE channels SET is_live = TRUE, updated_at = NOW() WHERE id = $1`, channelID); err != nil {
			return fmt.Errorf("mark channel live: %w", err)
		}
		created = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// End marks the stream not live, every present viewer as left and the
// channel as not live. ended is false when the stream had already ended.
func (r *Repository) End(ctx context.Context, streamID uuid.UUID) (ended bool, err error) {
	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var channelID uuid.UUID
		err := tx.QueryRow(ctx, `UPDATE streams SET is_live = FALSE, ended_at = NOW(), viewer_count = 0
			WHERE id = $1 AND is_live RETURNING channel_id`, streamID).Scan(&channelID)
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM streams WHERE id = $1)`, streamID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("stream %s: %w", streamID, models.ErrNotFound)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("end stream: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE viewers SET left_at = NOW(),
				watch_duration = GREATEST(0, EXTRACT(EPOCH FROM (NOW() - joined_at)))::int
			WHERE stream_id = $1 AND left_at IS NULL`, streamID); err != nil {
			return fmt.Errorf("mark viewers left: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE channels SET is_live = FALSE, updated_at = NOW() WHERE id = $1`, channelID); err != nil {
			return fmt.Errorf("mark channel offline: %w", err)
		}
		ended = true
		return nil
	})
	return ended, err
}

// GetByID returns a stream by id, or nil if not found.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Stream, error) {
	s, err := scanStream(r.pool.QueryRow(ctx, `SELECT `+streamColumns+` FROM streams WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

// GetLiveByChannel returns the channel's live stream, or nil if it is offline.
func (r *Repository) GetLiveByChannel(ctx context.Context, channelID uuid.UUID) (*models.Stream, error) {
	s, err := scanStream(r.pool.QueryRow(ctx, `SELECT `+streamColumns+` FROM streams WHERE channel_id = $1 AND is_live`, channelID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

// UpdateViewerCount persists the present-viewer count of a live stream.
func (r *Repository) UpdateViewerCount(ctx context.Context, id uuid.UUID, count int) error {
	const q = `UPDATE streams SET viewer_count = $1 WHERE id = $2 AND is_live`
	_, err := r.pool.Exec(ctx, q, count, id)
	return err
}
