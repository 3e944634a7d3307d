package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cwygoda/ytfetch/internal/domain"
)

type contentRow struct {
	ID              string     `db:"id"`
	Title           string     `db:"title"`
	ChannelID       string     `db:"channel_id"`
	ChannelName     string     `db:"channel_name"`
	DurationSeconds int        `db:"duration_seconds"`
	PublishedAt     *time.Time `db:"published_at"`
	ArtifactPath    *string    `db:"artifact_path"`
	ArtifactHash    *string    `db:"artifact_hash"`
	ArtifactSize    int64      `db:"artifact_size"`
	StrategyUsed    *string    `db:"strategy_used"`
	LastFetchedAt   time.Time  `db:"last_fetched_at"`
}

// GetContent returns the content record for id.
func (s *Store) GetContent(ctx context.Context, id string) (*domain.ContentRecord, error) {
	query := s.q(`
		SELECT id, title, channel_id, channel_name, duration_seconds, published_at,
			artifact_path, artifact_hash, artifact_size, strategy_used, last_fetched_at
		FROM %[1]s.content WHERE id = $1`)

	var row contentRow
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrContentNotFound
		}
		return nil, fmt.Errorf("get content: %w", err)
	}
	return &domain.ContentRecord{
		ID:              row.ID,
		Title:           row.Title,
		ChannelID:       row.ChannelID,
		ChannelName:     row.ChannelName,
		DurationSeconds: row.DurationSeconds,
		PublishedAt:     row.PublishedAt,
		ArtifactPath:    deref(row.ArtifactPath),
		ArtifactHash:    deref(row.ArtifactHash),
		ArtifactSize:    row.ArtifactSize,
		StrategyUsed:    deref(row.StrategyUsed),
		LastFetchedAt:   row.LastFetchedAt,
	}, nil
}

// UpsertContent stores metadata. Artifact columns are left untouched.
func (s *Store) UpsertContent(ctx context.Context, rec *domain.ContentRecord) error {
	query := s.q(`
		INSERT INTO %[1]s.content (id, title, channel_id, channel_name, duration_seconds, published_at, last_fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			channel_id = EXCLUDED.channel_id,
			channel_name = EXCLUDED.channel_name,
			duration_seconds = EXCLUDED.duration_seconds,
			published_at = EXCLUDED.published_at,
			last_fetched_at = NOW()`)

	if _, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.Title, rec.ChannelID, rec.ChannelName, rec.DurationSeconds, rec.PublishedAt,
	); err != nil {
		return fmt.Errorf("upsert content: %w", err)
	}
	return nil
}

// RecordArtifact stores where the finalized artifact for id lives.
func (s *Store) RecordArtifact(ctx context.Context, id, path, hash string, size int64, strategy string) error {
	query := s.q(`
		INSERT INTO %[1]s.content (id, artifact_path, artifact_hash, artifact_size, strategy_used, last_fetched_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET
			artifact_path = EXCLUDED.artifact_path,
			artifact_hash = EXCLUDED.artifact_hash,
			artifact_size = EXCLUDED.artifact_size,
			strategy_used = EXCLUDED.strategy_used,
			last_fetched_at = NOW()`)

	if _, err := s.db.ExecContext(ctx, query, id, path, hash, size, strategy); err != nil {
		return fmt.Errorf("record artifact: %w", err)
	}
	return nil
}

// RecordAttempt appends an attempt record.
func (s *Store) RecordAttempt(ctx context.Context, a *domain.Attempt) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	var jobID *uuid.UUID
	if a.JobID != uuid.Nil {
		jobID = &a.JobID
	}
	query := s.q(`
		INSERT INTO %[1]s.attempts (id, content_id, job_id, strategy, success, error, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`)

	if _, err := s.db.ExecContext(ctx, query,
		a.ID, a.ContentID, jobID, a.Strategy, a.Success, nullString(a.Error), a.AttemptedAt,
	); err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

type attemptRow struct {
	ID          uuid.UUID     `db:"id"`
	ContentID   string        `db:"content_id"`
	JobID       uuid.NullUUID `db:"job_id"`
	Strategy    string        `db:"strategy"`
	Success     bool          `db:"success"`
	Error       *string       `db:"error"`
	AttemptedAt time.Time     `db:"attempted_at"`
}

// ListAttempts returns the attempts for contentID, oldest first.
func (s *Store) ListAttempts(ctx context.Context, contentID string) ([]domain.Attempt, error) {
	query := s.q(`
		SELECT id, content_id, job_id, strategy, success, error, attempted_at
		FROM %[1]s.attempts WHERE content_id = $1 ORDER BY attempted_at ASC`)

	var rows []attemptRow
	if err := s.db.SelectContext(ctx, &rows, query, contentID); err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	attempts := make([]domain.Attempt, len(rows))
	for i, r := range rows {
		attempts[i] = domain.Attempt{
			ID:          r.ID,
			ContentID:   r.ContentID,
			JobID:       r.JobID.UUID,
			Strategy:    r.Strategy,
			Success:     r.Success,
			Error:       deref(r.Error),
			AttemptedAt: r.AttemptedAt,
		}
	}
	return attempts, nil
}

// UpsertJobItem records the state of one content id within a job.
func (s *Store) UpsertJobItem(ctx context.Context, item *domain.JobItem) error {
	query := s.q(`
		INSERT INTO %[1]s.job_items (job_id, content_id, position, state, error, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (job_id, content_id) DO UPDATE SET
			position = EXCLUDED.position,
			state = EXCLUDED.state,
			error = EXCLUDED.error,
			updated_at = NOW()`)

	if _, err := s.db.ExecContext(ctx, query,
		item.JobID, item.ContentID, item.Position, string(item.State), nullString(item.Error),
	); err != nil {
		return fmt.Errorf("upsert job item: %w", err)
	}
	return nil
}

type jobItemRow struct {
	JobID     uuid.UUID `db:"job_id"`
	ContentID string    `db:"content_id"`
	Position  int       `db:"position"`
	State     string    `db:"state"`
	Error     *string   `db:"error"`
	UpdatedAt time.Time `db:"updated_at"`
}

// ListJobItems returns the items of jobID in expansion order.
func (s *Store) ListJobItems(ctx context.Context, jobID uuid.UUID) ([]domain.JobItem, error) {
	query := s.q(`
		SELECT job_id, content_id, position, state, error, updated_at
		FROM %[1]s.job_items WHERE job_id = $1 ORDER BY position ASC`)

	var rows []jobItemRow
	if err := s.db.SelectContext(ctx, &rows, query, jobID); err != nil {
		return nil, fmt.Errorf("list job items: %w", err)
	}
	items := make([]domain.JobItem, len(rows))
	for i, r := range rows {
		items[i] = domain.JobItem{
			JobID:     r.JobID,
			ContentID: r.ContentID,
			Position:  r.Position,
			State:     domain.ItemState(r.State),
			Error:     deref(r.Error),
			UpdatedAt: r.UpdatedAt,
		}
	}
	return items, nil
}
