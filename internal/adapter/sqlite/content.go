package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cwygoda/ytfetch/internal/domain"
)

// GetContent returns the content record for id.
func (r *Repository) GetContent(ctx context.Context, id string) (*domain.ContentRecord, error) {
	var (
		rec           domain.ContentRecord
		publishedAt   sql.NullInt64
		lastFetchedAt int64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, title, channel_id, channel_name, duration_seconds, published_at,
		        COALESCE(artifact_path, ''), COALESCE(artifact_hash, ''), artifact_size,
		        COALESCE(strategy_used, ''), last_fetched_at
		 FROM content WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.Title, &rec.ChannelID, &rec.ChannelName, &rec.DurationSeconds, &publishedAt,
		&rec.ArtifactPath, &rec.ArtifactHash, &rec.ArtifactSize, &rec.StrategyUsed, &lastFetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrContentNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.PublishedAt = fromMillis(publishedAt)
	rec.LastFetchedAt = time.UnixMilli(lastFetchedAt).UTC()
	return &rec, nil
}

// UpsertContent stores metadata. Artifact columns are left untouched.
func (r *Repository) UpsertContent(ctx context.Context, rec *domain.ContentRecord) error {
	var published any
	if rec.PublishedAt != nil {
		published = rec.PublishedAt.UnixMilli()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO content (id, title, channel_id, channel_name, duration_seconds, published_at, last_fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     title = excluded.title,
		     channel_id = excluded.channel_id,
		     channel_name = excluded.channel_name,
		     duration_seconds = excluded.duration_seconds,
		     published_at = excluded.published_at,
		     last_fetched_at = excluded.last_fetched_at`,
		rec.ID, rec.Title, rec.ChannelID, rec.ChannelName, rec.DurationSeconds, published, r.nowMillis(),
	)
	if err != nil {
		return fmt.Errorf("upsert content: %w", err)
	}
	return nil
}

// RecordArtifact stores where the finalized artifact for id lives.
func (r *Repository) RecordArtifact(ctx context.Context, id, path, hash string, size int64, strategy string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO content (id, artifact_path, artifact_hash, artifact_size, strategy_used, last_fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     artifact_path = excluded.artifact_path,
		     artifact_hash = excluded.artifact_hash,
		     artifact_size = excluded.artifact_size,
		     strategy_used = excluded.strategy_used,
		     last_fetched_at = excluded.last_fetched_at`,
		id, path, hash, size, strategy, r.nowMillis(),
	)
	if err != nil {
		return fmt.Errorf("record artifact: %w", err)
	}
	return nil
}

// RecordAttempt appends an attempt record.
func (r *Repository) RecordAttempt(ctx context.Context, a *domain.Attempt) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	var jobID any
	if a.JobID != uuid.Nil {
		jobID = a.JobID.String()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO attempts (id, content_id, job_id, strategy, success, error, attempted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.ContentID, jobID, a.Strategy, a.Success, nullString(a.Error), a.AttemptedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// ListAttempts returns the attempts for contentID, oldest first.
func (r *Repository) ListAttempts(ctx context.Context, contentID string) ([]domain.Attempt, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, content_id, COALESCE(job_id, ''), strategy, success, COALESCE(error, ''), attempted_at
		 FROM attempts WHERE content_id = ? ORDER BY attempted_at ASC, rowid ASC`, contentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []domain.Attempt
	for rows.Next() {
		var (
			a           domain.Attempt
			id, jobID   string
			attemptedAt int64
		)
		if err := rows.Scan(&id, &a.ContentID, &jobID, &a.Strategy, &a.Success, &a.Error, &attemptedAt); err != nil {
			return nil, err
		}
		a.ID, _ = uuid.Parse(id)
		if jobID != "" {
			a.JobID, _ = uuid.Parse(jobID)
		}
		a.AttemptedAt = time.UnixMilli(attemptedAt).UTC()
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// UpsertJobItem records the state of one content id within a job.
func (r *Repository) UpsertJobItem(ctx context.Context, item *domain.JobItem) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO job_items (job_id, content_id, position, state, error, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id, content_id) DO UPDATE SET
		     position = excluded.position,
		     state = excluded.state,
		     error = excluded.error,
		     updated_at = excluded.updated_at`,
		item.JobID.String(), item.ContentID, item.Position, string(item.State), nullString(item.Error), r.nowMillis(),
	)
	if err != nil {
		return fmt.Errorf("upsert job item: %w", err)
	}
	return nil
}

// ListJobItems returns the items of jobID in expansion order.
func (r *Repository) ListJobItems(ctx context.Context, jobID uuid.UUID) ([]domain.JobItem, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT content_id, position, state, COALESCE(error, ''), updated_at
		 FROM job_items WHERE job_id = ? ORDER BY position ASC`, jobID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.JobItem
	for rows.Next() {
		item := domain.JobItem{JobID: jobID}
		var state string
		var updatedAt int64
		if err := rows.Scan(&item.ContentID, &item.Position, &state, &item.Error, &updatedAt); err != nil {
			return nil, err
		}
		item.State = domain.ItemState(state)
		item.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		items = append(items, item)
	}
	return items, rows.Err()
}
