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

// CreateStaging records a staged write before any bytes land on disk.
func (r *Repository) CreateStaging(ctx context.Context, st *domain.Staging) error {
	if st.ID == uuid.Nil {
		st.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO staging (id, entity_id, staging_path, final_path, created_at, lock_expires_at, finalized)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		st.ID.String(), st.EntityID, st.StagingPath, st.FinalPath,
		st.CreatedAt.UnixMilli(), st.LockExpiresAt.UnixMilli(), st.Finalized,
	)
	if err != nil {
		return fmt.Errorf("create staging record: %w", err)
	}
	return nil
}

// GetStagingByPath looks a staging record up by its staging path.
func (r *Repository) GetStagingByPath(ctx context.Context, path string) (*domain.Staging, error) {
	var (
		st                   domain.Staging
		id                   string
		createdAt, lockUntil int64
		finalizedAt          sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, entity_id, staging_path, final_path, created_at, lock_expires_at, finalized, finalized_at
		 FROM staging WHERE staging_path = ?`, path,
	).Scan(&id, &st.EntityID, &st.StagingPath, &st.FinalPath, &createdAt, &lockUntil, &st.Finalized, &finalizedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrStagingNotFound
	}
	if err != nil {
		return nil, err
	}
	if st.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	st.CreatedAt = time.UnixMilli(createdAt).UTC()
	st.LockExpiresAt = time.UnixMilli(lockUntil).UTC()
	st.FinalizedAt = fromMillis(finalizedAt)
	return &st, nil
}

// MarkStagingFinalized flags the record once its file reached the final path.
func (r *Repository) MarkStagingFinalized(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE staging SET finalized = 1, finalized_at = ? WHERE id = ?`, r.nowMillis(), id.String())
	return requireRows(result, err, domain.ErrStagingNotFound)
}

// DeleteStaging removes a staging record.
func (r *Repository) DeleteStaging(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM staging WHERE id = ?`, id.String())
	return err
}

// PurgeFinalizedStaging deletes finalized records older than before.
func (r *Repository) PurgeFinalizedStaging(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM staging WHERE finalized = 1 AND finalized_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
