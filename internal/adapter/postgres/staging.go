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

const stagingColumns = `id, entity_id, staging_path, final_path, created_at, lock_expires_at, finalized, finalized_at`

type stagingRow struct {
	ID            uuid.UUID  `db:"id"`
	EntityID      string     `db:"entity_id"`
	StagingPath   string     `db:"staging_path"`
	FinalPath     string     `db:"final_path"`
	CreatedAt     time.Time  `db:"created_at"`
	LockExpiresAt time.Time  `db:"lock_expires_at"`
	Finalized     bool       `db:"finalized"`
	FinalizedAt   *time.Time `db:"finalized_at"`
}

// CreateStaging records a staged write before any bytes land on disk.
func (s *Store) CreateStaging(ctx context.Context, st *domain.Staging) error {
	if st.ID == uuid.Nil {
		st.ID = uuid.New()
	}
	query := s.q(`
		INSERT INTO %[1]s.staging (` + stagingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)

	if _, err := s.db.ExecContext(ctx, query,
		st.ID, st.EntityID, st.StagingPath, st.FinalPath, st.CreatedAt, st.LockExpiresAt, st.Finalized, st.FinalizedAt,
	); err != nil {
		return fmt.Errorf("create staging record: %w", err)
	}
	return nil
}

// GetStagingByPath looks a staging record up by its staging path.
func (s *Store) GetStagingByPath(ctx context.Context, path string) (*domain.Staging, error) {
	query := s.q(`SELECT ` + stagingColumns + ` FROM %[1]s.staging WHERE staging_path = $1`)

	var row stagingRow
	if err := s.db.GetContext(ctx, &row, query, path); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrStagingNotFound
		}
		return nil, fmt.Errorf("get staging record: %w", err)
	}
	st := domain.Staging(row)
	return &st, nil
}

// MarkStagingFinalized flags the record once its file reached the final path.
func (s *Store) MarkStagingFinalized(ctx context.Context, id uuid.UUID) error {
	query := s.q(`UPDATE %[1]s.staging SET finalized = TRUE, finalized_at = NOW() WHERE id = $1`)
	result, err := s.db.ExecContext(ctx, query, id)
	return execRequireRows(result, err, domain.ErrStagingNotFound)
}

// DeleteStaging removes a staging record.
func (s *Store) DeleteStaging(ctx context.Context, id uuid.UUID) error {
	query := s.q(`DELETE FROM %[1]s.staging WHERE id = $1`)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete staging record: %w", err)
	}
	return nil
}

// PurgeFinalizedStaging deletes finalized records older than before.
func (s *Store) PurgeFinalizedStaging(ctx context.Context, before time.Time) (int64, error) {
	query := s.q(`DELETE FROM %[1]s.staging WHERE finalized AND finalized_at < $1`)
	result, err := s.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("purge staging records: %w", err)
	}
	return result.RowsAffected()
}
