package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// GetExpansion returns the cached content ids of a collection, if fresh.
func (s *Store) GetExpansion(ctx context.Context, collectionID string) ([]string, bool, error) {
	query := s.q(`SELECT content_ids FROM %[1]s.expansion_cache WHERE collection_id = $1 AND expires_at > NOW()`)

	var ids pq.StringArray
	if err := s.db.GetContext(ctx, &ids, query, collectionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get expansion: %w", err)
	}
	return []string(ids), true, nil
}

// PutExpansion caches ids for ttl.
func (s *Store) PutExpansion(ctx context.Context, collectionID string, ids []string, ttl time.Duration) error {
	if ids == nil {
		ids = []string{}
	}
	query := s.q(`
		INSERT INTO %[1]s.expansion_cache (collection_id, content_ids, fetched_at, expires_at)
		VALUES ($1, $2, NOW(), NOW() + $3 * INTERVAL '1 millisecond')
		ON CONFLICT (collection_id) DO UPDATE SET
			content_ids = EXCLUDED.content_ids,
			fetched_at = EXCLUDED.fetched_at,
			expires_at = EXCLUDED.expires_at`)

	if _, err := s.db.ExecContext(ctx, query, collectionID, pq.StringArray(ids), durationMillis(ttl)); err != nil {
		return fmt.Errorf("put expansion: %w", err)
	}
	return nil
}

// EvictExpansion drops the cached entry for collectionID.
func (s *Store) EvictExpansion(ctx context.Context, collectionID string) error {
	query := s.q(`DELETE FROM %[1]s.expansion_cache WHERE collection_id = $1`)
	if _, err := s.db.ExecContext(ctx, query, collectionID); err != nil {
		return fmt.Errorf("evict expansion: %w", err)
	}
	return nil
}

// PurgeExpiredExpansions deletes expired entries.
func (s *Store) PurgeExpiredExpansions(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.q(`DELETE FROM %[1]s.expansion_cache WHERE expires_at <= NOW()`))
	if err != nil {
		return 0, fmt.Errorf("purge expansions: %w", err)
	}
	return result.RowsAffected()
}
