package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// GetExpansion returns the cached content ids of a collection, if fresh.
func (r *Repository) GetExpansion(ctx context.Context, collectionID string) ([]string, bool, error) {
	var raw string
	err := r.db.QueryRowContext(ctx,
		`SELECT content_ids FROM expansion_cache WHERE collection_id = ? AND expires_at > ?`,
		collectionID, r.nowMillis(),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, false, fmt.Errorf("decode expansion %s: %w", collectionID, err)
	}
	return ids, true, nil
}

// PutExpansion caches ids for ttl.
func (r *Repository) PutExpansion(ctx context.Context, collectionID string, ids []string, ttl time.Duration) error {
	if ids == nil {
		ids = []string{}
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	now := r.now()
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO expansion_cache (collection_id, content_ids, fetched_at, expires_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(collection_id) DO UPDATE SET
		     content_ids = excluded.content_ids,
		     fetched_at = excluded.fetched_at,
		     expires_at = excluded.expires_at`,
		collectionID, string(raw), now.UnixMilli(), now.Add(ttl).UnixMilli(),
	)
	return err
}

// EvictExpansion drops the cached entry for collectionID.
func (r *Repository) EvictExpansion(ctx context.Context, collectionID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM expansion_cache WHERE collection_id = ?`, collectionID)
	return err
}

// PurgeExpiredExpansions deletes expired entries.
func (r *Repository) PurgeExpiredExpansions(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM expansion_cache WHERE expires_at <= ?`, r.nowMillis())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
