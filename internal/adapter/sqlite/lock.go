package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	lockTTL          = 10 * time.Minute
	lockPollInterval = 50 * time.Millisecond
)

// WithLock runs fn while holding the named lock, polling until it is free.
// A lock row whose holder crashed is taken over once it expires.
func (r *Repository) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	holder := uuid.NewString()
	for {
		ok, err := r.acquire(ctx, key, holder)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
	defer r.release(context.WithoutCancel(ctx), key, holder)
	return fn(ctx)
}

// TryWithLock runs fn only when the named lock is free.
func (r *Repository) TryWithLock(ctx context.Context, key string, fn func(ctx context.Context) error) (bool, error) {
	holder := uuid.NewString()
	ok, err := r.acquire(ctx, key, holder)
	if err != nil || !ok {
		return false, err
	}
	defer r.release(context.WithoutCancel(ctx), key, holder)
	return true, fn(ctx)
}

func (r *Repository) acquire(ctx context.Context, key, holder string) (bool, error) {
	now := r.nowMillis()
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO locks (key, holder, expires_at) VALUES (?1, ?2, ?3)
		 ON CONFLICT(key) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		 WHERE locks.expires_at < ?4`,
		key, holder, now+lockTTL.Milliseconds(), now,
	)
	if err != nil {
		return false, fmt.Errorf("acquire lock %q: %w", key, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Repository) release(ctx context.Context, key, holder string) {
	_, _ = r.db.ExecContext(ctx, `DELETE FROM locks WHERE key = ? AND holder = ?`, key, holder)
}
