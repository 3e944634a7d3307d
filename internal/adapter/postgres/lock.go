package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// LockID maps a lock key to a Postgres advisory lock id: the first eight
// bytes of its SHA-256 digest read as a big-endian signed integer.
func LockID(key string) int64 {
	sum := sha256.Sum256([]byte(key))
	return int64(binary.BigEndian.Uint64(sum[:8])) //nolint:gosec // wraparound is intended
}

// AdvisoryLock takes transaction-scoped advisory locks. They are released
// when the transaction commits or rolls back.
type AdvisoryLock struct {
	tx *sqlx.Tx
}

// NewAdvisoryLock binds lock operations to tx.
func NewAdvisoryLock(tx *sqlx.Tx) *AdvisoryLock {
	return &AdvisoryLock{tx: tx}
}

// Acquire blocks until the lock for key is held.
func (l *AdvisoryLock) Acquire(ctx context.Context, key string) error {
	if _, err := l.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, LockID(key)); err != nil {
		return fmt.Errorf("acquire advisory lock %q: %w", key, err)
	}
	return nil
}

// TryAcquire takes the lock for key if it is free.
func (l *AdvisoryLock) TryAcquire(ctx context.Context, key string) (bool, error) {
	var ok bool
	if err := l.tx.GetContext(ctx, &ok, `SELECT pg_try_advisory_xact_lock($1)`, LockID(key)); err != nil {
		return false, fmt.Errorf("try advisory lock %q: %w", key, err)
	}
	return ok, nil
}

// Locker implements domain.Locker with one transaction per critical section.
type Locker struct {
	db *sqlx.DB
}

// NewLocker returns a Locker on db.
func NewLocker(db *sqlx.DB) *Locker {
	return &Locker{db: db}
}

// WithLock runs fn while holding the advisory lock for key.
func (l *Locker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	_, err := l.run(ctx, key, false, fn)
	return err
}

// TryWithLock runs fn only when the lock for key is free.
func (l *Locker) TryWithLock(ctx context.Context, key string, fn func(ctx context.Context) error) (bool, error) {
	return l.run(ctx, key, true, fn)
}

func (l *Locker) run(ctx context.Context, key string, try bool, fn func(ctx context.Context) error) (bool, error) {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin lock transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	lock := NewAdvisoryLock(tx)
	if try {
		ok, err := lock.TryAcquire(ctx, key)
		if err != nil || !ok {
			return false, err
		}
	} else if err := lock.Acquire(ctx, key); err != nil {
		return false, err
	}

	if err := fn(ctx); err != nil {
		return true, err
	}
	if err := tx.Commit(); err != nil {
		return true, fmt.Errorf("release advisory lock %q: %w", key, err)
	}
	return true, nil
}
