// Package sqlite implements the ytfetch stores on a single SQLite file for
// single-host deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/cwygoda/ytfetch/internal/domain"
	"github.com/cwygoda/ytfetch/internal/lease"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id               TEXT PRIMARY KEY,
    entity_type      TEXT NOT NULL,
    entity_id        TEXT NOT NULL,
    status           TEXT NOT NULL DEFAULT 'pending',
    requested_at     INTEGER NOT NULL,
    started_at       INTEGER,
    completed_at     INTEGER,
    locked_at        INTEGER,
    locked_by        TEXT,
    lease_expires_at INTEGER,
    attempts         INTEGER NOT NULL DEFAULT 0,
    max_attempts     INTEGER NOT NULL DEFAULT 3,
    next_run_at      INTEGER,
    quota_units_used INTEGER NOT NULL DEFAULT 0,
    error_message    TEXT,
    idempotency_key  TEXT UNIQUE,
    options          TEXT NOT NULL DEFAULT '{}',
    total_items      INTEGER NOT NULL DEFAULT 0,
    succeeded_items  INTEGER NOT NULL DEFAULT 0,
    failed_items     INTEGER NOT NULL DEFAULT 0,
    bytes_written    INTEGER NOT NULL DEFAULT 0,
    output_location  TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_entity ON jobs(entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_jobs_requested ON jobs(requested_at);

CREATE TABLE IF NOT EXISTS content (
    id               TEXT PRIMARY KEY,
    title            TEXT NOT NULL DEFAULT '',
    channel_id       TEXT NOT NULL DEFAULT '',
    channel_name     TEXT NOT NULL DEFAULT '',
    duration_seconds INTEGER NOT NULL DEFAULT 0,
    published_at     INTEGER,
    artifact_path    TEXT,
    artifact_hash    TEXT,
    artifact_size    INTEGER NOT NULL DEFAULT 0,
    strategy_used    TEXT,
    last_fetched_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS job_items (
    job_id     TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    content_id TEXT NOT NULL,
    position   INTEGER NOT NULL,
    state      TEXT NOT NULL,
    error      TEXT,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (job_id, content_id)
);

CREATE TABLE IF NOT EXISTS attempts (
    id           TEXT PRIMARY KEY,
    content_id   TEXT NOT NULL,
    job_id       TEXT,
    strategy     TEXT NOT NULL,
    success      INTEGER NOT NULL,
    error        TEXT,
    attempted_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempts_content ON attempts(content_id, attempted_at);

CREATE TABLE IF NOT EXISTS staging (
    id              TEXT PRIMARY KEY,
    entity_id       TEXT NOT NULL,
    staging_path    TEXT NOT NULL UNIQUE,
    final_path      TEXT NOT NULL,
    created_at      INTEGER NOT NULL,
    lock_expires_at INTEGER NOT NULL,
    finalized       INTEGER NOT NULL DEFAULT 0,
    finalized_at    INTEGER
);

CREATE TABLE IF NOT EXISTS expansion_cache (
    collection_id TEXT PRIMARY KEY,
    content_ids   TEXT NOT NULL,
    fetched_at    INTEGER NOT NULL,
    expires_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS locks (
    key        TEXT PRIMARY KEY,
    holder     TEXT NOT NULL,
    expires_at INTEGER NOT NULL
);
`

const jobColumns = `id, entity_type, entity_id, status, requested_at, started_at, completed_at,
	locked_at, locked_by, lease_expires_at, attempts, max_attempts, next_run_at,
	quota_units_used, COALESCE(error_message, ''), COALESCE(idempotency_key, ''), options,
	total_items, succeeded_items, failed_items, bytes_written, COALESCE(output_location, '')`

// Repository implements the domain stores using SQLite. Timestamps are kept
// as unix milliseconds.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Repository.
type Option func(*Repository)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// New creates a new SQLite repository, initializing the schema if needed.
func New(dbPath string, opts ...Option) (*Repository, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY within a process.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	r := &Repository{db: db, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping checks connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Repository) nowMillis() int64 {
	return r.now().UnixMilli()
}

// Create inserts a job, or returns the existing one sharing its idempotency key.
func (r *Repository) Create(ctx context.Context, job *domain.Job) (*domain.Job, bool, error) {
	opts, err := json.Marshal(job.Options)
	if err != nil {
		return nil, false, fmt.Errorf("encode options: %w", err)
	}

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO jobs (id, entity_type, entity_id, status, requested_at, max_attempts, idempotency_key, options)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(idempotency_key) DO NOTHING`,
		job.ID.String(), string(job.EntityType), job.EntityID, string(job.Status),
		job.RequestedAt.UnixMilli(), job.MaxAttempts, nullString(job.IdempotencyKey), string(opts),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert job: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if affected == 0 {
		row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE idempotency_key = ?`, job.IdempotencyKey)
		existing, err := scanJob(row)
		return existing, false, err
	}

	created, err := r.Get(ctx, job.ID)
	return created, true, err
}

// Get retrieves a job by ID.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id.String())
	return scanJob(row)
}

// List returns jobs matching filter, newest first, and the total count.
func (r *Repository) List(ctx context.Context, filter domain.JobFilter) ([]domain.Job, int, error) {
	var conds []string
	var args []any
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.EntityType != "" {
		conds = append(conds, "entity_type = ?")
		args = append(args, string(filter.EntityType))
	}
	if filter.EntityID != "" {
		conds = append(conds, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	args = append(args, filter.Limit, filter.Offset)
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs`+where+` ORDER BY requested_at DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	jobs, err := scanJobs(rows)
	return jobs, total, err
}

// Claim leases up to req.Limit eligible jobs in a single statement.
func (r *Repository) Claim(ctx context.Context, req domain.ClaimRequest) ([]domain.Job, error) {
	at := r.now()
	now := at.UnixMilli()
	until := lease.Expiry(at, req.LeaseDuration).UnixMilli()

	typeFilter := ""
	args := []any{now, now, req.WorkerID, until, now, now}
	if len(req.EntityTypes) > 0 {
		marks := make([]string, len(req.EntityTypes))
		for i, t := range req.EntityTypes {
			marks[i] = "?"
			args = append(args, string(t))
		}
		typeFilter = " AND entity_type IN (" + strings.Join(marks, ", ") + ")"
	}
	args = append(args, req.Limit)

	rows, err := r.db.QueryContext(ctx,
		`UPDATE jobs
		 SET status = 'processing',
		     started_at = COALESCE(started_at, ?),
		     locked_at = ?,
		     locked_by = ?,
		     lease_expires_at = ?,
		     attempts = attempts + 1
		 WHERE id IN (
		     SELECT id FROM jobs
		     WHERE (status = 'pending' OR (status = 'processing' AND lease_expires_at < ?))
		       AND (next_run_at IS NULL OR next_run_at <= ?)
		       AND attempts < max_attempts`+typeFilter+`
		     ORDER BY requested_at ASC
		     LIMIT ?
		 )
		 RETURNING `+jobColumns, args...)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].RequestedAt.Before(jobs[j].RequestedAt) })
	return jobs, nil
}

// ResetExpiredLeases fails abandoned jobs that used their last attempt and
// returns the rest to pending.
func (r *Repository) ResetExpiredLeases(ctx context.Context) (domain.LeaseReset, error) {
	var res domain.LeaseReset
	now := r.nowMillis()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	res.Failed, err = collectIDs(tx.QueryContext(ctx,
		`UPDATE jobs
		 SET status = 'failed', completed_at = ?, error_message = 'lease expired after final attempt',
		     locked_at = NULL, locked_by = NULL, lease_expires_at = NULL
		 WHERE status = 'processing' AND lease_expires_at < ? AND attempts >= max_attempts
		 RETURNING id`, now, now))
	if err != nil {
		return res, fmt.Errorf("fail exhausted jobs: %w", err)
	}

	res.Requeued, err = collectIDs(tx.QueryContext(ctx,
		`UPDATE jobs
		 SET status = 'pending', locked_at = NULL, locked_by = NULL, lease_expires_at = NULL
		 WHERE status = 'processing' AND lease_expires_at < ?
		 RETURNING id`, now))
	if err != nil {
		return res, fmt.Errorf("requeue expired jobs: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.LeaseReset{}, err
	}
	return res, nil
}

// UpdateStatus applies upd unless the job was cancelled, already moved on,
// or is leased to another worker.
func (r *Repository) UpdateStatus(ctx context.Context, upd domain.StatusUpdate) error {
	var total, succeeded, failed, bytes, location any
	if s := upd.Summary; s != nil {
		total, succeeded, failed, bytes = s.TotalItems, s.SucceededItems, s.FailedItems, s.BytesWritten
		location = nullString(s.OutputLocation)
	}
	var completedAt any
	if upd.Status.Terminal() {
		completedAt = r.nowMillis()
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = ?1,
		     error_message = COALESCE(NULLIF(?2, ''), error_message),
		     completed_at = COALESCE(?3, completed_at),
		     locked_at = CASE WHEN ?3 IS NULL THEN locked_at END,
		     locked_by = CASE WHEN ?3 IS NULL THEN locked_by END,
		     lease_expires_at = CASE WHEN ?3 IS NULL THEN lease_expires_at END,
		     total_items = COALESCE(?4, total_items),
		     succeeded_items = COALESCE(?5, succeeded_items),
		     failed_items = COALESCE(?6, failed_items),
		     bytes_written = COALESCE(?7, bytes_written),
		     output_location = COALESCE(?8, output_location)
		 WHERE id = ?9
		   AND status <> 'cancelled'
		   AND (status = 'processing' OR status = ?1)
		   AND (?10 = '' OR locked_by IS NULL OR locked_by = ?10)`,
		string(upd.Status), upd.Error, completedAt,
		total, succeeded, failed, bytes, location,
		upd.ID.String(), upd.WorkerID,
	)
	if err := requireRows(result, err, domain.ErrLeaseLost); err != nil {
		return r.explainMiss(ctx, upd.ID, err)
	}
	return nil
}

// Requeue returns a processing job held by req.WorkerID to pending.
func (r *Repository) Requeue(ctx context.Context, req domain.Requeue) error {
	refund := 0
	if req.RefundAttempt {
		refund = 1
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = 'pending',
		     error_message = COALESCE(NULLIF(?1, ''), error_message),
		     next_run_at = ?2,
		     attempts = CASE WHEN ?3 = 1 AND attempts > 0 THEN attempts - 1 ELSE attempts END,
		     locked_at = NULL, locked_by = NULL, lease_expires_at = NULL
		 WHERE id = ?4 AND status = 'processing' AND (?5 = '' OR locked_by = ?5)`,
		req.Reason, req.NextRunAt.UnixMilli(), refund, req.ID.String(), req.WorkerID,
	)
	if err := requireRows(result, err, domain.ErrLeaseLost); err != nil {
		return r.explainMiss(ctx, req.ID, err)
	}
	return nil
}

// ExtendLease pushes the lease of a job held by workerID to now+d.
func (r *Repository) ExtendLease(ctx context.Context, id uuid.UUID, workerID string, d time.Duration) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET lease_expires_at = ?
		 WHERE id = ? AND status = 'processing' AND locked_by = ?`,
		lease.Expiry(r.now(), d).UnixMilli(), id.String(), workerID,
	)
	return requireRows(result, err, domain.ErrLeaseLost)
}

// AddQuotaUsage adds units to the job's quota counter.
func (r *Repository) AddQuotaUsage(ctx context.Context, id uuid.UUID, units int) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET quota_units_used = quota_units_used + ? WHERE id = ?`, units, id.String())
	return requireRows(result, err, domain.ErrJobNotFound)
}

// Cancel moves a pending or processing job to cancelled.
func (r *Repository) Cancel(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = 'cancelled', completed_at = ?, locked_at = NULL, locked_by = NULL, lease_expires_at = NULL
		 WHERE id = ? AND status IN ('pending', 'processing')`,
		r.nowMillis(), id.String(),
	)
	if err := requireRows(result, err, domain.ErrJobTerminal); err != nil {
		if errors.Is(err, domain.ErrJobTerminal) {
			if _, getErr := r.Get(ctx, id); getErr != nil {
				return nil, getErr
			}
		}
		return nil, err
	}
	return r.Get(ctx, id)
}

func (r *Repository) explainMiss(ctx context.Context, id uuid.UUID, err error) error {
	if !errors.Is(err, domain.ErrLeaseLost) {
		return err
	}
	if _, getErr := r.Get(ctx, id); errors.Is(getErr, domain.ErrJobNotFound) {
		return domain.ErrJobNotFound
	}
	return err
}

func requireRows(result sql.Result, err, notFoundErr error) error {
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return notFoundErr
	}
	return nil
}

func collectIDs(rows *sql.Rows, err error) ([]uuid.UUID, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.Job, error) {
	var (
		job                                              domain.Job
		id, entityType, status, opts                     string
		requestedAt                                      int64
		startedAt, completedAt, lockedAt, leaseExpiresAt sql.NullInt64
		nextRunAt                                        sql.NullInt64
		lockedBy                                         sql.NullString
	)
	err := row.Scan(
		&id, &entityType, &job.EntityID, &status, &requestedAt, &startedAt, &completedAt,
		&lockedAt, &lockedBy, &leaseExpiresAt, &job.Attempts, &job.MaxAttempts, &nextRunAt,
		&job.QuotaUnitsUsed, &job.ErrorMessage, &job.IdempotencyKey, &opts,
		&job.Summary.TotalItems, &job.Summary.SucceededItems, &job.Summary.FailedItems,
		&job.Summary.BytesWritten, &job.Summary.OutputLocation,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	if job.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	job.EntityType = domain.EntityType(entityType)
	job.Status = domain.JobStatus(status)
	job.RequestedAt = time.UnixMilli(requestedAt).UTC()
	job.StartedAt = fromMillis(startedAt)
	job.CompletedAt = fromMillis(completedAt)
	job.LockedAt = fromMillis(lockedAt)
	job.LockedBy = lockedBy.String
	job.LeaseExpiresAt = fromMillis(leaseExpiresAt)
	job.NextRunAt = fromMillis(nextRunAt)
	if err := json.Unmarshal([]byte(opts), &job.Options); err != nil {
		return nil, fmt.Errorf("decode options of job %s: %w", id, err)
	}
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]domain.Job, error) {
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
