package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/cwygoda/ytfetch/internal/domain"
)

const jobColumns = `id, entity_type, entity_id, status, requested_at, started_at, completed_at,
	locked_at, locked_by, lease_expires_at, attempts, max_attempts, next_run_at,
	quota_units_used, error_message, idempotency_key, options,
	total_items, succeeded_items, failed_items, bytes_written, output_location`

type jobRow struct {
	ID             uuid.UUID  `db:"id"`
	EntityType     string     `db:"entity_type"`
	EntityID       string     `db:"entity_id"`
	Status         string     `db:"status"`
	RequestedAt    time.Time  `db:"requested_at"`
	StartedAt      *time.Time `db:"started_at"`
	CompletedAt    *time.Time `db:"completed_at"`
	LockedAt       *time.Time `db:"locked_at"`
	LockedBy       *string    `db:"locked_by"`
	LeaseExpiresAt *time.Time `db:"lease_expires_at"`
	Attempts       int        `db:"attempts"`
	MaxAttempts    int        `db:"max_attempts"`
	NextRunAt      *time.Time `db:"next_run_at"`
	QuotaUnitsUsed int        `db:"quota_units_used"`
	ErrorMessage   *string    `db:"error_message"`
	IdempotencyKey *string    `db:"idempotency_key"`
	Options        []byte     `db:"options"`
	TotalItems     int        `db:"total_items"`
	SucceededItems int        `db:"succeeded_items"`
	FailedItems    int        `db:"failed_items"`
	BytesWritten   int64      `db:"bytes_written"`
	OutputLocation *string    `db:"output_location"`
}

func (r *jobRow) toDomain() (domain.Job, error) {
	job := domain.Job{
		ID:             r.ID,
		EntityType:     domain.EntityType(r.EntityType),
		EntityID:       r.EntityID,
		Status:         domain.JobStatus(r.Status),
		RequestedAt:    r.RequestedAt,
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
		LockedAt:       r.LockedAt,
		LockedBy:       deref(r.LockedBy),
		LeaseExpiresAt: r.LeaseExpiresAt,
		Attempts:       r.Attempts,
		MaxAttempts:    r.MaxAttempts,
		NextRunAt:      r.NextRunAt,
		QuotaUnitsUsed: r.QuotaUnitsUsed,
		ErrorMessage:   deref(r.ErrorMessage),
		IdempotencyKey: deref(r.IdempotencyKey),
		Summary: domain.Summary{
			TotalItems:     r.TotalItems,
			SucceededItems: r.SucceededItems,
			FailedItems:    r.FailedItems,
			BytesWritten:   r.BytesWritten,
			OutputLocation: deref(r.OutputLocation),
		},
	}
	if len(r.Options) > 0 {
		if err := json.Unmarshal(r.Options, &job.Options); err != nil {
			return job, fmt.Errorf("decode options of job %s: %w", r.ID, err)
		}
	}
	return job, nil
}

func toJobs(rows []jobRow) ([]domain.Job, error) {
	jobs := make([]domain.Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Create inserts a job, or returns the existing one sharing its idempotency key.
func (s *Store) Create(ctx context.Context, job *domain.Job) (*domain.Job, bool, error) {
	opts, err := json.Marshal(job.Options)
	if err != nil {
		return nil, false, fmt.Errorf("encode options: %w", err)
	}

	query := s.q(`
		INSERT INTO %[1]s.jobs (id, entity_type, entity_id, status, requested_at, max_attempts, idempotency_key, options)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING ` + jobColumns)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query,
		job.ID, string(job.EntityType), job.EntityID, string(job.Status), job.RequestedAt,
		job.MaxAttempts, nullString(job.IdempotencyKey), opts,
	); err != nil {
		return nil, false, fmt.Errorf("insert job: %w", err)
	}
	if len(rows) == 1 {
		created, err := rows[0].toDomain()
		return &created, true, err
	}

	existing, err := s.getBy(ctx, "idempotency_key", job.IdempotencyKey)
	if err != nil {
		return nil, false, fmt.Errorf("load job for idempotency key: %w", err)
	}
	return existing, false, nil
}

// Get retrieves a job by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	return s.getBy(ctx, "id", id)
}

func (s *Store) getBy(ctx context.Context, column string, value any) (*domain.Job, error) {
	query := s.q(`SELECT ` + jobColumns + ` FROM %[1]s.jobs WHERE ` + column + ` = $1`)

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	job, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// List returns jobs matching filter, newest first, and the total count.
func (s *Store) List(ctx context.Context, filter domain.JobFilter) ([]domain.Job, int, error) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.EntityType != "" {
		add("entity_type = $%d", string(filter.EntityType))
	}
	if filter.EntityID != "" {
		add("entity_id = $%d", filter.EntityID)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.GetContext(ctx, &total, s.q(`SELECT COUNT(*) FROM %[1]s.jobs`+where), args...); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	args = append(args, filter.Limit, filter.Offset)
	query := s.q(`SELECT `+jobColumns+` FROM %[1]s.jobs`+where) +
		fmt.Sprintf(` ORDER BY requested_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	jobs, err := toJobs(rows)
	return jobs, total, err
}

// Claim leases up to req.Limit eligible jobs. Rows locked by a concurrent
// claim are skipped rather than waited on.
func (s *Store) Claim(ctx context.Context, req domain.ClaimRequest) ([]domain.Job, error) {
	var types any
	if len(req.EntityTypes) > 0 {
		names := make([]string, len(req.EntityTypes))
		for i, t := range req.EntityTypes {
			names[i] = string(t)
		}
		types = pq.Array(names)
	}

	query := s.q(`
		UPDATE %[1]s.jobs
		SET status = 'processing',
			started_at = COALESCE(started_at, NOW()),
			locked_at = NOW(),
			locked_by = $2,
			lease_expires_at = NOW() + $3 * INTERVAL '1 millisecond',
			attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM %[1]s.jobs
			WHERE (status = 'pending' OR (status = 'processing' AND lease_expires_at < NOW()))
				AND (next_run_at IS NULL OR next_run_at <= NOW())
				AND attempts < max_attempts
				AND ($4::text[] IS NULL OR entity_type = ANY($4::text[]))
			ORDER BY requested_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query,
		req.Limit, req.WorkerID, durationMillis(req.LeaseDuration), types,
	); err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}

	jobs, err := toJobs(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].RequestedAt.Before(jobs[j].RequestedAt) })
	return jobs, nil
}

// ResetExpiredLeases fails abandoned jobs that used their last attempt and
// returns the rest to pending.
func (s *Store) ResetExpiredLeases(ctx context.Context) (domain.LeaseReset, error) {
	var res domain.LeaseReset

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin reaper transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	failQuery := s.q(`
		UPDATE %[1]s.jobs
		SET status = 'failed',
			completed_at = NOW(),
			error_message = 'lease expired after final attempt',
			locked_at = NULL,
			locked_by = NULL,
			lease_expires_at = NULL
		WHERE status = 'processing' AND lease_expires_at < NOW() AND attempts >= max_attempts
		RETURNING id`)
	if err := tx.SelectContext(ctx, &res.Failed, failQuery); err != nil {
		return res, fmt.Errorf("fail exhausted jobs: %w", err)
	}

	requeueQuery := s.q(`
		UPDATE %[1]s.jobs
		SET status = 'pending',
			locked_at = NULL,
			locked_by = NULL,
			lease_expires_at = NULL
		WHERE status = 'processing' AND lease_expires_at < NOW()
		RETURNING id`)
	if err := tx.SelectContext(ctx, &res.Requeued, requeueQuery); err != nil {
		return res, fmt.Errorf("requeue expired jobs: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.LeaseReset{}, fmt.Errorf("commit reaper transaction: %w", err)
	}
	return res, nil
}

// UpdateStatus applies upd unless the job was cancelled, already moved on,
// or is leased to another worker.
func (s *Store) UpdateStatus(ctx context.Context, upd domain.StatusUpdate) error {
	var total, succeeded, failed *int
	var bytes *int64
	var location *string
	if upd.Summary != nil {
		total, succeeded, failed = &upd.Summary.TotalItems, &upd.Summary.SucceededItems, &upd.Summary.FailedItems
		bytes = &upd.Summary.BytesWritten
		location = nullString(upd.Summary.OutputLocation)
	}

	query := s.q(`
		UPDATE %[1]s.jobs
		SET status = $3,
			error_message = COALESCE(NULLIF($4, ''), error_message),
			completed_at = CASE WHEN $5 THEN NOW() ELSE completed_at END,
			locked_at = CASE WHEN $5 THEN NULL ELSE locked_at END,
			locked_by = CASE WHEN $5 THEN NULL ELSE locked_by END,
			lease_expires_at = CASE WHEN $5 THEN NULL ELSE lease_expires_at END,
			total_items = COALESCE($6, total_items),
			succeeded_items = COALESCE($7, succeeded_items),
			failed_items = COALESCE($8, failed_items),
			bytes_written = COALESCE($9, bytes_written),
			output_location = COALESCE($10, output_location)
		WHERE id = $1
			AND status <> 'cancelled'
			AND (status = 'processing' OR status = $3)
			AND ($2 = '' OR locked_by IS NULL OR locked_by = $2)`)

	result, err := s.db.ExecContext(ctx, query,
		upd.ID, upd.WorkerID, string(upd.Status), upd.Error, upd.Status.Terminal(),
		total, succeeded, failed, bytes, location,
	)
	if err := execRequireRows(result, err, domain.ErrLeaseLost); err != nil {
		return s.explainMiss(ctx, upd.ID, err)
	}
	return nil
}

// Requeue returns a processing job held by req.WorkerID to pending.
func (s *Store) Requeue(ctx context.Context, req domain.Requeue) error {
	query := s.q(`
		UPDATE %[1]s.jobs
		SET status = 'pending',
			error_message = COALESCE(NULLIF($3, ''), error_message),
			next_run_at = $4,
			attempts = CASE WHEN $5 AND attempts > 0 THEN attempts - 1 ELSE attempts END,
			locked_at = NULL,
			locked_by = NULL,
			lease_expires_at = NULL
		WHERE id = $1 AND status = 'processing' AND ($2 = '' OR locked_by = $2)`)

	result, err := s.db.ExecContext(ctx, query, req.ID, req.WorkerID, req.Reason, req.NextRunAt, req.RefundAttempt)
	if err := execRequireRows(result, err, domain.ErrLeaseLost); err != nil {
		return s.explainMiss(ctx, req.ID, err)
	}
	return nil
}

// ExtendLease pushes the lease of a job held by workerID to now+d.
func (s *Store) ExtendLease(ctx context.Context, id uuid.UUID, workerID string, d time.Duration) error {
	query := s.q(`
		UPDATE %[1]s.jobs
		SET lease_expires_at = NOW() + $3 * INTERVAL '1 millisecond'
		WHERE id = $1 AND status = 'processing' AND locked_by = $2`)

	result, err := s.db.ExecContext(ctx, query, id, workerID, durationMillis(d))
	return execRequireRows(result, err, domain.ErrLeaseLost)
}

// AddQuotaUsage adds units to the job's quota counter.
func (s *Store) AddQuotaUsage(ctx context.Context, id uuid.UUID, units int) error {
	query := s.q(`UPDATE %[1]s.jobs SET quota_units_used = quota_units_used + $2 WHERE id = $1`)
	result, err := s.db.ExecContext(ctx, query, id, units)
	return execRequireRows(result, err, domain.ErrJobNotFound)
}

// Cancel moves a pending or processing job to cancelled.
func (s *Store) Cancel(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	query := s.q(`
		UPDATE %[1]s.jobs
		SET status = 'cancelled',
			completed_at = NOW(),
			locked_at = NULL,
			locked_by = NULL,
			lease_expires_at = NULL
		WHERE id = $1 AND status IN ('pending', 'processing')
		RETURNING ` + jobColumns)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, id); err != nil {
		return nil, fmt.Errorf("cancel job: %w", err)
	}
	if len(rows) == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, domain.ErrJobTerminal
	}
	job, err := rows[0].toDomain()
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// explainMiss turns a zero-row guarded update into ErrJobNotFound when the
// job does not exist at all.
func (s *Store) explainMiss(ctx context.Context, id uuid.UUID, err error) error {
	if !errors.Is(err, domain.ErrLeaseLost) {
		return err
	}
	if _, getErr := s.Get(ctx, id); errors.Is(getErr, domain.ErrJobNotFound) {
		return domain.ErrJobNotFound
	}
	return err
}
