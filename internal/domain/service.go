package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cwygoda/ytfetch/internal/lease"
)

var (
	ErrInvalidURL        = errors.New("invalid URL")
	ErrInvalidTarget     = errors.New("invalid target")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidFilter     = errors.New("invalid filter")
	ErrJobNotFound       = errors.New("job not found")
	ErrJobTerminal       = errors.New("job already finished")
	ErrLeaseLost         = errors.New("job lease lost")
	ErrContentNotFound   = errors.New("content not found")
	ErrStagingNotFound   = errors.New("staging record not found")
)

// DefaultMaxAttempts bounds how often a job is claimed before it fails for good.
const DefaultMaxAttempts = 3

// ServiceConfig holds the defaults applied on submission and retry.
type ServiceConfig struct {
	MaxAttempts int
	Defaults    Options
	Backoff     lease.Backoff
}

// SubmitRequest describes a new job.
type SubmitRequest struct {
	EntityType     EntityType
	EntityID       string
	Options        Options
	IdempotencyKey string
	MaxAttempts    int
}

// JobService orchestrates job operations.
type JobService struct {
	jobs    JobRepository
	content ContentRepository
	cfg     ServiceConfig
	now     func() time.Time
}

// NewJobService creates a new JobService.
func NewJobService(jobs JobRepository, content ContentRepository, cfg ServiceConfig) *JobService {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff.Base == 0 && cfg.Backoff.Max == 0 {
		cfg.Backoff = lease.NewBackoff()
	}
	return &JobService{jobs: jobs, content: content, cfg: cfg, now: time.Now}
}

// Submit creates a pending job. Resubmitting with a known idempotency key
// returns the existing job and created=false.
func (s *JobService) Submit(ctx context.Context, req SubmitRequest) (*Job, bool, error) {
	if err := ValidateTarget(req.EntityType, req.EntityID); err != nil {
		return nil, false, err
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.MaxAttempts
	}

	job := &Job{
		ID:             uuid.New(),
		EntityType:     req.EntityType,
		EntityID:       req.EntityID,
		Status:         StatusPending,
		RequestedAt:    s.now().UTC(),
		MaxAttempts:    maxAttempts,
		IdempotencyKey: req.IdempotencyKey,
		Options:        s.withDefaults(req.Options),
	}
	return s.jobs.Create(ctx, job)
}

// SubmitURL parses a YouTube URL and submits the job it names.
func (s *JobService) SubmitURL(ctx context.Context, rawURL string, opts Options, idempotencyKey string) (*Job, bool, error) {
	target, err := ParseTarget(rawURL)
	if err != nil {
		return nil, false, err
	}
	return s.Submit(ctx, SubmitRequest{
		EntityType:     target.Type,
		EntityID:       target.ID,
		Options:        opts,
		IdempotencyKey: idempotencyKey,
	})
}

func (s *JobService) withDefaults(o Options) Options {
	d := s.cfg.Defaults
	if o.OutputDirectory == "" {
		o.OutputDirectory = d.OutputDirectory
	}
	if o.Container == "" {
		o.Container = d.Container
	}
	if o.Quality == "" {
		o.Quality = d.Quality
	}
	if len(o.Languages) == 0 {
		o.Languages = d.Languages
	}
	if o.OutputFormat == "" {
		o.OutputFormat = d.OutputFormat
	}
	return o
}

// Get retrieves a job by ID.
func (s *JobService) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	return s.jobs.Get(ctx, id)
}

// List returns a page of jobs and the total matching the filter.
func (s *JobService) List(ctx context.Context, filter JobFilter) ([]Job, int, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 50
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	if filter.EntityType != "" {
		if _, err := ParseEntityType(string(filter.EntityType)); err != nil {
			return nil, 0, fmt.Errorf("%w: unknown entity type %q", ErrInvalidFilter, filter.EntityType)
		}
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown status %q", ErrInvalidFilter, filter.Status)
	}
	return s.jobs.List(ctx, filter)
}

// Cancel moves a pending or processing job to cancelled. A worker holding
// the job notices before its next content id.
func (s *JobService) Cancel(ctx context.Context, id uuid.UUID) (*Job, error) {
	return s.jobs.Cancel(ctx, id)
}

// Claim leases up to limit eligible jobs to workerID.
func (s *JobService) Claim(ctx context.Context, req ClaimRequest) ([]Job, error) {
	if req.Limit <= 0 {
		req.Limit = 1
	}
	if req.LeaseDuration <= 0 {
		req.LeaseDuration = lease.DefaultDuration
	}
	return s.jobs.Claim(ctx, req)
}

// ResetExpiredLeases requeues processing jobs whose lease ran out.
func (s *JobService) ResetExpiredLeases(ctx context.Context) (LeaseReset, error) {
	return s.jobs.ResetExpiredLeases(ctx)
}

// UpdateStatus applies a status change from the worker holding the lease.
func (s *JobService) UpdateStatus(ctx context.Context, upd StatusUpdate) error {
	if !upd.Status.Valid() || upd.Status == StatusPending || upd.Status == StatusCancelled {
		return fmt.Errorf("%w: %s", ErrInvalidTransition, upd.Status)
	}
	return s.jobs.UpdateStatus(ctx, upd)
}

// MarkComplete marks a job completed with its summary.
func (s *JobService) MarkComplete(ctx context.Context, id uuid.UUID, workerID string, summary Summary) error {
	return s.UpdateStatus(ctx, StatusUpdate{ID: id, WorkerID: workerID, Status: StatusCompleted, Summary: &summary})
}

// MarkFailed marks a job as permanently failed.
func (s *JobService) MarkFailed(ctx context.Context, id uuid.UUID, workerID, reason string) error {
	return s.UpdateStatus(ctx, StatusUpdate{ID: id, WorkerID: workerID, Status: StatusFailed, Error: reason})
}

// MarkRetry returns the job to pending after a backoff, or fails it when no
// attempts are left.
func (s *JobService) MarkRetry(ctx context.Context, job *Job, workerID, reason string) error {
	if !job.CanRetry() {
		return s.MarkFailed(ctx, job.ID, workerID, reason)
	}
	return s.jobs.Requeue(ctx, Requeue{
		ID:        job.ID,
		WorkerID:  workerID,
		Reason:    reason,
		NextRunAt: s.cfg.Backoff.NextRun(s.now().UTC(), job.Attempts-1),
	})
}

// Defer returns the job to pending until the given time without charging
// the attempt. Used for quota exhaustion and shutdown.
func (s *JobService) Defer(ctx context.Context, id uuid.UUID, workerID, reason string, until time.Time) error {
	return s.jobs.Requeue(ctx, Requeue{
		ID:            id,
		WorkerID:      workerID,
		Reason:        reason,
		NextRunAt:     until,
		RefundAttempt: true,
	})
}

// ExtendLease renews the caller's lease. It fails with ErrLeaseLost when the
// job was cancelled or reclaimed.
func (s *JobService) ExtendLease(ctx context.Context, id uuid.UUID, workerID string, d time.Duration) error {
	return s.jobs.ExtendLease(ctx, id, workerID, d)
}

// AddQuotaUsage records Data API units charged to a job.
func (s *JobService) AddQuotaUsage(ctx context.Context, id uuid.UUID, units int) error {
	if units <= 0 {
		return nil
	}
	return s.jobs.AddQuotaUsage(ctx, id, units)
}

// Items returns the per-content outcome of a job.
func (s *JobService) Items(ctx context.Context, id uuid.UUID) ([]JobItem, error) {
	if _, err := s.jobs.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.content.ListJobItems(ctx, id)
}

// Attempts returns the attempt log of a content id.
func (s *JobService) Attempts(ctx context.Context, contentID string) ([]Attempt, error) {
	return s.content.ListAttempts(ctx, contentID)
}

// Content returns the shared record of a content id.
func (s *JobService) Content(ctx context.Context, contentID string) (*ContentRecord, error) {
	return s.content.GetContent(ctx, contentID)
}
