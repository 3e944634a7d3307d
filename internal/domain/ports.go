package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ClaimRequest selects up to Limit eligible jobs for WorkerID.
type ClaimRequest struct {
	WorkerID      string
	Limit         int
	EntityTypes   []EntityType
	LeaseDuration time.Duration
}

// StatusUpdate is applied by the worker holding the lease.
type StatusUpdate struct {
	ID       uuid.UUID
	WorkerID string
	Status   JobStatus
	Error    string
	Summary  *Summary
}

// Requeue returns a processing job to pending.
type Requeue struct {
	ID        uuid.UUID
	WorkerID  string
	Reason    string
	NextRunAt time.Time
	// RefundAttempt gives back the attempt charged by the claim.
	RefundAttempt bool
}

// LeaseReset is the outcome of one reaper pass.
type LeaseReset struct {
	Requeued []uuid.UUID
	Failed   []uuid.UUID
}

// Total returns the number of jobs touched.
func (r LeaseReset) Total() int {
	return len(r.Requeued) + len(r.Failed)
}

// JobFilter narrows List results.
type JobFilter struct {
	Status     JobStatus
	EntityType EntityType
	EntityID   string
	Limit      int
	Offset     int
}

// JobRepository is the driven port for job persistence.
type JobRepository interface {
	// Create inserts job, or returns the existing job with the same
	// idempotency key and created=false.
	Create(ctx context.Context, job *Job) (saved *Job, created bool, err error)
	Get(ctx context.Context, id uuid.UUID) (*Job, error)
	List(ctx context.Context, filter JobFilter) ([]Job, int, error)
	Claim(ctx context.Context, req ClaimRequest) ([]Job, error)
	ResetExpiredLeases(ctx context.Context) (LeaseReset, error)
	UpdateStatus(ctx context.Context, upd StatusUpdate) error
	Requeue(ctx context.Context, req Requeue) error
	ExtendLease(ctx context.Context, id uuid.UUID, workerID string, d time.Duration) error
	AddQuotaUsage(ctx context.Context, id uuid.UUID, units int) error
	Cancel(ctx context.Context, id uuid.UUID) (*Job, error)
}

// ContentRepository stores shared content metadata, job items and attempts.
type ContentRepository interface {
	GetContent(ctx context.Context, id string) (*ContentRecord, error)
	UpsertContent(ctx context.Context, rec *ContentRecord) error
	RecordArtifact(ctx context.Context, id, path, hash string, size int64, strategy string) error
	RecordAttempt(ctx context.Context, a *Attempt) error
	ListAttempts(ctx context.Context, contentID string) ([]Attempt, error)
	UpsertJobItem(ctx context.Context, item *JobItem) error
	ListJobItems(ctx context.Context, jobID uuid.UUID) ([]JobItem, error)
}

// StagingRepository tracks in-flight artifact writes.
type StagingRepository interface {
	CreateStaging(ctx context.Context, s *Staging) error
	GetStagingByPath(ctx context.Context, path string) (*Staging, error)
	MarkStagingFinalized(ctx context.Context, id uuid.UUID) error
	DeleteStaging(ctx context.Context, id uuid.UUID) error
	PurgeFinalizedStaging(ctx context.Context, before time.Time) (int64, error)
}

// Locker provides named mutual exclusion across processes. The lock is held
// for the duration of fn and released when fn returns, even on error.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
	// TryWithLock runs fn only if the lock is free and reports whether it ran.
	TryWithLock(ctx context.Context, key string, fn func(ctx context.Context) error) (bool, error)
}

// ExpansionCache maps a collection id to its content ids.
type ExpansionCache interface {
	GetExpansion(ctx context.Context, collectionID string) ([]string, bool, error)
	PutExpansion(ctx context.Context, collectionID string, ids []string, ttl time.Duration) error
	EvictExpansion(ctx context.Context, collectionID string) error
	PurgeExpiredExpansions(ctx context.Context) (int64, error)
}

// Catalog resolves collections and metadata through the YouTube Data API.
type Catalog interface {
	PlaylistItems(ctx context.Context, playlistID string) ([]string, error)
	ChannelUploads(ctx context.Context, channel string) (string, error)
	VideoMetadata(ctx context.Context, ids []string) ([]ContentRecord, error)
}

// AttemptRequest is handed to a strategy for one content id.
type AttemptRequest struct {
	JobID       uuid.UUID
	ContentID   string
	Options     Options
	StagingPath string
}

// Strategy is one way of producing an artifact. It must write the complete
// artifact to req.StagingPath or return an error.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, req AttemptRequest) error
}
