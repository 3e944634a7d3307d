package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cwygoda/ytfetch/internal/lease"
)

// JobStatus represents the processing state of a job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// EntityType is the kind of YouTube target a job fetches.
type EntityType string

const (
	EntityVideo    EntityType = "video"
	EntityPlaylist EntityType = "playlist"
	EntityChannel  EntityType = "channel"
)

// ParseEntityType validates s as an EntityType.
func ParseEntityType(s string) (EntityType, error) {
	switch t := EntityType(s); t {
	case EntityVideo, EntityPlaylist, EntityChannel:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown entity type %q", ErrInvalidTarget, s)
}

// IsCollection reports whether the target expands to several content ids.
func (t EntityType) IsCollection() bool {
	return t == EntityPlaylist || t == EntityChannel
}

// Options are the per-job fetch settings.
type Options struct {
	OutputDirectory string   `json:"output_directory,omitempty"`
	Container       string   `json:"container,omitempty"`
	Quality         string   `json:"quality,omitempty"`
	EmbedMetadata   bool     `json:"embed_metadata,omitempty"`
	EmbedThumbnail  bool     `json:"embed_thumbnail,omitempty"`
	Languages       []string `json:"languages,omitempty"`
	OutputFormat    string   `json:"output_format,omitempty"`
}

// Summary aggregates the outcome of a job's content ids.
type Summary struct {
	TotalItems     int    `json:"total_items"`
	SucceededItems int    `json:"succeeded_items"`
	FailedItems    int    `json:"failed_items"`
	BytesWritten   int64  `json:"bytes_written"`
	OutputLocation string `json:"output_location,omitempty"`
}

// Job is one fetch request tracked by the queue.
type Job struct {
	ID          uuid.UUID
	EntityType  EntityType
	EntityID    string
	Status      JobStatus
	RequestedAt time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	// Lease fields, set only while processing.
	LockedAt       *time.Time
	LockedBy       string
	LeaseExpiresAt *time.Time

	Attempts       int
	MaxAttempts    int
	NextRunAt      *time.Time
	QuotaUnitsUsed int
	ErrorMessage   string
	IdempotencyKey string

	Options Options
	Summary Summary
}

// CanRetry returns true if the job has attempts left and is not terminal.
func (j *Job) CanRetry() bool {
	return j.Attempts < j.MaxAttempts && !j.Status.Terminal()
}

// LeaseExpired reports whether a processing job has been abandoned.
func (j *Job) LeaseExpired(now time.Time) bool {
	return j.Status == StatusProcessing && j.LeaseExpiresAt != nil && lease.IsExpired(j.LeaseExpiresAt, now)
}
