package http

import (
	"time"

	"github.com/cwygoda/ytfetch/internal/domain"
)

// jobResponse is the JSON form of a job.
type jobResponse struct {
	ID             string         `json:"id"`
	EntityType     string         `json:"entity_type"`
	EntityID       string         `json:"entity_id"`
	Status         string         `json:"status"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	Error          string         `json:"error,omitempty"`
	RequestedAt    time.Time      `json:"requested_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	NextRunAt      *time.Time     `json:"next_run_at,omitempty"`
	LockedBy       string         `json:"locked_by,omitempty"`
	LeaseExpiresAt *time.Time     `json:"lease_expires_at,omitempty"`
	// LeaseExpired flags a processing job whose worker stopped renewing.
	LeaseExpired   bool           `json:"lease_expired,omitempty"`
	QuotaUnitsUsed int            `json:"quota_units_used"`
	Options        domain.Options `json:"options"`
	Summary        domain.Summary `json:"summary"`
}

func toJobResponse(job *domain.Job, now time.Time) jobResponse {
	return jobResponse{
		ID:             job.ID.String(),
		EntityType:     string(job.EntityType),
		EntityID:       job.EntityID,
		Status:         string(job.Status),
		Attempts:       job.Attempts,
		MaxAttempts:    job.MaxAttempts,
		Error:          job.ErrorMessage,
		RequestedAt:    job.RequestedAt,
		StartedAt:      job.StartedAt,
		CompletedAt:    job.CompletedAt,
		NextRunAt:      job.NextRunAt,
		LockedBy:       job.LockedBy,
		LeaseExpiresAt: job.LeaseExpiresAt,
		LeaseExpired:   job.LeaseExpired(now),
		QuotaUnitsUsed: job.QuotaUnitsUsed,
		Options:        job.Options,
		Summary:        job.Summary,
	}
}

type itemResponse struct {
	ContentID string    `json:"content_id"`
	Position  int       `json:"position"`
	State     string    `json:"state"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type attemptResponse struct {
	JobID       string    `json:"job_id,omitempty"`
	Strategy    string    `json:"strategy"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	AttemptedAt time.Time `json:"attempted_at"`
}

type contentResponse struct {
	ID              string     `json:"id"`
	Title           string     `json:"title,omitempty"`
	ChannelID       string     `json:"channel_id,omitempty"`
	ChannelName     string     `json:"channel_name,omitempty"`
	DurationSeconds int        `json:"duration_seconds,omitempty"`
	PublishedAt     *time.Time `json:"published_at,omitempty"`
	Fetched         bool       `json:"fetched"`
	ArtifactPath    string     `json:"artifact_path,omitempty"`
	ArtifactHash    string     `json:"artifact_hash,omitempty"`
	ArtifactSize    int64      `json:"artifact_size,omitempty"`
	StrategyUsed    string     `json:"strategy_used,omitempty"`
}
