package domain

import (
	"time"

	"github.com/google/uuid"
)

// ContentRecord is the shared metadata and artifact state of one video.
type ContentRecord struct {
	ID              string
	Title           string
	ChannelID       string
	ChannelName     string
	DurationSeconds int
	PublishedAt     *time.Time

	ArtifactPath string
	ArtifactHash string
	ArtifactSize int64
	StrategyUsed string

	LastFetchedAt time.Time
}

// HasArtifact reports whether the content was already fetched.
func (c *ContentRecord) HasArtifact() bool {
	return c.ArtifactPath != ""
}

// ItemState is the outcome of one content id inside a job.
type ItemState string

const (
	ItemPending   ItemState = "pending"
	ItemSucceeded ItemState = "succeeded"
	ItemFailed    ItemState = "failed"
	ItemSkipped   ItemState = "skipped"
)

// JobItem links a job to one of the content ids it expanded to.
type JobItem struct {
	JobID     uuid.UUID
	ContentID string
	Position  int
	State     ItemState
	Error     string
	UpdatedAt time.Time
}

// Attempt is one strategy try for one content id. Attempts are append-only.
type Attempt struct {
	ID          uuid.UUID
	ContentID   string
	JobID       uuid.UUID
	Strategy    string
	Success     bool
	Error       string
	AttemptedAt time.Time
}

// Staging tracks an in-flight artifact write.
type Staging struct {
	ID            uuid.UUID
	EntityID      string
	StagingPath   string
	FinalPath     string
	CreatedAt     time.Time
	LockExpiresAt time.Time
	Finalized     bool
	FinalizedAt   *time.Time
}
