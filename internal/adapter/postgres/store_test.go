//nolint:testpackage // Testing internal repository requires same package access
package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwygoda/ytfetch/internal/domain"
)

var jobCols = []string{
	"id", "entity_type", "entity_id", "status", "requested_at", "started_at", "completed_at",
	"locked_at", "locked_by", "lease_expires_at", "attempts", "max_attempts", "next_run_at",
	"quota_units_used", "error_message", "idempotency_key", "options",
	"total_items", "succeeded_items", "failed_items", "bytes_written", "output_location",
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	store, err := NewStore(sqlx.NewDb(mockDB, "postgres"), "yt_videos")
	require.NoError(t, err)
	return store, mock
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func addJobRow(rows *sqlmock.Rows, id uuid.UUID, status string, requestedAt time.Time, attempts int, lockedBy any) *sqlmock.Rows {
	return rows.AddRow(
		id.String(), "video", "dQw4w9WgXcQ", status, requestedAt, nil, nil,
		nil, lockedBy, nil, attempts, 3, nil,
		0, nil, nil, []byte(`{"container":"webm"}`),
		0, 0, 0, int64(0), nil,
	)
}

func TestNewStore_RejectsBadSchema(t *testing.T) {
	mockDB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	_, err = NewStore(sqlx.NewDb(mockDB, "postgres"), "yt-videos; DROP")
	assert.Error(t, err)
}

func TestStore_Create(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`INSERT INTO yt_videos\.jobs`).
		WithArgs(id.String(), "video", "dQw4w9WgXcQ", "pending", now, 3, nil, sqlmock.AnyArg()).
		WillReturnRows(addJobRow(sqlmock.NewRows(jobCols), id, "pending", now, 0, nil))

	job, created, err := store.Create(context.Background(), &domain.Job{
		ID:          id,
		EntityType:  domain.EntityVideo,
		EntityID:    "dQw4w9WgXcQ",
		Status:      domain.StatusPending,
		RequestedAt: now,
		MaxAttempts: 3,
		Options:     domain.Options{Container: "webm"},
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, "webm", job.Options.Container)
	expectationsMet(t, mock)
}

func TestStore_Create_IdempotencyConflict(t *testing.T) {
	store, mock := newMockStore(t)
	existing := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(`INSERT INTO yt_videos\.jobs`).
		WillReturnRows(sqlmock.NewRows(jobCols))
	mock.ExpectQuery(`FROM yt_videos\.jobs WHERE idempotency_key = \$1`).
		WithArgs("key-1").
		WillReturnRows(addJobRow(sqlmock.NewRows(jobCols), existing, "processing", now, 1, "w1"))

	job, created, err := store.Create(context.Background(), &domain.Job{
		ID:             uuid.New(),
		EntityType:     domain.EntityVideo,
		EntityID:       "dQw4w9WgXcQ",
		Status:         domain.StatusPending,
		MaxAttempts:    3,
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, existing, job.ID)
	assert.Equal(t, "w1", job.LockedBy)
	expectationsMet(t, mock)
}

func TestStore_Get_NotFound(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery(`FROM yt_videos\.jobs WHERE id = \$1`).
		WithArgs(id.String()).
		WillReturnRows(sqlmock.NewRows(jobCols))

	_, err := store.Get(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	expectationsMet(t, mock)
}

func TestStore_List(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM yt_videos\.jobs WHERE status = \$1 AND entity_type = \$2`).
		WithArgs("pending", "video").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectQuery(`ORDER BY requested_at DESC LIMIT \$3 OFFSET \$4`).
		WithArgs("pending", "video", 2, 4).
		WillReturnRows(addJobRow(addJobRow(sqlmock.NewRows(jobCols), uuid.New(), "pending", now, 0, nil),
			uuid.New(), "pending", now, 0, nil))

	jobs, total, err := store.List(context.Background(), domain.JobFilter{
		Status:     domain.StatusPending,
		EntityType: domain.EntityVideo,
		Limit:      2,
		Offset:     4,
	})
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	assert.Len(t, jobs, 2)
	expectationsMet(t, mock)
}

func TestStore_Claim_SortsByRequestedAt(t *testing.T) {
	store, mock := newMockStore(t)
	older, newer := uuid.New(), uuid.New()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(jobCols)
	addJobRow(rows, newer, "processing", base.Add(time.Minute), 1, "worker-a")
	addJobRow(rows, older, "processing", base, 1, "worker-a")

	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs(2, "worker-a", int64(1800000), nil).
		WillReturnRows(rows)

	jobs, err := store.Claim(context.Background(), domain.ClaimRequest{
		WorkerID:      "worker-a",
		Limit:         2,
		LeaseDuration: 30 * time.Minute,
	})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, older, jobs[0].ID)
	assert.Equal(t, newer, jobs[1].ID)
	expectationsMet(t, mock)
}

func TestStore_Claim_EntityFilter(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`entity_type = ANY`).
		WithArgs(1, "worker-a", int64(60000), `{"playlist","channel"}`).
		WillReturnRows(sqlmock.NewRows(jobCols))

	jobs, err := store.Claim(context.Background(), domain.ClaimRequest{
		WorkerID:      "worker-a",
		Limit:         1,
		LeaseDuration: time.Minute,
		EntityTypes:   []domain.EntityType{domain.EntityPlaylist, domain.EntityChannel},
	})
	require.NoError(t, err)
	assert.Empty(t, jobs)
	expectationsMet(t, mock)
}

func TestStore_ResetExpiredLeases(t *testing.T) {
	store, mock := newMockStore(t)
	failed, requeued := uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SET status = 'failed'`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(failed.String()))
	mock.ExpectQuery(`SET status = 'pending'`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(requeued.String()))
	mock.ExpectCommit()

	res, err := store.ResetExpiredLeases(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{failed}, res.Failed)
	assert.Equal(t, []uuid.UUID{requeued}, res.Requeued)
	assert.Equal(t, 2, res.Total())
	expectationsMet(t, mock)
}

func TestStore_ResetExpiredLeases_RollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SET status = 'failed'`).WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	_, err := store.ResetExpiredLeases(context.Background())
	require.Error(t, err)
	expectationsMet(t, mock)
}

func TestStore_UpdateStatus_Complete(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE yt_videos\.jobs`).
		WithArgs(id.String(), "worker-a", "completed", "", true, 3, 2, 1, int64(2048), "/out").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.UpdateStatus(context.Background(), domain.StatusUpdate{
		ID:       id,
		WorkerID: "worker-a",
		Status:   domain.StatusCompleted,
		Summary: &domain.Summary{
			TotalItems: 3, SucceededItems: 2, FailedItems: 1, BytesWritten: 2048, OutputLocation: "/out",
		},
	})
	require.NoError(t, err)
	expectationsMet(t, mock)
}

func TestStore_UpdateStatus_LeaseLost(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE yt_videos\.jobs`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`WHERE id = \$1`).
		WithArgs(id.String()).
		WillReturnRows(addJobRow(sqlmock.NewRows(jobCols), id, "cancelled", time.Now(), 1, nil))

	err := store.UpdateStatus(context.Background(), domain.StatusUpdate{
		ID:       id,
		WorkerID: "worker-a",
		Status:   domain.StatusFailed,
		Error:    "boom",
	})
	assert.ErrorIs(t, err, domain.ErrLeaseLost)
	expectationsMet(t, mock)
}

func TestStore_UpdateStatus_MissingJob(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE yt_videos\.jobs`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`WHERE id = \$1`).WillReturnRows(sqlmock.NewRows(jobCols))

	err := store.UpdateStatus(context.Background(), domain.StatusUpdate{ID: id, Status: domain.StatusFailed})
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	expectationsMet(t, mock)
}

func TestStore_Requeue(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()
	next := time.Now().Add(time.Hour)

	mock.ExpectExec(`SET status = 'pending'`).
		WithArgs(id.String(), "worker-a", "quota exhausted", next, true).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Requeue(context.Background(), domain.Requeue{
		ID:            id,
		WorkerID:      "worker-a",
		Reason:        "quota exhausted",
		NextRunAt:     next,
		RefundAttempt: true,
	})
	require.NoError(t, err)
	expectationsMet(t, mock)
}

func TestStore_ExtendLease(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectExec(`SET lease_expires_at`).
		WithArgs(id.String(), "worker-a", int64(600000)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.ExtendLease(context.Background(), id, "worker-a", 10*time.Minute)
	assert.ErrorIs(t, err, domain.ErrLeaseLost)
	expectationsMet(t, mock)
}

func TestStore_AddQuotaUsage(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectExec(`quota_units_used = quota_units_used \+ \$2`).
		WithArgs(id.String(), 4).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.AddQuotaUsage(context.Background(), id, 4))
	expectationsMet(t, mock)
}

func TestStore_Cancel(t *testing.T) {
	t.Run("pending job", func(t *testing.T) {
		store, mock := newMockStore(t)
		id := uuid.New()

		mock.ExpectQuery(`SET status = 'cancelled'`).
			WithArgs(id.String()).
			WillReturnRows(addJobRow(sqlmock.NewRows(jobCols), id, "cancelled", time.Now(), 0, nil))

		job, err := store.Cancel(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCancelled, job.Status)
		expectationsMet(t, mock)
	})

	t.Run("terminal job", func(t *testing.T) {
		store, mock := newMockStore(t)
		id := uuid.New()

		mock.ExpectQuery(`SET status = 'cancelled'`).WillReturnRows(sqlmock.NewRows(jobCols))
		mock.ExpectQuery(`WHERE id = \$1`).
			WillReturnRows(addJobRow(sqlmock.NewRows(jobCols), id, "completed", time.Now(), 1, nil))

		_, err := store.Cancel(context.Background(), id)
		assert.ErrorIs(t, err, domain.ErrJobTerminal)
		expectationsMet(t, mock)
	})

	t.Run("unknown job", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectQuery(`SET status = 'cancelled'`).WillReturnRows(sqlmock.NewRows(jobCols))
		mock.ExpectQuery(`WHERE id = \$1`).WillReturnRows(sqlmock.NewRows(jobCols))

		_, err := store.Cancel(context.Background(), uuid.New())
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
		expectationsMet(t, mock)
	})
}
