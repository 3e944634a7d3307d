//nolint:testpackage // Testing internal repository requires same package access
package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockID(t *testing.T) {
	assert.Equal(t, LockID("download:abc"), LockID("download:abc"))
	assert.NotEqual(t, LockID("download:abc"), LockID("download:abd"))
	// sha256("") begins e3b0c44298fc1c14
	assert.Equal(t, int64(-2039914840885289964), LockID(""))
}

func newMockLocker(t *testing.T) (*Locker, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return NewLocker(sqlx.NewDb(mockDB, "postgres")), mock
}

func TestLocker_WithLock(t *testing.T) {
	locker, mock := newMockLocker(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(\$1\)`).
		WithArgs(LockID("download:v1")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	ran := false
	err := locker.WithLock(context.Background(), "download:v1", func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	expectationsMet(t, mock)
}

func TestLocker_WithLock_ReleasesOnError(t *testing.T) {
	locker, mock := newMockLocker(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := locker.WithLock(context.Background(), "download:v1", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	expectationsMet(t, mock)
}

func TestLocker_TryWithLock_Busy(t *testing.T) {
	locker, mock := newMockLocker(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT pg_try_advisory_xact_lock\(\$1\)`).
		WithArgs(LockID("download:v1")).
		WillReturnRows(sqlmock.NewRows([]string{"ok"}).AddRow(false))
	mock.ExpectRollback()

	ran, err := locker.TryWithLock(context.Background(), "download:v1", func(context.Context) error {
		t.Fatal("fn must not run")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ran)
	expectationsMet(t, mock)
}
