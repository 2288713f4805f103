package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softwell/mailproxy-core/internal/domain"
	"github.com/softwell/mailproxy-core/internal/store"
)

func setupTestDB(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return New(db), mock, func() { db.Close() }
}

func TestMarkSent_InsertsEventAndClearsDeferred(t *testing.T) {
	s, mock, cleanup := setupTestDB(t)
	defer cleanup()

	pk := uuid.New()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE messages SET smtp_ts").
		WithArgs(sqlmock.AnyArg(), pk).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO message_events").
		WithArgs(pk, domain.EventSent, "", nil).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.MarkSent(context.Background(), pk, time.Now())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkError_NotFoundRollsBack(t *testing.T) {
	s, mock, cleanup := setupTestDB(t)
	defer cleanup()

	pk := uuid.New()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE messages SET smtp_ts").
		WithArgs(sqlmock.AnyArg(), pk).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.MarkError(context.Background(), pk, time.Now(), "boom")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetDeferred_Success(t *testing.T) {
	s, mock, cleanup := setupTestDB(t)
	defer cleanup()

	pk := uuid.New()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE messages SET deferred_ts").
		WithArgs(sqlmock.AnyArg(), pk).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO message_events").
		WithArgs(pk, domain.EventDeferred, "rate_limit", nil).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.SetDeferred(context.Background(), pk, time.Now().Add(time.Minute), "rate_limit")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAccount_NotFound(t *testing.T) {
	s, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT id, tenant_id, host").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetAccount(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetAccount_Found(t *testing.T) {
	s, mock, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "tenant_id", "host", "port", "user", "password", "use_tls", "ttl_seconds",
		"limit_per_minute", "limit_per_hour", "limit_per_day", "limit_behavior", "batch_size",
		"is_pec_account", "imap_last_uid", "imap_uidvalidity", "imap_last_sync", "created_at", "updated_at",
	}).AddRow("a1", "t1", "smtp.example.com", 587, "user", "pass", true, 600,
		0, 100, 1000, domain.LimitBehaviorDefer, 50,
		false, 0, 0, nil, now, now)

	mock.ExpectQuery("SELECT id, tenant_id, host").WithArgs("a1").WillReturnRows(rows)

	a, err := s.GetAccount(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "a1", a.ID)
	assert.Equal(t, "smtp.example.com", a.Host)
	require.NotNil(t, a.UseTLS)
	assert.True(t, *a.UseTLS)
}

func TestCountSendsSince_ReturnsCount(t *testing.T) {
	s, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM send_log").
		WithArgs("a1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	n, err := s.CountSendsSince(context.Background(), "a1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestLogSend_ExecutesInsert(t *testing.T) {
	s, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO send_log").
		WithArgs("a1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.LogSend(context.Background(), "a1", time.Now())
	require.NoError(t, err)
}

func TestDeleteMessages_SplitsRemovedNotFoundUnauthorized(t *testing.T) {
	s, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("DELETE FROM messages WHERE tenant_id").
		WithArgs("tenant-a", "m1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec("DELETE FROM messages WHERE tenant_id").
		WithArgs("tenant-a", "m2").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("m2").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	mock.ExpectExec("DELETE FROM messages WHERE tenant_id").
		WithArgs("tenant-a", "m3").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("m3").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	result, err := s.DeleteMessages(context.Background(), "tenant-a", []string{"m1", "m2", "m3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, result.Removed)
	assert.Equal(t, []string{"m2"}, result.Unauthorized)
	assert.Equal(t, []string{"m3"}, result.NotFound)
}

// TestDeleteMessages_SameIDDifferentTenants exercises the two-tenant
// same-id case directly: tenant-a's delete must never touch or be
// blocked by tenant-b's row sharing the same client-visible id.
func TestDeleteMessages_SameIDDifferentTenants(t *testing.T) {
	s, mock, cleanup := setupTestDB(t)
	defer cleanup()

	// tenant-a's scoped delete matches nothing (tenant-b owns "x1" here),
	// but the id exists for some tenant, so it's unauthorized, not removed.
	mock.ExpectExec("DELETE FROM messages WHERE tenant_id").
		WithArgs("tenant-a", "x1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("x1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	result, err := s.DeleteMessages(context.Background(), "tenant-a", []string{"x1"})
	require.NoError(t, err)
	assert.Empty(t, result.Removed)
	assert.Equal(t, []string{"x1"}, result.Unauthorized)
	assert.Empty(t, result.NotFound)
}

func TestRemoveReportedBefore_ReturnsRowsAffected(t *testing.T) {
	s, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("DELETE FROM messages m").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.RemoveReportedBefore(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSuspendBatch_FullSuspendSetsWildcard(t *testing.T) {
	s, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("UPDATE tenants SET suspended_batches = '\\*'").
		WithArgs("t1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.SuspendBatch(context.Background(), "t1", nil)
	require.NoError(t, err)
}
