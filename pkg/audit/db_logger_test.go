package audit

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) (*DBLogger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS activity_logs").
		WillReturnResult(sqlmock.NewResult(0, 0))

	logger, err := NewDBLogger(db)
	require.NoError(t, err)
	return logger, mock
}

func TestDBLoggerLog(t *testing.T) {
	logger, mock := newTestLogger(t)

	actorID := uuid.New()
	event := NewEvent(EventTypeAuthLogin, EventStatusSuccess).
		WithActor(actorID, "alice@example.com").
		WithResource(ResourceTypeUser, actorID.String(), "alice@example.com").
		WithMeta("method", LoginMethodDirect)

	mock.ExpectQuery("INSERT INTO activity_logs").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	err := logger.Log(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, int64(42), event.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBLoggerSearchByActor(t *testing.T) {
	logger, mock := newTestLogger(t)

	actorID := uuid.New()
	rows := sqlmock.NewRows([]string{
		"id", "timestamp", "event_type", "status",
		"actor_id", "actor_name",
		"resource_type", "resource_id", "resource_name",
		"ip_address", "user_agent", "message", "metadata",
	}).AddRow(
		int64(1), time.Now(), string(EventTypeAuthLoginFailed), string(EventStatusFailure),
		actorID, "alice@example.com",
		"user", actorID.String(), "alice@example.com",
		"10.0.0.1", "curl/8.0", "invalid password", []byte(`{"method":"direct"}`),
	)

	mock.ExpectQuery("SELECT(.+)FROM activity_logs").
		WillReturnRows(rows)

	events, err := logger.Search(context.Background(), SearchFilter{
		ActorID: &actorID,
		Limit:   10,
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventTypeAuthLoginFailed, events[0].EventType)
	assert.Equal(t, "direct", events[0].Metadata["method"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBLoggerCleanup(t *testing.T) {
	logger, mock := newTestLogger(t)

	mock.ExpectExec("DELETE FROM activity_logs WHERE timestamp").
		WillReturnResult(sqlmock.NewResult(0, 7))

	deleted, err := logger.Cleanup(context.Background(), 90*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(7), deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFromContextNoOp(t *testing.T) {
	logger := FromContext(context.Background())
	require.NotNil(t, logger)
	assert.NoError(t, logger.Log(context.Background(), NewEvent(EventTypeAuthLogin, EventStatusSuccess)))
}

func TestWithLoggerRoundTrip(t *testing.T) {
	logger, _ := newTestLogger(t)
	ctx := WithLogger(context.Background(), logger)
	assert.Equal(t, Logger(logger), FromContext(ctx))
}
