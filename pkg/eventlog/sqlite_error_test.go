package eventlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/fleetmind/convoy/pkg/envelope"
)

func mockLog(t *testing.T) (*SQLiteLog, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &SQLiteLog{db: db}, mock
}

func mockEvent(t *testing.T) *envelope.Event {
	t.Helper()
	e, err := envelope.NewAt(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
		"telemetry", "battery_low", "node-a", "test", map[string]any{"pct": 9}, "")
	require.NoError(t, err)
	return e
}

func TestAppendWrapsBeginFailure(t *testing.T) {
	l, mock := mockLog(t)
	mock.ExpectBegin().WillReturnError(errors.New("database is locked"))

	_, err := l.Append(context.Background(), mockEvent(t))
	require.ErrorContains(t, err, "begin append")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendWrapsDuplicateCheckFailure(t *testing.T) {
	l, mock := mockLog(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(1\) FROM events`).
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	_, err := l.Append(context.Background(), mockEvent(t))
	require.ErrorContains(t, err, "duplicate check")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendWrapsCommitFailure(t *testing.T) {
	l, mock := mockLog(t)
	e := mockEvent(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(1\) FROM events`).
		WithArgs(e.EventID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`SELECT seq, chain_hash FROM events ORDER BY seq DESC LIMIT 1`).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "chain_hash"}))
	mock.ExpectExec(`INSERT INTO events`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit().WillReturnError(errors.New("disk full"))

	_, err := l.Append(context.Background(), e)
	require.ErrorContains(t, err, "commit")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendReportsDuplicateFromUniqueViolation(t *testing.T) {
	l, mock := mockLog(t)
	e := mockEvent(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(1\) FROM events`).
		WithArgs(e.EventID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`SELECT seq, chain_hash FROM events ORDER BY seq DESC LIMIT 1`).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "chain_hash"}).AddRow(4, "sha256:head"))
	mock.ExpectExec(`INSERT INTO events`).
		WillReturnError(errors.New("constraint failed: UNIQUE constraint failed: events.event_id"))
	mock.ExpectRollback()

	_, err := l.Append(context.Background(), e)
	require.ErrorIs(t, err, ErrDuplicate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReadFromWrapsQueryFailure(t *testing.T) {
	l, mock := mockLog(t)
	mock.ExpectQuery(`SELECT .+ FROM events WHERE seq >= \?`).
		WillReturnError(errors.New("disk I/O error"))

	_, err := l.ReadFrom(context.Background(), 1, 10)
	require.ErrorContains(t, err, "read from 1")
	require.NoError(t, mock.ExpectationsWereMet())
}
