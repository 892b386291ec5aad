package sink

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cobehq/cobe/pkg/models"
)

func newMockSink(t *testing.T) (*Sink, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewFromDB(sqlx.NewDb(db, "sqlmock")), mock
}

func TestSaveTaskUpserts(t *testing.T) {
	s, mock := newMockSink(t)
	now := time.Now()

	mock.ExpectExec(`INSERT INTO tasks`).
		WithArgs("t1", "build it", 50, models.TaskPending, nil, now, now, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.SaveTask(context.Background(), &models.Task{
		ID: "t1", Text: "build it", Priority: 50, Status: models.TaskPending,
		CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveSubtask(t *testing.T) {
	s, mock := newMockSink(t)
	now := time.Now()

	mock.ExpectExec(`INSERT INTO subtasks`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.SaveSubtask(context.Background(), &models.Subtask{
		ID: "a", ParentID: "t1", Description: "api", Specialist: models.KindBackend,
		Status: models.TaskInProgress, Priority: 50, Complexity: 2,
		Dependencies: []string{"schema"}, AssignedTo: "w1",
		CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAttachmentReadThrough(t *testing.T) {
	s, mock := newMockSink(t)

	att := &models.Attachment{
		ID: "att-1", TaskID: "t2", Key: "k1", Type: models.AttachmentJSON,
		Value: map[string]any{"foo": "bar"}, CreatedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(att)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT payload FROM attachments`).
		WithArgs("t2", "k1").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(payload))

	got, err := s.GetAttachment(context.Background(), "t2", "k1")
	require.NoError(t, err)
	assert.Equal(t, "k1", got.Key)
	assert.Equal(t, map[string]any{"foo": "bar"}, got.Value)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAttachmentMiss(t *testing.T) {
	s, mock := newMockSink(t)

	mock.ExpectQuery(`SELECT payload FROM attachments`).
		WithArgs("t2", "missing").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}))

	_, err := s.GetAttachment(context.Background(), "t2", "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRecordAssignment(t *testing.T) {
	s, mock := newMockSink(t)
	now := time.Now()

	mock.ExpectExec(`INSERT INTO assignment_history`).
		WithArgs("t1", "a", "w1", "backend", now).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.RecordAssignment(context.Background(), "t1", "a", "w1", "backend", now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryRejectsNonSelect(t *testing.T) {
	s, _ := newMockSink(t)

	_, err := s.Query(context.Background(), "DELETE FROM tasks")
	require.Error(t, err)

	_, err = s.Query(context.Background(), "SELECT 1; DROP TABLE tasks")
	require.Error(t, err)
}

func TestQueryReturnsRows(t *testing.T) {
	s, mock := newMockSink(t)

	mock.ExpectQuery(`SELECT id, status FROM tasks`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).
			AddRow("t1", "completed").
			AddRow("t2", "pending"))

	rows, err := s.Query(context.Background(), "SELECT id, status FROM tasks;")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "t1", rows[0]["id"])
	assert.Equal(t, "pending", rows[1]["status"])
}

func TestTables(t *testing.T) {
	s, mock := newMockSink(t)

	mock.ExpectQuery(`SELECT table_name FROM information_schema.tables`).
		WillReturnRows(sqlmock.NewRows([]string{"table_name"}).
			AddRow("attachments").AddRow("tasks"))

	tables, err := s.Tables(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"attachments", "tasks"}, tables)
}
