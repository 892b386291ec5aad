package api

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cobehq/cobe/pkg/models"
	"github.com/cobehq/cobe/pkg/sink"
)

func newSinkServer(t *testing.T) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return newTestServerWithSink(t, sink.NewFromDB(sqlx.NewDb(db, "sqlmock"))), mock
}

// An evicted store copy re-hydrates from the sink on the next get.
func TestAttachmentReadThroughFromSink(t *testing.T) {
	s, mock := newSinkServer(t)

	att := &models.Attachment{
		ID: "att-1", TaskID: "t2", Key: "k9", Type: models.AttachmentJSON,
		Value: map[string]any{"foo": "bar"}, CreatedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(att)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT payload FROM attachments`).
		WithArgs("t2", "k9").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(payload))

	resp := call(t, s, "task.get_attachment", map[string]any{"task_id": "t2", "key": "k9"})
	var got models.Attachment
	result(t, resp, &got)
	assert.Equal(t, map[string]any{"foo": "bar"}, got.Value)

	// Second read is served from the re-hydrated store copy; no further
	// sink queries are expected.
	resp = call(t, s, "task.get_attachment", map[string]any{"task_id": "t2", "key": "k9"})
	result(t, resp, &got)
	assert.Equal(t, "k9", got.Key)
	require.NoError(t, mock.ExpectationsWereMet())
}

// Write-through: creating an attachment lands in the sink before the call
// returns; a sink failure fails the create.
func TestAttachmentWriteThrough(t *testing.T) {
	s, mock := newSinkServer(t)

	mock.ExpectExec(`INSERT INTO tasks`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	call(t, s, "task.create", map[string]any{"task_id": "t3", "text": "x"})

	mock.ExpectExec(`INSERT INTO attachments`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	resp := call(t, s, "task.create_attachment", map[string]any{
		"task_id": "t3", "key": "k1", "type": "text", "content": "notes",
	})
	require.Nil(t, resp.Error)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAttachmentCreateFailsWhenSinkFails(t *testing.T) {
	s, mock := newSinkServer(t)

	mock.ExpectExec(`INSERT INTO tasks`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	call(t, s, "task.create", map[string]any{"task_id": "t4", "text": "x"})

	mock.ExpectExec(`INSERT INTO attachments`).
		WillReturnError(assert.AnError)

	resp := call(t, s, "task.create_attachment", map[string]any{
		"task_id": "t4", "key": "k1", "type": "text", "content": "notes",
	})
	require.NotNil(t, resp.Error)

	// No partial success: the store copy must not exist either.
	resp = call(t, s, "task.get_attachment", map[string]any{"task_id": "t4", "key": "k1"})
	require.NotNil(t, resp.Error)
}
