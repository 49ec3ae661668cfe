// Copyright 2025 CouncilFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package history

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"councilflow/platform/orchestrator/council"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresStore_EnsureSchema(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS council_executions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_council_executions_conversation").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Save(t *testing.T) {
	store, mock := newMockStore(t)
	snap := testSnapshot("e1", "c1", 0)

	mock.ExpectExec("INSERT INTO council_executions").
		WithArgs("e1", "c1", "acme", "Capital of France", snap.Query,
			"completed", "completed", false, 120, 0.09,
			snap.StartedAt, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Save(context.Background(), snap))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveRejectsMissingID(t *testing.T) {
	store, mock := newMockStore(t)
	assert.ErrorIs(t, store.Save(context.Background(), council.Snapshot{}), ErrInvalidInput)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO council_executions").WillReturnError(errors.New("connection reset"))

	err := store.Save(context.Background(), testSnapshot("e1", "c1", 0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to save execution")
}

func TestPostgresStore_Get(t *testing.T) {
	store, mock := newMockStore(t)
	doc, err := json.Marshal(testSnapshot("e1", "c1", 0))
	require.NoError(t, err)

	mock.ExpectQuery("SELECT snapshot FROM council_executions WHERE execution_id = \\$1").
		WithArgs("e1").
		WillReturnRows(sqlmock.NewRows([]string{"snapshot"}).AddRow(doc))

	got, err := store.Get(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ConversationID)
	assert.Equal(t, []string{"a", "b"}, got.ExecutionOrder)
	assert.Equal(t, council.OutcomeCompleted, got.Outcome)
	require.NotNil(t, got.FinalAnswer)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT snapshot FROM council_executions").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"snapshot"}))

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_List(t *testing.T) {
	store, mock := newMockStore(t)
	started := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM council_executions WHERE conversation_id = \\$1 AND outcome = \\$2").
		WithArgs("c1", "completed").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	columns := []string{
		"execution_id", "conversation_id", "client_id", "title", "query",
		"state", "outcome", "degraded", "total_tokens", "total_cost_usd",
		"started_at", "completed_at",
	}
	mock.ExpectQuery("SELECT execution_id, conversation_id").
		WithArgs("c1", "completed", 10, 0).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("e2", "c1", "acme", "Second", "q2", "completed", "completed", false, 50, 0.02, started.Add(time.Minute), started.Add(2*time.Minute)).
			AddRow("e1", "c1", "acme", "First", "q1", "completed", "completed", false, 40, 0.01, started, nil))

	list, total, err := store.List(context.Background(), ListOptions{ConversationID: "c1", Outcome: "completed", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, list, 2)
	assert.Equal(t, "e2", list[0].ExecutionID)
	assert.Equal(t, council.StateCompleted, list[0].State)
	assert.Equal(t, 50, list[0].TotalTokens)
	assert.False(t, list[0].CompletedAt.IsZero())
	assert.True(t, list[1].CompletedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListDefaultsPaging(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM council_executions").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT execution_id").
		WithArgs(defaultListLimit, 0).
		WillReturnRows(sqlmock.NewRows([]string{"execution_id"}))

	list, total, err := store.List(context.Background(), ListOptions{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, list)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Delete(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM council_executions WHERE execution_id = \\$1").
		WithArgs("e1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM council_executions").
		WithArgs("e1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.Delete(context.Background(), "e1"))
	assert.ErrorIs(t, store.Delete(context.Background(), "e1"), ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Ping(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectPing()
	assert.NoError(t, store.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
