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
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"councilflow/platform/orchestrator/council"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS council_executions (
	execution_id    TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	client_id       TEXT NOT NULL DEFAULT '',
	title           TEXT NOT NULL DEFAULT '',
	query           TEXT NOT NULL,
	state           TEXT NOT NULL,
	outcome         TEXT NOT NULL DEFAULT '',
	degraded        BOOLEAN NOT NULL DEFAULT FALSE,
	total_tokens    INTEGER NOT NULL DEFAULT 0,
	total_cost_usd  DOUBLE PRECISION NOT NULL DEFAULT 0,
	started_at      TIMESTAMPTZ NOT NULL,
	completed_at    TIMESTAMPTZ,
	snapshot        JSONB NOT NULL
)`

const indexSQL = `CREATE INDEX IF NOT EXISTS idx_council_executions_conversation
	ON council_executions (conversation_id, started_at DESC)`

// PostgresStore implements Store using PostgreSQL. The full snapshot is
// kept as JSONB next to the columns List filters on.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgresStore connects to databaseURL and creates the schema.
func OpenPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := NewPostgresStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// EnsureSchema creates the executions table if it does not exist.
func (r *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create council_executions: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, indexSQL); err != nil {
		return fmt.Errorf("failed to create council_executions index: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (r *PostgresStore) Close() error {
	return r.db.Close()
}

// Save implements Store.
func (r *PostgresStore) Save(ctx context.Context, snapshot council.Snapshot) error {
	if snapshot.ExecutionID == "" {
		return ErrInvalidInput
	}

	doc, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	var completedAt sql.NullTime
	if !snapshot.CompletedAt.IsZero() {
		completedAt = sql.NullTime{Time: snapshot.CompletedAt, Valid: true}
	}

	query := `
		INSERT INTO council_executions (
			execution_id, conversation_id, client_id, title, query,
			state, outcome, degraded, total_tokens, total_cost_usd,
			started_at, completed_at, snapshot
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13
		)
		ON CONFLICT (execution_id) DO UPDATE SET
			title = EXCLUDED.title,
			state = EXCLUDED.state,
			outcome = EXCLUDED.outcome,
			degraded = EXCLUDED.degraded,
			total_tokens = EXCLUDED.total_tokens,
			total_cost_usd = EXCLUDED.total_cost_usd,
			completed_at = EXCLUDED.completed_at,
			snapshot = EXCLUDED.snapshot`

	_, err = r.db.ExecContext(ctx, query,
		snapshot.ExecutionID, snapshot.ConversationID, snapshot.ClientID, snapshot.Title, snapshot.Query,
		string(snapshot.State), string(snapshot.Outcome), snapshot.Degraded, snapshot.TotalTokens(), snapshot.TotalCost(),
		snapshot.StartedAt, completedAt, doc,
	)
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	return nil
}

// Get implements Store.
func (r *PostgresStore) Get(ctx context.Context, executionID string) (*council.Snapshot, error) {
	var doc []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT snapshot FROM council_executions WHERE execution_id = $1`, executionID,
	).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	var snapshot council.Snapshot
	if err := json.Unmarshal(doc, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snapshot, nil
}

// List implements Store. Newest executions come first.
func (r *PostgresStore) List(ctx context.Context, opts ListOptions) ([]Summary, int, error) {
	opts = opts.normalized()

	var conditions []string
	var args []interface{}
	argIndex := 1

	if opts.ConversationID != "" {
		conditions = append(conditions, fmt.Sprintf("conversation_id = $%d", argIndex))
		args = append(args, opts.ConversationID)
		argIndex++
	}
	if opts.ClientID != "" {
		conditions = append(conditions, fmt.Sprintf("client_id = $%d", argIndex))
		args = append(args, opts.ClientID)
		argIndex++
	}
	if opts.Outcome != "" {
		conditions = append(conditions, fmt.Sprintf("outcome = $%d", argIndex))
		args = append(args, opts.Outcome)
		argIndex++
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM council_executions %s", whereClause)
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count executions: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT execution_id, conversation_id, client_id, title, query,
			state, outcome, degraded, total_tokens, total_cost_usd,
			started_at, completed_at
		FROM council_executions
		%s
		ORDER BY started_at DESC, execution_id
		LIMIT $%d OFFSET $%d`, whereClause, argIndex, argIndex+1)
	args = append(args, opts.Limit, opts.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	summaries := []Summary{}
	for rows.Next() {
		var s Summary
		var state, outcome string
		var completedAt sql.NullTime
		if err := rows.Scan(
			&s.ExecutionID, &s.ConversationID, &s.ClientID, &s.Title, &s.Query,
			&state, &outcome, &s.Degraded, &s.TotalTokens, &s.TotalCostUSD,
			&s.StartedAt, &completedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to scan execution: %w", err)
		}
		s.State = council.State(state)
		s.Outcome = council.Outcome(outcome)
		if completedAt.Valid {
			s.CompletedAt = completedAt.Time
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate executions: %w", err)
	}
	return summaries, total, nil
}

// Delete implements Store.
func (r *PostgresStore) Delete(ctx context.Context, executionID string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM council_executions WHERE execution_id = $1`, executionID)
	if err != nil {
		return fmt.Errorf("failed to delete execution: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping implements Store.
func (r *PostgresStore) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
