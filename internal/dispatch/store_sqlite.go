// Copyright 2025 Tom Barlow
//
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

package dispatch

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteLogSink persists log entries through a pure-Go, cgo-free SQLite
// driver. Its schema also creates a usage_ledger table, but no method of
// this type writes usage rows. Grounded on the teacher's embedded
// internal/controller/backend/sqlite backend. Each public method opens
// a short-lived statement against the shared *sql.DB; callers that
// mutate counters serialize through their own mutex (spec §5).
type SQLiteLogSink struct {
	db *sql.DB
}

// OpenSQLiteLogSink opens (creating if necessary) the log table schema
// at dsn, e.g. "file:dispatch.db?_pragma=journal_mode(WAL)" or
// "file::memory:?cache=shared" for tests.
func OpenSQLiteLogSink(dsn string) (*SQLiteLogSink, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite log sink: %w", err)
	}
	s := &SQLiteLogSink{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteLogSink) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS log_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TEXT NOT NULL,
	level TEXT NOT NULL,
	category TEXT NOT NULL,
	message TEXT NOT NULL,
	exception TEXT,
	thread_id INTEGER NOT NULL,
	thread_scope TEXT,
	story_correlation_id TEXT,
	agent_name TEXT,
	model_name TEXT,
	step_number INTEGER,
	max_step INTEGER,
	chat_text TEXT,
	result TEXT,
	result_fail_reason TEXT,
	examined INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_log_entries_thread_id ON log_entries(thread_id);
CREATE TABLE IF NOT EXISTS usage_ledger (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TEXT NOT NULL,
	period TEXT NOT NULL,
	tokens INTEGER NOT NULL,
	cost_cents INTEGER NOT NULL
);
`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the underlying database handle.
func (s *SQLiteLogSink) Close() error {
	return s.db.Close()
}

// AppendLogEntries implements LogSink.
func (s *SQLiteLogSink) AppendLogEntries(ctx context.Context, entries []LogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO log_entries
	(ts, level, category, message, exception, thread_id, thread_scope,
	 story_correlation_id, agent_name, model_name, step_number, max_step,
	 chat_text, result, result_fail_reason, examined)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		var step, max sql.NullInt64
		if e.StepNumber != nil {
			step = sql.NullInt64{Int64: int64(*e.StepNumber), Valid: true}
		}
		if e.MaxStep != nil {
			max = sql.NullInt64{Int64: int64(*e.MaxStep), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			e.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
			e.Level, e.Category, e.Message, e.Exception, e.ThreadID, e.ThreadScope,
			e.StoryCorrelation, e.AgentName, e.ModelName, step, max,
			e.ChatText, string(e.Result), e.ResultFailReason, boolToInt(e.Examined),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// MarkLatestModelResponseResult implements LogSink.
func (s *SQLiteLogSink) MarkLatestModelResponseResult(ctx context.Context, threadID int64, result LogResult, failReason string, examined bool) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE log_entries SET result = ?, result_fail_reason = ?, examined = ?
WHERE id = (
	SELECT id FROM log_entries
	WHERE thread_id = ? AND category = ?
	ORDER BY id DESC LIMIT 1
)`, string(result), failReason, boolToInt(examined), threadID, CategoryModelCompletion)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
