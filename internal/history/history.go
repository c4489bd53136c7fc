// Package history is a local SQLite-backed record of rewind operations.
//
// Every revert attempt is stored, successful or not, so a user can audit what
// a rewind actually did to the repository after the fact. The store is
// advisory: the engine logs and continues if a write fails.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/yunsheng111/Any-code/internal/rewind"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Operation is one recorded revert attempt.
type Operation struct {
	OperationID     string `json:"operation_id"`
	SessionID       string `json:"session_id"`
	Backend         string `json:"backend"`
	ProjectPath     string `json:"project_path"`
	PromptIndex     int    `json:"prompt_index"`
	Mode            string `json:"mode"`
	Status          string `json:"status"`
	Error           string `json:"error,omitempty"`
	CommitsReverted int    `json:"commits_reverted"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
}

// RecordRevert satisfies rewind.OutcomeRecorder.
func (s *Store) RecordRevert(ctx context.Context, outcome rewind.RevertOutcome) error {
	if s == nil || s.db == nil {
		return errors.New("nil store")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO rewind_operations (
  operation_id, session_id, backend, project_path,
  prompt_index, mode, status, error, commits_reverted, created_at_unix_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		uuid.NewString(),
		strings.TrimSpace(outcome.SessionID),
		strings.TrimSpace(outcome.Backend),
		strings.TrimSpace(outcome.ProjectPath),
		outcome.Index,
		string(outcome.Mode),
		strings.TrimSpace(outcome.Status),
		strings.TrimSpace(outcome.Error),
		outcome.CommitsReverted,
		time.Now().UnixMilli(),
	)
	return err
}

// ListSession returns the revert attempts for one session, newest first.
// limit <= 0 means no limit.
func (s *Store) ListSession(ctx context.Context, sessionID string, limit int) ([]Operation, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("nil store")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	q := `
SELECT operation_id, session_id, backend, project_path,
       prompt_index, mode, status, error, commits_reverted, created_at_unix_ms
FROM rewind_operations
WHERE session_id = ?
ORDER BY created_at_unix_ms DESC, rowid DESC
`
	args := []any{strings.TrimSpace(sessionID)}
	if limit > 0 {
		q += "LIMIT ?\n"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Operation
	for rows.Next() {
		var op Operation
		if err := rows.Scan(
			&op.OperationID, &op.SessionID, &op.Backend, &op.ProjectPath,
			&op.PromptIndex, &op.Mode, &op.Status, &op.Error,
			&op.CommitsReverted, &op.CreatedAtUnixMs,
		); err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS rewind_operations (
  operation_id TEXT NOT NULL UNIQUE,
  session_id TEXT NOT NULL,
  backend TEXT NOT NULL DEFAULT '',
  project_path TEXT NOT NULL DEFAULT '',
  prompt_index INTEGER NOT NULL,
  mode TEXT NOT NULL,
  status TEXT NOT NULL,
  error TEXT NOT NULL DEFAULT '',
  commits_reverted INTEGER NOT NULL DEFAULT 0,
  created_at_unix_ms INTEGER NOT NULL
)
`); err != nil {
		return err
	}
	if _, err := tx.Exec(`
CREATE INDEX IF NOT EXISTS idx_rewind_operations_session
ON rewind_operations (session_id, created_at_unix_ms DESC)
`); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
