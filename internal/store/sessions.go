package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nexuscore/autopilot/internal/errs"
)

// SessionRow is one durable session record.
type SessionRow struct {
	SessionID          string
	Title              string
	ActiveCheckpointID string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// CreateSession inserts a new session with a rendered title and returns its
// generated id.
func (s *Store) CreateSession(ctx context.Context, title string) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		id, title, now, now,
	); err != nil {
		return "", &errs.StoreError{Op: "store.create_session", Err: err}
	}
	return id, nil
}

// DeleteSession removes a session row, used for best-effort rollback when a
// routing mapping write fails after session creation.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return &errs.StoreError{Op: "store.delete_session", Err: err}
	}
	return nil
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*SessionRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, title, COALESCE(active_checkpoint_id, ''), created_at, updated_at FROM sessions WHERE session_id = ?`,
		sessionID,
	)
	var sr SessionRow
	var createdAt, updatedAt string
	err := row.Scan(&sr.SessionID, &sr.Title, &sr.ActiveCheckpointID, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &errs.StoreError{Op: "store.get_session", Err: err}
	}
	sr.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	sr.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &sr, nil
}

// ListSessions returns every session, most recently updated first.
func (s *Store) ListSessions(ctx context.Context) ([]SessionRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, title, COALESCE(active_checkpoint_id, ''), created_at, updated_at FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, &errs.StoreError{Op: "store.list_sessions", Err: err}
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var sr SessionRow
		var createdAt, updatedAt string
		if err := rows.Scan(&sr.SessionID, &sr.Title, &sr.ActiveCheckpointID, &createdAt, &updatedAt); err != nil {
			return nil, &errs.StoreError{Op: "store.scan_session", Err: err}
		}
		sr.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		sr.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, sr)
	}
	return out, rows.Err()
}
