package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nexuscore/autopilot/internal/errs"
	"github.com/nexuscore/autopilot/internal/models"
)

// PersistedCheckpoint is one durable checkpoint row.
type PersistedCheckpoint struct {
	CheckpointID string
	SessionID    string
	RunID        string
	ParentID     string
	Signature    string
	Envelope     models.CheckpointEnvelopeV1
	CreatedAt    time.Time
}

// WriteCheckpoint inserts a new checkpoint row and updates the owning
// session's active_checkpoint_id. Returns the generated checkpoint id.
func (s *Store) WriteCheckpoint(ctx context.Context, sessionID, runID, parentID, signature string, envelope models.CheckpointEnvelopeV1) (string, error) {
	envJSON, err := json.Marshal(envelope)
	if err != nil {
		return "", &errs.StoreError{Op: "store.write_checkpoint_marshal", Err: err}
	}
	checkpointID := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", &errs.StoreError{Op: "store.write_checkpoint_begin", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO checkpoints (checkpoint_id, session_id, run_id, parent_id, signature, envelope_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		checkpointID, sessionID, runID, parentID, signature, string(envJSON), now,
	); err != nil {
		return "", &errs.StoreError{Op: "store.write_checkpoint_insert", Err: err}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET active_checkpoint_id = ?, updated_at = ? WHERE session_id = ?`,
		checkpointID, now, sessionID,
	); err != nil {
		return "", &errs.StoreError{Op: "store.write_checkpoint_update_session", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return "", &errs.StoreError{Op: "store.write_checkpoint_commit", Err: err}
	}
	return checkpointID, nil
}

// LatestCheckpoint returns the most recently written checkpoint for a
// session, or (nil, nil) if the session has none yet.
func (s *Store) LatestCheckpoint(ctx context.Context, sessionID string) (*PersistedCheckpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT checkpoint_id, session_id, COALESCE(run_id, ''), COALESCE(parent_id, ''), signature, envelope_json, created_at
		 FROM checkpoints WHERE session_id = ? ORDER BY created_at DESC LIMIT 1`,
		sessionID,
	)
	return scanCheckpoint(row)
}

// CheckpointExists reports whether a session has any persisted checkpoint,
// the "parent checkpoint already exists" condition the dedup rule needs.
func (s *Store) CheckpointExists(ctx context.Context, sessionID string) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM checkpoints WHERE session_id = ?`, sessionID).Scan(&count); err != nil {
		return false, &errs.StoreError{Op: "store.checkpoint_exists", Err: err}
	}
	return count > 0, nil
}

func scanCheckpoint(row *sql.Row) (*PersistedCheckpoint, error) {
	var pc PersistedCheckpoint
	var envJSON string
	var createdAt string
	err := row.Scan(&pc.CheckpointID, &pc.SessionID, &pc.RunID, &pc.ParentID, &pc.Signature, &envJSON, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &errs.StoreError{Op: "store.scan_checkpoint", Err: err}
	}
	if err := json.Unmarshal([]byte(envJSON), &pc.Envelope); err != nil {
		return nil, &errs.StoreError{Op: "store.scan_checkpoint_unmarshal", Err: err}
	}
	pc.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &pc, nil
}
