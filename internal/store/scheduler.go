package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nexuscore/autopilot/internal/errs"
)

// SchedulerState is the singleton row tracking the live autopilot process.
type SchedulerState struct {
	PID           int
	StartTime     time.Time
	LastHeartbeat time.Time
}

// LoadSchedulerState returns the current singleton row, or (nil, nil) if no
// scheduler has ever registered.
func (s *Store) LoadSchedulerState(ctx context.Context) (*SchedulerState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT pid, start_time, last_heartbeat FROM scheduler_state WHERE id = 1`)
	var st SchedulerState
	var startTime, lastHeartbeat string
	err := row.Scan(&st.PID, &startTime, &lastHeartbeat)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &errs.StoreError{Op: "store.load_scheduler_state", Err: err}
	}
	st.StartTime, _ = time.Parse(time.RFC3339Nano, startTime)
	st.LastHeartbeat, _ = time.Parse(time.RFC3339Nano, lastHeartbeat)
	return &st, nil
}

// ClaimSchedulerState upserts the singleton row with this process's pid and
// start time, called once boot has decided no live predecessor exists.
func (s *Store) ClaimSchedulerState(ctx context.Context, pid int, startTime time.Time) error {
	now := startTime.UTC().Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduler_state (id, pid, start_time, last_heartbeat) VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET pid = excluded.pid, start_time = excluded.start_time, last_heartbeat = excluded.last_heartbeat`,
		pid, now, now,
	); err != nil {
		return &errs.StoreError{Op: "store.claim_scheduler_state", Err: err}
	}
	return nil
}

// RefreshHeartbeat updates last_heartbeat for the singleton row.
func (s *Store) RefreshHeartbeat(ctx context.Context, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE scheduler_state SET last_heartbeat = ? WHERE id = 1`,
		at.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return &errs.StoreError{Op: "store.refresh_heartbeat", Err: err}
	}
	return nil
}

// ClearSchedulerState removes the singleton row on clean shutdown.
func (s *Store) ClearSchedulerState(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM scheduler_state WHERE id = 1`); err != nil {
		return &errs.StoreError{Op: "store.clear_scheduler_state", Err: err}
	}
	return nil
}
