package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nexuscore/autopilot/internal/errs"
)

// RunStatus enumerates the lifecycle states of a scheduled run row.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
	RunStatusPaused  RunStatus = "paused"
	RunStatusSkipped RunStatus = "skipped"
)

// MaxRunOutputChars bounds how much of stdout/stderr is persisted per run.
const MaxRunOutputChars = 100000

// RunRow is one durable scheduled-run record.
type RunRow struct {
	RunID         string
	ScheduleName  string
	Status        RunStatus
	StartedAt     time.Time
	FinishedAt    *time.Time
	ExitCode      *int
	SessionID     string
	CheckpointID  string
	Stdout        string
	Stderr        string
	CheckExitCode *int
	CheckStdout   string
	CheckStderr   string
	CheckTimedOut bool
}

func truncateRunOutput(s string) string {
	r := []rune(s)
	if len(r) <= MaxRunOutputChars {
		return s
	}
	return string(r[:MaxRunOutputChars])
}

// CreateRun inserts a new "running" row for a schedule firing and returns
// its generated run id.
func (s *Store) CreateRun(ctx context.Context, runID, scheduleName string, startedAt time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, schedule_name, status, started_at, check_timed_out) VALUES (?, ?, ?, ?, 0)`,
		runID, scheduleName, string(RunStatusRunning), startedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return &errs.StoreError{Op: "store.create_run", Err: err}
	}
	return nil
}

// FinishRun records the terminal outcome of a run.
func (s *Store) FinishRun(ctx context.Context, runID string, status RunStatus, finishedAt time.Time, exitCode *int, sessionID, checkpointID, stdout, stderr string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ?, exit_code = ?, session_id = ?, checkpoint_id = ?, stdout = ?, stderr = ? WHERE run_id = ?`,
		string(status), finishedAt.UTC().Format(time.RFC3339Nano), exitCode, sessionID, checkpointID,
		truncateRunOutput(stdout), truncateRunOutput(stderr), runID,
	); err != nil {
		return &errs.StoreError{Op: "store.finish_run", Err: err}
	}
	return nil
}

// RecordCheckResult stores the outcome of a schedule's check script.
func (s *Store) RecordCheckResult(ctx context.Context, runID string, exitCode *int, stdout, stderr string, timedOut bool) error {
	timedOutInt := 0
	if timedOut {
		timedOutInt = 1
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE runs SET check_exit_code = ?, check_stdout = ?, check_stderr = ?, check_timed_out = ? WHERE run_id = ?`,
		exitCode, truncateRunOutput(stdout), truncateRunOutput(stderr), timedOutInt, runID,
	); err != nil {
		return &errs.StoreError{Op: "store.record_check_result", Err: err}
	}
	return nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*RunRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, schedule_name, status, started_at, finished_at, exit_code, COALESCE(session_id,''), COALESCE(checkpoint_id,''),
		        COALESCE(stdout,''), COALESCE(stderr,''), check_exit_code, COALESCE(check_stdout,''), COALESCE(check_stderr,''), check_timed_out
		 FROM runs WHERE run_id = ?`,
		runID,
	)
	return scanRun(row)
}

// LatestRunForSchedule returns the most recent run for a schedule name, or
// (nil, nil) if none exists yet.
func (s *Store) LatestRunForSchedule(ctx context.Context, scheduleName string) (*RunRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, schedule_name, status, started_at, finished_at, exit_code, COALESCE(session_id,''), COALESCE(checkpoint_id,''),
		        COALESCE(stdout,''), COALESCE(stderr,''), check_exit_code, COALESCE(check_stdout,''), COALESCE(check_stderr,''), check_timed_out
		 FROM runs WHERE schedule_name = ? ORDER BY started_at DESC LIMIT 1`,
		scheduleName,
	)
	return scanRun(row)
}

// RunningRuns returns every run row still marked "running", used by the
// scheduler's crash-recovery pass to find stale runs to mark failed.
func (s *Store) RunningRuns(ctx context.Context) ([]RunRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, schedule_name, status, started_at, finished_at, exit_code, COALESCE(session_id,''), COALESCE(checkpoint_id,''),
		        COALESCE(stdout,''), COALESCE(stderr,''), check_exit_code, COALESCE(check_stdout,''), COALESCE(check_stderr,''), check_timed_out
		 FROM runs WHERE status = ?`,
		string(RunStatusRunning),
	)
	if err != nil {
		return nil, &errs.StoreError{Op: "store.running_runs", Err: err}
	}
	defer rows.Close()

	var out []RunRow
	for rows.Next() {
		r, err := scanRunRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row *sql.Row) (*RunRow, error) {
	r, err := scanRunRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func scanRunRow(row rowScanner) (*RunRow, error) {
	var r RunRow
	var status, startedAt string
	var finishedAt sql.NullString
	var exitCode, checkExitCode sql.NullInt64
	var checkTimedOut int
	err := row.Scan(&r.RunID, &r.ScheduleName, &status, &startedAt, &finishedAt, &exitCode,
		&r.SessionID, &r.CheckpointID, &r.Stdout, &r.Stderr, &checkExitCode, &r.CheckStdout, &r.CheckStderr, &checkTimedOut)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, &errs.StoreError{Op: "store.scan_run", Err: err}
	}
	r.Status = RunStatus(status)
	r.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	if finishedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, finishedAt.String)
		r.FinishedAt = &t
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		r.ExitCode = &v
	}
	if checkExitCode.Valid {
		v := int(checkExitCode.Int64)
		r.CheckExitCode = &v
	}
	r.CheckTimedOut = checkTimedOut != 0
	return &r, nil
}
