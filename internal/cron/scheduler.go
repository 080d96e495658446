package cron

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexuscore/autopilot/internal/errs"
	"github.com/nexuscore/autopilot/internal/models"
	"github.com/nexuscore/autopilot/internal/store"
)

// HeartbeatInterval is how often the running scheduler refreshes its
// heartbeat in the durable scheduler_state row.
const HeartbeatInterval = 30 * time.Second

// PendingPollInterval is how often the pending poller checks for manual
// fires and a config-reload sentinel.
const PendingPollInterval = 1 * time.Second

// ConfigMtimeCheckEveryNTicks: every 5th pending-poll tick, also compare
// the config file's mtime against the cached value.
const ConfigMtimeCheckEveryNTicks = 5

// AgentRunner spawns an agent run for a fired schedule and waits for its
// terminal outcome. A Session Actor exposes this as its scheduled-run
// entry point.
type AgentRunner interface {
	RunScheduled(ctx context.Context, req ScheduledRunRequest) (ScheduledRunResult, error)
}

// ScheduledRunRequest is everything the Session Actor needs to run a
// schedule's agent turn.
type ScheduledRunRequest struct {
	// Name is the firing schedule's stable identity, letting an AgentRunner
	// keep one session per schedule across firings (the scheduled-run
	// analogue of a chat conversation's routing key).
	Name             string
	Prompt           string
	Profile          string
	Timeout          time.Duration
	EnableSlackTools bool
	EnableSubagents  bool
	PauseOnApproval  bool
	Sandbox          bool
}

// ScheduledRunOutcome classifies how a scheduled agent run ended.
type ScheduledRunOutcome string

const (
	OutcomeCompleted ScheduledRunOutcome = "completed"
	OutcomePaused    ScheduledRunOutcome = "paused"
	OutcomeTimedOut  ScheduledRunOutcome = "timed-out"
	OutcomeFailed    ScheduledRunOutcome = "failed"
)

// ScheduledRunResult is what an AgentRunner returns once a scheduled run
// reaches a terminal (or paused) state.
type ScheduledRunResult struct {
	Outcome      ScheduledRunOutcome
	SessionID    string
	CheckpointID string
	Stdout       string
	Stderr       string
}

// CheckRunner executes a schedule's check script with a timeout.
type CheckRunner interface {
	RunCheck(ctx context.Context, script string, timeout time.Duration) (exitCode int, stdout, stderr string, timedOut bool)
}

// Notifier announces a finished run's outcome on its schedule's configured
// channel.
type Notifier interface {
	NotifyRunOutcome(ctx context.Context, schedule models.Schedule, run store.RunRow)
}

// Config configures one Scheduler instance.
type Config struct {
	PIDFilePath string
	ConfigPath  string
	Store       *store.Store
	Engine      *Engine
	Runner      AgentRunner
	Checker     CheckRunner
	Notify      Notifier
	Logger      *slog.Logger

	LoadSchedules func() ([]models.Schedule, string, error) // returns (schedules, db_path)
}

// Scheduler boots and owns the autopilot main loop: PID-file singleton,
// crash recovery, the cron engine, and the heartbeat/pending-poll
// background tasks.
type Scheduler struct {
	cfg Config

	mu       sync.Mutex
	snapshot models.ScheduleSnapshot
	dbPath   string

	runningMu sync.Mutex
	running   map[string]bool // schedule name -> run in flight

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Boot runs the Section 4.I boot sequence and returns a started Scheduler,
// or an error describing why boot was refused.
func Boot(ctx context.Context, cfg Config) (*Scheduler, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	// Step 2: PID-file singleton.
	if err := checkPIDFileSingleton(cfg.PIDFilePath); err != nil {
		return nil, err
	}

	// Step 3: inspect persisted scheduler state.
	prev, err := cfg.Store.LoadSchedulerState(ctx)
	if err != nil {
		return nil, err
	}
	if prev != nil && isProcessAlive(prev.PID) {
		age := time.Since(prev.LastHeartbeat)
		if age <= models.HeartbeatStaleAfter {
			return nil, &errs.ConfigError{Op: "cron.boot", Err: fmt.Errorf("scheduler already running (pid %d, heartbeat %s ago)", prev.PID, age.Round(time.Second))}
		}
		return nil, &errs.ConfigError{Op: "cron.boot", Err: fmt.Errorf("refusing to start: stale heartbeat %s ago for pid %d", age.Round(time.Second), prev.PID)}
	}

	if err := writePIDFile(cfg.PIDFilePath); err != nil {
		return nil, err
	}

	// Step 4: crash recovery.
	if err := recoverStaleRuns(ctx, cfg.Store); err != nil {
		return nil, &errs.StoreError{Op: "cron.boot_recover", Err: err}
	}

	// Step 5: persist {pid, start_time}.
	now := time.Now()
	if err := cfg.Store.ClaimSchedulerState(ctx, os.Getpid(), now); err != nil {
		return nil, err
	}

	// Step 6: register every enabled schedule.
	schedules, dbPath, err := cfg.LoadSchedules()
	if err != nil {
		return nil, &errs.ConfigError{Op: "cron.boot_load_schedules", Err: err}
	}

	s := &Scheduler{
		cfg:     cfg,
		dbPath:  dbPath,
		running: make(map[string]bool),
	}

	snapshot, _ := Reconcile(cfg.Engine, models.ScheduleSnapshot{Registered: map[string]models.RegisteredJob{}}, schedules, s.handleScheduleEvent, cfg.Logger)
	s.snapshot = snapshot

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	cfg.Engine.Start()

	s.wg.Add(2)
	go func() { defer s.wg.Done(); s.runHeartbeat(runCtx) }()
	go func() { defer s.wg.Done(); s.runPendingPoller(runCtx) }()

	return s, nil
}

// recoverStaleRuns marks any run left "running" by a previous crash as
// failed (Section 4.I step 4: "cleaned stale runs").
func recoverStaleRuns(ctx context.Context, s *store.Store) error {
	stale, err := s.RunningRuns(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, r := range stale {
		if err := s.FinishRun(ctx, r.RunID, store.RunStatusFailed, now, nil, r.SessionID, r.CheckpointID, r.Stdout, r.Stderr); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.cfg.Store.RefreshHeartbeat(ctx, time.Now()); err != nil {
				s.cfg.Logger.Warn("heartbeat refresh failed", "error", err)
			}
		}
	}
}

func (s *Scheduler) runPendingPoller(ctx context.Context) {
	ticker := time.NewTicker(PendingPollInterval)
	defer ticker.Stop()
	var cachedMtime time.Time
	if s.cfg.ConfigPath != "" {
		if info, err := os.Stat(s.cfg.ConfigPath); err == nil {
			cachedMtime = info.ModTime()
		}
	}

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick++
			if tick%ConfigMtimeCheckEveryNTicks != 0 || s.cfg.ConfigPath == "" {
				continue
			}
			info, err := os.Stat(s.cfg.ConfigPath)
			if err != nil {
				continue
			}
			if info.ModTime().After(cachedMtime) {
				cachedMtime = info.ModTime()
				s.Reload(ctx)
			}
		}
	}
}

// Reload applies the Section 4.I hot-reload rule: a db_path change refuses
// the reload (restart required); otherwise reconcile and install.
func (s *Scheduler) Reload(ctx context.Context) {
	schedules, newDBPath, err := s.cfg.LoadSchedules()
	if err != nil {
		s.cfg.Logger.Warn("config reload failed", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if newDBPath != s.dbPath {
		s.cfg.Logger.Warn("config reload refused: db_path changed, restart required", "old", s.dbPath, "new", newDBPath)
		return
	}

	next, sum := Reconcile(s.cfg.Engine, s.snapshot, schedules, s.handleScheduleEvent, s.cfg.Logger)
	s.snapshot = next
	s.cfg.Logger.Info(fmt.Sprintf("Config reloaded: %d schedules active", sum.Total))
}

// Shutdown stops the background tasks, the cron engine, and clears the
// scheduler_state singleton row.
func (s *Scheduler) Shutdown(ctx context.Context) {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.cfg.Engine.Stop()
	if err := s.cfg.Store.ClearSchedulerState(ctx); err != nil {
		s.cfg.Logger.Warn("failed to clear scheduler state on shutdown", "error", err)
	}
	os.Remove(s.cfg.PIDFilePath)
}

// handleScheduleEvent implements Section 4.I's per-fired-schedule steps.
// It is invoked by the cron engine on its own goroutine per tick.
func (s *Scheduler) handleScheduleEvent(name string) {
	s.runningMu.Lock()
	if s.running[name] {
		s.runningMu.Unlock()
		return // singleton guard: a run for this schedule is already in flight
	}
	s.running[name] = true
	s.runningMu.Unlock()
	defer func() {
		s.runningMu.Lock()
		delete(s.running, name)
		s.runningMu.Unlock()
	}()

	ctx := context.Background()

	s.mu.Lock()
	schedules, _, err := s.cfg.LoadSchedules()
	s.mu.Unlock()
	if err != nil {
		s.cfg.Logger.Warn("schedule event: reload failed", "schedule", name, "error", err)
		return
	}
	var sched *models.Schedule
	for i := range schedules {
		if schedules[i].Name == name {
			sched = &schedules[i]
			break
		}
	}
	if sched == nil {
		return
	}

	runID := uuid.NewString()
	started := time.Now()
	if err := s.cfg.Store.CreateRun(ctx, runID, name, started); err != nil {
		s.cfg.Logger.Warn("schedule event: create run failed", "schedule", name, "error", err)
		return
	}

	prompt := sched.Prompt
	if sched.CheckScript != "" {
		exitCode, stdout, stderr, timedOut := s.cfg.Checker.RunCheck(ctx, sched.CheckScript, sched.CheckTimeout)
		checkExit := exitCode
		if err := s.cfg.Store.RecordCheckResult(ctx, runID, &checkExit, stdout, stderr, timedOut); err != nil {
			s.cfg.Logger.Warn("schedule event: record check result failed", "schedule", name, "error", err)
		}
		if timedOut {
			s.finish(ctx, runID, store.RunStatusFailed, started, nil, "", "", stdout, stderr, sched)
			return
		}
		trigger := sched.Trigger
		if trigger == "" {
			trigger = models.TriggerAlways
		}
		if !trigger.TriggersOn(exitCode) {
			s.finish(ctx, runID, store.RunStatusSkipped, started, nil, "", "", stdout, stderr, sched)
			return
		}
		if stdout != "" {
			prompt = prompt + "\n\nCheck output:\n" + stdout
		}
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if sched.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, sched.Timeout)
		defer cancel()
	}

	result, err := s.cfg.Runner.RunScheduled(runCtx, ScheduledRunRequest{
		Name:             name,
		Prompt:           prompt,
		Profile:          sched.Profile,
		Timeout:          sched.Timeout,
		EnableSlackTools: sched.EnableSlackTools,
		EnableSubagents:  sched.EnableSubagents,
		PauseOnApproval:  sched.PauseOnApproval,
		Sandbox:          sched.Sandbox,
	})
	if err != nil {
		s.finish(ctx, runID, store.RunStatusFailed, started, nil, "", "", "", err.Error(), sched)
		return
	}

	var status store.RunStatus
	switch result.Outcome {
	case OutcomeCompleted:
		status = store.RunStatusSuccess
	case OutcomePaused:
		status = store.RunStatusPaused
	default:
		status = store.RunStatusFailed
	}
	s.finish(ctx, runID, status, started, nil, result.SessionID, result.CheckpointID, result.Stdout, result.Stderr, sched)
}

func (s *Scheduler) finish(ctx context.Context, runID string, status store.RunStatus, started time.Time, exitCode *int, sessionID, checkpointID, stdout, stderr string, sched *models.Schedule) {
	finished := time.Now()
	if err := s.cfg.Store.FinishRun(ctx, runID, status, finished, exitCode, sessionID, checkpointID, stdout, stderr); err != nil {
		s.cfg.Logger.Warn("schedule event: finish run failed", "run_id", runID, "error", err)
		return
	}
	if s.cfg.Notify == nil || sched == nil {
		return
	}
	run, err := s.cfg.Store.GetRun(ctx, runID)
	if err != nil || run == nil {
		return
	}
	s.cfg.Notify.NotifyRunOutcome(ctx, *sched, *run)
}
