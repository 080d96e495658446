package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nexuscore/autopilot/internal/agentctx"
	"github.com/nexuscore/autopilot/internal/autopilot"
	"github.com/nexuscore/autopilot/internal/config"
	"github.com/nexuscore/autopilot/internal/cron"
	"github.com/nexuscore/autopilot/internal/models"
	"github.com/nexuscore/autopilot/internal/observability"
	"github.com/nexuscore/autopilot/internal/session"
	"github.com/nexuscore/autopilot/internal/store"
)

// errPaused signals that a one-shot run stopped on an approval rather than
// completing, so main can translate it to exit code 10 (Section 6).
type errPaused struct{ scheduleName string }

func (e *errPaused) Error() string {
	return fmt.Sprintf("schedule %q paused on an approval", e.scheduleName)
}

// runOnce fires a single named schedule through the Session Actor and
// blocks until it reaches a terminal state.
func runOnce(ctx context.Context, configPath, scheduleName string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var sched *models.Schedule
	for i := range cfg.Schedules {
		if cfg.Schedules[i].Name == scheduleName {
			sched = &cfg.Schedules[i]
			break
		}
	}
	if sched == nil {
		return fmt.Errorf("no schedule named %q in %s", scheduleName, configPath)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	}).Slog()

	st, err := store.Open(ctx, cfg.StorePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	tools := autopilot.NewToolProvider(autopilot.ToolProviderConfig{
		SandboxImage: cfg.Sandbox.Image,
		Logger:       logger,
	})
	defer tools.Close(context.Background())

	runner := autopilot.NewScheduledRunner(autopilot.ScheduledRunnerConfig{
		Store:         st,
		Inference:     session.EchoInference{},
		Tools:         tools,
		Approval:      cfg.ApprovalPolicy(),
		Logger:        logger,
		BasePrompt:    cfg.BasePrompt,
		WorkingDir:    cfg.WorkingDir,
		DefaultModel:  cfg.DefaultModel,
		ReducerLimits: agentctx.ModelLimits{ContextTokens: defaultContextWindow, MaxOutputTokens: 4096},
		Metrics:       observability.NewMetrics(),
	})

	runID := uuid.NewString()
	started := time.Now()
	if err := st.CreateRun(ctx, runID, scheduleName, started); err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if sched.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, sched.Timeout)
		defer cancel()
	}

	result, err := runner.RunScheduled(runCtx, cron.ScheduledRunRequest{
		Name:             scheduleName,
		Prompt:           sched.Prompt,
		Profile:          sched.Profile,
		Timeout:          sched.Timeout,
		EnableSlackTools: sched.EnableSlackTools,
		EnableSubagents:  sched.EnableSubagents,
		PauseOnApproval:  sched.PauseOnApproval,
		Sandbox:          sched.Sandbox,
	})
	if err != nil {
		_ = st.FinishRun(ctx, runID, store.RunStatusFailed, time.Now(), nil, "", "", "", err.Error())
		return fmt.Errorf("run schedule %q: %w", scheduleName, err)
	}

	var status store.RunStatus
	switch result.Outcome {
	case cron.OutcomeCompleted:
		status = store.RunStatusSuccess
	case cron.OutcomePaused:
		status = store.RunStatusPaused
	default:
		status = store.RunStatusFailed
	}
	if err := st.FinishRun(ctx, runID, status, time.Now(), nil, result.SessionID, result.CheckpointID, result.Stdout, result.Stderr); err != nil {
		logger.Warn("run: finish run failed", "run_id", runID, "error", err)
	}

	if result.Stdout != "" {
		fmt.Println(result.Stdout)
	}

	if result.Outcome == cron.OutcomePaused {
		return &errPaused{scheduleName: scheduleName}
	}
	if status == store.RunStatusFailed {
		return fmt.Errorf("schedule %q did not complete: %s", scheduleName, result.Stderr)
	}
	return nil
}
