// Package autopilot bridges the cron package's scheduled-run contract to
// the Session Actor, the same way internal/gateway.ActorRunner bridges the
// Gateway Dispatcher's interactive-run contract. Where ActorRunner streams
// a run's events back to a chat adapter and returns as soon as the run has
// started, Scheduler.RunScheduled blocks until the run reaches a terminal
// state, since an unattended scheduled firing has no conversation to stream
// into — its caller wants stdout/stderr and a status, not a live feed.
package autopilot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nexuscore/autopilot/internal/agentctx"
	"github.com/nexuscore/autopilot/internal/checkpoint"
	"github.com/nexuscore/autopilot/internal/cron"
	"github.com/nexuscore/autopilot/internal/gateway"
	"github.com/nexuscore/autopilot/internal/models"
	"github.com/nexuscore/autopilot/internal/observability"
	"github.com/nexuscore/autopilot/internal/session"
	"github.com/nexuscore/autopilot/internal/store"
	"github.com/nexuscore/autopilot/internal/toolproxy"
)

// ScheduledRunnerConfig configures a ScheduledRunner.
type ScheduledRunnerConfig struct {
	Store         *store.Store
	Inference     session.Inference
	Tools         gateway.ToolClientProvider
	Approval      session.ApprovalPolicy
	Logger        *slog.Logger
	BasePrompt    string
	WorkingDir    string
	DefaultModel  string
	MaxOutput     int
	ReducerLimits agentctx.ModelLimits
	ReducerConfig agentctx.Config
	// Metrics is optional; when nil every record call is a no-op.
	Metrics *observability.Metrics
}

// ScheduledRunner implements cron.AgentRunner over the Session Actor. A
// schedule's successive firings share one session, found via the schedule
// name's most recent run row — the scheduled-run analogue of the Gateway
// Dispatcher resolving a chat routing key to its session.
type ScheduledRunner struct {
	cfg ScheduledRunnerConfig
}

// NewScheduledRunner builds a ScheduledRunner over cfg.
func NewScheduledRunner(cfg ScheduledRunnerConfig) *ScheduledRunner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ScheduledRunner{cfg: cfg}
}

// RunScheduled implements cron.AgentRunner.
func (r *ScheduledRunner) RunScheduled(ctx context.Context, req cron.ScheduledRunRequest) (cron.ScheduledRunResult, error) {
	sessionID, err := r.resolveSession(ctx, req.Name)
	if err != nil {
		r.recordError("scheduler", "resolve_session")
		return cron.ScheduledRunResult{}, fmt.Errorf("resolve schedule session: %w", err)
	}

	envelope, checkpointRuntime, err := checkpoint.LoadLatestEnvelope(ctx, r.cfg.Store, sessionID)
	if err != nil {
		r.recordError("scheduler", "load_checkpoint")
		return cron.ScheduledRunResult{}, fmt.Errorf("load checkpoint envelope: %w", err)
	}

	var history []*models.Message
	trimmedUpTo := 0
	activeModel := r.cfg.DefaultModel
	if envelope != nil {
		history = envelope.Messages
		trimmedUpTo = envelope.TrimmedUpToIndex()
		if m, ok := envelope.Metadata[models.MetaActiveModel].(string); ok && m != "" {
			activeModel = m
		}
	}

	client, err := r.toolClient(ctx, req.Sandbox)
	if err != nil {
		return cron.ScheduledRunResult{}, fmt.Errorf("resolve tool client: %w", err)
	}

	approver := &pausingApprover{policy: r.cfg.Approval, pauseOnApproval: req.PauseOnApproval}

	runID := session.NewRunID()
	in := session.StartupInput{
		SessionID:        sessionID,
		RunID:            runID,
		ActiveModel:      activeModel,
		BasePrompt:       r.cfg.BasePrompt,
		WorkingDir:       r.cfg.WorkingDir,
		IncomingText:     req.Prompt,
		MaxOutput:        r.cfg.MaxOutput,
		TrimmedUpToIndex: trimmedUpTo,
	}
	opts := session.Options{
		ToolClient:    client,
		Inference:     r.cfg.Inference,
		Checkpoint:    checkpointRuntime,
		Approval:      r.cfg.Approval,
		Approver:      approver,
		Retry:         session.DefaultRetryConfig(),
		Logger:        r.cfg.Logger,
		ReducerLimits: r.cfg.ReducerLimits,
		ReducerConfig: r.cfg.ReducerConfig,
	}
	actor, err := session.Start(ctx, in, history, opts)
	if err != nil {
		return cron.ScheduledRunResult{}, fmt.Errorf("start session actor: %w", err)
	}

	var stdout, stderr strings.Builder
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range actor.Events() {
			switch ev.Type {
			case models.EventTextDelta:
				stdout.WriteString(ev.TextDelta)
			case models.EventRunError:
				if ev.Err != "" {
					stderr.WriteString(ev.Err + "\n")
				}
			}
		}
	}()

	outcome := actor.Run(ctx, nil)
	wg.Wait()

	result := cron.ScheduledRunResult{
		SessionID:    sessionID,
		CheckpointID: checkpointRuntime.ParentID(),
		Stdout:       stdout.String(),
		Stderr:       stderr.String(),
	}
	switch {
	case approver.paused():
		result.Outcome = cron.OutcomePaused
	case outcome == session.OutcomeRunCompleted:
		result.Outcome = cron.OutcomeCompleted
	case outcome == session.OutcomeRunCancelled:
		result.Outcome = cron.OutcomeTimedOut
	default:
		result.Outcome = cron.OutcomeFailed
	}
	r.recordRunAttempt(string(result.Outcome))
	if result.Outcome == cron.OutcomeFailed {
		r.recordError("scheduler", "run_failed")
	}
	return result, nil
}

func (r *ScheduledRunner) recordRunAttempt(status string) {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RecordRunAttempt(status)
	}
}

func (r *ScheduledRunner) recordError(component, errorType string) {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RecordError(component, errorType)
	}
}

// resolveSession returns the session id a schedule's runs accumulate
// history under, creating one on the schedule's first firing.
func (r *ScheduledRunner) resolveSession(ctx context.Context, scheduleName string) (string, error) {
	latest, err := r.cfg.Store.LatestRunForSchedule(ctx, scheduleName)
	if err != nil {
		return "", err
	}
	if latest != nil && latest.SessionID != "" {
		return latest.SessionID, nil
	}
	return r.cfg.Store.CreateSession(ctx, "schedule: "+scheduleName)
}

func (r *ScheduledRunner) toolClient(ctx context.Context, sandbox bool) (*toolproxy.Client, error) {
	if r.cfg.Tools == nil {
		return nil, nil
	}
	return r.cfg.Tools.ToolClient(ctx, sandbox)
}

// pausingApprover implements session.ExternalApprover for the
// pause_on_approval schedule option (Section 6 exit code 10: "paused"): an
// unattended scheduled run has nobody to ask, so instead of silently
// falling back to the local policy it records that approval was needed and
// denies the call, letting RunScheduled report OutcomePaused rather than a
// false "completed".
type pausingApprover struct {
	policy          session.ApprovalPolicy
	pauseOnApproval bool

	mu         sync.Mutex
	pausedOnce bool
}

func (p *pausingApprover) Approve(toolCalls []models.MessagePart) (map[string]bool, error) {
	decisions := make(map[string]bool, len(toolCalls))
	needsPause := false
	for _, tc := range toolCalls {
		allowed := p.policy.Decide(tc)
		decisions[tc.ToolCallID] = allowed
		if !allowed && p.pauseOnApproval {
			needsPause = true
		}
	}
	if needsPause {
		p.mu.Lock()
		p.pausedOnce = true
		p.mu.Unlock()
	}
	return decisions, nil
}

func (p *pausingApprover) paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pausedOnce
}
