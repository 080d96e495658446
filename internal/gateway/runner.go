package gateway

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nexuscore/autopilot/internal/agentctx"
	"github.com/nexuscore/autopilot/internal/checkpoint"
	"github.com/nexuscore/autopilot/internal/models"
	"github.com/nexuscore/autopilot/internal/session"
	"github.com/nexuscore/autopilot/internal/store"
	"github.com/nexuscore/autopilot/internal/toolproxy"
)

// RunRequest is the interactive-run start parameters the dispatcher hands
// to a Runner for one session turn.
type RunRequest struct {
	SessionID     string
	Text          string
	Model         string
	Sandbox       *bool
	CallerContext string
}

// RunHandle is a started run's live handle.
type RunHandle struct {
	RunID  string
	Events <-chan *models.RunEvent
	// Done receives the run's terminal outcome exactly once.
	Done   <-chan session.Outcome
	Cancel func()
}

// Runner starts an interactive agent run for a session — the Gateway
// Dispatcher's equivalent of cron.AgentRunner for scheduled runs.
type Runner interface {
	StartRun(ctx context.Context, req RunRequest) (RunHandle, error)
}

// ToolClientProvider resolves the tool-call proxy client a run should use,
// so a sandboxed run and a non-sandboxed run can be wired to different
// proxies (Section 4.B/4.C) without the dispatcher knowing the difference.
type ToolClientProvider interface {
	ToolClient(ctx context.Context, sandbox bool) (*toolproxy.Client, error)
}

// StaticToolClient is a ToolClientProvider that always returns the same
// pre-dialed client, ignoring the sandbox flag. Suitable when every run
// shares one long-lived, already-sandboxed proxy.
type StaticToolClient struct {
	Client *toolproxy.Client
}

func (s StaticToolClient) ToolClient(ctx context.Context, sandbox bool) (*toolproxy.Client, error) {
	return s.Client, nil
}

// ActorRunnerConfig configures an ActorRunner.
type ActorRunnerConfig struct {
	Store         *store.Store
	Inference     session.Inference
	Tools         ToolClientProvider
	Approval      session.ApprovalPolicy
	Logger        *slog.Logger
	BasePrompt    string
	WorkingDir    string
	FileHints     []string
	RemoteSkills  []string
	DefaultModel  string
	MaxOutput     int
	ReducerLimits agentctx.ModelLimits
	ReducerConfig agentctx.Config
}

// ActorRunner is the default Runner: it reconstructs a session's history
// from its latest checkpoint, starts a session.Actor, and drives it to
// completion in a background goroutine.
type ActorRunner struct {
	cfg ActorRunnerConfig
}

// NewActorRunner builds an ActorRunner over cfg.
func NewActorRunner(cfg ActorRunnerConfig) *ActorRunner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ActorRunner{cfg: cfg}
}

// StartRun implements Runner.
func (r *ActorRunner) StartRun(ctx context.Context, req RunRequest) (RunHandle, error) {
	envelope, checkpointRuntime, err := checkpoint.LoadLatestEnvelope(ctx, r.cfg.Store, req.SessionID)
	if err != nil {
		return RunHandle{}, err
	}

	var history []*models.Message
	trimmedUpTo := 0
	activeModel := req.Model
	if activeModel == "" {
		activeModel = r.cfg.DefaultModel
	}
	if envelope != nil {
		history = envelope.Messages
		trimmedUpTo = envelope.TrimmedUpToIndex()
		if activeModel == "" {
			if m, ok := envelope.Metadata[models.MetaActiveModel].(string); ok {
				activeModel = m
			}
		}
	}

	sandbox := false
	if req.Sandbox != nil {
		sandbox = *req.Sandbox
	}
	var toolClient *toolproxy.Client
	if r.cfg.Tools != nil {
		toolClient, err = r.cfg.Tools.ToolClient(ctx, sandbox)
		if err != nil {
			return RunHandle{}, err
		}
	}

	runID := session.NewRunID()
	in := session.StartupInput{
		SessionID:     req.SessionID,
		RunID:         runID,
		ActiveModel:   activeModel,
		BasePrompt:    r.cfg.BasePrompt,
		WorkingDir:    r.cfg.WorkingDir,
		FileHints:     r.cfg.FileHints,
		RemoteSkills:  r.cfg.RemoteSkills,
		CallerContext:    req.CallerContext,
		IncomingText:     req.Text,
		MaxOutput:        r.cfg.MaxOutput,
		TrimmedUpToIndex: trimmedUpTo,
	}
	opts := session.Options{
		ToolClient:    toolClient,
		Inference:     r.cfg.Inference,
		Checkpoint:    checkpointRuntime,
		Approval:      r.cfg.Approval,
		Retry:         session.DefaultRetryConfig(),
		Logger:        r.cfg.Logger,
		ReducerLimits: r.cfg.ReducerLimits,
		ReducerConfig: r.cfg.ReducerConfig,
	}
	actor, err := session.Start(ctx, in, history, opts)
	if err != nil {
		return RunHandle{}, err
	}

	cancelCh := make(chan struct{})
	var closeOnce sync.Once
	done := make(chan session.Outcome, 1)

	runCtx, stop := context.WithCancel(ctx)
	go func() {
		defer stop()
		done <- actor.Run(runCtx, cancelCh)
	}()

	return RunHandle{
		RunID:  runID,
		Events: actor.Events(),
		Done:   done,
		Cancel: func() { closeOnce.Do(func() { close(cancelCh) }) },
	}, nil
}
