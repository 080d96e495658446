// Package session implements the Session Actor: one goroutine that drives
// a single agent run end-to-end, from startup through a bounded turn loop
// to termination.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nexuscore/autopilot/internal/agentctx"
	"github.com/nexuscore/autopilot/internal/checkpoint"
	"github.com/nexuscore/autopilot/internal/errs"
	"github.com/nexuscore/autopilot/internal/models"
	"github.com/nexuscore/autopilot/internal/toolproxy"
)

// MaxTurns bounds the run loop (Section 4.F: "MAX_TURNS = 64").
const MaxTurns = 64

// InferenceRequest is everything one turn's model call needs. LLM
// transport concerns (provider auth, streaming wire format) live outside
// this package; Inference is the seam a concrete provider implements.
type InferenceRequest struct {
	Model        string
	SystemPrompt string
	Messages     []*models.Message
	Tools        []toolproxy.ToolSpec
	MaxOutput    int
}

// InferenceResponse is one turn's model output.
type InferenceResponse struct {
	Message *models.Message
}

// Inference drives one model turn. OnTextDelta, if non-nil, is called with
// incremental text chunks as they stream in.
type Inference interface {
	Infer(ctx context.Context, req InferenceRequest, onTextDelta func(string)) (InferenceResponse, error)
}

// RetryConfig bounds inference-failure retry (Section 4.F: "retry per
// RetryConfig (bounded)").
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryConfig returns a conservative 3-attempt retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond}
}

// Outcome is the terminal state of a run.
type Outcome string

const (
	OutcomeRunCompleted Outcome = "completed"
	OutcomeRunError     Outcome = "error"
	OutcomeRunCancelled Outcome = "cancelled"
)

// StartupInput carries everything the Section 4.F startup sequence needs.
type StartupInput struct {
	SessionID     string
	RunID         string
	ActiveModel   string
	BasePrompt    string
	WorkingDir    string
	FileHints     []string
	RemoteSkills  []string
	CallerContext string
	IncomingText  string
	MaxOutput     int

	// TrimmedUpToIndex seeds the reducer's watermark from a prior run's
	// checkpoint (Testable property 1: never regresses across runs of the
	// same session, not just within one).
	TrimmedUpToIndex int
}

// Actor runs one agent run end-to-end.
type Actor struct {
	sessionID string
	runID     string
	model     string

	messages     []*models.Message
	systemPrompt string

	toolClient *toolproxy.Client
	inference  Inference
	checkpoint *checkpoint.Runtime
	approval   ApprovalPolicy
	approver   ExternalApprover
	retry      RetryConfig
	logger     *slog.Logger

	events chan *models.RunEvent
	nextEventID uint64

	reducerLimits agentctx.ModelLimits
	reducerConfig agentctx.Config
	trimmedUpTo   int

	pendingCancel map[string]bool
	periodic      *checkpoint.PeriodicTask
}

// Options configures a new Actor.
type Options struct {
	ToolClient    *toolproxy.Client
	Inference     Inference
	Checkpoint    *checkpoint.Runtime
	Approval      ApprovalPolicy
	Approver      ExternalApprover
	Retry         RetryConfig
	Logger        *slog.Logger
	ReducerLimits agentctx.ModelLimits
	ReducerConfig agentctx.Config
}

// Start runs the Section 4.F startup sequence and returns a ready Actor.
func Start(ctx context.Context, in StartupInput, history []*models.Message, opts Options) (*Actor, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryConfig()
	}

	a := &Actor{
		sessionID:     in.SessionID,
		runID:         in.RunID,
		model:         in.ActiveModel,
		messages:      append([]*models.Message{}, history...),
		toolClient:    opts.ToolClient,
		inference:     opts.Inference,
		checkpoint:    opts.Checkpoint,
		approval:      opts.Approval,
		approver:      opts.Approver,
		retry:         opts.Retry,
		logger:        opts.Logger,
		events:        make(chan *models.RunEvent, 64),
		reducerLimits: opts.ReducerLimits,
		reducerConfig: opts.ReducerConfig,
		trimmedUpTo:   in.TrimmedUpToIndex,
		pendingCancel: make(map[string]bool),
	}

	env := SnapshotEnvironment(in.WorkingDir)
	project := SnapshotProject(in.FileHints, in.RemoteSkills, in.CallerContext)

	var toolNames []string
	if a.toolClient != nil {
		specs, err := a.toolClient.DiscoverTools(ctx)
		if err != nil {
			a.logger.Warn("session startup: tool discovery failed", "error", err)
		}
		for _, s := range specs {
			toolNames = append(toolNames, s.ID)
		}
	}

	a.systemPrompt = AssembleSystemPrompt(in.BasePrompt, env, project, toolNames)

	isNew := models.IsNew(a.messages)
	if in.IncomingText != "" {
		text := in.IncomingText
		if isNew || in.CallerContext != "" {
			text = UserContextBlock(in.CallerContext) + text
		}
		a.messages = append(a.messages, &models.Message{
			Role:      models.RoleUser,
			Text:      text,
			CreatedAt: time.Now(),
		})
	}

	if a.checkpoint != nil {
		if _, _, err := a.checkpoint.Persist(ctx, checkpoint.TriggerBeforeInference, a.runID, a.messages, a.model, a.trimmedUpTo); err != nil {
			return nil, err
		}
		a.periodic = checkpoint.NewPeriodicTask(a.checkpoint, a.runID, a.logger, func() ([]*models.Message, string, int, bool) {
			return a.messages, a.model, a.trimmedUpTo, true
		})
	}

	return a, nil
}

// Events returns the channel this actor emits RunEvents on. Closed when
// the run terminates.
func (a *Actor) Events() <-chan *models.RunEvent {
	return a.events
}

func (a *Actor) emit(ev *models.RunEvent) {
	a.nextEventID++
	ev.EventID = a.nextEventID
	ev.RunID = a.runID
	ev.SessionID = a.sessionID
	ev.Time = time.Now()
	select {
	case a.events <- ev:
	default:
		a.logger.Warn("session: event buffer full, dropping event", "type", ev.Type)
	}
}

// Run drives the bounded turn loop (Section 4.F). It returns the run's
// terminal outcome. cancel, if closed, signals cooperative cancellation
// checked between turns, during inference, and during tool execution.
func (a *Actor) Run(ctx context.Context, cancel <-chan struct{}) Outcome {
	defer close(a.events)
	if a.periodic != nil {
		periodicCtx, stop := context.WithCancel(ctx)
		defer stop()
		go a.periodic.Run(periodicCtx)
		defer a.periodic.Stop()
	}
	defer a.terminate(ctx)

	for turn := 0; turn < MaxTurns; turn++ {
		select {
		case <-cancel:
			return OutcomeRunCancelled
		case <-ctx.Done():
			return OutcomeRunCancelled
		default:
		}

		reduced := agentctx.Reduce(a.messages, a.reducerLimits, a.reducerConfig, nil, a.trimmedUpTo)
		a.messages = reduced.Messages
		a.trimmedUpTo = reduced.TrimmedUpToIndex

		if a.checkpoint != nil {
			a.checkpoint.Persist(ctx, checkpoint.TriggerBeforeInference, a.runID, a.messages, a.model, a.trimmedUpTo)
		}

		resp, err := a.inferWithRetry(ctx, cancel)
		if err != nil {
			if err == errCancelled {
				return OutcomeRunCancelled
			}
			a.emit(&models.RunEvent{Type: models.EventRunError, Err: err.Error()})
			return OutcomeRunError
		}

		a.messages = append(a.messages, resp.Message)
		a.emit(&models.RunEvent{Type: models.EventTurnCompleted})

		if a.checkpoint != nil {
			if _, _, err := a.checkpoint.Persist(ctx, checkpoint.TriggerAfterInference, a.runID, a.messages, a.model, a.trimmedUpTo); err != nil {
				a.emit(&models.RunEvent{Type: models.EventRunError, Err: err.Error()})
				return OutcomeRunError
			}
		}

		toolCalls := resp.Message.ToolCalls()
		if len(toolCalls) == 0 {
			a.emit(&models.RunEvent{Type: models.EventRunCompleted})
			return OutcomeRunCompleted
		}

		a.emit(&models.RunEvent{Type: models.EventToolCallsProposed, ToolCalls: toolCalls})

		decisions := a.decideApprovals(toolCalls)

		for _, tc := range toolCalls {
			select {
			case <-cancel:
				return OutcomeRunCancelled
			default:
			}

			outcome := a.executeTool(ctx, cancel, tc, decisions[tc.ToolCallID])
			a.messages = append(a.messages, &models.Message{
				Role: models.RoleTool,
				Parts: []models.MessagePart{{
					Type:            models.PartToolResult,
					ResultForCallID: tc.ToolCallID,
					Content:         outcome.Content,
				}},
				CreatedAt: time.Now(),
			})
			a.emit(&models.RunEvent{Type: models.EventToolResult, ToolResult: &outcome})

			if a.checkpoint != nil {
				if _, _, err := a.checkpoint.Persist(ctx, checkpoint.TriggerAfterToolExec, a.runID, a.messages, a.model, a.trimmedUpTo); err != nil {
					a.emit(&models.RunEvent{Type: models.EventRunError, Err: err.Error()})
					return OutcomeRunError
				}
			}

			if outcome.Status == models.ToolOutcomeCancelled {
				return OutcomeRunCancelled
			}
		}
	}

	a.emit(&models.RunEvent{Type: models.EventRunError, Err: "max turns exceeded"})
	return OutcomeRunError
}

var errCancelled = fmt.Errorf("cancelled")

func (a *Actor) inferWithRetry(ctx context.Context, cancel <-chan struct{}) (InferenceResponse, error) {
	var lastErr error
	for attempt := 1; attempt <= a.retry.MaxAttempts; attempt++ {
		select {
		case <-cancel:
			return InferenceResponse{}, errCancelled
		case <-ctx.Done():
			return InferenceResponse{}, errCancelled
		default:
		}

		resp, err := a.inference.Infer(ctx, InferenceRequest{
			Model:        a.model,
			SystemPrompt: a.systemPrompt,
			Messages:     a.messages,
			MaxOutput:    0,
		}, func(delta string) {
			a.emit(&models.RunEvent{Type: models.EventTextDelta, TextDelta: delta})
		})
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt < a.retry.MaxAttempts {
			delay := a.retry.BaseDelay * time.Duration(attempt)
			select {
			case <-time.After(delay):
			case <-cancel:
				return InferenceResponse{}, errCancelled
			case <-ctx.Done():
				return InferenceResponse{}, errCancelled
			}
		}
	}
	return InferenceResponse{}, &errs.TransportError{Op: "session.infer", Err: lastErr}
}

func (a *Actor) decideApprovals(toolCalls []models.MessagePart) map[string]bool {
	if a.approver != nil {
		decisions, err := a.approver.Approve(toolCalls)
		if err == nil {
			return decisions
		}
		a.logger.Warn("session: external approval failed, falling back to local policy", "error", err)
	}
	decisions := make(map[string]bool, len(toolCalls))
	for _, tc := range toolCalls {
		decisions[tc.ToolCallID] = a.approval.Decide(tc)
	}
	return decisions
}

func (a *Actor) executeTool(ctx context.Context, cancel <-chan struct{}, tc models.MessagePart, approved bool) models.ToolOutcome {
	if !approved {
		return models.ToolOutcome{ToolCallID: tc.ToolCallID, ToolName: tc.ToolName, Status: models.ToolOutcomeError, Content: "tool call denied by policy"}
	}
	if a.toolClient == nil {
		return models.ToolOutcome{ToolCallID: tc.ToolCallID, ToolName: tc.ToolName, Status: models.ToolOutcomeError, Content: "no tool client bound to this session"}
	}

	done := make(chan models.ToolOutcome, 1)
	go func() {
		content, isErr, err := a.toolClient.Call(ctx, tc.ToolCallID, tc.ToolName, toolArgs(tc))
		status := models.ToolOutcomeCompleted
		if err != nil {
			status = models.ToolOutcomeError
			content = err.Error()
		} else if isErr {
			status = models.ToolOutcomeError
		}
		done <- models.ToolOutcome{ToolCallID: tc.ToolCallID, ToolName: tc.ToolName, Status: status, Content: content}
	}()

	select {
	case outcome := <-done:
		return outcome
	case <-cancel:
		a.toolClient.Cancel(ctx, tc.ToolCallID)
		return models.ToolOutcome{ToolCallID: tc.ToolCallID, ToolName: tc.ToolName, Status: models.ToolOutcomeCancelled, Content: "cancelled"}
	case <-ctx.Done():
		a.toolClient.Cancel(context.Background(), tc.ToolCallID)
		return models.ToolOutcome{ToolCallID: tc.ToolCallID, ToolName: tc.ToolName, Status: models.ToolOutcomeCancelled, Content: "cancelled"}
	}
}

func toolArgs(tc models.MessagePart) json.RawMessage {
	if len(tc.ToolArgsJSON) == 0 {
		return json.RawMessage("{}")
	}
	return tc.ToolArgsJSON
}

// terminate implements Section 4.F's termination sequence: shut down the
// sandbox if present (the caller owns sandbox lifecycle and closes it
// after Run returns), clear pending tools, persist the terminal
// checkpoint, release the periodic task (handled by the deferred Stop in
// Run).
func (a *Actor) terminate(ctx context.Context) {
	a.pendingCancel = nil
	if a.checkpoint != nil {
		if _, _, err := a.checkpoint.Persist(context.Background(), checkpoint.TriggerTerminal, a.runID, a.messages, a.model, a.trimmedUpTo); err != nil {
			a.logger.Warn("session: terminal checkpoint persist failed", "error", err)
		}
	}
}

// Messages returns the actor's current message history, used by callers
// that need to snapshot state (e.g. a scheduled-run wrapper reporting
// captured stdout/stderr from the final assistant message).
func (a *Actor) Messages() []*models.Message {
	return a.messages
}

// NewRunID generates a fresh run identifier.
func NewRunID() string { return uuid.NewString() }
