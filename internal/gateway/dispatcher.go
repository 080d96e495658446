package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nexuscore/autopilot/internal/channels"
	"github.com/nexuscore/autopilot/internal/models"
	"github.com/nexuscore/autopilot/internal/observability"
	"github.com/nexuscore/autopilot/internal/policy"
	"github.com/nexuscore/autopilot/internal/store"
)

// Inline commands intercepted ahead of routing: a conversation can cancel
// or inspect its own run, or adjust its own group policy, without ever
// reaching the Session Actor.
const (
	commandCancel     = "/cancel"
	commandStatus     = "/status"
	commandActivation = "/activation"
	commandSend       = "/send"
)

// inlineCommand reports whether text is one of the dispatcher's own slash
// commands rather than a message bound for a run.
func inlineCommand(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	for _, cmd := range []string{commandCancel, commandStatus, commandActivation, commandSend} {
		if trimmed == cmd || strings.HasPrefix(trimmed, cmd+" ") || strings.HasPrefix(trimmed, cmd+":") {
			return cmd, true
		}
	}
	return "", false
}

// groupPolicyState holds the per-conversation overrides a group chat sets
// via /activation and /send, keyed by groupKeyFromInbound/groupKeyFromDelivery
// rather than session id so the policy survives a session being recreated.
type groupPolicyState struct {
	activation policy.GroupActivationMode
	send       policy.SendPolicyOverride
}

// groupKeyFromInbound identifies the group or channel inbound belongs to,
// independent of which member sent this particular message.
func groupKeyFromInbound(inbound InboundMessage) string {
	groupID := inbound.ChatType.GroupID
	if groupID == "" {
		groupID = inbound.PeerID
	}
	return fmt.Sprintf("%s:%s", inbound.Channel, groupID)
}

// groupKeyFromDelivery recovers the same identity groupKeyFromInbound
// derives, from the channel metadata a DeliveryContext carries.
func groupKeyFromDelivery(d models.DeliveryContext) string {
	var groupID string
	switch d.Channel {
	case models.ChannelTelegram:
		groupID = stringOf(d.ChannelMeta["chat_id"])
	case models.ChannelDiscord:
		groupID = stringOf(d.ChannelMeta["discord_channel_id"])
	case models.ChannelSlack:
		groupID = stringOf(d.ChannelMeta["slack_channel"])
	}
	if groupID == "" {
		groupID = d.PeerID
	}
	return fmt.Sprintf("%s:%s", d.Channel, groupID)
}

// knownChannels is the closed set of chat platforms the dispatcher consumes
// inbound messages from (Section 3): adding a fourth means adding its
// normalizer case too.
var knownChannels = []models.ChannelType{
	models.ChannelTelegram,
	models.ChannelDiscord,
	models.ChannelSlack,
}

// Config wires a Dispatcher to its channel registry, persistence, and
// interactive-run machinery. Approval policy is configured on the Runner
// (ActorRunnerConfig.Approval), not here: it governs how an individual run
// decides on proposed tool calls, not how the dispatcher routes messages.
type Config struct {
	Registry      *channels.Registry
	Store         *store.Store
	Runner        Runner
	Logger        *slog.Logger
	DefaultModel  string
	TitleTemplate string
	DMScope       DMScope
	// Metrics is optional; when nil every recordX call is a no-op.
	Metrics *observability.Metrics
}

// Dispatcher bridges inbound chat traffic to interactive session runs: at
// most one active run per session, every other inbound message for that
// session queued until the run finishes (Section 4.G).
type Dispatcher struct {
	registry      *channels.Registry
	store         *store.Store
	runner        Runner
	logger        *slog.Logger
	defaultModel  string
	titleTemplate string
	dmScope       DMScope
	metrics       *observability.Metrics

	mu            sync.Mutex
	activeRuns    map[string]activeRun         // keyed by session id
	pendingQueues map[string][]QueuedMessage   // keyed by session id
	eventCursors  map[string]uint64            // keyed by session id
	groupPolicies map[string]*groupPolicyState // keyed by group key

	// runResults and inflight are shared with Run's own event loop so that
	// a message handed in from outside the channel fan-in (the HTTP
	// surface's POST /send) goes through the exact same active-run/queue
	// bookkeeping as a chat-originated message.
	runResults chan runTaskResult
	inflight   sync.WaitGroup
}

// New builds a Dispatcher over cfg.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	titleTemplate := cfg.TitleTemplate
	if titleTemplate == "" {
		titleTemplate = "{channel}: {peer}"
	}
	dmScope := cfg.DMScope
	if dmScope == "" {
		dmScope = DMScopePerChannelPeer
	}
	return &Dispatcher{
		registry:      cfg.Registry,
		store:         cfg.Store,
		runner:        cfg.Runner,
		logger:        logger,
		defaultModel:  cfg.DefaultModel,
		titleTemplate: titleTemplate,
		dmScope:       dmScope,
		metrics:       cfg.Metrics,
		activeRuns:    make(map[string]activeRun),
		pendingQueues: make(map[string][]QueuedMessage),
		eventCursors:  make(map[string]uint64),
		groupPolicies: make(map[string]*groupPolicyState),
		runResults:    make(chan runTaskResult, 128),
	}
}

// Run consumes every registered channel's inbound stream and drives runs
// until ctx is cancelled, at which point every active run is cancelled and
// Run returns once they have all unwound.
func (d *Dispatcher) Run(ctx context.Context) {
	inbound := d.fanInInbound(ctx)

	for {
		select {
		case <-ctx.Done():
			d.cancelAllRuns()
			d.inflight.Wait()
			return

		case msg, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}
			if err := d.handleInbound(ctx, msg, d.runResults, &d.inflight); err != nil {
				d.logger.Warn("gateway: failed to handle inbound message", "error", err)
			}

		case result, ok := <-d.runResults:
			if !ok {
				continue
			}
			d.handleRunResult(ctx, result, d.runResults, &d.inflight)
		}
	}
}

// fanInInbound starts one normalizing consumer per registered, known
// channel and merges their output onto a single stream.
func (d *Dispatcher) fanInInbound(ctx context.Context) <-chan InboundMessage {
	out := make(chan InboundMessage)
	var wg sync.WaitGroup

	for _, channelType := range knownChannels {
		adapter, ok := d.registry.Get(channelType)
		if !ok {
			continue
		}
		inboundAdapter, ok := adapter.(channels.InboundAdapter)
		if !ok {
			continue
		}

		wg.Add(1)
		go func(channelType models.ChannelType, adapter channels.InboundAdapter) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case raw, ok := <-adapter.Messages():
					if !ok {
						return
					}
					normalized, err := Normalize(channelType, raw)
					if err != nil {
						d.logger.Warn("gateway: failed to normalize inbound message", "channel", channelType, "error", err)
						continue
					}
					d.recordMessageReceived(channelType)
					select {
					case out <- normalized:
					case <-ctx.Done():
						return
					}
				}
			}
		}(channelType, inboundAdapter)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}

func (d *Dispatcher) handleInbound(ctx context.Context, inbound InboundMessage, runResults chan<- runTaskResult, inflight *sync.WaitGroup) error {
	if cmd, ok := inlineCommand(inbound.Text); ok {
		return d.handleInlineCommand(ctx, cmd, inbound)
	}

	routingKey := ResolveRoutingKey(inbound.Channel, inbound.ChatType, inbound.PeerID, d.dmScope)
	targetKey := TargetKeyFromInbound(inbound)

	var callerContext []CallerContextItem
	if raw, err := d.store.PopDeliveryContext(ctx, string(inbound.Channel), targetKey); err != nil {
		d.logger.Warn("gateway: failed to pop delivery context", "error", err)
	} else if raw != nil {
		callerContext = deliveryContextToCallerContext(raw)
	}

	sessionID, err := d.resolveSession(ctx, routingKey, inbound)
	if err != nil {
		return fmt.Errorf("resolve session: %w", err)
	}

	queued := QueuedMessage{
		Inbound:    inbound,
		Text:       inbound.Text,
		RunOptions: extractRunOptions(inbound.Metadata),
		Context:    callerContext,
	}

	d.mu.Lock()
	active := d.isRunActiveLocked(sessionID)
	if active {
		d.enqueueLocked(sessionID, queued)
	}
	d.mu.Unlock()

	if active {
		return nil
	}

	if err := d.startRun(ctx, sessionID, queued, runResults, inflight); err != nil {
		d.mu.Lock()
		d.enqueueLocked(sessionID, queued)
		d.mu.Unlock()
		return err
	}
	return nil
}

// handleInlineCommand answers /cancel, /status, /activation, and /send
// without ever starting a run, restored from the original dispatcher's
// slash-command table: a conversation with no session yet has nothing to
// cancel or report, but it can still set a group policy ahead of its first
// routed message.
func (d *Dispatcher) handleInlineCommand(ctx context.Context, cmd string, inbound InboundMessage) error {
	delivery := deliveryContextFromInbound(inbound)

	if cmd == commandActivation || cmd == commandSend {
		d.handleGroupPolicyCommand(ctx, cmd, inbound, delivery)
		return nil
	}

	routingKey := ResolveRoutingKey(inbound.Channel, inbound.ChatType, inbound.PeerID, d.dmScope)
	mapping, err := d.store.GetRoutingMapping(ctx, routingKey)
	if err != nil {
		return fmt.Errorf("get routing mapping: %w", err)
	}
	if mapping == nil {
		d.deliverText(ctx, delivery, "No active session for this conversation yet.")
		return nil
	}

	switch cmd {
	case commandCancel:
		d.mu.Lock()
		active, hasActive := d.activeRuns[mapping.SessionID]
		queued := len(d.pendingQueues[mapping.SessionID])
		delete(d.pendingQueues, mapping.SessionID)
		d.mu.Unlock()

		if hasActive {
			active.cancel()
			d.deliverText(ctx, delivery, fmt.Sprintf("Cancelling the active run (%d queued message(s) dropped).", queued))
		} else {
			d.deliverText(ctx, delivery, "No run is currently active.")
		}

	case commandStatus:
		d.mu.Lock()
		_, hasActive := d.activeRuns[mapping.SessionID]
		queued := len(d.pendingQueues[mapping.SessionID])
		d.mu.Unlock()
		d.deliverText(ctx, delivery, fmt.Sprintf("Run active: %v. Queued messages: %d.", hasActive, queued))
	}

	return nil
}

// handleGroupPolicyCommand answers /activation and /send by updating (or
// reporting) this conversation's groupPolicyState, backed by
// internal/policy's command parsers.
func (d *Dispatcher) handleGroupPolicyCommand(ctx context.Context, cmd string, inbound InboundMessage, delivery models.DeliveryContext) {
	key := groupKeyFromInbound(inbound)

	d.mu.Lock()
	gp, ok := d.groupPolicies[key]
	if !ok {
		gp = &groupPolicyState{}
		d.groupPolicies[key] = gp
	}

	var reply string
	switch cmd {
	case commandActivation:
		result := policy.ParseActivationCommand(inbound.Text)
		switch {
		case result.Mode != nil:
			gp.activation = *result.Mode
			reply = fmt.Sprintf("Group activation set to %q.", *result.Mode)
		default:
			mode := gp.activation
			if mode == "" {
				mode = policy.ActivationMention
			}
			reply = fmt.Sprintf("Group activation is %q.", mode)
		}

	case commandSend:
		result := policy.ParseSendPolicyCommand(inbound.Text)
		switch result.Mode {
		case string(policy.SendPolicyAllow):
			gp.send = policy.SendPolicyAllow
			reply = "Replies enabled for this conversation."
		case string(policy.SendPolicyDeny):
			gp.send = policy.SendPolicyDeny
			reply = "Replies muted for this conversation; runs still start, but nothing will be sent back."
		case string(policy.SendPolicyInherit):
			gp.send = ""
			reply = "Reply policy reset to default (enabled)."
		default:
			mode := "allow"
			if gp.send == policy.SendPolicyDeny {
				mode = "deny"
			}
			reply = fmt.Sprintf("Current reply policy: %s.", mode)
		}
	}
	d.mu.Unlock()

	d.deliverText(ctx, delivery, reply)
}

// sendAllowed reports whether a /send override permits delivering text to
// delivery's conversation. Absent any override, sending is allowed.
func (d *Dispatcher) sendAllowed(delivery models.DeliveryContext) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	gp, ok := d.groupPolicies[groupKeyFromDelivery(delivery)]
	if !ok {
		return true
	}
	return gp.send != policy.SendPolicyDeny
}

// resolveSession finds or creates the session backing routingKey, refreshing
// its cached delivery context either way.
func (d *Dispatcher) resolveSession(ctx context.Context, routingKey string, inbound InboundMessage) (string, error) {
	delivery := deliveryContextFromInbound(inbound)

	mapping, err := d.store.GetRoutingMapping(ctx, routingKey)
	if err != nil {
		return "", fmt.Errorf("get routing mapping: %w", err)
	}
	if mapping != nil {
		if err := d.store.RefreshDeliveryContext(ctx, routingKey, delivery); err != nil {
			d.logger.Warn("gateway: failed to refresh delivery context", "error", err)
		}
		return mapping.SessionID, nil
	}

	title := RenderTitleTemplate(d.titleTemplate, string(inbound.Channel), inbound.PeerID, inbound.ChatType)
	sessionID, err := d.store.CreateSession(ctx, title)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}

	if err := d.store.CreateRoutingMapping(ctx, routingKey, sessionID, title, delivery); err != nil {
		if delErr := d.store.DeleteSession(ctx, sessionID); delErr != nil {
			d.logger.Warn("gateway: failed to roll back orphaned session", "session_id", sessionID, "error", delErr)
		}
		return "", fmt.Errorf("create routing mapping: %w", err)
	}

	d.recordSessionStarted(inbound.Channel)
	return sessionID, nil
}

func deliveryContextFromInbound(inbound InboundMessage) models.DeliveryContext {
	return models.DeliveryContext{
		Channel:     inbound.Channel,
		PeerID:      inbound.PeerID,
		ChatType:    string(inbound.ChatType.Kind),
		ThreadID:    inbound.ChatType.ThreadID,
		ChannelMeta: inbound.Metadata,
		UpdatedAt:   time.Now(),
	}
}

// startRun begins an interactive run for sessionID and spawns the goroutine
// that drains its event stream.
func (d *Dispatcher) startRun(ctx context.Context, sessionID string, queued QueuedMessage, runResults chan<- runTaskResult, inflight *sync.WaitGroup) error {
	model := queued.RunOptions.Model
	if model == "" {
		model = d.defaultModel
	}

	handle, err := d.runner.StartRun(ctx, RunRequest{
		SessionID:     sessionID,
		Text:          queued.Text,
		Model:         model,
		Sandbox:       queued.RunOptions.Sandbox,
		CallerContext: renderCallerContext(queued.Context),
	})
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}

	d.mu.Lock()
	d.activeRuns[sessionID] = activeRun{runID: handle.RunID, cancel: handle.Cancel}
	d.mu.Unlock()

	delivery := deliveryContextFromInbound(queued.Inbound)
	timeoutSeconds := queued.RunOptions.TimeoutSeconds

	inflight.Add(1)
	go func() {
		defer inflight.Done()
		outcome, cursor := d.consumeRunEvents(ctx, delivery, sessionID, handle, timeoutSeconds)
		select {
		case runResults <- runTaskResult{sessionID: sessionID, runID: handle.RunID, outcome: outcome, cursor: cursor, hasCursor: cursor > 0}:
		case <-ctx.Done():
		}
	}()

	return nil
}

func (d *Dispatcher) handleRunResult(ctx context.Context, result runTaskResult, runResults chan<- runTaskResult, inflight *sync.WaitGroup) {
	d.mu.Lock()
	if active, ok := d.activeRuns[result.sessionID]; ok && active.runID == result.runID {
		delete(d.activeRuns, result.sessionID)
	}
	if result.hasCursor {
		current := d.eventCursors[result.sessionID]
		if result.cursor > current {
			d.eventCursors[result.sessionID] = result.cursor
		}
	}
	queue := d.pendingQueues[result.sessionID]
	delete(d.pendingQueues, result.sessionID)
	d.mu.Unlock()

	if len(queue) == 0 {
		return
	}

	d.drainQueue(ctx, result.sessionID, queue, runResults, inflight)
}

// drainQueue batches every message queued while a run was active into one
// follow-up run. On failure to start, the batch is restored ahead of
// whatever arrived since (Section 4.G: restore-on-start-failure).
func (d *Dispatcher) drainQueue(ctx context.Context, sessionID string, queue []QueuedMessage, runResults chan<- runTaskResult, inflight *sync.WaitGroup) {
	latest := queue[len(queue)-1]
	routingKey := ResolveRoutingKey(latest.Inbound.Channel, latest.Inbound.ChatType, latest.Inbound.PeerID, d.dmScope)
	delivery := deliveryContextFromInbound(latest.Inbound)
	if err := d.store.RefreshDeliveryContext(ctx, routingKey, delivery); err != nil {
		d.logger.Warn("gateway: failed to refresh delivery context from queue", "error", err)
	}

	batched := QueuedMessage{
		Inbound:    latest.Inbound,
		Text:       formatBatchedQueueMessages(queue),
		RunOptions: latest.RunOptions,
		Context:    latestNonEmptyContext(queue),
	}

	if err := d.startRun(ctx, sessionID, batched, runResults, inflight); err != nil {
		d.logger.Warn("gateway: failed to start run draining queue", "session_id", sessionID, "error", err)
		d.recordError("start_run_failed")
		d.mu.Lock()
		d.pendingQueues[sessionID] = mergeDrainedQueue(queue, d.pendingQueues[sessionID])
		d.mu.Unlock()
	}
}

// recordMessageReceived, recordSessionStarted, and recordMessageProcessed
// guard every call site against a nil Metrics (Config.Metrics is optional).
func (d *Dispatcher) recordMessageReceived(channel models.ChannelType) {
	if d.metrics != nil {
		d.metrics.MessageReceived(string(channel), "inbound")
	}
}

func (d *Dispatcher) recordSessionStarted(channel models.ChannelType) {
	if d.metrics != nil {
		d.metrics.SessionStarted(string(channel))
	}
}

func (d *Dispatcher) recordMessageProcessed(channel models.ChannelType, outcome string) {
	if d.metrics != nil {
		d.metrics.RecordMessageProcessed(string(channel), outcome)
	}
}

func (d *Dispatcher) recordError(errorType string) {
	if d.metrics != nil {
		d.metrics.RecordError("gateway", errorType)
	}
}

func (d *Dispatcher) isRunActiveLocked(sessionID string) bool {
	_, ok := d.activeRuns[sessionID]
	return ok
}

func (d *Dispatcher) enqueueLocked(sessionID string, message QueuedMessage) {
	d.pendingQueues[sessionID] = append(d.pendingQueues[sessionID], message)
}

func (d *Dispatcher) cancelAllRuns() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, active := range d.activeRuns {
		active.cancel()
	}
}
