// Package gateway bridges chat channels and session actors: one dispatcher
// per process, one routing key per conversation, at most one active run per
// routing key at a time (Section 4.G).
package gateway

import (
	"time"

	"github.com/nexuscore/autopilot/internal/models"
)

// ChatKind is the closed set of conversation shapes a channel message can
// arrive on.
type ChatKind string

const (
	ChatDirect ChatKind = "direct"
	ChatGroup  ChatKind = "group"
	ChatThread ChatKind = "thread"
)

// ChatType tags a conversation's shape. GroupID and ThreadID are populated
// only for ChatGroup and ChatThread respectively.
type ChatType struct {
	Kind     ChatKind
	GroupID  string
	ThreadID string
}

// DMScope is the policy governing how direct messages collapse onto
// routing keys (Section 4.G step 1).
type DMScope string

const (
	// DMScopeMain routes every direct message on a channel to one shared
	// session, regardless of sender.
	DMScopeMain DMScope = "main"
	// DMScopePerPeer routes a peer's direct messages to the same session
	// across every channel they use.
	DMScopePerPeer DMScope = "per-peer"
	// DMScopePerChannelPeer (the default) gives each (channel, peer) pair
	// its own session — the most granular scope.
	DMScopePerChannelPeer DMScope = "per-channel-peer"
)

// InboundMessage is a channel-agnostic view of one incoming chat message,
// normalized from a *models.Message by a per-channel extractor.
type InboundMessage struct {
	Channel   models.ChannelType
	PeerID    string
	ChatType  ChatType
	Text      string
	Metadata  map[string]any
	Timestamp time.Time
}

// CallerContextItem is one named block of context prepended to a run's
// prompt (Section 4.G step 2, the delivery-context-to-caller-context
// translation).
type CallerContextItem struct {
	Name     string
	Content  string
	Priority string
}

// RunStartOptions carries the per-message run overrides a caller may embed
// under the "gateway_run_options" metadata key.
type RunStartOptions struct {
	Model          string
	Sandbox        *bool
	TimeoutSeconds int
}

// QueuedMessage is one inbound message that arrived while a run was already
// active for its session, held for the next queue drain.
type QueuedMessage struct {
	Inbound    InboundMessage
	Text       string
	RunOptions RunStartOptions
	Context    []CallerContextItem
}

type activeRun struct {
	runID  string
	cancel func()
}

// runOutcome is the dispatcher's internal classification of a finished
// run-event-consumer task, distinct from session.Outcome because the
// consumer also recognizes a timeout and a clean stream end.
type runOutcome string

const (
	runOutcomeCompleted   runOutcome = "completed"
	runOutcomeError       runOutcome = "error"
	runOutcomeCancelled   runOutcome = "cancelled"
	runOutcomeStreamEnded runOutcome = "stream_ended"
)

type runTaskResult struct {
	sessionID  string
	runID      string
	outcome    runOutcome
	cursor     uint64
	hasCursor  bool
}
