package models

import "time"

// Session aggregates an ordered message history behind a stable session id.
type Session struct {
	ID                string    `json:"id"`
	ActiveModel       string    `json:"active_model,omitempty"`
	ActiveCheckpoint  string    `json:"active_checkpoint,omitempty"`
	WorkingDirectory  string    `json:"working_directory,omitempty"`
	CallerContext     string    `json:"caller_context,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// IsNew reports whether the session's history contains no user, assistant,
// or tool message yet (a fresh session, per the Session Actor startup rule).
func IsNew(history []*Message) bool {
	for _, m := range history {
		switch m.Role {
		case RoleUser, RoleAssistant, RoleTool:
			return false
		}
	}
	return true
}

// CheckpointEnvelopeV1 is the atomic, immutable snapshot of a session's
// message history plus open metadata. It is the only persisted shape for a
// run's "latest" state.
type CheckpointEnvelopeV1 struct {
	RunID    string         `json:"run_id,omitempty"`
	Messages []*Message     `json:"messages"`
	Metadata map[string]any `json:"metadata"`
}

// Recognized CheckpointEnvelopeV1.Metadata keys.
const (
	MetaTrimmedUpToIndex = "trimmed_up_to_message_index"
	MetaActiveModel      = "active_model"
	MetaSessionID        = "session_id"
	MetaCheckpointID     = "checkpoint_id"
)

// TrimmedUpToIndex reads the MetaTrimmedUpToIndex metadata key, defaulting
// to 0 when absent or of an unexpected type.
func (e *CheckpointEnvelopeV1) TrimmedUpToIndex() int {
	if e == nil || e.Metadata == nil {
		return 0
	}
	switch v := e.Metadata[MetaTrimmedUpToIndex].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// RunStatus is the closed set of terminal and non-terminal states a Run may
// occupy.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunTimedOut  RunStatus = "timed-out"
	RunPaused    RunStatus = "paused"
	RunSkipped   RunStatus = "skipped"
)

// Run is a single execution attempt of a schedule or a session.
type Run struct {
	RunID          string     `json:"run_id"`
	ScheduleName   string     `json:"schedule_name,omitempty"`
	SessionID      string     `json:"session_id,omitempty"`
	Status         RunStatus  `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	ExitCode       *int       `json:"exit_code,omitempty"`
	Stdout         string     `json:"stdout,omitempty"`
	Stderr         string     `json:"stderr,omitempty"`
	CheckExitCode  *int       `json:"check_exit_code,omitempty"`
	CheckStdout    string     `json:"check_stdout,omitempty"`
	CheckStderr    string     `json:"check_stderr,omitempty"`
	CheckTimedOut  bool       `json:"check_timed_out,omitempty"`
	CheckpointID   string     `json:"checkpoint_id,omitempty"`
}

// MaxCapturedOutputChars bounds Run.Stdout/Stderr per Section 6 of the
// external interfaces: captured output is size-bounded.
const MaxCapturedOutputChars = 100_000

// RoutingMapping binds a stable routing key to the session it addresses.
type RoutingMapping struct {
	RoutingKey      string          `json:"routing_key"`
	SessionID       string          `json:"session_id"`
	Title           string          `json:"title,omitempty"`
	DeliveryContext DeliveryContext `json:"delivery_context"`
	CreatedAt       time.Time       `json:"created_at"`
}

// DeliveryContext holds the last known channel metadata needed to deliver an
// outbound reply for a routing mapping.
type DeliveryContext struct {
	Channel      ChannelType    `json:"channel"`
	PeerID       string         `json:"peer_id"`
	ChatType     string         `json:"chat_type,omitempty"`
	ThreadID     string         `json:"thread_id,omitempty"`
	ChannelMeta  map[string]any `json:"channel_meta,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}
