package models

import "time"

// ScheduleTrigger decides which check exit codes fire the schedule's agent run.
type ScheduleTrigger string

const (
	TriggerAlways  ScheduleTrigger = "always"
	TriggerSuccess ScheduleTrigger = "success"
	TriggerFailure ScheduleTrigger = "failure"
)

// TriggersOn evaluates a check exit code against the trigger mode.
func (t ScheduleTrigger) TriggersOn(exitCode int) bool {
	switch t {
	case TriggerSuccess:
		return exitCode == 0
	case TriggerFailure:
		return exitCode != 0
	default:
		return true
	}
}

// Schedule is a named, cron-driven recipe for starting an agent run. Its
// Name is stable across config reloads; its Cron expression may change.
type Schedule struct {
	Name         string        `yaml:"name" json:"name"`
	Cron         string        `yaml:"cron" json:"cron"`
	Prompt       string        `yaml:"prompt" json:"prompt"`
	CheckScript  string        `yaml:"check_script,omitempty" json:"check_script,omitempty"`
	Trigger      ScheduleTrigger `yaml:"trigger,omitempty" json:"trigger,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	CheckTimeout time.Duration `yaml:"check_timeout,omitempty" json:"check_timeout,omitempty"`
	Profile      string        `yaml:"profile,omitempty" json:"profile,omitempty"`

	Sandbox          bool `yaml:"sandbox,omitempty" json:"sandbox,omitempty"`
	PauseOnApproval  bool `yaml:"pause_on_approval,omitempty" json:"pause_on_approval,omitempty"`
	EnableSubagents  bool `yaml:"enable_subagents,omitempty" json:"enable_subagents,omitempty"`
	EnableSlackTools bool `yaml:"enable_slack_tools,omitempty" json:"enable_slack_tools,omitempty"`

	Notify NotifyConfig `yaml:"notify,omitempty" json:"notify,omitempty"`

	Enabled bool `yaml:"enabled" json:"enabled"`
}

// NotifyConfig describes where and when to deliver a schedule's outcome.
type NotifyConfig struct {
	Channel   ChannelType `yaml:"channel,omitempty" json:"channel,omitempty"`
	ChatID    string      `yaml:"chat_id,omitempty" json:"chat_id,omitempty"`
	OnSuccess bool        `yaml:"on_success,omitempty" json:"on_success,omitempty"`
	OnFailure bool        `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`
}

// ShouldNotify decides whether a run's outcome should be announced.
func (n NotifyConfig) ShouldNotify(success bool) bool {
	if n.Channel == "" {
		return false
	}
	if success {
		return n.OnSuccess
	}
	return n.OnFailure
}

// RegisteredJob is the runtime projection of a Schedule inside the
// scheduler: the pairing of its name and cron expression with the
// scheduler-assigned opaque job handle.
type RegisteredJob struct {
	Name   string
	Cron   string
	JobID  string
}

// ScheduleSnapshot is the reconciler's view of what is currently registered,
// keyed by schedule name.
type ScheduleSnapshot struct {
	Registered map[string]RegisteredJob
}

// Clone returns a deep copy so callers can hold a stable view while another
// goroutine mutates the live snapshot.
func (s ScheduleSnapshot) Clone() ScheduleSnapshot {
	out := ScheduleSnapshot{Registered: make(map[string]RegisteredJob, len(s.Registered))}
	for k, v := range s.Registered {
		out.Registered[k] = v
	}
	return out
}

// SchedulerState is the durable row tracking the owning autopilot process.
type SchedulerState struct {
	PID           int       `json:"pid"`
	StartTime     time.Time `json:"start_time"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// HeartbeatStaleAfter is the threshold past which a recorded heartbeat is
// considered stale (Section 6: "Heartbeat staleness threshold: 120 s").
const HeartbeatStaleAfter = 120 * time.Second
