// Package config loads and validates the YAML file that drives both the
// autopilot scheduler and the gateway dispatcher, matching the reference
// stack's config package: gopkg.in/yaml.v3 struct tags, environment
// variable overrides for secrets, and mtime-based change detection so a
// long-running process can pick up edits without a restart.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nexuscore/autopilot/internal/errs"
	"github.com/nexuscore/autopilot/internal/gateway"
	"github.com/nexuscore/autopilot/internal/models"
	"github.com/nexuscore/autopilot/internal/session"
)

// Config is the root of the YAML file read by every nexus-autopilot entrypoint.
type Config struct {
	// StorePath is the SQLite database path. "restart required" applies to
	// changing this value on a running scheduler (Section 4.I hot-reload rule).
	StorePath   string `yaml:"store_path"`
	PIDFilePath string `yaml:"pid_file_path"`

	Log LogConfig `yaml:"log"`

	DefaultModel string `yaml:"default_model"`
	BasePrompt   string `yaml:"base_prompt"`
	WorkingDir   string `yaml:"working_dir"`

	Gateway  GatewayConfig  `yaml:"gateway"`
	Approval ApprovalConfig `yaml:"approval"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Channels ChannelsConfig `yaml:"channels"`

	Schedules []models.Schedule `yaml:"schedules"`
}

// LogConfig selects the slog handler and level.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error, default info
	Format string `yaml:"format"` // text|json, default text
}

// GatewayConfig configures the Gateway Dispatcher's routing behavior.
type GatewayConfig struct {
	DMScope        string `yaml:"dm_scope"` // main|per-peer|per-channel-peer
	TitleTemplate  string `yaml:"title_template"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// ApprovalConfig configures the default tool-call approval policy every
// Runner starts with (Section 4.F).
type ApprovalConfig struct {
	Mode      string   `yaml:"mode"` // allow_all|deny_all|allowlist
	Allowlist []string `yaml:"allowlist,omitempty"`
}

// SandboxConfig configures the sandboxed tool-execution container.
type SandboxConfig struct {
	Enabled bool   `yaml:"enabled"`
	Image   string `yaml:"image,omitempty"`
}

// ChannelsConfig carries per-channel credentials. Tokens may be supplied
// directly or, preferably, via the matching *_TOKEN environment variable
// (ApplyEnvOverrides), so secrets never need to sit in the YAML file.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
	Slack    SlackConfig    `yaml:"slack"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token,omitempty"`
}

type DiscordConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token,omitempty"`
}

type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token,omitempty"`
	AppToken string `yaml:"app_token,omitempty"`
}

// Load reads and parses the YAML file at path, applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &errs.ConfigError{Op: "config.read", Err: err}
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, &errs.ConfigError{Op: "config.parse", Err: err}
	}

	cfg.applyDefaults()
	cfg.ApplyEnvOverrides(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Gateway.TitleTemplate == "" {
		c.Gateway.TitleTemplate = "{channel}: {peer}"
	}
	if c.Gateway.DMScope == "" {
		c.Gateway.DMScope = string(gateway.DMScopePerChannelPeer)
	}
	if c.Approval.Mode == "" {
		c.Approval.Mode = string(session.ApprovalAllowAll)
	}
}

// ApplyEnvOverrides lets channel tokens live outside the YAML file. getenv
// is injected so tests don't touch process environment.
func (c *Config) ApplyEnvOverrides(getenv func(string) string) {
	if v := getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Channels.Telegram.Token = v
	}
	if v := getenv("DISCORD_BOT_TOKEN"); v != "" {
		c.Channels.Discord.Token = v
	}
	if v := getenv("SLACK_BOT_TOKEN"); v != "" {
		c.Channels.Slack.BotToken = v
	}
	if v := getenv("SLACK_APP_TOKEN"); v != "" {
		c.Channels.Slack.AppToken = v
	}
}

// Validate enforces the ConfigError-class constraints every loaded config
// must satisfy before it is installed into a running process.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.StorePath) == "" {
		return &errs.ConfigError{Op: "config.validate", Err: fmt.Errorf("store_path is required")}
	}

	switch DMScope := gateway.DMScope(c.Gateway.DMScope); DMScope {
	case gateway.DMScopeMain, gateway.DMScopePerPeer, gateway.DMScopePerChannelPeer:
	default:
		return &errs.ConfigError{Op: "config.validate", Err: fmt.Errorf("gateway.dm_scope %q is not one of main, per-peer, per-channel-peer", c.Gateway.DMScope)}
	}

	switch session.ApprovalMode(c.Approval.Mode) {
	case session.ApprovalAllowAll, session.ApprovalDenyAll, session.ApprovalAllowlist:
	default:
		return &errs.ConfigError{Op: "config.validate", Err: fmt.Errorf("approval.mode %q is not one of allow_all, deny_all, allowlist", c.Approval.Mode)}
	}
	if session.ApprovalMode(c.Approval.Mode) == session.ApprovalAllowlist && len(c.Approval.Allowlist) == 0 {
		return &errs.ConfigError{Op: "config.validate", Err: fmt.Errorf("approval.allowlist must be non-empty when approval.mode is allowlist")}
	}

	if c.Channels.Telegram.Enabled && c.Channels.Telegram.Token == "" {
		return &errs.ConfigError{Op: "config.validate", Err: fmt.Errorf("channels.telegram.token is required when enabled")}
	}
	if c.Channels.Discord.Enabled && c.Channels.Discord.Token == "" {
		return &errs.ConfigError{Op: "config.validate", Err: fmt.Errorf("channels.discord.token is required when enabled")}
	}
	if c.Channels.Slack.Enabled && (c.Channels.Slack.BotToken == "" || c.Channels.Slack.AppToken == "") {
		return &errs.ConfigError{Op: "config.validate", Err: fmt.Errorf("channels.slack.bot_token and app_token are required when enabled")}
	}

	seen := make(map[string]bool, len(c.Schedules))
	for _, sched := range c.Schedules {
		if strings.TrimSpace(sched.Name) == "" {
			return &errs.ConfigError{Op: "config.validate", Err: fmt.Errorf("a schedule is missing its name")}
		}
		if seen[sched.Name] {
			return &errs.ConfigError{Op: "config.validate", Err: fmt.Errorf("duplicate schedule name %q", sched.Name)}
		}
		seen[sched.Name] = true
		if strings.TrimSpace(sched.Cron) == "" {
			return &errs.ConfigError{Op: "config.validate", Err: fmt.Errorf("schedule %q is missing its cron expression", sched.Name)}
		}
	}

	return nil
}

// ApprovalPolicy builds the session.ApprovalPolicy this config describes.
func (c *Config) ApprovalPolicy() session.ApprovalPolicy {
	allow := make(map[string]bool, len(c.Approval.Allowlist))
	for _, name := range c.Approval.Allowlist {
		allow[name] = true
	}
	return session.ApprovalPolicy{
		Mode:      session.ApprovalMode(c.Approval.Mode),
		Allowlist: allow,
	}
}

// GatewayTimeout reports the per-run interactive timeout, or zero if runs
// should never time out.
func (c *Config) GatewayTimeout() time.Duration {
	if c.Gateway.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Gateway.TimeoutSeconds) * time.Second
}

// LoadSchedules builds the closure cron.Config.LoadSchedules expects: a
// fresh re-read of path on every call, so a scheduler's hot-reload path
// (internal/cron's Scheduler.Reload) always sees the file as it is on disk
// right now, not a cached copy from process start.
func LoadSchedules(path string) func() ([]models.Schedule, string, error) {
	return func() ([]models.Schedule, string, error) {
		cfg, err := Load(path)
		if err != nil {
			return nil, "", err
		}
		return cfg.Schedules, cfg.StorePath, nil
	}
}

// Watcher polls a config file's mtime and reports whether it has changed
// since the last check, matching the reference autopilot's "every 5 ticks,
// compare config_path mtime" convention (internal/cron.ConfigMtimeCheckEveryNTicks
// already implements the polling cadence; Watcher is the standalone
// primitive a caller outside the scheduler — e.g. the gateway's own
// process — can use for the same purpose).
type Watcher struct {
	path  string
	mtime time.Time
}

// NewWatcher creates a Watcher seeded with path's current mtime, if it exists.
func NewWatcher(path string) *Watcher {
	w := &Watcher{path: path}
	if info, err := os.Stat(path); err == nil {
		w.mtime = info.ModTime()
	}
	return w
}

// Changed reports whether path's mtime has advanced since the last call
// (or construction), updating the cached mtime either way.
func (w *Watcher) Changed() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		return false
	}
	if info.ModTime().After(w.mtime) {
		w.mtime = info.ModTime()
		return true
	}
	return false
}
