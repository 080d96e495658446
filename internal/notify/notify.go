// Package notify resolves per-channel delivery targets and composes the
// outbound message for a finished schedule run or gateway reply.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nexuscore/autopilot/internal/channels"
	"github.com/nexuscore/autopilot/internal/models"
	"github.com/nexuscore/autopilot/internal/store"
	"github.com/nexuscore/autopilot/internal/textutil"
)

// MaxNotificationContextChars bounds each contextual field (check stdout,
// stderr) folded into a notification body.
const MaxNotificationContextChars = 8000

// Router delivers schedule-run outcomes to their configured channel.
type Router struct {
	registry *channels.Registry
	logger   *slog.Logger
}

// NewRouter builds a Router over a channel registry.
func NewRouter(registry *channels.Registry, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{registry: registry, logger: logger}
}

// NotifyRunOutcome implements cron.Notifier: it composes and sends the
// notification for a finished schedule run, if notify is configured for
// this outcome.
func (r *Router) NotifyRunOutcome(ctx context.Context, schedule models.Schedule, run store.RunRow) {
	success := run.Status == store.RunStatusSuccess
	if !schedule.Notify.ShouldNotify(success) {
		return
	}

	text := FormatRunOutcome(schedule, run)
	target := ResolveTarget(schedule.Notify.Channel, schedule.Notify.ChatID)

	adapter, ok := r.registry.GetOutbound(schedule.Notify.Channel)
	if !ok {
		r.logger.Warn("notify: no outbound adapter for channel", "channel", schedule.Notify.Channel, "schedule", schedule.Name)
		return
	}

	msg := &models.Message{
		Role:      models.RoleAssistant,
		Text:      text,
		CreatedAt: time.Now(),
		Metadata: map[string]any{
			"target": target,
		},
	}
	if err := adapter.Send(ctx, msg); err != nil {
		r.logger.Warn("notify: send failed", "channel", schedule.Notify.Channel, "schedule", schedule.Name, "error", err)
	}
}

// ResolveTarget maps a channel type + configured chat id to the
// channel-specific target field name the adapter expects.
func ResolveTarget(channel models.ChannelType, chatID string) string {
	switch channel {
	case models.ChannelTelegram:
		return chatID // chat_id
	case models.ChannelDiscord:
		return chatID // channel_id
	case models.ChannelSlack:
		return chatID // channel
	default:
		return chatID // fallback: chat_id
	}
}

// FormatRunOutcome builds the notification body text for a finished run,
// matching the exact shape scenario S6 requires: "❌ <name> failed\n" (or
// "✅ <name> succeeded\n") followed by exit code and captured output,
// each context field sanitized to MaxNotificationContextChars.
func FormatRunOutcome(schedule models.Schedule, run store.RunRow) string {
	icon := "✅"
	verb := "succeeded"
	if run.Status != store.RunStatusSuccess {
		icon = "❌"
		verb = "failed"
	}

	body := fmt.Sprintf("%s %s %s\n", icon, schedule.Name, verb)

	if run.CheckExitCode != nil {
		body += fmt.Sprintf("Check exit code: %d\n", *run.CheckExitCode)
	} else if run.ExitCode != nil {
		body += fmt.Sprintf("Exit code: %d\n", *run.ExitCode)
	}

	if run.CheckStdout != "" {
		body += textutil.TruncateCharsWithEllipsis(run.CheckStdout, MaxNotificationContextChars) + "\n"
	}
	if run.CheckStderr != "" {
		body += textutil.TruncateCharsWithEllipsis(run.CheckStderr, MaxNotificationContextChars) + "\n"
	}
	if run.Stdout != "" {
		body += textutil.TruncateCharsWithEllipsis(run.Stdout, MaxNotificationContextChars) + "\n"
	}
	if run.Stderr != "" {
		body += textutil.TruncateCharsWithEllipsis(run.Stderr, MaxNotificationContextChars) + "\n"
	}

	return body
}
