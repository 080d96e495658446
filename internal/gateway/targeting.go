package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nexuscore/autopilot/internal/models"
	"github.com/nexuscore/autopilot/internal/notify"
	"github.com/nexuscore/autopilot/internal/textutil"
)

// TargetKeyFromInbound renders the stable, content-addressable key used for
// the delivery-context cache and notification replies (Section 6:
// "<channel>:<kind>:<primary>[:thread:<thread_id>]").
func TargetKeyFromInbound(msg InboundMessage) string {
	return targetKey(msg.Channel, msg.ChatType, msg.PeerID)
}

func targetKey(channel models.ChannelType, chatType ChatType, peerID string) string {
	kind := "chat"
	switch channel {
	case models.ChannelDiscord, models.ChannelSlack:
		kind = "channel"
	}

	switch chatType.Kind {
	case ChatThread:
		return fmt.Sprintf("%s:%s:%s:thread:%s", channel, kind, chatType.GroupID, chatType.ThreadID)
	case ChatGroup:
		return fmt.Sprintf("%s:%s:%s", channel, kind, chatType.GroupID)
	default: // ChatDirect
		return fmt.Sprintf("%s:%s:%s", channel, kind, peerID)
	}
}

// ResolveRoutingKey derives the routing key a dispatcher uses to find (or
// create) the session for an inbound message, applying dmScope only to
// direct messages — group and thread conversations always route by their
// own (channel, group/thread) identity regardless of scope.
func ResolveRoutingKey(channel models.ChannelType, chatType ChatType, peerID string, dmScope DMScope) string {
	if chatType.Kind != ChatDirect {
		return targetKey(channel, chatType, peerID)
	}

	switch dmScope {
	case DMScopeMain:
		return fmt.Sprintf("%s:dm:main", channel)
	case DMScopePerPeer:
		return fmt.Sprintf("dm:peer:%s", peerID)
	default: // DMScopePerChannelPeer
		return targetKey(channel, chatType, peerID)
	}
}

// RenderTitleTemplate substitutes {channel}, {peer}, {chat_type}, and
// {chat_id} placeholders in a session-title template.
func RenderTitleTemplate(template, channel, peerID string, chatType ChatType) string {
	chatTypeName := "dm"
	chatID := peerID
	switch chatType.Kind {
	case ChatGroup:
		chatTypeName = "group"
		chatID = chatType.GroupID
	case ChatThread:
		chatTypeName = "thread"
		chatID = chatType.GroupID
	}

	out := template
	out = strings.ReplaceAll(out, "{channel}", channel)
	out = strings.ReplaceAll(out, "{peer}", peerID)
	out = strings.ReplaceAll(out, "{chat_type}", chatTypeName)
	out = strings.ReplaceAll(out, "{chat_id}", chatID)
	return out
}

// senderName picks a human-readable sender label out of an inbound
// message's channel-specific metadata, falling back through the field
// names each adapter actually populates.
func senderName(metadata map[string]any) (string, bool) {
	for _, key := range []string{"display_name", "sender_name", "username", "discord_username"} {
		if v, ok := metadata[key].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// extractRunOptions reads the optional "gateway_run_options" object a
// caller may attach to an inbound message's metadata.
func extractRunOptions(metadata map[string]any) RunStartOptions {
	var opts RunStartOptions
	raw, ok := metadata["gateway_run_options"].(map[string]any)
	if !ok {
		return opts
	}
	if model, ok := raw["model"].(string); ok {
		if trimmed := strings.TrimSpace(model); trimmed != "" {
			opts.Model = trimmed
		}
	}
	if sandbox, ok := raw["sandbox"].(bool); ok {
		opts.Sandbox = &sandbox
	}
	switch v := raw["timeout"].(type) {
	case int:
		if v > 0 {
			opts.TimeoutSeconds = v
		}
	case float64:
		if v > 0 {
			opts.TimeoutSeconds = int(v)
		}
	}
	return opts
}

// formatBatchedQueueMessages renders a queue-drain batch as a single
// prompt: a single message passes through untouched, multiple messages get
// one "sender: text" line each.
func formatBatchedQueueMessages(queue []QueuedMessage) string {
	if len(queue) == 0 {
		return ""
	}
	if len(queue) == 1 {
		return queue[0].Text
	}
	lines := make([]string, 0, len(queue))
	for _, item := range queue {
		sender, ok := senderName(item.Inbound.Metadata)
		if !ok {
			sender = item.Inbound.PeerID
		}
		lines = append(lines, fmt.Sprintf("%s: %s", sender, strings.TrimSpace(item.Text)))
	}
	return strings.Join(lines, "\n")
}

// latestNonEmptyContext keeps only the most recent non-empty caller-context
// snapshot in a drained queue, discarding older ones so a long queue drain
// never breaches the context-item limit.
func latestNonEmptyContext(queue []QueuedMessage) []CallerContextItem {
	for i := len(queue) - 1; i >= 0; i-- {
		if len(queue[i].Context) > 0 {
			return queue[i].Context
		}
	}
	return nil
}

// mergeDrainedQueue restores a queue after a failed restart, keeping the
// messages that were already drained ahead of whatever arrived since.
func mergeDrainedQueue(drained, existing []QueuedMessage) []QueuedMessage {
	return append(append([]QueuedMessage{}, drained...), existing...)
}

// renderCallerContext folds a list of caller-context items into the single
// string session.StartupInput.CallerContext accepts.
func renderCallerContext(items []CallerContextItem) string {
	if len(items) == 0 {
		return ""
	}
	parts := make([]string, 0, len(items))
	for _, item := range items {
		parts = append(parts, item.Content)
	}
	return strings.Join(parts, "\n\n")
}

// deliveryContextToCallerContext translates a popped notification delivery
// context into the caller-context block a reply run should see.
func deliveryContextToCallerContext(raw json.RawMessage) []CallerContextItem {
	var payload map[string]any
	_ = json.Unmarshal(raw, &payload)

	lines := []string{
		"The user is replying to a previous notification.",
		"--- Watch Context ---",
	}
	if trigger, ok := payload["trigger"].(string); ok && trigger != "" {
		lines = append(lines, "Trigger: "+textutil.TruncateCharsWithEllipsis(trigger, notify.MaxNotificationContextChars))
	}
	if status, ok := payload["status"].(string); ok && status != "" {
		lines = append(lines, "Status: "+textutil.TruncateCharsWithEllipsis(status, notify.MaxNotificationContextChars))
	}
	if summary, ok := payload["summary"].(string); ok && summary != "" {
		lines = append(lines, "Summary: "+textutil.TruncateCharsWithEllipsis(summary, notify.MaxNotificationContextChars))
	}
	if checkOutput, ok := payload["check_output"].(string); ok && checkOutput != "" {
		lines = append(lines, "Check output: "+textutil.TruncateCharsWithEllipsis(checkOutput, notify.MaxNotificationContextChars))
	}
	lines = append(lines, "---")

	return []CallerContextItem{{
		Name:     "watch_delivery_context",
		Content:  strings.Join(lines, "\n\n"),
		Priority: "high",
	}}
}
