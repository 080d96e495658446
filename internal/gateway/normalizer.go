package gateway

import (
	"fmt"
	"time"

	"github.com/nexuscore/autopilot/internal/errs"
	"github.com/nexuscore/autopilot/internal/models"
)

// Normalize converts one adapter's *models.Message into the channel-
// agnostic InboundMessage the dispatcher routes on, reading the metadata
// keys that channel's adapter actually populates.
func Normalize(channel models.ChannelType, msg *models.Message) (InboundMessage, error) {
	md := msg.Metadata
	if md == nil {
		md = map[string]any{}
	}

	switch channel {
	case models.ChannelTelegram:
		return normalizeTelegram(md, msg), nil
	case models.ChannelDiscord:
		return normalizeDiscord(md, msg), nil
	case models.ChannelSlack:
		return normalizeSlack(md, msg), nil
	default:
		return InboundMessage{}, &errs.ValidationError{Field: "channel", Msg: fmt.Sprintf("unsupported channel %q", channel)}
	}
}

func normalizeTelegram(md map[string]any, msg *models.Message) InboundMessage {
	chatID := stringOf(md["chat_id"])
	peerID := stringOf(md["user_id"])
	if peerID == "" {
		peerID = chatID
	}
	threadID := stringOf(md["message_thread_id"])

	chatType := ChatType{Kind: ChatDirect}
	if conv, _ := md["conversation_type"].(string); conv != "dm" {
		if threadID != "" {
			chatType = ChatType{Kind: ChatThread, GroupID: chatID, ThreadID: threadID}
		} else {
			chatType = ChatType{Kind: ChatGroup, GroupID: chatID}
		}
	}

	return InboundMessage{
		Channel:   models.ChannelTelegram,
		PeerID:    peerID,
		ChatType:  chatType,
		Text:      msg.Text,
		Metadata:  md,
		Timestamp: createdAtOrNow(msg),
	}
}

func normalizeDiscord(md map[string]any, msg *models.Message) InboundMessage {
	channelID := stringOf(md["discord_channel_id"])
	peerID := stringOf(md["discord_user_id"])
	threadID := stringOf(md["discord_thread_id"])

	chatType := ChatType{Kind: ChatGroup, GroupID: channelID}
	if threadID != "" {
		groupID := channelID
		if parent := stringOf(md["discord_parent_id"]); parent != "" {
			groupID = parent
		}
		chatType = ChatType{Kind: ChatThread, GroupID: groupID, ThreadID: threadID}
	}

	return InboundMessage{
		Channel:   models.ChannelDiscord,
		PeerID:    peerID,
		ChatType:  chatType,
		Text:      msg.Text,
		Metadata:  md,
		Timestamp: createdAtOrNow(msg),
	}
}

func normalizeSlack(md map[string]any, msg *models.Message) InboundMessage {
	channel := stringOf(md["slack_channel"])
	peerID := stringOf(md["slack_user_id"])
	threadTS := stringOf(md["slack_thread_ts"])

	chatType := ChatType{Kind: ChatGroup, GroupID: channel}
	if threadTS != "" {
		chatType = ChatType{Kind: ChatThread, GroupID: channel, ThreadID: threadTS}
	}

	return InboundMessage{
		Channel:   models.ChannelSlack,
		PeerID:    peerID,
		ChatType:  chatType,
		Text:      msg.Text,
		Metadata:  md,
		Timestamp: createdAtOrNow(msg),
	}
}

func createdAtOrNow(msg *models.Message) time.Time {
	if msg.CreatedAt.IsZero() {
		return time.Now()
	}
	return msg.CreatedAt
}

func stringOf(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
