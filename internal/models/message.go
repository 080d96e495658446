// Package models provides the shared domain types for sessions, messages,
// runs, schedules, and checkpoints that flow between the core subsystems.
package models

import (
	"encoding/json"
	"time"
)

// ChannelType identifies a chat platform a message arrived on or is bound for.
type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
	ChannelDiscord  ChannelType = "discord"
	ChannelSlack    ChannelType = "slack"
)

// Role identifies the author of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType discriminates the kind of content carried by a MessagePart.
type PartType string

const (
	PartText       PartType = "text"
	PartImageRef   PartType = "image_ref"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
)

// MessagePart is one tagged element of a Message's content. Exactly the
// fields relevant to Type are populated; the rest are zero.
type MessagePart struct {
	Type PartType `json:"type"`

	// Text, for PartText.
	Text string `json:"text,omitempty"`

	// ImageRef, for PartImageRef.
	ImageRef string `json:"image_ref,omitempty"`

	// Tool-call fields, for PartToolCall.
	ToolCallID   string          `json:"tool_call_id,omitempty"`
	ToolName     string          `json:"tool_name,omitempty"`
	ToolArgsJSON json.RawMessage `json:"tool_arguments,omitempty"`

	// Tool-result fields, for PartToolResult.
	ResultForCallID string `json:"result_for_call_id,omitempty"`
	Content         string `json:"content,omitempty"`
}

// Message is one turn in a session's history. Content is either plain text
// (Text non-empty, Parts empty) or an ordered list of typed parts.
type Message struct {
	Role  Role          `json:"role"`
	Text  string        `json:"text,omitempty"`
	Parts []MessagePart `json:"parts,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	// ChannelID is the sending platform's own id for this message (a
	// Telegram/Discord message id), used by adapters that edit, pin, or
	// react to a message they previously sent.
	ChannelID string `json:"channel_id,omitempty"`

	// Attachments carries inbound or outbound media alongside Text. Channel
	// adapters populate this on receipt and consume it on send; nothing in
	// the session/store/gateway path inspects it.
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is one piece of media attached to a channel message.
type Attachment struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ToolCalls extracts every PartToolCall element from the message, in order.
func (m *Message) ToolCalls() []MessagePart {
	var out []MessagePart
	for _, p := range m.Parts {
		if p.Type == PartToolCall {
			out = append(out, p)
		}
	}
	return out
}

// ToolResults extracts every PartToolResult element from the message, in order.
func (m *Message) ToolResults() []MessagePart {
	var out []MessagePart
	for _, p := range m.Parts {
		if p.Type == PartToolResult {
			out = append(out, p)
		}
	}
	return out
}

// IsEmpty reports whether the message carries no visible content at all.
func (m *Message) IsEmpty() bool {
	return m.Text == "" && len(m.Parts) == 0
}
