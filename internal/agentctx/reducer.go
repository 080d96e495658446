// Package agentctx keeps the message list sent to the inference endpoint
// under the model's context budget without breaking prompt caching across
// turns: it estimates token cost deterministically (no tokenizer call),
// preprocesses the list, and trims the oldest eligible content only as far
// forward as the budget requires, recording a monotonic boundary so the
// same prefix stays trimmed turn over turn.
package agentctx

import (
	"math"

	"github.com/nexuscore/autopilot/internal/models"
)

const trimmedPlaceholder = "[trimmed]"

const (
	bytesPerToken     = 3.5
	toolCallOverhead  = 30
	toolResultOverhead = 30
	imagePartTokens   = 2000
	perPartOverhead   = 3
	perMessageOverhead = 8
	safetyMultiplier  = 1.05
	trimTargetFactor  = 0.75
)

// ModelLimits describes the inference endpoint's context budget.
type ModelLimits struct {
	ContextTokens   int
	MaxOutputTokens int
}

// Config is the Context Reducer's tunable policy.
type Config struct {
	KeepLastNAssistant int
	BudgetThreshold    float64 // θ ∈ (0,1]
}

// ToolSchema is one tool exposed to the model, contributing fixed overhead
// to the budget regardless of whether it is called this turn.
type ToolSchema struct {
	Name        string
	Description string
	SchemaBytes int
}

// Result is the outcome of one Reduce call.
type Result struct {
	Messages              []*models.Message
	TrimmedUpToIndex      int
	TotalTokens           int
	Unchanged             bool
}

func tokensForText(text string) int {
	if text == "" {
		return 0
	}
	return int(math.Ceil(float64(len(text)) / bytesPerToken))
}

func tokensForPart(p models.MessagePart) int {
	var base int
	switch p.Type {
	case models.PartText:
		base = tokensForText(p.Text)
	case models.PartToolCall:
		base = tokensForText(p.ToolName) + tokensForText(string(p.ToolArgsJSON)) + toolCallOverhead
	case models.PartToolResult:
		base = tokensForText(p.Content) + toolResultOverhead
	case models.PartImageRef:
		base = imagePartTokens
	}
	return base + perPartOverhead
}

func tokensForMessage(m *models.Message) int {
	total := perMessageOverhead
	if m.Text != "" {
		total += tokensForText(m.Text)
	}
	for _, p := range m.Parts {
		total += tokensForPart(p)
	}
	return total
}

// ToolOverheadTokens computes the fixed per-turn cost of exposing tools,
// independent of whether any are called.
func ToolOverheadTokens(tools []ToolSchema) int {
	var total int
	for _, t := range tools {
		nameDescSchema := len(t.Name) + len(t.Description) + t.SchemaBytes
		total += int(math.Ceil(1.2*float64(nameDescSchema)/bytesPerToken)) + 8
	}
	return total
}

func totalTokens(messages []*models.Message) int {
	var total int
	for _, m := range messages {
		total += tokensForMessage(m)
	}
	return total
}

// Preprocess applies the four mandatory, order-sensitive passes: merge
// consecutive same-role messages, deduplicate tool-results (keep latest
// per tool_call_id), strip dangling tool-calls, and remove orphaned
// tool-results. It never mutates the input slice's messages in place.
func Preprocess(messages []*models.Message) []*models.Message {
	merged := mergeConsecutiveSameRole(messages)
	deduped := dedupeToolResults(merged)
	stripped := stripDanglingToolCalls(deduped)
	return removeOrphanedToolResults(stripped)
}

func mergeConsecutiveSameRole(messages []*models.Message) []*models.Message {
	if len(messages) == 0 {
		return nil
	}
	out := make([]*models.Message, 0, len(messages))
	cur := cloneMessage(messages[0])
	out = append(out, cur)
	for _, m := range messages[1:] {
		if m.Role == cur.Role {
			if m.Text != "" {
				if cur.Text != "" {
					cur.Text += "\n" + m.Text
				} else {
					cur.Text = m.Text
				}
			}
			cur.Parts = append(cur.Parts, m.Parts...)
			continue
		}
		cur = cloneMessage(m)
		out = append(out, cur)
	}
	return out
}

func dedupeToolResults(messages []*models.Message) []*models.Message {
	latestIdx := make(map[string]int)
	type loc struct{ msgIdx, partIdx int }
	locations := make(map[string]loc)

	for mi, m := range messages {
		for pi, p := range m.Parts {
			if p.Type != models.PartToolResult {
				continue
			}
			latestIdx[p.ResultForCallID] = mi
			locations[p.ResultForCallID] = loc{mi, pi}
		}
	}

	out := make([]*models.Message, len(messages))
	for i, m := range messages {
		out[i] = cloneMessage(m)
	}
	for i, m := range out {
		var kept []models.MessagePart
		for pi, p := range m.Parts {
			if p.Type == models.PartToolResult {
				loc := locations[p.ResultForCallID]
				if loc.msgIdx != i || loc.partIdx != pi {
					continue
				}
			}
			kept = append(kept, p)
		}
		m.Parts = kept
	}
	return out
}

func stripDanglingToolCalls(messages []*models.Message) []*models.Message {
	resultFor := make(map[string]bool)
	for _, m := range messages {
		for _, p := range m.Parts {
			if p.Type == models.PartToolResult {
				resultFor[p.ResultForCallID] = true
			}
		}
	}
	out := make([]*models.Message, len(messages))
	for i, m := range messages {
		out[i] = cloneMessage(m)
		var kept []models.MessagePart
		for _, p := range m.Parts {
			if p.Type == models.PartToolCall && !resultFor[p.ToolCallID] {
				continue
			}
			kept = append(kept, p)
		}
		out[i].Parts = kept
	}
	return out
}

func removeOrphanedToolResults(messages []*models.Message) []*models.Message {
	callExists := make(map[string]bool)
	for _, m := range messages {
		for _, p := range m.Parts {
			if p.Type == models.PartToolCall {
				callExists[p.ToolCallID] = true
			}
		}
	}
	out := make([]*models.Message, len(messages))
	for i, m := range messages {
		out[i] = cloneMessage(m)
		var kept []models.MessagePart
		for _, p := range m.Parts {
			if p.Type == models.PartToolResult && !callExists[p.ResultForCallID] {
				continue
			}
			kept = append(kept, p)
		}
		out[i].Parts = kept
	}
	return out
}

func cloneMessage(m *models.Message) *models.Message {
	clone := *m
	clone.Parts = append([]models.MessagePart(nil), m.Parts...)
	return &clone
}

// Reduce runs preprocessing then, if necessary, trims the message list to
// fit the configured budget. prevTrimmedUpToIndex is the boundary recorded
// on the previous turn's envelope metadata (0 if none).
func Reduce(messages []*models.Message, limits ModelLimits, cfg Config, tools []ToolSchema, prevTrimmedUpToIndex int) Result {
	processed := Preprocess(messages)
	if len(processed) == 0 {
		return Result{Messages: nil, TrimmedUpToIndex: 0, TotalTokens: 0, Unchanged: true}
	}

	available := limits.ContextTokens - limits.MaxOutputTokens
	threshold := float64(available) * cfg.BudgetThreshold
	trimTarget := threshold * trimTargetFactor

	toolOverhead := ToolOverheadTokens(tools)

	reapplied, _ := applyTrimBoundary(processed, prevTrimmedUpToIndex)
	safeTokens := float64(totalTokens(reapplied)) * safetyMultiplier

	if prevTrimmedUpToIndex == 0 && safeTokens+float64(toolOverhead) <= threshold {
		return Result{Messages: reapplied, TrimmedUpToIndex: 0, TotalTokens: int(safeTokens), Unchanged: true}
	}

	if safeTokens+float64(toolOverhead) <= threshold {
		return Result{Messages: reapplied, TrimmedUpToIndex: prevTrimmedUpToIndex, TotalTokens: int(safeTokens), Unchanged: false}
	}

	keepBoundary := keepLastNAssistantBoundary(reapplied, cfg.KeepLastNAssistant)

	computedEnd := prevTrimmedUpToIndex
	trimmed := reapplied
	for computedEnd < keepBoundary {
		trimmed = trimAt(trimmed, computedEnd)
		computedEnd++
		tokens := float64(totalTokens(trimmed))*safetyMultiplier + float64(toolOverhead)
		if tokens <= trimTarget {
			break
		}
	}

	effectiveEnd := computedEnd
	if prevTrimmedUpToIndex > effectiveEnd {
		effectiveEnd = prevTrimmedUpToIndex
	}

	final := totalTokens(trimmed)
	return Result{
		Messages:         trimmed,
		TrimmedUpToIndex: effectiveEnd,
		TotalTokens:      final,
		Unchanged:        false,
	}
}

// applyTrimBoundary re-trims every message up to (exclusive of) boundary
// that is eligible (assistant or tool role), preserving stability across
// turns: a message that was already trimmed stays trimmed.
func applyTrimBoundary(messages []*models.Message, boundary int) ([]*models.Message, int) {
	if boundary <= 0 {
		return cloneAll(messages), boundary
	}
	out := cloneAll(messages)
	end := boundary
	if end > len(out) {
		end = len(out)
	}
	for i := 0; i < end; i++ {
		out[i] = trimMessage(out[i])
	}
	return out, boundary
}

func cloneAll(messages []*models.Message) []*models.Message {
	out := make([]*models.Message, len(messages))
	for i, m := range messages {
		out[i] = cloneMessage(m)
	}
	return out
}

// keepLastNAssistantBoundary returns the message index before which
// messages are trim candidates: everything up to (and not including) the
// Nth-from-last assistant message. keepLastN=0 makes every assistant
// message (and everything before the first kept one) a candidate, i.e.
// the boundary is the end of the list.
func keepLastNAssistantBoundary(messages []*models.Message, keepLastN int) int {
	if keepLastN <= 0 {
		return len(messages)
	}
	kept := 0
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleAssistant {
			kept++
			if kept == keepLastN {
				return i
			}
		}
	}
	return 0
}

// trimAt replaces message i's trimmable content, if i is an assistant or
// tool message, and returns the (possibly) modified slice. System and user
// messages are left untouched.
func trimAt(messages []*models.Message, i int) []*models.Message {
	if i < 0 || i >= len(messages) {
		return messages
	}
	out := cloneAll(messages)
	out[i] = trimMessage(out[i])
	return out
}

func trimMessage(m *models.Message) *models.Message {
	if m.Role != models.RoleAssistant && m.Role != models.RoleTool {
		return m
	}
	clone := cloneMessage(m)
	if clone.Text != "" {
		clone.Text = trimmedPlaceholder
	}
	for i := range clone.Parts {
		switch clone.Parts[i].Type {
		case models.PartText:
			clone.Parts[i].Text = trimmedPlaceholder
		case models.PartToolResult:
			clone.Parts[i].Content = trimmedPlaceholder
		}
	}
	return clone
}
