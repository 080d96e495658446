package session

import "github.com/nexuscore/autopilot/internal/models"

// ApprovalMode is the closed set of built-in tool-call approval policies
// (Section 4.F: "allow_all, deny_all, allowlist(set)").
type ApprovalMode string

const (
	ApprovalAllowAll  ApprovalMode = "allow_all"
	ApprovalDenyAll   ApprovalMode = "deny_all"
	ApprovalAllowlist ApprovalMode = "allowlist"
)

// ApprovalPolicy decides, per proposed tool call, whether it may execute.
type ApprovalPolicy struct {
	Mode      ApprovalMode
	Allowlist map[string]bool
}

// Decide returns true if toolCall may run under this policy.
func (p ApprovalPolicy) Decide(toolCall models.MessagePart) bool {
	switch p.Mode {
	case ApprovalAllowAll:
		return true
	case ApprovalDenyAll:
		return false
	case ApprovalAllowlist:
		return p.Allowlist[toolCall.ToolName]
	default:
		return false
	}
}

// ExternalApprover lets the Gateway Dispatcher pause a run awaiting
// out-of-band decisions rather than resolve them locally.
type ExternalApprover interface {
	// Approve blocks until decisions are available for the proposed tool
	// calls, or ctx is cancelled.
	Approve(toolCalls []models.MessagePart) (decisions map[string]bool, err error)
}
