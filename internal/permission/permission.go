// Package permission turns tool invocations into approve/deny decisions.
//
// The manager composes the risk classifier, a TTL cache of prior
// grants, and the escalating approval protocol that drives one prompt
// through its timeout stages against the operator's approval channel.
package permission

import (
	"encoding/json"
	"time"

	"github.com/toolgate/toolgate/internal/risk"
)

// Option identifiers offered to the operator.
const (
	OptionAllowOnce    = "allow_once"
	OptionAllowAlways  = "allow_always"
	OptionDeny         = "deny"
	OptionAutoAccept   = "auto_accept"
	OptionReviewAccept = "review_accept"
	OptionEditPlan     = "edit_plan"
	OptionReject       = "reject"
)

// toolOptions is the option set for MEDIUM and HIGH tier prompts.
var toolOptions = map[string]string{
	OptionAllowOnce:   "Allow once",
	OptionAllowAlways: "Always allow for this session",
	OptionDeny:        "Deny",
}

// planOptions is the option set for plan review.
var planOptions = map[string]string{
	OptionAutoAccept:   "Accept and auto-approve edits",
	OptionReviewAccept: "Accept plan",
	OptionEditPlan:     "Edit plan",
	OptionReject:       "Reject plan",
}

// ToolInvocation is one tool-use step awaiting a decision. Immutable;
// consumed once by Decide.
type ToolInvocation struct {
	ToolName   string          `json:"toolName"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	RequestID  string          `json:"requestID"`
	SessionID  string          `json:"sessionID"`
	Tier       risk.Tier       `json:"riskTier"`
}

// Decision is the outcome of a permission check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	// UpdatedParameters replaces the invocation's parameters when the
	// operator edited them (plan editing). Nil means unchanged.
	UpdatedParameters json.RawMessage `json:"updatedParameters,omitempty"`
}

// PromptStatus tracks a prompt's lifecycle.
type PromptStatus string

const (
	StatusPending  PromptStatus = "pending"
	StatusAnswered PromptStatus = "answered"
	StatusTimeout  PromptStatus = "timeout"
	StatusAborted  PromptStatus = "aborted"
)

// Prompt is one outstanding permission request. Only status mutates
// after creation.
type Prompt struct {
	PromptID  string            `json:"promptID"`
	SessionID string            `json:"sessionID"`
	RequestID string            `json:"requestID"`
	ToolName  string            `json:"toolName"`
	RiskTier  risk.Tier         `json:"riskTier"`
	Options   map[string]string `json:"options"`
	CreatedAt time.Time         `json:"createdAt"`
	Status    PromptStatus      `json:"status"`
}

// escalationType maps an elapsed stage index to its severity label.
func escalationType(stage int) string {
	switch stage {
	case 0:
		return "reminder"
	case 1:
		return "urgent"
	default:
		return "critical"
	}
}
