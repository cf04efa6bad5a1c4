// Package risk classifies tool invocations into risk tiers.
//
// Classification is a pure function of the tool name and, for shell
// tools, the parsed command. The tier decides whether the bridge
// auto-allows the call, prompts the operator, or routes it through the
// long-lived plan-review flow.
package risk

import "strings"

// Tier is the coarse risk classification of a tool invocation.
type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
	TierPlan   Tier = "plan"
)

// PlanToolName is the designated tool through which the agent submits an
// implementation plan for operator review.
const PlanToolName = "submit_plan"

// mutatingTools perform side effects on the host and always require
// operator confirmation.
var mutatingTools = map[string]bool{
	"bash":      true,
	"write":     true,
	"edit":      true,
	"multiedit": true,
	"patch":     true,
}

// moderateTools reach outside the workspace but are not directly
// destructive.
var moderateTools = map[string]bool{
	"webfetch":      true,
	"websearch":     true,
	"notebook_edit": true,
}

// safeTools are read-only and side-effect free. They auto-allow at LOW
// tier and they are the only tools the escalation default policy will
// allow when every timeout stage elapses unanswered.
var safeTools = map[string]bool{
	"read":      true,
	"ls":        true,
	"glob":      true,
	"grep":      true,
	"todoread":  true,
	"todowrite": true,
}

// Classify maps a tool name to its risk tier. Unknown tools and
// third-party integrations ("mcp__server__tool") classify as MEDIUM,
// never LOW, because their side effects are unverifiable.
func Classify(toolName string) Tier {
	name := strings.ToLower(strings.TrimSpace(toolName))

	switch {
	case name == strings.ToLower(PlanToolName):
		return TierPlan
	case mutatingTools[name]:
		return TierHigh
	case moderateTools[name]:
		return TierMedium
	case safeTools[name]:
		return TierLow
	default:
		return TierMedium
	}
}

// IsSafe reports whether the tool is on the read-only allow-list the
// escalation timeout policy consults.
func IsSafe(toolName string) bool {
	return safeTools[strings.ToLower(strings.TrimSpace(toolName))]
}

// RequiresPrompt reports whether the tier needs an operator decision
// before the invocation may proceed.
func RequiresPrompt(t Tier) bool {
	return t == TierMedium || t == TierHigh || t == TierPlan
}
