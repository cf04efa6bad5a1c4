// Package approval abstracts the channel through which permission
// prompts reach the human operator and decisions come back.
//
// Two implementations exist: BusChannel publishes prompts on the event
// bus for SSE consumers and receives replies through the HTTP reply
// endpoint, and WSChannel speaks a bidirectional websocket. The
// composition boundary in cmd picks one; the permission manager never
// knows which.
package approval

import (
	"context"

	"github.com/toolgate/toolgate/pkg/types"
)

// Channel delivers prompts and escalation notifications to the operator.
type Channel interface {
	// Request delivers a new permission prompt. An error here makes the
	// permission manager fall back to its conservative default.
	Request(ctx context.Context, prompt types.PermissionPromptInfo) error

	// Notify sends an escalation notification for a pending prompt.
	// Fire-and-forget: delivery failure must never block the
	// escalation timers, so no error is returned.
	Notify(ctx context.Context, promptID, sessionID string, stage int, escalationType string)
}

// Resolver accepts operator replies. The permission manager implements
// it; channel implementations call it when a decision arrives.
type Resolver interface {
	// Resolve routes a reply to its pending prompt. Replies for
	// unknown prompt IDs are ignored, not errored.
	Resolve(reply types.PermissionReply)
}
