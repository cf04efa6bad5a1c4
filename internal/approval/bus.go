package approval

import (
	"context"

	"github.com/toolgate/toolgate/internal/event"
	"github.com/toolgate/toolgate/pkg/types"
)

// BusChannel delivers prompts over the event bus. SSE subscribers on
// /event see them; replies arrive through the permission reply endpoint.
type BusChannel struct {
	bus *event.Bus
}

// NewBusChannel creates a bus-backed approval channel.
func NewBusChannel(bus *event.Bus) *BusChannel {
	return &BusChannel{bus: bus}
}

// Request publishes the prompt.
func (c *BusChannel) Request(ctx context.Context, prompt types.PermissionPromptInfo) error {
	c.bus.Publish(event.Event{
		Type: event.PermissionAsked,
		Data: event.PermissionAskedData{
			PromptID:  prompt.PromptID,
			SessionID: prompt.SessionID,
			ToolName:  prompt.ToolName,
			RiskTier:  prompt.RiskTier,
			Options:   prompt.Options,
			Title:     prompt.Title,
			CreatedAt: prompt.CreatedAt,
		},
	})
	return nil
}

// Notify publishes an escalation event.
func (c *BusChannel) Notify(ctx context.Context, promptID, sessionID string, stage int, escalationType string) {
	c.bus.Publish(event.Event{
		Type: event.PermissionEscalated,
		Data: event.PermissionEscalatedData{
			PromptID:       promptID,
			SessionID:      sessionID,
			Stage:          stage,
			EscalationType: escalationType,
		},
	})
}
