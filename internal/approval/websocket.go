package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/toolgate/toolgate/pkg/types"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsDialTimeout  = 10 * time.Second
)

// wsMessage is the envelope for both directions of the websocket.
type wsMessage struct {
	Type   string                      `json:"type"`
	Prompt *types.PermissionPromptInfo `json:"prompt,omitempty"`
	Reply  *types.PermissionReply      `json:"reply,omitempty"`

	PromptID       string `json:"promptID,omitempty"`
	SessionID      string `json:"sessionID,omitempty"`
	Stage          int    `json:"stage,omitempty"`
	EscalationType string `json:"escalationType,omitempty"`
}

// WSChannel is a websocket-backed approval channel. Outbound frames
// carry prompts and escalations; inbound frames carry operator replies,
// which are routed to the Resolver.
type WSChannel struct {
	url      string
	resolver Resolver
	logger   zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSChannel creates a websocket approval channel. Start must be
// called before prompts are sent.
func NewWSChannel(url string, resolver Resolver, logger zerolog.Logger) *WSChannel {
	return &WSChannel{
		url:      url,
		resolver: resolver,
		logger:   logger.With().Str("component", "approval-ws").Logger(),
	}
}

// Start dials the operator endpoint and begins the read loop. The
// connection closes when ctx is canceled.
func (c *WSChannel) Start(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: wsDialTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("approval: dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go c.readLoop(conn)
	return nil
}

// readLoop routes operator replies to the resolver until the connection
// drops.
func (c *WSChannel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.logger.Warn().Err(err).Msg("approval websocket closed")
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("discarding malformed approval frame")
			continue
		}
		if msg.Type != "permission.reply" || msg.Reply == nil {
			continue
		}
		c.resolver.Resolve(*msg.Reply)
	}
}

// write sends one frame under the write lock gorilla requires.
func (c *WSChannel) write(msg wsMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("approval: websocket not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(msg)
}

// Request sends the prompt to the operator.
func (c *WSChannel) Request(ctx context.Context, prompt types.PermissionPromptInfo) error {
	return c.write(wsMessage{Type: "permission.request", Prompt: &prompt})
}

// Notify sends an escalation frame. Failures are logged and dropped so
// the escalation timer keeps running.
func (c *WSChannel) Notify(ctx context.Context, promptID, sessionID string, stage int, escalationType string) {
	err := c.write(wsMessage{
		Type:           "permission.escalation",
		PromptID:       promptID,
		SessionID:      sessionID,
		Stage:          stage,
		EscalationType: escalationType,
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("promptID", promptID).Msg("escalation notify failed")
	}
}
