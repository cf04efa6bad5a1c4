// Package stream manages per-request response streams: buffering,
// liveness accounting, health checks, and the background sweep that
// closes streams which stop making progress.
package stream

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/pkg/types"
)

// Transport receives encoded stream events, typically an SSE writer.
type Transport interface {
	Send(event types.StreamEvent) error
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(event types.StreamEvent) error

// Send implements Transport.
func (f TransportFunc) Send(event types.StreamEvent) error {
	return f(event)
}

// Session is a snapshot of a stream's liveness counters.
type Session struct {
	RequestID        string    `json:"requestID"`
	SessionID        string    `json:"sessionID"`
	MessagesStreamed int64     `json:"messagesStreamed"`
	TotalBytes       int64     `json:"totalBytes"`
	StartedAt        time.Time `json:"startedAt"`
	LastMessageAt    time.Time `json:"lastMessageAt"`
	ErrorCount       int64     `json:"errorCount"`
	IsActive         bool      `json:"isActive"`
}

// Controller owns one outbound event stream for an admitted request.
type Controller struct {
	requestID string
	sessionID string
	transport Transport
	cfg       config.StreamConfig

	mu            sync.Mutex
	active        bool
	messages      int64
	totalBytes    int64
	errorCount    int64
	startedAt     time.Time
	lastMessageAt time.Time
	closedAt      time.Time
	closeReason   string

	now func() time.Time
}

// newController is called by the Manager; streams are never created
// outside the registry.
func newController(requestID, sessionID string, transport Transport, cfg config.StreamConfig, now func() time.Time) *Controller {
	started := now()
	return &Controller{
		requestID:     requestID,
		sessionID:     sessionID,
		transport:     transport,
		cfg:           cfg,
		active:        true,
		startedAt:     started,
		lastMessageAt: started,
		now:           now,
	}
}

// Send forwards an event to the transport and updates liveness
// counters. It returns false, without error, when the stream is already
// closed so callers can treat a dead stream as a no-op.
func (c *Controller) Send(event types.StreamEvent) bool {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return false
	}

	size := int64(0)
	if data, err := json.Marshal(event); err == nil {
		size = int64(len(data))
	}
	c.messages++
	c.totalBytes += size
	c.lastMessageAt = c.now()
	transport := c.transport
	c.mu.Unlock()

	if err := transport.Send(event); err != nil {
		c.mu.Lock()
		c.errorCount++
		c.mu.Unlock()
	}
	return true
}

// Close marks the stream inactive. Idempotent; only the first reason is
// kept.
func (c *Controller) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return
	}
	c.active = false
	c.closedAt = c.now()
	c.closeReason = reason
}

// IsActive reports whether the stream is still open.
func (c *Controller) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Snapshot returns the current liveness counters.
func (c *Controller) Snapshot() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Session{
		RequestID:        c.requestID,
		SessionID:        c.sessionID,
		MessagesStreamed: c.messages,
		TotalBytes:       c.totalBytes,
		StartedAt:        c.startedAt,
		LastMessageAt:    c.lastMessageAt,
		ErrorCount:       c.errorCount,
		IsActive:         c.active,
	}
}

// healthViolation reports why an active stream is unhealthy, or "" when
// it is fine. The three conditions are independent: total age past the
// hard ceiling, idle past the idle ceiling, or an error rate above the
// configured percentage.
func (c *Controller) healthViolation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return ""
	}

	now := c.now()
	if age := now.Sub(c.startedAt); age > c.cfg.HardCeiling.Std() {
		return fmt.Sprintf("active %s, ceiling %s", age.Round(time.Second), c.cfg.HardCeiling.Std())
	}
	if idle := now.Sub(c.lastMessageAt); idle > c.cfg.IdleCeiling.Std() {
		return fmt.Sprintf("idle %s, ceiling %s", idle.Round(time.Second), c.cfg.IdleCeiling.Std())
	}
	if c.messages > 0 {
		rate := float64(c.errorCount) / float64(c.messages) * 100
		if rate > c.cfg.MaxErrorRatePercent {
			return fmt.Sprintf("error rate %.1f%% over %.1f%%", rate, c.cfg.MaxErrorRatePercent)
		}
	}
	return ""
}

// stale reports whether an inactive stream has outlived the grace
// period and can be reaped from the registry.
func (c *Controller) stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.active && c.now().Sub(c.closedAt) > c.cfg.StaleGrace.Std()
}
