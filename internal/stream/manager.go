package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/event"
)

// Manager is the registry of stream controllers. Its periodic sweep
// force-closes unhealthy streams and, independently, reaps inactive
// streams past the staleness grace period.
type Manager struct {
	cfg    config.StreamConfig
	bus    *event.Bus
	logger zerolog.Logger

	mu      sync.Mutex
	streams map[string]*Controller

	now func() time.Time
}

// NewManager creates a stream manager.
func NewManager(cfg config.StreamConfig, bus *event.Bus, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		bus:     bus,
		logger:  logger.With().Str("component", "stream").Logger(),
		streams: make(map[string]*Controller),
		now:     time.Now,
	}
}

// Open registers a new controller for the request. Each admitted
// request gets exactly one stream; a duplicate request ID is an error.
func (m *Manager) Open(requestID, sessionID string, transport Transport) (*Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.streams[requestID]; ok && existing.IsActive() {
		return nil, fmt.Errorf("stream already open for request %s", requestID)
	}

	c := newController(requestID, sessionID, transport, m.cfg, m.now)
	m.streams[requestID] = c

	m.bus.Publish(event.Event{
		Type: event.StreamOpened,
		Data: event.StreamOpenedData{RequestID: requestID, SessionID: sessionID},
	})
	return c, nil
}

// Get returns the controller for a request, if registered.
func (m *Manager) Get(requestID string) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.streams[requestID]
	return c, ok
}

// Close closes the stream for a request and publishes its final counters.
func (m *Manager) Close(requestID, reason string) {
	m.mu.Lock()
	c, ok := m.streams[requestID]
	m.mu.Unlock()
	if !ok || !c.IsActive() {
		return
	}

	c.Close(reason)
	snap := c.Snapshot()
	m.bus.Publish(event.Event{
		Type: event.StreamClosed,
		Data: event.StreamClosedData{
			RequestID: requestID,
			Messages:  snap.MessagesStreamed,
			Bytes:     snap.TotalBytes,
			Reason:    reason,
		},
	})
}

// ActiveCount returns the number of open streams.
func (m *Manager) ActiveCount() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, c := range m.streams {
		if c.IsActive() {
			n++
		}
	}
	return n
}

// Sessions returns a snapshot of every registered stream.
func (m *Manager) Sessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions := make([]Session, 0, len(m.streams))
	for _, c := range m.streams {
		sessions = append(sessions, c.Snapshot())
	}
	return sessions
}

// Sweep runs one pass over the registry: unhealthy active streams are
// force-closed, stale inactive streams are dropped.
func (m *Manager) Sweep() {
	m.mu.Lock()
	controllers := make(map[string]*Controller, len(m.streams))
	for id, c := range m.streams {
		controllers[id] = c
	}
	m.mu.Unlock()

	for id, c := range controllers {
		if violation := c.healthViolation(); violation != "" {
			m.logger.Warn().
				Str("requestID", id).
				Str("violation", violation).
				Msg("closing unhealthy stream")
			m.Close(id, "unhealthy: "+violation)
			m.bus.Publish(event.Event{
				Type: event.StreamUnhealthy,
				Data: event.StreamUnhealthyData{RequestID: id, Violation: violation},
			})
			continue
		}
		if c.stale() {
			m.mu.Lock()
			delete(m.streams, id)
			m.mu.Unlock()
			m.logger.Debug().Str("requestID", id).Msg("reaped stale stream")
		}
	}
}

// Run sweeps periodically until the context is canceled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
