// Package agent connects the bridge to the external agent execution
// engine. The engine runs as a subprocess speaking newline-delimited
// JSON frames on stdin/stdout; turns are multiplexed by request ID.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/rs/zerolog"

	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/pkg/types"
)

// Frame types on the engine wire.
const (
	frameTurnStart    = "turn.start"
	frameToolDecision = "tool.decision"
	frameStep         = "step"
	frameTurnEnd      = "turn.end"
	frameTurnError    = "turn.error"
)

// frame is one NDJSON message on the engine pipe.
type frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestID,omitempty"`
	Turn      *turnStart      `json:"turn,omitempty"`
	Step      *types.Step     `json:"step,omitempty"`
	Decision  *toolDecision   `json:"decision,omitempty"`
	Message   string          `json:"message,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

type turnStart struct {
	RequestID        string          `json:"requestID"`
	SessionID        string          `json:"sessionID"`
	Message          string          `json:"message"`
	AllowedTools     []string        `json:"allowedTools,omitempty"`
	WorkingDirectory string          `json:"workingDirectory,omitempty"`
	PermissionMode   string          `json:"permissionMode,omitempty"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
}

type toolDecision struct {
	Allowed    bool            `json:"allowed"`
	Reason     string          `json:"reason,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// Engine owns the agent subprocess and multiplexes turns over it.
type Engine struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	logger zerolog.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	turns  map[string]chan frame
	closed bool
}

// Start spawns the engine process and begins reading frames. The
// process inherits the bridge environment plus cfg.Env.
func Start(ctx context.Context, cfg config.AgentConfig, logger zerolog.Logger) (*Engine, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("agent: empty engine command")
	}

	cmd := exec.CommandContext(ctx, cfg.Command[0], cfg.Command[1:]...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("agent: start engine: %w", err)
	}

	e := newEngine(stdin, stdout, logger)
	e.cmd = cmd
	return e, nil
}

// newEngine wires an engine around raw pipes. Start uses it with the
// subprocess pipes; tests drive it directly.
func newEngine(stdin io.WriteCloser, stdout io.Reader, logger zerolog.Logger) *Engine {
	e := &Engine{
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		logger: logger.With().Str("component", "agent").Logger(),
		turns:  make(map[string]chan frame),
	}
	go e.readLoop()
	return e
}

// readLoop routes incoming frames to their turn. It exits when the
// engine closes its stdout, failing every in-flight turn.
func (e *Engine) readLoop() {
	for {
		line, err := e.stdout.ReadBytes('\n')
		if err != nil {
			e.mu.Lock()
			e.closed = true
			for _, ch := range e.turns {
				close(ch)
			}
			e.turns = make(map[string]chan frame)
			e.mu.Unlock()
			return
		}

		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			e.logger.Warn().Err(err).Msg("engine sent invalid frame")
			continue
		}

		e.mu.Lock()
		ch, ok := e.turns[f.RequestID]
		e.mu.Unlock()
		if !ok {
			continue
		}

		// Never let one stalled turn block routing for the rest; an
		// aborted turn stops reading while the engine is still
		// flushing its steps.
		select {
		case ch <- f:
		default:
			e.logger.Warn().
				Str("requestID", f.RequestID).
				Str("frameType", f.Type).
				Msg("turn not consuming frames, dropped")
		}
		if f.Type == frameTurnEnd || f.Type == frameTurnError {
			e.mu.Lock()
			delete(e.turns, f.RequestID)
			e.mu.Unlock()
		}
	}
}

// StartTurn registers the turn and tells the engine to begin it.
func (e *Engine) StartTurn(ctx context.Context, req types.ExecuteRequest) (*Turn, error) {
	ch := make(chan frame, 16)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, fmt.Errorf("agent: engine exited")
	}
	if _, dup := e.turns[req.RequestID]; dup {
		e.mu.Unlock()
		return nil, fmt.Errorf("agent: turn %s already running", req.RequestID)
	}
	e.turns[req.RequestID] = ch
	e.mu.Unlock()

	err := e.write(frame{
		Type:      frameTurnStart,
		RequestID: req.RequestID,
		Turn: &turnStart{
			RequestID:        req.RequestID,
			SessionID:        req.SessionID,
			Message:          req.Message,
			AllowedTools:     req.AllowedTools,
			WorkingDirectory: req.WorkingDirectory,
			PermissionMode:   req.PermissionMode,
			Metadata:         req.Metadata,
		},
	})
	if err != nil {
		e.mu.Lock()
		delete(e.turns, req.RequestID)
		e.mu.Unlock()
		return nil, err
	}

	return &Turn{engine: e, requestID: req.RequestID, frames: ch}, nil
}

// write sends one frame to the engine.
func (e *Engine) write(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if _, err := e.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("agent: write to engine: %w", err)
	}
	return nil
}

// Close stops the engine process.
func (e *Engine) Close() error {
	e.stdin.Close()
	if e.cmd != nil && e.cmd.Process != nil {
		return e.cmd.Process.Kill()
	}
	return nil
}

// Turn is one in-flight agent turn.
type Turn struct {
	engine    *Engine
	requestID string
	frames    chan frame
}

// Next returns the next step of the turn.
func (t *Turn) Next(ctx context.Context) (types.Step, error) {
	for {
		select {
		case <-ctx.Done():
			return types.Step{}, ctx.Err()
		case f, ok := <-t.frames:
			if !ok {
				return types.Step{}, fmt.Errorf("agent: engine exited mid-turn")
			}
			switch f.Type {
			case frameStep:
				if f.Step == nil {
					continue
				}
				return *f.Step, nil
			case frameTurnEnd:
				return types.Step{}, io.EOF
			case frameTurnError:
				return types.Step{}, fmt.Errorf("agent: %s", f.Message)
			default:
				continue
			}
		}
	}
}

// ToolDecision feeds a permission outcome back into the engine. A
// write failure surfaces on the next call to Next, not here.
func (t *Turn) ToolDecision(allowed bool, reason string, parameters []byte) {
	err := t.engine.write(frame{
		Type:      frameToolDecision,
		RequestID: t.requestID,
		Decision: &toolDecision{
			Allowed:    allowed,
			Reason:     reason,
			Parameters: parameters,
		},
	})
	if err != nil {
		t.engine.logger.Error().
			Err(err).
			Str("requestID", t.requestID).
			Msg("tool decision not delivered")
	}
}
