// Package bridge is the orchestrator between the agent execution engine
// and the operator-facing surfaces: admission control in front, the
// permission manager beside each tool call, and the stream manager
// behind every step.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/toolgate/toolgate/internal/admission"
	"github.com/toolgate/toolgate/internal/bridgeerr"
	"github.com/toolgate/toolgate/internal/event"
	"github.com/toolgate/toolgate/internal/permission"
	"github.com/toolgate/toolgate/internal/stream"
	"github.com/toolgate/toolgate/pkg/types"
)

// PermissionDecider is the capability the orchestrator uses to gate
// tool calls. The permission manager implements it.
type PermissionDecider interface {
	Decide(ctx context.Context, inv permission.ToolInvocation) permission.Decision
}

// Stepper yields one agent turn step by step.
type Stepper interface {
	// Next returns the next step, io.EOF when the turn ended without an
	// explicit result step, or the execution error.
	Next(ctx context.Context) (types.Step, error)

	// ToolDecision feeds the decision for the most recent tool-use step
	// back into the agent: a denial becomes a refusal the agent sees,
	// an allow carries the (possibly edited) parameters.
	ToolDecision(allowed bool, reason string, parameters []byte)
}

// AgentRunner starts agent turns. It abstracts the concrete agent
// execution engine, which is an external collaborator.
type AgentRunner interface {
	StartTurn(ctx context.Context, req types.ExecuteRequest) (Stepper, error)
}

// Orchestrator drives execute requests end to end.
type Orchestrator struct {
	admission *admission.Controller
	streams   *stream.Manager
	decider   PermissionDecider
	runner    AgentRunner
	recovery  *bridgeerr.Coordinator
	bus       *event.Bus
	logger    zerolog.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// New creates an orchestrator.
func New(
	adm *admission.Controller,
	streams *stream.Manager,
	decider PermissionDecider,
	runner AgentRunner,
	recovery *bridgeerr.Coordinator,
	bus *event.Bus,
	logger zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		admission: adm,
		streams:   streams,
		decider:   decider,
		runner:    runner,
		recovery:  recovery,
		bus:       bus,
		logger:    logger.With().Str("component", "bridge").Logger(),
		inflight:  make(map[string]context.CancelFunc),
	}
}

// Execute runs one agent turn, forwarding every step through a stream
// built on transport. It blocks until the turn ends and returns the
// error to surface, already classified. Admission rejections return
// before any stream exists.
func (o *Orchestrator) Execute(ctx context.Context, req types.ExecuteRequest, transport stream.Transport) error {
	errCtx := bridgeerr.Context{RequestID: req.RequestID, SessionID: req.SessionID, Operation: "execute"}

	if err := validate(req); err != nil {
		be := bridgeerr.New(bridgeerr.KindValidation, errCtx, err)
		o.recovery.Record(be)
		return be
	}

	ticket, res := o.admission.Admit()
	if !res.Allowed {
		o.bus.Publish(event.Event{
			Type: event.RequestRejected,
			Data: event.RequestRejectedData{RequestID: req.RequestID, Reason: res.Reason},
		})
		be := bridgeerr.New(bridgeerr.KindResource, errCtx, errors.New(res.Reason))
		o.recovery.Record(be)
		return be
	}
	// The orchestrator owns the release for every ticket it acquires.
	defer ticket.Release()

	o.bus.Publish(event.Event{
		Type: event.RequestAdmitted,
		Data: event.RequestAdmittedData{
			RequestID: req.RequestID,
			SessionID: req.SessionID,
			Active:    o.admission.Active(),
		},
	})

	ctrl, err := o.streams.Open(req.RequestID, req.SessionID, transport)
	if err != nil {
		be := bridgeerr.New(bridgeerr.KindStream, errCtx, err)
		o.recovery.Record(be)
		return be
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.track(req.RequestID, cancel)
	defer o.untrack(req.RequestID)

	err = o.run(runCtx, req, ctrl)

	switch {
	case err == nil:
		ctrl.Send(types.StreamEvent{Type: types.EventDone})
		o.streams.Close(req.RequestID, "done")
	case errors.Is(err, context.Canceled):
		ctrl.Send(types.StreamEvent{Type: types.EventAborted})
		o.streams.Close(req.RequestID, "aborted")
		o.bus.Publish(event.Event{
			Type: event.RequestAborted,
			Data: event.RequestAbortedData{RequestID: req.RequestID},
		})
		return nil
	default:
		be := bridgeerr.Wrap(err, errCtx)
		ctrl.Send(types.StreamEvent{Type: types.EventError, Message: be.UserMessage()})
		o.streams.Close(req.RequestID, "error")
		o.logger.Error().
			Err(err).
			Str("requestID", req.RequestID).
			Str("kind", string(be.Kind)).
			Msg("execute failed")
		return be
	}
	return nil
}

// run drives the step loop until a result step, EOF, or an error.
func (o *Orchestrator) run(ctx context.Context, req types.ExecuteRequest, ctrl *stream.Controller) error {
	stepper, err := o.runner.StartTurn(ctx, req)
	if err != nil {
		return fmt.Errorf("start turn: %w", err)
	}

	for {
		step, err := o.nextStep(ctx, req, stepper)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		if step.Kind == types.StepToolUse {
			o.gateTool(ctx, req, step, stepper)
		}

		ctrl.Send(types.StreamEvent{Type: types.EventStep, Step: &step})

		if step.Kind == types.StepResult {
			return nil
		}
	}
}

// nextStep pulls the next step, routing failures through the recovery
// coordinator. Recoverable kinds get exactly one recovery pass.
func (o *Orchestrator) nextStep(ctx context.Context, req types.ExecuteRequest, stepper Stepper) (types.Step, error) {
	step, err := stepper.Next(ctx)
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return step, err
	}

	be := bridgeerr.Wrap(err, bridgeerr.Context{
		RequestID: req.RequestID,
		SessionID: req.SessionID,
		Operation: "next_step",
	})

	var recovered types.Step
	rerr := o.recovery.Handle(ctx, be, func(ctx context.Context) error {
		s, e := stepper.Next(ctx)
		if e != nil {
			return e
		}
		recovered = s
		return nil
	})
	if rerr != nil {
		return types.Step{}, rerr
	}
	return recovered, nil
}

// gateTool runs a tool-use step through the permission decider and
// feeds the outcome back into the agent.
func (o *Orchestrator) gateTool(ctx context.Context, req types.ExecuteRequest, step types.Step, stepper Stepper) {
	decision := o.decider.Decide(ctx, permission.ToolInvocation{
		ToolName:   step.ToolName,
		Parameters: step.Parameters,
		RequestID:  req.RequestID,
		SessionID:  req.SessionID,
	})

	params := []byte(step.Parameters)
	if decision.UpdatedParameters != nil {
		params = decision.UpdatedParameters
	}
	stepper.ToolDecision(decision.Allowed, decision.Reason, params)

	if !decision.Allowed {
		o.logger.Info().
			Str("requestID", req.RequestID).
			Str("toolName", step.ToolName).
			Str("reason", decision.Reason).
			Msg("tool call denied")
	}
}

// Abort cancels an in-flight request. It is cooperative: the cancel
// propagates into the step loop and into any pending permission prompt,
// so no further tool calls run after it. Calling it for an unknown or
// completed request is a no-op and reports false.
func (o *Orchestrator) Abort(requestID string) bool {
	o.mu.Lock()
	cancel, ok := o.inflight[requestID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Health assembles the bridge's status snapshot.
func (o *Orchestrator) Health() types.HealthStatus {
	stats := o.recovery.Snapshot()
	byKind := make(map[string]int, len(stats.ByKind))
	for kind, n := range stats.ByKind {
		byKind[string(kind)] = n
	}
	return types.HealthStatus{
		Healthy:        stats.Healthy,
		ActiveRequests: o.admission.Active(),
		ActiveStreams:  o.streams.ActiveCount(),
		HeapBytes:      o.admission.HeapBytes(),
		WindowErrors:   stats.WindowErrors,
		WindowCritical: stats.WindowCritical,
		ErrorsByKind:   byKind,
	}
}

func (o *Orchestrator) track(requestID string, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inflight[requestID] = cancel
}

func (o *Orchestrator) untrack(requestID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, requestID)
}

func validate(req types.ExecuteRequest) error {
	if req.RequestID == "" {
		return errors.New("invalid request: requestID must not be empty")
	}
	if req.SessionID == "" {
		return errors.New("invalid request: sessionID must not be empty")
	}
	if req.Message == "" {
		return errors.New("invalid request: message must not be empty")
	}
	return nil
}
