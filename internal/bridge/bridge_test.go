package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolgate/toolgate/internal/admission"
	"github.com/toolgate/toolgate/internal/bridgeerr"
	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/event"
	"github.com/toolgate/toolgate/internal/permission"
	"github.com/toolgate/toolgate/internal/stream"
	"github.com/toolgate/toolgate/pkg/types"
)

// scriptedStepper replays a fixed list of steps and errors.
type scriptedStepper struct {
	mu        sync.Mutex
	steps     []types.Step
	errs      []error // consulted before steps at the same index
	index     int
	decisions []toolDecision
	block     chan struct{} // when set, Next waits for ctx cancel
}

type toolDecision struct {
	allowed    bool
	reason     string
	parameters []byte
}

func (s *scriptedStepper) Next(ctx context.Context) (types.Step, error) {
	if s.block != nil {
		select {
		case <-ctx.Done():
			return types.Step{}, ctx.Err()
		case <-s.block:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index < len(s.errs) && s.errs[s.index] != nil {
		err := s.errs[s.index]
		s.errs[s.index] = nil
		return types.Step{}, err
	}
	if s.index >= len(s.steps) {
		return types.Step{}, io.EOF
	}
	step := s.steps[s.index]
	s.index++
	return step, nil
}

func (s *scriptedStepper) ToolDecision(allowed bool, reason string, parameters []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, toolDecision{allowed, reason, parameters})
}

type fakeRunner struct {
	stepper  *scriptedStepper
	startErr error
}

func (r *fakeRunner) StartTurn(ctx context.Context, req types.ExecuteRequest) (Stepper, error) {
	if r.startErr != nil {
		return nil, r.startErr
	}
	return r.stepper, nil
}

type fakeDecider struct {
	mu          sync.Mutex
	invocations []permission.ToolInvocation
	decide      func(inv permission.ToolInvocation) permission.Decision
}

func (d *fakeDecider) Decide(ctx context.Context, inv permission.ToolInvocation) permission.Decision {
	d.mu.Lock()
	d.invocations = append(d.invocations, inv)
	fn := d.decide
	d.mu.Unlock()

	if fn != nil {
		return fn(inv)
	}
	return permission.Decision{Allowed: true}
}

type testHarness struct {
	orch    *Orchestrator
	adm     *admission.Controller
	streams *stream.Manager
	decider *fakeDecider
	bus     *event.Bus
}

func newHarness(t *testing.T, runner AgentRunner) *testHarness {
	t.Helper()
	bus := event.NewBus()
	t.Cleanup(func() { bus.Close() })

	adm := admission.NewController(config.Default().Admission, zerolog.Nop())
	streams := stream.NewManager(config.Default().Stream, bus, zerolog.Nop())
	adm.SetStreamCounter(streams.ActiveCount)
	decider := &fakeDecider{}

	return &testHarness{
		orch:    New(adm, streams, decider, runner, bridgeerr.NewCoordinator(zerolog.Nop()), bus, zerolog.Nop()),
		adm:     adm,
		streams: streams,
		decider: decider,
		bus:     bus,
	}
}

func executeRequest() types.ExecuteRequest {
	return types.ExecuteRequest{RequestID: "r1", SessionID: "s1", Message: "do the thing"}
}

func TestExecuteStreamsStepsAndDone(t *testing.T) {
	stepper := &scriptedStepper{steps: []types.Step{
		{Kind: types.StepText, Text: "working on it"},
		{Kind: types.StepResult, Text: "all done"},
	}}
	h := newHarness(t, &fakeRunner{stepper: stepper})

	tr := &captureTransport{}
	err := h.orch.Execute(context.Background(), executeRequest(), tr)
	require.NoError(t, err)

	events := tr.all()
	require.Len(t, events, 3)
	assert.Equal(t, types.EventStep, events[0].Type)
	assert.Equal(t, "working on it", events[0].Step.Text)
	assert.Equal(t, types.EventStep, events[1].Type)
	assert.Equal(t, types.EventDone, events[2].Type)

	// Slot released, stream closed.
	assert.Zero(t, h.adm.Active())
	assert.Zero(t, h.streams.ActiveCount())
}

func TestExecuteGatesToolUse(t *testing.T) {
	params := json.RawMessage(`{"command":"rm -rf build"}`)
	stepper := &scriptedStepper{steps: []types.Step{
		{Kind: types.StepToolUse, ToolName: "bash", Parameters: params, CallID: "c1"},
		{Kind: types.StepResult},
	}}
	h := newHarness(t, &fakeRunner{stepper: stepper})
	h.decider.decide = func(inv permission.ToolInvocation) permission.Decision {
		return permission.Decision{Allowed: false, Reason: "permission denied by user"}
	}

	err := h.orch.Execute(context.Background(), executeRequest(), &captureTransport{})
	require.NoError(t, err)

	require.Len(t, h.decider.invocations, 1)
	inv := h.decider.invocations[0]
	assert.Equal(t, "bash", inv.ToolName)
	assert.Equal(t, "r1", inv.RequestID)
	assert.Equal(t, "s1", inv.SessionID)

	require.Len(t, stepper.decisions, 1)
	assert.False(t, stepper.decisions[0].allowed)
	assert.Equal(t, "permission denied by user", stepper.decisions[0].reason)
}

func TestExecutePassesEditedParameters(t *testing.T) {
	edited := json.RawMessage(`{"plan":"smaller plan"}`)
	stepper := &scriptedStepper{steps: []types.Step{
		{Kind: types.StepToolUse, ToolName: "submit_plan", Parameters: json.RawMessage(`{"plan":"big plan"}`)},
		{Kind: types.StepResult},
	}}
	h := newHarness(t, &fakeRunner{stepper: stepper})
	h.decider.decide = func(inv permission.ToolInvocation) permission.Decision {
		return permission.Decision{Allowed: true, UpdatedParameters: edited}
	}

	require.NoError(t, h.orch.Execute(context.Background(), executeRequest(), &captureTransport{}))

	require.Len(t, stepper.decisions, 1)
	assert.True(t, stepper.decisions[0].allowed)
	assert.JSONEq(t, string(edited), string(stepper.decisions[0].parameters))
}

func TestExecuteRejectsInvalidRequest(t *testing.T) {
	h := newHarness(t, &fakeRunner{stepper: &scriptedStepper{}})

	err := h.orch.Execute(context.Background(), types.ExecuteRequest{RequestID: "r1"}, &captureTransport{})
	be, ok := bridgeerr.As(err)
	require.True(t, ok)
	assert.Equal(t, bridgeerr.KindValidation, be.Kind)
	assert.Zero(t, h.adm.Active())
}

func TestExecuteAdmissionRejectionCreatesNoStream(t *testing.T) {
	stepper := &scriptedStepper{block: make(chan struct{})}
	h := newHarness(t, &fakeRunner{stepper: stepper})

	// Saturate admission.
	var tickets []*admission.Ticket
	for {
		tk, res := h.adm.Admit()
		if !res.Allowed {
			break
		}
		tickets = append(tickets, tk)
	}
	defer func() {
		for _, tk := range tickets {
			tk.Release()
		}
	}()

	err := h.orch.Execute(context.Background(), executeRequest(), &captureTransport{})
	be, ok := bridgeerr.As(err)
	require.True(t, ok)
	assert.Equal(t, bridgeerr.KindResource, be.Kind)

	_, found := h.streams.Get("r1")
	assert.False(t, found, "no stream on admission rejection")
}

func TestExecuteSurfacesClassifiedStepError(t *testing.T) {
	stepper := &scriptedStepper{errs: []error{errors.New("agent step failed: model crashed")}}
	h := newHarness(t, &fakeRunner{stepper: stepper})

	tr := &captureTransport{}
	err := h.orch.Execute(context.Background(), executeRequest(), tr)
	be, ok := bridgeerr.As(err)
	require.True(t, ok)
	assert.Equal(t, bridgeerr.KindSdkExecution, be.Kind)

	events := tr.all()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, types.EventError, last.Type)
	assert.Equal(t, "The agent failed while executing.", last.Message)
	assert.NotContains(t, last.Message, "model crashed")

	assert.Zero(t, h.adm.Active())
}

func TestExecuteRecoversFromTransientNetworkError(t *testing.T) {
	stepper := &scriptedStepper{
		errs:  []error{errors.New("dial tcp: connection refused")},
		steps: []types.Step{{Kind: types.StepResult}},
	}
	h := newHarness(t, &fakeRunner{stepper: stepper})
	// Replace the fixed-delay strategy so the test does not sleep.
	h.orch.recovery.RegisterStrategy(bridgeerr.KindNetwork, func(ctx context.Context, op bridgeerr.Operation) error {
		return op(ctx)
	})

	tr := &captureTransport{}
	err := h.orch.Execute(context.Background(), executeRequest(), tr)
	require.NoError(t, err)

	events := tr.all()
	assert.Equal(t, types.EventDone, events[len(events)-1].Type)
}

func TestAbort(t *testing.T) {
	stepper := &scriptedStepper{block: make(chan struct{})}
	h := newHarness(t, &fakeRunner{stepper: stepper})

	tr := &captureTransport{}
	done := make(chan error, 1)
	go func() {
		done <- h.orch.Execute(context.Background(), executeRequest(), tr)
	}()

	require.Eventually(t, func() bool {
		return h.orch.Abort("r1")
	}, time.Second, 5*time.Millisecond)

	select {
	case err := <-done:
		require.NoError(t, err, "abort terminates the request cleanly")
	case <-time.After(time.Second):
		t.Fatal("abort did not stop the request")
	}

	events := tr.all()
	require.NotEmpty(t, events)
	assert.Equal(t, types.EventAborted, events[len(events)-1].Type)
	assert.Zero(t, h.adm.Active())

	// Aborting a completed request is a no-op.
	assert.False(t, h.orch.Abort("r1"))
	assert.False(t, h.orch.Abort("never-existed"))
}

func TestHealthSnapshot(t *testing.T) {
	h := newHarness(t, &fakeRunner{stepper: &scriptedStepper{}})

	status := h.orch.Health()
	assert.True(t, status.Healthy)
	assert.Zero(t, status.ActiveRequests)

	for i := 0; i < 25; i++ {
		h.orch.recovery.Record(bridgeerr.New(bridgeerr.KindNetwork, bridgeerr.Context{}, errors.New("refused")))
	}
	status = h.orch.Health()
	assert.False(t, status.Healthy)
	assert.Equal(t, 25, status.WindowErrors)
}

// captureTransport collects stream events.
type captureTransport struct {
	mu     sync.Mutex
	events []types.StreamEvent
}

func (c *captureTransport) Send(e types.StreamEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *captureTransport) all() []types.StreamEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.StreamEvent(nil), c.events...)
}
