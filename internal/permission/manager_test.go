package permission

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/event"
	"github.com/toolgate/toolgate/internal/risk"
	"github.com/toolgate/toolgate/pkg/types"
)

// fakeChannel records prompts and can auto-reply through the manager.
type fakeChannel struct {
	mu            sync.Mutex
	prompts       []types.PermissionPromptInfo
	notifications []string
	requestErr    error
	notifyDelay   time.Duration
	onRequest     func(prompt types.PermissionPromptInfo)
}

func (c *fakeChannel) Request(ctx context.Context, prompt types.PermissionPromptInfo) error {
	c.mu.Lock()
	c.prompts = append(c.prompts, prompt)
	fn := c.onRequest
	c.mu.Unlock()

	if c.requestErr != nil {
		return c.requestErr
	}
	if fn != nil {
		go fn(prompt)
	}
	return nil
}

func (c *fakeChannel) Notify(ctx context.Context, promptID, sessionID string, stage int, escalationType string) {
	if c.notifyDelay > 0 {
		time.Sleep(c.notifyDelay)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifications = append(c.notifications, escalationType)
}

func (c *fakeChannel) promptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.prompts)
}

func (c *fakeChannel) notificationTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.notifications...)
}

func testPermissionConfig() config.PermissionConfig {
	return config.PermissionConfig{
		CacheTTL: config.Duration(time.Minute),
		Stages: []config.StageConfig{
			{Duration: config.Duration(20 * time.Millisecond), Label: "initial"},
			{Duration: config.Duration(30 * time.Millisecond), Label: "extended"},
			{Duration: config.Duration(40 * time.Millisecond), Label: "final"},
		},
		PlanTimeout: config.Duration(50 * time.Millisecond),
	}
}

func newTestManager(channel *fakeChannel) (*Manager, *event.Bus) {
	bus := event.NewBus()
	return NewManager(testPermissionConfig(), channel, bus, zerolog.Nop()), bus
}

func invocation(tool, session string, params string) ToolInvocation {
	return ToolInvocation{
		ToolName:   tool,
		Parameters: json.RawMessage(params),
		RequestID:  "req-1",
		SessionID:  session,
	}
}

func TestLowTierAutoAllowsWithoutPrompt(t *testing.T) {
	channel := &fakeChannel{}
	m, bus := newTestManager(channel)
	defer bus.Close()

	decision := m.Decide(context.Background(), invocation("read", "s1", `{"path":"main.go"}`))
	assert.True(t, decision.Allowed)
	assert.Zero(t, channel.promptCount(), "no round trip for LOW tier")
}

func TestHighTierAllowOnce(t *testing.T) {
	channel := &fakeChannel{}
	m, bus := newTestManager(channel)
	defer bus.Close()
	channel.onRequest = func(p types.PermissionPromptInfo) {
		m.Resolve(types.PermissionReply{PromptID: p.PromptID, SelectedOption: OptionAllowOnce})
	}

	decision := m.Decide(context.Background(), invocation("write", "s1", `{"path":"a.go"}`))
	assert.True(t, decision.Allowed)
	assert.Equal(t, 1, channel.promptCount())

	// allow_once does not cache: the next identical call prompts again.
	decision = m.Decide(context.Background(), invocation("write", "s1", `{"path":"b.go"}`))
	assert.True(t, decision.Allowed)
	assert.Equal(t, 2, channel.promptCount())
}

func TestHighTierDeny(t *testing.T) {
	channel := &fakeChannel{}
	m, bus := newTestManager(channel)
	defer bus.Close()
	channel.onRequest = func(p types.PermissionPromptInfo) {
		m.Resolve(types.PermissionReply{PromptID: p.PromptID, SelectedOption: OptionDeny})
	}

	decision := m.Decide(context.Background(), invocation("edit", "s1", `{}`))
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "denied")
}

func TestAllowAlwaysCachesUntilTTL(t *testing.T) {
	channel := &fakeChannel{}
	m, bus := newTestManager(channel)
	defer bus.Close()
	channel.onRequest = func(p types.PermissionPromptInfo) {
		m.Resolve(types.PermissionReply{PromptID: p.PromptID, SelectedOption: OptionAllowAlways})
	}

	decision := m.Decide(context.Background(), invocation("webfetch", "s1", `{}`))
	require.True(t, decision.Allowed)
	require.Equal(t, 1, channel.promptCount())

	// Cache hit: no new prompt.
	decision = m.Decide(context.Background(), invocation("webfetch", "s1", `{"url":"x"}`))
	assert.True(t, decision.Allowed)
	assert.Equal(t, 1, channel.promptCount())

	// A different session is independent.
	decision = m.Decide(context.Background(), invocation("webfetch", "s2", `{}`))
	assert.True(t, decision.Allowed)
	assert.Equal(t, 2, channel.promptCount())

	// After TTL expiry the same session must prompt again.
	current := time.Now().Add(2 * time.Minute)
	m.cache.now = func() time.Time { return current }
	decision = m.Decide(context.Background(), invocation("webfetch", "s1", `{"url":"y"}`))
	assert.True(t, decision.Allowed)
	assert.Equal(t, 3, channel.promptCount())
}

func TestBashTimeoutThroughAllStagesDenies(t *testing.T) {
	channel := &fakeChannel{}
	m, bus := newTestManager(channel)
	defer bus.Close()

	start := time.Now()
	decision := m.Decide(context.Background(), ToolInvocation{
		ToolName:   "bash",
		Parameters: json.RawMessage(`{"command":"rm -rf /tmp/scratch"}`),
		RequestID:  "req-1",
		SessionID:  "s1",
		Tier:       risk.TierHigh,
	})
	elapsed := time.Since(start)

	assert.False(t, decision.Allowed, "bash is not on the safe-tool allow-list")
	assert.Contains(t, decision.Reason, "timed out")

	// Bounded worst case: sum of stage durations (90ms) plus slack.
	assert.Less(t, elapsed, time.Second)
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)

	// Escalations fire for every non-final stage. Delivery is
	// asynchronous, so give the dispatches a moment to land.
	require.Eventually(t, func() bool {
		return len(channel.notificationTypes()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"reminder", "urgent"}, channel.notificationTypes())
}

func TestEscalationTimersUnaffectedBySlowChannel(t *testing.T) {
	// A channel that takes seconds to deliver a notification must not
	// stretch the stage timers: the protocol still terminates within
	// the sum of the stage durations.
	channel := &fakeChannel{notifyDelay: 2 * time.Second}
	m, bus := newTestManager(channel)
	defer bus.Close()

	start := time.Now()
	decision := m.Decide(context.Background(), ToolInvocation{
		ToolName:   "bash",
		Parameters: json.RawMessage(`{"command":"make deploy"}`),
		RequestID:  "req-1",
		SessionID:  "s1",
		Tier:       risk.TierHigh,
	})
	elapsed := time.Since(start)

	assert.False(t, decision.Allowed)
	assert.Less(t, elapsed, time.Second, "stage timers must not wait on notification delivery")
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
}

func TestTimeoutAutoAllowsSafeTool(t *testing.T) {
	channel := &fakeChannel{}
	m, bus := newTestManager(channel)
	defer bus.Close()

	// A read-only tool escalated to MEDIUM still resolves to a one-time
	// allow when the operator never answers.
	decision := m.Decide(context.Background(), ToolInvocation{
		ToolName:  "grep",
		RequestID: "req-1",
		SessionID: "s1",
		Tier:      risk.TierMedium,
	})
	assert.True(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "timeout")
}

func TestPromptOptionsMatchTier(t *testing.T) {
	channel := &fakeChannel{}
	m, bus := newTestManager(channel)
	defer bus.Close()
	channel.onRequest = func(p types.PermissionPromptInfo) {
		m.Resolve(types.PermissionReply{PromptID: p.PromptID, SelectedOption: OptionDeny})
	}

	m.Decide(context.Background(), invocation("bash", "s1", `{"command":"rm -rf /"}`))
	require.Equal(t, 1, channel.promptCount())

	channel.mu.Lock()
	prompt := channel.prompts[0]
	channel.mu.Unlock()
	assert.Equal(t, "high", prompt.RiskTier)
	assert.Contains(t, prompt.Options, OptionAllowOnce)
	assert.Contains(t, prompt.Options, OptionAllowAlways)
	assert.Contains(t, prompt.Options, OptionDeny)
	assert.Contains(t, prompt.Title, "destructive")
}

func TestPlanReviewAccept(t *testing.T) {
	channel := &fakeChannel{}
	m, bus := newTestManager(channel)
	defer bus.Close()
	channel.onRequest = func(p types.PermissionPromptInfo) {
		m.Resolve(types.PermissionReply{PromptID: p.PromptID, SelectedOption: OptionReviewAccept})
	}

	params := `{"plan":"1. refactor\n2. test"}`
	decision := m.Decide(context.Background(), invocation("submit_plan", "s1", params))
	assert.True(t, decision.Allowed)
	assert.Nil(t, decision.UpdatedParameters, "parameters unchanged on plain accept")

	channel.mu.Lock()
	prompt := channel.prompts[0]
	channel.mu.Unlock()
	assert.Contains(t, prompt.Options, OptionEditPlan)
	assert.Contains(t, prompt.Options, OptionReject)
}

func TestPlanReviewEdit(t *testing.T) {
	channel := &fakeChannel{}
	m, bus := newTestManager(channel)
	defer bus.Close()

	edited := json.RawMessage(`{"plan":"1. only refactor"}`)
	channel.onRequest = func(p types.PermissionPromptInfo) {
		m.Resolve(types.PermissionReply{
			PromptID:         p.PromptID,
			SelectedOption:   OptionEditPlan,
			EditedParameters: edited,
		})
	}

	decision := m.Decide(context.Background(), invocation("submit_plan", "s1", `{"plan":"1. rewrite everything"}`))
	assert.True(t, decision.Allowed)
	assert.JSONEq(t, string(edited), string(decision.UpdatedParameters))
}

func TestPlanReviewReject(t *testing.T) {
	channel := &fakeChannel{}
	m, bus := newTestManager(channel)
	defer bus.Close()
	channel.onRequest = func(p types.PermissionPromptInfo) {
		m.Resolve(types.PermissionReply{PromptID: p.PromptID, SelectedOption: OptionReject})
	}

	decision := m.Decide(context.Background(), invocation("submit_plan", "s1", `{"plan":"x"}`))
	assert.False(t, decision.Allowed)
}

func TestPlanReviewTimeoutRejects(t *testing.T) {
	channel := &fakeChannel{}
	m, bus := newTestManager(channel)
	defer bus.Close()

	decision := m.Decide(context.Background(), invocation("submit_plan", "s1", `{"plan":"x"}`))
	assert.False(t, decision.Allowed, "an unanswered plan is rejected")
}

func TestPlanAutoAcceptPreGrantsEditingTools(t *testing.T) {
	channel := &fakeChannel{}
	m, bus := newTestManager(channel)
	defer bus.Close()
	channel.onRequest = func(p types.PermissionPromptInfo) {
		m.Resolve(types.PermissionReply{PromptID: p.PromptID, SelectedOption: OptionAutoAccept})
	}

	decision := m.Decide(context.Background(), invocation("submit_plan", "s1", `{"plan":"x"}`))
	require.True(t, decision.Allowed)

	// Editing tools now pass without a prompt in the same session.
	decision = m.Decide(context.Background(), invocation("edit", "s1", `{}`))
	assert.True(t, decision.Allowed)
	assert.Equal(t, 1, channel.promptCount())
}

func TestUnknownPromptReplyIgnored(t *testing.T) {
	channel := &fakeChannel{}
	m, bus := newTestManager(channel)
	defer bus.Close()

	// Must not panic or error.
	m.Resolve(types.PermissionReply{PromptID: "nope", SelectedOption: OptionAllowOnce})
}

func TestAbortResolvesPendingPromptAsDenied(t *testing.T) {
	channel := &fakeChannel{}
	m, bus := newTestManager(channel)
	defer bus.Close()

	// Long stages so the abort beats the timers.
	m.cfg.Stages = []config.StageConfig{
		{Duration: config.Duration(5 * time.Second), Label: "initial"},
	}

	results := make(chan Decision, 1)
	go func() {
		results <- m.Decide(context.Background(), invocation("bash", "s1", `{"command":"make deploy"}`))
	}()

	require.Eventually(t, func() bool {
		return len(m.PendingPrompts()) == 1
	}, time.Second, 5*time.Millisecond)

	m.mu.Lock()
	var prompt *Prompt
	for _, entry := range m.pending {
		prompt = entry.prompt
	}
	m.mu.Unlock()
	require.NotNil(t, prompt)

	m.AbortRequest("req-1")

	select {
	case decision := <-results:
		assert.False(t, decision.Allowed)
		assert.Contains(t, decision.Reason, "aborted")
	case <-time.After(time.Second):
		t.Fatal("abort did not resolve the pending prompt")
	}

	// The prompt records the abort, not a phantom answer.
	assert.Equal(t, StatusAborted, prompt.Status)

	// Aborting again, after completion, is a no-op.
	m.AbortRequest("req-1")
}

func TestChannelFailureFallsBackConservatively(t *testing.T) {
	channel := &fakeChannel{requestErr: errors.New("connection refused")}
	m, bus := newTestManager(channel)
	defer bus.Close()

	decision := m.Decide(context.Background(), invocation("bash", "s1", `{"command":"ls"}`))
	assert.False(t, decision.Allowed, "risky tiers degrade to deny on channel failure")
}

func TestBashAllowAlwaysScopedToPattern(t *testing.T) {
	channel := &fakeChannel{}
	m, bus := newTestManager(channel)
	defer bus.Close()
	channel.onRequest = func(p types.PermissionPromptInfo) {
		m.Resolve(types.PermissionReply{PromptID: p.PromptID, SelectedOption: OptionAllowAlways})
	}

	decision := m.Decide(context.Background(), invocation("bash", "s1", `{"command":"git status"}`))
	require.True(t, decision.Allowed)
	require.Equal(t, 1, channel.promptCount())

	// Same pattern: cached, no prompt.
	decision = m.Decide(context.Background(), invocation("bash", "s1", `{"command":"git status"}`))
	assert.True(t, decision.Allowed)
	assert.Equal(t, 1, channel.promptCount())

	// Different command: prompts again.
	decision = m.Decide(context.Background(), invocation("bash", "s1", `{"command":"rm -rf build"}`))
	assert.True(t, decision.Allowed)
	assert.Equal(t, 2, channel.promptCount())
}

func TestDoomLoopForcesPrompt(t *testing.T) {
	channel := &fakeChannel{}
	m, bus := newTestManager(channel)
	defer bus.Close()
	channel.onRequest = func(p types.PermissionPromptInfo) {
		m.Resolve(types.PermissionReply{PromptID: p.PromptID, SelectedOption: OptionAllowOnce})
	}

	inv := invocation("read", "s1", `{"path":"same.go"}`)
	m.Decide(context.Background(), inv)
	m.Decide(context.Background(), inv)
	assert.Zero(t, channel.promptCount(), "first two reads auto-allow")

	// Third identical call trips the detector and prompts despite the
	// LOW tier. The forced prompt is raised at HIGH.
	decision := m.Decide(context.Background(), inv)
	assert.True(t, decision.Allowed)
	require.Equal(t, 1, channel.promptCount())

	channel.mu.Lock()
	prompt := channel.prompts[0]
	channel.mu.Unlock()
	assert.Equal(t, string(risk.TierHigh), prompt.RiskTier)
}

func TestDoomLoopTimeoutDeniesSafeTool(t *testing.T) {
	channel := &fakeChannel{}
	m, bus := newTestManager(channel)
	defer bus.Close()

	inv := invocation("read", "s1", `{"path":"same.go"}`)
	m.Decide(context.Background(), inv)
	m.Decide(context.Background(), inv)

	// With the operator unresponsive, a loop-forced prompt for a
	// safe tool must not fall back to the timeout allowance: the
	// whole point of the prompt is to break the loop.
	decision := m.Decide(context.Background(), inv)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "timed out")
	assert.Equal(t, 1, channel.promptCount())
}

func TestConcurrentPromptsResolveIndependently(t *testing.T) {
	channel := &fakeChannel{}
	m, bus := newTestManager(channel)
	defer bus.Close()

	m.cfg.Stages = []config.StageConfig{
		{Duration: config.Duration(5 * time.Second), Label: "initial"},
	}

	type result struct {
		session  string
		decision Decision
	}
	results := make(chan result, 2)

	for _, session := range []string{"s1", "s2"} {
		session := session
		go func() {
			d := m.Decide(context.Background(), ToolInvocation{
				ToolName:  "write",
				RequestID: "req-" + session,
				SessionID: session,
				Tier:      risk.TierHigh,
			})
			results <- result{session: session, decision: d}
		}()
	}

	require.Eventually(t, func() bool {
		return len(m.PendingPrompts()) == 2
	}, time.Second, 5*time.Millisecond)

	// Answer the second session first: prompts across sessions are
	// fully independent and may resolve out of order.
	prompts := m.PendingPrompts()
	bySession := make(map[string]Prompt, 2)
	for _, p := range prompts {
		bySession[p.SessionID] = p
	}
	m.Resolve(types.PermissionReply{PromptID: bySession["s2"].PromptID, SelectedOption: OptionDeny})
	m.Resolve(types.PermissionReply{PromptID: bySession["s1"].PromptID, SelectedOption: OptionAllowOnce})

	outcomes := make(map[string]bool, 2)
	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			outcomes[r.session] = r.decision.Allowed
		case <-time.After(time.Second):
			t.Fatal("prompt never resolved")
		}
	}
	assert.True(t, outcomes["s1"])
	assert.False(t, outcomes["s2"])
}
