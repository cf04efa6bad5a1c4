package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/toolgate/toolgate/internal/approval"
	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/event"
	"github.com/toolgate/toolgate/internal/risk"
	"github.com/toolgate/toolgate/pkg/types"
)

// Manager is the entry point turning tool invocations into decisions.
// It owns the prompt lifecycle exclusively.
type Manager struct {
	cfg      config.PermissionConfig
	channel  approval.Channel
	bus      *event.Bus
	cache    *Cache
	detector *DoomLoopDetector
	logger   zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pendingPrompt
}

// pendingPrompt pairs a prompt with the channel its reply arrives on.
type pendingPrompt struct {
	prompt    *Prompt
	replies   chan types.PermissionReply
	abort     chan struct{}
	abortOnce sync.Once
}

// NewManager creates a permission manager.
func NewManager(cfg config.PermissionConfig, channel approval.Channel, bus *event.Bus, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		channel:  channel,
		bus:      bus,
		cache:    NewCache(cfg.CacheTTL.Std()),
		detector: NewDoomLoopDetector(),
		logger:   logger.With().Str("component", "permission").Logger(),
		pending:  make(map[string]*pendingPrompt),
	}
}

// Cache exposes the grant cache for sweeping and session cleanup.
func (m *Manager) Cache() *Cache {
	return m.cache
}

// Decide resolves one tool invocation to allow or deny. It returns a
// cached or auto-allowed decision without a round trip where possible,
// and otherwise blocks (as a channel receive, never a busy wait) until
// the operator answers or the escalation protocol exhausts its stages.
func (m *Manager) Decide(ctx context.Context, inv ToolInvocation) Decision {
	tier := inv.Tier
	if tier == "" {
		tier = risk.Classify(inv.ToolName)
	}

	looping := m.detector.Check(inv.SessionID, inv.ToolName, inv.Parameters)
	if looping {
		m.logger.Warn().
			Str("sessionID", inv.SessionID).
			Str("toolName", inv.ToolName).
			Msg("repeated identical tool call, forcing prompt")
	}

	scopes := m.cacheScopes(inv)
	if !looping {
		if len(scopes) > 0 && m.allCached(inv.SessionID, scopes) {
			return Decision{Allowed: true, Reason: "previously approved for this session"}
		}
		if tier == risk.TierLow {
			return Decision{Allowed: true, Reason: "auto-allowed read-only tool"}
		}
	}

	if tier == risk.TierPlan {
		return m.planReview(ctx, inv)
	}
	if looping {
		// A loop-forced prompt escalates at HIGH no matter what the
		// tool would otherwise classify as, and an unanswered one is
		// denied: the operator has to break the loop explicitly.
		tier = risk.TierHigh
	}
	return m.escalate(ctx, inv, tier, scopes, looping)
}

// Resolve routes an operator reply to its pending prompt. Replies for
// unknown prompt IDs are ignored.
func (m *Manager) Resolve(reply types.PermissionReply) {
	m.mu.Lock()
	entry, ok := m.pending[reply.PromptID]
	m.mu.Unlock()

	if !ok {
		m.logger.Debug().Str("promptID", reply.PromptID).Msg("reply for unknown prompt ignored")
		return
	}

	select {
	case entry.replies <- reply:
	default:
		// A reply already landed; later ones are dropped.
	}
}

// AbortRequest denies every pending prompt belonging to the request.
// Safe to call for unknown or completed requests.
func (m *Manager) AbortRequest(requestID string) {
	m.mu.Lock()
	var entries []*pendingPrompt
	for _, entry := range m.pending {
		if entry.prompt.RequestID == requestID {
			entries = append(entries, entry)
		}
	}
	m.mu.Unlock()

	for _, entry := range entries {
		entry.abortOnce.Do(func() { close(entry.abort) })
	}
}

// PendingPrompts snapshots the prompts still awaiting a decision.
func (m *Manager) PendingPrompts() []Prompt {
	m.mu.Lock()
	defer m.mu.Unlock()

	prompts := make([]Prompt, 0, len(m.pending))
	for _, entry := range m.pending {
		prompts = append(prompts, *entry.prompt)
	}
	return prompts
}

// escalate drives one MEDIUM/HIGH prompt through the timeout stages.
// forced marks a doom-loop prompt, which never falls back to the
// safe-tool allowance on timeout.
func (m *Manager) escalate(ctx context.Context, inv ToolInvocation, tier risk.Tier, scopes []string, forced bool) Decision {
	prompt := m.newPrompt(inv, tier, toolOptions)
	entry := m.register(prompt)
	defer m.unregister(prompt.PromptID)

	if err := m.channel.Request(ctx, m.promptInfo(prompt, inv)); err != nil {
		m.logger.Error().Err(err).Str("promptID", prompt.PromptID).Msg("approval channel failed")
		return m.channelFailure(tier)
	}

	for i, stage := range m.cfg.Stages {
		final := i == len(m.cfg.Stages)-1
		timer := time.NewTimer(stage.Duration.Std())

		select {
		case <-ctx.Done():
			timer.Stop()
			return m.finish(prompt, StatusAborted, Decision{Allowed: false, Reason: "request aborted"})
		case <-entry.abort:
			timer.Stop()
			return m.finish(prompt, StatusAborted, Decision{Allowed: false, Reason: "request aborted"})
		case reply := <-entry.replies:
			timer.Stop()
			return m.finish(prompt, StatusAnswered, m.applyToolReply(inv, scopes, reply))
		case <-timer.C:
			if final {
				return m.expire(prompt, inv, forced)
			}
			// Fire-and-forget: a slow or stalled channel must never
			// delay the next stage's timer.
			go m.channel.Notify(ctx, prompt.PromptID, prompt.SessionID, i, escalationType(i))
		}
	}

	// Unreachable: the final stage always returns.
	return m.channelFailure(tier)
}

// planReview runs the single long-stage protocol for plan submission.
func (m *Manager) planReview(ctx context.Context, inv ToolInvocation) Decision {
	prompt := m.newPrompt(inv, risk.TierPlan, planOptions)
	entry := m.register(prompt)
	defer m.unregister(prompt.PromptID)

	if err := m.channel.Request(ctx, m.promptInfo(prompt, inv)); err != nil {
		m.logger.Error().Err(err).Str("promptID", prompt.PromptID).Msg("approval channel failed")
		return m.channelFailure(risk.TierPlan)
	}

	timer := time.NewTimer(m.cfg.PlanTimeout.Std())
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return m.finish(prompt, StatusAborted, Decision{Allowed: false, Reason: "request aborted"})
	case <-entry.abort:
		return m.finish(prompt, StatusAborted, Decision{Allowed: false, Reason: "request aborted"})
	case reply := <-entry.replies:
		return m.finish(prompt, StatusAnswered, m.applyPlanReply(inv, reply))
	case <-timer.C:
		// Unanswered plans are rejected; a plan is never safe to
		// assume approved.
		return m.expire(prompt, inv, false)
	}
}

// applyToolReply converts an operator reply into a decision for a
// MEDIUM/HIGH prompt.
func (m *Manager) applyToolReply(inv ToolInvocation, scopes []string, reply types.PermissionReply) Decision {
	switch reply.SelectedOption {
	case OptionAllowOnce:
		return Decision{Allowed: true, Reason: "approved by operator"}
	case OptionAllowAlways:
		for _, scope := range scopes {
			m.cache.Put(inv.SessionID, scope)
		}
		return Decision{Allowed: true, Reason: "approved by operator for this session"}
	case OptionDeny:
		return Decision{Allowed: false, Reason: "permission denied by user"}
	default:
		m.logger.Warn().Str("option", reply.SelectedOption).Msg("unknown option treated as deny")
		return Decision{Allowed: false, Reason: "permission denied by user"}
	}
}

// applyPlanReply converts an operator reply into a plan-review decision.
func (m *Manager) applyPlanReply(inv ToolInvocation, reply types.PermissionReply) Decision {
	switch reply.SelectedOption {
	case OptionReviewAccept:
		return Decision{Allowed: true, Reason: "plan accepted"}
	case OptionAutoAccept:
		// Accepting with auto-approve pre-grants the editing tools for
		// the rest of the session.
		for _, tool := range []string{"edit", "write", "multiedit", "patch"} {
			m.cache.Put(inv.SessionID, tool)
		}
		return Decision{Allowed: true, Reason: "plan accepted with auto-approved edits"}
	case OptionEditPlan:
		if len(reply.EditedParameters) == 0 {
			return Decision{Allowed: false, Reason: "edited plan was empty"}
		}
		return Decision{
			Allowed:           true,
			Reason:            "plan accepted with edits",
			UpdatedParameters: reply.EditedParameters,
		}
	case OptionReject:
		return Decision{Allowed: false, Reason: "plan rejected by operator"}
	default:
		return Decision{Allowed: false, Reason: "plan rejected by operator"}
	}
}

// expire applies the terminal default policy when every stage elapsed:
// read-only safe tools resolve to a one-time allow, everything else is
// denied. Loop-forced prompts never take the safe-tool allowance.
func (m *Manager) expire(prompt *Prompt, inv ToolInvocation, forced bool) Decision {
	var decision Decision
	if !forced && prompt.RiskTier != risk.TierPlan && risk.IsSafe(inv.ToolName) {
		decision = Decision{Allowed: true, Reason: "auto-allowed read-only tool after timeout"}
	} else {
		decision = Decision{Allowed: false, Reason: "permission request timed out"}
	}

	prompt.Status = StatusTimeout
	m.bus.Publish(event.Event{
		Type: event.PermissionExpired,
		Data: event.PermissionExpiredData{
			PromptID: prompt.PromptID,
			ToolName: inv.ToolName,
			Granted:  decision.Allowed,
		},
	})
	return decision
}

// finish marks the prompt and publishes the outcome.
func (m *Manager) finish(prompt *Prompt, status PromptStatus, decision Decision) Decision {
	prompt.Status = status
	m.bus.Publish(event.Event{
		Type: event.PermissionReplied,
		Data: event.PermissionRepliedData{
			PromptID:  prompt.PromptID,
			SessionID: prompt.SessionID,
			Granted:   decision.Allowed,
		},
	})
	return decision
}

// channelFailure is the conservative fallback when the approval channel
// itself fails: only LOW degrades to allow.
func (m *Manager) channelFailure(tier risk.Tier) Decision {
	if tier == risk.TierLow {
		return Decision{Allowed: true, Reason: "approval channel unavailable, low risk"}
	}
	return Decision{Allowed: false, Reason: "approval channel unavailable"}
}

// cacheScopes returns the cache keys an allow_always grant covers. Bash
// approvals are scoped to the parsed command patterns so approving
// "git status" never auto-allows "rm -rf". Unparseable bash caches
// nothing and always prompts.
func (m *Manager) cacheScopes(inv ToolInvocation) []string {
	if inv.ToolName != "bash" && inv.ToolName != "Bash" {
		return []string{inv.ToolName}
	}

	var params struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(inv.Parameters, &params); err != nil || params.Command == "" {
		return nil
	}
	commands, err := risk.ParseCommands(params.Command)
	if err != nil || len(commands) == 0 {
		return nil
	}

	scopes := make([]string, 0, len(commands))
	for _, cmd := range commands {
		scopes = append(scopes, "bash:"+cmd.Pattern())
	}
	return scopes
}

// allCached reports whether every scope has a fresh grant.
func (m *Manager) allCached(sessionID string, scopes []string) bool {
	for _, scope := range scopes {
		if !m.cache.Get(sessionID, scope) {
			return false
		}
	}
	return true
}

func (m *Manager) newPrompt(inv ToolInvocation, tier risk.Tier, options map[string]string) *Prompt {
	return &Prompt{
		PromptID:  ulid.Make().String(),
		SessionID: inv.SessionID,
		RequestID: inv.RequestID,
		ToolName:  inv.ToolName,
		RiskTier:  tier,
		Options:   options,
		CreatedAt: time.Now(),
		Status:    StatusPending,
	}
}

func (m *Manager) promptInfo(prompt *Prompt, inv ToolInvocation) types.PermissionPromptInfo {
	return types.PermissionPromptInfo{
		PromptID:  prompt.PromptID,
		SessionID: prompt.SessionID,
		ToolName:  prompt.ToolName,
		RiskTier:  string(prompt.RiskTier),
		Options:   prompt.Options,
		Title:     promptTitle(inv),
		CreatedAt: prompt.CreatedAt,
	}
}

// promptTitle builds the operator-facing summary of the invocation.
func promptTitle(inv ToolInvocation) string {
	if inv.ToolName == "bash" || inv.ToolName == "Bash" {
		var params struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal(inv.Parameters, &params); err == nil && params.Command != "" {
			if risk.IsDestructive(params.Command) {
				return fmt.Sprintf("Run (destructive): %s", params.Command)
			}
			return fmt.Sprintf("Run: %s", params.Command)
		}
	}
	return fmt.Sprintf("Use tool: %s", inv.ToolName)
}

func (m *Manager) register(prompt *Prompt) *pendingPrompt {
	entry := &pendingPrompt{
		prompt:  prompt,
		replies: make(chan types.PermissionReply, 1),
		abort:   make(chan struct{}),
	}
	m.mu.Lock()
	m.pending[prompt.PromptID] = entry
	m.mu.Unlock()
	return entry
}

func (m *Manager) unregister(promptID string) {
	m.mu.Lock()
	delete(m.pending, promptID)
	m.mu.Unlock()
}
