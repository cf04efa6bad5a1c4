// Package types holds the wire types shared between the bridge server
// and its clients.
package types

import (
	"encoding/json"
	"time"
)

// ExecuteRequest asks the bridge to run one agent turn.
type ExecuteRequest struct {
	RequestID        string          `json:"requestID"`
	SessionID        string          `json:"sessionID"`
	Message          string          `json:"message"`
	AllowedTools     []string        `json:"allowedTools,omitempty"`
	WorkingDirectory string          `json:"workingDirectory,omitempty"`
	PermissionMode   string          `json:"permissionMode,omitempty"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
}

// StepKind identifies what a streamed step carries.
type StepKind string

const (
	StepText    StepKind = "text"
	StepToolUse StepKind = "tool_use"
	StepResult  StepKind = "result"
)

// Step is one unit of agent output forwarded on the response stream.
type Step struct {
	Kind       StepKind        `json:"kind"`
	Text       string          `json:"text,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	CallID     string          `json:"callID,omitempty"`
}

// StreamEventType terminates or annotates the execute stream.
type StreamEventType string

const (
	EventStep    StreamEventType = "step"
	EventDone    StreamEventType = "done"
	EventError   StreamEventType = "error"
	EventAborted StreamEventType = "aborted"
)

// StreamEvent is one SSE payload on the execute stream. Exactly one of
// done, error, or aborted ends the sequence.
type StreamEvent struct {
	Type    StreamEventType `json:"type"`
	Step    *Step           `json:"step,omitempty"`
	Message string          `json:"message,omitempty"`
}

// PermissionPromptInfo describes a pending prompt to the approval channel.
type PermissionPromptInfo struct {
	PromptID  string            `json:"promptID"`
	SessionID string            `json:"sessionID"`
	ToolName  string            `json:"toolName"`
	RiskTier  string            `json:"riskTier"`
	Options   map[string]string `json:"options"`
	Title     string            `json:"title"`
	CreatedAt time.Time         `json:"createdAt"`
}

// PermissionReply is the operator's answer to a prompt.
type PermissionReply struct {
	PromptID         string          `json:"promptID"`
	SelectedOption   string          `json:"selectedOption"`
	EditedParameters json.RawMessage `json:"editedParameters,omitempty"`
}

// AbortRequest cancels an in-flight execute request.
type AbortRequest struct {
	RequestID string `json:"requestID"`
}

// FileEntry is one result of a directory scan.
type FileEntry struct {
	Path string `json:"path"`
	Name string `json:"name"`
	Type string `json:"type"` // "file" | "directory"
}

// FileContent is the result of a sandboxed file read.
type FileContent struct {
	Content      string    `json:"content"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

// HealthStatus reports admission counters, stream state and rolling
// error statistics.
type HealthStatus struct {
	Healthy        bool           `json:"healthy"`
	ActiveRequests int64          `json:"activeRequests"`
	ActiveStreams  int64          `json:"activeStreams"`
	HeapBytes      uint64         `json:"heapBytes"`
	WindowErrors   int            `json:"windowErrors"`
	WindowCritical int            `json:"windowCritical"`
	ErrorsByKind   map[string]int `json:"errorsByKind,omitempty"`
}
