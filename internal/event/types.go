package event

import "time"

// Type represents the type of event.
type Type string

const (
	PermissionAsked     Type = "permission.asked"
	PermissionReplied   Type = "permission.replied"
	PermissionEscalated Type = "permission.escalated"
	PermissionExpired   Type = "permission.expired"
	StreamOpened        Type = "stream.opened"
	StreamClosed        Type = "stream.closed"
	StreamUnhealthy     Type = "stream.unhealthy"
	RequestAdmitted     Type = "request.admitted"
	RequestRejected     Type = "request.rejected"
	RequestAborted      Type = "request.aborted"
	BridgeHealth        Type = "bridge.health"
)

// Event represents an event to be published.
type Event struct {
	Type Type `json:"type"`
	Data any  `json:"data"`
}

// PermissionAskedData carries a new permission prompt to the approval channel.
type PermissionAskedData struct {
	PromptID  string            `json:"promptID"`
	SessionID string            `json:"sessionID"`
	ToolName  string            `json:"toolName"`
	RiskTier  string            `json:"riskTier"`
	Options   map[string]string `json:"options"`
	Title     string            `json:"title"`
	CreatedAt time.Time         `json:"createdAt"`
}

// PermissionRepliedData records the operator's decision for a prompt.
type PermissionRepliedData struct {
	PromptID  string `json:"promptID"`
	SessionID string `json:"sessionID"`
	Option    string `json:"option"`
	Granted   bool   `json:"granted"`
}

// PermissionEscalatedData is published when a timeout stage elapses
// without a decision.
type PermissionEscalatedData struct {
	PromptID       string `json:"promptID"`
	SessionID      string `json:"sessionID"`
	Stage          int    `json:"stage"`
	EscalationType string `json:"escalationType"`
}

// PermissionExpiredData is published when every stage has elapsed and
// the default policy resolved the prompt.
type PermissionExpiredData struct {
	PromptID string `json:"promptID"`
	ToolName string `json:"toolName"`
	Granted  bool   `json:"granted"`
}

// StreamOpenedData marks the start of a response stream.
type StreamOpenedData struct {
	RequestID string `json:"requestID"`
	SessionID string `json:"sessionID"`
}

// StreamClosedData marks the end of a response stream.
type StreamClosedData struct {
	RequestID string `json:"requestID"`
	Messages  int64  `json:"messages"`
	Bytes     int64  `json:"bytes"`
	Reason    string `json:"reason"`
}

// StreamUnhealthyData is published when the sweep force-closes a stream.
type StreamUnhealthyData struct {
	RequestID string `json:"requestID"`
	Violation string `json:"violation"`
}

// RequestAdmittedData marks an execute request passing admission control.
type RequestAdmittedData struct {
	RequestID string `json:"requestID"`
	SessionID string `json:"sessionID"`
	Active    int64  `json:"active"`
}

// RequestRejectedData marks an execute request denied admission.
type RequestRejectedData struct {
	RequestID string `json:"requestID"`
	Reason    string `json:"reason"`
}

// RequestAbortedData marks a cooperative abort of an in-flight request.
type RequestAbortedData struct {
	RequestID string `json:"requestID"`
}

// BridgeHealthData carries the rolling health assessment.
type BridgeHealthData struct {
	Healthy        bool  `json:"healthy"`
	WindowErrors   int   `json:"windowErrors"`
	WindowCritical int   `json:"windowCritical"`
	ActiveRequests int64 `json:"activeRequests"`
	ActiveStreams  int64 `json:"activeStreams"`
}
