package server

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/toolgate/toolgate/internal/stream"
	"github.com/toolgate/toolgate/pkg/types"
)

// execute runs one agent turn, streaming steps back as SSE. Validation
// and admission failures return a JSON error before any SSE bytes go
// out; once the stream opens, errors travel on the stream itself.
func (s *Server) execute(w http.ResponseWriter, r *http.Request) {
	var req types.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if req.RequestID == "" {
		req.RequestID = ulid.Make().String()
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	// Headers go out on the first event, so pre-stream rejections can
	// still answer with a JSON status.
	var started atomic.Bool
	transport := stream.TransportFunc(func(ev types.StreamEvent) error {
		if started.CompareAndSwap(false, true) {
			setSSEHeaders(w)
			w.Header().Set("X-Request-ID", req.RequestID)
			w.WriteHeader(http.StatusOK)
		}
		return sse.writeEvent("message", ev)
	})

	// Escalating permission waits can hold the stream quiet for
	// minutes; heartbeats keep intermediaries from cutting it.
	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	go func() {
		ticker := time.NewTicker(SSEHeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatDone:
				return
			case <-ticker.C:
				if started.Load() {
					sse.writeHeartbeat()
				}
			}
		}
	}()

	execErr := s.orch.Execute(r.Context(), req, transport)
	if execErr != nil && !started.Load() {
		writeBridgeError(w, execErr)
	}
}

// abort cancels an in-flight execute request and releases any prompt
// waiting on its behalf.
func (s *Server) abort(w http.ResponseWriter, r *http.Request) {
	var req types.AbortRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if req.RequestID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "requestID is required")
		return
	}

	aborted := s.orch.Abort(req.RequestID)
	s.permissions.AbortRequest(req.RequestID)

	s.logger.Info().
		Str("requestID", req.RequestID).
		Bool("aborted", aborted).
		Msg("abort requested")

	writeJSON(w, http.StatusOK, map[string]bool{"aborted": aborted})
}

// pendingPermissions lists prompts still waiting for an operator reply.
func (s *Server) pendingPermissions(w http.ResponseWriter, r *http.Request) {
	prompts := s.permissions.PendingPrompts()
	writeJSON(w, http.StatusOK, map[string]any{"prompts": prompts})
}

// replyPermission applies an operator decision to a pending prompt.
// A reply for a prompt that already resolved is acknowledged and
// ignored; operators race timeouts and that race is not an error.
func (s *Server) replyPermission(w http.ResponseWriter, r *http.Request) {
	var reply types.PermissionReply
	if err := json.NewDecoder(r.Body).Decode(&reply); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if reply.PromptID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "promptID is required")
		return
	}
	if reply.SelectedOption == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "selectedOption is required")
		return
	}

	s.permissions.Resolve(reply)
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": true})
}

// scanDirectory lists files under the sandbox root.
func (s *Server) scanDirectory(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "."
	}
	search := r.URL.Query().Get("search")

	entries, err := s.sandbox.ScanDirectory(path, search)
	if err != nil {
		writeSandboxError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"files": entries})
}

// readFile returns the content of a file inside the sandbox.
func (s *Server) readFile(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "path is required")
		return
	}

	content, err := s.sandbox.ReadFile(path)
	if err != nil {
		writeSandboxError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, content)
}

// health reports admission counters, stream state, and the rolling
// error window. Unhealthy answers 503 so load balancers can act on it.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	status := s.orch.Health()

	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}
