package bridgeerr

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
	"strings"
	"syscall"
)

// classifyRule pairs a set of message substrings with a kind. Rules are
// evaluated in order; the first match wins.
type classifyRule struct {
	kind     Kind
	patterns []string
}

var classifyRules = []classifyRule{
	{KindTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{KindPermission, []string{"permission denied by user", "permission rejected", "not permitted by operator"}},
	{KindFileSystem, []string{"no such file", "file exists", "is a directory", "not a directory", "read-only file system"}},
	{KindNetwork, []string{"connection refused", "connection reset", "no route to host", "broken pipe", "dns", "tls", "network is unreachable"}},
	{KindValidation, []string{"invalid", "missing required", "malformed", "must not be empty"}},
	{KindStream, []string{"stream closed", "stream already", "flusher", "client disconnected"}},
	{KindConfiguration, []string{"config", "misconfigured", "unknown provider"}},
	{KindResource, []string{"too many", "capacity", "quota", "out of memory", "resource exhausted"}},
	{KindSdkExecution, []string{"agent step", "sdk", "model returned", "tool execution failed"}},
}

// Classify converts an arbitrary error into a Kind by ordered pattern
// matching, preferring typed sentinel checks over message scraping.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EACCES):
		return KindPermission
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrExist):
		return KindFileSystem
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range classifyRules {
		for _, pattern := range rule.patterns {
			if strings.Contains(msg, pattern) {
				return rule.kind
			}
		}
	}

	return KindUnknown
}

// Wrap classifies a raw error and returns it as a *Error carrying the
// given context. Already-classified errors pass through unchanged.
func Wrap(err error, ctx Context) *Error {
	if err == nil {
		return nil
	}
	if be, ok := As(err); ok {
		return be
	}
	return New(Classify(err), ctx, err)
}
