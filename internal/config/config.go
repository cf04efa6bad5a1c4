// Package config loads bridge configuration from JSONC files and
// environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
)

// Config is the root configuration for the bridge process.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Log        LogConfig        `json:"log"`
	Admission  AdmissionConfig  `json:"admission"`
	Sandbox    SandboxConfig    `json:"sandbox"`
	Permission PermissionConfig `json:"permission"`
	Stream     StreamConfig     `json:"stream"`
	Approval   ApprovalConfig   `json:"approval"`
	Agent      AgentConfig      `json:"agent"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Port        int      `json:"port"`
	EnableCORS  bool     `json:"enableCORS"`
	ReadTimeout Duration `json:"readTimeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `json:"level"`
	Pretty bool   `json:"pretty"`
}

// AdmissionConfig bounds concurrent work.
type AdmissionConfig struct {
	// MaxConcurrentRequests is the ceiling on in-flight execute requests.
	MaxConcurrentRequests int64 `json:"maxConcurrentRequests"`
	// MaxHeapBytes denies admission when process heap use exceeds it.
	MaxHeapBytes uint64 `json:"maxHeapBytes"`
	// StreamMultiplier caps active streams at this multiple of the
	// request ceiling. Streams may transiently exceed 1:1 with requests.
	StreamMultiplier int64 `json:"streamMultiplier"`
}

// SandboxConfig bounds file-system helper operations.
type SandboxConfig struct {
	// Root is the allow-listed directory all paths must resolve under.
	Root string `json:"root"`
	// ExcludedGlobs are doublestar patterns for directories scans must
	// not traverse, e.g. "**/node_modules/**".
	ExcludedGlobs []string `json:"excludedGlobs"`
	MaxDepth      int      `json:"maxDepth"`
	MaxFiles      int      `json:"maxFiles"`
	MaxFileBytes  int64    `json:"maxFileBytes"`
}

// StageConfig is one escalation timeout stage.
type StageConfig struct {
	Duration Duration `json:"duration"`
	Label    string   `json:"label"`
}

// PermissionConfig configures the approval flow.
type PermissionConfig struct {
	// CacheTTL bounds how long an allow_always decision is honored.
	CacheTTL Duration `json:"cacheTTL"`
	// Stages drive the escalating approval protocol, in order.
	Stages []StageConfig `json:"stages"`
	// PlanTimeout is the single long stage for plan review.
	PlanTimeout Duration `json:"planTimeout"`
}

// StreamConfig configures stream health and sweeping.
type StreamConfig struct {
	// HardCeiling closes any stream active longer than this.
	HardCeiling Duration `json:"hardCeiling"`
	// IdleCeiling closes an active stream with no events for this long.
	IdleCeiling Duration `json:"idleCeiling"`
	// MaxErrorRatePercent closes a stream whose error rate exceeds it.
	MaxErrorRatePercent float64 `json:"maxErrorRatePercent"`
	// StaleGrace reaps inactive streams left in the registry this long.
	StaleGrace Duration `json:"staleGrace"`
	// SweepInterval is the period of the manager's background sweep.
	SweepInterval Duration `json:"sweepInterval"`
}

// ApprovalConfig selects the approval channel implementation.
type ApprovalConfig struct {
	// Mode is "bus" (event bus + HTTP reply endpoint) or "websocket".
	Mode string `json:"mode"`
	// URL is the websocket endpoint when Mode is "websocket".
	URL string `json:"url"`
}

// AgentConfig tells the bridge how to start the agent engine process.
type AgentConfig struct {
	// Command is the engine executable and its arguments. The engine
	// speaks newline-delimited JSON on stdin/stdout.
	Command []string `json:"command"`
	// Env adds variables to the engine's environment.
	Env map[string]string `json:"env"`
}

// Duration wraps time.Duration with JSON string parsing ("30s", "2m").
type Duration time.Duration

// UnmarshalJSON accepts either a duration string or nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("config: invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("config: invalid duration %s", data)
	}
	*d = Duration(n)
	return nil
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			EnableCORS:  true,
			ReadTimeout: Duration(30 * time.Second),
		},
		Log: LogConfig{Level: "info"},
		Admission: AdmissionConfig{
			MaxConcurrentRequests: 10,
			MaxHeapBytes:          1 << 30, // 1 GiB
			StreamMultiplier:      2,
		},
		Sandbox: SandboxConfig{
			Root:          ".",
			ExcludedGlobs: []string{"**/node_modules/**", "**/.git/**", "**/vendor/**"},
			MaxDepth:      10,
			MaxFiles:      1000,
			MaxFileBytes:  1 << 20, // 1 MiB
		},
		Permission: PermissionConfig{
			CacheTTL: Duration(15 * time.Minute),
			Stages: []StageConfig{
				{Duration: Duration(30 * time.Second), Label: "initial"},
				{Duration: Duration(60 * time.Second), Label: "extended"},
				{Duration: Duration(120 * time.Second), Label: "final"},
			},
			PlanTimeout: Duration(10 * time.Minute),
		},
		Stream: StreamConfig{
			HardCeiling:         Duration(10 * time.Minute),
			IdleCeiling:         Duration(2 * time.Minute),
			MaxErrorRatePercent: 10,
			StaleGrace:          Duration(5 * time.Minute),
			SweepInterval:       Duration(30 * time.Second),
		},
		Approval: ApprovalConfig{Mode: "bus"},
		Agent:    AgentConfig{Command: []string{"agent-engine"}},
	}
}

// Load builds the configuration: defaults, then the JSONC file at path
// (optional), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides selected fields from TOOLGATE_* variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("TOOLGATE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("TOOLGATE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("TOOLGATE_SANDBOX_ROOT"); v != "" {
		cfg.Sandbox.Root = v
	}
	if v := os.Getenv("TOOLGATE_MAX_REQUESTS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Admission.MaxConcurrentRequests = n
		}
	}
	if v := os.Getenv("TOOLGATE_APPROVAL_MODE"); v != "" {
		cfg.Approval.Mode = v
	}
	if v := os.Getenv("TOOLGATE_APPROVAL_URL"); v != "" {
		cfg.Approval.URL = v
	}
	if v := os.Getenv("TOOLGATE_AGENT_COMMAND"); v != "" {
		cfg.Agent.Command = strings.Fields(v)
	}
}

// Validate rejects configurations the bridge cannot run under.
func (c *Config) Validate() error {
	if c.Admission.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("config: maxConcurrentRequests must be positive")
	}
	if c.Admission.StreamMultiplier <= 0 {
		return fmt.Errorf("config: streamMultiplier must be positive")
	}
	if len(c.Permission.Stages) == 0 {
		return fmt.Errorf("config: at least one escalation stage required")
	}
	var prev time.Duration
	for i, stage := range c.Permission.Stages {
		d := stage.Duration.Std()
		if d <= 0 {
			return fmt.Errorf("config: stage %d duration must be positive", i)
		}
		if d < prev {
			return fmt.Errorf("config: stage durations must be non-decreasing, stage %d shrinks", i)
		}
		prev = d
	}
	if c.Approval.Mode != "bus" && c.Approval.Mode != "websocket" {
		return fmt.Errorf("config: unknown approval mode %q", c.Approval.Mode)
	}
	if c.Approval.Mode == "websocket" && c.Approval.URL == "" {
		return fmt.Errorf("config: approval url required in websocket mode")
	}
	return nil
}
