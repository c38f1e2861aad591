package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Models names the default model ids per session kind.
type Models struct {
	Initializer string
	Coding      string
}

// SandboxPolicy is the default execution-isolation policy applied to new
// projects. Kind is "none" or "docker".
type SandboxPolicy struct {
	Kind        string
	Image       string
	MemoryLimit string
	CPULimit    string
	ExecTimeout time.Duration
}

// Config is the single immutable configuration value built at startup and
// threaded into every component constructor.
type Config struct {
	DBPath        string
	WorkspaceRoot string

	AgentCommand   string
	AgentAPIKey    string
	AgentTransport string
	BufferCap      int

	Models            Models
	AutoContinueDelay time.Duration
	SessionTimeout    time.Duration
	MaxIterations     int

	Sandbox SandboxPolicy
}

// DefaultConfig returns the baseline configuration used when no overrides are
// supplied.
func DefaultConfig() Config {
	return Config{
		DBPath:         filepath.Join("data", "buildloop.db"),
		WorkspaceRoot:  filepath.Join("data", "generations"),
		AgentCommand:   "claude",
		AgentTransport: "cli",
		BufferCap:      10 << 20,
		Models: Models{
			Initializer: "claude-sonnet-4-5",
			Coding:      "claude-sonnet-4-5",
		},
		AutoContinueDelay: 3 * time.Second,
		SessionTimeout:    45 * time.Minute,
		MaxIterations:     0,
		Sandbox: SandboxPolicy{
			Kind:        "docker",
			Image:       "node:20-slim",
			MemoryLimit: "2g",
			CPULimit:    "2.0",
			ExecTimeout: 2 * time.Minute,
		},
	}
}

// Load builds a Config from defaults overlaid with environment variables.
func Load() (Config, error) {
	cfg := DefaultConfig()
	if value := strings.TrimSpace(os.Getenv("BUILDLOOP_DB")); value != "" {
		cfg.DBPath = value
	}
	if value := strings.TrimSpace(os.Getenv("BUILDLOOP_HOME")); value != "" {
		cfg.WorkspaceRoot = value
	}
	if value := strings.TrimSpace(os.Getenv("AGENT_CMD")); value != "" {
		cfg.AgentCommand = value
	}
	cfg.AgentAPIKey = strings.TrimSpace(os.Getenv("AGENT_API_KEY"))
	if value := strings.TrimSpace(os.Getenv("AGENT_TRANSPORT")); value != "" {
		cfg.AgentTransport = strings.ToLower(value)
	}
	if value := strings.TrimSpace(os.Getenv("AGENT_BUFFER_CAP")); value != "" {
		capBytes, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse AGENT_BUFFER_CAP: %w", err)
		}
		cfg.BufferCap = capBytes
	}
	if value := strings.TrimSpace(os.Getenv("INITIALIZER_MODEL")); value != "" {
		cfg.Models.Initializer = value
	}
	if value := strings.TrimSpace(os.Getenv("CODING_MODEL")); value != "" {
		cfg.Models.Coding = value
	}
	if value := strings.TrimSpace(os.Getenv("AUTO_CONTINUE_DELAY")); value != "" {
		dur, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse AUTO_CONTINUE_DELAY: %w", err)
		}
		cfg.AutoContinueDelay = dur
	}
	if value := strings.TrimSpace(os.Getenv("SESSION_TIMEOUT")); value != "" {
		dur, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse SESSION_TIMEOUT: %w", err)
		}
		cfg.SessionTimeout = dur
	}
	if value := strings.TrimSpace(os.Getenv("MAX_ITERATIONS")); value != "" {
		iters, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse MAX_ITERATIONS: %w", err)
		}
		if iters < 0 {
			iters = 0
		}
		cfg.MaxIterations = iters
	}
	if value := strings.TrimSpace(os.Getenv("SANDBOX_TYPE")); value != "" {
		cfg.Sandbox.Kind = strings.ToLower(value)
	}
	if value := strings.TrimSpace(os.Getenv("SANDBOX_IMAGE")); value != "" {
		cfg.Sandbox.Image = value
	}
	if value := strings.TrimSpace(os.Getenv("SANDBOX_MEMORY")); value != "" {
		cfg.Sandbox.MemoryLimit = value
	}
	if value := strings.TrimSpace(os.Getenv("SANDBOX_CPUS")); value != "" {
		cfg.Sandbox.CPULimit = value
	}
	if value := strings.TrimSpace(os.Getenv("EXEC_TIMEOUT")); value != "" {
		dur, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse EXEC_TIMEOUT: %w", err)
		}
		cfg.Sandbox.ExecTimeout = dur
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations no component could run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("database path required")
	}
	if strings.TrimSpace(c.WorkspaceRoot) == "" {
		return fmt.Errorf("workspace root required")
	}
	switch c.AgentTransport {
	case "cli", "openai":
	default:
		return fmt.Errorf("unknown agent transport %q", c.AgentTransport)
	}
	switch c.Sandbox.Kind {
	case "none", "docker":
	default:
		return fmt.Errorf("unknown sandbox kind %q", c.Sandbox.Kind)
	}
	if c.BufferCap <= 0 {
		return fmt.Errorf("agent buffer cap must be positive")
	}
	if c.AutoContinueDelay < 0 {
		return fmt.Errorf("auto-continue delay must be non-negative")
	}
	if c.Sandbox.ExecTimeout <= 0 {
		return fmt.Errorf("exec timeout must be positive")
	}
	return nil
}
