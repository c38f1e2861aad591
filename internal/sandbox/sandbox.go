// Package sandbox provides per-project isolated execution environments for
// the commands an agent session runs. Backends are a tagged variant over
// {none, docker}; callers depend only on the capability set.
package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/buildloop/buildloop/internal/common"
	"github.com/buildloop/buildloop/internal/fault"
)

// State is the lifecycle position of a sandbox.
type State string

const (
	StateNotCreated State = "not_created"
	StateStarting   State = "starting"
	StateReady      State = "ready"
	StateStopping   State = "stopping"
	StateGone       State = "gone"
)

// Policy describes how a project's sandbox is provisioned.
type Policy struct {
	Kind        string // "none" or "docker"
	Image       string
	MemoryLimit string
	CPULimit    string
	ExecTimeout time.Duration
}

// ExecResult carries the outcome of one command run inside a sandbox.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Sandbox is the capability set every backend implements.
type Sandbox interface {
	// Start provisions the environment. Idempotent: an already-ready
	// sandbox is adopted, not recreated.
	Start(ctx context.Context) error
	// Exec runs a command at the workspace mount, enforcing the timeout.
	// On timeout the in-sandbox process tree is killed.
	Exec(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error)
	// Stop shuts the environment down. With keep=true the backend may
	// leave it running for reuse by the next session.
	Stop(ctx context.Context, keep bool) error
	// Destroy removes the environment unconditionally. The workspace
	// bind mount survives.
	Destroy(ctx context.Context) error
	// Healthy probes liveness.
	Healthy(ctx context.Context) bool
	// State reports the current lifecycle position.
	State() State
}

// Manager owns at most one live sandbox per project id.
type Manager struct {
	mu     sync.Mutex
	live   map[string]Sandbox
	runner Runner
}

// NewManager builds a Manager. A nil runner uses the host docker CLI.
func NewManager(runner Runner) *Manager {
	if runner == nil {
		runner = execRunner{}
	}
	return &Manager{live: make(map[string]Sandbox), runner: runner}
}

// Acquire returns a ready sandbox for the project, creating one per policy if
// needed. A concurrent earlier start for the same project loses: its handle
// is destroyed and the newer acquire proceeds.
func (m *Manager) Acquire(ctx context.Context, projectID, workspace string, policy Policy) (Sandbox, error) {
	m.mu.Lock()
	existing := m.live[projectID]
	if existing != nil {
		switch existing.State() {
		case StateReady:
			m.mu.Unlock()
			if existing.Healthy(ctx) {
				return existing, nil
			}
			m.mu.Lock()
		case StateStarting:
			// Newer start wins; the in-flight one is abandoned.
			common.Component("sandbox").Warn("sandbox: superseding in-flight start", "project", projectID)
		}
		delete(m.live, projectID)
		m.mu.Unlock()
		_ = existing.Destroy(ctx)
		m.mu.Lock()
	}
	sb, err := m.build(projectID, workspace, policy)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.live[projectID] = sb
	m.mu.Unlock()

	if err := sb.Start(ctx); err != nil {
		m.mu.Lock()
		if m.live[projectID] == sb {
			delete(m.live, projectID)
		}
		m.mu.Unlock()
		return nil, err
	}
	return sb, nil
}

// Release parks or removes the project's sandbox after a session. The default
// on orderly session end is keep=true.
func (m *Manager) Release(ctx context.Context, projectID string, keep bool) error {
	m.mu.Lock()
	sb := m.live[projectID]
	if !keep {
		delete(m.live, projectID)
	}
	m.mu.Unlock()
	if sb == nil {
		return nil
	}
	return sb.Stop(ctx, keep)
}

// Destroy removes the project's sandbox unconditionally. Used on project
// deletion.
func (m *Manager) Destroy(ctx context.Context, projectID string) error {
	m.mu.Lock()
	sb := m.live[projectID]
	delete(m.live, projectID)
	m.mu.Unlock()
	if sb == nil {
		// No live handle; remove any leftover container by name.
		docker := &dockerSandbox{projectID: projectID, runner: m.runner}
		return docker.Destroy(ctx)
	}
	return sb.Destroy(ctx)
}

func (m *Manager) build(projectID, workspace string, policy Policy) (Sandbox, error) {
	switch strings.ToLower(strings.TrimSpace(policy.Kind)) {
	case "none", "":
		return newHostSandbox(workspace), nil
	case "docker":
		return newDockerSandbox(projectID, workspace, policy, m.runner), nil
	default:
		return nil, fault.New(fault.SandboxUnavailable, "unknown sandbox kind %q", policy.Kind)
	}
}

// ContainerName is the canonical container name for a project sandbox.
func ContainerName(projectID string) string {
	return "project-" + projectID
}

// MountPath is the canonical in-sandbox workspace path.
const MountPath = "/workspace"

func classifyExit(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("sandbox exec: %w", err)
}
