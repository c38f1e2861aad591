// Package orchestrator runs the per-project session loop: choose the session
// kind, provision the sandbox, drive the agent, record outcomes, and decide
// whether to chain another session.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/buildloop/buildloop/internal/agent"
	"github.com/buildloop/buildloop/internal/common"
	"github.com/buildloop/buildloop/internal/config"
	"github.com/buildloop/buildloop/internal/fault"
	"github.com/buildloop/buildloop/internal/sandbox"
	"github.com/buildloop/buildloop/internal/store"
)

var (
	ErrProjectRunning = errors.New("project already has a running loop")
	ErrNotInitialized = errors.New("project is not initialized")
)

// Orchestrator coordinates parallel project loops with serial sessions
// inside each project.
type Orchestrator struct {
	cfg       config.Config
	store     *store.Store
	sandboxes *sandbox.Manager
	driver    *agent.Driver

	mu        sync.Mutex
	running   map[string]context.CancelFunc
	stopAfter map[string]bool

	background sync.WaitGroup
}

// New wires an orchestrator. Crash recovery is per project, at the moment a
// loop takes the project over (RunLoop), so a second process cannot clobber
// sessions it does not own; cross-project orphans are handled by the
// age-thresholded stale sweep.
func New(ctx context.Context, cfg config.Config, st *store.Store, sandboxes *sandbox.Manager, driver *agent.Driver) (*Orchestrator, error) {
	if st == nil {
		return nil, fmt.Errorf("store required")
	}
	return &Orchestrator{
		cfg:       cfg,
		store:     st,
		sandboxes: sandboxes,
		driver:    driver,
		running:   make(map[string]context.CancelFunc),
		stopAfter: make(map[string]bool),
	}, nil
}

// Close waits for detached background work (deep reviews) to finish.
func (o *Orchestrator) Close() {
	o.background.Wait()
}

// CreateProject registers a project, prepares its workspace and preserves the
// spec file(s) in it. specSource may be a file or a directory of text files;
// directories are concatenated with a filename header separator.
func (o *Orchestrator) CreateProject(ctx context.Context, name, specSource string, force bool) (*store.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fault.New(fault.Precondition, "project name required")
	}
	existing, err := o.store.GetProjectByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if !force {
			return nil, fault.New(fault.Precondition, "project %q already exists", name)
		}
		if err := o.DeleteProject(ctx, existing.ID); err != nil {
			return nil, err
		}
	}
	workspace := filepath.Join(o.cfg.WorkspaceRoot, name)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	specPath, err := copySpec(specSource, workspace)
	if err != nil {
		return nil, err
	}
	policy := store.SandboxPolicy{
		Kind:   o.cfg.Sandbox.Kind,
		Image:  o.cfg.Sandbox.Image,
		Memory: o.cfg.Sandbox.MemoryLimit,
		CPUs:   o.cfg.Sandbox.CPULimit,
	}
	project, err := o.store.CreateProject(ctx, name, specPath, workspace, policy)
	if err != nil {
		return nil, err
	}
	common.Component("orchestrator").Info("orchestrator: project created",
		"project", project.ID, "name", name, "workspace", workspace)
	return project, nil
}

// DeleteProject removes the project's rows (cascading), its sandbox and its
// workspace directory.
func (o *Orchestrator) DeleteProject(ctx context.Context, projectID string) error {
	project, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if err := o.sandboxes.Destroy(ctx, projectID); err != nil {
		common.Component("orchestrator").Warn("orchestrator: sandbox cleanup failed",
			"project", projectID, "error", err)
	}
	if err := o.store.DeleteProject(ctx, projectID); err != nil {
		return err
	}
	if project.Workspace != "" {
		if err := os.RemoveAll(project.Workspace); err != nil {
			return fmt.Errorf("remove workspace: %w", err)
		}
	}
	return nil
}

// ResetProject wipes the hierarchy and session history, keeping the project
// row and workspace so a fresh initializer session can run.
func (o *Orchestrator) ResetProject(ctx context.Context, projectID string) error {
	return o.store.ResetProject(ctx, projectID)
}

// settingStopAfterCurrent is the project-settings key backing the
// stop-after-current flag.
const settingStopAfterCurrent = "stop_after_current"

// StopAfterCurrent lets the running session finish and prevents the loop
// from chaining another. The flag also persists in the project settings so
// it reaches a loop running in another process.
func (o *Orchestrator) StopAfterCurrent(ctx context.Context, projectID string, stop bool) error {
	o.mu.Lock()
	o.stopAfter[projectID] = stop
	o.mu.Unlock()
	return o.store.MergeSettings(ctx, projectID, map[string]any{settingStopAfterCurrent: stop})
}

// stopRequested consults the in-process flag first, then the persisted one.
func (o *Orchestrator) stopRequested(ctx context.Context, projectID string) bool {
	o.mu.Lock()
	requested := o.stopAfter[projectID]
	o.mu.Unlock()
	if requested {
		return true
	}
	settings, err := o.store.Settings(ctx, projectID)
	if err != nil {
		return false
	}
	flag, _ := settings[settingStopAfterCurrent].(bool)
	return flag
}

// clearStopRequest resets both flags once the loop has honored them, so the
// next run is not stopped by a stale request.
func (o *Orchestrator) clearStopRequest(projectID string) {
	o.mu.Lock()
	delete(o.stopAfter, projectID)
	o.mu.Unlock()
	if err := o.store.MergeSettings(context.Background(), projectID, map[string]any{settingStopAfterCurrent: false}); err != nil {
		common.Component("orchestrator").Warn("orchestrator: clear stop request failed",
			"project", projectID, "error", err)
	}
}

// Cancel interrupts the project's running loop, if any. The current session
// finalizes as cancelled.
func (o *Orchestrator) Cancel(projectID string) bool {
	o.mu.Lock()
	cancel := o.running[projectID]
	o.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// acquireLoop registers a project loop; only one runs at a time.
func (o *Orchestrator) acquireLoop(projectID string, cancel context.CancelFunc) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.running[projectID]; busy {
		return ErrProjectRunning
	}
	o.running[projectID] = cancel
	return nil
}

func (o *Orchestrator) releaseLoop(projectID string) {
	o.mu.Lock()
	delete(o.running, projectID)
	delete(o.stopAfter, projectID)
	o.mu.Unlock()
}

// copySpec places the spec content in the workspace as app_spec.<ext>,
// preserving the original extension for single files. Directories are
// concatenated: every *.md, *.txt and README* file under a "# <name>"
// header.
func copySpec(specSource, workspace string) (string, error) {
	specSource = strings.TrimSpace(specSource)
	if specSource == "" {
		return "", fault.New(fault.Precondition, "spec source required")
	}
	info, err := os.Stat(specSource)
	if err != nil {
		return "", fmt.Errorf("stat spec source: %w", err)
	}
	if !info.IsDir() {
		ext := filepath.Ext(specSource)
		if ext == "" {
			ext = ".txt"
		}
		content, err := os.ReadFile(specSource)
		if err != nil {
			return "", fmt.Errorf("read spec: %w", err)
		}
		target := filepath.Join(workspace, "app_spec"+ext)
		if err := os.WriteFile(target, content, 0o644); err != nil {
			return "", fmt.Errorf("write spec: %w", err)
		}
		return target, nil
	}

	var names []string
	for _, pattern := range []string{"*.md", "*.txt", "README*"} {
		matches, err := filepath.Glob(filepath.Join(specSource, pattern))
		if err != nil {
			return "", fmt.Errorf("scan spec dir: %w", err)
		}
		names = append(names, matches...)
	}
	sort.Strings(names)
	seen := make(map[string]bool)
	var parts []string
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		content, err := os.ReadFile(name)
		if err != nil {
			return "", fmt.Errorf("read spec file: %w", err)
		}
		parts = append(parts, fmt.Sprintf("# %s\n\n%s", filepath.Base(name), content))
	}
	if len(parts) == 0 {
		return "", fault.New(fault.Precondition, "spec directory %s holds no text files", specSource)
	}
	target := filepath.Join(workspace, "app_spec.txt")
	if err := os.WriteFile(target, []byte(strings.Join(parts, "\n\n")), 0o644); err != nil {
		return "", fmt.Errorf("write spec: %w", err)
	}
	return target, nil
}
