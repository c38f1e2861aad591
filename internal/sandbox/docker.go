package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/buildloop/buildloop/internal/common"
	"github.com/buildloop/buildloop/internal/fault"
)

// Runner executes a host binary and returns its output. Abstracted so tests
// can substitute a fake container runtime.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr string, exitCode int, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err := cmd.Run()
	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
		err = nil
	}
	return outBuf.String(), errBuf.String(), exitCode, err
}

// dockerSandbox drives a long-lived container named project-<id> with the
// project workspace bind-mounted at /workspace. File persistence between
// sessions comes from the bind mount, never from container state.
type dockerSandbox struct {
	projectID string
	workspace string
	policy    Policy
	runner    Runner

	mu    sync.Mutex
	state State
}

func newDockerSandbox(projectID, workspace string, policy Policy, runner Runner) *dockerSandbox {
	return &dockerSandbox{
		projectID: projectID,
		workspace: workspace,
		policy:    policy,
		runner:    runner,
		state:     StateNotCreated,
	}
}

func (d *dockerSandbox) name() string { return ContainerName(d.projectID) }

func (d *dockerSandbox) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

func (d *dockerSandbox) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Start adopts a healthy container of the canonical name, or creates a fresh
// one with the policy's resource caps and an idle keep-alive process.
func (d *dockerSandbox) Start(ctx context.Context) error {
	logger := common.Component("sandbox")
	d.setState(StateStarting)

	out, _, code, err := d.runner.Run(ctx, "docker", "inspect", "-f", "{{.State.Running}}", d.name())
	if err != nil {
		d.setState(StateGone)
		return fault.Retriable(fault.SandboxUnavailable, "container runtime unreachable: %v", err)
	}
	switch {
	case code == 0 && strings.TrimSpace(out) == "true":
		logger.Info("sandbox: adopting running container", "container", d.name())
		d.setState(StateReady)
		return nil
	case code == 0:
		// Exists but stopped; remove so the fresh create sees a clean slate.
		if _, _, _, err := d.runner.Run(ctx, "docker", "rm", "-f", d.name()); err != nil {
			d.setState(StateGone)
			return fault.Retriable(fault.SandboxUnavailable, "remove stale container: %v", err)
		}
	}

	args := []string{
		"run", "-d",
		"--name", d.name(),
		"-v", d.workspace + ":" + MountPath,
		"-w", MountPath,
	}
	if d.policy.MemoryLimit != "" {
		args = append(args, "--memory", d.policy.MemoryLimit)
	}
	if d.policy.CPULimit != "" {
		args = append(args, "--cpus", d.policy.CPULimit)
	}
	image := d.policy.Image
	if image == "" {
		image = "node:20-slim"
	}
	args = append(args, image, "tail", "-f", "/dev/null")

	_, stderr, code, err := d.runner.Run(ctx, "docker", args...)
	if err != nil || code != 0 {
		d.setState(StateGone)
		return fault.Retriable(fault.SandboxUnavailable, "create container: %s", strings.TrimSpace(stderr))
	}

	// Minimal tool pre-install. Failures are logged, never fatal: the agent
	// can install what it needs itself.
	setup := "command -v git >/dev/null 2>&1 || (apt-get update -qq && apt-get install -y -qq git curl procps) || true"
	if _, stderr, code, err := d.runner.Run(ctx, "docker", "exec", d.name(), "sh", "-lc", setup); err != nil || code != 0 {
		logger.Warn("sandbox: setup script failed", "container", d.name(), "stderr", strings.TrimSpace(stderr))
	}

	logger.Info("sandbox: container ready", "container", d.name(), "image", image)
	d.setState(StateReady)
	return nil
}

// Exec runs the command at the mount path inside the container. The wall
// clock is enforced by timeout(1) inside the container so the whole process
// tree dies with it, plus an outer context deadline as a backstop.
func (d *dockerSandbox) Exec(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error) {
	if d.State() != StateReady {
		return nil, fault.Retriable(fault.SandboxUnavailable, "sandbox for project %s is not ready", d.projectID)
	}
	if timeout <= 0 {
		timeout = d.policy.ExecTimeout
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	seconds := int(timeout / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout+10*time.Second)
	defer cancel()

	wrapped := fmt.Sprintf("cd %s && timeout -k 5 %d sh -c %s", MountPath, seconds, shellQuote(command))
	stdout, stderr, code, err := d.runner.Run(execCtx, "docker", "exec", d.name(), "sh", "-lc", wrapped)
	if execCtx.Err() != nil {
		d.killProcessTree(context.Background())
		return nil, fault.New(fault.Timeout, "command exceeded %s", timeout)
	}
	if err != nil {
		return nil, classifyExit(err)
	}
	if code == 124 || code == 137 && strings.Contains(stderr, "timeout") {
		return nil, fault.New(fault.Timeout, "command exceeded %s", timeout)
	}
	return &ExecResult{Stdout: stdout, Stderr: stderr, ExitCode: code}, nil
}

// killProcessTree reaps whatever the timed-out exec left behind.
func (d *dockerSandbox) killProcessTree(ctx context.Context) {
	killCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, _, _, err := d.runner.Run(killCtx, "docker", "exec", d.name(), "sh", "-c", "pkill -9 -P 1 || true"); err != nil {
		common.Component("sandbox").Warn("sandbox: process tree kill failed", "container", d.name(), "error", err)
	}
}

// Stop leaves the container running when keep is set (the default on orderly
// session end), otherwise stops and removes it.
func (d *dockerSandbox) Stop(ctx context.Context, keep bool) error {
	if keep {
		return nil
	}
	return d.Destroy(ctx)
}

// Destroy removes the container unconditionally. The workspace survives.
func (d *dockerSandbox) Destroy(ctx context.Context) error {
	d.setState(StateStopping)
	_, stderr, code, err := d.runner.Run(ctx, "docker", "rm", "-f", d.name())
	d.setState(StateGone)
	if err != nil {
		return fault.Retriable(fault.SandboxUnavailable, "remove container: %v", err)
	}
	if code != 0 && !strings.Contains(stderr, "No such container") {
		return fault.New(fault.SandboxUnavailable, "remove container: %s", strings.TrimSpace(stderr))
	}
	return nil
}

func (d *dockerSandbox) Healthy(ctx context.Context) bool {
	out, _, code, err := d.runner.Run(ctx, "docker", "inspect", "-f", "{{.State.Running}}", d.name())
	return err == nil && code == 0 && strings.TrimSpace(out) == "true"
}

// shellQuote wraps a command for safe transport through sh -c.
func shellQuote(command string) string {
	return "'" + strings.ReplaceAll(command, "'", `'\''`) + "'"
}
