package sandbox

import (
	"bytes"
	"context"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/buildloop/buildloop/internal/fault"
	"github.com/buildloop/buildloop/internal/security"
)

// hostSandbox is the "none" policy: commands run directly on the host in the
// project workspace. Because there is no containment, every command passes
// the security gate first.
type hostSandbox struct {
	workspace string

	mu    sync.Mutex
	state State
}

func newHostSandbox(workspace string) *hostSandbox {
	return &hostSandbox{workspace: workspace, state: StateNotCreated}
}

func (h *hostSandbox) Start(ctx context.Context) error {
	h.mu.Lock()
	h.state = StateReady
	h.mu.Unlock()
	return nil
}

func (h *hostSandbox) Exec(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error) {
	if h.State() != StateReady {
		return nil, fault.Retriable(fault.SandboxUnavailable, "host sandbox not started")
	}
	if err := security.Gate(command); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	cmd.Dir = h.workspace
	// Own process group so a timeout can take the whole tree down.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	if execCtx.Err() == context.DeadlineExceeded {
		return nil, fault.New(fault.Timeout, "command exceeded %s", timeout)
	}
	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		return nil, classifyExit(err)
	}
	return &ExecResult{Stdout: outBuf.String(), Stderr: errBuf.String(), ExitCode: exitCode}, nil
}

func (h *hostSandbox) Stop(ctx context.Context, keep bool) error {
	if keep {
		return nil
	}
	return h.Destroy(ctx)
}

func (h *hostSandbox) Destroy(ctx context.Context) error {
	h.mu.Lock()
	h.state = StateGone
	h.mu.Unlock()
	return nil
}

func (h *hostSandbox) Healthy(ctx context.Context) bool {
	return h.State() == StateReady
}

func (h *hostSandbox) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}
