// Package toolbridge exposes the fixed tool catalog the external agent
// drives: task-store mutations, next-task queries, and sandboxed command
// execution, all bound to a single project and session.
package toolbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/buildloop/buildloop/internal/eventlog"
	"github.com/buildloop/buildloop/internal/fault"
	"github.com/buildloop/buildloop/internal/sandbox"
	"github.com/buildloop/buildloop/internal/store"
)

// maxInputBytes bounds any single tool input payload. Oversized inputs are
// rejected with a bounded-size error before being buffered.
const maxInputBytes = 256 << 10

// Bridge validates and dispatches tool calls for one session. The agent for
// project P can never read or mutate project Q: every store call is scoped by
// the bound project id.
type Bridge struct {
	projectID   string
	sessionID   string
	store       *store.Store
	sandbox     sandbox.Sandbox
	sink        *eventlog.Sink
	execTimeout time.Duration
}

// New binds a bridge to a project, session, sandbox and event sink.
func New(projectID, sessionID string, st *store.Store, sb sandbox.Sandbox, sink *eventlog.Sink, execTimeout time.Duration) *Bridge {
	return &Bridge{
		projectID:   projectID,
		sessionID:   sessionID,
		store:       st,
		sandbox:     sb,
		sink:        sink,
		execTimeout: execTimeout,
	}
}

// Catalog lists the tool names this bridge serves, sorted.
func Catalog() []string {
	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type handlerFunc func(ctx context.Context, b *Bridge, input json.RawMessage) (any, error)

var handlers = map[string]handlerFunc{
	"task_status":        handleTaskStatus,
	"get_next_task":      handleNextTask,
	"list_epics":         handleListEpics,
	"get_epic":           handleGetEpic,
	"list_tasks":         handleListTasks,
	"get_task":           handleGetTask,
	"list_tests":         handleListTests,
	"create_epic":        handleCreateEpic,
	"create_task":        handleCreateTask,
	"create_test":        handleCreateTest,
	"expand_epic":        handleExpandEpic,
	"start_task":         handleStartTask,
	"update_task_status": handleUpdateTaskStatus,
	"update_test_result": handleUpdateTestResult,
	"log_session":        handleLogSession,
	"exec":               handleExec,
}

// Call dispatches one tool invocation. Failures come back as a structured
// *fault.Error so the agent can recover; nothing panics through this
// boundary.
func (b *Bridge) Call(ctx context.Context, tool string, input json.RawMessage) (any, *fault.Error) {
	if len(input) > maxInputBytes {
		return nil, fault.New(fault.Precondition, "input for %s exceeds %d bytes", tool, maxInputBytes)
	}
	handler, ok := handlers[tool]
	if !ok {
		return nil, fault.New(fault.NotFound, "unknown tool %q", tool)
	}
	result, err := handler(ctx, b, input)
	if err != nil {
		return nil, fault.As(err)
	}
	return result, nil
}

func decode[T any](input json.RawMessage) (T, error) {
	var req T
	if len(input) == 0 {
		return req, nil
	}
	dec := json.NewDecoder(strings.NewReader(string(input)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var zero T
		return zero, fault.New(fault.Precondition, "malformed input: %v", err)
	}
	return req, nil
}

func handleTaskStatus(ctx context.Context, b *Bridge, _ json.RawMessage) (any, error) {
	progress, err := b.store.ProjectProgress(ctx, b.projectID)
	if err != nil {
		return nil, err
	}
	next, err := b.store.NextTask(ctx, b.projectID)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"progress": progress}
	if next != nil {
		out["next_task"] = next
	}
	return out, nil
}

func handleNextTask(ctx context.Context, b *Bridge, _ json.RawMessage) (any, error) {
	next, err := b.store.NextTask(ctx, b.projectID)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return map[string]any{"done": true}, nil
	}
	tests, err := b.store.ListTests(ctx, b.projectID, next.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"task": next, "tests": tests}, nil
}

func handleListEpics(ctx context.Context, b *Bridge, _ json.RawMessage) (any, error) {
	return b.store.ListEpics(ctx, b.projectID)
}

func handleGetEpic(ctx context.Context, b *Bridge, input json.RawMessage) (any, error) {
	req, err := decode[struct {
		EpicID int64 `json:"epic_id"`
	}](input)
	if err != nil {
		return nil, err
	}
	return b.store.GetEpic(ctx, b.projectID, req.EpicID)
}

func handleListTasks(ctx context.Context, b *Bridge, input json.RawMessage) (any, error) {
	req, err := decode[struct {
		EpicID int64 `json:"epic_id"`
	}](input)
	if err != nil {
		return nil, err
	}
	return b.store.ListTasks(ctx, b.projectID, req.EpicID)
}

func handleGetTask(ctx context.Context, b *Bridge, input json.RawMessage) (any, error) {
	req, err := decode[struct {
		TaskID int64 `json:"task_id"`
	}](input)
	if err != nil {
		return nil, err
	}
	task, err := b.store.GetTask(ctx, b.projectID, req.TaskID)
	if err != nil {
		return nil, err
	}
	tests, err := b.store.ListTests(ctx, b.projectID, req.TaskID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"task": task, "tests": tests}, nil
}

func handleListTests(ctx context.Context, b *Bridge, input json.RawMessage) (any, error) {
	req, err := decode[struct {
		TaskID int64 `json:"task_id"`
	}](input)
	if err != nil {
		return nil, err
	}
	return b.store.ListTests(ctx, b.projectID, req.TaskID)
}

func handleCreateEpic(ctx context.Context, b *Bridge, input json.RawMessage) (any, error) {
	req, err := decode[struct {
		Ordinal     int    `json:"ordinal"`
		Title       string `json:"title"`
		Description string `json:"description"`
	}](input)
	if err != nil {
		return nil, err
	}
	return b.store.CreateEpic(ctx, b.projectID, req.Ordinal, req.Title, req.Description)
}

func handleCreateTask(ctx context.Context, b *Bridge, input json.RawMessage) (any, error) {
	req, err := decode[struct {
		EpicID      int64  `json:"epic_id"`
		Ordinal     int    `json:"ordinal"`
		Title       string `json:"title"`
		Description string `json:"description"`
	}](input)
	if err != nil {
		return nil, err
	}
	return b.store.CreateTask(ctx, b.projectID, req.EpicID, req.Ordinal, req.Title, req.Description)
}

func handleCreateTest(ctx context.Context, b *Bridge, input json.RawMessage) (any, error) {
	req, err := decode[struct {
		TaskID      int64  `json:"task_id"`
		Description string `json:"description"`
	}](input)
	if err != nil {
		return nil, err
	}
	return b.store.CreateTest(ctx, b.projectID, req.TaskID, req.Description)
}

func handleExpandEpic(ctx context.Context, b *Bridge, input json.RawMessage) (any, error) {
	req, err := decode[struct {
		EpicID int64 `json:"epic_id"`
		Tasks  []struct {
			Ordinal     int    `json:"ordinal"`
			Title       string `json:"title"`
			Description string `json:"description"`
		} `json:"tasks"`
	}](input)
	if err != nil {
		return nil, err
	}
	if len(req.Tasks) == 0 {
		return nil, fault.New(fault.Precondition, "expand_epic requires at least one task")
	}
	created := make([]*store.Task, 0, len(req.Tasks))
	for _, t := range req.Tasks {
		task, err := b.store.CreateTask(ctx, b.projectID, req.EpicID, t.Ordinal, t.Title, t.Description)
		if err != nil {
			return nil, err
		}
		created = append(created, task)
	}
	return created, nil
}

func handleStartTask(ctx context.Context, b *Bridge, input json.RawMessage) (any, error) {
	req, err := decode[struct {
		TaskID int64 `json:"task_id"`
	}](input)
	if err != nil {
		return nil, err
	}
	return b.store.StartTask(ctx, b.projectID, req.TaskID)
}

func handleUpdateTaskStatus(ctx context.Context, b *Bridge, input json.RawMessage) (any, error) {
	req, err := decode[struct {
		TaskID int64 `json:"task_id"`
		Done   bool  `json:"done"`
	}](input)
	if err != nil {
		return nil, err
	}
	return b.store.UpdateTaskStatus(ctx, b.projectID, req.TaskID, req.Done)
}

func handleUpdateTestResult(ctx context.Context, b *Bridge, input json.RawMessage) (any, error) {
	req, err := decode[struct {
		TestID  int64  `json:"test_id"`
		Outcome string `json:"outcome"`
		Note    string `json:"note"`
	}](input)
	if err != nil {
		return nil, err
	}
	return b.store.UpdateTestResult(ctx, b.projectID, req.TestID, req.Outcome, req.Note)
}

// handleLogSession records a free-form housekeeping note in the event stream.
// The orchestrator watches these for explicit markers such as a wrap-up
// request.
func handleLogSession(ctx context.Context, b *Bridge, input json.RawMessage) (any, error) {
	req, err := decode[struct {
		Message string `json:"message"`
	}](input)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, fault.New(fault.Precondition, "message required")
	}
	if b.sink != nil {
		if err := b.sink.Append(eventlog.Event{
			Kind:    eventlog.EventSystemNotice,
			Subtype: eventlog.SubtypeSessionNote,
			Content: req.Message,
		}); err != nil {
			return nil, fmt.Errorf("record note: %w", err)
		}
	}
	return map[string]any{"logged": true}, nil
}

func handleExec(ctx context.Context, b *Bridge, input json.RawMessage) (any, error) {
	req, err := decode[struct {
		Command string `json:"command"`
		Timeout int    `json:"timeout_seconds"`
	}](input)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Command) == "" {
		return nil, fault.New(fault.Precondition, "command required")
	}
	if b.sandbox == nil {
		return nil, fault.Retriable(fault.SandboxUnavailable, "no sandbox bound to this session")
	}
	timeout := b.execTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}
	result, err := b.sandbox.Exec(ctx, req.Command, timeout)
	if err != nil {
		return nil, err
	}
	return result, nil
}
