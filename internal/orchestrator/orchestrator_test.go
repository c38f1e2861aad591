package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/buildloop/buildloop/internal/agent"
	"github.com/buildloop/buildloop/internal/config"
	"github.com/buildloop/buildloop/internal/eventlog"
	"github.com/buildloop/buildloop/internal/sandbox"
	"github.com/buildloop/buildloop/internal/store"
)

// scriptedTransport stands in for the external agent: it drives the bridge
// the way a real session would and emits the matching event stream.
type scriptedTransport struct {
	writeInit bool
	block     bool
}

func (s *scriptedTransport) Name() string { return "scripted" }

func (s *scriptedTransport) Stream(ctx context.Context, inv agent.Invocation) <-chan eventlog.Event {
	out := make(chan eventlog.Event, 128)
	go func() {
		defer close(out)
		if s.block {
			<-ctx.Done()
			return
		}
		switch inv.Kind {
		case store.KindInitializer:
			s.runInitializer(ctx, inv, out)
		case store.KindCoding:
			s.runCoding(ctx, inv, out)
		case store.KindReview:
			out <- eventlog.Event{
				Kind:    eventlog.EventAssistantText,
				Content: "## Summary\nReasonable session.\n\nOverall rating: 8/10",
			}
		}
	}()
	return out
}

func (s *scriptedTransport) call(ctx context.Context, inv agent.Invocation, out chan<- eventlog.Event, tool string, input any) (any, bool) {
	encoded, _ := json.Marshal(input)
	out <- eventlog.Event{Kind: eventlog.EventToolUse, ToolName: tool, Content: string(encoded)}
	result, ferr := inv.Bridge.Call(ctx, tool, encoded)
	if ferr != nil {
		out <- eventlog.Event{Kind: eventlog.EventToolResult, ToolName: tool, IsError: true, Content: ferr.Message}
		return nil, false
	}
	payload, _ := json.Marshal(result)
	out <- eventlog.Event{Kind: eventlog.EventToolResult, ToolName: tool, Content: string(payload)}
	return result, true
}

func (s *scriptedTransport) runInitializer(ctx context.Context, inv agent.Invocation, out chan<- eventlog.Event) {
	out <- eventlog.Event{Kind: eventlog.EventAssistantText, Content: "Building the roadmap."}
	epicRaw, ok := s.call(ctx, inv, out, "create_epic", map[string]any{"ordinal": 1, "title": "Core", "description": "everything"})
	if !ok {
		return
	}
	epic := epicRaw.(*store.Epic)
	for i, title := range []string{"Scaffold app", "Add todo list"} {
		taskRaw, ok := s.call(ctx, inv, out, "create_task", map[string]any{
			"epic_id": epic.ID, "ordinal": i + 1, "title": title,
		})
		if !ok {
			return
		}
		task := taskRaw.(*store.Task)
		if _, ok := s.call(ctx, inv, out, "create_test", map[string]any{
			"task_id": task.ID, "description": title + " works",
		}); !ok {
			return
		}
	}
	if s.writeInit {
		os.WriteFile(filepath.Join(inv.Workspace, "init.sh"), []byte("#!/bin/sh\nnpm install\n"), 0o755)
		os.WriteFile(filepath.Join(inv.Workspace, "claude-progress.md"), []byte("# Plan\n"), 0o644)
	}
	s.call(ctx, inv, out, "log_session", map[string]any{"message": "roadmap complete"})
}

func (s *scriptedTransport) runCoding(ctx context.Context, inv agent.Invocation, out chan<- eventlog.Event) {
	nextRaw, ok := s.call(ctx, inv, out, "get_next_task", nil)
	if !ok {
		return
	}
	next, isMap := nextRaw.(map[string]any)
	if !isMap {
		return
	}
	if done, _ := next["done"].(bool); done {
		return
	}
	task := next["task"].(*store.Task)
	tests := next["tests"].([]store.Test)
	if _, ok := s.call(ctx, inv, out, "start_task", map[string]any{"task_id": task.ID}); !ok {
		return
	}
	for _, tst := range tests {
		if _, ok := s.call(ctx, inv, out, "update_test_result", map[string]any{
			"test_id": tst.ID, "outcome": "pass", "note": "checked manually",
		}); !ok {
			return
		}
	}
	if _, ok := s.call(ctx, inv, out, "update_task_status", map[string]any{"task_id": task.ID, "done": true}); !ok {
		return
	}
	s.call(ctx, inv, out, "log_session", map[string]any{"message": eventlog.WrapUpMarker})
}

func newTestOrchestrator(t *testing.T, transport agent.Transport) (*Orchestrator, *store.Store, config.Config) {
	t.Helper()
	base := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DBPath = filepath.Join(base, "tasks.db")
	cfg.WorkspaceRoot = filepath.Join(base, "generations")
	cfg.AutoContinueDelay = 0
	cfg.SessionTimeout = 0
	cfg.Sandbox.Kind = "none"

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	orch, err := New(context.Background(), cfg, st, sandbox.NewManager(nil), agent.NewDriver(transport))
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	t.Cleanup(orch.Close)
	return orch, st, cfg
}

func specFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spec.md")
	if err := os.WriteFile(path, []byte("build a todo app"), 0o644); err != nil {
		t.Fatalf("write spec: %v", err)
	}
	return path
}

func TestInitializerSessionStopsForReview(t *testing.T) {
	orch, st, _ := newTestOrchestrator(t, &scriptedTransport{writeInit: true})
	ctx := context.Background()

	project, err := orch.CreateProject(ctx, "demo", specFile(t), false)
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if _, err := os.Stat(filepath.Join(project.Workspace, "app_spec.md")); err != nil {
		t.Fatalf("spec not preserved in workspace: %v", err)
	}

	last, err := orch.RunLoop(ctx, project.ID)
	if err != nil {
		t.Fatalf("run loop: %v", err)
	}
	if last == nil || last.Kind != store.KindInitializer || last.SessionNumber != 0 {
		t.Fatalf("expected initializer session 0, got %+v", last)
	}
	if last.Status != store.SessionCompleted {
		t.Fatalf("expected completed, got %s", last.Status)
	}

	sessions, err := st.ListSessions(ctx, project.ID)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("initializer must not auto-chain, got %d sessions", len(sessions))
	}
	progress, err := st.ProjectProgress(ctx, project.ID)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if progress.TotalEpics == 0 || progress.TotalTasks == 0 {
		t.Fatalf("roadmap not created: %+v", progress)
	}
	if progress.CompletedTasks != 0 {
		t.Fatalf("no tasks should be completed yet: %+v", progress)
	}
	if last.ToolUses == 0 {
		t.Fatalf("session counters not recorded: %+v", last)
	}
}

func TestCodingSessionsAutoChainUntilDone(t *testing.T) {
	orch, st, _ := newTestOrchestrator(t, &scriptedTransport{writeInit: true})
	ctx := context.Background()

	project, err := orch.CreateProject(ctx, "demo", specFile(t), false)
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if _, err := orch.RunLoop(ctx, project.ID); err != nil {
		t.Fatalf("initializer loop: %v", err)
	}
	last, err := orch.RunLoop(ctx, project.ID)
	if err != nil {
		t.Fatalf("coding loop: %v", err)
	}
	if last == nil || last.Kind != store.KindCoding {
		t.Fatalf("expected coding session, got %+v", last)
	}

	progress, err := st.ProjectProgress(ctx, project.ID)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if progress.CompletedTasks != progress.TotalTasks || progress.TotalTasks == 0 {
		t.Fatalf("expected all tasks complete, got %+v", progress)
	}

	sessions, err := st.ListSessions(ctx, project.ID)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	for i, sess := range sessions {
		if sess.SessionNumber != i {
			t.Fatalf("session numbers not dense: %+v", sessions)
		}
		if !sess.Terminal() {
			t.Fatalf("session %d left non-terminal: %s", i, sess.Status)
		}
	}

	// Every session gets a quick check.
	for _, sess := range sessions {
		checks, err := st.QualityChecks(ctx, sess.ID)
		if err != nil {
			t.Fatalf("quality checks: %v", err)
		}
		if len(checks) == 0 {
			t.Fatalf("session %d missing quick check", sess.SessionNumber)
		}
	}

	// The scripted agent winds every coding session down with the wrap-up
	// marker; the orchestrator must observe it in the event stream and
	// record it on the session.
	var metrics map[string]any
	if err := json.Unmarshal([]byte(last.Metrics), &metrics); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}
	if wrapped, _ := metrics["wrap_up_requested"].(bool); !wrapped {
		t.Fatalf("wrap-up marker not observed: %v", metrics)
	}
}

func TestStopRequestPersistsAcrossProcesses(t *testing.T) {
	orch, st, cfg := newTestOrchestrator(t, &scriptedTransport{writeInit: true})
	ctx := context.Background()

	project, err := orch.CreateProject(ctx, "demo", specFile(t), false)
	if err != nil {
		t.Fatalf("create project: %v", err)
	}

	// A stop request lands in the project settings, so it reaches a loop
	// started by a different orchestrator instance over the same store.
	if err := orch.StopAfterCurrent(ctx, project.ID, true); err != nil {
		t.Fatalf("stop after current: %v", err)
	}
	other, err := New(ctx, cfg, st, sandbox.NewManager(nil), agent.NewDriver(&scriptedTransport{writeInit: true}))
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	defer other.Close()

	last, err := other.RunLoop(ctx, project.ID)
	if err != nil {
		t.Fatalf("run loop: %v", err)
	}
	if last != nil {
		t.Fatalf("loop should stop before running a session, got %+v", last)
	}
	sessions, err := st.ListSessions(ctx, project.ID)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("no session should have run, got %d", len(sessions))
	}

	// Honoring the request clears the flag; the next loop runs normally.
	settings, err := st.Settings(ctx, project.ID)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if flag, _ := settings["stop_after_current"].(bool); flag {
		t.Fatalf("stop flag not cleared after being honored")
	}
	if _, err := other.RunLoop(ctx, project.ID); err != nil {
		t.Fatalf("follow-up loop: %v", err)
	}
	sessions, err = st.ListSessions(ctx, project.ID)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected the initializer to run after the flag cleared, got %d sessions", len(sessions))
	}
}

func TestDeepReviewAttachesWithoutTouchingCounters(t *testing.T) {
	orch, st, _ := newTestOrchestrator(t, &scriptedTransport{writeInit: true})
	ctx := context.Background()

	project, err := orch.CreateProject(ctx, "demo", specFile(t), false)
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if _, err := orch.RunLoop(ctx, project.ID); err != nil {
		t.Fatalf("initializer loop: %v", err)
	}
	if _, err := orch.RunLoop(ctx, project.ID); err != nil {
		t.Fatalf("coding loop: %v", err)
	}
	orch.Close() // wait for background deep reviews

	sessions, err := st.ListSessions(ctx, project.ID)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	var reviewed *store.Session
	for i := range sessions {
		if sessions[i].Kind != store.KindCoding {
			continue
		}
		checks, err := st.QualityChecks(ctx, sessions[i].ID)
		if err != nil {
			t.Fatalf("quality checks: %v", err)
		}
		for _, check := range checks {
			if check.CheckType == store.CheckDeep {
				reviewed = &sessions[i]
				// The scripted sessions never use a browser, so the
				// quick rating lands below 7 and the deep pass must
				// re-extract its own rating from the review text.
				if check.Rating != 8 {
					t.Fatalf("expected extracted rating 8, got %d", check.Rating)
				}
				if check.ReviewText == "" {
					t.Fatalf("deep check missing review text")
				}
			}
		}
	}
	if reviewed == nil {
		t.Fatalf("expected at least one deep review")
	}

	// Deep reviews never mutate the reviewed session's counters.
	fresh, err := st.GetSession(ctx, reviewed.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if fresh.ToolUses != reviewed.ToolUses || fresh.Errors != reviewed.Errors {
		t.Fatalf("deep review mutated counters: %+v vs %+v", fresh, reviewed)
	}
	if _, err := os.Stat(eventlog.ReviewPath(project.Workspace, reviewed.SessionNumber)); err != nil {
		t.Fatalf("review artifact missing: %v", err)
	}
}

func TestCodingFailsFastWithoutBootstrap(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, &scriptedTransport{writeInit: false})
	ctx := context.Background()

	project, err := orch.CreateProject(ctx, "demo", specFile(t), false)
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if _, err := orch.RunLoop(ctx, project.ID); err != nil {
		t.Fatalf("initializer loop: %v", err)
	}
	// Roadmap exists but the initializer never produced init.sh.
	if _, err := orch.RunLoop(ctx, project.ID); err == nil {
		t.Fatalf("expected fail-fast without bootstrap files")
	}
}

func TestCancelFinalizesSessionAsCancelled(t *testing.T) {
	orch, st, _ := newTestOrchestrator(t, &scriptedTransport{block: true})
	ctx := context.Background()

	project, err := orch.CreateProject(ctx, "demo", specFile(t), false)
	if err != nil {
		t.Fatalf("create project: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		orch.RunLoop(ctx, project.ID)
	}()

	// Wait for the session to open, then cancel the loop.
	deadline := time.After(5 * time.Second)
	for {
		open, err := st.ListOpenSessions(ctx, project.ID)
		if err == nil && len(open) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("session never opened")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if !orch.Cancel(project.ID) {
		t.Fatalf("cancel found no running loop")
	}
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("loop did not exit after cancel")
	}

	sessions, err := st.ListSessions(ctx, project.ID)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Status != store.SessionCancelled {
		t.Fatalf("expected one cancelled session, got %+v", sessions)
	}
	open, err := st.ListOpenSessions(ctx, project.ID)
	if err != nil {
		t.Fatalf("open sessions: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("running session left behind: %+v", open)
	}
}

func TestConcurrentLoopsAreRejected(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, &scriptedTransport{block: true})
	ctx := context.Background()
	project, err := orch.CreateProject(ctx, "demo", specFile(t), false)
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		orch.RunLoop(ctx, project.ID)
	}()
	deadline := time.After(5 * time.Second)
	for {
		orch.mu.Lock()
		_, running := orch.running[project.ID]
		orch.mu.Unlock()
		if running {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("loop never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if _, err := orch.RunLoop(ctx, project.ID); err != ErrProjectRunning {
		t.Fatalf("expected ErrProjectRunning, got %v", err)
	}
	orch.Cancel(project.ID)
	<-done
}

func TestCreateProjectFromDirectoryConcatenatesSpecs(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, &scriptedTransport{})
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "overview.md"), []byte("the overview"), 0o644)
	os.WriteFile(filepath.Join(dir, "details.txt"), []byte("the details"), 0o644)

	project, err := orch.CreateProject(context.Background(), "multi", dir, false)
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(project.Workspace, "app_spec.txt"))
	if err != nil {
		t.Fatalf("read spec: %v", err)
	}
	content := string(raw)
	for _, fragment := range []string{"# overview.md", "the overview", "# details.txt", "the details"} {
		if !strings.Contains(content, fragment) {
			t.Fatalf("concatenated spec missing %q:\n%s", fragment, content)
		}
	}
}
