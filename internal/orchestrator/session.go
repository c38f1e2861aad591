package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/buildloop/buildloop/internal/agent"
	"github.com/buildloop/buildloop/internal/common"
	"github.com/buildloop/buildloop/internal/eventlog"
	"github.com/buildloop/buildloop/internal/fault"
	"github.com/buildloop/buildloop/internal/review"
	"github.com/buildloop/buildloop/internal/sandbox"
	"github.com/buildloop/buildloop/internal/store"
	"github.com/buildloop/buildloop/internal/toolbridge"
)

const (
	// consecutiveFailureStop halts auto-chain after this many failed
	// sessions in a row. Cancelled sessions do not count.
	consecutiveFailureStop = 2
	// sessionErrorThreshold triggers early cooperative termination when an
	// error event arrives and the session's error count (tool-result errors
	// included) has reached this many.
	sessionErrorThreshold = 10
	// earlyRetryEventCount bounds how far into the stream a transport
	// failure still earns a one-shot session retry.
	earlyRetryEventCount = 10
	// storageBackoffCap caps the exponential backoff between attempts
	// when the store is unavailable.
	storageBackoffCap = 60 * time.Second
)

// RunLoop executes sessions for a project until the work is done, the budget
// is exhausted, failures accumulate, or the loop is cancelled. Exactly one
// loop runs per project; concurrent calls fail with ErrProjectRunning.
func (o *Orchestrator) RunLoop(ctx context.Context, projectID string) (*store.Session, error) {
	logger := common.Component("orchestrator")
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := o.acquireLoop(projectID, cancel); err != nil {
		return nil, err
	}
	defer o.releaseLoop(projectID)

	// Take over crash leftovers: a session still marked running belongs to
	// a loop that never finalized it.
	if reconciled, err := o.store.ReconcileProject(loopCtx, projectID); err != nil {
		return nil, err
	} else if reconciled > 0 {
		logger.Warn("orchestrator: reconciled orphaned sessions",
			"project", projectID, "count", reconciled)
	}

	var last *store.Session
	consecutiveFailures := 0
	transportRetried := false
	skipNextDelay := false
	storageBackoff := time.Second
	iteration := 0

	for {
		if loopCtx.Err() != nil {
			return last, nil
		}
		if o.stopRequested(loopCtx, projectID) {
			logger.Info("orchestrator: stop after current requested",
				"project", projectID)
			o.clearStopRequest(projectID)
			return last, nil
		}
		project, err := o.store.GetProject(loopCtx, projectID)
		if err != nil {
			return last, err
		}
		if iteration > 0 {
			if done, err := o.projectComplete(loopCtx, projectID); err != nil {
				return last, err
			} else if done {
				logger.Info("orchestrator: all tasks complete",
					"project", projectID)
				return last, nil
			}
			if o.cfg.MaxIterations > 0 && iteration >= o.cfg.MaxIterations {
				logger.Info("orchestrator: iteration budget exhausted",
					"project", projectID, "iterations", iteration)
				return last, nil
			}
			if !skipNextDelay {
				if !sleepCtx(loopCtx, o.cfg.AutoContinueDelay) {
					return last, nil
				}
			}
			skipNextDelay = false
		}
		iteration++

		session, signals, err := o.runSession(loopCtx, project)
		if err != nil {
			// Anything without an explicit classification is assumed to be
			// store trouble: back off and try again rather than abandoning
			// the project loop.
			ferr := fault.Find(err)
			if (ferr == nil || ferr.Kind == fault.Storage) && loopCtx.Err() == nil && !errors.Is(err, ErrNotInitialized) {
				logger.Error("orchestrator: storage unavailable, backing off",
					"project", projectID, "backoff", storageBackoff, "error", err)
				if !sleepCtx(loopCtx, storageBackoff) {
					return last, nil
				}
				storageBackoff *= 2
				if storageBackoff > storageBackoffCap {
					storageBackoff = storageBackoffCap
				}
				continue
			}
			return last, err
		}
		storageBackoff = time.Second
		last = session
		if signals.wrapUp {
			// The agent wound the session down deliberately; chain the next
			// one without the usual pause.
			logger.Info("orchestrator: session wrap-up observed",
				"project", projectID, "session", session.ID)
			skipNextDelay = true
		}

		if session.Kind == store.KindInitializer {
			// Roadmap needs human review before coding begins.
			logger.Info("orchestrator: initializer complete, stopping for review",
				"project", projectID)
			return last, nil
		}
		switch session.Status {
		case store.SessionCancelled:
			return last, nil
		case store.SessionFailed:
			if signals.earlyTransport && !transportRetried {
				transportRetried = true
				logger.Warn("orchestrator: early transport failure, retrying once",
					"project", projectID, "session", session.ID)
				continue
			}
			consecutiveFailures++
			if consecutiveFailures >= consecutiveFailureStop {
				logger.Error("orchestrator: halting after consecutive failures",
					"project", projectID, "failures", consecutiveFailures)
				return last, nil
			}
		default:
			consecutiveFailures = 0
			transportRetried = false
		}
	}
}

// projectComplete reports whether every task is done (and any exist).
func (o *Orchestrator) projectComplete(ctx context.Context, projectID string) (bool, error) {
	progress, err := o.store.ProjectProgress(ctx, projectID)
	if err != nil {
		return false, err
	}
	return progress.TotalTasks > 0 && progress.CompletedTasks >= progress.TotalTasks, nil
}

// runSignals carries the loop-relevant observations of one session run: a
// transport failure early enough to earn a one-shot retry, and a deliberate
// wrap-up marker from the agent.
type runSignals struct {
	earlyTransport bool
	wrapUp         bool
}

// runSession executes one full session: provision, open, drive, finalize,
// quality-gate.
func (o *Orchestrator) runSession(ctx context.Context, project *store.Project) (*store.Session, runSignals, error) {
	logger := common.Component("orchestrator")

	kind := store.KindCoding
	sessions, err := o.store.ListSessions(ctx, project.ID)
	if err != nil {
		return nil, runSignals{}, err
	}
	if len(sessions) == 0 {
		kind = store.KindInitializer
	}

	if kind == store.KindCoding {
		progress, err := o.store.ProjectProgress(ctx, project.ID)
		if err != nil {
			return nil, runSignals{}, err
		}
		if progress.TotalEpics == 0 {
			return nil, runSignals{}, fmt.Errorf("%w: initializer session created no epics", ErrNotInitialized)
		}
		if _, err := os.Stat(filepath.Join(project.Workspace, "init.sh")); err != nil {
			return nil, runSignals{}, fault.New(fault.Precondition,
				"workspace %s is missing init.sh; re-run the initializer before coding", project.Workspace)
		}
	}

	model := o.cfg.Models.Coding
	if kind == store.KindInitializer {
		model = o.cfg.Models.Initializer
	}

	policy := sandbox.Policy{
		Kind:        project.SandboxKind,
		Image:       project.SandboxImage,
		MemoryLimit: project.SandboxMemory,
		CPULimit:    project.SandboxCPUs,
		ExecTimeout: o.cfg.Sandbox.ExecTimeout,
	}
	sb, err := o.sandboxes.Acquire(ctx, project.ID, project.Workspace, policy)
	if err != nil && fault.IsKind(err, fault.SandboxUnavailable) {
		logger.Warn("orchestrator: sandbox start failed, retrying once",
			"project", project.ID, "error", err)
		sb, err = o.sandboxes.Acquire(ctx, project.ID, project.Workspace, policy)
	}
	if err != nil {
		return nil, runSignals{}, err
	}
	defer func() {
		if releaseErr := o.sandboxes.Release(context.Background(), project.ID, true); releaseErr != nil {
			logger.Warn("orchestrator: sandbox release failed",
				"project", project.ID, "error", releaseErr)
		}
	}()

	session, err := o.store.CreateSession(ctx, project.ID, kind, model, agent.PromptVersion)
	if err != nil {
		return nil, runSignals{}, err
	}
	logger.Info("orchestrator: session opened",
		"project", project.ID,
		"session", session.ID, "number", session.SessionNumber, "kind", kind)

	sink, err := eventlog.NewSink(project.Workspace, session.ID, session.SessionNumber, kind)
	if err != nil {
		o.finalizeQuiet(session, store.SessionFailed, err.Error(), store.Counters{}, store.Tokens{}, nil)
		return session, runSignals{}, err
	}

	bridge := toolbridge.New(project.ID, session.ID, o.store, sb, sink, o.cfg.Sandbox.ExecTimeout)
	server := toolbridge.NewServer(bridge)
	if err := server.Start(); err != nil {
		sink.Close()
		o.finalizeQuiet(session, store.SessionFailed, err.Error(), store.Counters{}, store.Tokens{}, nil)
		return session, runSignals{}, err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Close(shutdownCtx)
	}()

	progressBefore, err := o.store.ProjectProgress(ctx, project.ID)
	if err != nil {
		sink.Close()
		o.finalizeQuiet(session, store.SessionFailed, err.Error(), store.Counters{}, store.Tokens{}, nil)
		return session, runSignals{}, err
	}

	started := time.Now().UTC()
	sink.Append(eventlog.Event{
		Kind:        eventlog.EventSessionStart,
		SessionKind: kind,
		Model:       model,
	})

	inv := agent.Invocation{
		SessionID: session.ID,
		Kind:      kind,
		Model:     model,
		Prompt:    agent.RenderPrompt(kind, project.SandboxKind, filepath.Ext(project.SpecPath)),
		Workspace: project.Workspace,
		BufferCap: o.cfg.BufferCap,
		Bridge:    bridge,
		BridgeURL: server.URL(),
	}

	// Soft session cap: crossing it injects a cooperative cancel, never an
	// instantaneous kill.
	sessionCtx, cancelSession := context.WithCancel(ctx)
	defer cancelSession()
	if o.cfg.SessionTimeout > 0 {
		timer := time.AfterFunc(o.cfg.SessionTimeout, cancelSession)
		defer timer.Stop()
	}

	outcome := o.consumeEvents(sessionCtx, cancelSession, sink, o.driver.Run(sessionCtx, inv))

	duration := time.Now().UTC().Sub(started)
	snapshot := sink.Snapshot()
	counters := store.Counters{ToolUses: snapshot.ToolUses, Errors: snapshot.Errors}

	status := store.SessionCompleted
	reason := ""
	switch {
	case ctx.Err() != nil || outcome.cancelled:
		status = store.SessionCancelled
		reason = "session cancelled"
	case outcome.fatalError != "":
		status = store.SessionFailed
		reason = outcome.fatalError
	case outcome.errorOverflow:
		status = store.SessionFailed
		reason = fmt.Sprintf("error threshold crossed (%d errors)", snapshot.Errors)
	}

	sink.Append(eventlog.Event{
		Kind:            eventlog.EventSessionEnd,
		DurationSeconds: duration.Seconds(),
		ToolUseCount:    snapshot.ToolUses,
		ErrorCount:      snapshot.Errors,
		Tokens:          &outcome.tokens,
	})
	if err := sink.Close(); err != nil {
		logger.Warn("orchestrator: close sink", "session", session.ID, "error", err)
	}

	metrics := map[string]any{
		"duration_seconds":      duration.Seconds(),
		"message_count":         outcome.messageCount,
		"response_length":       outcome.responseLength,
		"browser_verifications": snapshot.BrowserCalls,
		"screenshots":           snapshot.Screenshots,
	}
	if progressAfter, err := o.store.ProjectProgress(context.Background(), project.ID); err == nil {
		metrics["tasks_completed"] = progressAfter.CompletedTasks - progressBefore.CompletedTasks
		metrics["tests_passed"] = progressAfter.PassedTests - progressBefore.PassedTests
	}
	if outcome.wrapUp {
		metrics["wrap_up_requested"] = true
	}
	tokens := store.Tokens{
		Input:         outcome.tokens.Input,
		Output:        outcome.tokens.Output,
		CacheCreation: outcome.tokens.CacheCreation,
		CacheRead:     outcome.tokens.CacheRead,
	}
	// Finalization must succeed even when the loop context is already
	// cancelled; the terminal state is what crash recovery keys off.
	finalizeCtx, cancelFinalize := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFinalize()
	if err := o.store.FinalizeSession(finalizeCtx, session.ID, status, reason, counters, tokens, metrics); err != nil {
		return session, runSignals{}, err
	}
	session, err = o.store.GetSession(finalizeCtx, session.ID)
	if err != nil {
		return nil, runSignals{}, err
	}
	logger.Info("orchestrator: session finalized",
		"session", session.ID, "status", status,
		"tool_uses", counters.ToolUses, "errors", counters.Errors)

	o.qualityGate(session, project)
	if kind == store.KindInitializer && status == store.SessionCompleted {
		o.recordTestCoverage(context.Background(), project.ID)
	}

	signals := runSignals{
		earlyTransport: status == store.SessionFailed &&
			outcome.fatalError != "" &&
			outcome.eventCount <= earlyRetryEventCount,
		wrapUp: outcome.wrapUp,
	}
	return session, signals, nil
}

type sessionOutcome struct {
	eventCount     int
	messageCount   int
	responseLength int
	fatalError     string
	errorOverflow  bool
	cancelled      bool
	wrapUp         bool
	tokens         eventlog.Tokens
}

// consumeEvents drains the agent stream in order, appending every event to
// the log. A terminal error event (the last thing the stream yields) fails
// the session; errors crossing the threshold request cooperative termination
// but the stream is still drained.
func (o *Orchestrator) consumeEvents(ctx context.Context, cancelSession context.CancelFunc, sink *eventlog.Sink, events <-chan eventlog.Event) sessionOutcome {
	var outcome sessionOutcome
	var lastError string
	lastWasError := false
	for ev := range events {
		outcome.eventCount++
		if err := sink.Append(ev); err != nil {
			common.Component("orchestrator").Warn("orchestrator: append event failed",
				"error", err)
		}
		lastWasError = false
		switch ev.Kind {
		case eventlog.EventAssistantText:
			outcome.messageCount++
			outcome.responseLength += len(ev.Content)
		case eventlog.EventToolUse:
			// The wrap-up marker travels as a log_session call; the note
			// itself reaches the sink through the bridge, not this stream.
			if strings.Contains(ev.ToolName, "log_session") && containsWrapUpMarker(ev.Content) {
				outcome.wrapUp = true
			}
		case eventlog.EventError:
			lastError = ev.Content
			lastWasError = true
			if sink.Snapshot().Errors >= sessionErrorThreshold && !outcome.errorOverflow {
				outcome.errorOverflow = true
				cancelSession()
			}
		case eventlog.EventSystemNotice:
			switch {
			case ev.Subtype == "result" && ev.Tokens != nil:
				outcome.tokens = *ev.Tokens
			case ev.Subtype == eventlog.SubtypeSessionNote && containsWrapUpMarker(ev.Content):
				outcome.wrapUp = true
			}
		}
	}
	if ctx.Err() != nil && !outcome.errorOverflow {
		outcome.cancelled = true
	}
	if lastWasError {
		outcome.fatalError = lastError
	}
	return outcome
}

// qualityGate always runs the quick path synchronously, then conditionally
// schedules a deep review on the background pool so auto-chain is not
// delayed.
func (o *Orchestrator) qualityGate(session *store.Session, project *store.Project) {
	logger := common.Component("review")
	check, err := review.RunQuick(context.Background(), o.store, session, project.Workspace)
	if err != nil {
		logger.Error("review: quick check failed",
			"session", session.ID, "error", err)
		return
	}
	lastDeep, err := o.store.LastDeepReviewNumber(context.Background(), project.ID)
	if err != nil {
		logger.Warn("review: deep trigger check failed",
			"project", project.ID, "error", err)
		return
	}
	if !review.ShouldTriggerDeep(session.SessionNumber, check.Rating, lastDeep) {
		return
	}
	logger.Info("review: scheduling deep review",
		"session", session.ID, "quick_rating", check.Rating)
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		review.RunDeep(context.Background(), o.driver, o.store, session, project.Workspace, o.cfg.Models.Coding, check.Rating)
	}()
}

// recordTestCoverage snapshots the tasks-with-tests ratio after a successful
// initializer run and stores it in the project settings bag.
func (o *Orchestrator) recordTestCoverage(ctx context.Context, projectID string) {
	logger := common.Component("orchestrator")
	epics, err := o.store.ListEpics(ctx, projectID)
	if err != nil {
		logger.Warn("orchestrator: coverage snapshot failed",
			"project", projectID, "error", err)
		return
	}
	totalTasks := 0
	tasksWithTests := 0
	poorEpics := []string{}
	for _, epic := range epics {
		tasks, err := o.store.ListTasks(ctx, projectID, epic.ID)
		if err != nil {
			logger.Warn("orchestrator: coverage snapshot failed",
				"project", projectID, "error", err)
			return
		}
		epicWith := 0
		for _, task := range tasks {
			totalTasks++
			tests, err := o.store.ListTests(ctx, projectID, task.ID)
			if err != nil {
				continue
			}
			if len(tests) > 0 {
				tasksWithTests++
				epicWith++
			}
		}
		if len(tasks) > 0 && epicWith*2 < len(tasks) {
			poorEpics = append(poorEpics, epic.Title)
		}
	}
	coverage := map[string]any{
		"test_coverage": map[string]any{
			"total_tasks":      totalTasks,
			"tasks_with_tests": tasksWithTests,
			"poor_epics":       poorEpics,
		},
	}
	if err := o.store.MergeSettings(ctx, projectID, coverage); err != nil {
		logger.Warn("orchestrator: store coverage snapshot failed",
			"project", projectID, "error", err)
		return
	}
	if len(poorEpics) > 0 {
		logger.Warn("orchestrator: epics with poor test coverage",
			"project", projectID, "epics", len(poorEpics))
	}
}

// finalizeQuiet finalizes a session on an internal failure path, logging
// instead of propagating the secondary error.
func (o *Orchestrator) finalizeQuiet(session *store.Session, status, reason string, counters store.Counters, tokens store.Tokens, metrics map[string]any) {
	if err := o.store.FinalizeSession(context.Background(), session.ID, status, reason, counters, tokens, metrics); err != nil {
		common.Component("orchestrator").Error("orchestrator: finalize failed",
			"session", session.ID, "error", err)
	}
}

func containsWrapUpMarker(content string) bool {
	return strings.Contains(strings.ToLower(content), eventlog.WrapUpMarker)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// CleanupStaleSessions cancels running sessions that outlived their per-kind
// activity threshold. Exposed for periodic maintenance callers.
func (o *Orchestrator) CleanupStaleSessions(ctx context.Context) (int, error) {
	return o.store.CleanupStaleSessions(ctx)
}
