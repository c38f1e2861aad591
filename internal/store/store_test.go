package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/buildloop/buildloop/internal/fault"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedProject(t *testing.T, st *Store, name string) *Project {
	t.Helper()
	project, err := st.CreateProject(context.Background(), name, "/tmp/spec.md", "/tmp/ws/"+name, SandboxPolicy{Kind: "none"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return project
}

func TestCreateProjectRejectsDuplicateNames(t *testing.T) {
	st := openTestStore(t)
	seedProject(t, st, "demo")
	_, err := st.CreateProject(context.Background(), "demo", "", "", SandboxPolicy{})
	if !fault.IsKind(err, fault.Precondition) {
		t.Fatalf("expected precondition fault, got %v", err)
	}
}

func TestNextTaskFollowsOrdinalOrder(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	project := seedProject(t, st, "demo")

	second, err := st.CreateEpic(ctx, project.ID, 2, "Second epic", "")
	if err != nil {
		t.Fatalf("create epic: %v", err)
	}
	first, err := st.CreateEpic(ctx, project.ID, 1, "First epic", "")
	if err != nil {
		t.Fatalf("create epic: %v", err)
	}
	if _, err := st.CreateTask(ctx, project.ID, second.ID, 1, "Later task", ""); err != nil {
		t.Fatalf("create task: %v", err)
	}
	want, err := st.CreateTask(ctx, project.ID, first.ID, 5, "Earlier epic task", "")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	next, err := st.NextTask(ctx, project.ID)
	if err != nil {
		t.Fatalf("next task: %v", err)
	}
	if next == nil || next.ID != want.ID {
		t.Fatalf("expected task %d from lowest-ordinal epic, got %+v", want.ID, next)
	}

	// Completing it moves the pointer to the later epic.
	if _, err := st.UpdateTaskStatus(ctx, project.ID, want.ID, true); err != nil {
		t.Fatalf("complete task: %v", err)
	}
	next, err = st.NextTask(ctx, project.ID)
	if err != nil {
		t.Fatalf("next task: %v", err)
	}
	if next == nil || next.Title != "Later task" {
		t.Fatalf("expected later task, got %+v", next)
	}
}

func TestTaskDoneRequiresPassingTests(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	project := seedProject(t, st, "demo")
	epic, err := st.CreateEpic(ctx, project.ID, 1, "Epic", "")
	if err != nil {
		t.Fatalf("create epic: %v", err)
	}
	task, err := st.CreateTask(ctx, project.ID, epic.ID, 1, "Task", "")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	testA, err := st.CreateTest(ctx, project.ID, task.ID, "loads the page")
	if err != nil {
		t.Fatalf("create test: %v", err)
	}
	testB, err := st.CreateTest(ctx, project.ID, task.ID, "saves the form")
	if err != nil {
		t.Fatalf("create test: %v", err)
	}

	if _, err := st.UpdateTaskStatus(ctx, project.ID, task.ID, true); !fault.IsKind(err, fault.Precondition) {
		t.Fatalf("expected precondition fault with unknown tests, got %v", err)
	}
	got, err := st.GetTask(ctx, project.ID, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("task status changed by rejected update: %s", got.Status)
	}

	for _, id := range []int64{testA.ID, testB.ID} {
		if _, err := st.UpdateTestResult(ctx, project.ID, id, OutcomePass, "verified"); err != nil {
			t.Fatalf("pass test: %v", err)
		}
	}
	if _, err := st.UpdateTaskStatus(ctx, project.ID, task.ID, true); err != nil {
		t.Fatalf("complete task: %v", err)
	}

	progress, err := st.ProjectProgress(ctx, project.ID)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if progress.CompletedTasks != 1 || progress.CompletedEpics != 1 {
		t.Fatalf("expected 1/1 completion, got %+v", progress)
	}
}

func TestFailingTestReopensTaskAndEpic(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	project := seedProject(t, st, "demo")
	epic, _ := st.CreateEpic(ctx, project.ID, 1, "Epic", "")
	task, _ := st.CreateTask(ctx, project.ID, epic.ID, 1, "Task", "")
	tst, _ := st.CreateTest(ctx, project.ID, task.ID, "works end to end")

	if _, err := st.StartTask(ctx, project.ID, task.ID); err != nil {
		t.Fatalf("start task: %v", err)
	}
	if _, err := st.UpdateTestResult(ctx, project.ID, tst.ID, OutcomePass, ""); err != nil {
		t.Fatalf("pass test: %v", err)
	}
	if _, err := st.UpdateTaskStatus(ctx, project.ID, task.ID, true); err != nil {
		t.Fatalf("complete task: %v", err)
	}

	if _, err := st.UpdateTestResult(ctx, project.ID, tst.ID, OutcomeFail, "regression"); err != nil {
		t.Fatalf("fail test: %v", err)
	}
	got, err := st.GetTask(ctx, project.ID, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != StatusInProgress {
		t.Fatalf("expected task re-opened to in_progress, got %s", got.Status)
	}
	if got.CompletedAt.Valid {
		t.Fatalf("expected completed_at cleared")
	}
	epicRow, err := st.GetEpic(ctx, project.ID, epic.ID)
	if err != nil {
		t.Fatalf("get epic: %v", err)
	}
	if epicRow.Status != StatusInProgress {
		t.Fatalf("expected epic in_progress, got %s", epicRow.Status)
	}
}

func TestSessionNumbersAreDenseAndMonotone(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	project := seedProject(t, st, "demo")

	if _, err := st.CreateSession(ctx, project.ID, KindCoding, "m", "v1"); !fault.IsKind(err, fault.Precondition) {
		t.Fatalf("expected session 0 to require initializer, got %v", err)
	}

	first, err := st.CreateSession(ctx, project.ID, KindInitializer, "m", "v1")
	if err != nil {
		t.Fatalf("create session 0: %v", err)
	}
	if first.SessionNumber != 0 {
		t.Fatalf("expected session number 0, got %d", first.SessionNumber)
	}

	if _, err := st.CreateSession(ctx, project.ID, KindCoding, "m", "v1"); !fault.IsKind(err, fault.Precondition) {
		t.Fatalf("expected overlap rejection while session 0 runs, got %v", err)
	}
	if err := st.FinalizeSession(ctx, first.ID, SessionCompleted, "", Counters{ToolUses: 3}, Tokens{Input: 10}, nil); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	for want := 1; want <= 3; want++ {
		sess, err := st.CreateSession(ctx, project.ID, KindCoding, "m", "v1")
		if err != nil {
			t.Fatalf("create session %d: %v", want, err)
		}
		if sess.SessionNumber != want {
			t.Fatalf("expected session number %d, got %d", want, sess.SessionNumber)
		}
		if err := st.FinalizeSession(ctx, sess.ID, SessionCompleted, "", Counters{}, Tokens{}, nil); err != nil {
			t.Fatalf("finalize: %v", err)
		}
	}

	if _, err := st.CreateSession(ctx, project.ID, KindInitializer, "m", "v1"); !fault.IsKind(err, fault.Precondition) {
		t.Fatalf("expected second initializer rejection, got %v", err)
	}
}

func TestFinalizedSessionsAreImmutable(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	project := seedProject(t, st, "demo")
	sess, _ := st.CreateSession(ctx, project.ID, KindInitializer, "m", "v1")
	if err := st.FinalizeSession(ctx, sess.ID, SessionFailed, "transport died", Counters{}, Tokens{}, nil); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	err := st.FinalizeSession(ctx, sess.ID, SessionCompleted, "", Counters{}, Tokens{}, nil)
	if !fault.IsKind(err, fault.Precondition) {
		t.Fatalf("expected second finalize to fail, got %v", err)
	}

	// Quality checks remain attachable after the terminal transition.
	check := QualityCheck{SessionID: sess.ID, CheckType: CheckQuick, Rating: 6}
	if err := st.AttachQualityCheck(ctx, check); err != nil {
		t.Fatalf("attach quality check: %v", err)
	}
	check.Rating = 7
	if err := st.AttachQualityCheck(ctx, check); err != nil {
		t.Fatalf("re-attach quality check: %v", err)
	}
	checks, err := st.QualityChecks(ctx, sess.ID)
	if err != nil {
		t.Fatalf("list checks: %v", err)
	}
	if len(checks) != 1 || checks[0].Rating != 7 {
		t.Fatalf("expected single upserted quick check with rating 7, got %+v", checks)
	}
}

func TestReconcileProjectCancelsOrphans(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	project := seedProject(t, st, "demo")
	sess, _ := st.CreateSession(ctx, project.ID, KindInitializer, "m", "v1")

	// Another project's running session must stay untouched.
	other := seedProject(t, st, "other")
	otherSess, _ := st.CreateSession(ctx, other.ID, KindInitializer, "m", "v1")

	n, err := st.ReconcileProject(ctx, project.ID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reconciled session, got %d", n)
	}
	untouched, err := st.GetSession(ctx, otherSess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if untouched.Status != SessionRunning {
		t.Fatalf("reconcile crossed project boundaries: %s", untouched.Status)
	}
	got, err := st.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != SessionCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}

	next, err := st.CreateSession(ctx, project.ID, KindCoding, "m", "v1")
	if err != nil {
		t.Fatalf("create follow-up session: %v", err)
	}
	if next.SessionNumber != sess.SessionNumber+1 {
		t.Fatalf("expected session number %d, got %d", sess.SessionNumber+1, next.SessionNumber)
	}
}

func TestScopeIsolationAcrossProjects(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	p := seedProject(t, st, "alpha")
	q := seedProject(t, st, "beta")

	epic, _ := st.CreateEpic(ctx, p.ID, 1, "Alpha epic", "")
	task, _ := st.CreateTask(ctx, p.ID, epic.ID, 1, "Alpha task", "")
	tst, _ := st.CreateTest(ctx, p.ID, task.ID, "alpha test")

	if _, err := st.GetEpic(ctx, q.ID, epic.ID); !fault.IsKind(err, fault.Forbidden) {
		t.Fatalf("expected forbidden epic access, got %v", err)
	}
	if _, err := st.StartTask(ctx, q.ID, task.ID); !fault.IsKind(err, fault.Forbidden) {
		t.Fatalf("expected forbidden task access, got %v", err)
	}
	if _, err := st.UpdateTestResult(ctx, q.ID, tst.ID, OutcomePass, ""); !fault.IsKind(err, fault.Forbidden) {
		t.Fatalf("expected forbidden test access, got %v", err)
	}
	if _, err := st.CreateTask(ctx, q.ID, epic.ID, 2, "Smuggled", ""); !fault.IsKind(err, fault.Forbidden) {
		t.Fatalf("expected forbidden cross-project create, got %v", err)
	}
}

func TestResetProjectAllowsFreshInitializer(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	project := seedProject(t, st, "demo")
	epic, _ := st.CreateEpic(ctx, project.ID, 1, "Epic", "")
	if _, err := st.CreateTask(ctx, project.ID, epic.ID, 1, "Task", ""); err != nil {
		t.Fatalf("create task: %v", err)
	}
	sess, _ := st.CreateSession(ctx, project.ID, KindInitializer, "m", "v1")
	if err := st.FinalizeSession(ctx, sess.ID, SessionCompleted, "", Counters{}, Tokens{}, nil); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if err := st.ResetProject(ctx, project.ID); err != nil {
		t.Fatalf("reset: %v", err)
	}
	progress, err := st.ProjectProgress(ctx, project.ID)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if progress.TotalEpics != 0 || progress.TotalTasks != 0 {
		t.Fatalf("expected empty hierarchy after reset, got %+v", progress)
	}
	fresh, err := st.CreateSession(ctx, project.ID, KindInitializer, "m", "v1")
	if err != nil {
		t.Fatalf("fresh initializer after reset: %v", err)
	}
	if fresh.SessionNumber != 0 {
		t.Fatalf("expected session number 0 after reset, got %d", fresh.SessionNumber)
	}
}
