package store

import (
	"database/sql"
	"time"
)

// Status values shared by epics and tasks.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusDone       = "done"
)

// Test outcomes.
const (
	OutcomeUnknown = "unknown"
	OutcomePass    = "pass"
	OutcomeFail    = "fail"
)

// Session kinds.
const (
	KindInitializer = "initializer"
	KindCoding      = "coding"
	KindReview      = "review"
)

// Session statuses. Completed, failed and cancelled are terminal.
const (
	SessionRunning   = "running"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
	SessionCancelled = "cancelled"
)

// Quality check types.
const (
	CheckQuick = "quick"
	CheckDeep  = "deep"
)

// Project owns the full hierarchy below it.
type Project struct {
	ID            string    `db:"id"`
	Name          string    `db:"name"`
	SpecPath      string    `db:"spec_path"`
	Workspace     string    `db:"workspace"`
	SandboxKind   string    `db:"sandbox_kind"`
	SandboxImage  string    `db:"sandbox_image"`
	SandboxMemory string    `db:"sandbox_memory"`
	SandboxCPUs   string    `db:"sandbox_cpus"`
	Settings      string    `db:"settings"`
	CreatedAt     time.Time `db:"created_at"`
}

type Epic struct {
	ID          int64  `db:"id"`
	ProjectID   string `db:"project_id"`
	Ordinal     int    `db:"ordinal"`
	Title       string `db:"title"`
	Description string `db:"description"`
	Status      string `db:"status"`
}

type Task struct {
	ID          int64        `db:"id"`
	EpicID      int64        `db:"epic_id"`
	Ordinal     int          `db:"ordinal"`
	Title       string       `db:"title"`
	Description string       `db:"description"`
	Status      string       `db:"status"`
	StartedAt   sql.NullTime `db:"started_at"`
	CompletedAt sql.NullTime `db:"completed_at"`
}

type Test struct {
	ID          int64  `db:"id"`
	TaskID      int64  `db:"task_id"`
	Description string `db:"description"`
	Outcome     string `db:"outcome"`
	Note        string `db:"note"`
}

// Counters aggregates the per-session tallies written at finalization.
type Counters struct {
	ToolUses int `db:"tool_uses"`
	Errors   int `db:"errors"`
}

// Tokens carries the usage reported by the external agent, zero when absent.
type Tokens struct {
	Input         int64 `db:"tokens_input"`
	Output        int64 `db:"tokens_output"`
	CacheCreation int64 `db:"tokens_cache_creation"`
	CacheRead     int64 `db:"tokens_cache_read"`
}

type Session struct {
	ID            string       `db:"id"`
	ProjectID     string       `db:"project_id"`
	SessionNumber int          `db:"session_number"`
	Kind          string       `db:"kind"`
	Status        string       `db:"status"`
	Model         string       `db:"model"`
	PromptVersion string       `db:"prompt_version"`
	StartedAt     time.Time    `db:"started_at"`
	EndedAt       sql.NullTime `db:"ended_at"`
	ErrorMessage  string       `db:"error_message"`
	Counters
	Tokens
	Metrics string `db:"metrics"`
}

// Terminal reports whether the session has reached an immutable status.
func (s *Session) Terminal() bool {
	switch s.Status {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	}
	return false
}

type QualityCheck struct {
	ID                   int64     `db:"id"`
	SessionID            string    `db:"session_id"`
	CheckType            string    `db:"check_type"`
	Rating               int       `db:"rating"`
	ToolUses             int       `db:"tool_uses"`
	Errors               int       `db:"errors"`
	BrowserVerifications int       `db:"browser_verifications"`
	CriticalIssues       string    `db:"critical_issues"`
	Warnings             string    `db:"warnings"`
	ReviewText           string    `db:"review_text"`
	CreatedAt            time.Time `db:"created_at"`
}

// Progress is the derived per-project completion view.
type Progress struct {
	ProjectID      string `db:"project_id"`
	TotalEpics     int    `db:"total_epics"`
	CompletedEpics int    `db:"completed_epics"`
	TotalTasks     int    `db:"total_tasks"`
	CompletedTasks int    `db:"completed_tasks"`
	TotalTests     int    `db:"total_tests"`
	PassedTests    int    `db:"passed_tests"`
}

// QualityPoint is one entry of the per-project quality trend, ordered by
// session number.
type QualityPoint struct {
	SessionNumber int    `db:"session_number"`
	CheckType     string `db:"check_type"`
	Rating        int    `db:"rating"`
}
