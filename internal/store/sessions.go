package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/buildloop/buildloop/internal/fault"
)

// CreateSession allocates the next dense session number for the project and
// opens a running session. Session 0 must be the unique initializer; later
// numbers must not be.
func (s *Store) CreateSession(ctx context.Context, projectID, kind, model, promptVersion string) (*Session, error) {
	switch kind {
	case KindInitializer, KindCoding, KindReview:
	default:
		return nil, fault.New(fault.Precondition, "unknown session kind %q", kind)
	}
	var session *Session
	err := s.withProjectLock(projectID, func() error {
		if _, err := s.GetProject(ctx, projectID); err != nil {
			return err
		}
		var active int
		if err := s.db.GetContext(ctx, &active,
			`SELECT COUNT(*) FROM sessions WHERE project_id = ? AND status = ?`, projectID, SessionRunning); err != nil {
			return fmt.Errorf("count running sessions: %w", err)
		}
		if active > 0 {
			return fault.New(fault.Precondition, "project %s already has a running session", projectID)
		}
		var next int
		if err := s.db.GetContext(ctx, &next,
			`SELECT COALESCE(MAX(session_number) + 1, 0) FROM sessions WHERE project_id = ?`, projectID); err != nil {
			return fmt.Errorf("next session number: %w", err)
		}
		if next == 0 && kind != KindInitializer {
			return fault.New(fault.Precondition, "session 0 must be an initializer session")
		}
		if next > 0 && kind == KindInitializer {
			return fault.New(fault.Precondition, "project %s is already initialized", projectID)
		}
		id := uuid.NewString()
		now := time.Now().UTC()
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO sessions (id, project_id, session_number, kind, status, model, prompt_version, started_at)
                         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, projectID, next, kind, SessionRunning, model, promptVersion, now); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		var err error
		session, err = s.GetSession(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// FinalizeSession moves a running session to a terminal status with its
// aggregate counters. Terminal sessions are immutable; a second finalize is a
// precondition fault.
func (s *Store) FinalizeSession(ctx context.Context, sessionID, status, errorMessage string, counters Counters, tokens Tokens, metrics map[string]any) error {
	switch status {
	case SessionCompleted, SessionFailed, SessionCancelled:
	default:
		return fault.New(fault.Precondition, "status %q is not terminal", status)
	}
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	return s.withProjectLock(session.ProjectID, func() error {
		encoded := "{}"
		if len(metrics) > 0 {
			raw, err := json.Marshal(metrics)
			if err != nil {
				return fmt.Errorf("encode metrics: %w", err)
			}
			encoded = string(raw)
		}
		res, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET status = ?, ended_at = ?, error_message = ?,
                                tool_uses = ?, errors = ?,
                                tokens_input = ?, tokens_output = ?, tokens_cache_creation = ?, tokens_cache_read = ?,
                                metrics = ?
                         WHERE id = ? AND status = ?`,
			status, time.Now().UTC(), errorMessage,
			counters.ToolUses, counters.Errors,
			tokens.Input, tokens.Output, tokens.CacheCreation, tokens.CacheRead,
			encoded, sessionID, SessionRunning)
		if err != nil {
			return fmt.Errorf("finalize session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fault.New(fault.Precondition, "session %s is already finalized", sessionID)
		}
		return nil
	})
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	if err := s.db.GetContext(ctx, &sess, `SELECT * FROM sessions WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fault.New(fault.NotFound, "session %s not found", id)
		}
		return nil, fmt.Errorf("select session: %w", err)
	}
	return &sess, nil
}

// ListSessions returns the project's sessions ordered by session number.
func (s *Store) ListSessions(ctx context.Context, projectID string) ([]Session, error) {
	sessions := []Session{}
	if err := s.db.SelectContext(ctx, &sessions,
		`SELECT * FROM sessions WHERE project_id = ? ORDER BY session_number`, projectID); err != nil {
		return nil, fmt.Errorf("select sessions: %w", err)
	}
	return sessions, nil
}

// ListOpenSessions returns the project's running sessions; by design there is
// at most one. Used for crash recovery.
func (s *Store) ListOpenSessions(ctx context.Context, projectID string) ([]Session, error) {
	sessions := []Session{}
	if err := s.db.SelectContext(ctx, &sessions,
		`SELECT * FROM sessions WHERE project_id = ? AND status = ? ORDER BY session_number`,
		projectID, SessionRunning); err != nil {
		return nil, fmt.Errorf("select open sessions: %w", err)
	}
	return sessions, nil
}

// ReconcileProject cancels the project's sessions still marked running,
// leftovers of a crashed or killed loop. Called when a loop takes the
// project over; sessions of other projects are never touched, so a loop
// running in another process stays undisturbed.
func (s *Store) ReconcileProject(ctx context.Context, projectID string) (int, error) {
	var n int64
	err := s.withProjectLock(projectID, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET status = ?, ended_at = ?, error_message = ?
                         WHERE project_id = ? AND status = ?`,
			SessionCancelled, time.Now().UTC(), "orchestrator restarted while session was running",
			projectID, SessionRunning)
		if err != nil {
			return fmt.Errorf("reconcile sessions: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// staleAfter returns the per-kind age threshold, measured from the session's
// start, after which a running session is considered orphaned.
func staleAfter(kind string) time.Duration {
	switch kind {
	case KindInitializer:
		return 30 * time.Minute
	case KindReview:
		return 5 * time.Minute
	default:
		return 10 * time.Minute
	}
}

// CleanupStaleSessions cancels running sessions that have outlived their
// per-kind threshold. Handles sleeps, kills and crashes that skipped the
// orderly finalize path.
func (s *Store) CleanupStaleSessions(ctx context.Context) (int, error) {
	open := []Session{}
	if err := s.db.SelectContext(ctx, &open,
		`SELECT * FROM sessions WHERE status = ?`, SessionRunning); err != nil {
		return 0, fmt.Errorf("select running sessions: %w", err)
	}
	now := time.Now().UTC()
	cleaned := 0
	for _, sess := range open {
		if now.Sub(sess.StartedAt) < staleAfter(sess.Kind) {
			continue
		}
		res, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET status = ?, ended_at = ?, error_message = ? WHERE id = ? AND status = ?`,
			SessionCancelled, now, "session stale: running past per-kind age threshold", sess.ID, SessionRunning)
		if err != nil {
			return cleaned, fmt.Errorf("cancel stale session: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			cleaned++
		}
	}
	return cleaned, nil
}

// AttachQualityCheck upserts the quality check row for (session, kind).
// Quality checks are the only mutation allowed on finalized sessions.
func (s *Store) AttachQualityCheck(ctx context.Context, check QualityCheck) error {
	switch check.CheckType {
	case CheckQuick, CheckDeep:
	default:
		return fault.New(fault.Precondition, "unknown check type %q", check.CheckType)
	}
	if check.Rating < 1 || check.Rating > 10 {
		return fault.New(fault.Precondition, "rating %d out of range 1-10", check.Rating)
	}
	session, err := s.GetSession(ctx, check.SessionID)
	if err != nil {
		return err
	}
	return s.withProjectLock(session.ProjectID, func() error {
		if check.CriticalIssues == "" {
			check.CriticalIssues = "[]"
		}
		if check.Warnings == "" {
			check.Warnings = "[]"
		}
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO quality_checks (session_id, check_type, rating, tool_uses, errors, browser_verifications, critical_issues, warnings, review_text)
                         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
                         ON CONFLICT(session_id, check_type) DO UPDATE SET
                                rating = excluded.rating,
                                tool_uses = excluded.tool_uses,
                                errors = excluded.errors,
                                browser_verifications = excluded.browser_verifications,
                                critical_issues = excluded.critical_issues,
                                warnings = excluded.warnings,
                                review_text = excluded.review_text`,
			check.SessionID, check.CheckType, check.Rating, check.ToolUses, check.Errors,
			check.BrowserVerifications, check.CriticalIssues, check.Warnings, check.ReviewText)
		if err != nil {
			return fmt.Errorf("upsert quality check: %w", err)
		}
		return nil
	})
}

// QualityChecks returns the checks attached to a session.
func (s *Store) QualityChecks(ctx context.Context, sessionID string) ([]QualityCheck, error) {
	checks := []QualityCheck{}
	if err := s.db.SelectContext(ctx, &checks,
		`SELECT * FROM quality_checks WHERE session_id = ? ORDER BY check_type`, sessionID); err != nil {
		return nil, fmt.Errorf("select quality checks: %w", err)
	}
	return checks, nil
}

// LastDeepReviewNumber returns the highest session number holding a deep
// check, or -1 when the project has none.
func (s *Store) LastDeepReviewNumber(ctx context.Context, projectID string) (int, error) {
	var num sql.NullInt64
	err := s.db.GetContext(ctx, &num,
		`SELECT MAX(s.session_number)
                 FROM quality_checks q INNER JOIN sessions s ON s.id = q.session_id
                 WHERE s.project_id = ? AND q.check_type = ?`, projectID, CheckDeep)
	if err != nil {
		return -1, fmt.Errorf("select last deep review: %w", err)
	}
	if !num.Valid {
		return -1, nil
	}
	return int(num.Int64), nil
}
