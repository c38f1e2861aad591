package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/buildloop/buildloop/internal/fault"
)

// SandboxPolicy is the per-project isolation policy persisted on the row.
type SandboxPolicy struct {
	Kind   string
	Image  string
	Memory string
	CPUs   string
}

// CreateProject registers a new project owning its workspace and hierarchy.
// The name must be unique.
func (s *Store) CreateProject(ctx context.Context, name, specPath, workspace string, policy SandboxPolicy) (*Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fault.New(fault.Precondition, "project name required")
	}
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, spec_path, workspace, sandbox_kind, sandbox_image, sandbox_memory, sandbox_cpus)
                 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, name, specPath, workspace, policy.Kind, policy.Image, policy.Memory, policy.CPUs)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, fault.New(fault.Precondition, "project %q already exists", name)
		}
		return nil, fmt.Errorf("insert project: %w", err)
	}
	return s.GetProject(ctx, id)
}

// GetProject fetches a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	if err := s.db.GetContext(ctx, &p, `SELECT * FROM projects WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fault.New(fault.NotFound, "project %s not found", id)
		}
		return nil, fmt.Errorf("select project: %w", err)
	}
	return &p, nil
}

// GetProjectByName fetches a project by its unique name, nil when absent.
func (s *Store) GetProjectByName(ctx context.Context, name string) (*Project, error) {
	var p Project
	err := s.db.GetContext(ctx, &p, `SELECT * FROM projects WHERE name = ?`, strings.TrimSpace(name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select project by name: %w", err)
	}
	return &p, nil
}

// ListProjects returns all projects ordered by creation time.
func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	projects := []Project{}
	if err := s.db.SelectContext(ctx, &projects, `SELECT * FROM projects ORDER BY created_at, name`); err != nil {
		return nil, fmt.Errorf("select projects: %w", err)
	}
	return projects, nil
}

// DeleteProject removes the project row; epics, tasks, tests, sessions and
// quality checks cascade. Workspace and sandbox cleanup is the caller's job.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	return s.withProjectLock(id, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete project: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fault.New(fault.NotFound, "project %s not found", id)
		}
		return nil
	})
}

// ResetProject wipes the hierarchy and session history but keeps the project
// row, allowing a fresh initializer session on the preserved workspace.
func (s *Store) ResetProject(ctx context.Context, id string) error {
	return s.withProjectLock(id, func() error {
		if _, err := s.GetProject(ctx, id); err != nil {
			return err
		}
		return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
			if _, err := tx.ExecContext(ctx, `DELETE FROM epics WHERE project_id = ?`, id); err != nil {
				return fmt.Errorf("delete epics: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE project_id = ?`, id); err != nil {
				return fmt.Errorf("delete sessions: %w", err)
			}
			return nil
		})
	})
}

// Settings returns the project's free-form settings bag.
func (s *Store) Settings(ctx context.Context, id string) (map[string]any, error) {
	p, err := s.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if strings.TrimSpace(p.Settings) == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(p.Settings), &out); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	return out, nil
}

// MergeSettings overlays the provided keys onto the project's settings bag.
func (s *Store) MergeSettings(ctx context.Context, id string, values map[string]any) error {
	return s.withProjectLock(id, func() error {
		current, err := s.Settings(ctx, id)
		if err != nil {
			return err
		}
		for k, v := range values {
			current[k] = v
		}
		encoded, err := json.Marshal(current)
		if err != nil {
			return fmt.Errorf("encode settings: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE projects SET settings = ? WHERE id = ?`, string(encoded), id); err != nil {
			return fmt.Errorf("update settings: %w", err)
		}
		return nil
	})
}

// ProjectProgress returns the derived completion counts for one project.
func (s *Store) ProjectProgress(ctx context.Context, id string) (*Progress, error) {
	var pr Progress
	if err := s.db.GetContext(ctx, &pr, `SELECT * FROM v_progress WHERE project_id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fault.New(fault.NotFound, "project %s not found", id)
		}
		return nil, fmt.Errorf("select progress: %w", err)
	}
	return &pr, nil
}

// QualityTrend returns the per-project quality ratings ordered by session
// number.
func (s *Store) QualityTrend(ctx context.Context, projectID string) ([]QualityPoint, error) {
	points := []QualityPoint{}
	err := s.db.SelectContext(ctx, &points,
		`SELECT s.session_number, q.check_type, q.rating
                 FROM quality_checks q
                 INNER JOIN sessions s ON s.id = q.session_id
                 WHERE s.project_id = ?
                 ORDER BY s.session_number, q.check_type`, projectID)
	if err != nil {
		return nil, fmt.Errorf("select quality trend: %w", err)
	}
	return points, nil
}
