package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/buildloop/buildloop/internal/fault"
)

// CreateEpic appends an epic to the project hierarchy. Ordinals come from the
// caller; siblings are never reordered.
func (s *Store) CreateEpic(ctx context.Context, projectID string, ordinal int, title, description string) (*Epic, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fault.New(fault.Precondition, "epic title required")
	}
	var epic *Epic
	err := s.withProjectLock(projectID, func() error {
		if _, err := s.GetProject(ctx, projectID); err != nil {
			return err
		}
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO epics (project_id, ordinal, title, description) VALUES (?, ?, ?, ?)`,
			projectID, ordinal, title, description)
		if err != nil {
			return fmt.Errorf("insert epic: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("epic id: %w", err)
		}
		epic, err = s.getEpic(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return epic, nil
}

// CreateTask appends a task under an epic owned by the given project.
func (s *Store) CreateTask(ctx context.Context, projectID string, epicID int64, ordinal int, title, description string) (*Task, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fault.New(fault.Precondition, "task title required")
	}
	var task *Task
	err := s.withProjectLock(projectID, func() error {
		if _, err := s.epicScoped(ctx, projectID, epicID); err != nil {
			return err
		}
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO tasks (epic_id, ordinal, title, description) VALUES (?, ?, ?, ?)`,
			epicID, ordinal, title, description)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("task id: %w", err)
		}
		task, err = s.getTask(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// CreateTest attaches a test to a task owned by the given project.
func (s *Store) CreateTest(ctx context.Context, projectID string, taskID int64, description string) (*Test, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, fault.New(fault.Precondition, "test description required")
	}
	var test *Test
	err := s.withProjectLock(projectID, func() error {
		if _, err := s.taskScoped(ctx, projectID, taskID); err != nil {
			return err
		}
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO tests (task_id, description) VALUES (?, ?)`, taskID, description)
		if err != nil {
			return fmt.Errorf("insert test: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("test id: %w", err)
		}
		test = &Test{ID: id, TaskID: taskID, Description: description, Outcome: OutcomeUnknown}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return test, nil
}

// ListEpics returns the project's epics in ordinal order.
func (s *Store) ListEpics(ctx context.Context, projectID string) ([]Epic, error) {
	epics := []Epic{}
	if err := s.db.SelectContext(ctx, &epics,
		`SELECT * FROM epics WHERE project_id = ? ORDER BY ordinal, id`, projectID); err != nil {
		return nil, fmt.Errorf("select epics: %w", err)
	}
	return epics, nil
}

// ListTasks returns an epic's tasks in ordinal order, scoped to the project.
func (s *Store) ListTasks(ctx context.Context, projectID string, epicID int64) ([]Task, error) {
	if _, err := s.epicScoped(ctx, projectID, epicID); err != nil {
		return nil, err
	}
	tasks := []Task{}
	if err := s.db.SelectContext(ctx, &tasks,
		`SELECT * FROM tasks WHERE epic_id = ? ORDER BY ordinal, id`, epicID); err != nil {
		return nil, fmt.Errorf("select tasks: %w", err)
	}
	return tasks, nil
}

// ListTests returns a task's tests in creation order, scoped to the project.
func (s *Store) ListTests(ctx context.Context, projectID string, taskID int64) ([]Test, error) {
	if _, err := s.taskScoped(ctx, projectID, taskID); err != nil {
		return nil, err
	}
	tests := []Test{}
	if err := s.db.SelectContext(ctx, &tests,
		`SELECT * FROM tests WHERE task_id = ? ORDER BY id`, taskID); err != nil {
		return nil, fmt.Errorf("select tests: %w", err)
	}
	return tests, nil
}

// GetEpic fetches an epic, verifying project ownership.
func (s *Store) GetEpic(ctx context.Context, projectID string, epicID int64) (*Epic, error) {
	return s.epicScoped(ctx, projectID, epicID)
}

// GetTask fetches a task, verifying project ownership.
func (s *Store) GetTask(ctx context.Context, projectID string, taskID int64) (*Task, error) {
	return s.taskScoped(ctx, projectID, taskID)
}

// NextTask returns the lowest-ordinal open task from the lowest-ordinal epic
// with any open task, or nil when the project has no open work. The result is
// a single read-consistent snapshot of the v_next_task view.
func (s *Store) NextTask(ctx context.Context, projectID string) (*Task, error) {
	var row struct {
		TaskID int64 `db:"task_id"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT task_id FROM v_next_task WHERE project_id = ?`, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select next task: %w", err)
	}
	return s.getTask(ctx, row.TaskID)
}

// StartTask marks a task in_progress and stamps started_at, once.
func (s *Store) StartTask(ctx context.Context, projectID string, taskID int64) (*Task, error) {
	var task *Task
	err := s.withProjectLock(projectID, func() error {
		existing, err := s.taskScoped(ctx, projectID, taskID)
		if err != nil {
			return err
		}
		if existing.Status == StatusDone {
			return fault.New(fault.Precondition, "task %d is already done", taskID)
		}
		return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
			now := time.Now().UTC()
			if _, err := tx.ExecContext(ctx,
				`UPDATE tasks SET status = ?, started_at = COALESCE(started_at, ?) WHERE id = ?`,
				StatusInProgress, now, taskID); err != nil {
				return fmt.Errorf("start task: %w", err)
			}
			if err := s.recomputeEpic(ctx, tx, existing.EpicID); err != nil {
				return err
			}
			task, err = getTaskTx(ctx, tx, taskID)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// UpdateTaskStatus moves a task to done or back to in_progress. Marking done
// requires every child test to be passing; violations surface as a
// precondition fault and leave the row untouched.
func (s *Store) UpdateTaskStatus(ctx context.Context, projectID string, taskID int64, done bool) (*Task, error) {
	var task *Task
	err := s.withProjectLock(projectID, func() error {
		existing, err := s.taskScoped(ctx, projectID, taskID)
		if err != nil {
			return err
		}
		return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
			if done {
				var open int
				if err := tx.GetContext(ctx, &open,
					`SELECT COUNT(*) FROM tests WHERE task_id = ? AND outcome != ?`, taskID, OutcomePass); err != nil {
					return fmt.Errorf("count open tests: %w", err)
				}
				if open > 0 {
					return fault.New(fault.Precondition,
						"cannot mark task %d done: %d test(s) not passing", taskID, open)
				}
				now := time.Now().UTC()
				if _, err := tx.ExecContext(ctx,
					`UPDATE tasks SET status = ?, started_at = COALESCE(started_at, ?), completed_at = ? WHERE id = ?`,
					StatusDone, now, now, taskID); err != nil {
					return fmt.Errorf("complete task: %w", err)
				}
			} else {
				if _, err := tx.ExecContext(ctx,
					`UPDATE tasks SET status = ?, completed_at = NULL WHERE id = ?`,
					StatusInProgress, taskID); err != nil {
					return fmt.Errorf("reopen task: %w", err)
				}
			}
			if err := s.recomputeEpic(ctx, tx, existing.EpicID); err != nil {
				return err
			}
			task, err = getTaskTx(ctx, tx, taskID)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// UpdateTestResult records a test outcome and cascades to the parent task in
// the same transaction: a task stays done only while all tests pass.
func (s *Store) UpdateTestResult(ctx context.Context, projectID string, testID int64, outcome, note string) (*Test, error) {
	switch outcome {
	case OutcomeUnknown, OutcomePass, OutcomeFail:
	default:
		return nil, fault.New(fault.Precondition, "unknown test outcome %q", outcome)
	}
	var test *Test
	err := s.withProjectLock(projectID, func() error {
		existing, err := s.testScoped(ctx, projectID, testID)
		if err != nil {
			return err
		}
		return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
			if _, err := tx.ExecContext(ctx,
				`UPDATE tests SET outcome = ?, note = ? WHERE id = ?`, outcome, note, testID); err != nil {
				return fmt.Errorf("update test: %w", err)
			}
			if err := s.recomputeTask(ctx, tx, existing.TaskID); err != nil {
				return err
			}
			var updated Test
			if err := tx.GetContext(ctx, &updated, `SELECT * FROM tests WHERE id = ?`, testID); err != nil {
				return fmt.Errorf("reload test: %w", err)
			}
			test = &updated
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return test, nil
}

// recomputeTask re-opens a done task whose tests no longer all pass. A task
// that was never started falls back to pending.
func (s *Store) recomputeTask(ctx context.Context, tx *sqlx.Tx, taskID int64) error {
	task, err := getTaskTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	var open int
	if err := tx.GetContext(ctx, &open,
		`SELECT COUNT(*) FROM tests WHERE task_id = ? AND outcome != ?`, taskID, OutcomePass); err != nil {
		return fmt.Errorf("count open tests: %w", err)
	}
	if task.Status == StatusDone && open > 0 {
		reopened := StatusInProgress
		if !task.StartedAt.Valid {
			reopened = StatusPending
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, completed_at = NULL WHERE id = ?`, reopened, taskID); err != nil {
			return fmt.Errorf("reopen task: %w", err)
		}
	}
	return s.recomputeEpic(ctx, tx, task.EpicID)
}

// recomputeEpic derives the epic status from its tasks: done when every task
// is done, in_progress when any task has moved, pending otherwise.
func (s *Store) recomputeEpic(ctx context.Context, tx *sqlx.Tx, epicID int64) error {
	var counts struct {
		Total   int `db:"total"`
		Done    int `db:"done"`
		Pending int `db:"pending"`
	}
	err := tx.GetContext(ctx, &counts,
		`SELECT COUNT(*) AS total,
                        COUNT(CASE WHEN status = 'done' THEN 1 END) AS done,
                        COUNT(CASE WHEN status = 'pending' THEN 1 END) AS pending
                 FROM tasks WHERE epic_id = ?`, epicID)
	if err != nil {
		return fmt.Errorf("count tasks: %w", err)
	}
	status := StatusPending
	switch {
	case counts.Total > 0 && counts.Done == counts.Total:
		status = StatusDone
	case counts.Done > 0 || counts.Pending < counts.Total:
		status = StatusInProgress
	}
	if _, err := tx.ExecContext(ctx, `UPDATE epics SET status = ? WHERE id = ?`, status, epicID); err != nil {
		return fmt.Errorf("update epic status: %w", err)
	}
	return nil
}

func (s *Store) getEpic(ctx context.Context, id int64) (*Epic, error) {
	var e Epic
	if err := s.db.GetContext(ctx, &e, `SELECT * FROM epics WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fault.New(fault.NotFound, "epic %d not found", id)
		}
		return nil, fmt.Errorf("select epic: %w", err)
	}
	return &e, nil
}

func (s *Store) getTask(ctx context.Context, id int64) (*Task, error) {
	var t Task
	if err := s.db.GetContext(ctx, &t, `SELECT * FROM tasks WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fault.New(fault.NotFound, "task %d not found", id)
		}
		return nil, fmt.Errorf("select task: %w", err)
	}
	return &t, nil
}

func getTaskTx(ctx context.Context, tx *sqlx.Tx, id int64) (*Task, error) {
	var t Task
	if err := tx.GetContext(ctx, &t, `SELECT * FROM tasks WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fault.New(fault.NotFound, "task %d not found", id)
		}
		return nil, fmt.Errorf("select task: %w", err)
	}
	return &t, nil
}

// epicScoped fetches an epic and rejects cross-project access.
func (s *Store) epicScoped(ctx context.Context, projectID string, epicID int64) (*Epic, error) {
	e, err := s.getEpic(ctx, epicID)
	if err != nil {
		return nil, err
	}
	if e.ProjectID != projectID {
		return nil, fault.New(fault.Forbidden, "epic %d is not owned by project %s", epicID, projectID)
	}
	return e, nil
}

// taskScoped fetches a task and rejects cross-project access.
func (s *Store) taskScoped(ctx context.Context, projectID string, taskID int64) (*Task, error) {
	t, err := s.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if _, err := s.epicScoped(ctx, projectID, t.EpicID); err != nil {
		if fault.IsKind(err, fault.Forbidden) {
			return nil, fault.New(fault.Forbidden, "task %d is not owned by project %s", taskID, projectID)
		}
		return nil, err
	}
	return t, nil
}

// testScoped fetches a test and rejects cross-project access.
func (s *Store) testScoped(ctx context.Context, projectID string, testID int64) (*Test, error) {
	var t Test
	if err := s.db.GetContext(ctx, &t, `SELECT * FROM tests WHERE id = ?`, testID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fault.New(fault.NotFound, "test %d not found", testID)
		}
		return nil, fmt.Errorf("select test: %w", err)
	}
	if _, err := s.taskScoped(ctx, projectID, t.TaskID); err != nil {
		if fault.IsKind(err, fault.Forbidden) {
			return nil, fault.New(fault.Forbidden, "test %d is not owned by project %s", testID, projectID)
		}
		return nil, err
	}
	return &t, nil
}
