package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Store wraps a pooled sqlx.DB connection to the task database. Mutations
// within one project serialize on a per-project lock; readers take none.
type Store struct {
	db    *sqlx.DB
	locks sync.Map // project id -> *sync.Mutex
}

// Open constructs a Store backed by the SQLite database at the provided path,
// creating parent directories and migrating the schema on first use.
func Open(path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, errors.New("store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve store path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", abs)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// projectLock returns the advisory mutex guarding state changes for a
// project. Cross-project operations never share a lock.
func (s *Store) projectLock(projectID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(projectID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *Store) withProjectLock(projectID string, fn func() error) error {
	mu := s.projectLock(projectID)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

func withTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialised")
	}
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	for i, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute schema statement %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS projects (
                id TEXT PRIMARY KEY,
                name TEXT NOT NULL UNIQUE,
                spec_path TEXT NOT NULL DEFAULT '',
                workspace TEXT NOT NULL DEFAULT '',
                sandbox_kind TEXT NOT NULL DEFAULT 'docker',
                sandbox_image TEXT NOT NULL DEFAULT '',
                sandbox_memory TEXT NOT NULL DEFAULT '',
                sandbox_cpus TEXT NOT NULL DEFAULT '',
                settings TEXT NOT NULL DEFAULT '{}',
                created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
        );`,
	`CREATE TABLE IF NOT EXISTS epics (
                id INTEGER PRIMARY KEY AUTOINCREMENT,
                project_id TEXT NOT NULL,
                ordinal INTEGER NOT NULL,
                title TEXT NOT NULL,
                description TEXT NOT NULL DEFAULT '',
                status TEXT NOT NULL DEFAULT 'pending',
                FOREIGN KEY(project_id) REFERENCES projects(id) ON DELETE CASCADE
        );`,
	`CREATE TABLE IF NOT EXISTS tasks (
                id INTEGER PRIMARY KEY AUTOINCREMENT,
                epic_id INTEGER NOT NULL,
                ordinal INTEGER NOT NULL,
                title TEXT NOT NULL,
                description TEXT NOT NULL DEFAULT '',
                status TEXT NOT NULL DEFAULT 'pending',
                started_at DATETIME,
                completed_at DATETIME,
                FOREIGN KEY(epic_id) REFERENCES epics(id) ON DELETE CASCADE
        );`,
	`CREATE TABLE IF NOT EXISTS tests (
                id INTEGER PRIMARY KEY AUTOINCREMENT,
                task_id INTEGER NOT NULL,
                description TEXT NOT NULL,
                outcome TEXT NOT NULL DEFAULT 'unknown',
                note TEXT NOT NULL DEFAULT '',
                FOREIGN KEY(task_id) REFERENCES tasks(id) ON DELETE CASCADE
        );`,
	`CREATE TABLE IF NOT EXISTS sessions (
                id TEXT PRIMARY KEY,
                project_id TEXT NOT NULL,
                session_number INTEGER NOT NULL,
                kind TEXT NOT NULL,
                status TEXT NOT NULL DEFAULT 'running',
                model TEXT NOT NULL DEFAULT '',
                prompt_version TEXT NOT NULL DEFAULT '',
                started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
                ended_at DATETIME,
                error_message TEXT NOT NULL DEFAULT '',
                tool_uses INTEGER NOT NULL DEFAULT 0,
                errors INTEGER NOT NULL DEFAULT 0,
                tokens_input INTEGER NOT NULL DEFAULT 0,
                tokens_output INTEGER NOT NULL DEFAULT 0,
                tokens_cache_creation INTEGER NOT NULL DEFAULT 0,
                tokens_cache_read INTEGER NOT NULL DEFAULT 0,
                metrics TEXT NOT NULL DEFAULT '{}',
                UNIQUE(project_id, session_number),
                FOREIGN KEY(project_id) REFERENCES projects(id) ON DELETE CASCADE
        );`,
	`CREATE TABLE IF NOT EXISTS quality_checks (
                id INTEGER PRIMARY KEY AUTOINCREMENT,
                session_id TEXT NOT NULL,
                check_type TEXT NOT NULL,
                rating INTEGER NOT NULL,
                tool_uses INTEGER NOT NULL DEFAULT 0,
                errors INTEGER NOT NULL DEFAULT 0,
                browser_verifications INTEGER NOT NULL DEFAULT 0,
                critical_issues TEXT NOT NULL DEFAULT '[]',
                warnings TEXT NOT NULL DEFAULT '[]',
                review_text TEXT NOT NULL DEFAULT '',
                created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
                UNIQUE(session_id, check_type),
                FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
        );`,
	`CREATE INDEX IF NOT EXISTS idx_epics_project_ordinal ON epics(project_id, ordinal);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_epic_ordinal ON tasks(epic_id, ordinal);`,
	`CREATE INDEX IF NOT EXISTS idx_tests_task ON tests(task_id);`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_project_number ON sessions(project_id, session_number);`,
	`CREATE VIEW IF NOT EXISTS v_next_task AS
                SELECT project_id, task_id, epic_id, ordinal, title, status FROM (
                        SELECT
                                e.project_id AS project_id,
                                t.id AS task_id,
                                t.epic_id AS epic_id,
                                t.ordinal AS ordinal,
                                t.title AS title,
                                t.status AS status,
                                ROW_NUMBER() OVER (
                                        PARTITION BY e.project_id
                                        ORDER BY e.ordinal, e.id, t.ordinal, t.id
                                ) AS rn
                        FROM tasks t
                        INNER JOIN epics e ON e.id = t.epic_id
                        WHERE t.status != 'done'
                ) WHERE rn = 1;`,
	`CREATE VIEW IF NOT EXISTS v_progress AS
                SELECT
                        p.id AS project_id,
                        COUNT(DISTINCT e.id) AS total_epics,
                        COUNT(DISTINCT CASE WHEN e.status = 'done' THEN e.id END) AS completed_epics,
                        COUNT(DISTINCT t.id) AS total_tasks,
                        COUNT(DISTINCT CASE WHEN t.status = 'done' THEN t.id END) AS completed_tasks,
                        COUNT(DISTINCT ts.id) AS total_tests,
                        COUNT(DISTINCT CASE WHEN ts.outcome = 'pass' THEN ts.id END) AS passed_tests
                FROM projects p
                LEFT JOIN epics e ON e.project_id = p.id
                LEFT JOIN tasks t ON t.epic_id = e.id
                LEFT JOIN tests ts ON ts.task_id = t.id
                GROUP BY p.id;`,
}
