package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomhq/loom/domain"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store and KV on a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports one writer at a time; a single connection also keeps
	// in-memory databases coherent across goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			run_id TEXT,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			agent_type TEXT NOT NULL,
			status TEXT NOT NULL,
			prompt TEXT NOT NULL,
			options TEXT,
			output TEXT,
			error TEXT,
			turn INTEGER NOT NULL DEFAULT 1,
			started_at DATETIME,
			completed_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			dependencies TEXT,
			input TEXT NOT NULL,
			output TEXT,
			error TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_run ON tasks(run_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS kv (
			k TEXT PRIMARY KEY,
			v BLOB NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.Run) error {
	options, _ := json.Marshal(run.Input.Options)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, session_id, agent_type, status, prompt, options, output, error, turn, started_at, completed_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.SessionID, run.AgentType, run.Status, run.Input.Prompt, string(options),
		run.Output, run.Metadata.Error, run.Turn, run.Metadata.StartedAt, run.Metadata.CompletedAt,
		run.CreatedAt, run.UpdatedAt)
	return err
}

// GetRun retrieves a run by id; nil when absent.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	var run domain.Run
	var options, output, errMsg sql.NullString
	var startedAt, completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, session_id, agent_type, status, prompt, options, output, error, turn, started_at, completed_at, created_at, updated_at
		 FROM runs WHERE run_id = ?`, runID).
		Scan(&run.RunID, &run.SessionID, &run.AgentType, &run.Status, &run.Input.Prompt,
			&options, &output, &errMsg, &run.Turn, &startedAt, &completedAt, &run.CreatedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if options.Valid && options.String != "" && options.String != "null" {
		_ = json.Unmarshal([]byte(options.String), &run.Input.Options)
	}
	if output.Valid {
		run.Output = output.String
	}
	if errMsg.Valid {
		run.Metadata.Error = errMsg.String
	}
	if startedAt.Valid {
		run.Metadata.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.Metadata.CompletedAt = &completedAt.Time
	}
	return &run, nil
}

// SaveRun updates all mutable run fields.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *domain.Run) error {
	options, _ := json.Marshal(run.Input.Options)
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, prompt = ?, options = ?, output = ?, error = ?, turn = ?, started_at = ?, completed_at = ?, created_at = ?, updated_at = ?
		 WHERE run_id = ?`,
		run.Status, run.Input.Prompt, string(options), run.Output, run.Metadata.Error, run.Turn,
		run.Metadata.StartedAt, run.Metadata.CompletedAt, run.CreatedAt, run.UpdatedAt, run.RunID)
	return err
}

// CreateTasks inserts a plan's tasks in a single transaction.
func (s *SQLiteStore) CreateTasks(ctx context.Context, tasks []*domain.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, t := range tasks {
		deps, _ := json.Marshal(t.Dependencies)
		_, err := tx.ExecContext(ctx,
			`INSERT INTO tasks (task_id, run_id, type, status, dependencies, input, output, error, retry_count, max_retries, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.TaskID, t.RunID, t.Type, t.Status, string(deps), t.Input, t.Output, t.Error,
			t.RetryCount, t.MaxRetries, t.CreatedAt, t.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert task %s: %w", t.TaskID, err)
		}
	}

	return tx.Commit()
}

func scanTask(scan func(dest ...any) error) (*domain.Task, error) {
	var t domain.Task
	var deps, output, errMsg sql.NullString
	err := scan(&t.TaskID, &t.RunID, &t.Type, &t.Status, &deps, &t.Input,
		&output, &errMsg, &t.RetryCount, &t.MaxRetries, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if deps.Valid && deps.String != "" && deps.String != "null" {
		_ = json.Unmarshal([]byte(deps.String), &t.Dependencies)
	}
	if output.Valid {
		t.Output = output.String
	}
	if errMsg.Valid {
		t.Error = errMsg.String
	}
	return &t, nil
}

const taskColumns = `task_id, run_id, type, status, dependencies, input, output, error, retry_count, max_retries, created_at, updated_at`

// GetTask retrieves a task by id; nil when absent.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, taskID)
	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// ListTasks returns all tasks for a run in creation order.
func (s *SQLiteStore) ListTasks(ctx context.Context, runID string) ([]*domain.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE run_id = ? ORDER BY created_at ASC, task_id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// SaveTask updates all mutable task fields.
func (s *SQLiteStore) SaveTask(ctx context.Context, task *domain.Task) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, output = ?, error = ?, retry_count = ?, updated_at = ? WHERE task_id = ?`,
		task.Status, task.Output, task.Error, task.RetryCount, task.UpdatedAt, task.TaskID)
	return err
}

// DeleteTasks removes all tasks for a run. Used when a terminal run is reset
// by a new turn on the same run id.
func (s *SQLiteStore) DeleteTasks(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE run_id = ?`, runID)
	return err
}

// GetOrCreateSession gets an existing session or creates a new one.
func (s *SQLiteStore) GetOrCreateSession(ctx context.Context, sessionID, userID string) (*domain.Session, error) {
	var session domain.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, user_id, created_at FROM sessions WHERE session_id = ?`,
		sessionID).Scan(&session.SessionID, &session.UserID, &session.CreatedAt)
	if err == nil {
		return &session, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	session = domain.Session{SessionID: sessionID, UserID: userID, CreatedAt: time.Now()}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, user_id, created_at) VALUES (?, ?, ?)`,
		session.SessionID, session.UserID, session.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// CreateMessage inserts a session message.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *domain.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (message_id, session_id, run_id, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.MessageID, msg.SessionID, msg.RunID, msg.Role, msg.Content, msg.CreatedAt)
	return err
}

// GetMessages retrieves messages for a session in chronological order.
func (s *SQLiteStore) GetMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	query := `SELECT message_id, session_id, run_id, role, content, created_at FROM messages WHERE session_id = ? ORDER BY created_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		var runID sql.NullString
		if err := rows.Scan(&msg.MessageID, &msg.SessionID, &runID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		if runID.Valid {
			msg.RunID = runID.String
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
