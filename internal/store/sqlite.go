package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/packtivity/internal/model"

	_ "modernc.org/sqlite"
)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    id          TEXT PRIMARY KEY,
    status      TEXT NOT NULL,
    name        TEXT NOT NULL,
    spec        BLOB NOT NULL,
    parameters  BLOB NOT NULL,
    state       BLOB,
    result      BLOB,
    error       TEXT NOT NULL DEFAULT '',
    error_code  TEXT NOT NULL DEFAULT '',
    command     TEXT NOT NULL DEFAULT '',
    exit_code   INTEGER,
    worker_id   TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER,
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME,
    heartbeat_at DATETIME
)`

const createTasksStatusIndex = `
CREATE INDEX IF NOT EXISTS tasks_status_created ON tasks (status, created_at)`

const createLogLinesTable = `
CREATE TABLE IF NOT EXISTS log_lines (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id    TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    topic      TEXT NOT NULL,
    line       TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

const taskColumns = `id, status, name, spec, parameters, state, result,
	error, error_code, command, exit_code, worker_id, duration_ms,
	created_at, started_at, finished_at`

// ErrNotFound is returned when a task is not found.
var ErrNotFound = errors.New("task not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createTasksTable, createTasksStatusIndex, createLogLinesTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	if err := addColumn(db, "tasks", "heartbeat_at", "DATETIME"); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// addColumn adds a column to a table created by an older schema.
func addColumn(db *sql.DB, table, column, typ string) error {
	rows, err := db.Query("SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()
	_, err = db.Exec("ALTER TABLE " + table + " ADD COLUMN " + column + " " + typ)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*model.Task, error) {
	t := &model.Task{}
	var spec, pars, st, result []byte
	err := row.Scan(
		&t.ID, &t.Status, &t.Name, &spec, &pars, &st, &result,
		&t.Error, &t.ErrorCode, &t.Command, &t.ExitCode, &t.WorkerID, &t.DurationMS,
		&t.CreatedAt, &t.StartedAt, &t.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Spec, t.Parameters = spec, pars
	if len(st) > 0 {
		t.State = st
	}
	if len(result) > 0 {
		t.Result = result
	}
	return t, nil
}

func nullable(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// CreateTask inserts a new pending task.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *model.Task) error {
	if t.Status == "" {
		t.Status = model.StatusPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Status, t.Name, []byte(t.Spec), []byte(t.Parameters), nullable(t.State), nullable(t.Result),
		t.Error, t.ErrorCode, t.Command, t.ExitCode, t.WorkerID, t.DurationMS,
		t.CreatedAt, t.StartedAt, t.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns a page of tasks ordered by created_at DESC, along with
// the total count of all tasks.
func (s *SQLiteStore) ListTasks(ctx context.Context, limit, offset int) ([]*model.Task, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate tasks: %w", err)
	}

	return tasks, total, nil
}

// ClaimTask moves the oldest pending task to running on behalf of workerID.
// It returns ErrQueueEmpty when nothing is pending.
func (s *SQLiteStore) ClaimTask(ctx context.Context, workerID string) (*model.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM tasks WHERE status = ? ORDER BY created_at, id LIMIT 1`,
		model.StatusPending,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrQueueEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("select pending task: %w", err)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, worker_id = ?, started_at = ?, heartbeat_at = ? WHERE id = ? AND status = ?`,
		model.StatusRunning, workerID, now, now, id, model.StatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return nil, ErrQueueEmpty
	}

	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("reload claimed task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return t, nil
}

// Heartbeat extends the lease workerID holds on a running task.
func (s *SQLiteStore) Heartbeat(ctx context.Context, id, workerID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET heartbeat_at = ? WHERE id = ? AND status = ? AND worker_id = ?`,
		time.Now().UTC(), id, model.StatusRunning, workerID,
	)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, id)
	}
	return nil
}

// RequeueStale moves running tasks whose last heartbeat is older than lease
// back to pending, and returns their ids. A task claimed before heartbeats
// were recorded is judged by its start time.
func (s *SQLiteStore) RequeueStale(ctx context.Context, lease time.Duration) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin requeue tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, worker_id, started_at, heartbeat_at FROM tasks WHERE status = ?`, model.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("select running tasks: %w", err)
	}
	type claim struct{ id, worker string }
	var stale []claim
	cutoff := time.Now().UTC().Add(-lease)
	for rows.Next() {
		var c claim
		var started, beat *time.Time
		if err := rows.Scan(&c.id, &c.worker, &started, &beat); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan running task: %w", err)
		}
		last := started
		if beat != nil {
			last = beat
		}
		if last == nil || last.Before(cutoff) {
			stale = append(stale, c)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate running tasks: %w", err)
	}
	rows.Close()

	var ids []string
	for _, c := range stale {
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, worker_id = '', started_at = NULL, heartbeat_at = NULL
			 WHERE id = ? AND status = ? AND worker_id = ?`,
			model.StatusPending, c.id, model.StatusRunning, c.worker,
		)
		if err != nil {
			return nil, fmt.Errorf("requeue task: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			ids = append(ids, c.id)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit requeue: %w", err)
	}
	return ids, nil
}

// finish moves a task to a terminal status inside one transaction, checking
// the transition and filling in finished_at and duration_ms.
func (s *SQLiteStore) finish(ctx context.Context, id, status, set string, args ...any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	var startedAt *time.Time
	err = tx.QueryRowContext(ctx, "SELECT status, started_at FROM tasks WHERE id = ?", id).Scan(&current, &startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read task status: %w", err)
	}
	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	now := time.Now().UTC()
	var duration *int
	if startedAt != nil {
		ms := int(now.Sub(*startedAt).Milliseconds())
		duration = &ms
	}
	all := append([]any{status, now, duration}, args...)
	all = append(all, id)
	if _, err := tx.ExecContext(ctx,
		"UPDATE tasks SET status = ?, finished_at = ?, duration_ms = ?"+set+" WHERE id = ?", all...,
	); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return tx.Commit()
}

// CompleteTask records the published result of a running task.
func (s *SQLiteStore) CompleteTask(ctx context.Context, id string, result json.RawMessage) error {
	return s.finish(ctx, id, model.StatusCompleted, ", result = ?", nullable(result))
}

// FailTask records why a pending or running task failed.
func (s *SQLiteStore) FailTask(ctx context.Context, id string, f Failure) error {
	return s.finish(ctx, id, model.StatusFailed,
		", error = ?, error_code = ?, command = ?, exit_code = ?",
		f.Message, f.Code, f.Command, f.ExitCode,
	)
}

// GetTaskStats returns aggregate statistics across all tasks.
func (s *SQLiteStore) GetTaskStats(ctx context.Context) (*TaskStats, error) {
	stats := &TaskStats{
		CountByStatus: map[string]int{},
		CountByName:   map[string]int{},
	}

	count := func(column string, into map[string]int) error {
		rows, err := s.db.QueryContext(ctx, "SELECT "+column+", COUNT(*) FROM tasks GROUP BY "+column)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var key string
			var n int
			if err := rows.Scan(&key, &n); err != nil {
				return err
			}
			into[key] = n
		}
		return rows.Err()
	}
	if err := count("status", stats.CountByStatus); err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	if err := count("name", stats.CountByName); err != nil {
		return nil, fmt.Errorf("count by name: %w", err)
	}
	for _, n := range stats.CountByStatus {
		stats.Total += n
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM tasks WHERE duration_ms IS NOT NULL",
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	stats.AvgDurationMS = avg.Float64

	return stats, nil
}

// InsertLogLine stores one line of task output.
func (s *SQLiteStore) InsertLogLine(ctx context.Context, taskID string, seq int, topic, line string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO log_lines (task_id, seq, topic, line, created_at) VALUES (?, ?, ?, ?, ?)",
		taskID, seq, topic, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert log line: %w", err)
	}
	return nil
}

// GetLogLines returns the stored lines of a task in sequence order.
func (s *SQLiteStore) GetLogLines(ctx context.Context, taskID string) ([]model.LogLine, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, task_id, seq, topic, line, created_at FROM log_lines WHERE task_id = ? ORDER BY seq, id",
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("get log lines: %w", err)
	}
	defer rows.Close()

	var lines []model.LogLine
	for rows.Next() {
		var l model.LogLine
		if err := rows.Scan(&l.ID, &l.TaskID, &l.Seq, &l.Topic, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log lines: %w", err)
	}
	return lines, nil
}
