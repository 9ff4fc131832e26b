package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed Store, using the same WAL/pragma setup
// as the engine's own SQLite-backed step store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) a SQLite-backed Task Store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("task: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("task: %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			idempotency_key TEXT UNIQUE,
			user_id TEXT NOT NULL DEFAULT '',
			topic TEXT NOT NULL,
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 5,
			current_step TEXT NOT NULL DEFAULT '',
			text_retry_count INTEGER NOT NULL DEFAULT 0,
			image_retry_count INTEGER NOT NULL DEFAULT 0,
			worker_id TEXT NOT NULL DEFAULT '',
			request_json TEXT NOT NULL DEFAULT '{}',
			state_snapshot BLOB,
			tokens_used INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			claimed_at TIMESTAMP,
			completed_at TIMESTAMP
		)
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("task: create tasks table: %w", err)
	}
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_tasks_status_priority ON tasks(status, priority DESC, created_at ASC)",
		"CREATE INDEX IF NOT EXISTS idx_tasks_topic ON tasks(topic)",
	}
	for _, idx := range indexes {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("task: create index: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanTask(row interface{ Scan(...any) error }) (Task, error) {
	var t Task
	var claimedAt, completedAt sql.NullTime
	var requestJSON string
	err := row.Scan(
		&t.TaskID, &t.IdempotencyKey, &t.UserID, &t.Topic, &t.Status, &t.Priority,
		&t.CurrentStep, &t.TextRetryCount, &t.ImageRetryCount, &t.WorkerID, &requestJSON, &t.StateSnapshot,
		&t.TokensUsed, &t.CostUSD, &t.ErrorMessage, &t.Version,
		&t.CreatedAt, &t.UpdatedAt, &claimedAt, &completedAt,
	)
	if err != nil {
		return Task{}, err
	}
	if requestJSON != "" {
		_ = json.Unmarshal([]byte(requestJSON), &t.Request)
	}
	if claimedAt.Valid {
		t.ClaimedAt = claimedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = completedAt.Time
	}
	return t, nil
}

const selectColumns = `task_id, idempotency_key, user_id, topic, status, priority,
	current_step, text_retry_count, image_retry_count, worker_id, request_json, state_snapshot,
	tokens_used, cost_usd, error_message, version, created_at, updated_at, claimed_at, completed_at`

func (s *SQLiteStore) CreateTask(ctx context.Context, t Task) (Task, error) {
	if t.IdempotencyKey != "" {
		if existing, err := s.FindByIdempotencyKey(ctx, t.IdempotencyKey); err == nil {
			return existing, ErrDuplicateIdempotencyKey
		}
	}
	if t.TaskID == "" {
		t.TaskID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	t.Version = 1

	var idemp sql.NullString
	if t.IdempotencyKey != "" {
		idemp = sql.NullString{String: t.IdempotencyKey, Valid: true}
	}
	requestJSON, err := json.Marshal(t.Request)
	if err != nil {
		return Task{}, fmt.Errorf("task: marshal request: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, idempotency_key, user_id, topic, status, priority,
			current_step, text_retry_count, image_retry_count, worker_id, request_json, state_snapshot,
			tokens_used, cost_usd, error_message, version, created_at, updated_at, claimed_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL)`,
		t.TaskID, idemp, t.UserID, t.Topic, t.Status, t.Priority,
		t.CurrentStep, t.TextRetryCount, t.ImageRetryCount, t.WorkerID, string(requestJSON), t.StateSnapshot,
		t.TokensUsed, t.CostUSD, t.ErrorMessage, t.Version, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return Task{}, fmt.Errorf("task: insert: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) FindByID(ctx context.Context, taskID string) (Task, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM tasks WHERE task_id = ?", taskID)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("task: find by id: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) FindByIdempotencyKey(ctx context.Context, key string) (Task, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM tasks WHERE idempotency_key = ?", key)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("task: find by idempotency key: %w", err)
	}
	return t, nil
}

func buildFilterClause(f Filter) (string, []any) {
	clause := "WHERE 1=1"
	var args []any

	if len(f.Statuses) > 0 {
		clause += " AND status IN (" + placeholders(len(f.Statuses)) + ")"
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}
	if len(f.Priorities) > 0 {
		clause += " AND priority IN (" + placeholders(len(f.Priorities)) + ")"
		for _, p := range f.Priorities {
			args = append(args, p)
		}
	}
	if f.TopicContains != "" {
		clause += " AND topic LIKE ?"
		args = append(args, "%"+f.TopicContains+"%")
	}
	if !f.CreatedAfter.IsZero() {
		clause += " AND created_at > ?"
		args = append(args, f.CreatedAfter)
	}
	if !f.CreatedBefore.IsZero() {
		clause += " AND created_at < ?"
		args = append(args, f.CreatedBefore)
	}
	return clause, args
}

func placeholders(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			out += ", "
		}
		out += "?"
	}
	return out
}

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args []any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("task: query: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("task: scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) FindMany(ctx context.Context, f Filter) ([]Task, error) {
	clause, args := buildFilterClause(f)
	query := "SELECT " + selectColumns + " FROM tasks " + clause + " ORDER BY priority DESC, created_at ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
		if f.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", f.Offset)
		}
	}
	return s.queryTasks(ctx, query, args)
}

func (s *SQLiteStore) Count(ctx context.Context, f Filter) (int, error) {
	clause, args := buildFilterClause(f)
	row := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks "+clause, args...)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("task: count: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) GetPendingTasks(ctx context.Context, limit int) ([]Task, error) {
	return s.FindMany(ctx, Filter{Statuses: []Status{StatusPending}, Limit: limit})
}

func (s *SQLiteStore) ClaimTask(ctx context.Context, workerID string) (Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Task{}, fmt.Errorf("task: begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM tasks WHERE status = ? ORDER BY priority DESC, created_at ASC LIMIT 1", StatusPending)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return Task{}, ErrNoPendingTask
	}
	if err != nil {
		return Task{}, fmt.Errorf("task: claim select: %w", err)
	}

	now := time.Now()
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, worker_id = ?, claimed_at = ?, updated_at = ?, version = version + 1
		WHERE task_id = ? AND version = ?`,
		StatusRunning, workerID, now, now, t.TaskID, t.Version)
	if err != nil {
		return Task{}, fmt.Errorf("task: claim update: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Another worker claimed it between our SELECT and UPDATE.
		return Task{}, ErrVersionConflict
	}
	if err := tx.Commit(); err != nil {
		return Task{}, fmt.Errorf("task: claim commit: %w", err)
	}

	t.Status = StatusRunning
	t.WorkerID = workerID
	t.ClaimedAt = now
	t.UpdatedAt = now
	t.Version++
	return t, nil
}

func (s *SQLiteStore) ClaimTaskByID(ctx context.Context, taskID, workerID string, expectedVersion int64) (Task, error) {
	current, err := s.FindByID(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if current.Version != expectedVersion {
		return Task{}, ErrVersionConflict
	}
	if !CanTransition(current.Status, StatusRunning) {
		return Task{}, ErrIllegalTransition
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, worker_id = ?, claimed_at = ?, updated_at = ?, version = version + 1
		WHERE task_id = ? AND version = ?`,
		StatusRunning, workerID, now, now, taskID, expectedVersion)
	if err != nil {
		return Task{}, fmt.Errorf("task: claim by id: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return Task{}, ErrVersionConflict
	}
	return s.FindByID(ctx, taskID)
}

func (s *SQLiteStore) compareAndSwap(ctx context.Context, taskID string, expectedVersion int64, set string, args []any) error {
	fullArgs := append(append([]any{}, args...), taskID, expectedVersion)
	res, err := s.db.ExecContext(ctx, "UPDATE tasks SET "+set+", version = version + 1 WHERE task_id = ? AND version = ?", fullArgs...)
	if err != nil {
		return fmt.Errorf("task: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("task: rows affected: %w", err)
	}
	if n == 0 {
		if _, lookupErr := s.FindByID(ctx, taskID); lookupErr == ErrNotFound {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, taskID string, expectedVersion int64, to Status) (Task, error) {
	current, err := s.FindByID(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if current.Version != expectedVersion {
		return Task{}, ErrVersionConflict
	}
	if !CanTransition(current.Status, to) {
		return Task{}, ErrIllegalTransition
	}
	if err := s.compareAndSwap(ctx, taskID, expectedVersion, "status = ?, updated_at = ?", []any{to, time.Now()}); err != nil {
		return Task{}, err
	}
	return s.FindByID(ctx, taskID)
}

func (s *SQLiteStore) UpdateCurrentStep(ctx context.Context, taskID string, expectedVersion int64, step string) (Task, error) {
	if err := s.compareAndSwap(ctx, taskID, expectedVersion, "current_step = ?, updated_at = ?", []any{step, time.Now()}); err != nil {
		return Task{}, err
	}
	return s.FindByID(ctx, taskID)
}

func (s *SQLiteStore) IncrementRetryCount(ctx context.Context, taskID string, expectedVersion int64, kind RetryKind) (Task, error) {
	col := "text_retry_count"
	if kind == RetryKindImage {
		col = "image_retry_count"
	}
	if err := s.compareAndSwap(ctx, taskID, expectedVersion, col+" = "+col+" + 1, updated_at = ?", []any{time.Now()}); err != nil {
		return Task{}, err
	}
	return s.FindByID(ctx, taskID)
}

func (s *SQLiteStore) SaveStateSnapshot(ctx context.Context, taskID string, expectedVersion int64, snapshot []byte) (Task, error) {
	if err := s.compareAndSwap(ctx, taskID, expectedVersion, "state_snapshot = ?, updated_at = ?", []any{snapshot, time.Now()}); err != nil {
		return Task{}, err
	}
	return s.FindByID(ctx, taskID)
}

func (s *SQLiteStore) MarkCompleted(ctx context.Context, taskID string, expectedVersion int64, tokensUsed int64, costUSD float64) (Task, error) {
	current, err := s.FindByID(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if current.Version != expectedVersion {
		return Task{}, ErrVersionConflict
	}
	if !CanTransition(current.Status, StatusCompleted) {
		return Task{}, ErrIllegalTransition
	}
	now := time.Now()
	err = s.compareAndSwap(ctx, taskID, expectedVersion,
		"status = ?, worker_id = ?, tokens_used = ?, cost_usd = ?, completed_at = ?, updated_at = ?",
		[]any{StatusCompleted, "", tokensUsed, costUSD, now, now})
	if err != nil {
		return Task{}, err
	}
	return s.FindByID(ctx, taskID)
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, taskID string, expectedVersion int64, errMsg string) (Task, error) {
	current, err := s.FindByID(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if current.Version != expectedVersion {
		return Task{}, ErrVersionConflict
	}
	if !CanTransition(current.Status, StatusFailed) {
		return Task{}, ErrIllegalTransition
	}
	now := time.Now()
	err = s.compareAndSwap(ctx, taskID, expectedVersion,
		"status = ?, worker_id = ?, error_message = ?, completed_at = ?, updated_at = ?",
		[]any{StatusFailed, "", errMsg, now, now})
	if err != nil {
		return Task{}, err
	}
	return s.FindByID(ctx, taskID)
}

func (s *SQLiteStore) ReleaseWorker(ctx context.Context, taskID string, expectedVersion int64) (Task, error) {
	current, err := s.FindByID(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if current.Version != expectedVersion {
		return Task{}, ErrVersionConflict
	}
	if !CanTransition(current.Status, StatusWaiting) {
		return Task{}, ErrIllegalTransition
	}
	err = s.compareAndSwap(ctx, taskID, expectedVersion,
		"status = ?, worker_id = ?, updated_at = ?",
		[]any{StatusWaiting, "", time.Now()})
	if err != nil {
		return Task{}, err
	}
	return s.FindByID(ctx, taskID)
}

func (s *SQLiteStore) SoftDelete(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE tasks SET status = ?, updated_at = ? WHERE task_id = ?", StatusCancelled, time.Now(), taskID)
	if err != nil {
		return fmt.Errorf("task: soft delete: %w", err)
	}
	return nil
}
