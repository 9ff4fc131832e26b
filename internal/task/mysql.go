package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
)

// MySQLStore is a MySQL-backed Store, mirroring SQLiteStore's schema and
// optimistic-lock compare-and-swap semantics on InnoDB instead of
// SQLite's single-writer file.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore opens (and migrates) a MySQL-backed Task Store. dsn
// follows github.com/go-sql-driver/mysql's DSN format, e.g.
// "user:pass@tcp(127.0.0.1:3306)/orchestrator?parseTime=true".
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("task: open mysql: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	s := &MySQLStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQLStore) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS tasks (
			task_id VARCHAR(64) PRIMARY KEY,
			idempotency_key VARCHAR(128) UNIQUE,
			user_id VARCHAR(64) NOT NULL DEFAULT '',
			topic TEXT NOT NULL,
			status VARCHAR(16) NOT NULL,
			priority INT NOT NULL DEFAULT 5,
			current_step VARCHAR(64) NOT NULL DEFAULT '',
			text_retry_count INT NOT NULL DEFAULT 0,
			image_retry_count INT NOT NULL DEFAULT 0,
			worker_id VARCHAR(64) NOT NULL DEFAULT '',
			request_json TEXT NOT NULL,
			state_snapshot MEDIUMBLOB,
			tokens_used BIGINT NOT NULL DEFAULT 0,
			cost_usd DOUBLE NOT NULL DEFAULT 0,
			error_message TEXT,
			version BIGINT NOT NULL DEFAULT 1,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			claimed_at DATETIME(6) NULL,
			completed_at DATETIME(6) NULL,
			INDEX idx_tasks_status_priority (status, priority DESC, created_at ASC),
			INDEX idx_tasks_topic (topic(191))
		) ENGINE=InnoDB`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("task: create tasks table: %w", err)
	}
	return nil
}

// Close releases the underlying database connection pool.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

func (s *MySQLStore) CreateTask(ctx context.Context, t Task) (Task, error) {
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
			tokens_used, cost_usd, error_message, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TaskID, idemp, t.UserID, t.Topic, t.Status, t.Priority,
		t.CurrentStep, t.TextRetryCount, t.ImageRetryCount, t.WorkerID, string(requestJSON), t.StateSnapshot,
		t.TokensUsed, t.CostUSD, t.ErrorMessage, t.Version, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return Task{}, fmt.Errorf("task: insert: %w", err)
	}
	return t, nil
}

func (s *MySQLStore) FindByID(ctx context.Context, taskID string) (Task, error) {
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

func (s *MySQLStore) FindByIdempotencyKey(ctx context.Context, key string) (Task, error) {
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

func (s *MySQLStore) FindMany(ctx context.Context, f Filter) ([]Task, error) {
	clause, args := buildFilterClause(f)
	query := "SELECT " + selectColumns + " FROM tasks " + clause + " ORDER BY priority DESC, created_at ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
		if f.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", f.Offset)
		}
	}
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

func (s *MySQLStore) Count(ctx context.Context, f Filter) (int, error) {
	clause, args := buildFilterClause(f)
	row := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks "+clause, args...)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("task: count: %w", err)
	}
	return count, nil
}

func (s *MySQLStore) GetPendingTasks(ctx context.Context, limit int) ([]Task, error) {
	return s.FindMany(ctx, Filter{Statuses: []Status{StatusPending}, Limit: limit})
}

func (s *MySQLStore) ClaimTask(ctx context.Context, workerID string) (Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Task{}, fmt.Errorf("task: begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM tasks WHERE status = ? ORDER BY priority DESC, created_at ASC LIMIT 1 FOR UPDATE", StatusPending)
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

func (s *MySQLStore) ClaimTaskByID(ctx context.Context, taskID, workerID string, expectedVersion int64) (Task, error) {
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

func (s *MySQLStore) compareAndSwap(ctx context.Context, taskID string, expectedVersion int64, set string, args []any) error {
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

func (s *MySQLStore) UpdateStatus(ctx context.Context, taskID string, expectedVersion int64, to Status) (Task, error) {
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

func (s *MySQLStore) UpdateCurrentStep(ctx context.Context, taskID string, expectedVersion int64, step string) (Task, error) {
	if err := s.compareAndSwap(ctx, taskID, expectedVersion, "current_step = ?, updated_at = ?", []any{step, time.Now()}); err != nil {
		return Task{}, err
	}
	return s.FindByID(ctx, taskID)
}

func (s *MySQLStore) IncrementRetryCount(ctx context.Context, taskID string, expectedVersion int64, kind RetryKind) (Task, error) {
	col := "text_retry_count"
	if kind == RetryKindImage {
		col = "image_retry_count"
	}
	if err := s.compareAndSwap(ctx, taskID, expectedVersion, col+" = "+col+" + 1, updated_at = ?", []any{time.Now()}); err != nil {
		return Task{}, err
	}
	return s.FindByID(ctx, taskID)
}

func (s *MySQLStore) SaveStateSnapshot(ctx context.Context, taskID string, expectedVersion int64, snapshot []byte) (Task, error) {
	if err := s.compareAndSwap(ctx, taskID, expectedVersion, "state_snapshot = ?, updated_at = ?", []any{snapshot, time.Now()}); err != nil {
		return Task{}, err
	}
	return s.FindByID(ctx, taskID)
}

func (s *MySQLStore) MarkCompleted(ctx context.Context, taskID string, expectedVersion int64, tokensUsed int64, costUSD float64) (Task, error) {
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

func (s *MySQLStore) MarkFailed(ctx context.Context, taskID string, expectedVersion int64, errMsg string) (Task, error) {
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

func (s *MySQLStore) ReleaseWorker(ctx context.Context, taskID string, expectedVersion int64) (Task, error) {
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

func (s *MySQLStore) SoftDelete(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE tasks SET status = ?, updated_at = ? WHERE task_id = ?", StatusCancelled, time.Now(), taskID)
	if err != nil {
		return fmt.Errorf("task: soft delete: %w", err)
	}
	return nil
}
